package model

import "time"

type BloodGroup string

const (
	BloodGroupAPos  BloodGroup = "A+"
	BloodGroupANeg  BloodGroup = "A-"
	BloodGroupBPos  BloodGroup = "B+"
	BloodGroupBNeg  BloodGroup = "B-"
	BloodGroupABPos BloodGroup = "AB+"
	BloodGroupABNeg BloodGroup = "AB-"
	BloodGroupOPos  BloodGroup = "O+"
	BloodGroupONeg  BloodGroup = "O-"
)

// Valid reports whether g is one of the 8 ABO/Rh groups.
func (g BloodGroup) Valid() bool {
	switch g {
	case BloodGroupAPos, BloodGroupANeg, BloodGroupBPos, BloodGroupBNeg,
		BloodGroupABPos, BloodGroupABNeg, BloodGroupOPos, BloodGroupONeg:
		return true
	}
	return false
}

type Urgency string

const (
	UrgencyNormal   Urgency = "normal"
	UrgencyUrgent   Urgency = "urgent"
	UrgencyCritical Urgency = "critical"
)

func (u Urgency) Valid() bool {
	switch u {
	case UrgencyNormal, UrgencyUrgent, UrgencyCritical:
		return true
	}
	return false
}

type RequestStatus string

const (
	RequestActive             RequestStatus = "active"
	RequestPartiallyFulfilled RequestStatus = "partially_fulfilled"
	RequestFulfilled          RequestStatus = "fulfilled"
	RequestCancelled          RequestStatus = "cancelled"
	RequestExpired            RequestStatus = "expired"
)

// Terminal reports whether no further transition may leave s.
func (s RequestStatus) Terminal() bool {
	return s == RequestFulfilled || s == RequestCancelled || s == RequestExpired
}

type BloodRequest struct {
	ID            string        `json:"id"`
	RequesterID   string        `json:"requester_id"`
	BloodGroup    BloodGroup    `json:"blood_group"`
	UnitsRequired int           `json:"units_required"`
	UnitsReceived int           `json:"units_received"`
	Urgency       Urgency       `json:"urgency"`
	Status        RequestStatus `json:"status"`
	City          string        `json:"city,omitempty"`
	ExpiresAt     *time.Time    `json:"expires_at,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

// FulfillmentStatus derives the open-request status from the unit counters.
// Terminal statuses (cancelled/expired) are never produced here; they are set
// by their own transitions.
func FulfillmentStatus(unitsReceived, unitsRequired int) RequestStatus {
	switch {
	case unitsReceived >= unitsRequired:
		return RequestFulfilled
	case unitsReceived > 0:
		return RequestPartiallyFulfilled
	default:
		return RequestActive
	}
}

// ExpiryDue reports whether the request should lazily transition to expired.
func (r *BloodRequest) ExpiryDue(now time.Time) bool {
	return !r.Status.Terminal() && r.ExpiresAt != nil && now.After(*r.ExpiresAt)
}
