package model

import "time"

type ResponseStatus string

const (
	ResponsePending  ResponseStatus = "pending"
	ResponseAccepted ResponseStatus = "accepted"
	ResponseRejected ResponseStatus = "rejected"
)

// DonorResponse is a donor's offer against one request. A donor has at most
// one response per request (unique on request_id + donor_id).
type DonorResponse struct {
	ID          string         `json:"id"`
	RequestID   string         `json:"request_id"`
	DonorID     string         `json:"donor_id"`
	Status      ResponseStatus `json:"status"`
	RespondedAt time.Time      `json:"responded_at"`
}
