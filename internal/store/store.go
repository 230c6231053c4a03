// Package store defines the persistence interfaces for the coordination
// engine. Implementations: repository (Postgres) and memory (for -dev and
// tests).
package store

import (
	"context"
	"time"

	"github.com/bloodconnect/internal/model"
)

// RequestFilter narrows ListOpen. Zero values match everything.
type RequestFilter struct {
	BloodGroup model.BloodGroup
	Urgency    model.Urgency
	City       string
}

type RequestStore interface {
	Create(ctx context.Context, r *model.BloodRequest) error
	// Get resolves lazy expiry: a request past its expires_at that is still
	// open is transitioned to expired before being returned.
	Get(ctx context.Context, id string) (*model.BloodRequest, error)
	// ListOpen returns non-terminal requests only, newest first.
	ListOpen(ctx context.Context, f RequestFilter) ([]model.BloodRequest, error)
	// IncrementUnitsReceived atomically bumps units_received and recomputes
	// the status. Returns ErrInvariant if the increment would exceed
	// units_required, ErrInvalidState if the request is cancelled or expired.
	IncrementUnitsReceived(ctx context.Context, id string, delta int) (*model.BloodRequest, error)
	// Cancel sets status=cancelled. Only the requester may cancel
	// (ErrForbidden); cancelling a terminal request is a no-op.
	Cancel(ctx context.Context, id, byUserID string) error
	// ExpireDue transitions every open request past its expiry to expired and
	// returns how many were flipped. Backs the periodic sweep.
	ExpireDue(ctx context.Context, now time.Time) (int, error)
}

type ResponseStore interface {
	CreateResponse(ctx context.Context, r *model.DonorResponse) error
	GetByRequestDonor(ctx context.Context, requestID, donorID string) (*model.DonorResponse, error)
	ListByRequest(ctx context.Context, requestID string) ([]model.DonorResponse, error)
	UpdateStatus(ctx context.Context, id string, status model.ResponseStatus, at time.Time) error
	DeleteResponse(ctx context.Context, id string) error
	// Accept flips the response to accepted and increments the request's
	// units_received as one atomic step, so readers never observe a torn
	// intermediate state. Returns the post-commit request and response.
	// ErrInvariant if the increment would overfill the request.
	Accept(ctx context.Context, requestID, responseID string, at time.Time) (*model.BloodRequest, *model.DonorResponse, error)
}

type ChannelStore interface {
	CreateChannel(ctx context.Context, c *model.ChatChannel) error
	GetChannel(ctx context.Context, id string) (*model.ChatChannel, error)
	FindByRequestDonor(ctx context.Context, requestID, donorID string) (*model.ChatChannel, error)
	// PurgeClosed deletes channels (and their messages) whose owning request
	// went terminal before the cutoff. Backs the retention sweep.
	PurgeClosed(ctx context.Context, closedBefore time.Time) (int, error)
}

type MessageStore interface {
	// Append stores the message and assigns it the channel's next sequence
	// number (monotonic per channel).
	Append(ctx context.Context, m *model.ChatMessage) error
	History(ctx context.Context, channelID string) ([]model.ChatMessage, error)
	// MarkRead flips is_read on the given messages, but only those in the
	// channel addressed to receiverID that are still unread. Returns the
	// number actually flipped; an empty id set is a no-op.
	MarkRead(ctx context.Context, channelID, receiverID string, messageIDs []string) (int, error)
	UnreadCount(ctx context.Context, channelID, userID string) (int, error)
}
