// Package arbiter serializes donor-response decisions per request. Every
// state-changing decision on a request passes through a keyed mutex, so two
// requesters (or one requester double-clicking) cannot over-accept a request
// whose remaining unit count is 1.
package arbiter

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/bloodconnect/internal/logger"
	"github.com/bloodconnect/internal/model"
	"github.com/bloodconnect/internal/store"
)

const DefaultLockTimeout = 2 * time.Second

type Arbiter struct {
	requests    store.RequestStore
	responses   store.ResponseStore
	locks       *keyedMutex
	lockTimeout time.Duration
	now         func() time.Time
}

func New(requests store.RequestStore, responses store.ResponseStore, lockTimeout time.Duration) *Arbiter {
	if lockTimeout <= 0 {
		lockTimeout = DefaultLockTimeout
	}
	return &Arbiter{
		requests:    requests,
		responses:   responses,
		locks:       newKeyedMutex(),
		lockTimeout: lockTimeout,
		now:         time.Now,
	}
}

// Respond registers donorID as a pending responder on the request. Responding
// twice returns the existing response unchanged.
func (a *Arbiter) Respond(ctx context.Context, requestID, donorID string) (*model.DonorResponse, error) {
	defer logger.DeferLogDuration("arbiter.Respond", time.Now())()

	req, err := a.requests.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.RequesterID == donorID {
		return nil, store.ErrForbidden
	}
	if req.Status.Terminal() {
		return nil, store.ErrInvalidState
	}

	existing, err := a.responses.GetByRequestDonor(ctx, requestID, donorID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	resp := &model.DonorResponse{
		ID:          uuid.NewString(),
		RequestID:   requestID,
		DonorID:     donorID,
		Status:      model.ResponsePending,
		RespondedAt: a.now(),
	}
	err = a.responses.CreateResponse(ctx, resp)
	if errors.Is(err, store.ErrConflict) {
		// Lost a create race against the same donor; the winner's row is ours.
		return a.responses.GetByRequestDonor(ctx, requestID, donorID)
	}
	if err != nil {
		return nil, err
	}
	logger.Infof("arbiter: donor %s responded to request %s", donorID, requestID)
	return resp, nil
}

// Accept flips the donor's response to accepted and counts one unit toward
// the request, holding the per-request lock across the check-and-commit.
// Accepting an already-accepted response is a no-op returning current state.
func (a *Arbiter) Accept(ctx context.Context, requestID, donorID, byUserID string) (*model.BloodRequest, *model.DonorResponse, error) {
	defer logger.DeferLogDuration("arbiter.Accept", time.Now())()

	release, err := a.locks.acquire(ctx, requestID, a.lockTimeout)
	if err != nil {
		return nil, nil, err
	}
	defer release()

	req, err := a.requests.Get(ctx, requestID)
	if err != nil {
		return nil, nil, err
	}
	if req.RequesterID != byUserID {
		return nil, nil, store.ErrForbidden
	}

	resp, err := a.responses.GetByRequestDonor(ctx, requestID, donorID)
	if err != nil {
		return nil, nil, err
	}
	if resp.Status == model.ResponseAccepted {
		return req, resp, nil
	}
	if resp.Status == model.ResponseRejected {
		return nil, nil, store.ErrInvalidState
	}

	if req.Status == model.RequestCancelled || req.Status == model.RequestExpired {
		return nil, nil, store.ErrInvalidState
	}
	if req.UnitsReceived >= req.UnitsRequired {
		return nil, nil, store.ErrExhausted
	}

	req, resp, err = a.responses.Accept(ctx, requestID, resp.ID, a.now())
	if errors.Is(err, store.ErrInvariant) {
		// The store refused the increment because the request filled between
		// our read and the commit. Under the lock this is only reachable when
		// units change outside the arbiter.
		return nil, nil, store.ErrExhausted
	}
	if err != nil {
		return nil, nil, err
	}
	logger.Infof("arbiter: accepted donor %s on request %s (%d/%d units)",
		donorID, requestID, req.UnitsReceived, req.UnitsRequired)
	return req, resp, nil
}

// Reject marks the donor's pending response rejected. Rejecting twice is a
// no-op; rejecting an accepted response is refused because its unit has
// already been counted.
func (a *Arbiter) Reject(ctx context.Context, requestID, donorID, byUserID string) (*model.DonorResponse, error) {
	defer logger.DeferLogDuration("arbiter.Reject", time.Now())()

	release, err := a.locks.acquire(ctx, requestID, a.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	req, err := a.requests.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.RequesterID != byUserID {
		return nil, store.ErrForbidden
	}

	resp, err := a.responses.GetByRequestDonor(ctx, requestID, donorID)
	if err != nil {
		return nil, err
	}
	switch resp.Status {
	case model.ResponseRejected:
		return resp, nil
	case model.ResponseAccepted:
		return nil, store.ErrInvalidState
	}

	at := a.now()
	if err := a.responses.UpdateStatus(ctx, resp.ID, model.ResponseRejected, at); err != nil {
		return nil, err
	}
	resp.Status = model.ResponseRejected
	resp.RespondedAt = at
	return resp, nil
}

// Withdraw removes the donor's own response while it is still pending or
// rejected. An accepted response cannot be withdrawn.
func (a *Arbiter) Withdraw(ctx context.Context, requestID, donorID, byUserID string) error {
	defer logger.DeferLogDuration("arbiter.Withdraw", time.Now())()

	if donorID != byUserID {
		return store.ErrForbidden
	}

	release, err := a.locks.acquire(ctx, requestID, a.lockTimeout)
	if err != nil {
		return err
	}
	defer release()

	resp, err := a.responses.GetByRequestDonor(ctx, requestID, donorID)
	if err != nil {
		return err
	}
	if resp.Status == model.ResponseAccepted {
		return store.ErrInvalidState
	}
	return a.responses.DeleteResponse(ctx, resp.ID)
}

// Cancel terminates the request through the same lock that guards accepts, so
// a cancel cannot interleave with an in-flight accept on the same request.
func (a *Arbiter) Cancel(ctx context.Context, requestID, byUserID string) error {
	defer logger.DeferLogDuration("arbiter.Cancel", time.Now())()

	release, err := a.locks.acquire(ctx, requestID, a.lockTimeout)
	if err != nil {
		return err
	}
	defer release()

	return a.requests.Cancel(ctx, requestID, byUserID)
}

// Responses lists every response on the request, visible to the requester
// only.
func (a *Arbiter) Responses(ctx context.Context, requestID, byUserID string) ([]model.DonorResponse, error) {
	defer logger.DeferLogDuration("arbiter.Responses", time.Now())()

	req, err := a.requests.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if req.RequesterID != byUserID {
		return nil, store.ErrForbidden
	}
	return a.responses.ListByRequest(ctx, requestID)
}
