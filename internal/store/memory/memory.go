// Package memory implements the store interfaces in process memory. Used by
// tests and by -dev runs that need no external database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bloodconnect/internal/model"
	"github.com/bloodconnect/internal/store"
)

// Store keeps all entities under one mutex, which also gives the cross-table
// atomicity Accept needs (response flip + unit increment as one step).
type Store struct {
	mu        sync.RWMutex
	requests  map[string]*model.BloodRequest
	responses map[string]*model.DonorResponse
	channels  map[string]*model.ChatChannel
	messages  map[string][]*model.ChatMessage // channelID -> append order
	nextSeq   map[string]int64                // channelID -> next sequence
}

func New() *Store {
	return &Store{
		requests:  make(map[string]*model.BloodRequest),
		responses: make(map[string]*model.DonorResponse),
		channels:  make(map[string]*model.ChatChannel),
		messages:  make(map[string][]*model.ChatMessage),
		nextSeq:   make(map[string]int64),
	}
}

var (
	_ store.RequestStore  = (*Store)(nil)
	_ store.ResponseStore = (*Store)(nil)
	_ store.ChannelStore  = (*Store)(nil)
	_ store.MessageStore  = (*Store)(nil)
)

func cloneRequest(r *model.BloodRequest) *model.BloodRequest {
	c := *r
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

func cloneResponse(r *model.DonorResponse) *model.DonorResponse {
	c := *r
	return &c
}

// --- RequestStore ---

func (s *Store) Create(ctx context.Context, r *model.BloodRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.requests[r.ID]; ok {
		return store.ErrConflict
	}
	s.requests[r.ID] = cloneRequest(r)
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (*model.BloodRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if now := time.Now().UTC(); r.ExpiryDue(now) {
		r.Status = model.RequestExpired
		r.UpdatedAt = now
	}
	return cloneRequest(r), nil
}

func (s *Store) ListOpen(ctx context.Context, f store.RequestFilter) ([]model.BloodRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	out := make([]model.BloodRequest, 0, len(s.requests))
	for _, r := range s.requests {
		if r.ExpiryDue(now) {
			r.Status = model.RequestExpired
			r.UpdatedAt = now
		}
		if r.Status.Terminal() {
			continue
		}
		if f.BloodGroup != "" && r.BloodGroup != f.BloodGroup {
			continue
		}
		if f.Urgency != "" && r.Urgency != f.Urgency {
			continue
		}
		if f.City != "" && r.City != f.City {
			continue
		}
		out = append(out, *cloneRequest(r))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *Store) IncrementUnitsReceived(ctx context.Context, id string, delta int) (*model.BloodRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	if err := applyIncrement(r, delta, time.Now().UTC()); err != nil {
		return nil, err
	}
	return cloneRequest(r), nil
}

// applyIncrement mutates r under the store lock. Shared with Accept.
func applyIncrement(r *model.BloodRequest, delta int, now time.Time) error {
	if r.Status == model.RequestCancelled || r.Status == model.RequestExpired {
		return store.ErrInvalidState
	}
	if delta < 0 || r.UnitsReceived+delta > r.UnitsRequired {
		return store.ErrInvariant
	}
	r.UnitsReceived += delta
	r.Status = model.FulfillmentStatus(r.UnitsReceived, r.UnitsRequired)
	r.UpdatedAt = now
	return nil
}

func (s *Store) Cancel(ctx context.Context, id, byUserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.requests[id]
	if !ok {
		return store.ErrNotFound
	}
	if r.RequesterID != byUserID {
		return store.ErrForbidden
	}
	if r.Status.Terminal() {
		return nil
	}
	r.Status = model.RequestCancelled
	r.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *Store) ExpireDue(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if r.ExpiryDue(now) {
			r.Status = model.RequestExpired
			r.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// --- ResponseStore ---

func (s *Store) CreateResponse(ctx context.Context, r *model.DonorResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ex := range s.responses {
		if ex.RequestID == r.RequestID && ex.DonorID == r.DonorID {
			return store.ErrConflict
		}
	}
	s.responses[r.ID] = cloneResponse(r)
	return nil
}

func (s *Store) GetByRequestDonor(ctx context.Context, requestID, donorID string) (*model.DonorResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, r := range s.responses {
		if r.RequestID == requestID && r.DonorID == donorID {
			return cloneResponse(r), nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) ListByRequest(ctx context.Context, requestID string) ([]model.DonorResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.DonorResponse, 0, 4)
	for _, r := range s.responses {
		if r.RequestID == requestID {
			out = append(out, *cloneResponse(r))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RespondedAt.Equal(out[j].RespondedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].RespondedAt.Before(out[j].RespondedAt)
	})
	return out, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id string, status model.ResponseStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.responses[id]
	if !ok {
		return store.ErrNotFound
	}
	r.Status = status
	r.RespondedAt = at
	return nil
}

func (s *Store) DeleteResponse(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.responses[id]; !ok {
		return store.ErrNotFound
	}
	delete(s.responses, id)
	return nil
}

func (s *Store) Accept(ctx context.Context, requestID, responseID string, at time.Time) (*model.BloodRequest, *model.DonorResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.requests[requestID]
	if !ok {
		return nil, nil, store.ErrNotFound
	}
	resp, ok := s.responses[responseID]
	if !ok || resp.RequestID != requestID {
		return nil, nil, store.ErrNotFound
	}
	if err := applyIncrement(req, 1, at); err != nil {
		return nil, nil, err
	}
	resp.Status = model.ResponseAccepted
	resp.RespondedAt = at
	return cloneRequest(req), cloneResponse(resp), nil
}

// --- ChannelStore ---

func (s *Store) CreateChannel(ctx context.Context, c *model.ChatChannel) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ex := range s.channels {
		if ex.RequestID == c.RequestID && ex.DonorID == c.DonorID {
			return store.ErrConflict
		}
	}
	cc := *c
	s.channels[c.ID] = &cc
	return nil
}

func (s *Store) GetChannel(ctx context.Context, id string) (*model.ChatChannel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.channels[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cc := *c
	return &cc, nil
}

func (s *Store) FindByRequestDonor(ctx context.Context, requestID, donorID string) (*model.ChatChannel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, c := range s.channels {
		if c.RequestID == requestID && c.DonorID == donorID {
			cc := *c
			return &cc, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) PurgeClosed(ctx context.Context, closedBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, c := range s.channels {
		req, ok := s.requests[c.RequestID]
		if !ok {
			continue
		}
		if req.Status.Terminal() && req.UpdatedAt.Before(closedBefore) {
			delete(s.channels, id)
			delete(s.messages, id)
			delete(s.nextSeq, id)
			n++
		}
	}
	return n, nil
}

// --- MessageStore ---

func (s *Store) Append(ctx context.Context, m *model.ChatMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[m.ChannelID]; !ok {
		return store.ErrNotFound
	}
	s.nextSeq[m.ChannelID]++
	m.Seq = s.nextSeq[m.ChannelID]
	mc := *m
	s.messages[m.ChannelID] = append(s.messages[m.ChannelID], &mc)
	return nil
}

func (s *Store) History(ctx context.Context, channelID string) ([]model.ChatMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.channels[channelID]; !ok {
		return nil, store.ErrNotFound
	}
	msgs := s.messages[channelID]
	out := make([]model.ChatMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (s *Store) MarkRead(ctx context.Context, channelID, receiverID string, messageIDs []string) (int, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	ids := make(map[string]struct{}, len(messageIDs))
	for _, id := range messageIDs {
		ids[id] = struct{}{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages[channelID] {
		if _, ok := ids[m.ID]; !ok {
			continue
		}
		if m.ReceiverID != receiverID || m.IsRead {
			continue
		}
		m.IsRead = true
		n++
	}
	return n, nil
}

func (s *Store) UnreadCount(ctx context.Context, channelID, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.messages[channelID] {
		if m.ReceiverID == userID && !m.IsRead {
			n++
		}
	}
	return n, nil
}
