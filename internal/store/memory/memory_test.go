package memory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bloodconnect/internal/model"
	"github.com/bloodconnect/internal/store"
)

func newRequest(id, requester string, units int) *model.BloodRequest {
	now := time.Now().UTC()
	return &model.BloodRequest{
		ID:            id,
		RequesterID:   requester,
		BloodGroup:    model.BloodGroupOPos,
		UnitsRequired: units,
		Urgency:       model.UrgencyNormal,
		Status:        model.RequestActive,
		City:          "Berlin",
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

func TestRequestLifecycle(t *testing.T) {
	s := New()
	ctx := context.Background()

	req := newRequest("r1", "u1", 3)
	if err := s.Create(ctx, req); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := s.Create(ctx, req); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("duplicate create: got %v, want ErrConflict", err)
	}

	got, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.RequestActive || got.UnitsReceived != 0 {
		t.Fatalf("unexpected request state: %+v", got)
	}

	if _, err := s.Get(ctx, "missing"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("get missing: got %v, want ErrNotFound", err)
	}
}

func TestIncrementRecomputesStatus(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.Create(ctx, newRequest("r1", "u1", 2)); err != nil {
		t.Fatal(err)
	}

	got, err := s.IncrementUnitsReceived(ctx, "r1", 1)
	if err != nil {
		t.Fatalf("first increment: %v", err)
	}
	if got.Status != model.RequestPartiallyFulfilled || got.UnitsReceived != 1 {
		t.Fatalf("after first increment: %+v", got)
	}

	got, err = s.IncrementUnitsReceived(ctx, "r1", 1)
	if err != nil {
		t.Fatalf("second increment: %v", err)
	}
	if got.Status != model.RequestFulfilled || got.UnitsReceived != 2 {
		t.Fatalf("after second increment: %+v", got)
	}

	if _, err := s.IncrementUnitsReceived(ctx, "r1", 1); !errors.Is(err, store.ErrInvariant) {
		t.Fatalf("overfill: got %v, want ErrInvariant", err)
	}
}

func TestIncrementOnCancelledRequest(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.Create(ctx, newRequest("r1", "u1", 2)); err != nil {
		t.Fatal(err)
	}
	if err := s.Cancel(ctx, "r1", "u1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := s.IncrementUnitsReceived(ctx, "r1", 1); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("increment cancelled: got %v, want ErrInvalidState", err)
	}
}

func TestCancelAuthorizationAndIdempotence(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.Create(ctx, newRequest("r1", "u1", 1)); err != nil {
		t.Fatal(err)
	}

	if err := s.Cancel(ctx, "r1", "intruder"); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("cancel by non-owner: got %v, want ErrForbidden", err)
	}
	if err := s.Cancel(ctx, "r1", "u1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	// Cancelling a terminal request stays a no-op.
	if err := s.Cancel(ctx, "r1", "u1"); err != nil {
		t.Fatalf("repeat cancel: %v", err)
	}
	got, _ := s.Get(ctx, "r1")
	if got.Status != model.RequestCancelled {
		t.Fatalf("status after cancel: %s", got.Status)
	}
}

func TestLazyExpiryOnGet(t *testing.T) {
	s := New()
	ctx := context.Background()
	req := newRequest("r1", "u1", 1)
	past := time.Now().UTC().Add(-time.Hour)
	req.ExpiresAt = &past
	if err := s.Create(ctx, req); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, "r1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != model.RequestExpired {
		t.Fatalf("status: got %s, want expired", got.Status)
	}
}

func TestListOpenFiltersAndOrder(t *testing.T) {
	s := New()
	ctx := context.Background()

	a := newRequest("a", "u1", 1)
	a.BloodGroup = model.BloodGroupAPos
	a.CreatedAt = time.Now().UTC().Add(-2 * time.Minute)
	b := newRequest("b", "u2", 1)
	b.BloodGroup = model.BloodGroupOPos
	b.Urgency = model.UrgencyCritical
	b.CreatedAt = time.Now().UTC().Add(-time.Minute)
	c := newRequest("c", "u3", 1)
	c.BloodGroup = model.BloodGroupOPos
	c.City = "Hamburg"
	for _, r := range []*model.BloodRequest{a, b, c} {
		if err := s.Create(ctx, r); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Cancel(ctx, "c", "u3"); err != nil {
		t.Fatal(err)
	}

	all, err := s.ListOpen(ctx, store.RequestFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("open requests: got %d, want 2", len(all))
	}
	if all[0].ID != "b" || all[1].ID != "a" {
		t.Fatalf("order: got %s, %s; want b, a", all[0].ID, all[1].ID)
	}

	byGroup, err := s.ListOpen(ctx, store.RequestFilter{BloodGroup: model.BloodGroupAPos})
	if err != nil {
		t.Fatal(err)
	}
	if len(byGroup) != 1 || byGroup[0].ID != "a" {
		t.Fatalf("blood group filter: %+v", byGroup)
	}

	byUrgency, err := s.ListOpen(ctx, store.RequestFilter{Urgency: model.UrgencyCritical})
	if err != nil {
		t.Fatal(err)
	}
	if len(byUrgency) != 1 || byUrgency[0].ID != "b" {
		t.Fatalf("urgency filter: %+v", byUrgency)
	}
}

func TestAcceptIsAtomic(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.Create(ctx, newRequest("r1", "u1", 1)); err != nil {
		t.Fatal(err)
	}
	resp := &model.DonorResponse{ID: "resp1", RequestID: "r1", DonorID: "d1", Status: model.ResponsePending, RespondedAt: time.Now().UTC()}
	if err := s.CreateResponse(ctx, resp); err != nil {
		t.Fatal(err)
	}

	req, got, err := s.Accept(ctx, "r1", "resp1", time.Now().UTC())
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if got.Status != model.ResponseAccepted {
		t.Fatalf("response status: %s", got.Status)
	}
	if req.UnitsReceived != 1 || req.Status != model.RequestFulfilled {
		t.Fatalf("request after accept: %+v", req)
	}

	// A second accept on a filled request must leave both rows untouched.
	resp2 := &model.DonorResponse{ID: "resp2", RequestID: "r1", DonorID: "d2", Status: model.ResponsePending, RespondedAt: time.Now().UTC()}
	if err := s.CreateResponse(ctx, resp2); err != nil {
		t.Fatal(err)
	}
	if _, _, err := s.Accept(ctx, "r1", "resp2", time.Now().UTC()); !errors.Is(err, store.ErrInvariant) {
		t.Fatalf("overfill accept: got %v, want ErrInvariant", err)
	}
	unchanged, _ := s.GetByRequestDonor(ctx, "r1", "d2")
	if unchanged.Status != model.ResponsePending {
		t.Fatalf("losing response mutated: %s", unchanged.Status)
	}
}

func TestDuplicateResponseConflicts(t *testing.T) {
	s := New()
	ctx := context.Background()
	if err := s.Create(ctx, newRequest("r1", "u1", 1)); err != nil {
		t.Fatal(err)
	}
	first := &model.DonorResponse{ID: "resp1", RequestID: "r1", DonorID: "d1", Status: model.ResponsePending, RespondedAt: time.Now().UTC()}
	if err := s.CreateResponse(ctx, first); err != nil {
		t.Fatal(err)
	}
	dup := &model.DonorResponse{ID: "resp2", RequestID: "r1", DonorID: "d1", Status: model.ResponsePending, RespondedAt: time.Now().UTC()}
	if err := s.CreateResponse(ctx, dup); !errors.Is(err, store.ErrConflict) {
		t.Fatalf("duplicate response: got %v, want ErrConflict", err)
	}
}

func TestMessageSequenceAndHistory(t *testing.T) {
	s := New()
	ctx := context.Background()
	ch := &model.ChatChannel{ID: "c1", RequestID: "r1", RequesterID: "u1", DonorID: "d1", CreatedAt: time.Now().UTC()}
	if err := s.CreateChannel(ctx, ch); err != nil {
		t.Fatal(err)
	}

	for i, body := range []string{"hello", "world", "again"} {
		m := &model.ChatMessage{ID: "m" + string(rune('1'+i)), ChannelID: "c1", SenderID: "u1", ReceiverID: "d1", Body: body, CreatedAt: time.Now().UTC()}
		if err := s.Append(ctx, m); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
		if m.Seq != int64(i+1) {
			t.Fatalf("seq: got %d, want %d", m.Seq, i+1)
		}
	}

	hist, err := s.History(ctx, "c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(hist) != 3 {
		t.Fatalf("history length: %d", len(hist))
	}
	for i := range hist {
		if hist[i].Seq != int64(i+1) {
			t.Fatalf("history out of order at %d: seq %d", i, hist[i].Seq)
		}
	}

	m := &model.ChatMessage{ID: "mX", ChannelID: "nope", SenderID: "u1", ReceiverID: "d1", Body: "x", CreatedAt: time.Now().UTC()}
	if err := s.Append(ctx, m); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("append to missing channel: got %v, want ErrNotFound", err)
	}
}

func TestMarkReadOnlyReceiverAndUnread(t *testing.T) {
	s := New()
	ctx := context.Background()
	ch := &model.ChatChannel{ID: "c1", RequestID: "r1", RequesterID: "u1", DonorID: "d1", CreatedAt: time.Now().UTC()}
	if err := s.CreateChannel(ctx, ch); err != nil {
		t.Fatal(err)
	}
	toDonor := &model.ChatMessage{ID: "m1", ChannelID: "c1", SenderID: "u1", ReceiverID: "d1", Body: "a", CreatedAt: time.Now().UTC()}
	toRequester := &model.ChatMessage{ID: "m2", ChannelID: "c1", SenderID: "d1", ReceiverID: "u1", Body: "b", CreatedAt: time.Now().UTC()}
	for _, m := range []*model.ChatMessage{toDonor, toRequester} {
		if err := s.Append(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	// The sender cannot mark their own outbound message.
	n, err := s.MarkRead(ctx, "c1", "u1", []string{"m1", "m2"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("marked: got %d, want 1", n)
	}

	// Marking again is a no-op.
	n, err = s.MarkRead(ctx, "c1", "u1", []string{"m2"})
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("re-mark: got %d, want 0", n)
	}

	unread, err := s.UnreadCount(ctx, "c1", "d1")
	if err != nil {
		t.Fatal(err)
	}
	if unread != 1 {
		t.Fatalf("unread for donor: got %d, want 1", unread)
	}
}

func TestPurgeClosedRespectsRetention(t *testing.T) {
	s := New()
	ctx := context.Background()
	req := newRequest("r1", "u1", 1)
	if err := s.Create(ctx, req); err != nil {
		t.Fatal(err)
	}
	ch := &model.ChatChannel{ID: "c1", RequestID: "r1", RequesterID: "u1", DonorID: "d1", CreatedAt: time.Now().UTC()}
	if err := s.CreateChannel(ctx, ch); err != nil {
		t.Fatal(err)
	}

	// Open request: nothing to purge.
	n, err := s.PurgeClosed(ctx, time.Now().UTC().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("purged open: %d", n)
	}

	if err := s.Cancel(ctx, "r1", "u1"); err != nil {
		t.Fatal(err)
	}
	// Cutoff before the cancel time: still retained.
	n, _ = s.PurgeClosed(ctx, time.Now().UTC().Add(-time.Minute))
	if n != 0 {
		t.Fatalf("purged inside retention: %d", n)
	}
	// Cutoff after the cancel time: gone.
	n, _ = s.PurgeClosed(ctx, time.Now().UTC().Add(time.Minute))
	if n != 1 {
		t.Fatalf("purged: got %d, want 1", n)
	}
	if _, err := s.GetChannel(ctx, "c1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("channel after purge: got %v, want ErrNotFound", err)
	}
}
