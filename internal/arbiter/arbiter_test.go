package arbiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bloodconnect/internal/model"
	"github.com/bloodconnect/internal/store"
	"github.com/bloodconnect/internal/store/memory"
)

func newFixture(t *testing.T, units int) (*Arbiter, *memory.Store, *model.BloodRequest) {
	t.Helper()
	s := memory.New()
	now := time.Now().UTC()
	req := &model.BloodRequest{
		ID:            "req1",
		RequesterID:   "requester",
		BloodGroup:    model.BloodGroupABNeg,
		UnitsRequired: units,
		Urgency:       model.UrgencyUrgent,
		Status:        model.RequestActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.Create(context.Background(), req); err != nil {
		t.Fatal(err)
	}
	return New(s, s, time.Second), s, req
}

func TestRespondIsIdempotent(t *testing.T) {
	arb, _, _ := newFixture(t, 2)
	ctx := context.Background()

	first, err := arb.Respond(ctx, "req1", "donor1")
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if first.Status != model.ResponsePending {
		t.Fatalf("status: %s", first.Status)
	}

	second, err := arb.Respond(ctx, "req1", "donor1")
	if err != nil {
		t.Fatalf("repeat respond: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("repeat respond created a new response: %s vs %s", second.ID, first.ID)
	}
}

func TestRespondToOwnRequestForbidden(t *testing.T) {
	arb, _, _ := newFixture(t, 1)
	if _, err := arb.Respond(context.Background(), "req1", "requester"); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("got %v, want ErrForbidden", err)
	}
}

func TestRespondToTerminalRequest(t *testing.T) {
	arb, s, _ := newFixture(t, 1)
	ctx := context.Background()
	if err := s.Cancel(ctx, "req1", "requester"); err != nil {
		t.Fatal(err)
	}
	if _, err := arb.Respond(ctx, "req1", "donor1"); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("got %v, want ErrInvalidState", err)
	}
}

func TestAcceptFlow(t *testing.T) {
	arb, _, _ := newFixture(t, 2)
	ctx := context.Background()

	if _, err := arb.Respond(ctx, "req1", "donor1"); err != nil {
		t.Fatal(err)
	}

	req, resp, err := arb.Accept(ctx, "req1", "donor1", "requester")
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if resp.Status != model.ResponseAccepted {
		t.Fatalf("response status: %s", resp.Status)
	}
	if req.UnitsReceived != 1 || req.Status != model.RequestPartiallyFulfilled {
		t.Fatalf("request after accept: %+v", req)
	}

	// Accepting again returns current state without counting a second unit.
	req, resp, err = arb.Accept(ctx, "req1", "donor1", "requester")
	if err != nil {
		t.Fatalf("repeat accept: %v", err)
	}
	if req.UnitsReceived != 1 {
		t.Fatalf("repeat accept double-counted: %d", req.UnitsReceived)
	}
	if resp.Status != model.ResponseAccepted {
		t.Fatalf("repeat accept status: %s", resp.Status)
	}
}

func TestAcceptAuthorization(t *testing.T) {
	arb, _, _ := newFixture(t, 1)
	ctx := context.Background()
	if _, err := arb.Respond(ctx, "req1", "donor1"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := arb.Accept(ctx, "req1", "donor1", "donor1"); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("accept by donor: got %v, want ErrForbidden", err)
	}
}

func TestAcceptWithoutResponse(t *testing.T) {
	arb, _, _ := newFixture(t, 1)
	if _, _, err := arb.Accept(context.Background(), "req1", "ghost", "requester"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("got %v, want ErrNotFound", err)
	}
}

func TestAcceptExhausted(t *testing.T) {
	arb, _, _ := newFixture(t, 1)
	ctx := context.Background()

	for _, donor := range []string{"donor1", "donor2"} {
		if _, err := arb.Respond(ctx, "req1", donor); err != nil {
			t.Fatal(err)
		}
	}
	if _, _, err := arb.Accept(ctx, "req1", "donor1", "requester"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := arb.Accept(ctx, "req1", "donor2", "requester"); !errors.Is(err, store.ErrExhausted) {
		t.Fatalf("accept on filled request: got %v, want ErrExhausted", err)
	}
}

// One unit, many racing accepts: exactly one donor wins, everyone else gets
// the exhausted outcome, and the unit counter never exceeds the requirement.
func TestConcurrentAcceptsSingleWinner(t *testing.T) {
	const donors = 16
	arb, s, _ := newFixture(t, 1)
	ctx := context.Background()

	for i := 0; i < donors; i++ {
		if _, err := arb.Respond(ctx, "req1", fmt.Sprintf("donor%d", i)); err != nil {
			t.Fatal(err)
		}
	}

	var wg sync.WaitGroup
	errs := make([]error, donors)
	for i := 0; i < donors; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, errs[i] = arb.Accept(ctx, "req1", fmt.Sprintf("donor%d", i), "requester")
		}(i)
	}
	wg.Wait()

	wins, exhausted := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, store.ErrExhausted):
			exhausted++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || exhausted != donors-1 {
		t.Fatalf("wins=%d exhausted=%d, want 1 and %d", wins, exhausted, donors-1)
	}

	req, err := s.Get(ctx, "req1")
	if err != nil {
		t.Fatal(err)
	}
	if req.UnitsReceived != 1 || req.Status != model.RequestFulfilled {
		t.Fatalf("request after race: %+v", req)
	}
}

func TestRejectFlow(t *testing.T) {
	arb, _, _ := newFixture(t, 1)
	ctx := context.Background()
	if _, err := arb.Respond(ctx, "req1", "donor1"); err != nil {
		t.Fatal(err)
	}

	resp, err := arb.Reject(ctx, "req1", "donor1", "requester")
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if resp.Status != model.ResponseRejected {
		t.Fatalf("status: %s", resp.Status)
	}

	// Idempotent.
	if _, err := arb.Reject(ctx, "req1", "donor1", "requester"); err != nil {
		t.Fatalf("repeat reject: %v", err)
	}

	if _, err := arb.Reject(ctx, "req1", "donor1", "donor1"); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("reject by donor: got %v, want ErrForbidden", err)
	}
}

func TestRejectAcceptedRefused(t *testing.T) {
	arb, _, _ := newFixture(t, 1)
	ctx := context.Background()
	if _, err := arb.Respond(ctx, "req1", "donor1"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := arb.Accept(ctx, "req1", "donor1", "requester"); err != nil {
		t.Fatal(err)
	}
	if _, err := arb.Reject(ctx, "req1", "donor1", "requester"); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("reject accepted: got %v, want ErrInvalidState", err)
	}
}

func TestWithdraw(t *testing.T) {
	arb, s, _ := newFixture(t, 1)
	ctx := context.Background()
	if _, err := arb.Respond(ctx, "req1", "donor1"); err != nil {
		t.Fatal(err)
	}

	if err := arb.Withdraw(ctx, "req1", "donor1", "someone-else"); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("withdraw by other user: got %v, want ErrForbidden", err)
	}
	if err := arb.Withdraw(ctx, "req1", "donor1", "donor1"); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if _, err := s.GetByRequestDonor(ctx, "req1", "donor1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("response after withdraw: got %v, want ErrNotFound", err)
	}
}

func TestWithdrawAcceptedRefused(t *testing.T) {
	arb, _, _ := newFixture(t, 1)
	ctx := context.Background()
	if _, err := arb.Respond(ctx, "req1", "donor1"); err != nil {
		t.Fatal(err)
	}
	if _, _, err := arb.Accept(ctx, "req1", "donor1", "requester"); err != nil {
		t.Fatal(err)
	}
	if err := arb.Withdraw(ctx, "req1", "donor1", "donor1"); !errors.Is(err, store.ErrInvalidState) {
		t.Fatalf("withdraw accepted: got %v, want ErrInvalidState", err)
	}
}

func TestResponsesVisibleToRequesterOnly(t *testing.T) {
	arb, _, _ := newFixture(t, 2)
	ctx := context.Background()
	if _, err := arb.Respond(ctx, "req1", "donor1"); err != nil {
		t.Fatal(err)
	}

	list, err := arb.Responses(ctx, "req1", "requester")
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 1 {
		t.Fatalf("responses: %d", len(list))
	}
	if _, err := arb.Responses(ctx, "req1", "donor1"); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("list by donor: got %v, want ErrForbidden", err)
	}
}

func TestKeyedMutexTimeoutReturnsBusy(t *testing.T) {
	km := newKeyedMutex()
	ctx := context.Background()

	release, err := km.acquire(ctx, "k", 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := km.acquire(ctx, "k", 50*time.Millisecond); !errors.Is(err, store.ErrBusy) {
		t.Fatalf("second acquire: got %v, want ErrBusy", err)
	}
	release()

	release2, err := km.acquire(ctx, "k", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
	release2()
}

func TestKeyedMutexIndependentKeys(t *testing.T) {
	km := newKeyedMutex()
	ctx := context.Background()

	releaseA, err := km.acquire(ctx, "a", 50*time.Millisecond)
	if err != nil {
		t.Fatal(err)
	}
	defer releaseA()

	releaseB, err := km.acquire(ctx, "b", 50*time.Millisecond)
	if err != nil {
		t.Fatalf("independent key blocked: %v", err)
	}
	releaseB()
}
