package coord

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/bloodconnect/internal/arbiter"
	"github.com/bloodconnect/internal/channel"
	"github.com/bloodconnect/internal/model"
	"github.com/bloodconnect/internal/notify"
	"github.com/bloodconnect/internal/store"
	"github.com/bloodconnect/internal/store/memory"
)

type recordingPush struct {
	mu    sync.Mutex
	calls []string
}

func (p *recordingPush) Notify(_ context.Context, userID, title, _ string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, userID+":"+title)
}

func newFixture(t *testing.T) (*Facade, *memory.Store, *notify.Bus, *recordingPush) {
	t.Helper()
	s := memory.New()
	bus := notify.NewBus(32)
	t.Cleanup(bus.Close)
	arb := arbiter.New(s, s, time.Second)
	channels := channel.NewManager(s, s, s, 0)
	push := &recordingPush{}
	return New(s, arb, channels, bus, push), s, bus, push
}

func validInput() CreateRequestInput {
	return CreateRequestInput{
		BloodGroup:    model.BloodGroupONeg,
		UnitsRequired: 2,
		Urgency:       model.UrgencyCritical,
		City:          "Munich",
	}
}

func drain(sub *notify.Subscription) []notify.Event {
	var out []notify.Event
	for {
		select {
		case ev, ok := <-sub.C():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestCreateRequestValidation(t *testing.T) {
	f, _, _, _ := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*CreateRequestInput)
	}{
		{"unknown blood group", func(in *CreateRequestInput) { in.BloodGroup = "Q+" }},
		{"zero units", func(in *CreateRequestInput) { in.UnitsRequired = 0 }},
		{"too many units", func(in *CreateRequestInput) { in.UnitsRequired = 999 }},
		{"unknown urgency", func(in *CreateRequestInput) { in.Urgency = "panic" }},
		{"past expiry", func(in *CreateRequestInput) {
			past := time.Now().Add(-time.Hour)
			in.ExpiresAt = &past
		}},
	}
	for _, tc := range cases {
		in := validInput()
		tc.mutate(&in)
		if _, err := f.CreateRequest(ctx, "u1", in); !errors.Is(err, store.ErrValidation) {
			t.Errorf("%s: got %v, want ErrValidation", tc.name, err)
		}
	}

	// Urgency defaults to normal when omitted.
	in := validInput()
	in.Urgency = ""
	req, err := f.CreateRequest(ctx, "u1", in)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if req.Urgency != model.UrgencyNormal {
		t.Fatalf("default urgency: %s", req.Urgency)
	}
	if req.Status != model.RequestActive || req.UnitsReceived != 0 {
		t.Fatalf("new request state: %+v", req)
	}
}

// The full path: respond, accept, channel, chat. Events on the request topic
// arrive in operation order, and the fulfilled marker follows the final
// accept.
func TestAcceptOpensChannelAndPublishesInOrder(t *testing.T) {
	f, _, _, push := newFixture(t)
	ctx := context.Background()

	req, err := f.CreateRequest(ctx, "requester", validInput())
	if err != nil {
		t.Fatal(err)
	}
	sub, err := f.SubscribeRequest(ctx, req.ID, "requester")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	for _, donor := range []string{"donor1", "donor2"} {
		if _, err := f.RespondToRequest(ctx, req.ID, donor); err != nil {
			t.Fatal(err)
		}
	}

	resp, ch, err := f.AcceptResponse(ctx, req.ID, "donor1", "requester")
	if err != nil {
		t.Fatalf("accept donor1: %v", err)
	}
	if resp.Status != model.ResponseAccepted {
		t.Fatalf("response status: %s", resp.Status)
	}
	if ch == nil || ch.DonorID != "donor1" || ch.RequesterID != "requester" {
		t.Fatalf("channel: %+v", ch)
	}

	if _, _, err := f.AcceptResponse(ctx, req.ID, "donor2", "requester"); err != nil {
		t.Fatalf("accept donor2: %v", err)
	}

	events := drain(sub)
	wantTypes := []notify.EventType{
		notify.EventResponseReceived,
		notify.EventResponseReceived,
		notify.EventResponseAccepted,
		notify.EventResponseAccepted,
		notify.EventRequestFulfilled,
	}
	if len(events) != len(wantTypes) {
		t.Fatalf("events: got %d, want %d (%+v)", len(events), len(wantTypes), events)
	}
	for i, ev := range events {
		if ev.Type != wantTypes[i] {
			t.Fatalf("event %d: got %s, want %s", i, ev.Type, wantTypes[i])
		}
	}

	push.mu.Lock()
	defer push.mu.Unlock()
	if len(push.calls) != 2 {
		t.Fatalf("push calls: %v", push.calls)
	}
}

func TestRejectedEventTargetsDonorOnly(t *testing.T) {
	f, _, _, _ := newFixture(t)
	ctx := context.Background()

	req, err := f.CreateRequest(ctx, "requester", validInput())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.RespondToRequest(ctx, req.ID, "donor1"); err != nil {
		t.Fatal(err)
	}

	donorSub, err := f.SubscribeRequest(ctx, req.ID, "donor1")
	if err != nil {
		t.Fatal(err)
	}
	defer donorSub.Close()
	otherSub, err := f.SubscribeRequest(ctx, req.ID, "donor2")
	if err != nil {
		t.Fatal(err)
	}
	defer otherSub.Close()

	if _, err := f.RejectResponse(ctx, req.ID, "donor1", "requester"); err != nil {
		t.Fatal(err)
	}

	donorEvents := drain(donorSub)
	if len(donorEvents) != 1 || donorEvents[0].Type != notify.EventResponseRejected {
		t.Fatalf("donor events: %+v", donorEvents)
	}
	if other := drain(otherSub); len(other) != 0 {
		t.Fatalf("bystander saw targeted event: %+v", other)
	}
}

func TestSendMessagePublishesAndNotifiesReceiver(t *testing.T) {
	f, _, _, push := newFixture(t)
	ctx := context.Background()

	req, err := f.CreateRequest(ctx, "requester", validInput())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.RespondToRequest(ctx, req.ID, "donor1"); err != nil {
		t.Fatal(err)
	}
	_, ch, err := f.AcceptResponse(ctx, req.ID, "donor1", "requester")
	if err != nil {
		t.Fatal(err)
	}

	sub, err := f.SubscribeChannel(ctx, ch.ID, "donor1")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	msg, err := f.SendMessage(ctx, ch.ID, "requester", "when can you come in?")
	if err != nil {
		t.Fatal(err)
	}
	if msg.Seq != 1 || msg.ReceiverID != "donor1" {
		t.Fatalf("message: %+v", msg)
	}

	events := drain(sub)
	if len(events) != 1 || events[0].Type != notify.EventMessageSent {
		t.Fatalf("channel events: %+v", events)
	}

	push.mu.Lock()
	defer push.mu.Unlock()
	found := false
	for _, c := range push.calls {
		if c == "donor1:New message" {
			found = true
		}
	}
	if !found {
		t.Fatalf("push calls: %v", push.calls)
	}
}

func TestMarkReadPublishesReceiptOnce(t *testing.T) {
	f, _, _, _ := newFixture(t)
	ctx := context.Background()

	req, err := f.CreateRequest(ctx, "requester", validInput())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.RespondToRequest(ctx, req.ID, "donor1"); err != nil {
		t.Fatal(err)
	}
	_, ch, err := f.AcceptResponse(ctx, req.ID, "donor1", "requester")
	if err != nil {
		t.Fatal(err)
	}
	msg, err := f.SendMessage(ctx, ch.ID, "requester", "ping")
	if err != nil {
		t.Fatal(err)
	}

	sub, err := f.SubscribeChannel(ctx, ch.ID, "requester")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	n, err := f.MarkMessagesRead(ctx, ch.ID, "donor1", []string{msg.ID})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("marked: %d", n)
	}
	if events := drain(sub); len(events) != 1 || events[0].Type != notify.EventMessagesRead {
		t.Fatalf("events: %+v", events)
	}

	// Re-marking flips nothing, so no second receipt goes out.
	n, err = f.MarkMessagesRead(ctx, ch.ID, "donor1", []string{msg.ID})
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Fatalf("re-mark: %d", n)
	}
	if events := drain(sub); len(events) != 0 {
		t.Fatalf("events after no-op mark: %+v", events)
	}
}

func TestCancelRequestPublishes(t *testing.T) {
	f, s, _, _ := newFixture(t)
	ctx := context.Background()

	req, err := f.CreateRequest(ctx, "requester", validInput())
	if err != nil {
		t.Fatal(err)
	}
	sub, err := f.SubscribeRequest(ctx, req.ID, "requester")
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Close()

	if err := f.CancelRequest(ctx, req.ID, "stranger"); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("cancel by stranger: got %v, want ErrForbidden", err)
	}
	if err := f.CancelRequest(ctx, req.ID, "requester"); err != nil {
		t.Fatal(err)
	}

	got, err := s.Get(ctx, req.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != model.RequestCancelled {
		t.Fatalf("status: %s", got.Status)
	}
	events := drain(sub)
	if len(events) != 1 || events[0].Type != notify.EventRequestCancelled {
		t.Fatalf("events: %+v", events)
	}
}

func TestSubscribeChannelParticipantsOnly(t *testing.T) {
	f, _, _, _ := newFixture(t)
	ctx := context.Background()

	req, err := f.CreateRequest(ctx, "requester", validInput())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.RespondToRequest(ctx, req.ID, "donor1"); err != nil {
		t.Fatal(err)
	}
	_, ch, err := f.AcceptResponse(ctx, req.ID, "donor1", "requester")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := f.SubscribeChannel(ctx, ch.ID, "outsider"); !errors.Is(err, store.ErrForbidden) {
		t.Fatalf("outsider subscribe: got %v, want ErrForbidden", err)
	}
	sub, err := f.SubscribeChannel(ctx, ch.ID, "donor1")
	if err != nil {
		t.Fatalf("participant subscribe: %v", err)
	}
	sub.Close()
}
