// Package coord is the single entry point callers use. It sequences the
// request store, the response arbiter, the channel manager and the
// notification bus so handlers never have to order those calls themselves.
package coord

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bloodconnect/internal/arbiter"
	"github.com/bloodconnect/internal/channel"
	"github.com/bloodconnect/internal/logger"
	"github.com/bloodconnect/internal/model"
	"github.com/bloodconnect/internal/notify"
	"github.com/bloodconnect/internal/store"
)

const maxUnitsPerRequest = 20

// PushNotifier delivers an out-of-band notification to a user's registered
// devices. Implementations must not block the caller; failures are logged,
// not returned.
type PushNotifier interface {
	Notify(ctx context.Context, userID, title, body string)
}

type noopPush struct{}

func (noopPush) Notify(context.Context, string, string, string) {}

type Facade struct {
	requests store.RequestStore
	arbiter  *arbiter.Arbiter
	channels *channel.Manager
	bus      *notify.Bus
	push     PushNotifier
	now      func() time.Time
}

func New(requests store.RequestStore, arb *arbiter.Arbiter, channels *channel.Manager, bus *notify.Bus, push PushNotifier) *Facade {
	if push == nil {
		push = noopPush{}
	}
	return &Facade{
		requests: requests,
		arbiter:  arb,
		channels: channels,
		bus:      bus,
		push:     push,
		now:      time.Now,
	}
}

type CreateRequestInput struct {
	BloodGroup    model.BloodGroup `json:"bloodGroup"`
	UnitsRequired int              `json:"unitsRequired"`
	Urgency       model.Urgency    `json:"urgency"`
	City          string           `json:"city"`
	ExpiresAt     *time.Time       `json:"expiresAt"`
}

func (in *CreateRequestInput) validate(now time.Time) error {
	if !in.BloodGroup.Valid() {
		return fmt.Errorf("%w: unknown blood group %q", store.ErrValidation, in.BloodGroup)
	}
	if in.UnitsRequired < 1 || in.UnitsRequired > maxUnitsPerRequest {
		return fmt.Errorf("%w: units_required must be between 1 and %d", store.ErrValidation, maxUnitsPerRequest)
	}
	if in.Urgency == "" {
		in.Urgency = model.UrgencyNormal
	}
	if !in.Urgency.Valid() {
		return fmt.Errorf("%w: unknown urgency %q", store.ErrValidation, in.Urgency)
	}
	if in.ExpiresAt != nil && !in.ExpiresAt.After(now) {
		return fmt.Errorf("%w: expires_at must be in the future", store.ErrValidation)
	}
	in.City = strings.TrimSpace(in.City)
	return nil
}

func (f *Facade) CreateRequest(ctx context.Context, requesterID string, in CreateRequestInput) (*model.BloodRequest, error) {
	defer logger.DeferLogDuration("coord.CreateRequest", time.Now())()

	now := f.now()
	if err := in.validate(now); err != nil {
		return nil, err
	}
	req := &model.BloodRequest{
		ID:            uuid.NewString(),
		RequesterID:   requesterID,
		BloodGroup:    in.BloodGroup,
		UnitsRequired: in.UnitsRequired,
		Urgency:       in.Urgency,
		Status:        model.RequestActive,
		City:          in.City,
		ExpiresAt:     in.ExpiresAt,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := f.requests.Create(ctx, req); err != nil {
		return nil, err
	}
	f.bus.Publish(notify.RequestTopic(req.ID), notify.Event{
		Type: notify.EventRequestCreated, At: now, Payload: req,
	})
	logger.Infof("coord: request %s created by %s (%s, %d units, %s)",
		req.ID, requesterID, req.BloodGroup, req.UnitsRequired, req.Urgency)
	return req, nil
}

func (f *Facade) GetRequest(ctx context.Context, id string) (*model.BloodRequest, error) {
	return f.requests.Get(ctx, id)
}

func (f *Facade) ListOpenRequests(ctx context.Context, filter store.RequestFilter) ([]model.BloodRequest, error) {
	return f.requests.ListOpen(ctx, filter)
}

func (f *Facade) CancelRequest(ctx context.Context, requestID, byUserID string) error {
	defer logger.DeferLogDuration("coord.CancelRequest", time.Now())()

	if err := f.arbiter.Cancel(ctx, requestID, byUserID); err != nil {
		return err
	}
	f.bus.Publish(notify.RequestTopic(requestID), notify.Event{
		Type: notify.EventRequestCancelled, At: f.now(),
	})
	return nil
}

func (f *Facade) RespondToRequest(ctx context.Context, requestID, donorID string) (*model.DonorResponse, error) {
	defer logger.DeferLogDuration("coord.RespondToRequest", time.Now())()

	resp, err := f.arbiter.Respond(ctx, requestID, donorID)
	if err != nil {
		return nil, err
	}
	f.bus.Publish(notify.RequestTopic(requestID), notify.Event{
		Type: notify.EventResponseReceived, At: f.now(), Payload: resp,
	})
	return resp, nil
}

func (f *Facade) ListResponses(ctx context.Context, requestID, byUserID string) ([]model.DonorResponse, error) {
	return f.arbiter.Responses(ctx, requestID, byUserID)
}

// AcceptResponse accepts the donor's offer, opens the private channel between
// requester and donor and announces both on the request topic. When the
// accepted unit fills the request, a fulfilled event follows in the same
// publish order on every subscriber.
func (f *Facade) AcceptResponse(ctx context.Context, requestID, donorID, byUserID string) (*model.DonorResponse, *model.ChatChannel, error) {
	defer logger.DeferLogDuration("coord.AcceptResponse", time.Now())()

	req, resp, err := f.arbiter.Accept(ctx, requestID, donorID, byUserID)
	if err != nil {
		return nil, nil, err
	}
	ch, err := f.channels.Ensure(ctx, requestID, donorID)
	if err != nil {
		return nil, nil, err
	}

	topic := notify.RequestTopic(requestID)
	f.bus.Publish(topic, notify.Event{
		Type: notify.EventResponseAccepted, At: f.now(), Payload: resp,
	})
	if req.Status == model.RequestFulfilled {
		f.bus.Publish(topic, notify.Event{
			Type: notify.EventRequestFulfilled, At: f.now(), Payload: req,
		})
	}
	f.push.Notify(ctx, donorID, "Response accepted",
		fmt.Sprintf("Your offer for the %s request was accepted.", req.BloodGroup))
	return resp, ch, nil
}

// RejectResponse rejects the donor's offer. The event is targeted so only the
// rejected donor's subscriptions see it.
func (f *Facade) RejectResponse(ctx context.Context, requestID, donorID, byUserID string) (*model.DonorResponse, error) {
	defer logger.DeferLogDuration("coord.RejectResponse", time.Now())()

	resp, err := f.arbiter.Reject(ctx, requestID, donorID, byUserID)
	if err != nil {
		return nil, err
	}
	f.bus.Publish(notify.RequestTopic(requestID), notify.Event{
		Type: notify.EventResponseRejected, At: f.now(), Payload: resp,
		TargetUser: donorID,
	})
	return resp, nil
}

func (f *Facade) WithdrawResponse(ctx context.Context, requestID, donorID, byUserID string) error {
	return f.arbiter.Withdraw(ctx, requestID, donorID, byUserID)
}

func (f *Facade) GetChannelForRequest(ctx context.Context, requestID, donorID, byUserID string) (*model.ChatChannel, error) {
	return f.channels.Find(ctx, requestID, donorID, byUserID)
}

func (f *Facade) SendMessage(ctx context.Context, channelID, senderID, body string) (*model.ChatMessage, error) {
	defer logger.DeferLogDuration("coord.SendMessage", time.Now())()

	msg, err := f.channels.Send(ctx, channelID, senderID, body)
	if err != nil {
		return nil, err
	}
	f.bus.Publish(notify.ChannelTopic(channelID), notify.Event{
		Type: notify.EventMessageSent, At: msg.CreatedAt, Payload: msg,
	})
	f.push.Notify(ctx, msg.ReceiverID, "New message", msg.Body)
	return msg, nil
}

type readReceipt struct {
	ReaderID   string   `json:"readerId"`
	MessageIDs []string `json:"messageIds"`
}

func (f *Facade) MarkMessagesRead(ctx context.Context, channelID, userID string, messageIDs []string) (int, error) {
	defer logger.DeferLogDuration("coord.MarkMessagesRead", time.Now())()

	n, err := f.channels.MarkRead(ctx, channelID, userID, messageIDs)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		f.bus.Publish(notify.ChannelTopic(channelID), notify.Event{
			Type: notify.EventMessagesRead, At: f.now(),
			Payload: readReceipt{ReaderID: userID, MessageIDs: messageIDs},
		})
	}
	return n, nil
}

func (f *Facade) GetChannelHistory(ctx context.Context, channelID, userID string) ([]model.ChatMessage, error) {
	return f.channels.History(ctx, channelID, userID)
}

func (f *Facade) UnreadCount(ctx context.Context, channelID, userID string) (int, error) {
	return f.channels.UnreadCount(ctx, channelID, userID)
}

// SubscribeRequest opens a live-update subscription on a request topic.
// Request topics are readable by any authenticated user.
func (f *Facade) SubscribeRequest(ctx context.Context, requestID, userID string) (*notify.Subscription, error) {
	if _, err := f.requests.Get(ctx, requestID); err != nil {
		return nil, err
	}
	return f.bus.Subscribe(notify.RequestTopic(requestID), userID), nil
}

// SubscribeChannel opens a live-update subscription on a chat channel topic.
// Only the channel's two participants may subscribe.
func (f *Facade) SubscribeChannel(ctx context.Context, channelID, userID string) (*notify.Subscription, error) {
	if _, err := f.channels.Get(ctx, channelID, userID); err != nil {
		return nil, err
	}
	return f.bus.Subscribe(notify.ChannelTopic(channelID), userID), nil
}
