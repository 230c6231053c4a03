// Package channel manages the private requester/donor conversation that is
// opened when a response is accepted. Membership is fixed at creation: the
// requester and exactly one donor.
package channel

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bloodconnect/internal/logger"
	"github.com/bloodconnect/internal/model"
	"github.com/bloodconnect/internal/store"
)

// DefaultRetention is how long a channel stays writable and readable after
// its request reaches a terminal status.
const DefaultRetention = 30 * 24 * time.Hour

const maxMessageBytes = 4096

type Manager struct {
	channels  store.ChannelStore
	messages  store.MessageStore
	requests  store.RequestStore
	retention time.Duration
	now       func() time.Time
}

func NewManager(channels store.ChannelStore, messages store.MessageStore, requests store.RequestStore, retention time.Duration) *Manager {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Manager{
		channels:  channels,
		messages:  messages,
		requests:  requests,
		retention: retention,
		now:       time.Now,
	}
}

// Ensure returns the channel between the request's owner and donorID,
// creating it when absent. Safe to call repeatedly for the same pair.
func (m *Manager) Ensure(ctx context.Context, requestID, donorID string) (*model.ChatChannel, error) {
	defer logger.DeferLogDuration("channel.Ensure", time.Now())()

	c, err := m.channels.FindByRequestDonor(ctx, requestID, donorID)
	if err == nil {
		return c, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	req, err := m.requests.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	c = &model.ChatChannel{
		ID:          uuid.NewString(),
		RequestID:   requestID,
		RequesterID: req.RequesterID,
		DonorID:     donorID,
		CreatedAt:   m.now(),
	}
	err = m.channels.CreateChannel(ctx, c)
	if errors.Is(err, store.ErrConflict) {
		return m.channels.FindByRequestDonor(ctx, requestID, donorID)
	}
	if err != nil {
		return nil, err
	}
	logger.Infof("channel: opened %s for request %s and donor %s", c.ID, requestID, donorID)
	return c, nil
}

// Get returns the channel if userID is one of its two participants.
func (m *Manager) Get(ctx context.Context, channelID, userID string) (*model.ChatChannel, error) {
	c, err := m.channels.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if !c.HasParticipant(userID) {
		return nil, store.ErrForbidden
	}
	return c, nil
}

// Find looks up the channel for a request/donor pair, visible to its two
// participants only.
func (m *Manager) Find(ctx context.Context, requestID, donorID, userID string) (*model.ChatChannel, error) {
	c, err := m.channels.FindByRequestDonor(ctx, requestID, donorID)
	if err != nil {
		return nil, err
	}
	if !c.HasParticipant(userID) {
		return nil, store.ErrForbidden
	}
	return c, nil
}

// Send appends a message from senderID. The receiver is always the other
// participant. Messaging stays open after the request closes until the
// retention window on the request's last update elapses.
func (m *Manager) Send(ctx context.Context, channelID, senderID, body string) (*model.ChatMessage, error) {
	defer logger.DeferLogDuration("channel.Send", time.Now())()

	body = strings.TrimSpace(body)
	if body == "" || len(body) > maxMessageBytes {
		return nil, store.ErrValidation
	}

	c, err := m.channels.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if !c.HasParticipant(senderID) {
		return nil, store.ErrForbidden
	}

	req, err := m.requests.Get(ctx, c.RequestID)
	if err != nil {
		return nil, err
	}
	if req.Status.Terminal() && m.now().After(req.UpdatedAt.Add(m.retention)) {
		return nil, store.ErrInvalidState
	}

	msg := &model.ChatMessage{
		ID:         uuid.NewString(),
		ChannelID:  channelID,
		SenderID:   senderID,
		ReceiverID: c.Peer(senderID),
		Body:       body,
		CreatedAt:  m.now(),
	}
	if err := m.messages.Append(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// History returns the channel's messages in send order.
func (m *Manager) History(ctx context.Context, channelID, userID string) ([]model.ChatMessage, error) {
	defer logger.DeferLogDuration("channel.History", time.Now())()

	if _, err := m.Get(ctx, channelID, userID); err != nil {
		return nil, err
	}
	return m.messages.History(ctx, channelID)
}

// MarkRead flags the given messages as read. Only messages addressed to
// userID are affected; the count of newly-read messages is returned.
func (m *Manager) MarkRead(ctx context.Context, channelID, userID string, messageIDs []string) (int, error) {
	defer logger.DeferLogDuration("channel.MarkRead", time.Now())()

	if _, err := m.Get(ctx, channelID, userID); err != nil {
		return 0, err
	}
	return m.messages.MarkRead(ctx, channelID, userID, messageIDs)
}

// UnreadCount reports how many messages addressed to userID are unread.
func (m *Manager) UnreadCount(ctx context.Context, channelID, userID string) (int, error) {
	if _, err := m.Get(ctx, channelID, userID); err != nil {
		return 0, err
	}
	return m.messages.UnreadCount(ctx, channelID, userID)
}
