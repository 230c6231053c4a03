// Package ws carries live coordination traffic over WebSocket. A connection
// authenticates once, then subscribes to request and channel topics; events
// published on the bus are fanned out to every subscribed connection.
package ws

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bloodconnect/internal/coord"
	"github.com/bloodconnect/internal/logger"
	"github.com/bloodconnect/internal/store"
)

type Hub struct {
	mu       sync.RWMutex
	clients  map[string]map[*Client]struct{}
	total    int
	maxConns int

	facade *coord.Facade

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
}

func NewHub(facade *coord.Facade, maxConns int) *Hub {
	if maxConns <= 0 {
		maxConns = 10000
	}
	return &Hub{
		clients:    make(map[string]map[*Client]struct{}),
		maxConns:   maxConns,
		facade:     facade,
		register:   make(chan *Client, 64),
		unregister: make(chan *Client, 64),
		done:       make(chan struct{}),
	}
}

func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case client := <-h.register:
			h.addClient(client)
		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

func (h *Hub) shutdown() {
	// Collect all clients under the lock, do NOT perform I/O under mutex.
	h.mu.Lock()
	allClients := make([]*Client, 0, h.total)
	for _, clients := range h.clients {
		for c := range clients {
			allClients = append(allClients, c)
		}
	}
	h.clients = make(map[string]map[*Client]struct{})
	h.total = 0
	h.mu.Unlock()

	// Close connections outside the lock (network I/O).
	for _, c := range allClients {
		c.Close()
	}
	for _, c := range allClients {
		c.Wait()
	}
}

func (h *Hub) addClient(c *Client) {
	h.mu.Lock()
	if h.total >= h.maxConns {
		h.mu.Unlock()
		logger.Errorf("ws connection limit reached (%d), rejecting user=%s", h.maxConns, c.userID)
		c.Close()
		return
	}
	if _, ok := h.clients[c.userID]; !ok {
		h.clients[c.userID] = make(map[*Client]struct{})
	}
	h.clients[c.userID][c] = struct{}{}
	h.total++
	h.mu.Unlock()
}

func (h *Hub) removeClient(c *Client) {
	h.mu.Lock()
	clients, ok := h.clients[c.userID]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, exists := clients[c]; !exists {
		h.mu.Unlock()
		return
	}
	delete(clients, c)
	h.total--
	if len(clients) == 0 {
		delete(h.clients, c.userID)
	}
	h.mu.Unlock()

	// Network I/O outside the lock.
	c.Close()
}

// HandleFrame dispatches incoming WebSocket frames.
func (h *Hub) HandleFrame(ctx context.Context, c *Client, frame IncomingFrame) {
	switch frame.Type {
	case FrameSubscribeRequest:
		h.handleSubscribeRequest(ctx, c, frame)
	case FrameSubscribeChannel:
		h.handleSubscribeChannel(ctx, c, frame)
	case FrameUnsubscribe:
		h.handleUnsubscribe(c, frame)
	case FrameSendMessage:
		h.handleSendMessage(ctx, c, frame)
	case FrameMarkRead:
		h.handleMarkRead(ctx, c, frame)
	default:
		c.enqueue(errorFrame("unknown frame type"))
	}
}

func (h *Hub) handleSubscribeRequest(ctx context.Context, c *Client, frame IncomingFrame) {
	defer logger.DeferLogDuration("ws.handleSubscribeRequest", time.Now())()
	if frame.RequestID == "" {
		c.enqueue(errorFrame("request_id required"))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	sub, err := h.facade.SubscribeRequest(ctx, frame.RequestID, c.userID)
	if err != nil {
		c.enqueue(errorFrame(errMessage(err)))
		return
	}
	if !c.addSubscription(sub) {
		sub.Close()
	}
	c.enqueue(OutgoingFrame{Type: FrameSubscribed, Topic: sub.Topic()})
}

func (h *Hub) handleSubscribeChannel(ctx context.Context, c *Client, frame IncomingFrame) {
	defer logger.DeferLogDuration("ws.handleSubscribeChannel", time.Now())()
	if frame.ChannelID == "" {
		c.enqueue(errorFrame("channel_id required"))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	sub, err := h.facade.SubscribeChannel(ctx, frame.ChannelID, c.userID)
	if err != nil {
		c.enqueue(errorFrame(errMessage(err)))
		return
	}
	if !c.addSubscription(sub) {
		sub.Close()
	}
	c.enqueue(OutgoingFrame{Type: FrameSubscribed, Topic: sub.Topic()})
}

func (h *Hub) handleUnsubscribe(c *Client, frame IncomingFrame) {
	if frame.Topic == "" {
		c.enqueue(errorFrame("topic required"))
		return
	}
	if c.removeSubscription(frame.Topic) {
		c.enqueue(OutgoingFrame{Type: FrameUnsubscribed, Topic: frame.Topic})
	}
}

func (h *Hub) handleSendMessage(ctx context.Context, c *Client, frame IncomingFrame) {
	defer logger.DeferLogDuration("ws.handleSendMessage", time.Now())()
	if frame.ChannelID == "" || frame.Body == "" {
		c.enqueue(errorFrame("channel_id and body required"))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := h.facade.SendMessage(ctx, frame.ChannelID, c.userID, frame.Body); err != nil {
		logger.Errorf("ws send message channel=%s user=%s: %v", frame.ChannelID, c.userID, err)
		c.enqueue(errorFrame(errMessage(err)))
	}
}

func (h *Hub) handleMarkRead(ctx context.Context, c *Client, frame IncomingFrame) {
	defer logger.DeferLogDuration("ws.handleMarkRead", time.Now())()
	if frame.ChannelID == "" || len(frame.MessageIDs) == 0 {
		c.enqueue(errorFrame("channel_id and message_ids required"))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := h.facade.MarkMessagesRead(ctx, frame.ChannelID, c.userID, frame.MessageIDs); err != nil {
		logger.Errorf("ws mark read channel=%s user=%s: %v", frame.ChannelID, c.userID, err)
		c.enqueue(errorFrame(errMessage(err)))
	}
}

func errMessage(err error) string {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return "not found"
	case errors.Is(err, store.ErrForbidden):
		return "forbidden"
	case errors.Is(err, store.ErrValidation):
		return "invalid input"
	case errors.Is(err, store.ErrInvalidState):
		return "invalid state"
	case errors.Is(err, store.ErrExhausted):
		return "request already fulfilled"
	case errors.Is(err, store.ErrBusy):
		return "busy, retry"
	default:
		return "internal error"
	}
}

func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		c.Close()
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
