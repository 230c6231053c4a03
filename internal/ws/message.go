package ws

import "github.com/bloodconnect/internal/notify"

type FrameType string

const (
	// Client to server.
	FrameSubscribeRequest FrameType = "subscribe_request"
	FrameSubscribeChannel FrameType = "subscribe_channel"
	FrameUnsubscribe      FrameType = "unsubscribe"
	FrameSendMessage      FrameType = "send_message"
	FrameMarkRead         FrameType = "mark_read"

	// Server to client.
	FrameEvent        FrameType = "event"
	FrameSubscribed   FrameType = "subscribed"
	FrameUnsubscribed FrameType = "unsubscribed"
	FrameError        FrameType = "error"
)

// IncomingFrame is what the client sends to the server.
type IncomingFrame struct {
	Type      FrameType `json:"type"`
	RequestID string    `json:"request_id,omitempty"`
	ChannelID string    `json:"channel_id,omitempty"`
	Topic     string    `json:"topic,omitempty"`

	// For send_message.
	Body string `json:"body,omitempty"`

	// For mark_read.
	MessageIDs []string `json:"message_ids,omitempty"`
}

// OutgoingFrame is what the server sends to the client. Payload uses typed
// values to avoid map[string]any allocations on the hot path.
type OutgoingFrame struct {
	Type    FrameType `json:"type"`
	Topic   string    `json:"topic,omitempty"`
	Payload any       `json:"payload,omitempty"`
}

func eventFrame(ev notify.Event) OutgoingFrame {
	return OutgoingFrame{Type: FrameEvent, Topic: ev.Topic, Payload: ev}
}

func errorFrame(msg string) OutgoingFrame {
	return OutgoingFrame{Type: FrameError, Payload: msg}
}
