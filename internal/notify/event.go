package notify

import "time"

type EventType string

const (
	EventRequestCreated   EventType = "request_created"
	EventRequestCancelled EventType = "request_cancelled"
	EventRequestExpired   EventType = "request_expired"
	EventRequestFulfilled EventType = "request_fulfilled"
	EventResponseReceived EventType = "response_received"
	EventResponseAccepted EventType = "response_accepted"
	EventResponseRejected EventType = "response_rejected"
	EventMessageSent      EventType = "message_sent"
	EventMessagesRead     EventType = "messages_read"

	// EventGapDetected is synthesized by the bus when a subscriber's buffer
	// overflowed and events were dropped. Clients should refetch state.
	EventGapDetected EventType = "gap_detected"
)

// Event is one notification on a topic. Seq is assigned by the bus per topic
// and increases by one for every published event, so subscribers can detect
// missed deliveries.
type Event struct {
	Type    EventType   `json:"type"`
	Topic   string      `json:"topic"`
	Seq     uint64      `json:"seq"`
	At      time.Time   `json:"at"`
	Payload interface{} `json:"payload,omitempty"`

	// TargetUser restricts delivery to one subscriber identity. Empty means
	// every subscriber on the topic receives the event.
	TargetUser string `json:"-"`
}

func RequestTopic(requestID string) string { return "request:" + requestID }
func ChannelTopic(channelID string) string { return "channel:" + channelID }
