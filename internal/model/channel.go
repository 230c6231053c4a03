package model

import "time"

// ChatChannel is the private thread for one accepted (request, donor) pair.
// Participants are fixed at creation: the requester and the accepted donor.
type ChatChannel struct {
	ID          string    `json:"id"`
	RequestID   string    `json:"request_id"`
	RequesterID string    `json:"requester_id"`
	DonorID     string    `json:"donor_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// HasParticipant reports whether userID is one of the two channel participants.
func (c *ChatChannel) HasParticipant(userID string) bool {
	return userID == c.RequesterID || userID == c.DonorID
}

// Peer returns the other participant, or "" if userID is not a participant.
func (c *ChatChannel) Peer(userID string) string {
	switch userID {
	case c.RequesterID:
		return c.DonorID
	case c.DonorID:
		return c.RequesterID
	}
	return ""
}

// ChatMessage is immutable once created except for IsRead, which only the
// receiver may flip, and only from false to true.
type ChatMessage struct {
	ID         string    `json:"id"`
	ChannelID  string    `json:"channel_id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Body       string    `json:"body"`
	Seq        int64     `json:"seq"`
	IsRead     bool      `json:"is_read"`
	CreatedAt  time.Time `json:"created_at"`
}
