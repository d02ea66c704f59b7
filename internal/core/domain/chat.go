package domain

import "time"

// RawChatMessage is a message as delivered by a platform relay. Its
// timestamp is informational only.
type RawChatMessage struct {
	ID        string    `json:"id,omitempty"`
	Username  string    `json:"username"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ChatMessage is immutable once appended. Seq orders the timeline by
// arrival at the aggregator.
type ChatMessage struct {
	ID         string    `json:"id"`
	Seq        uint64    `json:"seq"`
	Platform   string    `json:"platform"`
	Username   string    `json:"username"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
	ReceivedAt time.Time `json:"received_at"`
}
