package util

import "github.com/google/uuid"

// Identifier prefixes
const (
	EventIDPrefix   = "evt_"
	MessageIDPrefix = "msg_"
	OutboxIDPrefix  = "out_"
)

// NewID returns prefix followed by a random UUID.
func NewID(prefix string) string {
	return prefix + uuid.NewString()
}

// NewEventID generates a canonical event ID.
func NewEventID() string {
	return NewID(EventIDPrefix)
}

// NewMessageID generates a stored message ID.
func NewMessageID() string {
	return NewID(MessageIDPrefix)
}

// NewOutboxID generates an outbound queue entry ID.
func NewOutboxID() string {
	return NewID(OutboxIDPrefix)
}
