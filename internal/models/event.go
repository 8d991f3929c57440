package models

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// EventType classifies a canonical event.
type EventType string

const (
	// EventTypeMessage is a chat message; only messages are ingested.
	EventTypeMessage EventType = "message"
	// EventTypeReaction is an emoji or reaction on an existing message.
	EventTypeReaction EventType = "reaction"
	// EventTypeReceipt is a delivery or read receipt.
	EventTypeReceipt EventType = "receipt"
	// EventTypeStatus is a platform status callback.
	EventTypeStatus EventType = "status"
	// EventTypeModerated is a message withheld by a moderation rule.
	EventTypeModerated EventType = "moderated"
)

// CanonicalEvent is the platform-agnostic envelope produced from one inbound item.
type CanonicalEvent struct {
	ID         string         `json:"id"`
	Adapter    string         `json:"adapter"`
	Type       EventType      `json:"type"`
	ThreadID   string         `json:"thread_id,omitempty"`
	ChannelID  string         `json:"channel_id,omitempty"`
	MessageID  string         `json:"message_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Raw        any            `json:"raw,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	ReceivedAt time.Time      `json:"received_at"`
}

// Incoming is the normalized record of one inbound chat message.
type Incoming struct {
	ExternalID string         `json:"id"`
	ChannelID  string         `json:"channel_id"`
	ThreadID   string         `json:"thread_id,omitempty"`
	SenderID   string         `json:"sender_id,omitempty"`
	SenderName string         `json:"sender_name,omitempty"`
	Text       string         `json:"text,omitempty"`
	SentAt     time.Time      `json:"sent_at,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Payload keys used when an Incoming record travels inside an event payload.
const (
	PayloadKeyID         = "id"
	PayloadKeyChannelID  = "channel_id"
	PayloadKeyThreadID   = "thread_id"
	PayloadKeySenderID   = "sender_id"
	PayloadKeySenderName = "sender_name"
	PayloadKeyText       = "text"
	PayloadKeySentAt     = "sent_at"
	PayloadKeyMetadata   = "metadata"
)

// ToPayload flattens the record into an event payload map.
func (in Incoming) ToPayload() map[string]any {
	p := map[string]any{
		PayloadKeyID:        in.ExternalID,
		PayloadKeyChannelID: in.ChannelID,
	}
	if in.ThreadID != "" {
		p[PayloadKeyThreadID] = in.ThreadID
	}
	if in.SenderID != "" {
		p[PayloadKeySenderID] = in.SenderID
	}
	if in.SenderName != "" {
		p[PayloadKeySenderName] = in.SenderName
	}
	if in.Text != "" {
		p[PayloadKeyText] = in.Text
	}
	if !in.SentAt.IsZero() {
		p[PayloadKeySentAt] = in.SentAt.UTC().Format(time.RFC3339Nano)
	}
	if len(in.Metadata) > 0 {
		p[PayloadKeyMetadata] = in.Metadata
	}
	return p
}

// IncomingFromEvent converts the payload of a message event into an Incoming
// record. Routing identifiers on the event fill in anything the payload lacks.
// Any structural problem is reported as ErrInvalidMessageEventPayload.
func IncomingFromEvent(ev CanonicalEvent) (Incoming, error) {
	if ev.Payload == nil {
		return Incoming{}, fmt.Errorf("%w: payload is empty", ErrInvalidMessageEventPayload)
	}
	var in Incoming
	var err error
	if in.ExternalID, err = payloadString(ev.Payload, PayloadKeyID); err != nil {
		return Incoming{}, err
	}
	if in.ChannelID, err = payloadString(ev.Payload, PayloadKeyChannelID); err != nil {
		return Incoming{}, err
	}
	if in.ThreadID, err = payloadString(ev.Payload, PayloadKeyThreadID); err != nil {
		return Incoming{}, err
	}
	if in.SenderID, err = payloadString(ev.Payload, PayloadKeySenderID); err != nil {
		return Incoming{}, err
	}
	if in.SenderName, err = payloadString(ev.Payload, PayloadKeySenderName); err != nil {
		return Incoming{}, err
	}
	if in.Text, err = payloadString(ev.Payload, PayloadKeyText); err != nil {
		return Incoming{}, err
	}

	if in.ExternalID == "" {
		in.ExternalID = ev.MessageID
	}
	if in.ChannelID == "" {
		in.ChannelID = ev.ChannelID
	}
	if in.ThreadID == "" {
		in.ThreadID = ev.ThreadID
	}
	if in.ExternalID == "" {
		return Incoming{}, fmt.Errorf("%w: missing message id", ErrInvalidMessageEventPayload)
	}
	if in.ChannelID == "" {
		return Incoming{}, fmt.Errorf("%w: missing channel id", ErrInvalidMessageEventPayload)
	}

	switch v := ev.Payload[PayloadKeySentAt].(type) {
	case nil:
	case time.Time:
		in.SentAt = v
	case string:
		t, perr := time.Parse(time.RFC3339Nano, v)
		if perr != nil {
			return Incoming{}, fmt.Errorf("%w: bad sent_at %q", ErrInvalidMessageEventPayload, v)
		}
		in.SentAt = t
	default:
		return Incoming{}, fmt.Errorf("%w: sent_at has type %T", ErrInvalidMessageEventPayload, v)
	}

	switch v := ev.Payload[PayloadKeyMetadata].(type) {
	case nil:
	case map[string]any:
		in.Metadata = v
	default:
		return Incoming{}, fmt.Errorf("%w: metadata has type %T", ErrInvalidMessageEventPayload, v)
	}
	return in, nil
}

func payloadString(p map[string]any, key string) (string, error) {
	switch v := p[key].(type) {
	case nil:
		return "", nil
	case string:
		return strings.TrimSpace(v), nil
	default:
		return "", fmt.Errorf("%w: %s has type %T", ErrInvalidMessageEventPayload, key, v)
	}
}

// WebhookRequest is the adapter-facing view of one inbound webhook call.
type WebhookRequest struct {
	Method   string         `json:"method"`
	Path     string         `json:"path"`
	URL      string         `json:"url,omitempty"`
	Headers  http.Header    `json:"headers,omitempty"`
	RawBody  []byte         `json:"-"`
	Form     url.Values     `json:"form,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ChatDescriptor scopes a canonicalization call.
type ChatDescriptor struct {
	Instance  string `json:"instance"`
	BridgeID  string `json:"bridge_id"`
	Adapter   string `json:"adapter"`
	Ephemeral bool   `json:"ephemeral"`
	ChatID    string `json:"chat_id,omitempty"`
}

// Message is a persisted inbound chat message.
type Message struct {
	ID         string    `json:"id"`
	Instance   string    `json:"instance"`
	BridgeID   string    `json:"bridge_id"`
	Adapter    string    `json:"adapter"`
	ExternalID string    `json:"external_id"`
	ChannelID  string    `json:"channel_id"`
	ThreadID   string    `json:"thread_id"`
	SenderID   string    `json:"sender_id,omitempty"`
	SenderName string    `json:"sender_name,omitempty"`
	Text       string    `json:"text,omitempty"`
	SentAt     time.Time `json:"sent_at,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// MessageContext is the conversation context a message was ingested into.
type MessageContext struct {
	Instance  string `json:"instance"`
	BridgeID  string `json:"bridge_id"`
	Adapter   string `json:"adapter"`
	ChannelID string `json:"channel_id"`
	ThreadID  string `json:"thread_id"`
}
