package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BTreeMap/ChatBridge/internal/models"
)

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// nilIfZero returns nil for the zero time so it is stored as NULL.
func nilIfZero(t time.Time) interface{} {
	if t.IsZero() {
		return nil
	}
	return t.UTC()
}

// encodeJSONMap marshals a map column, storing "{}" for nil maps.
func encodeJSONMap[V any](m map[string]V) (string, error) {
	if len(m) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decodeJSONMap[V any](raw []byte) (map[string]V, error) {
	out := make(map[string]V)
	if len(raw) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// configColumns lists bridge_configs columns in scan order.
const configColumns = `instance, id, adapter, credentials, options, enabled, capabilities, delivery_policy, revision, created_at, updated_at`

// configArgs returns the column values of cfg in configColumns order.
func configArgs(cfg models.BridgeConfig) ([]any, error) {
	creds, err := encodeJSONMap(cfg.Credentials)
	if err != nil {
		return nil, fmt.Errorf("encode credentials: %w", err)
	}
	opts, err := encodeJSONMap(cfg.Options)
	if err != nil {
		return nil, fmt.Errorf("encode options: %w", err)
	}
	caps, err := encodeJSONMap(cfg.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("encode capabilities: %w", err)
	}
	return []any{
		cfg.Instance, cfg.ID, cfg.Adapter, creds, opts, cfg.Enabled, caps,
		string(cfg.DeliveryPolicy), cfg.Revision, cfg.CreatedAt.UTC(), cfg.UpdatedAt.UTC(),
	}, nil
}

// scanBridgeConfig scans one bridge_configs row selected with configColumns.
func scanBridgeConfig(row rowScanner) (models.BridgeConfig, error) {
	var cfg models.BridgeConfig
	var creds, opts, caps []byte
	var policy string
	err := row.Scan(
		&cfg.Instance, &cfg.ID, &cfg.Adapter, &creds, &opts, &cfg.Enabled, &caps,
		&policy, &cfg.Revision, &cfg.CreatedAt, &cfg.UpdatedAt,
	)
	if err != nil {
		return cfg, err
	}
	cfg.DeliveryPolicy = models.DeliveryPolicy(policy)
	if cfg.Credentials, err = decodeJSONMap[string](creds); err != nil {
		return cfg, fmt.Errorf("decode credentials of %s: %w", cfg.ID, err)
	}
	if cfg.Options, err = decodeJSONMap[any](opts); err != nil {
		return cfg, fmt.Errorf("decode options of %s: %w", cfg.ID, err)
	}
	if cfg.Capabilities, err = decodeJSONMap[bool](caps); err != nil {
		return cfg, fmt.Errorf("decode capabilities of %s: %w", cfg.ID, err)
	}
	return cfg, nil
}

// messageColumns lists inbound_messages columns in scan order.
const messageColumns = `id, instance, bridge_id, adapter, external_id, channel_id, thread_id, sender_id, sender_name, text, sent_at, received_at`

func messageArgs(m models.Message) []any {
	return []any{
		m.ID, m.Instance, m.BridgeID, m.Adapter, m.ExternalID, m.ChannelID, m.ThreadID,
		m.SenderID, m.SenderName, m.Text, nilIfZero(m.SentAt), m.ReceivedAt.UTC(),
	}
}

func scanMessage(row rowScanner) (models.Message, error) {
	var m models.Message
	var senderID, senderName, text sql.NullString
	var sentAt sql.NullTime
	err := row.Scan(
		&m.ID, &m.Instance, &m.BridgeID, &m.Adapter, &m.ExternalID, &m.ChannelID, &m.ThreadID,
		&senderID, &senderName, &text, &sentAt, &m.ReceivedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan message failed: %w", err)
	}
	m.SenderID = senderID.String
	m.SenderName = senderName.String
	m.Text = text.String
	if sentAt.Valid {
		m.SentAt = sentAt.Time
	}
	return m, nil
}

// outboxColumns lists outbox_messages columns in scan order.
const outboxColumns = `id, instance, bridge_id, recipient, body, policy, status, attempts, max_attempts, next_attempt_at, dedupe_key, locked_at, last_error, created_at, updated_at`

// scanOutboxMessage scans one outbox_messages row selected with outboxColumns.
func scanOutboxMessage(row rowScanner) (OutboxMessage, error) {
	var m OutboxMessage
	var policy string
	var dedupeKey, lastError sql.NullString
	var nextAttemptAt, lockedAt sql.NullTime
	err := row.Scan(
		&m.ID, &m.Instance, &m.BridgeID, &m.Recipient, &m.Body, &policy, &m.Status, &m.Attempts, &m.MaxAttempts,
		&nextAttemptAt, &dedupeKey, &lockedAt, &lastError, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return m, fmt.Errorf("scan outbox message failed: %w", err)
	}
	m.Policy = models.DeliveryPolicy(policy)
	m.DedupeKey = dedupeKey.String
	m.LastError = lastError.String
	if nextAttemptAt.Valid {
		m.NextAttemptAt = &nextAttemptAt.Time
	}
	if lockedAt.Valid {
		m.LockedAt = &lockedAt.Time
	}
	return m, nil
}
