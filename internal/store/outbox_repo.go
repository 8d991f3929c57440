// Package store provides the OutboxRepo interface and model for restart-safe outbound sends.
package store

import (
	"time"

	"github.com/BTreeMap/ChatBridge/internal/models"
)

// OutboxStatus represents the lifecycle state of an outbox message.
type OutboxStatus string

const (
	OutboxStatusQueued  OutboxStatus = "queued"
	OutboxStatusSending OutboxStatus = "sending"
	OutboxStatusSent    OutboxStatus = "sent"
	OutboxStatusFailed  OutboxStatus = "failed"
)

// Attempt limits per delivery policy
const (
	BestEffortMaxAttempts = 3
	AtMostOnceMaxAttempts = 1
)

// MaxAttemptsFor returns how many send attempts a policy allows.
func MaxAttemptsFor(p models.DeliveryPolicy) int {
	if p == models.DeliveryAtMostOnce {
		return AtMostOnceMaxAttempts
	}
	return BestEffortMaxAttempts
}

// OutboxMessage is a durable outbound text queued for a bridge.
type OutboxMessage struct {
	ID            string                `json:"id"`
	Instance      string                `json:"instance"`
	BridgeID      string                `json:"bridge_id"`
	Recipient     string                `json:"recipient"`
	Body          string                `json:"body"`
	Policy        models.DeliveryPolicy `json:"policy"`
	Status        OutboxStatus          `json:"status"`
	Attempts      int                   `json:"attempts"`
	MaxAttempts   int                   `json:"max_attempts"`
	NextAttemptAt *time.Time            `json:"next_attempt_at,omitempty"`
	DedupeKey     string                `json:"dedupe_key,omitempty"`
	LockedAt      *time.Time            `json:"locked_at,omitempty"`
	LastError     string                `json:"last_error,omitempty"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
}

// OutboxRepo defines the interface for durable outbound message persistence.
type OutboxRepo interface {
	// EnqueueOutboxMessage inserts a queued message. If msg.DedupeKey is set
	// and a non-terminal message with that key exists, returns the existing ID.
	EnqueueOutboxMessage(msg OutboxMessage) (string, error)

	// ClaimDueOutboxMessages marks up to limit queued messages whose
	// next_attempt_at <= now (or is NULL) as sending and returns them.
	ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error)

	// MarkOutboxMessageSent marks a message as successfully sent.
	MarkOutboxMessageSent(id string) error

	// FailOutboxMessage records a send failure. The message is queued again at
	// nextAttemptAt while attempts remain, otherwise it is marked failed.
	FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error

	// AbandonOutboxMessage records a failure that no retry can fix and marks
	// the message failed regardless of remaining attempts.
	AbandonOutboxMessage(id string, errMsg string) error

	// GetOutboxMessage returns one message or models.ErrNotFound.
	GetOutboxMessage(id string) (OutboxMessage, error)

	// RequeueStaleSendingMessages resets messages stuck in sending since before
	// staleBefore back to queued (crash recovery). At-most-once messages are
	// marked failed instead, since they may already have been delivered.
	RequeueStaleSendingMessages(staleBefore time.Time) (int, error)
}
