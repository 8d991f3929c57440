package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BTreeMap/ChatBridge/internal/models"
)

// Outbox sender defaults
const (
	DefaultOutboxPollInterval   = 5 * time.Second
	DefaultOutboxStaleThreshold = 5 * time.Minute
	DefaultOutboxClaimLimit     = 10
	DefaultOutboxRetryBase      = 10 * time.Second
	DefaultOutboxRetryMax       = 5 * time.Minute
)

// OutboxSendFunc delivers one queued message through its bridge.
type OutboxSendFunc func(ctx context.Context, msg OutboxMessage) error

// SenderOpts holds configuration for an OutboxSender.
type SenderOpts struct {
	PollInterval   time.Duration
	StaleThreshold time.Duration
	ClaimLimit     int
	RetryBase      time.Duration
	RetryMax       time.Duration
	Clock          func() time.Time
}

// SenderOption configures an OutboxSender.
type SenderOption func(*SenderOpts)

// WithPollInterval sets how often due messages are claimed.
func WithPollInterval(d time.Duration) SenderOption {
	return func(o *SenderOpts) {
		o.PollInterval = d
	}
}

// WithStaleThreshold sets how long a message may stay in sending before
// startup recovery treats it as interrupted.
func WithStaleThreshold(d time.Duration) SenderOption {
	return func(o *SenderOpts) {
		o.StaleThreshold = d
	}
}

// WithClaimLimit caps the messages claimed per poll.
func WithClaimLimit(n int) SenderOption {
	return func(o *SenderOpts) {
		o.ClaimLimit = n
	}
}

// WithRetryBackoff sets the first retry delay and its ceiling.
func WithRetryBackoff(base, max time.Duration) SenderOption {
	return func(o *SenderOpts) {
		o.RetryBase = base
		o.RetryMax = max
	}
}

// WithSenderClock replaces time.Now.
func WithSenderClock(clock func() time.Time) SenderOption {
	return func(o *SenderOpts) {
		o.Clock = clock
	}
}

// OutboxSender claims due outbox messages and delivers them according to
// each message's delivery policy.
type OutboxSender struct {
	repo OutboxRepo
	send OutboxSendFunc
	opts SenderOpts
}

// PollResult counts what one poll did.
type PollResult struct {
	Sent      int
	Retrying  int
	Abandoned int
}

// NewOutboxSender creates an OutboxSender.
func NewOutboxSender(repo OutboxRepo, send OutboxSendFunc, opts ...SenderOption) *OutboxSender {
	cfg := SenderOpts{
		PollInterval:   DefaultOutboxPollInterval,
		StaleThreshold: DefaultOutboxStaleThreshold,
		ClaimLimit:     DefaultOutboxClaimLimit,
		RetryBase:      DefaultOutboxRetryBase,
		RetryMax:       DefaultOutboxRetryMax,
		Clock:          time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultOutboxPollInterval
	}
	if cfg.ClaimLimit <= 0 {
		cfg.ClaimLimit = DefaultOutboxClaimLimit
	}
	return &OutboxSender{repo: repo, send: send, opts: cfg}
}

// RecoverStaleMessages settles messages left in sending by a crash. Call it
// once before Run.
func (s *OutboxSender) RecoverStaleMessages() error {
	n, err := s.repo.RequeueStaleSendingMessages(s.opts.Clock().Add(-s.opts.StaleThreshold))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("OutboxSender.RecoverStaleMessages: requeued interrupted messages", "count", n)
	}
	return nil
}

// Run polls until ctx is cancelled.
func (s *OutboxSender) Run(ctx context.Context) {
	slog.Info("OutboxSender.Run: started", "poll_interval", s.opts.PollInterval)
	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("OutboxSender.Run: stopped")
			return
		case <-ticker.C:
			s.Poll(ctx)
		}
	}
}

// Poll claims and delivers one batch of due messages.
func (s *OutboxSender) Poll(ctx context.Context) PollResult {
	var res PollResult
	now := s.opts.Clock()
	msgs, err := s.repo.ClaimDueOutboxMessages(now, s.opts.ClaimLimit)
	if err != nil {
		slog.Error("OutboxSender.Poll: claim failed", "error", err)
		return res
	}
	for _, msg := range msgs {
		if ctx.Err() != nil {
			// Claimed but unsent messages are settled by the next startup recovery.
			return res
		}
		switch s.deliver(ctx, now, msg) {
		case outcomeSent:
			res.Sent++
		case outcomeRetry:
			res.Retrying++
		case outcomeAbandoned:
			res.Abandoned++
		}
	}
	return res
}

type outcome int

const (
	outcomeSent outcome = iota
	outcomeRetry
	outcomeAbandoned
)

func (s *OutboxSender) deliver(ctx context.Context, now time.Time, msg OutboxMessage) outcome {
	attempt := msg.Attempts + 1
	log := slog.With("id", msg.ID, "instance", msg.Instance, "bridge_id", msg.BridgeID, "policy", msg.Policy, "attempt", attempt)

	err := s.send(ctx, msg)
	if err == nil {
		if err := s.repo.MarkOutboxMessageSent(msg.ID); err != nil {
			log.Error("OutboxSender.deliver: mark sent failed", "error", err)
		}
		log.Debug("OutboxSender.deliver: sent")
		return outcomeSent
	}

	if permanentSendError(err) || attempt >= maxAttempts(msg) {
		log.Warn("OutboxSender.deliver: giving up", "error", err)
		if err := s.repo.AbandonOutboxMessage(msg.ID, err.Error()); err != nil {
			log.Error("OutboxSender.deliver: abandon failed", "error", err)
		}
		return outcomeAbandoned
	}

	next := now.Add(s.retryDelay(msg.Attempts))
	log.Warn("OutboxSender.deliver: send failed, will retry", "error", err, "next_attempt_at", next)
	if err := s.repo.FailOutboxMessage(msg.ID, err.Error(), next); err != nil {
		log.Error("OutboxSender.deliver: record failure failed", "error", err)
	}
	return outcomeRetry
}

// retryDelay doubles RetryBase per earlier attempt, capped at RetryMax.
func (s *OutboxSender) retryDelay(attempts int) time.Duration {
	d := s.opts.RetryBase
	for i := 0; i < attempts; i++ {
		d *= 2
		if s.opts.RetryMax > 0 && d >= s.opts.RetryMax {
			return s.opts.RetryMax
		}
	}
	return d
}

// maxAttempts is the attempt budget of msg. Rows written before the
// max_attempts column was filled fall back to the policy limit.
func maxAttempts(msg OutboxMessage) int {
	if msg.MaxAttempts > 0 {
		return msg.MaxAttempts
	}
	return MaxAttemptsFor(msg.Policy)
}

// permanentSendError reports failures that a later attempt cannot fix. A
// bridge that is merely not running is retried since reconcile may start it.
func permanentSendError(err error) bool {
	return errors.Is(err, models.ErrDeliveryDisabled) ||
		errors.Is(err, models.ErrBridgeDisabled) ||
		errors.Is(err, models.ErrInvalidConfig)
}
