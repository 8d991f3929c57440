package store

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/ChatBridge/internal/models"
)

func TestOutbox_EnqueueClaimSent(t *testing.T) {
	s := newSQLite(t)

	id, err := s.EnqueueOutboxMessage(OutboxMessage{
		Instance: "default", BridgeID: "b", Recipient: "+1", Body: "hi",
		Policy: models.DeliveryBestEffort, DedupeKey: "k1",
	})
	if err != nil {
		t.Fatalf("EnqueueOutboxMessage failed: %v", err)
	}
	dupID, err := s.EnqueueOutboxMessage(OutboxMessage{
		Instance: "default", BridgeID: "b", Recipient: "+1", Body: "hi",
		Policy: models.DeliveryBestEffort, DedupeKey: "k1",
	})
	if err != nil || dupID != id {
		t.Fatalf("Expected dedupe hit to return %s, got %s (%v)", id, dupID, err)
	}

	claimed, err := s.ClaimDueOutboxMessages(time.Now(), 10)
	if err != nil {
		t.Fatalf("ClaimDueOutboxMessages failed: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Status != OutboxStatusSending || claimed[0].MaxAttempts != BestEffortMaxAttempts {
		t.Fatalf("Unexpected claim: %+v", claimed)
	}
	if again, _ := s.ClaimDueOutboxMessages(time.Now(), 10); len(again) != 0 {
		t.Errorf("Claimed message must not be claimed twice, got %+v", again)
	}

	if err := s.MarkOutboxMessageSent(id); err != nil {
		t.Fatalf("MarkOutboxMessageSent failed: %v", err)
	}
	got, err := s.GetOutboxMessage(id)
	if err != nil {
		t.Fatalf("GetOutboxMessage failed: %v", err)
	}
	if got.Status != OutboxStatusSent || got.Attempts != 1 {
		t.Errorf("Unexpected sent state: %+v", got)
	}
	if _, err := s.GetOutboxMessage("missing"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestOutbox_AtMostOnceFailsAfterOneAttempt(t *testing.T) {
	s := newSQLite(t)
	id, _ := s.EnqueueOutboxMessage(OutboxMessage{
		Instance: "default", BridgeID: "b", Recipient: "+1", Body: "hi", Policy: models.DeliveryAtMostOnce,
	})
	if _, err := s.ClaimDueOutboxMessages(time.Now(), 10); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if err := s.FailOutboxMessage(id, "timeout", time.Now()); err != nil {
		t.Fatalf("FailOutboxMessage failed: %v", err)
	}
	got, _ := s.GetOutboxMessage(id)
	if got.Status != OutboxStatusFailed || got.LastError != "timeout" {
		t.Errorf("Expected failed at-most-once message, got %+v", got)
	}
	if claimed, _ := s.ClaimDueOutboxMessages(time.Now().Add(time.Hour), 10); len(claimed) != 0 {
		t.Errorf("Failed message must not be retried: %+v", claimed)
	}
}

func TestOutbox_BestEffortRetriesUntilExhausted(t *testing.T) {
	s := newSQLite(t)
	id, _ := s.EnqueueOutboxMessage(OutboxMessage{
		Instance: "default", BridgeID: "b", Recipient: "+1", Body: "hi", Policy: models.DeliveryBestEffort,
	})
	for i := 0; i < BestEffortMaxAttempts; i++ {
		claimed, err := s.ClaimDueOutboxMessages(time.Now().Add(time.Hour), 10)
		if err != nil || len(claimed) != 1 {
			t.Fatalf("attempt %d: expected one claim, got %d (%v)", i+1, len(claimed), err)
		}
		if err := s.FailOutboxMessage(id, "boom", time.Now()); err != nil {
			t.Fatalf("FailOutboxMessage failed: %v", err)
		}
	}
	got, _ := s.GetOutboxMessage(id)
	if got.Status != OutboxStatusFailed || got.Attempts != BestEffortMaxAttempts {
		t.Errorf("Expected exhausted message, got %+v", got)
	}
}

func TestOutbox_RequeueStale(t *testing.T) {
	s := newSQLite(t)
	be, _ := s.EnqueueOutboxMessage(OutboxMessage{Instance: "default", BridgeID: "b", Recipient: "+1", Body: "a", Policy: models.DeliveryBestEffort})
	amo, _ := s.EnqueueOutboxMessage(OutboxMessage{Instance: "default", BridgeID: "b", Recipient: "+1", Body: "b", Policy: models.DeliveryAtMostOnce})
	if _, err := s.ClaimDueOutboxMessages(time.Now().Add(-time.Hour), 10); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	n, err := s.RequeueStaleSendingMessages(time.Now())
	if err != nil {
		t.Fatalf("RequeueStaleSendingMessages failed: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 requeued message, got %d", n)
	}
	if got, _ := s.GetOutboxMessage(be); got.Status != OutboxStatusQueued {
		t.Errorf("Best-effort message should be queued again, got %s", got.Status)
	}
	if got, _ := s.GetOutboxMessage(amo); got.Status != OutboxStatusFailed {
		t.Errorf("At-most-once message must not be resent, got %s", got.Status)
	}
}

func TestOutboxSender_DeliversQueuedMessages(t *testing.T) {
	s := newSQLite(t)
	id, _ := s.EnqueueOutboxMessage(OutboxMessage{
		Instance: "default", BridgeID: "b", Recipient: "+1", Body: "hi", Policy: models.DeliveryBestEffort,
	})

	var sent atomic.Int32
	sender := NewOutboxSender(s, func(_ context.Context, msg OutboxMessage) error {
		if msg.Recipient != "+1" || msg.Body != "hi" {
			t.Errorf("Unexpected message: %+v", msg)
		}
		sent.Add(1)
		return nil
	}, WithPollInterval(10*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()
	go sender.Run(ctx)

	deadline := time.Now().Add(500 * time.Millisecond)
	for sent.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	if sent.Load() != 1 {
		t.Fatalf("Expected exactly one send, got %d", sent.Load())
	}
	deadline = time.Now().Add(500 * time.Millisecond)
	for time.Now().Before(deadline) {
		if got, _ := s.GetOutboxMessage(id); got.Status == OutboxStatusSent {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Error("Message was not marked sent")
}

func TestOutboxSender_RetriesWithinPolicyBudget(t *testing.T) {
	s := newSQLite(t)
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	id, _ := s.EnqueueOutboxMessage(OutboxMessage{
		Instance: "default", BridgeID: "b", Recipient: "+1", Body: "hi", Policy: models.DeliveryBestEffort,
	})
	sender := NewOutboxSender(s, func(context.Context, OutboxMessage) error {
		return errors.New("upstream timeout")
	}, WithRetryBackoff(time.Second, 90*time.Second), WithSenderClock(func() time.Time { return now }))

	for attempt := 1; attempt < BestEffortMaxAttempts; attempt++ {
		if res := sender.Poll(context.Background()); res.Retrying != 1 {
			t.Fatalf("attempt %d: expected a retry, got %+v", attempt, res)
		}
		got, _ := s.GetOutboxMessage(id)
		want := now.Add(time.Duration(1<<(attempt-1)) * time.Second)
		if got.Status != OutboxStatusQueued || got.NextAttemptAt == nil || !got.NextAttemptAt.Equal(want) {
			t.Fatalf("attempt %d: expected retry at %v, got %+v", attempt, want, got)
		}
		if res := sender.Poll(context.Background()); res != (PollResult{}) {
			t.Fatalf("attempt %d: message must wait for its backoff, got %+v", attempt, res)
		}
		now = want
	}

	if res := sender.Poll(context.Background()); res.Abandoned != 1 {
		t.Fatalf("Expected the last attempt to give up, got %+v", res)
	}
	got, _ := s.GetOutboxMessage(id)
	if got.Status != OutboxStatusFailed || got.Attempts != BestEffortMaxAttempts || got.LastError != "upstream timeout" {
		t.Errorf("Unexpected exhausted message: %+v", got)
	}
}

func TestOutboxSender_AtMostOnceNeverRetries(t *testing.T) {
	s := newSQLite(t)
	id, _ := s.EnqueueOutboxMessage(OutboxMessage{
		Instance: "default", BridgeID: "b", Recipient: "+1", Body: "hi", Policy: models.DeliveryAtMostOnce,
	})
	var calls atomic.Int32
	sender := NewOutboxSender(s, func(context.Context, OutboxMessage) error {
		calls.Add(1)
		return errors.New("connection reset")
	})
	if res := sender.Poll(context.Background()); res.Abandoned != 1 {
		t.Fatalf("Expected the message to be abandoned, got %+v", res)
	}
	sender.Poll(context.Background())
	if calls.Load() != 1 {
		t.Errorf("Expected one attempt, got %d", calls.Load())
	}
	if got, _ := s.GetOutboxMessage(id); got.Status != OutboxStatusFailed {
		t.Errorf("Expected failed message, got %s", got.Status)
	}
}

func TestOutboxSender_PermanentErrorsAreNotRetried(t *testing.T) {
	for name, sendErr := range map[string]error{
		"delivery disabled": models.ErrDeliveryDisabled,
		"bridge disabled":   models.ErrBridgeDisabled,
	} {
		t.Run(name, func(t *testing.T) {
			s := newSQLite(t)
			id, _ := s.EnqueueOutboxMessage(OutboxMessage{
				Instance: "default", BridgeID: "b", Recipient: "+1", Body: "hi", Policy: models.DeliveryBestEffort,
			})
			sender := NewOutboxSender(s, func(context.Context, OutboxMessage) error { return sendErr })
			if res := sender.Poll(context.Background()); res.Abandoned != 1 {
				t.Fatalf("Expected abandon, got %+v", res)
			}
			got, _ := s.GetOutboxMessage(id)
			if got.Status != OutboxStatusFailed || got.Attempts != 1 {
				t.Errorf("Expected failed after one attempt, got %+v", got)
			}
		})
	}
}

func TestOutboxSender_MissingBridgeIsRetried(t *testing.T) {
	s := newSQLite(t)
	s.EnqueueOutboxMessage(OutboxMessage{
		Instance: "default", BridgeID: "b", Recipient: "+1", Body: "hi", Policy: models.DeliveryBestEffort,
	})
	sender := NewOutboxSender(s, func(context.Context, OutboxMessage) error { return models.ErrBridgeNotFound })
	if res := sender.Poll(context.Background()); res.Retrying != 1 {
		t.Errorf("Expected a stopped bridge to be retried, got %+v", res)
	}
}

func TestOutboxSender_RetryDelayIsCapped(t *testing.T) {
	sender := NewOutboxSender(nil, nil, WithRetryBackoff(10*time.Second, time.Minute))
	for attempts, want := range []time.Duration{10 * time.Second, 20 * time.Second, 40 * time.Second, time.Minute, time.Minute} {
		if got := sender.retryDelay(attempts); got != want {
			t.Errorf("retryDelay(%d) = %v, want %v", attempts, got, want)
		}
	}
}
