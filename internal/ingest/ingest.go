// Package ingest persists inbound chat messages exactly once per dedup window.
package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/ChatBridge/internal/dedup"
	"github.com/BTreeMap/ChatBridge/internal/models"
	"github.com/BTreeMap/ChatBridge/internal/store"
	"github.com/BTreeMap/ChatBridge/internal/util"
)

// IngestOptions adjusts a single IngestIncoming call.
type IngestOptions struct {
	// TTL overrides the dedup window for this message.
	TTL time.Duration
	// ReceivedAt overrides the receive timestamp.
	ReceivedAt time.Time
}

// IngestResult describes what happened to an incoming message.
type IngestResult struct {
	Duplicate bool
	Message   models.Message
	Context   models.MessageContext
}

// Opts holds configuration for the Service.
type Opts struct {
	DedupTTL      time.Duration
	SweepInterval time.Duration
}

// Option configures the Service.
type Option func(*Opts)

// WithDedupTTL sets the default dedup window.
func WithDedupTTL(ttl time.Duration) Option {
	return func(o *Opts) {
		o.DedupTTL = ttl
	}
}

// WithSweepInterval sets how often expired dedup entries are purged.
func WithSweepInterval(d time.Duration) Option {
	return func(o *Opts) {
		o.SweepInterval = d
	}
}

// Service deduplicates incoming messages with one cache per instance and
// stores the fresh ones. The repository's insert-or-ignore catches duplicates
// that outlive the cache window.
type Service struct {
	repo store.MessageRepo
	opts Opts

	mu     sync.Mutex
	caches map[string]*dedup.Cache
	closed bool

	// pendingMu orders cache claims with the in-flight table so a caller
	// that loses the claim always finds the insert it has to wait for.
	pendingMu sync.Mutex
	pending   map[string]*inflight
}

// inflight is an insert that holds the dedup mark for its key. done closes
// once err is final.
type inflight struct {
	done chan struct{}
	err  error
}

// NewService creates an ingestion service writing to repo.
func NewService(repo store.MessageRepo, opts ...Option) *Service {
	cfg := Opts{
		DedupTTL:      dedup.DefaultTTL,
		SweepInterval: dedup.DefaultSweepInterval,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Service{
		repo:   repo,
		opts:   cfg,
		caches:  make(map[string]*dedup.Cache),
		pending: make(map[string]*inflight),
	}
}

// Cache returns the dedup cache of instance, creating it on first use.
func (s *Service) Cache(instance string) *dedup.Cache {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.caches[instance]
	if !ok {
		sweep := s.opts.SweepInterval
		if s.closed {
			sweep = 0
		}
		c = dedup.New(
			dedup.WithName("ingest:"+instance),
			dedup.WithDefaultTTL(s.opts.DedupTTL),
			dedup.WithSweepInterval(sweep),
		)
		s.caches[instance] = c
	}
	return c
}

// DedupKey builds the cache key of an incoming message.
func DedupKey(instance, adapterName, bridgeID, externalID string) string {
	return strings.Join([]string{instance, adapterName, bridgeID, externalID}, ":")
}

// DefaultThreadID is the thread a message belongs to when the platform does
// not report one.
func DefaultThreadID(adapterName, channelID string) string {
	return adapterName + ":" + channelID
}

// IngestIncoming records in for the given bridge. A message already seen
// within the dedup window, or already stored, is reported as a duplicate.
func (s *Service) IngestIncoming(ctx context.Context, instance, adapterName, bridgeID string, in models.Incoming, opts IngestOptions) (IngestResult, error) {
	if strings.TrimSpace(in.ExternalID) == "" {
		return IngestResult{}, fmt.Errorf("%w: missing message id", models.ErrInvalidMessageEventPayload)
	}
	if strings.TrimSpace(in.ChannelID) == "" {
		return IngestResult{}, fmt.Errorf("%w: missing channel id", models.ErrInvalidMessageEventPayload)
	}

	key := DedupKey(instance, adapterName, bridgeID, in.ExternalID)
	cache := s.Cache(instance)
	var owned *inflight
	for owned == nil {
		fresh, f := s.claim(cache, key, opts.TTL)
		if fresh {
			owned = f
			break
		}
		if f == nil {
			slog.Debug("Service.IngestIncoming: duplicate in window", "instance", instance, "bridge_id", bridgeID, "external_id", in.ExternalID)
			return IngestResult{Duplicate: true}, nil
		}
		// The first delivery is still being stored; its outcome decides ours.
		select {
		case <-f.done:
		case <-ctx.Done():
			return IngestResult{}, ctx.Err()
		}
		if f.err == nil {
			slog.Debug("Service.IngestIncoming: duplicate of concurrent delivery", "instance", instance, "bridge_id", bridgeID, "external_id", in.ExternalID)
			return IngestResult{Duplicate: true}, nil
		}
	}

	threadID := in.ThreadID
	if threadID == "" {
		threadID = DefaultThreadID(adapterName, in.ChannelID)
	}
	receivedAt := opts.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}
	msg := models.Message{
		ID:         util.NewMessageID(),
		Instance:   instance,
		BridgeID:   bridgeID,
		Adapter:    adapterName,
		ExternalID: in.ExternalID,
		ChannelID:  in.ChannelID,
		ThreadID:   threadID,
		SenderID:   in.SenderID,
		SenderName: in.SenderName,
		Text:       in.Text,
		SentAt:     in.SentAt,
		ReceivedAt: receivedAt,
	}

	inserted, err := s.repo.InsertMessage(ctx, msg)
	s.settle(cache, key, owned, err)
	if err != nil {
		slog.Error("Service.IngestIncoming: insert failed", "instance", instance, "bridge_id", bridgeID, "external_id", in.ExternalID, "error", err)
		return IngestResult{}, err
	}
	if !inserted {
		slog.Debug("Service.IngestIncoming: duplicate in store", "instance", instance, "bridge_id", bridgeID, "external_id", in.ExternalID)
		return IngestResult{Duplicate: true}, nil
	}

	slog.Debug("Service.IngestIncoming: stored", "instance", instance, "bridge_id", bridgeID, "message_id", msg.ID)
	return IngestResult{
		Message: msg,
		Context: models.MessageContext{
			Instance:  instance,
			BridgeID:  bridgeID,
			Adapter:   adapterName,
			ChannelID: in.ChannelID,
			ThreadID:  threadID,
		},
	}, nil
}

// claim marks key in cache. When another caller holds the mark, the insert
// it is still running is returned, or nil once that insert has finished.
func (s *Service) claim(cache *dedup.Cache, key string, ttl time.Duration) (bool, *inflight) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if cache.CheckAndMark(key, ttl) == dedup.Fresh {
		f := &inflight{done: make(chan struct{})}
		s.pending[key] = f
		return true, f
	}
	return false, s.pending[key]
}

// settle publishes the outcome of a claimed insert. A failed insert releases
// the mark so the message can be stored by a retry or a waiting caller.
func (s *Service) settle(cache *dedup.Cache, key string, f *inflight, err error) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	if err != nil {
		cache.Forget(key)
	}
	delete(s.pending, key)
	f.err = err
	close(f.done)
}

// Close stops every cache sweeper. The service stays usable afterwards.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	caches := make([]*dedup.Cache, 0, len(s.caches))
	for _, c := range s.caches {
		caches = append(caches, c)
	}
	s.mu.Unlock()
	for _, c := range caches {
		c.Close()
	}
}
