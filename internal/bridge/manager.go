// Package bridge runs the live bridges of every instance: one runtime per
// (instance, bridge id), each supervising its adapter's listeners and owning
// the bridge's health state.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/BTreeMap/ChatBridge/internal/adapter"
	"github.com/BTreeMap/ChatBridge/internal/models"
)

// SinkFunc receives listener payloads for a bridge. It is normally the
// routing pipeline's Emit method.
type SinkFunc func(ctx context.Context, instance, bridgeID string, payload map[string]any) error

// ErrNoSink is returned by listener emit functions when no sink is wired.
var ErrNoSink = errors.New("no payload sink configured")

type runtimeKey struct {
	instance string
	bridgeID string
}

// Opts holds configuration for the Manager.
type Opts struct {
	MailboxSize int
}

// Option configures the Manager.
type Option func(*Opts)

// WithMailboxSize sets how many health updates may queue per bridge.
func WithMailboxSize(n int) Option {
	return func(o *Opts) {
		o.MailboxSize = n
	}
}

// Manager starts, stops and looks up bridge runtimes. Each instance has its
// own namespace of bridge ids.
type Manager struct {
	adapters    *adapter.Registry
	mailboxSize int

	sinkMu sync.RWMutex
	sink   SinkFunc

	mu       sync.RWMutex
	runtimes map[runtimeKey]*Runtime
}

// NewManager creates a manager resolving adapters from the given registry.
func NewManager(adapters *adapter.Registry, opts ...Option) *Manager {
	cfg := Opts{MailboxSize: DefaultMailboxSize}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Manager{
		adapters:    adapters,
		mailboxSize: cfg.MailboxSize,
		runtimes:    make(map[runtimeKey]*Runtime),
	}
}

// SetSink wires the destination of listener payloads. Bridges already running
// pick up the new sink on their next emit.
func (m *Manager) SetSink(sink SinkFunc) {
	m.sinkMu.Lock()
	m.sink = sink
	m.sinkMu.Unlock()
}

func (m *Manager) emitFor(instance, bridgeID string) adapter.EmitFunc {
	return func(ctx context.Context, payload map[string]any) error {
		m.sinkMu.RLock()
		sink := m.sink
		m.sinkMu.RUnlock()
		if sink == nil {
			return ErrNoSink
		}
		return sink(ctx, instance, bridgeID, payload)
	}
}

// StartBridge starts a runtime for cfg. Starting a bridge that is already
// running in the same instance fails with models.ErrAlreadyStarted.
func (m *Manager) StartBridge(ctx context.Context, cfg models.BridgeConfig) error {
	key := runtimeKey{instance: cfg.Instance, bridgeID: cfg.ID}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runtimes[key]; exists {
		return fmt.Errorf("%w: %s/%s", models.ErrAlreadyStarted, cfg.Instance, cfg.ID)
	}

	if err := cfg.Validate(); err != nil {
		return err
	}
	a, err := m.adapters.Resolve(cfg.Adapter)
	if err != nil {
		return &StartError{Instance: cfg.Instance, BridgeID: cfg.ID, Err: err}
	}
	rt, err := startRuntime(cfg, a, m.emitFor(cfg.Instance, cfg.ID), m.mailboxSize)
	if err != nil {
		return err
	}
	m.runtimes[key] = rt
	slog.Debug("Manager.StartBridge: registered", "instance", cfg.Instance, "bridge_id", cfg.ID, "revision", cfg.Revision)
	return nil
}

// StopBridge stops a running bridge. Stopping an unknown bridge fails with
// models.ErrNotFound.
func (m *Manager) StopBridge(ctx context.Context, instance, bridgeID string) error {
	key := runtimeKey{instance: instance, bridgeID: bridgeID}
	m.mu.Lock()
	rt, ok := m.runtimes[key]
	if ok {
		delete(m.runtimes, key)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: bridge %s/%s is not running", models.ErrNotFound, instance, bridgeID)
	}
	return rt.Stop(ctx)
}

// StopAll stops every running bridge of every instance.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	runtimes := m.runtimes
	m.runtimes = make(map[runtimeKey]*Runtime)
	m.mu.Unlock()

	var errs []error
	for key, rt := range runtimes {
		if err := rt.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s/%s: %w", key.instance, key.bridgeID, err))
		}
	}
	return errors.Join(errs...)
}

func (m *Manager) lookup(instance, bridgeID string) *Runtime {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.runtimes[runtimeKey{instance: instance, bridgeID: bridgeID}]
}

// Running lists the ids of bridges running in instance, sorted.
func (m *Manager) Running(instance string) []string {
	m.mu.RLock()
	ids := make([]string, 0)
	for key := range m.runtimes {
		if key.instance == instance {
			ids = append(ids, key.bridgeID)
		}
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Runtime returns the running runtime for a bridge.
func (m *Manager) Runtime(instance, bridgeID string) (*Runtime, error) {
	rt := m.lookup(instance, bridgeID)
	if rt == nil {
		return nil, fmt.Errorf("%w: bridge %s/%s is not running", models.ErrNotFound, instance, bridgeID)
	}
	return rt, nil
}

// Status returns the health status of a running bridge.
func (m *Manager) Status(instance, bridgeID string) (models.BridgeStatus, error) {
	rt, err := m.Runtime(instance, bridgeID)
	if err != nil {
		return models.BridgeStatus{}, err
	}
	return rt.Status()
}

// ListBridges returns the status of every bridge running in instance, sorted
// by bridge id. Bridges stopped during the listing are skipped.
func (m *Manager) ListBridges(instance string) []models.BridgeStatus {
	ids := m.Running(instance)
	out := make([]models.BridgeStatus, 0, len(ids))
	for _, id := range ids {
		st, err := m.Status(instance, id)
		if err != nil {
			continue
		}
		out = append(out, st)
	}
	return out
}

// MarkIngress records inbound activity. Unknown bridges are ignored.
func (m *Manager) MarkIngress(instance, bridgeID string) {
	if rt := m.lookup(instance, bridgeID); rt != nil {
		rt.MarkIngress()
	}
}

// MarkOutbound records outbound activity. Unknown bridges are ignored.
func (m *Manager) MarkOutbound(instance, bridgeID string) {
	if rt := m.lookup(instance, bridgeID); rt != nil {
		rt.MarkOutbound()
	}
}

// MarkError records a failure reason. Unknown bridges are ignored.
func (m *Manager) MarkError(instance, bridgeID, reason string) {
	if rt := m.lookup(instance, bridgeID); rt != nil {
		rt.MarkError(reason)
	}
}
