package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ChatBridge/internal/adapter"
	"github.com/BTreeMap/ChatBridge/internal/models"
)

// DefaultMailboxSize bounds queued health updates per bridge. Updates that do
// not fit are dropped instead of blocking the caller.
const DefaultMailboxSize = 256

// StartError reports that a bridge could not be started. It matches
// models.ErrStartFailure and unwraps to the underlying cause.
type StartError struct {
	Instance string
	BridgeID string
	Err      error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("bridge %s/%s failed to start: %v", e.Instance, e.BridgeID, e.Err)
}

func (e *StartError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, models.ErrStartFailure) hold for every StartError.
func (e *StartError) Is(target error) bool { return target == models.ErrStartFailure }

// runtimeState is owned by the runtime loop goroutine.
type runtimeState struct {
	lastIngressAt  *time.Time
	lastOutboundAt *time.Time
	lastError      string
}

type command func(*runtimeState)

// Runtime is the worker of one running bridge. It holds a snapshot of the
// resolved config, supervises the bridge's listeners and serializes every
// health update and status query through its mailbox.
type Runtime struct {
	cfg     models.BridgeConfig
	adapter adapter.Adapter
	group   *listenerGroup

	mailbox  chan command
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// startRuntime resolves listener specs for cfg and starts the runtime. A
// resolution failure is returned as a *StartError and nothing keeps running.
func startRuntime(cfg models.BridgeConfig, a adapter.Adapter, emit adapter.EmitFunc, mailboxSize int) (*Runtime, error) {
	specs, err := resolveListeners(cfg, a, emit)
	if err != nil {
		slog.Error("Runtime.start: listener resolution failed", "instance", cfg.Instance, "bridge_id", cfg.ID, "error", err)
		return nil, &StartError{Instance: cfg.Instance, BridgeID: cfg.ID, Err: err}
	}
	if mailboxSize <= 0 {
		mailboxSize = DefaultMailboxSize
	}

	r := &Runtime{
		cfg:     cfg.Clone(),
		adapter: a,
		mailbox: make(chan command, mailboxSize),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go r.loop()
	r.group = startListenerGroup(cfg.ID, specs, func(listener string, err error) {
		r.MarkError(fmt.Sprintf("listener %s: %v", listener, err))
	})
	slog.Info("Runtime.start: bridge running", "instance", cfg.Instance, "bridge_id", cfg.ID, "adapter", cfg.Adapter, "revision", cfg.Revision, "listeners", len(specs))
	return r, nil
}

func resolveListeners(cfg models.BridgeConfig, a adapter.Adapter, emit adapter.EmitFunc) ([]adapter.ListenerSpec, error) {
	lp, ok := a.(adapter.ListenerProvider)
	if !ok {
		return nil, nil
	}
	specs, err := lp.Listeners(cfg, emit)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(specs))
	for _, spec := range specs {
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		if seen[spec.Name] {
			return nil, fmt.Errorf("duplicate listener name %q", spec.Name)
		}
		seen[spec.Name] = true
	}
	return specs, nil
}

func (r *Runtime) loop() {
	defer close(r.done)
	state := &runtimeState{}
	for {
		select {
		case <-r.stop:
			return
		case cmd := <-r.mailbox:
			cmd(state)
		}
	}
}

// Config returns the config snapshot the runtime was started with.
func (r *Runtime) Config() models.BridgeConfig {
	return r.cfg
}

// Status returns the bridge status. It waits for the runtime loop but never
// for listener activity.
func (r *Runtime) Status() (models.BridgeStatus, error) {
	reply := make(chan models.BridgeStatus, 1)
	cmd := func(s *runtimeState) {
		reply <- r.snapshot(s)
	}
	select {
	case r.mailbox <- cmd:
	case <-r.done:
		return models.BridgeStatus{}, fmt.Errorf("%w: bridge %s stopped", models.ErrNotFound, r.cfg.ID)
	}
	select {
	case st := <-reply:
		return st, nil
	case <-r.done:
		return models.BridgeStatus{}, fmt.Errorf("%w: bridge %s stopped", models.ErrNotFound, r.cfg.ID)
	}
}

func (r *Runtime) snapshot(s *runtimeState) models.BridgeStatus {
	st := models.BridgeStatus{
		BridgeID:  r.cfg.ID,
		Instance:  r.cfg.Instance,
		Adapter:   r.cfg.Adapter,
		Enabled:   r.cfg.Enabled,
		Revision:  r.cfg.Revision,
		LastError: s.lastError,
	}
	if r.group != nil {
		st.ListenerCount = r.group.count()
	}
	if s.lastIngressAt != nil {
		t := *s.lastIngressAt
		st.LastIngressAt = &t
	}
	if s.lastOutboundAt != nil {
		t := *s.lastOutboundAt
		st.LastOutboundAt = &t
	}
	return st
}

// MarkIngress records inbound activity. It never blocks.
func (r *Runtime) MarkIngress() {
	now := time.Now().UTC()
	r.post("ingress", func(s *runtimeState) { s.lastIngressAt = &now })
}

// MarkOutbound records outbound activity. It never blocks.
func (r *Runtime) MarkOutbound() {
	now := time.Now().UTC()
	r.post("outbound", func(s *runtimeState) { s.lastOutboundAt = &now })
}

// MarkError records the latest failure on the bridge. It never blocks.
func (r *Runtime) MarkError(reason string) {
	r.post("error", func(s *runtimeState) { s.lastError = reason })
}

func (r *Runtime) post(kind string, cmd command) {
	select {
	case <-r.done:
		return
	default:
	}
	select {
	case r.mailbox <- cmd:
	default:
		slog.Warn("Runtime.post: mailbox full, dropping health update", "bridge_id", r.cfg.ID, "kind", kind)
	}
}

// Stop stops the runtime loop and its listeners. It is safe to call more than once.
func (r *Runtime) Stop(ctx context.Context) error {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
	if r.group == nil {
		return nil
	}
	if err := r.group.stop(ctx); err != nil {
		slog.Warn("Runtime.Stop: listeners still running", "bridge_id", r.cfg.ID, "error", err)
		return err
	}
	slog.Info("Runtime.Stop: bridge stopped", "instance", r.cfg.Instance, "bridge_id", r.cfg.ID)
	return nil
}
