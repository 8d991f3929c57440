package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BTreeMap/ChatBridge/internal/adapter"
)

// listenerGroup supervises the listeners of one bridge. Each listener has its
// own restart boundary: a crash restarts that listener only, and a listener
// that exceeds its restart intensity stops alone.
type listenerGroup struct {
	bridgeID string
	active   atomic.Int32
	wg       sync.WaitGroup
	cancel   context.CancelFunc
	onCrash  func(listener string, err error)
}

// startListenerGroup launches every spec under its own supervisor. The
// listeners run on a context detached from the caller's; stop cancels it.
func startListenerGroup(bridgeID string, specs []adapter.ListenerSpec, onCrash func(string, error)) *listenerGroup {
	ctx, cancel := context.WithCancel(context.Background())
	g := &listenerGroup{
		bridgeID: bridgeID,
		cancel:   cancel,
		onCrash:  onCrash,
	}
	for _, spec := range specs {
		spec := spec.WithDefaults()
		g.wg.Add(1)
		go g.supervise(ctx, spec)
	}
	slog.Debug("listenerGroup started", "bridge_id", bridgeID, "listeners", len(specs))
	return g
}

// count returns the number of listeners currently running.
func (g *listenerGroup) count() int {
	return int(g.active.Load())
}

// stop cancels all listeners and waits for them to return or ctx to expire.
func (g *listenerGroup) stop(ctx context.Context) error {
	g.cancel()
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("listeners of bridge %s did not stop: %w", g.bridgeID, ctx.Err())
	}
}

func (g *listenerGroup) supervise(ctx context.Context, spec adapter.ListenerSpec) {
	defer g.wg.Done()

	var restarts []time.Time
	backoff := spec.Backoff
	for {
		g.active.Add(1)
		err := runListener(ctx, spec)
		g.active.Add(-1)

		if ctx.Err() != nil {
			slog.Debug("listenerGroup.supervise: listener stopped", "bridge_id", g.bridgeID, "listener", spec.Name)
			return
		}
		if err != nil {
			slog.Warn("listenerGroup.supervise: listener crashed", "bridge_id", g.bridgeID, "listener", spec.Name, "error", err)
			g.report(spec.Name, err)
		}
		if !shouldRestart(spec.Restart, err) {
			slog.Info("listenerGroup.supervise: listener exited without restart", "bridge_id", g.bridgeID, "listener", spec.Name, "policy", spec.Restart)
			return
		}

		now := time.Now()
		restarts = pruneBefore(restarts, now.Add(-spec.Period))
		if len(restarts) >= spec.MaxRestarts {
			giveUp := fmt.Errorf("listener %s exceeded %d restarts in %s", spec.Name, spec.MaxRestarts, spec.Period)
			slog.Error("listenerGroup.supervise: giving up on listener", "bridge_id", g.bridgeID, "listener", spec.Name, "error", giveUp)
			g.report(spec.Name, giveUp)
			return
		}
		restarts = append(restarts, now)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > spec.MaxBackoff {
			backoff = spec.MaxBackoff
		}
		slog.Debug("listenerGroup.supervise: restarting listener", "bridge_id", g.bridgeID, "listener", spec.Name, "restarts", len(restarts))
	}
}

func (g *listenerGroup) report(listener string, err error) {
	if g.onCrash != nil {
		g.onCrash(listener, err)
	}
}

// runListener runs one listener invocation, converting a panic into an error.
func runListener(ctx context.Context, spec adapter.ListenerSpec) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener %s panicked: %v\n%s", spec.Name, r, debug.Stack())
		}
	}()
	return spec.Run(ctx)
}

func shouldRestart(policy adapter.RestartPolicy, err error) bool {
	switch policy {
	case adapter.RestartTemporary:
		return false
	case adapter.RestartTransient:
		return err != nil
	default:
		return true
	}
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	kept := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
