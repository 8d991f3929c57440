package reconcile

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/ChatBridge/internal/adapter"
	"github.com/BTreeMap/ChatBridge/internal/bridge"
	"github.com/BTreeMap/ChatBridge/internal/models"
)

type memSource struct {
	mu      sync.Mutex
	configs map[string]models.BridgeConfig
	listErr error
}

func newMemSource() *memSource {
	return &memSource{configs: make(map[string]models.BridgeConfig)}
}

func (s *memSource) put(cfg models.BridgeConfig) {
	s.mu.Lock()
	s.configs[cfg.ID] = cfg
	s.mu.Unlock()
}

func (s *memSource) remove(id string) {
	s.mu.Lock()
	delete(s.configs, id)
	s.mu.Unlock()
}

func (s *memSource) ListBridgeConfigs(_ context.Context, instance string, enabledOnly bool) ([]models.BridgeConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listErr != nil {
		return nil, s.listErr
	}
	var out []models.BridgeConfig
	for _, cfg := range s.configs {
		if cfg.Instance != instance || (enabledOnly && !cfg.Enabled) {
			continue
		}
		out = append(out, cfg)
	}
	return out, nil
}

type stubAdapter struct{ name string }

func (a stubAdapter) ChannelType() string { return a.name }
func (stubAdapter) Capabilities() map[string]bool { return nil }
func (stubAdapter) VerifyWebhook(context.Context, models.BridgeConfig, *models.WebhookRequest) error {
	return nil
}
func (stubAdapter) ParseEvent(context.Context, models.BridgeConfig, *models.WebhookRequest) (*models.CanonicalEvent, error) {
	return nil, nil
}
func (stubAdapter) TransformIncoming(context.Context, models.BridgeConfig, map[string]any) (models.Incoming, error) {
	return models.Incoming{}, nil
}

func newManager(t *testing.T) *bridge.Manager {
	t.Helper()
	m := bridge.NewManager(adapter.NewRegistry(stubAdapter{name: "alpha"}, stubAdapter{name: "beta"}))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.StopAll(ctx)
	})
	return m
}

func mustConfig(t *testing.T, id, adapterName string, opts ...models.ConfigOption) models.BridgeConfig {
	t.Helper()
	cfg, err := models.NewBridgeConfig("default", id, adapterName, opts...)
	if err != nil {
		t.Fatalf("NewBridgeConfig(%s) failed: %v", id, err)
	}
	return cfg
}

func actions(r Report) map[string]Action {
	out := make(map[string]Action, len(r.Outcomes))
	for _, o := range r.Outcomes {
		out[o.BridgeID] = o.Action
	}
	return out
}

func TestReconcile_StartsThenIdempotent(t *testing.T) {
	src := newMemSource()
	src.put(mustConfig(t, "a", "alpha"))
	src.put(mustConfig(t, "b", "beta"))
	m := newManager(t)
	c := NewController(src, m)
	ctx := context.Background()

	first := c.Reconcile(ctx, "default")
	if first.Changed() != 2 {
		t.Fatalf("Expected 2 changes on first pass, got %d: %+v", first.Changed(), first.Outcomes)
	}
	second := c.Reconcile(ctx, "default")
	if second.Changed() != 0 {
		t.Errorf("Expected no changes on second pass, got %+v", second.Outcomes)
	}
	if got := m.Running("default"); len(got) != 2 {
		t.Errorf("Expected 2 running bridges, got %v", got)
	}
}

func TestReconcile_DiffStopsAndStarts(t *testing.T) {
	src := newMemSource()
	src.put(mustConfig(t, "A", "alpha"))
	src.put(mustConfig(t, "B", "alpha"))
	m := newManager(t)
	c := NewController(src, m)
	ctx := context.Background()
	c.Reconcile(ctx, "default")

	src.remove("A")
	src.put(mustConfig(t, "C", "beta"))
	report := c.Reconcile(ctx, "default")

	got := actions(report)
	if got["A"] != ActionStopped || got["B"] != ActionUnchanged || got["C"] != ActionStarted {
		t.Errorf("Unexpected actions: %v", got)
	}
	if ids := m.Running("default"); len(ids) != 2 || ids[0] != "B" || ids[1] != "C" {
		t.Errorf("Expected running [B C], got %v", ids)
	}
	if report.Outcomes[0].BridgeID != "A" || report.Outcomes[2].BridgeID != "C" {
		t.Errorf("Outcomes should be sorted by bridge id: %+v", report.Outcomes)
	}
}

func TestReconcile_RevisionBumpRestarts(t *testing.T) {
	src := newMemSource()
	cfg := mustConfig(t, "a", "alpha")
	src.put(cfg)
	m := newManager(t)
	c := NewController(src, m)
	ctx := context.Background()
	c.Reconcile(ctx, "default")

	next, err := cfg.Revise(time.Now(), nil)
	if err != nil {
		t.Fatalf("Revise failed: %v", err)
	}
	src.put(next)
	report := c.Reconcile(ctx, "default")
	if actions(report)["a"] != ActionRestarted {
		t.Fatalf("Expected restart, got %+v", report.Outcomes)
	}
	st, err := m.Status("default", "a")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if st.Revision != 2 {
		t.Errorf("Expected revision 2, got %d", st.Revision)
	}
}

func TestReconcile_AdapterChangeRestarts(t *testing.T) {
	src := newMemSource()
	src.put(mustConfig(t, "a", "alpha"))
	m := newManager(t)
	c := NewController(src, m)
	ctx := context.Background()
	c.Reconcile(ctx, "default")

	src.put(mustConfig(t, "a", "beta"))
	if actions(c.Reconcile(ctx, "default"))["a"] != ActionRestarted {
		t.Error("Expected an adapter change to restart the bridge")
	}
	st, _ := m.Status("default", "a")
	if st.Adapter != "beta" {
		t.Errorf("Expected adapter beta, got %s", st.Adapter)
	}
}

func TestReconcile_DisabledBridgeIsStopped(t *testing.T) {
	src := newMemSource()
	cfg := mustConfig(t, "a", "alpha")
	src.put(cfg)
	m := newManager(t)
	c := NewController(src, m)
	ctx := context.Background()
	c.Reconcile(ctx, "default")

	disabled, _ := cfg.Revise(time.Now(), func(c *models.BridgeConfig) { c.Enabled = false })
	src.put(disabled)
	if actions(c.Reconcile(ctx, "default"))["a"] != ActionStopped {
		t.Error("Expected a disabled bridge to be stopped")
	}
	if len(m.Running("default")) != 0 {
		t.Error("Disabled bridge still running")
	}
}

func TestReconcile_StartFailureRecordedNotEscalated(t *testing.T) {
	src := newMemSource()
	src.put(mustConfig(t, "good", "alpha"))
	src.put(mustConfig(t, "bad", "unregistered"))
	m := newManager(t)
	c := NewController(src, m)

	report := c.Reconcile(context.Background(), "default")
	failed := report.Failed()
	if len(failed) != 1 || failed[0].BridgeID != "bad" {
		t.Fatalf("Expected only bad to fail, got %+v", report.Outcomes)
	}
	if !errors.Is(failed[0].Err, models.ErrStartFailure) {
		t.Errorf("Expected start failure, got %v", failed[0].Err)
	}
	if failed[0].Reason != models.ReasonInvalidBridgeAdapter {
		t.Errorf("Unexpected reason %q", failed[0].Reason)
	}
	if ids := m.Running("default"); len(ids) != 1 || ids[0] != "good" {
		t.Errorf("Expected good to run, got %v", ids)
	}
}

func TestReconcile_ListErrorTouchesNothing(t *testing.T) {
	src := newMemSource()
	src.put(mustConfig(t, "a", "alpha"))
	m := newManager(t)
	c := NewController(src, m)
	ctx := context.Background()
	c.Reconcile(ctx, "default")

	src.listErr = errors.New("database unavailable")
	report := c.Reconcile(ctx, "default")
	if report.ListErr == nil {
		t.Fatal("Expected ListErr to be set")
	}
	if report.Changed() != 0 {
		t.Errorf("Expected no actions when listing fails, got %+v", report.Outcomes)
	}
	if len(m.Running("default")) != 1 {
		t.Error("Running bridges must survive a list failure")
	}
}

func TestReconcile_InstancesAreIsolated(t *testing.T) {
	src := newMemSource()
	src.put(mustConfig(t, "a", "alpha"))
	m := newManager(t)
	other, _ := models.NewBridgeConfig("other", "x", "alpha")
	if err := m.StartBridge(context.Background(), other); err != nil {
		t.Fatalf("StartBridge failed: %v", err)
	}

	NewController(src, m).Reconcile(context.Background(), "default")
	if got := m.Running("other"); len(got) != 1 || got[0] != "x" {
		t.Errorf("Reconciling default touched another instance: %v", got)
	}
}
