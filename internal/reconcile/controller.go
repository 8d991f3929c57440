// Package reconcile converges the running bridges of an instance toward the
// desired configuration held by the config store.
package reconcile

import (
	"context"
	"errors"
	"log/slog"
	"sort"

	"github.com/BTreeMap/ChatBridge/internal/models"
)

// ConfigSource provides the desired bridge configurations of an instance.
type ConfigSource interface {
	ListBridgeConfigs(ctx context.Context, instance string, enabledOnly bool) ([]models.BridgeConfig, error)
}

// Bridges is the subset of the bridge manager the controller drives.
type Bridges interface {
	Running(instance string) []string
	Status(instance, bridgeID string) (models.BridgeStatus, error)
	StartBridge(ctx context.Context, cfg models.BridgeConfig) error
	StopBridge(ctx context.Context, instance, bridgeID string) error
}

// Action is what reconciliation did to one bridge.
type Action string

const (
	ActionStarted   Action = "started"
	ActionStopped   Action = "stopped"
	ActionRestarted Action = "restarted"
	ActionUnchanged Action = "unchanged"
)

// Outcome is the result of reconciling one bridge id. Err is set when the
// action was attempted and failed.
type Outcome struct {
	BridgeID string `json:"bridge_id"`
	Action   Action `json:"action"`
	Err      error  `json:"-"`
	Reason   string `json:"reason,omitempty"`
}

// Report summarizes one reconciliation pass.
type Report struct {
	Instance string    `json:"instance"`
	Outcomes []Outcome `json:"outcomes"`
	ListErr  error     `json:"-"`
}

// Changed counts outcomes that altered the running set, failed ones included.
func (r Report) Changed() int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Action != ActionUnchanged {
			n++
		}
	}
	return n
}

// Failed returns the outcomes that carry an error.
func (r Report) Failed() []Outcome {
	var out []Outcome
	for _, o := range r.Outcomes {
		if o.Err != nil {
			out = append(out, o)
		}
	}
	return out
}

// Controller reconciles desired configs against running bridges.
type Controller struct {
	configs ConfigSource
	bridges Bridges
}

// NewController creates a reconciliation controller.
func NewController(configs ConfigSource, bridges Bridges) *Controller {
	return &Controller{configs: configs, bridges: bridges}
}

// Reconcile stops bridges no longer desired, starts missing ones and restarts
// those whose revision or adapter changed. It never fails as a whole: every
// per-bridge failure is logged and recorded in the report.
func (c *Controller) Reconcile(ctx context.Context, instance string) Report {
	report := Report{Instance: instance, Outcomes: []Outcome{}}

	configs, err := c.configs.ListBridgeConfigs(ctx, instance, true)
	if err != nil {
		slog.Error("Controller.Reconcile: failed to list desired configs", "instance", instance, "error", err)
		report.ListErr = err
		return report
	}

	desired := make(map[string]models.BridgeConfig, len(configs))
	for _, cfg := range configs {
		if !cfg.Enabled {
			continue
		}
		desired[cfg.ID] = cfg
	}

	running := make(map[string]bool)
	for _, id := range c.bridges.Running(instance) {
		running[id] = true
		if _, ok := desired[id]; ok {
			continue
		}
		out := Outcome{BridgeID: id, Action: ActionStopped}
		if err := c.bridges.StopBridge(ctx, instance, id); err != nil {
			out.Err = err
			slog.Warn("Controller.Reconcile: stop failed", "instance", instance, "bridge_id", id, "error", err)
		} else {
			slog.Info("Controller.Reconcile: stopped bridge", "instance", instance, "bridge_id", id)
		}
		report.Outcomes = append(report.Outcomes, out)
	}

	for id, cfg := range desired {
		report.Outcomes = append(report.Outcomes, c.converge(ctx, cfg, running[id]))
	}

	for i := range report.Outcomes {
		report.Outcomes[i].Reason = models.Reason(report.Outcomes[i].Err)
	}
	sort.Slice(report.Outcomes, func(i, j int) bool {
		return report.Outcomes[i].BridgeID < report.Outcomes[j].BridgeID
	})
	slog.Debug("Controller.Reconcile: done", "instance", instance, "desired", len(desired), "changed", report.Changed(), "failed", len(report.Failed()))
	return report
}

func (c *Controller) converge(ctx context.Context, cfg models.BridgeConfig, isRunning bool) Outcome {
	instance, id := cfg.Instance, cfg.ID
	if !isRunning {
		out := Outcome{BridgeID: id, Action: ActionStarted}
		if err := c.bridges.StartBridge(ctx, cfg); err != nil {
			out.Err = err
			slog.Error("Controller.Reconcile: start failed", "instance", instance, "bridge_id", id, "error", err)
		} else {
			slog.Info("Controller.Reconcile: started bridge", "instance", instance, "bridge_id", id, "revision", cfg.Revision)
		}
		return out
	}

	st, err := c.bridges.Status(instance, id)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		slog.Warn("Controller.Reconcile: status failed", "instance", instance, "bridge_id", id, "error", err)
		return Outcome{BridgeID: id, Action: ActionUnchanged, Err: err}
	}
	if err == nil && st.Revision == cfg.Revision && st.Adapter == cfg.Adapter {
		return Outcome{BridgeID: id, Action: ActionUnchanged}
	}

	out := Outcome{BridgeID: id, Action: ActionRestarted}
	if err := c.bridges.StopBridge(ctx, instance, id); err != nil && !errors.Is(err, models.ErrNotFound) {
		out.Err = err
		slog.Warn("Controller.Reconcile: stop before restart failed", "instance", instance, "bridge_id", id, "error", err)
		return out
	}
	if err := c.bridges.StartBridge(ctx, cfg); err != nil {
		out.Err = err
		slog.Error("Controller.Reconcile: restart failed", "instance", instance, "bridge_id", id, "error", err)
		return out
	}
	slog.Info("Controller.Reconcile: restarted bridge", "instance", instance, "bridge_id", id, "from_revision", st.Revision, "to_revision", cfg.Revision)
	return out
}
