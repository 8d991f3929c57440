package bridge

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BTreeMap/ChatBridge/internal/adapter"
	"github.com/BTreeMap/ChatBridge/internal/models"
)

// SendText delivers body to recipient through a running bridge. The bridge's
// delivery policy and its adapter's send capability are checked first.
func (m *Manager) SendText(ctx context.Context, instance, bridgeID, to, body string) error {
	rt, err := m.Runtime(instance, bridgeID)
	if err != nil {
		return fmt.Errorf("%w: %s/%s", models.ErrBridgeNotFound, instance, bridgeID)
	}
	cfg := rt.Config()
	if !cfg.Enabled {
		return fmt.Errorf("%w: %s/%s", models.ErrBridgeDisabled, instance, bridgeID)
	}
	if cfg.DeliveryPolicy == models.DeliveryDisabled {
		return fmt.Errorf("%w: %s/%s", models.ErrDeliveryDisabled, instance, bridgeID)
	}
	sender, ok := rt.adapter.(adapter.Sender)
	if !ok {
		return fmt.Errorf("%w: adapter %s cannot send", models.ErrDeliveryDisabled, cfg.Adapter)
	}

	if err := sender.SendText(ctx, cfg, to, body); err != nil {
		slog.Error("Manager.SendText: delivery failed", "instance", instance, "bridge_id", bridgeID, "to", to, "error", err)
		rt.MarkError(err.Error())
		return err
	}
	rt.MarkOutbound()
	slog.Debug("Manager.SendText: delivered", "instance", instance, "bridge_id", bridgeID, "to", to)
	return nil
}
