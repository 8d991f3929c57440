package canonical

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/BTreeMap/ChatBridge/internal/models"
)

// Metadata keys set by the moderation rule
const (
	MetadataModeration      = "moderation"
	MetadataModerationError = "moderation_error"
	ModerationFlagged       = "flagged"
	ModerationClean         = "clean"
)

// moderationService defines the minimal interface for the moderation endpoint.
type moderationService interface {
	New(ctx context.Context, body openai.ModerationNewParams, opts ...option.RequestOption) (*openai.ModerationNewResponse, error)
}

// ModerationRule reclassifies message events flagged by the OpenAI
// moderation endpoint as moderated events. Moderation failures leave the
// event untouched and are recorded in its metadata.
type ModerationRule struct {
	svc   moderationService
	model openai.ModerationModel
}

// ModerationOpts holds configuration for the ModerationRule.
type ModerationOpts struct {
	APIKey string
	Model  string
}

// ModerationOption configures the ModerationRule.
type ModerationOption func(*ModerationOpts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) ModerationOption {
	return func(o *ModerationOpts) {
		o.APIKey = key
	}
}

// WithModel overrides the moderation model.
func WithModel(model string) ModerationOption {
	return func(o *ModerationOpts) {
		o.Model = model
	}
}

// NewModerationRule creates a moderation rule. The API key falls back to
// OPENAI_API_KEY.
func NewModerationRule(opts ...ModerationOption) (*ModerationRule, error) {
	var cfg ModerationOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return newModerationRule(&cli.Moderations, cfg.Model), nil
}

func newModerationRule(svc moderationService, model string) *ModerationRule {
	m := openai.ModerationModelOmniModerationLatest
	if model != "" {
		m = openai.ModerationModel(model)
	}
	return &ModerationRule{svc: svc, model: m}
}

func (r *ModerationRule) Name() string { return "moderation" }

func (r *ModerationRule) Apply(ctx context.Context, chat models.ChatDescriptor, ev *models.CanonicalEvent) error {
	if ev.Type != models.EventTypeMessage {
		return nil
	}
	text, _ := ev.Payload[models.PayloadKeyText].(string)
	if strings.TrimSpace(text) == "" {
		return nil
	}

	resp, err := r.svc.New(ctx, openai.ModerationNewParams{
		Input: openai.ModerationNewParamsInputUnion{OfString: openai.String(text)},
		Model: r.model,
	})
	if err != nil {
		slog.Warn("ModerationRule.Apply: moderation request failed", "bridge_id", chat.BridgeID, "event_id", ev.ID, "error", err)
		ev.Metadata[MetadataModerationError] = err.Error()
		return nil
	}

	for _, result := range resp.Results {
		if result.Flagged {
			slog.Info("ModerationRule.Apply: message flagged", "bridge_id", chat.BridgeID, "event_id", ev.ID, "message_id", ev.MessageID)
			ev.Type = models.EventTypeModerated
			ev.Metadata[MetadataModeration] = ModerationFlagged
			return nil
		}
	}
	ev.Metadata[MetadataModeration] = ModerationClean
	return nil
}
