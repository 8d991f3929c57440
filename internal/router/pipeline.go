// Package router turns raw inbound traffic of a bridge into canonical events
// and hands chat messages to ingestion.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"time"

	"github.com/BTreeMap/ChatBridge/internal/adapter"
	"github.com/BTreeMap/ChatBridge/internal/canonical"
	"github.com/BTreeMap/ChatBridge/internal/ingest"
	"github.com/BTreeMap/ChatBridge/internal/models"
)

// ConfigStore provides the bridge configurations.
type ConfigStore interface {
	ListBridgeConfigs(ctx context.Context, instance string, enabledOnly bool) ([]models.BridgeConfig, error)
	GetBridgeConfig(ctx context.Context, instance, id string) (models.BridgeConfig, error)
}

// Ingestor persists incoming messages.
type Ingestor interface {
	IngestIncoming(ctx context.Context, instance, adapterName, bridgeID string, in models.Incoming, opts ingest.IngestOptions) (ingest.IngestResult, error)
}

// Canonicalizer finalizes events before dispatch.
type Canonicalizer interface {
	ProcessEvent(ctx context.Context, chat models.ChatDescriptor, adapterName string, ev models.CanonicalEvent, opts canonical.ProcessOptions) (models.ChatDescriptor, models.CanonicalEvent, error)
}

// HealthRecorder receives health feedback for bridges. Calls must not block.
type HealthRecorder interface {
	MarkIngress(instance, bridgeID string)
	MarkError(instance, bridgeID, reason string)
}

// Kind classifies a routing result.
type Kind string

const (
	KindMessage   Kind = "message"
	KindDuplicate Kind = "duplicate"
	KindEvent     Kind = "event"
	KindNoop      Kind = "noop"
)

// Result is the outcome of routing one inbound item.
type Result struct {
	Kind    Kind                   `json:"kind"`
	Message *models.Message        `json:"message,omitempty"`
	Context *models.MessageContext `json:"context,omitempty"`
	Event   *models.CanonicalEvent `json:"event,omitempty"`
}

// WebhookOptions carries the HTTP envelope of a webhook call.
type WebhookOptions struct {
	Method   string
	Path     string
	URL      string
	Headers  http.Header
	Metadata map[string]any
}

// PayloadOptions adjusts RoutePayload.
type PayloadOptions struct {
	Metadata   map[string]any
	ReceivedAt time.Time
}

// Opts holds configuration for the Pipeline.
type Opts struct {
	Health HealthRecorder
}

// Option configures the Pipeline.
type Option func(*Opts)

// WithHealthRecorder sets where bridge health feedback goes.
func WithHealthRecorder(h HealthRecorder) Option {
	return func(o *Opts) {
		o.Health = h
	}
}

// Pipeline routes webhook calls and listener payloads.
type Pipeline struct {
	configs  ConfigStore
	adapters *adapter.Registry
	canon    Canonicalizer
	ingestor Ingestor
	health   HealthRecorder
}

// NewPipeline creates a routing pipeline.
func NewPipeline(configs ConfigStore, adapters *adapter.Registry, canon Canonicalizer, ingestor Ingestor, opts ...Option) *Pipeline {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	return &Pipeline{
		configs:  configs,
		adapters: adapters,
		canon:    canon,
		ingestor: ingestor,
		health:   cfg.Health,
	}
}

// resolve loads an enabled bridge config and its adapter.
func (p *Pipeline) resolve(ctx context.Context, instance, bridgeID string) (models.BridgeConfig, adapter.Adapter, error) {
	cfg, err := p.configs.GetBridgeConfig(ctx, instance, bridgeID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.BridgeConfig{}, nil, fmt.Errorf("%w: %s/%s", models.ErrBridgeNotFound, instance, bridgeID)
		}
		return models.BridgeConfig{}, nil, err
	}
	if !cfg.Enabled {
		return models.BridgeConfig{}, nil, fmt.Errorf("%w: %s/%s", models.ErrBridgeDisabled, instance, bridgeID)
	}
	a, err := p.adapters.Resolve(cfg.Adapter)
	if err != nil {
		return models.BridgeConfig{}, nil, err
	}
	return cfg, a, nil
}

// RouteWebhook verifies and parses one webhook call for a bridge and
// dispatches the resulting event.
func (p *Pipeline) RouteWebhook(ctx context.Context, instance, bridgeID string, body []byte, opts WebhookOptions) (Result, error) {
	cfg, a, err := p.resolve(ctx, instance, bridgeID)
	if err != nil {
		slog.Debug("Pipeline.RouteWebhook: rejected", "instance", instance, "bridge_id", bridgeID, "error", err)
		return Result{}, err
	}
	req := buildWebhookRequest(body, opts)

	res, err := p.routeWebhook(ctx, cfg, a, req)
	p.feedback(instance, bridgeID, err)
	return res, err
}

func (p *Pipeline) routeWebhook(ctx context.Context, cfg models.BridgeConfig, a adapter.Adapter, req *models.WebhookRequest) (Result, error) {
	if err := a.VerifyWebhook(ctx, cfg, req); err != nil {
		slog.Warn("Pipeline.RouteWebhook: verification failed", "instance", cfg.Instance, "bridge_id", cfg.ID, "error", err)
		return Result{}, err
	}
	ev, err := a.ParseEvent(ctx, cfg, req)
	if err != nil {
		return Result{}, err
	}
	if ev == nil {
		return Result{Kind: KindNoop}, nil
	}
	return p.dispatch(ctx, cfg, adapter.Identity(a), *ev)
}

// RoutePayload transforms a raw listener payload into a message event and
// dispatches it.
func (p *Pipeline) RoutePayload(ctx context.Context, instance, bridgeID string, payload map[string]any, opts PayloadOptions) (Result, error) {
	cfg, a, err := p.resolve(ctx, instance, bridgeID)
	if err != nil {
		slog.Debug("Pipeline.RoutePayload: rejected", "instance", instance, "bridge_id", bridgeID, "error", err)
		return Result{}, err
	}

	res, err := p.routePayload(ctx, cfg, a, payload, opts)
	p.feedback(instance, bridgeID, err)
	return res, err
}

func (p *Pipeline) routePayload(ctx context.Context, cfg models.BridgeConfig, a adapter.Adapter, payload map[string]any, opts PayloadOptions) (Result, error) {
	in, err := a.TransformIncoming(ctx, cfg, payload)
	if err != nil {
		return Result{}, err
	}
	name := adapter.Identity(a)
	threadID := in.ThreadID
	if threadID == "" {
		threadID = ingest.DefaultThreadID(name, in.ChannelID)
	}
	ev := models.CanonicalEvent{
		Adapter:    name,
		Type:       models.EventTypeMessage,
		ThreadID:   threadID,
		ChannelID:  in.ChannelID,
		MessageID:  in.ExternalID,
		Payload:    in.ToPayload(),
		Raw:        payload,
		Metadata:   opts.Metadata,
		ReceivedAt: opts.ReceivedAt,
	}
	return p.dispatch(ctx, cfg, name, ev)
}

// Emit routes a listener payload. It has the signature of a bridge sink.
func (p *Pipeline) Emit(ctx context.Context, instance, bridgeID string, payload map[string]any) error {
	_, err := p.RoutePayload(ctx, instance, bridgeID, payload, PayloadOptions{})
	return err
}

func (p *Pipeline) dispatch(ctx context.Context, cfg models.BridgeConfig, name string, ev models.CanonicalEvent) (Result, error) {
	chat := models.ChatDescriptor{
		Instance:  cfg.Instance,
		BridgeID:  cfg.ID,
		Adapter:   name,
		Ephemeral: true,
	}
	_, ev, err := p.canon.ProcessEvent(ctx, chat, name, ev, canonical.ProcessOptions{})
	if err != nil {
		return Result{}, err
	}
	if ev.Type != models.EventTypeMessage {
		slog.Debug("Pipeline.dispatch: non-message event", "instance", cfg.Instance, "bridge_id", cfg.ID, "type", ev.Type, "event_id", ev.ID)
		return Result{Kind: KindEvent, Event: &ev}, nil
	}

	in, err := models.IncomingFromEvent(ev)
	if err != nil {
		return Result{}, err
	}
	res, err := p.ingestor.IngestIncoming(ctx, cfg.Instance, name, cfg.ID, in, ingest.IngestOptions{ReceivedAt: ev.ReceivedAt})
	if err != nil {
		return Result{}, err
	}
	if res.Duplicate {
		return Result{Kind: KindDuplicate, Event: &ev}, nil
	}
	return Result{Kind: KindMessage, Message: &res.Message, Context: &res.Context, Event: &ev}, nil
}

func (p *Pipeline) feedback(instance, bridgeID string, err error) {
	if p.health == nil {
		return
	}
	if err != nil {
		p.health.MarkError(instance, bridgeID, err.Error())
		return
	}
	p.health.MarkIngress(instance, bridgeID)
}

func buildWebhookRequest(body []byte, opts WebhookOptions) *models.WebhookRequest {
	method := opts.Method
	if method == "" {
		method = http.MethodPost
	}
	headers := opts.Headers
	if headers == nil {
		headers = http.Header{}
	}
	req := &models.WebhookRequest{
		Method:   method,
		Path:     opts.Path,
		URL:      opts.URL,
		Headers:  headers,
		RawBody:  body,
		Metadata: opts.Metadata,
	}
	if mt, _, err := mime.ParseMediaType(headers.Get("Content-Type")); err == nil && mt == "application/x-www-form-urlencoded" {
		if form, err := url.ParseQuery(string(body)); err == nil {
			req.Form = form
		} else {
			slog.Warn("Pipeline.RouteWebhook: unparsable form body", "path", opts.Path, "error", err)
		}
	}
	return req
}
