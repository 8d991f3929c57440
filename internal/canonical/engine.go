// Package canonical turns adapter-produced events into their final canonical
// form by running them through an ordered chain of rules.
package canonical

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/ChatBridge/internal/models"
	"github.com/BTreeMap/ChatBridge/internal/util"
)

// Rule inspects or rewrites one event. Rules run in registration order and
// see the changes made by earlier rules.
type Rule interface {
	Name() string
	Apply(ctx context.Context, chat models.ChatDescriptor, ev *models.CanonicalEvent) error
}

// ProcessOptions adjusts a single ProcessEvent call.
type ProcessOptions struct {
	// SkipRules names rules that must not run for this event.
	SkipRules []string
	// Now overrides the time used to stamp events without ReceivedAt.
	Now time.Time
}

func (o ProcessOptions) skips(name string) bool {
	for _, s := range o.SkipRules {
		if s == name {
			return true
		}
	}
	return false
}

// Opts holds configuration for the Engine.
type Opts struct {
	Rules []Rule
}

// Option configures the Engine.
type Option func(*Opts)

// WithRule appends a rule to the chain.
func WithRule(r Rule) Option {
	return func(o *Opts) {
		if r != nil {
			o.Rules = append(o.Rules, r)
		}
	}
}

// Engine canonicalizes events.
type Engine struct {
	rules []Rule
}

// NewEngine creates an engine. The type normalization rule always runs first.
func NewEngine(opts ...Option) *Engine {
	cfg := Opts{Rules: []Rule{TypeRule{}}}
	for _, opt := range opts {
		opt(&cfg)
	}
	names := make([]string, 0, len(cfg.Rules))
	for _, r := range cfg.Rules {
		names = append(names, r.Name())
	}
	slog.Debug("canonical.NewEngine: rule chain", "rules", names)
	return &Engine{rules: cfg.Rules}
}

// ProcessEvent stamps identity fields on ev, runs the rule chain and returns
// the resulting chat descriptor and event. A rule error aborts the chain.
func (e *Engine) ProcessEvent(ctx context.Context, chat models.ChatDescriptor, adapterName string, ev models.CanonicalEvent, opts ProcessOptions) (models.ChatDescriptor, models.CanonicalEvent, error) {
	now := opts.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}
	if ev.ID == "" {
		ev.ID = util.NewEventID()
	}
	if ev.Adapter == "" {
		ev.Adapter = adapterName
	}
	if ev.ReceivedAt.IsZero() {
		ev.ReceivedAt = now
	}
	if ev.Metadata == nil {
		ev.Metadata = map[string]any{}
	}
	if chat.Adapter == "" {
		chat.Adapter = adapterName
	}
	if chat.ChatID == "" {
		chat.ChatID = ev.ThreadID
	}

	for _, r := range e.rules {
		if opts.skips(r.Name()) {
			continue
		}
		if err := r.Apply(ctx, chat, &ev); err != nil {
			slog.Warn("Engine.ProcessEvent: rule failed", "rule", r.Name(), "event_id", ev.ID, "adapter", adapterName, "error", err)
			return chat, ev, fmt.Errorf("rule %s: %w", r.Name(), err)
		}
	}
	return chat, ev, nil
}

// typeAliases maps platform event names onto canonical event types.
var typeAliases = map[string]models.EventType{
	"message":         models.EventTypeMessage,
	"text":            models.EventTypeMessage,
	"msg":             models.EventTypeMessage,
	"message_created": models.EventTypeMessage,
	"inbound":         models.EventTypeMessage,
	"reaction":        models.EventTypeReaction,
	"reaction_added":  models.EventTypeReaction,
	"receipt":         models.EventTypeReceipt,
	"read":            models.EventTypeReceipt,
	"delivered":       models.EventTypeReceipt,
	"status":          models.EventTypeStatus,
	"moderated":       models.EventTypeModerated,
}

// TypeRule folds platform event names into the canonical event types.
// Unknown types are kept, lower-cased. An untyped event is a message when its
// payload carries text and a status event otherwise.
type TypeRule struct{}

func (TypeRule) Name() string { return "type" }

func (TypeRule) Apply(_ context.Context, _ models.ChatDescriptor, ev *models.CanonicalEvent) error {
	raw := models.NormalizeKey(string(ev.Type))
	if raw == "" {
		if _, ok := ev.Payload[models.PayloadKeyText]; ok {
			ev.Type = models.EventTypeMessage
		} else {
			ev.Type = models.EventTypeStatus
		}
		return nil
	}
	if t, ok := typeAliases[raw]; ok {
		ev.Type = t
		return nil
	}
	ev.Type = models.EventType(strings.ToLower(raw))
	return nil
}
