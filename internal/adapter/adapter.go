// Package adapter defines the contract between ChatBridge and per-platform
// adapters, and a registry that resolves adapter identities to implementations.
package adapter

import (
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/BTreeMap/ChatBridge/internal/models"
)

// Adapter is a pluggable per-platform implementation of webhook verification,
// event parsing and payload transformation.
type Adapter interface {
	// Capabilities reports what the platform supports (e.g. "send_text").
	Capabilities() map[string]bool

	// VerifyWebhook checks the authenticity of an inbound webhook request.
	VerifyWebhook(ctx context.Context, cfg models.BridgeConfig, req *models.WebhookRequest) error

	// ParseEvent turns a verified webhook request into a canonical event.
	// A nil event with a nil error means the request carries nothing to route.
	ParseEvent(ctx context.Context, cfg models.BridgeConfig, req *models.WebhookRequest) (*models.CanonicalEvent, error)

	// TransformIncoming converts a listener payload directly into a normalized
	// incoming-message record.
	TransformIncoming(ctx context.Context, cfg models.BridgeConfig, payload map[string]any) (models.Incoming, error)
}

// ChannelTyper is implemented by adapters that declare their channel type.
type ChannelTyper interface {
	ChannelType() string
}

// EmitFunc hands a raw listener payload to the routing pipeline on behalf of
// one bridge.
type EmitFunc func(ctx context.Context, payload map[string]any) error

// ListenerProvider is implemented by adapters that keep long-lived listeners
// (sockets, polling loops) for each bridge.
type ListenerProvider interface {
	Listeners(cfg models.BridgeConfig, emit EmitFunc) ([]ListenerSpec, error)
}

// Sender is implemented by adapters that can deliver outbound text.
type Sender interface {
	SendText(ctx context.Context, cfg models.BridgeConfig, to, body string) error
}

// RestartPolicy decides whether a listener is restarted after it exits.
type RestartPolicy string

const (
	// RestartPermanent restarts the listener whenever it exits.
	RestartPermanent RestartPolicy = "permanent"
	// RestartTransient restarts the listener only when it exits with an error or panics.
	RestartTransient RestartPolicy = "transient"
	// RestartTemporary never restarts the listener.
	RestartTemporary RestartPolicy = "temporary"
)

// Default listener supervision constants
const (
	DefaultMaxRestarts = 5
	DefaultPeriod      = time.Minute
	DefaultBackoff     = 100 * time.Millisecond
	DefaultMaxBackoff  = 10 * time.Second
)

// ListenerSpec describes one supervised listener of a bridge.
type ListenerSpec struct {
	Name    string
	Run     func(ctx context.Context) error
	Restart RestartPolicy

	// MaxRestarts within Period before the listener gives up.
	MaxRestarts int
	Period      time.Duration
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

// WithDefaults fills unset supervision fields.
func (s ListenerSpec) WithDefaults() ListenerSpec {
	if s.Restart == "" {
		s.Restart = RestartPermanent
	}
	if s.MaxRestarts <= 0 {
		s.MaxRestarts = DefaultMaxRestarts
	}
	if s.Period <= 0 {
		s.Period = DefaultPeriod
	}
	if s.Backoff <= 0 {
		s.Backoff = DefaultBackoff
	}
	if s.MaxBackoff <= 0 {
		s.MaxBackoff = DefaultMaxBackoff
	}
	return s
}

// Validate checks that a listener spec can be started.
func (s ListenerSpec) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return fmt.Errorf("listener name is required")
	}
	if s.Run == nil {
		return fmt.Errorf("listener %s has no run function", s.Name)
	}
	switch s.Restart {
	case "", RestartPermanent, RestartTransient, RestartTemporary:
	default:
		return fmt.Errorf("listener %s has unknown restart policy %q", s.Name, s.Restart)
	}
	return nil
}

// Identity resolves the adapter identity of a: its declared channel type when
// available, otherwise a name derived from its Go type.
func Identity(a Adapter) string {
	if ct, ok := a.(ChannelTyper); ok {
		if name := models.NormalizeAdapter(ct.ChannelType()); name != "" {
			return name
		}
	}
	return deriveTypeName(a)
}

// deriveTypeName turns "*slack.SlackAdapter" into "slack" and "*twilio.Adapter"
// into "twilio".
func deriveTypeName(a Adapter) string {
	t := reflect.TypeOf(a)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return ""
	}
	name := strings.TrimSuffix(t.Name(), "Adapter")
	if name == "" {
		pkg := t.PkgPath()
		if i := strings.LastIndex(pkg, "/"); i >= 0 {
			pkg = pkg[i+1:]
		}
		name = pkg
	}
	return snakeCase(name)
}

func snakeCase(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteByte('_')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Registry maps adapter identities to adapter implementations.
type Registry struct {
	adapters map[string]Adapter
	mu       sync.RWMutex
}

// NewRegistry creates a registry pre-populated with the given adapters.
func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

// Register adds an adapter under its identity and returns that identity.
func (r *Registry) Register(a Adapter) string {
	name := Identity(a)
	r.mu.Lock()
	r.adapters[name] = a
	r.mu.Unlock()
	slog.Debug("Registry.Register: adapter registered", "adapter", name)
	return name
}

// RegisterAs adds an adapter under an explicit identity.
func (r *Registry) RegisterAs(name string, a Adapter) {
	name = models.NormalizeAdapter(name)
	r.mu.Lock()
	r.adapters[name] = a
	r.mu.Unlock()
	slog.Debug("Registry.RegisterAs: adapter registered", "adapter", name)
}

// Resolve returns the adapter registered under name.
func (r *Registry) Resolve(name string) (Adapter, error) {
	r.mu.RLock()
	a, ok := r.adapters[models.NormalizeAdapter(name)]
	r.mu.RUnlock()
	if !ok || a == nil {
		return nil, fmt.Errorf("%w: no adapter registered for %q", models.ErrInvalidBridgeAdapter, name)
	}
	return a, nil
}

// Names lists registered identities in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
