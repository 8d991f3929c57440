// Package models defines the core data structures for ChatBridge.
//
// It includes bridge configurations and statuses, canonical events and the
// normalized incoming-message records shared across modules.
package models

import (
	"fmt"
	"strings"
	"time"
)

// DeliveryPolicy describes how outbound traffic on a bridge is treated.
type DeliveryPolicy string

const (
	// DeliveryBestEffort sends once and records failures on the bridge.
	DeliveryBestEffort DeliveryPolicy = "best_effort"
	// DeliveryAtMostOnce never resends a message, even after a transport error.
	DeliveryAtMostOnce DeliveryPolicy = "at_most_once"
	// DeliveryDisabled rejects outbound sends on the bridge.
	DeliveryDisabled DeliveryPolicy = "disabled"
)

// DefaultInstance is the messaging instance used when a caller does not name one.
const DefaultInstance = "default"

// IsValidDeliveryPolicy checks if the given delivery policy is supported.
func IsValidDeliveryPolicy(p DeliveryPolicy) bool {
	switch p {
	case DeliveryBestEffort, DeliveryAtMostOnce, DeliveryDisabled:
		return true
	default:
		return false
	}
}

// BridgeConfig is the desired configuration of one bridge. It is owned by the
// config store; the runtime only ever holds a snapshot.
type BridgeConfig struct {
	ID             string            `json:"id"`
	Instance       string            `json:"instance"`
	Adapter        string            `json:"adapter"`
	Credentials    map[string]string `json:"credentials,omitempty"`
	Options        map[string]any    `json:"options,omitempty"`
	Enabled        bool              `json:"enabled"`
	Capabilities   map[string]bool   `json:"capabilities,omitempty"`
	DeliveryPolicy DeliveryPolicy    `json:"delivery_policy"`
	Revision       int64             `json:"revision"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// ConfigOption customizes a BridgeConfig built by NewBridgeConfig.
type ConfigOption func(*BridgeConfig)

// WithCredentials sets the adapter credentials.
func WithCredentials(creds map[string]string) ConfigOption {
	return func(c *BridgeConfig) {
		c.Credentials = make(map[string]string, len(creds))
		for k, v := range creds {
			c.Credentials[NormalizeKey(k)] = v
		}
	}
}

// WithOptions sets free-form adapter options.
func WithOptions(opts map[string]any) ConfigOption {
	return func(c *BridgeConfig) {
		c.Options = make(map[string]any, len(opts))
		for k, v := range opts {
			c.Options[NormalizeKey(k)] = v
		}
	}
}

// WithCapabilities sets the capability map declared for the bridge.
func WithCapabilities(caps map[string]bool) ConfigOption {
	return func(c *BridgeConfig) {
		c.Capabilities = make(map[string]bool, len(caps))
		for k, v := range caps {
			c.Capabilities[NormalizeKey(k)] = v
		}
	}
}

// WithEnabled sets whether the bridge should be running.
func WithEnabled(enabled bool) ConfigOption {
	return func(c *BridgeConfig) { c.Enabled = enabled }
}

// WithDeliveryPolicy sets the outbound delivery policy.
func WithDeliveryPolicy(p DeliveryPolicy) ConfigOption {
	return func(c *BridgeConfig) { c.DeliveryPolicy = p }
}

// WithRevision overrides the initial revision (used when loading from storage).
func WithRevision(rev int64) ConfigOption {
	return func(c *BridgeConfig) { c.Revision = rev }
}

// WithTimestamps overrides creation and update times (used when loading from storage).
func WithTimestamps(created, updated time.Time) ConfigOption {
	return func(c *BridgeConfig) {
		c.CreatedAt = created
		c.UpdatedAt = updated
	}
}

// NewBridgeConfig builds a normalized, defaulted and validated bridge config.
// New bridges are enabled unless WithEnabled(false) is given.
func NewBridgeConfig(instance, id, adapter string, opts ...ConfigOption) (BridgeConfig, error) {
	now := time.Now().UTC()
	cfg := BridgeConfig{
		ID:       strings.TrimSpace(id),
		Instance: strings.TrimSpace(instance),
		Adapter:  NormalizeAdapter(adapter),
		Enabled:  true,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.applyDefaults(now)
	if err := cfg.Validate(); err != nil {
		return BridgeConfig{}, err
	}
	return cfg, nil
}

func (c *BridgeConfig) applyDefaults(now time.Time) {
	if c.Instance == "" {
		c.Instance = DefaultInstance
	}
	if c.DeliveryPolicy == "" {
		c.DeliveryPolicy = DeliveryBestEffort
	}
	if c.Revision <= 0 {
		c.Revision = 1
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	if c.Credentials == nil {
		c.Credentials = map[string]string{}
	}
	if c.Options == nil {
		c.Options = map[string]any{}
	}
	if c.Capabilities == nil {
		c.Capabilities = map[string]bool{}
	}
}

// Validate checks the config for structural problems.
func (c BridgeConfig) Validate() error {
	if c.ID == "" {
		return fmt.Errorf("%w: bridge id is required", ErrInvalidConfig)
	}
	if strings.ContainsAny(c.ID, "/ \t\n") {
		return fmt.Errorf("%w: bridge id %q contains forbidden characters", ErrInvalidConfig, c.ID)
	}
	if c.Adapter == "" {
		return fmt.Errorf("%w: adapter is required for bridge %s", ErrInvalidConfig, c.ID)
	}
	if !IsValidDeliveryPolicy(c.DeliveryPolicy) {
		return fmt.Errorf("%w: unknown delivery policy %q", ErrInvalidConfig, c.DeliveryPolicy)
	}
	if c.Revision <= 0 {
		return fmt.Errorf("%w: revision must be positive", ErrInvalidConfig)
	}
	return nil
}

// Revise returns a copy of the config with mutate applied, the revision bumped
// and UpdatedAt set to now. Identity fields survive any mutation.
func (c BridgeConfig) Revise(now time.Time, mutate func(*BridgeConfig)) (BridgeConfig, error) {
	next := c.Clone()
	if mutate != nil {
		mutate(&next)
	}
	next.ID = c.ID
	next.Instance = c.Instance
	next.CreatedAt = c.CreatedAt
	next.Adapter = NormalizeAdapter(next.Adapter)
	next.Revision = c.Revision + 1
	next.UpdatedAt = now
	if err := next.Validate(); err != nil {
		return BridgeConfig{}, err
	}
	return next, nil
}

// Clone returns a deep copy of the maps held by the config.
func (c BridgeConfig) Clone() BridgeConfig {
	out := c
	out.Credentials = make(map[string]string, len(c.Credentials))
	for k, v := range c.Credentials {
		out.Credentials[k] = v
	}
	out.Options = make(map[string]any, len(c.Options))
	for k, v := range c.Options {
		out.Options[k] = v
	}
	out.Capabilities = make(map[string]bool, len(c.Capabilities))
	for k, v := range c.Capabilities {
		out.Capabilities[k] = v
	}
	return out
}

// Credential returns a credential value, or "" when unset.
func (c BridgeConfig) Credential(key string) string {
	return c.Credentials[NormalizeKey(key)]
}

// OptionString returns a string option, or def when the option is missing or not a string.
func (c BridgeConfig) OptionString(key, def string) string {
	if v, ok := c.Options[NormalizeKey(key)].(string); ok && v != "" {
		return v
	}
	return def
}

// OptionBool returns a boolean option, accepting bools and "true"/"false" strings.
func (c BridgeConfig) OptionBool(key string, def bool) bool {
	switch v := c.Options[NormalizeKey(key)].(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes", "on":
			return true
		case "false", "0", "no", "off":
			return false
		}
	}
	return def
}

// NormalizeKey lower-cases a map key and folds dashes and spaces into underscores.
func NormalizeKey(k string) string {
	k = strings.ToLower(strings.TrimSpace(k))
	return strings.NewReplacer("-", "_", " ", "_").Replace(k)
}

// NormalizeAdapter canonicalizes an adapter identity.
func NormalizeAdapter(a string) string {
	return NormalizeKey(a)
}

// BridgeStatus is the point-in-time view of a running bridge.
type BridgeStatus struct {
	BridgeID       string     `json:"bridge_id"`
	Instance       string     `json:"instance"`
	Adapter        string     `json:"adapter"`
	Enabled        bool       `json:"enabled"`
	Revision       int64      `json:"revision"`
	ListenerCount  int        `json:"listener_count"`
	LastIngressAt  *time.Time `json:"last_ingress_at,omitempty"`
	LastOutboundAt *time.Time `json:"last_outbound_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
}
