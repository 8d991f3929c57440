// Package store provides storage backends for ChatBridge.
//
// It holds the desired bridge configurations, the persisted inbound messages
// and the outbound delivery queue. An in-memory store covers configs and
// messages; SQLite and PostgreSQL stores cover everything.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/ChatBridge/internal/models"
	"github.com/BTreeMap/ChatBridge/internal/util"
)

// ConfigStore owns the desired bridge configurations.
type ConfigStore interface {
	// ListBridgeConfigs returns the configs of instance sorted by bridge id.
	ListBridgeConfigs(ctx context.Context, instance string, enabledOnly bool) ([]models.BridgeConfig, error)
	// GetBridgeConfig returns one config or models.ErrNotFound.
	GetBridgeConfig(ctx context.Context, instance, id string) (models.BridgeConfig, error)
	// SaveBridgeConfig inserts or replaces a config. A replacement gets the
	// next revision and keeps CreatedAt; a new config starts at revision 1.
	SaveBridgeConfig(ctx context.Context, cfg models.BridgeConfig) (models.BridgeConfig, error)
	// DeleteBridgeConfig removes a config or returns models.ErrNotFound.
	DeleteBridgeConfig(ctx context.Context, instance, id string) error
}

// MessageRepo persists inbound messages.
type MessageRepo interface {
	// InsertMessage stores msg unless a message with the same instance,
	// adapter, bridge and external id exists. It reports whether a row was written.
	InsertMessage(ctx context.Context, msg models.Message) (bool, error)
	// ListMessages returns the newest messages of a bridge, newest first.
	ListMessages(ctx context.Context, instance, bridgeID string, limit int) ([]models.Message, error)
}

// Store is a complete storage backend.
type Store interface {
	ConfigStore
	MessageRepo
	Close() error
}

// Opts holds configuration for the storage backends.
type Opts struct {
	DSN string
}

// Option configures a storage backend.
type Option func(*Opts)

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) {
		o.DSN = dsn
	}
}

// DSN types returned by DetectDSNType
const (
	DSNTypePostgres = "postgres"
	DSNTypeSQLite   = "sqlite3"
)

// DetectDSNType reports whether dsn addresses PostgreSQL or an SQLite file.
func DetectDSNType(dsn string) string {
	d := strings.TrimSpace(dsn)
	if strings.HasPrefix(d, "postgres://") || strings.HasPrefix(d, "postgresql://") || strings.Contains(d, "host=") {
		return DSNTypePostgres
	}
	return DSNTypeSQLite
}

// Open returns the backend matching dsn, or an in-memory store when dsn is empty.
func Open(dsn string) (Store, error) {
	if dsn == "" {
		slog.Debug("store.Open: no DSN provided, using in-memory store")
		return NewInMemoryStore(), nil
	}
	if DetectDSNType(dsn) == DSNTypePostgres {
		slog.Debug("store.Open: detected PostgreSQL DSN")
		return NewPostgresStore(WithPostgresDSN(dsn))
	}
	slog.Debug("store.Open: detected SQLite DSN", "db_path", dsn)
	return NewSQLiteStore(WithSQLiteDSN(dsn))
}

// prepareSave validates cfg and fills revision and timestamps against the
// currently stored config, if any.
func prepareSave(cfg models.BridgeConfig, existing *models.BridgeConfig, now time.Time) (models.BridgeConfig, error) {
	// Stored timestamps carry microsecond precision.
	now = now.Truncate(time.Microsecond)
	out := cfg.Clone()
	out.Instance = strings.TrimSpace(out.Instance)
	if out.Instance == "" {
		out.Instance = models.DefaultInstance
	}
	out.Adapter = models.NormalizeAdapter(out.Adapter)
	if out.DeliveryPolicy == "" {
		out.DeliveryPolicy = models.DeliveryBestEffort
	}
	if existing != nil {
		out.Revision = existing.Revision + 1
		out.CreatedAt = existing.CreatedAt
	} else {
		out.Revision = 1
		out.CreatedAt = now
	}
	out.UpdatedAt = now
	if err := out.Validate(); err != nil {
		return models.BridgeConfig{}, err
	}
	return out, nil
}

func notFound(instance, id string) error {
	return fmt.Errorf("%w: bridge config %s/%s", models.ErrNotFound, instance, id)
}

type configKey struct {
	instance string
	id       string
}

type messageKey struct {
	instance   string
	adapter    string
	bridgeID   string
	externalID string
}

// InMemoryStore is a Store kept in process memory.
type InMemoryStore struct {
	mu       sync.RWMutex
	configs  map[configKey]models.BridgeConfig
	messages []models.Message
	seen     map[messageKey]bool
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		configs: make(map[configKey]models.BridgeConfig),
		seen:    make(map[messageKey]bool),
	}
}

var _ Store = (*InMemoryStore)(nil)

func (s *InMemoryStore) ListBridgeConfigs(_ context.Context, instance string, enabledOnly bool) ([]models.BridgeConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.BridgeConfig, 0)
	for key, cfg := range s.configs {
		if key.instance != instance || (enabledOnly && !cfg.Enabled) {
			continue
		}
		out = append(out, cfg.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) GetBridgeConfig(_ context.Context, instance, id string) (models.BridgeConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[configKey{instance, id}]
	if !ok {
		return models.BridgeConfig{}, notFound(instance, id)
	}
	return cfg.Clone(), nil
}

func (s *InMemoryStore) SaveBridgeConfig(_ context.Context, cfg models.BridgeConfig) (models.BridgeConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := configKey{cfg.Instance, cfg.ID}
	if key.instance == "" {
		key.instance = models.DefaultInstance
	}
	var existing *models.BridgeConfig
	if cur, ok := s.configs[key]; ok {
		existing = &cur
	}
	saved, err := prepareSave(cfg, existing, time.Now().UTC())
	if err != nil {
		return models.BridgeConfig{}, err
	}
	s.configs[key] = saved
	slog.Debug("InMemoryStore.SaveBridgeConfig: saved", "instance", saved.Instance, "bridge_id", saved.ID, "revision", saved.Revision)
	return saved.Clone(), nil
}

func (s *InMemoryStore) DeleteBridgeConfig(_ context.Context, instance, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := configKey{instance, id}
	if _, ok := s.configs[key]; !ok {
		return notFound(instance, id)
	}
	delete(s.configs, key)
	return nil
}

func (s *InMemoryStore) InsertMessage(_ context.Context, msg models.Message) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := messageKey{msg.Instance, msg.Adapter, msg.BridgeID, msg.ExternalID}
	if s.seen[key] {
		return false, nil
	}
	if msg.ID == "" {
		msg.ID = util.NewMessageID()
	}
	s.seen[key] = true
	s.messages = append(s.messages, msg)
	return true, nil
}

func (s *InMemoryStore) ListMessages(_ context.Context, instance, bridgeID string, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Message, 0)
	for i := len(s.messages) - 1; i >= 0; i-- {
		m := s.messages[i]
		if m.Instance != instance || m.BridgeID != bridgeID {
			continue
		}
		out = append(out, m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
