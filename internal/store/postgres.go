// Package store provides storage backends for ChatBridge.
//
// This file implements a PostgreSQL-backed store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/ChatBridge/internal/models"
	"github.com/BTreeMap/ChatBridge/internal/util"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

type PostgresStore struct {
	db *sql.DB
}

var (
	_ Store      = (*PostgresStore)(nil)
	_ OutboxRepo = (*PostgresStore)(nil)
)

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) ListBridgeConfigs(ctx context.Context, instance string, enabledOnly bool) ([]models.BridgeConfig, error) {
	query := `SELECT ` + configColumns + ` FROM bridge_configs WHERE instance = $1`
	if enabledOnly {
		query += ` AND enabled`
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, instance)
	if err != nil {
		slog.Error("PostgresStore ListBridgeConfigs query failed", "error", err, "instance", instance)
		return nil, fmt.Errorf("failed to query bridge configs: %w", err)
	}
	defer rows.Close()

	configs := make([]models.BridgeConfig, 0)
	for rows.Next() {
		cfg, err := scanBridgeConfig(rows)
		if err != nil {
			slog.Error("PostgresStore ListBridgeConfigs scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan bridge config row: %w", err)
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate bridge config rows: %w", err)
	}
	slog.Debug("PostgresStore ListBridgeConfigs succeeded", "instance", instance, "count", len(configs), "enabled_only", enabledOnly)
	return configs, nil
}

func (s *PostgresStore) GetBridgeConfig(ctx context.Context, instance, id string) (models.BridgeConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+configColumns+` FROM bridge_configs WHERE instance = $1 AND id = $2`, instance, id)
	cfg, err := scanBridgeConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.BridgeConfig{}, notFound(instance, id)
	}
	if err != nil {
		slog.Error("PostgresStore GetBridgeConfig failed", "error", err, "instance", instance, "bridge_id", id)
		return models.BridgeConfig{}, fmt.Errorf("failed to get bridge config: %w", err)
	}
	return cfg, nil
}

func (s *PostgresStore) SaveBridgeConfig(ctx context.Context, cfg models.BridgeConfig) (models.BridgeConfig, error) {
	if cfg.Instance == "" {
		cfg.Instance = models.DefaultInstance
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.BridgeConfig{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing *models.BridgeConfig
	cur, err := scanBridgeConfig(tx.QueryRowContext(ctx,
		`SELECT `+configColumns+` FROM bridge_configs WHERE instance = $1 AND id = $2 FOR UPDATE`, cfg.Instance, cfg.ID))
	switch {
	case err == nil:
		existing = &cur
	case !errors.Is(err, sql.ErrNoRows):
		return models.BridgeConfig{}, fmt.Errorf("failed to load current bridge config: %w", err)
	}

	saved, err := prepareSave(cfg, existing, time.Now().UTC())
	if err != nil {
		return models.BridgeConfig{}, err
	}
	args, err := configArgs(saved)
	if err != nil {
		return models.BridgeConfig{}, err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO bridge_configs (`+configColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		 ON CONFLICT (instance, id) DO UPDATE SET
			adapter = EXCLUDED.adapter,
			credentials = EXCLUDED.credentials,
			options = EXCLUDED.options,
			enabled = EXCLUDED.enabled,
			capabilities = EXCLUDED.capabilities,
			delivery_policy = EXCLUDED.delivery_policy,
			revision = EXCLUDED.revision,
			updated_at = EXCLUDED.updated_at`,
		args...,
	)
	if err != nil {
		slog.Error("PostgresStore SaveBridgeConfig failed", "error", err, "instance", saved.Instance, "bridge_id", saved.ID)
		return models.BridgeConfig{}, fmt.Errorf("failed to save bridge config: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.BridgeConfig{}, fmt.Errorf("failed to commit bridge config: %w", err)
	}
	slog.Debug("PostgresStore SaveBridgeConfig succeeded", "instance", saved.Instance, "bridge_id", saved.ID, "revision", saved.Revision)
	return saved, nil
}

func (s *PostgresStore) DeleteBridgeConfig(ctx context.Context, instance, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM bridge_configs WHERE instance = $1 AND id = $2`, instance, id)
	if err != nil {
		slog.Error("PostgresStore DeleteBridgeConfig failed", "error", err, "instance", instance, "bridge_id", id)
		return fmt.Errorf("failed to delete bridge config: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return notFound(instance, id)
	}
	return nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, msg models.Message) (bool, error) {
	if msg.ID == "" {
		msg.ID = util.NewMessageID()
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT INTO inbound_messages (`+messageColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (instance, adapter, bridge_id, external_id) DO NOTHING`,
		messageArgs(msg)...,
	)
	if err != nil {
		slog.Error("PostgresStore InsertMessage failed", "error", err, "bridge_id", msg.BridgeID, "external_id", msg.ExternalID)
		return false, fmt.Errorf("failed to insert message %s: %w", msg.ExternalID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("message rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (s *PostgresStore) ListMessages(ctx context.Context, instance, bridgeID string, limit int) ([]models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM inbound_messages WHERE instance = $1 AND bridge_id = $2 ORDER BY received_at DESC`
	args := []any{instance, bridgeID}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	defer rows.Close()

	msgs := make([]models.Message, 0)
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate message rows: %w", err)
	}
	return msgs, nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	}
	return err
}

func (s *PostgresStore) EnqueueOutboxMessage(msg OutboxMessage) (string, error) {
	now := time.Now().UTC()
	if msg.DedupeKey != "" {
		var existingID string
		err := s.db.QueryRow(
			`SELECT id FROM outbox_messages WHERE dedupe_key = $1 AND status NOT IN ('sent', 'failed')`,
			msg.DedupeKey,
		).Scan(&existingID)
		if err == nil {
			slog.Debug("PostgresStore.EnqueueOutboxMessage: dedupe hit", "dedupeKey", msg.DedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if err != sql.ErrNoRows {
			return "", fmt.Errorf("outbox dedupe check failed: %w", err)
		}
	}

	id := util.NewOutboxID()
	_, err := s.db.Exec(
		`INSERT INTO outbox_messages (id, instance, bridge_id, recipient, body, policy, status, attempts, max_attempts, dedupe_key, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 'queued', 0, $7, $8, $9, $9)`,
		id, msg.Instance, msg.BridgeID, msg.Recipient, msg.Body, string(msg.Policy), MaxAttemptsFor(msg.Policy),
		nilIfEmpty(msg.DedupeKey), now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue outbox message failed: %w", err)
	}
	slog.Debug("PostgresStore.EnqueueOutboxMessage", "id", id, "bridge_id", msg.BridgeID, "policy", msg.Policy)
	return id, nil
}

func (s *PostgresStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	rows, err := s.db.Query(
		`UPDATE outbox_messages SET status = 'sending', locked_at = $1, updated_at = $1
		 WHERE id IN (
		   SELECT id FROM outbox_messages WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= $1)
		   ORDER BY created_at ASC LIMIT $2
		   FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+outboxColumns,
		now.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
	}
	defer rows.Close()

	var msgs []OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim outbox iteration failed: %w", err)
	}
	return msgs, nil
}

func (s *PostgresStore) MarkOutboxMessageSent(id string) error {
	_, err := s.db.Exec(
		`UPDATE outbox_messages SET status = 'sent', attempts = attempts + 1, locked_at = NULL, updated_at = $1 WHERE id = $2`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox sent failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE outbox_messages SET
			status = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'queued' END,
			attempts = attempts + 1, last_error = $1, next_attempt_at = $2, locked_at = NULL, updated_at = $3
		 WHERE id = $4`,
		errMsg, nextAttemptAt.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("fail outbox message failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) AbandonOutboxMessage(id string, errMsg string) error {
	_, err := s.db.Exec(
		`UPDATE outbox_messages SET status = 'failed', attempts = attempts + 1, last_error = $1,
			next_attempt_at = NULL, locked_at = NULL, updated_at = $2
		 WHERE id = $3`,
		errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("abandon outbox message failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetOutboxMessage(id string) (OutboxMessage, error) {
	m, err := scanOutboxMessage(s.db.QueryRow(`SELECT `+outboxColumns+` FROM outbox_messages WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return OutboxMessage{}, fmt.Errorf("%w: outbox message %s", models.ErrNotFound, id)
	}
	return m, err
}

func (s *PostgresStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	now := time.Now().UTC()
	if _, err := s.db.Exec(
		`UPDATE outbox_messages SET status = 'failed', last_error = 'interrupted while sending', locked_at = NULL, updated_at = $1
		 WHERE status = 'sending' AND policy = $2 AND locked_at < $3`,
		now, string(models.DeliveryAtMostOnce), staleBefore.UTC(),
	); err != nil {
		return 0, fmt.Errorf("fail stale at-most-once messages failed: %w", err)
	}
	result, err := s.db.Exec(
		`UPDATE outbox_messages SET status = 'queued', locked_at = NULL, updated_at = $1 WHERE status = 'sending' AND locked_at < $2`,
		now, staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("PostgresStore.RequeueStaleSendingMessages", "requeued", n)
	}
	return int(n), nil
}
