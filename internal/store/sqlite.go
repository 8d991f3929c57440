// Package store provides storage backends for ChatBridge.
//
// This file implements an SQLite-backed store for bridge configs, inbound
// messages and the outbound queue.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/ChatBridge/internal/models"
	"github.com/BTreeMap/ChatBridge/internal/util"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

type SQLiteStore struct {
	db *sql.DB
}

var (
	_ Store      = (*SQLiteStore)(nil)
	_ OutboxRepo = (*SQLiteStore)(nil)
)

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// SQLite allows one writer; a single connection avoids "database is locked".
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		db.Close()
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully", "db_path", dsn)

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) ListBridgeConfigs(ctx context.Context, instance string, enabledOnly bool) ([]models.BridgeConfig, error) {
	query := `SELECT ` + configColumns + ` FROM bridge_configs WHERE instance = ?`
	if enabledOnly {
		query += ` AND enabled = 1`
	}
	query += ` ORDER BY id ASC`

	rows, err := s.db.QueryContext(ctx, query, instance)
	if err != nil {
		slog.Error("SQLiteStore ListBridgeConfigs query failed", "error", err, "instance", instance)
		return nil, fmt.Errorf("failed to query bridge configs: %w", err)
	}
	defer rows.Close()

	configs := make([]models.BridgeConfig, 0)
	for rows.Next() {
		cfg, err := scanBridgeConfig(rows)
		if err != nil {
			slog.Error("SQLiteStore ListBridgeConfigs scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan bridge config row: %w", err)
		}
		configs = append(configs, cfg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate bridge config rows: %w", err)
	}
	slog.Debug("SQLiteStore ListBridgeConfigs succeeded", "instance", instance, "count", len(configs), "enabled_only", enabledOnly)
	return configs, nil
}

func (s *SQLiteStore) GetBridgeConfig(ctx context.Context, instance, id string) (models.BridgeConfig, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+configColumns+` FROM bridge_configs WHERE instance = ? AND id = ?`, instance, id)
	cfg, err := scanBridgeConfig(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.BridgeConfig{}, notFound(instance, id)
	}
	if err != nil {
		slog.Error("SQLiteStore GetBridgeConfig failed", "error", err, "instance", instance, "bridge_id", id)
		return models.BridgeConfig{}, fmt.Errorf("failed to get bridge config: %w", err)
	}
	return cfg, nil
}

func (s *SQLiteStore) SaveBridgeConfig(ctx context.Context, cfg models.BridgeConfig) (models.BridgeConfig, error) {
	if cfg.Instance == "" {
		cfg.Instance = models.DefaultInstance
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.BridgeConfig{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var existing *models.BridgeConfig
	cur, err := scanBridgeConfig(tx.QueryRowContext(ctx, `SELECT `+configColumns+` FROM bridge_configs WHERE instance = ? AND id = ?`, cfg.Instance, cfg.ID))
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
		`INSERT INTO bridge_configs (`+configColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (instance, id) DO UPDATE SET
			adapter = excluded.adapter,
			credentials = excluded.credentials,
			options = excluded.options,
			enabled = excluded.enabled,
			capabilities = excluded.capabilities,
			delivery_policy = excluded.delivery_policy,
			revision = excluded.revision,
			updated_at = excluded.updated_at`,
		args...,
	)
	if err != nil {
		slog.Error("SQLiteStore SaveBridgeConfig failed", "error", err, "instance", saved.Instance, "bridge_id", saved.ID)
		return models.BridgeConfig{}, fmt.Errorf("failed to save bridge config: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return models.BridgeConfig{}, fmt.Errorf("failed to commit bridge config: %w", err)
	}
	slog.Debug("SQLiteStore SaveBridgeConfig succeeded", "instance", saved.Instance, "bridge_id", saved.ID, "revision", saved.Revision)
	return saved, nil
}

func (s *SQLiteStore) DeleteBridgeConfig(ctx context.Context, instance, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM bridge_configs WHERE instance = ? AND id = ?`, instance, id)
	if err != nil {
		slog.Error("SQLiteStore DeleteBridgeConfig failed", "error", err, "instance", instance, "bridge_id", id)
		return fmt.Errorf("failed to delete bridge config: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return notFound(instance, id)
	}
	slog.Debug("SQLiteStore DeleteBridgeConfig succeeded", "instance", instance, "bridge_id", id)
	return nil
}

func (s *SQLiteStore) InsertMessage(ctx context.Context, msg models.Message) (bool, error) {
	if msg.ID == "" {
		msg.ID = util.NewMessageID()
	}
	result, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO inbound_messages (`+messageColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		messageArgs(msg)...,
	)
	if err != nil {
		slog.Error("SQLiteStore InsertMessage failed", "error", err, "bridge_id", msg.BridgeID, "external_id", msg.ExternalID)
		return false, fmt.Errorf("failed to insert message %s: %w", msg.ExternalID, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("message rows affected check failed: %w", err)
	}
	return n > 0, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, instance, bridgeID string, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM inbound_messages WHERE instance = ? AND bridge_id = ?
		 ORDER BY received_at DESC, rowid DESC LIMIT ?`,
		instance, bridgeID, limit,
	)
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

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}

func (s *SQLiteStore) EnqueueOutboxMessage(msg OutboxMessage) (string, error) {
	now := time.Now().UTC()
	if msg.DedupeKey != "" {
		var existingID string
		err := s.db.QueryRow(
			`SELECT id FROM outbox_messages WHERE dedupe_key = ? AND status NOT IN ('sent', 'failed')`,
			msg.DedupeKey,
		).Scan(&existingID)
		if err == nil {
			slog.Debug("SQLiteStore.EnqueueOutboxMessage: dedupe hit", "dedupeKey", msg.DedupeKey, "existingID", existingID)
			return existingID, nil
		}
		if err != sql.ErrNoRows {
			return "", fmt.Errorf("outbox dedupe check failed: %w", err)
		}
	}

	id := util.NewOutboxID()
	_, err := s.db.Exec(
		`INSERT INTO outbox_messages (id, instance, bridge_id, recipient, body, policy, status, attempts, max_attempts, dedupe_key, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, 'queued', 0, ?, ?, ?, ?)`,
		id, msg.Instance, msg.BridgeID, msg.Recipient, msg.Body, string(msg.Policy), MaxAttemptsFor(msg.Policy),
		nilIfEmpty(msg.DedupeKey), now, now,
	)
	if err != nil {
		return "", fmt.Errorf("enqueue outbox message failed: %w", err)
	}
	slog.Debug("SQLiteStore.EnqueueOutboxMessage", "id", id, "bridge_id", msg.BridgeID, "policy", msg.Policy)
	return id, nil
}

func (s *SQLiteStore) ClaimDueOutboxMessages(now time.Time, limit int) ([]OutboxMessage, error) {
	rows, err := s.db.Query(
		`SELECT `+outboxColumns+` FROM outbox_messages
		 WHERE status = 'queued' AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		 ORDER BY created_at ASC LIMIT ?`,
		now.UTC(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim due outbox messages failed: %w", err)
	}

	var msgs []OutboxMessage
	for rows.Next() {
		m, err := scanOutboxMessage(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		msgs = append(msgs, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("claim outbox iteration failed: %w", err)
	}

	lockedAt := now.UTC()
	for i := range msgs {
		_, err := s.db.Exec(
			`UPDATE outbox_messages SET status = 'sending', locked_at = ?, updated_at = ? WHERE id = ?`,
			lockedAt, lockedAt, msgs[i].ID,
		)
		if err != nil {
			return nil, fmt.Errorf("mark outbox sending failed: %w", err)
		}
		msgs[i].Status = OutboxStatusSending
		msgs[i].LockedAt = &lockedAt
	}
	return msgs, nil
}

func (s *SQLiteStore) MarkOutboxMessageSent(id string) error {
	_, err := s.db.Exec(
		`UPDATE outbox_messages SET status = 'sent', attempts = attempts + 1, locked_at = NULL, updated_at = ? WHERE id = ?`,
		time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("mark outbox sent failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) FailOutboxMessage(id string, errMsg string, nextAttemptAt time.Time) error {
	_, err := s.db.Exec(
		`UPDATE outbox_messages SET
			status = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'queued' END,
			attempts = attempts + 1, last_error = ?, next_attempt_at = ?, locked_at = NULL, updated_at = ?
		 WHERE id = ?`,
		errMsg, nextAttemptAt.UTC(), time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("fail outbox message failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) AbandonOutboxMessage(id string, errMsg string) error {
	_, err := s.db.Exec(
		`UPDATE outbox_messages SET status = 'failed', attempts = attempts + 1, last_error = ?,
			next_attempt_at = NULL, locked_at = NULL, updated_at = ?
		 WHERE id = ?`,
		errMsg, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("abandon outbox message failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetOutboxMessage(id string) (OutboxMessage, error) {
	m, err := scanOutboxMessage(s.db.QueryRow(`SELECT `+outboxColumns+` FROM outbox_messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return OutboxMessage{}, fmt.Errorf("%w: outbox message %s", models.ErrNotFound, id)
	}
	return m, err
}

func (s *SQLiteStore) RequeueStaleSendingMessages(staleBefore time.Time) (int, error) {
	now := time.Now().UTC()
	if _, err := s.db.Exec(
		`UPDATE outbox_messages SET status = 'failed', last_error = 'interrupted while sending', locked_at = NULL, updated_at = ?
		 WHERE status = 'sending' AND policy = ? AND locked_at < ?`,
		now, string(models.DeliveryAtMostOnce), staleBefore.UTC(),
	); err != nil {
		return 0, fmt.Errorf("fail stale at-most-once messages failed: %w", err)
	}
	result, err := s.db.Exec(
		`UPDATE outbox_messages SET status = 'queued', locked_at = NULL, updated_at = ? WHERE status = 'sending' AND locked_at < ?`,
		now, staleBefore.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue stale outbox messages failed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n > 0 {
		slog.Info("SQLiteStore.RequeueStaleSendingMessages", "requeued", n)
	}
	return int(n), nil
}
