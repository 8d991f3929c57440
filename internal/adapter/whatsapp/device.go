package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	wastore "go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/types"

	"github.com/BTreeMap/ChatBridge/internal/models"
	"github.com/BTreeMap/ChatBridge/internal/store"
)

// deviceStore is the subset of *sqlstore.Container used to pick a device.
type deviceStore interface {
	GetFirstDevice(ctx context.Context) (*wastore.Device, error)
	GetDevice(ctx context.Context, jid types.JID) (*wastore.Device, error)
	NewDevice() *wastore.Device
}

// deviceDirectory remembers which paired device belongs to which bridge in a
// whatsmeow database shared by several bridges.
type deviceDirectory struct {
	db      *sql.DB
	dialect string
}

const createDeviceTable = `CREATE TABLE IF NOT EXISTS chatbridge_whatsapp_devices (
	instance   TEXT NOT NULL,
	bridge_id  TEXT NOT NULL,
	jid        TEXT NOT NULL,
	updated_at TIMESTAMP NOT NULL,
	PRIMARY KEY (instance, bridge_id)
)`

// newDeviceDirectory creates the mapping table in db if needed.
func newDeviceDirectory(ctx context.Context, db *sql.DB, dialect string) (*deviceDirectory, error) {
	if _, err := db.ExecContext(ctx, createDeviceTable); err != nil {
		return nil, fmt.Errorf("failed to create whatsapp device table: %w", err)
	}
	return &deviceDirectory{db: db, dialect: dialect}, nil
}

// rebind rewrites ? placeholders to $n for Postgres.
func (d *deviceDirectory) rebind(query string) string {
	if d.dialect != store.DSNTypePostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Lookup returns the device JID recorded for a bridge.
func (d *deviceDirectory) Lookup(ctx context.Context, instance, bridgeID string) (types.JID, bool, error) {
	var raw string
	err := d.db.QueryRowContext(ctx,
		d.rebind(`SELECT jid FROM chatbridge_whatsapp_devices WHERE instance = ? AND bridge_id = ?`),
		instance, bridgeID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return types.JID{}, false, nil
	}
	if err != nil {
		return types.JID{}, false, fmt.Errorf("failed to look up whatsapp device: %w", err)
	}
	jid, err := types.ParseJID(raw)
	if err != nil {
		return types.JID{}, false, fmt.Errorf("invalid whatsapp device jid %q: %w", raw, err)
	}
	return jid, true, nil
}

// Remember records jid as the device of a bridge, replacing any earlier one.
func (d *deviceDirectory) Remember(ctx context.Context, instance, bridgeID string, jid types.JID) error {
	_, err := d.db.ExecContext(ctx,
		d.rebind(`INSERT INTO chatbridge_whatsapp_devices (instance, bridge_id, jid, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT (instance, bridge_id) DO UPDATE SET jid = excluded.jid, updated_at = excluded.updated_at`),
		instance, bridgeID, jid.String(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to record whatsapp device: %w", err)
	}
	return nil
}

// selectDevice picks the device a bridge logs in with. Without a directory
// the database belongs to the bridge alone and its first device is used.
// Otherwise the bridge gets the device recorded for it, or a new unpaired
// one so it never takes over another bridge's login.
func selectDevice(ctx context.Context, devices deviceStore, dir *deviceDirectory, cfg models.BridgeConfig) (*wastore.Device, error) {
	if dir == nil {
		return devices.GetFirstDevice(ctx)
	}
	jid, ok, err := dir.Lookup(ctx, cfg.Instance, cfg.ID)
	if err != nil {
		return nil, err
	}
	if ok {
		device, err := devices.GetDevice(ctx, jid)
		if err != nil {
			return nil, fmt.Errorf("failed to load whatsapp device %s: %w", jid, err)
		}
		if device != nil {
			return device, nil
		}
		slog.Warn("whatsapp.selectDevice: recorded device no longer paired; starting a new login", "instance", cfg.Instance, "bridge_id", cfg.ID, "jid", jid.String())
	}
	return devices.NewDevice(), nil
}

// closingSession releases the session database once the client disconnects.
type closingSession struct {
	session
	db io.Closer
}

func (s *closingSession) Disconnect() {
	s.session.Disconnect()
	if err := s.db.Close(); err != nil {
		slog.Warn("whatsapp.closingSession: failed to close session database", "error", err)
	}
}
