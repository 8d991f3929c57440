// Package whatsapp adapts a whatsmeow WhatsApp Web session to ChatBridge.
//
// Each bridge owns one paired device. Its listener keeps the session
// connected and emits every inbound text message to the routing pipeline;
// outbound text reuses the connected session.
package whatsapp

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/BTreeMap/ChatBridge/internal/adapter"
	"github.com/BTreeMap/ChatBridge/internal/models"
	"github.com/BTreeMap/ChatBridge/internal/store"
)

// ChannelType is the adapter identity.
const ChannelType = "whatsapp"

// Constants for WhatsApp sessions
const (
	// JIDSuffix is the WhatsApp JID suffix for regular users
	JIDSuffix = "s.whatsapp.net"
	// ListenerName names the session listener of a bridge.
	ListenerName = "whatsmeow"
	// OptionDBDSN overrides the session database of a bridge.
	OptionDBDSN = "db_dsn"
)

var (
	// ErrWebhookUnsupported is returned for webhook calls; WhatsApp Web sessions push events over their socket.
	ErrWebhookUnsupported = fmt.Errorf("%w: whatsapp bridges do not accept webhooks", models.ErrWebhookVerification)
	// ErrNotConnected is returned when sending on a bridge without a live session.
	ErrNotConnected = errors.New("whatsapp session not connected")
	// ErrLoggedOut is returned by the listener when the device was unpaired.
	ErrLoggedOut = errors.New("whatsapp device logged out")
)

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// session is the subset of *whatsmeow.Client the adapter drives.
type session interface {
	Disconnect()
	SendMessage(ctx context.Context, to types.JID, message *waE2E.Message, extra ...whatsmeow.SendRequestExtra) (whatsmeow.SendResponse, error)
}

// dialFunc opens and connects the session of a bridge. handler receives every
// whatsmeow event and is registered before the connection is made.
type dialFunc func(ctx context.Context, cfg models.BridgeConfig, handler whatsmeow.EventHandler) (session, error)

// Opts holds configuration options for the adapter.
type Opts struct {
	DBDSN       string // shared whatsmeow database; per-bridge files are used when empty
	StateDir    string // directory for per-bridge session databases
	QRPath      string // path to write login QR codes
	NumericCode bool   // print the raw pairing code instead of a QR code
}

// Option defines a configuration option for the adapter.
type Option func(*Opts)

// WithDBDSN sets the whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithStateDir sets where per-bridge session databases are created.
func WithStateDir(dir string) Option {
	return func(o *Opts) {
		o.StateDir = dir
	}
}

// WithQRCodeOutput writes login QR codes to the specified path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode prints the pairing code instead of a QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Adapter implements adapter.Adapter, adapter.ListenerProvider and
// adapter.Sender on top of whatsmeow.
type Adapter struct {
	opts Opts
	dial dialFunc

	mu       sync.RWMutex
	sessions map[string]session
}

var (
	_ adapter.Adapter          = (*Adapter)(nil)
	_ adapter.ListenerProvider = (*Adapter)(nil)
	_ adapter.Sender           = (*Adapter)(nil)
	_ adapter.ChannelTyper     = (*Adapter)(nil)
)

// NewAdapter creates the WhatsApp adapter.
func NewAdapter(opts ...Option) *Adapter {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("whatsapp.NewAdapter: options set", "DBDSN_set", cfg.DBDSN != "", "StateDir", cfg.StateDir, "QRPath_set", cfg.QRPath != "", "NumericCode", cfg.NumericCode)
	a := &Adapter{opts: cfg, sessions: make(map[string]session)}
	a.dial = a.dialWhatsmeow
	return a
}

func (a *Adapter) ChannelType() string { return ChannelType }

func (a *Adapter) Capabilities() map[string]bool {
	return map[string]bool{"send_text": true, "webhook": false, "listeners": true}
}

func sessionKey(cfg models.BridgeConfig) string {
	return cfg.Instance + "/" + cfg.ID
}

// Listeners returns the session listener of the bridge. The listener is
// restarted whenever the session drops.
func (a *Adapter) Listeners(cfg models.BridgeConfig, emit adapter.EmitFunc) ([]adapter.ListenerSpec, error) {
	return []adapter.ListenerSpec{{
		Name:    ListenerName,
		Restart: adapter.RestartPermanent,
		Run:     a.runSession(cfg, emit),
	}}, nil
}

func (a *Adapter) runSession(cfg models.BridgeConfig, emit adapter.EmitFunc) func(ctx context.Context) error {
	return func(ctx context.Context) error {
		loggedOut := make(chan struct{}, 1)
		handler := func(evt any) {
			switch v := evt.(type) {
			case *events.Message:
				a.handleMessage(ctx, cfg, emit, v)
			case *events.LoggedOut:
				select {
				case loggedOut <- struct{}{}:
				default:
				}
			default:
				slog.Debug("Adapter.runSession: ignoring event", "bridge_id", cfg.ID, "type", fmt.Sprintf("%T", v))
			}
		}

		sess, err := a.dial(ctx, cfg, handler)
		if err != nil {
			return err
		}
		key := sessionKey(cfg)
		a.mu.Lock()
		a.sessions[key] = sess
		a.mu.Unlock()
		slog.Info("Adapter.runSession: session connected", "instance", cfg.Instance, "bridge_id", cfg.ID)

		defer func() {
			a.mu.Lock()
			if a.sessions[key] == sess {
				delete(a.sessions, key)
			}
			a.mu.Unlock()
			sess.Disconnect()
			slog.Debug("Adapter.runSession: session disconnected", "instance", cfg.Instance, "bridge_id", cfg.ID)
		}()

		select {
		case <-ctx.Done():
			return nil
		case <-loggedOut:
			slog.Warn("Adapter.runSession: device logged out", "instance", cfg.Instance, "bridge_id", cfg.ID)
			return ErrLoggedOut
		}
	}
}

func (a *Adapter) handleMessage(ctx context.Context, cfg models.BridgeConfig, emit adapter.EmitFunc, evt *events.Message) {
	payload, ok := MessagePayload(evt)
	if !ok {
		return
	}
	if err := emit(ctx, payload); err != nil {
		slog.Warn("Adapter.handleMessage: emit failed", "bridge_id", cfg.ID, "message_id", payload[models.PayloadKeyID], "error", err)
	}
}

// MessagePayload converts an inbound text message into a listener payload.
// Own messages and messages without text are skipped.
func MessagePayload(evt *events.Message) (map[string]any, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe {
		return nil, false
	}
	var text string
	switch {
	case evt.Message.GetConversation() != "":
		text = evt.Message.GetConversation()
	case evt.Message.GetExtendedTextMessage().GetText() != "":
		text = evt.Message.GetExtendedTextMessage().GetText()
	default:
		slog.Debug("whatsapp.MessagePayload: ignoring non-text message", "from", evt.Info.Sender.String())
		return nil, false
	}

	sender := evt.Info.Sender.User
	if sender != "" && !strings.HasPrefix(sender, "+") {
		sender = "+" + sender
	}
	in := models.Incoming{
		ExternalID: string(evt.Info.ID),
		ChannelID:  evt.Info.Chat.String(),
		SenderID:   sender,
		SenderName: evt.Info.PushName,
		Text:       text,
		SentAt:     evt.Info.Timestamp,
	}
	if evt.Info.IsGroup {
		in.Metadata = map[string]any{"is_group": true}
	}
	return in.ToPayload(), true
}

// VerifyWebhook rejects every webhook.
func (a *Adapter) VerifyWebhook(context.Context, models.BridgeConfig, *models.WebhookRequest) error {
	return ErrWebhookUnsupported
}

// ParseEvent never produces events; see VerifyWebhook.
func (a *Adapter) ParseEvent(context.Context, models.BridgeConfig, *models.WebhookRequest) (*models.CanonicalEvent, error) {
	return nil, nil
}

// TransformIncoming reads a payload produced by MessagePayload.
func (a *Adapter) TransformIncoming(_ context.Context, _ models.BridgeConfig, payload map[string]any) (models.Incoming, error) {
	return models.IncomingFromEvent(models.CanonicalEvent{Payload: payload})
}

// SendText sends body through the bridge's connected session. to is a phone
// number or a full JID.
func (a *Adapter) SendText(ctx context.Context, cfg models.BridgeConfig, to, body string) error {
	if body == "" {
		return fmt.Errorf("message body cannot be empty")
	}
	jid, err := recipientJID(to)
	if err != nil {
		return err
	}
	a.mu.RLock()
	sess, ok := a.sessions[sessionKey(cfg)]
	a.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: bridge %s", ErrNotConnected, cfg.ID)
	}

	if _, err := sess.SendMessage(ctx, jid, &waE2E.Message{Conversation: &body}); err != nil {
		slog.Error("Adapter.SendText: send failed", "bridge_id", cfg.ID, "to", jid.String(), "error", err)
		return fmt.Errorf("failed to send message to %s: %w", jid.String(), err)
	}
	slog.Debug("Adapter.SendText: message sent", "bridge_id", cfg.ID, "to", jid.String(), "body_length", len(body))
	return nil
}

func recipientJID(to string) (types.JID, error) {
	to = strings.TrimSpace(to)
	if to == "" {
		return types.JID{}, fmt.Errorf("recipient cannot be empty")
	}
	if strings.Contains(to, "@") {
		return types.ParseJID(to)
	}
	digits := phoneNumberRegex.ReplaceAllString(to, "")
	if len(digits) < 6 {
		return types.JID{}, fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", digits)
	}
	return types.NewJID(digits, JIDSuffix), nil
}

// sessionDSN picks the whatsmeow database of a bridge. shared reports a
// database other bridges may use too.
func (a *Adapter) sessionDSN(cfg models.BridgeConfig) (dsn string, shared bool) {
	if dsn := cfg.OptionString(OptionDBDSN, ""); dsn != "" {
		return dsn, true
	}
	if a.opts.DBDSN != "" {
		return a.opts.DBDSN, true
	}
	name := fmt.Sprintf("whatsmeow-%s-%s.db", cfg.Instance, cfg.ID)
	return "file:" + filepath.Join(a.opts.StateDir, name) + "?_foreign_keys=on", false
}

// dialWhatsmeow opens the session database, pairs the device if needed and
// connects. The returned session closes the database on Disconnect.
func (a *Adapter) dialWhatsmeow(ctx context.Context, cfg models.BridgeConfig, handler whatsmeow.EventHandler) (_ session, err error) {
	dsn, shared := a.sessionDSN(cfg)
	driver := store.DetectDSNType(dsn)
	if driver == store.DSNTypeSQLite && !strings.Contains(dsn, "foreign_keys") {
		slog.Warn("SQLite database for WhatsApp does not appear to have foreign keys enabled. "+
			"The whatsmeow library strongly recommends enabling foreign keys for data integrity.",
			"dsn_example", "file:"+dsn+"?_foreign_keys=on")
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open WhatsApp database: %w", err)
	}
	container := sqlstore.NewWithDB(db, driver, waLog.Stdout("Database", "INFO", true))
	defer func() {
		if err != nil {
			container.Close()
		}
	}()
	if err := container.Upgrade(ctx); err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp database store: %w", err)
	}

	var dir *deviceDirectory
	if shared {
		if dir, err = newDeviceDirectory(ctx, db, driver); err != nil {
			return nil, err
		}
	}
	device, err := selectDevice(ctx, container, dir, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to get device from WhatsApp store: %w", err)
	}

	client := whatsmeow.NewClient(device, waLog.Stdout("Client", "INFO", true))
	client.AddEventHandler(handler)
	if dir != nil {
		client.AddEventHandler(func(evt any) {
			if paired, ok := evt.(*events.PairSuccess); ok {
				if err := dir.Remember(context.Background(), cfg.Instance, cfg.ID, paired.ID); err != nil {
					slog.Error("Adapter.dialWhatsmeow: failed to record paired device", "bridge_id", cfg.ID, "jid", paired.ID.String(), "error", err)
				}
			}
		})
	}

	if client.Store.ID == nil {
		slog.Info("Adapter.dialWhatsmeow: login required; starting QR code flow", "bridge_id", cfg.ID)
		qrChan, err := client.GetQRChannel(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to open QR channel: %w", err)
		}
		if err := client.Connect(); err != nil {
			return nil, fmt.Errorf("failed to connect to WhatsApp during login: %w", err)
		}
		go a.renderLogin(cfg, qrChan)
		return &closingSession{session: client, db: container}, nil
	}

	if err := client.Connect(); err != nil {
		return nil, fmt.Errorf("failed to connect to WhatsApp server: %w", err)
	}
	return &closingSession{session: client, db: container}, nil
}

// renderLogin prints pairing codes until the QR channel closes.
func (a *Adapter) renderLogin(cfg models.BridgeConfig, qrChan <-chan whatsmeow.QRChannelItem) {
	writer := io.Writer(os.Stdout)
	if a.opts.QRPath != "" {
		f, err := os.Create(a.opts.QRPath)
		if err != nil {
			slog.Error("Adapter.renderLogin: failed to create QR file", "error", err)
		} else {
			defer f.Close()
			writer = f
		}
	}
	for evt := range qrChan {
		if evt.Event == "code" {
			fmt.Fprintf(writer, "WhatsApp login for bridge %s:\n", cfg.ID)
			if a.opts.NumericCode {
				fmt.Fprintln(writer, evt.Code)
			} else {
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, writer)
			}
			continue
		}
		slog.Info("Adapter.renderLogin: login event", "bridge_id", cfg.ID, "event", evt.Event)
	}
}
