package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/BTreeMap/ChatBridge/internal/adapter"
	"github.com/BTreeMap/ChatBridge/internal/adapter/twilio"
	"github.com/BTreeMap/ChatBridge/internal/adapter/whatsapp"
	"github.com/BTreeMap/ChatBridge/internal/api"
	"github.com/BTreeMap/ChatBridge/internal/bridge"
	"github.com/BTreeMap/ChatBridge/internal/canonical"
	"github.com/BTreeMap/ChatBridge/internal/ingest"
	"github.com/BTreeMap/ChatBridge/internal/lockfile"
	"github.com/BTreeMap/ChatBridge/internal/models"
	"github.com/BTreeMap/ChatBridge/internal/reconcile"
	"github.com/BTreeMap/ChatBridge/internal/router"
	"github.com/BTreeMap/ChatBridge/internal/scheduler"
	"github.com/BTreeMap/ChatBridge/internal/store"
	"github.com/BTreeMap/ChatBridge/internal/util"
)

// Default configuration constants
const (
	// DefaultStateDir is the default directory for ChatBridge state data
	DefaultStateDir = "/var/lib/chatbridge"
	// DefaultDBFileName is the default SQLite database filename
	DefaultDBFileName = "chatbridge.db"
	// DefaultDedupTTL is how long a message id is remembered in memory
	DefaultDedupTTL = 10 * time.Minute
	// DefaultDedupSweepInterval is how often expired dedup entries are purged
	DefaultDedupSweepInterval = time.Minute
	// DefaultOutboxPollInterval is how often queued sends are claimed
	DefaultOutboxPollInterval = 2 * time.Second
	// ShutdownTimeout bounds graceful shutdown
	ShutdownTimeout = 15 * time.Second
)

func main() {
	// Initialize structured logger
	initializeLogger()

	// Load environment configuration
	config := loadEnvironmentConfig()

	// Parse command line flags
	flags := parseCommandLineFlags(config)

	slog.Info("Bootstrapping ChatBridge")
	slog.Debug("Final configuration", "state_dir", *flags.stateDir, "dsn_set", *flags.dbDSN != "", "api_addr", *flags.apiAddr, "instances", flags.instanceList())
	if err := run(flags); err != nil {
		slog.Error("ChatBridge failed to run", "error", err)
		os.Exit(1)
	}
	slog.Info("ChatBridge exited successfully")
}

// Config holds environment configuration
type Config struct {
	StateDir           string
	DatabaseURL        string
	APIAddr            string
	Instances          []string
	ReconcileSchedule  string
	DedupTTL           time.Duration
	DedupSweepInterval time.Duration
	OpenAIKey          string
	ModerationEnabled  bool
	WhatsAppDSN        string
}

// Flags holds command line flag values
type Flags struct {
	qrOutput          *string
	numeric           *bool
	stateDir          *string
	dbDSN             *string
	whatsappDSN       *string
	apiAddr           *string
	instances         *string
	reconcileSchedule *string
	dedupTTL          *time.Duration
	dedupSweep        *time.Duration
	openaiKey         *string
	moderation        *bool
}

func (f Flags) instanceList() []string {
	list := util.SplitList(*f.instances)
	if len(list) == 0 {
		return []string{models.DefaultInstance}
	}
	return list
}

// initializeLogger sets up structured logging with debug level
func initializeLogger() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)
}

// loadEnvironmentConfig loads configuration from environment variables and .env file
func loadEnvironmentConfig() Config {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	} else {
		slog.Debug("successfully loaded .env file")
	}

	config := Config{
		StateDir:           os.Getenv("CHATBRIDGE_STATE_DIR"),
		DatabaseURL:        os.Getenv("DATABASE_URL"),
		APIAddr:            os.Getenv("API_ADDR"),
		Instances:          util.ParseListEnv("CHATBRIDGE_INSTANCES", []string{models.DefaultInstance}),
		ReconcileSchedule:  os.Getenv("RECONCILE_SCHEDULE"),
		DedupTTL:           util.ParseDurationEnv("DEDUP_TTL", DefaultDedupTTL),
		DedupSweepInterval: util.ParseDurationEnv("DEDUP_SWEEP_INTERVAL", DefaultDedupSweepInterval),
		OpenAIKey:          os.Getenv("OPENAI_API_KEY"),
		ModerationEnabled:  util.ParseBoolEnv("MODERATION_ENABLED", false),
		WhatsAppDSN:        os.Getenv("WHATSAPP_DB_DSN"),
	}

	if config.StateDir == "" {
		config.StateDir = DefaultStateDir
		slog.Debug("No CHATBRIDGE_STATE_DIR set, using default", "default_state_dir", config.StateDir)
	}
	if config.APIAddr == "" {
		config.APIAddr = api.DefaultAddr
	}
	if config.ReconcileSchedule == "" {
		config.ReconcileSchedule = scheduler.DefaultReconcileSchedule
	}
	// If no database URL is provided, default to SQLite in the state directory
	if config.DatabaseURL == "" {
		config.DatabaseURL = filepath.Join(config.StateDir, DefaultDBFileName)
		slog.Debug("No DATABASE_URL provided, defaulting to SQLite", "sqlite_path", config.DatabaseURL)
	}

	slog.Debug("environment variables loaded",
		"CHATBRIDGE_STATE_DIR", config.StateDir,
		"DATABASE_URL_TYPE", store.DetectDSNType(config.DatabaseURL),
		"API_ADDR", config.APIAddr,
		"CHATBRIDGE_INSTANCES", config.Instances,
		"RECONCILE_SCHEDULE", config.ReconcileSchedule,
		"DEDUP_TTL", config.DedupTTL,
		"OPENAI_API_KEY_SET", config.OpenAIKey != "",
		"MODERATION_ENABLED", config.ModerationEnabled,
		"WHATSAPP_DB_DSN_SET", config.WhatsAppDSN != "")

	return config
}

// parseCommandLineFlags parses command line arguments with environment defaults
func parseCommandLineFlags(config Config) Flags {
	return parseFlagSet(flag.CommandLine, os.Args[1:], config)
}

func parseFlagSet(fs *flag.FlagSet, args []string, config Config) Flags {
	defaultDSN := config.DatabaseURL
	flags := Flags{
		qrOutput:          fs.String("qr-output", "", "path to write WhatsApp login QR codes"),
		numeric:           fs.Bool("numeric-code", false, "use numeric login code instead of QR code"),
		stateDir:          fs.String("state-dir", config.StateDir, "state directory for ChatBridge data (overrides $CHATBRIDGE_STATE_DIR)"),
		dbDSN:             fs.String("db-dsn", config.DatabaseURL, "database DSN for configs, messages and the outbox (overrides $DATABASE_URL)"),
		whatsappDSN:       fs.String("whatsapp-db-dsn", config.WhatsAppDSN, "shared whatsmeow session database (overrides $WHATSAPP_DB_DSN)"),
		apiAddr:           fs.String("api-addr", config.APIAddr, "API server address (overrides $API_ADDR)"),
		instances:         fs.String("instances", strings.Join(config.Instances, ","), "comma-separated instances served by this process (overrides $CHATBRIDGE_INSTANCES)"),
		reconcileSchedule: fs.String("reconcile-schedule", config.ReconcileSchedule, "cron schedule for periodic reconciliation (overrides $RECONCILE_SCHEDULE)"),
		dedupTTL:          fs.Duration("dedup-ttl", config.DedupTTL, "in-memory dedup window (overrides $DEDUP_TTL)"),
		dedupSweep:        fs.Duration("dedup-sweep-interval", config.DedupSweepInterval, "dedup sweep interval (overrides $DEDUP_SWEEP_INTERVAL)"),
		openaiKey:         fs.String("openai-api-key", config.OpenAIKey, "OpenAI API key (overrides $OPENAI_API_KEY)"),
		moderation:        fs.Bool("moderation", config.ModerationEnabled, "classify flagged messages as moderated (overrides $MODERATION_ENABLED)"),
	}
	if err := fs.Parse(args); err != nil {
		slog.Error("failed to parse flags", "error", err)
	}

	// Follow a state directory override when the DSN was the derived default.
	if *flags.dbDSN == defaultDSN && defaultDSN == filepath.Join(config.StateDir, DefaultDBFileName) && *flags.stateDir != config.StateDir {
		*flags.dbDSN = filepath.Join(*flags.stateDir, DefaultDBFileName)
		slog.Debug("Updated dbDSN based on state directory", "new_state_dir", *flags.stateDir)
	}

	slog.Debug("flags parsed",
		"qrOutput", *flags.qrOutput,
		"numeric", *flags.numeric,
		"stateDir", *flags.stateDir,
		"dbDSN_set", *flags.dbDSN != "",
		"apiAddr", *flags.apiAddr,
		"instances", *flags.instances,
		"reconcileSchedule", *flags.reconcileSchedule,
		"moderation", *flags.moderation)
	return flags
}

// buildWhatsAppOptions constructs WhatsApp adapter options
func buildWhatsAppOptions(flags Flags) []whatsapp.Option {
	waOpts := []whatsapp.Option{whatsapp.WithStateDir(*flags.stateDir)}
	if *flags.qrOutput != "" {
		waOpts = append(waOpts, whatsapp.WithQRCodeOutput(*flags.qrOutput))
	}
	if *flags.numeric {
		waOpts = append(waOpts, whatsapp.WithNumericCode())
	}
	if *flags.whatsappDSN != "" {
		waOpts = append(waOpts, whatsapp.WithDBDSN(*flags.whatsappDSN))
	}
	return waOpts
}

// buildEngineOptions constructs the canonicalization rule chain
func buildEngineOptions(flags Flags) []canonical.Option {
	if !*flags.moderation {
		return nil
	}
	rule, err := canonical.NewModerationRule(canonical.WithAPIKey(*flags.openaiKey))
	if err != nil {
		slog.Warn("Moderation requested but unavailable, continuing without it", "error", err)
		return nil
	}
	return []canonical.Option{canonical.WithRule(rule)}
}

// buildAPIOptions constructs API server options
func buildAPIOptions(flags Flags, st store.Store) []api.Option {
	return []api.Option{
		api.WithAddr(*flags.apiAddr),
		api.WithInstances(flags.instanceList()),
		api.WithMessageRepo(st),
	}
}

// ensureDirectoriesExist creates the state directory and the SQLite parent directory.
func ensureDirectoriesExist(flags Flags) error {
	if err := os.MkdirAll(*flags.stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory %s: %w", *flags.stateDir, err)
	}
	if *flags.dbDSN != "" && store.DetectDSNType(*flags.dbDSN) == store.DSNTypeSQLite {
		if err := os.MkdirAll(filepath.Dir(*flags.dbDSN), 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	return nil
}

// run wires every module and blocks until SIGINT/SIGTERM or a server failure.
func run(flags Flags) error {
	if err := ensureDirectoriesExist(flags); err != nil {
		return err
	}
	instances := flags.instanceList()

	locks, err := lockfile.AcquireAll(*flags.stateDir, instances)
	if err != nil {
		return err
	}
	defer lockfile.ReleaseAll(locks)

	st, err := store.Open(*flags.dbDSN)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer st.Close()

	registry := adapter.NewRegistry(
		twilio.NewAdapter(),
		whatsapp.NewAdapter(buildWhatsAppOptions(flags)...),
	)
	slog.Debug("Adapters registered", "adapters", registry.Names())

	mgr := bridge.NewManager(registry)
	ingestor := ingest.NewService(st, ingest.WithDedupTTL(*flags.dedupTTL), ingest.WithSweepInterval(*flags.dedupSweep))
	defer ingestor.Close()

	engine := canonical.NewEngine(buildEngineOptions(flags)...)
	pipe := router.NewPipeline(st, registry, engine, ingestor, router.WithHealthRecorder(mgr))
	mgr.SetSink(pipe.Emit)
	ctrl := reconcile.NewController(st, mgr)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	for _, inst := range instances {
		report := ctrl.Reconcile(ctx, inst)
		slog.Info("Initial reconciliation done", "instance", inst, "changed", report.Changed(), "failed", len(report.Failed()))
	}

	sched := scheduler.NewScheduler()
	defer sched.Stop()
	if err := sched.AddReconcileJobs(*flags.reconcileSchedule, ctrl, instances); err != nil {
		return err
	}

	apiOpts := buildAPIOptions(flags, st)
	if outbox, ok := st.(store.OutboxRepo); ok {
		sender := store.NewOutboxSender(outbox, func(ctx context.Context, msg store.OutboxMessage) error {
			return mgr.SendText(ctx, msg.Instance, msg.BridgeID, msg.Recipient, msg.Body)
		}, store.WithPollInterval(DefaultOutboxPollInterval))
		if err := sender.RecoverStaleMessages(); err != nil {
			slog.Warn("Outbox recovery failed", "error", err)
		}
		go sender.Run(ctx)
		apiOpts = append(apiOpts, api.WithOutbox(outbox))
	} else {
		slog.Info("Store has no outbox, sends are delivered inline")
	}

	srv := api.NewServer(st, mgr, pipe, ctrl, apiOpts...)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Start() }()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("Shutdown signal received")
	case err := <-serveErr:
		runErr = err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("API shutdown incomplete", "error", err)
	}
	if err := mgr.StopAll(shutdownCtx); err != nil {
		slog.Warn("Some bridges did not stop cleanly", "error", err)
	}
	return runErr
}
