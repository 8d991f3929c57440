// Package api provides the HTTP surface of ChatBridge.
//
// It exposes bridge administration (configs, status, reconciliation), the
// inbound webhook and payload endpoints and outbound sends. Every response
// uses the {"status": "ok"|"error", ...} envelope.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/ChatBridge/internal/models"
	"github.com/BTreeMap/ChatBridge/internal/reconcile"
	"github.com/BTreeMap/ChatBridge/internal/router"
	"github.com/BTreeMap/ChatBridge/internal/store"
)

// Default server configuration constants
const (
	DefaultAddr         = ":8080"
	DefaultMaxBodyBytes = 1 << 20
	DefaultListLimit    = 50
)

// Bridges is the subset of the bridge manager the API uses.
type Bridges interface {
	ListBridges(instance string) []models.BridgeStatus
	Status(instance, bridgeID string) (models.BridgeStatus, error)
	SendText(ctx context.Context, instance, bridgeID, to, body string) error
}

// Router routes inbound traffic.
type Router interface {
	RouteWebhook(ctx context.Context, instance, bridgeID string, body []byte, opts router.WebhookOptions) (router.Result, error)
	RoutePayload(ctx context.Context, instance, bridgeID string, payload map[string]any, opts router.PayloadOptions) (router.Result, error)
}

// Reconciler converges running bridges.
type Reconciler interface {
	Reconcile(ctx context.Context, instance string) reconcile.Report
}

// Opts holds configuration options for the Server.
type Opts struct {
	Addr         string
	Instances    []string
	MaxBodyBytes int64
	Messages     store.MessageRepo
	Outbox       store.OutboxRepo
}

// Option defines a configuration option for the Server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// WithInstances lists the instances served by this process.
func WithInstances(instances []string) Option {
	return func(o *Opts) {
		o.Instances = instances
	}
}

// WithMaxBodyBytes limits request body sizes.
func WithMaxBodyBytes(n int64) Option {
	return func(o *Opts) {
		o.MaxBodyBytes = n
	}
}

// WithMessageRepo enables listing stored inbound messages.
func WithMessageRepo(repo store.MessageRepo) Option {
	return func(o *Opts) {
		o.Messages = repo
	}
}

// WithOutbox makes outbound sends durable: they are queued instead of sent inline.
func WithOutbox(repo store.OutboxRepo) Option {
	return func(o *Opts) {
		o.Outbox = repo
	}
}

// Server serves the ChatBridge HTTP API.
type Server struct {
	configs    store.ConfigStore
	bridges    Bridges
	router     Router
	reconciler Reconciler
	opts       Opts

	instances map[string]bool
	httpSrv   *http.Server
}

// NewServer creates an API server.
func NewServer(configs store.ConfigStore, bridges Bridges, rt Router, reconciler Reconciler, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultAddr, MaxBodyBytes: DefaultMaxBodyBytes}
	for _, opt := range opts {
		opt(&cfg)
	}
	if len(cfg.Instances) == 0 {
		cfg.Instances = []string{models.DefaultInstance}
	}
	s := &Server{
		configs:    configs,
		bridges:    bridges,
		router:     rt,
		reconciler: reconciler,
		opts:       cfg,
		instances:  make(map[string]bool, len(cfg.Instances)),
	}
	for _, inst := range cfg.Instances {
		s.instances[inst] = true
	}
	s.httpSrv = &http.Server{
		Addr:              cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Debug("api.NewServer: server configured", "addr", cfg.Addr, "instances", cfg.Instances, "outbox", cfg.Outbox != nil)
	return s
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.healthHandler)
	mux.HandleFunc("POST /reconcile", s.reconcileHandler)
	mux.HandleFunc("GET /bridges", s.listBridgesHandler)
	mux.HandleFunc("GET /bridges/{id}", s.getBridgeHandler)
	mux.HandleFunc("PUT /bridges/{id}", s.putBridgeHandler)
	mux.HandleFunc("DELETE /bridges/{id}", s.deleteBridgeHandler)
	mux.HandleFunc("POST /bridges/{id}/webhook", s.webhookHandler)
	mux.HandleFunc("POST /bridges/{id}/events", s.eventsHandler)
	mux.HandleFunc("POST /bridges/{id}/messages", s.sendHandler)
	mux.HandleFunc("GET /bridges/{id}/messages", s.listMessagesHandler)
	return mux
}

// Start serves until Shutdown is called. It returns nil after a graceful shutdown.
func (s *Server) Start() error {
	slog.Info("Server.Start: API listening", "addr", s.opts.Addr)
	if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server.Start: listener failed", "error", err)
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("Server.Shutdown: stopping API server")
	return s.httpSrv.Shutdown(ctx)
}
