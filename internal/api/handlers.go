package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/ChatBridge/internal/models"
	"github.com/BTreeMap/ChatBridge/internal/router"
	"github.com/BTreeMap/ChatBridge/internal/store"
)

// redactedCredential replaces credential values in responses.
const redactedCredential = "***"

// bridgeRequest is the body of PUT /bridges/{id}.
type bridgeRequest struct {
	Adapter        string                `json:"adapter"`
	Credentials    map[string]string     `json:"credentials,omitempty"`
	Options        map[string]any        `json:"options,omitempty"`
	Enabled        *bool                 `json:"enabled,omitempty"`
	Capabilities   map[string]bool       `json:"capabilities,omitempty"`
	DeliveryPolicy models.DeliveryPolicy `json:"delivery_policy,omitempty"`
}

// sendRequest is the body of POST /bridges/{id}/messages.
type sendRequest struct {
	To             string `json:"to"`
	Body           string `json:"body"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

// bridgeView combines a desired config with its runtime status.
type bridgeView struct {
	Config  models.BridgeConfig  `json:"config"`
	Running bool                 `json:"running"`
	Status  *models.BridgeStatus `json:"status,omitempty"`
}

// instanceOf returns the instance named by the request, or an error when
// this process does not serve it.
func (s *Server) instanceOf(r *http.Request) (string, error) {
	instance := strings.TrimSpace(r.URL.Query().Get("instance"))
	if instance == "" {
		instance = models.DefaultInstance
	}
	if !s.instances[instance] {
		return "", fmt.Errorf("%w: instance %q is not served here", models.ErrNotFound, instance)
	}
	return instance, nil
}

func redact(cfg models.BridgeConfig) models.BridgeConfig {
	out := cfg.Clone()
	for k := range out.Credentials {
		out.Credentials[k] = redactedCredential
	}
	return out
}

func (s *Server) view(cfg models.BridgeConfig) bridgeView {
	v := bridgeView{Config: redact(cfg)}
	if st, err := s.bridges.Status(cfg.Instance, cfg.ID); err == nil {
		v.Running = true
		v.Status = &st
	}
	return v
}

func (s *Server) listBridgesHandler(w http.ResponseWriter, r *http.Request) {
	instance, err := s.instanceOf(r)
	if err != nil {
		writeError(w, err)
		return
	}
	configs, err := s.configs.ListBridgeConfigs(r.Context(), instance, false)
	if err != nil {
		slog.Error("Server.listBridgesHandler: failed to list configs", "instance", instance, "error", err)
		writeError(w, err)
		return
	}
	views := make([]bridgeView, 0, len(configs))
	for _, cfg := range configs {
		views = append(views, s.view(cfg))
	}
	writeJSONResponse(w, http.StatusOK, models.Success(views))
}

func (s *Server) getBridgeHandler(w http.ResponseWriter, r *http.Request) {
	instance, err := s.instanceOf(r)
	if err != nil {
		writeError(w, err)
		return
	}
	cfg, err := s.configs.GetBridgeConfig(r.Context(), instance, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(s.view(cfg)))
}

func (s *Server) putBridgeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	instance, err := s.instanceOf(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req bridgeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)).Decode(&req); err != nil {
		slog.Warn("Server.putBridgeHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	opts := []models.ConfigOption{
		models.WithCredentials(req.Credentials),
		models.WithOptions(req.Options),
		models.WithCapabilities(req.Capabilities),
		models.WithDeliveryPolicy(req.DeliveryPolicy),
	}
	if req.Enabled != nil {
		opts = append(opts, models.WithEnabled(*req.Enabled))
	}
	cfg, err := models.NewBridgeConfig(instance, r.PathValue("id"), req.Adapter, opts...)
	if err != nil {
		slog.Warn("Server.putBridgeHandler: invalid config", "instance", instance, "bridge_id", r.PathValue("id"), "error", err)
		writeError(w, err)
		return
	}
	saved, err := s.configs.SaveBridgeConfig(r.Context(), cfg)
	if err != nil {
		slog.Error("Server.putBridgeHandler: failed to save config", "instance", instance, "bridge_id", cfg.ID, "error", err)
		writeError(w, err)
		return
	}
	report := s.reconciler.Reconcile(r.Context(), instance)
	slog.Info("Server.putBridgeHandler: bridge saved", "instance", instance, "bridge_id", saved.ID, "revision", saved.Revision, "changed", report.Changed())

	writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{
		"bridge":    s.view(saved),
		"reconcile": report,
	}))
}

func (s *Server) deleteBridgeHandler(w http.ResponseWriter, r *http.Request) {
	instance, err := s.instanceOf(r)
	if err != nil {
		writeError(w, err)
		return
	}
	id := r.PathValue("id")
	if err := s.configs.DeleteBridgeConfig(r.Context(), instance, id); err != nil {
		writeError(w, err)
		return
	}
	report := s.reconciler.Reconcile(r.Context(), instance)
	slog.Info("Server.deleteBridgeHandler: bridge deleted", "instance", instance, "bridge_id", id)
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{
		"deleted":   id,
		"reconcile": report,
	}))
}

func (s *Server) reconcileHandler(w http.ResponseWriter, r *http.Request) {
	instance, err := s.instanceOf(r)
	if err != nil {
		writeError(w, err)
		return
	}
	report := s.reconciler.Reconcile(r.Context(), instance)
	if report.ListErr != nil {
		writeError(w, report.ListErr)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(report))
}

// requestURL rebuilds the public URL a webhook was sent to.
func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}
	return scheme + "://" + r.Host + r.URL.RequestURI()
}

func (s *Server) webhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	instance, err := s.instanceOf(r)
	if err != nil {
		writeError(w, err)
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		slog.Warn("Server.webhookHandler: failed to read body", "error", err)
		writeJSONResponse(w, http.StatusRequestEntityTooLarge, models.Error("Request body too large"))
		return
	}

	res, err := s.router.RouteWebhook(r.Context(), instance, r.PathValue("id"), body, router.WebhookOptions{
		Method:  r.Method,
		Path:    r.URL.Path,
		URL:     requestURL(r),
		Headers: r.Header.Clone(),
	})
	if err != nil {
		slog.Warn("Server.webhookHandler: routing failed", "instance", instance, "bridge_id", r.PathValue("id"), "error", err)
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

func (s *Server) eventsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	instance, err := s.instanceOf(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var payload map[string]any
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)).Decode(&payload); err != nil {
		slog.Warn("Server.eventsHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	res, err := s.router.RoutePayload(r.Context(), instance, r.PathValue("id"), payload, router.PayloadOptions{
		Metadata: map[string]any{"source": "api"},
	})
	if err != nil {
		slog.Warn("Server.eventsHandler: routing failed", "instance", instance, "bridge_id", r.PathValue("id"), "error", err)
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(res))
}

func (s *Server) sendHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	instance, err := s.instanceOf(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req sendRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes)).Decode(&req); err != nil {
		slog.Warn("Server.sendHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if strings.TrimSpace(req.To) == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: to"))
		return
	}
	if req.Body == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: body"))
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	id := r.PathValue("id")

	if s.opts.Outbox != nil {
		s.enqueue(w, r, instance, id, req)
		return
	}
	if err := s.bridges.SendText(r.Context(), instance, id, req.To, req.Body); err != nil {
		writeError(w, err)
		return
	}
	slog.Info("Server.sendHandler: message sent", "instance", instance, "bridge_id", id, "to", req.To)
	writeJSONResponse(w, http.StatusOK, models.Success(map[string]any{"status": "sent"}))
}

// enqueue queues an outbound message after checking the bridge accepts sends.
func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, instance, id string, req sendRequest) {
	cfg, err := s.configs.GetBridgeConfig(r.Context(), instance, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			err = fmt.Errorf("%w: %s/%s", models.ErrBridgeNotFound, instance, id)
		}
		writeError(w, err)
		return
	}
	switch {
	case !cfg.Enabled:
		writeError(w, fmt.Errorf("%w: %s/%s", models.ErrBridgeDisabled, instance, id))
		return
	case cfg.DeliveryPolicy == models.DeliveryDisabled:
		writeError(w, fmt.Errorf("%w: %s/%s", models.ErrDeliveryDisabled, instance, id))
		return
	}

	msgID, err := s.opts.Outbox.EnqueueOutboxMessage(store.OutboxMessage{
		Instance:  instance,
		BridgeID:  id,
		Recipient: req.To,
		Body:      req.Body,
		Policy:    cfg.DeliveryPolicy,
		DedupeKey: req.IdempotencyKey,
	})
	if err != nil {
		slog.Error("Server.sendHandler: failed to enqueue", "instance", instance, "bridge_id", id, "error", err)
		writeError(w, err)
		return
	}
	slog.Info("Server.sendHandler: message queued", "instance", instance, "bridge_id", id, "outbox_id", msgID)
	writeJSONResponse(w, http.StatusAccepted, models.Success(map[string]any{"id": msgID, "status": store.OutboxStatusQueued}))
}

func (s *Server) listMessagesHandler(w http.ResponseWriter, r *http.Request) {
	instance, err := s.instanceOf(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.opts.Messages == nil {
		writeJSONResponse(w, http.StatusNotImplemented, models.Error("Message storage not configured"))
		return
	}
	limit := DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid limit"))
			return
		}
		limit = n
	}
	msgs, err := s.opts.Messages.ListMessages(r.Context(), instance, r.PathValue("id"), limit)
	if err != nil {
		slog.Error("Server.listMessagesHandler: failed to list messages", "instance", instance, "bridge_id", r.PathValue("id"), "error", err)
		writeError(w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(msgs))
}

// healthHandler provides a health check endpoint for monitoring and load balancing
func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	instances := make(map[string]any, len(s.opts.Instances))
	degraded := false
	for _, inst := range s.opts.Instances {
		statuses := s.bridges.ListBridges(inst)
		failing := 0
		for _, st := range statuses {
			if st.LastError != "" {
				failing++
			}
		}
		if failing > 0 {
			degraded = true
		}
		instances[inst] = map[string]int{"running": len(statuses), "with_errors": failing}
	}

	healthData := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"instances": instances,
	}
	if degraded {
		healthData["status"] = "degraded"
	}
	writeJSONResponse(w, http.StatusOK, healthData)
}
