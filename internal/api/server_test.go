package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/BTreeMap/ChatBridge/internal/models"
	"github.com/BTreeMap/ChatBridge/internal/reconcile"
	"github.com/BTreeMap/ChatBridge/internal/router"
	"github.com/BTreeMap/ChatBridge/internal/store"
	"github.com/BTreeMap/ChatBridge/internal/testutil"
)

// mockBridges implements Bridges for testing.
type mockBridges struct {
	mu       sync.Mutex
	statuses map[string]models.BridgeStatus
	sendErr  error
	sent     []string
}

func (m *mockBridges) ListBridges(instance string) []models.BridgeStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.BridgeStatus
	for _, st := range m.statuses {
		if st.Instance == instance {
			out = append(out, st)
		}
	}
	return out
}

func (m *mockBridges) Status(instance, bridgeID string) (models.BridgeStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.statuses[bridgeID]
	if !ok || st.Instance != instance {
		return models.BridgeStatus{}, fmt.Errorf("%w: %s/%s", models.ErrBridgeNotFound, instance, bridgeID)
	}
	return st, nil
}

func (m *mockBridges) SendText(_ context.Context, instance, bridgeID, to, body string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sendErr != nil {
		return m.sendErr
	}
	m.sent = append(m.sent, instance+"/"+bridgeID+"/"+to+"/"+body)
	return nil
}

// mockRouter implements Router for testing.
type mockRouter struct {
	result  router.Result
	err     error
	webhook router.WebhookOptions
	body    []byte
	payload map[string]any
}

func (m *mockRouter) RouteWebhook(_ context.Context, _, _ string, body []byte, opts router.WebhookOptions) (router.Result, error) {
	m.body = body
	m.webhook = opts
	return m.result, m.err
}

func (m *mockRouter) RoutePayload(_ context.Context, _, _ string, payload map[string]any, _ router.PayloadOptions) (router.Result, error) {
	m.payload = payload
	return m.result, m.err
}

// mockReconciler implements Reconciler for testing.
type mockReconciler struct {
	calls  []string
	listFn func() error
}

func (m *mockReconciler) Reconcile(_ context.Context, instance string) reconcile.Report {
	m.calls = append(m.calls, instance)
	r := reconcile.Report{Instance: instance, Outcomes: []reconcile.Outcome{}}
	if m.listFn != nil {
		r.ListErr = m.listFn()
	}
	return r
}

type fixture struct {
	store      *store.InMemoryStore
	bridges    *mockBridges
	router     *mockRouter
	reconciler *mockReconciler
	handler    http.Handler
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		store:      store.NewInMemoryStore(),
		bridges:    &mockBridges{statuses: map[string]models.BridgeStatus{}},
		router:     &mockRouter{},
		reconciler: &mockReconciler{},
	}
	opts = append([]Option{WithInstances([]string{"default", "eu"}), WithMessageRepo(f.store)}, opts...)
	f.handler = NewServer(f.store, f.bridges, f.router, f.reconciler, opts...).Handler()
	return f
}

func (f *fixture) do(method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	return rr
}

func (f *fixture) saveBridge(t *testing.T, id string, opts ...models.ConfigOption) models.BridgeConfig {
	t.Helper()
	return testutil.SeedBridge(t, f.store, "default", id, "twilio", opts...)
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("Invalid JSON response %q: %v", rr.Body.String(), err)
	}
	return out
}

func TestHealthHandler(t *testing.T) {
	f := newFixture(t)
	f.bridges.statuses["a"] = models.BridgeStatus{BridgeID: "a", Instance: "default"}

	rr := f.do(http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}
	body := decode(t, rr)
	if body["status"] != "healthy" {
		t.Errorf("Expected healthy, got %v", body["status"])
	}
	inst := body["instances"].(map[string]any)["default"].(map[string]any)
	if inst["running"] != float64(1) {
		t.Errorf("Expected one running bridge, got %v", inst)
	}

	f.bridges.statuses["a"] = models.BridgeStatus{BridgeID: "a", Instance: "default", LastError: "boom"}
	if body := decode(t, f.do(http.MethodGet, "/health", "")); body["status"] != "degraded" {
		t.Errorf("Expected degraded with a failing bridge, got %v", body["status"])
	}
}

func TestPutBridge_SavesAndReconciles(t *testing.T) {
	f := newFixture(t)
	req := testutil.CreateJSONRequest(t, http.MethodPut, "/bridges/support?instance=eu", map[string]any{
		"adapter":         "twilio",
		"credentials":     map[string]string{"auth_token": "secret"},
		"delivery_policy": "at_most_once",
	})
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if strings.Contains(rr.Body.String(), "secret") {
		t.Error("Credentials must be redacted in responses")
	}
	if len(f.reconciler.calls) != 1 || f.reconciler.calls[0] != "eu" {
		t.Errorf("Expected one reconcile of eu, got %v", f.reconciler.calls)
	}

	cfg, err := f.store.GetBridgeConfig(context.Background(), "eu", "support")
	if err != nil {
		t.Fatalf("Config not stored: %v", err)
	}
	if !cfg.Enabled || cfg.DeliveryPolicy != models.DeliveryAtMostOnce || cfg.Credential("auth_token") != "secret" {
		t.Errorf("Unexpected stored config: %+v", cfg)
	}
}

func TestPutBridge_Invalid(t *testing.T) {
	f := newFixture(t)
	if rr := f.do(http.MethodPut, "/bridges/x", `{not json`); rr.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad JSON, got %d", rr.Code)
	}
	rr := f.do(http.MethodPut, "/bridges/x", `{"adapter":""}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400 for invalid config, got %d", rr.Code)
	}
	testutil.AssertReason(t, rr, models.ReasonInvalidConfig)
	if len(f.reconciler.calls) != 0 {
		t.Error("Invalid configs must not trigger reconciliation")
	}
}

func TestGetAndListBridges(t *testing.T) {
	f := newFixture(t)
	f.saveBridge(t, "a", models.WithCredentials(map[string]string{"auth_token": "secret"}))
	f.bridges.statuses["a"] = models.BridgeStatus{BridgeID: "a", Instance: "default", ListenerCount: 1}

	rr := f.do(http.MethodGet, "/bridges/a", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}
	result := decode(t, rr)["result"].(map[string]any)
	if result["running"] != true {
		t.Errorf("Expected running bridge, got %v", result)
	}
	creds := result["config"].(map[string]any)["credentials"].(map[string]any)
	if creds["auth_token"] != redactedCredential {
		t.Errorf("Expected redacted credential, got %v", creds)
	}

	list := decode(t, f.do(http.MethodGet, "/bridges", ""))["result"].([]any)
	if len(list) != 1 {
		t.Errorf("Expected one bridge, got %d", len(list))
	}

	if rr := f.do(http.MethodGet, "/bridges/missing", ""); rr.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for missing bridge, got %d", rr.Code)
	}
}

func TestUnknownInstance(t *testing.T) {
	f := newFixture(t)
	rr := f.do(http.MethodGet, "/bridges?instance=nowhere", "")
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unserved instance, got %d", rr.Code)
	}
}

func TestDeleteBridge(t *testing.T) {
	f := newFixture(t)
	f.saveBridge(t, "a")
	if rr := f.do(http.MethodDelete, "/bridges/a", ""); rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}
	if _, err := f.store.GetBridgeConfig(context.Background(), "default", "a"); !errors.Is(err, models.ErrNotFound) {
		t.Errorf("Expected config removed, got %v", err)
	}
	if len(f.reconciler.calls) != 1 {
		t.Errorf("Expected reconcile after delete, got %v", f.reconciler.calls)
	}
	if rr := f.do(http.MethodDelete, "/bridges/a", ""); rr.Code != http.StatusNotFound {
		t.Errorf("Expected 404 on second delete, got %d", rr.Code)
	}
}

func TestReconcileHandler(t *testing.T) {
	f := newFixture(t)
	if rr := f.do(http.MethodPost, "/reconcile", ""); rr.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rr.Code)
	}
	f.reconciler.listFn = func() error { return errors.New("db down") }
	rr := f.do(http.MethodPost, "/reconcile", "")
	if rr.Code != http.StatusBadGateway {
		t.Errorf("Expected 502 when configs cannot be listed, got %d", rr.Code)
	}
}

func TestWebhookHandler(t *testing.T) {
	f := newFixture(t)
	f.router.result = router.Result{Kind: router.KindNoop}

	req := httptest.NewRequest(http.MethodPost, "/bridges/a/webhook?x=1", bytes.NewBufferString("From=%2B1&Body=hi"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Host = "bridge.example.com"
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}
	if f.router.webhook.URL != "https://bridge.example.com/bridges/a/webhook?x=1" {
		t.Errorf("Unexpected reconstructed URL %q", f.router.webhook.URL)
	}
	if string(f.router.body) != "From=%2B1&Body=hi" || f.router.webhook.Headers.Get("Content-Type") == "" {
		t.Errorf("Body or headers not forwarded: %q %v", f.router.body, f.router.webhook.Headers)
	}
}

func TestWebhookHandler_ErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{fmt.Errorf("%w: x", models.ErrWebhookVerification), http.StatusUnauthorized},
		{fmt.Errorf("%w: x", models.ErrBridgeDisabled), http.StatusConflict},
		{fmt.Errorf("%w: x", models.ErrBridgeNotFound), http.StatusNotFound},
		{fmt.Errorf("%w: x", models.ErrInvalidBridgeAdapter), http.StatusUnprocessableEntity},
		{fmt.Errorf("%w: x", models.ErrInvalidMessageEventPayload), http.StatusBadRequest},
		{errors.New("database unavailable"), http.StatusBadGateway},
	}
	for _, tt := range tests {
		f := newFixture(t)
		f.router.err = tt.err
		rr := f.do(http.MethodPost, "/bridges/a/webhook", "x")
		testutil.AssertHTTPStatus(t, tt.code, rr.Code, tt.err.Error())
		testutil.AssertReason(t, rr, models.Reason(tt.err))
	}
}

func TestWebhookHandler_BodyTooLarge(t *testing.T) {
	f := newFixture(t, WithMaxBodyBytes(4))
	if rr := f.do(http.MethodPost, "/bridges/a/webhook", "0123456789"); rr.Code != http.StatusRequestEntityTooLarge {
		t.Errorf("Expected 413, got %d", rr.Code)
	}
}

func TestEventsHandler(t *testing.T) {
	f := newFixture(t)
	f.router.result = router.Result{Kind: router.KindMessage}
	rr := f.do(http.MethodPost, "/bridges/a/events", `{"id":"m1","channel_id":"c","text":"hi"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}
	if f.router.payload["id"] != "m1" {
		t.Errorf("Payload not forwarded: %v", f.router.payload)
	}
	if rr := f.do(http.MethodPost, "/bridges/a/events", `[1,2]`); rr.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for non-object payload, got %d", rr.Code)
	}
}

func TestSendHandler_Inline(t *testing.T) {
	f := newFixture(t)
	rr := f.do(http.MethodPost, "/bridges/a/messages", `{"to":"+15551234567","body":"hi"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if len(f.bridges.sent) != 1 || f.bridges.sent[0] != "default/a/+15551234567/hi" {
		t.Errorf("Unexpected sends: %v", f.bridges.sent)
	}

	f.bridges.sendErr = fmt.Errorf("%w: default/a", models.ErrDeliveryDisabled)
	if rr := f.do(http.MethodPost, "/bridges/a/messages", `{"to":"+1555","body":"hi"}`); rr.Code != http.StatusConflict {
		t.Errorf("Expected 409 for disabled delivery, got %d", rr.Code)
	}
}

func TestSendHandler_Validation(t *testing.T) {
	f := newFixture(t)
	for _, body := range []string{`{"body":"hi"}`, `{"to":"+1"}`, `nope`} {
		if rr := f.do(http.MethodPost, "/bridges/a/messages", body); rr.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", body, rr.Code)
		}
	}
	if len(f.bridges.sent) != 0 {
		t.Error("Invalid requests must not send")
	}
}

func newOutbox(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "outbox.db")))
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSendHandler_Outbox(t *testing.T) {
	outbox := newOutbox(t)
	f := newFixture(t, WithOutbox(outbox))
	f.saveBridge(t, "a", models.WithDeliveryPolicy(models.DeliveryAtMostOnce))

	req := httptest.NewRequest(http.MethodPost, "/bridges/a/messages", strings.NewReader(`{"to":"+1555","body":"hi"}`))
	req.Header.Set("Idempotency-Key", "k1")
	rr := httptest.NewRecorder()
	f.handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("Expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	id, _ := decode(t, rr)["result"].(map[string]any)["id"].(string)

	msg, err := outbox.GetOutboxMessage(id)
	if err != nil {
		t.Fatalf("Queued message not found: %v", err)
	}
	if msg.Policy != models.DeliveryAtMostOnce || msg.DedupeKey != "k1" || msg.Recipient != "+1555" {
		t.Errorf("Unexpected queued message: %+v", msg)
	}
	if len(f.bridges.sent) != 0 {
		t.Error("Queued sends must not be sent inline")
	}
}

func TestSendHandler_OutboxRejects(t *testing.T) {
	f := newFixture(t, WithOutbox(newOutbox(t)))
	f.saveBridge(t, "off", models.WithEnabled(false))
	f.saveBridge(t, "muted", models.WithDeliveryPolicy(models.DeliveryDisabled))

	tests := map[string]int{
		"/bridges/missing/messages": http.StatusNotFound,
		"/bridges/off/messages":     http.StatusConflict,
		"/bridges/muted/messages":   http.StatusConflict,
	}
	for target, code := range tests {
		if rr := f.do(http.MethodPost, target, `{"to":"+1","body":"hi"}`); rr.Code != code {
			t.Errorf("%s: expected %d, got %d", target, code, rr.Code)
		}
	}
}

func TestListMessagesHandler(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		_, err := f.store.InsertMessage(context.Background(), models.Message{
			ID: fmt.Sprintf("msg_%d", i), Instance: "default", BridgeID: "a",
			ExternalID: fmt.Sprintf("ext-%d", i), ChannelID: "c", Text: "hi",
		})
		if err != nil {
			t.Fatalf("InsertMessage failed: %v", err)
		}
	}
	rr := f.do(http.MethodGet, "/bridges/a/messages?limit=2", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rr.Code)
	}
	if got := decode(t, rr)["result"].([]any); len(got) != 2 {
		t.Errorf("Expected 2 messages, got %d", len(got))
	}
	if rr := f.do(http.MethodGet, "/bridges/a/messages?limit=abc", ""); rr.Code != http.StatusBadRequest {
		t.Errorf("Expected 400 for bad limit, got %d", rr.Code)
	}
}
