// Package testutil provides common test helpers for ChatBridge HTTP and store tests.
package testutil

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/ChatBridge/internal/models"
	"github.com/BTreeMap/ChatBridge/internal/store"
)

// AssertHTTPStatus checks the HTTP status code and fails the test if it doesn't match.
func AssertHTTPStatus(t testing.TB, expected, actual int, context string) {
	t.Helper()
	if actual != expected {
		t.Errorf("%s: expected status %d, got %d", context, expected, actual)
	}
}

// AssertJSONResponse decodes the response envelope and validates its status field.
func AssertJSONResponse(t testing.TB, rr *httptest.ResponseRecorder, expectedStatus string) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &response); err != nil {
		t.Fatalf("failed to decode JSON response %q: %v", rr.Body.String(), err)
		return nil
	}
	if status, ok := response["status"].(string); !ok {
		t.Error("response missing or invalid 'status' field")
	} else if status != expectedStatus {
		t.Errorf("expected status '%s', got '%s'", expectedStatus, status)
	}
	return response
}

// AssertReason validates the reason symbol of an error envelope.
func AssertReason(t testing.TB, rr *httptest.ResponseRecorder, expectedReason string) {
	t.Helper()
	response := AssertJSONResponse(t, rr, string(models.APIStatusError))
	if response == nil {
		return
	}
	if reason, _ := response["reason"].(string); reason != expectedReason {
		t.Errorf("expected reason '%s', got '%s'", expectedReason, reason)
	}
}

// CreateJSONRequest creates an HTTP request with an optional JSON body.
func CreateJSONRequest(t testing.TB, method, url string, body interface{}) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to marshal request body: %v", err)
		}
	}
	req, err := http.NewRequest(method, url, &buf)
	if err != nil {
		t.Fatalf("failed to create HTTP request: %v", err)
		return nil
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req
}

// SeedBridge builds and stores a bridge config, failing the test on error.
func SeedBridge(t testing.TB, configs store.ConfigStore, instance, id, adapterName string, opts ...models.ConfigOption) models.BridgeConfig {
	t.Helper()
	cfg, err := models.NewBridgeConfig(instance, id, adapterName, opts...)
	if err != nil {
		t.Fatalf("failed to build bridge config: %v", err)
		return models.BridgeConfig{}
	}
	saved, err := configs.SaveBridgeConfig(context.Background(), cfg)
	if err != nil {
		t.Fatalf("failed to save bridge config: %v", err)
	}
	return saved
}

// MustUnmarshalJSON unmarshals JSON data into target and fails test on error.
func MustUnmarshalJSON(t testing.TB, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
