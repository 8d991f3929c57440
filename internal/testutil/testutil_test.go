package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/BTreeMap/ChatBridge/internal/models"
	"github.com/BTreeMap/ChatBridge/internal/store"
)

// recordingT captures failures instead of failing the enclosing test.
type recordingT struct {
	testing.TB
	failed bool
	msg    string
}

func (r *recordingT) Helper() {}

func (r *recordingT) Errorf(format string, args ...interface{}) {
	r.failed = true
	r.msg = fmt.Sprintf(format, args...)
}

func (r *recordingT) Error(args ...interface{}) {
	r.failed = true
	r.msg = fmt.Sprint(args...)
}

func (r *recordingT) Fatalf(format string, args ...interface{}) {
	r.Errorf(format, args...)
}

func recorderWith(code int, body string) *httptest.ResponseRecorder {
	rr := httptest.NewRecorder()
	rr.WriteHeader(code)
	rr.WriteString(body)
	return rr
}

func TestAssertHTTPStatus(t *testing.T) {
	rt := &recordingT{}
	AssertHTTPStatus(rt, http.StatusOK, http.StatusOK, "match")
	if rt.failed {
		t.Errorf("Expected no failure, got %q", rt.msg)
	}
	AssertHTTPStatus(rt, http.StatusOK, http.StatusNotFound, "mismatch")
	if !rt.failed {
		t.Error("Expected failure for mismatched status")
	}
}

func TestAssertJSONResponse(t *testing.T) {
	rt := &recordingT{}
	resp := AssertJSONResponse(rt, recorderWith(200, `{"status":"ok","result":1}`), "ok")
	if rt.failed || resp["result"] != float64(1) {
		t.Errorf("Unexpected outcome: failed=%v resp=%v", rt.failed, resp)
	}

	rt = &recordingT{}
	AssertJSONResponse(rt, recorderWith(200, `{"result":1}`), "ok")
	if !rt.failed {
		t.Error("Expected failure for missing status")
	}

	rt = &recordingT{}
	if resp := AssertJSONResponse(rt, recorderWith(200, `not json`), "ok"); resp != nil || !rt.failed {
		t.Error("Expected failure for invalid JSON")
	}
}

func TestAssertReason(t *testing.T) {
	rt := &recordingT{}
	AssertReason(rt, recorderWith(404, `{"status":"error","reason":"bridge_not_found"}`), models.ReasonBridgeNotFound)
	if rt.failed {
		t.Errorf("Expected no failure, got %q", rt.msg)
	}
	AssertReason(rt, recorderWith(404, `{"status":"error","reason":"not_found"}`), models.ReasonBridgeNotFound)
	if !rt.failed {
		t.Error("Expected failure for wrong reason")
	}
}

func TestCreateJSONRequest(t *testing.T) {
	req := CreateJSONRequest(t, http.MethodPut, "/bridges/a", map[string]string{"adapter": "twilio"})
	if req.Header.Get("Content-Type") != "application/json" {
		t.Errorf("Expected JSON content type, got %q", req.Header.Get("Content-Type"))
	}
	if req.ContentLength == 0 {
		t.Error("Expected a request body")
	}
	if empty := CreateJSONRequest(t, http.MethodGet, "/bridges", nil); empty.ContentLength != 0 {
		t.Errorf("Expected empty body, got %d bytes", empty.ContentLength)
	}
}

func TestSeedBridge(t *testing.T) {
	st := store.NewInMemoryStore()
	cfg := SeedBridge(t, st, "default", "a", "twilio", models.WithEnabled(false))
	if cfg.Revision != 1 || cfg.Enabled {
		t.Errorf("Unexpected seeded config: %+v", cfg)
	}

	rt := &recordingT{}
	SeedBridge(rt, st, "default", "", "twilio")
	if !rt.failed {
		t.Error("Expected failure for invalid config")
	}
}

func TestMustUnmarshalJSON(t *testing.T) {
	var target map[string]interface{}
	MustUnmarshalJSON(t, []byte(`{"key":"value"}`), &target)
	if target["key"] != "value" {
		t.Errorf("Expected key to be 'value', got %v", target["key"])
	}
}
