package twilio

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"testing"

	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/ChatBridge/internal/adapter"
	"github.com/BTreeMap/ChatBridge/internal/models"
)

const (
	testToken = "12345"
	testURL   = "https://bridge.example.com/bridges/tw/webhook"
)

// mockCreator records CreateMessage calls.
type mockCreator struct {
	sent []*twilioApi.CreateMessageParams
	err  error
}

func (m *mockCreator) CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	m.sent = append(m.sent, params)
	if m.err != nil {
		return nil, m.err
	}
	return &twilioApi.ApiV2010Message{}, nil
}

func newTestAdapter(mock *mockCreator) *Adapter {
	a := NewAdapter(WithAccountSID("AC123"), WithAuthToken(testToken), WithFrom("whatsapp:+15550001111"))
	a.newClient = func(string, string) messageCreator { return mock }
	return a
}

// sign computes the X-Twilio-Signature for a form POST.
func sign(token, target string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	data := target
	for _, k := range keys {
		data += k + form.Get(k)
	}
	mac := hmac.New(sha1.New, []byte(token))
	mac.Write([]byte(data))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func inboundForm() url.Values {
	return url.Values{
		"MessageSid":  {"SM0001"},
		"From":        {"whatsapp:+15557654321"},
		"To":          {"whatsapp:+15550001111"},
		"Body":        {"hello there"},
		"ProfileName": {"Ada"},
		"WaId":        {"15557654321"},
		"SmsStatus":   {"received"},
		"NumMedia":    {"0"},
	}
}

func webhook(form url.Values, signature string) *models.WebhookRequest {
	headers := http.Header{}
	if signature != "" {
		headers.Set(SignatureHeader, signature)
	}
	return &models.WebhookRequest{Method: http.MethodPost, URL: testURL, Headers: headers, Form: form}
}

func testConfig(t *testing.T, opts map[string]any) models.BridgeConfig {
	t.Helper()
	cfg, err := models.NewBridgeConfig("default", "tw", ChannelType, models.WithOptions(opts))
	if err != nil {
		t.Fatalf("NewBridgeConfig failed: %v", err)
	}
	return cfg
}

func TestIdentity(t *testing.T) {
	if got := adapter.Identity(NewAdapter()); got != ChannelType {
		t.Errorf("Expected identity %q, got %q", ChannelType, got)
	}
}

func TestVerifyWebhook(t *testing.T) {
	a := newTestAdapter(&mockCreator{})
	cfg := testConfig(t, nil)
	form := inboundForm()

	if err := a.VerifyWebhook(context.Background(), cfg, webhook(form, sign(testToken, testURL, form))); err != nil {
		t.Errorf("Expected valid signature, got %v", err)
	}
	if err := a.VerifyWebhook(context.Background(), cfg, webhook(form, sign("wrong", testURL, form))); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("Expected ErrInvalidSignature for wrong token, got %v", err)
	}
	if err := a.VerifyWebhook(context.Background(), cfg, webhook(form, "")); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("Expected ErrInvalidSignature for missing header, got %v", err)
	}

	tampered := inboundForm()
	tampered.Set("Body", "changed")
	if err := a.VerifyWebhook(context.Background(), cfg, webhook(tampered, sign(testToken, testURL, form))); !errors.Is(err, ErrInvalidSignature) {
		t.Errorf("Expected ErrInvalidSignature for tampered body, got %v", err)
	}
}

func TestVerifyWebhook_ConfiguredURLAndDisabled(t *testing.T) {
	a := newTestAdapter(&mockCreator{})
	form := inboundForm()
	public := "https://public.example.com/twilio"

	cfg := testConfig(t, map[string]any{OptionWebhookURL: public})
	if err := a.VerifyWebhook(context.Background(), cfg, webhook(form, sign(testToken, public, form))); err != nil {
		t.Errorf("Expected configured URL to be used, got %v", err)
	}

	off := testConfig(t, map[string]any{OptionVerify: false})
	if err := a.VerifyWebhook(context.Background(), off, webhook(form, "")); err != nil {
		t.Errorf("Expected verification to be skipped, got %v", err)
	}
}

func TestParseEvent_Message(t *testing.T) {
	a := newTestAdapter(&mockCreator{})
	ev, err := a.ParseEvent(context.Background(), testConfig(t, nil), webhook(inboundForm(), ""))
	if err != nil {
		t.Fatalf("ParseEvent failed: %v", err)
	}
	if ev == nil || ev.Type != models.EventTypeMessage || ev.MessageID != "SM0001" {
		t.Fatalf("Unexpected event: %+v", ev)
	}
	in, err := models.IncomingFromEvent(*ev)
	if err != nil {
		t.Fatalf("IncomingFromEvent failed: %v", err)
	}
	if in.ChannelID != "whatsapp:+15557654321" || in.Text != "hello there" || in.SenderName != "Ada" || in.SenderID != "15557654321" {
		t.Errorf("Unexpected incoming record: %+v", in)
	}
}

func TestParseEvent_StatusCallbackAndNoop(t *testing.T) {
	a := newTestAdapter(&mockCreator{})
	form := url.Values{"MessageSid": {"SM9"}, "MessageStatus": {"delivered"}, "To": {"whatsapp:+1555"}}
	ev, err := a.ParseEvent(context.Background(), testConfig(t, nil), webhook(form, ""))
	if err != nil {
		t.Fatalf("ParseEvent failed: %v", err)
	}
	if ev.Type != models.EventTypeReceipt || ev.Payload["status"] != "delivered" {
		t.Errorf("Expected delivered receipt, got %+v", ev)
	}

	form.Set("MessageStatus", "failed")
	ev, _ = a.ParseEvent(context.Background(), testConfig(t, nil), webhook(form, ""))
	if ev.Type != models.EventTypeStatus {
		t.Errorf("Expected status event, got %q", ev.Type)
	}

	ev, err = a.ParseEvent(context.Background(), testConfig(t, nil), &models.WebhookRequest{RawBody: []byte("foo=bar")})
	if err != nil || ev != nil {
		t.Errorf("Expected noop, got %+v (%v)", ev, err)
	}
}

func TestTransformIncoming(t *testing.T) {
	a := newTestAdapter(&mockCreator{})
	in, err := a.TransformIncoming(context.Background(), testConfig(t, nil), map[string]any{
		"MessageSid": "SM5", "From": "+15557654321", "Body": "hi",
	})
	if err != nil {
		t.Fatalf("TransformIncoming failed: %v", err)
	}
	if in.ExternalID != "SM5" || in.ChannelID != "+15557654321" || in.Text != "hi" {
		t.Errorf("Unexpected record: %+v", in)
	}

	in, err = a.TransformIncoming(context.Background(), testConfig(t, nil), map[string]any{
		"id": "x1", "channel_id": "+1555", "text": "canonical", "thread_id": "t1",
	})
	if err != nil || in.ExternalID != "x1" || in.ThreadID != "t1" {
		t.Errorf("Expected canonical keys to be accepted, got %+v (%v)", in, err)
	}

	if _, err := a.TransformIncoming(context.Background(), testConfig(t, nil), map[string]any{"Body": "no sid"}); !errors.Is(err, models.ErrInvalidMessageEventPayload) {
		t.Errorf("Expected ErrInvalidMessageEventPayload, got %v", err)
	}
}

func TestSendText(t *testing.T) {
	mock := &mockCreator{}
	a := newTestAdapter(mock)
	if err := a.SendText(context.Background(), testConfig(t, nil), "+1 (555) 765-4321", "hello"); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	if len(mock.sent) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(mock.sent))
	}
	p := mock.sent[0]
	if *p.To != "whatsapp:+15557654321" || *p.From != "whatsapp:+15550001111" || *p.Body != "hello" {
		t.Errorf("Unexpected params: to=%s from=%s body=%s", *p.To, *p.From, *p.Body)
	}

	sms := testConfig(t, map[string]any{OptionFrom: "+15550002222"})
	if err := a.SendText(context.Background(), sms, "15557654321", "hi"); err != nil {
		t.Fatalf("SendText failed: %v", err)
	}
	if *mock.sent[1].To != "+15557654321" {
		t.Errorf("Expected plain SMS recipient, got %s", *mock.sent[1].To)
	}
}

func TestSendText_Errors(t *testing.T) {
	mock := &mockCreator{err: errors.New("rate limited")}
	a := newTestAdapter(mock)
	if err := a.SendText(context.Background(), testConfig(t, nil), "123", "hi"); err == nil {
		t.Error("Expected short recipient to be rejected")
	}
	if err := a.SendText(context.Background(), testConfig(t, nil), "+15557654321", "hi"); err == nil {
		t.Error("Expected REST error to surface")
	}

	bare := &Adapter{newClient: a.newClient}
	if err := bare.SendText(context.Background(), testConfig(t, nil), "+15557654321", "hi"); !errors.Is(err, ErrMissingCredentials) {
		t.Errorf("Expected ErrMissingCredentials, got %v", err)
	}
}
