// Package twilio adapts Twilio messaging (SMS and WhatsApp) to ChatBridge.
//
// Inbound traffic arrives as signed webhooks; outbound text goes through the
// Twilio REST API. Credentials come from the bridge config and fall back to
// the process environment.
package twilio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"regexp"
	"strings"

	twiliogo "github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/BTreeMap/ChatBridge/internal/adapter"
	"github.com/BTreeMap/ChatBridge/internal/models"
)

// ChannelType is the adapter identity.
const ChannelType = "twilio"

// SignatureHeader carries the Twilio request signature.
const SignatureHeader = "X-Twilio-Signature"

// Bridge config keys understood by the adapter
const (
	CredentialAccountSID = "account_sid"
	CredentialAuthToken  = "auth_token"
	OptionFrom           = "from"
	OptionVerify         = "verify"
	OptionWebhookURL     = "webhook_url"
)

// whatsappPrefix marks Twilio WhatsApp addresses.
const whatsappPrefix = "whatsapp:"

var (
	// ErrInvalidSignature is returned when a webhook fails signature validation.
	ErrInvalidSignature = fmt.Errorf("%w: invalid twilio signature", models.ErrWebhookVerification)
	// ErrMissingCredentials is returned when no account SID or auth token is available.
	ErrMissingCredentials = errors.New("twilio account SID and auth token must be provided")
)

var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// messageCreator is the subset of the Twilio REST API used for sending.
type messageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// Opts holds process-wide defaults for the adapter.
type Opts struct {
	AccountSID string
	AuthToken  string
	From       string
}

// Option defines a configuration option for the adapter.
type Option func(*Opts)

// WithAccountSID sets the default account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the default auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFrom sets the default sender address, e.g. "whatsapp:+15550001111".
func WithFrom(from string) Option {
	return func(o *Opts) { o.From = from }
}

// Adapter implements adapter.Adapter and adapter.Sender for Twilio.
type Adapter struct {
	opts      Opts
	newClient func(accountSID, authToken string) messageCreator
}

var (
	_ adapter.Adapter      = (*Adapter)(nil)
	_ adapter.Sender       = (*Adapter)(nil)
	_ adapter.ChannelTyper = (*Adapter)(nil)
)

// NewAdapter creates the Twilio adapter. Unset defaults are read from
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN and TWILIO_FROM_NUMBER.
func NewAdapter(opts ...Option) *Adapter {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.From == "" {
		cfg.From = os.Getenv("TWILIO_FROM_NUMBER")
	}
	slog.Debug("twilio.NewAdapter: defaults loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"From_set", cfg.From != "")

	return &Adapter{
		opts: cfg,
		newClient: func(accountSID, authToken string) messageCreator {
			return twiliogo.NewRestClientWithParams(twiliogo.ClientParams{
				Username: accountSID,
				Password: authToken,
			}).Api
		},
	}
}

func (a *Adapter) ChannelType() string { return ChannelType }

func (a *Adapter) Capabilities() map[string]bool {
	return map[string]bool{"send_text": true, "webhook": true, "listeners": false}
}

func (a *Adapter) credentials(cfg models.BridgeConfig) (sid, token string) {
	sid = cfg.Credential(CredentialAccountSID)
	if sid == "" {
		sid = a.opts.AccountSID
	}
	token = cfg.Credential(CredentialAuthToken)
	if token == "" {
		token = a.opts.AuthToken
	}
	return sid, token
}

// VerifyWebhook validates the X-Twilio-Signature header against the bridge's
// auth token. Verification can be switched off with the "verify" option.
func (a *Adapter) VerifyWebhook(_ context.Context, cfg models.BridgeConfig, req *models.WebhookRequest) error {
	if !cfg.OptionBool(OptionVerify, true) {
		return nil
	}
	_, token := a.credentials(cfg)
	if token == "" {
		return ErrMissingCredentials
	}
	signature := req.Headers.Get(SignatureHeader)
	if signature == "" {
		return fmt.Errorf("%w: missing %s header", ErrInvalidSignature, SignatureHeader)
	}
	target := cfg.OptionString(OptionWebhookURL, req.URL)
	if target == "" {
		return fmt.Errorf("%w: no webhook URL to validate against", ErrInvalidSignature)
	}

	validator := twilioclient.NewRequestValidator(token)
	if !validator.Validate(target, flattenForm(formOf(req)), signature) {
		slog.Warn("Adapter.VerifyWebhook: signature mismatch", "bridge_id", cfg.ID, "url", target)
		return ErrInvalidSignature
	}
	return nil
}

// ParseEvent turns a Twilio webhook into a message event or, for status
// callbacks, a receipt or status event. Requests without a message SID are noops.
func (a *Adapter) ParseEvent(_ context.Context, cfg models.BridgeConfig, req *models.WebhookRequest) (*models.CanonicalEvent, error) {
	form := formOf(req)
	sid := firstValue(form, "MessageSid", "SmsMessageSid", "SmsSid")
	if sid == "" {
		slog.Debug("Adapter.ParseEvent: no message SID, ignoring", "bridge_id", cfg.ID)
		return nil, nil
	}

	status := strings.ToLower(firstValue(form, "MessageStatus", "SmsStatus"))
	body := form.Get("Body")
	if status != "" && status != "received" && body == "" {
		evType := models.EventTypeStatus
		if status == "delivered" || status == "read" {
			evType = models.EventTypeReceipt
		}
		return &models.CanonicalEvent{
			Adapter:   ChannelType,
			Type:      evType,
			ChannelID: form.Get("To"),
			MessageID: sid,
			Payload: map[string]any{
				"message_sid": sid,
				"status":      status,
				"to":          form.Get("To"),
				"error_code":  form.Get("ErrorCode"),
			},
			Raw: form,
		}, nil
	}

	in := incomingFromFields(func(keys ...string) string { return firstValue(form, keys...) })
	in.ExternalID = sid
	return &models.CanonicalEvent{
		Adapter:   ChannelType,
		Type:      models.EventTypeMessage,
		ChannelID: in.ChannelID,
		MessageID: sid,
		Payload:   in.ToPayload(),
		Raw:       form,
	}, nil
}

// TransformIncoming accepts either Twilio webhook field names or the
// canonical payload keys.
func (a *Adapter) TransformIncoming(_ context.Context, _ models.BridgeConfig, payload map[string]any) (models.Incoming, error) {
	get := func(keys ...string) string {
		for _, k := range keys {
			if s, ok := payload[k].(string); ok && strings.TrimSpace(s) != "" {
				return strings.TrimSpace(s)
			}
		}
		return ""
	}
	in := incomingFromFields(get)
	in.ExternalID = get("MessageSid", "SmsMessageSid", models.PayloadKeyID)
	if in.ThreadID == "" {
		in.ThreadID = get(models.PayloadKeyThreadID)
	}
	if in.ExternalID == "" {
		return models.Incoming{}, fmt.Errorf("%w: missing message SID", models.ErrInvalidMessageEventPayload)
	}
	if in.ChannelID == "" {
		return models.Incoming{}, fmt.Errorf("%w: missing sender", models.ErrInvalidMessageEventPayload)
	}
	return in, nil
}

// SendText sends body to a phone number through the Twilio REST API. The
// recipient gets the WhatsApp prefix when the sender address has one.
func (a *Adapter) SendText(ctx context.Context, cfg models.BridgeConfig, to, body string) error {
	sid, token := a.credentials(cfg)
	if sid == "" || token == "" {
		return ErrMissingCredentials
	}
	from := cfg.OptionString(OptionFrom, a.opts.From)
	if from == "" {
		return fmt.Errorf("no sender number configured for bridge %s", cfg.ID)
	}
	recipient, err := canonicalizeRecipient(to)
	if err != nil {
		return err
	}
	if strings.HasPrefix(from, whatsappPrefix) {
		recipient = whatsappPrefix + recipient
	}

	params := &twilioApi.CreateMessageParams{}
	params.SetTo(recipient)
	params.SetFrom(from)
	params.SetBody(body)

	if _, err := a.newClient(sid, token).CreateMessage(params); err != nil {
		slog.Error("Adapter.SendText: Twilio CreateMessage failed", "bridge_id", cfg.ID, "to", recipient, "error", err)
		return fmt.Errorf("failed to send message to %s: %w", recipient, err)
	}
	slog.Debug("Adapter.SendText: message sent", "bridge_id", cfg.ID, "to", recipient)
	return nil
}

// canonicalizeRecipient strips everything but digits and requires at least
// six of them.
func canonicalizeRecipient(recipient string) (string, error) {
	recipient = strings.TrimPrefix(strings.TrimSpace(recipient), whatsappPrefix)
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	digits := phoneNumberRegex.ReplaceAllString(recipient, "")
	if digits == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(digits) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", digits)
	}
	return "+" + digits, nil
}

func incomingFromFields(get func(keys ...string) string) models.Incoming {
	from := get("From", models.PayloadKeyChannelID)
	in := models.Incoming{
		ChannelID:  from,
		SenderID:   get("WaId", models.PayloadKeySenderID),
		SenderName: get("ProfileName", models.PayloadKeySenderName),
		Text:       get("Body", models.PayloadKeyText),
	}
	if in.SenderID == "" {
		in.SenderID = strings.TrimPrefix(from, whatsappPrefix)
	}
	meta := map[string]any{}
	if to := get("To"); to != "" {
		meta["to"] = to
	}
	if n := get("NumMedia"); n != "" && n != "0" {
		meta["num_media"] = n
	}
	if len(meta) > 0 {
		in.Metadata = meta
	}
	return in
}

func formOf(req *models.WebhookRequest) url.Values {
	if req.Form != nil {
		return req.Form
	}
	form, err := url.ParseQuery(string(req.RawBody))
	if err != nil {
		return url.Values{}
	}
	return form
}

func firstValue(form url.Values, keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(form.Get(k)); v != "" {
			return v
		}
	}
	return ""
}

// flattenForm keeps the first value of each field.
func flattenForm(form url.Values) map[string]string {
	out := make(map[string]string, len(form))
	for k := range form {
		out[k] = form.Get(k)
	}
	return out
}
