package models

import "errors"

// Error variables shared across the bridge manager, the controller and the
// routing pipeline. Callers compare with errors.Is.
var (
	ErrNotFound                   = errors.New("not found")
	ErrBridgeNotFound             = errors.New("bridge not found")
	ErrBridgeDisabled             = errors.New("bridge disabled")
	ErrInvalidBridgeAdapter       = errors.New("invalid bridge adapter")
	ErrInvalidMessageEventPayload = errors.New("invalid message event payload")
	ErrAlreadyStarted             = errors.New("bridge already started")
	ErrStartFailure               = errors.New("bridge failed to start")
	ErrInvalidConfig              = errors.New("invalid bridge config")
	ErrDeliveryDisabled           = errors.New("outbound delivery disabled")
	ErrWebhookVerification        = errors.New("webhook verification failed")
)

// Reason symbols returned to callers for transport-level mapping.
const (
	ReasonBridgeNotFound             = "bridge_not_found"
	ReasonBridgeDisabled             = "bridge_disabled"
	ReasonInvalidBridgeAdapter       = "invalid_bridge_adapter"
	ReasonInvalidMessageEventPayload = "invalid_message_event_payload"
	ReasonAlreadyStarted             = "already_started"
	ReasonNotFound                   = "not_found"
	ReasonStartFailure               = "start_failure"
	ReasonInvalidConfig              = "invalid_config"
	ReasonDeliveryDisabled           = "delivery_disabled"
	ReasonWebhookVerification        = "webhook_verification_failed"
	ReasonUpstreamFailure            = "upstream_failure"
)

// Reason maps an error to its stable reason symbol. Errors outside the
// taxonomy are upstream failures. A nil error has no reason.
func Reason(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrBridgeNotFound):
		return ReasonBridgeNotFound
	case errors.Is(err, ErrBridgeDisabled):
		return ReasonBridgeDisabled
	case errors.Is(err, ErrInvalidBridgeAdapter):
		return ReasonInvalidBridgeAdapter
	case errors.Is(err, ErrInvalidMessageEventPayload):
		return ReasonInvalidMessageEventPayload
	case errors.Is(err, ErrAlreadyStarted):
		return ReasonAlreadyStarted
	case errors.Is(err, ErrStartFailure):
		return ReasonStartFailure
	case errors.Is(err, ErrInvalidConfig):
		return ReasonInvalidConfig
	case errors.Is(err, ErrDeliveryDisabled):
		return ReasonDeliveryDisabled
	case errors.Is(err, ErrWebhookVerification):
		return ReasonWebhookVerification
	case errors.Is(err, ErrNotFound):
		return ReasonNotFound
	default:
		return ReasonUpstreamFailure
	}
}
