package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/ChatBridge/internal/models"
)

// Pre-marshaled fallback responses to avoid runtime JSON encoding failures
var (
	fallbackErrorResponse []byte
)

// init validates that our fallback responses can be marshaled
func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse writes a JSON response to the http.ResponseWriter with the given status code.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
	// Marshal the response to JSON first to catch encoding errors before writing headers
	jsonData, err := json.Marshal(response)
	if err != nil {
		slog.Error("Server.writeJSONResponse: failed to marshal JSON response", "error", err)
		jsonData = fallbackErrorResponse
		statusCode = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if _, writeErr := w.Write(jsonData); writeErr != nil {
		slog.Error("Server.writeJSONResponse: failed to write JSON response", "error", writeErr)
	}
}

// writeError writes err with the HTTP status matching its reason symbol.
func writeError(w http.ResponseWriter, err error) {
	writeJSONResponse(w, statusForReason(models.Reason(err)), models.ErrorFrom(err))
}

// statusForReason maps reason symbols to HTTP status codes.
func statusForReason(reason string) int {
	switch reason {
	case models.ReasonBridgeNotFound, models.ReasonNotFound:
		return http.StatusNotFound
	case models.ReasonBridgeDisabled, models.ReasonAlreadyStarted, models.ReasonDeliveryDisabled:
		return http.StatusConflict
	case models.ReasonInvalidBridgeAdapter:
		return http.StatusUnprocessableEntity
	case models.ReasonInvalidMessageEventPayload, models.ReasonInvalidConfig:
		return http.StatusBadRequest
	case models.ReasonWebhookVerification:
		return http.StatusUnauthorized
	case models.ReasonStartFailure:
		return http.StatusInternalServerError
	default:
		return http.StatusBadGateway
	}
}
