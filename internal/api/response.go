package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/BTreeMap/ReplyPipe/internal/models"
)

// Pre-marshaled so a broken response value still yields valid JSON.
var fallbackErrorResponse []byte

func init() {
	var err error
	fallbackErrorResponse, err = json.Marshal(models.Error("Internal server error"))
	if err != nil {
		panic(fmt.Sprintf("Failed to marshal fallback error response at startup: %v", err))
	}
}

// writeJSONResponse marshals response before touching the headers so an
// encoding failure can still turn into a 500.
func writeJSONResponse(w http.ResponseWriter, statusCode int, response interface{}) {
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

// statusFor maps core errors onto HTTP status codes.
func statusFor(err error) int {
	var persistErr *models.PersistenceError
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrUnknownInstance):
		return http.StatusNotFound
	case errors.Is(err, models.ErrServiceStopped), errors.Is(err, models.ErrQueueStopped):
		return http.StatusServiceUnavailable
	case errors.As(err, &persistErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes err in the error envelope. Server-side failures are
// logged and their details withheld from the client.
func writeError(w http.ResponseWriter, op string, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code >= http.StatusInternalServerError && code != http.StatusServiceUnavailable {
		slog.Error("Server."+op+": request failed", "error", err)
		msg = http.StatusText(code)
	} else {
		slog.Warn("Server."+op+": request rejected", "status", code, "error", err)
	}
	writeJSONResponse(w, code, models.Error(msg))
}
