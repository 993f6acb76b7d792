package responder

import (
	"context"
	"errors"
	"net/http"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
)

// Classify wraps err in a *models.ResponderError whose kind follows the HTTP
// status reported by the provider SDK. Errors already classified are returned
// unchanged.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	var re *models.ResponderError
	if errors.As(err, &re) {
		return err
	}
	return &models.ResponderError{Kind: kindOf(err), Err: err}
}

func kindOf(err error) models.ResponderErrorKind {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return models.ResponderErrorUnknown
	}
	status := 0
	var oe *openai.Error
	var ae *anthropic.Error
	switch {
	case errors.As(err, &oe):
		status = oe.StatusCode
	case errors.As(err, &ae):
		status = ae.StatusCode
	}
	switch status {
	case http.StatusUnauthorized, http.StatusForbidden:
		return models.ResponderErrorAuth
	case http.StatusTooManyRequests:
		return models.ResponderErrorRateLimit
	case http.StatusNotFound:
		return models.ResponderErrorNotFound
	default:
		return models.ResponderErrorUnknown
	}
}
