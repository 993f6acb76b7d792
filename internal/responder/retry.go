package responder

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
)

// Retry defaults.
const (
	DefaultAttempts = 3
	DefaultBackoff  = 2 * time.Second
)

// Retrying retries a Responder with a fixed backoff. It gives up early on
// errors that cannot succeed on another attempt and when ctx is done.
type Retrying struct {
	next     Responder
	attempts int
	backoff  time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
}

// RetryOption configures Retrying.
type RetryOption func(*Retrying)

// WithAttempts sets the total number of attempts.
func WithAttempts(n int) RetryOption {
	return func(r *Retrying) { r.attempts = n }
}

// WithBackoff sets the pause between attempts.
func WithBackoff(d time.Duration) RetryOption {
	return func(r *Retrying) { r.backoff = d }
}

// NewRetrying wraps next.
func NewRetrying(next Responder, opts ...RetryOption) *Retrying {
	r := &Retrying{next: next, attempts: DefaultAttempts, backoff: DefaultBackoff, sleep: sleepContext}
	for _, opt := range opts {
		opt(r)
	}
	if r.attempts < 1 {
		r.attempts = 1
	}
	return r
}

func retry[T any](ctx context.Context, r *Retrying, op string, key models.ConversationKey, fn func() (T, error)) (T, error) {
	var zero T
	var err error
	for attempt := 1; attempt <= r.attempts; attempt++ {
		var out T
		out, err = fn()
		if err == nil {
			return out, nil
		}
		err = Classify(err)
		var re *models.ResponderError
		if errors.As(err, &re) && !re.Retryable() {
			slog.Warn("Retrying."+op+": non-retryable error", "instanceID", key.InstanceID, "chatID", key.ChatID, "kind", re.Kind, "error", err)
			return zero, err
		}
		if attempt == r.attempts {
			break
		}
		slog.Warn("Retrying."+op+": attempt failed, retrying", "instanceID", key.InstanceID, "chatID", key.ChatID, "attempt", attempt, "error", err)
		if serr := r.sleep(ctx, r.backoff); serr != nil {
			return zero, err
		}
	}
	slog.Error("Retrying."+op+": attempts exhausted", "instanceID", key.InstanceID, "chatID", key.ChatID, "attempts", r.attempts, "error", err)
	return zero, err
}

// Respond retries next.Respond.
func (r *Retrying) Respond(ctx context.Context, key models.ConversationKey, text, contextName string) (string, error) {
	return retry(ctx, r, "Respond", key, func() (string, error) {
		return r.next.Respond(ctx, key, text, contextName)
	})
}

// ClassifyFollowUpEligibility retries next.ClassifyFollowUpEligibility.
func (r *Retrying) ClassifyFollowUpEligibility(ctx context.Context, key models.ConversationKey, turns []models.Turn) (bool, error) {
	return retry(ctx, r, "ClassifyFollowUpEligibility", key, func() (bool, error) {
		return r.next.ClassifyFollowUpEligibility(ctx, key, turns)
	})
}

// GenerateFollowUpMessages retries next.GenerateFollowUpMessages.
func (r *Retrying) GenerateFollowUpMessages(ctx context.Context, key models.ConversationKey, turns []models.Turn, count int) ([]string, error) {
	return retry(ctx, r, "GenerateFollowUpMessages", key, func() ([]string, error) {
		return r.next.GenerateFollowUpMessages(ctx, key, turns, count)
	})
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ Responder = (*Retrying)(nil)
