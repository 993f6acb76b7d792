package responder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
)

type flakyResponder struct {
	errs  []error
	calls int
}

func (f *flakyResponder) next() error {
	f.calls++
	if len(f.errs) == 0 {
		return nil
	}
	err := f.errs[0]
	if len(f.errs) > 1 {
		f.errs = f.errs[1:]
	}
	return err
}

func (f *flakyResponder) Respond(context.Context, models.ConversationKey, string, string) (string, error) {
	if err := f.next(); err != nil {
		return "", err
	}
	return "ok", nil
}

func (f *flakyResponder) ClassifyFollowUpEligibility(context.Context, models.ConversationKey, []models.Turn) (bool, error) {
	if err := f.next(); err != nil {
		return false, err
	}
	return true, nil
}

func (f *flakyResponder) GenerateFollowUpMessages(context.Context, models.ConversationKey, []models.Turn, int) ([]string, error) {
	if err := f.next(); err != nil {
		return nil, err
	}
	return []string{"oi"}, nil
}

func kind(k models.ResponderErrorKind) error {
	return &models.ResponderError{Kind: k, Err: errors.New(string(k))}
}

func TestRetryingRecoversFromTransientErrors(t *testing.T) {
	f := &flakyResponder{errs: []error{kind(models.ResponderErrorRateLimit), errors.New("timeout"), nil}}
	r := NewRetrying(f, WithBackoff(time.Millisecond))

	out, err := r.Respond(context.Background(), chat, "oi", "")
	if err != nil || out != "ok" {
		t.Fatalf("Respond = %q, %v", out, err)
	}
	if f.calls != 3 {
		t.Errorf("calls = %d, want 3", f.calls)
	}
}

func TestRetryingStopsOnNonRetryable(t *testing.T) {
	f := &flakyResponder{errs: []error{kind(models.ResponderErrorAuth)}}
	r := NewRetrying(f, WithBackoff(time.Millisecond))

	if _, err := r.ClassifyFollowUpEligibility(context.Background(), chat, nil); err == nil {
		t.Fatal("expected error")
	}
	if f.calls != 1 {
		t.Errorf("auth errors must not be retried, calls = %d", f.calls)
	}
}

func TestRetryingGivesUpAfterBudget(t *testing.T) {
	f := &flakyResponder{errs: []error{errors.New("boom")}}
	r := NewRetrying(f, WithAttempts(3), WithBackoff(time.Millisecond))

	_, err := r.GenerateFollowUpMessages(context.Background(), chat, nil, 1)
	var re *models.ResponderError
	if !errors.As(err, &re) || re.Kind != models.ResponderErrorUnknown {
		t.Errorf("expected classified unknown error, got %v", err)
	}
	if f.calls != 3 {
		t.Errorf("calls = %d, want 3", f.calls)
	}
}

func TestRetryingHonoursContext(t *testing.T) {
	f := &flakyResponder{errs: []error{errors.New("boom")}}
	r := NewRetrying(f, WithBackoff(time.Hour))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	if _, err := r.Respond(ctx, chat, "oi", ""); err == nil {
		t.Fatal("expected error")
	}
	if time.Since(start) > time.Second {
		t.Error("backoff ignored context cancellation")
	}
	if f.calls != 1 {
		t.Errorf("calls = %d, want 1", f.calls)
	}
}
