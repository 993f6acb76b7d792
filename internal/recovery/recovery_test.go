package recovery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/followup"
)

type mockRecoverable struct {
	report followup.RestoreReport
	err    error
	calls  int
	done   chan struct{}
}

func (m *mockRecoverable) RecoverState(ctx context.Context, registry *RecoveryRegistry) error {
	m.calls++
	registry.RecordRestore(m.report, m.err)
	if m.done != nil {
		close(m.done)
	}
	return m.err
}

func TestRecoverAll(t *testing.T) {
	rm := NewRecoveryManager()
	a := &mockRecoverable{report: followup.RestoreReport{InstanceID: "a", Loaded: 3, Retroactive: 1, Future: 2}}
	b := &mockRecoverable{report: followup.RestoreReport{InstanceID: "b", Loaded: 1, Duplicates: 1}}
	rm.RegisterRecoverable(a)
	rm.RegisterRecoverable(b)

	if err := rm.RecoverAll(context.Background()); err != nil {
		t.Fatalf("RecoverAll: %v", err)
	}
	if a.calls != 1 || b.calls != 1 {
		t.Errorf("each component should be recovered once, got %d and %d", a.calls, b.calls)
	}
	reports := rm.GetRegistry().Reports()
	if len(reports) != 2 || reports[0].InstanceID != "a" {
		t.Errorf("unexpected reports %+v", reports)
	}
	total := rm.GetRegistry().Totals()
	if total.Loaded != 4 || total.Retroactive != 1 || total.Future != 2 || total.Duplicates != 1 {
		t.Errorf("unexpected totals %+v", total)
	}
}

func TestRecoverAllContinuesAfterFailure(t *testing.T) {
	rm := NewRecoveryManager()
	failing := &mockRecoverable{err: errors.New("store down")}
	ok := &mockRecoverable{}
	rm.RegisterRecoverable(failing)
	rm.RegisterRecoverable(ok)

	if err := rm.RecoverAll(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if ok.calls != 1 {
		t.Error("healthy component should still be recovered")
	}
	if rm.GetRegistry().Failures() != 1 {
		t.Errorf("Failures = %d, want 1", rm.GetRegistry().Failures())
	}
}

func TestRecoverAllCancelled(t *testing.T) {
	rm := NewRecoveryManager()
	m := &mockRecoverable{}
	rm.RegisterRecoverable(m)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := rm.RecoverAll(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("RecoverAll = %v, want context.Canceled", err)
	}
	if m.calls != 0 {
		t.Error("no component should run after cancellation")
	}
}

func TestReconnectHandler(t *testing.T) {
	m := &mockRecoverable{done: make(chan struct{})}
	handler := ReconnectHandler(m, 0)
	go handler()
	select {
	case <-m.done:
	case <-time.After(time.Second):
		t.Fatal("reconnect handler did not recover")
	}
}
