// Package recovery restores persisted state when the process starts and when
// a transport reconnects. Components register as Recoverable and the
// RecoveryManager runs them, collecting what each restored.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/ReplyPipe/internal/followup"
)

// Recoverable defines the interface for components that can recover their state.
type Recoverable interface {
	// RecoverState restores the component and records the outcome in registry.
	RecoverState(ctx context.Context, registry *RecoveryRegistry) error
}

// RecoveryRegistry collects the results of recovery runs.
type RecoveryRegistry struct {
	mu       sync.Mutex
	reports  []followup.RestoreReport
	failures int
}

// NewRecoveryRegistry creates an empty registry.
func NewRecoveryRegistry() *RecoveryRegistry {
	return &RecoveryRegistry{}
}

// RecordRestore stores the report of one follow-up restore.
func (r *RecoveryRegistry) RecordRestore(report followup.RestoreReport, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
	if err != nil {
		r.failures++
	}
}

// Reports returns the collected restore reports in recording order.
func (r *RecoveryRegistry) Reports() []followup.RestoreReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]followup.RestoreReport(nil), r.reports...)
}

// Totals sums the collected reports.
func (r *RecoveryRegistry) Totals() followup.RestoreReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	var t followup.RestoreReport
	for _, rep := range r.reports {
		t.Loaded += rep.Loaded
		t.Retroactive += rep.Retroactive
		t.Future += rep.Future
		t.Duplicates += rep.Duplicates
		t.Failed += rep.Failed
		t.Invalid += rep.Invalid
	}
	return t
}

// Failures returns how many recorded restores ended with an error.
func (r *RecoveryRegistry) Failures() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failures
}

// RecoveryManager orchestrates recovery of all registered components.
type RecoveryManager struct {
	registry *RecoveryRegistry

	mu           sync.Mutex
	recoverables []Recoverable
}

// NewRecoveryManager creates a new recovery manager.
func NewRecoveryManager() *RecoveryManager {
	return &RecoveryManager{registry: NewRecoveryRegistry()}
}

// RegisterRecoverable adds a component that can be recovered.
func (rm *RecoveryManager) RegisterRecoverable(r Recoverable) {
	rm.mu.Lock()
	defer rm.mu.Unlock()
	rm.recoverables = append(rm.recoverables, r)
}

// RecoverAll recovers every registered component. One failure does not stop
// the others.
func (rm *RecoveryManager) RecoverAll(ctx context.Context) error {
	rm.mu.Lock()
	recoverables := append([]Recoverable(nil), rm.recoverables...)
	rm.mu.Unlock()

	slog.Info("RecoveryManager.RecoverAll: starting", "components", len(recoverables))
	errorCount := 0
	for _, r := range recoverables {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.RecoverState(ctx, rm.registry); err != nil {
			slog.Error("RecoveryManager.RecoverAll: component recovery failed", "component", fmt.Sprintf("%T", r), "error", err)
			errorCount++
		}
	}

	t := rm.registry.Totals()
	slog.Info("RecoveryManager.RecoverAll: completed", "components", len(recoverables), "errors", errorCount,
		"retroactive", t.Retroactive, "future", t.Future, "duplicates", t.Duplicates)
	if errorCount > 0 {
		return fmt.Errorf("recovery completed with %d errors out of %d components", errorCount, len(recoverables))
	}
	return nil
}

// GetRegistry returns the registry collecting recovery results.
func (rm *RecoveryManager) GetRegistry() *RecoveryRegistry {
	return rm.registry
}
