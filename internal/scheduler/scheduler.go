// Package scheduler runs the periodic maintenance jobs of ReplyPipe on a cron
// schedule: pruning expired message ledger entries and flushing follow-up
// state to the durable store.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Default maintenance schedules.
const (
	PruneSchedule = "@every 1h"
	FlushSchedule = "@every 5m"
	flushTimeout  = 30 * time.Second
)

// Pruner deletes expired ledger entries.
type Pruner interface {
	PruneExpired(now time.Time) (int64, error)
}

// Flusher writes pending state to durable storage.
type Flusher interface {
	Flush(ctx context.Context) error
}

// slogLogger adapts cron's logger to slog.
type slogLogger struct{}

func (slogLogger) Info(msg string, keysAndValues ...interface{}) {
	slog.Debug("cron: "+msg, keysAndValues...)
}

func (slogLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	slog.Error("cron: "+msg, append([]interface{}{"error", err}, keysAndValues...)...)
}

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler. A job still running when
// its next tick arrives is skipped. Panics are recovered inside the skip
// guard so a panicking job still releases it.
func NewScheduler() *Scheduler {
	logger := slogLogger{}
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.SkipIfStillRunning(logger), cron.Recover(logger)),
	)
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules a task using the provided cron expression or descriptor.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// Len returns the number of scheduled jobs.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Stop stops the cron scheduler and waits for running jobs until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	select {
	case <-s.cron.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// PruneJob returns a job removing expired ledger entries.
func PruneJob(p Pruner, now func() time.Time) func() {
	return func() {
		n, err := p.PruneExpired(now())
		if err != nil {
			slog.Warn("scheduler.PruneJob: prune failed", "error", err)
			return
		}
		slog.Debug("scheduler.PruneJob: expired ledger entries removed", "count", n)
	}
}

// FlushJob returns a job flushing every Flusher reported by list.
func FlushJob(list func() []Flusher) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), flushTimeout)
		defer cancel()
		failed := 0
		flushers := list()
		for _, f := range flushers {
			if err := f.Flush(ctx); err != nil {
				failed++
				slog.Warn("scheduler.FlushJob: flush failed", "error", err)
			}
		}
		slog.Debug("scheduler.FlushJob: flushed", "count", len(flushers), "failed", failed)
	}
}

// RegisterMaintenance adds the ledger pruning and follow-up flush jobs.
func RegisterMaintenance(s *Scheduler, p Pruner, flushers func() []Flusher) error {
	if err := s.AddJob(PruneSchedule, PruneJob(p, time.Now)); err != nil {
		return err
	}
	return s.AddJob(FlushSchedule, FlushJob(flushers))
}
