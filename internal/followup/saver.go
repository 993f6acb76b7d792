package followup

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// DefaultSaveDelay is the window in which save requests are coalesced.
const DefaultSaveDelay = 2 * time.Second

// Saver coalesces persistence requests for one instance into a single write.
// Requests arriving within the delay of the first one share its write. A
// request made while a write is in flight is re-queued, never dropped, and at
// most one write runs at a time.
type Saver struct {
	instanceID string
	delay      time.Duration
	save       func() error

	mu      sync.Mutex
	timer   *time.Timer
	saving  bool
	pending bool
	stopped bool
	writes  int64

	sem chan struct{}
}

// NewSaver creates a Saver calling save at most once per delay.
func NewSaver(instanceID string, delay time.Duration, save func() error) *Saver {
	if delay <= 0 {
		delay = DefaultSaveDelay
	}
	return &Saver{
		instanceID: instanceID,
		delay:      delay,
		save:       save,
		sem:        make(chan struct{}, 1),
	}
}

// Request schedules a write.
func (s *Saver) Request() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if s.saving {
		s.pending = true
		return
	}
	if s.timer == nil {
		s.timer = time.AfterFunc(s.delay, s.run)
	}
}

func (s *Saver) run() {
	s.mu.Lock()
	s.timer = nil
	if s.saving {
		s.pending = true
		s.mu.Unlock()
		return
	}
	s.saving = true
	s.mu.Unlock()

	s.sem <- struct{}{}
	s.write()
}

// write runs save while holding sem and releases it.
func (s *Saver) write() error {
	err := s.save()

	s.mu.Lock()
	s.writes++
	s.saving = false
	again := s.pending && !s.stopped
	s.pending = false
	if again && s.timer == nil {
		s.timer = time.AfterFunc(s.delay, s.run)
	}
	s.mu.Unlock()
	<-s.sem

	if err != nil {
		slog.Error("Saver.write: failed to persist follow-up state", "instanceID", s.instanceID, "error", err)
	}
	return err
}

// Flush cancels any armed timer and writes now, waiting for an in-flight
// write to finish first.
func (s *Saver) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.mu.Lock()
	s.saving = true
	s.pending = false
	s.mu.Unlock()
	return s.write()
}

// Stop refuses further requests and performs a final write.
func (s *Saver) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
	return s.Flush(ctx)
}

// Writes returns the number of completed writes.
func (s *Saver) Writes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}
