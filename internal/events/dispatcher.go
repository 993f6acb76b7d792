// Package events fans core notifications out to observers (logs, Prometheus,
// NATS, live WebSocket clients) without ever blocking the emitting component.
package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/google/uuid"
)

// DefaultBuffer is the dispatcher queue size.
const DefaultBuffer = 1024

// Sink receives dispatched events on the dispatcher goroutine.
type Sink interface {
	Handle(e models.Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(e models.Event)

// Handle calls f(e).
func (f SinkFunc) Handle(e models.Event) { f(e) }

// Dispatcher queues events and delivers them to its sinks in order. Emit never
// blocks: when the queue is full the event is dropped and counted.
type Dispatcher struct {
	ch      chan models.Event
	done    chan struct{}
	dropped atomic.Int64
	started atomic.Bool

	mu     sync.RWMutex
	sinks  []Sink
	closed bool
}

// NewDispatcher creates a dispatcher with the given queue size.
func NewDispatcher(buffer int, sinks ...Sink) *Dispatcher {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Dispatcher{
		ch:    make(chan models.Event, buffer),
		done:  make(chan struct{}),
		sinks: sinks,
	}
}

// Add registers another sink.
func (d *Dispatcher) Add(s Sink) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sinks = append(d.sinks, s)
}

// Start launches the delivery goroutine. Calling it twice is a no-op.
func (d *Dispatcher) Start() {
	if !d.started.CompareAndSwap(false, true) {
		return
	}
	go d.run()
}

// Emit implements models.Emitter.
func (d *Dispatcher) Emit(e models.Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		d.dropped.Add(1)
		return
	}
	select {
	case d.ch <- e:
	default:
		if n := d.dropped.Add(1); n == 1 || n%100 == 0 {
			slog.Warn("Dispatcher.Emit: queue full, dropping events", "type", e.Type, "dropped", n)
		}
	}
}

// Dropped returns how many events were discarded.
func (d *Dispatcher) Dropped() int64 { return d.dropped.Load() }

func (d *Dispatcher) run() {
	defer close(d.done)
	for e := range d.ch {
		d.mu.RLock()
		sinks := d.sinks
		d.mu.RUnlock()
		for _, s := range sinks {
			deliver(s, e)
		}
	}
}

func deliver(s Sink, e models.Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Dispatcher.deliver: sink panicked", "type", e.Type, "panic", r)
		}
	}()
	s.Handle(e)
}

// Close stops accepting events and waits until queued ones are delivered.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.ch)
	d.mu.Unlock()

	if !d.started.Load() {
		return nil
	}
	select {
	case <-d.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

var _ models.Emitter = (*Dispatcher)(nil)
