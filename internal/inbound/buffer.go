// Package inbound aggregates bursts of inbound fragments per chat into a
// single turn using a debounce timer, and remembers which messages were
// already answered.
package inbound

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/BTreeMap/ReplyPipe/internal/timer"
	"github.com/BTreeMap/ReplyPipe/internal/util"
)

// DefaultDebounce is used when no debounce func is configured.
const DefaultDebounce = 10 * time.Second

const debounceLabel = "debounce"

// Fragment is one inbound piece of text waiting to be aggregated.
type Fragment struct {
	Text     string    `json:"text"`
	OriginID string    `json:"origin_id,omitempty"`
	At       time.Time `json:"at"`
}

// Turn is the aggregated result of one debounce window.
type Turn struct {
	ID        string                 `json:"id"`
	Key       models.ConversationKey `json:"key"`
	Text      string                 `json:"text"`
	Fragments []Fragment             `json:"fragments"`
}

// FlushFunc handles a turn. It runs with the chat's processing flag set, so
// at most one FlushFunc runs per chat at a time.
type FlushFunc func(ctx context.Context, turn Turn) error

// AnsweredLedger remembers message ids already handed to the responder.
type AnsweredLedger interface {
	Record(key models.ConversationKey, messageID string) error
	Has(key models.ConversationKey, messageID string) (bool, error)
}

type chatBuffer struct {
	key          models.ConversationKey
	fragments    []Fragment
	armed        bool
	processing   bool
	flushPending bool
}

// Buffer is the per-instance inbound debounce aggregator.
type Buffer struct {
	flush    FlushFunc
	ledger   AnsweredLedger
	debounce func(instanceID string) time.Duration
	timers   *timer.Timers
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	chats   map[string]*chatBuffer
	stopped bool
	wg      sync.WaitGroup
}

// Option configures a Buffer.
type Option func(*Buffer)

// WithDebounce sets how the debounce window is looked up per instance.
func WithDebounce(fn func(instanceID string) time.Duration) Option {
	return func(b *Buffer) { b.debounce = fn }
}

// WithClock overrides the time source used to stamp fragments.
func WithClock(now func() time.Time) Option {
	return func(b *Buffer) { b.now = now }
}

// NewBuffer creates a Buffer that hands flushed turns to flush.
func NewBuffer(flush FlushFunc, ledger AnsweredLedger, opts ...Option) *Buffer {
	ctx, cancel := context.WithCancel(context.Background())
	b := &Buffer{
		flush:    flush,
		ledger:   ledger,
		debounce: func(string) time.Duration { return DefaultDebounce },
		timers:   timer.New(),
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		chats:    make(map[string]*chatBuffer),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Append adds a fragment and restarts the chat's debounce timer.
func (b *Buffer) Append(key models.ConversationKey, text, originID string) error {
	if err := key.Validate(); err != nil {
		return err
	}
	delay := b.debounce(key.InstanceID)
	if delay <= 0 {
		delay = DefaultDebounce
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return models.ErrServiceStopped
	}

	group := key.String()
	cb, ok := b.chats[group]
	if !ok {
		cb = &chatBuffer{key: key}
		b.chats[group] = cb
	}
	cb.fragments = append(cb.fragments, Fragment{Text: text, OriginID: originID, At: b.now()})

	b.timers.CancelGroup(group)
	b.timers.After(group, debounceLabel, delay, func() { b.fire(group) })
	cb.armed = true

	slog.Debug("Buffer.Append: fragment buffered", "instanceID", key.InstanceID, "chatID", key.ChatID, "fragments", len(cb.fragments), "debounce", delay)
	return nil
}

// fire runs when a debounce timer expires.
func (b *Buffer) fire(group string) {
	b.mu.Lock()
	cb, ok := b.chats[group]
	if !ok || b.stopped {
		b.mu.Unlock()
		return
	}
	cb.armed = false
	if cb.processing {
		// Runs again once the in-flight turn finishes.
		cb.flushPending = true
		b.mu.Unlock()
		return
	}
	turn, ok := b.takeLocked(cb)
	if !ok {
		b.cleanupLocked(group, cb)
		b.mu.Unlock()
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()

	b.process(group, turn)
}

// takeLocked drains the chat's fragments into a turn and sets processing.
func (b *Buffer) takeLocked(cb *chatBuffer) (Turn, bool) {
	if len(cb.fragments) == 0 {
		return Turn{}, false
	}
	frags := cb.fragments
	cb.fragments = nil
	cb.processing = true
	cb.flushPending = false

	texts := make([]string, 0, len(frags))
	for _, f := range frags {
		texts = append(texts, f.Text)
	}
	return Turn{
		ID:        util.GenerateTurnID(),
		Key:       cb.key,
		Text:      strings.Join(texts, "\n"),
		Fragments: frags,
	}, true
}

func (b *Buffer) process(group string, turn Turn) {
	defer b.wg.Done()
	key := turn.Key

	for _, f := range turn.Fragments {
		if f.OriginID == "" {
			continue
		}
		if err := b.ledger.Record(key, f.OriginID); err != nil {
			slog.Warn("Buffer.process: failed to record answered message", "instanceID", key.InstanceID, "chatID", key.ChatID, "messageID", f.OriginID, "error", err)
		}
	}

	slog.Debug("Buffer.process: flushing turn", "instanceID", key.InstanceID, "chatID", key.ChatID, "turnID", turn.ID, "fragments", len(turn.Fragments))
	if err := b.safeFlush(turn); err != nil {
		slog.Error("Buffer.process: turn dropped", "instanceID", key.InstanceID, "chatID", key.ChatID, "turnID", turn.ID, "error", err)
	}

	b.mu.Lock()
	cb, ok := b.chats[group]
	if !ok {
		b.mu.Unlock()
		return
	}
	cb.processing = false
	if cb.flushPending && !cb.armed && !b.stopped {
		next, ok := b.takeLocked(cb)
		if ok {
			b.wg.Add(1)
			b.mu.Unlock()
			b.process(group, next)
			return
		}
	}
	b.cleanupLocked(group, cb)
	b.mu.Unlock()
}

func (b *Buffer) safeFlush(turn Turn) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in flush handler: %v", r)
		}
	}()
	return b.flush(b.ctx, turn)
}

func (b *Buffer) cleanupLocked(group string, cb *chatBuffer) {
	if !cb.processing && !cb.armed && len(cb.fragments) == 0 {
		delete(b.chats, group)
	}
}

// AlreadyAnswered reports whether messageID was flushed within the ledger
// TTL or is waiting in the chat's buffer.
func (b *Buffer) AlreadyAnswered(key models.ConversationKey, messageID string) (bool, error) {
	if messageID == "" {
		return false, nil
	}
	b.mu.Lock()
	if cb, ok := b.chats[key.String()]; ok {
		for _, f := range cb.fragments {
			if f.OriginID == messageID {
				b.mu.Unlock()
				return true, nil
			}
		}
	}
	b.mu.Unlock()
	return b.ledger.Has(key, messageID)
}

// Pending returns a copy of the fragments waiting for the chat's timer.
func (b *Buffer) Pending(key models.ConversationKey) []Fragment {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.chats[key.String()]
	if !ok {
		return nil
	}
	return append([]Fragment(nil), cb.fragments...)
}

// IsProcessing reports whether a turn for the chat is being handled.
func (b *Buffer) IsProcessing(key models.ConversationKey) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	cb, ok := b.chats[key.String()]
	return ok && cb.processing
}

// Cancel drops buffered fragments and the debounce timer of the chat. A turn
// already being processed is not interrupted.
func (b *Buffer) Cancel(key models.ConversationKey) int {
	group := key.String()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.timers.CancelGroup(group)
	cb, ok := b.chats[group]
	if !ok {
		return 0
	}
	n := len(cb.fragments)
	cb.fragments = nil
	cb.armed = false
	cb.flushPending = false
	b.cleanupLocked(group, cb)
	return n
}

// Stop cancels all timers and waits for in-flight turns until ctx is done.
// Buffered fragments that never flushed are discarded.
func (b *Buffer) Stop(ctx context.Context) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	b.timers.Stop()
	dropped := 0
	for _, cb := range b.chats {
		dropped += len(cb.fragments)
	}
	b.mu.Unlock()

	if dropped > 0 {
		slog.Warn("Buffer.Stop: discarding unflushed fragments", "count", dropped)
	}

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	defer b.cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
