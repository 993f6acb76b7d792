// Package outbound serializes outgoing messages per chat. Each chat has a FIFO
// drained by at most one goroutine; different chats drain concurrently.
package outbound

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/google/uuid"
)

// Typing defaults.
const (
	DefaultTypingPerChar = 40 * time.Millisecond
	DefaultMaxTyping     = 6 * time.Second
)

// Transport sends messages for the queue.
type Transport interface {
	Send(ctx context.Context, key models.ConversationKey, text string) (string, error)
	SimulateTyping(ctx context.Context, key models.ConversationKey, d time.Duration) error
}

// ActivityMarker flags chats engaged by the bot.
type ActivityMarker interface {
	MarkActive(key models.ConversationKey) (bool, error)
}

// SentLedger records ids of messages sent by the bot.
type SentLedger interface {
	Record(key models.ConversationKey, messageID string) error
}

// SentRecorder keeps the audit history of sent messages.
type SentRecorder interface {
	AddSentMessage(m models.SentMessage) error
}

// TypingFunc returns the per-character delay and its cap for an instance.
type TypingFunc func(instanceID string) (perChar, maxDelay time.Duration)

// Result is the outcome of one enqueued message.
type Result struct {
	MessageID string
	Err       error
	Skipped   bool
}

type task struct {
	text       string
	enqueuedAt time.Time
	result     chan Result
}

type chatQueue struct {
	key      models.ConversationKey
	items    []task
	sending  bool
	lastText string
}

// Queue is the per-instance outgoing delivery queue.
type Queue struct {
	transport Transport
	marker    ActivityMarker
	ledger    SentLedger
	history   SentRecorder
	emitter   models.Emitter
	typing    TypingFunc
	now       func() time.Time
	sleep     func(ctx context.Context, d time.Duration) error

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	chats   map[string]*chatQueue
	stopped bool
	wg      sync.WaitGroup

	sent    atomic.Int64
	failed  atomic.Int64
	skipped atomic.Int64
}

// Option configures a Queue.
type Option func(*Queue)

// WithTyping sets how typing delays are computed.
func WithTyping(fn TypingFunc) Option {
	return func(q *Queue) { q.typing = fn }
}

// WithEmitter sets the event sink.
func WithEmitter(e models.Emitter) Option {
	return func(q *Queue) { q.emitter = e }
}

// WithHistory sets the sent message audit recorder.
func WithHistory(h SentRecorder) Option {
	return func(q *Queue) { q.history = h }
}

// NewQueue creates a Queue delivering through transport.
func NewQueue(transport Transport, marker ActivityMarker, ledger SentLedger, opts ...Option) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		transport: transport,
		marker:    marker,
		ledger:    ledger,
		emitter:   models.NopEmitter{},
		typing:    func(string) (time.Duration, time.Duration) { return DefaultTypingPerChar, DefaultMaxTyping },
		now:       time.Now,
		sleep:     sleepContext,
		ctx:       ctx,
		cancel:    cancel,
		chats:     make(map[string]*chatQueue),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// TypingDelay returns min(chars*perChar, maxDelay).
func TypingDelay(text string, perChar, maxDelay time.Duration) time.Duration {
	if perChar <= 0 || maxDelay <= 0 {
		return 0
	}
	d := time.Duration(utf8.RuneCountInString(text)) * perChar
	if d > maxDelay {
		return maxDelay
	}
	return d
}

// Enqueue appends text to the chat's FIFO and starts draining if idle. The
// returned channel receives exactly one Result; callers may ignore it.
func (q *Queue) Enqueue(key models.ConversationKey, text string) <-chan Result {
	result := make(chan Result, 1)
	if err := key.Validate(); err != nil {
		result <- Result{Err: err}
		return result
	}
	if strings.TrimSpace(text) == "" {
		result <- Result{Err: models.NewValidationError("text", text, "must not be empty"), Skipped: true}
		return result
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		result <- Result{Err: models.ErrQueueStopped}
		return result
	}

	group := key.String()
	cq, ok := q.chats[group]
	if !ok {
		cq = &chatQueue{key: key}
		q.chats[group] = cq
	}
	cq.items = append(cq.items, task{text: text, enqueuedAt: q.now(), result: result})

	if !cq.sending {
		cq.sending = true
		q.wg.Add(1)
		go q.drain(group)
	}
	return result
}

// drain sends the chat's items one at a time until the FIFO is empty.
func (q *Queue) drain(group string) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		cq, ok := q.chats[group]
		if !ok || len(cq.items) == 0 || q.stopped {
			if ok {
				cq.sending = false
				if len(cq.items) == 0 && cq.lastText == "" {
					delete(q.chats, group)
				}
			}
			q.mu.Unlock()
			return
		}
		t := cq.items[0]
		cq.items = cq.items[1:]
		last := cq.lastText
		q.mu.Unlock()

		res := q.safeDeliver(cq.key, t, last)

		if res.Err == nil && !res.Skipped {
			q.mu.Lock()
			cq.lastText = t.text
			q.mu.Unlock()
		}
		t.result <- res
	}
}

func (q *Queue) safeDeliver(key models.ConversationKey, t task, last string) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Queue.deliver: panic recovered", "instanceID", key.InstanceID, "chatID", key.ChatID, "panic", r)
			res = Result{Err: &models.TransportError{Op: "send", Err: fmt.Errorf("panic: %v", r)}}
			q.failed.Add(1)
		}
	}()
	return q.deliver(key, t, last)
}

func (q *Queue) deliver(key models.ConversationKey, t task, last string) Result {
	if t.text == last {
		q.skipped.Add(1)
		slog.Info("Queue.deliver: duplicate message suppressed", "instanceID", key.InstanceID, "chatID", key.ChatID)
		return Result{Skipped: true, Err: models.ErrDuplicateMessage}
	}

	perChar, maxDelay := q.typing(key.InstanceID)
	if delay := TypingDelay(t.text, perChar, maxDelay); delay > 0 {
		if err := q.transport.SimulateTyping(q.ctx, key, delay); err != nil {
			slog.Debug("Queue.deliver: typing indicator failed", "instanceID", key.InstanceID, "chatID", key.ChatID, "error", err)
		}
		if err := q.sleep(q.ctx, delay); err != nil {
			return Result{Err: models.ErrQueueStopped}
		}
	}

	messageID, err := q.transport.Send(q.ctx, key, t.text)
	if err != nil {
		q.failed.Add(1)
		slog.Error("Queue.deliver: send failed", "instanceID", key.InstanceID, "chatID", key.ChatID, "error", err)
		return Result{Err: &models.TransportError{Op: "send", Err: err}}
	}
	sentAt := q.now()
	q.sent.Add(1)

	if _, err := q.marker.MarkActive(key); err != nil {
		slog.Warn("Queue.deliver: failed to mark chat active", "instanceID", key.InstanceID, "chatID", key.ChatID, "error", err)
	}
	if err := q.ledger.Record(key, messageID); err != nil {
		slog.Warn("Queue.deliver: failed to record sent-by-bot id", "instanceID", key.InstanceID, "chatID", key.ChatID, "messageID", messageID, "error", err)
	}
	if q.history != nil {
		err := q.history.AddSentMessage(models.SentMessage{
			InstanceID: key.InstanceID,
			ChatID:     key.ChatID,
			MessageID:  messageID,
			Body:       t.text,
			SentAt:     sentAt,
		})
		if err != nil {
			perr := &models.PersistenceError{Op: "add sent message", InstanceID: key.InstanceID, Err: err}
			slog.Warn("Queue.deliver: audit history not saved", "chatID", key.ChatID, "error", perr)
		}
	}

	q.emitter.Emit(models.Event{
		ID:         uuid.NewString(),
		Type:       models.EventMessageSent,
		InstanceID: key.InstanceID,
		ChatID:     key.ChatID,
		Text:       t.text,
		LatencyMs:  sentAt.Sub(t.enqueuedAt).Milliseconds(),
		Time:       sentAt,
	})
	slog.Debug("Queue.deliver: message sent", "instanceID", key.InstanceID, "chatID", key.ChatID, "messageID", messageID)
	return Result{MessageID: messageID}
}

// Len returns the number of items waiting for the chat (excluding one in flight).
func (q *Queue) Len(key models.ConversationKey) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if cq, ok := q.chats[key.String()]; ok {
		return len(cq.items)
	}
	return 0
}

// IsSending reports whether a drain loop is running for the chat.
func (q *Queue) IsSending(key models.ConversationKey) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	cq, ok := q.chats[key.String()]
	return ok && cq.sending
}

// Clear forgets the last sent text of idle chats, used on logout.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for group, cq := range q.chats {
		if !cq.sending && len(cq.items) == 0 {
			delete(q.chats, group)
		}
	}
}

// Stats are the queue counters.
type Stats struct {
	Sent    int64 `json:"sent"`
	Failed  int64 `json:"failed"`
	Skipped int64 `json:"skipped"`
}

// Stats returns the queue counters.
func (q *Queue) Stats() Stats {
	return Stats{Sent: q.sent.Load(), Failed: q.failed.Load(), Skipped: q.skipped.Load()}
}

// Stop rejects new messages, resolves queued ones with ErrQueueStopped and
// waits for in-flight sends until ctx is done.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return nil
	}
	q.stopped = true
	dropped := 0
	for _, cq := range q.chats {
		for _, t := range cq.items {
			t.result <- Result{Err: models.ErrQueueStopped}
			dropped++
		}
		cq.items = nil
	}
	q.mu.Unlock()
	if dropped > 0 {
		slog.Warn("Queue.Stop: dropped queued messages", "count", dropped)
	}

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		return ctx.Err()
	}
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
