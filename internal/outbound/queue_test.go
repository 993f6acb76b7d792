package outbound

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/BTreeMap/ReplyPipe/internal/store"
)

var chat = models.ConversationKey{InstanceID: "main", ChatID: "5511999@s.whatsapp.net"}

type fakeTransport struct {
	mu       sync.Mutex
	sends    []string
	typing   []time.Duration
	inFlight map[string]int
	overlap  atomic.Bool
	delay    time.Duration
	failOn   string
	nextID   int
}

func newFakeTransport(delay time.Duration) *fakeTransport {
	return &fakeTransport{inFlight: map[string]int{}, delay: delay}
}

func (f *fakeTransport) Send(_ context.Context, key models.ConversationKey, text string) (string, error) {
	f.mu.Lock()
	f.inFlight[key.ChatID]++
	if f.inFlight[key.ChatID] > 1 {
		f.overlap.Store(true)
	}
	f.mu.Unlock()

	time.Sleep(f.delay)

	f.mu.Lock()
	defer f.mu.Unlock()
	f.inFlight[key.ChatID]--
	if text == f.failOn {
		return "", errors.New("socket closed")
	}
	f.sends = append(f.sends, key.ChatID+":"+text)
	f.nextID++
	return fmt.Sprintf("BOT%d", f.nextID), nil
}

func (f *fakeTransport) SimulateTyping(_ context.Context, _ models.ConversationKey, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.typing = append(f.typing, d)
	return nil
}

func (f *fakeTransport) sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sends...)
}

type fakeMarker struct{ calls atomic.Int32 }

func (m *fakeMarker) MarkActive(models.ConversationKey) (bool, error) {
	m.calls.Add(1)
	return true, nil
}

type eventLog struct {
	mu     sync.Mutex
	events []models.Event
}

func (e *eventLog) Emit(ev models.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func noTyping() Option {
	return WithTyping(func(string) (time.Duration, time.Duration) { return 0, 0 })
}

func await(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
		return Result{}
	}
}

func TestFIFOOneAtATime(t *testing.T) {
	tr := newFakeTransport(5 * time.Millisecond)
	q := NewQueue(tr, &fakeMarker{}, store.NewLedger(store.NewInMemoryStore(), store.LedgerSentByBot, 0), noTyping())
	defer q.Stop(context.Background())

	var results []<-chan Result
	for i := 1; i <= 5; i++ {
		results = append(results, q.Enqueue(chat, fmt.Sprintf("m%d", i)))
	}
	for _, ch := range results {
		if r := await(t, ch); r.Err != nil {
			t.Fatalf("unexpected error: %v", r.Err)
		}
	}

	got := tr.sent()
	for i, s := range got {
		if want := fmt.Sprintf("%s:m%d", chat.ChatID, i+1); s != want {
			t.Errorf("send %d = %q, want %q", i, s, want)
		}
	}
	if tr.overlap.Load() {
		t.Error("two sends overlapped for the same chat")
	}
}

func TestChatsDrainConcurrently(t *testing.T) {
	tr := newFakeTransport(50 * time.Millisecond)
	q := NewQueue(tr, &fakeMarker{}, store.NewLedger(store.NewInMemoryStore(), store.LedgerSentByBot, 0), noTyping())
	defer q.Stop(context.Background())

	other := models.ConversationKey{InstanceID: "main", ChatID: "5511888@s.whatsapp.net"}
	start := time.Now()
	a := q.Enqueue(chat, "a")
	b := q.Enqueue(other, "b")
	await(t, a)
	await(t, b)
	if elapsed := time.Since(start); elapsed > 90*time.Millisecond {
		t.Errorf("chats were serialized: %v", elapsed)
	}
}

func TestSendSideEffects(t *testing.T) {
	tr := newFakeTransport(0)
	mem := store.NewInMemoryStore()
	ledger := store.NewLedger(mem, store.LedgerSentByBot, 0)
	marker := &fakeMarker{}
	events := &eventLog{}
	q := NewQueue(tr, marker, ledger, noTyping(), WithHistory(mem), WithEmitter(events))
	defer q.Stop(context.Background())

	r := await(t, q.Enqueue(chat, "hello"))
	if r.Err != nil || r.MessageID == "" {
		t.Fatalf("result = %+v", r)
	}
	if ok, _ := ledger.Has(chat, r.MessageID); !ok {
		t.Error("message id not recorded in sent-by-bot ledger")
	}
	if marker.calls.Load() != 1 {
		t.Error("chat not marked active")
	}
	msgs, _ := mem.GetSentMessages("main", chat.ChatID, 0)
	if len(msgs) != 1 || msgs[0].Body != "hello" {
		t.Errorf("history = %+v", msgs)
	}
	if len(events.events) != 1 || events.events[0].Type != models.EventMessageSent {
		t.Errorf("events = %+v", events.events)
	}
	if q.Stats().Sent != 1 {
		t.Errorf("sent counter = %d", q.Stats().Sent)
	}
}

func TestDuplicateOfPreviousMessageSuppressed(t *testing.T) {
	tr := newFakeTransport(0)
	q := NewQueue(tr, &fakeMarker{}, store.NewLedger(store.NewInMemoryStore(), store.LedgerSentByBot, 0), noTyping())
	defer q.Stop(context.Background())

	await(t, q.Enqueue(chat, "same"))
	r := await(t, q.Enqueue(chat, "same"))
	if !r.Skipped || !errors.Is(r.Err, models.ErrDuplicateMessage) {
		t.Errorf("duplicate result = %+v", r)
	}
	await(t, q.Enqueue(chat, "different"))
	await(t, q.Enqueue(chat, "same"))

	if got := len(tr.sent()); got != 3 {
		t.Errorf("sends = %d, want 3", got)
	}
}

func TestTransportFailureDoesNotBlockQueue(t *testing.T) {
	tr := newFakeTransport(0)
	tr.failOn = "bad"
	q := NewQueue(tr, &fakeMarker{}, store.NewLedger(store.NewInMemoryStore(), store.LedgerSentByBot, 0), noTyping())
	defer q.Stop(context.Background())

	bad := q.Enqueue(chat, "bad")
	good := q.Enqueue(chat, "good")

	r := await(t, bad)
	var terr *models.TransportError
	if !errors.As(r.Err, &terr) {
		t.Errorf("expected TransportError, got %v", r.Err)
	}
	if r := await(t, good); r.Err != nil {
		t.Errorf("next item failed: %v", r.Err)
	}
	if got := tr.sent(); len(got) != 1 {
		t.Errorf("failed item should not be retried, sends = %v", got)
	}
}

func TestTypingDelayCapped(t *testing.T) {
	if d := TypingDelay("hello", 40*time.Millisecond, 6*time.Second); d != 200*time.Millisecond {
		t.Errorf("short delay = %v", d)
	}
	long := string(make([]byte, 1000))
	if d := TypingDelay(long, 40*time.Millisecond, 6*time.Second); d != 6*time.Second {
		t.Errorf("long delay = %v, want cap", d)
	}
	if d := TypingDelay("ação", 10*time.Millisecond, time.Second); d != 40*time.Millisecond {
		t.Errorf("delay should count runes, got %v", d)
	}

	tr := newFakeTransport(0)
	var slept time.Duration
	q := NewQueue(tr, &fakeMarker{}, store.NewLedger(store.NewInMemoryStore(), store.LedgerSentByBot, 0),
		WithTyping(func(string) (time.Duration, time.Duration) { return 10 * time.Millisecond, 30 * time.Millisecond }))
	q.sleep = func(_ context.Context, d time.Duration) error { slept += d; return nil }
	defer q.Stop(context.Background())

	await(t, q.Enqueue(chat, "hello world"))
	if slept != 30*time.Millisecond {
		t.Errorf("slept %v, want capped 30ms", slept)
	}
	if len(tr.typing) != 1 || tr.typing[0] != 30*time.Millisecond {
		t.Errorf("typing indicator = %v", tr.typing)
	}
}

func TestInvalidInputAndStop(t *testing.T) {
	tr := newFakeTransport(20 * time.Millisecond)
	q := NewQueue(tr, &fakeMarker{}, store.NewLedger(store.NewInMemoryStore(), store.LedgerSentByBot, 0), noTyping())

	if r := await(t, q.Enqueue(models.ConversationKey{InstanceID: "main", ChatID: "x"}, "hi")); !errors.Is(r.Err, models.ErrValidation) {
		t.Errorf("invalid key err = %v", r.Err)
	}
	if r := await(t, q.Enqueue(chat, "   ")); !errors.Is(r.Err, models.ErrValidation) {
		t.Errorf("empty text err = %v", r.Err)
	}

	first := q.Enqueue(chat, "one")
	second := q.Enqueue(chat, "two")
	time.Sleep(5 * time.Millisecond)
	if err := q.Stop(context.Background()); err != nil {
		t.Fatal(err)
	}
	if r := await(t, first); r.Err != nil {
		t.Errorf("in-flight send should complete, got %v", r.Err)
	}
	if r := await(t, second); !errors.Is(r.Err, models.ErrQueueStopped) {
		t.Errorf("queued item err = %v, want ErrQueueStopped", r.Err)
	}
	if r := await(t, q.Enqueue(chat, "three")); !errors.Is(r.Err, models.ErrQueueStopped) {
		t.Errorf("enqueue after stop err = %v", r.Err)
	}
}
