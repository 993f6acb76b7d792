package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/inbound"
	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/BTreeMap/ReplyPipe/internal/outbound"
	"github.com/BTreeMap/ReplyPipe/internal/settings"
	"github.com/BTreeMap/ReplyPipe/internal/store"
	"github.com/BTreeMap/ReplyPipe/internal/testutil"
)

var chat = models.ConversationKey{InstanceID: "main", ChatID: "5511999@s.whatsapp.net"}

type fakeTransport struct {
	mu      sync.Mutex
	sent    []string
	n       int
	in      chan models.InboundMessage
	stopped bool
	logout  []func()
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{in: make(chan models.InboundMessage, 16)}
}

func (f *fakeTransport) Send(ctx context.Context, key models.ConversationKey, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.n++
	f.sent = append(f.sent, text)
	return fmt.Sprintf("BOT%d", f.n), nil
}

func (f *fakeTransport) SimulateTyping(ctx context.Context, key models.ConversationKey, d time.Duration) error {
	return nil
}

func (f *fakeTransport) Start(ctx context.Context) error { return nil }

func (f *fakeTransport) Stop() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.stopped {
		f.stopped = true
		close(f.in)
	}
	return nil
}

func (f *fakeTransport) Inbound() <-chan models.InboundMessage { return f.in }

func (f *fakeTransport) OnLoggedOut(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logout = append(f.logout, fn)
}

func (f *fakeTransport) loggedOut() {
	f.mu.Lock()
	hooks := append([]func(){}, f.logout...)
	f.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

func (f *fakeTransport) Sent() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

type fakeResponder struct {
	mu    sync.Mutex
	calls []string
	reply string
	err   error
}

func (r *fakeResponder) Respond(ctx context.Context, key models.ConversationKey, text, contextName string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, text)
	if r.err != nil {
		return "", r.err
	}
	// Replies differ so the queue's duplicate suppression stays out of the way.
	return fmt.Sprintf("%s (%d)", r.reply, len(r.calls)), nil
}

func (r *fakeResponder) ClassifyFollowUpEligibility(ctx context.Context, key models.ConversationKey, turns []models.Turn) (bool, error) {
	return true, nil
}

func (r *fakeResponder) GenerateFollowUpMessages(ctx context.Context, key models.ConversationKey, turns []models.Turn, count int) ([]string, error) {
	return []string{"Ainda por aí?"}, nil
}

func (r *fakeResponder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []models.Event
}

func (e *recordingEmitter) Emit(ev models.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *recordingEmitter) count(t models.EventType) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, ev := range e.events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

type harness struct {
	inst      *Instance
	transport *fakeTransport
	responder *fakeResponder
	settings  *settings.Provider
	events    *recordingEmitter
}

func newHarness(t *testing.T, mutate func(*models.Settings)) *harness {
	t.Helper()
	base := models.DefaultSettings()
	base.FollowUpUseAI = false
	if mutate != nil {
		mutate(&base)
	}
	h := &harness{
		transport: newFakeTransport(),
		responder: &fakeResponder{reply: "Olá! Como posso ajudar?"},
		settings:  settings.NewProvider(base),
		events:    &recordingEmitter{},
	}
	mem := store.NewInMemoryStore()
	inst, err := NewInstance(Config{
		InstanceID:    "main",
		Transport:     h.transport,
		Responder:     h.responder,
		Settings:      h.settings,
		FollowUps:     mem,
		Ledgers:       mem,
		History:       mem,
		Emitter:       h.events,
		BufferOptions: []inbound.Option{inbound.WithDebounce(func(string) time.Duration { return 30 * time.Millisecond })},
		QueueOptions:  []outbound.Option{outbound.WithTyping(func(string) (time.Duration, time.Duration) { return 0, 0 })},
	})
	if err != nil {
		t.Fatalf("NewInstance: %v", err)
	}
	h.inst = inst
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		inst.Stop(ctx)
	})
	return h
}

func text(id, body string) models.InboundMessage {
	return models.InboundMessage{Key: chat, MessageID: id, Content: models.TextContent(body), ReceivedAt: time.Now()}
}

func TestBurstAggregatedIntoOneReply(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if err := h.inst.HandleInbound(ctx, text("M1", "oi")); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	if err := h.inst.HandleInbound(ctx, text("M2", "tudo bem?")); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}

	testutil.WaitFor(t, "reply sent", func() bool { return len(h.transport.Sent()) == 1 })
	calls := h.responder.Calls()
	if len(calls) != 1 || calls[0] != "oi\ntudo bem?" {
		t.Errorf("responder calls = %q", calls)
	}
	if active, _ := h.inst.Registry().IsActive(chat); !active {
		t.Error("chat should be marked active after the first reply")
	}
	turns := h.inst.Turns().Recent(chat, 0)
	if len(turns) != 2 || turns[0].Role != models.TurnRoleUser || turns[1].Role != models.TurnRoleAssistant {
		t.Errorf("unexpected transcript %+v", turns)
	}
	if h.events.count(models.EventMessageReceived) != 2 {
		t.Errorf("expected 2 message_received events, got %d", h.events.count(models.EventMessageReceived))
	}
}

func TestRedeliveredMessageIgnored(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.inst.HandleInbound(ctx, text("M1", "oi"))
	h.inst.HandleInbound(ctx, text("M1", "oi"))
	testutil.WaitFor(t, "reply sent", func() bool { return len(h.transport.Sent()) == 1 })

	h.inst.HandleInbound(ctx, text("M1", "oi"))
	time.Sleep(80 * time.Millisecond)
	if calls := h.responder.Calls(); len(calls) != 1 || calls[0] != "oi" {
		t.Errorf("redelivery reached the responder: %q", calls)
	}
}

func TestHumanReplyPausesAutomation(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.inst.HandleInbound(ctx, text("M1", "oi"))
	testutil.WaitFor(t, "reply sent", func() bool { return len(h.transport.Sent()) == 1 })

	// The echo of the bot's own message is not an intervention.
	echo := text("BOT1", h.transport.Sent()[0])
	echo.IsFromSelf = true
	h.inst.HandleInbound(ctx, echo)
	if ok, _ := h.inst.Machine().CanRespond(chat); !ok {
		t.Fatal("bot echo must not pause the chat")
	}

	human := text("PHONE1", "Aqui é o João, deixa comigo")
	human.IsFromSelf = true
	h.inst.HandleInbound(ctx, human)
	if ok, _ := h.inst.Machine().CanRespond(chat); ok {
		t.Fatal("human reply on an active chat should pause automation")
	}

	h.inst.HandleInbound(ctx, text("M2", "obrigado"))
	time.Sleep(80 * time.Millisecond)
	if n := len(h.responder.Calls()); n != 1 {
		t.Errorf("responder called %d times, want 1", n)
	}
	turns := h.inst.Turns().Recent(chat, 0)
	if last := turns[len(turns)-1]; last.Text != "obrigado" {
		t.Errorf("customer message while paused should still be logged, got %+v", last)
	}
}

func TestOwnReactionDoesNotPause(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	h.inst.HandleInbound(ctx, text("M1", "oi"))
	testutil.WaitFor(t, "reply sent", func() bool { return len(h.transport.Sent()) == 1 })

	reaction := models.InboundMessage{
		Key:        chat,
		MessageID:  "PHONE2",
		Content:    models.InboundContent{Kind: models.ContentUnsupported},
		IsFromSelf: true,
		IsSystem:   true,
		ReceivedAt: time.Now(),
	}
	if err := h.inst.HandleInbound(ctx, reaction); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	st, err := h.inst.Machine().GetStatus(chat)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if !st.Active {
		t.Errorf("a reaction from the phone paused the chat: %+v", st)
	}
}

func TestResponderFailureAbandonsTurn(t *testing.T) {
	h := newHarness(t, nil)
	h.responder.err = &models.ResponderError{Kind: models.ResponderErrorRateLimit, Err: errors.New("slow down")}

	h.inst.HandleInbound(context.Background(), text("M1", "oi"))
	testutil.WaitFor(t, "turn_abandoned", func() bool { return h.events.count(models.EventTurnAbandoned) == 1 })
	if len(h.transport.Sent()) != 0 {
		t.Error("nothing should be sent after a failed turn")
	}

	// The chat is not blocked for later turns.
	h.responder.mu.Lock()
	h.responder.err = nil
	h.responder.mu.Unlock()
	h.inst.HandleInbound(context.Background(), text("M2", "alô?"))
	testutil.WaitFor(t, "reply after recovery", func() bool { return len(h.transport.Sent()) == 1 })
}

func TestGroupChatsNeverAnswered(t *testing.T) {
	h := newHarness(t, nil)
	group := models.InboundMessage{
		Key:     models.ConversationKey{InstanceID: "main", ChatID: "120363-1699@g.us"},
		Content: models.TextContent("bom dia grupo"), MessageID: "G1", ReceivedAt: time.Now(),
	}
	if err := h.inst.HandleInbound(context.Background(), group); err != nil {
		t.Fatalf("HandleInbound: %v", err)
	}
	time.Sleep(80 * time.Millisecond)
	if len(h.responder.Calls()) != 0 {
		t.Error("group message reached the responder")
	}
}

func TestHandleInboundValidation(t *testing.T) {
	h := newHarness(t, nil)
	bad := text("M1", "oi")
	bad.Key.ChatID = "not-a-chat"
	if err := h.inst.HandleInbound(context.Background(), bad); !errors.Is(err, models.ErrValidation) {
		t.Errorf("HandleInbound = %v, want validation error", err)
	}
	other := text("M1", "oi")
	other.Key.InstanceID = "other"
	if err := h.inst.HandleInbound(context.Background(), other); !errors.Is(err, models.ErrUnknownInstance) {
		t.Errorf("HandleInbound = %v, want ErrUnknownInstance", err)
	}
}

func TestFollowUpCheckArmedAndResetByActivity(t *testing.T) {
	h := newHarness(t, func(s *models.Settings) { s.FollowUpEnabled = true })
	ctx := context.Background()

	h.inst.HandleInbound(ctx, text("M1", "quanto custa?"))
	testutil.WaitFor(t, "check armed", func() bool { return hasCheck(h.inst) })

	h.inst.HandleInbound(ctx, text("M2", "?"))
	if hasCheck(h.inst) {
		t.Error("new inbound content should cancel the pending check")
	}
	testutil.WaitFor(t, "second reply re-arms", func() bool { return len(h.transport.Sent()) == 2 && hasCheck(h.inst) })
}

func hasCheck(inst *Instance) bool {
	for _, info := range inst.FollowUps().Timers() {
		if info.Group == chat.String() && info.Label == "check" {
			return true
		}
	}
	return false
}

func TestRunConsumesTransport(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager()
	if err := m.Add(ctx, h.inst); err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := m.Add(ctx, h.inst); err == nil {
		t.Error("adding the same instance twice should fail")
	}
	h.transport.in <- text("M1", "oi")
	testutil.WaitFor(t, "reply via Run", func() bool { return len(h.transport.Sent()) == 1 })

	got, err := m.Get("main")
	if err != nil || got != h.inst {
		t.Fatalf("Get = %v, %v", got, err)
	}
	if _, err := m.Get("missing"); !errors.Is(err, models.ErrUnknownInstance) {
		t.Errorf("Get(missing) = %v", err)
	}
	if len(m.Recoverables()) != 1 {
		t.Error("instance should be recoverable")
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	if err := m.Remove(stopCtx, "main"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if h.inst.Registry().Len() != 0 {
		t.Error("Remove should clear conversation state")
	}
	if len(m.Instances()) != 0 {
		t.Error("instance still listed after Remove")
	}
}

func TestRemoteLogoutClearsState(t *testing.T) {
	h := newHarness(t, func(s *models.Settings) { s.FollowUpEnabled = true })
	ctx := context.Background()
	if err := h.inst.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h.inst.HandleInbound(ctx, text("M1", "oi"))
	testutil.WaitFor(t, "turn finished", func() bool { return len(h.transport.Sent()) == 1 && hasCheck(h.inst) })
	if _, err := h.inst.FollowUps().ScheduleSequence(ctx, chat, []string{"volta?"}, 24); err != nil {
		t.Fatalf("ScheduleSequence: %v", err)
	}
	if n := len(h.inst.FollowUps().Pending(chat)); n != 1 {
		t.Fatalf("expected 1 pending follow-up before logout, got %d", n)
	}

	h.transport.loggedOut()
	if n := h.inst.Registry().Len(); n != 0 {
		t.Errorf("registry holds %d chats after logout", n)
	}
	if n := len(h.inst.FollowUps().Pending(chat)); n != 0 {
		t.Errorf("%d follow-ups pending after logout", n)
	}
}

func TestRecoverStateRestoresFollowUps(t *testing.T) {
	h := newHarness(t, func(s *models.Settings) { s.FollowUpEnabled = true })
	ctx := context.Background()

	if _, err := h.inst.FollowUps().ScheduleSequence(ctx, chat, []string{"volta?"}, 24); err != nil {
		t.Fatalf("ScheduleSequence: %v", err)
	}
	if err := h.inst.RecoverState(ctx, nil); err != nil {
		t.Fatalf("RecoverState: %v", err)
	}
	if n := len(h.inst.FollowUps().Pending(chat)); n != 1 {
		t.Errorf("restore duplicated items: %d pending", n)
	}
}
