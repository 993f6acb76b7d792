package followup

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/BTreeMap/ReplyPipe/internal/outbound"
	"github.com/BTreeMap/ReplyPipe/internal/store"
	"github.com/BTreeMap/ReplyPipe/internal/testutil"
)

var chat = models.ConversationKey{InstanceID: "main", ChatID: "5511999@domain"}

type staticSettings struct {
	mu sync.Mutex
	s  models.Settings
}

func (f *staticSettings) Settings(string) models.Settings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.s
}

func (f *staticSettings) set(fn func(s *models.Settings)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(&f.s)
}

type fakeGate struct{ blocked atomic.Bool }

func (g *fakeGate) CanRespond(models.ConversationKey) (bool, error) {
	return !g.blocked.Load(), nil
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	calls int
	err   error
}

func (f *fakeSender) Enqueue(_ models.ConversationKey, text string) <-chan outbound.Result {
	out := make(chan outbound.Result, 1)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		out <- outbound.Result{Err: f.err}
		return out
	}
	f.sent = append(f.sent, text)
	out <- outbound.Result{MessageID: "wamid." + text}
	return out
}

func (f *fakeSender) texts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func (f *fakeSender) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeAdvisor struct {
	needed      bool
	classifyErr error
	genErr      error
	msgs        []string
	classified  atomic.Int32
}

func (a *fakeAdvisor) ClassifyFollowUpEligibility(context.Context, models.ConversationKey, []models.Turn) (bool, error) {
	a.classified.Add(1)
	return a.needed, a.classifyErr
}

func (a *fakeAdvisor) GenerateFollowUpMessages(_ context.Context, _ models.ConversationKey, _ []models.Turn, count int) ([]string, error) {
	return a.msgs, a.genErr
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []models.Event
}

func (r *recordingEmitter) Emit(e models.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recordingEmitter) byType(t models.EventType) []models.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	s        *Scheduler
	sender   *fakeSender
	settings *staticSettings
	gate     *fakeGate
	store    store.FollowUpStore
	events   *recordingEmitter
}

func newHarness(t *testing.T, st store.FollowUpStore, opts ...Option) *harness {
	t.Helper()
	if st == nil {
		st = store.NewInMemoryStore()
	}
	base := models.DefaultSettings()
	base.FollowUpEnabled = true
	base.FollowUpUseAI = false
	base.FollowUpIntervalHours = 1
	h := &harness{
		sender:   &fakeSender{},
		settings: &staticSettings{s: base},
		gate:     &fakeGate{},
		store:    st,
		events:   &recordingEmitter{},
	}
	opts = append([]Option{WithSaveDelay(10 * time.Millisecond), WithStagger(5 * time.Millisecond), WithEmitter(h.events)}, opts...)
	h.s = NewScheduler("main", h.settings, h.gate, h.sender, st, opts...)
	t.Cleanup(func() { h.s.Stop(context.Background()) })
	return h
}

func TestScheduleSequenceTimes(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	before := time.Now()
	res, err := h.s.ScheduleSequence(ctx, chat, []string{"primeira", "segunda"}, 24)
	if err != nil {
		t.Fatalf("ScheduleSequence: %v", err)
	}
	if !res.Scheduled || res.Reason != ReasonScheduled {
		t.Fatalf("unexpected result %+v", res)
	}

	items := h.s.Pending(chat)
	if len(items) != 2 {
		t.Fatalf("expected 2 pending items, got %d", len(items))
	}
	for i, want := range []time.Duration{24 * time.Hour, 48 * time.Hour} {
		got := items[i].ScheduledTime.Sub(before)
		if got < want || got > want+time.Second {
			t.Errorf("item %d scheduled %v after start, want %v", i, got, want)
		}
		if items[i].SequenceIndex != i || items[i].TotalInSequence != 2 {
			t.Errorf("item %d sequence = %d/%d", i, items[i].SequenceIndex, items[i].TotalInSequence)
		}
	}
	if items[0].ID == items[1].ID {
		t.Error("item ids must be unique")
	}

	n, err := h.s.Cancel(ctx, chat)
	if err != nil || n != 2 {
		t.Fatalf("Cancel = %d, %v; want 2", n, err)
	}
	if len(h.s.Pending(chat)) != 0 {
		t.Error("pending items left after cancel")
	}
	if timers := h.s.Timers(); len(timers) != 0 {
		t.Errorf("timers left after cancel: %+v", timers)
	}
}

func TestScheduleSequenceCapsHugeInterval(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	before := time.Now()
	if _, err := h.s.ScheduleSequence(ctx, chat, []string{"a", "b"}, 2_000_000); err != nil {
		t.Fatalf("ScheduleSequence: %v", err)
	}
	items := h.s.Pending(chat)
	if len(items) != 2 {
		t.Fatalf("expected 2 pending items, got %d", len(items))
	}
	step := time.Duration(models.MaxFollowUpIntervalHours) * time.Hour
	for i, item := range items {
		want := time.Duration(i+1) * step
		if got := item.ScheduledTime.Sub(before); got < want || got > want+time.Second {
			t.Errorf("item %d scheduled %v after start, want %v", i, got, want)
		}
	}
	time.Sleep(100 * time.Millisecond)
	if n := h.sender.callCount(); n != 0 {
		t.Errorf("far-future items were delivered early: %d sends", n)
	}
}

func TestScheduleSequenceRefusesWhilePending(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.s.ScheduleSequence(ctx, chat, []string{"a"}, 1); err != nil {
		t.Fatalf("ScheduleSequence: %v", err)
	}
	res, err := h.s.ScheduleSequence(ctx, chat, []string{"b"}, 1)
	if err != nil {
		t.Fatalf("second ScheduleSequence returned error %v", err)
	}
	if res.Scheduled || res.Reason != ReasonAlreadyPending {
		t.Errorf("expected already_pending refusal, got %+v", res)
	}

	res, _ = h.s.ScheduleCheck(ctx, chat, time.Hour)
	if res.Scheduled || res.Reason != ReasonAlreadyPending {
		t.Errorf("check should be refused while items are pending, got %+v", res)
	}
}

func TestScheduleRejectsInvalidKeys(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if _, err := h.s.ScheduleSequence(ctx, models.ConversationKey{InstanceID: "main", ChatID: "bogus"}, []string{"a"}, 1); !errors.Is(err, models.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
	if _, err := h.s.Cancel(ctx, models.ConversationKey{InstanceID: "other", ChatID: chat.ChatID}); !errors.Is(err, models.ErrUnknownInstance) {
		t.Errorf("expected unknown instance, got %v", err)
	}
}

func TestSequenceDeliversInOrderAndCountsHistory(t *testing.T) {
	h := newHarness(t, nil, WithIntervalUnit(20*time.Millisecond))

	if _, err := h.s.ScheduleSequence(context.Background(), chat, []string{"one", "two"}, 1); err != nil {
		t.Fatalf("ScheduleSequence: %v", err)
	}
	testutil.WaitFor(t, "two follow-ups", func() bool { return h.s.History(chat).FollowUpCount == 2 })

	sent := h.sender.texts()
	if len(sent) != 2 || sent[0] != "one" || sent[1] != "two" {
		t.Errorf("sent %v, want [one two]", sent)
	}
	if len(h.s.Pending(chat)) != 0 {
		t.Error("sent items must leave the pending set")
	}
	if got := len(h.events.byType(models.EventFollowUpSent)); got != 2 {
		t.Errorf("expected 2 follow_up_sent events, got %d", got)
	}
	if h.s.History(chat).LastFollowUpTime.IsZero() {
		t.Error("last follow-up time not recorded")
	}
}

func TestFollowUpCapStopsScheduling(t *testing.T) {
	h := newHarness(t, nil, WithIntervalUnit(5*time.Millisecond))
	ctx := context.Background()

	if _, err := h.s.ScheduleSequence(ctx, chat, []string{"a", "b", "c", "d"}, 1); err != nil {
		t.Fatalf("ScheduleSequence: %v", err)
	}
	testutil.WaitFor(t, "three follow-ups", func() bool { return h.s.History(chat).FollowUpCount == 3 })
	if got := len(h.sender.texts()); got != 3 {
		t.Errorf("sequence should be truncated to 3 messages, sent %d", got)
	}

	res, err := h.s.ScheduleSequence(ctx, chat, []string{"again"}, 1)
	if err != nil || res.Scheduled || res.Reason != ReasonLimitReached {
		t.Errorf("expected limit_reached, got %+v err=%v", res, err)
	}
	if res := h.s.runCheck(chat, 0); res.Reason != ReasonLimitReached {
		t.Errorf("check reason = %q, want limit_reached", res.Reason)
	}
}

func TestCheckGates(t *testing.T) {
	group := models.ConversationKey{InstanceID: "main", ChatID: "120363000@g.us"}

	tests := []struct {
		name      string
		key       models.ConversationKey
		configure func(h *harness)
		advisor   *fakeAdvisor
		want      string
		wantMsgs  []string
	}{
		{
			name:      "feature disabled",
			key:       chat,
			configure: func(h *harness) { h.settings.set(func(s *models.Settings) { s.FollowUpEnabled = false }) },
			want:      ReasonDisabled,
		},
		{
			name: "group chat",
			key:  group,
			want: ReasonGroup,
		},
		{
			name:      "responder paused",
			key:       chat,
			configure: func(h *harness) { h.gate.blocked.Store(true) },
			want:      ReasonAIInactive,
		},
		{
			name:      "classified as not needed",
			key:       chat,
			configure: func(h *harness) { h.settings.set(func(s *models.Settings) { s.FollowUpUseAI = true }) },
			advisor:   &fakeAdvisor{needed: false},
			want:      ReasonNotNeeded,
		},
		{
			name:      "classification error",
			key:       chat,
			configure: func(h *harness) { h.settings.set(func(s *models.Settings) { s.FollowUpUseAI = true }) },
			advisor:   &fakeAdvisor{classifyErr: errors.New("boom")},
			want:      ReasonClassificationFailed,
		},
		{
			name: "templates",
			key:  chat,
			configure: func(h *harness) {
				h.settings.set(func(s *models.Settings) { s.FollowUpTemplates = []string{"t1", "t2"}; s.FollowUpMessageCount = 2 })
			},
			want:     ReasonScheduled,
			wantMsgs: []string{"t1", "t2"},
		},
		{
			name: "generated and truncated",
			key:  chat,
			configure: func(h *harness) {
				h.settings.set(func(s *models.Settings) { s.FollowUpUseAI = true; s.FollowUpMessageCount = 2 })
			},
			advisor:  &fakeAdvisor{needed: true, msgs: []string{"x", " ", "y", "z"}},
			want:     ReasonScheduled,
			wantMsgs: []string{"x", "y"},
		},
		{
			name: "generation falls back to templates",
			key:  chat,
			configure: func(h *harness) {
				h.settings.set(func(s *models.Settings) { s.FollowUpUseAI = true; s.FollowUpTemplates = []string{"fallback"} })
			},
			advisor:  &fakeAdvisor{needed: true, genErr: errors.New("quota")},
			want:     ReasonScheduled,
			wantMsgs: []string{"fallback"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var opts []Option
			if tt.advisor != nil {
				opts = append(opts, WithAdvisor(tt.advisor))
			}
			h := newHarness(t, nil, opts...)
			if tt.configure != nil {
				tt.configure(h)
			}

			res := h.s.runCheck(tt.key, 0)
			if res.Reason != tt.want {
				t.Fatalf("reason = %q, want %q", res.Reason, tt.want)
			}
			events := h.events.byType(models.EventFollowUpCheckResult)
			if len(events) != 1 || events[0].Reason != tt.want || events[0].HasFollowUp != res.Scheduled {
				t.Errorf("unexpected check events %+v", events)
			}

			pending := h.s.Pending(tt.key)
			if len(pending) != len(tt.wantMsgs) {
				t.Fatalf("pending %d items, want %d", len(pending), len(tt.wantMsgs))
			}
			for i, msg := range tt.wantMsgs {
				if pending[i].Message != msg {
					t.Errorf("item %d message = %q, want %q", i, pending[i].Message, msg)
				}
			}
		})
	}
}

func TestCheckSkipsClassificationWhenCheapGatesFail(t *testing.T) {
	advisor := &fakeAdvisor{needed: true}
	h := newHarness(t, nil, WithAdvisor(advisor))
	h.settings.set(func(s *models.Settings) { s.FollowUpUseAI = true })
	h.gate.blocked.Store(true)

	h.s.runCheck(chat, 0)
	if advisor.classified.Load() != 0 {
		t.Error("classification must not run when the chat is paused")
	}
}

func TestScheduleCheckFiresAndEmits(t *testing.T) {
	h := newHarness(t, nil)

	res, err := h.s.ScheduleCheck(context.Background(), chat, 10*time.Millisecond)
	if err != nil || !res.Scheduled {
		t.Fatalf("ScheduleCheck = %+v, %v", res, err)
	}
	testutil.WaitFor(t, "check result", func() bool { return len(h.events.byType(models.EventFollowUpCheckResult)) == 1 })

	ev := h.events.byType(models.EventFollowUpCheckResult)[0]
	if !ev.HasFollowUp || ev.Reason != ReasonScheduled || ev.ChatID != chat.ChatID {
		t.Errorf("unexpected event %+v", ev)
	}
	if len(h.s.Pending(chat)) != 1 {
		t.Errorf("expected one pending item after check")
	}
}

func TestCheckSupersededByInboundActivity(t *testing.T) {
	h := newHarness(t, nil)

	h.s.OnInboundActivity(chat)
	if res := h.s.runCheck(chat, 0); res.Reason != ReasonSuperseded {
		t.Errorf("stale check reason = %q, want superseded", res.Reason)
	}
	if len(h.s.Pending(chat)) != 0 {
		t.Error("stale check must not schedule")
	}
}

func TestInboundActivityCancelsAndResetsHistory(t *testing.T) {
	h := newHarness(t, nil, WithIntervalUnit(5*time.Millisecond))
	ctx := context.Background()

	if _, err := h.s.ScheduleSequence(ctx, chat, []string{"a"}, 1); err != nil {
		t.Fatalf("ScheduleSequence: %v", err)
	}
	testutil.WaitFor(t, "first follow-up", func() bool { return h.s.History(chat).FollowUpCount == 1 })

	if _, err := h.s.ScheduleSequence(ctx, chat, []string{"b"}, 1000); err != nil {
		t.Fatalf("ScheduleSequence: %v", err)
	}
	if len(h.s.Pending(chat)) != 1 {
		t.Fatal("expected a pending item")
	}

	h.s.OnInboundActivity(chat)
	if len(h.s.Pending(chat)) != 0 {
		t.Error("inbound activity must cancel pending items")
	}
	if got := h.s.History(chat); got.FollowUpCount != 0 {
		t.Errorf("history not reset: %+v", got)
	}
	if len(h.s.Timers()) != 0 {
		t.Error("timers left after inbound activity")
	}
}

func TestConcurrentScheduleAndCancelLeaveNoOrphans(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			h.s.ScheduleSequence(ctx, chat, []string{"a", "b"}, 1)
		}()
		go func() {
			defer wg.Done()
			h.s.Cancel(ctx, chat)
		}()
	}
	wg.Wait()

	pending := len(h.s.Pending(chat))
	timers := len(h.s.Timers())
	if pending != timers {
		t.Errorf("%d pending items but %d armed timers", pending, timers)
	}
	h.s.Cancel(ctx, chat)
	if len(h.s.Pending(chat)) != 0 || len(h.s.Timers()) != 0 {
		t.Error("cancel left items or timers behind")
	}
}

func TestDeliveryFailsWhenDisabled(t *testing.T) {
	h := newHarness(t, nil, WithIntervalUnit(20*time.Millisecond))

	if _, err := h.s.ScheduleSequence(context.Background(), chat, []string{"a"}, 1); err != nil {
		t.Fatalf("ScheduleSequence: %v", err)
	}
	h.settings.set(func(s *models.Settings) { s.FollowUpEnabled = false })

	testutil.WaitFor(t, "failed item", func() bool {
		items := h.s.Items("main")
		return len(items) == 1 && items[0].Status == models.FollowUpStatusFailed
	})
	if item := h.s.Items("main")[0]; item.FailureReason != ReasonDisabled {
		t.Errorf("failure reason = %q", item.FailureReason)
	}
	if h.sender.callCount() != 0 {
		t.Error("disabled follow-up must not be sent")
	}
	if len(h.s.Pending(chat)) != 0 {
		t.Error("failed item must not count as pending")
	}
}

func TestTransportFailureMarksItemFailed(t *testing.T) {
	h := newHarness(t, nil, WithIntervalUnit(10*time.Millisecond))
	h.sender.err = &models.TransportError{Op: "send", Err: errors.New("socket closed")}

	if _, err := h.s.ScheduleSequence(context.Background(), chat, []string{"a"}, 1); err != nil {
		t.Fatalf("ScheduleSequence: %v", err)
	}
	testutil.WaitFor(t, "failed item", func() bool {
		items := h.s.Items("main")
		return len(items) == 1 && items[0].Status == models.FollowUpStatusFailed
	})
	if h.s.History(chat).FollowUpCount != 0 {
		t.Error("failed delivery must not count toward the cap")
	}
	if h.s.Items("main")[0].FailureReason == "" {
		t.Error("failure reason not recorded")
	}
}

func TestStoppedQueueLeavesItemPending(t *testing.T) {
	h := newHarness(t, nil, WithIntervalUnit(10*time.Millisecond))
	h.sender.err = models.ErrQueueStopped

	if _, err := h.s.ScheduleSequence(context.Background(), chat, []string{"a"}, 1); err != nil {
		t.Fatalf("ScheduleSequence: %v", err)
	}
	testutil.WaitFor(t, "delivery attempt", func() bool {
		h.s.mu.Lock()
		defer h.s.mu.Unlock()
		return h.sender.callCount() == 1 && len(h.s.inflight) == 0
	})
	if len(h.s.Pending(chat)) != 1 {
		t.Error("interrupted delivery should stay pending for recovery")
	}
}

func TestCancelAll(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	other := models.ConversationKey{InstanceID: "main", ChatID: "5511000@domain"}

	h.s.ScheduleSequence(ctx, chat, []string{"a", "b"}, 1)
	h.s.ScheduleSequence(ctx, other, []string{"c"}, 1)
	h.s.ScheduleCheck(ctx, models.ConversationKey{InstanceID: "main", ChatID: "5511222@domain"}, time.Hour)

	n, err := h.s.CancelAll(ctx, "main")
	if err != nil || n != 3 {
		t.Fatalf("CancelAll = %d, %v; want 3", n, err)
	}
	if len(h.s.Timers()) != 0 {
		t.Error("CancelAll left timers armed")
	}
	if _, err := h.s.CancelAll(ctx, "other"); !errors.Is(err, models.ErrUnknownInstance) {
		t.Errorf("expected unknown instance, got %v", err)
	}
}

func TestRestoreRetroactiveFutureAndIdempotent(t *testing.T) {
	st := store.NewInMemoryStore()
	now := time.Now()
	seed := []models.FollowUpItem{
		{ID: "past", Message: "atrasada", ChatID: chat.ChatID, InstanceID: "main", ScheduledTime: now.Add(-time.Hour), Status: models.FollowUpStatusPending},
		{ID: "future", Message: "depois", ChatID: chat.ChatID, InstanceID: "main", ScheduledTime: now.Add(time.Hour), Status: models.FollowUpStatusPending},
		{ID: "old", Message: "antiga", ChatID: chat.ChatID, InstanceID: "main", ScheduledTime: now.Add(-10 * 24 * time.Hour), Status: models.FollowUpStatusFailed, UpdatedAt: now.Add(-8 * 24 * time.Hour)},
		{ID: "bad", Message: "x", ChatID: "not-a-chat", InstanceID: "main", ScheduledTime: now, Status: models.FollowUpStatusPending},
	}
	if err := st.SavePending("main", seed); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := st.SaveHistory("main", map[string]models.SentFollowUpHistory{chat.ChatID: {FollowUpCount: 1}}); err != nil {
		t.Fatalf("seed history: %v", err)
	}

	h := newHarness(t, st)
	ctx := context.Background()

	report, err := h.s.Restore(ctx, "main")
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if report.Retroactive != 1 || report.Future != 1 || report.Failed != 1 || report.Invalid != 1 {
		t.Errorf("unexpected report %+v", report)
	}

	again, err := h.s.Restore(ctx, "main")
	if err != nil {
		t.Fatalf("second Restore: %v", err)
	}
	if again.Retroactive != 0 || again.Future != 0 || again.Duplicates != 2 {
		t.Errorf("second restore should only find duplicates, got %+v", again)
	}

	testutil.WaitFor(t, "retroactive send", func() bool { return h.s.History(chat).FollowUpCount == 2 })
	time.Sleep(50 * time.Millisecond)
	if sent := h.sender.texts(); len(sent) != 1 || sent[0] != "atrasada" {
		t.Errorf("sent %v, want exactly [atrasada]", sent)
	}

	if third, _ := h.s.Restore(ctx, "main"); third.Retroactive != 0 {
		t.Errorf("delivered item restored again: %+v", third)
	}

	pending := h.s.Pending(chat)
	if len(pending) != 1 || pending[0].ID != "future" {
		t.Errorf("pending = %+v, want only the future item", pending)
	}

	if err := h.s.Flush(ctx); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	saved, _ := st.LoadPending("main")
	for _, item := range saved {
		if item.ID == "old" {
			t.Error("failed item past retention was not pruned")
		}
		if item.ID == "past" {
			t.Error("sent item still persisted")
		}
	}
}

func TestRestoreStaggersRetroactiveItems(t *testing.T) {
	st := store.NewInMemoryStore()
	now := time.Now()
	other := models.ConversationKey{InstanceID: "main", ChatID: "5511000@domain"}
	st.SavePending("main", []models.FollowUpItem{
		{ID: "1", Message: "a", ChatID: chat.ChatID, InstanceID: "main", ScheduledTime: now.Add(-2 * time.Hour), Status: models.FollowUpStatusPending},
		{ID: "2", Message: "b", ChatID: other.ChatID, InstanceID: "main", ScheduledTime: now.Add(-time.Hour), Status: models.FollowUpStatusPending},
	})

	h := newHarness(t, st, WithStagger(100*time.Millisecond))
	start := time.Now()
	if _, err := h.s.Restore(context.Background(), "main"); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	testutil.WaitFor(t, "both sends", func() bool { return len(h.sender.texts()) == 2 })
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("retroactive sends were not staggered (%v)", elapsed)
	}
	if sent := h.sender.texts(); sent[0] != "a" {
		t.Errorf("oldest item should go first, got %v", sent)
	}
}

func TestRestoreUnknownInstance(t *testing.T) {
	h := newHarness(t, nil)
	if _, err := h.s.Restore(context.Background(), "other"); !errors.Is(err, models.ErrUnknownInstance) {
		t.Errorf("expected unknown instance, got %v", err)
	}
}

func TestStatePersistsAcrossSchedulers(t *testing.T) {
	st, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	ctx := context.Background()

	first := newHarness(t, st)
	if _, err := first.s.ScheduleSequence(ctx, chat, []string{"a", "b"}, 24); err != nil {
		t.Fatalf("ScheduleSequence: %v", err)
	}
	if err := first.s.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	second := newHarness(t, st)
	report, err := second.s.Restore(ctx, "main")
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if report.Future != 2 {
		t.Errorf("expected 2 future items, got %+v", report)
	}
}
