// Package followup schedules delayed re-engagement messages per chat, delivers
// them through the outgoing queue, persists them with a debounced saver and
// recovers them after a restart.
package followup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/BTreeMap/ReplyPipe/internal/outbound"
	"github.com/BTreeMap/ReplyPipe/internal/store"
	"github.com/BTreeMap/ReplyPipe/internal/timer"
	"github.com/BTreeMap/ReplyPipe/internal/util"
	"github.com/google/uuid"
)

// Scheduler defaults.
const (
	DefaultStagger  = 3 * time.Second
	FailedRetention = 7 * 24 * time.Hour
	RecentTurns     = 10
)

// Check result reasons.
const (
	ReasonArmed                = "armed"
	ReasonScheduled            = "scheduled"
	ReasonDisabled             = "disabled"
	ReasonGroup                = "group"
	ReasonAIInactive           = "ai_inactive"
	ReasonLimitReached         = "limit_reached"
	ReasonAlreadyPending       = "already_pending"
	ReasonNotNeeded            = "not_needed"
	ReasonClassificationFailed = "classification_failed"
	ReasonNoMessages           = "no_messages"
	ReasonSuperseded           = "superseded"
)

const (
	checkLabel = "check"
	itemPrefix = "item:"
)

// SettingsSource provides per-instance settings.
type SettingsSource interface {
	Settings(instanceID string) models.Settings
}

// ModeGate reports whether the automated responder may act on a chat.
type ModeGate interface {
	CanRespond(key models.ConversationKey) (bool, error)
}

// Advisor decides whether a chat needs a follow-up and writes the messages.
type Advisor interface {
	ClassifyFollowUpEligibility(ctx context.Context, key models.ConversationKey, turns []models.Turn) (bool, error)
	GenerateFollowUpMessages(ctx context.Context, key models.ConversationKey, turns []models.Turn, count int) ([]string, error)
}

// TurnSource returns the latest turns of a chat.
type TurnSource interface {
	Recent(key models.ConversationKey, n int) []models.Turn
}

// Sender delivers a message and reports its outcome once.
type Sender interface {
	Enqueue(key models.ConversationKey, text string) <-chan outbound.Result
}

// ScheduleResult is the outcome of a scheduling call. A refusal is a normal
// result with Scheduled false, not an error.
type ScheduleResult struct {
	Scheduled bool                  `json:"scheduled"`
	Reason    string                `json:"reason"`
	Items     []models.FollowUpItem `json:"items,omitempty"`
}

// Scheduler owns the follow-up state of one instance.
type Scheduler struct {
	instanceID string
	settings   SettingsSource
	gate       ModeGate
	sender     Sender
	store      store.FollowUpStore
	advisor    Advisor
	turns      TurnSource
	emitter    models.Emitter
	now        func() time.Time
	unit       time.Duration
	stagger    time.Duration
	saveDelay  time.Duration

	timers *timer.Timers
	locks  *util.KeyedMutex
	saver  *Saver

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	items    map[string]*models.FollowUpItem
	inflight map[string]bool
	history  map[string]models.SentFollowUpHistory
	sentAt   map[string][]time.Time // scheduled times already delivered, per chat
	gen      map[string]uint64
	stopped  bool
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithAdvisor sets the AI classification and generation backend.
func WithAdvisor(a Advisor) Option {
	return func(s *Scheduler) { s.advisor = a }
}

// WithTurns sets where recent turns are read from.
func WithTurns(t TurnSource) Option {
	return func(s *Scheduler) { s.turns = t }
}

// WithEmitter sets the event sink.
func WithEmitter(e models.Emitter) Option {
	return func(s *Scheduler) { s.emitter = e }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithStagger sets the gap between retroactive sends on restore.
func WithStagger(d time.Duration) Option {
	return func(s *Scheduler) { s.stagger = d }
}

// WithSaveDelay sets the persistence coalescing window.
func WithSaveDelay(d time.Duration) Option {
	return func(s *Scheduler) { s.saveDelay = d }
}

// WithIntervalUnit changes the length of one interval "hour".
func WithIntervalUnit(d time.Duration) Option {
	return func(s *Scheduler) { s.unit = d }
}

type noTurns struct{}

func (noTurns) Recent(models.ConversationKey, int) []models.Turn { return nil }

// NewScheduler creates the follow-up scheduler for instanceID.
func NewScheduler(instanceID string, settings SettingsSource, gate ModeGate, sender Sender, st store.FollowUpStore, opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		instanceID: instanceID,
		settings:   settings,
		gate:       gate,
		sender:     sender,
		store:      st,
		turns:      noTurns{},
		emitter:    models.NopEmitter{},
		now:        time.Now,
		unit:       time.Hour,
		stagger:    DefaultStagger,
		saveDelay:  DefaultSaveDelay,
		timers:     timer.New(),
		locks:      util.NewKeyedMutex(),
		ctx:        ctx,
		cancel:     cancel,
		items:      make(map[string]*models.FollowUpItem),
		inflight:   make(map[string]bool),
		history:    make(map[string]models.SentFollowUpHistory),
		sentAt:     make(map[string][]time.Time),
		gen:        make(map[string]uint64),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.saver = NewSaver(instanceID, s.saveDelay, s.persist)
	return s
}

// InstanceID returns the owning instance.
func (s *Scheduler) InstanceID() string { return s.instanceID }

func (s *Scheduler) check(key models.ConversationKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if key.InstanceID != s.instanceID {
		return fmt.Errorf("%w: %s", models.ErrUnknownInstance, key.InstanceID)
	}
	return nil
}

// enter registers a background task unless the scheduler stopped.
func (s *Scheduler) enter() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	s.wg.Add(1)
	return true
}

func (s *Scheduler) settingsFor() models.Settings {
	return s.settings.Settings(s.instanceID).Normalize()
}

// ScheduleCheck arms the eligibility check for the chat, replacing a previous
// one. A non-positive delay uses FOLLOW_UP_CHECK_DELAY_MINUTES.
func (s *Scheduler) ScheduleCheck(ctx context.Context, key models.ConversationKey, delay time.Duration) (ScheduleResult, error) {
	if err := s.check(key); err != nil {
		return ScheduleResult{}, err
	}
	unlock := s.locks.Lock(key.String())
	defer unlock()

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ScheduleResult{}, models.ErrServiceStopped
	}
	pending := s.hasPendingLocked(key.ChatID)
	gen := s.gen[key.ChatID]
	s.mu.Unlock()
	if pending {
		return ScheduleResult{Reason: ReasonAlreadyPending}, nil
	}

	if delay <= 0 {
		delay = s.settingsFor().CheckDelay()
	}
	s.timers.CancelLabel(key.String(), checkLabel)
	s.timers.After(key.String(), checkLabel, delay, func() { s.runCheck(key, gen) })
	slog.Debug("Scheduler.ScheduleCheck: check armed", "instanceID", s.instanceID, "chatID", key.ChatID, "delay", delay)
	return ScheduleResult{Scheduled: true, Reason: ReasonArmed}, nil
}

func (s *Scheduler) runCheck(key models.ConversationKey, gen uint64) ScheduleResult {
	if !s.enter() {
		return ScheduleResult{Reason: ReasonSuperseded}
	}
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Scheduler.runCheck: panic recovered", "instanceID", s.instanceID, "chatID", key.ChatID, "panic", r)
		}
	}()

	res := s.evaluate(s.ctx, key, gen)
	s.emitter.Emit(models.Event{
		ID:          uuid.NewString(),
		Type:        models.EventFollowUpCheckResult,
		InstanceID:  s.instanceID,
		ChatID:      key.ChatID,
		HasFollowUp: res.Scheduled,
		Reason:      res.Reason,
		Time:        s.now(),
	})
	slog.Debug("Scheduler.runCheck: check finished", "instanceID", s.instanceID, "chatID", key.ChatID, "scheduled", res.Scheduled, "reason", res.Reason)
	return res
}

// evaluate applies the cheap gates in order before any AI call.
func (s *Scheduler) evaluate(ctx context.Context, key models.ConversationKey, gen uint64) ScheduleResult {
	st := s.settingsFor()
	if !st.FollowUpEnabled {
		return ScheduleResult{Reason: ReasonDisabled}
	}
	if key.IsGroup() {
		return ScheduleResult{Reason: ReasonGroup}
	}
	if ok, err := s.gate.CanRespond(key); err != nil || !ok {
		return ScheduleResult{Reason: ReasonAIInactive}
	}

	s.mu.Lock()
	count := s.history[key.ChatID].FollowUpCount
	pending := s.hasPendingLocked(key.ChatID)
	s.mu.Unlock()
	if count >= models.MaxFollowUpsPerChat {
		return ScheduleResult{Reason: ReasonLimitReached}
	}
	if pending {
		return ScheduleResult{Reason: ReasonAlreadyPending}
	}

	turns := s.turns.Recent(key, RecentTurns)
	if st.FollowUpUseAI && s.advisor != nil {
		needed, err := s.advisor.ClassifyFollowUpEligibility(ctx, key, turns)
		if err != nil {
			slog.Warn("Scheduler.evaluate: classification failed", "instanceID", s.instanceID, "chatID", key.ChatID, "error", err)
			return ScheduleResult{Reason: ReasonClassificationFailed}
		}
		if !needed {
			return ScheduleResult{Reason: ReasonNotNeeded}
		}
	}

	n := st.FollowUpMessageCount
	if remaining := models.MaxFollowUpsPerChat - count; remaining < n {
		n = remaining
	}
	msgs := s.messagesFor(ctx, key, st, turns, n)

	unlock := s.locks.Lock(key.String())
	defer unlock()
	res, err := s.scheduleLocked(key, msgs, st.FollowUpIntervalHours, &gen)
	if err != nil {
		slog.Warn("Scheduler.evaluate: scheduling failed", "instanceID", s.instanceID, "chatID", key.ChatID, "error", err)
		return ScheduleResult{Reason: ReasonSuperseded}
	}
	return res
}

// messagesFor returns up to count follow-up texts, generated by the advisor
// when enabled and falling back to the configured templates.
func (s *Scheduler) messagesFor(ctx context.Context, key models.ConversationKey, st models.Settings, turns []models.Turn, count int) []string {
	if st.FollowUpUseAI && s.advisor != nil {
		msgs, err := s.advisor.GenerateFollowUpMessages(ctx, key, turns, count)
		if msgs = cleanMessages(msgs); err == nil && len(msgs) > 0 {
			return truncate(msgs, count)
		}
		slog.Warn("Scheduler.messagesFor: generation failed, using templates", "instanceID", s.instanceID, "chatID", key.ChatID, "error", err)
	}
	return truncate(cleanMessages(st.FollowUpTemplates), count)
}

func cleanMessages(msgs []string) []string {
	var out []string
	for _, m := range msgs {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	return out
}

func truncate(msgs []string, n int) []string {
	if n >= 0 && len(msgs) > n {
		return msgs[:n]
	}
	return msgs
}

// ScheduleSequence creates one item per message, item i due at
// now + (i+1)*intervalHours. A non-positive interval uses the instance setting;
// larger ones are capped at models.MaxFollowUpIntervalHours.
func (s *Scheduler) ScheduleSequence(ctx context.Context, key models.ConversationKey, msgs []string, intervalHours int) (ScheduleResult, error) {
	if err := s.check(key); err != nil {
		return ScheduleResult{}, err
	}
	unlock := s.locks.Lock(key.String())
	defer unlock()
	return s.scheduleLocked(key, msgs, intervalHours, nil)
}

// scheduleLocked requires the key lock. When gen is set, the call is refused
// if the chat was cancelled after gen was read.
func (s *Scheduler) scheduleLocked(key models.ConversationKey, msgs []string, intervalHours int, gen *uint64) (ScheduleResult, error) {
	msgs = cleanMessages(msgs)
	if intervalHours <= 0 {
		intervalHours = s.settingsFor().FollowUpIntervalHours
	}
	intervalHours = models.ClampIntervalHours(intervalHours)

	s.mu.Lock()
	switch {
	case s.stopped:
		s.mu.Unlock()
		return ScheduleResult{}, models.ErrServiceStopped
	case gen != nil && s.gen[key.ChatID] != *gen:
		s.mu.Unlock()
		return ScheduleResult{Reason: ReasonSuperseded}, nil
	case len(msgs) == 0:
		s.mu.Unlock()
		return ScheduleResult{Reason: ReasonNoMessages}, nil
	case s.hasPendingLocked(key.ChatID):
		s.mu.Unlock()
		return ScheduleResult{Reason: ReasonAlreadyPending}, nil
	}
	remaining := models.MaxFollowUpsPerChat - s.history[key.ChatID].FollowUpCount
	if remaining <= 0 {
		s.mu.Unlock()
		return ScheduleResult{Reason: ReasonLimitReached}, nil
	}
	msgs = truncate(msgs, remaining)

	now := s.now()
	interval := time.Duration(intervalHours) * s.unit
	out := make([]models.FollowUpItem, 0, len(msgs))
	for i, msg := range msgs {
		item := &models.FollowUpItem{
			ID:              uuid.NewString(),
			Message:         msg,
			ChatID:          key.ChatID,
			InstanceID:      key.InstanceID,
			ScheduledTime:   now.Add(time.Duration(i+1) * interval),
			Status:          models.FollowUpStatusPending,
			SequenceIndex:   i,
			TotalInSequence: len(msgs),
			UpdatedAt:       now,
		}
		s.items[item.ID] = item
		out = append(out, *item)
	}
	s.mu.Unlock()

	for _, item := range out {
		s.arm(key, item.ID, item.ScheduledTime.Sub(s.now()))
	}
	s.saver.Request()
	slog.Info("Scheduler.ScheduleSequence: follow-ups scheduled", "instanceID", s.instanceID, "chatID", key.ChatID, "count", len(out), "intervalHours", intervalHours)
	return ScheduleResult{Scheduled: true, Reason: ReasonScheduled, Items: out}, nil
}

func (s *Scheduler) arm(key models.ConversationKey, id string, delay time.Duration) {
	s.timers.After(key.String(), itemPrefix+id, delay, func() { s.deliver(id) })
}

// hasPendingLocked requires s.mu.
func (s *Scheduler) hasPendingLocked(chatID string) bool {
	for _, item := range s.items {
		if item.ChatID == chatID && item.Status == models.FollowUpStatusPending {
			return true
		}
	}
	return false
}

// Cancel clears the check and every sequence timer of the chat and deletes
// its pending items. Failed items stay for audit.
func (s *Scheduler) Cancel(ctx context.Context, key models.ConversationKey) (int, error) {
	if err := s.check(key); err != nil {
		return 0, err
	}
	unlock := s.locks.Lock(key.String())
	defer unlock()
	n := s.cancelLocked(key)
	if n > 0 {
		slog.Info("Scheduler.Cancel: follow-ups cancelled", "instanceID", s.instanceID, "chatID", key.ChatID, "count", n)
	}
	return n, nil
}

// cancelLocked requires the key lock.
func (s *Scheduler) cancelLocked(key models.ConversationKey) int {
	s.timers.CancelGroup(key.String())

	s.mu.Lock()
	s.gen[key.ChatID]++
	n := 0
	for id, item := range s.items {
		if item.ChatID == key.ChatID && item.Status == models.FollowUpStatusPending {
			delete(s.items, id)
			n++
		}
	}
	s.mu.Unlock()
	if n > 0 {
		s.saver.Request()
	}
	return n
}

// CancelAll cancels every chat of the instance.
func (s *Scheduler) CancelAll(ctx context.Context, instanceID string) (int, error) {
	if err := models.ValidateInstanceID(instanceID); err != nil {
		return 0, err
	}
	if instanceID != s.instanceID {
		return 0, fmt.Errorf("%w: %s", models.ErrUnknownInstance, instanceID)
	}

	chats := make(map[string]struct{})
	s.mu.Lock()
	for _, item := range s.items {
		if item.Status == models.FollowUpStatusPending {
			chats[item.ChatID] = struct{}{}
		}
	}
	s.mu.Unlock()
	prefix := instanceID + "/"
	for _, info := range s.timers.List("") {
		if strings.HasPrefix(info.Group, prefix) {
			chats[strings.TrimPrefix(info.Group, prefix)] = struct{}{}
		}
	}

	total := 0
	for chatID := range chats {
		n, err := s.Cancel(ctx, models.ConversationKey{InstanceID: instanceID, ChatID: chatID})
		if err != nil {
			slog.Warn("Scheduler.CancelAll: skipping chat", "instanceID", instanceID, "chatID", chatID, "error", err)
			continue
		}
		total += n
	}
	slog.Info("Scheduler.CancelAll: follow-ups cancelled", "instanceID", instanceID, "chats", len(chats), "count", total)
	return total, nil
}

// OnInboundActivity cancels the chat's follow-ups and resets its sent history.
func (s *Scheduler) OnInboundActivity(key models.ConversationKey) {
	if err := s.check(key); err != nil {
		slog.Warn("Scheduler.OnInboundActivity: invalid key", "key", key.String(), "error", err)
		return
	}
	unlock := s.locks.Lock(key.String())
	defer unlock()
	s.cancelLocked(key)

	s.mu.Lock()
	_, had := s.history[key.ChatID]
	delete(s.history, key.ChatID)
	delete(s.sentAt, key.ChatID)
	s.mu.Unlock()
	if had {
		s.saver.Request()
	}
}

func (s *Scheduler) deliver(id string) {
	if !s.enter() {
		return
	}
	defer s.wg.Done()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Scheduler.deliver: panic recovered", "instanceID", s.instanceID, "itemID", id, "panic", r)
		}
	}()

	s.mu.Lock()
	item, ok := s.items[id]
	if !ok {
		s.mu.Unlock()
		return
	}
	key := item.Key()
	s.mu.Unlock()

	unlock := s.locks.Lock(key.String())
	s.mu.Lock()
	item, ok = s.items[id]
	if !ok || item.Status != models.FollowUpStatusPending || s.inflight[id] {
		s.mu.Unlock()
		unlock()
		return
	}
	count := s.history[key.ChatID].FollowUpCount
	msg := item.Message
	s.mu.Unlock()

	st := s.settingsFor()
	reason := ""
	if !st.FollowUpEnabled {
		reason = ReasonDisabled
	} else if ok, err := s.gate.CanRespond(key); err != nil || !ok {
		reason = ReasonAIInactive
	} else if count >= models.MaxFollowUpsPerChat {
		reason = ReasonLimitReached
	}
	if reason != "" {
		s.markFailed(id, reason)
		unlock()
		s.saver.Request()
		slog.Info("Scheduler.deliver: follow-up not sent", "instanceID", s.instanceID, "chatID", key.ChatID, "itemID", id, "reason", reason)
		return
	}

	s.mu.Lock()
	s.inflight[id] = true
	s.mu.Unlock()
	unlock()

	var res outbound.Result
	select {
	case res = <-s.sender.Enqueue(key, msg):
	case <-s.ctx.Done():
		res = outbound.Result{Err: models.ErrServiceStopped}
	}

	unlock = s.locks.Lock(key.String())
	defer unlock()
	s.finish(key, id, msg, res)
	s.saver.Request()
}

// finish records the delivery outcome. It requires the key lock.
func (s *Scheduler) finish(key models.ConversationKey, id, msg string, res outbound.Result) {
	now := s.now()
	s.mu.Lock()
	delete(s.inflight, id)
	item, present := s.items[id]

	switch {
	case res.Err == nil:
		if present {
			s.sentAt[key.ChatID] = append(s.sentAt[key.ChatID], item.ScheduledTime)
		}
		delete(s.items, id)
		h := s.history[key.ChatID]
		h.FollowUpCount++
		h.LastFollowUpTime = now
		s.history[key.ChatID] = h
		s.mu.Unlock()

		s.emitter.Emit(models.Event{
			ID:         uuid.NewString(),
			Type:       models.EventFollowUpSent,
			InstanceID: s.instanceID,
			ChatID:     key.ChatID,
			Text:       msg,
			Time:       now,
		})
		slog.Info("Scheduler.deliver: follow-up sent", "instanceID", s.instanceID, "chatID", key.ChatID, "itemID", id, "messageID", res.MessageID, "count", h.FollowUpCount)

	case errors.Is(res.Err, models.ErrQueueStopped) || errors.Is(res.Err, models.ErrServiceStopped):
		s.mu.Unlock()
		slog.Info("Scheduler.deliver: shutting down, item left pending", "instanceID", s.instanceID, "chatID", key.ChatID, "itemID", id)

	default:
		if present {
			item.Status = models.FollowUpStatusFailed
			item.FailureReason = res.Err.Error()
			if res.Skipped && errors.Is(res.Err, models.ErrDuplicateMessage) {
				item.FailureReason = "duplicate"
			}
			item.UpdatedAt = now
		}
		s.mu.Unlock()
		slog.Warn("Scheduler.deliver: follow-up failed", "instanceID", s.instanceID, "chatID", key.ChatID, "itemID", id, "error", res.Err)
	}
}

func (s *Scheduler) markFailed(id, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if item, ok := s.items[id]; ok {
		item.Status = models.FollowUpStatusFailed
		item.FailureReason = reason
		item.UpdatedAt = s.now()
	}
}

// Pending returns the chat's pending items ordered by scheduled time.
func (s *Scheduler) Pending(key models.ConversationKey) []models.FollowUpItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.FollowUpItem
	for _, item := range s.items {
		if item.ChatID == key.ChatID && item.Status == models.FollowUpStatusPending {
			out = append(out, *item)
		}
	}
	sortItems(out)
	return out
}

// History returns the chat's sent follow-up history.
func (s *Scheduler) History(key models.ConversationKey) models.SentFollowUpHistory {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.history[key.ChatID]
}

// Items returns every pending and failed item of the instance.
func (s *Scheduler) Items(instanceID string) []models.FollowUpItem {
	if instanceID != s.instanceID {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.FollowUpItem, 0, len(s.items))
	for _, item := range s.items {
		out = append(out, *item)
	}
	sortItems(out)
	return out
}

// Timers lists the armed check and item timers.
func (s *Scheduler) Timers() []timer.Info {
	return s.timers.List("")
}

func sortItems(items []models.FollowUpItem) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].ScheduledTime.Equal(items[j].ScheduledTime) {
			return items[i].ID < items[j].ID
		}
		return items[i].ScheduledTime.Before(items[j].ScheduledTime)
	})
}

// persist writes the current snapshot. Failed items older than the retention
// window are dropped first.
func (s *Scheduler) persist() error {
	cutoff := s.now().Add(-FailedRetention)
	s.mu.Lock()
	items := make([]models.FollowUpItem, 0, len(s.items))
	for id, item := range s.items {
		if item.Status == models.FollowUpStatusFailed {
			at := item.UpdatedAt
			if at.IsZero() {
				at = item.ScheduledTime
			}
			if at.Before(cutoff) {
				delete(s.items, id)
				continue
			}
		}
		items = append(items, *item)
	}
	history := make(map[string]models.SentFollowUpHistory, len(s.history))
	for chatID, h := range s.history {
		history[chatID] = h
	}
	s.mu.Unlock()
	sortItems(items)

	if err := s.store.SavePending(s.instanceID, items); err != nil {
		return &models.PersistenceError{Op: "save_pending", InstanceID: s.instanceID, Err: err}
	}
	if err := s.store.SaveHistory(s.instanceID, history); err != nil {
		return &models.PersistenceError{Op: "save_history", InstanceID: s.instanceID, Err: err}
	}
	return nil
}

// Flush writes the current state immediately.
func (s *Scheduler) Flush(ctx context.Context) error {
	return s.saver.Flush(ctx)
}

// Stop cancels every timer, abandons in-flight waits, waits for running tasks
// and performs a final write. Items whose delivery was interrupted stay pending.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	s.mu.Unlock()

	s.timers.Stop()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return s.saver.Stop(ctx)
}
