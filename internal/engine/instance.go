// Package engine wires the per-instance components into one context object
// and routes transport traffic through them.
//
// Inbound flow: transport -> registry touch -> mode gate -> inbound buffer ->
// responder -> delivery queue -> transport. The follow-up scheduler watches
// registry activity and sends through the same queue.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/conversation"
	"github.com/BTreeMap/ReplyPipe/internal/followup"
	"github.com/BTreeMap/ReplyPipe/internal/inbound"
	"github.com/BTreeMap/ReplyPipe/internal/intervention"
	"github.com/BTreeMap/ReplyPipe/internal/messaging"
	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/BTreeMap/ReplyPipe/internal/outbound"
	"github.com/BTreeMap/ReplyPipe/internal/recovery"
	"github.com/BTreeMap/ReplyPipe/internal/responder"
	"github.com/BTreeMap/ReplyPipe/internal/store"
	"github.com/google/uuid"
)

// DefaultTurnLogSize is how many turns per chat are kept for follow-up prompts.
const DefaultTurnLogSize = 20

// logoutTimeout bounds clearing state after a remote logout.
const logoutTimeout = 30 * time.Second

// SettingsSource provides per-instance settings.
type SettingsSource interface {
	Settings(instanceID string) models.Settings
}

// Config holds everything an Instance needs.
type Config struct {
	InstanceID string
	Transport  messaging.Service
	Responder  responder.Responder
	Settings   SettingsSource
	FollowUps  store.FollowUpStore
	Ledgers    store.LedgerRepo
	History    store.HistoryRepo // optional sent-message audit
	Emitter    models.Emitter    // optional
	LedgerTTL  time.Duration     // default store.DefaultLedgerTTL

	TurnLogSize     int
	FollowUpOptions []followup.Option
	BufferOptions   []inbound.Option
	QueueOptions    []outbound.Option
}

// Instance is one isolated automated account: its own transport session,
// state and timers.
type Instance struct {
	id        string
	transport messaging.Service
	responder responder.Responder
	settings  SettingsSource
	emitter   models.Emitter

	registry  *conversation.Registry
	machine   *intervention.Machine
	buffer    *inbound.Buffer
	queue     *outbound.Queue
	followups *followup.Scheduler
	turns     *conversation.TurnLog
	sentByBot *store.Ledger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	started bool
	running bool
	stopped bool
	done    chan struct{}
}

var _ recovery.Recoverable = (*Instance)(nil)

// NewInstance builds the components of one instance and connects their
// observers. Nothing runs until Start.
func NewInstance(cfg Config) (*Instance, error) {
	if err := models.ValidateInstanceID(cfg.InstanceID); err != nil {
		return nil, err
	}
	if cfg.Transport == nil || cfg.Responder == nil || cfg.Settings == nil || cfg.FollowUps == nil || cfg.Ledgers == nil {
		return nil, fmt.Errorf("engine: instance %s: transport, responder, settings, follow-up store and ledgers are required", cfg.InstanceID)
	}
	emitter := cfg.Emitter
	if emitter == nil {
		emitter = models.NopEmitter{}
	}
	ttl := cfg.LedgerTTL
	if ttl <= 0 {
		ttl = store.DefaultLedgerTTL
	}
	size := cfg.TurnLogSize
	if size <= 0 {
		size = DefaultTurnLogSize
	}

	ctx, cancel := context.WithCancel(context.Background())
	inst := &Instance{
		id:        cfg.InstanceID,
		transport: cfg.Transport,
		responder: cfg.Responder,
		settings:  cfg.Settings,
		emitter:   emitter,
		registry:  conversation.NewRegistry(cfg.InstanceID),
		turns:     conversation.NewTurnLog(size),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	answered := store.NewLedger(cfg.Ledgers, store.LedgerAnswered, ttl)
	sentByBot := store.NewLedger(cfg.Ledgers, store.LedgerSentByBot, ttl)
	inst.sentByBot = sentByBot

	inst.machine = intervention.NewMachine(inst.registry, cfg.Settings, sentByBot, intervention.WithEmitter(emitter))

	queueOpts := []outbound.Option{outbound.WithEmitter(emitter), outbound.WithTyping(inst.typing)}
	if cfg.History != nil {
		queueOpts = append(queueOpts, outbound.WithHistory(cfg.History))
	}
	inst.queue = outbound.NewQueue(cfg.Transport, inst.registry, sentByBot, append(queueOpts, cfg.QueueOptions...)...)

	fuOpts := []followup.Option{
		followup.WithAdvisor(cfg.Responder),
		followup.WithTurns(inst.turns),
		followup.WithEmitter(emitter),
	}
	inst.followups = followup.NewScheduler(cfg.InstanceID, cfg.Settings, inst.machine, inst.queue, cfg.FollowUps, append(fuOpts, cfg.FollowUpOptions...)...)

	bufOpts := []inbound.Option{inbound.WithDebounce(inst.debounce)}
	inst.buffer = inbound.NewBuffer(inst.handleTurn, answered, append(bufOpts, cfg.BufferOptions...)...)

	inst.registry.OnActivity(inst.followups.OnInboundActivity)
	inst.machine.OnIntervention(inst.onIntervention)
	return inst, nil
}

// ID returns the instance id.
func (i *Instance) ID() string { return i.id }

func (i *Instance) Registry() *conversation.Registry { return i.registry }
func (i *Instance) Machine() *intervention.Machine   { return i.machine }
func (i *Instance) Buffer() *inbound.Buffer          { return i.buffer }
func (i *Instance) Queue() *outbound.Queue           { return i.queue }
func (i *Instance) FollowUps() *followup.Scheduler   { return i.followups }
func (i *Instance) Turns() *conversation.TurnLog     { return i.turns }
func (i *Instance) Transport() messaging.Service     { return i.transport }

func (i *Instance) currentSettings() models.Settings {
	return i.settings.Settings(i.id).Normalize()
}

func (i *Instance) debounce(string) time.Duration {
	return i.currentSettings().DebounceWindow()
}

func (i *Instance) typing(string) (time.Duration, time.Duration) {
	st := i.currentSettings()
	return time.Duration(st.TypingMsPerChar) * time.Millisecond, time.Duration(st.MaxTypingSeconds) * time.Second
}

func (i *Instance) onIntervention(key models.ConversationKey, rec models.InterventionRecord) {
	dropped := i.buffer.Cancel(key)
	n, err := i.followups.Cancel(i.ctx, key)
	if err != nil {
		slog.Warn("Instance.onIntervention: follow-up cancel failed", "instanceID", i.id, "chatID", key.ChatID, "error", err)
	}
	slog.Info("Instance.onIntervention: automation paused", "instanceID", i.id, "chatID", key.ChatID,
		"manual", rec.IsManual, "droppedFragments", dropped, "cancelledFollowUps", n)
}

// Start starts the transport and hooks follow-up restore to reconnects.
func (i *Instance) Start(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.stopped {
		return models.ErrServiceStopped
	}
	if i.started {
		return nil
	}
	if n, ok := i.transport.(messaging.ConnectionNotifier); ok {
		n.OnConnected(recovery.ReconnectHandler(i, recovery.DefaultReconnectTimeout))
	}
	if n, ok := i.transport.(messaging.LogoutNotifier); ok {
		n.OnLoggedOut(i.handleLoggedOut)
	}
	if err := i.transport.Start(ctx); err != nil {
		return fmt.Errorf("failed to start transport for %s: %w", i.id, err)
	}
	i.started = true
	slog.Info("Instance.Start: started", "instanceID", i.id)
	return nil
}

// Run consumes the transport's inbound channel until it closes or ctx ends.
// Messages are handled one at a time in arrival order.
func (i *Instance) Run(ctx context.Context) {
	i.mu.Lock()
	if i.stopped || i.running {
		i.mu.Unlock()
		return
	}
	i.running = true
	i.mu.Unlock()
	defer close(i.done)
	in := i.transport.Inbound()
	for {
		select {
		case <-ctx.Done():
			return
		case <-i.ctx.Done():
			return
		case msg, ok := <-in:
			if !ok {
				slog.Debug("Instance.Run: inbound channel closed", "instanceID", i.id)
				return
			}
			i.safeHandle(ctx, msg)
		}
	}
}

func (i *Instance) safeHandle(ctx context.Context, msg models.InboundMessage) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Instance.safeHandle: panic handling inbound message", "instanceID", i.id, "chatID", msg.Key.ChatID, "panic", r)
		}
	}()
	if err := i.HandleInbound(ctx, msg); err != nil {
		slog.Warn("Instance.safeHandle: inbound message rejected", "instanceID", i.id, "chatID", msg.Key.ChatID, "messageID", msg.MessageID, "error", err)
	}
}

// HandleInbound routes one transport message. Messages from the account
// itself feed intervention detection; customer messages update the registry
// and, when the responder may act, enter the inbound buffer.
func (i *Instance) HandleInbound(ctx context.Context, msg models.InboundMessage) error {
	key := msg.Key
	if key.InstanceID != i.id {
		return fmt.Errorf("%w: %s", models.ErrUnknownInstance, key.InstanceID)
	}
	if err := key.Validate(); err != nil {
		return err
	}

	if msg.IsFromSelf {
		// Reactions, edits and revokes are not a person writing.
		if msg.IsSystem || !msg.Content.HasContent() {
			return nil
		}
		started, err := i.machine.ObserveOutbound(key, msg.MessageID)
		if err != nil {
			return err
		}
		if sent, _ := i.sentByBot.Has(key, msg.MessageID); !sent {
			i.turns.Append(key, models.Turn{Role: models.TurnRoleAssistant, Text: msg.Content.Fragment(), At: msg.ReceivedAt})
		}
		if started {
			slog.Info("Instance.HandleInbound: human reply detected", "instanceID", i.id, "chatID", key.ChatID, "messageID", msg.MessageID)
		}
		return nil
	}

	if answered, err := i.buffer.AlreadyAnswered(key, msg.MessageID); err != nil {
		slog.Warn("Instance.HandleInbound: answered ledger lookup failed", "instanceID", i.id, "chatID", key.ChatID, "error", err)
	} else if answered {
		slog.Debug("Instance.HandleInbound: redelivered message ignored", "instanceID", i.id, "chatID", key.ChatID, "messageID", msg.MessageID)
		return nil
	}

	hasContent := msg.Content.HasContent()
	if _, err := i.registry.Touch(key, conversation.TouchOptions{HasContent: hasContent, IsSystem: msg.IsSystem}); err != nil {
		return err
	}
	if !hasContent || msg.IsSystem {
		return nil
	}

	text := msg.Content.Fragment()
	i.emitter.Emit(models.Event{
		ID:         uuid.NewString(),
		Type:       models.EventMessageReceived,
		InstanceID: i.id,
		ChatID:     key.ChatID,
		Text:       text,
		Time:       msg.ReceivedAt,
	})

	ok, err := i.machine.CanRespond(key)
	if err != nil {
		return err
	}
	if !ok {
		i.turns.Append(key, models.Turn{Role: models.TurnRoleUser, Text: text, At: msg.ReceivedAt})
		slog.Debug("Instance.HandleInbound: automation inactive for chat", "instanceID", i.id, "chatID", key.ChatID)
		return nil
	}
	return i.buffer.Append(key, text, msg.MessageID)
}

// handleTurn is the buffer's flush handler. It runs at most once at a time
// per chat.
func (i *Instance) handleTurn(ctx context.Context, turn inbound.Turn) error {
	key := turn.Key
	if ok, err := i.machine.CanRespond(key); err != nil || !ok {
		slog.Info("Instance.handleTurn: chat no longer automated, turn skipped", "instanceID", i.id, "chatID", key.ChatID, "turnID", turn.ID)
		return err
	}
	if _, err := i.registry.MarkActive(key); err != nil {
		return err
	}
	now := time.Now()
	i.turns.Append(key, models.Turn{Role: models.TurnRoleUser, Text: turn.Text, At: now})

	st := i.currentSettings()
	reply, err := i.responder.Respond(ctx, key, turn.Text, st.ContextName)
	if err != nil {
		reason := string(models.ResponderErrorUnknown)
		var rerr *models.ResponderError
		if errors.As(err, &rerr) {
			reason = string(rerr.Kind)
		}
		i.emitter.Emit(models.Event{
			ID:         uuid.NewString(),
			Type:       models.EventTurnAbandoned,
			InstanceID: i.id,
			ChatID:     key.ChatID,
			Reason:     reason,
			Time:       time.Now(),
		})
		return fmt.Errorf("turn %s abandoned: %w", turn.ID, err)
	}
	if reply == "" {
		slog.Warn("Instance.handleTurn: empty reply", "instanceID", i.id, "chatID", key.ChatID, "turnID", turn.ID)
		return nil
	}
	if ok, _ := i.machine.CanRespond(key); !ok {
		slog.Info("Instance.handleTurn: human took over while replying, reply dropped", "instanceID", i.id, "chatID", key.ChatID)
		return nil
	}

	var res outbound.Result
	select {
	case res = <-i.queue.Enqueue(key, reply):
	case <-ctx.Done():
		return ctx.Err()
	}
	if res.Err != nil && !res.Skipped {
		return res.Err
	}
	i.turns.Append(key, models.Turn{Role: models.TurnRoleAssistant, Text: reply, At: time.Now()})

	if !st.FollowUpEnabled {
		return nil
	}
	sr, err := i.followups.ScheduleCheck(ctx, key, 0)
	if err != nil {
		slog.Warn("Instance.handleTurn: follow-up check not armed", "instanceID", i.id, "chatID", key.ChatID, "error", err)
		return nil
	}
	slog.Debug("Instance.handleTurn: follow-up check", "instanceID", i.id, "chatID", key.ChatID, "scheduled", sr.Scheduled, "reason", sr.Reason)
	return nil
}

// RecoverState restores persisted follow-ups of the instance.
func (i *Instance) RecoverState(ctx context.Context, registry *recovery.RecoveryRegistry) error {
	report, err := i.followups.Restore(ctx, i.id)
	if registry != nil {
		registry.RecordRestore(report, err)
	}
	return err
}

// Logout forgets everything about the instance's chats: follow-ups are
// cancelled and deleted, buffered fragments dropped, state cleared.
func (i *Instance) Logout(ctx context.Context) error {
	n, err := i.followups.CancelAll(ctx, i.id)
	if err != nil {
		return err
	}
	for chatID := range i.registry.Snapshot() {
		i.buffer.Cancel(models.ConversationKey{InstanceID: i.id, ChatID: chatID})
	}
	i.queue.Clear()
	i.registry.Clear()
	i.turns.Clear()
	slog.Info("Instance.Logout: state cleared", "instanceID", i.id, "cancelledFollowUps", n)
	return nil
}

// handleLoggedOut clears the instance after the transport session was revoked.
func (i *Instance) handleLoggedOut() {
	ctx, cancel := context.WithTimeout(i.ctx, logoutTimeout)
	defer cancel()
	if err := i.Logout(ctx); err != nil {
		slog.Error("Instance.handleLoggedOut: clearing state failed", "instanceID", i.id, "error", err)
	}
}

// Stop stops the components in dependency order and waits for Run to return
// if it is running. The transport stops last so in-flight sends can finish.
func (i *Instance) Stop(ctx context.Context) error {
	i.mu.Lock()
	if i.stopped {
		i.mu.Unlock()
		return nil
	}
	i.stopped = true
	running := i.running
	i.mu.Unlock()

	var errs []error
	if err := i.buffer.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("buffer: %w", err))
	}
	if err := i.followups.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("follow-ups: %w", err))
	}
	if err := i.queue.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("queue: %w", err))
	}
	i.cancel()
	if err := i.transport.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("transport: %w", err))
	}
	if running {
		select {
		case <-i.done:
		case <-ctx.Done():
		}
	}
	slog.Info("Instance.Stop: stopped", "instanceID", i.id, "errors", len(errs))
	return errors.Join(errs...)
}
