// Package intervention decides, per chat, whether the automated responder may
// act. It combines allow/deny filters, the group policy, human takeovers and
// explicit operator settings in a fixed priority order.
package intervention

import (
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/conversation"
	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/google/uuid"
)

// Source names the rule that decided a chat's effective mode.
type Source string

const (
	SourceFilter            Source = "filter"
	SourceGroup             Source = "group"
	SourceHumanIntervention Source = "human_intervention"
	SourceManual            Source = "manual"
	SourceDefault           Source = "default"
)

// State is the effective mode of a chat.
type State string

const (
	StateAIActive        State = "AI_ACTIVE"
	StateAIDisabledGroup State = "AI_DISABLED_GROUP"
	StateFilterBlocked   State = "FILTER_BLOCKED"
	StateHumanManual     State = "HUMAN_OVERRIDE/MANUAL"
	StateHumanAutomatic  State = "HUMAN_OVERRIDE/AUTOMATIC"
	StateManualOverride  State = "MANUAL_OVERRIDE"
)

// Status is the result of GetStatus.
type Status struct {
	Active    bool       `json:"active"`
	State     State      `json:"state"`
	Reason    string     `json:"reason"`
	CanToggle bool       `json:"can_toggle"`
	Source    Source     `json:"source"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// ModeResult reports the outcome of SetMode. A refused toggle is a normal
// result, not an error.
type ModeResult struct {
	Success bool   `json:"success"`
	Reason  string `json:"reason,omitempty"`
	Status  Status `json:"status"`
}

// SettingsSource provides the current settings of an instance.
type SettingsSource interface {
	Settings(instanceID string) models.Settings
}

// BotLedger reports whether an outbound message id was sent by the delivery queue.
type BotLedger interface {
	Has(key models.ConversationKey, messageID string) (bool, error)
}

// InterventionFunc is called when a human takes over a chat.
type InterventionFunc func(key models.ConversationKey, rec models.InterventionRecord)

// Machine evaluates and mutates the mode of chats of one instance.
type Machine struct {
	registry *conversation.Registry
	settings SettingsSource
	ledger   BotLedger
	emitter  models.Emitter
	now      func() time.Time

	obsMu     sync.RWMutex
	observers []InterventionFunc
}

// Option configures a Machine.
type Option func(*Machine)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Machine) { m.now = now }
}

// WithEmitter sets the event sink for human intervention events.
func WithEmitter(e models.Emitter) Option {
	return func(m *Machine) { m.emitter = e }
}

// NewMachine builds a Machine over registry.
func NewMachine(registry *conversation.Registry, settings SettingsSource, ledger BotLedger, opts ...Option) *Machine {
	m := &Machine{
		registry: registry,
		settings: settings,
		ledger:   ledger,
		emitter:  models.NopEmitter{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// OnIntervention registers fn to run after a human takeover is recorded.
func (m *Machine) OnIntervention(fn InterventionFunc) {
	m.obsMu.Lock()
	defer m.obsMu.Unlock()
	m.observers = append(m.observers, fn)
}

func (m *Machine) settingsFor(key models.ConversationKey) models.Settings {
	return m.settings.Settings(key.InstanceID).Normalize()
}

// CanRespond reports whether the responder may act on the chat.
func (m *Machine) CanRespond(key models.ConversationKey) (bool, error) {
	st, err := m.GetStatus(key)
	if err != nil {
		return false, err
	}
	return st.Active, nil
}

// GetStatus computes the effective mode: filter, then group, then human
// override, then manual setting, then default. An expired automatic
// intervention is deleted here.
func (m *Machine) GetStatus(key models.ConversationKey) (Status, error) {
	if err := key.Validate(); err != nil {
		return Status{}, err
	}
	settings := m.settingsFor(key)

	if settings.Filtered(key) {
		return Status{State: StateFilterBlocked, Source: SourceFilter, Reason: "chat excluded by allow/deny list"}, nil
	}
	if key.IsGroup() {
		return Status{State: StateAIDisabledGroup, Source: SourceGroup, Reason: "automated responses are disabled for group chats"}, nil
	}

	st, err := m.registry.Get(key)
	if err != nil {
		return Status{}, err
	}
	// A record set concurrently with the expiry survives it; read again.
	for st.Intervention != nil && st.Intervention.Expired(m.now()) {
		removed, err := m.registry.ExpireIntervention(key, *st.Intervention)
		if err != nil {
			return Status{}, err
		}
		if removed {
			slog.Info("Machine.GetStatus: human intervention expired, automation resumed", "instanceID", key.InstanceID, "chatID", key.ChatID)
		}
		if st, err = m.registry.Get(key); err != nil {
			return Status{}, err
		}
	}

	if rec := st.Intervention; rec != nil {
		activated := rec.ActivatedAt
		out := Status{
			State:     StateHumanAutomatic,
			Source:    SourceHumanIntervention,
			CanToggle: true,
			Reason:    "a human is handling this chat",
			Timestamp: &activated,
		}
		if rec.IsManual {
			out.State = StateHumanManual
			out.Reason = "paused manually until re-activated"
		} else {
			expires := rec.ExpiresAt
			out.ExpiresAt = &expires
		}
		return out, nil
	}

	if st.Mode != nil {
		updated := st.Mode.UpdatedAt
		out := Status{
			Active:    st.Mode.Active,
			State:     StateManualOverride,
			Source:    SourceManual,
			CanToggle: true,
			Timestamp: &updated,
			Reason:    "automation turned off by operator",
		}
		if st.Mode.Active {
			out.Reason = "automation turned on by operator"
		}
		return out, nil
	}

	return Status{Active: true, State: StateAIActive, Source: SourceDefault, CanToggle: true, Reason: "default"}, nil
}

// SetMode records an explicit operator choice. Turning automation on while a
// human override is in place clears the override.
func (m *Machine) SetMode(key models.ConversationKey, active bool) (ModeResult, error) {
	status, err := m.GetStatus(key)
	if err != nil {
		return ModeResult{}, err
	}
	if !status.CanToggle {
		return ModeResult{Success: false, Reason: status.Reason, Status: status}, nil
	}

	if active && status.Source == SourceHumanIntervention {
		if _, err := m.registry.ClearIntervention(key); err != nil {
			return ModeResult{}, err
		}
	}
	if err := m.registry.SetManualMode(key, active); err != nil {
		return ModeResult{}, err
	}
	slog.Info("Machine.SetMode: mode updated", "instanceID", key.InstanceID, "chatID", key.ChatID, "active", active)

	status, err = m.GetStatus(key)
	if err != nil {
		return ModeResult{}, err
	}
	return ModeResult{Success: true, Status: status}, nil
}

// ObserveOutbound inspects an outbound message seen on the transport. A
// message not sent by the delivery queue on an engaged chat (or on any chat
// when immediate intervention is on) starts an automatic human override. It
// reports whether an override was recorded.
func (m *Machine) ObserveOutbound(key models.ConversationKey, messageID string) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	if key.IsGroup() {
		return false, nil
	}

	if messageID != "" {
		fromBot, err := m.ledger.Has(key, messageID)
		if err != nil {
			// Without the ledger we cannot tell; do not pause the chat on a guess.
			slog.Warn("Machine.ObserveOutbound: sent-by-bot ledger unavailable", "instanceID", key.InstanceID, "chatID", key.ChatID, "error", err)
			return false, nil
		}
		if fromBot {
			return false, nil
		}
	}

	settings := m.settingsFor(key)
	active, err := m.registry.IsActive(key)
	if err != nil {
		return false, err
	}
	if !active && !settings.ImmediateIntervention {
		return false, nil
	}

	st, err := m.registry.Get(key)
	if err != nil {
		return false, err
	}
	if st.Intervention != nil && st.Intervention.IsManual {
		return false, nil
	}

	now := m.now()
	rec := models.InterventionRecord{
		ActivatedAt: now,
		ExpiresAt:   now.Add(settings.ReactivationWindow()),
	}
	if err := m.registry.SetIntervention(key, rec); err != nil {
		return false, err
	}
	slog.Info("Machine.ObserveOutbound: human intervention detected", "instanceID", key.InstanceID, "chatID", key.ChatID, "expiresAt", rec.ExpiresAt)
	m.notify(key, rec)
	return true, nil
}

// PauseManually puts the chat under a manual human override with no expiry.
func (m *Machine) PauseManually(key models.ConversationKey) (ModeResult, error) {
	status, err := m.GetStatus(key)
	if err != nil {
		return ModeResult{}, err
	}
	if !status.CanToggle {
		return ModeResult{Success: false, Reason: status.Reason, Status: status}, nil
	}
	rec := models.InterventionRecord{IsManual: true, ActivatedAt: m.now()}
	if err := m.registry.SetIntervention(key, rec); err != nil {
		return ModeResult{}, err
	}
	slog.Info("Machine.PauseManually: chat paused", "instanceID", key.InstanceID, "chatID", key.ChatID)
	m.notify(key, rec)

	status, err = m.GetStatus(key)
	if err != nil {
		return ModeResult{}, err
	}
	return ModeResult{Success: true, Status: status}, nil
}

// ClearIntervention removes any human override. It reports whether one existed.
func (m *Machine) ClearIntervention(key models.ConversationKey) (bool, error) {
	if err := key.Validate(); err != nil {
		return false, err
	}
	had, err := m.registry.ClearIntervention(key)
	if err != nil {
		return false, err
	}
	if had {
		slog.Info("Machine.ClearIntervention: intervention cleared", "instanceID", key.InstanceID, "chatID", key.ChatID)
	}
	return had, nil
}

func (m *Machine) notify(key models.ConversationKey, rec models.InterventionRecord) {
	reason := "automatic"
	if rec.IsManual {
		reason = "manual"
	}
	m.emitter.Emit(models.Event{
		ID:         uuid.NewString(),
		Type:       models.EventHumanIntervention,
		InstanceID: key.InstanceID,
		ChatID:     key.ChatID,
		Reason:     reason,
		Time:       m.now(),
	})

	m.obsMu.RLock()
	observers := append([]InterventionFunc(nil), m.observers...)
	m.obsMu.RUnlock()
	for _, fn := range observers {
		fn(key, rec)
	}
}
