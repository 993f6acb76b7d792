// Package conversation holds the per-chat state of one instance: whether the
// responder has engaged the chat, when the customer last wrote, and any human
// intervention or explicit mode setting.
package conversation

import (
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
)

// TouchOptions qualifies an inbound message passed to Touch.
type TouchOptions struct {
	HasContent bool
	IsSystem   bool
}

// ActivityFunc is called after a genuine inbound content touch.
type ActivityFunc func(key models.ConversationKey)

// Registry owns ConversationState for one instance.
type Registry struct {
	instanceID string

	mu     sync.RWMutex
	states map[string]*models.ConversationState

	obsMu     sync.RWMutex
	observers []ActivityFunc

	now func() time.Time
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates an empty registry for instanceID.
func NewRegistry(instanceID string, opts ...Option) *Registry {
	r := &Registry{
		instanceID: instanceID,
		states:     make(map[string]*models.ConversationState),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// InstanceID returns the instance the registry belongs to.
func (r *Registry) InstanceID() string { return r.instanceID }

// OnActivity registers fn to run after each genuine content touch.
func (r *Registry) OnActivity(fn ActivityFunc) {
	r.obsMu.Lock()
	defer r.obsMu.Unlock()
	r.observers = append(r.observers, fn)
}

func (r *Registry) check(key models.ConversationKey) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if key.InstanceID != r.instanceID {
		return models.NewValidationError("instance_id", key.InstanceID, "does not belong to this registry")
	}
	return nil
}

// stateLocked returns the state for chatID, creating it if needed.
func (r *Registry) stateLocked(chatID string) *models.ConversationState {
	st, ok := r.states[chatID]
	if !ok {
		st = &models.ConversationState{}
		r.states[chatID] = st
	}
	return st
}

// Touch records inbound activity. Only content-bearing, non-system messages on
// non-group chats update the timestamp and notify observers. It reports
// whether the touch counted as genuine activity.
func (r *Registry) Touch(key models.ConversationKey, opts TouchOptions) (bool, error) {
	if err := r.check(key); err != nil {
		return false, err
	}
	if !opts.HasContent || opts.IsSystem || key.IsGroup() {
		return false, nil
	}

	r.mu.Lock()
	r.stateLocked(key.ChatID).LastInboundAt = r.now()
	r.mu.Unlock()

	r.obsMu.RLock()
	observers := append([]ActivityFunc(nil), r.observers...)
	r.obsMu.RUnlock()
	for _, fn := range observers {
		fn(key)
	}
	return true, nil
}

// MarkActive flags the chat as engaged by the responder. It reports whether
// this call changed the flag.
func (r *Registry) MarkActive(key models.ConversationKey) (bool, error) {
	if err := r.check(key); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.stateLocked(key.ChatID)
	if st.Active {
		return false, nil
	}
	st.Active = true
	slog.Debug("Registry.MarkActive: chat engaged", "instanceID", r.instanceID, "chatID", key.ChatID)
	return true, nil
}

// IsActive reports whether the responder has engaged the chat.
func (r *Registry) IsActive(key models.ConversationKey) (bool, error) {
	if err := r.check(key); err != nil {
		return false, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.states[key.ChatID]
	return ok && st.Active, nil
}

// Get returns a copy of the chat state. Unknown chats return the zero state.
func (r *Registry) Get(key models.ConversationKey) (models.ConversationState, error) {
	if err := r.check(key); err != nil {
		return models.ConversationState{}, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.states[key.ChatID]
	if !ok {
		return models.ConversationState{}, nil
	}
	return st.Clone(), nil
}

// Update applies fn to the chat state under the registry lock.
func (r *Registry) Update(key models.ConversationKey, fn func(st *models.ConversationState)) error {
	if err := r.check(key); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.stateLocked(key.ChatID))
	return nil
}

// SetIntervention stores rec on the chat.
func (r *Registry) SetIntervention(key models.ConversationKey, rec models.InterventionRecord) error {
	return r.Update(key, func(st *models.ConversationState) { st.Intervention = &rec })
}

// ClearIntervention removes any intervention record. It reports whether one existed.
func (r *Registry) ClearIntervention(key models.ConversationKey) (bool, error) {
	var had bool
	err := r.Update(key, func(st *models.ConversationState) {
		had = st.Intervention != nil
		st.Intervention = nil
	})
	return had, err
}

// ExpireIntervention removes the chat's intervention only if it is still rec.
// A record replaced since rec was read is kept.
func (r *Registry) ExpireIntervention(key models.ConversationKey, rec models.InterventionRecord) (bool, error) {
	var removed bool
	err := r.Update(key, func(st *models.ConversationState) {
		cur := st.Intervention
		if cur == nil || cur.IsManual != rec.IsManual ||
			!cur.ActivatedAt.Equal(rec.ActivatedAt) || !cur.ExpiresAt.Equal(rec.ExpiresAt) {
			return
		}
		st.Intervention = nil
		removed = true
	})
	return removed, err
}

// SetManualMode records an explicit operator choice.
func (r *Registry) SetManualMode(key models.ConversationKey, active bool) error {
	now := r.now()
	return r.Update(key, func(st *models.ConversationState) {
		st.Mode = &models.ModeSetting{Active: active, UpdatedAt: now}
	})
}

// Snapshot returns copies of every known chat state keyed by chat id.
func (r *Registry) Snapshot() map[string]models.ConversationState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]models.ConversationState, len(r.states))
	for chatID, st := range r.states {
		out[chatID] = st.Clone()
	}
	return out
}

// Len returns the number of known chats.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.states)
}

// Clear drops all state, used on logout or instance removal.
func (r *Registry) Clear() {
	r.mu.Lock()
	n := len(r.states)
	r.states = make(map[string]*models.ConversationState)
	r.mu.Unlock()
	slog.Info("Registry.Clear: conversation state cleared", "instanceID", r.instanceID, "chats", n)
}
