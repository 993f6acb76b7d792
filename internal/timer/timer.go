// Package timer provides cancellable timers that return handles and are
// grouped by key, so every timer armed for a conversation can be cancelled in
// one call.
package timer

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Info describes one armed timer.
type Info struct {
	ID          uint64        `json:"id"`
	Group       string        `json:"group"`
	Label       string        `json:"label"`
	ScheduledAt time.Time     `json:"scheduled_at"`
	ExpiresAt   time.Time     `json:"expires_at"`
	Remaining   time.Duration `json:"remaining"`
}

type entry struct {
	timer       *time.Timer
	group       string
	label       string
	scheduledAt time.Time
	expiresAt   time.Time
}

// Handle refers to one armed timer.
type Handle struct {
	id    uint64
	group string
	owner *Timers
}

// ID returns the timer id, unique within its Timers.
func (h Handle) ID() uint64 { return h.id }

// Cancel stops the timer. It reports whether the timer was still armed; a
// timer whose callback already started is not affected.
func (h Handle) Cancel() bool {
	if h.owner == nil {
		return false
	}
	return h.owner.cancel(h.group, h.id)
}

// Timers tracks armed timers by group.
type Timers struct {
	mu     sync.Mutex
	groups map[string]map[uint64]*entry
	nextID uint64
	now    func() time.Time
}

// New creates an empty Timers.
func New() *Timers {
	return &Timers{
		groups: make(map[string]map[uint64]*entry),
		now:    time.Now,
	}
}

// After arms fn to run once delay has elapsed. Negative delays run as soon as
// possible. The callback runs on its own goroutine.
func (t *Timers) After(group, label string, delay time.Duration, fn func()) Handle {
	if delay < 0 {
		delay = 0
	}
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	id := t.nextID
	e := &entry{
		group:       group,
		label:       label,
		scheduledAt: now,
		expiresAt:   now.Add(delay),
	}
	e.timer = time.AfterFunc(delay, func() { t.fire(group, id, fn) })

	g, ok := t.groups[group]
	if !ok {
		g = make(map[uint64]*entry)
		t.groups[group] = g
	}
	g[id] = e

	slog.Debug("Timers.After: armed", "group", group, "label", label, "id", id, "delay", delay)
	return Handle{id: id, group: group, owner: t}
}

// At arms fn to run at when. Times in the past fire immediately.
func (t *Timers) At(group, label string, when time.Time, fn func()) Handle {
	return t.After(group, label, when.Sub(t.now()), fn)
}

func (t *Timers) fire(group string, id uint64, fn func()) {
	t.mu.Lock()
	g := t.groups[group]
	if _, ok := g[id]; !ok {
		// Cancelled after the runtime timer expired but before we got the lock.
		t.mu.Unlock()
		return
	}
	t.removeLocked(group, id)
	t.mu.Unlock()

	fn()
}

func (t *Timers) cancel(group string, id uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.groups[group][id]
	if !ok {
		return false
	}
	e.timer.Stop()
	t.removeLocked(group, id)
	return true
}

func (t *Timers) removeLocked(group string, id uint64) {
	g := t.groups[group]
	delete(g, id)
	if len(g) == 0 {
		delete(t.groups, group)
	}
}

// CancelGroup stops every timer in group and returns how many were armed.
func (t *Timers) CancelGroup(group string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelGroupLocked(group)
}

func (t *Timers) cancelGroupLocked(group string) int {
	g := t.groups[group]
	for _, e := range g {
		e.timer.Stop()
	}
	delete(t.groups, group)
	return len(g)
}

// CancelLabel stops the timers in group carrying label.
func (t *Timers) CancelLabel(group, label string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for id, e := range t.groups[group] {
		if e.label == label {
			e.timer.Stop()
			t.removeLocked(group, id)
			n++
		}
	}
	return n
}

// CancelPrefix stops every timer whose group starts with prefix.
func (t *Timers) CancelPrefix(prefix string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for group := range t.groups {
		if strings.HasPrefix(group, prefix) {
			n += t.cancelGroupLocked(group)
		}
	}
	return n
}

// Count returns the number of armed timers in group.
func (t *Timers) Count(group string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.groups[group])
}

// HasLabel reports whether group has an armed timer with label.
func (t *Timers) HasLabel(group, label string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, e := range t.groups[group] {
		if e.label == label {
			return true
		}
	}
	return false
}

// List returns the armed timers of group ordered by expiry. An empty group
// lists every timer.
func (t *Timers) List(group string) []Info {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	var out []Info
	collect := func(g map[uint64]*entry) {
		for id, e := range g {
			remaining := e.expiresAt.Sub(now)
			if remaining < 0 {
				remaining = 0
			}
			out = append(out, Info{
				ID:          id,
				Group:       e.group,
				Label:       e.label,
				ScheduledAt: e.scheduledAt,
				ExpiresAt:   e.expiresAt,
				Remaining:   remaining,
			})
		}
	}
	if group == "" {
		for _, g := range t.groups {
			collect(g)
		}
	} else {
		collect(t.groups[group])
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	return out
}

// Stop cancels every armed timer.
func (t *Timers) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for group := range t.groups {
		n += t.cancelGroupLocked(group)
	}
	slog.Debug("Timers.Stop: cancelled all timers", "count", n)
}
