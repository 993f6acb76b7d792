package conversation

import (
	"errors"
	"testing"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
)

var chat = models.ConversationKey{InstanceID: "main", ChatID: "5511999@s.whatsapp.net"}

func TestTouchRecordsGenuineContent(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := NewRegistry("main", WithClock(func() time.Time { return now }))

	var notified []models.ConversationKey
	r.OnActivity(func(k models.ConversationKey) { notified = append(notified, k) })

	counted, err := r.Touch(chat, TouchOptions{HasContent: true})
	if err != nil || !counted {
		t.Fatalf("Touch = %v, %v; want counted", counted, err)
	}
	st, _ := r.Get(chat)
	if !st.LastInboundAt.Equal(now) {
		t.Errorf("LastInboundAt = %v, want %v", st.LastInboundAt, now)
	}
	if len(notified) != 1 {
		t.Errorf("observers called %d times, want 1", len(notified))
	}
}

func TestTouchIgnoresNonGenuineMessages(t *testing.T) {
	r := NewRegistry("main")
	calls := 0
	r.OnActivity(func(models.ConversationKey) { calls++ })

	group := models.ConversationKey{InstanceID: "main", ChatID: "120363000@g.us"}
	cases := []struct {
		key  models.ConversationKey
		opts TouchOptions
	}{
		{chat, TouchOptions{HasContent: false}},
		{chat, TouchOptions{HasContent: true, IsSystem: true}},
		{group, TouchOptions{HasContent: true}},
	}
	for _, c := range cases {
		counted, err := r.Touch(c.key, c.opts)
		if err != nil {
			t.Fatalf("Touch(%v): %v", c.key, err)
		}
		if counted {
			t.Errorf("Touch(%v, %+v) counted as activity", c.key, c.opts)
		}
	}
	if calls != 0 {
		t.Errorf("observers called %d times, want 0", calls)
	}
	st, _ := r.Get(chat)
	if !st.LastInboundAt.IsZero() {
		t.Error("LastInboundAt should be untouched")
	}
}

func TestMalformedKeysRejectedBeforeMutation(t *testing.T) {
	r := NewRegistry("main")
	bad := []models.ConversationKey{
		{InstanceID: "main", ChatID: "not-a-chat"},
		{InstanceID: "main", ChatID: "5511999"},
		{InstanceID: "other", ChatID: "5511999@s.whatsapp.net"},
	}
	for _, k := range bad {
		if _, err := r.Touch(k, TouchOptions{HasContent: true}); !errors.Is(err, models.ErrValidation) {
			t.Errorf("Touch(%v) err = %v, want ErrValidation", k, err)
		}
		if _, err := r.MarkActive(k); !errors.Is(err, models.ErrValidation) {
			t.Errorf("MarkActive(%v) err = %v, want ErrValidation", k, err)
		}
	}
	if r.Len() != 0 {
		t.Errorf("registry mutated by invalid keys: %d chats", r.Len())
	}
}

func TestMarkActive(t *testing.T) {
	r := NewRegistry("main")
	if active, _ := r.IsActive(chat); active {
		t.Fatal("new chat should not be active")
	}
	changed, err := r.MarkActive(chat)
	if err != nil || !changed {
		t.Fatalf("first MarkActive = %v, %v", changed, err)
	}
	if changed, _ := r.MarkActive(chat); changed {
		t.Error("second MarkActive should report no change")
	}
	if active, _ := r.IsActive(chat); !active {
		t.Error("chat should be active")
	}
}

func TestInterventionAndModeHelpers(t *testing.T) {
	r := NewRegistry("main")
	if err := r.SetIntervention(chat, models.InterventionRecord{IsManual: true}); err != nil {
		t.Fatal(err)
	}
	if err := r.SetManualMode(chat, false); err != nil {
		t.Fatal(err)
	}

	st, _ := r.Get(chat)
	if st.Intervention == nil || !st.Intervention.IsManual {
		t.Error("intervention not stored")
	}
	if st.Mode == nil || st.Mode.Active {
		t.Error("manual mode not stored")
	}

	// Mutating the copy must not affect the registry.
	st.Intervention.IsManual = false
	again, _ := r.Get(chat)
	if !again.Intervention.IsManual {
		t.Error("Get returned shared state")
	}

	had, _ := r.ClearIntervention(chat)
	if !had {
		t.Error("ClearIntervention should report an existing record")
	}
	had, _ = r.ClearIntervention(chat)
	if had {
		t.Error("second ClearIntervention should report nothing")
	}
}

func TestExpireInterventionKeepsReplacedRecord(t *testing.T) {
	r := NewRegistry("main")
	start := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	old := models.InterventionRecord{ActivatedAt: start, ExpiresAt: start.Add(2 * time.Hour)}
	fresh := models.InterventionRecord{ActivatedAt: start.Add(3 * time.Hour), ExpiresAt: start.Add(5 * time.Hour)}

	if err := r.SetIntervention(chat, fresh); err != nil {
		t.Fatal(err)
	}
	removed, err := r.ExpireIntervention(chat, old)
	if err != nil {
		t.Fatal(err)
	}
	if removed {
		t.Error("a record set after the expired one was read must survive")
	}
	st, _ := r.Get(chat)
	if st.Intervention == nil || !st.Intervention.ActivatedAt.Equal(fresh.ActivatedAt) {
		t.Errorf("fresh record lost: %+v", st.Intervention)
	}

	if removed, _ = r.ExpireIntervention(chat, fresh); !removed {
		t.Error("matching record should be removed")
	}
}

func TestClear(t *testing.T) {
	r := NewRegistry("main")
	r.MarkActive(chat)
	r.Clear()
	if r.Len() != 0 {
		t.Errorf("Len after Clear = %d", r.Len())
	}
	if active, _ := r.IsActive(chat); active {
		t.Error("state survived Clear")
	}
}
