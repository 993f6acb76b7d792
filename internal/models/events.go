package models

import "time"

// EventType names a notification emitted by the core.
type EventType string

const (
	EventMessageReceived     EventType = "message_received"
	EventMessageSent         EventType = "message_sent"
	EventFollowUpSent        EventType = "follow_up_sent"
	EventFollowUpCheckResult EventType = "follow_up_check_result"
	EventHumanIntervention   EventType = "human_intervention"
	EventTurnAbandoned       EventType = "turn_abandoned"
)

// Event is a fire-and-forget notification for observers.
type Event struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	InstanceID  string    `json:"instance_id"`
	ChatID      string    `json:"chat_id"`
	Text        string    `json:"text,omitempty"`
	HasFollowUp bool      `json:"has_follow_up,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	LatencyMs   int64     `json:"latency_ms,omitempty"` // enqueue to send, message_sent only
	Time        time.Time `json:"time"`
}

// Emitter accepts events without blocking the caller.
type Emitter interface {
	Emit(Event)
}

// NopEmitter discards events.
type NopEmitter struct{}

func (NopEmitter) Emit(Event) {}
