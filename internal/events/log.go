package events

import (
	"context"
	"log/slog"

	"github.com/BTreeMap/ReplyPipe/internal/models"
)

// LogSink writes events to slog.
type LogSink struct {
	Logger *slog.Logger
}

// Handle logs interventions and abandoned turns at info level, the rest at debug.
func (s LogSink) Handle(e models.Event) {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	level := slog.LevelDebug
	switch e.Type {
	case models.EventHumanIntervention, models.EventTurnAbandoned, models.EventFollowUpSent:
		level = slog.LevelInfo
	}
	attrs := []any{"type", e.Type, "instanceID", e.InstanceID, "chatID", e.ChatID}
	if e.Reason != "" {
		attrs = append(attrs, "reason", e.Reason)
	}
	if e.Type == models.EventFollowUpCheckResult {
		attrs = append(attrs, "hasFollowUp", e.HasFollowUp)
	}
	if e.LatencyMs > 0 {
		attrs = append(attrs, "latencyMs", e.LatencyMs)
	}
	logger.Log(context.Background(), level, "LogSink.Handle: event", attrs...)
}
