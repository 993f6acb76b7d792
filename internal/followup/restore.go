package followup

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	"github.com/google/uuid"
)

// RestoreReport summarizes one Restore call.
type RestoreReport struct {
	InstanceID  string `json:"instance_id"`
	Loaded      int    `json:"loaded"`
	Retroactive int    `json:"retroactive"`
	Future      int    `json:"future"`
	Duplicates  int    `json:"duplicates"`
	Failed      int    `json:"failed"`
	Invalid     int    `json:"invalid"`
}

// Restore loads the persisted items and history of the instance and re-arms
// the pending items. Items already due are sent one stagger apart; later ones
// keep their remaining delay. An item is only added when no in-memory item of
// the same chat has the same scheduled time, so repeated calls are harmless.
func (s *Scheduler) Restore(ctx context.Context, instanceID string) (RestoreReport, error) {
	report := RestoreReport{InstanceID: instanceID}
	if instanceID != s.instanceID {
		return report, fmt.Errorf("%w: %s", models.ErrUnknownInstance, instanceID)
	}

	loaded, err := s.store.LoadPending(instanceID)
	if err != nil {
		return report, &models.PersistenceError{Op: "load_pending", InstanceID: instanceID, Err: err}
	}
	history, err := s.store.LoadHistory(instanceID)
	if err != nil {
		return report, &models.PersistenceError{Op: "load_history", InstanceID: instanceID, Err: err}
	}
	report.Loaded = len(loaded)

	now := s.now()
	var retro, future []models.FollowUpItem

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return report, models.ErrServiceStopped
	}
	for chatID, h := range history {
		if _, ok := s.history[chatID]; !ok {
			s.history[chatID] = h
		}
	}
	for _, item := range loaded {
		if item.InstanceID == "" {
			item.InstanceID = instanceID
		}
		if item.ID == "" {
			item.ID = uuid.NewString()
		}
		if err := item.Key().Validate(); err != nil || item.InstanceID != instanceID {
			report.Invalid++
			continue
		}

		switch item.Status {
		case models.FollowUpStatusFailed:
			if _, ok := s.items[item.ID]; !ok {
				cp := item
				s.items[cp.ID] = &cp
				report.Failed++
			}
			continue
		case models.FollowUpStatusPending:
		default:
			continue
		}

		if s.hasItemAtLocked(item.ChatID, item.ScheduledTime) {
			report.Duplicates++
			continue
		}
		cp := item
		s.items[cp.ID] = &cp
		if cp.ScheduledTime.After(now) {
			future = append(future, cp)
		} else {
			retro = append(retro, cp)
		}
	}
	s.mu.Unlock()

	sortItems(retro)
	for i, item := range retro {
		s.arm(item.Key(), item.ID, time.Duration(i)*s.stagger)
	}
	for _, item := range future {
		s.arm(item.Key(), item.ID, item.ScheduledTime.Sub(now))
	}
	report.Retroactive = len(retro)
	report.Future = len(future)

	if len(retro)+len(future)+report.Failed > 0 {
		s.saver.Request()
	}
	slog.Info("Scheduler.Restore: follow-ups restored", "instanceID", instanceID,
		"loaded", report.Loaded, "retroactive", report.Retroactive, "future", report.Future,
		"duplicates", report.Duplicates, "failed", report.Failed, "invalid", report.Invalid)
	return report, nil
}

// hasItemAtLocked reports whether an item of the chat is known for at, either
// still held or already delivered since the last inbound activity. It
// requires s.mu.
func (s *Scheduler) hasItemAtLocked(chatID string, at time.Time) bool {
	for _, item := range s.items {
		if item.ChatID == chatID && item.ScheduledTime.Equal(at) {
			return true
		}
	}
	for _, sent := range s.sentAt[chatID] {
		if sent.Equal(at) {
			return true
		}
	}
	return false
}
