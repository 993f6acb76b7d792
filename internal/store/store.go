// Package store provides storage backends for ReplyPipe.
//
// It holds the durable follow-up snapshots of each instance, the message
// ledgers used to recognise already answered and bot-sent messages, and the
// audit history of sent messages. Backends: in-memory, JSON file (follow-ups
// only), SQLite and PostgreSQL.
package store

import (
	"sort"
	"sync"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
)

// FollowUpStore persists the follow-up state of an instance. The item set
// carries pending items plus failed ones kept for audit. Loads tolerate
// corrupt or partial data by returning an empty result.
type FollowUpStore interface {
	LoadPending(instanceID string) ([]models.FollowUpItem, error)
	SavePending(instanceID string, items []models.FollowUpItem) error
	LoadHistory(instanceID string) (map[string]models.SentFollowUpHistory, error)
	SaveHistory(instanceID string, history map[string]models.SentFollowUpHistory) error
}

// HistoryRepo stores the audit trail of outbound messages.
type HistoryRepo interface {
	AddSentMessage(m models.SentMessage) error
	// GetSentMessages returns the newest messages first. limit <= 0 means all.
	GetSentMessages(instanceID, chatID string, limit int) ([]models.SentMessage, error)
}

// Store is the full set of persistence capabilities of a database backend.
type Store interface {
	FollowUpStore
	LedgerRepo
	HistoryRepo
	Close() error
}

// Compile-time checks.
var (
	_ Store = (*InMemoryStore)(nil)
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

type ledgerEntry struct {
	chatID    string
	expiresAt time.Time
}

// InMemoryStore keeps everything in process memory. It is used in tests and
// when no database is configured.
type InMemoryStore struct {
	mu       sync.RWMutex
	items    map[string][]models.FollowUpItem
	history  map[string]map[string]models.SentFollowUpHistory
	ledgers  map[string]ledgerEntry
	messages []models.SentMessage
	now      func() time.Time
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		items:   make(map[string][]models.FollowUpItem),
		history: make(map[string]map[string]models.SentFollowUpHistory),
		ledgers: make(map[string]ledgerEntry),
		now:     time.Now,
	}
}

func (s *InMemoryStore) LoadPending(instanceID string) ([]models.FollowUpItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.FollowUpItem(nil), s.items[instanceID]...), nil
}

func (s *InMemoryStore) SavePending(instanceID string, items []models.FollowUpItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[instanceID] = append([]models.FollowUpItem(nil), items...)
	return nil
}

func (s *InMemoryStore) LoadHistory(instanceID string) (map[string]models.SentFollowUpHistory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyHistory(s.history[instanceID]), nil
}

func (s *InMemoryStore) SaveHistory(instanceID string, history map[string]models.SentFollowUpHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history[instanceID] = copyHistory(history)
	return nil
}

func (s *InMemoryStore) RecordMessage(ledger LedgerName, key models.ConversationKey, messageID string, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledgers[ledgerKey(ledger, key.InstanceID, messageID)] = ledgerEntry{chatID: key.ChatID, expiresAt: expiresAt}
	return nil
}

func (s *InMemoryStore) HasMessage(ledger LedgerName, key models.ConversationKey, messageID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.ledgers[ledgerKey(ledger, key.InstanceID, messageID)]
	if !ok {
		return false, nil
	}
	return s.now().Before(e.expiresAt), nil
}

func (s *InMemoryStore) PruneExpired(now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, e := range s.ledgers {
		if !now.Before(e.expiresAt) {
			delete(s.ledgers, k)
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) AddSentMessage(m models.SentMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, m)
	return nil
}

func (s *InMemoryStore) GetSentMessages(instanceID, chatID string, limit int) ([]models.SentMessage, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.SentMessage
	for _, m := range s.messages {
		if m.InstanceID == instanceID && (chatID == "" || m.ChatID == chatID) {
			out = append(out, m)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].SentAt.After(out[j].SentAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

func ledgerKey(ledger LedgerName, instanceID, messageID string) string {
	return string(ledger) + "|" + instanceID + "|" + messageID
}

func copyHistory(in map[string]models.SentFollowUpHistory) map[string]models.SentFollowUpHistory {
	out := make(map[string]models.SentFollowUpHistory, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
