package store

import (
	"fmt"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
)

// LedgerName selects one of the message ledgers.
type LedgerName string

const (
	// LedgerAnswered holds inbound message ids already handed to the responder.
	LedgerAnswered LedgerName = "answered"
	// LedgerSentByBot holds outbound message ids sent by the delivery queue.
	LedgerSentByBot LedgerName = "sent_by_bot"
)

// DefaultLedgerTTL is how long a ledger entry is remembered.
const DefaultLedgerTTL = 24 * time.Hour

// LedgerRepo records message ids with an expiry.
type LedgerRepo interface {
	// RecordMessage stores the id, replacing the expiry of an existing entry.
	RecordMessage(ledger LedgerName, key models.ConversationKey, messageID string, expiresAt time.Time) error
	// HasMessage reports whether the id is recorded and not yet expired.
	HasMessage(ledger LedgerName, key models.ConversationKey, messageID string) (bool, error)
	// PruneExpired deletes entries that expired at or before now.
	PruneExpired(now time.Time) (int64, error)
}

// Ledger is a LedgerRepo bound to one ledger name and TTL.
type Ledger struct {
	repo LedgerRepo
	name LedgerName
	ttl  time.Duration
	now  func() time.Time
}

// NewLedger binds repo to name. A non-positive ttl uses DefaultLedgerTTL.
func NewLedger(repo LedgerRepo, name LedgerName, ttl time.Duration) *Ledger {
	if ttl <= 0 {
		ttl = DefaultLedgerTTL
	}
	return &Ledger{repo: repo, name: name, ttl: ttl, now: time.Now}
}

// Record remembers messageID for the ledger TTL. Empty ids are ignored.
func (l *Ledger) Record(key models.ConversationKey, messageID string) error {
	if messageID == "" {
		return nil
	}
	if err := l.repo.RecordMessage(l.name, key, messageID, l.now().Add(l.ttl)); err != nil {
		return fmt.Errorf("record %s ledger entry: %w", l.name, err)
	}
	return nil
}

// Has reports whether messageID was recorded within the TTL.
func (l *Ledger) Has(key models.ConversationKey, messageID string) (bool, error) {
	if messageID == "" {
		return false, nil
	}
	ok, err := l.repo.HasMessage(l.name, key, messageID)
	if err != nil {
		return false, fmt.Errorf("check %s ledger entry: %w", l.name, err)
	}
	return ok, nil
}

// Name returns the ledger name.
func (l *Ledger) Name() LedgerName { return l.name }
