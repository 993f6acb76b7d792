package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
)

// Compile-time check that SQLiteStore implements LedgerRepo.
var _ LedgerRepo = (*SQLiteStore)(nil)

func (s *SQLiteStore) RecordMessage(ledger LedgerName, key models.ConversationKey, messageID string, expiresAt time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO message_ledger (ledger, instance_id, message_id, chat_id, recorded_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(ledger, instance_id, message_id) DO UPDATE SET expires_at = excluded.expires_at`,
		string(ledger), key.InstanceID, messageID, key.ChatID, time.Now().UnixMilli(), expiresAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("record ledger message failed: %w", err)
	}
	return nil
}

func (s *SQLiteStore) HasMessage(ledger LedgerName, key models.ConversationKey, messageID string) (bool, error) {
	var id string
	err := s.db.QueryRow(
		`SELECT message_id FROM message_ledger WHERE ledger = ? AND instance_id = ? AND message_id = ? AND expires_at > ?`,
		string(ledger), key.InstanceID, messageID, time.Now().UnixMilli(),
	).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ledger check failed: %w", err)
	}
	return true, nil
}

func (s *SQLiteStore) PruneExpired(now time.Time) (int64, error) {
	result, err := s.db.Exec(`DELETE FROM message_ledger WHERE expires_at <= ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("ledger prune failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("ledger prune rows affected check failed: %w", err)
	}
	return n, nil
}
