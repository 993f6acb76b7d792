package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
)

// Compile-time check that PostgresStore implements LedgerRepo.
var _ LedgerRepo = (*PostgresStore)(nil)

func (s *PostgresStore) RecordMessage(ledger LedgerName, key models.ConversationKey, messageID string, expiresAt time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO message_ledger (ledger, instance_id, message_id, chat_id, recorded_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (ledger, instance_id, message_id) DO UPDATE SET expires_at = EXCLUDED.expires_at`,
		string(ledger), key.InstanceID, messageID, key.ChatID, time.Now(), expiresAt,
	)
	if err != nil {
		return fmt.Errorf("record ledger message failed: %w", err)
	}
	return nil
}

func (s *PostgresStore) HasMessage(ledger LedgerName, key models.ConversationKey, messageID string) (bool, error) {
	var id string
	err := s.db.QueryRow(
		`SELECT message_id FROM message_ledger WHERE ledger = $1 AND instance_id = $2 AND message_id = $3 AND expires_at > $4`,
		string(ledger), key.InstanceID, messageID, time.Now(),
	).Scan(&id)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ledger check failed: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) PruneExpired(now time.Time) (int64, error) {
	result, err := s.db.Exec(`DELETE FROM message_ledger WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("ledger prune failed: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("ledger prune rows affected check failed: %w", err)
	}
	return n, nil
}
