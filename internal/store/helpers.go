package store

import (
	"database/sql"
	"encoding/json"
	"log/slog"

	"github.com/BTreeMap/ReplyPipe/internal/models"
)

// nilIfEmpty returns nil if s is empty, otherwise returns s.
// Used for nullable database columns.
func nilIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// decodeItems parses a stored item list. Corrupt data yields an empty list.
func decodeItems(instanceID, raw string) []models.FollowUpItem {
	if raw == "" {
		return nil
	}
	var items []models.FollowUpItem
	if err := json.Unmarshal([]byte(raw), &items); err != nil {
		slog.Warn("store.decodeItems: corrupt follow-up data, treating as empty", "instanceID", instanceID, "error", err)
		return nil
	}
	return items
}

// decodeHistory parses a stored history map. Corrupt data yields an empty map.
func decodeHistory(instanceID, raw string) map[string]models.SentFollowUpHistory {
	history := make(map[string]models.SentFollowUpHistory)
	if raw == "" {
		return history
	}
	if err := json.Unmarshal([]byte(raw), &history); err != nil {
		slog.Warn("store.decodeHistory: corrupt follow-up history, treating as empty", "instanceID", instanceID, "error", err)
		return make(map[string]models.SentFollowUpHistory)
	}
	return history
}

func encodeItems(items []models.FollowUpItem) (string, error) {
	if items == nil {
		items = []models.FollowUpItem{}
	}
	b, err := json.Marshal(items)
	return string(b), err
}

func encodeHistory(history map[string]models.SentFollowUpHistory) (string, error) {
	if history == nil {
		history = map[string]models.SentFollowUpHistory{}
	}
	b, err := json.Marshal(history)
	return string(b), err
}

// scanSentMessages collects sent message rows with a backend-specific scan func.
func scanSentMessages(rows *sql.Rows, scan func(rows *sql.Rows, m *models.SentMessage) error) ([]models.SentMessage, error) {
	var out []models.SentMessage
	for rows.Next() {
		var m models.SentMessage
		if err := scan(rows, &m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
