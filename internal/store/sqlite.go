// Package store provides storage backends for ReplyPipe.
//
// This file implements an SQLite-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	_ "github.com/mattn/go-sqlite3"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists follow-ups, ledgers and history in an SQLite file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.DSN != "")

	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	// A single connection serializes writers and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}

	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) LoadPending(instanceID string) ([]models.FollowUpItem, error) {
	var raw string
	err := s.db.QueryRow(`SELECT items_json FROM follow_up_snapshots WHERE instance_id = ?`, instanceID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("SQLiteStore LoadPending failed", "error", err, "instanceID", instanceID)
		return nil, fmt.Errorf("failed to load follow-ups for %s: %w", instanceID, err)
	}
	items := decodeItems(instanceID, raw)
	slog.Debug("SQLiteStore LoadPending succeeded", "instanceID", instanceID, "count", len(items))
	return items, nil
}

func (s *SQLiteStore) SavePending(instanceID string, items []models.FollowUpItem) error {
	raw, err := encodeItems(items)
	if err != nil {
		return fmt.Errorf("failed to encode follow-ups: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO follow_up_snapshots (instance_id, items_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET items_json = excluded.items_json, updated_at = excluded.updated_at`,
		instanceID, raw, time.Now().UTC())
	if err != nil {
		slog.Error("SQLiteStore SavePending failed", "error", err, "instanceID", instanceID)
		return fmt.Errorf("failed to save follow-ups for %s: %w", instanceID, err)
	}
	slog.Debug("SQLiteStore SavePending succeeded", "instanceID", instanceID, "count", len(items))
	return nil
}

func (s *SQLiteStore) LoadHistory(instanceID string) (map[string]models.SentFollowUpHistory, error) {
	var raw string
	err := s.db.QueryRow(`SELECT history_json FROM follow_up_snapshots WHERE instance_id = ?`, instanceID).Scan(&raw)
	if err == sql.ErrNoRows {
		return make(map[string]models.SentFollowUpHistory), nil
	}
	if err != nil {
		slog.Error("SQLiteStore LoadHistory failed", "error", err, "instanceID", instanceID)
		return nil, fmt.Errorf("failed to load follow-up history for %s: %w", instanceID, err)
	}
	return decodeHistory(instanceID, raw), nil
}

func (s *SQLiteStore) SaveHistory(instanceID string, history map[string]models.SentFollowUpHistory) error {
	raw, err := encodeHistory(history)
	if err != nil {
		return fmt.Errorf("failed to encode follow-up history: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO follow_up_snapshots (instance_id, history_json, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(instance_id) DO UPDATE SET history_json = excluded.history_json, updated_at = excluded.updated_at`,
		instanceID, raw, time.Now().UTC())
	if err != nil {
		slog.Error("SQLiteStore SaveHistory failed", "error", err, "instanceID", instanceID)
		return fmt.Errorf("failed to save follow-up history for %s: %w", instanceID, err)
	}
	return nil
}

func (s *SQLiteStore) AddSentMessage(m models.SentMessage) error {
	_, err := s.db.Exec(
		`INSERT INTO sent_messages (instance_id, chat_id, message_id, body, sent_at) VALUES (?, ?, ?, ?, ?)`,
		m.InstanceID, m.ChatID, nilIfEmpty(m.MessageID), m.Body, m.SentAt.UnixMilli(),
	)
	if err != nil {
		slog.Error("SQLiteStore AddSentMessage failed", "error", err, "chatID", m.ChatID)
		return fmt.Errorf("failed to insert sent message for %s: %w", m.ChatID, err)
	}
	return nil
}

func (s *SQLiteStore) GetSentMessages(instanceID, chatID string, limit int) ([]models.SentMessage, error) {
	query := `SELECT instance_id, chat_id, message_id, body, sent_at FROM sent_messages WHERE instance_id = ?`
	args := []interface{}{instanceID}
	if chatID != "" {
		query += ` AND chat_id = ?`
		args = append(args, chatID)
	}
	query += ` ORDER BY sent_at DESC, id DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("SQLiteStore GetSentMessages query failed", "error", err)
		return nil, fmt.Errorf("failed to query sent messages: %w", err)
	}
	defer rows.Close()

	msgs, err := scanSentMessages(rows, func(rows *sql.Rows, m *models.SentMessage) error {
		var messageID sql.NullString
		var sentAt int64
		if err := rows.Scan(&m.InstanceID, &m.ChatID, &messageID, &m.Body, &sentAt); err != nil {
			return fmt.Errorf("failed to scan sent message row: %w", err)
		}
		m.MessageID = messageID.String
		m.SentAt = time.UnixMilli(sentAt)
		return nil
	})
	if err != nil {
		slog.Error("SQLiteStore GetSentMessages scan failed", "error", err)
		return nil, err
	}
	slog.Debug("SQLiteStore GetSentMessages succeeded", "count", len(msgs))
	return msgs, nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
