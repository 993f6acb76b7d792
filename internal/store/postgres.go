// Package store provides storage backends for ReplyPipe.
//
// This file implements a PostgreSQL-backed store.
package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	"github.com/BTreeMap/ReplyPipe/internal/models"
	_ "github.com/lib/pq"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists follow-ups, ledgers and history in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.DSN != "")
	dsn := cfg.DSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) LoadPending(instanceID string) ([]models.FollowUpItem, error) {
	var raw string
	err := s.db.QueryRow(`SELECT items_json FROM follow_up_snapshots WHERE instance_id = $1`, instanceID).Scan(&raw)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		slog.Error("PostgresStore LoadPending failed", "error", err, "instanceID", instanceID)
		return nil, fmt.Errorf("failed to load follow-ups for %s: %w", instanceID, err)
	}
	items := decodeItems(instanceID, raw)
	slog.Debug("PostgresStore LoadPending succeeded", "instanceID", instanceID, "count", len(items))
	return items, nil
}

func (s *PostgresStore) SavePending(instanceID string, items []models.FollowUpItem) error {
	raw, err := encodeItems(items)
	if err != nil {
		return fmt.Errorf("failed to encode follow-ups: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO follow_up_snapshots (instance_id, items_json, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (instance_id) DO UPDATE SET items_json = EXCLUDED.items_json, updated_at = EXCLUDED.updated_at`,
		instanceID, raw, time.Now())
	if err != nil {
		slog.Error("PostgresStore SavePending failed", "error", err, "instanceID", instanceID)
		return fmt.Errorf("failed to save follow-ups for %s: %w", instanceID, err)
	}
	slog.Debug("PostgresStore SavePending succeeded", "instanceID", instanceID, "count", len(items))
	return nil
}

func (s *PostgresStore) LoadHistory(instanceID string) (map[string]models.SentFollowUpHistory, error) {
	var raw string
	err := s.db.QueryRow(`SELECT history_json FROM follow_up_snapshots WHERE instance_id = $1`, instanceID).Scan(&raw)
	if err == sql.ErrNoRows {
		return make(map[string]models.SentFollowUpHistory), nil
	}
	if err != nil {
		slog.Error("PostgresStore LoadHistory failed", "error", err, "instanceID", instanceID)
		return nil, fmt.Errorf("failed to load follow-up history for %s: %w", instanceID, err)
	}
	return decodeHistory(instanceID, raw), nil
}

func (s *PostgresStore) SaveHistory(instanceID string, history map[string]models.SentFollowUpHistory) error {
	raw, err := encodeHistory(history)
	if err != nil {
		return fmt.Errorf("failed to encode follow-up history: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO follow_up_snapshots (instance_id, history_json, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (instance_id) DO UPDATE SET history_json = EXCLUDED.history_json, updated_at = EXCLUDED.updated_at`,
		instanceID, raw, time.Now())
	if err != nil {
		slog.Error("PostgresStore SaveHistory failed", "error", err, "instanceID", instanceID)
		return fmt.Errorf("failed to save follow-up history for %s: %w", instanceID, err)
	}
	return nil
}

// AddSentMessage stores an outbound message for audit.
func (s *PostgresStore) AddSentMessage(m models.SentMessage) error {
	_, err := s.db.Exec(
		`INSERT INTO sent_messages (instance_id, chat_id, message_id, body, sent_at) VALUES ($1, $2, $3, $4, $5)`,
		m.InstanceID, m.ChatID, nilIfEmpty(m.MessageID), m.Body, m.SentAt,
	)
	if err != nil {
		slog.Error("PostgresStore AddSentMessage failed", "error", err, "chatID", m.ChatID)
		return fmt.Errorf("failed to insert sent message for %s: %w", m.ChatID, err)
	}
	return nil
}

// GetSentMessages returns the audit trail for an instance, optionally narrowed to one chat.
func (s *PostgresStore) GetSentMessages(instanceID, chatID string, limit int) ([]models.SentMessage, error) {
	query := `SELECT instance_id, chat_id, message_id, body, sent_at FROM sent_messages WHERE instance_id = $1`
	args := []interface{}{instanceID}
	if chatID != "" {
		args = append(args, chatID)
		query += fmt.Sprintf(` AND chat_id = $%d`, len(args))
	}
	query += ` ORDER BY sent_at DESC, id DESC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		slog.Error("PostgresStore GetSentMessages query failed", "error", err)
		return nil, fmt.Errorf("failed to query sent messages: %w", err)
	}
	defer rows.Close()

	msgs, err := scanSentMessages(rows, func(rows *sql.Rows, m *models.SentMessage) error {
		var messageID sql.NullString
		if err := rows.Scan(&m.InstanceID, &m.ChatID, &messageID, &m.Body, &m.SentAt); err != nil {
			return fmt.Errorf("failed to scan sent message row: %w", err)
		}
		m.MessageID = messageID.String
		return nil
	})
	if err != nil {
		slog.Error("PostgresStore GetSentMessages scan failed", "error", err)
		return nil, err
	}
	return msgs, nil
}

// Close closes the Postgres database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing Postgres database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close Postgres database", "error", err)
	}
	return err
}
