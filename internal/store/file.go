package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/BTreeMap/ReplyPipe/internal/models"
)

// Compile-time check that FileStore implements FollowUpStore.
var _ FollowUpStore = (*FileStore)(nil)

// DefaultFilePermissions is used for snapshot files.
const DefaultFilePermissions = 0644

type fileSnapshot struct {
	Items   json.RawMessage `json:"items"`
	History json.RawMessage `json:"history"`
	SavedAt time.Time       `json:"saved_at"`
}

// FileStore keeps one JSON document per instance in a directory. Writes go
// through a temporary file and a rename so a crash never leaves a half
// written snapshot behind.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("follow-up directory not set")
	}
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		return nil, fmt.Errorf("failed to create follow-up directory: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(instanceID string) string {
	return filepath.Join(s.dir, instanceID+".followups.json")
}

// read returns the stored document; missing or corrupt files yield an empty one.
func (s *FileStore) read(instanceID string) (fileSnapshot, error) {
	var snap fileSnapshot
	data, err := os.ReadFile(s.path(instanceID))
	if errors.Is(err, os.ErrNotExist) {
		return snap, nil
	}
	if err != nil {
		return snap, fmt.Errorf("failed to read follow-up file: %w", err)
	}
	if err := json.Unmarshal(data, &snap); err != nil {
		slog.Warn("FileStore.read: corrupt follow-up file, treating as empty", "instanceID", instanceID, "error", err)
		return fileSnapshot{}, nil
	}
	return snap, nil
}

func (s *FileStore) write(instanceID string, snap fileSnapshot) error {
	snap.SavedAt = time.Now().UTC()
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode follow-up file: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, instanceID+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, DefaultFilePermissions); err != nil {
		slog.Debug("FileStore.write: chmod failed", "file", tmpName, "error", err)
	}
	if err := os.Rename(tmpName, s.path(instanceID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace follow-up file: %w", err)
	}
	return nil
}

func (s *FileStore) LoadPending(instanceID string) ([]models.FollowUpItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, err := s.read(instanceID)
	if err != nil {
		return nil, err
	}
	return decodeItems(instanceID, string(snap.Items)), nil
}

func (s *FileStore) SavePending(instanceID string, items []models.FollowUpItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, err := s.read(instanceID)
	if err != nil {
		return err
	}
	raw, err := encodeItems(items)
	if err != nil {
		return fmt.Errorf("failed to encode follow-ups: %w", err)
	}
	snap.Items = json.RawMessage(raw)
	return s.write(instanceID, snap)
}

func (s *FileStore) LoadHistory(instanceID string) (map[string]models.SentFollowUpHistory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, err := s.read(instanceID)
	if err != nil {
		return nil, err
	}
	return decodeHistory(instanceID, string(snap.History)), nil
}

func (s *FileStore) SaveHistory(instanceID string, history map[string]models.SentFollowUpHistory) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap, err := s.read(instanceID)
	if err != nil {
		return err
	}
	raw, err := encodeHistory(history)
	if err != nil {
		return fmt.Errorf("failed to encode follow-up history: %w", err)
	}
	snap.History = json.RawMessage(raw)
	return s.write(instanceID, snap)
}
