package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	log "github.com/sirupsen/logrus"
)

// fileStore implements Store interface using a JSON file that maps user ids
// to their ordered history.
type fileStore struct {
	mu sync.RWMutex

	filePath    string
	maxMessages int

	history map[int64][]Message
}

// NewFileStore creates a new file-based store. An unreadable or corrupt file
// is logged and the store starts empty.
func NewFileStore(filePath string, maxMessages int) (Store, error) {
	store := &fileStore{
		filePath:    filePath,
		maxMessages: maxMessages,
		history:     make(map[int64][]Message),
	}

	if err := store.load(); err != nil && !os.IsNotExist(err) {
		log.Warnf("Failed to load history from %s, starting empty: %v", filePath, err)
		store.history = make(map[int64][]Message)
	}

	return store, nil
}

// load reads data from file
func (f *fileStore) load() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.filePath)
	if err != nil {
		return err
	}

	// Keys are decimal user ids as strings, matching what encoding/json
	// produces for map[int64] keys.
	var stored map[string][]Message
	if err := json.Unmarshal(data, &stored); err != nil {
		return fmt.Errorf("failed to unmarshal history: %w", err)
	}

	history := make(map[int64][]Message, len(stored))
	for key, messages := range stored {
		userID, err := strconv.ParseInt(key, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid user id %q in history file: %w", key, err)
		}
		history[userID] = messages
	}
	f.history = history
	return nil
}

// saveLocked writes data to file without acquiring locks
// Caller must hold at least a read lock
func (f *fileStore) saveLocked() error {
	data, err := json.MarshalIndent(f.history, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal history: %w", err)
	}

	if dir := filepath.Dir(f.filePath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create history directory: %w", err)
		}
	}

	tmpPath := f.filePath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}

	// Rename to final path (atomic replace)
	if err := os.Rename(tmpPath, f.filePath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}
	return nil
}

// Append adds a message and persists the whole history
func (f *fileStore) Append(userID int64, role, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	messages := append(f.history[userID], Message{Role: role, Content: content})
	f.history[userID] = trim(messages, f.maxMessages)
	return f.saveLocked()
}

// History returns a copy of the user's history
func (f *fileStore) History(userID int64) ([]Message, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return append([]Message(nil), f.history[userID]...), nil
}

// Clear removes the user's history
func (f *fileStore) Clear(userID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.history[userID]; !ok {
		return nil
	}
	delete(f.history, userID)
	return f.saveLocked()
}

// Close implements Store interface. Every mutation is already persisted.
func (f *fileStore) Close() error {
	return nil
}
