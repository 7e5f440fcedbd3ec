package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/cockroachdb/pebble"
)

// pebbleStore keeps each user's history as one JSON value under
// "history/<userID>".
type pebbleStore struct {
	mu          sync.Mutex
	db          *pebble.DB
	maxMessages int
	closed      bool
}

// NewPebbleStore opens (or creates) a pebble database in dir
func NewPebbleStore(dir string, maxMessages int) (Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble database: %w", err)
	}
	return &pebbleStore{db: db, maxMessages: maxMessages}, nil
}

func historyKey(userID int64) []byte {
	return []byte("history/" + strconv.FormatInt(userID, 10))
}

func (p *pebbleStore) readLocked(userID int64) ([]Message, error) {
	value, closer, err := p.db.Get(historyKey(userID))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer closer.Close()

	var messages []Message
	if err := json.Unmarshal(value, &messages); err != nil {
		return nil, fmt.Errorf("failed to unmarshal history for user %d: %w", userID, err)
	}
	return messages, nil
}

func (p *pebbleStore) Append(userID int64, role, content string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	messages, err := p.readLocked(userID)
	if err != nil {
		return err
	}
	messages = trim(append(messages, Message{Role: role, Content: content}), p.maxMessages)

	data, err := json.Marshal(messages)
	if err != nil {
		return err
	}
	return p.db.Set(historyKey(userID), data, pebble.Sync)
}

func (p *pebbleStore) History(userID int64) ([]Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.readLocked(userID)
}

func (p *pebbleStore) Clear(userID int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.db.Delete(historyKey(userID), pebble.Sync)
}

func (p *pebbleStore) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	return p.db.Close()
}
