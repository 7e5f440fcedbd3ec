package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS messages (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id    INTEGER NOT NULL,
	role       TEXT    NOT NULL,
	content    TEXT    NOT NULL,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_user ON messages(user_id, id);
`

// sqliteStore keeps history in a single SQLite table ordered by row id
type sqliteStore struct {
	db          *sql.DB
	maxMessages int
}

// NewSQLiteStore opens (or creates) the database at path
func NewSQLiteStore(path string, maxMessages int) (Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create sqlite directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	// A single connection serialises writers and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply sqlite schema: %w", err)
	}
	return &sqliteStore{db: db, maxMessages: maxMessages}, nil
}

func (s *sqliteStore) Append(userID int64, role, content string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(
		`INSERT INTO messages (user_id, role, content, created_at) VALUES (?, ?, ?, ?)`,
		userID, role, content, time.Now().UnixMilli(),
	); err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	if s.maxMessages > 0 {
		if _, err := tx.Exec(
			`DELETE FROM messages WHERE user_id = ? AND id NOT IN (
				SELECT id FROM messages WHERE user_id = ? ORDER BY id DESC LIMIT ?
			)`,
			userID, userID, s.maxMessages,
		); err != nil {
			return fmt.Errorf("failed to evict old messages: %w", err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) History(userID int64) ([]Message, error) {
	rows, err := s.db.Query(`SELECT role, content FROM messages WHERE user_id = ? ORDER BY id ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query history: %w", err)
	}
	defer rows.Close()

	var messages []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.Role, &m.Content); err != nil {
			return nil, err
		}
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

func (s *sqliteStore) Clear(userID int64) error {
	_, err := s.db.Exec(`DELETE FROM messages WHERE user_id = ?`, userID)
	return err
}

func (s *sqliteStore) Close() error {
	return s.db.Close()
}
