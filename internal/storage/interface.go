package storage

// Roles used in conversation history and prompts
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of a user's conversation history
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Store defines the interface for persistent conversation history
type Store interface {
	// Append adds a message to the user's history, evicting the oldest
	// entries beyond the configured maximum.
	Append(userID int64, role, content string) error
	// History returns a copy of the user's history, oldest first.
	History(userID int64) ([]Message, error)
	// Clear removes the user's history.
	Clear(userID int64) error

	Close() error
}

// Options contains configuration options for storage
type Options struct {
	Type        string // "file", "sqlite" or "pebble"
	FilePath    string // JSON file for file storage
	SQLitePath  string // database file for sqlite storage
	PebblePath  string // directory for pebble storage
	MaxMessages int    // per-user cap, <= 0 means unlimited
}

// trim keeps the newest max messages
func trim(messages []Message, max int) []Message {
	if max > 0 && len(messages) > max {
		return append([]Message(nil), messages[len(messages)-max:]...)
	}
	return messages
}
