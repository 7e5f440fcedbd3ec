package storage

import (
	"fmt"
)

// NewStore creates a new store based on options
func NewStore(opts Options) (Store, error) {
	switch opts.Type {
	case "", "file":
		if opts.FilePath == "" {
			return nil, fmt.Errorf("file path is required for file storage")
		}
		return NewFileStore(opts.FilePath, opts.MaxMessages)
	case "sqlite":
		if opts.SQLitePath == "" {
			return nil, fmt.Errorf("sqlite path is required for sqlite storage")
		}
		return NewSQLiteStore(opts.SQLitePath, opts.MaxMessages)
	case "pebble":
		if opts.PebblePath == "" {
			return nil, fmt.Errorf("pebble path is required for pebble storage")
		}
		return NewPebbleStore(opts.PebblePath, opts.MaxMessages)
	}
	return nil, fmt.Errorf("unsupported storage type: %s", opts.Type)
}
