package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ErrCorruptStore is returned by Load when persisted data could not be parsed and has been
// moved aside. The snapshot returned alongside it holds whatever was readable, so saving it
// loses nothing. Any other Load error means the store was not read and must not be overwritten.
var ErrCorruptStore = errors.New("session store is corrupt")

// WebhookRecord is the persisted form of a webhook subscription.
type WebhookRecord struct {
	ID         string   `json:"id"`
	URL        string   `json:"url"`
	EventTypes []string `json:"eventTypes"`
}

// Record is the persisted metadata of one session.
type Record struct {
	Webhooks  []WebhookRecord `json:"webhooks"`
	CreatedAt time.Time       `json:"createdAt"`
	Status    string          `json:"status"`
}

// Snapshot maps session id to its persisted record.
type Snapshot map[string]Record

// Store is a durable snapshot backend.
type Store interface {
	Load(ctx context.Context) (Snapshot, error)
	Save(ctx context.Context, snapshot Snapshot) error
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Driver    string // file, sqlite, redis
	Path      string // file and sqlite
	RedisAddr string
	RedisKey  string
	DataDir   string
}

// Open constructs the backend named by opts.Driver.
func Open(opts Options) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(opts.Driver))
	switch driver {
	case "", "file":
		path := opts.Path
		if path == "" {
			path = filepath.Join(opts.DataDir, "sessions.json")
		}
		return NewFileStore(path), nil
	case "sqlite":
		path := opts.Path
		if path == "" {
			path = filepath.Join(opts.DataDir, "sessions.db")
		}
		return NewSQLiteStore(path)
	case "redis":
		return NewRedisStore(RedisOptions{Addr: opts.RedisAddr, Key: opts.RedisKey})
	default:
		return nil, fmt.Errorf("unknown store driver: %s", opts.Driver)
	}
}
