// Package checkpoint persists pipeline state between runs, keyed by session.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when no checkpoint exists for a session.
var ErrNotFound = errors.New("checkpoint not found")

// Record is one saved pipeline state.
type Record struct {
	SessionID string          `json:"session_id"`
	Step      string          `json:"step"`
	State     json.RawMessage `json:"state"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Info summarises a checkpoint without its state.
type Info struct {
	SessionID string    `json:"session_id"`
	Step      string    `json:"step"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Store saves and loads checkpoints. Save replaces any previous record for
// the same session.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Load(ctx context.Context, sessionID string) (Record, error)
	List(ctx context.Context) ([]Info, error)
	Delete(ctx context.Context, sessionID string) error
	Close() error
}

// Config selects a store implementation.
type Config struct {
	Driver string `yaml:"driver"` // "bolt", "sqlite", "postgres"
	DSN    string `yaml:"dsn"`
}

// Open returns the store named by cfg.Driver.
func Open(cfg Config) (Store, error) {
	switch cfg.Driver {
	case "", "bolt", "bbolt":
		return NewBoltStore(cfg.DSN)
	case DialectSQLite, DialectPostgres:
		return OpenSQL(cfg.Driver, cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown checkpoint driver %q", cfg.Driver)
	}
}

func validate(rec Record) error {
	if rec.SessionID == "" {
		return errors.New("checkpoint: session id is required")
	}
	if len(rec.State) == 0 {
		return fmt.Errorf("checkpoint %s: empty state", rec.SessionID)
	}
	return nil
}
