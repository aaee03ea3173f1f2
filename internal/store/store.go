// Package store is the persistence layer: a sqlite-backed append-only ledger
// of processed items, dispatch outcomes, and a small settings KV.
package store

import (
	"context"
	"errors"
	"time"

	"scrapius/internal/feed"
)

var (
	ErrClosed   = errors.New("store: closed")
	ErrNotFound = errors.New("store: not found")
)

type Config struct {
	// Path is the sqlite database file.
	Path string
	// BusyTimeout maps to the sqlite busy_timeout pragma.
	BusyTimeout time.Duration
}

// DispatchRecord is one delivery attempt outcome per (item, recipient).
type DispatchRecord struct {
	ItemID    string
	Recipient int64
	Status    string
	Attempts  int
	At        time.Time
}

// Store is the full persistence surface. Consumers should depend on the
// narrow slices they need (e.g. scheduler's Ledger interface).
type Store interface {
	// HasSeen reports whether a ProcessedRecord exists for id.
	HasSeen(ctx context.Context, id string) (bool, error)
	// MarkSeen records rec. If a record for rec.ID already exists the call is
	// a no-op and the original record is preserved.
	MarkSeen(ctx context.Context, rec feed.ProcessedRecord) error
	// ProcessedSince returns accepted records with ProcessedAt >= since,
	// oldest first.
	ProcessedSince(ctx context.Context, since time.Time) ([]feed.ProcessedRecord, error)

	RecordDispatch(ctx context.Context, d DispatchRecord) error

	// GetSetting returns ErrNotFound when the key was never set.
	GetSetting(ctx context.Context, key string) (string, error)
	PutSetting(ctx context.Context, key, value string) error

	Close() error
}
