package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"scrapius/internal/feed"
	"scrapius/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

// Open creates or opens the sqlite database at cfg.Path and applies the
// schema migrations.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	s := &sqliteStore{db: db, log: log}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) HasSeen(ctx context.Context, id string) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrClosed
	}
	if id == "" {
		return false, nil
	}
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM processed WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) MarkSeen(ctx context.Context, rec feed.ProcessedRecord) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if rec.ID == "" {
		return errors.New("store: empty record id")
	}
	if rec.ProcessedAt.IsZero() {
		rec.ProcessedAt = time.Now()
	}
	// OR IGNORE keeps the first record: processed rows are append-only and
	// never overwritten.
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO processed(id, source, decision, outcome, summary, processed_at)
		 VALUES(?,?,?,?,?,?)`,
		rec.ID, rec.Source, string(rec.Decision), string(rec.Outcome),
		rec.Summary, rec.ProcessedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) ProcessedSince(ctx context.Context, since time.Time) ([]feed.ProcessedRecord, error) {
	if s == nil || s.db == nil {
		return nil, ErrClosed
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source, decision, outcome, summary, processed_at
		 FROM processed
		 WHERE decision = ? AND processed_at >= ?
		 ORDER BY processed_at ASC`,
		string(feed.DecisionAccepted), since.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []feed.ProcessedRecord
	for rows.Next() {
		var (
			rec               feed.ProcessedRecord
			decision, outcome string
			processedAt       string
		)
		if err := rows.Scan(&rec.ID, &rec.Source, &decision, &outcome, &rec.Summary, &processedAt); err != nil {
			return nil, err
		}
		rec.Decision = feed.Decision(decision)
		rec.Outcome = feed.Outcome(outcome)
		if t, perr := time.Parse(time.RFC3339Nano, processedAt); perr == nil {
			rec.ProcessedAt = t
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *sqliteStore) RecordDispatch(ctx context.Context, d DispatchRecord) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	if d.At.IsZero() {
		d.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO dispatches(item_id, recipient, status, attempts, at) VALUES(?,?,?,?,?)`,
		d.ItemID, d.Recipient, d.Status, d.Attempts, d.At.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) GetSetting(ctx context.Context, key string) (string, error) {
	if s == nil || s.db == nil {
		return "", ErrClosed
	}
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM settings WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	return v, err
}

func (s *sqliteStore) PutSetting(ctx context.Context, key, value string) error {
	if s == nil || s.db == nil {
		return ErrClosed
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO settings(key, value) VALUES(?,?)
		 ON CONFLICT(key) DO UPDATE SET value=excluded.value`,
		key, value,
	)
	return err
}
