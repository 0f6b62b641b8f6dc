// Package store persists validated entities in SQLite so a restarted client
// can answer from disk before asking the service.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/danmuck/despot/internal/metadata"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

// Store is safe for concurrent use.
type Store struct {
	db     *sql.DB
	maxAge time.Duration
}

type Option func(*Store)

// WithMaxAge treats rows older than d as misses. Zero keeps rows forever.
func WithMaxAge(d time.Duration) Option {
	return func(s *Store) { s.maxAge = d }
}

// Open creates or opens the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open database: %w", err)
	}
	// one connection keeps :memory: databases consistent
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA busy_timeout = 10000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA journal_mode = WAL",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("store: set pragma: %w", err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS entities (
			id TEXT PRIMARY KEY,
			kind INTEGER NOT NULL,
			raw BLOB NOT NULL,
			fetched_at INTEGER NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_entities_fetched ON entities(fetched_at);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}

	s := &Store{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Load returns (nil, nil) on a miss. Rows that no longer parse, or that are
// older than the configured max age, are deleted and reported as misses.
func (s *Store) Load(ctx context.Context, kind metadata.Kind, id metadata.ID) (*metadata.Entity, error) {
	var (
		storedKind int
		raw        []byte
		fetchedAt  int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT kind, raw, fetched_at FROM entities WHERE id = ?`, id.Hex(),
	).Scan(&storedKind, &raw, &fetchedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("store: load %s: %w", id.Hex(), err)
	}
	if metadata.Kind(storedKind) != kind {
		return nil, nil
	}

	at := time.UnixMilli(fetchedAt)
	if s.maxAge > 0 && time.Since(at) > s.maxAge {
		return nil, s.Delete(ctx, id)
	}

	e, err := metadata.ParseEntity(kind, raw)
	if err != nil || e.ID != id {
		log.Warn().Err(err).Str("id", id.Hex()).Msg("store.Load dropping invalid row")
		return nil, s.Delete(ctx, id)
	}
	e.FetchedAt = at
	return e, nil
}

func (s *Store) Save(ctx context.Context, e *metadata.Entity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO entities (id, kind, raw, fetched_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET kind = excluded.kind, raw = excluded.raw, fetched_at = excluded.fetched_at
	`, e.ID.Hex(), int(e.Kind), e.Raw, e.FetchedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("store: save %s: %w", e.ID.Hex(), err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, id metadata.ID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE id = ?`, id.Hex()); err != nil {
		return fmt.Errorf("store: delete %s: %w", id.Hex(), err)
	}
	return nil
}

// Purge removes rows fetched before cutoff and reports how many were removed.
func (s *Store) Purge(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM entities WHERE fetched_at < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("store: purge: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM entities`).Scan(&n); err != nil {
		return 0, fmt.Errorf("store: count: %w", err)
	}
	return n, nil
}
