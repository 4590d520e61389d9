// Package sqlitecache implements snapshot.Cache over a local SQLite
// database, for single-host deployments that want durable snapshots
// without standing up Redis. Queries are hand-written: the teacher's
// sqlite snapshot store was generated by a sqlc layer whose generator
// config isn't part of this retrieval pack, so there is nothing to
// regenerate from (see DESIGN.md).
package sqlitecache

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/mpalmer/factrun/internal/sqlitemigrate"
	"github.com/mpalmer/factrun/snapshot"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Cache is a SQLite-backed snapshot.Cache.
type Cache struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// brings its schema up to date.
func Open(path string) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlitecache: open: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite is not safe for concurrent writers

	runner := sqlitemigrate.New(db, "schema_migrations")
	if err := runner.LoadFromFS(migrationsFS, "migrations"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := runner.Up(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitecache: migrate: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close releases the underlying database handle.
func (c *Cache) Close() error { return c.db.Close() }

// Get returns the snapshot stored under key, or snapshot.ErrNotFound.
func (c *Cache) Get(ctx context.Context, key string) (*snapshot.Snapshot, error) {
	var lastFact string
	var data []byte
	var compressed bool
	err := c.db.QueryRowContext(ctx,
		`SELECT last_fact, bytes, compressed FROM snapshots WHERE key = ?`, key,
	).Scan(&lastFact, &data, &compressed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, snapshot.ErrNotFound
	}
	if err != nil {
		return nil, &snapshot.ErrIOFailure{Op: "get", Err: err}
	}
	cursor, err := uuid.Parse(lastFact)
	if err != nil {
		return nil, &snapshot.ErrIOFailure{Op: "decode-cursor", Err: err}
	}
	return &snapshot.Snapshot{Key: key, LastFact: cursor, Bytes: data, Compressed: compressed}, nil
}

// Set writes snap under its key, replacing any previous value.
func (c *Cache) Set(ctx context.Context, snap *snapshot.Snapshot) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO snapshots (key, last_fact, bytes, compressed)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			last_fact  = excluded.last_fact,
			bytes      = excluded.bytes,
			compressed = excluded.compressed
	`, snap.Key, snap.LastFact.String(), snap.Bytes, snap.Compressed)
	if err != nil {
		return &snapshot.ErrIOFailure{Op: "set", Err: err}
	}
	return nil
}

// Delete removes the snapshot stored under key, if any.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM snapshots WHERE key = ?`, key); err != nil {
		return &snapshot.ErrIOFailure{Op: "delete", Err: err}
	}
	return nil
}
