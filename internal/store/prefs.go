// Package store persists small key/value preferences across runs in a sqlite
// database. The EPG entrypoint list written by the channels step is read back
// by the guide fetch.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const (
	// EntrypointsKey holds the EPG carousel addresses joined by EntrypointSep.
	EntrypointsKey = "epgEntrypoints"
	EntrypointSep  = "|"
)

const schema = `CREATE TABLE IF NOT EXISTS prefs (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
)`

// Prefs is a sqlite-backed preference table.
type Prefs struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Prefs, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: create schema: %w", err)
	}
	return &Prefs{db: db}, nil
}

func (p *Prefs) Close() error { return p.db.Close() }

// Get returns the value stored under key; ok is false if there is none.
func (p *Prefs) Get(ctx context.Context, key string) (value string, ok bool, err error) {
	err = p.db.QueryRowContext(ctx, "SELECT value FROM prefs WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("store: get %s: %w", key, err)
	}
	return value, true, nil
}

// Put stores value under key, replacing any previous value.
func (p *Prefs) Put(ctx context.Context, key, value string) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO prefs (key, value, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("store: put %s: %w", key, err)
	}
	return nil
}

// SaveEntrypoints overwrites the persisted EPG entrypoint list.
func (p *Prefs) SaveEntrypoints(ctx context.Context, entrypoints []string) error {
	return p.Put(ctx, EntrypointsKey, strings.Join(entrypoints, EntrypointSep))
}

// Entrypoints returns the persisted EPG entrypoint list in saved order, or
// nil if none was saved.
func (p *Prefs) Entrypoints(ctx context.Context) ([]string, error) {
	v, ok, err := p.Get(ctx, EntrypointsKey)
	if err != nil || !ok || v == "" {
		return nil, err
	}
	var out []string
	for _, e := range strings.Split(v, EntrypointSep) {
		if e = strings.TrimSpace(e); e != "" {
			out = append(out, e)
		}
	}
	return out, nil
}
