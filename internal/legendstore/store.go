// Package legendstore persists legend entries in a SQLite database,
// keyed by layer reference. Sources resolve legend_ref defs against a
// Store; the legends CLI verb builds one from a map document.
package legendstore

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/cartokit/layerlens/internal/layer"
)

const schema = `
CREATE TABLE IF NOT EXISTS legend (
	layer_key TEXT NOT NULL,
	ord INTEGER NOT NULL,
	label TEXT NOT NULL,
	swatch TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (layer_key, ord)
);
`

// Store reads legend entries from a legend database.
type Store struct {
	db *sql.DB
}

// Open opens an existing legend database for reading.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open legend db %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// Fetch returns the entries for layerKey in declared order. An unknown
// key yields an empty slice, not an error.
func (s *Store) Fetch(ctx context.Context, layerKey string) ([]layer.LegendEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT label, swatch FROM legend WHERE layer_key = ? ORDER BY ord", layerKey)
	if err != nil {
		return nil, fmt.Errorf("query legend %s: %w", layerKey, err)
	}
	defer func() { _ = rows.Close() }() // safe to ignore

	var entries []layer.LegendEntry
	for rows.Next() {
		var e layer.LegendEntry
		if err := rows.Scan(&e.Label, &e.Swatch); err != nil {
			return nil, fmt.Errorf("scan legend row: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Writer builds a legend database. All puts run inside one transaction,
// committed by Close.
type Writer struct {
	db   *sql.DB
	tx   *sql.Tx
	stmt *sql.Stmt
}

// Create opens (or creates) a legend database for writing and begins
// the bulk transaction.
func Create(path string) (*Writer, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open legend db %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create legend schema: %w", err)
	}
	tx, err := db.Begin()
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("begin legend tx: %w", err)
	}
	stmt, err := tx.Prepare(
		"INSERT OR REPLACE INTO legend (layer_key, ord, label, swatch) VALUES (?, ?, ?, ?)")
	if err != nil {
		_ = tx.Rollback()
		_ = db.Close()
		return nil, fmt.Errorf("prepare legend insert: %w", err)
	}
	return &Writer{db: db, tx: tx, stmt: stmt}, nil
}

// Put stores the ordered entries for layerKey, replacing any previous
// rows at the same positions.
func (w *Writer) Put(layerKey string, entries []layer.LegendEntry) error {
	for i, e := range entries {
		if _, err := w.stmt.Exec(layerKey, i, e.Label, e.Swatch); err != nil {
			return fmt.Errorf("insert legend %s[%d]: %w", layerKey, i, err)
		}
	}
	return nil
}

// Close commits the transaction and closes the database.
func (w *Writer) Close() error {
	_ = w.stmt.Close() // safe to ignore
	if err := w.tx.Commit(); err != nil {
		_ = w.db.Close()
		return fmt.Errorf("commit legend tx: %w", err)
	}
	return w.db.Close()
}
