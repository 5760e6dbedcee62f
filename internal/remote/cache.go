package remote

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"

	"github.com/astromechza/versecast/internal/record"
)

// Cache persists the last successfully fetched concordance in sqlite. It
// caches a remote document, not server state: canonical state itself is never
// persisted.
type Cache struct {
	db *sql.DB
}

// OpenCache opens (creating if needed) the cache database at path.
func OpenCache(path string) (*Cache, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache: %w", err)
	}
	if _, err := db.Exec(
		`CREATE TABLE IF NOT EXISTS concordance (
		position  integer not null primary key,
		reference text not null,
		book      text not null,
		chapter   text not null,
		verse     text not null,
		body      text not null,
		html      text not null
		)`,
	); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ensure cache table: %w", err)
	}
	return &Cache{db: db}, nil
}

// Close releases the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Replace swaps the cached rows for the given set in one transaction.
func (c *Cache) Replace(set record.Set) error {
	tx, err := c.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin cache transaction: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.Exec(`DELETE FROM concordance`); err != nil {
		return fmt.Errorf("failed to clear cache: %w", err)
	}
	for i, r := range set {
		if _, err := tx.Exec(
			`INSERT INTO concordance (position, reference, book, chapter, verse, body, html) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			i, r.Reference, r.Book, r.Chapter, r.Verse, r.Text, r.HTML,
		); err != nil {
			return fmt.Errorf("failed to insert cache row: %w", err)
		}
	}
	return tx.Commit()
}

// Load returns the cached set in its original order.
func (c *Cache) Load() (record.Set, error) {
	rows, err := c.db.Query(`SELECT reference, book, chapter, verse, body, html FROM concordance ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("failed to query cache: %w", err)
	}
	defer rows.Close()
	var set record.Set
	for rows.Next() {
		var r record.Record
		if err := rows.Scan(&r.Reference, &r.Book, &r.Chapter, &r.Verse, &r.Text, &r.HTML); err != nil {
			return nil, fmt.Errorf("failed to scan cache row: %w", err)
		}
		set = append(set, r)
	}
	return set, rows.Err()
}
