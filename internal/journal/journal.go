package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"net/url"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// upgrades[i] moves a journal file from user_version i to i+1. A new file
// starts at 0. Steps are only ever appended.
var upgrades = []struct {
	name  string
	apply string
}{
	{"create tables", schemaSQL},
	{"unique event ids", `
		CREATE UNIQUE INDEX IF NOT EXISTS idx_events_event_id_unique
		ON events(event_id) WHERE event_id != ''`},
}

// version is the layout this build writes.
var version = len(upgrades)

// Journal is the durable event log.
type Journal struct {
	db *sql.DB
}

// Open creates or opens the journal file at path and brings its layout up
// to date. Opening a file written by a newer build fails rather than
// guessing at its layout.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite3", dsn(path))
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	// SQLite allows one writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := upgrade(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	return &Journal{db: db}, nil
}

// dsn carries the connection settings, so a reopened pool connection
// gets them too.
func dsn(path string) string {
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_synchronous", "NORMAL")
	q.Set("_busy_timeout", "5000")
	q.Set("_txlock", "immediate")
	return "file:" + path + "?" + q.Encode()
}

// upgrade runs the pending steps and the version bump in one transaction.
func upgrade(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin upgrade: %w", err)
	}
	defer tx.Rollback()

	var from int
	if err := tx.QueryRow("PRAGMA user_version").Scan(&from); err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	switch {
	case from > version:
		return fmt.Errorf("journal version %d is newer than %d", from, version)
	case from == version:
		return nil
	}

	for v := from; v < version; v++ {
		if _, err := tx.Exec(upgrades[v].apply); err != nil {
			return fmt.Errorf("upgrade to %d (%s): %w", v+1, upgrades[v].name, err)
		}
	}
	// PRAGMA does not take bind parameters.
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return fmt.Errorf("write version: %w", err)
	}
	return tx.Commit()
}

// Close closes the database.
func (j *Journal) Close() error {
	if j.db == nil {
		return nil
	}
	return j.db.Close()
}

// pragma reads the current value of a connection setting.
func (j *Journal) pragma(ctx context.Context, name string) (string, error) {
	var value string
	if err := j.db.QueryRowContext(ctx, "PRAGMA "+name).Scan(&value); err != nil {
		return "", fmt.Errorf("read %s: %w", name, err)
	}
	return value, nil
}
