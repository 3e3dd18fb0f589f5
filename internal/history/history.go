// Package history records the outcome of past test-VM runs.
// Uses pure-Go SQLite (modernc.org/sqlite) — no cgo required.
//
// Only finished runs land here; live-instance state stays in pidfiles.
package history

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// DB wraps the SQLite run-history database.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the history database at the given path.
func Open(dbPath string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	hdb := &DB{db: db}
	if err := hdb.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return hdb, nil
}

// Close closes the database.
func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) migrate() error {
	_, err := d.db.Exec(`
		CREATE TABLE IF NOT EXISTS runs (
			id          TEXT PRIMARY KEY,
			instance_id TEXT NOT NULL,
			outcome     TEXT NOT NULL,
			state       TEXT NOT NULL,
			boot_ms     INTEGER NOT NULL DEFAULT 0,
			attempts    INTEGER NOT NULL DEFAULT 1,
			diagnostics TEXT NOT NULL DEFAULT '',
			error       TEXT NOT NULL DEFAULT '',
			created_at  TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`)
	return err
}

// Run is one finished instance run.
type Run struct {
	ID          string
	InstanceID  string
	Outcome     string // "ready", "failed", "stopped"
	State       string // final lifecycle state
	BootTime    time.Duration
	Attempts    int
	Diagnostics string // path of the diagnostics snapshot, if one was taken
	Error       string
	CreatedAt   time.Time
}

// Record inserts a finished run and returns its generated id.
func (d *DB) Record(run *Run) (string, error) {
	id := uuid.New().String()
	_, err := d.db.Exec(`
		INSERT INTO runs (id, instance_id, outcome, state, boot_ms, attempts, diagnostics, error, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, id, run.InstanceID, run.Outcome, run.State, run.BootTime.Milliseconds(),
		run.Attempts, run.Diagnostics, run.Error, time.Now().Format(time.RFC3339))
	if err != nil {
		return "", fmt.Errorf("record run: %w", err)
	}
	return id, nil
}

// Recent returns the most recent runs, newest first.
func (d *DB) Recent(limit int) ([]*Run, error) {
	rows, err := d.db.Query(`
		SELECT id, instance_id, outcome, state, boot_ms, attempts, diagnostics, error, created_at
		FROM runs ORDER BY created_at DESC, id LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// Get retrieves one run by id, or nil if no such run exists.
func (d *DB) Get(id string) (*Run, error) {
	row := d.db.QueryRow(`
		SELECT id, instance_id, outcome, state, boot_ms, attempts, diagnostics, error, created_at
		FROM runs WHERE id = ?
	`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return run, err
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(s scanner) (*Run, error) {
	var run Run
	var bootMS int64
	var createdAt string
	if err := s.Scan(&run.ID, &run.InstanceID, &run.Outcome, &run.State,
		&bootMS, &run.Attempts, &run.Diagnostics, &run.Error, &createdAt); err != nil {
		return nil, err
	}
	run.BootTime = time.Duration(bootMS) * time.Millisecond
	run.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &run, nil
}
