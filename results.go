package main

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// ===========================================================================
// RESULTS STORE
// ===========================================================================
//
// Optional SQLite sink for run results, one row per run, so sweeps across
// architectures/batch sizes/precisions can be queried later instead of
// scraped out of logs. WAL journaling because distributed runs may have
// several ranks writing rank-0-only results in quick succession across runs.
//
// ===========================================================================

// RunRecord is one benchmark/training/validation run's outcome.
type RunRecord struct {
	ID         string
	Command    string
	Arch       string
	BatchSize  int
	ImageSize  int
	Precision  string
	Backend    string
	WorldSize  int
	Iterations int
	LatencyMS  float64
	Throughput float64
	Acc1       float64
	Acc5       float64
	Loss       float64
	StartedAt  time.Time
	FinishedAt time.Time
}

// ResultStore wraps the results database.
type ResultStore struct {
	db *sql.DB
}

// OpenResultStore opens (creating if needed) the results database.
func OpenResultStore(path string) (*ResultStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("results: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("results: ping %s: %w", path, err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("results: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS runs (
		id          TEXT PRIMARY KEY,
		command     TEXT NOT NULL,
		arch        TEXT NOT NULL,
		batch_size  INTEGER NOT NULL,
		image_size  INTEGER NOT NULL,
		precision   TEXT NOT NULL,
		backend     TEXT NOT NULL,
		world_size  INTEGER NOT NULL,
		iterations  INTEGER NOT NULL,
		latency_ms  REAL NOT NULL,
		throughput  REAL NOT NULL,
		acc1        REAL NOT NULL,
		acc5        REAL NOT NULL,
		loss        REAL NOT NULL,
		started_at  TEXT NOT NULL,
		finished_at TEXT NOT NULL
	)`); err != nil {
		db.Close()
		return nil, fmt.Errorf("results: create schema: %w", err)
	}
	return &ResultStore{db: db}, nil
}

// Insert records one run.
func (s *ResultStore) Insert(r RunRecord) error {
	_, err := s.db.Exec(`INSERT INTO runs
		(id, command, arch, batch_size, image_size, precision, backend, world_size,
		 iterations, latency_ms, throughput, acc1, acc5, loss, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.Command, r.Arch, r.BatchSize, r.ImageSize, r.Precision, r.Backend,
		r.WorldSize, r.Iterations, r.LatencyMS, r.Throughput, r.Acc1, r.Acc5, r.Loss,
		r.StartedAt.UTC().Format(time.RFC3339Nano), r.FinishedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("results: insert run %s: %w", r.ID, err)
	}
	return nil
}

// Runs returns all stored runs, newest first.
func (s *ResultStore) Runs() ([]RunRecord, error) {
	rows, err := s.db.Query(`SELECT id, command, arch, batch_size, image_size, precision,
		backend, world_size, iterations, latency_ms, throughput, acc1, acc5, loss,
		started_at, finished_at FROM runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("results: query runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		var started, finished string
		if err := rows.Scan(&r.ID, &r.Command, &r.Arch, &r.BatchSize, &r.ImageSize,
			&r.Precision, &r.Backend, &r.WorldSize, &r.Iterations, &r.LatencyMS,
			&r.Throughput, &r.Acc1, &r.Acc5, &r.Loss, &started, &finished); err != nil {
			return nil, fmt.Errorf("results: scan run: %w", err)
		}
		r.StartedAt, _ = time.Parse(time.RFC3339Nano, started)
		r.FinishedAt, _ = time.Parse(time.RFC3339Nano, finished)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Close releases the database.
func (s *ResultStore) Close() error { return s.db.Close() }
