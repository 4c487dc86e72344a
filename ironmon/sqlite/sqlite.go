// Package sqlite provides the SQLite-backed ironmon.Store implementation.
// It uses modernc.org/sqlite (pure Go, no CGO) so the binary is fully static
// and works in scratch/alpine Docker images without a C compiler.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/whisper-darkly/switchboard/ironmon"
)

// DB implements ironmon.Store using SQLite via database/sql.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the SQLite database at path and applies migrations.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}

	// SQLite serialises writes; one connection avoids SQLITE_BUSY on writes.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	s := &DB{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies the schema.  New versions should only ADD statements here
// so that existing databases keep working without a migration tool.
func (s *DB) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS challenges (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			name       TEXT    NOT NULL UNIQUE,
			created_at TEXT    NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS attempts (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			challenge_id INTEGER NOT NULL REFERENCES challenges(id),
			seed_count   INTEGER NOT NULL,
			started_at   TEXT    NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS checkpoint_clears (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			attempt_id    INTEGER NOT NULL REFERENCES attempts(id),
			checkpoint_id INTEGER NOT NULL,
			name          TEXT    NOT NULL,
			cleared       INTEGER NOT NULL DEFAULT 1,
			cleared_at    TEXT    NOT NULL
		)`,

		// Lookups are by challenge (current attempt) and by attempt
		// (checkpoint listing).
		`CREATE INDEX IF NOT EXISTS idx_attempts_challenge
			ON attempts(challenge_id, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_clears_attempt
			ON checkpoint_clears(attempt_id, cleared_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// ---- challenges ----

func (s *DB) EnsureChallenge(ctx context.Context, name string) (*ironmon.Challenge, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO challenges (name, created_at) VALUES (?, ?)
		ON CONFLICT(name) DO NOTHING
	`, name, now)
	if err != nil {
		return nil, err
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, created_at FROM challenges WHERE name = ?`, name)
	var ch ironmon.Challenge
	var createdAt string
	if err := row.Scan(&ch.ID, &ch.Name, &createdAt); err != nil {
		return nil, err
	}
	ch.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	return &ch, nil
}

// ---- attempts ----

func (s *DB) StartAttempt(ctx context.Context, challengeID int64, seedCount int) (*ironmon.Attempt, error) {
	now := time.Now().UTC().Format(time.RFC3339)
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO attempts (challenge_id, seed_count, started_at)
		VALUES (?, ?, ?)
	`, challengeID, seedCount, now)
	if err != nil {
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	started, _ := time.Parse(time.RFC3339, now)
	return &ironmon.Attempt{
		ID:          id,
		ChallengeID: challengeID,
		SeedCount:   seedCount,
		StartedAt:   started,
	}, nil
}

func (s *DB) CurrentAttempt(ctx context.Context, challengeID int64) (*ironmon.Attempt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, challenge_id, seed_count, started_at
		  FROM attempts
		 WHERE challenge_id = ?
		 ORDER BY started_at DESC, id DESC
		 LIMIT 1
	`, challengeID)
	return scanAttempt(row.Scan)
}

func (s *DB) RecentAttempts(ctx context.Context, challengeID int64, limit int) ([]ironmon.Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, challenge_id, seed_count, started_at
		  FROM attempts
		 WHERE challenge_id = ?
		 ORDER BY started_at DESC, id DESC
		 LIMIT ?
	`, challengeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var attempts []ironmon.Attempt
	for rows.Next() {
		a, err := scanAttempt(rows.Scan)
		if err != nil {
			return nil, err
		}
		attempts = append(attempts, *a)
	}
	return attempts, rows.Err()
}

// ---- checkpoints ----

func (s *DB) RecordCheckpoint(ctx context.Context, attemptID int64, checkpointID int, name string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO checkpoint_clears (attempt_id, checkpoint_id, name, cleared, cleared_at)
		VALUES (?, ?, ?, 1, ?)
	`, attemptID, checkpointID, name, time.Now().UTC().Format(time.RFC3339))
	return err
}

func (s *DB) AttemptCheckpoints(ctx context.Context, attemptID int64) ([]ironmon.CheckpointClear, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, attempt_id, checkpoint_id, name, cleared, cleared_at
		  FROM checkpoint_clears
		 WHERE attempt_id = ?
		 ORDER BY cleared_at, id
	`, attemptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var clears []ironmon.CheckpointClear
	for rows.Next() {
		var c ironmon.CheckpointClear
		var clearedAt string
		if err := rows.Scan(&c.ID, &c.AttemptID, &c.CheckpointID, &c.Name, &c.Cleared, &clearedAt); err != nil {
			return nil, err
		}
		c.ClearedAt, _ = time.Parse(time.RFC3339, clearedAt)
		clears = append(clears, c)
	}
	return clears, rows.Err()
}

func (s *DB) Close() error { return s.db.Close() }

// ---- internal helpers ----

// scanFn is the common signature of (*sql.Row).Scan and (*sql.Rows).Scan.
type scanFn func(dest ...any) error

func scanAttempt(scan scanFn) (*ironmon.Attempt, error) {
	var a ironmon.Attempt
	var startedAt string
	err := scan(&a.ID, &a.ChallengeID, &a.SeedCount, &startedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	a.StartedAt, _ = time.Parse(time.RFC3339, startedAt)
	return &a, nil
}
