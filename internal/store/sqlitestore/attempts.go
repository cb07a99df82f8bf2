// Package sqlitestore implements the attempt store on SQLite.
package sqlitestore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/botlink/internal/store"
)

// AttemptStore persists attempts in a SQLite database.
type AttemptStore struct {
	db        *sql.DB
	retention int
}

// Open opens (or creates) the database at dbPath and applies the schema.
func Open(dbPath string, retention int) (*AttemptStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &AttemptStore{db: db, retention: retention}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	slog.Info("attempt store opened", "driver", "sqlite", "path", dbPath)
	return s, nil
}

func (s *AttemptStore) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pairing_attempts (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			target_id TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			finished_at INTEGER,
			error_reason TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_attempts_target ON pairing_attempts(user_id, target_id, started_at)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:min(len(stmt), 60)], err)
		}
	}
	return nil
}

func (s *AttemptStore) Save(ctx context.Context, a store.PairingAttemptData) error {
	var finished sql.NullInt64
	if a.FinishedAt != nil {
		finished = sql.NullInt64{Int64: a.FinishedAt.UnixMilli(), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO pairing_attempts (id, user_id, target_id, status, started_at, finished_at, error_reason)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.UserID, a.TargetID, a.Status, a.StartedAt.UnixMilli(), finished, a.ErrorReason)
	if err != nil {
		return fmt.Errorf("save attempt: %w", err)
	}
	if s.retention > 0 {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM pairing_attempts WHERE user_id = ? AND target_id = ? AND id NOT IN (
				SELECT id FROM pairing_attempts WHERE user_id = ? AND target_id = ?
				ORDER BY started_at DESC LIMIT ?)`,
			a.UserID, a.TargetID, a.UserID, a.TargetID, s.retention)
		if err != nil {
			return fmt.Errorf("prune attempts: %w", err)
		}
	}
	return nil
}

func (s *AttemptStore) Get(ctx context.Context, id string) (*store.PairingAttemptData, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, target_id, status, started_at, finished_at, error_reason
		 FROM pairing_attempts WHERE id = ?`, id)
	a, err := scanAttempt(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	return a, nil
}

func (s *AttemptStore) ListByTarget(ctx context.Context, userID, targetID string, limit int) ([]store.PairingAttemptData, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, target_id, status, started_at, finished_at, error_reason
		 FROM pairing_attempts WHERE user_id = ? AND target_id = ?
		 ORDER BY started_at DESC LIMIT ?`, userID, targetID, limit)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []store.PairingAttemptData
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func (s *AttemptStore) Close() error { return s.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func scanAttempt(sc scanner) (*store.PairingAttemptData, error) {
	var (
		a        store.PairingAttemptData
		started  int64
		finished sql.NullInt64
	)
	if err := sc.Scan(&a.ID, &a.UserID, &a.TargetID, &a.Status, &started, &finished, &a.ErrorReason); err != nil {
		return nil, err
	}
	a.StartedAt = time.UnixMilli(started).UTC()
	if finished.Valid {
		t := time.UnixMilli(finished.Int64).UTC()
		a.FinishedAt = &t
	}
	return &a, nil
}
