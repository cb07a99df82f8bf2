package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nextlevelbuilder/botlink/internal/store"
)

// PGAttemptStore implements store.AttemptStore backed by Postgres.
type PGAttemptStore struct {
	db        *sql.DB
	retention int
}

// NewPGAttemptStore wraps an open database and applies the schema.
func NewPGAttemptStore(ctx context.Context, db *sql.DB, retention int) (*PGAttemptStore, error) {
	s := &PGAttemptStore{db: db, retention: retention}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *PGAttemptStore) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS pairing_attempts (
			id VARCHAR(64) PRIMARY KEY,
			user_id VARCHAR(255) NOT NULL,
			target_id VARCHAR(255) NOT NULL,
			status VARCHAR(16) NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			finished_at TIMESTAMPTZ,
			error_reason TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pairing_attempts_target ON pairing_attempts (user_id, target_id, started_at DESC)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec %q: %w", stmt[:min(len(stmt), 60)], err)
		}
	}
	return nil
}

func (s *PGAttemptStore) Save(ctx context.Context, a store.PairingAttemptData) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pairing_attempts (id, user_id, target_id, status, started_at, finished_at, error_reason)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id) DO UPDATE SET
		   status = EXCLUDED.status,
		   finished_at = EXCLUDED.finished_at,
		   error_reason = EXCLUDED.error_reason`,
		a.ID, a.UserID, a.TargetID, a.Status, a.StartedAt, nilTime(a.FinishedAt), a.ErrorReason)
	if err != nil {
		return fmt.Errorf("save attempt: %w", err)
	}
	if s.retention > 0 {
		_, err = s.db.ExecContext(ctx,
			`DELETE FROM pairing_attempts WHERE user_id = $1 AND target_id = $2 AND id NOT IN (
				SELECT id FROM pairing_attempts WHERE user_id = $1 AND target_id = $2
				ORDER BY started_at DESC LIMIT $3)`,
			a.UserID, a.TargetID, s.retention)
		if err != nil {
			return fmt.Errorf("prune attempts: %w", err)
		}
	}
	return nil
}

func (s *PGAttemptStore) Get(ctx context.Context, id string) (*store.PairingAttemptData, error) {
	var a store.PairingAttemptData
	var finished sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, target_id, status, started_at, finished_at, error_reason
		 FROM pairing_attempts WHERE id = $1`, id,
	).Scan(&a.ID, &a.UserID, &a.TargetID, &a.Status, &a.StartedAt, &finished, &a.ErrorReason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get attempt: %w", err)
	}
	if finished.Valid {
		a.FinishedAt = &finished.Time
	}
	return &a, nil
}

func (s *PGAttemptStore) ListByTarget(ctx context.Context, userID, targetID string, limit int) ([]store.PairingAttemptData, error) {
	q := `SELECT id, user_id, target_id, status, started_at, finished_at, error_reason
		FROM pairing_attempts WHERE user_id = $1 AND target_id = $2
		ORDER BY started_at DESC`
	args := []any{userID, targetID}
	if limit > 0 {
		q += " LIMIT $3"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []store.PairingAttemptData
	for rows.Next() {
		var a store.PairingAttemptData
		var finished sql.NullTime
		if err := rows.Scan(&a.ID, &a.UserID, &a.TargetID, &a.Status, &a.StartedAt, &finished, &a.ErrorReason); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		if finished.Valid {
			t := finished.Time
			a.FinishedAt = &t
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PGAttemptStore) Close() error { return s.db.Close() }
