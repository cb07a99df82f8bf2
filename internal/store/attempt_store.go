package store

import (
	"context"
	"errors"
)

// ErrNotFound is returned when an attempt does not exist.
var ErrNotFound = errors.New("attempt not found")

// AttemptStore records pairing attempts.
type AttemptStore interface {
	// Save inserts or replaces the attempt with the same ID.
	Save(ctx context.Context, a PairingAttemptData) error
	Get(ctx context.Context, id string) (*PairingAttemptData, error)
	// ListByTarget returns the newest attempts first. limit <= 0 means no limit.
	ListByTarget(ctx context.Context, userID, targetID string, limit int) ([]PairingAttemptData, error)
	Close() error
}
