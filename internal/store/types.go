package store

import (
	"time"

	"github.com/google/uuid"
)

// GenNewID generates a new UUID v7 (time-ordered).
func GenNewID() uuid.UUID {
	return uuid.Must(uuid.NewV7())
}

// StoreConfig configures the store layer.
type StoreConfig struct {
	// Driver: "file" (default), "sqlite" or "postgres".
	Driver string

	// Path is the JSON file (file driver) or database file (sqlite driver).
	Path string

	// PostgresDSN is the Postgres connection string for the postgres driver.
	PostgresDSN string

	// Retention caps how many attempts are kept per target. 0 keeps everything.
	Retention int
}

// Pruning window shared by the drivers.
const DefaultRetention = 50

// EffectiveRetention returns the configured retention or the default.
func (c StoreConfig) EffectiveRetention() int {
	if c.Retention > 0 {
		return c.Retention
	}
	return DefaultRetention
}

// PairingAttemptData is one recorded pairing attempt.
type PairingAttemptData struct {
	ID          string     `json:"attemptId"`
	UserID      string     `json:"userId"`
	TargetID    string     `json:"targetId"`
	Status      string     `json:"status"` // pending | succeeded | failed
	StartedAt   time.Time  `json:"startedAt"`
	FinishedAt  *time.Time `json:"finishedAt,omitempty"`
	ErrorReason string     `json:"errorReason,omitempty"`
}
