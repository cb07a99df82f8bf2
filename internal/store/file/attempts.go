// Package file implements the attempt store on a single JSON file (standalone mode).
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/nextlevelbuilder/botlink/internal/store"
)

// document is the on-disk layout.
type document struct {
	Attempts []store.PairingAttemptData `json:"attempts"`
}

// AttemptStore keeps attempts in memory and rewrites the file on every change.
type AttemptStore struct {
	path      string
	retention int

	mu  sync.Mutex
	doc document
}

// NewAttemptStore loads path if it exists. retention caps attempts per target.
func NewAttemptStore(path string, retention int) (*AttemptStore, error) {
	s := &AttemptStore{path: path, retention: retention}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *AttemptStore) Save(_ context.Context, a store.PairingAttemptData) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	replaced := false
	for i := range s.doc.Attempts {
		if s.doc.Attempts[i].ID == a.ID {
			s.doc.Attempts[i] = a
			replaced = true
			break
		}
	}
	if !replaced {
		s.doc.Attempts = append(s.doc.Attempts, a)
		s.pruneLocked(a.UserID, a.TargetID)
	}
	return s.save()
}

func (s *AttemptStore) Get(_ context.Context, id string) (*store.PairingAttemptData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.doc.Attempts {
		if a.ID == id {
			out := a
			return &out, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *AttemptStore) ListByTarget(_ context.Context, userID, targetID string, limit int) ([]store.PairingAttemptData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.byTargetLocked(userID, targetID, limit), nil
}

func (s *AttemptStore) Close() error { return nil }

// byTargetLocked returns copies, newest first.
func (s *AttemptStore) byTargetLocked(userID, targetID string, limit int) []store.PairingAttemptData {
	var out []store.PairingAttemptData
	for _, a := range s.doc.Attempts {
		if a.UserID == userID && a.TargetID == targetID {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// pruneLocked drops the oldest attempts of a target beyond the retention cap.
func (s *AttemptStore) pruneLocked(userID, targetID string) {
	if s.retention <= 0 {
		return
	}
	keep := make(map[string]bool)
	for _, a := range s.byTargetLocked(userID, targetID, s.retention) {
		keep[a.ID] = true
	}
	valid := s.doc.Attempts[:0]
	for _, a := range s.doc.Attempts {
		if a.UserID == userID && a.TargetID == targetID && !keep[a.ID] {
			continue
		}
		valid = append(valid, a)
	}
	s.doc.Attempts = valid
}

func (s *AttemptStore) load() error {
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read attempt store: %w", err)
	}
	if err := json.Unmarshal(data, &s.doc); err != nil {
		return fmt.Errorf("parse attempt store %s: %w", s.path, err)
	}
	return nil
}

func (s *AttemptStore) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create store dir: %w", err)
	}
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal attempts: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write attempts: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace attempts: %w", err)
	}
	slog.Debug("attempt store saved", "path", s.path, "count", len(s.doc.Attempts))
	return nil
}
