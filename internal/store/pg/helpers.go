package pg

import "time"

// --- Nullable helpers ---

func nilTime(t *time.Time) *time.Time {
	if t == nil || t.IsZero() {
		return nil
	}
	return t
}
