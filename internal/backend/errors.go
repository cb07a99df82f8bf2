package backend

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrRateLimited matches any rate-limit rejection from the backend.
	ErrRateLimited = errors.New("backend rate limited")
	// ErrUnauthorized is returned when the backend rejects the credential.
	ErrUnauthorized = errors.New("backend rejected credential")
	// ErrPairingRejected matches any refusal to issue a pairing code.
	ErrPairingRejected = errors.New("pairing request rejected")
)

// RateLimitError carries the backend's throttling hint.
type RateLimitError struct {
	RetryAfter time.Duration // zero when the backend gave no hint
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited (retry after %s): %s", e.RetryAfter, e.Message)
	}
	return "rate limited: " + e.Message
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// PairingRejectedError is returned when the backend refuses a pairing request.
type PairingRejectedError struct {
	Code   string
	Reason string
}

func (e *PairingRejectedError) Error() string {
	if e.Reason == "" {
		return "pairing rejected"
	}
	return "pairing rejected: " + e.Reason
}

func (e *PairingRejectedError) Unwrap() error { return ErrPairingRejected }

// APIError is any other non-success backend response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("backend error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("backend error %d: %s", e.StatusCode, e.Message)
}

// IsRateLimited reports whether err is a rate-limit rejection.
func IsRateLimited(err error) bool {
	return errors.Is(err, ErrRateLimited)
}
