package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nextlevelbuilder/botlink/internal/backend"
	"github.com/nextlevelbuilder/botlink/internal/listener"
	"github.com/nextlevelbuilder/botlink/internal/poller"
	"github.com/nextlevelbuilder/botlink/internal/status"
)

// formatError turns command errors into user-facing text.
// Raw backend payloads are never shown.
func formatError(err error) string {
	var (
		rl    *backend.RateLimitError
		rej   *backend.PairingRejectedError
		api   *backend.APIError
		limit poller.LimitError
	)
	switch {
	case errors.As(err, &rl):
		if rl.RetryAfter > 0 {
			return fmt.Sprintf("The backend is rate limiting requests. Try again in %s.", rl.RetryAfter.Round(time.Second))
		}
		return "The backend is rate limiting requests. Please try again later."
	case errors.As(err, &rej):
		if rej.Reason != "" {
			return "Pairing was rejected: " + rej.Reason
		}
		return "Pairing was rejected by the backend."
	case errors.Is(err, backend.ErrUnauthorized):
		return "Authentication error. Check backend.apiKey in your config."
	case errors.Is(err, status.ErrInvalidTarget):
		return "Both --user and --target are required."
	case errors.As(err, &limit):
		return string(limit)
	case errors.Is(err, listener.ErrHandshakeRejected):
		return "The push channel refused the connection."
	case errors.Is(err, context.DeadlineExceeded):
		return "Request timed out. Please try again."
	case errors.As(err, &api):
		slog.Debug("backend error", "error", err)
		return fmt.Sprintf("The backend returned an error (HTTP %d).", api.StatusCode)
	}
	return err.Error()
}
