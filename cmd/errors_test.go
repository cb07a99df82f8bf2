package cmd

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/botlink/internal/backend"
	"github.com/nextlevelbuilder/botlink/internal/poller"
	"github.com/nextlevelbuilder/botlink/internal/status"
)

func TestFormatError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"rate limited with hint", fmt.Errorf("request pairing: %w", &backend.RateLimitError{RetryAfter: 3 * time.Second}), "Try again in 3s."},
		{"rate limited", &backend.RateLimitError{}, "Please try again later."},
		{"rejected", fmt.Errorf("request pairing: %w", &backend.PairingRejectedError{Reason: "bot offline"}), "Pairing was rejected: bot offline"},
		{"unauthorized", fmt.Errorf("issue token: %w", backend.ErrUnauthorized), "backend.apiKey"},
		{"invalid target", status.ErrInvalidTarget, "--user and --target"},
		{"polling limit", poller.ErrMaxDuration, "Maximum polling duration reached"},
		{"api error", &backend.APIError{StatusCode: 503, Message: `{"raw":"payload"}`}, "HTTP 503"},
		{"other", errors.New("plain failure"), "plain failure"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := formatError(tt.err)
			if !strings.Contains(got, tt.want) {
				t.Errorf("formatError() = %q, want it to contain %q", got, tt.want)
			}
			if strings.Contains(got, "payload") {
				t.Errorf("formatError() leaked the raw body: %q", got)
			}
		})
	}
}
