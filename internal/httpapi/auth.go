package httpapi

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/nextlevelbuilder/botlink/internal/store"
	"github.com/nextlevelbuilder/botlink/pkg/protocol"
)

// HeaderUserID carries the external user ID.
const HeaderUserID = "X-Botlink-User-Id"

// extractBearerToken extracts a bearer token from the Authorization header.
// WebSocket clients that cannot set headers may pass ?token= instead.
func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}
	if websocketRequest(r) {
		return r.URL.Query().Get("token")
	}
	return ""
}

// tokenMatch performs a constant-time comparison of a provided token against the expected token.
// Returns true if expected is empty (no auth configured) or if tokens match.
func tokenMatch(provided, expected string) bool {
	if expected == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

// extractUserID reads the external user ID from the header, or from
// ?userId= on WebSocket upgrades.
func extractUserID(r *http.Request) string {
	id := r.Header.Get(HeaderUserID)
	if id == "" && websocketRequest(r) {
		id = r.URL.Query().Get("userId")
	}
	return id
}

func websocketRequest(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket")
}

// requireToken rejects requests without the configured bearer token.
func requireToken(expected string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !tokenMatch(extractBearerToken(c.Request()), expected) {
				slog.Warn("security.unauthorized", "path", c.Path(), "ip", c.RealIP())
				return writeError(c, http.StatusUnauthorized, protocol.ErrUnauthorized, "invalid or missing token")
			}
			return next(c)
		}
	}
}

// requireUser puts the validated user ID on the request context.
func requireUser() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			id := extractUserID(c.Request())
			if err := store.ValidateID("user id", id); err != nil {
				if len(id) > store.MaxIDLength {
					slog.Warn("security.user_id_too_long", "length", len(id), "max", store.MaxIDLength)
				}
				return writeError(c, http.StatusBadRequest, protocol.ErrInvalidRequest, err.Error())
			}
			r := c.Request()
			c.SetRequest(r.WithContext(store.WithUserID(r.Context(), id)))
			return next(c)
		}
	}
}

// rateLimit applies rl per user, falling back to the client IP.
func rateLimit(rl *RateLimiter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !rl.Enabled() {
				return next(c)
			}
			key := store.UserIDFromContext(c.Request().Context())
			if key == "" {
				key = "ip:" + c.RealIP()
			}
			if !rl.Allow(key) {
				return writeError(c, http.StatusTooManyRequests, protocol.ErrRateLimited, "rate limit exceeded")
			}
			return next(c)
		}
	}
}
