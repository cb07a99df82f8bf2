package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/nextlevelbuilder/botlink/internal/backend"
	"github.com/nextlevelbuilder/botlink/internal/coordinator"
	"github.com/nextlevelbuilder/botlink/internal/pairing"
	"github.com/nextlevelbuilder/botlink/internal/reconcile"
	"github.com/nextlevelbuilder/botlink/internal/status"
	"github.com/nextlevelbuilder/botlink/internal/store"
	"github.com/nextlevelbuilder/botlink/pkg/protocol"
)

const (
	defaultAttemptLimit = 20
	maxAttemptLimit     = 100
)

// statusResponse is what the UI polls and what the events stream carries.
type statusResponse struct {
	Status   status.ConnectionStatus `json:"status"`
	State    string                  `json:"state"`
	IsActive bool                    `json:"isActive"`
	Error    string                  `json:"error,omitempty"`
}

type pairResponse struct {
	Attempt *pairing.Attempt        `json:"attempt"`
	Status  status.ConnectionStatus `json:"status"`
	State   string                  `json:"state"`
	Error   *protocol.ErrorShape    `json:"error,omitempty"`
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{"status": "ok", "sessions": s.coord.Len()})
}

func targetFrom(c echo.Context) (status.Target, error) {
	t := status.Target{
		UserID:   store.UserIDFromContext(c.Request().Context()),
		TargetID: c.Param("targetId"),
	}
	if err := store.ValidateID("target id", t.TargetID); err != nil {
		return t, err
	}
	return t, t.Validate()
}

func (s *Server) session(c echo.Context) (*coordinator.Session, error) {
	t, err := targetFrom(c)
	if err != nil {
		return nil, writeError(c, http.StatusBadRequest, protocol.ErrInvalidRequest, err.Error())
	}
	sess, err := s.coord.Session(t)
	if err != nil {
		return nil, writeError(c, http.StatusBadRequest, protocol.ErrInvalidRequest, err.Error())
	}
	return sess, nil
}

func snapshot(sess *coordinator.Session) statusResponse {
	return statusResponse{
		Status:   sess.Status(),
		State:    string(sess.State()),
		IsActive: sess.IsActive(),
		Error:    sess.Err(),
	}
}

func (s *Server) handleStatus(c echo.Context) error {
	t, err := targetFrom(c)
	if err != nil {
		return writeError(c, http.StatusBadRequest, protocol.ErrInvalidRequest, err.Error())
	}
	// Reading status must not create sessions for arbitrary targets.
	sess, ok := s.coord.Lookup(t)
	if !ok {
		return c.JSON(http.StatusOK, statusResponse{
			Status: status.ConnectionStatus{Phase: status.PhaseDisconnected},
			State:  string(reconcile.StateIdle),
		})
	}
	return c.JSON(http.StatusOK, snapshot(sess))
}

func (s *Server) handlePair(c echo.Context) error {
	sess, err := s.session(c)
	if sess == nil {
		return err
	}
	attempt, err := sess.RequestPairing(c.Request().Context())
	resp := pairResponse{Attempt: attempt, Status: sess.Status(), State: string(sess.State())}
	if err == nil {
		return c.JSON(http.StatusOK, resp)
	}

	var rl *backend.RateLimitError
	switch {
	case errors.As(err, &rl):
		resp.Error = &protocol.ErrorShape{Code: protocol.ErrRateLimited, Message: err.Error(), Retryable: true, RetryAfterMs: int(rl.RetryAfter.Milliseconds())}
		return c.JSON(http.StatusTooManyRequests, resp)
	case errors.Is(err, backend.ErrPairingRejected):
		resp.Error = &protocol.ErrorShape{Code: protocol.ErrPairingFailed, Message: sess.Err()}
		return c.JSON(http.StatusUnprocessableEntity, resp)
	default:
		resp.Error = &protocol.ErrorShape{Code: protocol.ErrUnavailable, Message: err.Error(), Retryable: true}
		return c.JSON(http.StatusBadGateway, resp)
	}
}

func (s *Server) handleDisconnect(c echo.Context) error {
	t, err := targetFrom(c)
	if err != nil {
		return writeError(c, http.StatusBadRequest, protocol.ErrInvalidRequest, err.Error())
	}
	sess, ok := s.coord.Lookup(t)
	if ok {
		sess.Disconnect()
		return c.JSON(http.StatusOK, snapshot(sess))
	}
	return c.JSON(http.StatusOK, statusResponse{Status: status.ConnectionStatus{Phase: status.PhaseDisconnected}, State: string(reconcile.StateIdle)})
}

func (s *Server) handleAttempts(c echo.Context) error {
	t, err := targetFrom(c)
	if err != nil {
		return writeError(c, http.StatusBadRequest, protocol.ErrInvalidRequest, err.Error())
	}
	limit := defaultAttemptLimit
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return writeError(c, http.StatusBadRequest, protocol.ErrInvalidRequest, "limit must be a positive integer")
		}
		limit = min(n, maxAttemptLimit)
	}
	list, err := s.coord.Attempts(c.Request().Context(), t, limit)
	if err != nil {
		return err
	}
	if list == nil {
		list = []pairing.Attempt{}
	}
	return c.JSON(http.StatusOK, map[string]any{"attempts": list})
}
