// Package httpapi exposes the coordinator to UI clients: status, pairing and
// disconnect endpoints plus a WebSocket stream of status changes.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/nextlevelbuilder/botlink/internal/coordinator"
	"github.com/nextlevelbuilder/botlink/pkg/protocol"
)

const shutdownTimeout = 10 * time.Second

// Config configures the API server.
type Config struct {
	Listen         string
	Token          string // bearer token; empty disables auth
	RateLimitRPM   int
	RateLimitBurst int
	AllowedOrigins []string
}

// Server serves the UI-facing API.
type Server struct {
	cfg     Config
	coord   *coordinator.Coordinator
	echo    *echo.Echo
	limiter *RateLimiter
}

// New builds the server and its routes.
func New(cfg Config, coord *coordinator.Coordinator) *Server {
	s := &Server{
		cfg:     cfg,
		coord:   coord,
		echo:    echo.New(),
		limiter: NewRateLimiter(cfg.RateLimitRPM, cfg.RateLimitBurst),
	}
	s.echo.HideBanner = true
	s.echo.HidePort = true
	s.echo.HTTPErrorHandler = s.handleError
	s.routes()
	return s
}

func (s *Server) routes() {
	e := s.echo
	e.Use(middleware.Recover())
	if len(s.cfg.AllowedOrigins) > 0 {
		e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
			AllowOrigins: s.cfg.AllowedOrigins,
			AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
			AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAuthorization, HeaderUserID},
		}))
	}

	e.GET("/health", s.handleHealth)

	v1 := e.Group("/v1", requireToken(s.cfg.Token), requireUser(), rateLimit(s.limiter))
	v1.GET("/targets/:targetId/status", s.handleStatus)
	v1.POST("/targets/:targetId/pair", s.handlePair)
	v1.POST("/targets/:targetId/disconnect", s.handleDisconnect)
	v1.GET("/targets/:targetId/attempts", s.handleAttempts)
	v1.GET("/targets/:targetId/events", s.handleEvents)
}

// Handler returns the HTTP handler, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.echo }

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("httpapi: listening", "addr", s.cfg.Listen)
		errCh <- s.echo.Start(s.cfg.Listen)
	}()

	select {
	case err := <-errCh:
		s.limiter.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve %s: %w", s.cfg.Listen, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.limiter.Close()
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	slog.Info("httpapi: stopped")
	return nil
}

// Close releases background resources without a listener.
func (s *Server) Close() { s.limiter.Close() }

// errorBody is the JSON shape of every error response.
type errorBody struct {
	Error protocol.ErrorShape `json:"error"`
}

func writeError(c echo.Context, status int, code, message string) error {
	return c.JSON(status, errorBody{Error: protocol.ErrorShape{Code: code, Message: message}})
}

func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code := protocol.ErrInternal
		switch he.Code {
		case http.StatusNotFound:
			code = protocol.ErrNotFound
		case http.StatusBadRequest, http.StatusMethodNotAllowed:
			code = protocol.ErrInvalidRequest
		}
		writeError(c, he.Code, code, fmt.Sprint(he.Message))
		return
	}
	slog.Error("httpapi: request failed", "path", c.Path(), "error", err)
	writeError(c, http.StatusInternalServerError, protocol.ErrInternal, "internal error")
}
