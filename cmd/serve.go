package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/botlink/internal/config"
	"github.com/nextlevelbuilder/botlink/internal/httpapi"
)

func serveCmd() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator behind the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "listen address (overrides server.listen)")
	return cmd
}

func runServe(listen string) error {
	cfgPath := resolveConfigPath()
	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}
	if listen != "" {
		cfg.Server.Listen = listen
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newApp(ctx, cfg, nil)
	if err != nil {
		return err
	}
	defer rt.close()

	pushURL := rt.client.PushURL()
	watcher, err := config.NewWatcher(cfgPath)
	if err != nil {
		slog.Warn("config hot-reload disabled", "error", err)
	} else {
		watcher.OnChange(func(next *config.Config) {
			rt.coord.UpdateLimits(coordinatorConfig(next, pushURL))
			slog.Info("coordinator: limits reloaded", "sessions", rt.coord.Len())
		})
		if err := watcher.Start(); err != nil {
			slog.Warn("config hot-reload disabled", "error", err)
		} else {
			defer watcher.Stop()
		}
	}

	srv := httpapi.New(httpapi.Config{
		Listen:         cfg.Server.Listen,
		Token:          cfg.Server.Token,
		RateLimitRPM:   cfg.Server.RateLimitRPM,
		RateLimitBurst: cfg.Server.RateLimitBurst,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	}, rt.coord)
	defer srv.Close()

	if cfg.Server.Token == "" {
		slog.Warn("server.token is empty; the API accepts unauthenticated requests")
	}
	slog.Info("botlink serving", "listen", cfg.Server.Listen, "backend", cfg.Backend.BaseURL, "push", !cfg.Push.Disabled)
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("http server: %w", err)
	}
	slog.Info("botlink stopped")
	return nil
}
