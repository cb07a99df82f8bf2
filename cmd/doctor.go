package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/botlink/internal/backend"
	"github.com/nextlevelbuilder/botlink/internal/config"
	"github.com/nextlevelbuilder/botlink/pkg/protocol"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check configuration and connectivity",
		Run: func(cmd *cobra.Command, args []string) {
			runDoctor()
		},
	}
}

func runDoctor() {
	fmt.Println("botlink doctor")
	fmt.Printf("  Version:  %s (protocol %d)\n", Version, protocol.ProtocolVersion)
	fmt.Printf("  OS:       %s/%s\n", runtime.GOOS, runtime.GOARCH)
	fmt.Printf("  Go:       %s\n", runtime.Version())
	fmt.Println()

	cfgPath := resolveConfigPath()
	fmt.Printf("  Config:   %s", cfgPath)
	if _, err := os.Stat(cfgPath); err != nil {
		fmt.Println(" (NOT FOUND)")
	} else {
		fmt.Println(" (OK)")
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Printf("  Config load error: %s\n", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	fmt.Println()
	fmt.Println("  Backend:")
	if cfg.Backend.BaseURL == "" {
		fmt.Printf("    %-12s (not configured)\n", "URL:")
	} else {
		fmt.Printf("    %-12s %s\n", "URL:", cfg.Backend.BaseURL)
		fmt.Printf("    %-12s %s\n", "API key:", maskKey(cfg.Backend.APIKey))
		client := backend.NewClient(backendConfig(cfg), nil)
		fmt.Printf("    %-12s %s\n", "Push:", pushDescription(cfg, client))
		checkResult("Token:", func() error {
			_, err := client.Credentials().Token(ctx)
			return err
		})
	}

	fmt.Println()
	fmt.Println("  Attempt store:")
	fmt.Printf("    %-12s %s\n", "Driver:", cfg.Store.Driver)
	checkResult("Open:", func() error {
		st, err := openAttemptStore(ctx, cfg)
		if err != nil || st == nil {
			return err
		}
		return st.Close()
	})

	fmt.Println()
	fmt.Println("  Session registry:")
	if cfg.Registry.RedisURL == "" {
		fmt.Printf("    %-12s in-memory\n", "Mode:")
	} else {
		fmt.Printf("    %-12s redis\n", "Mode:")
		checkResult("Ping:", func() error {
			_, closeReg, err := openRegistry(ctx, cfg)
			if err == nil {
				closeReg()
			}
			return err
		})
	}

	fmt.Println()
	fmt.Println("Doctor check complete.")
}

func pushDescription(cfg *config.Config, client *backend.Client) string {
	if cfg.Push.Disabled {
		return "disabled"
	}
	return client.PushURL()
}

func checkResult(label string, fn func() error) {
	if err := fn(); err != nil {
		fmt.Printf("    %-12s FAILED (%s)\n", label, formatError(err))
		return
	}
	fmt.Printf("    %-12s OK\n", label)
}

func maskKey(key string) string {
	if key == "" {
		return "(not configured)"
	}
	if len(key) <= 8 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + strings.Repeat("*", len(key)-8) + key[len(key)-4:]
}
