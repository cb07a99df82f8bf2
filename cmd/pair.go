package cmd

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/botlink/internal/bus"
	"github.com/nextlevelbuilder/botlink/internal/coordinator"
	"github.com/nextlevelbuilder/botlink/internal/pairing"
	"github.com/nextlevelbuilder/botlink/internal/reconcile"
	"github.com/nextlevelbuilder/botlink/internal/status"
)

func pairCmd() *cobra.Command {
	var target status.Target
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Request a pairing code and follow the connection until it settles",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPair(target)
		},
	}
	cmd.Flags().StringVar(&target.UserID, "user", "", "user ID (prompted when empty)")
	cmd.Flags().StringVar(&target.TargetID, "target", "", "bot target ID (prompted when empty)")
	return cmd
}

func runPair(target status.Target) error {
	var err error
	if target.UserID == "" {
		if target.UserID, err = promptString("User ID", "Account the bot is paired for", "", idValidator("user ID")); err != nil {
			return err
		}
	}
	if target.TargetID == "" {
		if target.TargetID, err = promptString("Target ID", "Bot to pair with", "", idValidator("target ID")); err != nil {
			return err
		}
	}
	if err := target.Validate(); err != nil {
		return err
	}

	cfg, err := loadConfig(true)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := newApp(ctx, cfg, func(c *coordinator.Config) {
		c.OnPairingCode = func(_ status.Target, payload, format string, expiresAt time.Time) {
			showPairingCode(payload, format, expiresAt)
		}
	})
	if err != nil {
		return err
	}
	defer rt.close()

	sess, err := rt.coord.Session(target)
	if err != nil {
		return err
	}

	settled := make(chan bus.Event, 1)
	rt.coord.Bus().Subscribe("cli-pair", func(ev bus.Event) {
		if ev.TargetKey() != target.Key() {
			return
		}
		switch reconcile.State(ev.State) {
		case reconcile.StateConnected, reconcile.StateError:
			select {
			case settled <- ev:
			default:
			}
		}
	})
	defer rt.coord.Bus().Unsubscribe("cli-pair")

	if _, err := sess.RequestPairing(ctx); err != nil {
		return err
	}

	select {
	case ev := <-settled:
		if reconcile.State(ev.State) == reconcile.StateError {
			return fmt.Errorf("pairing failed: %s", ev.Error)
		}
		fmt.Printf("Connected: %s is paired with %s.\n", target.TargetID, target.UserID)
		return nil
	case <-ctx.Done():
		sess.Disconnect()
		return errors.New("pairing cancelled")
	}
}

func showPairingCode(payload, format string, expiresAt time.Time) {
	fmt.Println()
	if format == "" || format == "text" {
		if qr, err := pairing.TerminalQR(payload); err == nil {
			fmt.Println(qr)
		}
		fmt.Printf("Pairing code: %s\n", payload)
	} else {
		path, err := writeCodeImage(payload, format)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Could not render pairing code: %s\n", err)
			return
		}
		fmt.Printf("Pairing code image written to %s\n", path)
	}
	if !expiresAt.IsZero() {
		fmt.Printf("Expires at %s\n", expiresAt.Local().Format(time.Kitchen))
	}
	fmt.Println("Scan it from the messaging app to finish pairing.")
}

// writeCodeImage stores an image pairing code in a temp file and returns its path.
func writeCodeImage(payload, format string) (string, error) {
	dataURL, err := pairing.NormalizeCodeImage(payload, format)
	if err != nil {
		return "", err
	}
	head, body, ok := strings.Cut(dataURL, ",")
	if !ok || !strings.HasSuffix(head, ";base64") {
		return "", errors.New("unexpected image encoding")
	}
	raw, err := base64.StdEncoding.DecodeString(body)
	if err != nil {
		return "", err
	}
	ext := ".png"
	if strings.HasPrefix(head, "data:image/jpeg") {
		ext = ".jpg"
	}
	path := filepath.Join(os.TempDir(), "botlink-pairing"+ext)
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return "", err
	}
	return path, nil
}
