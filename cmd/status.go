package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/botlink/internal/backend"
	"github.com/nextlevelbuilder/botlink/internal/status"
)

func statusCmd() *cobra.Command {
	var target status.Target
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Query the backend once for a target's connection status",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := target.Validate(); err != nil {
				return err
			}
			cfg, err := loadConfig(true)
			if err != nil {
				return err
			}
			client := backend.NewClient(backendConfig(cfg), nil)

			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			st, err := client.Status(ctx, target)
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(st, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	}
	cmd.Flags().StringVar(&target.UserID, "user", "", "user ID")
	cmd.Flags().StringVar(&target.TargetID, "target", "", "bot target ID")
	return cmd
}
