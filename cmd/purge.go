package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newPurgeCmd() *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete conversations older than the retention window, with their media",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			if !cmd.Flags().Changed("days") {
				days = cfg.Conversations.RetentionDays
			}
			if days <= 0 {
				return fmt.Errorf("--days must be positive, got %d", days)
			}

			rt, err := openComponents(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			n, err := rt.conversation.PurgeOlderThan(cmd.Context(), days)
			if err != nil {
				return err
			}
			logger.Info("purge finished", zap.Int("deleted", n), zap.Int("retention_days", days))
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d conversation(s) started more than %d day(s) ago.\n", n, days)
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 0, "Retention in days (default: conversations.retention_days)")
	return cmd
}
