package cmd

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/Ananth-NQI/wabot/internal/models"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and maintain the outbound delivery queue",
	}
	cmd.AddCommand(newQueueStatsCmd())
	cmd.AddCommand(newQueueCleanupCmd())
	cmd.AddCommand(newQueueDispatchCmd())
	return cmd
}

func newQueueStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show delivery counts by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			rt, err := openComponents(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			stats, err := rt.queue.Stats(cmd.Context())
			if err != nil {
				return err
			}
			statuses := make([]string, 0, len(stats))
			for s := range stats {
				statuses = append(statuses, string(s))
			}
			sort.Strings(statuses)

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-12s %s\n", "STATUS", "COUNT")
			for _, s := range statuses {
				fmt.Fprintf(out, "%-12s %d\n", s, stats[models.DeliveryStatus(s)])
			}
			return nil
		},
	}
}

func newQueueCleanupCmd() *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete sent and failed deliveries older than the given age",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("days") {
				days = cfg.Queue.CleanupDays
			}
			rt, err := openComponents(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			n, err := rt.queue.Cleanup(cmd.Context(), days)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d delivery record(s).\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 0, "Age in days (default: queue.cleanup_days)")
	return cmd
}

func newQueueDispatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch",
		Short: "Run one dispatch pass over due deliveries",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			rt, err := openComponents(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			n, err := rt.queue.Dispatch(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Delivered %d message(s).\n", n)
			return nil
		},
	}
}
