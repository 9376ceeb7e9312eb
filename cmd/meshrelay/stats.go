package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vthunder/meshrelay/internal/journal"
)

func newStatsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print delivery totals from the journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			path := cfg.JournalPath
			if p, _ := cmd.Flags().GetString("journal"); p != "" {
				path = p
			}
			if _, err := os.Stat(path); err != nil {
				return fmt.Errorf("journal %s: %w", path, err)
			}

			j, err := journal.Open(path)
			if err != nil {
				return err
			}
			defer j.Close()

			stats, err := j.Stats()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintln(out, stats.String())

			n, _ := cmd.Flags().GetInt("recent")
			if n <= 0 {
				return nil
			}
			entries, err := j.Recent(n)
			if err != nil {
				return err
			}
			fmt.Fprintln(out)
			for _, e := range entries {
				fmt.Fprintf(out, "%s  %-15s %-12s %s\n", e.Timestamp.Format("2006-01-02 15:04:05"), e.Type, e.Sender, e.Detail)
			}
			return nil
		},
	}
	cmd.Flags().String("journal", "", "journal database (default from config)")
	cmd.Flags().IntP("recent", "n", 0, "also print the last n journal entries")
	return cmd
}
