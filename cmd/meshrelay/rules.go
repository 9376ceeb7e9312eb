package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/vthunder/meshrelay/internal/reflex"
	"github.com/vthunder/meshrelay/internal/types"
)

func newRulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "List the reflex rules in the rules directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := loadRules(cmd)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, r := range rules.List() {
				fmt.Fprintf(out, "%-20s %4d  %s\n", r.Name, r.Priority, r.Trigger.Pattern)
			}
			return nil
		},
	}
	cmd.PersistentFlags().String("dir", "", "rules directory (default from config)")

	test := &cobra.Command{
		Use:   "test <text>",
		Short: "Show which rule would answer a message, and its reply",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rules, err := loadRules(cmd)
			if err != nil {
				return err
			}
			sender, _ := cmd.Flags().GetString("sender")
			hops, _ := cmd.Flags().GetInt("hops")

			msg := &types.InboundMessage{
				Sender: types.SenderID(sender),
				Text:   strings.Join(args, " "),
				Radio:  types.RadioMeta{HopStart: hops},
			}
			out := cmd.OutOrStdout()
			res, fired := rules.Process(context.Background(), msg)
			if !fired {
				fmt.Fprintln(out, "no rule answered; the message would go to the model")
				return nil
			}
			fmt.Fprintf(out, "%s (%s):\n%s\n", res.Rule, res.Duration.Round(time.Microsecond), res.Reply)
			return nil
		},
	}
	test.Flags().String("sender", "!00000001", "sender id")
	test.Flags().Int("hops", 0, "hops the message travelled (0 = heard directly)")
	cmd.AddCommand(test)
	return cmd
}

func loadRules(cmd *cobra.Command) (*reflex.Engine, error) {
	dir, _ := cmd.Flags().GetString("dir")
	if dir == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return nil, err
		}
		dir = cfg.RulesDir
	}
	rules := reflex.NewEngine(dir)
	if err := rules.Load(); err != nil {
		return nil, fmt.Errorf("load rules from %s: %w", dir, err)
	}
	return rules, nil
}
