package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/vthunder/meshrelay/internal/config"
	"github.com/vthunder/meshrelay/internal/fragment"
)

func newFragmentCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fragment [text]",
		Short: "Show how a reply would be split into fragments",
		Long: `Splits text (the arguments, or stdin when there are none) with the
configured payload budget and prints one fragment per line with its size.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if path, _ := cmd.Flags().GetString("config"); path != "" {
				if err := cfg.LoadFile(path); err != nil {
					return err
				}
			}
			flags := cmd.Flags()
			if flags.Changed("max-payload") {
				cfg.MaxPayload, _ = flags.GetInt("max-payload")
			}
			if flags.Changed("margin") {
				cfg.SafetyMargin, _ = flags.GetInt("margin")
			}
			if flags.Changed("oversize") {
				cfg.Oversize, _ = flags.GetString("oversize")
			}

			text := strings.Join(args, " ")
			if len(args) == 0 {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return err
				}
				text = strings.TrimRight(string(data), "\n")
			}

			f, err := fragment.New(cfg.Fragment())
			if err != nil {
				return err
			}
			res, err := f.Split(text)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, p := range res.Fragments {
				fmt.Fprintf(out, "%3d | %s\n", len(p), p)
			}
			fmt.Fprintf(out, "%d fragment(s), budget %d bytes\n", len(res.Fragments), cfg.MaxPayload-cfg.SafetyMargin)
			for _, w := range res.Truncated {
				fmt.Fprintf(out, "truncated: %s\n", w)
			}
			return nil
		},
	}
	cmd.Flags().Int("max-payload", 0, "transport payload ceiling in bytes")
	cmd.Flags().Int("margin", 0, "bytes kept free below the ceiling")
	cmd.Flags().String("oversize", "", "policy for words longer than a fragment (truncate, split)")
	return cmd
}
