// meshrelay relays text messages between a radio mesh (or a stand-in
// transport) and a local Ollama model, pacing fragmented replies so the
// mesh is not flooded.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vthunder/meshrelay/internal/config"
	"github.com/vthunder/meshrelay/internal/logging"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

// defaultConfigFile is read when --config is not given and the file exists
const defaultConfigFile = "meshrelay.toml"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "meshrelay",
		Short:         "Store-and-forward relay between a mesh radio and a language model",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", "", "TOML config file (default ./"+defaultConfigFile+" if present)")
	root.PersistentFlags().String("log-level", "", "log level override (debug, info, warn, error)")

	root.AddCommand(
		newRunCmd(),
		newFragmentCmd(),
		newStatsCmd(),
		newRulesCmd(),
		newVersionCmd(),
	)
	return root
}

// loadConfig resolves the config file flag, loads the configuration and
// installs the logger it describes.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		if _, err := os.Stat(defaultConfigFile); err == nil {
			path = defaultConfigFile
		} else if !errors.Is(err, os.ErrNotExist) {
			return config.Config{}, err
		}
	}

	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.LogLevel = level
	}
	if err := logging.Configure(cfg.LogLevel, cfg.LogFormat); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the meshrelay version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "meshrelay %s\n", version)
		},
	}
}
