package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/vthunder/meshrelay/internal/admin"
	"github.com/vthunder/meshrelay/internal/config"
	"github.com/vthunder/meshrelay/internal/fragment"
	"github.com/vthunder/meshrelay/internal/generator"
	"github.com/vthunder/meshrelay/internal/journal"
	"github.com/vthunder/meshrelay/internal/logging"
	"github.com/vthunder/meshrelay/internal/metrics"
	"github.com/vthunder/meshrelay/internal/reflex"
	"github.com/vthunder/meshrelay/internal/relay"
	"github.com/vthunder/meshrelay/internal/transport"
	"github.com/vthunder/meshrelay/internal/types"
)

func newRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the relay until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if t, _ := cmd.Flags().GetString("transport"); t != "" {
				cfg.Transport = t
				if err := cfg.Validate(); err != nil {
					return err
				}
			}
			defer logging.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runRelay(ctx, cfg)
		},
	}
	cmd.Flags().String("transport", "", "transport override (console, webhook, discord)")
	return cmd
}

func runRelay(ctx context.Context, cfg config.Config) error {
	logging.Info("main", "meshrelay %s starting (transport %s, model %s)", version, cfg.Transport, cfg.Model)

	frag, err := fragment.New(cfg.Fragment())
	if err != nil {
		return err
	}

	rules := reflex.NewEngine(cfg.RulesDir)
	if err := rules.Load(); err != nil {
		logging.Warn("main", "Loading rules from %s: %v", cfg.RulesDir, err)
	}
	logging.Info("main", "Loaded %d rule(s)", len(rules.List()))

	m := metrics.New()
	hooks := relay.MetricsHooks(m)

	var j *journal.Journal
	if cfg.JournalPath != "" {
		if dir := filepath.Dir(cfg.JournalPath); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("create journal dir: %w", err)
			}
		}
		j, err = journal.Open(cfg.JournalPath)
		if err != nil {
			return err
		}
		defer j.Close()
		w := journal.NewWriter(j, journal.DefaultWriterBuffer)
		defer w.Stop()
		hooks = relay.Combine(hooks, relay.JournalHooks(w))
	}

	t, err := buildTransport(cfg, m)
	if err != nil {
		return err
	}

	ctrl, err := relay.New(relay.Config{
		NodeID:          types.SenderID(cfg.NodeID),
		PacingInterval:  cfg.PacingInterval,
		Model:           cfg.Model,
		SystemPrompt:    cfg.SystemPrompt,
		GenerateTimeout: cfg.GenerateTimeout,
		FallbackMessage: cfg.FallbackMessage,
		MaxSenders:      cfg.MaxSenders,
	},
		t,
		generator.NewOllama(cfg.OllamaURL, cfg.GenerateTimeout),
		frag,
		relay.WithRules(rules),
		relay.WithHooks(hooks),
	)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ctrl.Run(gctx)
	})
	g.Go(func() error {
		// a missing rules dir only disables hot reload
		if err := rules.Watch(gctx); err != nil {
			logging.Warn("main", "Not watching rules: %v", err)
		}
		return nil
	})
	if cfg.AdminAddr != "" {
		srv := admin.New(ctrl, j, m, rules)
		g.Go(func() error {
			return srv.ListenAndServe(gctx, cfg.AdminAddr)
		})
	}

	err = g.Wait()
	logging.Info("main", "meshrelay stopped")
	return err
}

func buildTransport(cfg config.Config, m *metrics.Metrics) (transport.Transport, error) {
	switch cfg.Transport {
	case config.TransportConsole:
		return transport.NewConsole(types.SenderID(cfg.NodeID), os.Stdin, os.Stdout), nil
	case config.TransportWebhook:
		return transport.NewWebhook(transport.WebhookConfig{
			Local:      types.SenderID(cfg.NodeID),
			Listen:     cfg.WebhookListen,
			PushURL:    cfg.WebhookURL,
			Middleware: []func(next http.Handler) http.Handler{admin.Instrument(m)},
		}), nil
	case config.TransportDiscord:
		return transport.NewDiscord(transport.DiscordConfig{
			Token:     cfg.DiscordToken,
			ChannelID: cfg.DiscordChannel,
		})
	default:
		return nil, fmt.Errorf("%w: unknown transport %q", config.ErrInvalidConfig, cfg.Transport)
	}
}
