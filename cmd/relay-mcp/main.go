// relay-mcp serves meshrelay tools over MCP stdio: fragment previews,
// journal statistics, reflex rule management and live relay status.
package main

import (
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/server"

	"github.com/vthunder/meshrelay/internal/config"
	"github.com/vthunder/meshrelay/internal/journal"
	"github.com/vthunder/meshrelay/internal/logging"
	"github.com/vthunder/meshrelay/internal/mcp/tools"
	"github.com/vthunder/meshrelay/internal/reflex"
)

var version = "dev"

func main() {
	// stdout carries JSON-RPC; the logger already writes to stderr
	path := os.Getenv("MESHRELAY_CONFIG")
	if path == "" {
		if _, err := os.Stat("meshrelay.toml"); err == nil {
			path = "meshrelay.toml"
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := logging.Configure(cfg.LogLevel, cfg.LogFormat); err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v\n", err)
		os.Exit(1)
	}
	defer logging.Sync()

	deps := &tools.Dependencies{Fragment: cfg.Fragment()}

	rules := reflex.NewEngine(cfg.RulesDir)
	if err := rules.Load(); err != nil {
		logging.Warn("mcp", "Loading rules from %s: %v", cfg.RulesDir, err)
	}
	deps.Rules = rules

	if _, err := os.Stat(cfg.JournalPath); err == nil {
		j, err := journal.Open(cfg.JournalPath)
		if err != nil {
			logging.Warn("mcp", "Opening journal: %v", err)
		} else {
			defer j.Close()
			deps.Journal = j
		}
	} else {
		logging.Info("mcp", "No journal at %s, stats tools disabled", cfg.JournalPath)
	}

	if cfg.AdminAddr != "" {
		deps.AdminURL = adminURL(cfg.AdminAddr)
	}

	s := server.NewMCPServer("meshrelay", version, server.WithToolCapabilities(true))
	tools.RegisterAll(s, deps)

	logging.Info("mcp", "Serving meshrelay tools on stdio")
	if err := server.ServeStdio(s); err != nil {
		logging.Error("mcp", "Server error: %v", err)
		logging.Sync()
		os.Exit(1)
	}
}

// adminURL turns a listen address like ":9464" into a URL a client can dial
func adminURL(addr string) string {
	if len(addr) > 0 && addr[0] == ':' {
		addr = "127.0.0.1" + addr
	}
	return "http://" + addr
}
