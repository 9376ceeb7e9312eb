// Package config loads relay settings: defaults, then an optional TOML file,
// then .env, then MESHRELAY_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/vthunder/meshrelay/internal/fragment"
)

// ErrInvalidConfig wraps every validation failure
var ErrInvalidConfig = errors.New("invalid config")

// Transport names
const (
	TransportConsole = "console"
	TransportWebhook = "webhook"
	TransportDiscord = "discord"
)

// DefaultSystemPrompt keeps generated replies short enough for a few fragments
const DefaultSystemPrompt = "You are a general AI providing conversation and helpful answers in 500 or fewer characters or fewer than 250 characters when possible."

// DefaultFallbackMessage is sent when the generator fails
const DefaultFallbackMessage = "Sorry, I can't answer right now. Please try again later."

// Config is the full relay configuration
type Config struct {
	NodeID    string
	Transport string

	MaxPayload         int
	SafetyMargin       int
	PacingInterval     time.Duration
	ContinuationMarker string
	Oversize           string
	Segmenter          string // "prose" or "punct"

	Model           string
	SystemPrompt    string
	OllamaURL       string
	GenerateTimeout time.Duration
	FallbackMessage string
	MaxSenders      int

	RulesDir    string
	JournalPath string
	AdminAddr   string

	WebhookListen string
	WebhookURL    string

	DiscordToken   string
	DiscordChannel string

	LogLevel  string
	LogFormat string
}

// Default returns the built-in configuration. 233 bytes is the Meshtastic
// DATA_PAYLOAD_LEN.
func Default() Config {
	return Config{
		Transport:          TransportConsole,
		MaxPayload:         233,
		SafetyMargin:       8,
		PacingInterval:     10 * time.Second,
		ContinuationMarker: fragment.DefaultMarker,
		Oversize:           string(fragment.OversizeTruncate),
		Segmenter:          "prose",
		Model:              "llama3.2",
		SystemPrompt:       DefaultSystemPrompt,
		OllamaURL:          "http://localhost:11434",
		GenerateTimeout:    60 * time.Second,
		FallbackMessage:    DefaultFallbackMessage,
		RulesDir:           "rules",
		JournalPath:        "state/journal.db",
		LogLevel:           "info",
		LogFormat:          "console",
	}
}

// Load builds a Config from defaults, the TOML file at path (skipped when
// empty), a .env file in the working directory if present, and the
// environment. The result is validated.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return Config{}, err
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// fileConfig mirrors the TOML keys
type fileConfig struct {
	NodeID             string `toml:"node_id"`
	Transport          string `toml:"transport"`
	MaxPayload         int    `toml:"max_payload"`
	SafetyMargin       int    `toml:"safety_margin"`
	PacingInterval     string `toml:"pacing_interval"`
	ContinuationMarker string `toml:"continuation_marker"`
	Oversize           string `toml:"oversize"`
	Segmenter          string `toml:"segmenter"`
	Model              string `toml:"model"`
	SystemPrompt       string `toml:"system_prompt"`
	OllamaURL          string `toml:"ollama_url"`
	GenerateTimeout    string `toml:"generate_timeout"`
	FallbackMessage    string `toml:"fallback_message"`
	MaxSenders         int    `toml:"max_senders"`
	RulesDir           string `toml:"rules_dir"`
	JournalPath        string `toml:"journal_path"`
	AdminAddr          string `toml:"admin_addr"`
	WebhookListen      string `toml:"webhook_listen"`
	WebhookURL         string `toml:"webhook_url"`
	DiscordToken       string `toml:"discord_token"`
	DiscordChannel     string `toml:"discord_channel"`
	LogLevel           string `toml:"log_level"`
	LogFormat          string `toml:"log_format"`
}

// LoadFile overlays the keys present in a TOML file
func (c *Config) LoadFile(path string) error {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("%w: unknown key %q in %s", ErrInvalidConfig, undecoded[0].String(), path)
	}

	strs := map[string]*string{
		"node_id":             &c.NodeID,
		"transport":           &c.Transport,
		"continuation_marker": &c.ContinuationMarker,
		"oversize":            &c.Oversize,
		"segmenter":           &c.Segmenter,
		"model":               &c.Model,
		"system_prompt":       &c.SystemPrompt,
		"ollama_url":          &c.OllamaURL,
		"fallback_message":    &c.FallbackMessage,
		"rules_dir":           &c.RulesDir,
		"journal_path":        &c.JournalPath,
		"admin_addr":          &c.AdminAddr,
		"webhook_listen":      &c.WebhookListen,
		"webhook_url":         &c.WebhookURL,
		"discord_token":       &c.DiscordToken,
		"discord_channel":     &c.DiscordChannel,
		"log_level":           &c.LogLevel,
		"log_format":          &c.LogFormat,
	}
	rawStrs := map[string]string{
		"node_id":             raw.NodeID,
		"transport":           raw.Transport,
		"continuation_marker": raw.ContinuationMarker,
		"oversize":            raw.Oversize,
		"segmenter":           raw.Segmenter,
		"model":               raw.Model,
		"system_prompt":       raw.SystemPrompt,
		"ollama_url":          raw.OllamaURL,
		"fallback_message":    raw.FallbackMessage,
		"rules_dir":           raw.RulesDir,
		"journal_path":        raw.JournalPath,
		"admin_addr":          raw.AdminAddr,
		"webhook_listen":      raw.WebhookListen,
		"webhook_url":         raw.WebhookURL,
		"discord_token":       raw.DiscordToken,
		"discord_channel":     raw.DiscordChannel,
		"log_level":           raw.LogLevel,
		"log_format":          raw.LogFormat,
	}
	for key, dst := range strs {
		if meta.IsDefined(key) {
			*dst = rawStrs[key]
		}
	}

	if meta.IsDefined("max_payload") {
		c.MaxPayload = raw.MaxPayload
	}
	if meta.IsDefined("safety_margin") {
		c.SafetyMargin = raw.SafetyMargin
	}
	if meta.IsDefined("max_senders") {
		c.MaxSenders = raw.MaxSenders
	}
	if meta.IsDefined("pacing_interval") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.PacingInterval))
		if err != nil {
			return fmt.Errorf("parse pacing_interval: %w", err)
		}
		c.PacingInterval = d
	}
	if meta.IsDefined("generate_timeout") {
		d, err := time.ParseDuration(strings.TrimSpace(raw.GenerateTimeout))
		if err != nil {
			return fmt.Errorf("parse generate_timeout: %w", err)
		}
		c.GenerateTimeout = d
	}
	return nil
}

// ApplyEnv overlays MESHRELAY_<KEY> variables. getenv is os.Getenv outside tests.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv("MESHRELAY_" + key); v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) error {
		v := getenv("MESHRELAY_" + key)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse MESHRELAY_%s: %w", key, err)
		}
		*dst = n
		return nil
	}
	dur := func(key string, dst *time.Duration) error {
		v := getenv("MESHRELAY_" + key)
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("parse MESHRELAY_%s: %w", key, err)
		}
		*dst = d
		return nil
	}

	str("NODE_ID", &c.NodeID)
	str("TRANSPORT", &c.Transport)
	str("CONTINUATION_MARKER", &c.ContinuationMarker)
	str("OVERSIZE", &c.Oversize)
	str("SEGMENTER", &c.Segmenter)
	str("MODEL", &c.Model)
	str("SYSTEM_PROMPT", &c.SystemPrompt)
	str("OLLAMA_URL", &c.OllamaURL)
	str("FALLBACK_MESSAGE", &c.FallbackMessage)
	str("RULES_DIR", &c.RulesDir)
	str("JOURNAL_PATH", &c.JournalPath)
	str("ADMIN_ADDR", &c.AdminAddr)
	str("WEBHOOK_LISTEN", &c.WebhookListen)
	str("WEBHOOK_URL", &c.WebhookURL)
	str("DISCORD_TOKEN", &c.DiscordToken)
	str("DISCORD_CHANNEL", &c.DiscordChannel)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FORMAT", &c.LogFormat)

	for key, dst := range map[string]*int{
		"MAX_PAYLOAD":   &c.MaxPayload,
		"SAFETY_MARGIN": &c.SafetyMargin,
		"MAX_SENDERS":   &c.MaxSenders,
	} {
		if err := num(key, dst); err != nil {
			return err
		}
	}
	if err := dur("PACING_INTERVAL", &c.PacingInterval); err != nil {
		return err
	}
	return dur("GENERATE_TIMEOUT", &c.GenerateTimeout)
}

// Validate checks the settings the relay cannot start without
func (c Config) Validate() error {
	var problems []string

	switch c.Transport {
	case TransportConsole:
	case TransportWebhook:
		if c.WebhookListen == "" {
			problems = append(problems, "webhook transport needs webhook_listen")
		}
	case TransportDiscord:
		if c.DiscordToken == "" || c.DiscordChannel == "" {
			problems = append(problems, "discord transport needs discord_token and discord_channel")
		}
	default:
		problems = append(problems, fmt.Sprintf("unknown transport %q", c.Transport))
	}

	if c.PacingInterval <= 0 {
		problems = append(problems, "pacing_interval must be positive")
	}
	if c.GenerateTimeout <= 0 {
		problems = append(problems, "generate_timeout must be positive")
	}
	if c.MaxSenders < 0 {
		problems = append(problems, "max_senders must not be negative")
	}
	if strings.TrimSpace(c.Model) == "" {
		problems = append(problems, "model is required")
	}
	if c.Segmenter != "prose" && c.Segmenter != "punct" {
		problems = append(problems, fmt.Sprintf("unknown segmenter %q", c.Segmenter))
	}
	if c.LogFormat != "console" && c.LogFormat != "json" {
		problems = append(problems, fmt.Sprintf("unknown log_format %q", c.LogFormat))
	}
	if _, err := fragment.New(c.Fragment()); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// Fragment returns the fragmenter settings
func (c Config) Fragment() fragment.Config {
	var seg fragment.Segmenter = fragment.PunctSegmenter{}
	if c.Segmenter == "prose" {
		seg = fragment.ProseSegmenter{}
	}
	return fragment.Config{
		MaxPayload:   c.MaxPayload,
		SafetyMargin: c.SafetyMargin,
		Marker:       c.ContinuationMarker,
		Oversize:     fragment.OversizePolicy(c.Oversize),
		Segmenter:    seg,
	}
}
