package reflex

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"text/template"
	"time"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/vthunder/meshrelay/internal/logging"
)

// ErrStopPipeline signals the pipeline should stop (not an error, just early exit)
var ErrStopPipeline = errors.New("pipeline stopped")

// Action is the interface for rule actions
type Action interface {
	Execute(ctx context.Context, params map[string]any, vars map[string]any) (any, error)
}

// ActionFunc is a function that implements Action
type ActionFunc func(ctx context.Context, params map[string]any, vars map[string]any) (any, error)

func (f ActionFunc) Execute(ctx context.Context, params map[string]any, vars map[string]any) (any, error) {
	return f(ctx, params, vars)
}

// ActionRegistry holds all available actions
type ActionRegistry struct {
	actions map[string]Action
}

// NewActionRegistry creates a registry with built-in actions
func NewActionRegistry() *ActionRegistry {
	r := &ActionRegistry{
		actions: make(map[string]Action),
	}

	r.Register("template", ActionFunc(actionTemplate))
	r.Register("log", ActionFunc(actionLog))
	r.Register("gate", ActionFunc(actionGate))
	r.Register("host_stats", ActionFunc(actionHostStats))

	return r
}

// Register adds an action to the registry
func (r *ActionRegistry) Register(name string, action Action) {
	r.actions[name] = action
}

// Get retrieves an action by name
func (r *ActionRegistry) Get(name string) (Action, bool) {
	action, ok := r.actions[name]
	return action, ok
}

// List returns all registered action names
func (r *ActionRegistry) List() []string {
	names := make([]string, 0, len(r.actions))
	for name := range r.actions {
		names = append(names, name)
	}
	return names
}

// Built-in actions

func actionTemplate(ctx context.Context, params map[string]any, vars map[string]any) (any, error) {
	tmplStr, _ := params["template"].(string)
	if tmplStr == "" {
		return nil, fmt.Errorf("template is required")
	}
	return renderTemplate(tmplStr, vars)
}

func actionLog(ctx context.Context, params map[string]any, vars map[string]any) (any, error) {
	message := resolveVar(params, vars, "message", "input")
	rendered, err := renderTemplate(message, vars)
	if err != nil {
		return nil, err
	}
	logging.Info("reflex", "%s", rendered)
	return rendered, nil
}

// actionGate stops the pipeline when its rendered condition "a == b" holds
// and stop is set.
func actionGate(ctx context.Context, params map[string]any, vars map[string]any) (any, error) {
	condition, _ := params["condition"].(string)

	rendered, err := renderTemplate(condition, vars)
	if err != nil {
		return nil, fmt.Errorf("gate condition template failed: %w", err)
	}

	left, right, ok := strings.Cut(rendered, "==")
	if ok && strings.TrimSpace(left) == strings.TrimSpace(right) {
		if stop, _ := params["stop"].(bool); stop {
			return nil, ErrStopPipeline
		}
	}

	return "gate passed", nil
}

// actionHostStats reports uptime and the relay's own resource use
func actionHostStats(ctx context.Context, params map[string]any, vars map[string]any) (any, error) {
	stats := map[string]any{
		"goroutines": runtime.NumGoroutine(),
	}

	if secs, err := host.UptimeWithContext(ctx); err == nil {
		stats["uptime"] = (time.Duration(secs) * time.Second).String()
	} else {
		stats["uptime"] = "unknown"
	}

	stats["rss_mb"] = 0.0
	stats["cpu_percent"] = 0.0
	if p, err := process.NewProcessWithContext(ctx, int32(os.Getpid())); err == nil {
		if mem, err := p.MemoryInfoWithContext(ctx); err == nil {
			stats["rss_mb"] = float64(mem.RSS) / (1024 * 1024)
		}
		if cpu, err := p.CPUPercentWithContext(ctx); err == nil {
			stats["cpu_percent"] = cpu
		}
	}

	return stats, nil
}

// Helper functions

func resolveVar(params map[string]any, vars map[string]any, paramNames ...string) string {
	for _, name := range paramNames {
		if v, ok := params[name].(string); ok {
			if strings.HasPrefix(v, "$") {
				if val, ok := vars[v[1:]]; ok {
					return fmt.Sprintf("%v", val)
				}
			}
			return v
		}
	}
	return ""
}

var templateFuncs = template.FuncMap{
	"lower":  strings.ToLower,
	"upper":  strings.ToUpper,
	"trim":   strings.TrimSpace,
}

func renderTemplate(tmplStr string, vars map[string]any) (string, error) {
	tmpl, err := template.New("reflex").Funcs(templateFuncs).Option("missingkey=zero").Parse(tmplStr)
	if err != nil {
		return "", err
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", err
	}

	return buf.String(), nil
}
