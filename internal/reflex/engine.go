// Package reflex answers inbound messages from YAML pattern rules before
// they reach the generator.
package reflex

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vthunder/meshrelay/internal/logging"
	"github.com/vthunder/meshrelay/internal/types"
)

// Engine manages and executes rules
type Engine struct {
	rules   map[string]*Rule
	actions *ActionRegistry
	dir     string
	mu      sync.RWMutex
}

// NewEngine creates an engine that loads rules from dir. An empty dir gives
// an engine with no file-backed rules.
func NewEngine(dir string) *Engine {
	return &Engine{
		rules:   make(map[string]*Rule),
		actions: NewActionRegistry(),
		dir:     dir,
	}
}

// Actions exposes the registry so callers can add their own actions
func (e *Engine) Actions() *ActionRegistry {
	return e.actions
}

// Dir returns the rules directory
func (e *Engine) Dir() string {
	return e.dir
}

// Load replaces the rule set with the *.yaml / *.yml files in the rules dir.
// Files that fail to parse are logged and skipped.
func (e *Engine) Load() error {
	if e.dir == "" {
		return nil
	}

	files, err := filepath.Glob(filepath.Join(e.dir, "*.yaml"))
	if err != nil {
		return fmt.Errorf("glob rules: %w", err)
	}
	ymlFiles, err := filepath.Glob(filepath.Join(e.dir, "*.yml"))
	if err != nil {
		return fmt.Errorf("glob rules: %w", err)
	}
	files = append(files, ymlFiles...)

	rules := make(map[string]*Rule)
	for _, file := range files {
		rule, err := loadRuleFile(file)
		if err != nil {
			logging.Warn("reflex", "Failed to load %s: %v", file, err)
			continue
		}
		rules[rule.Name] = rule
		logging.Debug("reflex", "Loaded: %s", rule.Name)
	}

	e.mu.Lock()
	e.rules = rules
	e.mu.Unlock()

	logging.Info("reflex", "Loaded %d rules from %s", len(rules), e.dir)
	return nil
}

func loadRuleFile(path string) (*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var rule Rule
	if err := yaml.Unmarshal(data, &rule); err != nil {
		return nil, err
	}
	if rule.Name == "" {
		rule.Name = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	if err := rule.compile(); err != nil {
		return nil, err
	}
	return &rule, nil
}

// Add registers a rule in memory (not written to disk)
func (e *Engine) Add(rule *Rule) error {
	if rule.Name == "" {
		return errors.New("rule name is required")
	}
	if err := rule.compile(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[rule.Name] = rule
	return nil
}

// Save writes a rule to the rules dir and registers it
func (e *Engine) Save(rule *Rule) error {
	if e.dir == "" {
		return errors.New("no rules dir configured")
	}
	if err := e.Add(rule); err != nil {
		return err
	}
	if err := os.MkdirAll(e.dir, 0755); err != nil {
		return fmt.Errorf("create rules dir: %w", err)
	}

	data, err := yaml.Marshal(rule)
	if err != nil {
		return fmt.Errorf("marshal rule: %w", err)
	}
	if err := os.WriteFile(filepath.Join(e.dir, rule.Name+".yaml"), data, 0644); err != nil {
		return fmt.Errorf("write rule: %w", err)
	}
	return nil
}

// List returns all loaded rules sorted by name
func (e *Engine) List() []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	result := make([]*Rule, 0, len(e.rules))
	for _, r := range e.rules {
		result = append(result, r)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Name < result[j].Name })
	return result
}

// Get returns a rule by name
func (e *Engine) Get(name string) *Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.rules[name]
}

type candidate struct {
	rule      *Rule
	extracted map[string]string
}

// match returns matching rules, highest priority first
func (e *Engine) match(sender, text string, hops int) []candidate {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var matches []candidate
	for _, r := range e.rules {
		if m := r.Match(sender, text, hops); m.Matched {
			matches = append(matches, candidate{rule: r, extracted: m.Extracted})
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].rule.Priority != matches[j].rule.Priority {
			return matches[i].rule.Priority > matches[j].rule.Priority
		}
		return matches[i].rule.Name < matches[j].rule.Name
	})
	return matches
}

// MessageVars are the template variables every pipeline starts with
func MessageVars(msg *types.InboundMessage) map[string]any {
	return map[string]any{
		"sender":    string(msg.Sender),
		"text":      msg.Text,
		"snr":       msg.Radio.SNR,
		"rssi":      msg.Radio.RSSI,
		"hops":      msg.Radio.Hops(),
		"hop_start": msg.Radio.HopStart,
		"hop_limit": msg.Radio.HopLimit,
	}
}

// Execute runs a rule pipeline. Pipeline failures are reported in the
// result, not as an error.
func (e *Engine) Execute(ctx context.Context, rule *Rule, extracted map[string]string, msg *types.InboundMessage) *Result {
	start := time.Now()

	vars := MessageVars(msg)
	for k, v := range extracted {
		vars[k] = v
	}

	fail := func(i int, step PipelineStep, err error) *Result {
		return &Result{
			Rule:     rule.Name,
			Error:    fmt.Errorf("step %d (%s) failed: %w", i, step.Action, err),
			Output:   vars,
			Duration: time.Since(start),
		}
	}

	reply := ""
	for i, step := range rule.Pipeline {
		if step.Action == "reply" {
			message, _ := step.Params["message"].(string)
			if message == "" && step.Input != "" {
				message = resolveVar(map[string]any{"input": step.Input}, vars, "input")
			}
			rendered, err := renderTemplate(message, vars)
			if err != nil {
				return fail(i, step, err)
			}
			reply = rendered
			vars["reply"] = rendered
			continue
		}

		action, ok := e.actions.Get(step.Action)
		if !ok {
			return fail(i, step, fmt.Errorf("unknown action: %s", step.Action))
		}

		params := make(map[string]any, len(step.Params)+1)
		for k, v := range step.Params {
			params[k] = v
		}
		if step.Input != "" {
			params["input"] = step.Input
		}

		result, err := action.Execute(ctx, params, vars)
		if errors.Is(err, ErrStopPipeline) {
			return &Result{Rule: rule.Name, Stopped: true, Output: vars, Duration: time.Since(start)}
		}
		if err != nil {
			return fail(i, step, err)
		}
		if step.Output != "" {
			vars[step.Output] = result
		}
	}

	return &Result{
		Rule:     rule.Name,
		Reply:    reply,
		Success:  true,
		Output:   vars,
		Duration: time.Since(start),
	}
}

// Process tries matching rules in priority order. It reports fired=true for
// the first rule whose pipeline completes with a non-blank reply; otherwise
// the message belongs to the generator.
func (e *Engine) Process(ctx context.Context, msg *types.InboundMessage) (*Result, bool) {
	for _, c := range e.match(string(msg.Sender), msg.Text, msg.Radio.Hops()) {
		result := e.Execute(ctx, c.rule, c.extracted, msg)
		switch {
		case result.Error != nil:
			logging.Warn("reflex", "Failed: %s: %v", c.rule.Name, result.Error)
			continue
		case result.Stopped:
			logging.Debug("reflex", "Gated: %s", c.rule.Name)
			continue
		case strings.TrimSpace(result.Reply) == "":
			logging.Debug("reflex", "Ran %s without a reply", c.rule.Name)
			continue
		}

		e.mu.Lock()
		c.rule.LastFired = time.Now()
		c.rule.FireCount++
		e.mu.Unlock()

		logging.Info("reflex", "Fired: %s for %s (%.2fms)", c.rule.Name, msg.Sender, result.Duration.Seconds()*1000)
		return result, true
	}
	return nil, false
}
