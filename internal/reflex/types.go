package reflex

import (
	"fmt"
	"regexp"
	"time"
)

// Hop filters for Trigger.Hops
const (
	HopsAny     = ""
	HopsDirect  = "direct"
	HopsRelayed = "relayed"
)

// Rule is a pattern-action reflex defined in YAML. A rule that produces a
// reply answers the inbound message without calling the generator.
type Rule struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Trigger     Trigger  `yaml:"trigger"`
	Pipeline    Pipeline `yaml:"pipeline"`
	Priority    int      `yaml:"priority"` // higher = tried first when multiple match

	// Runtime state
	compiledPattern *regexp.Regexp
	LastFired       time.Time `yaml:"-"`
	FireCount       int       `yaml:"-"`
}

// Trigger defines when a rule fires
type Trigger struct {
	Pattern string   `yaml:"pattern"` // regex matched against the message text
	Extract []string `yaml:"extract"` // names for the capture groups, in order
	Sender  string   `yaml:"sender"`  // optional: only match this sender
	Hops    string   `yaml:"hops"`    // optional: "direct" or "relayed"
}

// MatchResult contains the result of matching a rule
type MatchResult struct {
	Matched   bool
	Extracted map[string]string
}

// Pipeline is a sequence of actions to execute
type Pipeline []PipelineStep

// PipelineStep is a single action in a pipeline
type PipelineStep struct {
	Action string         `yaml:"action"` // action name (template, host_stats, reply, ...)
	Input  string         `yaml:"input"`  // input variable (e.g., $text)
	Output string         `yaml:"output"` // output variable name
	Params map[string]any `yaml:",inline"`
}

// compile validates the rule and caches its pattern
func (r *Rule) compile() error {
	switch r.Trigger.Hops {
	case HopsAny, HopsDirect, HopsRelayed:
	default:
		return fmt.Errorf("rule %s: unknown hops filter %q", r.Name, r.Trigger.Hops)
	}
	if len(r.Pipeline) == 0 {
		return fmt.Errorf("rule %s: empty pipeline", r.Name)
	}
	if r.Trigger.Pattern == "" {
		r.compiledPattern = nil
		return nil
	}
	compiled, err := regexp.Compile(r.Trigger.Pattern)
	if err != nil {
		return fmt.Errorf("rule %s: %w", r.Name, err)
	}
	r.compiledPattern = compiled
	return nil
}

// Match checks if this rule matches an inbound message
func (r *Rule) Match(sender, text string, hops int) MatchResult {
	if r.Trigger.Sender != "" && r.Trigger.Sender != sender {
		return MatchResult{}
	}

	switch r.Trigger.Hops {
	case HopsDirect:
		if hops != 0 {
			return MatchResult{}
		}
	case HopsRelayed:
		if hops == 0 {
			return MatchResult{}
		}
	}

	if r.Trigger.Pattern == "" {
		return MatchResult{Matched: true, Extracted: make(map[string]string)}
	}

	pattern := r.compiledPattern
	if pattern == nil {
		compiled, err := regexp.Compile(r.Trigger.Pattern)
		if err != nil {
			return MatchResult{}
		}
		pattern = compiled
	}

	matches := pattern.FindStringSubmatch(text)
	if matches == nil {
		return MatchResult{}
	}

	extracted := make(map[string]string)
	for i, name := range r.Trigger.Extract {
		if i+1 < len(matches) {
			extracted[name] = matches[i+1]
		}
	}
	return MatchResult{Matched: true, Extracted: extracted}
}

// Result is the outcome of running one rule's pipeline
type Result struct {
	Rule     string
	Reply    string
	Success  bool
	Stopped  bool // a gate ended the pipeline early
	Output   map[string]any
	Error    error
	Duration time.Duration
}
