package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/vthunder/meshrelay/internal/fragment"
	"github.com/vthunder/meshrelay/internal/logging"
	"github.com/vthunder/meshrelay/internal/reflex"
	"github.com/vthunder/meshrelay/internal/types"
)

// RegisterAll registers every tool whose dependencies are present
func RegisterAll(s *server.MCPServer, deps *Dependencies) {
	t := &toolset{deps: deps, client: &http.Client{Timeout: 5 * time.Second}}

	s.AddTool(fragmentPreviewTool(), t.handleFragmentPreview)

	if deps.Journal != nil {
		s.AddTool(relayStatsTool(), t.handleRelayStats)
		s.AddTool(journalRecentTool(), t.handleJournalRecent)
	}
	if deps.Rules != nil {
		s.AddTool(listRulesTool(), t.handleListRules)
		s.AddTool(testRuleTool(), t.handleTestRule)
		s.AddTool(createRuleTool(), t.handleCreateRule)
	}
	if deps.AdminURL != "" {
		s.AddTool(relayStatusTool(), t.handleRelayStatus)
	}
}

type toolset struct {
	deps   *Dependencies
	client *http.Client
}

func arguments(req mcp.CallToolRequest) map[string]any {
	args, _ := req.Params.Arguments.(map[string]any)
	if args == nil {
		args = map[string]any{}
	}
	return args
}

// intArg reads a JSON number argument, def when absent
func intArg(args map[string]any, name string, def int) int {
	switch v := args[name].(type) {
	case float64:
		return int(v)
	case int:
		return v
	}
	return def
}

func fragmentPreviewTool() mcp.Tool {
	return mcp.NewTool("fragment_preview",
		mcp.WithDescription("Split a reply the way the relay would before sending it over the mesh. Returns each fragment with its byte size."),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("The reply text to split"),
		),
		mcp.WithNumber("max_payload",
			mcp.Description("Transport payload ceiling in bytes. Default: the relay's configured value"),
		),
	)
}

func (t *toolset) handleFragmentPreview(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(req)
	text, _ := args["text"].(string)
	if text == "" {
		return mcp.NewToolResultError("text is required"), nil
	}

	cfg := t.deps.Fragment
	cfg.MaxPayload = intArg(args, "max_payload", cfg.MaxPayload)
	f, err := fragment.New(cfg)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res, err := f.Split(text)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d fragment(s), budget %d bytes\n", len(res.Fragments), cfg.MaxPayload-cfg.SafetyMargin)
	for _, p := range res.Fragments {
		fmt.Fprintf(&b, "\n(%d bytes) %s", len(p), p)
	}
	if len(res.Truncated) > 0 {
		fmt.Fprintf(&b, "\n\nTruncated words: %s", strings.Join(res.Truncated, ", "))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func relayStatsTool() mcp.Tool {
	return mcp.NewTool("relay_stats",
		mcp.WithDescription("Lifetime delivery totals from the relay journal: messages accepted and ignored, replies by source, fragments sent, failed and discarded."),
	)
}

func (t *toolset) handleRelayStats(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	stats, err := t.deps.Journal.Stats()
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read journal: %v", err)), nil
	}
	return mcp.NewToolResultText(stats.String()), nil
}

func journalRecentTool() mcp.Tool {
	return mcp.NewTool("journal_recent",
		mcp.WithDescription("The most recent relay journal entries, oldest first."),
		mcp.WithNumber("n",
			mcp.Description("Number of entries. Default: 20"),
		),
	)
}

func (t *toolset) handleJournalRecent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	n := intArg(arguments(req), "n", 20)
	if n <= 0 || n > 500 {
		return mcp.NewToolResultError("n must be between 1 and 500"), nil
	}
	entries, err := t.deps.Journal.Recent(n)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read journal: %v", err)), nil
	}
	if len(entries) == 0 {
		return mcp.NewToolResultText("Journal is empty"), nil
	}

	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "%s %s", e.Timestamp.Format(time.RFC3339), e.Type)
		if e.Sender != "" {
			fmt.Fprintf(&b, " %s", e.Sender)
		}
		if e.Detail != "" {
			fmt.Fprintf(&b, ": %s", e.Detail)
		}
		b.WriteByte('\n')
	}
	return mcp.NewToolResultText(b.String()), nil
}

func listRulesTool() mcp.Tool {
	return mcp.NewTool("list_rules",
		mcp.WithDescription("List the reflex rules that answer messages locally without calling the model."),
	)
}

func (t *toolset) handleListRules(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	type ruleSummary struct {
		Name        string `json:"name"`
		Description string `json:"description,omitempty"`
		Pattern     string `json:"pattern"`
		Hops        string `json:"hops,omitempty"`
		Priority    int    `json:"priority"`
	}
	var out []ruleSummary
	for _, r := range t.deps.Rules.List() {
		out = append(out, ruleSummary{
			Name:        r.Name,
			Description: r.Description,
			Pattern:     r.Trigger.Pattern,
			Hops:        r.Trigger.Hops,
			Priority:    r.Priority,
		})
	}
	if len(out) == 0 {
		return mcp.NewToolResultText("No rules loaded"), nil
	}
	data, _ := json.MarshalIndent(out, "", "  ")
	return mcp.NewToolResultText(string(data)), nil
}

func testRuleTool() mcp.Tool {
	return mcp.NewTool("test_rule",
		mcp.WithDescription("Check which reflex rule would answer a message and what it would reply."),
		mcp.WithString("text",
			mcp.Required(),
			mcp.Description("Message text"),
		),
		mcp.WithString("sender",
			mcp.Description("Sender node id. Default: !00000001"),
		),
		mcp.WithNumber("hops",
			mcp.Description("Hops the message travelled, 0 = heard directly. Default: 0"),
		),
	)
}

func (t *toolset) handleTestRule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(req)
	text, _ := args["text"].(string)
	if text == "" {
		return mcp.NewToolResultError("text is required"), nil
	}
	sender, _ := args["sender"].(string)
	if sender == "" {
		sender = "!00000001"
	}

	msg := &types.InboundMessage{
		Sender: types.SenderID(sender),
		Text:   text,
		Radio:  types.RadioMeta{HopStart: intArg(args, "hops", 0)},
	}
	res, fired := t.deps.Rules.Process(ctx, msg)
	if !fired {
		return mcp.NewToolResultText("No rule answered; the message would go to the model"), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Rule %s replies:\n%s", res.Rule, res.Reply)), nil
}

func createRuleTool() mcp.Tool {
	return mcp.NewTool("create_rule",
		mcp.WithDescription("Create or replace a reflex rule that answers matching messages with a fixed template. The running relay picks it up from the rules directory."),
		mcp.WithString("name",
			mcp.Required(),
			mcp.Description("Rule name, also the file name"),
		),
		mcp.WithString("pattern",
			mcp.Required(),
			mcp.Description("Regular expression matched against the message text"),
		),
		mcp.WithString("reply",
			mcp.Required(),
			mcp.Description("Reply template. Variables: {{.sender}}, {{.text}}, {{.snr}}, {{.rssi}}, {{.hops}}"),
		),
		mcp.WithString("hops",
			mcp.Description("Only match \"direct\" or \"relayed\" messages. Default: any"),
		),
		mcp.WithNumber("priority",
			mcp.Description("Higher priority rules are tried first. Default: 0"),
		),
	)
}

func (t *toolset) handleCreateRule(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := arguments(req)
	name, _ := args["name"].(string)
	pattern, _ := args["pattern"].(string)
	reply, _ := args["reply"].(string)
	hops, _ := args["hops"].(string)
	if name == "" || pattern == "" || reply == "" {
		return mcp.NewToolResultError("name, pattern and reply are required"), nil
	}

	rule := &reflex.Rule{
		Name:     name,
		Priority: intArg(args, "priority", 0),
		Trigger:  reflex.Trigger{Pattern: pattern, Hops: hops},
		Pipeline: reflex.Pipeline{{Action: "reply", Params: map[string]any{"message": reply}}},
	}
	if err := t.deps.Rules.Save(rule); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to save rule: %v", err)), nil
	}
	logging.Info("mcp", "Saved rule %s", name)
	return mcp.NewToolResultText(fmt.Sprintf("Rule %s saved", name)), nil
}

func relayStatusTool() mcp.Tool {
	return mcp.NewTool("relay_status",
		mcp.WithDescription("Live status of the running relay: state, local node id, queue depths and whether a generation or send is in flight."),
	)
}

func (t *toolset) handleRelayStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(t.deps.AdminURL, "/")+"/status", nil)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	resp, err := t.client.Do(httpReq)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("relay not reachable: %v", err)), nil
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if resp.StatusCode != http.StatusOK {
		return mcp.NewToolResultError(fmt.Sprintf("relay returned %s: %s", resp.Status, strings.TrimSpace(string(body)))), nil
	}
	return mcp.NewToolResultText(string(body)), nil
}
