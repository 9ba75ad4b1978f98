// Package codex implements agentrun.Backend for the Codex CLI's
// non-interactive `exec --json` mode.
package codex

import (
	"encoding/json"
	"fmt"

	"github.com/sandboxrun/engine/internal/agentrun"
)

// Backend drives `codex exec --json`. Unlike the app-server's JSON-RPC
// protocol used for an interactive, resumable session, exec mode emits one
// self-contained JSON object per line and exits when the turn is done —
// the right shape for this engine's one-shot invocation model.
type Backend struct{}

// New returns a codex Backend.
func New() *Backend { return &Backend{} }

// Argv builds the codex CLI invocation for a single non-interactive turn.
// The task's prompt lives in a file; the argv only carries a fixed
// instruction pointing at it.
func (*Backend) Argv(opts agentrun.Options) []string {
	instruction := "Read the file " + opts.PromptPath + " and carry out the instructions it contains."
	return []string{"codex", "exec", "--json", "--skip-git-repo-check", instruction}
}

// Harness identifies this backend.
func (*Backend) Harness() agentrun.Harness { return agentrun.HarnessCodex }

// Record type constants for the exec --json envelope.
const (
	typeThreadStarted = "thread.started"
	typeTurnStarted   = "turn.started"
	typeTurnCompleted = "turn.completed"
	typeTurnFailed    = "turn.failed"
	typeItemStarted   = "item.started"
	typeItemCompleted = "item.completed"
)

// Item type constants for the inner item object.
const (
	itemAgentMessage     = "agent_message"
	itemReasoning        = "reasoning"
	itemCommandExecution = "command_execution"
	itemFileChange       = "file_change"
	itemMCPToolCall      = "mcp_tool_call"
)

type fileChange struct {
	Path string `json:"path"`
	Kind string `json:"kind"`
}

type itemData struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Status string `json:"status"`

	Text string `json:"text,omitempty"`

	Command          string `json:"command,omitempty"`
	AggregatedOutput string `json:"aggregated_output,omitempty"`
	ExitCode         *int   `json:"exit_code,omitempty"`

	Changes []fileChange `json:"changes,omitempty"`

	Server    string          `json:"server,omitempty"`
	Tool      string          `json:"tool,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    string          `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`

	agentrun.Overflow
}

var itemDataKnown = makeSet(
	"id", "type", "status", "text",
	"command", "aggregated_output", "exit_code",
	"changes",
	"server", "tool", "arguments", "result", "error",
)

func (d *itemData) UnmarshalJSON(data []byte) error {
	type alias itemData
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("itemData: %w", err)
	}
	if err := json.Unmarshal(data, (*alias)(d)); err != nil {
		return fmt.Errorf("itemData: %w", err)
	}
	d.Extra = collectUnknown(raw, itemDataKnown)
	warnUnknown("itemData("+d.Type+")", d.Extra)
	return nil
}

type turnUsage struct {
	InputTokens       int64 `json:"input_tokens"`
	CachedInputTokens int64 `json:"cached_input_tokens"`
	OutputTokens      int64 `json:"output_tokens"`
}

type probe struct {
	Type   string          `json:"type"`
	Item   itemData        `json:"item"`
	Usage  turnUsage       `json:"usage"`
	Error  string          `json:"error"`
	raw    json.RawMessage
}

func (p *probe) UnmarshalJSON(data []byte) error {
	type alias probe
	if err := json.Unmarshal(data, (*alias)(p)); err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	p.raw = append(p.raw[:0], data...)
	return nil
}

// ParseMessage decodes a single exec --json line into a normalized
// agentrun.Message.
func (*Backend) ParseMessage(line []byte) (agentrun.Message, error) {
	var p probe
	if err := json.Unmarshal(line, &p); err != nil {
		return nil, fmt.Errorf("codex: unmarshal: %w", err)
	}

	switch p.Type {
	case typeThreadStarted:
		return &agentrun.SystemMessage{Subtype: "init"}, nil

	case typeTurnStarted:
		return &agentrun.SystemMessage{Subtype: "turn_started"}, nil

	case typeTurnCompleted:
		return &agentrun.ResultMessage{
			InputTokens:          p.Usage.InputTokens,
			OutputTokens:         p.Usage.OutputTokens,
			CacheReadInputTokens: p.Usage.CachedInputTokens,
		}, nil

	case typeTurnFailed:
		return &agentrun.ResultMessage{IsError: true, Result: p.Error}, nil

	case typeItemStarted:
		return itemToMessage(&p.Item, true)

	case typeItemCompleted:
		return itemToMessage(&p.Item, false)

	default:
		return &agentrun.RawMessage{Kind: p.Type, Raw: p.raw}, nil
	}
}

func itemToMessage(item *itemData, started bool) (agentrun.Message, error) {
	switch item.Type {
	case itemAgentMessage, itemReasoning:
		if started {
			return &agentrun.RawMessage{Kind: "item.started." + item.Type}, nil
		}
		return &agentrun.AssistantMessage{Content: []agentrun.ContentBlock{{Type: "text", Text: item.Text}}}, nil

	case itemCommandExecution:
		if started {
			input, _ := json.Marshal(map[string]string{"command": item.Command})
			return &agentrun.AssistantMessage{Content: []agentrun.ContentBlock{{
				Type: "tool_use", ID: item.ID, Name: "Bash", Input: input,
			}}}, nil
		}
		raw, _ := json.Marshal(item.AggregatedOutput)
		id := item.ID
		return &agentrun.UserMessage{Content: raw, ParentToolUseID: &id}, nil

	case itemFileChange:
		if started {
			return &agentrun.RawMessage{Kind: "item.started.file_change"}, nil
		}
		toolName := "Edit"
		for _, c := range item.Changes {
			if c.Kind == "add" {
				toolName = "Write"
				break
			}
		}
		input, _ := json.Marshal(item.Changes)
		return &agentrun.AssistantMessage{Content: []agentrun.ContentBlock{{
			Type: "tool_use", ID: item.ID, Name: toolName, Input: input,
		}}}, nil

	case itemMCPToolCall:
		if started {
			return &agentrun.AssistantMessage{Content: []agentrun.ContentBlock{{
				Type: "tool_use", ID: item.ID, Name: item.Tool, Input: item.Arguments,
			}}}, nil
		}
		content := item.Result
		if item.Error != "" {
			content = item.Error
		}
		raw, _ := json.Marshal(content)
		id := item.ID
		return &agentrun.UserMessage{Content: raw, ParentToolUseID: &id}, nil

	default:
		return &agentrun.RawMessage{Kind: "item." + item.Type}, nil
	}
}
