// Package claude implements agentrun.Backend for the Claude Code CLI.
package claude

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/sandboxrun/engine/internal/agentrun"
)

// Backend drives the `claude` CLI in non-interactive, JSON-streaming mode.
type Backend struct{}

// New returns a claude Backend.
func New() *Backend { return &Backend{} }

// Argv builds the claude CLI invocation for a single non-interactive turn.
// The task's prompt lives in a file; the argv only carries a fixed
// instruction pointing at it.
func (*Backend) Argv(opts agentrun.Options) []string {
	instruction := "Read the file " + opts.PromptPath + " and carry out the instructions it contains."
	argv := []string{"claude", "-p", instruction, "--output-format", "stream-json", "--verbose"}
	if opts.MaxTurns > 0 {
		argv = append(argv, "--max-turns", strconv.Itoa(opts.MaxTurns))
	}
	return argv
}

// Harness identifies this backend.
func (*Backend) Harness() agentrun.Harness { return agentrun.HarnessClaude }

// record is the outer envelope of a Claude Code stream-json line. New
// fields may appear at any version; recognized ones decode into the
// typed structs below, anything else lands in Overflow and is logged once.
type record struct {
	Type string `json:"type"`
	raw  json.RawMessage
}

func (r *record) UnmarshalJSON(data []byte) error {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return fmt.Errorf("record: %w", err)
	}
	r.Type = probe.Type
	r.raw = append(r.raw[:0], data...)
	return nil
}

var systemKnown = makeSet("type", "subtype", "session_id", "cwd")

type systemRecord struct {
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id,omitempty"`
	Cwd       string `json:"cwd,omitempty"`

	agentrun.Overflow
}

var assistantKnown = makeSet("type", "message")

type assistantRecord struct {
	Message struct {
		Content []agentrun.ContentBlock `json:"content"`
	} `json:"message"`

	agentrun.Overflow
}

var userKnown = makeSet("type", "message", "parent_tool_use_id")

type userRecord struct {
	Message         json.RawMessage `json:"message"`
	ParentToolUseID *string         `json:"parent_tool_use_id,omitempty"`

	agentrun.Overflow
}

var resultKnown = makeSet("type", "subtype", "is_error", "result", "cost_usd", "duration_ms", "usage")

type resultRecord struct {
	IsError    bool    `json:"is_error"`
	Result     string  `json:"result,omitempty"`
	CostUSD    float64 `json:"cost_usd,omitempty"`
	DurationMs int64   `json:"duration_ms,omitempty"`
	Usage      struct {
		InputTokens              int64 `json:"input_tokens"`
		OutputTokens             int64 `json:"output_tokens"`
		CacheCreationInputTokens int64 `json:"cache_creation_input_tokens"`
		CacheReadInputTokens     int64 `json:"cache_read_input_tokens"`
	} `json:"usage"`

	agentrun.Overflow
}

// ParseMessage decodes a single stream-json line into a normalized
// agentrun.Message.
func (*Backend) ParseMessage(line []byte) (agentrun.Message, error) {
	var r record
	if err := json.Unmarshal(line, &r); err != nil {
		return nil, fmt.Errorf("claude: unmarshal record: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(line, &raw); err != nil {
		return nil, fmt.Errorf("claude: unmarshal raw: %w", err)
	}

	switch r.Type {
	case "system":
		var v systemRecord
		if err := json.Unmarshal(line, &v); err != nil {
			return nil, fmt.Errorf("claude: system: %w", err)
		}
		v.Extra = collectUnknown(raw, systemKnown)
		warnUnknown("system", v.Extra)
		return &agentrun.SystemMessage{Subtype: v.Subtype, SessionID: v.SessionID, Cwd: v.Cwd, Overflow: v.Overflow}, nil

	case "assistant":
		var v assistantRecord
		if err := json.Unmarshal(line, &v); err != nil {
			return nil, fmt.Errorf("claude: assistant: %w", err)
		}
		v.Extra = collectUnknown(raw, assistantKnown)
		warnUnknown("assistant", v.Extra)
		return &agentrun.AssistantMessage{Content: v.Message.Content, Overflow: v.Overflow}, nil

	case "user":
		var v userRecord
		if err := json.Unmarshal(line, &v); err != nil {
			return nil, fmt.Errorf("claude: user: %w", err)
		}
		v.Extra = collectUnknown(raw, userKnown)
		warnUnknown("user", v.Extra)
		return &agentrun.UserMessage{Content: v.Message, ParentToolUseID: v.ParentToolUseID, Overflow: v.Overflow}, nil

	case "result":
		var v resultRecord
		if err := json.Unmarshal(line, &v); err != nil {
			return nil, fmt.Errorf("claude: result: %w", err)
		}
		v.Extra = collectUnknown(raw, resultKnown)
		warnUnknown("result", v.Extra)
		return &agentrun.ResultMessage{
			IsError:                  v.IsError,
			Result:                   v.Result,
			CostUSD:                  v.CostUSD,
			DurationMs:               v.DurationMs,
			InputTokens:              v.Usage.InputTokens,
			OutputTokens:             v.Usage.OutputTokens,
			CacheCreationInputTokens: v.Usage.CacheCreationInputTokens,
			CacheReadInputTokens:     v.Usage.CacheReadInputTokens,
			Overflow:                 v.Overflow,
		}, nil

	default:
		return &agentrun.RawMessage{Kind: r.Type, Raw: r.raw}, nil
	}
}
