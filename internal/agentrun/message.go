package agentrun

import (
	"encoding/json"
	"log/slog"
	"sort"
)

// Overflow holds JSON fields that were not mapped to a struct field. It is
// embedded in every message type to ensure forward compatibility with agent
// CLI versions that add fields this engine doesn't yet know about.
type Overflow struct {
	Extra map[string]json.RawMessage `json:"-"`
}

// warnUnknown logs a warning for each key in extra, identified by context.
// Logged once per decode, not per key, to avoid flooding a task's log with
// one line per unrecognized field.
func warnUnknown(context string, extra map[string]json.RawMessage) {
	if len(extra) == 0 {
		return
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	slog.Warn("unknown fields in agent message", "context", context, "fields", keys)
}

// makeSet builds a map[string]struct{} from keys for O(1) membership tests.
func makeSet(keys ...string) map[string]struct{} {
	s := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		s[k] = struct{}{}
	}
	return s
}

// collectUnknown returns entries from raw whose keys are not in known.
func collectUnknown(raw map[string]json.RawMessage, known map[string]struct{}) map[string]json.RawMessage {
	var extra map[string]json.RawMessage
	for k, v := range raw {
		if _, ok := known[k]; !ok {
			if extra == nil {
				extra = make(map[string]json.RawMessage)
			}
			extra[k] = v
		}
	}
	return extra
}

// Message is the closed set of normalized events an agent backend can
// produce from its native wire format. The rest of the engine (chat
// transcript, result capture) only ever sees these types, so claude and
// codex backends can evolve independently of the JSONL session logging and
// taskstore layers.
type Message interface {
	messageType() string
}

// TypeOf returns a message's wire-type label, for session logging.
func TypeOf(m Message) string { return m.messageType() }

// SystemMessage reports a lifecycle event from the agent harness itself
// (session init, turn boundaries) rather than a step of the conversation.
type SystemMessage struct {
	Subtype   string `json:"subtype"`
	SessionID string `json:"session_id,omitempty"`
	Cwd       string `json:"cwd,omitempty"`

	Overflow
}

func (*SystemMessage) messageType() string { return "system" }

// ContentBlock is one piece of an assistant turn: plain text or a tool
// invocation.
type ContentBlock struct {
	Type  string          `json:"type"` // "text" or "tool_use".
	Text  string          `json:"text,omitempty"`
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`
}

// AssistantMessage carries one turn of the agent's output: narration text
// and/or tool invocations.
type AssistantMessage struct {
	Content []ContentBlock `json:"content"`

	Overflow
}

func (*AssistantMessage) messageType() string { return "assistant" }

// UserMessage carries a tool result fed back to the agent, echoing the
// transcript so an operator inspecting a task's log sees the full
// tool-call/tool-result round trip.
type UserMessage struct {
	Content         json.RawMessage `json:"content"`
	ParentToolUseID *string         `json:"parent_tool_use_id,omitempty"`

	Overflow
}

func (*UserMessage) messageType() string { return "user" }

// ResultMessage is the terminal message of a run: whether it succeeded and
// the usage/cost accounting for the whole invocation.
type ResultMessage struct {
	IsError                  bool    `json:"is_error"`
	Result                   string  `json:"result,omitempty"`
	CostUSD                  float64 `json:"cost_usd,omitempty"`
	DurationMs               int64   `json:"duration_ms,omitempty"`
	InputTokens              int64   `json:"input_tokens,omitempty"`
	OutputTokens             int64   `json:"output_tokens,omitempty"`
	CacheCreationInputTokens int64   `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64   `json:"cache_read_input_tokens,omitempty"`

	Overflow
}

func (*ResultMessage) messageType() string { return "result" }

// RawMessage is the fallback for any wire event that doesn't map to one of
// the typed messages above — preserved verbatim so the session log stays a
// faithful record even for backend-specific events this engine doesn't
// interpret.
type RawMessage struct {
	Kind string
	Raw  json.RawMessage
}

func (*RawMessage) messageType() string { return "raw" }
