package runner

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/sandboxrun/engine/internal/agentrun"
	"github.com/sandboxrun/engine/internal/task"
)

// logExt is the session log suffix. Logs are zstd-compressed JSONL:
// agent transcripts are repetitive enough that fast-level compression
// pays for itself many times over.
const logExt = ".jsonl.zst"

// metaLine is the first line of every session log.
type metaLine struct {
	MessageType string    `json:"message_type"` // "engine_meta"
	Version     int       `json:"version"`
	TaskID      string    `json:"task_id"`
	Repo        string    `json:"repo"`
	Branch      string    `json:"branch,omitempty"`
	Agent       string    `json:"agent"`
	Prompt      string    `json:"prompt"`
	Sandbox     string    `json:"sandbox,omitempty"`
	StartedAt   time.Time `json:"started_at"`
}

// resultLine is the trailer appended when the task reaches a terminal
// state. A log without one belonged to a run cut short by a crash.
type resultLine struct {
	MessageType              string  `json:"message_type"` // "engine_result"
	State                    string  `json:"state"`
	Reason                   string  `json:"reason,omitempty"`
	Error                    string  `json:"error,omitempty"`
	CommitHash               string  `json:"commit_hash,omitempty"`
	CostUSD                  float64 `json:"cost_usd,omitempty"`
	DurationMs               int64   `json:"duration_ms,omitempty"`
	InputTokens              int64   `json:"input_tokens,omitempty"`
	OutputTokens             int64   `json:"output_tokens,omitempty"`
	CacheCreationInputTokens int64   `json:"cache_creation_input_tokens,omitempty"`
	CacheReadInputTokens     int64   `json:"cache_read_input_tokens,omitempty"`
}

// messageLine wraps one normalized agent message in the log stream.
type messageLine struct {
	MessageType string           `json:"message_type"` // "agent_message"
	Kind        string           `json:"kind"`
	Data        agentrun.Message `json:"data"`
}

// sessionLog is an append-only compressed JSONL writer for one task run.
type sessionLog struct {
	f   *os.File
	enc *zstd.Encoder
}

// openLog creates the session log for t and writes the metadata header as
// the first line.
func openLog(logDir string, t *task.Task) (*sessionLog, error) {
	if err := os.MkdirAll(logDir, 0o750); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	name := t.ID.String() + logExt
	f, err := os.OpenFile(filepath.Join(logDir, name), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600) //nolint:gosec // name is derived from the task id, not arbitrary user input.
	if err != nil {
		return nil, fmt.Errorf("create log file: %w", err)
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	sl := &sessionLog{f: f, enc: enc}
	sl.writeJSON(metaLine{
		MessageType: "engine_meta",
		Version:     1,
		TaskID:      t.ID.String(),
		Repo:        t.RepoURL,
		Agent:       string(t.AgentKind),
		Prompt:      t.Prompt,
		StartedAt:   t.StartedAt,
	})
	return sl, nil
}

// writeJSON appends one JSONL line; marshalling failures are dropped, the
// log is best-effort and never blocks a run.
func (sl *sessionLog) writeJSON(v any) {
	if sl == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	_, _ = sl.enc.Write(append(data, '\n'))
}

// writeMessages appends the agent's normalized transcript.
func (sl *sessionLog) writeMessages(msgs []agentrun.Message) {
	if sl == nil {
		return
	}
	for _, m := range msgs {
		sl.writeJSON(messageLine{MessageType: "agent_message", Kind: agentrun.TypeOf(m), Data: m})
	}
}

// writeTrailer appends the terminal result line.
func (sl *sessionLog) writeTrailer(state task.State, reason, errMsg string, arts *task.Artifacts) {
	if sl == nil {
		return
	}
	rl := resultLine{
		MessageType: "engine_result",
		State:       state.String(),
		Reason:      reason,
		Error:       errMsg,
	}
	if arts != nil {
		rl.CommitHash = arts.CommitHash
		rl.CostUSD = arts.Metadata.CostUSD
		rl.DurationMs = arts.Metadata.DurationMs
		rl.InputTokens = arts.Metadata.Usage.InputTokens
		rl.OutputTokens = arts.Metadata.Usage.OutputTokens
		rl.CacheCreationInputTokens = arts.Metadata.Usage.CacheCreationInputTokens
		rl.CacheReadInputTokens = arts.Metadata.Usage.CacheReadInputTokens
	}
	sl.writeJSON(rl)
}

// Close flushes the compressor and the file.
func (sl *sessionLog) Close() error {
	if sl == nil {
		return nil
	}
	err := sl.enc.Close()
	if err2 := sl.f.Close(); err == nil {
		err = err2
	}
	return err
}

var _ io.Closer = (*sessionLog)(nil)
