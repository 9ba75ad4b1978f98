// Package agentrun launches a coding agent CLI inside a provisioned
// sandbox and normalizes its JSONL output into a closed set of Message
// types, independent of which agent (claude, codex) produced them.
package agentrun

import (
	"bufio"
	"bytes"
	"context"
	"fmt"

	"github.com/sandboxrun/engine/internal/sandbox"
)

// PromptFile is where the task's prompt is written inside the sandbox,
// relative to the workspace root. The prompt reaches the agent only
// through this file: it is never an argv token and never interpolated
// into a shell string, which closes off injection via the prompt text.
const PromptFile = ".agent-prompt.md"

// PromptPath is the absolute sandbox path of PromptFile.
const PromptPath = sandbox.WorkspacePath + "/" + PromptFile

// Harness identifies which coding-agent CLI a Backend drives.
type Harness string

// Supported harnesses.
const (
	HarnessClaude Harness = "claude"
	HarnessCodex  Harness = "codex"
)

// Options configures a single agent invocation.
type Options struct {
	// PromptPath is the absolute path of the prompt file inside the
	// sandbox; Invoke fills it in.
	PromptPath string

	MaxTurns   int
	WorkingDir string // relative to the sandbox workspace root.

	// Env holds KEY=VALUE pairs for the agent process (the provider
	// credential rides here).
	Env []string
}

// Backend launches and communicates with a coding agent process inside a
// sandbox. Each implementation translates its native wire format into the
// shared Message types so the rest of the engine (chat transcript, result
// capture) remains agent-agnostic. Unlike the long-lived, resumable
// session this pattern supports elsewhere, a Backend here only ever runs
// one turn to completion: this engine has no interactive relay or
// reconnect surface.
type Backend interface {
	// Argv returns the command line to invoke the agent non-interactively,
	// emitting one JSON object per line on stdout. The command must direct
	// the agent to read its instructions from opts.PromptPath; the prompt
	// text itself must not appear.
	Argv(opts Options) []string

	// ParseMessage decodes a single JSONL line from the agent's stdout into
	// a normalized Message.
	ParseMessage(line []byte) (Message, error)

	// Harness identifies this backend.
	Harness() Harness
}

// Outcome is the result of running a Backend to completion.
type Outcome struct {
	Messages []Message
	Result   *ResultMessage // nil if the agent exited without one.
	ExitCode int
	TimedOut bool
	Stderr   []byte
}

// Invoke writes prompt to the sandbox's prompt file, then runs backend to
// completion, parsing its stdout line-by-line. ctx's deadline bounds the
// agent run; on expiry the outcome reports TimedOut and whatever file
// changes the agent already made stay on disk for the diff stage.
func Invoke(ctx context.Context, driver sandbox.Driver, h sandbox.Handle, backend Backend, prompt string, opts Options) (Outcome, error) {
	if err := driver.WriteFile(ctx, h, PromptFile, []byte(prompt), 0o600); err != nil {
		return Outcome{}, fmt.Errorf("agentrun: write prompt: %w", err)
	}
	opts.PromptPath = PromptPath

	argv := backend.Argv(opts)
	res, err := driver.Run(ctx, h, sandbox.Cmd{Argv: argv, Cwd: opts.WorkingDir, Env: opts.Env})
	if err != nil {
		return Outcome{TimedOut: res.TimedOut}, fmt.Errorf("agentrun: invoke %s: %w", backend.Harness(), err)
	}

	out := Outcome{ExitCode: res.ExitCode, TimedOut: res.TimedOut, Stderr: res.Stderr}
	scanner := bufio.NewScanner(bytes.NewReader(res.Stdout))
	scanner.Buffer(make([]byte, 0, 64*1024), 32*1024*1024) // up to 32 MiB per line, matching the largest observed agent protocol frame.
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		msg, err := backend.ParseMessage(append([]byte(nil), line...))
		if err != nil {
			// A malformed line doesn't abort the run: the agent's exit code is
			// still authoritative for success/failure.
			continue
		}
		out.Messages = append(out.Messages, msg)
		if rm, ok := msg.(*ResultMessage); ok {
			out.Result = rm
		}
	}
	return out, nil
}
