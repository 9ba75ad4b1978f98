// Commit message generation using a cheap LLM call to summarize the
// task's prompt. Falls back to a truncated prompt when unconfigured.
package runner

import (
	"context"
	"log/slog"
	"strings"

	"github.com/maruel/genai"
	"github.com/maruel/genai/providers"

	"github.com/sandboxrun/engine/internal/task"
)

// CommitMessenger derives commit messages from task prompts using a cheap
// LLM. If the provider is nil (unconfigured), generation is skipped and
// callers fall back to the prompt itself.
type CommitMessenger struct {
	provider genai.Provider
}

// NewCommitMessenger creates a CommitMessenger from provider/model config
// strings. Returns a no-op messenger if provider is empty or
// initialization fails.
func NewCommitMessenger(ctx context.Context, providerName, model string) *CommitMessenger {
	if providerName == "" {
		return &CommitMessenger{}
	}
	cfg, ok := providers.All[providerName]
	if !ok || cfg.Factory == nil {
		slog.Warn("unknown LLM provider for commit messages", "provider", providerName)
		return &CommitMessenger{}
	}
	var opts []genai.ProviderOption
	if model != "" {
		opts = append(opts, genai.ProviderOptionModel(model))
	} else {
		opts = append(opts, genai.ModelCheap)
	}
	p, err := cfg.Factory(ctx, opts...)
	if err != nil {
		slog.Warn("failed to create LLM provider for commit messages", "provider", providerName, "err", err)
		return &CommitMessenger{}
	}
	slog.Info("commit message generation enabled", "provider", providerName, "model", p.ModelID())
	return &CommitMessenger{provider: p}
}

const commitMsgSystemPrompt = "Summarize this coding task in one imperative git commit subject line of at most 60 characters. Reply with ONLY the subject line, no quotes."

// Generate asks the LLM for a commit subject line. Returns "" on failure
// or if unconfigured.
func (cm *CommitMessenger) Generate(ctx context.Context, t *task.Task) string {
	if cm == nil || cm.provider == nil {
		return ""
	}
	input := "Task: " + t.Prompt
	// Truncate to keep costs minimal.
	if len(input) > 2000 {
		input = input[:2000]
	}
	res, err := cm.provider.GenSync(ctx,
		genai.Messages{genai.NewTextMessage(input)},
		&genai.GenOptionText{
			SystemPrompt: commitMsgSystemPrompt,
			MaxTokens:    64,
			Temperature:  0.3,
		},
	)
	if err != nil {
		slog.Warn("commit message LLM call failed", "task", t.ID, "err", err)
		return ""
	}
	msg := strings.TrimSpace(res.String())
	msg = strings.Trim(msg, "\"'`")
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return msg
}

// fallbackCommitMessage derives a commit subject from the prompt's first
// line when no LLM is configured.
func fallbackCommitMessage(prompt string) string {
	line := prompt
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	const maxSubject = 72
	if len(line) > maxSubject {
		line = strings.TrimSpace(line[:maxSubject-3]) + "..."
	}
	if line == "" {
		line = "Apply AI-generated changes"
	}
	return line
}
