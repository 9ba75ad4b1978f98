// Package runner executes one task end-to-end: provision a sandbox, clone
// the repository, drive the agent, capture the diff, commit, and tear the
// sandbox down, persisting every state transition along the way. All
// failure paths collapse to a single structured reason on the task row.
package runner

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/sandboxrun/engine/internal/agentrun"
	"github.com/sandboxrun/engine/internal/agentrun/claude"
	"github.com/sandboxrun/engine/internal/agentrun/codex"
	"github.com/sandboxrun/engine/internal/artifact"
	"github.com/sandboxrun/engine/internal/config"
	"github.com/sandboxrun/engine/internal/redact"
	"github.com/sandboxrun/engine/internal/sandbox"
	"github.com/sandboxrun/engine/internal/task"
	"github.com/sandboxrun/engine/internal/taskerr"
	"github.com/sandboxrun/engine/internal/taskstore"
	"github.com/sandboxrun/engine/internal/workspace"
)

// Cancellation causes the fleet supervisor attaches to a worker's context
// so the runner can tell an operator cancel from an engine drain.
var (
	ErrShutdown  = errors.New("engine shutting down")
	ErrCancelled = errors.New("task cancelled by user")
)

// Commit author identity for engine-made commits.
const (
	authorName  = "ai-code-task[bot]"
	authorEmail = "ai-code-task@users.noreply.github.com"
)

// teardownTimeout bounds the detached sandbox teardown on any exit path.
const teardownTimeout = time.Minute

// Registry is the fleet-state surface the runner keeps current: which
// sandbox handle belongs to which in-flight task.
type Registry interface {
	Track(id task.ID, h sandbox.Handle)
	Untrack(id task.ID)
}

// Runner drives tasks to a terminal state. One Runner serves all workers;
// it holds no per-task state.
type Runner struct {
	Driver sandbox.Driver
	Store  taskstore.Store

	// Registry may be nil when no fleet supervisor is attached (tests,
	// one-shot CLI).
	Registry Registry

	Timeouts config.Timeouts
	Limits   sandbox.ResourceLimits
	LogDir   string

	// Backends defaults to the claude and codex CLIs.
	Backends map[task.AgentKind]agentrun.Backend

	// AgentEnv carries per-agent KEY=VALUE pairs (provider credentials).
	AgentEnv map[task.AgentKind][]string

	// CommitMsg may be nil; commit subjects then derive from the prompt.
	CommitMsg *CommitMessenger
}

func (r *Runner) backends() map[task.AgentKind]agentrun.Backend {
	if r.Backends != nil {
		return r.Backends
	}
	return map[task.AgentKind]agentrun.Backend{
		task.AgentClaude: claude.New(),
		task.AgentCodex:  codex.New(),
	}
}

func (r *Runner) timeout(d time.Duration, fallback time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return fallback
}

// Run executes the task with the given id to a terminal state. credential
// is held in function scope only and is scrubbed from every message that
// leaves this package. Re-invoking Run for the same id is a no-op: the
// pending-to-running claim admits exactly one worker.
func (r *Runner) Run(ctx context.Context, id task.ID, credential string) {
	t, claimed, err := r.Store.ClaimPending(ctx, id)
	if err != nil {
		slog.Warn("claim failed", "task", id, "err", err)
		return
	}
	if !claimed {
		slog.Info("task already claimed, skipping", "task", id, "state", t.State())
		return
	}

	started := time.Now().UTC()
	if err := r.Store.UpdateStatus(ctx, id, task.StateRunning, taskstore.Fields{StartedAt: &started}); err != nil {
		slog.Warn("mark running failed", "task", id, "err", err)
	}
	slog.Info("task running", "task", id, "repo", t.RepoURL, "agent", t.AgentKind)

	var logW *sessionLog
	if r.LogDir != "" {
		if logW, err = openLog(r.LogDir, t); err != nil {
			slog.Warn("session log unavailable", "task", id, "err", err)
		}
	}

	arts, runErr := r.execute(ctx, t, credential, logW)
	r.finalize(ctx, t, arts, runErr, logW)
}

// finalize maps the outcome of execute to exactly one terminal state and
// persists it together with whatever artifacts survived.
func (r *Runner) finalize(ctx context.Context, t *task.Task, arts task.Artifacts, runErr error, logW *sessionLog) {
	// Persistence must proceed even if the caller's context is already
	// cancelled: a terminal state is owed to the store on every path.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()

	completed := time.Now().UTC()
	next := task.StateCompleted
	if runErr != nil {
		reason := taskerr.ReasonOf(runErr)
		next = task.StateFailed
		if reason == taskerr.ReasonCancelled {
			next = task.StateCancelled
		}
		arts.ErrorReason = string(reason)
		var te *taskerr.TaskError
		if errors.As(runErr, &te) {
			arts.ErrorMessage = te.Message
		} else {
			arts.ErrorMessage = "unexpected failure"
			slog.Error("task failed unexpectedly", "task", t.ID, "err", runErr)
		}
		slog.Info("task failed", "task", t.ID, "reason", reason)
	} else {
		slog.Info("task completed", "task", t.ID, "commit", arts.CommitHash)
	}

	if err := r.Store.UpdateStatus(ctx, t.ID, next, taskstore.Fields{
		CompletedAt: &completed,
		Artifacts:   &arts,
	}); err != nil {
		slog.Error("persist terminal state failed", "task", t.ID, "state", next, "err", err)
	}
	logW.writeTrailer(next, arts.ErrorReason, arts.ErrorMessage, &arts)
	if err := logW.Close(); err != nil {
		slog.Warn("close session log", "task", t.ID, "err", err)
	}
}

// cancelErr converts a context cancellation observed between steps into
// the matching task failure; returns nil while ctx is live.
func cancelErr(ctx context.Context) *taskerr.TaskError {
	if ctx.Err() == nil {
		return nil
	}
	switch cause := context.Cause(ctx); {
	case errors.Is(cause, ErrCancelled):
		return taskerr.New(taskerr.ReasonCancelled, "cancelled by user")
	case errors.Is(cause, ErrShutdown):
		return taskerr.New(taskerr.ReasonShutdown, "engine shut down before the task finished")
	case errors.Is(cause, context.DeadlineExceeded):
		return taskerr.New(taskerr.ReasonInternal, "sandbox lifetime budget exceeded")
	default:
		return taskerr.New(taskerr.ReasonShutdown, "execution aborted")
	}
}

// execute runs the happy-path procedure. Whatever artifacts exist when a
// step fails are returned alongside the error so partial output (diff of
// a half-finished edit) survives on the task row.
func (r *Runner) execute(ctx context.Context, t *task.Task, credential string, logW *sessionLog) (task.Artifacts, error) {
	var arts task.Artifacts

	lifetime := r.timeout(r.Timeouts.Sandbox, 10*time.Minute)
	ctx, cancelLifetime := context.WithTimeout(ctx, lifetime)
	defer cancelLifetime()

	// Provision.
	name := sandbox.Name(t.ID.String())
	limits := r.Limits
	if limits.Lifetime == 0 {
		limits.Lifetime = lifetime
	}
	h, err := r.Driver.Provision(ctx, name, limits)
	if err != nil {
		return arts, taskerr.Wrap(taskerr.ReasonProvision, redact.Error(err, credential), err)
	}
	if r.Registry != nil {
		r.Registry.Track(t.ID, h)
	}
	defer func() {
		td, cancel := context.WithTimeout(context.WithoutCancel(ctx), teardownTimeout)
		defer cancel()
		if err := r.Driver.Teardown(td, h); err != nil {
			slog.Warn("sandbox teardown failed", "task", t.ID, "sandbox", h.ID, "err", err)
		}
		if r.Registry != nil {
			r.Registry.Untrack(t.ID)
		}
	}()
	handleID := h.ID
	if err := r.Store.UpdateStatus(ctx, t.ID, task.StateRunning, taskstore.Fields{SandboxHandle: &handleID}); err != nil {
		slog.Warn("record sandbox handle failed", "task", t.ID, "err", err)
	}

	// Clone.
	ws := workspace.New(r.Driver, h)
	cloneCtx, cancelClone := context.WithTimeout(ctx, r.timeout(r.Timeouts.Clone, time.Minute))
	err = ws.Clone(cloneCtx, t.RepoURL, t.TargetBranch, credential)
	cancelClone()
	if err != nil {
		if ce := cancelErr(ctx); ce != nil {
			return arts, ce
		}
		return arts, cloneTaskError(err, credential)
	}

	// Branch.
	cmdCtx, cancelCmd := context.WithTimeout(ctx, r.timeout(r.Timeouts.Command, 30*time.Second))
	branch := workspace.BranchName(string(t.AgentKind), t.ID.String(), time.Now())
	err = ws.CreateBranch(cmdCtx, branch)
	cancelCmd()
	if err != nil {
		if ce := cancelErr(ctx); ce != nil {
			return arts, ce
		}
		return arts, taskerr.Wrap(taskerr.ReasonInternal, "branch creation failed", err)
	}

	// Agent.
	backend, ok := r.backends()[t.AgentKind]
	if !ok {
		return arts, taskerr.New(taskerr.ReasonInternal, "no backend for agent kind %s", t.AgentKind)
	}
	agentCtx, cancelAgent := context.WithTimeout(ctx, r.timeout(r.Timeouts.Agent, 5*time.Minute))
	out, invokeErr := agentrun.Invoke(agentCtx, r.Driver, h, backend, t.Prompt, agentrun.Options{
		WorkingDir: "repo",
		Env:        r.AgentEnv[t.AgentKind],
	})
	cancelAgent()
	logW.writeMessages(out.Messages)
	r.recordAgentOutput(ctx, t, &out, &arts)

	// Diff, regardless of how the agent ended: partial edits from a timed
	// out or crashed agent are still worth preserving.
	diffCtx, cancelDiff := context.WithTimeout(ctx, r.timeout(r.Timeouts.Command, 30*time.Second))
	diff, diffErr := ws.Diff(diffCtx)
	cancelDiff()
	if diffErr == nil {
		arts.UnifiedDiff = diff.Unified
		arts.ChangedFiles = diff.Files
	}

	if ce := cancelErr(ctx); ce != nil {
		return arts, ce
	}
	switch {
	case out.TimedOut:
		return arts, taskerr.New(taskerr.ReasonAgentTimeout, "agent exceeded its time budget")
	case invokeErr != nil:
		return arts, taskerr.Wrap(taskerr.ReasonAgentExit, redact.Error(invokeErr, credential), invokeErr)
	case out.ExitCode != 0:
		return arts, taskerr.New(taskerr.ReasonAgentExit, "agent exited with code %d: %s",
			out.ExitCode, redact.String(trimStderr(out.Stderr), credential))
	case out.Result != nil && out.Result.IsError:
		return arts, taskerr.New(taskerr.ReasonAgentExit, "agent reported an error: %s",
			redact.String(out.Result.Result, credential))
	case diffErr != nil:
		return arts, taskerr.Wrap(taskerr.ReasonCommit, redact.Error(diffErr, credential), diffErr)
	case diff.Empty():
		return arts, taskerr.New(taskerr.ReasonNoChanges, "agent finished without modifying any file")
	}

	// Safety scan is advisory: findings are logged, not blocking.
	scanCtx, cancelScan := context.WithTimeout(ctx, r.timeout(r.Timeouts.Command, 30*time.Second))
	if issues, err := workspace.CheckSafety(scanCtx, ws, diff.Stats, diff.Unified); err == nil {
		for _, is := range issues {
			slog.Warn("safety finding in task diff", "task", t.ID, "file", is.File, "kind", is.Kind, "detail", is.Detail)
		}
	}
	cancelScan()

	// Commit.
	msg := r.CommitMsg.Generate(ctx, t)
	if msg == "" {
		msg = fallbackCommitMessage(t.Prompt)
	}
	commitCtx, cancelCommit := context.WithTimeout(ctx, r.timeout(r.Timeouts.Command, 30*time.Second))
	hash, err := ws.Commit(commitCtx, msg, authorName, authorEmail)
	cancelCommit()
	if err != nil {
		if errors.Is(err, workspace.ErrEmptyDiff) {
			return arts, taskerr.New(taskerr.ReasonNoChanges, "agent finished without modifying any file")
		}
		if ce := cancelErr(ctx); ce != nil {
			return arts, ce
		}
		return arts, taskerr.Wrap(taskerr.ReasonCommit, redact.Error(err, credential), err)
	}
	arts.CommitHash = hash

	// Patch export.
	patchCtx, cancelPatch := context.WithTimeout(ctx, r.timeout(r.Timeouts.Command, 30*time.Second))
	patch, err := ws.Patch(patchCtx, t.TargetBranch)
	cancelPatch()
	if err != nil {
		if ce := cancelErr(ctx); ce != nil {
			return arts, ce
		}
		return arts, taskerr.Wrap(taskerr.ReasonCommit, redact.Error(err, credential), err)
	}
	arts.PatchBytes = artifact.Pack(patch)
	return arts, nil
}

// recordAgentOutput appends the agent's narration to the task's chat
// transcript and folds usage accounting into the artifacts. Tool calls
// and lifecycle events stay in the session log; only human-readable turns
// become chat entries.
func (r *Runner) recordAgentOutput(ctx context.Context, t *task.Task, out *agentrun.Outcome, arts *task.Artifacts) {
	arts.Metadata.ExitCode = out.ExitCode
	for _, m := range out.Messages {
		am, ok := m.(*agentrun.AssistantMessage)
		if !ok {
			continue
		}
		var text strings.Builder
		for _, cb := range am.Content {
			if cb.Type == "text" && cb.Text != "" {
				if text.Len() > 0 {
					text.WriteByte('\n')
				}
				text.WriteString(cb.Text)
			}
		}
		if text.Len() == 0 {
			continue
		}
		if _, err := r.Store.AppendChat(ctx, t.ID, task.RoleAssistant, text.String()); err != nil {
			slog.Warn("append chat failed", "task", t.ID, "err", err)
		}
	}
	if res := out.Result; res != nil {
		arts.Metadata.CostUSD = res.CostUSD
		arts.Metadata.DurationMs = res.DurationMs
		arts.Metadata.Usage = task.Usage{
			InputTokens:              res.InputTokens,
			OutputTokens:             res.OutputTokens,
			CacheCreationInputTokens: res.CacheCreationInputTokens,
			CacheReadInputTokens:     res.CacheReadInputTokens,
		}
		if res.Result != "" && !res.IsError {
			if _, err := r.Store.AppendChat(ctx, t.ID, task.RoleAssistant, res.Result); err != nil {
				slog.Warn("append chat failed", "task", t.ID, "err", err)
			}
		}
	}
}

func cloneTaskError(err error, credential string) *taskerr.TaskError {
	reason := taskerr.ReasonCloneNetwork
	var ce *workspace.CloneError
	if errors.As(err, &ce) {
		switch ce.Reason {
		case workspace.CloneAuth:
			reason = taskerr.ReasonCloneAuth
		case workspace.CloneNotFound:
			reason = taskerr.ReasonCloneNotFound
		case workspace.CloneTimeout:
			reason = taskerr.ReasonCloneTimeout
		}
	}
	return taskerr.Wrap(reason, redact.Error(err, credential), err)
}

func trimStderr(b []byte) string {
	s := strings.TrimSpace(string(b))
	const max = 512
	if len(s) > max {
		s = s[:max] + "..."
	}
	return s
}
