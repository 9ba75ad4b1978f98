// Package engine is the command interface the (external) HTTP layer
// calls: submit, status, diff, chat, cancel. It wires the task store, the
// fleet supervisor, and startup crash recovery together behind one
// exported façade.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/sandboxrun/engine/internal/fleet"
	"github.com/sandboxrun/engine/internal/runner"
	"github.com/sandboxrun/engine/internal/sandbox"
	"github.com/sandboxrun/engine/internal/task"
	"github.com/sandboxrun/engine/internal/taskstore"
	"github.com/sandboxrun/engine/internal/validate"
)

// Engine is the task execution engine's command surface.
type Engine struct {
	store  taskstore.Store
	fleet  *fleet.Supervisor
	driver sandbox.Driver
	logDir string
}

// New wires an Engine. driver and logDir feed startup crash recovery;
// logDir may be empty to disable it.
func New(store taskstore.Store, sup *fleet.Supervisor, driver sandbox.Driver, logDir string) *Engine {
	return &Engine{store: store, fleet: sup, driver: driver, logDir: logDir}
}

// SubmitRequest carries one validated task submission. Credential is held
// in memory only; it is never stored on the task.
type SubmitRequest struct {
	UserID       uuid.UUID
	RepoURL      string
	TargetBranch string
	AgentKind    string
	Prompt       string
	Credential   string
	ProjectID    string
}

// Validate checks every boundary rule from the command interface
// contract.
func (r *SubmitRequest) Validate() error {
	if r.UserID == uuid.Nil {
		return validate.Unauthorized("missing authenticated user")
	}
	if err := validate.RepoURL(r.RepoURL); err != nil {
		return err
	}
	if err := validate.Branch(r.TargetBranch); err != nil {
		return err
	}
	if err := validate.AgentKind(r.AgentKind); err != nil {
		return err
	}
	if err := validate.Prompt(r.Prompt); err != nil {
		return err
	}
	return validate.Credential(r.Credential)
}

var _ validate.Validatable = (*SubmitRequest)(nil)

// SubmitTask validates the request, creates a pending task, and enqueues
// it for admission. The returned id can immediately be polled via
// GetTaskStatus.
func (e *Engine) SubmitTask(ctx context.Context, req SubmitRequest) (task.ID, error) {
	var zero task.ID
	if err := req.Validate(); err != nil {
		return zero, err
	}
	t := task.NewTask(req.UserID, req.RepoURL, req.TargetBranch, task.AgentKind(req.AgentKind), req.Prompt)
	t.ProjectID = req.ProjectID
	if err := e.store.Create(ctx, t); err != nil {
		return zero, validate.Internal("could not create task").Wrap(err)
	}
	if err := e.fleet.Enqueue(t.ID, req.UserID, req.Credential); err != nil {
		now := time.Now().UTC()
		arts := task.Artifacts{ErrorReason: "shutdown", ErrorMessage: "engine is shutting down"}
		if uerr := e.store.UpdateStatus(ctx, t.ID, task.StateFailed, taskstore.Fields{CompletedAt: &now, Artifacts: &arts}); uerr != nil {
			slog.Warn("mark rejected task failed", "task", t.ID, "err", uerr)
		}
		return zero, validate.RateLimited("engine is not admitting tasks").Wrap(err)
	}
	slog.Info("task submitted", "task", t.ID, "user", req.UserID, "repo", req.RepoURL, "agent", req.AgentKind)
	return t.ID, nil
}

// GetTaskStatus returns a snapshot of the task, scoped to the calling
// user.
func (e *Engine) GetTaskStatus(ctx context.Context, userID uuid.UUID, id task.ID) (task.Snapshot, error) {
	t, err := e.get(ctx, userID, id)
	if err != nil {
		return task.Snapshot{}, err
	}
	return t.Snapshot(), nil
}

// GetTaskDiff returns the task's unified diff text once one exists.
// Failed tasks keep whatever partial diff was captured, so a timed-out
// agent's half-finished edit is still inspectable here.
func (e *Engine) GetTaskDiff(ctx context.Context, userID uuid.UUID, id task.ID) (string, error) {
	t, err := e.get(ctx, userID, id)
	if err != nil {
		return "", err
	}
	snap := t.Snapshot()
	if snap.Artifacts.UnifiedDiff == "" {
		if !snap.State.IsTerminal() {
			return "", validate.NotReady("task has not produced a diff yet")
		}
		return "", validate.NotReady("task finished without a diff")
	}
	return snap.Artifacts.UnifiedDiff, nil
}

// AppendChatMessage appends a message to the task's transcript and
// returns the updated snapshot.
func (e *Engine) AppendChatMessage(ctx context.Context, userID uuid.UUID, id task.ID, role, content string) (task.Snapshot, error) {
	r := task.Role(role)
	if r != task.RoleUser && r != task.RoleAssistant {
		return task.Snapshot{}, validate.BadRequest("role must be one of: user, assistant")
	}
	if content == "" {
		return task.Snapshot{}, validate.BadRequest("content is required")
	}
	t, err := e.get(ctx, userID, id)
	if err != nil {
		return task.Snapshot{}, err
	}
	if _, err := e.store.AppendChat(ctx, id, r, content); err != nil {
		return task.Snapshot{}, validate.Internal("could not append message").Wrap(err)
	}
	return t.Snapshot(), nil
}

// CancelTask stops a queued or running task. Cancelling a task that
// already reached a terminal state returns a terminal_state error; doing
// it twice is therefore a no-op with the same answer.
func (e *Engine) CancelTask(ctx context.Context, userID uuid.UUID, id task.ID) error {
	t, err := e.get(ctx, userID, id)
	if err != nil {
		return err
	}
	if t.State().IsTerminal() {
		return validate.TerminalState(fmt.Sprintf("task is already %s", t.State()))
	}
	if err := e.fleet.Cancel(ctx, id); err != nil {
		if errors.Is(err, fleet.ErrNotQueued) {
			// Lost the race against the worker finishing.
			return validate.TerminalState(fmt.Sprintf("task is already %s", t.State()))
		}
		return validate.Internal("could not cancel task").Wrap(err)
	}
	return nil
}

func (e *Engine) get(ctx context.Context, userID uuid.UUID, id task.ID) (*task.Task, error) {
	t, err := e.store.Get(ctx, userID, id)
	switch {
	case errors.Is(err, taskstore.ErrNotFound):
		return nil, validate.NotFound("task")
	case errors.Is(err, taskstore.ErrCrossUserAccess):
		return nil, validate.Unauthorized("task belongs to a different user")
	case err != nil:
		return nil, validate.Internal("task lookup failed").Wrap(err)
	}
	return t, nil
}

// Recover runs startup crash recovery: sandboxes recorded in session logs
// that never reached a trailer are torn down by their deterministic name,
// and any task the store still shows as running is marked failed. There
// is no resume: a task interrupted by an engine crash must be
// resubmitted.
func (e *Engine) Recover(ctx context.Context) error {
	if e.logDir != "" {
		runs, err := runner.LoadUnfinished(e.logDir)
		if err != nil {
			return fmt.Errorf("engine: scan session logs: %w", err)
		}
		for _, run := range runs {
			h := sandbox.Handle{ID: sandbox.Name(run.TaskID)}
			if err := e.driver.Teardown(ctx, h); err != nil {
				slog.Warn("recovery teardown failed", "sandbox", h.ID, "err", err)
			} else {
				slog.Info("recovered orphaned sandbox", "sandbox", h.ID, "task", run.TaskID)
			}
		}
	}

	running, err := e.store.ListRunning(ctx)
	if err != nil {
		return fmt.Errorf("engine: list running tasks: %w", err)
	}
	for _, t := range running {
		arts := t.Artifacts
		arts.ErrorReason = "internal"
		arts.ErrorMessage = "engine restarted while the task was running"
		now := time.Now().UTC()
		if err := e.store.UpdateStatus(ctx, t.ID, task.StateFailed, taskstore.Fields{CompletedAt: &now, Artifacts: &arts}); err != nil {
			slog.Warn("recovery finalize failed", "task", t.ID, "err", err)
		}
	}
	return nil
}
