// Package taskstore is the thin typed façade over the external
// persistence collaborator. The engine only ever needs the handful of
// operations below; a production deployment implements Store against its
// database, and memstore provides the in-memory reference used by tests
// and the CLI.
package taskstore

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/sandboxrun/engine/internal/task"
)

// Errors every Store implementation must return for the corresponding
// conditions, so callers can map them without knowing the backend.
var (
	ErrNotFound = errors.New("taskstore: task not found")

	// ErrCrossUserAccess is returned when a user-scoped read or write
	// names a task owned by a different user. Implementations must treat
	// this as a hard contract, not a courtesy.
	ErrCrossUserAccess = errors.New("taskstore: task belongs to a different user")
)

// Fields carries the optional columns an UpdateStatus call sets alongside
// the state transition. Nil pointers leave the column untouched, so one
// atomic single-row update covers every transition the runner makes.
type Fields struct {
	StartedAt     *time.Time
	CompletedAt   *time.Time
	SandboxHandle *string
	Artifacts     *task.Artifacts
}

// Filter narrows a ListByUser call.
type Filter struct {
	State *task.State
}

// Store is the persistence capability the engine depends on.
type Store interface {
	// Create persists a freshly-built pending task.
	Create(ctx context.Context, t *task.Task) error

	// Get returns the task iff it exists and belongs to userID.
	Get(ctx context.Context, userID uuid.UUID, id task.ID) (*task.Task, error)

	// ListByUser returns userID's tasks, newest first.
	ListByUser(ctx context.Context, userID uuid.UUID, f Filter) ([]*task.Task, error)

	// ClaimPending atomically moves the task from pending to running. The
	// second and every later call for the same id observes a non-pending
	// state and returns false with no side effects; this is the runner's
	// at-most-once guard.
	ClaimPending(ctx context.Context, id task.ID) (*task.Task, bool, error)

	// UpdateStatus applies a state transition plus the given fields as one
	// atomic single-row update. Illegal transitions are rejected.
	UpdateStatus(ctx context.Context, id task.ID, next task.State, fields Fields) error

	// AppendChat atomically appends one message to the task's ordered
	// transcript and returns it with its assigned timestamp.
	AppendChat(ctx context.Context, id task.ID, role task.Role, content string) (task.ChatMessage, error)

	// SetPullRequest records the pointer the external PR-creation
	// collaborator hands back after the task completed.
	SetPullRequest(ctx context.Context, id task.ID, pr task.PullRequest) error

	// GetByID is the engine-internal unscoped lookup used by the runner
	// and the orphan sweeper, which operate on task ids they were handed
	// by the admission path rather than on behalf of a principal. It is
	// never reachable from the command interface.
	GetByID(ctx context.Context, id task.ID) (*task.Task, error)

	// ListRunning is the engine-internal unscoped enumeration the orphan
	// sweeper cross-checks live sandbox handles against.
	ListRunning(ctx context.Context) ([]*task.Task, error)
}
