// Package memstore is the in-memory reference Store. It backs the CLI and
// the engine's tests; a real deployment swaps in a database-backed Store
// with the same contract, including the cross-user rejection.
package memstore

import (
	"context"
	"slices"
	"sync"

	"github.com/google/uuid"

	"github.com/sandboxrun/engine/internal/task"
	"github.com/sandboxrun/engine/internal/taskstore"
)

// Store implements taskstore.Store with a mutex-guarded map.
type Store struct {
	mu    sync.Mutex
	tasks map[task.ID]*task.Task
	order []task.ID // insertion order, oldest first.
}

// New returns an empty Store.
func New() *Store {
	return &Store{tasks: make(map[task.ID]*task.Task)}
}

// Create persists a freshly-built pending task.
func (s *Store) Create(ctx context.Context, t *task.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[t.ID] = t
	s.order = append(s.order, t.ID)
	return nil
}

// Get returns the task iff it exists and belongs to userID.
func (s *Store) Get(ctx context.Context, userID uuid.UUID, id task.ID) (*task.Task, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return nil, taskstore.ErrNotFound
	}
	if t.UserID != userID {
		return nil, taskstore.ErrCrossUserAccess
	}
	return t, nil
}

// ListByUser returns userID's tasks, newest first.
func (s *Store) ListByUser(ctx context.Context, userID uuid.UUID, f taskstore.Filter) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*task.Task
	for i := len(s.order) - 1; i >= 0; i-- {
		t := s.tasks[s.order[i]]
		if t == nil || t.UserID != userID {
			continue
		}
		if f.State != nil && t.State() != *f.State {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

// ClaimPending atomically moves the task from pending to running.
func (s *Store) ClaimPending(ctx context.Context, id task.ID) (*task.Task, bool, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return nil, false, taskstore.ErrNotFound
	}
	return t, t.CompareAndSetRunning(), nil
}

// UpdateStatus applies a state transition plus fields atomically.
func (s *Store) UpdateStatus(ctx context.Context, id task.ID, next task.State, fields taskstore.Fields) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return taskstore.ErrNotFound
	}
	if next != t.State() {
		if err := t.SetState(next); err != nil {
			return err
		}
	}
	applyFields(t, fields)
	return nil
}

func applyFields(t *task.Task, f taskstore.Fields) {
	if f.StartedAt != nil {
		t.StartedAt = *f.StartedAt
	}
	if f.CompletedAt != nil {
		t.CompletedAt = *f.CompletedAt
	}
	if f.SandboxHandle != nil {
		t.SandboxHandle = *f.SandboxHandle
	}
	if f.Artifacts != nil {
		t.Artifacts = *f.Artifacts
	}
}

// AppendChat appends one message to the task's ordered transcript.
func (s *Store) AppendChat(ctx context.Context, id task.ID, role task.Role, content string) (task.ChatMessage, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return task.ChatMessage{}, taskstore.ErrNotFound
	}
	return t.AppendChat(role, content), nil
}

// SetPullRequest records the external collaborator's PR pointer.
func (s *Store) SetPullRequest(ctx context.Context, id task.ID, pr task.PullRequest) error {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return taskstore.ErrNotFound
	}
	t.PR = pr
	return nil
}

// ListRunning is the engine-internal unscoped enumeration of in-flight
// tasks, oldest first.
func (s *Store) ListRunning(ctx context.Context) ([]*task.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*task.Task
	for _, id := range s.order {
		if t := s.tasks[id]; t != nil && t.State() == task.StateRunning {
			out = append(out, t)
		}
	}
	return out, nil
}

// GetByID is the engine-internal unscoped lookup.
func (s *Store) GetByID(ctx context.Context, id task.ID) (*task.Task, error) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	s.mu.Unlock()
	if !ok {
		return nil, taskstore.ErrNotFound
	}
	return t, nil
}

// Delete removes a user's task, cascading nothing: artifacts live on the
// row. Used by the (out-of-scope) deletion path and by tests.
func (s *Store) Delete(ctx context.Context, userID uuid.UUID, id task.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return taskstore.ErrNotFound
	}
	if t.UserID != userID {
		return taskstore.ErrCrossUserAccess
	}
	delete(s.tasks, id)
	s.order = slices.DeleteFunc(s.order, func(x task.ID) bool { return x == id })
	return nil
}

var _ taskstore.Store = (*Store)(nil)
