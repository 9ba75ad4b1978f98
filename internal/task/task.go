package task

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/maruel/ksid"
)

// ID is a task's opaque, k-sortable identifier. Using a k-sortable ID
// instead of a bare integer means tasks can be ordered by creation time
// from the identifier alone, with no separate sequence column required by
// the (external) persistence backend.
type ID = ksid.ID

// NewID returns a fresh task identifier.
func NewID() ID {
	return ksid.NewID()
}

// Role identifies the speaker of a chat transcript entry.
type Role string

// Valid chat roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ChatMessage is one entry in a task's append-only chat transcript.
type ChatMessage struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentKind identifies which coding-agent CLI a task is bound to.
type AgentKind string

// Supported agent kinds.
const (
	AgentClaude AgentKind = "claude"
	AgentCodex  AgentKind = "codex"
)

// Usage tracks token accounting for a task's agent invocation, mirroring
// the fields a coding-agent CLI reports on completion.
type Usage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheCreationInputTokens int64
	CacheReadInputTokens     int64
}

// ExecutionMetadata captures the cost and usage accounting for a task's
// agent run, independent of whether it ultimately succeeded.
type ExecutionMetadata struct {
	CostUSD    float64
	DurationMs int64
	Usage      Usage
	ExitCode   int
}

// Artifacts holds the result of a completed or partially-completed run.
// Diff/Patch/ChangedFiles may be non-empty even on a failed task (timeout,
// agent error) so operators can inspect partial work.
type Artifacts struct {
	CommitHash   string
	UnifiedDiff  string
	PatchBytes   []byte
	ChangedFiles []FileChange
	Metadata     ExecutionMetadata
	ErrorReason  string
	ErrorMessage string
}

// FileChange is one file's before/after content in a structured diff.
type FileChange struct {
	Path      string
	Before    string
	After     string
	Binary    bool
	Truncated bool
	Added     int
	Deleted   int
}

// PullRequest holds the pointer set by the (external) PR-creation
// collaborator once it has opened a PR against the task's commit. Nil
// fields mean no PR has been created yet.
type PullRequest struct {
	Branch string
	Number int
	URL    string
}

// Task is the unit of work the engine executes. All mutation happens
// under mu; State must only be changed via SetState so transitions can be
// validated against the state machine.
type Task struct {
	ID         ID
	UserID     uuid.UUID
	ProjectID  string // empty if not associated with a project.
	RepoURL    string
	TargetBranch string
	AgentKind  AgentKind
	Prompt     string

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	SandboxHandle string

	Artifacts Artifacts
	PR        PullRequest

	mu      sync.Mutex
	state   State
	chat    []ChatMessage
}

// NewTask creates a pending task with the submitting prompt recorded as
// the first chat entry, per the invariant that the transcript's first
// entry is always the user's submitted prompt.
func NewTask(userID uuid.UUID, repoURL, targetBranch string, kind AgentKind, prompt string) *Task {
	now := time.Now().UTC()
	t := &Task{
		ID:           NewID(),
		UserID:       userID,
		RepoURL:      repoURL,
		TargetBranch: targetBranch,
		AgentKind:    kind,
		Prompt:       prompt,
		CreatedAt:    now,
		state:        StatePending,
	}
	t.chat = append(t.chat, ChatMessage{Role: RoleUser, Content: prompt, Timestamp: now})
	return t
}

// State returns the task's current state.
func (t *Task) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// SetState validates and applies a state transition. Returns an error if
// the transition is not a legal edge in the state machine.
func (t *Task) SetState(next State) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.state.CanTransition(next) {
		return fmt.Errorf("task %s: illegal transition %s -> %s", t.ID, t.state, next)
	}
	t.state = next
	return nil
}

// CompareAndSetRunning performs the idempotency-guarding CAS from pending
// to running. A second concurrent call for the same task observes a
// non-pending state and returns false without side effects, satisfying
// the runner's at-most-once-execution requirement.
func (t *Task) CompareAndSetRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StatePending {
		return false
	}
	t.state = StateRunning
	return true
}

// AppendChat atomically appends a message to the task's transcript. Chat
// appends are totally ordered within a task by assigning a monotonically
// increasing timestamp relative to the last entry.
func (t *Task) AppendChat(role Role, content string) ChatMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts := time.Now().UTC()
	if last := len(t.chat); last > 0 && !ts.After(t.chat[last-1].Timestamp) {
		ts = t.chat[last-1].Timestamp.Add(time.Nanosecond)
	}
	msg := ChatMessage{Role: role, Content: content, Timestamp: ts}
	t.chat = append(t.chat, msg)
	return msg
}

// Chat returns a copy of the task's chat transcript.
func (t *Task) Chat() []ChatMessage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]ChatMessage, len(t.chat))
	copy(out, t.chat)
	return out
}

// Snapshot is an immutable copy of a task's observable state, safe to
// hand to a caller while a worker keeps mutating the live Task.
type Snapshot struct {
	ID           ID
	UserID       uuid.UUID
	ProjectID    string
	RepoURL      string
	TargetBranch string
	AgentKind    AgentKind
	Prompt       string

	CreatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time

	SandboxHandle string

	State     State
	Chat      []ChatMessage
	Artifacts Artifacts
	PR        PullRequest
}

// Snapshot copies the task's observable state under the lock.
func (t *Task) Snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Snapshot{
		ID:            t.ID,
		UserID:        t.UserID,
		ProjectID:     t.ProjectID,
		RepoURL:       t.RepoURL,
		TargetBranch:  t.TargetBranch,
		AgentKind:     t.AgentKind,
		Prompt:        t.Prompt,
		CreatedAt:     t.CreatedAt,
		StartedAt:     t.StartedAt,
		CompletedAt:   t.CompletedAt,
		SandboxHandle: t.SandboxHandle,
		State:         t.state,
		Chat:          append([]ChatMessage(nil), t.chat...),
		Artifacts:     t.Artifacts,
		PR:            t.PR,
	}
}
