package runner

import (
	"context"
	"io/fs"
	"strings"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/sandboxrun/engine/internal/agentrun"
	"github.com/sandboxrun/engine/internal/artifact"
	"github.com/sandboxrun/engine/internal/sandbox"
	"github.com/sandboxrun/engine/internal/task"
	"github.com/sandboxrun/engine/internal/taskerr"
	"github.com/sandboxrun/engine/internal/taskstore/memstore"
)

// fakeDriver scripts sandbox command results by joined argv; unscripted
// commands succeed with empty output. It records every command and file
// write so tests can assert on what crossed the sandbox boundary.
type fakeDriver struct {
	mu        sync.Mutex
	responses map[string]sandbox.Result
	cmds      []sandbox.Cmd
	files     map[string][]byte
	tornDown  []string
}

func newFakeDriver() *fakeDriver {
	return &fakeDriver{responses: make(map[string]sandbox.Result), files: make(map[string][]byte)}
}

func (f *fakeDriver) script(argv string, res sandbox.Result) {
	f.responses[argv] = res
}

func (f *fakeDriver) Provision(ctx context.Context, name string, limits sandbox.ResourceLimits) (sandbox.Handle, error) {
	return sandbox.Handle{ID: name, Backend: "fake"}, nil
}

func (f *fakeDriver) Run(ctx context.Context, h sandbox.Handle, c sandbox.Cmd) (sandbox.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, c)
	if res, ok := f.responses[strings.Join(c.Argv, " ")]; ok {
		return res, nil
	}
	return sandbox.Result{ExitCode: 0}, nil
}

func (f *fakeDriver) WriteFile(ctx context.Context, h sandbox.Handle, path string, data []byte, mode fs.FileMode) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = data
	return nil
}

func (f *fakeDriver) ReadFile(ctx context.Context, h sandbox.Handle, path string) ([]byte, error) {
	return nil, nil
}

func (f *fakeDriver) Teardown(ctx context.Context, h sandbox.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tornDown = append(f.tornDown, h.ID)
	return nil
}

func (f *fakeDriver) List(ctx context.Context) ([]sandbox.Handle, error) { return nil, nil }

func (f *fakeDriver) allArgv() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.cmds))
	for i, c := range f.cmds {
		out[i] = strings.Join(c.Argv, " ")
	}
	return out
}

// fakeRegistry records fleet-state bookkeeping.
type fakeRegistry struct {
	mu      sync.Mutex
	tracked map[task.ID]sandbox.Handle
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{tracked: make(map[task.ID]sandbox.Handle)}
}

func (r *fakeRegistry) Track(id task.ID, h sandbox.Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracked[id] = h
}

func (r *fakeRegistry) Untrack(id task.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tracked, id)
}

func (r *fakeRegistry) live() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.tracked)
}

// fakeBackend emits scripted JSONL via the fake driver and parses the
// claude-ish envelope used in these tests.
type fakeBackend struct{}

func (fakeBackend) Argv(opts agentrun.Options) []string {
	return []string{"fake-agent", "--prompt-file", opts.PromptPath}
}

func (fakeBackend) ParseMessage(line []byte) (agentrun.Message, error) {
	s := string(line)
	switch {
	case strings.HasPrefix(s, `{"text":`):
		text := strings.TrimSuffix(strings.TrimPrefix(s, `{"text":"`), `"}`)
		return &agentrun.AssistantMessage{Content: []agentrun.ContentBlock{{Type: "text", Text: text}}}, nil
	case strings.HasPrefix(s, `{"result":`):
		return &agentrun.ResultMessage{Result: "done", CostUSD: 0.02, DurationMs: 1200, InputTokens: 10, OutputTokens: 20}, nil
	default:
		return &agentrun.RawMessage{Kind: "raw", Raw: line}, nil
	}
}

func (fakeBackend) Harness() agentrun.Harness { return "fake" }

const agentArgvKey = "fake-agent --prompt-file " + agentrun.PromptPath

func scriptHappyGit(d *fakeDriver) {
	d.script("git diff --cached", sandbox.Result{Stdout: []byte("diff --git a/README.md b/README.md\n+++ b/README.md\n+world\n")})
	d.script("git diff --cached --numstat", sandbox.Result{Stdout: []byte("1\t0\tREADME.md\n")})
	d.script("git show HEAD:README.md", sandbox.Result{Stdout: []byte("hello\n")})
	d.script("git show :README.md", sandbox.Result{Stdout: []byte("hello\nworld\n")})
	d.script("git status --porcelain", sandbox.Result{Stdout: []byte(" M README.md\n")})
	d.script("git rev-parse HEAD", sandbox.Result{Stdout: []byte("3c075531c2fb2a39e02a9b6ba94e516d1ab2ed19\n")})
	d.script("git format-patch main --stdout", sandbox.Result{Stdout: []byte("From 3c07553 Mon Sep 17 00:00:00 2001\n+world\n")})
}

func newTestRunner(t *testing.T, d *fakeDriver) (*Runner, *memstore.Store, *fakeRegistry) {
	t.Helper()
	st := memstore.New()
	reg := newFakeRegistry()
	r := &Runner{
		Driver:   d,
		Store:    st,
		Registry: reg,
		LogDir:   t.TempDir(),
		Backends: map[task.AgentKind]agentrun.Backend{task.AgentClaude: fakeBackend{}},
	}
	return r, st, reg
}

func submit(t *testing.T, st *memstore.Store, prompt string) *task.Task {
	t.Helper()
	tk := task.NewTask(uuid.New(), "https://github.com/acme/widgets", "main", task.AgentClaude, prompt)
	if err := st.Create(context.Background(), tk); err != nil {
		t.Fatal(err)
	}
	return tk
}

func TestRunHappyPath(t *testing.T) {
	d := newFakeDriver()
	scriptHappyGit(d)
	d.script(agentArgvKey, sandbox.Result{Stdout: []byte(`{"text":"appending now"}` + "\n" + `{"result":true}` + "\n")})
	r, st, reg := newTestRunner(t, d)
	tk := submit(t, st, `Append "world" to README.md on a new line.`)

	r.Run(context.Background(), tk.ID, "ghp_"+strings.Repeat("a", 36))

	if got := tk.State(); got != task.StateCompleted {
		t.Fatalf("state = %s, want completed: %+v", got, tk.Artifacts)
	}
	if tk.Artifacts.CommitHash != "3c075531c2fb2a39e02a9b6ba94e516d1ab2ed19" {
		t.Fatalf("commit hash = %q", tk.Artifacts.CommitHash)
	}
	if !strings.Contains(tk.Artifacts.UnifiedDiff, "+world") {
		t.Fatalf("diff = %q", tk.Artifacts.UnifiedDiff)
	}
	patch, err := artifact.Unpack(tk.Artifacts.PatchBytes)
	if err != nil || !strings.Contains(string(patch), "+world") {
		t.Fatalf("patch round trip: %v %q", err, patch)
	}
	if tk.Artifacts.Metadata.CostUSD != 0.02 || tk.Artifacts.Metadata.Usage.OutputTokens != 20 {
		t.Fatalf("metadata = %+v", tk.Artifacts.Metadata)
	}
	chat := tk.Chat()
	if len(chat) < 2 || chat[0].Role != task.RoleUser {
		t.Fatalf("chat = %+v", chat)
	}
	var sawAssistant bool
	for _, m := range chat[1:] {
		if m.Role == task.RoleAssistant {
			sawAssistant = true
		}
	}
	if !sawAssistant {
		t.Fatal("no assistant chat entry recorded")
	}
	if reg.live() != 0 {
		t.Fatal("handle still tracked after terminal state")
	}
	if len(d.tornDown) != 1 {
		t.Fatalf("teardown calls = %d, want 1", len(d.tornDown))
	}
	if tk.StartedAt.IsZero() || tk.CompletedAt.Before(tk.StartedAt) {
		t.Fatalf("timestamps: started=%v completed=%v", tk.StartedAt, tk.CompletedAt)
	}
}

func TestRunPromptNeverOnArgv(t *testing.T) {
	const prompt = `; rm -rf / #`
	d := newFakeDriver()
	scriptHappyGit(d)
	d.script(agentArgvKey, sandbox.Result{Stdout: []byte(`{"result":true}` + "\n")})
	r, st, _ := newTestRunner(t, d)
	tk := submit(t, st, prompt)

	r.Run(context.Background(), tk.ID, "tok")

	for _, argv := range d.allArgv() {
		if strings.Contains(argv, prompt) {
			t.Fatalf("prompt appeared on argv: %q", argv)
		}
	}
	if got := string(d.files[agentrun.PromptFile]); got != prompt {
		t.Fatalf("prompt file = %q, want the verbatim prompt", got)
	}
}

func TestRunSecondInvocationIsNoOp(t *testing.T) {
	d := newFakeDriver()
	scriptHappyGit(d)
	d.script(agentArgvKey, sandbox.Result{Stdout: []byte(`{"result":true}` + "\n")})
	r, st, _ := newTestRunner(t, d)
	tk := submit(t, st, "do it")

	r.Run(context.Background(), tk.ID, "tok")
	firstCmds := len(d.allArgv())
	r.Run(context.Background(), tk.ID, "tok")

	if got := len(d.allArgv()); got != firstCmds {
		t.Fatalf("second Run produced side effects: %d -> %d commands", firstCmds, got)
	}
}

func TestRunCloneAuthFailure(t *testing.T) {
	const token = "ghp_" + "invalidinvalidinvalidinvalidinvalid0"
	d := newFakeDriver()
	d.script("git clone --branch main --single-branch https://github.com/acme/widgets repo",
		sandbox.Result{ExitCode: 128, Stderr: []byte("fatal: Authentication failed for 'https://github.com/acme/widgets'")})
	r, st, reg := newTestRunner(t, d)
	tk := submit(t, st, "do it")

	r.Run(context.Background(), tk.ID, token)

	if got := tk.State(); got != task.StateFailed {
		t.Fatalf("state = %s, want failed", got)
	}
	if tk.Artifacts.ErrorReason != string(taskerr.ReasonCloneAuth) {
		t.Fatalf("reason = %q, want clone_auth", tk.Artifacts.ErrorReason)
	}
	if strings.Contains(tk.Artifacts.ErrorMessage, token) {
		t.Fatalf("credential leaked into stored message: %q", tk.Artifacts.ErrorMessage)
	}
	if reg.live() != 0 || len(d.tornDown) != 1 {
		t.Fatal("sandbox not cleaned up after clone failure")
	}
}

func TestRunAgentTimeoutPreservesPartialDiff(t *testing.T) {
	d := newFakeDriver()
	scriptHappyGit(d)
	d.script(agentArgvKey, sandbox.Result{ExitCode: -1, TimedOut: true, Stdout: []byte(`{"text":"half way"}` + "\n")})
	r, st, _ := newTestRunner(t, d)
	tk := submit(t, st, "slow work")

	r.Run(context.Background(), tk.ID, "tok")

	if got := tk.State(); got != task.StateFailed {
		t.Fatalf("state = %s, want failed", got)
	}
	if tk.Artifacts.ErrorReason != string(taskerr.ReasonAgentTimeout) {
		t.Fatalf("reason = %q, want agent_timeout", tk.Artifacts.ErrorReason)
	}
	if !strings.Contains(tk.Artifacts.UnifiedDiff, "+world") {
		t.Fatal("partial diff not preserved on timeout")
	}
	if tk.Artifacts.CommitHash != "" {
		t.Fatal("timed out task must not have a commit")
	}
	if len(d.tornDown) != 1 {
		t.Fatal("sandbox not torn down on timeout")
	}
}

func TestRunNoChangesIsDistinctFailure(t *testing.T) {
	d := newFakeDriver()
	d.script(agentArgvKey, sandbox.Result{Stdout: []byte(`{"text":"nothing to do"}` + "\n" + `{"result":true}` + "\n")})
	// Diff stays empty: no scripted git diff output.
	r, st, _ := newTestRunner(t, d)
	tk := submit(t, st, "Do nothing.")

	r.Run(context.Background(), tk.ID, "tok")

	if got := tk.State(); got != task.StateFailed {
		t.Fatalf("state = %s, want failed", got)
	}
	if tk.Artifacts.ErrorReason != string(taskerr.ReasonNoChanges) {
		t.Fatalf("reason = %q, want no_changes", tk.Artifacts.ErrorReason)
	}
	var sawAssistant bool
	for _, m := range tk.Chat() {
		if m.Role == task.RoleAssistant && m.Content == "nothing to do" {
			sawAssistant = true
		}
	}
	if !sawAssistant {
		t.Fatal("agent narration missing from chat on no_changes")
	}
}

func TestRunAgentErrorSanitizesStderr(t *testing.T) {
	token := "ghp_" + strings.Repeat("z", 36)
	d := newFakeDriver()
	d.script(agentArgvKey, sandbox.Result{ExitCode: 2, Stderr: []byte("panic: bad token " + token)})
	r, st, _ := newTestRunner(t, d)
	tk := submit(t, st, "work")

	r.Run(context.Background(), tk.ID, token)

	if tk.Artifacts.ErrorReason != string(taskerr.ReasonAgentExit) {
		t.Fatalf("reason = %q, want agent_exit", tk.Artifacts.ErrorReason)
	}
	if strings.Contains(tk.Artifacts.ErrorMessage, token) {
		t.Fatalf("credential leaked: %q", tk.Artifacts.ErrorMessage)
	}
}

func TestRunCancelledContextMapsToCancelled(t *testing.T) {
	d := newFakeDriver()
	r, st, _ := newTestRunner(t, d)
	tk := submit(t, st, "work")

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(ErrCancelled)
	r.Run(ctx, tk.ID, "tok")

	if got := tk.State(); got != task.StateCancelled {
		t.Fatalf("state = %s, want cancelled", got)
	}
	if tk.Artifacts.ErrorReason != string(taskerr.ReasonCancelled) {
		t.Fatalf("reason = %q", tk.Artifacts.ErrorReason)
	}
}

func TestFallbackCommitMessage(t *testing.T) {
	if got := fallbackCommitMessage("Fix the flaky test\nwith details"); got != "Fix the flaky test" {
		t.Fatalf("got %q", got)
	}
	long := strings.Repeat("x", 100)
	if got := fallbackCommitMessage(long); len(got) > 72 || !strings.HasSuffix(got, "...") {
		t.Fatalf("got %q", got)
	}
	if got := fallbackCommitMessage("\n"); got != "Apply AI-generated changes" {
		t.Fatalf("got %q", got)
	}
}
