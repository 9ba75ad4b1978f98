package fleet

import (
	"context"
	"errors"
	"io/fs"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/sandboxrun/engine/internal/sandbox"
	"github.com/sandboxrun/engine/internal/task"
	"github.com/sandboxrun/engine/internal/taskstore"
	"github.com/sandboxrun/engine/internal/taskstore/memstore"
)

// gateRunner blocks each Run until the gate opens, recording start order
// and the high-water mark of concurrent runs. It drives the store the way
// the real runner does: claim, then terminal state.
type gateRunner struct {
	store *memstore.Store
	gate  chan struct{}

	mu     sync.Mutex
	starts []task.ID
	cur    int
	peak   int
}

func newGateRunner(store *memstore.Store) *gateRunner {
	return &gateRunner{store: store, gate: make(chan struct{})}
}

func (r *gateRunner) Run(ctx context.Context, id task.ID, credential string) {
	r.mu.Lock()
	r.starts = append(r.starts, id)
	r.cur++
	if r.cur > r.peak {
		r.peak = r.cur
	}
	r.mu.Unlock()

	_, claimed, _ := r.store.ClaimPending(ctx, id)
	<-r.gate
	if claimed {
		now := time.Now().UTC()
		_ = r.store.UpdateStatus(ctx, id, task.StateCompleted, taskstore.Fields{CompletedAt: &now})
	}

	r.mu.Lock()
	r.cur--
	r.mu.Unlock()
}

// fakeSweepDriver serves a scripted List and records teardowns.
type fakeSweepDriver struct {
	mu       sync.Mutex
	live     []sandbox.Handle
	tornDown []string
}

func (f *fakeSweepDriver) Provision(ctx context.Context, name string, limits sandbox.ResourceLimits) (sandbox.Handle, error) {
	return sandbox.Handle{ID: name}, nil
}

func (f *fakeSweepDriver) Run(ctx context.Context, h sandbox.Handle, c sandbox.Cmd) (sandbox.Result, error) {
	return sandbox.Result{}, nil
}

func (f *fakeSweepDriver) WriteFile(ctx context.Context, h sandbox.Handle, path string, data []byte, mode fs.FileMode) error {
	return nil
}

func (f *fakeSweepDriver) ReadFile(ctx context.Context, h sandbox.Handle, path string) ([]byte, error) {
	return nil, nil
}

func (f *fakeSweepDriver) Teardown(ctx context.Context, h sandbox.Handle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tornDown = append(f.tornDown, h.ID)
	for i, l := range f.live {
		if l.ID == h.ID {
			f.live = append(f.live[:i], f.live[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeSweepDriver) List(ctx context.Context) ([]sandbox.Handle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sandbox.Handle(nil), f.live...), nil
}

func waitFor(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func createTasks(t *testing.T, store *memstore.Store, userID uuid.UUID, n int) []*task.Task {
	t.Helper()
	out := make([]*task.Task, n)
	for i := range out {
		tk := task.NewTask(userID, "https://github.com/acme/widgets", "main", task.AgentClaude, "work")
		if err := store.Create(context.Background(), tk); err != nil {
			t.Fatal(err)
		}
		out[i] = tk
	}
	return out
}

func TestPerUserCapBoundsConcurrencyAndPreservesOrder(t *testing.T) {
	store := memstore.New()
	r := newGateRunner(store)
	s := New(r, &fakeSweepDriver{}, store, Options{WorkerConcurrency: 4, PerUserConcurrency: 2})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	user := uuid.New()
	tasks := createTasks(t, store, user, 5)
	for _, tk := range tasks {
		if err := s.Enqueue(tk.ID, user, "tok"); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}

	waitFor(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.starts) == 2
	}, "first two admissions")

	// The cap holds while both slots are busy.
	time.Sleep(50 * time.Millisecond)
	r.mu.Lock()
	if r.peak > 2 || len(r.starts) != 2 {
		r.mu.Unlock()
		t.Fatalf("cap violated: peak=%d starts=%d", r.peak, len(r.starts))
	}
	r.mu.Unlock()

	close(r.gate)
	waitFor(t, func() bool {
		for _, tk := range tasks {
			if !tk.State().IsTerminal() {
				return false
			}
		}
		return true
	}, "all tasks terminal")

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.peak > 2 {
		t.Fatalf("peak concurrency %d exceeds per-user cap 2", r.peak)
	}
	for i, tk := range tasks {
		if r.starts[i] != tk.ID {
			t.Fatalf("start %d = %s, want submission order %s", i, r.starts[i], tk.ID)
		}
	}
}

func TestWorkerConcurrencyCapAcrossUsers(t *testing.T) {
	store := memstore.New()
	r := newGateRunner(store)
	s := New(r, &fakeSweepDriver{}, store, Options{WorkerConcurrency: 3, PerUserConcurrency: 2})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	for range 4 {
		user := uuid.New()
		for _, tk := range createTasks(t, store, user, 2) {
			if err := s.Enqueue(tk.ID, user, "tok"); err != nil {
				t.Fatal(err)
			}
		}
	}

	waitFor(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.starts) >= 3
	}, "pool saturation")
	time.Sleep(50 * time.Millisecond)
	r.mu.Lock()
	peak := r.peak
	r.mu.Unlock()
	if peak > 3 {
		t.Fatalf("worker pool cap violated: peak=%d", peak)
	}
	close(r.gate)
}

func TestCancelQueuedTask(t *testing.T) {
	store := memstore.New()
	r := newGateRunner(store)
	s := New(r, &fakeSweepDriver{}, store, Options{WorkerConcurrency: 1, PerUserConcurrency: 1})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	user := uuid.New()
	tasks := createTasks(t, store, user, 2)
	for _, tk := range tasks {
		if err := s.Enqueue(tk.ID, user, "tok"); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.starts) == 1
	}, "first admission")

	if err := s.Cancel(ctx, tasks[1].ID); err != nil {
		t.Fatalf("Cancel queued: %v", err)
	}
	if got := tasks[1].State(); got != task.StateCancelled {
		t.Fatalf("state = %s, want cancelled", got)
	}
	close(r.gate)
}

func TestCancelUnknownTask(t *testing.T) {
	store := memstore.New()
	s := New(newGateRunner(store), &fakeSweepDriver{}, store, Options{})
	if err := s.Cancel(context.Background(), task.NewID()); !errors.Is(err, ErrNotQueued) {
		t.Fatalf("got %v, want ErrNotQueued", err)
	}
}

func TestShutdownFailsQueuedAndStopsAdmission(t *testing.T) {
	store := memstore.New()
	r := newGateRunner(store)
	s := New(r, &fakeSweepDriver{}, store, Options{WorkerConcurrency: 1, PerUserConcurrency: 1, DrainDeadline: 100 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)

	user := uuid.New()
	tasks := createTasks(t, store, user, 2)
	for _, tk := range tasks {
		if err := s.Enqueue(tk.ID, user, "tok"); err != nil {
			t.Fatal(err)
		}
	}
	waitFor(t, func() bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		return len(r.starts) == 1
	}, "first admission")

	go func() {
		time.Sleep(20 * time.Millisecond)
		close(r.gate)
	}()
	s.Shutdown(context.Background())

	if got := tasks[1].State(); got != task.StateFailed {
		t.Fatalf("queued task state = %s, want failed", got)
	}
	if tasks[1].Artifacts.ErrorReason != "shutdown" {
		t.Fatalf("reason = %q", tasks[1].Artifacts.ErrorReason)
	}
	if err := s.Enqueue(task.NewID(), user, "tok"); !errors.Is(err, ErrDraining) {
		t.Fatalf("post-shutdown Enqueue = %v, want ErrDraining", err)
	}
}

func TestSweepTearsDownAgedPrefixedSandboxes(t *testing.T) {
	store := memstore.New()
	user := uuid.New()
	tk := createTasks(t, store, user, 1)[0]
	if _, claimed, _ := store.ClaimPending(context.Background(), tk.ID); !claimed {
		t.Fatal("claim failed")
	}

	old := time.Now().Add(-3 * time.Hour)
	fresh := time.Now().Add(-time.Minute)
	d := &fakeSweepDriver{live: []sandbox.Handle{
		{ID: sandbox.Name(tk.ID.String()), CreatedAt: old},
		{ID: sandbox.Name("0ujzPyRiIAffKhBux4PvQdDqMHY"), CreatedAt: fresh}, // too young
		{ID: "unrelated-container", CreatedAt: old},                         // foreign
	}}
	s := New(newGateRunner(store), d, store, Options{OrphanAgeThreshold: 2 * time.Hour})

	n, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if len(d.tornDown) != 1 || d.tornDown[0] != sandbox.Name(tk.ID.String()) {
		t.Fatalf("tornDown = %v", d.tornDown)
	}
	if got := tk.State(); got != task.StateFailed {
		t.Fatalf("orphaned task state = %s, want failed", got)
	}
	if tk.Artifacts.ErrorReason != "orphan" {
		t.Fatalf("reason = %q", tk.Artifacts.ErrorReason)
	}

	// Idempotence: a second pass over the unchanged fleet is a no-op.
	n, err = s.Sweep(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("second sweep: n=%d err=%v", n, err)
	}
	if len(d.tornDown) != 1 {
		t.Fatalf("second sweep tore down more: %v", d.tornDown)
	}
}
