// Package fleet is the engine's process-wide supervisor: it owns the
// admission queue, the worker semaphore, the registry of live sandbox
// handles, the orphan sweeper, and graceful shutdown. All fleet state is
// mutated behind one mutex; nothing in the engine touches it directly.
package fleet

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/sandboxrun/engine/internal/runner"
	"github.com/sandboxrun/engine/internal/sandbox"
	"github.com/sandboxrun/engine/internal/task"
	"github.com/sandboxrun/engine/internal/taskstore"
)

// ErrDraining is returned by Enqueue once shutdown has begun.
var ErrDraining = errors.New("fleet: engine is draining, not admitting tasks")

// ErrNotQueued is returned by Cancel when the task is neither queued nor
// running under this supervisor.
var ErrNotQueued = errors.New("fleet: task is not queued or running")

// TaskRunner executes one claimed task to a terminal state.
type TaskRunner interface {
	Run(ctx context.Context, id task.ID, credential string)
}

// item is one queued unit of admission. The credential lives only here
// and in the worker's stack until the task terminates.
type item struct {
	id         task.ID
	userID     uuid.UUID
	credential string
}

// Options configures a Supervisor.
type Options struct {
	WorkerConcurrency  int
	PerUserConcurrency int
	SweepInterval      time.Duration
	OrphanAgeThreshold time.Duration
	DrainDeadline      time.Duration
}

func (o Options) withDefaults() Options {
	if o.WorkerConcurrency <= 0 {
		o.WorkerConcurrency = 4
	}
	if o.PerUserConcurrency <= 0 {
		o.PerUserConcurrency = 2
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 5 * time.Minute
	}
	if o.OrphanAgeThreshold <= 0 {
		o.OrphanAgeThreshold = 2 * time.Hour
	}
	if o.DrainDeadline <= 0 {
		o.DrainDeadline = 30 * time.Second
	}
	return o
}

// Supervisor owns the fleet state.
type Supervisor struct {
	runner TaskRunner
	driver sandbox.Driver
	store  taskstore.Store
	opts   Options

	sem *semaphore.Weighted

	mu       sync.Mutex
	queue    []item
	perUser  map[uuid.UUID]int
	perCap   int
	handles  map[task.ID]sandbox.Handle
	cancels  map[task.ID]context.CancelCauseFunc
	draining bool

	wake chan struct{}
	wg   sync.WaitGroup // in-flight workers.
}

// New builds a Supervisor; Start must be called before Enqueue admits
// anything.
func New(r TaskRunner, driver sandbox.Driver, store taskstore.Store, opts Options) *Supervisor {
	opts = opts.withDefaults()
	return &Supervisor{
		runner:  r,
		driver:  driver,
		store:   store,
		opts:    opts,
		sem:     semaphore.NewWeighted(int64(opts.WorkerConcurrency)),
		perUser: make(map[uuid.UUID]int),
		perCap:  opts.PerUserConcurrency,
		handles: make(map[task.ID]sandbox.Handle),
		cancels: make(map[task.ID]context.CancelCauseFunc),
		wake:    make(chan struct{}, 1),
	}
}

// Start launches the dispatcher and the orphan sweeper. Both exit when
// ctx is cancelled.
func (s *Supervisor) Start(ctx context.Context) {
	go s.dispatch(ctx)
	go s.sweepLoop(ctx)
}

// Enqueue appends a task to the FIFO admission queue. The per-user cap is
// enforced at admission time (when a worker slot is handed out), not
// here: beyond-cap submissions queue rather than fail.
func (s *Supervisor) Enqueue(id task.ID, userID uuid.UUID, credential string) error {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return ErrDraining
	}
	s.queue = append(s.queue, item{id: id, userID: userID, credential: credential})
	s.mu.Unlock()
	s.signal()
	return nil
}

func (s *Supervisor) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// nextAdmissible pops the first queued item whose user is under the
// per-user cap. Items for capped users stay queued in place, so each
// user's tasks still start in submission order.
func (s *Supervisor) nextAdmissible() (item, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, it := range s.queue {
		if s.perUser[it.userID] >= s.perCap {
			continue
		}
		s.perUser[it.userID]++
		s.queue = slices.Delete(s.queue, i, i+1)
		return it, true
	}
	return item{}, false
}

func (s *Supervisor) dispatch(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
		}
		for {
			it, ok := s.nextAdmissible()
			if !ok {
				break
			}
			if err := s.sem.Acquire(ctx, 1); err != nil {
				s.requeue(it)
				return
			}
			s.startWorker(ctx, it)
		}
	}
}

func (s *Supervisor) requeue(it item) {
	s.mu.Lock()
	s.perUser[it.userID]--
	s.queue = append([]item{it}, s.queue...)
	s.mu.Unlock()
}

func (s *Supervisor) startWorker(ctx context.Context, it item) {
	wctx, cancel := context.WithCancelCause(ctx)
	s.mu.Lock()
	s.cancels[it.id] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer func() {
			s.mu.Lock()
			delete(s.cancels, it.id)
			s.perUser[it.userID]--
			if s.perUser[it.userID] <= 0 {
				delete(s.perUser, it.userID)
			}
			s.mu.Unlock()
			cancel(nil)
			s.sem.Release(1)
			s.wg.Done()
			s.signal()
		}()
		s.runner.Run(wctx, it.id, it.credential)
	}()
}

// Track records a live sandbox handle for a task; Untrack removes it.
// Together they implement runner.Registry.
func (s *Supervisor) Track(id task.ID, h sandbox.Handle) {
	s.mu.Lock()
	s.handles[id] = h
	s.mu.Unlock()
}

// Untrack removes a task's handle from fleet state.
func (s *Supervisor) Untrack(id task.ID) {
	s.mu.Lock()
	delete(s.handles, id)
	s.mu.Unlock()
}

// LiveHandles returns a copy of the tracked handle set.
func (s *Supervisor) LiveHandles() map[task.ID]sandbox.Handle {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[task.ID]sandbox.Handle, len(s.handles))
	for k, v := range s.handles {
		out[k] = v
	}
	return out
}

// QueueDepth reports how many tasks await admission.
func (s *Supervisor) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// SetPerUserCap hot-reloads the per-user admission cap.
func (s *Supervisor) SetPerUserCap(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.perCap = n
	s.mu.Unlock()
	s.signal()
}

// Cancel stops a task under this supervisor's control. A queued task is
// removed and marked cancelled immediately; a running task's worker is
// signalled through its cancellation handle and finalizes itself.
func (s *Supervisor) Cancel(ctx context.Context, id task.ID) error {
	s.mu.Lock()
	for i, it := range s.queue {
		if it.id == id {
			s.queue = slices.Delete(s.queue, i, i+1)
			s.mu.Unlock()
			return s.markTerminated(ctx, id, task.StateCancelled, "cancelled", "cancelled before execution started")
		}
	}
	if cancel, ok := s.cancels[id]; ok {
		s.mu.Unlock()
		cancel(runner.ErrCancelled)
		return nil
	}
	s.mu.Unlock()
	return ErrNotQueued
}

// markTerminated finalizes a task that never reached a worker.
func (s *Supervisor) markTerminated(ctx context.Context, id task.ID, st task.State, reason, msg string) error {
	t, err := s.store.GetByID(ctx, id)
	if err != nil {
		return err
	}
	arts := t.Artifacts
	arts.ErrorReason = reason
	arts.ErrorMessage = msg
	now := time.Now().UTC()
	return s.store.UpdateStatus(ctx, id, st, taskstore.Fields{CompletedAt: &now, Artifacts: &arts})
}

// Shutdown stops admitting, lets in-flight runners reach a terminal state
// within the drain deadline, then force-cancels the rest. Queued tasks
// that never started are marked failed with the shutdown reason.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	s.draining = true
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, it := range pending {
		if err := s.markTerminated(ctx, it.id, task.StateFailed, "shutdown", "engine shut down before the task started"); err != nil {
			slog.Warn("mark queued task failed on shutdown", "task", it.id, "err", err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("fleet drained cleanly")
		return
	case <-time.After(s.opts.DrainDeadline):
	case <-ctx.Done():
	}

	s.mu.Lock()
	cancels := make([]context.CancelCauseFunc, 0, len(s.cancels))
	for _, c := range s.cancels {
		cancels = append(cancels, c)
	}
	n := len(cancels)
	s.mu.Unlock()
	slog.Warn("drain deadline passed, force-cancelling workers", "count", n)
	for _, c := range cancels {
		c(runner.ErrShutdown)
	}
	s.wg.Wait()
}
