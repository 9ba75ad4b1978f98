package fleet

import (
	"context"
	"log/slog"
	"time"

	"github.com/sandboxrun/engine/internal/sandbox"
	"github.com/sandboxrun/engine/internal/task"
	"github.com/sandboxrun/engine/internal/taskstore"
)

// sweepLoop runs Sweep every SweepInterval until ctx is cancelled.
func (s *Supervisor) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil {
				slog.Warn("orphan sweep failed", "err", err)
			} else if n > 0 {
				slog.Info("orphan sweep complete", "swept", n)
			}
		}
	}
}

// Sweep enumerates the driver's live sandboxes and tears down every one
// that carries this engine's name prefix and has outlived the age
// threshold, marking any still-running owner task failed. The age
// threshold applies to both driver variants; for the remote backend it is
// a floor on top of whatever TTL the provider enforces itself (the
// provider's own expiry simply makes the handle vanish from List).
// Sweeping is idempotent: a second pass over an unchanged fleet finds
// nothing to do.
func (s *Supervisor) Sweep(ctx context.Context) (int, error) {
	handles, err := s.driver.List(ctx)
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().Add(-s.opts.OrphanAgeThreshold)

	running, err := s.store.ListRunning(ctx)
	if err != nil {
		return 0, err
	}
	owner := make(map[string]*task.Task, len(running))
	for _, t := range running {
		owner[sandbox.Name(t.ID.String())] = t
	}

	swept := 0
	for _, h := range handles {
		if sandbox.TaskID(h.ID) == "" {
			continue
		}
		if h.CreatedAt.IsZero() || h.CreatedAt.After(cutoff) {
			continue
		}
		slog.Info("sweeping orphaned sandbox", "sandbox", h.ID, "age", time.Since(h.CreatedAt).Round(time.Second))
		if err := s.driver.Teardown(ctx, h); err != nil {
			slog.Warn("orphan teardown failed", "sandbox", h.ID, "err", err)
			continue
		}
		swept++
		t, ok := owner[h.ID]
		if !ok {
			continue
		}
		arts := t.Artifacts
		arts.ErrorReason = "orphan"
		arts.ErrorMessage = "sandbox outlived its age threshold and was swept"
		now := time.Now().UTC()
		if err := s.store.UpdateStatus(ctx, t.ID, task.StateFailed, taskstore.Fields{CompletedAt: &now, Artifacts: &arts}); err != nil {
			slog.Warn("mark orphaned task failed", "task", t.ID, "err", err)
		}
		s.Untrack(t.ID)
	}
	return swept, nil
}
