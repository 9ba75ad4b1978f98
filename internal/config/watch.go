package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce coalesces the burst of events an atomic write (tmp + rename)
// produces into one reload.
const debounce = 200 * time.Millisecond

// Watch re-reads cfgFile whenever it changes and calls onChange with the
// fresh Config. Only the concurrency knobs are meant to be hot-reloaded;
// the caller decides what to apply. The watcher goroutine exits when ctx
// is cancelled. Watching the parent directory catches atomic-write
// patterns that never fire events on the file itself.
func Watch(ctx context.Context, cfgFile string, onChange func(*Config)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(filepath.Dir(cfgFile)); err != nil {
		_ = w.Close()
		return err
	}

	go func() {
		defer w.Close() //nolint:errcheck
		var timer *time.Timer
		reload := func() {
			cfg, err := Load(cfgFile)
			if err != nil {
				slog.Warn("config reload failed, keeping previous", "file", cfgFile, "err", err)
				return
			}
			slog.Info("config reloaded", "file", cfgFile)
			onChange(cfg)
		}
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Base(ev.Name) != filepath.Base(cfgFile) {
					continue
				}
				if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Rename) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(debounce, reload)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				slog.Warn("config watcher error", "err", err)
			}
		}
	}()
	return nil
}
