package runner

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// errNotLogFile is returned when a file doesn't contain a valid
// engine_meta header.
var errNotLogFile = errors.New("not an engine log file")

// UnfinishedRun identifies a task whose session log has a header but no
// trailer: the engine crashed mid-run. Startup recovery tears down the
// task's sandbox (by its deterministic name) and marks the task failed,
// honoring the no-resume contract.
type UnfinishedRun struct {
	TaskID    string
	Repo      string
	Agent     string
	StartedAt time.Time
}

// LoadUnfinished scans logDir for session logs without a result trailer,
// sorted by StartedAt ascending. Files that aren't engine logs are
// skipped silently; truncated compressed streams (the usual crash
// artifact) count as unfinished, not as errors.
func LoadUnfinished(logDir string) ([]UnfinishedRun, error) {
	entries, err := os.ReadDir(logDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var runs []UnfinishedRun
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), logExt) {
			continue
		}
		run, finished, err := loadLogFile(filepath.Join(logDir, e.Name()))
		if err != nil {
			continue
		}
		if !finished {
			runs = append(runs, run)
		}
	}

	slices.SortFunc(runs, func(a, b UnfinishedRun) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return runs, nil
}

// loadLogFile parses one session log and reports whether it carries a
// result trailer.
func loadLogFile(path string) (_ UnfinishedRun, finished bool, retErr error) {
	f, err := os.Open(filepath.Clean(path))
	if err != nil {
		return UnfinishedRun{}, false, err
	}
	defer func() {
		if err2 := f.Close(); retErr == nil {
			retErr = err2
		}
	}()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return UnfinishedRun{}, false, fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()

	scanner := bufio.NewScanner(dec)
	scanner.Buffer(make([]byte, 0, 1<<20), 32<<20)

	// First line must be the metadata header.
	if !scanner.Scan() {
		return UnfinishedRun{}, false, errNotLogFile
	}
	var meta metaLine
	if err := json.Unmarshal(scanner.Bytes(), &meta); err != nil || meta.MessageType != "engine_meta" {
		return UnfinishedRun{}, false, errNotLogFile
	}
	run := UnfinishedRun{
		TaskID:    meta.TaskID,
		Repo:      meta.Repo,
		Agent:     meta.Agent,
		StartedAt: meta.StartedAt,
	}

	// A truncated compressed stream means the process died mid-write;
	// whatever was scanned so far is all there is.
	for scanner.Scan() {
		var probe struct {
			MessageType string `json:"message_type"`
		}
		if json.Unmarshal(scanner.Bytes(), &probe) == nil && probe.MessageType == "engine_result" {
			finished = true
		}
	}
	return run, finished, nil
}
