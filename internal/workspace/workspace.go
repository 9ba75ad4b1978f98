// Package workspace runs git operations inside a provisioned sandbox: clone,
// branch, diff, and commit, plus a secret/binary safety scan over the
// resulting diff. Every git invocation crosses the sandbox.Driver.Run
// boundary rather than shelling out on the host, since the sandbox owns the
// only writable checkout.
package workspace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sandboxrun/engine/internal/sandbox"
	"github.com/sandboxrun/engine/internal/task"
)

// repoDir is the checkout's location relative to the sandbox workspace
// root. The repository lives in a subdirectory so engine-owned files (the
// askpass helper, the agent prompt file) at the workspace root never show
// up as untracked changes.
const repoDir = "repo"

// askpassFile is the credential helper script, written once per sandbox at
// the workspace root. It reads the token from an environment variable that
// is set only for the clone invocation, so the token never appears in the
// remote URL, on any argv, or in the script itself.
const askpassFile = ".git-askpass.sh"

const askpassScript = `#!/bin/sh
case "$1" in
Username*) echo "x-access-token" ;;
Password*) echo "$ENGINE_GIT_TOKEN" ;;
esac
`

// maxSnapshotBytes bounds the before/after content captured per file in a
// structured diff. Larger blobs are cut off with Truncated set.
const maxSnapshotBytes = 1 << 20 // 1 MiB

// ErrEmptyDiff is returned by Commit when the working tree has no changes
// against the base branch.
var ErrEmptyDiff = errors.New("workspace: nothing to commit")

// CloneReason classifies why a clone failed.
type CloneReason string

// Clone failure reasons.
const (
	CloneAuth     CloneReason = "auth"
	CloneNotFound CloneReason = "not_found"
	CloneNetwork  CloneReason = "network"
	CloneTimeout  CloneReason = "timeout"
)

// CloneError reports a structured clone failure. Its message never carries
// the credential: the token only ever crosses the sandbox boundary as an
// environment variable read by the askpass helper.
type CloneError struct {
	Reason CloneReason
	Err    error
}

func (e *CloneError) Error() string {
	return fmt.Sprintf("workspace: clone failed (%s): %v", e.Reason, e.Err)
}

func (e *CloneError) Unwrap() error { return e.Err }

// BranchName derives the deterministic work-branch name for a task.
func BranchName(agent string, taskID string, now time.Time) string {
	return fmt.Sprintf("ai/%s-%s-%s", agent, taskID, now.UTC().Format("20060102-150405"))
}

// Diff is a snapshot of the working tree's divergence from the base
// branch, in both textual and structured form. Both are produced from the
// same staged index so they can never disagree.
type Diff struct {
	Unified string
	Files   []task.FileChange
	Stats   DiffStat
}

// Empty reports whether the diff carries no changes.
func (d *Diff) Empty() bool {
	return d == nil || (len(d.Files) == 0 && strings.TrimSpace(d.Unified) == "")
}

// Workspace is a git checkout living inside a single provisioned sandbox.
type Workspace struct {
	driver sandbox.Driver
	handle sandbox.Handle
	dir    string // cwd relative to the sandbox workspace root.
}

// New binds a Workspace to a sandbox that has already been provisioned.
func New(driver sandbox.Driver, h sandbox.Handle) *Workspace {
	return &Workspace{driver: driver, handle: h, dir: repoDir}
}

// tryRun executes argv in the checkout and returns the result even on a
// non-zero exit; err is non-nil only on a transport failure.
func (w *Workspace) tryRun(ctx context.Context, env []string, argv ...string) (sandbox.Result, error) {
	res, err := w.driver.Run(ctx, w.handle, sandbox.Cmd{Argv: argv, Cwd: w.dir, Env: env})
	if err != nil {
		return res, fmt.Errorf("workspace: %s: %w", strings.Join(argv, " "), err)
	}
	return res, nil
}

func (w *Workspace) run(ctx context.Context, argv ...string) (sandbox.Result, error) {
	res, err := w.tryRun(ctx, nil, argv...)
	if err != nil {
		return res, err
	}
	if res.ExitCode != 0 {
		return res, fmt.Errorf("workspace: %s: exit %d: %s", strings.Join(argv, " "), res.ExitCode, bytes.TrimSpace(res.Stderr))
	}
	return res, nil
}

// Clone clones repoURL at baseBranch into the sandbox. credential is
// injected through an askpass helper at invocation time only; an empty
// credential clones anonymously.
func (w *Workspace) Clone(ctx context.Context, repoURL, baseBranch, credential string) error {
	var env []string
	if credential != "" {
		if err := w.driver.WriteFile(ctx, w.handle, askpassFile, []byte(askpassScript), 0o700); err != nil {
			return &CloneError{Reason: CloneNetwork, Err: err}
		}
		env = []string{
			"GIT_ASKPASS=" + sandbox.WorkspacePath + "/" + askpassFile,
			"GIT_TERMINAL_PROMPT=0",
			"ENGINE_GIT_TOKEN=" + credential,
		}
	}
	argv := []string{"git", "clone", "--branch", baseBranch, "--single-branch", repoURL, repoDir}
	res, err := w.driver.Run(ctx, w.handle, sandbox.Cmd{Argv: argv, Env: env})
	if err != nil {
		return &CloneError{Reason: CloneNetwork, Err: err}
	}
	if res.TimedOut {
		return &CloneError{Reason: CloneTimeout, Err: context.DeadlineExceeded}
	}
	if res.ExitCode != 0 {
		return classifyCloneFailure(res)
	}
	return nil
}

func classifyCloneFailure(res sandbox.Result) *CloneError {
	stderr := string(res.Stderr)
	reason := CloneNetwork
	switch {
	case strings.Contains(stderr, "Authentication failed"),
		strings.Contains(stderr, "could not read Username"),
		strings.Contains(stderr, "Invalid username or password"),
		strings.Contains(stderr, "403"):
		reason = CloneAuth
	case strings.Contains(stderr, "not found"),
		strings.Contains(stderr, "does not exist"):
		reason = CloneNotFound
	}
	return &CloneError{Reason: reason, Err: fmt.Errorf("git clone: exit %d: %s", res.ExitCode, bytes.TrimSpace(res.Stderr))}
}

// CreateBranch creates and checks out a new branch off the current HEAD.
func (w *Workspace) CreateBranch(ctx context.Context, name string) error {
	_, err := w.run(ctx, "git", "checkout", "-b", name)
	return err
}

// Diff stages everything (so untracked files are included) and captures
// the divergence from HEAD in one snapshot: unified text, numstat, and
// per-file before/after content.
func (w *Workspace) Diff(ctx context.Context) (*Diff, error) {
	if _, err := w.run(ctx, "git", "add", "-A"); err != nil {
		return nil, err
	}
	unified, err := w.run(ctx, "git", "diff", "--cached")
	if err != nil {
		return nil, err
	}
	numstat, err := w.run(ctx, "git", "diff", "--cached", "--numstat")
	if err != nil {
		return nil, err
	}
	d := &Diff{
		Unified: string(unified.Stdout),
		Stats:   ParseDiffNumstat(string(numstat.Stdout)),
	}
	for _, fs := range d.Stats {
		fc, err := w.snapshotFile(ctx, fs)
		if err != nil {
			return nil, err
		}
		d.Files = append(d.Files, fc)
	}
	return d, nil
}

// snapshotFile captures one changed file's before (HEAD) and after
// (staged) content. Binary files get empty snapshots and the flag; blobs
// past maxSnapshotBytes are cut with Truncated set. Paths from numstat are
// already POSIX-normalized by git.
func (w *Workspace) snapshotFile(ctx context.Context, fs FileStat) (task.FileChange, error) {
	fc := task.FileChange{Path: fs.Path, Binary: fs.Binary, Added: fs.Added, Deleted: fs.Deleted}
	if fs.Binary {
		return fc, nil
	}

	// Missing blobs (file added: no HEAD version; file deleted: no staged
	// version) are empty snapshots, not errors.
	before, err := w.tryRun(ctx, nil, "git", "show", "HEAD:"+fs.Path)
	if err != nil {
		return fc, err
	}
	if before.ExitCode == 0 {
		fc.Before, fc.Truncated = clipSnapshot(before.Stdout)
	}
	after, err := w.tryRun(ctx, nil, "git", "show", ":"+fs.Path)
	if err != nil {
		return fc, err
	}
	if after.ExitCode == 0 {
		var cut bool
		fc.After, cut = clipSnapshot(after.Stdout)
		fc.Truncated = fc.Truncated || cut
	}
	return fc, nil
}

func clipSnapshot(b []byte) (string, bool) {
	if len(b) <= maxSnapshotBytes {
		return string(b), false
	}
	return string(b[:maxSnapshotBytes]), true
}

// Commit commits the staged changes with message, returning the resulting
// commit hash. Returns ErrEmptyDiff if there is nothing to commit.
func (w *Workspace) Commit(ctx context.Context, message, authorName, authorEmail string) (string, error) {
	if _, err := w.run(ctx, "git", "add", "-A"); err != nil {
		return "", err
	}
	status, err := w.run(ctx, "git", "status", "--porcelain")
	if err != nil {
		return "", err
	}
	if len(bytes.TrimSpace(status.Stdout)) == 0 {
		return "", ErrEmptyDiff
	}
	args := []string{
		"git",
		"-c", "user.name=" + authorName,
		"-c", "user.email=" + authorEmail,
		"commit", "-m", message,
	}
	if _, err := w.run(ctx, args...); err != nil {
		return "", err
	}
	hash, err := w.run(ctx, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(hash.Stdout)), nil
}

// Patch returns the commits on top of baseBranch as a byte-for-byte
// git-apply-able patch stream, for the engine to hand to an external
// PR-creation collaborator without needing to re-clone the repo.
func (w *Workspace) Patch(ctx context.Context, baseBranch string) ([]byte, error) {
	res, err := w.run(ctx, "git", "format-patch", baseBranch, "--stdout")
	if err != nil {
		return nil, err
	}
	return res.Stdout, nil
}
