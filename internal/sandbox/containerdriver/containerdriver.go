// Package containerdriver implements sandbox.Driver by shelling out to the
// docker CLI, one container per sandbox.
package containerdriver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sandboxrun/engine/internal/sandbox"
)

// labelKey marks every container this driver creates, so List can
// distinguish them from unrelated containers on the host.
const labelKey = "engine.sandbox=1"

// Options configures container provisioning. Zero values fall back to the
// defaults below.
type Options struct {
	// Image is the workspace image containers are started from. It must
	// have git and the configured agent CLIs on PATH.
	Image string

	// UID/GID is the non-root principal every container process runs as.
	UID int
	GID int

	// BaseDir is the host scratch root under which each sandbox gets its
	// own bind-mounted workspace subdirectory.
	BaseDir string
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.Image == "" {
		out.Image = "engine-sandbox:latest"
	}
	if out.UID == 0 {
		out.UID = 1000
	}
	if out.GID == 0 {
		out.GID = 1000
	}
	if out.BaseDir == "" {
		out.BaseDir = defaultBaseDir()
	}
	return out
}

// Driver implements sandbox.Driver against the local docker daemon.
type Driver struct {
	opts Options

	mu   sync.Mutex
	dirs map[string]string // handle ID -> bind-mounted workspace dir on the host.
}

// New returns a Driver ready to provision containers.
func New(opts Options) *Driver {
	return &Driver{opts: opts.withDefaults(), dirs: make(map[string]string)}
}

// Provision starts a detached container with the given resource limits, no
// published ports, no elevated capabilities, and a single writable bind
// mount at the workspace path. The engine only ever talks to the sandbox
// via Run/WriteFile/ReadFile, not an interactive shell.
func (d *Driver) Provision(ctx context.Context, name string, limits sandbox.ResourceLimits) (sandbox.Handle, error) {
	dir, err := hostWorkspaceDir(d.opts.BaseDir, name)
	if err != nil {
		return sandbox.Handle{}, &sandbox.ProvisionError{Reason: sandbox.ReasonTransport, Err: err}
	}

	args := []string{
		"run", "-d", "--name", name,
		"--label", labelKey,
		"--user", strconv.Itoa(d.opts.UID) + ":" + strconv.Itoa(d.opts.GID),
		"--security-opt", "no-new-privileges",
		"--cap-drop", "ALL",
		"--read-only",
		"--network", "bridge",
		"-v", dir + ":" + sandbox.WorkspacePath,
		"-w", sandbox.WorkspacePath,
		"--tmpfs", "/tmp",
	}
	if limits.CPUs > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(limits.CPUs, 'f', -1, 64))
	}
	if limits.MemoryMiB > 0 {
		args = append(args, "--memory", strconv.FormatInt(limits.MemoryMiB, 10)+"m")
	}
	args = append(args, d.opts.Image, "sleep", "infinity")

	slog.Info("provisioning container", "name", name, "image", d.opts.Image)
	cmd := exec.CommandContext(ctx, "docker", args...) //nolint:gosec // args are built from trusted config, not user input.
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		reason := sandbox.ReasonTransport
		switch {
		case strings.Contains(stderr.String(), "No such image"),
			strings.Contains(stderr.String(), "pull access denied"):
			reason = sandbox.ReasonTemplateMissing
		case strings.Contains(stderr.String(), "no space left"),
			strings.Contains(stderr.String(), "Resource exhausted"):
			reason = sandbox.ReasonQuota
		case strings.Contains(stderr.String(), "permission denied"):
			reason = sandbox.ReasonAuth
		}
		return sandbox.Handle{}, &sandbox.ProvisionError{Reason: reason, Err: fmt.Errorf("docker run: %w: %s", err, stderr.String())}
	}

	d.mu.Lock()
	d.dirs[name] = dir
	d.mu.Unlock()

	return sandbox.Handle{ID: name, Backend: "container", CreatedAt: time.Now().UTC()}, nil
}

// Run execs the command inside the container via `docker exec`.
func (d *Driver) Run(ctx context.Context, h sandbox.Handle, c sandbox.Cmd) (sandbox.Result, error) {
	if len(c.Argv) == 0 {
		return sandbox.Result{}, errors.New("containerdriver: empty argv")
	}
	args := []string{"exec", "-i"}
	if c.Cwd != "" {
		args = append(args, "-w", sandbox.WorkspacePath+"/"+strings.TrimPrefix(c.Cwd, "/"))
	}
	for _, kv := range c.Env {
		args = append(args, "-e", kv)
	}
	args = append(args, h.ID)
	args = append(args, c.Argv...)

	cmd := exec.CommandContext(ctx, "docker", args...) //nolint:gosec // argv originates from the engine's own workspace/agent operations, not raw user input.
	if len(c.Stdin) > 0 {
		cmd.Stdin = bytes.NewReader(c.Stdin)
	}
	stdout := sandbox.NewOutputBuffer(0)
	stderr := sandbox.NewOutputBuffer(0)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
	res := sandbox.Result{
		Stdout:          stdout.Bytes(),
		Stderr:          stderr.Bytes(),
		StdoutTruncated: stdout.Truncated(),
		StderrTruncated: stderr.Truncated(),
		TimedOut:        errors.Is(ctx.Err(), context.DeadlineExceeded),
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		res.ExitCode = 0
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitCode()
	case res.TimedOut:
		res.ExitCode = -1
	default:
		return res, fmt.Errorf("docker exec: %w", err)
	}
	return res, nil
}

// WriteFile writes data directly into the sandbox's bind-mounted workspace
// dir, avoiding a docker-cp round trip since every sandbox path lives
// under the mount.
func (d *Driver) WriteFile(ctx context.Context, h sandbox.Handle, path string, data []byte, mode fs.FileMode) error {
	d.mu.Lock()
	dir, ok := d.dirs[h.ID]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("containerdriver: unknown handle %s", h.ID)
	}
	full := joinWorkspace(dir, path)
	if err := writeFileAtomic(full, data, mode); err != nil {
		return fmt.Errorf("containerdriver: write %s: %w", path, err)
	}
	return nil
}

// ReadFile reads a file from the sandbox's bind-mounted workspace dir.
func (d *Driver) ReadFile(ctx context.Context, h sandbox.Handle, path string) ([]byte, error) {
	d.mu.Lock()
	dir, ok := d.dirs[h.ID]
	d.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("containerdriver: unknown handle %s", h.ID)
	}
	return readFile(joinWorkspace(dir, path))
}

// Teardown stops and removes the container and its workspace dir. It
// succeeds even if the container is already gone, since an orphan sweep
// may race a human running `docker rm` directly.
func (d *Driver) Teardown(ctx context.Context, h sandbox.Handle) error {
	cmd := exec.CommandContext(ctx, "docker", "rm", "-f", h.ID) //nolint:gosec // h.ID is engine-generated.
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil && !strings.Contains(stderr.String(), "No such container") {
		return fmt.Errorf("docker rm %s: %w: %s", h.ID, err, stderr.String())
	}
	d.mu.Lock()
	dir := d.dirs[h.ID]
	delete(d.dirs, h.ID)
	d.mu.Unlock()
	removeWorkspaceDir(d.opts.BaseDir, dir)
	return nil
}

// List returns every container this driver has labeled as a sandbox.
func (d *Driver) List(ctx context.Context) ([]sandbox.Handle, error) {
	cmd := exec.CommandContext(ctx, "docker", "ps", "-a",
		"--filter", "label="+labelKey,
		"--format", "{{.Names}}\t{{.CreatedAt}}")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("docker ps: %w", err)
	}
	return parsePS(string(out)), nil
}

func parsePS(raw string) []sandbox.Handle {
	var handles []sandbox.Handle
	for _, line := range strings.Split(strings.TrimSpace(raw), "\n") {
		if line == "" {
			continue
		}
		fields := strings.SplitN(line, "\t", 2)
		if len(fields) == 0 || fields[0] == "" {
			continue
		}
		h := sandbox.Handle{ID: fields[0], Backend: "container"}
		if len(fields) == 2 {
			if t, err := time.Parse("2006-01-02 15:04:05 -0700 MST", strings.TrimSpace(fields[1])); err == nil {
				h.CreatedAt = t
			}
		}
		handles = append(handles, h)
	}
	return handles
}
