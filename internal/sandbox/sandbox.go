// Package sandbox defines the ephemeral execution environment a task runs
// in: provisioning, command execution, file transfer, and teardown, behind
// a Driver interface with container and remote implementations.
package sandbox

import (
	"context"
	"fmt"
	"io/fs"
	"strings"
	"time"
)

// NamePrefix is prepended to every sandbox name this engine provisions, so
// the orphan sweeper can identify owned resources unambiguously among
// whatever else lives on the backend.
const NamePrefix = "ai-code-task-"

// WorkspacePath is the absolute path of the single writable workspace
// mount inside every sandbox, identical across driver variants so callers
// can build absolute paths (askpass scripts, prompt files) without asking
// the driver.
const WorkspacePath = "/workspace"

// Name derives the sandbox name for a task identifier.
func Name(taskID string) string {
	return NamePrefix + taskID
}

// TaskID recovers the task identifier from a sandbox name, or "" if the
// name was not created by this engine.
func TaskID(name string) string {
	if rest, ok := strings.CutPrefix(name, NamePrefix); ok {
		return rest
	}
	return ""
}

// Handle identifies a provisioned sandbox instance. Its zero value is
// never valid; Provision always returns a non-empty Handle on success.
type Handle struct {
	ID string

	// Backend names which Driver variant owns this handle ("container" or
	// "remote"), so a crash-recovery sweep can route teardown to the right
	// driver without re-probing.
	Backend string

	CreatedAt time.Time
}

// ResourceLimits bounds what a provisioned sandbox may consume. Zero
// values mean "use the driver's built-in default", not "unlimited".
type ResourceLimits struct {
	CPUs      float64
	MemoryMiB int64
	DiskMiB   int64
	Lifetime  time.Duration
}

// Cmd is one command execution request inside a sandbox.
type Cmd struct {
	Argv []string

	// Cwd is relative to the sandbox's workspace root; "" means the root.
	Cwd string

	// Env holds extra KEY=VALUE pairs added to the sandbox's base
	// environment for this command only. Credentials ride here, never on
	// Argv.
	Env []string

	Stdin []byte
}

// Result is the outcome of a single command run inside a sandbox.
type Result struct {
	ExitCode int
	Stdout   []byte
	Stderr   []byte

	// TimedOut reports that the command was killed because the caller's
	// context deadline expired before it finished.
	TimedOut bool

	// StdoutTruncated/StderrTruncated report whether the corresponding
	// stream was cut off by the ring buffer's byte cap before the command
	// exited.
	StdoutTruncated bool
	StderrTruncated bool
}

// Driver is the capability a sandbox backend must provide. Every method
// that can block on external state takes a context so the caller can
// enforce its own deadline independent of the driver's internals.
type Driver interface {
	// Provision allocates a fresh, isolated sandbox named name and returns
	// its handle. The sandbox has no workspace contents until WriteFile or
	// a Run'd git clone populates one.
	Provision(ctx context.Context, name string, limits ResourceLimits) (Handle, error)

	// Run executes cmd inside the sandbox identified by h and returns its
	// captured output. A context deadline kills the command and surfaces
	// as Result.TimedOut, not an error: a timeout is a domain outcome the
	// runner maps, not a transport failure.
	Run(ctx context.Context, h Handle, cmd Cmd) (Result, error)

	// WriteFile writes data to path inside the sandbox's workspace with
	// the given mode.
	WriteFile(ctx context.Context, h Handle, path string, data []byte, mode fs.FileMode) error

	// ReadFile reads path from inside the sandbox's workspace.
	ReadFile(ctx context.Context, h Handle, path string) ([]byte, error)

	// Teardown releases the sandbox and all resources it holds. Teardown
	// must be safe to call on a handle whose backing resource is already
	// gone (e.g. a container a human removed out-of-band) — it should
	// succeed rather than error in that case, so orphan sweeps are
	// idempotent.
	Teardown(ctx context.Context, h Handle) error

	// List returns handles for every sandbox this driver currently
	// believes is live, for the orphan sweeper to cross-check against the
	// task store.
	List(ctx context.Context) ([]Handle, error)
}

// ProvisionReason classifies why Provision failed, so callers (and the
// fleet's retry/backoff policy) can distinguish transient capacity issues
// from permanent configuration errors.
type ProvisionReason string

// Provision failure reasons.
const (
	ReasonQuota           ProvisionReason = "quota"
	ReasonAuth            ProvisionReason = "auth"
	ReasonTemplateMissing ProvisionReason = "template_missing"
	ReasonTransport       ProvisionReason = "transport"
)

// ProvisionError reports a structured Provision failure.
type ProvisionError struct {
	Reason ProvisionReason
	Err    error
}

func (e *ProvisionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sandbox: provision failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("sandbox: provision failed (%s)", e.Reason)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// Retryable reports whether the fleet supervisor should retry provisioning
// after backing off, versus surfacing the failure immediately. Quota and
// transport problems clear themselves; auth and template problems don't.
func (e *ProvisionError) Retryable() bool {
	return e.Reason == ReasonQuota || e.Reason == ReasonTransport
}
