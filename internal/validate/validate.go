package validate

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/sandboxrun/engine/internal/task"
)

// Validatable is implemented by request types that can validate their
// fields.
type Validatable interface {
	Validate() error
}

// maxPromptLen bounds a submitted prompt.
const maxPromptLen = 10_000

var (
	// repoURLRe accepts https URLs of the <host>/<owner>/<repo> shape with
	// conservative character classes; anything fancier (ports, userinfo,
	// query strings) is rejected.
	repoURLRe = regexp.MustCompile(`^https://[A-Za-z0-9.-]+/[A-Za-z0-9_.-]+/[A-Za-z0-9_.-]+$`)

	branchRe = regexp.MustCompile(`^[A-Za-z0-9._/-]{1,255}$`)
)

// RepoURL validates a repository URL.
func RepoURL(s string) error {
	if s == "" {
		return BadRequest("repo_url is required")
	}
	if !repoURLRe.MatchString(s) {
		return BadRequest("repo_url must be an https repository URL").WithDetail("repo_url", s)
	}
	return nil
}

// Branch validates a target branch name.
func Branch(s string) error {
	if s == "" {
		return BadRequest("target_branch is required")
	}
	if !branchRe.MatchString(s) || strings.Contains(s, "..") {
		return BadRequest("target_branch contains invalid characters")
	}
	return nil
}

// Prompt validates a submitted prompt: valid UTF-8, bounded length, and
// no control characters except tab and newline. The prompt's content is
// otherwise unrestricted — injection is prevented structurally by the
// prompt-file transport, not by filtering here.
func Prompt(s string) error {
	if s == "" {
		return BadRequest("prompt is required")
	}
	if len(s) > maxPromptLen {
		return BadRequest("prompt exceeds maximum length").WithDetail("max", maxPromptLen)
	}
	if !utf8.ValidString(s) {
		return BadRequest("prompt is not valid UTF-8")
	}
	for _, r := range s {
		if r == '\n' || r == '\t' || r == '\r' {
			continue
		}
		if r < 0x20 || r == 0x7f {
			return BadRequest("prompt contains control characters")
		}
	}
	return nil
}

// AgentKind validates the agent selector.
func AgentKind(s string) error {
	switch task.AgentKind(s) {
	case task.AgentClaude, task.AgentCodex:
		return nil
	}
	return BadRequest("agent_kind must be one of: claude, codex")
}

// Credential checks a hosting-provider token is present. Its value is
// deliberately not shape-checked: the provider is the authority on what a
// valid token looks like.
func Credential(s string) error {
	if s == "" {
		return BadRequest("credential is required")
	}
	return nil
}
