package workspace

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
)

// maxBinarySize is the threshold above which a binary file triggers a
// warning rather than being allowed through silently.
const maxBinarySize = 500 * 1024 // 500 KB

// secretPattern pairs a compiled regexp with a human description of what
// it matches.
type secretPattern struct {
	re   *regexp.Regexp
	desc string
}

// secretPatterns are compiled regexps matching common secret material in
// diff added lines. Pattern strings are split so they don't match
// themselves when this file is itself diffed.
var secretPatterns = []*secretPattern{
	{regexp.MustCompile(`AK` + `IA[0-9A-Z]{16}`), "AWS access key"},
	{regexp.MustCompile(`-{5}` + `BEGIN\s+(RSA|DSA|EC|OPENSSH|PGP)\s+PRIV` + `ATE\s+KEY-{5}`), "private key"},
	{regexp.MustCompile(`gh` + `p_[A-Za-z0-9_]{36}`), "GitHub personal access token"},
	{regexp.MustCompile(`gh` + `o_[A-Za-z0-9_]{36}`), "GitHub OAuth token"},
	{regexp.MustCompile(`github` + `_pat_[A-Za-z0-9_]{22,}`), "GitHub fine-grained PAT"},
	{regexp.MustCompile(`sk` + `-[A-Za-z0-9]{20,}`), "API secret key"},
	{regexp.MustCompile(`(?i)(pass` + `word|sec` + `ret|to` + `ken|api[_-]?key)\s*[:=]\s*['"][^'"]{8,}`), "hardcoded credential"},
}

// Issue is a single safety finding surfaced from a task's diff.
type Issue struct {
	File   string
	Kind   string // "large_binary" or "secret".
	Detail string
}

// CheckSafety scans unifiedDiff for added secret material and ds for
// oversized binary files. A non-nil error means the blob-size lookup
// itself failed, not that a safety problem was found.
func CheckSafety(ctx context.Context, w *Workspace, ds DiffStat, unifiedDiff string) ([]Issue, error) {
	var issues []Issue

	for _, f := range ds {
		if !f.Binary {
			continue
		}
		size, err := w.blobSize(ctx, f.Path)
		if err != nil {
			// File may have been deleted in this change; nothing to size.
			continue
		}
		if size > maxBinarySize {
			issues = append(issues, Issue{
				File:   f.Path,
				Kind:   "large_binary",
				Detail: fmt.Sprintf("binary file is %s (limit %s)", humanSize(size), humanSize(maxBinarySize)),
			})
		}
	}

	issues = append(issues, scanDiffForSecrets(unifiedDiff)...)
	return issues, nil
}

// blobSize returns the size of the staged blob for path inside the
// sandbox, via `git cat-file -s`.
func (w *Workspace) blobSize(ctx context.Context, path string) (int64, error) {
	res, err := w.run(ctx, "git", "cat-file", "-s", ":"+path)
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(strings.TrimSpace(string(res.Stdout)), 10, 64)
}

// scanDiffForSecrets scans added lines of a unified diff for secret
// patterns, deduplicating by file+kind.
func scanDiffForSecrets(unifiedDiff string) []Issue {
	var issues []Issue
	seen := make(map[string]bool)
	var currentFile string

	scanner := bufio.NewScanner(strings.NewReader(unifiedDiff))
	for scanner.Scan() {
		line := scanner.Text()
		if after, ok := strings.CutPrefix(line, "+++ b/"); ok {
			currentFile = after
			continue
		}
		if !strings.HasPrefix(line, "+") || strings.HasPrefix(line, "+++") {
			continue
		}
		added := line[1:]
		for _, sp := range secretPatterns {
			if !sp.re.MatchString(added) {
				continue
			}
			key := currentFile + ":" + sp.desc
			if seen[key] {
				continue
			}
			seen[key] = true
			slog.Warn("secret pattern matched", "file", currentFile, "pattern", sp.desc)
			issues = append(issues, Issue{
				File:   currentFile,
				Kind:   "secret",
				Detail: fmt.Sprintf("possible %s detected", sp.desc),
			})
		}
	}
	return issues
}

// humanSize formats bytes as a human-readable string.
func humanSize(b int64) string {
	switch {
	case b >= 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(b)/(1024*1024))
	case b >= 1024:
		return fmt.Sprintf("%.0f KB", float64(b)/1024)
	default:
		return fmt.Sprintf("%d B", b)
	}
}
