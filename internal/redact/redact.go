// Package redact filters credential material out of strings before they
// reach the task store, the logs, or an API response. It combines
// shape-based patterns for well-known secret formats with an exact-match
// scrub of the secrets the caller knows it is currently holding.
package redact

import (
	"regexp"
	"strings"
)

// Mask replaces every scrubbed secret.
const Mask = "[redacted]"

// secretShapes match well-known secret formats. Pattern strings are split
// so they don't match themselves when this file is itself diffed.
var secretShapes = []*regexp.Regexp{
	regexp.MustCompile(`gh` + `p_[A-Za-z0-9_]{20,}`),
	regexp.MustCompile(`gh` + `o_[A-Za-z0-9_]{20,}`),
	regexp.MustCompile(`gh` + `s_[A-Za-z0-9_]{20,}`),
	regexp.MustCompile(`github` + `_pat_[A-Za-z0-9_]{22,}`),
	regexp.MustCompile(`sk` + `-ant-[A-Za-z0-9-_]{20,}`),
	regexp.MustCompile(`sk` + `-[A-Za-z0-9]{20,}`),
	regexp.MustCompile(`AK` + `IA[0-9A-Z]{16}`),
	// Three dot-separated base64url segments, the JWT envelope.
	regexp.MustCompile(`ey` + `J[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}`),
}

// String scrubs s: every occurrence of each known secret value is masked
// first (so a credential that matches no shape still never leaks), then
// anything matching a well-known secret shape.
func String(s string, secrets ...string) string {
	for _, sec := range secrets {
		if sec == "" {
			continue
		}
		s = strings.ReplaceAll(s, sec, Mask)
	}
	for _, re := range secretShapes {
		s = re.ReplaceAllString(s, Mask)
	}
	return s
}

// Error scrubs err's message; returns "" for a nil error.
func Error(err error, secrets ...string) string {
	if err == nil {
		return ""
	}
	return String(err.Error(), secrets...)
}
