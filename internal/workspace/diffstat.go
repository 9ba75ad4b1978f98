package workspace

import (
	"strconv"
	"strings"
)

// FileStat is one file's line-change counts from a numstat diff.
type FileStat struct {
	Path    string
	Added   int
	Deleted int
	Binary  bool
}

// DiffStat is the per-file breakdown of a diff.
type DiffStat []FileStat

// Totals aggregates a DiffStat into overall added/deleted line counts and
// the number of touched files.
type Totals struct {
	Added   int
	Deleted int
	Files   int
}

// Totals sums the per-file stats.
func (ds DiffStat) Totals() Totals {
	var t Totals
	for _, f := range ds {
		t.Added += f.Added
		t.Deleted += f.Deleted
		t.Files++
	}
	return t
}

// ParseDiffNumstat parses `git diff --numstat` output into a DiffStat.
// Each line has the format: <added>\t<deleted>\t<path>. Binary files use
// "-\t-\t<path>". Returns nil if there are no changed files.
func ParseDiffNumstat(numstat string) DiffStat {
	numstat = strings.TrimSpace(numstat)
	if numstat == "" {
		return nil
	}
	var files DiffStat
	for _, line := range strings.Split(numstat, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			continue
		}
		fs := FileStat{Path: parts[2]}
		if parts[0] == "-" && parts[1] == "-" {
			fs.Binary = true
		} else {
			fs.Added, _ = strconv.Atoi(parts[0])
			fs.Deleted, _ = strconv.Atoi(parts[1])
		}
		files = append(files, fs)
	}
	return files
}
