package doltcli

import (
	"strings"
	"time"
)

// Remote is one deduplicated entry from dolt remote -v.
type Remote struct {
	Name string
	URL  string
}

// Commit is one entry from dolt log.
type Commit struct {
	Hash    string
	Author  string
	Date    time.Time
	Message string
}

// Status is the parsed dolt status output.
type Status struct {
	Branch   string
	Detached bool
	Clean    bool
	Changes  []string // table names with staged or unstaged changes
}

// parseRemotes splits dolt remote -v output. Observed dolt builds emit
// space-aligned columns, so fields are split on any whitespace run, not
// only tabs. Fetch and push lines for the same remote collapse into one
// entry; malformed lines are skipped.
func parseRemotes(output string) []Remote {
	var remotes []Remote
	seen := make(map[string]bool)
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			continue
		}
		name := fields[0]
		url := strings.TrimSuffix(fields[1], ",")
		if seen[name] {
			continue
		}
		seen[name] = true
		remotes = append(remotes, Remote{Name: name, URL: url})
	}
	return remotes
}

// parseLog walks dolt log output, which follows the git format:
//
//	commit abcdef123... (HEAD -> main)
//	Author: Name <email>
//	Date:   Mon Jan 02 15:04:05 -0700 2006
//
//	        message line
func parseLog(output string) []Commit {
	var commits []Commit
	var cur *Commit
	var msg []string

	flush := func() {
		if cur != nil {
			cur.Message = strings.TrimSpace(strings.Join(msg, "\n"))
			commits = append(commits, *cur)
		}
		cur = nil
		msg = nil
	}

	for _, line := range strings.Split(output, "\n") {
		switch {
		case strings.HasPrefix(line, "commit "):
			flush()
			hash := strings.TrimPrefix(line, "commit ")
			if i := strings.IndexByte(hash, ' '); i >= 0 {
				hash = hash[:i] // strip decorations like (HEAD -> main)
			}
			cur = &Commit{Hash: strings.TrimSpace(hash)}
		case cur != nil && strings.HasPrefix(line, "Author:"):
			cur.Author = strings.TrimSpace(strings.TrimPrefix(line, "Author:"))
		case cur != nil && strings.HasPrefix(line, "Date:"):
			raw := strings.TrimSpace(strings.TrimPrefix(line, "Date:"))
			if t, err := time.Parse("Mon Jan 02 15:04:05 -0700 2006", raw); err == nil {
				cur.Date = t
			}
		case cur != nil:
			trimmed := strings.TrimSpace(line)
			if trimmed != "" {
				msg = append(msg, trimmed)
			}
		}
	}
	flush()
	return commits
}

// parseStatus reads the branch name, detached-HEAD state, and changed
// tables out of dolt status output.
func parseStatus(output string) *Status {
	st := &Status{Clean: true}
	inChanges := false
	for _, line := range strings.Split(output, "\n") {
		trimmed := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(trimmed, "On branch "):
			st.Branch = strings.TrimSpace(strings.TrimPrefix(trimmed, "On branch "))
		case strings.HasPrefix(trimmed, "HEAD detached"):
			st.Detached = true
		case strings.HasPrefix(trimmed, "Changes to be committed"),
			strings.HasPrefix(trimmed, "Changes not staged for commit"),
			strings.HasPrefix(trimmed, "Untracked tables"),
			strings.HasPrefix(trimmed, "Tables with conflicting changes"):
			st.Clean = false
			inChanges = true
		case trimmed == "" || strings.HasPrefix(trimmed, "("):
			// separators and hint lines like ("use dolt add ...")
		case inChanges:
			// lines like "modified:       documents" or "new table:      sync_log"
			if i := strings.LastIndexByte(trimmed, ':'); i >= 0 {
				table := strings.TrimSpace(trimmed[i+1:])
				if table != "" {
					st.Changes = append(st.Changes, table)
				}
			}
		case strings.Contains(trimmed, "working tree clean") ||
			strings.Contains(trimmed, "working set clean"):
			inChanges = false
		}
	}
	return st
}
