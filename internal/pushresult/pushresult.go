// Package pushresult classifies dolt push output into a structured
// outcome. Classification is pure: same input, same variant.
package pushresult

import (
	"regexp"
	"strings"

	"github.com/embranch/embranch/internal/doltcli"
)

// Variant tags the push outcome.
type Variant string

const (
	UpToDate           Variant = "up_to_date"
	NewBranch          Variant = "new_branch"
	CommitRange        Variant = "commit_range"
	ForcePush          Variant = "force_push"
	Rejected           Variant = "rejected"
	AuthFailed         Variant = "auth_failed"
	NetworkError       Variant = "network_error"
	PermissionDenied   Variant = "permission_denied"
	RepositoryNotFound Variant = "repository_not_found"
	Unknown            Variant = "unknown"
)

// Result is the classified outcome of a dolt push invocation.
type Result struct {
	Variant       Variant
	Success       bool
	From          string // CommitRange only
	To            string // CommitRange only
	Target        string // branch on the remote, when known
	CommitsPushed int    // 0 for up-to-date, -1 when unknown
	RemoteURL     string // from the "To <url>" line, when present
	Message       string
}

var (
	upToDateRe    = regexp.MustCompile(`(?i)everything up-to-date`)
	newBranchRe   = regexp.MustCompile(`(?m)^\s*\*\s*\[new branch\]\s+(\S+)\s*->\s*(\S+)`)
	commitRangeRe = regexp.MustCompile(`(?m)^\s+([0-9a-f]+)\.\.([0-9a-f]+)\s+(\S+)\s*->\s*(\S+)`)
	forcedRe      = regexp.MustCompile(`(?m)^\s*\+\s+\S+\.\.\.?\S+\s+(\S+)\s*->\s*(\S+)`)
	remoteURLRe   = regexp.MustCompile(`(?m)^To (\S+)`)
)

// Classify turns a push command result into a Result. First matching
// rule wins; failures are classified by stderr keyword sets.
func Classify(res doltcli.Result) Result {
	out := Result{Success: res.Success, RemoteURL: extractRemoteURL(res)}

	if res.Success {
		combined := res.Output
		if combined == "" {
			combined = res.Error // dolt writes progress to stderr on some builds
		}
		switch {
		case upToDateRe.MatchString(combined):
			out.Variant = UpToDate
			out.CommitsPushed = 0
			out.Message = "Everything up-to-date"
		case newBranchRe.MatchString(combined):
			m := newBranchRe.FindStringSubmatch(combined)
			out.Variant = NewBranch
			out.Target = m[2]
			out.CommitsPushed = -1 // unknown, callers may recompute from the log
			out.Message = "Pushed new branch " + m[2]
		case commitRangeRe.MatchString(combined):
			m := commitRangeRe.FindStringSubmatch(combined)
			out.Variant = CommitRange
			out.From, out.To, out.Target = m[1], m[2], m[4]
			out.CommitsPushed = -1
			out.Message = "Pushed " + m[1] + ".." + m[2] + " to " + m[4]
		case strings.Contains(strings.ToLower(combined), "forced update") || forcedRe.MatchString(combined):
			out.Variant = ForcePush
			out.CommitsPushed = -1
			out.Message = "Force push completed"
			if m := forcedRe.FindStringSubmatch(combined); m != nil {
				out.Target = m[2]
			}
		default:
			out.Variant = Unknown
			out.CommitsPushed = -1
			out.Message = "Push completed successfully"
		}
		return out
	}

	// Keyword classification reads stderr only; stdout may quote branch
	// names or remote paths that collide with the keyword sets.
	stderr := strings.ToLower(res.Error)
	switch {
	case containsAny(stderr, "authentication failed", "401", "credentials invalid"):
		out.Variant = AuthFailed
		out.Message = "Authentication to the remote failed"
	case containsAny(stderr, "rejected", "non-fast-forward", "fetch first"):
		out.Variant = Rejected
		out.Message = "Push rejected by the remote"
	case containsAny(stderr, "could not resolve host", "timeout", "unreachable"):
		out.Variant = NetworkError
		out.Message = "Could not reach the remote"
	case containsAny(stderr, "permission denied", "403"):
		out.Variant = PermissionDenied
		out.Message = "Permission denied by the remote"
	case containsAny(stderr, "not found", "404"):
		out.Variant = RepositoryNotFound
		out.Message = "Remote repository not found"
	default:
		out.Variant = Unknown
		out.Message = firstNonEmpty(res.Error, res.Output, "push failed")
	}
	return out
}

func extractRemoteURL(res doltcli.Result) string {
	for _, s := range []string{res.Output, res.Error} {
		if m := remoteURLRe.FindStringSubmatch(s); m != nil {
			return m[1]
		}
	}
	return ""
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
