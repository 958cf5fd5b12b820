// Package doltcli drives the external dolt executable.
//
// The driver spawns dolt with the repository root as working directory,
// captures stdout/stderr/exit code, and returns a uniform Result. It
// never interprets failures beyond timeouts; classification belongs to
// the callers (push classification lives in internal/pushresult).
package doltcli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/embranch/embranch/internal/debug"
	"github.com/embranch/embranch/internal/errkind"
)

// DefaultTimeout bounds every dolt invocation unless overridden.
const DefaultTimeout = 60 * time.Second

// Result is the uniform outcome of one dolt invocation.
type Result struct {
	Success  bool
	Output   string // stdout, trimmed
	Error    string // stderr, trimmed
	ExitCode int
}

// Driver spawns the dolt CLI against a single repository root.
type Driver struct {
	RepoPath   string
	Executable string        // resolved via PATH when empty
	Timeout    time.Duration // DefaultTimeout when zero
}

// New returns a driver for the repository at repoPath.
func New(repoPath string) *Driver {
	return &Driver{RepoPath: repoPath}
}

func (d *Driver) executable() string {
	if d.Executable != "" {
		return d.Executable
	}
	return "dolt"
}

func (d *Driver) timeout() time.Duration {
	if d.Timeout > 0 {
		return d.Timeout
	}
	return DefaultTimeout
}

// Run invokes dolt with the given arguments. Timeout failures carry
// errkind.TimedOut; the driver never retries.
func (d *Driver) Run(ctx context.Context, args ...string) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout())
	defer cancel()

	cmd := exec.CommandContext(ctx, d.executable(), args...)
	cmd.Dir = d.RepoPath

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	debug.Logf("doltcli: dolt %s", strings.Join(args, " "))
	err := cmd.Run()

	res := Result{
		Output: strings.TrimSpace(stdout.String()),
		Error:  strings.TrimSpace(stderr.String()),
	}

	if ctx.Err() == context.DeadlineExceeded {
		res.ExitCode = -1
		return res, errkind.Wrap(errkind.TimedOut,
			fmt.Sprintf("dolt %s timed out after %s", firstArg(args), d.timeout()), ctx.Err())
	}

	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil // non-zero exit is surfaced in the Result, not as error
		}
		// Launch failure (binary missing, permission, ...).
		res.ExitCode = -1
		return res, fmt.Errorf("failed to run dolt: %w", err)
	}

	res.Success = true
	return res, nil
}

func firstArg(args []string) string {
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

// CheckAvailable reports whether the dolt executable can be invoked.
func (d *Driver) CheckAvailable(ctx context.Context) bool {
	res, err := d.Run(ctx, "version")
	return err == nil && res.Success
}

// IsInitialized reports whether RepoPath contains a Dolt repository.
func (d *Driver) IsInitialized() bool {
	info, err := os.Stat(filepath.Join(d.RepoPath, ".dolt"))
	return err == nil && info.IsDir()
}

// Init runs dolt init in the repository root.
func (d *Driver) Init(ctx context.Context) (Result, error) {
	return d.Run(ctx, "init")
}

// Clone clones url into the repository root. The root must not already
// contain a repository; callers handle the force-over-empty recovery
// path themselves. A branch may be requested at clone time; a commit is
// reached by a follow-up checkout.
func (d *Driver) Clone(ctx context.Context, url, branch string) (Result, error) {
	if err := os.MkdirAll(d.RepoPath, 0o755); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("failed to create repo dir: %w", err)
	}
	args := []string{"clone"}
	if branch != "" {
		args = append(args, "--branch", branch)
	}
	args = append(args, url, ".")
	return d.Run(ctx, args...)
}

// Checkout switches to ref, optionally creating it as a branch.
func (d *Driver) Checkout(ctx context.Context, ref string, createBranch bool) (Result, error) {
	args := []string{"checkout"}
	if createBranch {
		args = append(args, "-b")
	}
	args = append(args, ref)
	return d.Run(ctx, args...)
}

// Commit stages everything and commits with the given message.
func (d *Driver) Commit(ctx context.Context, message string) (Result, error) {
	return d.Run(ctx, "commit", "-Am", message)
}

// Pull pulls branch from remote.
func (d *Driver) Pull(ctx context.Context, remote, branch string) (Result, error) {
	return d.Run(ctx, "pull", remote, branch)
}

// Push pushes branch to remote.
func (d *Driver) Push(ctx context.Context, remote, branch string, force bool) (Result, error) {
	args := []string{"push"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, remote, branch)
	return d.Run(ctx, args...)
}

// Fetch fetches from remote.
func (d *Driver) Fetch(ctx context.Context, remote string) (Result, error) {
	return d.Run(ctx, "fetch", remote)
}

// Merge merges ref into the current branch.
func (d *Driver) Merge(ctx context.Context, ref string) (Result, error) {
	return d.Run(ctx, "merge", ref)
}

// ResetMode selects the dolt reset behavior.
type ResetMode string

const (
	ResetSoft  ResetMode = "--soft"
	ResetHard  ResetMode = "--hard"
	ResetMixed ResetMode = "" // dolt default
)

// Reset resets the working set to ref.
func (d *Driver) Reset(ctx context.Context, ref string, mode ResetMode) (Result, error) {
	args := []string{"reset"}
	if mode != ResetMixed {
		args = append(args, string(mode))
	}
	if ref != "" {
		args = append(args, ref)
	}
	return d.Run(ctx, args...)
}

// AddRemote registers a named remote.
func (d *Driver) AddRemote(ctx context.Context, name, url string) (Result, error) {
	return d.Run(ctx, "remote", "add", name, url)
}

// SetRemoteURL repoints an existing remote, adding it when missing.
func (d *Driver) SetRemoteURL(ctx context.Context, name, url string) (Result, error) {
	remotes, err := d.ListRemotes(ctx)
	if err != nil {
		return Result{ExitCode: -1}, err
	}
	for _, r := range remotes {
		if r.Name == name {
			if res, rerr := d.Run(ctx, "remote", "remove", name); rerr != nil || !res.Success {
				return res, rerr
			}
			break
		}
	}
	return d.AddRemote(ctx, name, url)
}

// Query runs a SQL query and returns its JSON result rows. Callers are
// responsible for escaping embedded values (see QuoteString/QuoteJSON).
func (d *Driver) Query(ctx context.Context, sql string) (Result, error) {
	return d.Run(ctx, "sql", "--query", sql, "--result-format", "json")
}

// Execute runs a SQL statement for effect.
func (d *Driver) Execute(ctx context.Context, sql string) (Result, error) {
	return d.Run(ctx, "sql", "--query", sql)
}

// Log returns up to limit commits, newest first.
func (d *Driver) Log(ctx context.Context, limit int) ([]Commit, error) {
	args := []string{"log"}
	if limit > 0 {
		args = append(args, "-n", strconv.Itoa(limit))
	}
	res, err := d.Run(ctx, args...)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, errkind.New(errkind.NotInitialized, "dolt log failed: "+res.Error).
			WithAction("run embranch init or configure a remote and clone")
	}
	return parseLog(res.Output), nil
}

// CommitCount returns the number of commits reachable from HEAD, up to
// max. Used by the emptiness heuristic, which only cares about "more
// than two".
func (d *Driver) CommitCount(ctx context.Context, max int) (int, error) {
	commits, err := d.Log(ctx, max)
	if err != nil {
		return 0, err
	}
	return len(commits), nil
}

// Status parses dolt status output.
func (d *Driver) Status(ctx context.Context) (*Status, error) {
	res, err := d.Run(ctx, "status")
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, errkind.New(errkind.NotInitialized, "dolt status failed: "+res.Error)
	}
	return parseStatus(res.Output), nil
}

// CurrentBranch returns the checked-out branch, or "" on detached HEAD.
func (d *Driver) CurrentBranch(ctx context.Context) (string, error) {
	st, err := d.Status(ctx)
	if err != nil {
		return "", err
	}
	if st.Detached {
		return "", nil
	}
	return st.Branch, nil
}

// HeadCommitHash returns the hash of HEAD, or "" when the repository
// has no commits yet.
func (d *Driver) HeadCommitHash(ctx context.Context) (string, error) {
	commits, err := d.Log(ctx, 1)
	if err != nil {
		if errkind.Is(err, errkind.NotInitialized) {
			return "", nil
		}
		return "", err
	}
	if len(commits) == 0 {
		return "", nil
	}
	return commits[0].Hash, nil
}

// ListRemotes parses dolt remote -v into deduplicated entries.
func (d *Driver) ListRemotes(ctx context.Context) ([]Remote, error) {
	res, err := d.Run(ctx, "remote", "-v")
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, errkind.New(errkind.NotInitialized, "dolt remote failed: "+res.Error)
	}
	return parseRemotes(res.Output), nil
}

// ListBranches returns local branch names.
func (d *Driver) ListBranches(ctx context.Context) ([]string, error) {
	res, err := d.Run(ctx, "branch")
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, errkind.New(errkind.NotInitialized, "dolt branch failed: "+res.Error)
	}
	var branches []string
	for _, line := range strings.Split(res.Output, "\n") {
		line = strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "*"))
		if line != "" {
			branches = append(branches, line)
		}
	}
	return branches, nil
}
