// Package syncstate compares the local Dolt HEAD against the manifest
// and caches the classification. Any driver call that can move HEAD,
// and any manifest write, invalidates the cache; an fsnotify watcher
// extends invalidation to manifest writes by other processes.
package syncstate

import (
	"context"
	"strings"
	"sync"

	"github.com/embranch/embranch/internal/debug"
	"github.com/embranch/embranch/internal/doltcli"
	"github.com/embranch/embranch/internal/manifest"
)

// Result is the ephemeral sync classification.
type Result struct {
	InSync               bool   `json:"in_sync"`
	HasLocalChanges      bool   `json:"has_local_changes"`
	LocalAheadOfManifest bool   `json:"local_ahead_of_manifest"`
	LocalBranch          string `json:"local_branch,omitempty"`
	LocalCommit          string `json:"local_commit,omitempty"`
	ManifestBranch       string `json:"manifest_branch,omitempty"`
	ManifestCommit       string `json:"manifest_commit,omitempty"`
	Reason               string `json:"reason,omitempty"`
}

// SafeToSync reports whether a checkout may proceed without losing
// work: clean tree and not ahead of the manifest.
func (r *Result) SafeToSync() bool {
	return !r.HasLocalChanges && !r.LocalAheadOfManifest
}

// Checker computes and caches sync state for one project root.
type Checker struct {
	root   string
	driver *doltcli.Driver

	mu     sync.Mutex
	cached *Result
}

// New returns a checker for root using the given driver.
func New(root string, driver *doltcli.Driver) *Checker {
	return &Checker{root: root, driver: driver}
}

// Invalidate drops the cached result. Called by every operation that
// may move HEAD or rewrite the manifest, before the write lock is
// released, so later readers never see a stale classification.
func (c *Checker) Invalidate() {
	c.mu.Lock()
	c.cached = nil
	c.mu.Unlock()
}

// Check returns the current classification, computing it on a cache
// miss.
func (c *Checker) Check(ctx context.Context) (*Result, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached != nil {
		return c.cached, nil
	}
	res, err := c.compute(ctx)
	if err != nil {
		return nil, err
	}
	c.cached = res
	return res, nil
}

func (c *Checker) compute(ctx context.Context) (*Result, error) {
	res := &Result{}

	m, err := manifest.Read(c.root)
	if err != nil {
		return nil, err
	}
	if m == nil {
		res.Reason = "no manifest"
		res.InSync = true // nothing to diverge from
		return res, nil
	}
	if m.Dolt.CurrentBranch != nil {
		res.ManifestBranch = *m.Dolt.CurrentBranch
	}
	if m.Dolt.CurrentCommit != nil {
		res.ManifestCommit = *m.Dolt.CurrentCommit
	}

	if !c.driver.IsInitialized() {
		res.Reason = "no local repository"
		res.InSync = res.ManifestBranch == "" && res.ManifestCommit == ""
		return res, nil
	}

	st, err := c.driver.Status(ctx)
	if err != nil {
		return nil, err
	}
	res.HasLocalChanges = !st.Clean
	if !st.Detached {
		res.LocalBranch = st.Branch
	}

	res.LocalCommit, err = c.driver.HeadCommitHash(ctx)
	if err != nil {
		return nil, err
	}

	branchMatches := res.LocalBranch == res.ManifestBranch
	commitMatches := commitEqual(res.LocalCommit, res.ManifestCommit)
	res.InSync = branchMatches && commitMatches && !res.HasLocalChanges

	if !commitMatches && res.ManifestCommit != "" && res.LocalCommit != "" {
		ahead, err := c.isAncestor(ctx, res.ManifestCommit, res.LocalCommit)
		if err == nil {
			res.LocalAheadOfManifest = ahead
		}
	}

	switch {
	case res.InSync:
	case res.HasLocalChanges:
		res.Reason = "working tree has uncommitted changes"
	case !branchMatches:
		res.Reason = "local branch differs from manifest"
	case !commitMatches:
		res.Reason = "local commit differs from manifest"
	}
	debug.Logf("syncstate: in_sync=%v local=%s@%s manifest=%s@%s",
		res.InSync, res.LocalBranch, res.LocalCommit, res.ManifestBranch, res.ManifestCommit)
	return res, nil
}

// commitEqual tolerates the short-vs-full hash mismatch between log
// output and manifest entries.
func commitEqual(a, b string) bool {
	if a == "" || b == "" {
		return a == b
	}
	return strings.HasPrefix(a, b) || strings.HasPrefix(b, a)
}

// isAncestor reports whether ancestor is reachable from descendant but
// not equal to it. Walks the recent log rather than shelling out to a
// merge-base command dolt does not offer.
func (c *Checker) isAncestor(ctx context.Context, ancestor, descendant string) (bool, error) {
	commits, err := c.driver.Log(ctx, 200)
	if err != nil {
		return false, err
	}
	seenDescendant := false
	for _, commit := range commits {
		if commitEqual(commit.Hash, descendant) {
			seenDescendant = true
			continue
		}
		if seenDescendant && commitEqual(commit.Hash, ancestor) {
			return true, nil
		}
	}
	return false, nil
}
