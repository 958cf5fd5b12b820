// Package initializer reconciles the local Dolt repository against the
// project manifest at startup. It clones, checks out, or marks the
// workstation pending/out-of-sync, and it never destroys uncommitted
// work.
package initializer

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/embranch/embranch/internal/config"
	"github.com/embranch/embranch/internal/debug"
	"github.com/embranch/embranch/internal/doltcli"
	"github.com/embranch/embranch/internal/doltstore"
	"github.com/embranch/embranch/internal/errkind"
	"github.com/embranch/embranch/internal/manifest"
	"github.com/embranch/embranch/internal/syncengine"
)

// Status summarises what startup reconciliation concluded.
type Status string

const (
	// StatusReady means local state matches the manifest (possibly
	// after a clone or checkout).
	StatusReady Status = "ready"
	// StatusPendingConfiguration means no repository exists and no
	// remote is configured; set_remote then clone is the recovery path.
	StatusPendingConfiguration Status = "pending_configuration"
	// StatusOutOfSync means local state differs from the manifest and
	// reconciling automatically would risk losing work.
	StatusOutOfSync Status = "out_of_sync"
	// StatusDisabled means manifest-driven startup is turned off.
	StatusDisabled Status = "disabled"
)

// Outcome reports the startup decision.
type Outcome struct {
	Status     Status `json:"status"`
	Cloned     bool   `json:"cloned,omitempty"`
	CheckedOut string `json:"checked_out,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// Initializer holds the collaborators startup reconciliation needs.
type Initializer struct {
	cfg    *config.Config
	driver *doltcli.Driver
	store  *doltstore.Store
	engine *syncengine.Engine
}

// New wires an initializer.
func New(cfg *config.Config, driver *doltcli.Driver, store *doltstore.Store, engine *syncengine.Engine) *Initializer {
	return &Initializer{cfg: cfg, driver: driver, store: store, engine: engine}
}

// Run executes the startup decision tree once.
//
// A missing repository with no remote configured is left alone: running
// dolt init here would create an empty repository that blocks every
// later clone, so the system enters PendingConfiguration instead.
func (i *Initializer) Run(ctx context.Context) (*Outcome, error) {
	if !i.cfg.UseManifest || i.cfg.InitMode == manifest.InitDisabled {
		return &Outcome{Status: StatusDisabled, Reason: "manifest-driven startup disabled"}, nil
	}

	m, err := manifest.Read(i.cfg.ProjectRoot)
	if err != nil {
		return nil, err
	}
	if m == nil {
		m, err = manifest.CreateDefault(i.cfg.ProjectRoot, i.cfg.RemoteURLSeed, "main", i.cfg.InitMode)
		if err != nil {
			return nil, err
		}
		debug.Infof("initializer: created default manifest")
	}

	if !i.driver.IsInitialized() {
		if m.Dolt.RemoteURL == nil || *m.Dolt.RemoteURL == "" {
			return &Outcome{
				Status: StatusPendingConfiguration,
				Reason: "no local repository and no remote configured",
			}, nil
		}
		return i.cloneFromManifest(ctx, m)
	}

	state, err := i.engine.Checker().Check(ctx)
	if err != nil {
		return nil, err
	}
	if state.InSync {
		return &Outcome{Status: StatusReady}, nil
	}

	target, pinned := manifestTarget(m)
	if target == "" {
		// Manifest has no target yet (fresh manifest over an existing
		// repo); adopt the local state instead of changing it.
		if err := i.recordLocalState(ctx); err != nil {
			return nil, err
		}
		return &Outcome{Status: StatusReady, Reason: "manifest adopted local state"}, nil
	}

	if i.cfg.InitMode == manifest.InitAuto && state.SafeToSync() {
		out, err := i.engine.ProcessCheckout(ctx, target, false)
		if err != nil {
			return nil, fmt.Errorf("failed to reconcile to %s: %w", target, err)
		}
		if pinned != "" {
			// The branch checkout keeps HEAD attached; verify its tip
			// actually reached the pinned commit.
			state, err = i.engine.Checker().Check(ctx)
			if err != nil {
				return nil, err
			}
			if !state.InSync {
				return &Outcome{Status: StatusOutOfSync, CheckedOut: out.Ref, Reason: state.Reason}, nil
			}
		}
		return &Outcome{Status: StatusReady, CheckedOut: out.Ref}, nil
	}

	return &Outcome{Status: StatusOutOfSync, Reason: state.Reason}, nil
}

func (i *Initializer) cloneFromManifest(ctx context.Context, m *manifest.Manifest) (*Outcome, error) {
	branch := m.Dolt.DefaultBranch
	named := m.Dolt.CurrentBranch != nil && *m.Dolt.CurrentBranch != ""
	if named {
		branch = *m.Dolt.CurrentBranch
	}
	res, err := i.driver.Clone(ctx, *m.Dolt.RemoteURL, branch)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, errkind.New(errkind.NetworkError, "clone failed: "+res.Error).
			WithAction("verify the remote URL with set_remote, then retry")
	}

	out := &Outcome{Status: StatusReady, Cloned: true}
	pinned := ""
	if m.Dolt.CurrentCommit != nil {
		pinned = *m.Dolt.CurrentCommit
	}
	switch {
	case pinned == "":
	case !named:
		// Only a branch-less manifest pins HEAD to a bare commit; that
		// checkout detaches, which the manifest shape promises.
		cres, err := i.driver.Checkout(ctx, pinned, false)
		if err != nil {
			return nil, err
		}
		if !cres.Success {
			return nil, errkind.New(errkind.NotFound, "manifest commit not found after clone: "+cres.Error)
		}
		out.CheckedOut = pinned
	default:
		// A named branch stays checked out; verify its tip against the
		// pin and report divergence rather than detaching.
		head, err := i.driver.HeadCommitHash(ctx)
		if err != nil {
			return nil, err
		}
		if !commitMatches(head, pinned) {
			out.Status = StatusOutOfSync
			out.Reason = fmt.Sprintf("cloned %s is at %s, manifest pins %s", branch, head, pinned)
			return out, nil
		}
	}
	if err := i.recordLocalState(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

// Clone clones url into the repository path for the set_remote recovery
// flow. force permits replacing an existing repository, but only when
// the emptiness heuristic proves nothing would be lost. Clone replaces
// the working copy, so it runs under the engine's write lock and can
// never interleave with a push, pull, or checkout.
func (i *Initializer) Clone(ctx context.Context, url string, force bool) (*Outcome, error) {
	var out *Outcome
	err := i.engine.WithWriteLock(func() error {
		var cerr error
		out, cerr = i.cloneLocked(ctx, url, force)
		return cerr
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (i *Initializer) cloneLocked(ctx context.Context, url string, force bool) (*Outcome, error) {
	if i.driver.IsInitialized() {
		if !force {
			return nil, errkind.New(errkind.AlreadyInitialized, "a Dolt repository already exists").
				WithAction("pass force=true to replace an empty repository")
		}
		empty, err := i.IsRepositoryEmpty(ctx)
		if err != nil {
			return nil, err
		}
		if !empty {
			return nil, errkind.New(errkind.Conflict, "existing repository has data; refusing to replace it").
				WithAction("push or back up the existing repository first")
		}
		if err := os.RemoveAll(i.cfg.RepoPath); err != nil {
			return nil, fmt.Errorf("failed to remove empty repository: %w", err)
		}
		debug.Warnf("initializer: removed empty repository at %s for forced clone", i.cfg.RepoPath)
	}

	res, err := i.driver.Clone(ctx, url, "")
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, errkind.New(errkind.NetworkError, "clone failed: "+res.Error).
			WithAction("verify the remote URL, then retry")
	}
	if m, merr := manifest.Read(i.cfg.ProjectRoot); merr == nil && m != nil {
		if _, serr := manifest.SetRemote(i.cfg.ProjectRoot, url); serr != nil {
			debug.Warnf("initializer: could not record remote in manifest: %v", serr)
		}
	}
	if err := i.recordLocalState(ctx); err != nil {
		return nil, err
	}
	return &Outcome{Status: StatusReady, Cloned: true}, nil
}

// IsRepositoryEmpty reports whether the local repository can be
// discarded safely: at most two commits, no documents rows, and no user
// tables beyond the sync schema.
func (i *Initializer) IsRepositoryEmpty(ctx context.Context) (bool, error) {
	count, err := i.driver.CommitCount(ctx, 3)
	if err != nil {
		if errkind.Is(err, errkind.NotInitialized) {
			count = 0
		} else {
			return false, err
		}
	}
	if count > 2 {
		return false, nil
	}

	docs, err := i.store.CountDocuments(ctx)
	if err != nil {
		if !errkind.Is(err, errkind.SchemaMissing) {
			return false, err
		}
		docs = 0
	}
	if docs > 0 {
		return false, nil
	}

	tables, err := i.store.UserTables(ctx)
	if err != nil {
		return false, err
	}
	return len(tables) == 0, nil
}

func (i *Initializer) recordLocalState(ctx context.Context) error {
	if m, err := manifest.Read(i.cfg.ProjectRoot); err != nil {
		return err
	} else if m == nil {
		return nil
	}
	branch, err := i.driver.CurrentBranch(ctx)
	if err != nil {
		return err
	}
	hash, err := i.driver.HeadCommitHash(ctx)
	if err != nil {
		return err
	}
	_, err = manifest.UpdateDoltState(i.cfg.ProjectRoot, branch, hash)
	return err
}

// manifestTarget picks the checkout target plus the commit to verify
// afterwards. A named branch wins so reconciliation keeps HEAD
// attached; only a branch-less manifest yields a bare commit target,
// and that one needs no post-checkout verification.
func manifestTarget(m *manifest.Manifest) (ref, pinned string) {
	if m.Dolt.CurrentCommit != nil {
		pinned = *m.Dolt.CurrentCommit
	}
	if m.Dolt.CurrentBranch != nil && *m.Dolt.CurrentBranch != "" {
		return *m.Dolt.CurrentBranch, pinned
	}
	return pinned, ""
}

// commitMatches tolerates the short-vs-full hash mismatch between log
// output and manifest entries.
func commitMatches(a, b string) bool {
	if a == "" || b == "" {
		return false
	}
	return strings.HasPrefix(a, b) || strings.HasPrefix(b, a)
}
