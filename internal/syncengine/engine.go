// Package syncengine orchestrates the two-store reconciliation: local
// vector-store changes flow into Dolt commits and out to the remote;
// remote changes flow through Dolt pulls back into the vector store.
//
// One write-path operation runs at a time. Reads (status, log) take the
// read side of the same lock.
package syncengine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/embranch/embranch/internal/changes"
	"github.com/embranch/embranch/internal/chroma"
	"github.com/embranch/embranch/internal/debug"
	"github.com/embranch/embranch/internal/doltcli"
	"github.com/embranch/embranch/internal/doltstore"
	"github.com/embranch/embranch/internal/errkind"
	"github.com/embranch/embranch/internal/manifest"
	"github.com/embranch/embranch/internal/pushresult"
	"github.com/embranch/embranch/internal/syncstate"
	"github.com/embranch/embranch/internal/telemetry"
)

// Engine coordinates the driver, the table store, the vector gateway,
// and the manifest.
type Engine struct {
	root    string
	driver  *doltcli.Driver
	store   *doltstore.Store
	gateway *chroma.Gateway
	checker *syncstate.Checker

	mu sync.RWMutex // write path: checkout, commit, pull, push, merge, reset, manifest writes
}

// New wires an engine.
func New(root string, driver *doltcli.Driver, store *doltstore.Store, gateway *chroma.Gateway, checker *syncstate.Checker) *Engine {
	return &Engine{root: root, driver: driver, store: store, gateway: gateway, checker: checker}
}

// Checker exposes the sync-state checker for response wrapping.
func (e *Engine) Checker() *syncstate.Checker { return e.checker }

// Driver exposes the underlying driver for read-only tools.
func (e *Engine) Driver() *doltcli.Driver { return e.driver }

// RLock/RUnlock expose the read side for read-only Dolt tools, which
// may run concurrently with each other but not with a write-path
// operation.
func (e *Engine) RLock()   { e.mu.RLock() }
func (e *Engine) RUnlock() { e.mu.RUnlock() }

// PushOutcome reports a completed (or refused) push flow.
type PushOutcome struct {
	Changes    *changes.LocalChanges `json:"changes"`
	Committed  bool                  `json:"committed"`
	CommitHash string                `json:"commit_hash,omitempty"`
	Push       pushresult.Result     `json:"push"`
}

// ProcessPush flushes local vector-store changes into Dolt as a commit,
// then pushes. A rejected push leaves all local state untouched.
func (e *Engine) ProcessPush(ctx context.Context, remote, branch string) (*PushOutcome, error) {
	e.mu.Lock()
	defer e.unlockWrite()

	out := &PushOutcome{}

	detected, err := e.detectEnsuringSchema(ctx)
	if err != nil {
		return nil, err
	}
	out.Changes = detected

	if !detected.Empty() {
		if err := e.applyLocalToDolt(ctx, detected); err != nil {
			return nil, err
		}
		msg := commitMessage(detected)
		res, err := e.driver.Commit(ctx, msg)
		if err != nil {
			return nil, err
		}
		if !res.Success && !strings.Contains(strings.ToLower(res.Error+res.Output), "nothing to commit") {
			return nil, errkind.New(errkind.Internal, "commit failed: "+res.Error)
		}
		out.Committed = res.Success
		debug.Infof("syncengine: committed %q", msg)
	}

	var push pushresult.Result
	err = withRetry(ctx, "push", func() error {
		res, err := e.driver.Push(ctx, remote, branch, false)
		if err != nil {
			return err // TimedOut from the driver is retryable
		}
		push = pushresult.Classify(res)
		if push.Variant == pushresult.NetworkError {
			return errkind.New(errkind.NetworkError, push.Message)
		}
		return nil
	})
	if err != nil {
		telemetry.CountSync("push", "error")
		return nil, err
	}
	out.Push = push
	telemetry.CountPushVariant(string(push.Variant))

	switch push.Variant {
	case pushresult.Rejected:
		// Do not advance the manifest past a rejected push.
		return out, errkind.New(errkind.Rejected, push.Message).
			WithAction("Pull first to get remote changes, then retry the push")
	case pushresult.AuthFailed:
		return out, errkind.New(errkind.AuthFailed, push.Message).
			WithAction("check remote credentials, then retry")
	case pushresult.PermissionDenied:
		return out, errkind.New(errkind.PermissionDenied, push.Message).
			WithAction("verify you have write access to the remote")
	case pushresult.RepositoryNotFound:
		return out, errkind.New(errkind.NotFound, push.Message).
			WithAction("verify the remote URL with set_remote")
	}
	if !push.Success {
		return out, errkind.New(errkind.Internal, push.Message)
	}

	if err := e.recordManifest(ctx); err != nil {
		return nil, err
	}
	if hash, err := e.driver.HeadCommitHash(ctx); err == nil {
		out.CommitHash = hash
	}
	telemetry.CountSync("push", "ok")
	return out, nil
}

// PullOutcome reports a completed pull flow.
type PullOutcome struct {
	Applied struct {
		Added    int `json:"added"`
		Modified int `json:"modified"`
		Deleted  int `json:"deleted"`
	} `json:"applied"`
	CommitHash string `json:"commit_hash,omitempty"`
}

// ProcessPull fetches and pulls, then replays the resulting documents
// diff into the vector store. Merge conflicts abort before any state
// changes; the manifest is not updated until the operator resolves and
// commits.
func (e *Engine) ProcessPull(ctx context.Context, remote, branch string) (*PullOutcome, error) {
	e.mu.Lock()
	defer e.unlockWrite()

	pre, err := e.snapshotDolt(ctx)
	if err != nil {
		return nil, err
	}

	err = withRetry(ctx, "fetch", func() error {
		res, err := e.driver.Fetch(ctx, remote)
		if err != nil {
			return err
		}
		if !res.Success {
			return classifyRemoteFailure(res, "fetch")
		}
		return nil
	})
	if err != nil {
		telemetry.CountSync("pull", "error")
		return nil, err
	}

	err = withRetry(ctx, "pull", func() error {
		res, err := e.driver.Pull(ctx, remote, branch)
		if err != nil {
			return err
		}
		if !res.Success {
			combined := strings.ToLower(res.Error + "\n" + res.Output)
			if strings.Contains(combined, "conflict") {
				return errkind.New(errkind.Conflict, "merge conflict while pulling "+branch).
					WithAction("resolve conflicts in the Dolt working copy and commit, then retry")
			}
			return classifyRemoteFailure(res, "pull")
		}
		return nil
	})
	if err != nil {
		telemetry.CountSync("pull", "error")
		return nil, err
	}

	post, err := e.snapshotDolt(ctx)
	if err != nil {
		return nil, err
	}

	out := &PullOutcome{}
	added, modified, deleted, err := e.applyDoltDiffToChroma(ctx, pre, post, true)
	if err != nil {
		return nil, err
	}
	out.Applied.Added, out.Applied.Modified, out.Applied.Deleted = added, modified, deleted

	if err := e.recordManifest(ctx); err != nil {
		return nil, err
	}
	if hash, err := e.driver.HeadCommitHash(ctx); err == nil {
		out.CommitHash = hash
	}
	telemetry.CountSync("pull", "ok")
	return out, nil
}

// CheckoutOutcome reports a checkout flow.
type CheckoutOutcome struct {
	Ref     string `json:"ref"`
	Applied struct {
		Added    int `json:"added"`
		Modified int `json:"modified"`
		Deleted  int `json:"deleted"`
	} `json:"applied"`
}

// ProcessCheckout switches the working copy to ref, but only when the
// sync-state checker says no work would be lost. The vector store is
// reconciled against the new documents snapshot. When recordManifest is
// false (initializer catching up to the manifest), the manifest is left
// as is.
func (e *Engine) ProcessCheckout(ctx context.Context, ref string, recordManifest bool) (*CheckoutOutcome, error) {
	e.mu.Lock()
	defer e.unlockWrite()
	return e.checkoutLocked(ctx, ref, recordManifest)
}

func (e *Engine) checkoutLocked(ctx context.Context, ref string, recordManifest bool) (*CheckoutOutcome, error) {
	state, err := e.checker.Check(ctx)
	if err != nil {
		return nil, err
	}
	if state.HasLocalChanges {
		return nil, errkind.New(errkind.Conflict, "working tree has uncommitted changes").
			WithAction("commit local changes, then retry")
	}

	pre, err := e.snapshotDolt(ctx)
	if err != nil {
		return nil, err
	}

	res, err := e.driver.Checkout(ctx, ref, false)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		if strings.Contains(strings.ToLower(res.Error), "not found") ||
			strings.Contains(strings.ToLower(res.Error), "did not match") {
			return nil, errkind.New(errkind.NotFound, "ref not found: "+ref)
		}
		return nil, errkind.New(errkind.Internal, "checkout failed: "+res.Error)
	}

	post, err := e.snapshotDolt(ctx)
	if err != nil {
		return nil, err
	}

	out := &CheckoutOutcome{Ref: ref}
	added, modified, deleted, err := e.applyDoltDiffToChroma(ctx, pre, post, false)
	if err != nil {
		return nil, err
	}
	out.Applied.Added, out.Applied.Modified, out.Applied.Deleted = added, modified, deleted

	if recordManifest {
		if err := e.recordManifest(ctx); err != nil {
			return nil, err
		}
	}
	telemetry.CountSync("checkout", "ok")
	return out, nil
}

// SetRemote records the remote URL in the manifest and repoints the
// Dolt remote when a repository exists.
func (e *Engine) SetRemote(ctx context.Context, name, url string) error {
	e.mu.Lock()
	defer e.unlockWrite()

	if m, err := manifest.Read(e.root); err != nil {
		return err
	} else if m == nil {
		if _, err := manifest.CreateDefault(e.root, url, "main", manifest.InitAuto); err != nil {
			return err
		}
	} else if _, err := manifest.SetRemote(e.root, url); err != nil {
		return err
	}
	if e.driver.IsInitialized() {
		res, err := e.driver.SetRemoteURL(ctx, name, url)
		if err != nil {
			return err
		}
		if !res.Success {
			return errkind.New(errkind.Internal, "setting remote: "+res.Error)
		}
	}
	return nil
}

// WithWriteLock runs fn as a write-path operation, exclusive against
// push, pull, and checkout. Callers that replace or move the working
// copy outside the engine (clone) route through here so they can never
// interleave with a sync operation.
func (e *Engine) WithWriteLock(fn func() error) error {
	e.mu.Lock()
	defer e.unlockWrite()
	return fn()
}

// unlockWrite invalidates the sync-state cache before releasing the
// write lock, so no reader observes a stale classification.
func (e *Engine) unlockWrite() {
	e.checker.Invalidate()
	e.mu.Unlock()
}

// detectEnsuringSchema detects local changes, creating the documents
// schema first when the repository never had one and the vector store
// has content to flush.
func (e *Engine) detectEnsuringSchema(ctx context.Context) (*changes.LocalChanges, error) {
	detector := changes.New(e.gateway, e.store)
	detected, err := detector.Detect(ctx)
	if err != nil {
		return nil, err
	}
	if !detected.SchemaMissing {
		return detected, nil
	}
	if !e.driver.IsInitialized() {
		return nil, errkind.New(errkind.NotInitialized, "no Dolt repository").
			WithAction("configure a remote with set_remote and clone, or run embranch init")
	}
	if err := e.store.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return detector.Detect(ctx)
}

// applyLocalToDolt writes detected vector-store changes into the
// documents table and the sync_log audit trail.
func (e *Engine) applyLocalToDolt(ctx context.Context, detected *changes.LocalChanges) error {
	snap, err := e.gateway.Snapshot(ctx)
	if err != nil {
		return err
	}
	upsert := func(ref changes.DocRef, op doltstore.SyncOp) error {
		doc, ok := snap[ref.Collection][ref.ID]
		if !ok {
			return errkind.New(errkind.Internal, "detected document vanished: "+ref.ID)
		}
		metaJSON := ""
		if doc.Metadata != nil {
			raw, err := json.Marshal(doc.Metadata)
			if err != nil {
				return err
			}
			metaJSON = string(raw)
		}
		if err := e.store.UpsertDocument(ctx, ref.Collection, ref.ID, doc.Content, metaJSON); err != nil {
			return err
		}
		return e.store.AppendSyncLog(ctx, ref.Collection, ref.ID, op)
	}
	for _, ref := range detected.Added {
		if err := upsert(ref, doltstore.OpPushAdd); err != nil {
			return err
		}
	}
	for _, ref := range detected.Modified {
		if err := upsert(ref, doltstore.OpPushModify); err != nil {
			return err
		}
	}
	for _, ref := range detected.Deleted {
		if err := e.store.DeleteDocument(ctx, ref.Collection, ref.ID); err != nil {
			return err
		}
		if err := e.store.AppendSyncLog(ctx, ref.Collection, ref.ID, doltstore.OpPushDelete); err != nil {
			return err
		}
	}
	return nil
}

// snapshotDolt lists the documents table, tolerating a missing schema.
func (e *Engine) snapshotDolt(ctx context.Context) (map[string]map[string]doltstore.Row, error) {
	ok, err := e.store.SchemaExists(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return map[string]map[string]doltstore.Row{}, nil
	}
	return e.store.ListDocuments(ctx)
}

// applyDoltDiffToChroma replays the pre→post documents diff into the
// vector store: new rows are added (upsert), removed rows deleted,
// changed rows updated. Collections appearing in post are created on
// demand. Returns the applied counts.
func (e *Engine) applyDoltDiffToChroma(ctx context.Context, pre, post map[string]map[string]doltstore.Row, logOps bool) (added, modified, deleted int, err error) {
	existing := make(map[string]bool)
	if infos, lerr := e.gateway.ListCollections(ctx, 0, 0); lerr == nil {
		for _, info := range infos {
			existing[info.Name] = true
		}
	}

	for collection, rows := range post {
		preRows := pre[collection]
		var toAdd, toUpdate []chroma.Document
		for id, row := range rows {
			doc, derr := rowToChromaDoc(id, row)
			if derr != nil {
				return added, modified, deleted, derr
			}
			old, existed := preRows[id]
			switch {
			case !existed:
				toAdd = append(toAdd, doc)
			case old.Content != row.Content ||
				changes.CanonicalJSON(old.MetadataJSON) != changes.CanonicalJSON(row.MetadataJSON):
				toUpdate = append(toUpdate, doc)
			}
		}
		if len(toAdd) == 0 && len(toUpdate) == 0 {
			continue
		}
		if !existing[collection] {
			if cerr := e.gateway.CreateCollection(ctx, collection, nil, ""); cerr != nil && !errkind.Is(cerr, errkind.AlreadyInitialized) {
				return added, modified, deleted, cerr
			}
			existing[collection] = true
		}
		if len(toAdd) > 0 {
			if aerr := e.gateway.AddDocuments(ctx, collection, toAdd, true); aerr != nil {
				return added, modified, deleted, aerr
			}
			added += len(toAdd)
			if logOps {
				for _, d := range toAdd {
					_ = e.store.AppendSyncLog(ctx, collection, d.ID, doltstore.OpPullAdd)
				}
			}
		}
		if len(toUpdate) > 0 {
			if uerr := e.gateway.AddDocuments(ctx, collection, toUpdate, true); uerr != nil {
				return added, modified, deleted, uerr
			}
			modified += len(toUpdate)
			if logOps {
				for _, d := range toUpdate {
					_ = e.store.AppendSyncLog(ctx, collection, d.ID, doltstore.OpPullModify)
				}
			}
		}
	}

	for collection, preRows := range pre {
		postRows := post[collection]
		var gone []string
		for id := range preRows {
			if _, still := postRows[id]; !still {
				gone = append(gone, id)
			}
		}
		if len(gone) == 0 || !existing[collection] {
			continue
		}
		if derr := e.gateway.DeleteDocuments(ctx, collection, gone); derr != nil {
			return added, modified, deleted, derr
		}
		deleted += len(gone)
		if logOps {
			for _, id := range gone {
				_ = e.store.AppendSyncLog(ctx, collection, id, doltstore.OpPullDelete)
			}
		}
	}
	return added, modified, deleted, nil
}

// recordManifest stores the current branch and HEAD in the manifest.
// Manifest-less operation (DMMS_USE_MANIFEST=false, or nothing was ever
// initialized) records nothing.
func (e *Engine) recordManifest(ctx context.Context) error {
	m, err := manifest.Read(e.root)
	if err != nil {
		return err
	}
	if m == nil {
		return nil
	}
	branch, err := e.driver.CurrentBranch(ctx)
	if err != nil {
		return err
	}
	hash, err := e.driver.HeadCommitHash(ctx)
	if err != nil {
		return err
	}
	_, err = manifest.UpdateDoltState(e.root, branch, hash)
	return err
}

func rowToChromaDoc(id string, row doltstore.Row) (chroma.Document, error) {
	doc := chroma.Document{ID: id, Content: row.Content}
	if row.MetadataJSON != "" {
		if err := json.Unmarshal([]byte(row.MetadataJSON), &doc.Metadata); err != nil {
			return chroma.Document{}, errkind.Wrap(errkind.Corrupt, "metadata unreadable for "+id, err)
		}
	}
	return doc, nil
}

func commitMessage(detected *changes.LocalChanges) string {
	runID := uuid.NewString()[:8]
	return fmt.Sprintf("sync: %d added, %d modified, %d deleted (run %s)",
		len(detected.Added), len(detected.Modified), len(detected.Deleted), runID)
}

func classifyRemoteFailure(res doltcli.Result, op string) error {
	combined := strings.ToLower(res.Error + "\n" + res.Output)
	switch {
	case strings.Contains(combined, "could not resolve host"),
		strings.Contains(combined, "timeout"),
		strings.Contains(combined, "unreachable"):
		return errkind.New(errkind.NetworkError, op+" failed: "+res.Error)
	case strings.Contains(combined, "authentication failed"), strings.Contains(combined, "401"):
		return errkind.New(errkind.AuthFailed, op+" failed: "+res.Error).
			WithAction("check remote credentials, then retry")
	case strings.Contains(combined, "permission denied"), strings.Contains(combined, "403"):
		return errkind.New(errkind.PermissionDenied, op+" failed: "+res.Error)
	case strings.Contains(combined, "not found"), strings.Contains(combined, "404"):
		return errkind.New(errkind.NotFound, op+" failed: "+res.Error).
			WithAction("verify the remote URL with set_remote")
	}
	return errkind.New(errkind.Internal, op+" failed: "+res.Error)
}
