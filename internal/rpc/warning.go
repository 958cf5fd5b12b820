package rpc

import (
	"context"
	"time"

	"github.com/embranch/embranch/internal/debug"
	"github.com/embranch/embranch/internal/syncstate"
)

// Warning is attached to mutating responses when local Dolt state has
// drifted from the manifest.
type Warning struct {
	Type           string       `json:"type"`
	Message        string       `json:"message"`
	LocalState     WarningState `json:"local_state"`
	ManifestState  WarningState `json:"manifest_state"`
	ActionRequired string       `json:"action_required"`
}

// WarningState is one side of the divergence.
type WarningState struct {
	Branch string `json:"branch"`
	Commit string `json:"commit"`
}

// mutatingOps are the operations whose responses carry a sync warning.
// Read-only and status tools never do.
var mutatingOps = map[string]bool{
	OpCollectionCreate: true,
	OpCollectionDelete: true,
	OpDocumentAdd:      true,
	OpDocumentUpdate:   true,
	OpDocumentDelete:   true,
	OpSyncPush:         true,
	OpSyncPull:         true,
	OpCheckout:         true,
	OpClone:            true,
	OpSetRemote:        true,
}

const warningCheckTimeout = 5 * time.Second

// attachWarning annotates resp with an out-of-sync warning when the
// operation mutates state and the checker reports divergence. A failed
// check never fails the tool.
func attachWarning(op string, resp *Response, checker *syncstate.Checker) {
	if !mutatingOps[op] {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), warningCheckTimeout)
	defer cancel()

	state, err := checker.Check(ctx)
	if err != nil {
		debug.Warnf("rpc: sync-state check failed, skipping warning: %v", err)
		return
	}
	if state.InSync {
		return
	}
	resp.DMMSWarning = &Warning{
		Type:    "out_of_sync",
		Message: state.Reason,
		LocalState: WarningState{
			Branch: state.LocalBranch,
			Commit: state.LocalCommit,
		},
		ManifestState: WarningState{
			Branch: state.ManifestBranch,
			Commit: state.ManifestCommit,
		},
		ActionRequired: warningAction(state),
	}
}

func warningAction(state *syncstate.Result) string {
	switch {
	case state.HasLocalChanges:
		return "run sync_push to commit and publish local changes"
	case state.LocalAheadOfManifest:
		return "run sync_push to publish local commits"
	default:
		return "run checkout to return to the manifest state, or sync_push to adopt the local one"
	}
}
