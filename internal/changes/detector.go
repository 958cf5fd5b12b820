// Package changes diffs the vector store against the Dolt documents
// table, producing the three disjoint change sets the sync engine
// applies.
package changes

import (
	"context"

	"github.com/embranch/embranch/internal/chroma"
	"github.com/embranch/embranch/internal/debug"
	"github.com/embranch/embranch/internal/doltstore"
)

// DocRef names one document.
type DocRef struct {
	Collection string `json:"collection"`
	ID         string `json:"id"`
}

// LocalChanges holds the detected divergence, vector store relative to
// Dolt. The three sets are disjoint by construction.
type LocalChanges struct {
	Added    []DocRef `json:"added"`
	Modified []DocRef `json:"modified"`
	Deleted  []DocRef `json:"deleted"`

	// SchemaMissing is set when the Dolt repository has no documents
	// table yet (fresh or empty repo). The sets are empty in that case.
	SchemaMissing bool `json:"schema_missing,omitempty"`
}

// Empty reports whether nothing diverged.
func (c *LocalChanges) Empty() bool {
	return len(c.Added) == 0 && len(c.Modified) == 0 && len(c.Deleted) == 0
}

// Total counts changed documents.
func (c *LocalChanges) Total() int {
	return len(c.Added) + len(c.Modified) + len(c.Deleted)
}

// Detector diffs the two stores.
type Detector struct {
	gateway *chroma.Gateway
	store   *doltstore.Store
}

// New returns a detector over the given stores.
func New(gateway *chroma.Gateway, store *doltstore.Store) *Detector {
	return &Detector{gateway: gateway, store: store}
}

// Detect computes LocalChanges.
//
//   - Added: in the vector store, absent from Dolt.
//   - Modified: content or canonical metadata differs.
//   - Deleted: in Dolt, absent from the vector store, scoped to
//     collections that still exist there, and only for ids a previous
//     sync recorded in sync_log (a row that never reached the vector
//     store is not a local deletion).
func (d *Detector) Detect(ctx context.Context) (*LocalChanges, error) {
	out := &LocalChanges{}

	schemaOK, err := d.store.SchemaExists(ctx)
	if err != nil {
		return nil, err
	}

	snap, err := d.gateway.Snapshot(ctx)
	if err != nil {
		return nil, err
	}

	if !schemaOK {
		out.SchemaMissing = true
		debug.Logf("changes: documents schema missing, no diff")
		return out, nil
	}

	doltDocs, err := d.store.ListDocuments(ctx)
	if err != nil {
		return nil, err
	}
	synced, err := d.store.SyncedIDs(ctx)
	if err != nil {
		return nil, err
	}

	for collection, docs := range snap {
		doltSide := doltDocs[collection]
		for id, doc := range docs {
			row, exists := doltSide[id]
			if !exists {
				out.Added = append(out.Added, DocRef{Collection: collection, ID: id})
				continue
			}
			if doc.Content != row.Content ||
				CanonicalMetadata(doc.Metadata) != CanonicalJSON(row.MetadataJSON) {
				out.Modified = append(out.Modified, DocRef{Collection: collection, ID: id})
			}
		}
	}

	for collection, rows := range doltDocs {
		chromaSide, collectionExists := snap[collection]
		if !collectionExists {
			// Deletion detection is scoped to collections that still
			// exist in the vector store.
			continue
		}
		for id := range rows {
			if _, exists := chromaSide[id]; exists {
				continue
			}
			if synced[collection+"/"+id] {
				out.Deleted = append(out.Deleted, DocRef{Collection: collection, ID: id})
			}
		}
	}

	debug.Logf("changes: %d added, %d modified, %d deleted",
		len(out.Added), len(out.Modified), len(out.Deleted))
	return out, nil
}
