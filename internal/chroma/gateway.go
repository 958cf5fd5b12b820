// Package chroma is the gateway to the embedded vector store. It owns
// a chromem runtime plus a collection registry, and serializes every
// call onto a single worker goroutine (the runtime forbids parallel
// entry). Results are plain data; runtime objects never leak out.
package chroma

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	chromem "github.com/philippgille/chromem-go"

	"github.com/embranch/embranch/internal/debug"
	"github.com/embranch/embranch/internal/errkind"
)

// DefaultQueueSize bounds the worker queue when no size is configured.
const DefaultQueueSize = 64

// Document is a plain-data document.
type Document struct {
	ID       string                 `json:"id"`
	Content  string                 `json:"content"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// QueryMatch is one similarity result.
type QueryMatch struct {
	Document
	Similarity float32 `json:"similarity"`
}

// CollectionInfo describes a collection without exposing runtime state.
type CollectionInfo struct {
	Name              string                 `json:"name"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
	EmbeddingFunction string                 `json:"embedding_function_name"`
	Count             int                    `json:"count"`
}

// Gateway is the single-threaded capability over the vector store.
type Gateway struct {
	dir string
	db  *chromem.DB
	reg *registry

	jobs    chan job
	drained chan struct{}

	mu     sync.RWMutex
	closed bool
}

// Open initializes the gateway at dir, running the legacy registry
// migration before any client call, and starts the worker.
func Open(dir string, queueSize int) (*Gateway, error) {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating chroma dir: %w", err)
	}
	reg, err := loadRegistry(dir)
	if err != nil {
		return nil, err
	}
	if err := reg.migrateLegacy(); err != nil {
		return nil, fmt.Errorf("migrating legacy registry: %w", err)
	}
	db, err := chromem.NewPersistentDB(filepath.Join(dir, "store"), false)
	if err != nil {
		return nil, fmt.Errorf("opening vector store: %w", err)
	}

	g := &Gateway{
		dir:     dir,
		db:      db,
		reg:     reg,
		jobs:    make(chan job, queueSize),
		drained: make(chan struct{}),
	}

	// Re-materialize runtime collections for registry entries; the
	// registry is authoritative across restarts.
	for name, entry := range reg.Collections {
		if _, err := db.GetOrCreateCollection(name, metaToStrings(entry.Metadata), lookupEmbeddingFunc(entry.EmbeddingFunction)); err != nil {
			return nil, fmt.Errorf("restoring collection %s: %w", name, err)
		}
	}

	go g.loop()
	debug.Infof("chroma: gateway open at %s (%d collections)", dir, len(reg.Collections))
	return g, nil
}

// Close drains the queue and stops the worker. Submissions after Close
// fail fast.
func (g *Gateway) Close() {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	close(g.jobs)
	g.mu.Unlock()
	<-g.drained
}

// enqueue marshals fn onto the worker. A full queue fails fast with
// Busy. The caller's context covers both queue wait and execution; a
// job whose context expires before dispatch never runs. The read lock
// is held across the non-blocking send so Close cannot close the
// channel between the closed check and the send.
func (g *Gateway) enqueue(ctx context.Context, fn func() (interface{}, error)) (interface{}, error) {
	j := job{ctx: ctx, run: fn, done: make(chan jobResult, 1)}

	g.mu.RLock()
	if g.closed {
		g.mu.RUnlock()
		return nil, errkind.New(errkind.Internal, "vector store gateway is closed")
	}
	select {
	case g.jobs <- j:
		g.mu.RUnlock()
	default:
		g.mu.RUnlock()
		return nil, errkind.New(errkind.Busy, "vector store queue is full").
			WithAction("retry shortly; reduce concurrent document operations")
	}

	select {
	case res := <-j.done:
		return res.value, res.err
	case <-ctx.Done():
		// Best effort: the job may still run to completion on the
		// worker, but nobody is waiting for its result anymore.
		return nil, errkind.Wrap(errkind.TimedOut, "vector store call cancelled", ctx.Err())
	}
}

// ListCollections returns collection infos, name-sorted, with optional
// pagination.
func (g *Gateway) ListCollections(ctx context.Context, limit, offset int) ([]CollectionInfo, error) {
	v, err := g.enqueue(ctx, func() (interface{}, error) {
		names := g.reg.names()
		if offset > len(names) {
			offset = len(names)
		}
		names = names[offset:]
		if limit > 0 && limit < len(names) {
			names = names[:limit]
		}
		infos := make([]CollectionInfo, 0, len(names))
		for _, name := range names {
			entry := g.reg.Collections[name]
			infos = append(infos, CollectionInfo{
				Name:              name,
				Metadata:          entry.Metadata,
				EmbeddingFunction: entry.EmbeddingFunction,
				Count:             len(entry.Documents),
			})
		}
		return infos, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]CollectionInfo), nil
}

// CreateCollection creates a named collection. Names are unique and
// case-sensitive.
func (g *Gateway) CreateCollection(ctx context.Context, name string, metadata map[string]interface{}, embeddingFunction string) error {
	if name == "" {
		return errkind.New(errkind.InvalidArgument, "collection name must not be empty")
	}
	if embeddingFunction == "" {
		embeddingFunction = DefaultEmbeddingName
	}
	_, err := g.enqueue(ctx, func() (interface{}, error) {
		if _, exists := g.reg.Collections[name]; exists {
			return nil, errkind.New(errkind.AlreadyInitialized, "collection already exists: "+name)
		}
		if _, err := g.db.CreateCollection(name, metaToStrings(metadata), lookupEmbeddingFunc(embeddingFunction)); err != nil {
			return nil, fmt.Errorf("creating collection: %w", err)
		}
		g.reg.Collections[name] = &collectionEntry{
			Type:              collectionTypeTag,
			Metadata:          metadata,
			EmbeddingFunction: embeddingFunction,
			Documents:         make(map[string]documentRow),
		}
		return nil, g.reg.save()
	})
	return err
}

// DeleteCollection removes a collection and its documents.
func (g *Gateway) DeleteCollection(ctx context.Context, name string) error {
	_, err := g.enqueue(ctx, func() (interface{}, error) {
		if _, exists := g.reg.Collections[name]; !exists {
			return nil, errkind.New(errkind.NotFound, "collection not found: "+name)
		}
		if err := g.db.DeleteCollection(name); err != nil {
			return nil, fmt.Errorf("deleting collection: %w", err)
		}
		delete(g.reg.Collections, name)
		return nil, g.reg.save()
	})
	return err
}

// AddDocuments adds documents to a collection. Without upsert, an
// existing id is an error; with upsert, it is replaced.
func (g *Gateway) AddDocuments(ctx context.Context, name string, docs []Document, upsert bool) error {
	_, err := g.enqueue(ctx, func() (interface{}, error) {
		entry, col, err := g.collection(name)
		if err != nil {
			return nil, err
		}
		if !upsert {
			for _, d := range docs {
				if _, exists := entry.Documents[d.ID]; exists {
					return nil, errkind.New(errkind.InvalidArgument, "document already exists: "+d.ID).
						WithAction("pass upsert=true to replace existing documents")
				}
			}
		}
		for _, d := range docs {
			if err := g.writeDoc(entry, col, d); err != nil {
				return nil, err
			}
		}
		return nil, g.reg.save()
	})
	return err
}

// UpdateDocuments updates content and/or metadata of existing
// documents. Empty content keeps the stored content; nil metadata keeps
// the stored metadata.
func (g *Gateway) UpdateDocuments(ctx context.Context, name string, docs []Document) error {
	_, err := g.enqueue(ctx, func() (interface{}, error) {
		entry, col, err := g.collection(name)
		if err != nil {
			return nil, err
		}
		for _, d := range docs {
			cur, exists := entry.Documents[d.ID]
			if !exists {
				return nil, errkind.New(errkind.NotFound, "document not found: "+d.ID)
			}
			if d.Content == "" {
				d.Content = cur.Content
			}
			if d.Metadata == nil && len(cur.Metadata) > 0 {
				if err := json.Unmarshal(cur.Metadata, &d.Metadata); err != nil {
					return nil, errkind.Wrap(errkind.Corrupt, "stored metadata unreadable for "+d.ID, err)
				}
			}
			if err := g.writeDoc(entry, col, d); err != nil {
				return nil, err
			}
		}
		return nil, g.reg.save()
	})
	return err
}

// DeleteDocuments removes documents by id. Unknown ids are ignored.
func (g *Gateway) DeleteDocuments(ctx context.Context, name string, ids []string) error {
	_, err := g.enqueue(ctx, func() (interface{}, error) {
		entry, col, err := g.collection(name)
		if err != nil {
			return nil, err
		}
		var present []string
		for _, id := range ids {
			if _, exists := entry.Documents[id]; exists {
				present = append(present, id)
				delete(entry.Documents, id)
			}
		}
		if len(present) > 0 {
			if err := col.Delete(context.Background(), nil, nil, present...); err != nil {
				return nil, fmt.Errorf("deleting documents: %w", err)
			}
		}
		return nil, g.reg.save()
	})
	return err
}

// GetDocuments returns documents by id, or every document when ids is
// empty, narrowed by the optional metadata and content filters. where
// matches metadata values exactly; whereDocument supports the
// $contains and $not_contains content operators.
func (g *Gateway) GetDocuments(ctx context.Context, name string, ids []string, where, whereDocument map[string]string) ([]Document, error) {
	for op := range whereDocument {
		if op != "$contains" && op != "$not_contains" {
			return nil, errkind.New(errkind.InvalidArgument, "unsupported content filter operator: "+op)
		}
	}
	v, err := g.enqueue(ctx, func() (interface{}, error) {
		entry, _, err := g.collection(name)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			ids = make([]string, 0, len(entry.Documents))
			for id := range entry.Documents {
				ids = append(ids, id)
			}
		}
		docs := make([]Document, 0, len(ids))
		for _, id := range ids {
			row, exists := entry.Documents[id]
			if !exists {
				continue
			}
			doc, err := rowToDocument(id, row)
			if err != nil {
				return nil, err
			}
			if !matchesFilters(doc, where, whereDocument) {
				continue
			}
			docs = append(docs, doc)
		}
		return docs, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]Document), nil
}

// matchesFilters applies the get-side metadata and content filters,
// mirroring the operators the runtime query path accepts. Metadata
// compares in the flattened string form so both paths see the same
// values.
func matchesFilters(doc Document, where, whereDocument map[string]string) bool {
	if len(where) > 0 {
		meta := metaToStrings(doc.Metadata)
		for k, v := range where {
			if meta[k] != v {
				return false
			}
		}
	}
	for op, v := range whereDocument {
		switch op {
		case "$contains":
			if !strings.Contains(doc.Content, v) {
				return false
			}
		case "$not_contains":
			if strings.Contains(doc.Content, v) {
				return false
			}
		}
	}
	return true
}

// QueryDocuments runs a similarity query per query text. nResults is
// clamped to the collection size; an empty collection yields empty
// match lists.
func (g *Gateway) QueryDocuments(ctx context.Context, name string, queryTexts []string, nResults int, where, whereDocument map[string]string) ([][]QueryMatch, error) {
	if nResults <= 0 {
		nResults = 5
	}
	v, err := g.enqueue(ctx, func() (interface{}, error) {
		entry, col, err := g.collection(name)
		if err != nil {
			return nil, err
		}
		out := make([][]QueryMatch, len(queryTexts))
		n := nResults
		if count := col.Count(); count < n {
			n = count
		}
		for i, text := range queryTexts {
			if n == 0 {
				out[i] = []QueryMatch{}
				continue
			}
			results, err := col.Query(context.Background(), text, n, where, whereDocument)
			if err != nil {
				return nil, fmt.Errorf("querying collection: %w", err)
			}
			matches := make([]QueryMatch, 0, len(results))
			for _, r := range results {
				doc := Document{ID: r.ID, Content: r.Content}
				if row, exists := entry.Documents[r.ID]; exists {
					if doc, err = rowToDocument(r.ID, row); err != nil {
						return nil, err
					}
				}
				matches = append(matches, QueryMatch{Document: doc, Similarity: r.Similarity})
			}
			out[i] = matches
		}
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([][]QueryMatch), nil
}

// Count returns the number of documents in a collection.
func (g *Gateway) Count(ctx context.Context, name string) (int, error) {
	v, err := g.enqueue(ctx, func() (interface{}, error) {
		entry, _, err := g.collection(name)
		if err != nil {
			return nil, err
		}
		return len(entry.Documents), nil
	})
	if err != nil {
		return 0, err
	}
	return v.(int), nil
}

// Snapshot returns every document of every collection, keyed by
// collection then id. The change detector diffs this against the Dolt
// documents table.
func (g *Gateway) Snapshot(ctx context.Context) (map[string]map[string]Document, error) {
	v, err := g.enqueue(ctx, func() (interface{}, error) {
		snap := make(map[string]map[string]Document, len(g.reg.Collections))
		for name, entry := range g.reg.Collections {
			docs := make(map[string]Document, len(entry.Documents))
			for id, row := range entry.Documents {
				doc, err := rowToDocument(id, row)
				if err != nil {
					return nil, err
				}
				docs[id] = doc
			}
			snap[name] = docs
		}
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]map[string]Document), nil
}

// collection resolves registry entry and runtime collection, worker
// side only.
func (g *Gateway) collection(name string) (*collectionEntry, *chromem.Collection, error) {
	entry, exists := g.reg.Collections[name]
	if !exists {
		return nil, nil, errkind.New(errkind.NotFound, "collection not found: "+name)
	}
	col := g.db.GetCollection(name, lookupEmbeddingFunc(entry.EmbeddingFunction))
	if col == nil {
		return nil, nil, errkind.New(errkind.Corrupt, "runtime collection missing: "+name)
	}
	return entry, col, nil
}

// writeDoc persists a document to both the runtime and the registry.
func (g *Gateway) writeDoc(entry *collectionEntry, col *chromem.Collection, d Document) error {
	if d.ID == "" {
		return errkind.New(errkind.InvalidArgument, "document id must not be empty")
	}
	if err := col.AddDocument(context.Background(), chromem.Document{
		ID:       d.ID,
		Content:  d.Content,
		Metadata: metaToStrings(d.Metadata),
	}); err != nil {
		return fmt.Errorf("adding document %s: %w", d.ID, err)
	}
	row := documentRow{Content: d.Content}
	if d.Metadata != nil {
		raw, err := json.Marshal(d.Metadata)
		if err != nil {
			return errkind.Wrap(errkind.InvalidArgument, "unserializable metadata for "+d.ID, err)
		}
		row.Metadata = raw
	}
	entry.Documents[d.ID] = row
	return nil
}

func rowToDocument(id string, row documentRow) (Document, error) {
	doc := Document{ID: id, Content: row.Content}
	if len(row.Metadata) > 0 {
		if err := json.Unmarshal(row.Metadata, &doc.Metadata); err != nil {
			return Document{}, errkind.Wrap(errkind.Corrupt, "stored metadata unreadable for "+id, err)
		}
	}
	return doc, nil
}

// metaToStrings flattens metadata for the runtime, which stores string
// values only. Non-string scalars are JSON-encoded; full fidelity lives
// in the registry row.
func metaToStrings(meta map[string]interface{}) map[string]string {
	if len(meta) == 0 {
		return nil
	}
	out := make(map[string]string, len(meta))
	for k, v := range meta {
		if s, ok := v.(string); ok {
			out[k] = s
			continue
		}
		raw, err := json.Marshal(v)
		if err != nil {
			continue
		}
		out[k] = string(raw)
	}
	return out
}
