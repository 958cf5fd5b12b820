package chroma

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
)

const registryFileName = "collections.json"

// collectionTypeTag is the configuration field newer releases require
// on every collection entry.
const collectionTypeTag = "collection"

// collectionEntry is the gateway's persisted record for one collection.
// The vector runtime only stores string metadata, so the entry keeps
// the authoritative document content and full metadata JSON.
type collectionEntry struct {
	Type              string                  `json:"_type,omitempty"`
	Metadata          map[string]interface{}  `json:"metadata,omitempty"`
	EmbeddingFunction string                  `json:"embedding_function_name"`
	Documents         map[string]documentRow  `json:"documents"`
}

type documentRow struct {
	Content  string          `json:"content"`
	Metadata json.RawMessage `json:"metadata,omitempty"`
}

type registry struct {
	path        string
	Collections map[string]*collectionEntry `json:"collections"`
}

func loadRegistry(dir string) (*registry, error) {
	r := &registry{
		path:        filepath.Join(dir, registryFileName),
		Collections: make(map[string]*collectionEntry),
	}
	data, err := os.ReadFile(r.path)
	if os.IsNotExist(err) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading collection registry: %w", err)
	}
	if err := json.Unmarshal(data, r); err != nil {
		return nil, fmt.Errorf("parsing collection registry: %w", err)
	}
	for _, c := range r.Collections {
		if c.Documents == nil {
			c.Documents = make(map[string]documentRow)
		}
	}
	return r, nil
}

func (r *registry) save() error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling collection registry: %w", err)
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing collection registry: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("renaming collection registry: %w", err)
	}
	return nil
}

// migrateLegacy injects the _type configuration field into entries
// written by older releases. Idempotent; registries already in the new
// format are left untouched on disk.
func (r *registry) migrateLegacy() error {
	changed := false
	for _, c := range r.Collections {
		if c.Type == "" {
			c.Type = collectionTypeTag
			changed = true
		}
	}
	if !changed {
		return nil
	}
	return r.save()
}

func (r *registry) names() []string {
	names := make([]string, 0, len(r.Collections))
	for name := range r.Collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
