// Package doltstore accesses the embranch tables inside the Dolt
// repository: documents (the relational side of every vector-store
// document) and sync_log (the audit trail of applied sync operations).
// All SQL goes through the CLI driver; values are escaped with the
// driver's quoting helpers.
package doltstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/embranch/embranch/internal/doltcli"
	"github.com/embranch/embranch/internal/errkind"
)

// Row is one documents-table row.
type Row struct {
	ID           string
	Collection   string
	Content      string
	MetadataJSON string
}

// SyncOp tags sync_log entries.
type SyncOp string

const (
	OpPushAdd    SyncOp = "push_add"
	OpPushModify SyncOp = "push_modify"
	OpPushDelete SyncOp = "push_delete"
	OpPullAdd    SyncOp = "pull_add"
	OpPullModify SyncOp = "pull_modify"
	OpPullDelete SyncOp = "pull_delete"
)

// Store wraps the driver with table-level operations.
type Store struct {
	driver *doltcli.Driver
}

// New returns a store over the given driver.
func New(driver *doltcli.Driver) *Store {
	return &Store{driver: driver}
}

const schemaSQL = `CREATE TABLE IF NOT EXISTS documents (
  id VARCHAR(255) NOT NULL,
  collection VARCHAR(255) NOT NULL,
  content LONGTEXT,
  metadata_json JSON,
  updated_at DATETIME,
  PRIMARY KEY (collection, id)
);
CREATE TABLE IF NOT EXISTS sync_log (
  id VARCHAR(255) NOT NULL,
  collection VARCHAR(255) NOT NULL,
  op VARCHAR(32) NOT NULL,
  at DATETIME
);`

// EnsureSchema creates the embranch tables when absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	res, err := s.driver.Execute(ctx, schemaSQL)
	if err != nil {
		return err
	}
	if !res.Success {
		return errkind.New(errkind.Internal, "creating schema: "+res.Error)
	}
	return nil
}

// SchemaExists reports whether the documents table is present. A fresh
// or empty repository yields false, which callers surface as
// SchemaMissing.
func (s *Store) SchemaExists(ctx context.Context) (bool, error) {
	res, err := s.driver.Run(ctx, "ls")
	if err != nil {
		return false, err
	}
	if !res.Success {
		// dolt ls fails on a repository with no commits.
		return false, nil
	}
	for _, line := range strings.Split(res.Output, "\n") {
		if strings.TrimSpace(line) == "documents" {
			return true, nil
		}
	}
	return false, nil
}

// UserTables lists non-schema user tables (everything except the
// embranch tables). Used by the emptiness heuristic.
func (s *Store) UserTables(ctx context.Context) ([]string, error) {
	res, err := s.driver.Run(ctx, "ls")
	if err != nil {
		return nil, err
	}
	if !res.Success {
		return nil, nil
	}
	var tables []string
	for _, line := range strings.Split(res.Output, "\n") {
		name := strings.TrimSpace(line)
		if name == "" || strings.HasSuffix(name, ":") {
			continue // "Tables in working set:" header
		}
		if name == "documents" || name == "sync_log" {
			continue
		}
		tables = append(tables, name)
	}
	return tables, nil
}

type queryRows struct {
	Rows []map[string]interface{} `json:"rows"`
}

func (s *Store) queryJSON(ctx context.Context, sql string) ([]map[string]interface{}, error) {
	res, err := s.driver.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	if !res.Success {
		if strings.Contains(strings.ToLower(res.Error), "table not found") {
			return nil, errkind.New(errkind.SchemaMissing, "documents schema missing").
				WithAction("run a sync push to create the schema")
		}
		return nil, errkind.New(errkind.Internal, "query failed: "+res.Error)
	}
	if strings.TrimSpace(res.Output) == "" {
		return nil, nil
	}
	var out queryRows
	if err := json.Unmarshal([]byte(res.Output), &out); err != nil {
		return nil, fmt.Errorf("parsing query output: %w", err)
	}
	return out.Rows, nil
}

func field(row map[string]interface{}, name string) string {
	v, ok := row[name]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(raw)
}

// ListDocuments returns every documents row, keyed by collection then
// id.
func (s *Store) ListDocuments(ctx context.Context) (map[string]map[string]Row, error) {
	rows, err := s.queryJSON(ctx, "SELECT id, collection, content, metadata_json FROM documents")
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[string]Row)
	for _, raw := range rows {
		r := Row{
			ID:           field(raw, "id"),
			Collection:   field(raw, "collection"),
			Content:      field(raw, "content"),
			MetadataJSON: field(raw, "metadata_json"),
		}
		if r.ID == "" || r.Collection == "" {
			continue
		}
		if out[r.Collection] == nil {
			out[r.Collection] = make(map[string]Row)
		}
		out[r.Collection][r.ID] = r
	}
	return out, nil
}

// CountDocuments returns the total documents row count, or 0 when the
// schema is absent.
func (s *Store) CountDocuments(ctx context.Context) (int, error) {
	rows, err := s.queryJSON(ctx, "SELECT COUNT(*) AS n FROM documents")
	if err != nil {
		if errkind.Is(err, errkind.SchemaMissing) {
			return 0, nil
		}
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	switch v := rows[0]["n"].(type) {
	case float64:
		return int(v), nil
	case string:
		var n int
		_, _ = fmt.Sscanf(v, "%d", &n)
		return n, nil
	}
	return 0, nil
}

// UpsertDocument writes a documents row.
func (s *Store) UpsertDocument(ctx context.Context, collection, id, content, metadataJSON string) error {
	meta := "NULL"
	if metadataJSON != "" {
		meta = "'" + doltcli.QuoteJSON(metadataJSON) + "'"
	}
	sql := fmt.Sprintf(
		"REPLACE INTO documents (id, collection, content, metadata_json, updated_at) VALUES ('%s', '%s', '%s', %s, '%s')",
		doltcli.QuoteString(id),
		doltcli.QuoteString(collection),
		doltcli.QuoteString(content),
		meta,
		time.Now().UTC().Format("2006-01-02 15:04:05"),
	)
	res, err := s.driver.Execute(ctx, sql)
	if err != nil {
		return err
	}
	if !res.Success {
		return errkind.New(errkind.Internal, "upserting document: "+res.Error)
	}
	return nil
}

// DeleteDocument removes a documents row.
func (s *Store) DeleteDocument(ctx context.Context, collection, id string) error {
	sql := fmt.Sprintf("DELETE FROM documents WHERE collection = '%s' AND id = '%s'",
		doltcli.QuoteString(collection), doltcli.QuoteString(id))
	res, err := s.driver.Execute(ctx, sql)
	if err != nil {
		return err
	}
	if !res.Success {
		return errkind.New(errkind.Internal, "deleting document: "+res.Error)
	}
	return nil
}

// AppendSyncLog records an applied sync operation. The log is an
// audit trail; deletion detection also consults it so a row that never
// reached the vector store is not misread as a local deletion.
func (s *Store) AppendSyncLog(ctx context.Context, collection, id string, op SyncOp) error {
	sql := fmt.Sprintf(
		"INSERT INTO sync_log (id, collection, op, at) VALUES ('%s', '%s', '%s', '%s')",
		doltcli.QuoteString(id),
		doltcli.QuoteString(collection),
		string(op),
		time.Now().UTC().Format("2006-01-02 15:04:05"),
	)
	res, err := s.driver.Execute(ctx, sql)
	if err != nil {
		return err
	}
	if !res.Success {
		return errkind.New(errkind.Internal, "appending sync log: "+res.Error)
	}
	return nil
}

// SyncedIDs returns the set of (collection, id) pairs that have ever
// been applied to the vector store, keyed "collection/id".
func (s *Store) SyncedIDs(ctx context.Context) (map[string]bool, error) {
	rows, err := s.queryJSON(ctx, "SELECT DISTINCT id, collection FROM sync_log")
	if err != nil {
		if errkind.Is(err, errkind.SchemaMissing) {
			return map[string]bool{}, nil
		}
		return nil, err
	}
	out := make(map[string]bool, len(rows))
	for _, raw := range rows {
		out[field(raw, "collection")+"/"+field(raw, "id")] = true
	}
	return out, nil
}
