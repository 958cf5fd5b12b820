package rpc

import (
	"encoding/json"

	"github.com/embranch/embranch/internal/chroma"
	"github.com/embranch/embranch/internal/syncstate"
)

// Operation constants for all embranch tools.
const (
	OpPing   = "ping"
	OpStatus = "status"

	// Collection operations (vector store)
	OpCollectionList   = "collection_list"
	OpCollectionCreate = "collection_create"
	OpCollectionDelete = "collection_delete"
	OpCollectionCount  = "collection_count"

	// Document operations (vector store)
	OpDocumentAdd    = "document_add"
	OpDocumentGet    = "document_get"
	OpDocumentQuery  = "document_query"
	OpDocumentUpdate = "document_update"
	OpDocumentDelete = "document_delete"

	// Dolt read operations
	OpDoltStatus = "dolt_status"
	OpDoltLog    = "dolt_log"

	// Sync operations
	OpSyncPush = "sync_push"
	OpSyncPull = "sync_pull"
	OpCheckout = "checkout"

	// Configuration operations
	OpClone     = "clone"
	OpSetRemote = "set_remote"

	OpShutdown = "shutdown"
)

// Request is an RPC request from client to daemon.
type Request struct {
	Operation string          `json:"operation"`
	Args      json.RawMessage `json:"args"`
	RequestID string          `json:"request_id,omitempty"`
}

// Response is an RPC response from daemon to client.
type Response struct {
	Success     bool            `json:"success"`
	Data        json.RawMessage `json:"data,omitempty"`
	Error       string          `json:"error,omitempty"`
	Message     string          `json:"message,omitempty"`
	Suggestions []string        `json:"suggestions,omitempty"`
	DMMSWarning *Warning        `json:"dmms_warning,omitempty"`
}

// CollectionListArgs pages through collections.
type CollectionListArgs struct {
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

// CollectionCreateArgs creates a collection.
type CollectionCreateArgs struct {
	Name              string                 `json:"name"`
	Metadata          map[string]interface{} `json:"metadata,omitempty"`
	EmbeddingFunction string                 `json:"embedding_function,omitempty"`
}

// CollectionNameArgs names an existing collection (delete, count).
type CollectionNameArgs struct {
	Name string `json:"name"`
}

// CollectionCountResult reports a collection's document count.
type CollectionCountResult struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// DocumentAddArgs adds documents to a collection.
type DocumentAddArgs struct {
	Collection string            `json:"collection"`
	Documents  []chroma.Document `json:"documents"`
	Upsert     bool              `json:"upsert,omitempty"`
}

// DocumentGetArgs fetches documents by id; empty IDs means all.
// Optional filters narrow by metadata and content.
type DocumentGetArgs struct {
	Collection    string            `json:"collection"`
	IDs           []string          `json:"ids,omitempty"`
	Where         map[string]string `json:"where,omitempty"`
	WhereDocument map[string]string `json:"where_document,omitempty"`
}

// DocumentQueryArgs runs a similarity query.
type DocumentQueryArgs struct {
	Collection    string            `json:"collection"`
	QueryTexts    []string          `json:"query_texts"`
	NResults      int               `json:"n_results,omitempty"`
	Where         map[string]string `json:"where,omitempty"`
	WhereDocument map[string]string `json:"where_document,omitempty"`
}

// DocumentUpdateArgs updates existing documents.
type DocumentUpdateArgs struct {
	Collection string            `json:"collection"`
	Documents  []chroma.Document `json:"documents"`
}

// DocumentDeleteArgs deletes documents by id.
type DocumentDeleteArgs struct {
	Collection string   `json:"collection"`
	IDs        []string `json:"ids"`
}

// DoltLogArgs limits the commit log.
type DoltLogArgs struct {
	Limit int `json:"limit,omitempty"`
}

// SyncArgs names the remote and branch for push/pull. Both are
// optional; the configured remote and the manifest branch are the
// defaults.
type SyncArgs struct {
	Remote string `json:"remote,omitempty"`
	Branch string `json:"branch,omitempty"`
}

// CheckoutArgs switches the working copy.
type CheckoutArgs struct {
	Ref string `json:"ref"`
}

// CloneArgs clones a remote into the repository path.
type CloneArgs struct {
	URL   string `json:"url"`
	Force bool   `json:"force,omitempty"`
}

// SetRemoteArgs repoints the canonical remote.
type SetRemoteArgs struct {
	URL string `json:"url"`
}

// PingResponse answers a ping.
type PingResponse struct {
	Message string `json:"message"`
	Version string `json:"version"`
}

// StatusResponse is the daemon status snapshot.
type StatusResponse struct {
	Version       string            `json:"version"`
	ProjectRoot   string            `json:"project_root"`
	RepoPath      string            `json:"repo_path"`
	SocketPath    string            `json:"socket_path"`
	PID           int               `json:"pid"`
	UptimeSeconds float64           `json:"uptime_seconds"`
	InitStatus    string            `json:"init_status"`
	SyncState     *syncstate.Result `json:"sync_state,omitempty"`
}
