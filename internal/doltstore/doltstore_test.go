package doltstore

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embranch/embranch/internal/doltcli"
)

// stubDriver builds a driver whose dolt executable logs its arguments
// and replies with the contents of the DOLT_STUB_OUTPUT env var.
func stubDriver(t *testing.T) (*doltcli.Driver, func() string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub executable tests are unix-only")
	}
	dir := t.TempDir()
	logPath := filepath.Join(dir, "args.log")
	script := "#!/bin/sh\n" +
		"printf '%s\\n' \"$*\" >> " + logPath + "\n" +
		"printf '%s' \"$DOLT_STUB_OUTPUT\"\n"
	exe := filepath.Join(dir, "dolt")
	require.NoError(t, os.WriteFile(exe, []byte(script), 0o755))
	d := &doltcli.Driver{RepoPath: dir, Executable: exe}
	return d, func() string {
		data, _ := os.ReadFile(logPath)
		return string(data)
	}
}

func TestListDocumentsParsesQueryJSON(t *testing.T) {
	d, _ := stubDriver(t)
	t.Setenv("DOLT_STUB_OUTPUT", `{"rows": [
		{"id": "d1", "collection": "notes", "content": "hello", "metadata_json": {"lang": "en"}},
		{"id": "d2", "collection": "notes", "content": "world", "metadata_json": null}
	]}`)

	s := New(d)
	docs, err := s.ListDocuments(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 1)
	require.Len(t, docs["notes"], 2)
	assert.Equal(t, "hello", docs["notes"]["d1"].Content)
	assert.JSONEq(t, `{"lang":"en"}`, docs["notes"]["d1"].MetadataJSON)
	assert.Empty(t, docs["notes"]["d2"].MetadataJSON)
}

func TestUpsertDocumentEscapesValues(t *testing.T) {
	d, argsLog := stubDriver(t)
	t.Setenv("DOLT_STUB_OUTPUT", "")

	s := New(d)
	err := s.UpsertDocument(context.Background(), "notes", "d'1", "it's content", `{"q":"a\"b"}`)
	require.NoError(t, err)

	logged := argsLog()
	assert.Contains(t, logged, "d''1")
	assert.Contains(t, logged, "it''s content")
	// JSON gets backslash doubling on top of quote doubling.
	assert.Contains(t, logged, `a\\"b`)
}

func TestSchemaExists(t *testing.T) {
	d, _ := stubDriver(t)
	t.Setenv("DOLT_STUB_OUTPUT", "Tables in working set:\n\tdocuments\n\tsync_log")

	s := New(d)
	ok, err := s.SchemaExists(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)

	t.Setenv("DOLT_STUB_OUTPUT", "Tables in working set:\n\tusers")
	ok, err = s.SchemaExists(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestUserTablesFiltersSchemaTables(t *testing.T) {
	d, _ := stubDriver(t)
	t.Setenv("DOLT_STUB_OUTPUT", "Tables in working set:\n\tdocuments\n\tsync_log\n\tusers\n\torders")

	s := New(d)
	tables, err := s.UserTables(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"users", "orders"}, tables)
}

func TestSyncedIDs(t *testing.T) {
	d, _ := stubDriver(t)
	t.Setenv("DOLT_STUB_OUTPUT", `{"rows": [{"id": "d1", "collection": "notes"}]}`)

	s := New(d)
	ids, err := s.SyncedIDs(context.Background())
	require.NoError(t, err)
	assert.True(t, ids["notes/d1"])
	assert.False(t, ids["notes/d2"])
}

func TestAppendSyncLogUsesSpecSchema(t *testing.T) {
	d, argsLog := stubDriver(t)
	t.Setenv("DOLT_STUB_OUTPUT", "")

	s := New(d)
	require.NoError(t, s.AppendSyncLog(context.Background(), "notes", "d1", OpPushAdd))
	logged := argsLog()
	assert.Contains(t, logged, "INSERT INTO sync_log (id, collection, op, at)")
	assert.Contains(t, logged, string(OpPushAdd))
	assert.False(t, strings.Contains(logged, "log_id"))
}
