package chroma

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embranch/embranch/internal/errkind"
)

func openGateway(t *testing.T) *Gateway {
	t.Helper()
	g, err := Open(t.TempDir(), 0)
	require.NoError(t, err)
	t.Cleanup(g.Close)
	return g
}

func TestCreateListDeleteCollections(t *testing.T) {
	g := openGateway(t)
	ctx := context.Background()

	require.NoError(t, g.CreateCollection(ctx, "notes", map[string]interface{}{"owner": "ada"}, ""))
	require.NoError(t, g.CreateCollection(ctx, "archive", nil, ""))

	err := g.CreateCollection(ctx, "notes", nil, "")
	assert.True(t, errkind.Is(err, errkind.AlreadyInitialized))

	infos, err := g.ListCollections(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, "archive", infos[0].Name) // name-sorted
	assert.Equal(t, "notes", infos[1].Name)
	assert.Equal(t, DefaultEmbeddingName, infos[1].EmbeddingFunction)

	infos, err = g.ListCollections(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, infos, 1)
	assert.Equal(t, "notes", infos[0].Name)

	require.NoError(t, g.DeleteCollection(ctx, "archive"))
	err = g.DeleteCollection(ctx, "archive")
	assert.True(t, errkind.Is(err, errkind.NotFound))
}

func TestAddGetDocuments(t *testing.T) {
	g := openGateway(t)
	ctx := context.Background()
	require.NoError(t, g.CreateCollection(ctx, "notes", nil, ""))

	docs := []Document{
		{ID: "d1", Content: "the quick brown fox", Metadata: map[string]interface{}{"lang": "en", "rank": float64(3)}},
		{ID: "d2", Content: "jumped over the lazy dog"},
	}
	require.NoError(t, g.AddDocuments(ctx, "notes", docs, false))

	// Duplicate without upsert fails; with upsert it replaces.
	err := g.AddDocuments(ctx, "notes", []Document{{ID: "d1", Content: "x"}}, false)
	assert.True(t, errkind.Is(err, errkind.InvalidArgument))
	require.NoError(t, g.AddDocuments(ctx, "notes", []Document{{ID: "d1", Content: "replaced content"}}, true))

	got, err := g.GetDocuments(ctx, "notes", []string{"d1"}, nil, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "replaced content", got[0].Content)

	all, err := g.GetDocuments(ctx, "notes", nil, nil, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	count, err := g.Count(ctx, "notes")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestGetDocumentsFilters(t *testing.T) {
	g := openGateway(t)
	ctx := context.Background()
	require.NoError(t, g.CreateCollection(ctx, "notes", nil, ""))
	require.NoError(t, g.AddDocuments(ctx, "notes", []Document{
		{ID: "d1", Content: "postgres replication tuning", Metadata: map[string]interface{}{"lang": "en", "rank": float64(3)}},
		{ID: "d2", Content: "der schnelle braune fuchs", Metadata: map[string]interface{}{"lang": "de"}},
		{ID: "d3", Content: "postgres vacuum basics", Metadata: map[string]interface{}{"lang": "en"}},
	}, false))

	// Metadata equality narrows the full scan.
	got, err := g.GetDocuments(ctx, "notes", nil, map[string]string{"lang": "en"}, nil)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	// Non-string metadata matches in its flattened form, same as query.
	got, err = g.GetDocuments(ctx, "notes", nil, map[string]string{"rank": "3"}, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "d1", got[0].ID)

	// Content operators combine with metadata and explicit ids.
	got, err = g.GetDocuments(ctx, "notes", nil, nil, map[string]string{"$contains": "postgres"})
	require.NoError(t, err)
	assert.Len(t, got, 2)

	got, err = g.GetDocuments(ctx, "notes", nil, map[string]string{"lang": "en"}, map[string]string{"$not_contains": "replication"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "d3", got[0].ID)

	got, err = g.GetDocuments(ctx, "notes", []string{"d1", "d2"}, map[string]string{"lang": "de"}, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "d2", got[0].ID)

	_, err = g.GetDocuments(ctx, "notes", nil, nil, map[string]string{"$regex": "x"})
	require.Error(t, err)
	assert.True(t, errkind.Is(err, errkind.InvalidArgument))
}

func TestMetadataFidelity(t *testing.T) {
	g := openGateway(t)
	ctx := context.Background()
	require.NoError(t, g.CreateCollection(ctx, "notes", nil, ""))

	meta := map[string]interface{}{
		"str":    "value",
		"num":    float64(42),
		"flag":   true,
		"nested": map[string]interface{}{"k": "v"},
	}
	require.NoError(t, g.AddDocuments(ctx, "notes", []Document{{ID: "d1", Content: "c", Metadata: meta}}, false))

	got, err := g.GetDocuments(ctx, "notes", []string{"d1"}, nil, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, meta, got[0].Metadata)
}

func TestQueryDocuments(t *testing.T) {
	g := openGateway(t)
	ctx := context.Background()
	require.NoError(t, g.CreateCollection(ctx, "notes", nil, ""))
	require.NoError(t, g.AddDocuments(ctx, "notes", []Document{
		{ID: "d1", Content: "postgres replication tuning"},
		{ID: "d2", Content: "sourdough bread starter"},
	}, false))

	matches, err := g.QueryDocuments(ctx, "notes", []string{"postgres replication"}, 5, nil, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	require.NotEmpty(t, matches[0])
	assert.Equal(t, "d1", matches[0][0].ID)
}

func TestQueryEmptyCollection(t *testing.T) {
	g := openGateway(t)
	ctx := context.Background()
	require.NoError(t, g.CreateCollection(ctx, "empty", nil, ""))

	matches, err := g.QueryDocuments(ctx, "empty", []string{"anything"}, 5, nil, nil)
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Empty(t, matches[0])
}

func TestUpdateDocuments(t *testing.T) {
	g := openGateway(t)
	ctx := context.Background()
	require.NoError(t, g.CreateCollection(ctx, "notes", nil, ""))
	require.NoError(t, g.AddDocuments(ctx, "notes", []Document{
		{ID: "d1", Content: "original", Metadata: map[string]interface{}{"v": "1"}},
	}, false))

	// Metadata-only update keeps content.
	require.NoError(t, g.UpdateDocuments(ctx, "notes", []Document{
		{ID: "d1", Metadata: map[string]interface{}{"v": "2"}},
	}))
	got, err := g.GetDocuments(ctx, "notes", []string{"d1"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "original", got[0].Content)
	assert.Equal(t, "2", got[0].Metadata["v"])

	// Content-only update keeps metadata.
	require.NoError(t, g.UpdateDocuments(ctx, "notes", []Document{{ID: "d1", Content: "new"}}))
	got, err = g.GetDocuments(ctx, "notes", []string{"d1"}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, "new", got[0].Content)
	assert.Equal(t, "2", got[0].Metadata["v"])

	err = g.UpdateDocuments(ctx, "notes", []Document{{ID: "ghost", Content: "x"}})
	assert.True(t, errkind.Is(err, errkind.NotFound))
}

func TestDeleteDocuments(t *testing.T) {
	g := openGateway(t)
	ctx := context.Background()
	require.NoError(t, g.CreateCollection(ctx, "notes", nil, ""))
	require.NoError(t, g.AddDocuments(ctx, "notes", []Document{
		{ID: "d1", Content: "a"}, {ID: "d2", Content: "b"},
	}, false))

	require.NoError(t, g.DeleteDocuments(ctx, "notes", []string{"d1", "ghost"}))
	count, err := g.Count(ctx, "notes")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSnapshot(t *testing.T) {
	g := openGateway(t)
	ctx := context.Background()
	require.NoError(t, g.CreateCollection(ctx, "a", nil, ""))
	require.NoError(t, g.CreateCollection(ctx, "b", nil, ""))
	require.NoError(t, g.AddDocuments(ctx, "a", []Document{{ID: "d1", Content: "x"}}, false))

	snap, err := g.Snapshot(ctx)
	require.NoError(t, err)
	require.Len(t, snap, 2)
	assert.Len(t, snap["a"], 1)
	assert.Empty(t, snap["b"])
	assert.Equal(t, "x", snap["a"]["d1"].Content)
}

func TestRegistryPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	g, err := Open(dir, 0)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, g.CreateCollection(ctx, "notes", nil, ""))
	require.NoError(t, g.AddDocuments(ctx, "notes", []Document{{ID: "d1", Content: "persisted"}}, false))
	g.Close()

	g2, err := Open(dir, 0)
	require.NoError(t, err)
	defer g2.Close()
	got, err := g2.GetDocuments(ctx, "notes", []string{"d1"}, nil, nil)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "persisted", got[0].Content)
}

func TestLegacyRegistryMigration(t *testing.T) {
	dir := t.TempDir()
	// Legacy registries predate the _type configuration field.
	legacy := map[string]interface{}{
		"collections": map[string]interface{}{
			"old": map[string]interface{}{
				"embedding_function_name": DefaultEmbeddingName,
				"documents":               map[string]interface{}{},
			},
		},
	}
	raw, err := json.Marshal(legacy)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, registryFileName), raw, 0o600))

	g, err := Open(dir, 0)
	require.NoError(t, err)
	g.Close()

	data, err := os.ReadFile(filepath.Join(dir, registryFileName))
	require.NoError(t, err)
	var reg struct {
		Collections map[string]struct {
			Type string `json:"_type"`
		} `json:"collections"`
	}
	require.NoError(t, json.Unmarshal(data, &reg))
	assert.Equal(t, collectionTypeTag, reg.Collections["old"].Type)

	// Migration is idempotent: a second open leaves the file untouched.
	before, err := os.ReadFile(filepath.Join(dir, registryFileName))
	require.NoError(t, err)
	g2, err := Open(dir, 0)
	require.NoError(t, err)
	g2.Close()
	after, err := os.ReadFile(filepath.Join(dir, registryFileName))
	require.NoError(t, err)
	assert.Equal(t, string(before), string(after))
}

func TestClosedGatewayFailsFast(t *testing.T) {
	g, err := Open(t.TempDir(), 0)
	require.NoError(t, err)
	g.Close()
	_, err = g.ListCollections(context.Background(), 0, 0)
	require.Error(t, err)
}

func TestCloseDuringConcurrentSubmissions(t *testing.T) {
	g, err := Open(t.TempDir(), 0)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, g.CreateCollection(ctx, "notes", nil, ""))

	// Writers racing Close must either land on the worker or fail fast;
	// a send on the closed job channel would panic the writer goroutine.
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				id := fmt.Sprintf("d-%d-%d", w, i)
				_ = g.AddDocuments(ctx, "notes", []Document{{ID: id, Content: "x"}}, true)
			}
		}(w)
	}
	g.Close()
	wg.Wait()

	_, err = g.Count(ctx, "notes")
	require.Error(t, err)
}
