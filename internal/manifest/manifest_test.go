package manifest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadAbsentReturnsNil(t *testing.T) {
	m, err := Read(t.TempDir())
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestWriteReadRoundTrip(t *testing.T) {
	root := t.TempDir()
	url := "https://doltremoteapi.dolthub.com/org/repo"
	branch := "main"
	commit := "abcd1234"

	m := Default(url, "main", InitAuto)
	m.Dolt.CurrentBranch = &branch
	m.Dolt.CurrentCommit = &commit
	require.NoError(t, Write(root, m))

	got, err := Read(root)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, Version, got.Version)
	require.NotNil(t, got.Dolt.RemoteURL)
	assert.Equal(t, url, *got.Dolt.RemoteURL)
	assert.Equal(t, "main", *got.Dolt.CurrentBranch)
	assert.Equal(t, "abcd1234", *got.Dolt.CurrentCommit)
	assert.Equal(t, InitAuto, got.InitMode)
	assert.False(t, got.UpdatedAt.IsZero())
}

func TestUnknownFieldsPreserved(t *testing.T) {
	root := t.TempDir()
	raw := `{
		"version": 1,
		"dolt": {"remote_url": null, "current_branch": null, "current_commit": null, "default_branch": "main"},
		"init_mode": "manual",
		"updated_at": "2026-01-02T03:04:05Z",
		"future_field": {"nested": true}
	}`
	require.NoError(t, os.MkdirAll(filepath.Join(root, DirName), 0o755))
	require.NoError(t, os.WriteFile(Path(root), []byte(raw), 0o644))

	m, err := Read(root)
	require.NoError(t, err)
	require.NoError(t, Write(root, m))

	data, err := os.ReadFile(Path(root))
	require.NoError(t, err)
	var round map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &round))
	assert.Contains(t, round, "future_field")
	assert.JSONEq(t, `{"nested": true}`, string(round["future_field"]))
}

func TestCreateDefaultNeverOverwrites(t *testing.T) {
	root := t.TempDir()
	first, err := CreateDefault(root, "https://example.com/org/repo", "main", InitAuto)
	require.NoError(t, err)
	require.NotNil(t, first.Dolt.RemoteURL)

	second, err := CreateDefault(root, "https://other.example/org/x", "trunk", InitManual)
	require.NoError(t, err)
	assert.Equal(t, *first.Dolt.RemoteURL, *second.Dolt.RemoteURL)
	assert.Equal(t, InitAuto, second.InitMode)
}

func TestUpdateDoltStateNullsDetachedAndEmpty(t *testing.T) {
	root := t.TempDir()
	_, err := CreateDefault(root, "", "main", InitAuto)
	require.NoError(t, err)

	m, err := UpdateDoltState(root, "", "")
	require.NoError(t, err)
	assert.Nil(t, m.Dolt.CurrentBranch)
	assert.Nil(t, m.Dolt.CurrentCommit)

	m, err = UpdateDoltState(root, "feature", "beef456")
	require.NoError(t, err)
	assert.Equal(t, "feature", *m.Dolt.CurrentBranch)
	assert.Equal(t, "beef456", *m.Dolt.CurrentCommit)
}

func TestSetRemote(t *testing.T) {
	root := t.TempDir()
	_, err := CreateDefault(root, "", "main", InitAuto)
	require.NoError(t, err)

	m, err := SetRemote(root, "https://doltremoteapi.dolthub.com/org/repo")
	require.NoError(t, err)
	require.NotNil(t, m.Dolt.RemoteURL)
	assert.Equal(t, "https://doltremoteapi.dolthub.com/org/repo", *m.Dolt.RemoteURL)
}

// Concurrent writers must each leave a fully parseable file behind.
func TestConcurrentWritesStayParseable(t *testing.T) {
	root := t.TempDir()
	_, err := CreateDefault(root, "", "main", InitAuto)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			branch := "main"
			commit := "c0ffee"
			m := Default("", "main", InitAuto)
			m.Dolt.CurrentBranch = &branch
			m.Dolt.CurrentCommit = &commit
			_ = Write(root, m)
		}(i)
	}
	wg.Wait()

	got, err := Read(root)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "c0ffee", *got.Dolt.CurrentCommit)
}
