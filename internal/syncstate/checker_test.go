package syncstate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embranch/embranch/internal/doltcli"
	"github.com/embranch/embranch/internal/manifest"
)

// newRepo fakes a Dolt repo whose status and log come from a stub
// executable.
func newRepo(t *testing.T, statusOut, logOut string) (string, *doltcli.Driver, func() int) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub executable tests are unix-only")
	}
	root := t.TempDir()
	repo := filepath.Join(root, ".dmms", "dolt")
	require.NoError(t, os.MkdirAll(filepath.Join(repo, ".dolt"), 0o755))

	countPath := filepath.Join(root, "calls.log")
	script := fmt.Sprintf(`#!/bin/sh
echo "$1" >> %s
case "$1" in
status) cat <<'EOF'
%s
EOF
;;
log) cat <<'EOF'
%s
EOF
;;
esac
`, countPath, statusOut, logOut)
	exe := filepath.Join(root, "dolt")
	require.NoError(t, os.WriteFile(exe, []byte(script), 0o755))

	d := &doltcli.Driver{RepoPath: repo, Executable: exe}
	calls := func() int {
		data, _ := os.ReadFile(countPath)
		return len(strings.Fields(string(data)))
	}
	return root, d, calls
}

func writeManifest(t *testing.T, root, branch, commit string) {
	t.Helper()
	m := manifest.Default("", "main", manifest.InitAuto)
	if branch != "" {
		m.Dolt.CurrentBranch = &branch
	}
	if commit != "" {
		m.Dolt.CurrentCommit = &commit
	}
	require.NoError(t, manifest.Write(root, m))
}

const cleanStatus = "On branch main\nnothing to commit, working tree clean"

func logFor(hashes ...string) string {
	var b strings.Builder
	for _, h := range hashes {
		fmt.Fprintf(&b, "commit %s\nAuthor: T <t@example.com>\nDate:   Mon Jan 02 15:04:05 -0700 2006\n\n        msg\n\n", h)
	}
	return strings.TrimRight(b.String(), "\n")
}

func TestNoManifestIsInSync(t *testing.T) {
	root, d, _ := newRepo(t, cleanStatus, logFor("abcd123"))
	res, err := New(root, d).Check(context.Background())
	require.NoError(t, err)
	assert.True(t, res.InSync)
	assert.Equal(t, "no manifest", res.Reason)
}

func TestMatchingStateIsInSync(t *testing.T) {
	root, d, _ := newRepo(t, cleanStatus, logFor("abcd123"))
	writeManifest(t, root, "main", "abcd123")

	res, err := New(root, d).Check(context.Background())
	require.NoError(t, err)
	assert.True(t, res.InSync)
	assert.False(t, res.HasLocalChanges)
	assert.False(t, res.LocalAheadOfManifest)
}

func TestLocalChangesBreakSync(t *testing.T) {
	dirty := "On branch main\nChanges not staged for commit:\n\tmodified:         documents"
	root, d, _ := newRepo(t, dirty, logFor("abcd123"))
	writeManifest(t, root, "main", "abcd123")

	res, err := New(root, d).Check(context.Background())
	require.NoError(t, err)
	assert.False(t, res.InSync)
	assert.True(t, res.HasLocalChanges)
	assert.False(t, res.SafeToSync())
}

func TestBranchMismatch(t *testing.T) {
	status := "On branch feature\nnothing to commit, working tree clean"
	root, d, _ := newRepo(t, status, logFor("beef456"))
	writeManifest(t, root, "main", "abcd123")

	res, err := New(root, d).Check(context.Background())
	require.NoError(t, err)
	assert.False(t, res.InSync)
	assert.Equal(t, "feature", res.LocalBranch)
	assert.Equal(t, "main", res.ManifestBranch)
}

func TestLocalAheadOfManifest(t *testing.T) {
	// HEAD is def9999 with abcd123 as an ancestor.
	root, d, _ := newRepo(t, cleanStatus, logFor("def9999", "abcd123"))
	writeManifest(t, root, "main", "abcd123")

	res, err := New(root, d).Check(context.Background())
	require.NoError(t, err)
	assert.False(t, res.InSync)
	assert.True(t, res.LocalAheadOfManifest)
	assert.False(t, res.SafeToSync())
}

func TestShortHashMatchesFullHash(t *testing.T) {
	root, d, _ := newRepo(t, cleanStatus, logFor("abcd1234567890abcdef"))
	writeManifest(t, root, "main", "abcd123")

	res, err := New(root, d).Check(context.Background())
	require.NoError(t, err)
	assert.True(t, res.InSync)
}

func TestCheckIsCachedUntilInvalidated(t *testing.T) {
	root, d, calls := newRepo(t, cleanStatus, logFor("abcd123"))
	writeManifest(t, root, "main", "abcd123")

	c := New(root, d)
	_, err := c.Check(context.Background())
	require.NoError(t, err)
	n := calls()
	_, err = c.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, n, calls(), "cached check must not re-invoke dolt")

	c.Invalidate()
	_, err = c.Check(context.Background())
	require.NoError(t, err)
	assert.Greater(t, calls(), n)
}
