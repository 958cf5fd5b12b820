package config

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/embranch/embranch/internal/manifest"
)

func TestLoadDefaults(t *testing.T) {
	root := t.TempDir()
	t.Setenv("DMMS_PROJECT_ROOT", root)

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, root, cfg.ProjectRoot)
	assert.Equal(t, filepath.Join(root, ".dmms", "dolt"), cfg.RepoPath)
	assert.Equal(t, filepath.Join(root, ".dmms", "chroma"), cfg.ChromaDataPath)
	assert.Equal(t, "origin", cfg.RemoteName)
	assert.Equal(t, 60*time.Second, cfg.CommandTimeout)
	assert.True(t, cfg.UseManifest)
	assert.Equal(t, manifest.InitAuto, cfg.InitMode)
	assert.Equal(t, 64, cfg.QueueSize)
}

func TestLoadOverrides(t *testing.T) {
	root := t.TempDir()
	t.Setenv("DMMS_PROJECT_ROOT", root)
	t.Setenv("DOLT_REPOSITORY_PATH", filepath.Join(root, "repo"))
	t.Setenv("DOLT_REMOTE_NAME", "upstream")
	t.Setenv("DOLT_REMOTE_URL", "https://doltremoteapi.dolthub.com/org/repo")
	t.Setenv("DOLT_COMMAND_TIMEOUT", "5")
	t.Setenv("DMMS_INIT_MODE", "manual")
	t.Setenv("DMMS_USE_MANIFEST", "false")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "repo"), cfg.RepoPath)
	assert.Equal(t, "upstream", cfg.RemoteName)
	assert.Equal(t, "https://doltremoteapi.dolthub.com/org/repo", cfg.RemoteURLSeed)
	assert.Equal(t, 5*time.Second, cfg.CommandTimeout)
	assert.Equal(t, manifest.InitManual, cfg.InitMode)
	assert.False(t, cfg.UseManifest)
}

func TestLoadRejectsBadInitMode(t *testing.T) {
	t.Setenv("DMMS_PROJECT_ROOT", t.TempDir())
	t.Setenv("DMMS_INIT_MODE", "yolo")
	_, err := Load()
	require.Error(t, err)
}

// Branch and commit targeting was moved into the manifest; the old env
// vars must not leak back in through config.
func TestRetiredTargetVarsIgnored(t *testing.T) {
	root := t.TempDir()
	t.Setenv("DMMS_PROJECT_ROOT", root)
	t.Setenv("DMMS_TARGET_BRANCH", "feature")
	t.Setenv("DMMS_TARGET_COMMIT", "abc123")

	cfg, err := Load()
	require.NoError(t, err)
	// Nothing in the config reflects the retired variables.
	assert.NotContains(t, cfg.RepoPath, "feature")
	assert.Equal(t, manifest.InitAuto, cfg.InitMode)
}
