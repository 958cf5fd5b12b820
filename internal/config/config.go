// Package config loads embranch configuration from the environment
// through viper. Every setting is optional; defaults match a local-only
// workstation setup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/embranch/embranch/internal/manifest"
)

// Config is the resolved embranch configuration.
type Config struct {
	ProjectRoot    string
	RepoPath       string // Dolt working copy, default <root>/.dmms/dolt
	ChromaDataPath string // vector store dir, default <root>/.dmms/chroma
	DoltExecutable string // empty means resolve via PATH
	RemoteName     string
	RemoteURLSeed  string // seeds the initial manifest only
	CommandTimeout time.Duration
	UseManifest    bool
	InitMode       manifest.InitMode
	QueueSize      int // Chroma worker queue bound
}

// Load resolves configuration from environment variables. Branch and
// commit targeting lives solely in the manifest, so the retired
// DMMS_TARGET_BRANCH / DMMS_TARGET_COMMIT variables are deliberately
// never read here.
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("DOLT_REMOTE_NAME", "origin")
	v.SetDefault("DOLT_COMMAND_TIMEOUT", 60)
	v.SetDefault("DMMS_USE_MANIFEST", true)
	v.SetDefault("DMMS_INIT_MODE", string(manifest.InitAuto))
	v.SetDefault("DMMS_AUTO_DETECT_PROJECT_ROOT", true)
	v.SetDefault("EMBRANCH_QUEUE_SIZE", 64)

	root := v.GetString("DMMS_PROJECT_ROOT")
	if root == "" {
		if v.GetBool("DMMS_AUTO_DETECT_PROJECT_ROOT") {
			root = detectProjectRoot()
		}
		if root == "" {
			wd, err := os.Getwd()
			if err != nil {
				return nil, fmt.Errorf("resolving working directory: %w", err)
			}
			root = wd
		}
	}

	dataPath := v.GetString("DMMS_DATA_PATH")
	if dataPath == "" {
		dataPath = filepath.Join(root, manifest.DirName)
	}

	repoPath := v.GetString("DOLT_REPOSITORY_PATH")
	if repoPath == "" {
		repoPath = filepath.Join(dataPath, "dolt")
	}

	chromaPath := v.GetString("CHROMA_DATA_PATH")
	if chromaPath == "" {
		chromaPath = filepath.Join(dataPath, "chroma")
	}

	mode := manifest.InitMode(v.GetString("DMMS_INIT_MODE"))
	switch mode {
	case manifest.InitAuto, manifest.InitManual, manifest.InitDisabled:
	default:
		return nil, fmt.Errorf("invalid DMMS_INIT_MODE %q", mode)
	}

	timeoutSecs := v.GetInt("DOLT_COMMAND_TIMEOUT")
	if timeoutSecs <= 0 {
		timeoutSecs = 60
	}

	return &Config{
		ProjectRoot:    root,
		RepoPath:       repoPath,
		ChromaDataPath: chromaPath,
		DoltExecutable: v.GetString("DOLT_EXECUTABLE_PATH"),
		RemoteName:     v.GetString("DOLT_REMOTE_NAME"),
		RemoteURLSeed:  v.GetString("DOLT_REMOTE_URL"),
		CommandTimeout: time.Duration(timeoutSecs) * time.Second,
		UseManifest:    v.GetBool("DMMS_USE_MANIFEST"),
		InitMode:       mode,
		QueueSize:      v.GetInt("EMBRANCH_QUEUE_SIZE"),
	}, nil
}

// detectProjectRoot walks up from the working directory looking for an
// existing .dmms directory. Returns "" when none is found.
func detectProjectRoot() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		if info, err := os.Stat(filepath.Join(dir, manifest.DirName)); err == nil && info.IsDir() {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}
