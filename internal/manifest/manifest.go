// Package manifest reads and writes the project-local .dmms/state.json
// file, the single source of truth for which branch and commit this
// workstation should be on.
//
// Writes are atomic (temp file, fsync, rename) and guarded by an
// OS-level exclusive lock so concurrent embranch processes cannot
// corrupt the file. Unknown fields survive a read/write round trip.
package manifest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

const (
	// DirName is the project-local state directory.
	DirName = ".dmms"
	// FileName is the manifest file within DirName.
	FileName = "state.json"
	// Version is the current manifest schema version.
	Version = 1
)

// InitMode controls startup reconciliation behavior.
type InitMode string

const (
	InitAuto     InitMode = "auto"
	InitManual   InitMode = "manual"
	InitDisabled InitMode = "disabled"
)

// DoltState is the dolt section of the manifest.
type DoltState struct {
	RemoteURL     *string `json:"remote_url"`
	CurrentBranch *string `json:"current_branch"`
	CurrentCommit *string `json:"current_commit"`
	DefaultBranch string  `json:"default_branch"`
}

// Manifest is the parsed state.json.
type Manifest struct {
	Version   int       `json:"version"`
	Dolt      DoltState `json:"dolt"`
	InitMode  InitMode  `json:"init_mode"`
	UpdatedAt time.Time `json:"updated_at"`

	// extra holds fields this version does not know about, preserved on
	// write for forward compatibility.
	extra map[string]json.RawMessage
}

var knownFields = map[string]bool{
	"version": true, "dolt": true, "init_mode": true, "updated_at": true,
}

// UnmarshalJSON keeps unknown top-level fields alongside the known ones.
func (m *Manifest) UnmarshalJSON(data []byte) error {
	type alias Manifest
	var known alias
	if err := json.Unmarshal(data, &known); err != nil {
		return err
	}
	*m = Manifest(known)

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	for k, v := range raw {
		if !knownFields[k] {
			if m.extra == nil {
				m.extra = make(map[string]json.RawMessage)
			}
			m.extra[k] = v
		}
	}
	return nil
}

// MarshalJSON re-emits preserved unknown fields.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, 4+len(m.extra))
	for k, v := range m.extra {
		out[k] = v
	}
	enc := func(k string, v interface{}) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		out[k] = b
		return nil
	}
	if err := enc("version", m.Version); err != nil {
		return nil, err
	}
	if err := enc("dolt", m.Dolt); err != nil {
		return nil, err
	}
	if err := enc("init_mode", m.InitMode); err != nil {
		return nil, err
	}
	if err := enc("updated_at", m.UpdatedAt); err != nil {
		return nil, err
	}
	return json.Marshal(out)
}

// Path returns the manifest location for a project root.
func Path(root string) string {
	return filepath.Join(root, DirName, FileName)
}

// Default builds a fresh manifest. remoteURL may be empty for a
// strictly local repository.
func Default(remoteURL, defaultBranch string, mode InitMode) *Manifest {
	if defaultBranch == "" {
		defaultBranch = "main"
	}
	if mode == "" {
		mode = InitAuto
	}
	m := &Manifest{
		Version:   Version,
		Dolt:      DoltState{DefaultBranch: defaultBranch},
		InitMode:  mode,
		UpdatedAt: time.Now().UTC(),
	}
	if remoteURL != "" {
		m.Dolt.RemoteURL = &remoteURL
	}
	return m
}

// Read loads the manifest for root. Returns (nil, nil) when no manifest
// exists.
func Read(root string) (*Manifest, error) {
	data, err := os.ReadFile(Path(root))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading manifest: %w", err)
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest: %w", err)
	}
	return &m, nil
}

// Write persists the manifest atomically under an exclusive file lock.
// UpdatedAt is stamped on every write.
func Write(root string, m *Manifest) error {
	path := Path(root)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating manifest dir: %w", err)
	}

	lock := flock.New(path + ".lock")
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("locking manifest: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	m.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling manifest: %w", err)
	}
	data = append(data, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(path), FileName+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp manifest: %w", err)
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }() // no-op after successful rename

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing temp manifest: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("syncing temp manifest: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp manifest: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("renaming manifest: %w", err)
	}
	return nil
}

// CreateDefault writes a default manifest only when none exists yet.
// Returns the manifest in effect afterwards.
func CreateDefault(root, remoteURL, defaultBranch string, mode InitMode) (*Manifest, error) {
	existing, err := Read(root)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}
	m := Default(remoteURL, defaultBranch, mode)
	if err := Write(root, m); err != nil {
		return nil, err
	}
	return m, nil
}

// UpdateDoltState records the current branch and commit after a
// state-changing Dolt operation. Empty branch means detached HEAD;
// empty commit means a repository with no commits yet.
func UpdateDoltState(root, branch, commit string) (*Manifest, error) {
	m, err := Read(root)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("no manifest at %s", Path(root))
	}
	if branch == "" {
		m.Dolt.CurrentBranch = nil
	} else {
		m.Dolt.CurrentBranch = &branch
	}
	if commit == "" {
		m.Dolt.CurrentCommit = nil
	} else {
		m.Dolt.CurrentCommit = &commit
	}
	if err := Write(root, m); err != nil {
		return nil, err
	}
	return m, nil
}

// SetRemote records the canonical remote URL.
func SetRemote(root, url string) (*Manifest, error) {
	m, err := Read(root)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, fmt.Errorf("no manifest at %s", Path(root))
	}
	m.Dolt.RemoteURL = &url
	if err := Write(root, m); err != nil {
		return nil, err
	}
	return m, nil
}
