package doltcli

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/embranch/embranch/internal/errkind"
)

// stubDolt writes an executable shell script named dolt into dir.
func stubDolt(t *testing.T, dir, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("stub executable tests are unix-only")
	}
	path := filepath.Join(dir, "dolt")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRunCapturesOutputAndExit(t *testing.T) {
	dir := t.TempDir()
	exe := stubDolt(t, dir, `echo "stdout line"; echo "stderr line" >&2; exit 0`)
	d := &Driver{RepoPath: dir, Executable: exe}

	res, err := d.Run(context.Background(), "status")
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || res.ExitCode != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Output != "stdout line" || res.Error != "stderr line" {
		t.Fatalf("unexpected capture: %+v", res)
	}
}

func TestRunNonZeroExitIsNotAnError(t *testing.T) {
	dir := t.TempDir()
	exe := stubDolt(t, dir, `echo "fatal: not a dolt repo" >&2; exit 1`)
	d := &Driver{RepoPath: dir, Executable: exe}

	res, err := d.Run(context.Background(), "status")
	if err != nil {
		t.Fatalf("non-zero exit should surface in the result, got error %v", err)
	}
	if res.Success || res.ExitCode != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.Error != "fatal: not a dolt repo" {
		t.Fatalf("unexpected stderr: %q", res.Error)
	}
}

func TestRunTimeout(t *testing.T) {
	dir := t.TempDir()
	exe := stubDolt(t, dir, `sleep 5`)
	d := &Driver{RepoPath: dir, Executable: exe, Timeout: 100 * time.Millisecond}

	_, err := d.Run(context.Background(), "pull", "origin", "main")
	if !errkind.Is(err, errkind.TimedOut) {
		t.Fatalf("expected TimedOut, got %v", err)
	}
}

func TestRunLaunchFailure(t *testing.T) {
	d := &Driver{RepoPath: t.TempDir(), Executable: filepath.Join(t.TempDir(), "missing-dolt")}
	res, err := d.Run(context.Background(), "status")
	if err == nil {
		t.Fatal("expected launch failure")
	}
	if res.Success {
		t.Fatalf("launch failure must not report success: %+v", res)
	}
}

func TestIsInitialized(t *testing.T) {
	dir := t.TempDir()
	d := New(dir)
	if d.IsInitialized() {
		t.Fatal("empty dir reported as initialized")
	}
	if err := os.MkdirAll(filepath.Join(dir, ".dolt"), 0o755); err != nil {
		t.Fatal(err)
	}
	if !d.IsInitialized() {
		t.Fatal("dir with .dolt not reported as initialized")
	}
}

func TestCurrentBranchDetached(t *testing.T) {
	dir := t.TempDir()
	exe := stubDolt(t, dir, `echo "HEAD detached at abc1234"; echo "nothing to commit, working tree clean"`)
	d := &Driver{RepoPath: dir, Executable: exe}

	branch, err := d.CurrentBranch(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if branch != "" {
		t.Fatalf("detached HEAD must yield empty branch, got %q", branch)
	}
}

func TestHeadCommitHashEmptyRepo(t *testing.T) {
	dir := t.TempDir()
	// dolt log fails on a repo without commits.
	exe := stubDolt(t, dir, `echo "error: no commits" >&2; exit 1`)
	d := &Driver{RepoPath: dir, Executable: exe}

	hash, err := d.HeadCommitHash(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if hash != "" {
		t.Fatalf("expected empty hash for empty repo, got %q", hash)
	}
}
