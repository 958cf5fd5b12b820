//go:build unix

package lockfile

import (
	"errors"
	"testing"
)

func TestAcquireRelease(t *testing.T) {
	root := t.TempDir()
	l, err := Acquire(root)
	if err != nil {
		t.Fatal(err)
	}
	l.Release()

	// Reacquire after release must succeed.
	l2, err := Acquire(root)
	if err != nil {
		t.Fatal(err)
	}
	l2.Release()
}

func TestSecondAcquireFails(t *testing.T) {
	root := t.TempDir()
	l, err := Acquire(root)
	if err != nil {
		t.Fatal(err)
	}
	defer l.Release()

	_, err = Acquire(root)
	if !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
}
