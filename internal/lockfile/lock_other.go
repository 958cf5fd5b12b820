//go:build !unix

package lockfile

import "os"

// Non-unix platforms fall back to O_CREATE|O_EXCL semantics handled at
// open time; the flock calls are no-ops.
func flockExclusive(_ *os.File) error { return nil }

func flockUnlock(_ *os.File) error { return nil }
