//go:build !unix

package store

import "os"

// Non-unix platforms fall back to no-op locking; the open-segment marker
// still detects concurrent writers after the fact.
func flockExclusive(f *os.File) error { return nil }

func funlock(f *os.File) error { return nil }
