// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package lock implements table locks. A table lock is acquired per
// logical table path, in read (shared) or write (exclusive) mode.
// Readers never block each other; a writer excludes every other
// reader and writer on the same path.
//
// The set of lock strategies is closed: File (the default) is
// effective across processes, Memory only within a process, and
// None performs no locking at all. Alternative implementations may
// be injected wherever a Locker is accepted.
package lock

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
)

// Mode is the mode of a table lock.
type Mode int

const (
	// Read locks are shared.
	Read Mode = iota
	// Write locks are exclusive.
	Write
)

func (m Mode) String() string {
	switch m {
	case Read:
		return "read"
	case Write:
		return "write"
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

// A Locker acquires table locks.
type Locker interface {
	// Lock acquires a lock on path in the given mode. If the lock
	// cannot be acquired within timeout, Lock fails with an error of
	// kind errors.Timeout and holds no lock. A non-positive timeout
	// means that Lock attempts acquisition exactly once.
	Lock(ctx context.Context, path string, mode Mode, timeout time.Duration) (Held, error)
}

// Held is an acquired lock.
type Held interface {
	// Unlock releases the lock. Unlock is idempotent.
	Unlock() error
}

// Type names one of the built-in lock strategies.
type Type int

const (
	// File is a process-external lock using flock(2) on a lock file
	// next to the table.
	File Type = iota
	// Memory is an in-process read/write lock.
	Memory
	// None performs no locking.
	None
)

// String returns the type's name, as accepted by ParseType.
func (t Type) String() string {
	switch t {
	case File:
		return "file"
	case Memory:
		return "memory"
	case None:
		return "none"
	}
	return fmt.Sprintf("Type(%d)", int(t))
}

// ParseType parses a lock type name.
func ParseType(s string) (Type, error) {
	switch strings.ToLower(s) {
	case "", "file":
		return File, nil
	case "memory":
		return Memory, nil
	case "none":
		return None, nil
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("unknown lock type %q", s))
}

// New returns the Locker implementing t. Memory lockers share a
// process-wide lock table.
func New(t Type) Locker {
	switch t {
	case Memory:
		return memoryLocker
	case None:
		return noLocker{}
	default:
		return fileLocker{}
	}
}

func timeoutError(path string, mode Mode, timeout time.Duration) error {
	return errors.E(errors.Timeout, fmt.Sprintf("%s lock on %s: not acquired within %s", mode, path, timeout))
}

type noLocker struct{}

func (noLocker) Lock(context.Context, string, Mode, time.Duration) (Held, error) {
	return noHeld{}, nil
}

type noHeld struct{}

func (noHeld) Unlock() error { return nil }
