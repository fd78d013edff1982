// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

//go:build !windows
// +build !windows

package lock

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/fileio"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/retry"
	"github.com/grailbio/gordict/storage"
	"golang.org/x/sys/unix"
)

// pollPolicy determines how often a contended file lock is retried.
var pollPolicy = retry.Backoff(5*time.Millisecond, 500*time.Millisecond, 1.5)

// fileLocker locks a table by flock(2) on a hidden lock file next to
// the table file. The lock is effective across processes sharing the
// file system (subject to the file system's flock support), and
// between independent lock acquisitions within a process, since each
// acquisition opens its own file description.
type fileLocker struct{}

// Path returns the lock file used for the table at path.
func Path(path string) string {
	return storage.Join(storage.Dir(path), "."+storage.Base(path)+".lock")
}

func (fileLocker) Lock(ctx context.Context, path string, mode Mode, timeout time.Duration) (Held, error) {
	if storage.IsURL(path) {
		return nil, errors.E(errors.NotSupported, fmt.Sprintf("file lock on %s: only local tables can be file locked", path))
	}
	lockPath := Path(path)
	if err := os.MkdirAll(storage.Dir(lockPath), 0777); err != nil {
		return nil, errors.E(fmt.Sprintf("create lock directory for %s", path), err)
	}
	f, err := os.OpenFile(lockPath, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, errors.E(fmt.Sprintf("open lock file %s", lockPath), err)
	}
	how := unix.LOCK_SH
	if mode == Write {
		how = unix.LOCK_EX
	}
	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	for retries, last := 0, false; ; retries++ {
		err = unix.Flock(int(f.Fd()), how|unix.LOCK_NB)
		if err == nil {
			log.Debug.Printf("file lock: acquired %s lock on %s", mode, path)
			return &fileHeld{f: f, path: path, mode: mode}, nil
		}
		if err != unix.EWOULDBLOCK && err != unix.EINTR {
			fileio.CloseAndReport(f, &err)
			return nil, errors.E(fmt.Sprintf("flock %s", lockPath), err)
		}
		if timeout <= 0 || last {
			break
		}
		if waitErr := retry.Wait(waitCtx, pollPolicy, retries); waitErr != nil {
			// The next backoff overruns the deadline: try once more
			// when it is reached.
			<-waitCtx.Done()
			if ctx.Err() != nil {
				f.Close()
				return nil, ctx.Err()
			}
			last = true
		}
	}
	if err := f.Close(); err != nil {
		log.Error.Printf("file lock: close %s: %v", lockPath, err)
	}
	return nil, timeoutError(path, mode, timeout)
}

type fileHeld struct {
	mu   sync.Mutex
	f    *os.File
	path string
	mode Mode
}

func (h *fileHeld) Unlock() (err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.f == nil {
		return nil
	}
	f := h.f
	h.f = nil
	defer fileio.CloseAndReport(f, &err)
	if err = unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		return errors.E(fmt.Sprintf("unlock %s", h.path), err)
	}
	log.Debug.Printf("file lock: released %s lock on %s", h.mode, h.path)
	return nil
}
