// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package lock

import (
	"context"
	"sync"
	"time"

	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
)

var memoryLocker = newMemLocker()

// memLocker is an in-process read/write lock table keyed by path.
type memLocker struct {
	mu       sync.Mutex
	released releases
	state    map[string]*memState
}

func newMemLocker() *memLocker {
	m := &memLocker{state: make(map[string]*memState)}
	m.released.mu = &m.mu
	return m
}

type memState struct {
	readers int
	writer  bool
}

func (m *memLocker) Lock(ctx context.Context, path string, mode Mode, timeout time.Duration) (Held, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	for {
		s := m.state[path]
		if s == nil {
			s = new(memState)
			m.state[path] = s
		}
		if !s.writer && (mode == Read || s.readers == 0) {
			if mode == Read {
				s.readers++
			} else {
				s.writer = true
			}
			log.Debug.Printf("memory lock: acquired %s lock on %s", mode, path)
			return &memHeld{m: m, path: path, mode: mode}, nil
		}
		if timeout <= 0 {
			return nil, timeoutError(path, mode, timeout)
		}
		if err := m.released.wait(ctx); err != nil {
			if err == context.DeadlineExceeded {
				return nil, timeoutError(path, mode, timeout)
			}
			return nil, err
		}
	}
}

type memHeld struct {
	m        *memLocker
	path     string
	mode     Mode
	released bool
}

func (h *memHeld) Unlock() error {
	h.m.mu.Lock()
	defer h.m.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true
	s := h.m.state[h.path]
	must.True(s != nil, "memory lock: unlock of unknown path")
	if h.mode == Read {
		s.readers--
	} else {
		s.writer = false
	}
	if s.readers == 0 && !s.writer {
		delete(h.m.state, h.path)
	}
	h.m.released.notify()
	log.Debug.Printf("memory lock: released %s lock on %s", h.mode, h.path)
	return nil
}
