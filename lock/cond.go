// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package lock

import (
	"context"
	"sync"
)

// releases tells waiting memory lock acquisitions that some path was
// unlocked. Waiters recheck their own path's state after each
// release. All methods are called with mu held.
type releases struct {
	mu *sync.Mutex
	c  chan struct{}
}

// notify wakes every acquisition waiting in wait.
func (r *releases) notify() {
	if r.c != nil {
		close(r.c)
		r.c = nil
	}
}

// wait drops mu until the next notify or until ctx is done, whose
// error it then returns. The lock deadline is carried by ctx.
func (r *releases) wait(ctx context.Context) error {
	if r.c == nil {
		r.c = make(chan struct{})
	}
	c := r.c
	r.mu.Unlock()
	defer r.mu.Lock()
	select {
	case <-c:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
