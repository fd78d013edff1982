// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dict

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/gordict/lock"
	"github.com/grailbio/gordict/storage"
)

// DefaultLockTimeout is the lock timeout used when TxOptions.Timeout
// is zero.
const DefaultLockTimeout = 30 * time.Minute

// TxOptions configures a transaction.
type TxOptions struct {
	// Locker acquires the table lock. The default is a file lock.
	Locker lock.Locker
	// Timeout bounds lock acquisition. The default is
	// DefaultLockTimeout.
	Timeout time.Duration
	// Cache is consulted by read transactions and updated on
	// commit. A nil cache disables caching.
	Cache *Cache
	// Reader is used to access the table file. The default is
	// storage.Default.
	Reader storage.FileReader
	// Create permits transactions on tables that do not yet exist.
	Create bool
}

func (o TxOptions) withDefaults() TxOptions {
	if o.Locker == nil {
		o.Locker = lock.New(lock.File)
	}
	if o.Timeout == 0 {
		o.Timeout = DefaultLockTimeout
	}
	if o.Reader == nil {
		o.Reader = storage.Default
	}
	return o
}

// A Tx is a transaction on a table: a held table lock and the table
// loaded under it. Every transaction must be closed; Close releases
// the lock, discarding uncommitted changes.
type Tx struct {
	mode  lock.Mode
	table *Table
	cache *Cache

	mu   sync.Mutex
	held lock.Held
}

// BeginRead starts a read transaction on the table at path. The
// table of a read transaction cannot be mutated.
func BeginRead(ctx context.Context, path string, opts TxOptions) (*Tx, error) {
	return begin(ctx, path, lock.Read, opts)
}

// BeginWrite starts a write transaction on the table at path. The
// transaction's table may be mutated; changes are persisted by
// Commit.
func BeginWrite(ctx context.Context, path string, opts TxOptions) (*Tx, error) {
	return begin(ctx, path, lock.Write, opts)
}

func begin(ctx context.Context, path string, mode lock.Mode, opts TxOptions) (tx *Tx, err error) {
	opts = opts.withDefaults()
	resolved := opts.Reader.Resolve(path)
	held, err := opts.Locker.Lock(ctx, resolved, mode, opts.Timeout)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err == nil {
			return
		}
		if unlockErr := held.Unlock(); unlockErr != nil {
			log.Error.Printf("%s: release %s lock: %v", resolved, mode, unlockErr)
		}
	}()
	var t *Table
	switch {
	case mode == lock.Write:
		// Writers always work on a private copy so that cached
		// tables are never mutated.
		t, err = Open(ctx, opts.Reader, resolved, opts.Create)
	case opts.Create:
		t, err = opts.Cache.GetOrCreate(ctx, opts.Reader, resolved)
	default:
		t, err = opts.Cache.Get(ctx, opts.Reader, resolved)
	}
	if err != nil {
		return nil, err
	}
	if mode == lock.Write {
		t.mu.Lock()
		t.writable = true
		t.mu.Unlock()
	}
	return &Tx{mode: mode, table: t, cache: opts.Cache, held: held}, nil
}

// Table returns the transaction's table.
func (tx *Tx) Table() *Table { return tx.table }

// Mode returns the transaction's lock mode.
func (tx *Tx) Mode() lock.Mode { return tx.mode }

// Commit persists the table of a write transaction and releases the
// transaction's lock. The table is written even when unmodified, so
// that its serial number records the transaction. If saving fails,
// the lock is still released and the stored table is unchanged.
func (tx *Tx) Commit(ctx context.Context) (err error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.held == nil {
		return errors.E(errors.Precondition, fmt.Sprintf("commit %s: transaction is closed", tx.table.Path()))
	}
	if tx.mode != lock.Write {
		return errors.E(errors.Precondition, fmt.Sprintf("commit %s: not a write transaction", tx.table.Path()))
	}
	defer func() {
		if unlockErr := tx.release(); err == nil {
			err = unlockErr
		}
	}()
	if err = tx.table.save(ctx); err != nil {
		return err
	}
	tx.cache.Update(tx.table)
	return nil
}

// Close releases the transaction's lock. Uncommitted changes are
// discarded. Close is idempotent and may be called after Commit.
func (tx *Tx) Close() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.release()
}

func (tx *Tx) release() error {
	if tx.held == nil {
		return nil
	}
	tx.table.mu.Lock()
	tx.table.writable = false
	tx.table.mu.Unlock()
	held := tx.held
	tx.held = nil
	return held.Unlock()
}

// Read runs fn within a read transaction on the table at path.
func Read(ctx context.Context, path string, opts TxOptions, fn func(*Table) error) (err error) {
	tx, err := BeginRead(ctx, path, opts)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := tx.Close(); err == nil {
			err = closeErr
		}
	}()
	return fn(tx.table)
}

// Write runs fn within a write transaction on the table at path,
// committing it if fn succeeds. If fn fails, or panics, no change is
// persisted and the lock is released.
func Write(ctx context.Context, path string, opts TxOptions, fn func(*Table) error) (err error) {
	tx, err := BeginWrite(ctx, path, opts)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := tx.Close(); err == nil {
			err = closeErr
		}
	}()
	if err = fn(tx.table); err != nil {
		return err
	}
	return tx.Commit(ctx)
}
