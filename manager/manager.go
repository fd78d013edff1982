// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package manager provides Manager, the entry point for working with
// dictionary tables. Every operation on a table runs in exactly one
// transaction: mutations in a write transaction, queries in a read
// transaction. The lock strategy and timeout configured on the
// Manager apply to every transaction it opens.
package manager

import (
	"context"
	"fmt"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/gordict/bucket"
	"github.com/grailbio/gordict/dict"
	"github.com/grailbio/gordict/lock"
	"github.com/grailbio/gordict/nested"
	"github.com/grailbio/gordict/rowio"
	"github.com/grailbio/gordict/storage"
	"github.com/prometheus/client_golang/prometheus"
)

// Options configures a Manager. The zero value is a usable
// configuration.
type Options struct {
	// LockType selects the lock strategy. It is ignored if Locker is
	// set.
	LockType lock.Type
	// Locker overrides the lock strategy.
	Locker lock.Locker
	// LockTimeout bounds lock acquisition. The default is
	// dict.DefaultLockTimeout.
	LockTimeout time.Duration
	// BucketSize, MinBucketSize and GracePeriod configure
	// bucketization; see bucket.Options for their defaults.
	BucketSize    int
	MinBucketSize int
	GracePeriod   time.Duration
	// BucketDirs are the table's bucket directories, used when a
	// call does not name its own. DeleteBuckets deletes unknown
	// buckets only from these directories.
	BucketDirs []string
	// Cache caches tables for read transactions. The default is
	// dict.DefaultCache.
	Cache *dict.Cache
	// NoCache disables table caching.
	NoCache bool
	// Reader accesses table files. The default is storage.Default.
	Reader storage.FileReader
	// Registerer, if set, registers the manager's metrics.
	Registerer prometheus.Registerer
}

// A Selection restricts the entries of a table. Empty fields do not
// constrain the selection; the constraints of non-empty fields must
// all hold.
type Selection struct {
	Files, Aliases, Tags, Buckets []string
	// Range selects entries overlapping a genomic range.
	Range string
	// IncludeDeleted also selects tombstones.
	IncludeDeleted bool
}

func (s Selection) apply(t *dict.Table) *dict.Filter {
	return t.Filter().
		Files(s.Files...).
		Aliases(s.Aliases...).
		Tags(s.Tags...).
		Buckets(s.Buckets...).
		Range(s.Range).
		IncludeDeleted(s.IncludeDeleted)
}

// BucketizeOptions are the per-call parameters of Bucketize.
type BucketizeOptions struct {
	// Workers is the number of buckets created in parallel.
	Workers int
	// MaxBuckets limits the number of buckets created. Zero means no
	// limit.
	MaxBuckets int
	// Dirs are the directories to write buckets to.
	Dirs []string
	// Compress writes zstd compressed buckets.
	Compress bool
}

// OpenOptions are the per-call parameters of Open.
type OpenOptions struct {
	InsertSource  bool
	SourceColumn  string
	IgnoreMissing bool
}

// Manager performs operations on dictionary tables.
type Manager struct {
	opts    Options
	locker  lock.Locker
	cache   *dict.Cache
	metrics *metrics
}

// New returns a new Manager configured by opts.
func New(opts Options) *Manager {
	m := &Manager{opts: opts, locker: opts.Locker, cache: opts.Cache}
	if m.locker == nil {
		m.locker = lock.New(opts.LockType)
	}
	if m.opts.LockTimeout <= 0 {
		m.opts.LockTimeout = dict.DefaultLockTimeout
	}
	if m.opts.Reader == nil {
		m.opts.Reader = storage.Default
	}
	switch {
	case opts.NoCache:
		m.cache = nil
	case m.cache == nil:
		m.cache = dict.DefaultCache()
	}
	m.metrics = newMetrics(m.cache)
	if opts.Registerer != nil {
		m.metrics.register(opts.Registerer)
	}
	log.Debug.Printf("table manager: %s locks, timeout %s", lockName(opts), m.opts.LockTimeout)
	return m
}

func lockName(opts Options) string {
	if opts.Locker != nil {
		return fmt.Sprintf("%T", opts.Locker)
	}
	return opts.LockType.String()
}

// LockTimeout returns the lock timeout applied to every transaction.
func (m *Manager) LockTimeout() time.Duration { return m.opts.LockTimeout }

// Cache returns the manager's table cache, or nil if caching is
// disabled.
func (m *Manager) Cache() *dict.Cache { return m.cache }

func (m *Manager) txOptions(create bool) dict.TxOptions {
	return dict.TxOptions{
		Locker:  m.locker,
		Timeout: m.opts.LockTimeout,
		Cache:   m.cache,
		Reader:  m.opts.Reader,
		Create:  create,
	}
}

func (m *Manager) bucketOptions(b BucketizeOptions) bucket.Options {
	dirs := b.Dirs
	if len(dirs) == 0 {
		dirs = m.opts.BucketDirs
	}
	return bucket.Options{
		BucketSize:    m.opts.BucketSize,
		MinBucketSize: m.opts.MinBucketSize,
		GracePeriod:   m.opts.GracePeriod,
		Workers:       b.Workers,
		MaxBuckets:    b.MaxBuckets,
		Dirs:          dirs,
		Compress:      b.Compress,
		Tx:            m.txOptions(false),
	}
}

// check verifies that path names a supported table.
func check(path string) error {
	if !dict.IsDictionary(path) {
		return errors.E(errors.NotSupported, fmt.Sprintf("table %s: unsupported table type", path))
	}
	return nil
}

// observe records the outcome of operation op.
func (m *Manager) observe(op string, err error) error {
	m.metrics.op(op, err)
	return err
}

// InitTable returns the table at path, as currently stored. A table
// that does not exist yet is returned empty. InitTable fails with an
// error of kind errors.NotSupported if path does not name a
// dictionary table.
func (m *Manager) InitTable(ctx context.Context, path string) (t *dict.Table, err error) {
	if err := check(path); err != nil {
		return nil, m.observe("init", err)
	}
	err = dict.Read(ctx, path, m.txOptions(true), func(tbl *dict.Table) error {
		t = tbl
		return nil
	})
	return t, m.observe("init", err)
}

// Insert inserts entries into the table at path, creating the table
// if needed.
func (m *Manager) Insert(ctx context.Context, path string, entries ...dict.Entry) error {
	if err := check(path); err != nil {
		return m.observe("insert", err)
	}
	err := dict.Write(ctx, path, m.txOptions(true), func(t *dict.Table) error {
		return t.Insert(entries...)
	})
	if err == nil {
		log.Printf("%s: inserted %d entries", path, len(entries))
	}
	return m.observe("insert", err)
}

// Delete tombstones entries of the table at path, returning the
// number of entries deleted.
func (m *Manager) Delete(ctx context.Context, path string, entries ...dict.Entry) (n int, err error) {
	if err := check(path); err != nil {
		return 0, m.observe("delete", err)
	}
	err = dict.Write(ctx, path, m.txOptions(false), func(t *dict.Table) (err error) {
		n, err = t.Delete(entries...)
		return
	})
	if err == nil {
		log.Printf("%s: deleted %d entries", path, n)
	}
	return n, m.observe("delete", err)
}

// DeleteFilter tombstones the entries of the table at path selected
// by sel. The selection is evaluated in the same transaction as the
// deletion.
func (m *Manager) DeleteFilter(ctx context.Context, path string, sel Selection) (n int, err error) {
	if err := check(path); err != nil {
		return 0, m.observe("delete", err)
	}
	sel.IncludeDeleted = false
	err = dict.Write(ctx, path, m.txOptions(false), func(t *dict.Table) error {
		entries, err := sel.apply(t).Get()
		if err != nil {
			return err
		}
		n, err = t.Delete(entries...)
		return err
	})
	if err == nil {
		log.Printf("%s: deleted %d entries", path, n)
	}
	return n, m.observe("delete", err)
}

// Select returns the entries of the table at path selected by sel.
func (m *Manager) Select(ctx context.Context, path string, sel Selection) (entries []dict.Entry, err error) {
	if err := check(path); err != nil {
		return nil, m.observe("select", err)
	}
	err = dict.Read(ctx, path, m.txOptions(false), func(t *dict.Table) (err error) {
		entries, err = sel.apply(t).Get()
		return
	})
	return entries, m.observe("select", err)
}

// SelectAll returns every live entry of the table at path.
func (m *Manager) SelectAll(ctx context.Context, path string) (entries []dict.Entry, err error) {
	if err := check(path); err != nil {
		return nil, m.observe("select", err)
	}
	err = dict.Read(ctx, path, m.txOptions(false), func(t *dict.Table) (err error) {
		entries, err = t.SelectAll()
		return
	})
	return entries, m.observe("select", err)
}

// Save rewrites the table at path in a write transaction, which
// advances its serial number.
func (m *Manager) Save(ctx context.Context, path string) error {
	if err := check(path); err != nil {
		return m.observe("save", err)
	}
	err := dict.Write(ctx, path, m.txOptions(false), func(*dict.Table) error { return nil })
	return m.observe("save", err)
}

// Bucketize bucketizes the table at path at the given pack level.
func (m *Manager) Bucketize(ctx context.Context, path string, level bucket.PackLevel, opts BucketizeOptions) (bucket.Result, error) {
	if err := check(path); err != nil {
		return bucket.Result{}, m.observe("bucketize", err)
	}
	res, err := bucket.Bucketize(ctx, path, level, m.bucketOptions(opts))
	m.metrics.buckets(res)
	return res, m.observe("bucketize", err)
}

// DeleteBuckets deletes the given buckets of the table at path, or
// the buckets pending deletion if none are given. Unless force is
// set, buckets are retained for the grace period.
func (m *Manager) DeleteBuckets(ctx context.Context, path string, force bool, buckets ...string) (bucket.Result, error) {
	if err := check(path); err != nil {
		return bucket.Result{}, m.observe("delete-buckets", err)
	}
	res, err := bucket.Delete(ctx, path, force, m.bucketOptions(BucketizeOptions{}), buckets...)
	m.metrics.buckets(res)
	return res, m.observe("delete-buckets", err)
}

// Unbucketize makes the entries of the given buckets of the table at
// path loose, or of every bucket if none are given.
func (m *Manager) Unbucketize(ctx context.Context, path string, buckets ...string) (bucket.Result, error) {
	if err := check(path); err != nil {
		return bucket.Result{}, m.observe("unbucketize", err)
	}
	res, err := bucket.Unbucketize(ctx, path, m.bucketOptions(BucketizeOptions{}), buckets...)
	return res, m.observe("unbucketize", err)
}

// Open returns the rows of the entries of the table at path that
// match q. Nested dictionaries are expanded.
func (m *Manager) Open(ctx context.Context, path string, q nested.Query, opts OpenOptions) (rowio.Source, error) {
	src, err := nested.Open(ctx, path, nested.Options{
		Reader:        m.opts.Reader,
		Cache:         m.cache,
		Locker:        m.locker,
		LockTimeout:   m.opts.LockTimeout,
		InsertSource:  opts.InsertSource,
		SourceColumn:  opts.SourceColumn,
		IgnoreMissing: opts.IgnoreMissing,
	}, q)
	return src, m.observe("open", err)
}
