// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package manager

import (
	"context"
	"fmt"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/gordict/bucket"
	"github.com/grailbio/gordict/dict"
	"github.com/grailbio/gordict/lock"
	"github.com/grailbio/gordict/nested"
	"github.com/grailbio/gordict/rowio"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
	"github.com/prometheus/client_golang/prometheus"
	promtest "github.com/prometheus/client_golang/prometheus/testutil"
)

func newManager(opts Options) (*Manager, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	opts.Registerer = reg
	if opts.Cache == nil {
		opts.Cache = dict.NewCache(dict.DefaultCacheOptions)
	}
	return New(opts), reg
}

// writeData writes n row files d0.gor...dn.gor, with two rows each.
func writeData(t *testing.T, dir string, n int) []dict.Entry {
	t.Helper()
	var entries []dict.Entry
	for i := 0; i < n; i++ {
		file := fmt.Sprintf("d%d.gor", i)
		content := fmt.Sprintf("#chrom\tpos\tval\nchr1\t%d\tv%d\nchr2\t%d\tv%d\n", i+1, i, i+1, i)
		assert.NoError(t, ioutil.WriteFile(filepath.Join(dir, file), []byte(content), 0644))
		entries = append(entries, dict.Entry{File: file, Alias: fmt.Sprintf("p%d", i)})
	}
	return entries
}

func TestUnsupported(t *testing.T) {
	ctx := context.Background()
	m, _ := newManager(Options{})
	path := "table.gor"
	var errs []error
	_, err := m.InitTable(ctx, path)
	errs = append(errs, err)
	errs = append(errs, m.Insert(ctx, path, dict.Entry{File: "a.gor"}))
	_, err = m.Delete(ctx, path, dict.Entry{File: "a.gor"})
	errs = append(errs, err)
	_, err = m.Select(ctx, path, Selection{})
	errs = append(errs, err)
	_, err = m.SelectAll(ctx, path)
	errs = append(errs, err)
	_, err = m.Bucketize(ctx, path, bucket.PackNone, BucketizeOptions{})
	errs = append(errs, err)
	_, err = m.DeleteBuckets(ctx, path, true)
	errs = append(errs, err)
	errs = append(errs, m.Save(ctx, path))
	for i, err := range errs {
		if !errors.Is(errors.NotSupported, err) {
			t.Errorf("%d: expected not supported, got %v", i, err)
		}
	}
	assert.EQ(t, promtest.ToFloat64(m.metrics.ops.WithLabelValues("select", "error")), 2.0)
}

func TestInsertSelectDelete(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "manager")
	defer cleanup()
	ctx := context.Background()
	m, _ := newManager(Options{})
	path := filepath.Join(dir, "t.gord")
	entries := writeData(t, dir, 3)
	entries[2].Tags = []string{"extra"}

	tbl, err := m.InitTable(ctx, path)
	assert.NoError(t, err)
	all, err := tbl.SelectAll()
	assert.NoError(t, err)
	assert.EQ(t, len(all), 0)

	assert.NoError(t, m.Insert(ctx, path, entries...))
	all, err = m.SelectAll(ctx, path)
	assert.NoError(t, err)
	assert.EQ(t, len(all), 3)

	sel, err := m.Select(ctx, path, Selection{Tags: []string{"extra", "p0"}})
	assert.NoError(t, err)
	assert.EQ(t, len(sel), 2)

	n, err := m.DeleteFilter(ctx, path, Selection{Aliases: []string{"p1"}})
	assert.NoError(t, err)
	assert.EQ(t, n, 1)
	n, err = m.Delete(ctx, path, dict.Entry{File: "d0.gor"})
	assert.NoError(t, err)
	assert.EQ(t, n, 1)

	all, err = m.SelectAll(ctx, path)
	assert.NoError(t, err)
	assert.EQ(t, len(all), 1)
	assert.EQ(t, all[0].File, "d2.gor")
	sel, err = m.Select(ctx, path, Selection{IncludeDeleted: true})
	assert.NoError(t, err)
	assert.EQ(t, len(sel), 3)

	assert.EQ(t, promtest.ToFloat64(m.metrics.ops.WithLabelValues("insert", "ok")), 1.0)
	assert.EQ(t, promtest.ToFloat64(m.metrics.ops.WithLabelValues("delete", "ok")), 2.0)
}

func TestSave(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "manager")
	defer cleanup()
	ctx := context.Background()
	m, _ := newManager(Options{NoCache: true})
	path := filepath.Join(dir, "t.gord")
	assert.NoError(t, m.Insert(ctx, path, writeData(t, dir, 1)...))
	assert.NoError(t, m.Save(ctx, path))
	tbl, err := m.InitTable(ctx, path)
	assert.NoError(t, err)
	serial, _ := tbl.Property(dict.SerialProperty)
	assert.EQ(t, serial, "2")
	if m.Cache() != nil {
		t.Error("expected caching to be disabled")
	}
}

func TestBucketizeAndOpen(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "manager")
	defer cleanup()
	ctx := context.Background()
	m, reg := newManager(Options{BucketSize: 2, MinBucketSize: 1, GracePeriod: time.Hour})
	path := filepath.Join(dir, "t.gord")
	assert.NoError(t, m.Insert(ctx, path, writeData(t, dir, 3)...))

	res, err := m.Bucketize(ctx, path, bucket.PackNone, BucketizeOptions{Workers: 2})
	assert.NoError(t, err)
	assert.EQ(t, len(res.Created), 2)
	assert.EQ(t, res.Bucketized, 3)
	assert.EQ(t, promtest.ToFloat64(m.metrics.bucketsCreated), 2.0)

	src, err := m.Open(ctx, path, nested.Query{Range: "chr1"}, OpenOptions{InsertSource: true})
	assert.NoError(t, err)
	assert.EQ(t, src.Header(), "chrom\tpos\tval\tSource")
	rows, err := rowio.ReadAll(ctx, src)
	assert.NoError(t, err)
	assert.NoError(t, src.Close())
	var got []string
	for _, row := range rows {
		got = append(got, row.String())
	}
	assert.EQ(t, got, []string{"chr1\t1\tv0\tp0", "chr1\t2\tv1\tp1", "chr1\t3\tv2\tp2"})

	res, err = m.Unbucketize(ctx, path, res.Created[0])
	assert.NoError(t, err)
	assert.EQ(t, res.Unbucketized, 2)
	assert.EQ(t, len(res.Pending), 1)

	// The emptied bucket is within its grace period.
	res, err = m.DeleteBuckets(ctx, path, false)
	assert.NoError(t, err)
	assert.EQ(t, len(res.Deleted), 0)
	res, err = m.DeleteBuckets(ctx, path, true)
	assert.NoError(t, err)
	assert.EQ(t, len(res.Deleted), 1)
	assert.EQ(t, promtest.ToFloat64(m.metrics.bucketsDeleted), 1.0)

	n, err := promtest.GatherAndCount(reg, "gordict_operations_total")
	assert.NoError(t, err)
	if n == 0 {
		t.Error("no operations recorded")
	}
}

func TestLockTimeout(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "manager")
	defer cleanup()
	ctx := context.Background()
	for _, typ := range []lock.Type{lock.File, lock.Memory} {
		m, _ := newManager(Options{LockType: typ, LockTimeout: 20 * time.Millisecond})
		path := filepath.Join(dir, fmt.Sprintf("t_%s.gord", typ))
		assert.NoError(t, m.Insert(ctx, path, writeData(t, dir, 1)...))

		tx, err := dict.BeginWrite(ctx, path, dict.TxOptions{Locker: lock.New(typ)})
		assert.NoError(t, err)
		if err := m.Insert(ctx, path, dict.Entry{File: "other.gor"}); !errors.Is(errors.Timeout, err) {
			t.Errorf("%s: expected timeout, got %v", typ, err)
		}
		if _, err := m.SelectAll(ctx, path); !errors.Is(errors.Timeout, err) {
			t.Errorf("%s: expected timeout, got %v", typ, err)
		}
		assert.NoError(t, tx.Close())
		assert.EQ(t, promtest.ToFloat64(m.metrics.lockTimeouts), 2.0)

		all, err := m.SelectAll(ctx, path)
		assert.NoError(t, err)
		assert.EQ(t, len(all), 1)
	}
}

func TestDeleteBucketsDirs(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "manager")
	defer cleanup()
	ctx := context.Background()
	m, _ := newManager(Options{BucketSize: 2, MinBucketSize: 1, BucketDirs: []string{"b"}})
	path := filepath.Join(dir, "t.gord")
	assert.NoError(t, m.Insert(ctx, path, writeData(t, dir, 2)...))
	res, err := m.Bucketize(ctx, path, bucket.PackNone, BucketizeOptions{})
	assert.NoError(t, err)
	assert.EQ(t, len(res.Created), 1)
	assert.EQ(t, filepath.Dir(res.Created[0]), "b")

	orphan := filepath.Join(dir, "b", "orphan.gor")
	assert.NoError(t, ioutil.WriteFile(orphan, []byte("#chrom\tpos\n"), 0644))
	res, err = m.DeleteBuckets(ctx, path, true, orphan)
	assert.NoError(t, err)
	assert.EQ(t, len(res.Deleted), 1)
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Errorf("orphan was not deleted: %v", err)
	}
	if _, err := m.DeleteBuckets(ctx, path, true, "d0.gor"); !errors.Is(errors.Integrity, err) {
		t.Errorf("expected integrity error, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "d0.gor")); err != nil {
		t.Error(err)
	}
}
