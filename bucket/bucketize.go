// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bucket

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/grailbio/base/data"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/traverse"
	"github.com/grailbio/gordict/dict"
	"github.com/grailbio/gordict/rowio"
	"github.com/grailbio/gordict/storage"
	"github.com/spaolacci/murmur3"
)

// Bucketize groups entries of the table at path into new buckets
// according to level. The bucket files are created first, using
// opts.Workers parallel creators; the entries are then assigned to
// their buckets and the table is committed. The whole operation runs
// in one write transaction.
//
// Buckets left without live entries by repacking are scheduled for
// deletion, and scheduled buckets whose grace period has expired are
// deleted.
func Bucketize(ctx context.Context, path string, level PackLevel, opts Options) (res Result, err error) {
	opts = opts.withDefaults()
	tx, err := dict.BeginWrite(ctx, path, opts.Tx)
	if err != nil {
		return res, err
	}
	defer func() {
		if closeErr := tx.Close(); err == nil {
			err = closeErr
		}
	}()
	t := tx.Table()
	groups, err := plan(ctx, t, level, opts)
	if err != nil {
		return res, err
	}
	now := opts.now()
	paths := make([]string, len(groups))
	for i := range groups {
		if paths[i], err = bucketPath(t, opts, now); err != nil {
			return res, err
		}
	}
	if len(groups) > 0 {
		log.Printf("bucketize %s (%s): creating %d buckets with %d workers", t.Path(), level, len(groups), opts.Workers)
	}
	err = traverse.Limit(opts.Workers).Each(len(groups), func(i int) error {
		start := time.Now()
		info, err := opts.Creator.Create(ctx, t, paths[i], groups[i])
		if err != nil {
			return errors.E(fmt.Sprintf("create bucket %s", paths[i]), err)
		}
		log.Printf("bucketize %s: created %s: %d entries, %d rows, %s in %s",
			t.Path(), paths[i], len(groups[i]), info.Rows, data.Size(info.Bytes), time.Since(start))
		return nil
	})
	if err != nil {
		return res, err
	}
	for i, group := range groups {
		id := t.Relativize(paths[i])
		if err := t.SetBucket(id, group...); err != nil {
			return res, err
		}
		res.Created = append(res.Created, id)
		res.Bucketized += len(group)
	}
	live, err := t.SelectAll()
	if err != nil {
		return res, err
	}
	p, err := readPending(t)
	if err != nil {
		return res, err
	}
	refs := references(live)
	for _, group := range groups {
		for _, e := range group {
			if e.IsBucketed() && refs[e.Bucket] == 0 {
				if _, ok := p[e.Bucket]; !ok {
					p[e.Bucket] = now
				}
			}
		}
	}
	expired := p.expire(refs, now, opts.GracePeriod)
	if err := p.write(t); err != nil {
		return res, err
	}
	if !t.Modified() {
		log.Debug.Printf("bucketize %s (%s): nothing to do", t.Path(), level)
		res.Pending = p.names()
		return res, nil
	}
	if opts.beforeCommit != nil {
		if err := opts.beforeCommit(); err != nil {
			return res, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return res, err
	}
	res.Pending = p.names()
	res.Deleted, err = removeFiles(ctx, t, expired)
	return res, err
}

// plan groups the entries of t to be bucketized at the given level.
// Groups hold entries with equal headers, in table order.
func plan(ctx context.Context, t *dict.Table, level PackLevel, opts Options) ([][]dict.Entry, error) {
	live, err := t.SelectAll()
	if err != nil {
		return nil, err
	}
	refs := references(live)
	var (
		keys    []string
		byKey   = make(map[string][]dict.Entry)
		headers = make(map[string]string)
	)
	for _, e := range live {
		switch {
		case dict.IsDictionary(e.File):
			// Nested dictionaries are expanded at query time.
			continue
		case !e.IsBucketed():
		case level == PackFull:
		case level == PackConsolidate && refs[e.Bucket] < opts.MinBucketSize:
		default:
			continue
		}
		header, ok := headers[e.File]
		if !ok {
			if header, err = rowio.ReadHeader(ctx, t.Resolve(e.File)); err != nil {
				return nil, errors.E(fmt.Sprintf("bucketize %s: entry %s", t.Path(), e.File), err)
			}
			headers[e.File] = header
		}
		key := strings.ToLower(header)
		if _, ok := byKey[key]; !ok {
			keys = append(keys, key)
		}
		byKey[key] = append(byKey[key], e)
	}
	var groups [][]dict.Entry
	for _, key := range keys {
		entries := byKey[key]
		if level == PackConsolidate && !mergeable(entries) {
			log.Debug.Printf("bucketize %s: undersized bucket %s has nothing to merge with", t.Path(), entries[0].Bucket)
			continue
		}
		for len(entries) > 0 {
			n := opts.BucketSize
			if n > len(entries) {
				n = len(entries)
			}
			if n < opts.MinBucketSize && level == PackNone {
				log.Debug.Printf("bucketize %s: leaving %d entries loose", t.Path(), n)
				break
			}
			groups = append(groups, entries[:n])
			entries = entries[n:]
		}
	}
	if opts.MaxBuckets > 0 && len(groups) > opts.MaxBuckets {
		groups = groups[:opts.MaxBuckets]
	}
	return groups, nil
}

// mergeable tells whether repacking entries can produce a larger
// bucket: they include loose entries or span at least two buckets.
func mergeable(entries []dict.Entry) bool {
	var bucket string
	for _, e := range entries {
		switch {
		case !e.IsBucketed():
			return true
		case bucket == "":
			bucket = e.Bucket
		case bucket != e.Bucket:
			return true
		}
	}
	return false
}

// bucketPath returns the path of a new bucket of table t.
func bucketPath(t *dict.Table, opts Options, now time.Time) (string, error) {
	name := fmt.Sprintf("bucket_%s_%s_%s.gor", t.Name(), now.UTC().Format("20060102_150405"), uuid.New())
	if opts.Compress {
		name += rowio.ZstdSuffix
	}
	dirs := bucketDirs(t, opts)
	dir := dirs[murmur3.Sum32([]byte(name))%uint32(len(dirs))]
	if !storage.IsURL(dir) {
		if err := os.MkdirAll(dir, 0777); err != nil {
			return "", errors.E(fmt.Sprintf("create bucket directory %s", dir), err)
		}
	}
	return storage.Join(dir, name), nil
}

// bucketDirs returns the full paths of the directories new buckets of
// table t are written to.
func bucketDirs(t *dict.Table, opts Options) []string {
	dirs := opts.Dirs
	if len(dirs) == 0 {
		dirs = []string{"." + t.Name() + ".buckets"}
	}
	full := make([]string, len(dirs))
	for i, dir := range dirs {
		full[i] = strings.TrimSuffix(t.Resolve(dir), "/")
	}
	return full
}

// expire removes from p, and returns, the buckets that are
// unreferenced and whose grace period has passed at now.
func (p pending) expire(refs map[string]int, now time.Time, grace time.Duration) []string {
	var expired []string
	for _, name := range p.names() {
		if refs[name] == 0 && now.Sub(p[name]) >= grace {
			expired = append(expired, name)
			delete(p, name)
		}
	}
	return expired
}

// Delete deletes buckets of the table at path. A bucket may be
// deleted only if no live entry references it; otherwise Delete
// fails with an error of kind errors.Integrity, as it does for
// buckets unknown to the table. Unless force is set, a bucket is
// deleted only after it has been pending deletion for the grace
// period; buckets not yet pending are scheduled. If no buckets are
// given, the pending buckets are considered.
//
// A bucket that is neither referenced by an entry nor pending, such
// as one left behind by an interrupted Bucketize, may be deleted only
// if it lies in one of the table's bucket directories. Data files of
// entries, live or deleted, are never deleted.
func Delete(ctx context.Context, path string, force bool, opts Options, buckets ...string) (res Result, err error) {
	opts = opts.withDefaults()
	tx, err := dict.BeginWrite(ctx, path, opts.Tx)
	if err != nil {
		return res, err
	}
	defer func() {
		if closeErr := tx.Close(); err == nil {
			err = closeErr
		}
	}()
	t := tx.Table()
	entries, err := t.Entries()
	if err != nil {
		return res, err
	}
	p, err := readPending(t)
	if err != nil {
		return res, err
	}
	var (
		refs  = references(entries)
		known = make(map[string]bool)
		files = make(map[string]bool)
		dirs  = bucketDirs(t, opts)
		now   = opts.now()
		del   []string
	)
	for _, e := range entries {
		files[t.Relativize(e.File)] = true
		if e.IsBucketed() {
			known[e.Bucket] = true
		}
	}
	if len(buckets) == 0 {
		buckets = p.names()
	}
	for _, b := range buckets {
		b = t.Relativize(b)
		if n := refs[b]; n > 0 {
			return res, errors.E(errors.Integrity, fmt.Sprintf("delete bucket %s from %s: bucket is referenced by %d live entries", b, t.Path(), n))
		}
		if files[b] {
			return res, errors.E(errors.Integrity, fmt.Sprintf("delete bucket %s from %s: file is the data file of an entry", b, t.Path()))
		}
		if _, ok := p[b]; !ok && !known[b] {
			if !inDirs(storage.Dir(t.Resolve(b)), dirs) {
				return res, errors.E(errors.Integrity, fmt.Sprintf("delete bucket %s from %s: not in a bucket directory", b, t.Path()))
			}
			ok, err := t.Reader().Exists(ctx, t.Resolve(b))
			if err != nil {
				return res, err
			}
			if !ok {
				return res, errors.E(errors.Integrity, fmt.Sprintf("delete bucket %s from %s: unknown bucket", b, t.Path()))
			}
		}
		since, ok := p[b]
		switch {
		case force || ok && now.Sub(since) >= opts.GracePeriod:
			del = append(del, b)
			delete(p, b)
		case !ok:
			p[b] = now
		}
	}
	if err := p.write(t); err != nil {
		return res, err
	}
	if err := tx.Commit(ctx); err != nil {
		return res, err
	}
	res.Pending = p.names()
	res.Deleted, err = removeFiles(ctx, t, del)
	return res, err
}

func inDirs(dir string, dirs []string) bool {
	for _, d := range dirs {
		if dir == d {
			return true
		}
	}
	return false
}

// Unbucketize makes the live entries in the given buckets of the
// table at path loose again, and schedules the emptied buckets for
// deletion. If no buckets are given, every bucketed entry is made
// loose.
func Unbucketize(ctx context.Context, path string, opts Options, buckets ...string) (res Result, err error) {
	opts = opts.withDefaults()
	tx, err := dict.BeginWrite(ctx, path, opts.Tx)
	if err != nil {
		return res, err
	}
	defer func() {
		if closeErr := tx.Close(); err == nil {
			err = closeErr
		}
	}()
	t := tx.Table()
	filter := t.Filter()
	if len(buckets) > 0 {
		filter.Buckets(buckets...)
	}
	entries, err := filter.Get()
	if err != nil {
		return res, err
	}
	var loose []dict.Entry
	emptied := make(map[string]bool)
	for _, e := range entries {
		if e.IsBucketed() {
			loose = append(loose, e)
			emptied[e.Bucket] = true
		}
	}
	if err := t.SetBucket("", loose...); err != nil {
		return res, err
	}
	p, err := readPending(t)
	if err != nil {
		return res, err
	}
	now := opts.now()
	for b := range emptied {
		if _, ok := p[b]; !ok {
			p[b] = now
		}
	}
	if err := p.write(t); err != nil {
		return res, err
	}
	if err := tx.Commit(ctx); err != nil {
		return res, err
	}
	res.Unbucketized = len(loose)
	res.Pending = p.names()
	return res, nil
}

// removeFiles removes the given buckets and their summaries. Missing
// files are ignored.
func removeFiles(ctx context.Context, t *dict.Table, buckets []string) ([]string, error) {
	var removed []string
	for _, b := range buckets {
		path := t.Resolve(b)
		for _, p := range []string{path, path + MetaSuffix} {
			if err := t.Reader().Remove(ctx, p); err != nil && !storage.IsNotExist(err) {
				return removed, errors.E(fmt.Sprintf("delete bucket %s", b), err)
			}
		}
		log.Printf("deleted bucket %s of %s", b, t.Path())
		removed = append(removed, b)
	}
	return removed, nil
}
