// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package nested resolves dictionary tables into row sources. Each
// selected entry is resolved to a leaf row file, a bucket holding
// the entry's data, or a nested dictionary, which is itself resolved
// recursively. Genomic dictionaries (.gord) merge their sources in
// genomic order; non-genomic dictionaries (.nord) concatenate them.
//
// Resolution carries a Context holding the chain of dictionaries
// being expanded; a dictionary that (transitively) includes itself
// is reported as an error of kind errors.Integrity.
package nested

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/gordict/dict"
	"github.com/grailbio/gordict/genome"
	"github.com/grailbio/gordict/lock"
	"github.com/grailbio/gordict/merge"
	"github.com/grailbio/gordict/rowio"
	"github.com/grailbio/gordict/storage"
)

// Options configures resolution.
type Options struct {
	// Reader accesses dictionary files. The default is
	// storage.Default.
	Reader storage.FileReader
	// Cache caches dictionary tables. Nil disables caching.
	Cache *dict.Cache
	// Locker and LockTimeout configure the read transactions used
	// to load dictionaries.
	Locker      lock.Locker
	LockTimeout time.Duration
	// InsertSource adds the source column to the output even if the
	// table does not declare one.
	InsertSource bool
	// SourceColumn overrides the name of the source column. The
	// default is the table's Source property, or "Source".
	SourceColumn string
	// IgnoreMissing skips entries whose files do not exist.
	IgnoreMissing bool
}

// A Query selects the entries of a dictionary. Empty fields do not
// constrain the selection.
type Query struct {
	// Tags selects entries by tag or alias.
	Tags []string
	// Files selects entries by file.
	Files []string
	// Range selects entries overlapping the range, and restricts
	// genomic output to it.
	Range string
}

// Kind is the kind of a resolved item.
type Kind int

const (
	// Leaf is a row file.
	Leaf Kind = iota
	// Bucket is a bucket file holding the data of one or more
	// entries.
	Bucket
	// Nested is a dictionary table.
	Nested
)

func (k Kind) String() string {
	switch k {
	case Leaf:
		return "leaf"
	case Bucket:
		return "bucket"
	case Nested:
		return "nested"
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// A Resolved item is one source of a dictionary: a leaf file, a
// bucket or a nested dictionary.
type Resolved struct {
	Kind Kind
	// Path is the full path of the item's file.
	Path string
	// Entries are the entries resolved to the item, with paths
	// relative to the dictionary as stored. Leaf and nested items
	// have exactly one entry.
	Entries []dict.Entry
}

// Name is the source name of the item's rows.
func (r Resolved) Name() string {
	if r.Kind == Bucket {
		return r.Path
	}
	return r.Entries[0].SourceName()
}

// A Resolution is the result of resolving a dictionary.
type Resolution struct {
	// Path is the canonical path of the dictionary.
	Path string
	// Genomic tells whether the dictionary's sources are merged in
	// genomic order.
	Genomic bool
	// SourceColumn is the name of the source column, and
	// InsertSource whether it is part of the output.
	SourceColumn string
	InsertSource bool
	// Range restricts the output of genomic dictionaries.
	Range genome.Range
	// Items are the dictionary's sources, in table order.
	Items []Resolved
}

// Context is the state of a resolution: the options and the chain
// of dictionaries currently being expanded. Contexts are values;
// descending into a nested dictionary derives a new context.
type Context struct {
	opts  Options
	chain []string
	seen  map[string]bool
}

// NewContext returns a root context with the provided options.
func NewContext(opts Options) Context {
	if opts.Reader == nil {
		opts.Reader = storage.Default
	}
	return Context{opts: opts}
}

// Depth returns the number of dictionaries being expanded.
func (c Context) Depth() int { return len(c.chain) }

func (c Context) with(path string) Context {
	seen := make(map[string]bool, len(c.seen)+1)
	for p := range c.seen {
		seen[p] = true
	}
	seen[path] = true
	chain := make([]string, len(c.chain), len(c.chain)+1)
	copy(chain, c.chain)
	return Context{opts: c.opts, chain: append(chain, path), seen: seen}
}

func (c Context) txOptions() dict.TxOptions {
	return dict.TxOptions{
		Locker:  c.opts.Locker,
		Timeout: c.opts.LockTimeout,
		Cache:   c.opts.Cache,
		Reader:  c.opts.Reader,
	}
}

// Resolve resolves the entries of the dictionary at path that match
// q. Bucketed entries are grouped by bucket; a bucket is resolved
// once, at the position of its first entry.
func (c Context) Resolve(ctx context.Context, path string, q Query) (Resolution, error) {
	canonical := c.opts.Reader.Resolve(path)
	if c.seen[canonical] {
		return Resolution{}, errors.E(errors.Integrity, fmt.Sprintf(
			"dictionary %s includes itself: %s -> %s", canonical, strings.Join(c.chain, " -> "), canonical))
	}
	if !dict.IsDictionary(canonical) {
		return Resolution{}, errors.E(errors.NotSupported, fmt.Sprintf("%s: not a dictionary table", canonical))
	}
	res := Resolution{Path: canonical, Genomic: dict.IsGenomic(canonical)}
	var err error
	if res.Range, err = genome.ParseRange(q.Range); err != nil {
		return Resolution{}, err
	}
	var (
		entries []dict.Entry
		// Entries keep their table-relative paths, from which source
		// names (and thus bucket row tags) derive; paths holds the
		// resolved file, or bucket, of each entry.
		paths []string
	)
	err = dict.Read(ctx, canonical, c.txOptions(), func(t *dict.Table) (err error) {
		res.SourceColumn, res.InsertSource = t.Property(dict.SourceProperty)
		entries, err = t.Filter().Tags(q.Tags...).Files(q.Files...).Range(q.Range).Get()
		paths = make([]string, len(entries))
		for i, e := range entries {
			if e.IsBucketed() {
				paths[i] = t.Resolve(e.Bucket)
			} else {
				paths[i] = t.Resolve(e.File)
			}
		}
		return
	})
	if err != nil {
		return Resolution{}, err
	}
	if c.opts.SourceColumn != "" {
		res.SourceColumn = c.opts.SourceColumn
	}
	if res.SourceColumn == "" {
		res.SourceColumn = rowio.DefaultSourceColumn
	}
	res.InsertSource = res.InsertSource || c.opts.InsertSource

	buckets := make(map[string]int)
	for i, e := range entries {
		path := paths[i]
		switch {
		case e.IsBucketed():
			if j, ok := buckets[path]; ok {
				res.Items[j].Entries = append(res.Items[j].Entries, e)
				continue
			}
			buckets[path] = len(res.Items)
			res.Items = append(res.Items, Resolved{Kind: Bucket, Path: path, Entries: []dict.Entry{e}})
		case dict.IsDictionary(e.File):
			res.Items = append(res.Items, Resolved{Kind: Nested, Path: path, Entries: []dict.Entry{e}})
		default:
			res.Items = append(res.Items, Resolved{Kind: Leaf, Path: path, Entries: []dict.Entry{e}})
		}
	}
	return res, nil
}

// Open resolves the dictionary at path and returns a source of the
// rows of the entries matching q.
func (c Context) Open(ctx context.Context, path string, q Query) (rowio.Source, error) {
	res, err := c.Resolve(ctx, path, q)
	if err != nil {
		return nil, err
	}
	child := c.with(res.Path)
	sources := make([]rowio.Source, 0, len(res.Items))
	for _, item := range res.Items {
		src, err := child.open(ctx, res, item, q)
		if err != nil {
			if closeErr := rowio.CloseAll(sources); closeErr != nil {
				log.Error.Printf("%s: close after error: %v", res.Path, closeErr)
			}
			return nil, err
		}
		if src != nil {
			sources = append(sources, src)
		}
	}
	if res.Genomic {
		it, err := merge.New(sources, merge.Options{
			Name:         res.Path,
			InsertSource: res.InsertSource,
			SourceColumn: res.SourceColumn,
		})
		if err != nil {
			return nil, err
		}
		return it, nil
	}
	if res.InsertSource {
		for i := range sources {
			sources[i] = rowio.Tag(sources[i], res.SourceColumn)
		}
	}
	return rowio.Concat(res.Path, sources...)
}

// open opens one resolved item of res. It returns a nil source for
// missing files that are ignored.
func (c Context) open(ctx context.Context, res Resolution, item Resolved, q Query) (rowio.Source, error) {
	var (
		src rowio.Source
		err error
	)
	switch item.Kind {
	case Leaf:
		if res.Genomic {
			src, err = rowio.Open(ctx, item.Path)
		} else {
			src, err = rowio.OpenNor(ctx, item.Path)
		}
		if err != nil {
			if c.opts.IgnoreMissing && storage.IsNotExist(err) {
				log.Debug.Printf("%s: ignoring missing entry %s", res.Path, item.Path)
				return nil, nil
			}
			return nil, err
		}
		if res.Genomic {
			src = rowio.InRange(src, item.Entries[0].Range)
		}
	case Bucket:
		if src, err = openBucket(ctx, res, item); err != nil {
			return nil, err
		}
	case Nested:
		nq := Query{Range: q.Range}
		if len(item.Entries[0].ContentTags()) == 0 {
			// An untagged nested dictionary is filtered by the
			// outer query's tags.
			nq.Tags = q.Tags
		}
		nc := c
		nc.opts.InsertSource = false
		nc.opts.SourceColumn = ""
		if src, err = nc.Open(ctx, item.Path, nq); err != nil {
			if c.opts.IgnoreMissing && errors.Is(errors.NotExist, err) {
				log.Debug.Printf("%s: ignoring missing dictionary %s", res.Path, item.Path)
				return nil, nil
			}
			return nil, err
		}
		if rowio.SourceInserted(src) {
			src = rowio.StripSourceColumn(src)
		}
	}
	if res.Genomic {
		src = rowio.InRange(src, res.Range)
	}
	return rowio.Named(src, item.Name()), nil
}

// openBucket opens a bucket, restricted to the rows of the item's
// entries. Bucket rows carry their entry's source name in the last
// column, which is kept only if the resolution inserts the source
// column.
func openBucket(ctx context.Context, res Resolution, item Resolved) (rowio.Source, error) {
	src, err := rowio.Open(ctx, item.Path)
	if err != nil {
		if storage.IsNotExist(err) {
			return nil, errors.E(errors.Integrity, fmt.Sprintf("%s: bucket %s is missing", res.Path, item.Path), err)
		}
		return nil, err
	}
	names := make(map[string]bool, len(item.Entries))
	for _, e := range item.Entries {
		names[e.SourceName()] = true
	}
	src = rowio.Inserted(rowio.Filter(src, func(row genome.Row) bool {
		return names[row.Last()]
	}))
	if !res.InsertSource {
		src = rowio.StripSourceColumn(src)
	}
	return src, nil
}

// Open opens the dictionary at path, returning a source of the rows
// of the entries matching q.
func Open(ctx context.Context, path string, opts Options, q Query) (rowio.Source, error) {
	return NewContext(opts).Open(ctx, path, q)
}
