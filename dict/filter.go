// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dict

import (
	"fmt"
	"strings"

	"github.com/grailbio/gordict/genome"
)

// A Filter selects entries from a table. Constraints are combined
// conjunctively; a constraint that is not set (or set to an empty
// list) does not restrict the result.
type Filter struct {
	table          *Table
	files          map[string]bool
	aliases        map[string]bool
	tags           map[string]bool
	buckets        map[string]bool
	chrRange       string
	includeDeleted bool
}

// Filter returns a new filter over t.
func (t *Table) Filter() *Filter {
	return &Filter{table: t}
}

// Files restricts the result to entries referencing the given files.
// Paths are interpreted relative to the table directory.
func (f *Filter) Files(files ...string) *Filter {
	f.files = f.set(f.files, files, true)
	return f
}

// Aliases restricts the result to entries with the given aliases.
func (f *Filter) Aliases(aliases ...string) *Filter {
	f.aliases = f.set(f.aliases, aliases, false)
	return f
}

// Tags restricts the result to entries having at least one of the
// given tags (the alias counts as a tag), or having no tags at all.
func (f *Filter) Tags(tags ...string) *Filter {
	f.tags = f.set(f.tags, tags, false)
	return f
}

// Buckets restricts the result to entries in the given buckets.
func (f *Filter) Buckets(buckets ...string) *Filter {
	f.buckets = f.set(f.buckets, buckets, true)
	return f
}

// Range restricts the result to entries overlapping the range, in
// the form chr:pos-chr:pos (see genome.ParseRange).
func (f *Filter) Range(chrRange string) *Filter {
	f.chrRange = chrRange
	return f
}

// IncludeDeleted includes deleted entries (tombstones) in the
// result.
func (f *Filter) IncludeDeleted(include bool) *Filter {
	f.includeDeleted = include
	return f
}

// Table returns the filter's table.
func (f *Filter) Table() *Table { return f.table }

func (f *Filter) set(m map[string]bool, vals []string, paths bool) map[string]bool {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v == "" {
			continue
		}
		if m == nil {
			m = make(map[string]bool)
		}
		if paths {
			v = f.table.Relativize(v)
		}
		m[v] = true
	}
	return m
}

// String describes the filter.
func (f *Filter) String() string {
	return fmt.Sprintf("filter(files=%d aliases=%d tags=%d buckets=%d range=%q deleted=%v)",
		len(f.files), len(f.aliases), len(f.tags), len(f.buckets), f.chrRange, f.includeDeleted)
}

// Get returns the entries matching the filter, in table order.
func (f *Filter) Get() ([]Entry, error) {
	rng, err := genome.ParseRange(f.chrRange)
	if err != nil {
		return nil, err
	}
	t := f.table
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.load(); err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range t.entries {
		if f.match(e, rng) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (f *Filter) match(e Entry, rng genome.Range) bool {
	if e.Deleted && !f.includeDeleted {
		return false
	}
	if f.files != nil && !f.files[e.File] {
		return false
	}
	if f.aliases != nil && !f.aliases[e.Alias] {
		return false
	}
	if f.buckets != nil && !f.buckets[e.Bucket] {
		return false
	}
	if f.tags != nil {
		tags := e.ContentTags()
		if len(tags) > 0 {
			var found bool
			for _, tag := range tags {
				if f.tags[tag] {
					found = true
					break
				}
			}
			if !found {
				return false
			}
		}
	}
	return e.Range.Overlaps(rng)
}
