// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package bucket implements bucketization of dictionary tables:
// loose entries are grouped and their data merged into shared
// bucket files, which reduces the number of files a query must open.
//
// Bucket files are written before the table references them, and
// the table is updated in a single write transaction. An interrupted
// bucketization therefore leaves the table unchanged; the bucket
// files it wrote are unreferenced and may be deleted with Delete.
//
// Buckets that are no longer referenced by any live entry are not
// deleted right away: they are recorded in the table's pending-delete
// property and removed once a grace period has passed, so that
// readers holding an older view of the table can still read them.
package bucket

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/gordict/dict"
)

// PackLevel determines how aggressively bucketization packs entries.
type PackLevel int

const (
	// PackNone bucketizes loose entries only. Loose entries that
	// would form a bucket smaller than the minimum bucket size are
	// left loose.
	PackNone PackLevel = iota
	// PackMinimal bucketizes all loose entries into the minimum
	// number of buckets, allowing one undersized bucket per header.
	PackMinimal
	// PackConsolidate additionally repacks the entries of buckets
	// with fewer live entries than the minimum bucket size.
	PackConsolidate
	// PackFull repacks every live entry.
	PackFull
)

var packLevels = [...]string{
	PackNone:        "none",
	PackMinimal:     "minimal",
	PackConsolidate: "consolidate",
	PackFull:        "full",
}

// String returns the pack level's name, as accepted by
// ParsePackLevel.
func (l PackLevel) String() string {
	if l < 0 || int(l) >= len(packLevels) {
		return fmt.Sprintf("PackLevel(%d)", int(l))
	}
	return packLevels[l]
}

// ParsePackLevel parses a pack level name.
func ParsePackLevel(s string) (PackLevel, error) {
	for l, name := range packLevels {
		if strings.EqualFold(s, name) {
			return PackLevel(l), nil
		}
	}
	return 0, errors.E(errors.Invalid, fmt.Sprintf("unknown pack level %q", s))
}

// Defaults for Options.
const (
	DefaultBucketSize    = 100
	DefaultMinBucketSize = 20
	DefaultGracePeriod   = 24 * time.Hour
)

// Options configures bucketization.
type Options struct {
	// BucketSize is the maximum number of entries in a bucket.
	BucketSize int
	// MinBucketSize is the minimum number of entries in a new
	// bucket, unless the pack level forces smaller buckets. It is
	// capped at BucketSize.
	MinBucketSize int
	// GracePeriod is the time an unreferenced bucket is retained
	// before it may be deleted. A negative grace period disables
	// retention.
	GracePeriod time.Duration
	// Workers is the number of buckets created in parallel.
	Workers int
	// MaxBuckets limits the number of buckets created by one call
	// to Bucketize. Zero means no limit.
	MaxBuckets int
	// Dirs are the directories new buckets are written to, absolute
	// or relative to the table directory. A bucket's directory is
	// picked by hashing its name. The default is a hidden directory
	// next to the table.
	Dirs []string
	// Compress writes zstd compressed bucket files.
	Compress bool
	// Creator writes bucket files. The default is MergeCreator.
	Creator Creator
	// Tx configures the transactions used.
	Tx dict.TxOptions

	now func() time.Time
	// beforeCommit, if set, is called after bucket files have been
	// created but before the table is committed.
	beforeCommit func() error
}

func (o Options) withDefaults() Options {
	if o.BucketSize <= 0 {
		o.BucketSize = DefaultBucketSize
	}
	if o.MinBucketSize <= 0 {
		o.MinBucketSize = DefaultMinBucketSize
	}
	if o.MinBucketSize > o.BucketSize {
		o.MinBucketSize = o.BucketSize
	}
	if o.GracePeriod == 0 {
		o.GracePeriod = DefaultGracePeriod
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.Creator == nil {
		o.Creator = MergeCreator{}
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// Result reports the outcome of a bucketization operation. Bucket
// names are relative to the table directory when they lie within
// it.
type Result struct {
	// Created are the buckets created.
	Created []string
	// Bucketized is the number of entries assigned to new buckets.
	Bucketized int
	// Unbucketized is the number of entries made loose.
	Unbucketized int
	// Pending are the buckets awaiting deletion.
	Pending []string
	// Deleted are the buckets whose files were deleted.
	Deleted []string
}

// pending is the set of buckets awaiting deletion, keyed by bucket,
// with the time they became unreferenced.
type pending map[string]time.Time

func readPending(t *dict.Table) (pending, error) {
	p := make(pending)
	v, _ := t.Property(dict.PendingDeleteProperty)
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item == "" {
			continue
		}
		i := strings.LastIndexByte(item, '@')
		if i < 0 {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("%s: invalid %s item %q", t.Path(), dict.PendingDeleteProperty, item))
		}
		sec, err := strconv.ParseInt(item[i+1:], 10, 64)
		if err != nil {
			return nil, errors.E(errors.Invalid, fmt.Sprintf("%s: invalid %s item %q", t.Path(), dict.PendingDeleteProperty, item), err)
		}
		p[item[:i]] = time.Unix(sec, 0)
	}
	return p, nil
}

func (p pending) names() []string {
	names := make([]string, 0, len(p))
	for name := range p {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (p pending) write(t *dict.Table) error {
	if _, ok := t.Property(dict.PendingDeleteProperty); !ok && len(p) == 0 {
		return nil
	}
	items := make([]string, 0, len(p))
	for _, name := range p.names() {
		items = append(items, fmt.Sprintf("%s@%d", name, p[name].Unix()))
	}
	return t.SetProperty(dict.PendingDeleteProperty, strings.Join(items, ","))
}

// references counts the live entries referencing each bucket.
func references(entries []dict.Entry) map[string]int {
	refs := make(map[string]int)
	for _, e := range entries {
		if e.IsBucketed() && !e.Deleted {
			refs[e.Bucket]++
		}
	}
	return refs
}
