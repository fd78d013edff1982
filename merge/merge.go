// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package merge implements an ordered k-way merge of genomic row
// sources. Every source must be sorted by (chr, pos); the merged
// stream is sorted by (chr, pos, source index), so rows at equal
// positions are produced in source order.
package merge

import (
	"container/heap"
	"context"
	"fmt"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/gordict/genome"
	"github.com/grailbio/gordict/rowio"
	"github.com/grailbio/gordict/stats"
)

// Options configures a merge Iterator.
type Options struct {
	// Name is the name of the merged source. It defaults to "merge".
	Name string
	// InsertSource appends a column to every row holding the name of
	// the source it came from. Sources whose rows already carry the
	// column (see rowio.SourceInserter) are not tagged again.
	InsertSource bool
	// SourceColumn names the inserted column. It defaults to
	// rowio.DefaultSourceColumn.
	SourceColumn string
	// Stats, if non-nil, receives iterator counters.
	Stats *stats.Map
}

// A buffered row is the next unread row of the source with index
// idx.
type buffered struct {
	row genome.Row
	idx int
}

// rowHeap is a min-heap of buffered rows, holding at most one row
// per source.
type rowHeap []buffered

func (h rowHeap) Len() int { return len(h) }
func (h rowHeap) Less(i, j int) bool {
	if c := h[i].row.Position().Compare(h[j].row.Position()); c != 0 {
		return c < 0
	}
	return h[i].idx < h[j].idx
}
func (h rowHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *rowHeap) Push(x interface{}) {
	*h = append(*h, x.(buffered))
}

func (h *rowHeap) Pop() interface{} {
	n := len(*h)
	elem := (*h)[n-1]
	*h = (*h)[:n-1]
	return elem
}

// Iterator merges rows from multiple sorted sources. Exhausted
// sources are dropped from the heap but remain in the source list,
// so per-source statistics are addressable by their original index.
//
// Iterator implements rowio.Source; it is not safe for concurrent
// use.
type Iterator struct {
	opts     Options
	sources  []rowio.Source
	inserted []bool
	header   string
	heap     rowHeap
	primed   bool
	closed   bool
	stats    *stats.Map
}

// New returns an Iterator over the provided sources. The headers of
// all sources (with the optional source column) must be equal, case
// insensitively, to the first source's header. If they are not, New
// closes every source and returns an error of kind errors.Integrity
// naming both sources.
func New(sources []rowio.Source, opts Options) (*Iterator, error) {
	if opts.Name == "" {
		opts.Name = "merge"
	}
	if opts.SourceColumn == "" {
		opts.SourceColumn = rowio.DefaultSourceColumn
	}
	it := &Iterator{
		opts:     opts,
		sources:  sources,
		inserted: make([]bool, len(sources)),
		heap:     make(rowHeap, 0, len(sources)),
		stats:    opts.Stats,
	}
	if err := it.reconcileHeaders(); err != nil {
		if closeErr := it.Close(); closeErr != nil {
			log.Error.Printf("merge %s: close after header error: %v", opts.Name, closeErr)
		}
		return nil, err
	}
	it.stats.Int("numSources").Set(int64(len(sources)))
	return it, nil
}

func (it *Iterator) reconcileHeaders() error {
	var first string
	for i, src := range it.sources {
		it.inserted[i] = rowio.SourceInserted(src)
		header := src.Header()
		if it.opts.InsertSource {
			header = rowio.WithSourceColumn(header, it.opts.SourceColumn, it.inserted[i])
		}
		if i == 0 {
			it.header, first = header, src.Name()
			continue
		}
		if !rowio.HeadersEqual(it.header, header) {
			return errors.E(errors.Integrity, fmt.Sprintf(
				"header for %s (%s) is different from the first opened source %s (%s)",
				src.Name(), strings.Replace(header, "\t", ",", -1),
				first, strings.Replace(it.header, "\t", ",", -1)))
		}
	}
	return nil
}

// Name returns the name of the merged source.
func (it *Iterator) Name() string { return it.opts.Name }

// Header returns the reconciled header.
func (it *Iterator) Header() string { return it.header }

// SourceInserted tells whether rows carry the source column.
func (it *Iterator) SourceInserted() bool { return it.opts.InsertSource }

// Sources returns the merged sources, in their original order.
func (it *Iterator) Sources() []rowio.Source { return it.sources }

// HasNext tells whether more rows are available. The first call
// primes the merge by reading one row from every source; the
// context is checked between sources so that priming can be
// canceled.
func (it *Iterator) HasNext(ctx context.Context) (bool, error) {
	it.stats.Int("hasNext").Add(1)
	if it.closed {
		return false, errClosed
	}
	if !it.primed {
		if err := it.prime(ctx); err != nil {
			return false, err
		}
	}
	return len(it.heap) > 0, nil
}

// Next returns the smallest buffered row and refills the buffer from
// the row's source. Next returns rowio.EOF when every source is
// exhausted.
func (it *Iterator) Next(ctx context.Context) (genome.Row, error) {
	it.stats.Int("next").Add(1)
	if it.closed {
		return genome.Row{}, errClosed
	}
	if !it.primed {
		if err := it.prime(ctx); err != nil {
			return genome.Row{}, err
		}
	}
	if len(it.heap) == 0 {
		return genome.Row{}, rowio.EOF
	}
	top := heap.Pop(&it.heap).(buffered)
	if err := it.fill(ctx, top.idx); err != nil {
		return genome.Row{}, err
	}
	return top.row, nil
}

// Seek positions every source at the first row at or after pos and
// re-primes the merge. Seek may be called before the first call to
// Next.
func (it *Iterator) Seek(ctx context.Context, pos genome.Position) error {
	it.stats.Int("seek").Add(1)
	if it.closed {
		return errClosed
	}
	it.heap = it.heap[:0]
	it.primed = true
	for i, src := range it.sources {
		if err := src.Seek(ctx, pos); err != nil {
			return errors.E(fmt.Sprintf("merge %s: seek %s to %s", it.opts.Name, src.Name(), pos), err)
		}
		if err := it.fill(ctx, i); err != nil {
			return err
		}
	}
	return nil
}

// Close closes every source exactly once. Close is idempotent.
func (it *Iterator) Close() error {
	if it.closed {
		return nil
	}
	it.closed = true
	it.heap = nil
	return rowio.CloseAll(it.sources)
}

// Stats returns the iterator's counters.
func (it *Iterator) Stats() stats.Values {
	return it.stats.Snapshot()
}

var errClosed = errors.E(errors.Fatal, errors.Invalid, "merge: iterator is closed")

func (it *Iterator) prime(ctx context.Context) error {
	it.primed = true
	it.heap = it.heap[:0]
	for i := range it.sources {
		if err := ctx.Err(); err != nil {
			return errors.E(fmt.Sprintf("merge %s: priming canceled", it.opts.Name), err)
		}
		if err := it.fill(ctx, i); err != nil {
			return err
		}
	}
	return nil
}

// fill pulls the next row from source idx into the heap, if the
// source is not exhausted.
func (it *Iterator) fill(ctx context.Context, idx int) error {
	src := it.sources[idx]
	row, err := src.Next(ctx)
	if err == rowio.EOF {
		return nil
	}
	if err != nil {
		return err
	}
	if row.IsZero() {
		return errors.E(errors.Fatal, errors.Invalid, fmt.Sprintf(
			"merge %s: source %s (%T) returned an empty row without error", it.opts.Name, src.Name(), src))
	}
	if it.opts.InsertSource && !it.inserted[idx] {
		row = row.With(src.Name())
	}
	it.stats.Source(idx, "rows").Add(1)
	heap.Push(&it.heap, buffered{row, idx})
	return nil
}
