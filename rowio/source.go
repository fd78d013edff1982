// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rowio

import (
	"context"
	"fmt"
	"sort"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/gordict/genome"
)

type sliceSource struct {
	name, header string
	rows         []genome.Row
	off          int
	closed       int
}

// SliceSource returns a Source that produces the provided rows. The
// rows must be sorted if the source is used in a merge.
func SliceSource(name, header string, rows []genome.Row) Source {
	return &sliceSource{name: name, header: header, rows: rows}
}

func (s *sliceSource) Name() string   { return s.name }
func (s *sliceSource) Header() string { return s.header }

func (s *sliceSource) Next(ctx context.Context) (genome.Row, error) {
	if s.off >= len(s.rows) {
		return genome.Row{}, EOF
	}
	s.off++
	return s.rows[s.off-1], nil
}

func (s *sliceSource) Seek(ctx context.Context, pos genome.Position) error {
	s.off = sort.Search(len(s.rows), func(i int) bool {
		return s.rows[i].Position().Compare(pos) >= 0
	})
	return nil
}

func (s *sliceSource) Close() error {
	s.closed++
	return nil
}

// Closed returns the number of times a SliceSource was closed. It is
// used to verify close discipline.
func Closed(src Source) int {
	if s, ok := src.(*sliceSource); ok {
		return s.closed
	}
	return -1
}

type concatSource struct {
	name   string
	header string
	q      []Source
	all    []Source
}

// Concat returns a Source that is the logical concatenation of the
// provided sources, which must share a header (compared case
// insensitively). Once every underlying source has returned EOF,
// Next returns EOF, too. Non-EOF errors are returned immediately.
// Concat does not support Seek. If the headers differ, Concat closes
// every source and returns an error of kind errors.Integrity.
func Concat(name string, sources ...Source) (Source, error) {
	c := &concatSource{name: name, q: sources, all: sources}
	for _, src := range sources {
		if c.header == "" {
			c.header = src.Header()
			continue
		}
		if !HeadersEqual(c.header, src.Header()) {
			if err := CloseAll(sources); err != nil {
				log.Error.Printf("concat %s: close after header error: %v", name, err)
			}
			return nil, errors.E(errors.Integrity, fmt.Sprintf(
				"header for %s (%s) is different from the first source %s (%s)",
				src.Name(), src.Header(), sources[0].Name(), c.header))
		}
	}
	return c, nil
}

func (c *concatSource) Name() string   { return c.name }

// SourceInserted tells whether the rows of every concatenated source
// carry the source column.
func (c *concatSource) SourceInserted() bool {
	for _, src := range c.all {
		if !SourceInserted(src) {
			return false
		}
	}
	return len(c.all) > 0
}

func (c *concatSource) Header() string { return c.header }

func (c *concatSource) Next(ctx context.Context) (genome.Row, error) {
	for len(c.q) > 0 {
		row, err := c.q[0].Next(ctx)
		switch {
		case err == EOF:
			c.q = c.q[1:]
		case err != nil:
			return genome.Row{}, err
		default:
			return row, nil
		}
	}
	return genome.Row{}, EOF
}

func (c *concatSource) Seek(ctx context.Context, pos genome.Position) error {
	return errors.E(errors.NotSupported, fmt.Sprintf("%s: concatenated sources do not support seek", c.name))
}

func (c *concatSource) Close() error {
	c.q = nil
	return CloseAll(c.all)
}

type filterSource struct {
	Source
	keep func(genome.Row) bool
}

// Filter returns a Source that produces only the rows of src for
// which keep returns true.
func Filter(src Source, keep func(genome.Row) bool) Source {
	return &filterSource{src, keep}
}

func (f *filterSource) Next(ctx context.Context) (genome.Row, error) {
	for {
		row, err := f.Source.Next(ctx)
		if err != nil || f.keep(row) {
			return row, err
		}
	}
}

func (f *filterSource) SourceInserted() bool { return SourceInserted(f.Source) }

type rangeSource struct {
	Source
	r      genome.Range
	seeked bool
}

// InRange returns a Source restricted to rows within r. The empty
// range returns src itself.
func InRange(src Source, r genome.Range) Source {
	if r.IsEmpty() {
		return src
	}
	return &rangeSource{Source: src, r: r}
}

func (s *rangeSource) Next(ctx context.Context) (genome.Row, error) {
	if !s.seeked {
		if err := s.Source.Seek(ctx, s.r.Start); err != nil {
			return genome.Row{}, err
		}
		s.seeked = true
	}
	row, err := s.Source.Next(ctx)
	if err != nil {
		return row, err
	}
	if s.r.End.Less(row.Position()) {
		return genome.Row{}, EOF
	}
	return row, nil
}

func (s *rangeSource) Seek(ctx context.Context, pos genome.Position) error {
	if pos.Less(s.r.Start) {
		pos = s.r.Start
	}
	s.seeked = true
	return s.Source.Seek(ctx, pos)
}

func (s *rangeSource) SourceInserted() bool { return SourceInserted(s.Source) }
