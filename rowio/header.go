// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rowio

import (
	"context"
	"strings"

	"github.com/grailbio/gordict/genome"
)

// DefaultSourceColumn is the name of the column that identifies the
// originating source of a row when source tagging is enabled.
const DefaultSourceColumn = "Source"

// HeadersEqual tells whether two tab-delimited headers have the same
// columns, compared case insensitively.
func HeadersEqual(a, b string) bool {
	x, y := strings.Split(a, "\t"), strings.Split(b, "\t")
	if len(x) != len(y) {
		return false
	}
	for i := range x {
		if !strings.EqualFold(x[i], y[i]) {
			return false
		}
	}
	return true
}

// WithSourceColumn returns header with the source column col
// appended. If inserted is true, the source's rows already carry the
// source column as their last column, and it is renamed to col
// instead.
func WithSourceColumn(header, col string, inserted bool) string {
	if col == "" {
		col = DefaultSourceColumn
	}
	if !inserted {
		return header + "\t" + col
	}
	if i := strings.LastIndexByte(header, '\t'); i >= 0 {
		return header[:i+1] + col
	}
	return col
}

type named struct {
	Source
	name     string
	inserted bool
}

// Named returns src with a different name.
func Named(src Source, name string) Source {
	return &named{src, name, SourceInserted(src)}
}

// Inserted returns src marked as carrying its source column.
func Inserted(src Source) Source {
	return &named{src, src.Name(), true}
}

func (n *named) Name() string         { return n.name }
func (n *named) SourceInserted() bool { return n.inserted }

type stripped struct {
	Source
	header string
}

// StripSourceColumn returns src with its last column, the source
// column, removed from its header and rows.
func StripSourceColumn(src Source) Source {
	header := src.Header()
	if i := strings.LastIndexByte(header, '\t'); i >= 0 {
		header = header[:i]
	}
	return &stripped{src, header}
}

func (s *stripped) Header() string { return s.header }

func (s *stripped) Next(ctx context.Context) (genome.Row, error) {
	row, err := s.Source.Next(ctx)
	if err != nil || len(row.Fields) == 0 {
		return row, err
	}
	row.Fields = row.Fields[:len(row.Fields)-1]
	return row, nil
}

func (s *stripped) SourceInserted() bool { return false }

type tagged struct {
	Source
	header string
}

// Tag returns src with the source column col appended to its header
// and every row holding src's name. Sources that already carry the
// source column are returned with the column renamed to col.
func Tag(src Source, col string) Source {
	inserted := SourceInserted(src)
	header := WithSourceColumn(src.Header(), col, inserted)
	if inserted {
		return &renamed{src, header}
	}
	return &tagged{src, header}
}

func (s *tagged) Header() string       { return s.header }
func (s *tagged) SourceInserted() bool { return true }

func (s *tagged) Next(ctx context.Context) (genome.Row, error) {
	row, err := s.Source.Next(ctx)
	if err != nil {
		return row, err
	}
	return row.With(s.Source.Name()), nil
}

type renamed struct {
	Source
	header string
}

func (s *renamed) Header() string       { return s.header }
func (s *renamed) SourceInserted() bool { return true }
