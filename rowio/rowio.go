// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package rowio provides row sources: stateful, pull-based streams
// of tab-delimited rows, and utilities to combine and write them.
package rowio

import (
	"context"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/gordict/genome"
)

// EOF is the error returned by Source.Next when no more rows are
// available. EOF is intended as a sentinel error: it signals a
// graceful end of output. If output terminates unexpectedly, a
// different error should be returned.
var EOF = errors.New("EOF")

// A Source is a stream of rows sharing a header. Genomic sources
// produce rows in non-decreasing (chr, pos) order.
//
// Sources should not be used concurrently.
type Source interface {
	// Name identifies the source in errors and, when source
	// tagging is enabled, in the source column.
	Name() string
	// Header returns the tab-delimited column names.
	Header() string
	// Next returns the next row, or EOF when the source is
	// exhausted.
	Next(ctx context.Context) (genome.Row, error)
	// Seek repositions the source so that the next row returned is
	// the first one at or after pos.
	Seek(ctx context.Context, pos genome.Position) error
	// Close releases the source's resources.
	Close() error
}

// SourceInserter is implemented by sources whose rows already carry
// the source column as their last column.
type SourceInserter interface {
	SourceInserted() bool
}

// SourceInserted tells whether the rows of src already include the
// source column.
func SourceInserted(src Source) bool {
	s, ok := src.(SourceInserter)
	return ok && s.SourceInserted()
}

// ReadAll reads every remaining row from src. ReadAll is intended
// for testing and small sources.
func ReadAll(ctx context.Context, src Source) ([]genome.Row, error) {
	var rows []genome.Row
	for {
		row, err := src.Next(ctx)
		if err == EOF {
			return rows, nil
		}
		if err != nil {
			return rows, err
		}
		rows = append(rows, row)
	}
}

// CloseAll closes every source, logging nothing and returning the
// first error encountered. Every source is closed even if an
// earlier one fails.
func CloseAll(sources []Source) error {
	var first error
	for _, src := range sources {
		if src == nil {
			continue
		}
		if err := src.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
