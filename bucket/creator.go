// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package bucket

import (
	"context"
	"fmt"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/gordict/dict"
	"github.com/grailbio/gordict/merge"
	"github.com/grailbio/gordict/meta"
	"github.com/grailbio/gordict/rowio"
)

// MetaSuffix is appended to a bucket's path to name the file holding
// its summary metadata.
const MetaSuffix = ".meta"

// Info describes a created bucket.
type Info struct {
	// Rows and Bytes are the number of rows and (uncompressed)
	// bytes written.
	Rows, Bytes int64
	// Summary summarizes the bucket's rows.
	Summary meta.Summary
}

// A Creator writes the data of a group of entries into a new bucket
// file. Create may be slow; it is called concurrently for different
// groups of the same table. It must not modify the table.
type Creator interface {
	Create(ctx context.Context, t *dict.Table, path string, entries []dict.Entry) (Info, error)
}

// SourceColumn returns the name of the source column of the table's
// buckets.
func SourceColumn(t *dict.Table) string {
	if col, ok := t.Property(dict.SourceProperty); ok && col != "" {
		return col
	}
	return rowio.DefaultSourceColumn
}

// MergeCreator creates buckets by merging the entries' files in
// genomic order. Each row is tagged with the source name of its
// entry. A summary of the bucket is written next to it, with the
// suffix MetaSuffix.
type MergeCreator struct {
	// CardCol is the column whose distinct values are recorded in
	// the bucket's summary. It defaults to the source column.
	CardCol string
}

// Create implements Creator.
func (m MergeCreator) Create(ctx context.Context, t *dict.Table, path string, entries []dict.Entry) (info Info, err error) {
	col := SourceColumn(t)
	sources := make([]rowio.Source, 0, len(entries))
	for _, e := range entries {
		src, err := rowio.Open(ctx, t.Resolve(e.File))
		if err != nil {
			if closeErr := rowio.CloseAll(sources); closeErr != nil {
				err = errors.E(err, fmt.Sprintf("close after error: %v", closeErr))
			}
			return Info{}, err
		}
		sources = append(sources, rowio.Named(rowio.InRange(src, e.Range), e.SourceName()))
	}
	it, err := merge.New(sources, merge.Options{Name: path, InsertSource: true, SourceColumn: col})
	if err != nil {
		return Info{}, err
	}
	defer func() {
		if closeErr := it.Close(); err == nil {
			err = closeErr
		}
	}()
	cardCol := m.CardCol
	if cardCol == "" {
		cardCol = col
	}
	w, err := rowio.Create(ctx, path, it.Header())
	if err != nil {
		return Info{}, err
	}
	acc := meta.New(it.Header(), cardCol)
	for {
		row, err := it.Next(ctx)
		if err == rowio.EOF {
			break
		}
		if err == nil {
			err = w.Write(row)
		}
		if err != nil {
			w.Discard()
			return Info{}, err
		}
		acc = meta.Fold(acc, row)
	}
	if err := w.Commit(); err != nil {
		return Info{}, err
	}
	info = Info{Rows: w.Rows(), Bytes: w.Bytes(), Summary: meta.Finalize(acc)}
	var b strings.Builder
	for _, prop := range info.Summary.Properties() {
		b.WriteString("## " + prop + "\n")
	}
	if err := t.Reader().WriteAll(ctx, path+MetaSuffix, []byte(b.String())); err != nil {
		return Info{}, err
	}
	return info, nil
}
