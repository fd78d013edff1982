// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rowio

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/grailbio/base/compress/zstd"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/gordict/genome"
)

// A Writer writes rows to a file. The file does not become visible
// until Commit is called; Discard abandons it. Files with the suffix
// ".zst" are compressed with zstd.
type Writer struct {
	ctx   context.Context
	path  string
	file  file.File
	zw    io.WriteCloser
	w     *bufio.Writer
	bytes int64
	rows  int64
	err   error
}

// Create returns a Writer for path. Meta lines (without their "##"
// prefix) are written before the header.
func Create(ctx context.Context, path, header string, meta ...string) (*Writer, error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return nil, err
	}
	w := &Writer{ctx: ctx, path: path, file: f}
	var out io.Writer = f.Writer(ctx)
	if strings.HasSuffix(path, ZstdSuffix) {
		if w.zw, err = zstd.NewWriter(out); err != nil {
			f.Discard(ctx)
			return nil, errors.E(fmt.Sprintf("create zstd writer %s", path), err)
		}
		out = w.zw
	}
	w.w = bufio.NewWriterSize(out, 64<<10)
	for _, m := range meta {
		w.writeLine("## " + m)
	}
	w.writeLine("#" + header)
	if w.err != nil {
		w.Discard()
		return nil, w.err
	}
	return w, nil
}

func (w *Writer) writeLine(line string) {
	if w.err != nil {
		return
	}
	var n int
	n, w.err = w.w.WriteString(line)
	w.bytes += int64(n)
	if w.err == nil {
		w.err = w.w.WriteByte('\n')
		w.bytes++
	}
}

// Write writes a row.
func (w *Writer) Write(row genome.Row) error {
	w.writeLine(row.String())
	w.rows++
	return w.err
}

// Rows returns the number of rows written.
func (w *Writer) Rows() int64 { return w.rows }

// Bytes returns the number of uncompressed bytes written.
func (w *Writer) Bytes() int64 { return w.bytes }

// Commit flushes and closes the file, making it visible.
func (w *Writer) Commit() error {
	if w.err != nil {
		w.Discard()
		return w.err
	}
	if err := w.w.Flush(); err != nil {
		w.Discard()
		return err
	}
	if w.zw != nil {
		if err := w.zw.Close(); err != nil {
			w.Discard()
			return err
		}
	}
	return w.file.Close(w.ctx)
}

// Discard abandons the file; it is not committed.
func (w *Writer) Discard() {
	if w.zw != nil {
		if err := w.zw.Close(); err != nil {
			log.Debug.Printf("%s: close discarded zstd writer: %v", w.path, err)
		}
	}
	w.file.Discard(w.ctx)
}

// Copy writes every remaining row of src to w and returns the number
// of rows copied.
func Copy(ctx context.Context, w *Writer, src Source) (int64, error) {
	var n int64
	for {
		row, err := src.Next(ctx)
		if err == EOF {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		if err := w.Write(row); err != nil {
			return n, err
		}
		n++
	}
}
