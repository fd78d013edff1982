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
	"github.com/grailbio/gordict/storage"
)

// ZstdSuffix is the file name suffix of zstd compressed row files.
const ZstdSuffix = ".zst"

// fileSource reads rows from a tab-delimited file. Lines starting
// with "##" are metadata and are skipped; the first line starting
// with "#" is the header.
type fileSource struct {
	ctx     context.Context
	path    string
	genomic bool
	header  string
	meta    []string

	file    file.File
	zr      io.ReadCloser
	r       *bufio.Reader
	pending string
}

// Open opens a genomic row file. The file's header is read eagerly.
// Files with the suffix ".zst" are decompressed.
func Open(ctx context.Context, path string) (Source, error) {
	return open(ctx, path, true)
}

// OpenNor opens a row file without genomic coordinates.
func OpenNor(ctx context.Context, path string) (Source, error) {
	return open(ctx, path, false)
}

func open(ctx context.Context, path string, genomic bool) (Source, error) {
	s := &fileSource{ctx: ctx, path: path, genomic: genomic}
	if err := s.reopen(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *fileSource) reopen(ctx context.Context) error {
	s.closeFile()
	f, err := file.Open(ctx, s.path)
	if err != nil {
		if storage.IsNotExist(err) {
			return errors.E(errors.NotExist, fmt.Sprintf("row file %s", s.path), err)
		}
		return err
	}
	s.file = f
	var rd io.Reader = f.Reader(ctx)
	if strings.HasSuffix(s.path, ZstdSuffix) {
		if s.zr, err = zstd.NewReader(rd); err != nil {
			s.closeFile()
			return errors.E(fmt.Sprintf("open zstd reader %s", s.path), err)
		}
		rd = s.zr
	}
	s.r = bufio.NewReaderSize(rd, 64<<10)
	s.pending = ""
	s.meta = s.meta[:0]
	for {
		line, err := s.readLine()
		if err == EOF {
			return nil
		}
		if err != nil {
			s.closeFile()
			return err
		}
		switch {
		case strings.HasPrefix(line, "##"):
			s.meta = append(s.meta, line)
		case strings.HasPrefix(line, "#"):
			s.header = strings.TrimPrefix(line, "#")
			return nil
		default:
			s.pending = line
			return nil
		}
	}
}

func (s *fileSource) readLine() (string, error) {
	line, err := s.r.ReadString('\n')
	if err == io.EOF {
		if line == "" {
			return "", EOF
		}
		err = nil
	}
	if err != nil {
		return "", errors.E(fmt.Sprintf("read %s", s.path), err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func (s *fileSource) Name() string   { return s.path }
func (s *fileSource) Header() string { return s.header }

// Meta returns the "##" metadata lines read before the header.
func (s *fileSource) Meta() []string { return s.meta }

func (s *fileSource) Next(ctx context.Context) (genome.Row, error) {
	if s.r == nil {
		return genome.Row{}, EOF
	}
	line := s.pending
	s.pending = ""
	for line == "" {
		var err error
		if line, err = s.readLine(); err != nil {
			return genome.Row{}, err
		}
	}
	if !s.genomic {
		return genome.ParseNorRow(line), nil
	}
	row, err := genome.ParseRow(line)
	if err != nil {
		return genome.Row{}, errors.E(s.path, err)
	}
	return row, nil
}

// Seek reopens the file and skips rows before pos. Row files carry
// no index, so seeking is linear.
func (s *fileSource) Seek(ctx context.Context, pos genome.Position) error {
	if !s.genomic {
		return errors.E(errors.NotSupported, fmt.Sprintf("%s: seek on non-genomic file", s.path))
	}
	if err := s.reopen(ctx); err != nil {
		return err
	}
	for {
		row, err := s.Next(ctx)
		if err == EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if row.Position().Compare(pos) >= 0 {
			s.pending = row.String()
			return nil
		}
	}
}

func (s *fileSource) closeFile() error {
	var err error
	if s.zr != nil {
		if closeErr := s.zr.Close(); closeErr != nil {
			log.Error.Printf("%s: close zstd reader: %v", s.path, closeErr)
		}
		s.zr = nil
	}
	if s.file != nil {
		err = s.file.Close(s.ctx)
		s.file = nil
	}
	s.r = nil
	return err
}

func (s *fileSource) Close() error {
	return s.closeFile()
}

// ReadHeader returns the header of the row file at path without
// reading any rows.
func ReadHeader(ctx context.Context, path string) (string, error) {
	src, err := Open(ctx, path)
	if err != nil {
		return "", err
	}
	header := src.Header()
	return header, src.Close()
}
