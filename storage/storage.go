// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package storage provides the file access used by dictionary
// tables, their locks and bucket files. The default implementation
// is backed by github.com/grailbio/base/file, so any URL scheme
// registered with that package (e.g., s3://) is supported.
package storage

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/file"
)

// Info describes a stored file.
type Info struct {
	Size    int64
	ModTime time.Time
}

// A FileReader provides access to table, link and bucket files.
// Errors for files that do not exist have kind errors.NotExist.
type FileReader interface {
	// Exists tells whether the named file exists.
	Exists(ctx context.Context, path string) (bool, error)
	// ReadAll returns the full contents of the named file.
	ReadAll(ctx context.Context, path string) ([]byte, error)
	// WriteAll replaces the contents of the named file. The
	// replacement is atomic for local files.
	WriteAll(ctx context.Context, path string, p []byte) error
	// Stat returns metadata for the named file.
	Stat(ctx context.Context, path string) (Info, error)
	// Remove deletes the named file.
	Remove(ctx context.Context, path string) error
	// Resolve returns the canonical, absolute form of path. It is
	// used as the identity of a table, e.g., as a cache key.
	Resolve(path string) string
}

// Default is the FileReader backed by grailbio/base/file.
var Default FileReader = fileReader{}

type fileReader struct{}

func (fileReader) Exists(ctx context.Context, path string) (bool, error) {
	_, err := file.Stat(ctx, path)
	switch {
	case err == nil:
		return true, nil
	case IsNotExist(err):
		return false, nil
	default:
		return false, err
	}
}

func (fileReader) ReadAll(ctx context.Context, path string) (p []byte, err error) {
	f, err := file.Open(ctx, path)
	if err != nil {
		if IsNotExist(err) {
			return nil, errors.E(errors.NotExist, path, err)
		}
		return nil, err
	}
	defer func() {
		if closeErr := f.Close(ctx); err == nil {
			err = closeErr
		}
	}()
	return ioutil.ReadAll(f.Reader(ctx))
}

func (fileReader) WriteAll(ctx context.Context, path string, p []byte) (err error) {
	f, err := file.Create(ctx, path)
	if err != nil {
		return err
	}
	if _, err = f.Writer(ctx).Write(p); err != nil {
		f.Discard(ctx)
		return err
	}
	return f.Close(ctx)
}

func (fileReader) Stat(ctx context.Context, path string) (Info, error) {
	info, err := file.Stat(ctx, path)
	if err != nil {
		if IsNotExist(err) {
			return Info{}, errors.E(errors.NotExist, path, err)
		}
		return Info{}, err
	}
	return Info{Size: info.Size(), ModTime: info.ModTime()}, nil
}

func (fileReader) Remove(ctx context.Context, path string) error {
	err := file.Remove(ctx, path)
	if err != nil && IsNotExist(err) {
		return errors.E(errors.NotExist, path, err)
	}
	return err
}

func (fileReader) Resolve(path string) string {
	if IsURL(path) {
		return path
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return filepath.Clean(path)
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real
	}
	// The file may not exist yet; resolve its directory instead.
	if dir, err := filepath.EvalSymlinks(filepath.Dir(abs)); err == nil {
		return filepath.Join(dir, filepath.Base(abs))
	}
	return abs
}

// IsNotExist tells whether err indicates a missing file.
func IsNotExist(err error) bool {
	return err != nil && (os.IsNotExist(err) || errors.Is(errors.NotExist, err))
}

// IsURL tells whether path carries a URL scheme, e.g., s3://.
func IsURL(path string) bool {
	return strings.Contains(path, "://")
}

// Dir returns all but the last element of path.
func Dir(path string) string {
	if !IsURL(path) {
		return filepath.Dir(path)
	}
	i := strings.LastIndexByte(path, '/')
	if i < 0 || strings.HasSuffix(path[:i+1], "://") {
		return path
	}
	return path[:i]
}

// Base returns the last element of path.
func Base(path string) string {
	if !IsURL(path) {
		return filepath.Base(path)
	}
	return path[strings.LastIndexByte(path, '/')+1:]
}

// Join joins a (possibly relative) path onto dir. Absolute paths and
// URLs are returned unchanged.
func Join(dir, path string) string {
	if IsURL(path) || filepath.IsAbs(path) || dir == "" {
		return path
	}
	if IsURL(dir) {
		return file.Join(dir, path)
	}
	return filepath.Join(dir, path)
}

// Rel returns path relative to dir when path is inside dir, and
// path unchanged otherwise.
func Rel(dir, path string) string {
	if dir == "" {
		return path
	}
	if IsURL(dir) {
		prefix := strings.TrimSuffix(dir, "/") + "/"
		return strings.TrimPrefix(path, prefix)
	}
	if !filepath.IsAbs(path) {
		return path
	}
	rel, err := filepath.Rel(dir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return rel
}
