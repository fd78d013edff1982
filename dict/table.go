// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package dict implements dictionary tables: mapping files that
// associate data partitions (files or file ranges) with tags and
// aliases, optionally grouped into buckets.
//
// A dictionary file is UTF-8 text with one entry per line:
//
//	## key = value
//	#File	Alias	ChrStart	PosStart	ChrEnd	PosEnd	Tags
//	file[|D][|bucket]	alias	chr1	pos1	chr2	pos2	tag1,tag2
//
// Lines starting with "##" are header properties; other lines
// starting with "#" are comments. "|D" marks a deleted entry
// (tombstone), which is retained in the file for history.
//
// Tables are read and mutated within transactions (see BeginRead and
// BeginWrite), which hold the table lock for their duration.
package dict

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/gordict/storage"
)

// Header properties with defined meaning.
const (
	// SerialProperty counts the number of times the table was saved.
	SerialProperty = "SERIAL"
	// SourceProperty names the source column of the table's rows.
	SourceProperty = "Source"
	// PendingDeleteProperty lists buckets awaiting deletion, as
	// bucket@unixseconds pairs.
	PendingDeleteProperty = "BUCKETIZE_PENDING_DELETE"
)

// Dictionary file extensions.
const (
	// GordExt is the extension of genomic dictionaries, whose
	// sources are merged in genomic order.
	GordExt = ".gord"
	// NordExt is the extension of non-genomic dictionaries, whose
	// sources are concatenated.
	NordExt = ".nord"
)

// IsDictionary tells whether path names a dictionary table.
func IsDictionary(path string) bool {
	return IsGenomic(path) || strings.HasSuffix(strings.ToLower(path), NordExt)
}

// IsGenomic tells whether path names a genomic dictionary.
func IsGenomic(path string) bool {
	return strings.HasSuffix(strings.ToLower(path), GordExt)
}

const columnHeader = "#File\tAlias\tChrStart\tPosStart\tChrEnd\tPosEnd\tTags"

// Table is a dictionary table. The header and content id are parsed
// when the table is opened; entries are parsed on first use.
//
// Tables are safe for concurrent reads. Mutations are permitted only
// on the table of an open write transaction.
type Table struct {
	path   string
	dir    string
	reader storage.FileReader
	id     string

	mu       sync.Mutex
	propKeys []string
	props    map[string]string
	raw      []byte
	loaded   bool
	entries  []Entry
	live     map[string]int
	writable bool
	modified bool
}

// Open opens the dictionary table at path. If the table file does
// not exist, Open returns an error of kind errors.NotExist unless
// create is set, in which case an empty table is returned; it is
// written when first saved.
func Open(ctx context.Context, reader storage.FileReader, path string, create bool) (*Table, error) {
	if reader == nil {
		reader = storage.Default
	}
	resolved := reader.Resolve(path)
	t := &Table{
		path:   resolved,
		dir:    storage.Dir(resolved),
		reader: reader,
		props:  make(map[string]string),
	}
	raw, err := reader.ReadAll(ctx, resolved)
	switch {
	case err == nil:
	case storage.IsNotExist(err) && create:
		t.loaded = true
		t.live = make(map[string]int)
		return t, nil
	case storage.IsNotExist(err):
		return nil, errors.E(errors.NotExist, fmt.Sprintf("dictionary table %s", path), err)
	default:
		return nil, errors.E(fmt.Sprintf("read dictionary table %s", path), err)
	}
	t.raw = raw
	t.parseHeader()
	if len(raw) > 0 {
		t.id = fmt.Sprintf("%016x", xxhash.Sum64(raw))
	}
	return t, nil
}

// Path returns the resolved path of the table file.
func (t *Table) Path() string { return t.path }

// Dir returns the directory of the table file; relative entry paths
// are relative to it.
func (t *Table) Dir() string { return t.dir }

// Name returns the table's file name without its extension.
func (t *Table) Name() string {
	base := storage.Base(t.path)
	if i := strings.LastIndexByte(base, '.'); i > 0 {
		return base[:i]
	}
	return base
}

// ID returns the content id of the table as read from storage. It
// is empty for tables that have not been stored.
func (t *Table) ID() string { return t.id }

// Reader returns the FileReader used by the table.
func (t *Table) Reader() storage.FileReader { return t.reader }

// Property returns the value of a header property.
func (t *Table) Property(key string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.props[key]
	return v, ok
}

// SetProperty sets a header property. The table must be writable.
func (t *Table) SetProperty(key, value string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkWritable("set property"); err != nil {
		return err
	}
	t.setProperty(key, value)
	return nil
}

func (t *Table) setProperty(key, value string) {
	old, ok := t.props[key]
	if ok && old == value {
		return
	}
	if !ok {
		t.propKeys = append(t.propKeys, key)
	}
	t.props[key] = value
	t.modified = true
}

// Resolve returns the full path of a table-relative path.
func (t *Table) Resolve(path string) string {
	return storage.Join(t.dir, path)
}

// Relativize returns path relative to the table directory when it
// lies within it.
func (t *Table) Relativize(path string) string {
	return storage.Rel(t.dir, storage.Join(t.dir, path))
}

func (t *Table) parseHeader() {
	sc := bufio.NewScanner(bytes.NewReader(t.raw))
	sc.Buffer(nil, 1<<20)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "#") {
			if strings.TrimSpace(line) == "" {
				continue
			}
			break
		}
		if !strings.HasPrefix(line, "##") {
			continue
		}
		kv := strings.TrimPrefix(line, "##")
		i := strings.IndexByte(kv, '=')
		if i < 0 {
			continue
		}
		key, value := strings.TrimSpace(kv[:i]), strings.TrimSpace(kv[i+1:])
		if key == "" {
			continue
		}
		if _, ok := t.props[key]; !ok {
			t.propKeys = append(t.propKeys, key)
		}
		t.props[key] = value
	}
}

// load parses the entries of the table. The caller must hold t.mu.
func (t *Table) load() error {
	if t.loaded {
		return nil
	}
	var (
		entries []Entry
		live    = make(map[string]int)
		lineno  int
	)
	sc := bufio.NewScanner(bytes.NewReader(t.raw))
	sc.Buffer(nil, 1<<20)
	for sc.Scan() {
		lineno++
		line := strings.TrimRight(sc.Text(), "\r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, "#") {
			continue
		}
		e, err := ParseEntry(line)
		if err != nil {
			return errors.E(fmt.Sprintf("%s:%d", t.path, lineno), err)
		}
		if !e.Deleted {
			if prev, ok := live[e.Key()]; ok {
				// Later lines take precedence; older duplicates are
				// treated as history.
				entries[prev].Deleted = true
			}
			live[e.Key()] = len(entries)
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return errors.E(fmt.Sprintf("parse %s", t.path), err)
	}
	t.entries, t.live, t.loaded = entries, live, true
	t.raw = nil
	return nil
}

func (t *Table) checkWritable(op string) error {
	if !t.writable {
		return errors.E(errors.Precondition, fmt.Sprintf("%s %s: table is not open in a write transaction", op, t.path))
	}
	return nil
}

// SelectAll returns all live entries of the table.
func (t *Table) SelectAll() ([]Entry, error) {
	return t.Filter().Get()
}

// Entries returns every entry of the table, including deleted ones,
// in file order.
func (t *Table) Entries() ([]Entry, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.load(); err != nil {
		return nil, err
	}
	return copyEntries(t.entries), nil
}

// Insert adds entries to the table. An existing live entry with the
// identity of an inserted entry is marked deleted, so that history
// is preserved. Entry file and bucket paths are stored relative to
// the table directory when they lie within it.
func (t *Table) Insert(entries ...Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkWritable("insert into"); err != nil {
		return err
	}
	if err := t.load(); err != nil {
		return err
	}
	for _, e := range entries {
		e = t.normalize(e)
		e.Deleted = false
		if prev, ok := t.live[e.Key()]; ok {
			t.entries[prev].Deleted = true
		}
		t.live[e.Key()] = len(t.entries)
		t.entries = append(t.entries, e)
		t.modified = true
	}
	return nil
}

// Delete marks the live entries with the identities of the provided
// entries as deleted. Entries that are not in the table are ignored.
// Delete returns the number of entries deleted.
func (t *Table) Delete(entries ...Entry) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkWritable("delete from"); err != nil {
		return 0, err
	}
	if err := t.load(); err != nil {
		return 0, err
	}
	var n int
	for _, e := range entries {
		key := t.normalize(e).Key()
		i, ok := t.live[key]
		if !ok {
			log.Debug.Printf("%s: delete: no live entry for %s", t.path, e.File)
			continue
		}
		t.entries[i].Deleted = true
		delete(t.live, key)
		n++
		t.modified = true
	}
	return n, nil
}

// SetBucket assigns the live entries with the identities of the
// provided entries to bucket. An empty bucket makes the entries
// loose again. Entry identities are unchanged, so no history is
// recorded.
func (t *Table) SetBucket(bucket string, entries ...Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.checkWritable("set bucket in"); err != nil {
		return err
	}
	if err := t.load(); err != nil {
		return err
	}
	if bucket != "" {
		bucket = t.Relativize(bucket)
	}
	for _, e := range entries {
		key := t.normalize(e).Key()
		i, ok := t.live[key]
		if !ok {
			return errors.E(errors.NotExist, fmt.Sprintf("%s: no live entry for %s", t.path, e.File))
		}
		t.entries[i].Bucket = bucket
		t.modified = true
	}
	return nil
}

// Modified tells whether the table has been changed since it was
// opened.
func (t *Table) Modified() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.modified
}

func (t *Table) normalize(e Entry) Entry {
	e.File = t.Relativize(e.File)
	if e.Bucket != "" {
		e.Bucket = t.Relativize(e.Bucket)
	}
	e.Tags = normalizeTags(e.Tags)
	return e
}

// Format returns the table in dictionary file format.
func (t *Table) Format() ([]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.load(); err != nil {
		return nil, err
	}
	return t.format(), nil
}

func (t *Table) format() []byte {
	var b bytes.Buffer
	for _, key := range t.propKeys {
		fmt.Fprintf(&b, "## %s = %s\n", key, t.props[key])
	}
	b.WriteString(columnHeader)
	b.WriteByte('\n')
	for _, e := range t.entries {
		b.WriteString(e.Format())
		b.WriteByte('\n')
	}
	return b.Bytes()
}

// save writes the table to storage, incrementing its serial number.
func (t *Table) save(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if err := t.load(); err != nil {
		return err
	}
	serial, _ := strconv.Atoi(t.props[SerialProperty])
	t.setProperty(SerialProperty, strconv.Itoa(serial+1))
	p := t.format()
	if err := t.reader.WriteAll(ctx, t.path, p); err != nil {
		return errors.E(fmt.Sprintf("save dictionary table %s", t.path), err)
	}
	t.id = fmt.Sprintf("%016x", xxhash.Sum64(p))
	t.modified = false
	log.Debug.Printf("saved %s (%d entries, serial %d)", t.path, len(t.entries), serial+1)
	return nil
}

func copyEntries(entries []Entry) []Entry {
	out := make([]Entry, len(entries))
	copy(out, entries)
	return out
}
