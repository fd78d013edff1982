// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package dict

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/gordict/genome"
)

// deletedMarker marks a tombstoned entry in the file column.
const deletedMarker = "D"

// An Entry is one row of a dictionary table: a reference to a data
// partition, the tags under which it is found, and the bucket its
// data currently lives in.
//
// Entries are values; tables hand out copies.
type Entry struct {
	// File is the data file, relative to the table directory unless
	// absolute.
	File string
	// Alias is the logical source name of the entry. The alias is
	// also a tag.
	Alias string
	// Tags are additional tags. An entry with neither alias nor
	// tags matches every tag query.
	Tags []string
	// Bucket is the bucket file holding the entry's data, relative
	// to the table directory. The empty string means the entry is
	// loose.
	Bucket string
	// Range restricts the entry to a genomic range.
	Range genome.Range
	// Deleted marks a tombstone: the entry is logically removed.
	Deleted bool
}

// Key returns the entry's identity within a table: its file and
// range.
func (e Entry) Key() string {
	return e.File + "\x00" + e.Range.String()
}

// ContentTags returns the alias and tags of the entry.
func (e Entry) ContentTags() []string {
	if e.Alias == "" {
		return e.Tags
	}
	tags := make([]string, 0, len(e.Tags)+1)
	tags = append(tags, e.Alias)
	for _, tag := range e.Tags {
		if tag != e.Alias {
			tags = append(tags, tag)
		}
	}
	return tags
}

// SourceName is the value placed in the source column for rows of
// this entry: its alias, else its first tag, else its file.
func (e Entry) SourceName() string {
	if e.Alias != "" {
		return e.Alias
	}
	if len(e.Tags) > 0 {
		return e.Tags[0]
	}
	return e.File
}

// IsBucketed tells whether the entry's data lives in a bucket.
func (e Entry) IsBucketed() bool { return e.Bucket != "" }

// String returns the entry in dictionary line format.
func (e Entry) String() string { return e.Format() }

// Format returns the entry as a dictionary line, without the
// trailing newline.
func (e Entry) Format() string {
	var b strings.Builder
	b.WriteString(e.File)
	if e.Deleted {
		b.WriteString("|" + deletedMarker)
	}
	if e.Bucket != "" {
		b.WriteString("|" + e.Bucket)
	}
	cols := []string{b.String(), e.Alias}
	if !e.Range.IsEmpty() || len(e.Tags) > 0 {
		if e.Range.IsEmpty() {
			cols = append(cols, "", "", "", "")
		} else {
			cols = append(cols,
				e.Range.Start.Chr, strconv.Itoa(e.Range.Start.Pos),
				e.Range.End.Chr, strconv.Itoa(e.Range.End.Pos))
		}
	}
	if len(e.Tags) > 0 {
		cols = append(cols, strings.Join(e.Tags, ","))
	}
	return strings.TrimRight(strings.Join(cols, "\t"), "\t")
}

// ParseEntry parses a dictionary line:
//
//	file[|D][|bucket] [alias [chr1 pos1 chr2 pos2 [tag,tag...]]]
func ParseEntry(line string) (Entry, error) {
	fields := strings.Split(line, "\t")
	var e Entry
	parts := strings.Split(fields[0], "|")
	e.File = strings.TrimSpace(parts[0])
	if e.File == "" {
		return Entry{}, errors.E(errors.Invalid, fmt.Sprintf("dictionary line %q: missing file", line))
	}
	for _, part := range parts[1:] {
		switch part = strings.TrimSpace(part); part {
		case "":
		case deletedMarker:
			e.Deleted = true
		default:
			e.Bucket = part
		}
	}
	if len(fields) > 1 {
		e.Alias = strings.TrimSpace(fields[1])
	}
	if len(fields) > 2 {
		rng, err := parseRangeColumns(fields[2:])
		if err != nil {
			return Entry{}, errors.E(errors.Invalid, fmt.Sprintf("dictionary line %q", line), err)
		}
		e.Range = rng
	}
	if len(fields) > 6 {
		e.Tags = normalizeTags(strings.Split(fields[6], ","))
	}
	return e, nil
}

func parseRangeColumns(cols []string) (genome.Range, error) {
	get := func(i int) string {
		if i < len(cols) {
			return strings.TrimSpace(cols[i])
		}
		return ""
	}
	if get(0) == "" && get(2) == "" {
		return genome.Range{}, nil
	}
	var (
		r   genome.Range
		err error
	)
	r.Start.Chr = get(0)
	if r.Start.Pos, err = atoiDefault(get(1), 0); err != nil {
		return genome.Range{}, err
	}
	r.End.Chr = get(2)
	if r.End.Chr == "" {
		r.End.Chr = r.Start.Chr
	}
	if r.End.Pos, err = atoiDefault(get(3), genome.MaxPos); err != nil {
		return genome.Range{}, err
	}
	if r.End.Less(r.Start) {
		return genome.Range{}, errors.E(errors.Invalid, fmt.Sprintf("range %s: end before start", r))
	}
	return r, nil
}

func atoiDefault(s string, def int) (int, error) {
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

// normalizeTags trims, deduplicates and sorts tags, dropping empty
// ones.
func normalizeTags(tags []string) []string {
	set := make(map[string]bool, len(tags))
	var out []string
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" || set[tag] {
			continue
		}
		set[tag] = true
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
