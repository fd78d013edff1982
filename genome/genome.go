// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package genome defines the genomic coordinate model shared by
// dictionary tables and row streams: positions, ranges and
// tab-delimited rows ordered by chromosome and position.
package genome

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
)

// MaxPos is the largest representable position. It is used as the
// open end of ranges that name only a chromosome.
const MaxPos = math.MaxInt32

// A Position is a genomic coordinate.
type Position struct {
	Chr string
	Pos int
}

// String returns the position formatted as chr:pos.
func (p Position) String() string {
	return fmt.Sprintf("%s:%d", p.Chr, p.Pos)
}

// Compare returns -1, 0 or 1 depending on whether p is before, at
// or after q. Chromosomes are compared lexicographically.
func (p Position) Compare(q Position) int {
	switch {
	case p.Chr < q.Chr:
		return -1
	case p.Chr > q.Chr:
		return 1
	case p.Pos < q.Pos:
		return -1
	case p.Pos > q.Pos:
		return 1
	}
	return 0
}

// Less reports whether p is strictly before q.
func (p Position) Less(q Position) bool { return p.Compare(q) < 0 }

// A Range is a closed genomic interval. The zero Range is empty and
// represents "no range restriction".
type Range struct {
	Start, End Position
}

// IsEmpty reports whether the range places no restriction.
func (r Range) IsEmpty() bool {
	return r.Start.Chr == "" && r.End.Chr == ""
}

// Contains reports whether p is within r. The empty range contains
// every position.
func (r Range) Contains(p Position) bool {
	if r.IsEmpty() {
		return true
	}
	return r.Start.Compare(p) <= 0 && p.Compare(r.End) <= 0
}

// Overlaps reports whether r and s have any position in common. An
// empty range overlaps everything.
func (r Range) Overlaps(s Range) bool {
	if r.IsEmpty() || s.IsEmpty() {
		return true
	}
	return r.Start.Compare(s.End) <= 0 && s.Start.Compare(r.End) <= 0
}

// String formats the range as chr:pos-chr:pos. The empty range
// formats as the empty string.
func (r Range) String() string {
	if r.IsEmpty() {
		return ""
	}
	return r.Start.String() + "-" + r.End.String()
}

// ParseRange parses a range string. Accepted forms are
//
//	chr
//	chr:pos
//	chr:pos-
//	chr:pos-pos
//	chr:pos-chr:pos
//
// The empty string parses as the empty range.
func ParseRange(s string) (Range, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Range{}, nil
	}
	var (
		r          Range
		start, end = s, ""
	)
	if i := strings.IndexByte(s, '-'); i >= 0 {
		start, end = s[:i], s[i+1:]
	}
	var err error
	if r.Start, err = parsePosition(start, 0); err != nil {
		return Range{}, errors.E(errors.Invalid, fmt.Sprintf("invalid range %q", s), err)
	}
	switch {
	case !strings.Contains(s, "-") && !strings.Contains(start, ":"):
		r.End = Position{r.Start.Chr, MaxPos}
	case !strings.Contains(s, "-"):
		r.End = r.Start
	case end == "":
		r.End = Position{r.Start.Chr, MaxPos}
	case !strings.Contains(end, ":"):
		pos, err := strconv.Atoi(end)
		if err != nil {
			return Range{}, errors.E(errors.Invalid, fmt.Sprintf("invalid range %q", s), err)
		}
		r.End = Position{r.Start.Chr, pos}
	default:
		if r.End, err = parsePosition(end, MaxPos); err != nil {
			return Range{}, errors.E(errors.Invalid, fmt.Sprintf("invalid range %q", s), err)
		}
	}
	if r.End.Less(r.Start) {
		return Range{}, errors.E(errors.Invalid, fmt.Sprintf("invalid range %q: end before start", s))
	}
	return r, nil
}

func parsePosition(s string, def int) (Position, error) {
	i := strings.IndexByte(s, ':')
	if i < 0 {
		if s == "" {
			return Position{}, errors.E(errors.Invalid, "missing chromosome")
		}
		return Position{s, def}, nil
	}
	if i == 0 {
		return Position{}, errors.E(errors.Invalid, "missing chromosome")
	}
	pos, err := strconv.Atoi(s[i+1:])
	if err != nil {
		return Position{}, err
	}
	return Position{s[:i], pos}, nil
}
