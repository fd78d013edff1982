// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package meta computes summary metadata over a row stream: the
// covered genomic range, the number of lines and, optionally, the
// distinct values of a cardinality column. Statistics are
// accumulated by folding rows into an Accumulator value and are
// turned into a Summary by Finalize.
package meta

import (
	"fmt"
	"sort"
	"strings"

	"github.com/grailbio/gordict/genome"
)

// Header property keys written by Summary.Properties.
const (
	RangeKey     = "RANGE"
	LineCountKey = "LINE_COUNT"
	CardColKey   = "CARDCOL"
)

// An Accumulator holds the running statistics of a scan.
type Accumulator struct {
	first, last genome.Position
	lines       int64
	cardCol     string
	cardIndex   int
	card        map[string]struct{}
}

// New returns an Accumulator for rows with the given header. If
// cardCol is nonempty and names a column of header (case
// insensitively), the distinct values of that column are collected.
func New(header, cardCol string) Accumulator {
	acc := Accumulator{cardIndex: -1}
	if cardCol == "" {
		return acc
	}
	for i, col := range strings.Split(header, "\t") {
		if strings.EqualFold(col, cardCol) {
			acc.cardCol, acc.cardIndex = cardCol, i
			acc.card = make(map[string]struct{})
			break
		}
	}
	return acc
}

// Fold returns acc updated with row. Rows must be folded in stream
// order.
func Fold(acc Accumulator, row genome.Row) Accumulator {
	if acc.lines == 0 {
		acc.first = row.Position()
	}
	acc.last = row.Position()
	acc.lines++
	if acc.cardIndex >= 0 && acc.cardIndex < len(row.Fields) {
		acc.card[row.Fields[acc.cardIndex]] = struct{}{}
	}
	return acc
}

// A Summary is the finalized result of an Accumulator.
type Summary struct {
	// Range is the range spanned by the folded rows; it is empty if
	// no rows were folded.
	Range genome.Range
	// Lines is the number of rows folded.
	Lines int64
	// CardCol is the cardinality column, if any, and CardValues its
	// sorted distinct values.
	CardCol    string
	CardValues []string
}

// Finalize computes the Summary of acc.
func Finalize(acc Accumulator) Summary {
	s := Summary{Lines: acc.lines, CardCol: acc.cardCol}
	if acc.lines > 0 {
		s.Range = genome.Range{Start: acc.first, End: acc.last}
	}
	for v := range acc.card {
		s.CardValues = append(s.CardValues, v)
	}
	sort.Strings(s.CardValues)
	return s
}

// Properties formats the summary as "KEY = value" header properties.
func (s Summary) Properties() []string {
	props := []string{fmt.Sprintf("%s = %d", LineCountKey, s.Lines)}
	if !s.Range.IsEmpty() {
		props = append(props, fmt.Sprintf("%s = %s\t%d\t%s\t%d", RangeKey,
			s.Range.Start.Chr, s.Range.Start.Pos, s.Range.End.Chr, s.Range.End.Pos))
	}
	if s.CardCol != "" {
		props = append(props, fmt.Sprintf("%s = [%s]: %s", CardColKey, s.CardCol, strings.Join(s.CardValues, ",")))
	}
	return props
}
