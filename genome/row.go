// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package genome

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/grailbio/base/errors"
)

// A Row is one tab-delimited record. Fields holds every column,
// including the chromosome and position columns from which Chr and
// Pos were parsed. Rows from non-genomic streams have Chr and Pos
// unset.
type Row struct {
	Chr    string
	Pos    int
	Fields []string
}

// ParseRow parses a genomic row: the first column is the chromosome
// and the second the position.
func ParseRow(line string) (Row, error) {
	fields := strings.Split(line, "\t")
	if len(fields) < 2 {
		return Row{}, errors.E(errors.Invalid, fmt.Sprintf("row %q: expected at least 2 columns", line))
	}
	pos, err := strconv.Atoi(fields[1])
	if err != nil {
		return Row{}, errors.E(errors.Invalid, fmt.Sprintf("row %q: invalid position", line), err)
	}
	return Row{Chr: fields[0], Pos: pos, Fields: fields}, nil
}

// ParseNorRow parses a row without genomic coordinates.
func ParseNorRow(line string) Row {
	return Row{Fields: strings.Split(line, "\t")}
}

// Position returns the row's genomic position.
func (r Row) Position() Position {
	return Position{r.Chr, r.Pos}
}

// NumCols returns the number of columns in the row.
func (r Row) NumCols() int { return len(r.Fields) }

// IsZero tells whether r is the zero row.
func (r Row) IsZero() bool { return r.Fields == nil }

// With returns a copy of r with the column val appended.
func (r Row) With(val string) Row {
	fields := make([]string, len(r.Fields)+1)
	copy(fields, r.Fields)
	fields[len(r.Fields)] = val
	r.Fields = fields
	return r
}

// Last returns the value of the row's last column.
func (r Row) Last() string {
	if len(r.Fields) == 0 {
		return ""
	}
	return r.Fields[len(r.Fields)-1]
}

// String formats the row as a tab-delimited line.
func (r Row) String() string {
	return strings.Join(r.Fields, "\t")
}
