// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/grailbio/gordict/genome"
	"github.com/grailbio/gordict/rowio"
	"github.com/grailbio/testutil/assert"
)

func TestWrite(t *testing.T) {
	var rows []genome.Row
	for _, line := range []string{"chr1\t1\ta", "chr1\t2\tb"} {
		row, err := genome.ParseRow(line)
		assert.NoError(t, err)
		rows = append(rows, row)
	}
	var b bytes.Buffer
	src := rowio.SliceSource("test", "chrom\tpos\tval", rows)
	assert.NoError(t, write(context.Background(), &b, src))
	assert.EQ(t, b.String(), "#chrom\tpos\tval\nchr1\t1\ta\nchr1\t2\tb\n")
}
