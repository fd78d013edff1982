// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package rowio

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/gordict/genome"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
)

func rows(chr string, positions ...int) []genome.Row {
	var out []genome.Row
	for _, pos := range positions {
		row, err := genome.ParseRow(fmt.Sprintf("%s\t%d\tv%d", chr, pos, pos))
		if err != nil {
			panic(err)
		}
		out = append(out, row)
	}
	return out
}

func positions(t *testing.T, src Source) []int {
	t.Helper()
	all, err := ReadAll(context.Background(), src)
	assert.NoError(t, err)
	var out []int
	for _, row := range all {
		out = append(out, row.Pos)
	}
	return out
}

func TestWriteOpen(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "rowio")
	defer cleanup()
	ctx := context.Background()
	for _, name := range []string{"a.gor", "a.gor.zst"} {
		path := filepath.Join(dir, name)
		w, err := Create(ctx, path, "chrom\tpos\tval", "LINE_COUNT = 3")
		assert.NoError(t, err)
		_, err = Copy(ctx, w, SliceSource("x", "chrom\tpos\tval", rows("chr1", 1, 5, 9)))
		assert.NoError(t, err)
		assert.EQ(t, w.Rows(), int64(3))
		assert.NoError(t, w.Commit())

		src, err := Open(ctx, path)
		assert.NoError(t, err)
		assert.EQ(t, src.Header(), "chrom\tpos\tval")
		assert.EQ(t, src.(*fileSource).Meta(), []string{"## LINE_COUNT = 3"})
		assert.EQ(t, positions(t, src), []int{1, 5, 9})
		assert.NoError(t, src.Seek(ctx, genome.Position{Chr: "chr1", Pos: 5}))
		assert.EQ(t, positions(t, src), []int{5, 9})
		assert.NoError(t, src.Close())
		assert.NoError(t, src.Close())
	}
	if _, err := Open(ctx, filepath.Join(dir, "missing.gor")); !errors.Is(errors.NotExist, err) {
		t.Errorf("expected not exist, got %v", err)
	}
}

func TestConcat(t *testing.T) {
	a := SliceSource("a", "chrom\tpos\tval", rows("chr1", 1, 2))
	b := SliceSource("b", "CHROM\tPOS\tVAL", rows("chr1", 1))
	c, err := Concat("ab", a, b)
	assert.NoError(t, err)
	assert.EQ(t, positions(t, c), []int{1, 2, 1})
	assert.NoError(t, c.Close())
	assert.EQ(t, Closed(a), 1)
	assert.EQ(t, Closed(b), 1)

	_, err = Concat("bad", a, SliceSource("c", "chrom\tpos\tother", nil))
	if !errors.Is(errors.Integrity, err) {
		t.Errorf("expected integrity error, got %v", err)
	}
}

func TestInRangeFilter(t *testing.T) {
	r, err := genome.ParseRange("chr1:3-chr1:7")
	assert.NoError(t, err)
	src := InRange(SliceSource("a", "chrom\tpos\tval", rows("chr1", 1, 3, 5, 7, 9)), r)
	assert.EQ(t, positions(t, src), []int{3, 5, 7})

	src = Filter(SliceSource("a", "chrom\tpos\tval", rows("chr1", 1, 2, 3, 4)), func(row genome.Row) bool {
		return row.Pos%2 == 0
	})
	assert.EQ(t, positions(t, src), []int{2, 4})
}

func TestHeaders(t *testing.T) {
	assert.EQ(t, HeadersEqual("Chrom\tPos", "chrom\tpos"), true)
	assert.EQ(t, HeadersEqual("chrom\tpos", "chrom\tpos\tx"), false)
	assert.EQ(t, WithSourceColumn("chrom\tpos", "", false), "chrom\tpos\tSource")
	assert.EQ(t, WithSourceColumn("chrom\tpos\tPN", "Tag", true), "chrom\tpos\tTag")
}

func TestStripSourceColumn(t *testing.T) {
	src := StripSourceColumn(Inserted(SliceSource("b", "chrom\tpos\tval\tSource", rows("chr1", 3))))
	assert.EQ(t, src.Header(), "chrom\tpos\tval")
	assert.EQ(t, SourceInserted(src), false)
	all, err := ReadAll(context.Background(), src)
	assert.NoError(t, err)
	assert.EQ(t, all[0].String(), "chr1\t3")
}

func TestTag(t *testing.T) {
	ctx := context.Background()
	src := Tag(Named(SliceSource("a", "chrom\tpos\tval", rows("chr1", 1)), "p1"), "PN")
	assert.EQ(t, src.Header(), "chrom\tpos\tval\tPN")
	assert.EQ(t, SourceInserted(src), true)
	all, err := ReadAll(ctx, src)
	assert.NoError(t, err)
	assert.EQ(t, all[0].String(), "chr1\t1\tv1\tp1")

	src = Tag(src, "Source")
	assert.EQ(t, src.Header(), "chrom\tpos\tval\tSource")
}
