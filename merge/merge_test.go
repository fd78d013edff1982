// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package merge

import (
	"context"
	"fmt"
	"sort"
	"testing"

	fuzz "github.com/google/gofuzz"
	"github.com/grailbio/base/errors"
	"github.com/grailbio/gordict/genome"
	"github.com/grailbio/gordict/rowio"
	"github.com/grailbio/gordict/stats"
	"github.com/grailbio/testutil/assert"
)

const header = "chrom\tpos\tval"

var chroms = []string{"chr1", "chr10", "chr2", "chrX"}

// fuzzSource returns a sorted source with n fuzzed rows. The value
// column records the source and row index so that rows can be
// traced back to their origin.
func fuzzSource(fz *fuzz.Fuzzer, name string, n int) rowio.Source {
	rows := make([]genome.Row, n)
	for i := range rows {
		var c, pos uint8
		fz.Fuzz(&c)
		fz.Fuzz(&pos)
		chr := chroms[int(c)%len(chroms)]
		rows[i] = genome.Row{Chr: chr, Pos: int(pos % 32)}
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].Position().Less(rows[j].Position()) })
	for i := range rows {
		rows[i].Fields = []string{rows[i].Chr, fmt.Sprint(rows[i].Pos), fmt.Sprintf("%s/%d", name, i)}
	}
	return rowio.SliceSource(name, header, rows)
}

func TestMergeTotalOrder(t *testing.T) {
	fz := fuzz.NewWithSeed(31415)
	ctx := context.Background()
	for iter := 0; iter < 20; iter++ {
		var (
			sources []rowio.Source
			total   int
			idx     = map[string]int{}
		)
		for i := 0; i < 1+iter%7; i++ {
			var n uint8
			fz.Fuzz(&n)
			name := fmt.Sprintf("s%d", i)
			idx[name] = i
			sources = append(sources, fuzzSource(fz, name, int(n%50)))
			total += int(n % 50)
		}
		it, err := New(sources, Options{})
		assert.NoError(t, err)
		rows, err := rowio.ReadAll(ctx, it)
		assert.NoError(t, err)
		if got, want := len(rows), total; got != want {
			t.Fatalf("got %v rows, want %v", got, want)
		}
		seen := make(map[string]bool)
		for i, row := range rows {
			val := row.Fields[2]
			if seen[val] {
				t.Fatalf("duplicate row %s", val)
			}
			seen[val] = true
			if i == 0 {
				continue
			}
			prev := rows[i-1]
			c := prev.Position().Compare(row.Position())
			if c > 0 {
				t.Fatalf("out of order: %v before %v", prev, row)
			}
			var ps, rs string
			fmt.Sscanf(prev.Fields[2], "%2s", &ps)
			fmt.Sscanf(row.Fields[2], "%2s", &rs)
			if c == 0 && idx[ps] > idx[rs] {
				t.Fatalf("tie broken against source order: %v before %v", prev, row)
			}
		}
		assert.NoError(t, it.Close())
		for _, src := range sources {
			assert.EQ(t, rowio.Closed(src), 1)
		}
	}
}

func TestMergeTieBreak(t *testing.T) {
	ctx := context.Background()
	row := func(val string) genome.Row {
		r, err := genome.ParseRow("chr1\t100\t" + val)
		if err != nil {
			t.Fatal(err)
		}
		return r
	}
	for run := 0; run < 10; run++ {
		it, err := New([]rowio.Source{
			rowio.SliceSource("a", header, []genome.Row{row("a")}),
			rowio.SliceSource("b", header, []genome.Row{row("b")}),
		}, Options{InsertSource: true})
		assert.NoError(t, err)
		assert.EQ(t, it.Header(), header+"\tSource")
		rows, err := rowio.ReadAll(ctx, it)
		assert.NoError(t, err)
		assert.EQ(t, len(rows), 2)
		assert.EQ(t, rows[0].String(), "chr1\t100\ta\ta")
		assert.EQ(t, rows[1].String(), "chr1\t100\tb\tb")
		assert.NoError(t, it.Close())
	}
}

func TestMergeHeaderMismatch(t *testing.T) {
	a := rowio.SliceSource("a.gor", "chrom\tpos\ta", nil)
	b := rowio.SliceSource("b.gor", "chrom\tpos\tb", nil)
	_, err := New([]rowio.Source{a, b}, Options{})
	if !errors.Is(errors.Integrity, err) {
		t.Fatalf("expected integrity error, got %v", err)
	}
	assert.EQ(t, rowio.Closed(a), 1)
	assert.EQ(t, rowio.Closed(b), 1)
}

func TestMergeSourceAlreadyInserted(t *testing.T) {
	ctx := context.Background()
	r1, _ := genome.ParseRow("chr1\t1\tx\tPN1")
	r2, _ := genome.ParseRow("chr1\t2\ty")
	bucket := rowio.Inserted(rowio.SliceSource("bucket", "chrom\tpos\tval\tPN", []genome.Row{r1}))
	loose := rowio.SliceSource("PN2", header, []genome.Row{r2})
	it, err := New([]rowio.Source{bucket, loose}, Options{InsertSource: true, SourceColumn: "PN"})
	assert.NoError(t, err)
	assert.EQ(t, it.Header(), "chrom\tpos\tval\tPN")
	rows, err := rowio.ReadAll(ctx, it)
	assert.NoError(t, err)
	assert.EQ(t, rows[0].String(), "chr1\t1\tx\tPN1")
	assert.EQ(t, rows[1].String(), "chr1\t2\ty\tPN2")
}

func TestMergeSeek(t *testing.T) {
	ctx := context.Background()
	var a, b []genome.Row
	for pos := 0; pos < 10; pos++ {
		r, _ := genome.ParseRow(fmt.Sprintf("chr1\t%d\tv", pos))
		if pos%2 == 0 {
			a = append(a, r)
		} else {
			b = append(b, r)
		}
	}
	m := stats.NewMap()
	it, err := New([]rowio.Source{
		rowio.SliceSource("a", header, a),
		rowio.SliceSource("b", header, b),
	}, Options{Stats: m})
	assert.NoError(t, err)
	assert.NoError(t, it.Seek(ctx, genome.Position{Chr: "chr1", Pos: 5}))
	rows, err := rowio.ReadAll(ctx, it)
	assert.NoError(t, err)
	var got []int
	for _, r := range rows {
		got = append(got, r.Pos)
	}
	assert.EQ(t, got, []int{5, 6, 7, 8, 9})
	ok, err := it.HasNext(ctx)
	assert.NoError(t, err)
	assert.EQ(t, ok, false)
	vals := it.Stats()
	assert.EQ(t, vals["numSources"], int64(2))
	assert.EQ(t, vals["seek"], int64(1))
	assert.EQ(t, vals["source0.rows"], int64(2))
	assert.EQ(t, vals["source1.rows"], int64(3))
}

func TestMergeCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	it, err := New([]rowio.Source{rowio.SliceSource("a", header, nil)}, Options{})
	assert.NoError(t, err)
	if _, err := it.HasNext(ctx); err == nil {
		t.Fatal("expected cancellation error")
	}
	assert.NoError(t, it.Close())
}

type emptyRowSource struct{ rowio.Source }

func (emptyRowSource) Next(ctx context.Context) (genome.Row, error) { return genome.Row{}, nil }

func TestMergeInvariant(t *testing.T) {
	it, err := New([]rowio.Source{emptyRowSource{rowio.SliceSource("a", header, nil)}}, Options{})
	assert.NoError(t, err)
	_, err = it.HasNext(context.Background())
	if !errors.Is(errors.Invalid, err) {
		t.Fatalf("expected invariant violation, got %v", err)
	}
	assert.NoError(t, it.Close())
	assert.NoError(t, it.Close())
	if _, err := it.Next(context.Background()); err == nil {
		t.Fatal("expected error on closed iterator")
	}
}
