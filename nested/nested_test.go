// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package nested

import (
	"context"
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/gordict/bucket"
	"github.com/grailbio/gordict/rowio"
	"github.com/grailbio/testutil"
	"github.com/grailbio/testutil/assert"
)

func write(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		assert.NoError(t, ioutil.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	}
}

func lines(t *testing.T, src rowio.Source) []string {
	t.Helper()
	ctx := context.Background()
	rows, err := rowio.ReadAll(ctx, src)
	assert.NoError(t, err)
	assert.NoError(t, src.Close())
	var out []string
	for _, row := range rows {
		out = append(out, row.String())
	}
	return out
}

var data = map[string]string{
	"a.gor": "#chrom\tpos\tval\nchr1\t1\ta1\nchr1\t5\ta5\nchr2\t1\ta21\n",
	"b.gor": "#chrom\tpos\tval\nchr1\t1\tb1\nchr1\t3\tb3\n",
	"c.gor": "#chrom\tpos\tval\nchr1\t2\tc2\n",
}

func TestOpen(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "nested")
	defer cleanup()
	ctx := context.Background()
	write(t, dir, data)
	write(t, dir, map[string]string{
		"t.gord": "a.gor\tp1\nb.gor\tp2\t\t\t\t\tx\n",
	})
	path := filepath.Join(dir, "t.gord")

	src, err := Open(ctx, path, Options{}, Query{})
	assert.NoError(t, err)
	assert.EQ(t, src.Header(), "chrom\tpos\tval")
	assert.EQ(t, lines(t, src), []string{
		"chr1\t1\ta1", "chr1\t1\tb1", "chr1\t3\tb3", "chr1\t5\ta5", "chr2\t1\ta21",
	})

	src, err = Open(ctx, path, Options{InsertSource: true}, Query{Tags: []string{"x"}})
	assert.NoError(t, err)
	assert.EQ(t, src.Header(), "chrom\tpos\tval\tSource")
	assert.EQ(t, lines(t, src), []string{"chr1\t1\tb1\tp2", "chr1\t3\tb3\tp2"})

	src, err = Open(ctx, path, Options{}, Query{Range: "chr1:2-chr1:5"})
	assert.NoError(t, err)
	assert.EQ(t, lines(t, src), []string{"chr1\t3\tb3", "chr1\t5\ta5"})
}

func TestSourceProperty(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "nested")
	defer cleanup()
	ctx := context.Background()
	write(t, dir, data)
	write(t, dir, map[string]string{
		"t.gord": "## Source = PN\na.gor\tp1\nc.gor\tp3\n",
	})
	src, err := Open(ctx, filepath.Join(dir, "t.gord"), Options{}, Query{Range: "chr1"})
	assert.NoError(t, err)
	assert.EQ(t, src.Header(), "chrom\tpos\tval\tPN")
	assert.EQ(t, lines(t, src), []string{"chr1\t1\ta1\tp1", "chr1\t2\tc2\tp3", "chr1\t5\ta5\tp1"})
}

func TestNestedDictionaries(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "nested")
	defer cleanup()
	ctx := context.Background()
	write(t, dir, data)
	write(t, dir, map[string]string{
		"inner.gord": "## Source = PN\na.gor\tp1\nb.gor\tp2\n",
		"outer.gord": "inner.gord\tin\nc.gor\tp3\n",
	})
	src, err := Open(ctx, filepath.Join(dir, "outer.gord"), Options{InsertSource: true}, Query{Range: "chr1:1-chr1:2"})
	assert.NoError(t, err)
	assert.EQ(t, src.Header(), "chrom\tpos\tval\tSource")
	assert.EQ(t, lines(t, src), []string{"chr1\t1\ta1\tin", "chr1\t1\tb1\tin", "chr1\t2\tc2\tp3"})

	res, err := NewContext(Options{}).Resolve(ctx, filepath.Join(dir, "outer.gord"), Query{})
	assert.NoError(t, err)
	assert.EQ(t, len(res.Items), 2)
	assert.EQ(t, res.Items[0].Kind, Nested)
	assert.EQ(t, res.Items[1].Kind, Leaf)
	assert.EQ(t, res.InsertSource, false)
}

func TestCycle(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "nested")
	defer cleanup()
	ctx := context.Background()
	write(t, dir, data)
	write(t, dir, map[string]string{
		"a.gord":    "b.gord\tb\n",
		"b.gord":    "c.gor\tc\na.gord\ta\n",
		"self.gord": "a.gor\ta\nself.gord\tself\n",
	})
	_, err := Open(ctx, filepath.Join(dir, "a.gord"), Options{}, Query{})
	if !errors.Is(errors.Integrity, err) {
		t.Fatalf("expected integrity error, got %v", err)
	}
	if !strings.Contains(err.Error(), "a.gord includes itself") {
		t.Errorf("error does not name the cycle: %v", err)
	}
	_, err = Open(ctx, filepath.Join(dir, "self.gord"), Options{}, Query{})
	if !errors.Is(errors.Integrity, err) {
		t.Fatalf("expected integrity error, got %v", err)
	}
}

func TestHeaderMismatch(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "nested")
	defer cleanup()
	ctx := context.Background()
	write(t, dir, data)
	write(t, dir, map[string]string{
		"d.gor":  "#chrom\tpos\tother\nchr1\t1\td1\n",
		"t.gord": "a.gor\ta\nd.gor\td\n",
	})
	_, err := Open(ctx, filepath.Join(dir, "t.gord"), Options{}, Query{})
	if !errors.Is(errors.Integrity, err) {
		t.Fatalf("expected integrity error, got %v", err)
	}
	if !strings.Contains(err.Error(), "header for d ") {
		t.Errorf("error does not name the source: %v", err)
	}
}

func TestMissing(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "nested")
	defer cleanup()
	ctx := context.Background()
	write(t, dir, data)
	write(t, dir, map[string]string{
		"t.gord": "c.gor\tc\nmissing.gor\tm\nmissing.gord\tmm\n",
	})
	path := filepath.Join(dir, "t.gord")
	if _, err := Open(ctx, path, Options{}, Query{}); !errors.Is(errors.NotExist, err) {
		t.Fatalf("expected not exist, got %v", err)
	}
	src, err := Open(ctx, path, Options{IgnoreMissing: true}, Query{})
	assert.NoError(t, err)
	assert.EQ(t, lines(t, src), []string{"chr1\t2\tc2"})
	if _, err := Open(ctx, filepath.Join(dir, "nothere.gord"), Options{}, Query{}); !errors.Is(errors.NotExist, err) {
		t.Fatalf("expected not exist, got %v", err)
	}
	if _, err := Open(ctx, filepath.Join(dir, "a.gor"), Options{}, Query{}); !errors.Is(errors.NotSupported, err) {
		t.Fatalf("expected not supported, got %v", err)
	}
}

func TestNord(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "nested")
	defer cleanup()
	ctx := context.Background()
	write(t, dir, map[string]string{
		"x.tsv":  "#name\tvalue\nfoo\t1\nbar\t2\n",
		"y.tsv":  "#Name\tValue\nbaz\t3\n",
		"t.nord": "## Source = File\ny.tsv\ty\nx.tsv\tx\n",
	})
	src, err := Open(ctx, filepath.Join(dir, "t.nord"), Options{}, Query{})
	assert.NoError(t, err)
	assert.EQ(t, src.Header(), "Name\tValue\tFile")
	assert.EQ(t, lines(t, src), []string{"baz\t3\ty", "foo\t1\tx", "bar\t2\tx"})
}

func TestBuckets(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "nested")
	defer cleanup()
	ctx := context.Background()
	write(t, dir, data)
	write(t, dir, map[string]string{
		"t.gord": "a.gor\tp1\nb.gor\tp2\nc.gor\tp3\n",
	})
	path := filepath.Join(dir, "t.gord")
	res, err := bucket.Bucketize(ctx, path, bucket.PackFull, bucket.Options{BucketSize: 2, MinBucketSize: 1})
	assert.NoError(t, err)
	assert.EQ(t, len(res.Created), 2)

	resolved, err := NewContext(Options{}).Resolve(ctx, path, Query{})
	assert.NoError(t, err)
	assert.EQ(t, len(resolved.Items), 2)
	assert.EQ(t, resolved.Items[0].Kind, Bucket)
	assert.EQ(t, len(resolved.Items[0].Entries), 2)

	src, err := Open(ctx, path, Options{}, Query{Tags: []string{"p2", "p3"}})
	assert.NoError(t, err)
	assert.EQ(t, src.Header(), "chrom\tpos\tval")
	assert.EQ(t, lines(t, src), []string{"chr1\t1\tb1", "chr1\t2\tc2", "chr1\t3\tb3"})

	src, err = Open(ctx, path, Options{InsertSource: true}, Query{Tags: []string{"p1", "p3"}})
	assert.NoError(t, err)
	assert.EQ(t, src.Header(), "chrom\tpos\tval\tSource")
	assert.EQ(t, lines(t, src), []string{
		"chr1\t1\ta1\tp1", "chr1\t2\tc2\tp3", "chr1\t5\ta5\tp1", "chr2\t1\ta21\tp1",
	})
}

func TestUntaggedBuckets(t *testing.T) {
	dir, cleanup := testutil.TempDir(t, "", "nested")
	defer cleanup()
	ctx := context.Background()
	write(t, dir, data)
	write(t, dir, map[string]string{
		"t.gord": "a.gor\nb.gor\n",
	})
	path := filepath.Join(dir, "t.gord")
	src, err := Open(ctx, path, Options{}, Query{})
	assert.NoError(t, err)
	before := lines(t, src)
	assert.EQ(t, len(before), 5)

	res, err := bucket.Bucketize(ctx, path, bucket.PackMinimal, bucket.Options{})
	assert.NoError(t, err)
	assert.EQ(t, len(res.Created), 1)

	src, err = Open(ctx, path, Options{}, Query{})
	assert.NoError(t, err)
	assert.EQ(t, lines(t, src), before)

	src, err = Open(ctx, path, Options{InsertSource: true}, Query{Files: []string{"b.gor"}})
	assert.NoError(t, err)
	assert.EQ(t, lines(t, src), []string{"chr1\t1\tb1\tb.gor", "chr1\t3\tb3\tb.gor"})
}
