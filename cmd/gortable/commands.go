// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/base/log"
	"github.com/grailbio/gordict/bucket"
	"github.com/grailbio/gordict/dict"
	"github.com/grailbio/gordict/genome"
	"github.com/grailbio/gordict/manager"
	"github.com/grailbio/gordict/nested"
	"github.com/grailbio/gordict/rowio"
	"github.com/grailbio/gordict/tableflags"
)

// selectionFlags registers the entry selection flags on fs.
type selectionFlags struct {
	files, aliases, tags, buckets tableflags.ListFlag
	chrRange                      string
}

func (s *selectionFlags) register(fs *flag.FlagSet, withBuckets bool) {
	fs.Var(&s.files, "files", "comma separated files to select")
	fs.Var(&s.aliases, "aliases", "comma separated aliases to select")
	fs.Var(&s.tags, "tags", "comma separated tags to select")
	if withBuckets {
		fs.Var(&s.buckets, "buckets", "comma separated buckets to select")
	}
	fs.StringVar(&s.chrRange, "range", "", "genomic range to select, e.g. chr1:1000-chr1:2000")
}

func (s *selectionFlags) selection() manager.Selection {
	return manager.Selection{
		Files:   s.files,
		Aliases: s.aliases,
		Tags:    s.tags,
		Buckets: s.buckets,
		Range:   s.chrRange,
	}
}

// parse parses args with fs and returns the table argument followed
// by the remaining arguments.
func parse(fs *flag.FlagSet, args []string, usage string) (string, []string) {
	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: gortable %s %s\n", fs.Name(), usage)
		fs.PrintDefaults()
		os.Exit(2)
	}
	if err := fs.Parse(args); err != nil {
		fs.Usage()
	}
	if fs.NArg() == 0 {
		fs.Usage()
	}
	return fs.Arg(0), fs.Args()[1:]
}

func insertCmd(ctx context.Context, m *manager.Manager, _ *tableflags.Flags, args []string) error {
	fs := flag.NewFlagSet("insert", flag.ExitOnError)
	alias := fs.String("alias", "", "alias of the inserted file; only valid with a single file")
	var tags tableflags.ListFlag
	fs.Var(&tags, "tags", "comma separated tags of the inserted files")
	chrRange := fs.String("range", "", "genomic range of the inserted files")
	table, files := parse(fs, args, "[-alias a] [-tags t1,t2] [-range r] table file...")
	if len(files) == 0 {
		fs.Usage()
	}
	if *alias != "" && len(files) > 1 {
		return errors.E(errors.Invalid, "insert: -alias requires a single file")
	}
	rng, err := genome.ParseRange(*chrRange)
	if err != nil {
		return err
	}
	entries := make([]dict.Entry, len(files))
	for i, file := range files {
		entries[i] = dict.Entry{File: file, Alias: *alias, Tags: tags, Range: rng}
	}
	return m.Insert(ctx, table, entries...)
}

func deleteCmd(ctx context.Context, m *manager.Manager, _ *tableflags.Flags, args []string) error {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	var sel selectionFlags
	sel.register(fs, true)
	table, files := parse(fs, args, "[selection flags] table [file...]")
	var (
		n   int
		err error
	)
	if len(files) > 0 {
		entries := make([]dict.Entry, len(files))
		for i, file := range files {
			entries[i] = dict.Entry{File: file}
		}
		n, err = m.Delete(ctx, table, entries...)
	} else {
		n, err = m.DeleteFilter(ctx, table, sel.selection())
	}
	if err == nil && n == 0 {
		log.Printf("%s: no entries deleted", table)
	}
	return err
}

func selectCmd(ctx context.Context, m *manager.Manager, _ *tableflags.Flags, args []string) error {
	fs := flag.NewFlagSet("select", flag.ExitOnError)
	var sel selectionFlags
	sel.register(fs, true)
	deleted := fs.Bool("deleted", false, "include deleted entries")
	table, _ := parse(fs, args, "[selection flags] [-deleted] table")
	s := sel.selection()
	s.IncludeDeleted = *deleted
	entries, err := m.Select(ctx, table, s)
	if err != nil {
		return err
	}
	w := bufio.NewWriter(os.Stdout)
	for _, e := range entries {
		if _, err := fmt.Fprintln(w, e.Format()); err != nil {
			return err
		}
	}
	return w.Flush()
}

func bucketizeCmd(ctx context.Context, m *manager.Manager, tf *tableflags.Flags, args []string) error {
	fs := flag.NewFlagSet("bucketize", flag.ExitOnError)
	table, _ := parse(fs, args, "table")
	res, err := m.Bucketize(ctx, table, tf.Pack.Level, tf.BucketizeOptions())
	if err != nil {
		return err
	}
	report(table, res)
	return nil
}

func deleteBucketsCmd(ctx context.Context, m *manager.Manager, _ *tableflags.Flags, args []string) error {
	fs := flag.NewFlagSet("delete-buckets", flag.ExitOnError)
	force := fs.Bool("force", false, "delete buckets without waiting for the grace period")
	table, buckets := parse(fs, args, "[-force] table [bucket...]")
	res, err := m.DeleteBuckets(ctx, table, *force, buckets...)
	if err != nil {
		return err
	}
	report(table, res)
	return nil
}

func unbucketizeCmd(ctx context.Context, m *manager.Manager, _ *tableflags.Flags, args []string) error {
	fs := flag.NewFlagSet("unbucketize", flag.ExitOnError)
	table, buckets := parse(fs, args, "table [bucket...]")
	res, err := m.Unbucketize(ctx, table, buckets...)
	if err != nil {
		return err
	}
	report(table, res)
	return nil
}

func report(table string, res bucket.Result) {
	log.Printf("%s: %d buckets created, %d entries bucketized, %d unbucketized, %d buckets deleted, %d pending deletion",
		table, len(res.Created), res.Bucketized, res.Unbucketized, len(res.Deleted), len(res.Pending))
}

func catCmd(ctx context.Context, m *manager.Manager, _ *tableflags.Flags, args []string) (err error) {
	fs := flag.NewFlagSet("cat", flag.ExitOnError)
	var sel selectionFlags
	sel.register(fs, false)
	source := fs.Bool("source", false, "add the source column")
	sourceColumn := fs.String("source-column", "", "name of the source column")
	ignoreMissing := fs.Bool("ignore-missing", false, "skip entries whose files are missing")
	table, _ := parse(fs, args, "[-files f] [-tags t] [-range r] [-source] table")
	tags := append(append([]string{}, sel.aliases...), sel.tags...)
	src, err := m.Open(ctx, table, nested.Query{Tags: tags, Files: sel.files, Range: sel.chrRange}, manager.OpenOptions{
		InsertSource:  *source,
		SourceColumn:  *sourceColumn,
		IgnoreMissing: *ignoreMissing,
	})
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := src.Close(); err == nil {
			err = closeErr
		}
	}()
	return write(ctx, os.Stdout, src)
}

func write(ctx context.Context, out io.Writer, src rowio.Source) error {
	w := bufio.NewWriter(out)
	if _, err := fmt.Fprintf(w, "#%s\n", src.Header()); err != nil {
		return err
	}
	for {
		row, err := src.Next(ctx)
		if err == rowio.EOF {
			break
		}
		if err != nil {
			return err
		}
		if _, err := fmt.Fprintln(w, row.String()); err != nil {
			return err
		}
	}
	return w.Flush()
}
