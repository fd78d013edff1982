// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Gortable manages dictionary tables: it inserts and deletes entries,
// bucketizes tables, and prints the merged rows of a table.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/grailbio/base/file"
	"github.com/grailbio/base/file/s3file"
	"github.com/grailbio/base/log"
	"github.com/grailbio/base/must"
	"github.com/grailbio/gordict/manager"
	"github.com/grailbio/gordict/tableflags"
)

func init() {
	file.RegisterImplementation("s3", func() file.Implementation {
		return s3file.NewImplementation(
			s3file.NewDefaultProvider(session.Options{}), s3file.Options{})
	})
}

func usage() {
	fmt.Fprintf(os.Stderr, `usage: gortable [flags] <command> [arguments] table.gord

Gortable manages dictionary tables (.gord and .nord files). Tables,
data files and buckets may be local paths or s3:// URLs.

The commands are:

	insert          add data files to a table
	delete          delete entries from a table
	select          print the entries of a table
	bucketize       merge loose entries into buckets
	delete-buckets  delete unreferenced buckets
	unbucketize     make bucketed entries loose
	cat             print the merged rows of a table

Run "gortable <command> -help" for the arguments of a command.

Flags:
`)
	flag.PrintDefaults()
	os.Exit(2)
}

var commands = map[string]func(ctx context.Context, m *manager.Manager, tf *tableflags.Flags, args []string) error{
	"insert":         insertCmd,
	"delete":         deleteCmd,
	"select":         selectCmd,
	"bucketize":      bucketizeCmd,
	"delete-buckets": deleteBucketsCmd,
	"unbucketize":    unbucketizeCmd,
	"cat":            catCmd,
}

func main() {
	log.AddFlags()
	log.SetFlags(0)
	log.SetPrefix("gortable: ")
	must.Func = log.Fatal
	var tf tableflags.Flags
	tableflags.RegisterFlags(flag.CommandLine, &tf, "")
	flag.Usage = usage
	flag.Parse()
	if flag.NArg() == 0 {
		flag.Usage()
	}
	name, args := flag.Arg(0), flag.Args()[1:]
	cmd, ok := commands[name]
	if !ok {
		fmt.Fprintln(os.Stderr, "unknown command", name)
		flag.Usage()
	}
	m := manager.New(tf.Options())
	must.Nil(cmd(context.Background(), m, &tf, args), name)
}
