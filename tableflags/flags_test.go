// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package tableflags_test

import (
	"flag"
	"io/ioutil"
	"testing"
	"time"

	"github.com/grailbio/gordict/bucket"
	"github.com/grailbio/gordict/lock"
	"github.com/grailbio/gordict/tableflags"
)

func TestDefaults(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	tf := &tableflags.Flags{}
	tableflags.RegisterFlags(fs, tf, "")
	if err := fs.Parse(nil); err != nil {
		t.Fatal(err)
	}
	opts := tf.Options()
	if got, want := opts.LockType, lock.File; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := opts.LockTimeout, 30*time.Minute; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := opts.BucketSize, 100; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := opts.MinBucketSize, 20; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if opts.Cache != nil {
		t.Error("expected the default cache")
	}
	if got, want := tf.Pack.Level, bucket.PackNone; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if tf.Lock.Specified {
		t.Error("lock flag should not be marked specified")
	}
}

func TestFlags(t *testing.T) {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	fs.SetOutput(ioutil.Discard)
	tf := &tableflags.Flags{}
	tableflags.RegisterFlags(fs, tf, "table-")
	err := fs.Parse([]string{
		"-table-lock=memory",
		"-table-lock-timeout=1s",
		"-table-pack=consolidate",
		"-table-bucket-dirs=b1,b2",
		"-table-bucket-dirs=b3",
		"-table-workers=4",
		"-table-cache-size=10",
		"-table-cache-soft-limit=1073741824",
	})
	if err != nil {
		t.Fatal(err)
	}
	opts := tf.Options()
	if got, want := opts.LockType, lock.Memory; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if !tf.Lock.Specified {
		t.Error("lock flag should be marked specified")
	}
	if got, want := opts.LockTimeout, time.Second; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if opts.Cache == nil {
		t.Error("expected a sized cache")
	}
	if got, want := tf.CacheSoftMax, uint64(1<<30); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := tf.Pack.Level, bucket.PackConsolidate; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	b := tf.BucketizeOptions()
	if got, want := b.Workers, 4; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := tf.BucketDirs.String(), "b1,b2,b3"; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := len(b.Dirs), 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := len(opts.BucketDirs), 3; got != want {
		t.Errorf("got %v, want %v", got, want)
	}

	for _, bad := range []string{"-table-lock=zookeeper", "-table-pack=tight"} {
		fs := flag.NewFlagSet("test", flag.ContinueOnError)
		fs.SetOutput(ioutil.Discard)
		tableflags.RegisterFlags(fs, &tableflags.Flags{}, "table-")
		if err := fs.Parse([]string{bad}); err == nil {
			t.Errorf("%s: expected an error", bad)
		}
	}
}
