// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package tableflags provides flag support for command line
// applications that manage dictionary tables.
package tableflags

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/grailbio/gordict/bucket"
	"github.com/grailbio/gordict/dict"
	"github.com/grailbio/gordict/lock"
	"github.com/grailbio/gordict/manager"
)

// LockFlag is a flag.Value naming a lock strategy.
type LockFlag struct {
	Type      lock.Type
	Specified bool
}

// String implements flag.Value.String.
func (l *LockFlag) String() string { return l.Type.String() }

// Set implements flag.Value.Set.
func (l *LockFlag) Set(v string) error {
	t, err := lock.ParseType(v)
	if err != nil {
		return err
	}
	l.Type = t
	l.Specified = true
	return nil
}

// Get implements flag.Getter.
func (l *LockFlag) Get() interface{} { return l.Type }

// PackFlag is a flag.Value naming a bucket pack level.
type PackFlag struct {
	Level bucket.PackLevel
}

// String implements flag.Value.String.
func (p *PackFlag) String() string { return p.Level.String() }

// Set implements flag.Value.Set.
func (p *PackFlag) Set(v string) error {
	level, err := bucket.ParsePackLevel(v)
	if err != nil {
		return err
	}
	p.Level = level
	return nil
}

// Get implements flag.Getter.
func (p *PackFlag) Get() interface{} { return p.Level }

// ListFlag is a comma separated list of values. It may be repeated.
type ListFlag []string

// String implements flag.Value.String.
func (l *ListFlag) String() string { return strings.Join(*l, ",") }

// Set implements flag.Value.Set.
func (l *ListFlag) Set(v string) error {
	for _, elem := range strings.Split(v, ",") {
		if elem = strings.TrimSpace(elem); elem != "" {
			*l = append(*l, elem)
		}
	}
	return nil
}

// Flags represents all of the flags that configure table management.
type Flags struct {
	Lock          LockFlag
	LockTimeout   time.Duration
	BucketSize    int
	MinBucketSize int
	GracePeriod   time.Duration
	Pack          PackFlag
	Workers       int
	MaxBuckets    int
	BucketDirs    ListFlag
	Compress      bool
	CacheSize     int
	CacheSoftMax  uint64
	NoCache       bool
	fs            *flag.FlagSet
}

// Defaults represents default values for the supported flags.
type Defaults struct {
	Lock          string
	LockTimeout   time.Duration
	BucketSize    int
	MinBucketSize int
	GracePeriod   time.Duration
	Pack          string
	Workers       int
	CacheSize     int
}

// DefaultDefaults are the defaults used by RegisterFlags.
var DefaultDefaults = Defaults{
	Lock:          "file",
	LockTimeout:   dict.DefaultLockTimeout,
	BucketSize:    bucket.DefaultBucketSize,
	MinBucketSize: bucket.DefaultMinBucketSize,
	GracePeriod:   bucket.DefaultGracePeriod,
	Pack:          "none",
	Workers:       1,
	CacheSize:     dict.DefaultCacheOptions.Size,
}

// Output returns an appropriate io.Writer for printing out help/usage
// messages as per the underlying flag.FlagSet.
func (tf *Flags) Output() io.Writer {
	if tf.fs == nil {
		return os.Stderr
	}
	if wr := tf.fs.Output(); wr != nil {
		return wr
	}
	return os.Stderr
}

// RegisterFlags registers the table flags with the supplied flag set.
// The flag names are prefixed with the supplied prefix.
func RegisterFlags(fs *flag.FlagSet, tf *Flags, prefix string) {
	RegisterFlagsWithDefaults(fs, tf, prefix, DefaultDefaults)
}

// RegisterFlagsWithDefaults registers the table flags with the
// supplied flag set and defaults.
func RegisterFlagsWithDefaults(fs *flag.FlagSet, tf *Flags, prefix string, defaults Defaults) {
	fs.Var(&tf.Lock, prefix+"lock", "table lock type: file, memory or none")
	if err := tf.Lock.Set(defaults.Lock); err != nil {
		panic(fmt.Sprintf("tableflags: bad default lock type: %v", err))
	}
	tf.Lock.Specified = false
	fs.DurationVar(&tf.LockTimeout, prefix+"lock-timeout", defaults.LockTimeout, "maximum time to wait for a table lock")
	fs.IntVar(&tf.BucketSize, prefix+"bucket-size", defaults.BucketSize, "number of entries per bucket")
	fs.IntVar(&tf.MinBucketSize, prefix+"min-bucket-size", defaults.MinBucketSize, "minimum number of entries per bucket")
	fs.DurationVar(&tf.GracePeriod, prefix+"grace-period", defaults.GracePeriod, "time unreferenced buckets are retained before deletion")
	fs.Var(&tf.Pack, prefix+"pack", "bucket pack level: none, minimal, consolidate or full")
	if err := tf.Pack.Set(defaults.Pack); err != nil {
		panic(fmt.Sprintf("tableflags: bad default pack level: %v", err))
	}
	fs.IntVar(&tf.Workers, prefix+"workers", defaults.Workers, "number of buckets created in parallel")
	fs.IntVar(&tf.MaxBuckets, prefix+"max-buckets", 0, "maximum number of buckets created per call, 0 for no limit")
	fs.Var(&tf.BucketDirs, prefix+"bucket-dirs", "comma separated directories to write buckets to, relative to the table")
	fs.BoolVar(&tf.Compress, prefix+"compress", false, "write zstd compressed buckets")
	fs.IntVar(&tf.CacheSize, prefix+"cache-size", defaults.CacheSize, "maximum number of cached tables")
	fs.Uint64Var(&tf.CacheSoftMax, prefix+"cache-soft-limit", 0, "heap size in bytes above which cached tables are dropped, 0 for no limit")
	fs.BoolVar(&tf.NoCache, prefix+"no-cache", false, "disable table caching")
	tf.fs = fs
}

// Options returns the manager options represented by the flags.
func (tf *Flags) Options() manager.Options {
	opts := manager.Options{
		LockType:      tf.Lock.Type,
		LockTimeout:   tf.LockTimeout,
		BucketSize:    tf.BucketSize,
		MinBucketSize: tf.MinBucketSize,
		GracePeriod:   tf.GracePeriod,
		BucketDirs:    tf.BucketDirs,
		NoCache:       tf.NoCache,
	}
	if !tf.NoCache && tf.CacheSize > 0 && (tf.CacheSize != dict.DefaultCacheOptions.Size || tf.CacheSoftMax > 0) {
		cacheOpts := dict.DefaultCacheOptions
		cacheOpts.Size = tf.CacheSize
		cacheOpts.SoftLimit = tf.CacheSoftMax
		opts.Cache = dict.NewCache(cacheOpts)
	}
	return opts
}

// BucketizeOptions returns the bucketization parameters represented
// by the flags.
func (tf *Flags) BucketizeOptions() manager.BucketizeOptions {
	return manager.BucketizeOptions{
		Workers:    tf.Workers,
		MaxBuckets: tf.MaxBuckets,
		Dirs:       tf.BucketDirs,
		Compress:   tf.Compress,
	}
}
