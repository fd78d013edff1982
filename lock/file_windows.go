// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package lock

import (
	"context"
	"time"

	"github.com/grailbio/base/errors"
	"github.com/grailbio/gordict/storage"
)

type fileLocker struct{}

// Path returns the lock file used for the table at path.
func Path(path string) string {
	return storage.Join(storage.Dir(path), "."+storage.Base(path)+".lock")
}

func (fileLocker) Lock(context.Context, string, Mode, time.Duration) (Held, error) {
	return nil, errors.E(errors.NotSupported, "file locks are not supported on windows; use the memory lock type")
}
