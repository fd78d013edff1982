// Copyright 2019 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package stats

import "testing"

func TestStats(t *testing.T) {
	m := NewMap()
	x := m.Int("next")
	m.Source(2, "rows").Add(7)
	x.Add(3)
	x.Add(4)
	if got, want := x.Get(), int64(7); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	m.Int("seek").Set(1)
	snap := m.Snapshot()
	if got, want := snap.String(), "next:7 seek:1 source2.rows:7"; got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestNil(t *testing.T) {
	var m *Map
	m.Int("x").Add(1)
	if got, want := m.Int("x").Get(), int64(0); got != want {
		t.Errorf("got %v, want %v", got, want)
	}
	if got, want := len(m.Snapshot()), 0; got != want {
		t.Errorf("got %v, want %v", got, want)
	}
}
