// Copyright 2025 The Broker Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package topic

import (
	"testing"
)

func TestCoversBoundary(t *testing.T) {
	cases := []struct {
		prefix, topic string
		want          bool
	}{
		{"a/b", "a/b", true},
		{"a/b", "a/b/c", true},
		{"a/b", "a/bx", false},
		{"a/b", "a", false},
		{"a", "a/b/c", true},
		{"", "", true},
		{"zeek/events", "zeek/events/errors", true},
		{"zeek/events/errors", "zeek/events", false},
	}
	for _, c := range cases {
		if got := Covers(c.prefix, c.topic); got != c.want {
			t.Errorf("Covers(%q, %q) = %v, want %v", c.prefix, c.topic, got, c.want)
		}
	}
}

func TestCanonicalize(t *testing.T) {
	f := Canonicalize([]Topic{"a/b/c", "a/b", "z", "a/b"})
	want := Filter{"a/b", "z"}
	if !f.Equal(want) {
		t.Errorf("Canonicalize = %v, want %v", f, want)
	}
	// Idempotent.
	if !Canonicalize(f).Equal(f) {
		t.Errorf("Canonicalize not idempotent")
	}
	if Canonicalize(nil) != nil {
		t.Errorf("Canonicalize(nil) should be nil")
	}
}

func TestFilterCovers(t *testing.T) {
	// The prefix-collision scenario: {"a/b", "a/b/c"} canonicalizes
	// to {"a/b"}; "a/bx" is not covered, "a/b/c/d" and "a/b" are.
	f := New("a/b", "a/b/c")
	if !f.Equal(Filter{"a/b"}) {
		t.Fatalf("canonical form = %v", f)
	}
	if f.Covers("a/bx") {
		t.Errorf("a/bx must not be covered")
	}
	if !f.Covers("a/b/c/d") {
		t.Errorf("a/b/c/d must be covered")
	}
	if !f.Covers("a/b") {
		t.Errorf("a/b must be covered")
	}
	if f.Covers("a") {
		t.Errorf("a must not be covered")
	}

	var empty Filter
	if empty.Covers("anything") {
		t.Errorf("empty filter covers nothing")
	}
}

func TestInsert(t *testing.T) {
	var f Filter
	f = f.Insert("b/c")
	f = f.Insert("a")
	if !f.Equal(Filter{"a", "b/c"}) {
		t.Fatalf("after inserts: %v", f)
	}
	// Covered topic leaves the filter unchanged.
	g := f.Insert("a/x")
	if !g.Equal(f) {
		t.Errorf("inserting a covered topic changed the filter: %v", g)
	}
	// A broader topic absorbs the entries it covers.
	h := f.Insert("b")
	if !h.Equal(Filter{"a", "b"}) {
		t.Errorf("broader insert = %v", h)
	}
}

func TestRemoveExactOnly(t *testing.T) {
	f := New("a", "b/c")
	if got := f.Remove("b"); !got.Equal(f) {
		t.Errorf("removing a non-entry changed the filter")
	}
	if got := f.Remove("b/c"); !got.Equal(Filter{"a"}) {
		t.Errorf("Remove(b/c) = %v", got)
	}
}

func TestMerge(t *testing.T) {
	got := Merge(New("a/b"), New("a"), New("c/d"))
	if !got.Equal(Filter{"a", "c/d"}) {
		t.Errorf("Merge = %v", got)
	}
	if Merge() != nil {
		t.Errorf("Merge of nothing should be nil")
	}
}

func TestCloneIndependence(t *testing.T) {
	f := New("a", "b")
	g := f.Clone()
	g[0] = "zzz"
	if f[0] != "a" {
		t.Errorf("Clone shares backing array")
	}
}
