// Copyright 2025 The Broker Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package topic models hierarchical topic names and prefix filters.
// A topic is a "/"-separated string; a filter is a canonical set of
// topic prefixes expressing interest. A filter covers a topic when
// one of its entries is a prefix of the topic on "/" boundaries.
package topic

import (
	"sort"
	"strings"
)

// Sep separates the segments of a topic name.
const Sep = "/"

// Topic names one logical stream of messages.
type Topic = string

// Covers reports whether prefix matches t on "/" boundaries: either
// the two are equal or t continues below prefix with a separator.
func Covers(prefix, t Topic) bool {
	if !strings.HasPrefix(t, prefix) {
		return false
	}
	return len(t) == len(prefix) || t[len(prefix)] == Sep[0]
}

// Filter is a set of topic prefixes in canonical form: sorted, with
// no entry covered by another. The zero Filter matches nothing.
// Filters are value-like; the mutating operations return the updated
// filter and leave the receiver's backing array untouched when the
// result differs.
type Filter []Topic

// New builds a canonical filter from the given topics.
func New(topics ...Topic) Filter {
	return Canonicalize(topics)
}

// Canonicalize sorts the topics and drops every entry covered by
// another. It is idempotent.
func Canonicalize(topics []Topic) Filter {
	if len(topics) == 0 {
		return nil
	}
	sorted := append([]Topic(nil), topics...)
	sort.Strings(sorted)
	out := sorted[:0]
	for _, t := range sorted {
		if Filter(out).Covers(t) {
			continue
		}
		out = append(out, t)
	}
	return Filter(out)
}

// Covers reports whether some entry of f is a boundary prefix of t.
// A prefix of t never sorts after t, so the scan stops at the first
// entry beyond it.
func (f Filter) Covers(t Topic) bool {
	for _, p := range f {
		if p > t {
			return false
		}
		if Covers(p, t) {
			return true
		}
	}
	return false
}

// Insert adds t to the filter, keeping it canonical: a topic already
// covered leaves the filter unchanged, and entries the new topic
// covers are removed.
func (f Filter) Insert(t Topic) Filter {
	if f.Covers(t) {
		return f
	}
	out := make(Filter, 0, len(f)+1)
	inserted := false
	for _, e := range f {
		if Covers(t, e) {
			continue
		}
		if !inserted && e > t {
			out = append(out, t)
			inserted = true
		}
		out = append(out, e)
	}
	if !inserted {
		out = append(out, t)
	}
	return out
}

// Remove deletes the exact entry t. Entries merely covered by t stay.
func (f Filter) Remove(t Topic) Filter {
	i := sort.SearchStrings(f, t)
	if i >= len(f) || f[i] != t {
		return f
	}
	out := make(Filter, 0, len(f)-1)
	out = append(out, f[:i]...)
	return append(out, f[i+1:]...)
}

// Merge unions the given filters into one canonical filter.
func Merge(filters ...Filter) Filter {
	var all []Topic
	for _, f := range filters {
		all = append(all, f...)
	}
	return Canonicalize(all)
}

// Clone returns an independent copy of f.
func (f Filter) Clone() Filter {
	if f == nil {
		return nil
	}
	return append(Filter(nil), f...)
}

// Equal reports whether two canonical filters hold the same entries.
func (f Filter) Equal(g Filter) bool {
	if len(f) != len(g) {
		return false
	}
	for i := range f {
		if f[i] != g[i] {
			return false
		}
	}
	return true
}
