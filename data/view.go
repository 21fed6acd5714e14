// Copyright 2025 The Broker Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package data

import (
	"bytes"
	"fmt"
	"net/netip"
)

// Arena bump-allocates the container payloads of decoded views.
// Chunks never move once handed out, so child slices stay valid for
// the arena's lifetime. An Arena is not safe for concurrent use.
type Arena struct {
	views   []View
	entries []ViewEntry
}

const arenaChunk = 64

// NewArena returns an empty arena.
func NewArena() *Arena { return &Arena{} }

func (a *Arena) allocViews(n int) []View {
	if cap(a.views)-len(a.views) < n {
		size := arenaChunk
		if n > size {
			size = n
		}
		a.views = make([]View, 0, size)
	}
	out := a.views[len(a.views) : len(a.views)+n]
	a.views = a.views[:len(a.views)+n]
	return out
}

func (a *Arena) allocEntries(n int) []ViewEntry {
	if cap(a.entries)-len(a.entries) < n {
		size := arenaChunk
		if n > size {
			size = n
		}
		a.entries = make([]ViewEntry, 0, size)
	}
	out := a.entries[len(a.entries) : len(a.entries)+n]
	a.entries = a.entries[:len(a.entries)+n]
	return out
}

// View is the non-owning representation of a decoded value. String
// payloads alias the source buffer and container payloads live in the
// decode arena, so both must outlive the view. Views are cheap to
// copy and never copy payload bytes.
type View struct {
	kind  Kind
	num   uint64
	str   []byte
	addr  netip.Addr
	bits  uint8
	elems []View // set, vector
	pairs []ViewEntry
}

// ViewEntry is one key/value pair of a table view.
type ViewEntry struct {
	Key View
	Val View
}

// DecodeView shallow-decodes the binary encoding of exactly one value
// into arena a. The input buffer must remain alive and unmodified for
// as long as the view is used.
func DecodeView(b []byte, a *Arena) (View, error) {
	v, n, err := decodeView(b, a, 0)
	if err != nil {
		return View{}, err
	}
	if n != len(b) {
		return View{}, fmt.Errorf("%w: %d trailing bytes", ErrInvalidData, len(b)-n)
	}
	return v, nil
}

// DecodeViewOne shallow-decodes one value from the front of b and
// returns it along with the number of bytes consumed.
func DecodeViewOne(b []byte, a *Arena) (View, int, error) {
	return decodeView(b, a, 0)
}

func decodeView(b []byte, a *Arena, depth int) (View, int, error) {
	if depth > maxDecodeDepth {
		return View{}, 0, fmt.Errorf("%w: nesting deeper than %d", ErrInvalidData, maxDecodeDepth)
	}
	if len(b) == 0 {
		return View{}, 0, fmt.Errorf("%w: truncated input", ErrInvalidData)
	}
	kind := Kind(b[0])
	off := 1
	switch kind {
	case KindNone:
		return View{}, off, nil
	case KindBoolean:
		if len(b) < off+1 {
			return View{}, 0, fmt.Errorf("%w: truncated boolean", ErrInvalidData)
		}
		if b[off] > 1 {
			return View{}, 0, fmt.Errorf("%w: boolean payload 0x%02x", ErrInvalidData, b[off])
		}
		return View{kind: kind, num: uint64(b[off])}, off + 1, nil
	case KindCount, KindInteger, KindReal, KindTimestamp, KindTimespan:
		n, err := decodeUint64(b[off:])
		if err != nil {
			return View{}, 0, err
		}
		return View{kind: kind, num: n}, off + 8, nil
	case KindString, KindEnumValue:
		s, n, err := decodeStringPayload(b[off:])
		if err != nil {
			return View{}, 0, err
		}
		return View{kind: kind, str: s}, off + n, nil
	case KindAddress:
		addr, n, err := decodeAddr(b[off:])
		if err != nil {
			return View{}, 0, err
		}
		return View{kind: kind, addr: addr}, off + n, nil
	case KindSubnet:
		addr, n, err := decodeAddr(b[off:])
		if err != nil {
			return View{}, 0, err
		}
		off += n
		if len(b) < off+1 {
			return View{}, 0, fmt.Errorf("%w: truncated subnet", ErrInvalidData)
		}
		bits := b[off]
		if int(bits) > addr.BitLen() {
			return View{}, 0, fmt.Errorf("%w: subnet prefix length %d", ErrInvalidData, bits)
		}
		return View{kind: kind, addr: addr, bits: bits}, off + 1, nil
	case KindPort:
		if len(b) < off+3 {
			return View{}, 0, fmt.Errorf("%w: truncated port", ErrInvalidData)
		}
		if Protocol(b[off+2]) > ProtoICMP {
			return View{}, 0, fmt.Errorf("%w: port protocol 0x%02x", ErrInvalidData, b[off+2])
		}
		num := uint64(b[off])<<16 | uint64(b[off+1])<<8 | uint64(b[off+2])
		return View{kind: kind, num: num}, off + 3, nil
	case KindSet, KindVector:
		count, n, err := decodeCount(b[off:], len(b)-off)
		if err != nil {
			return View{}, 0, err
		}
		off += n
		elems := a.allocViews(int(count))
		for i := range elems {
			v, n, err := decodeView(b[off:], a, depth+1)
			if err != nil {
				return View{}, 0, err
			}
			if kind == KindSet && i > 0 {
				switch c := compareViews(elems[i-1], v); {
				case c == 0:
					return View{}, 0, fmt.Errorf("%w: duplicate set element", ErrInvalidData)
				case c > 0:
					return View{}, 0, fmt.Errorf("%w: set elements out of order", ErrInvalidData)
				}
			}
			elems[i] = v
			off += n
		}
		return View{kind: kind, elems: elems}, off, nil
	case KindTable:
		count, n, err := decodeCount(b[off:], len(b)-off)
		if err != nil {
			return View{}, 0, err
		}
		off += n
		pairs := a.allocEntries(int(count))
		for i := range pairs {
			k, n, err := decodeView(b[off:], a, depth+1)
			if err != nil {
				return View{}, 0, err
			}
			off += n
			v, n, err := decodeView(b[off:], a, depth+1)
			if err != nil {
				return View{}, 0, err
			}
			off += n
			if i > 0 {
				switch c := compareViews(pairs[i-1].Key, k); {
				case c == 0:
					return View{}, 0, fmt.Errorf("%w: duplicate table key", ErrInvalidData)
				case c > 0:
					return View{}, 0, fmt.Errorf("%w: table keys out of order", ErrInvalidData)
				}
			}
			pairs[i] = ViewEntry{Key: k, Val: v}
		}
		return View{kind: kind, pairs: pairs}, off, nil
	default:
		return View{}, 0, fmt.Errorf("%w: unknown tag 0x%02x", ErrInvalidData, b[0])
	}
}

// Kind returns the variant stored in v.
func (v View) Kind() Kind { return v.kind }

// Bytes returns the string or enum payload without copying.
func (v View) Bytes() []byte { return v.str }

// Len returns the element count of a container view.
func (v View) Len() int {
	if v.kind == KindTable {
		return len(v.pairs)
	}
	return len(v.elems)
}

// At returns the i-th element of a set or vector view.
func (v View) At(i int) View { return v.elems[i] }

// EntryAt returns the i-th entry of a table view.
func (v View) EntryAt(i int) ViewEntry { return v.pairs[i] }

// Materialize converts the view into an owning Value, copying string
// payloads out of the source buffer.
func (v View) Materialize() Value {
	switch v.kind {
	case KindString, KindEnumValue:
		return Value{kind: v.kind, str: string(v.str)}
	case KindAddress, KindSubnet:
		return Value{kind: v.kind, addr: v.addr, bits: v.bits}
	case KindSet:
		items := make([]Value, len(v.elems))
		for i, e := range v.elems {
			items[i] = e.Materialize()
		}
		return SetValue(setFromSorted(items))
	case KindTable:
		entries := make([]TableEntry, len(v.pairs))
		for i, e := range v.pairs {
			entries[i] = TableEntry{Key: e.Key.Materialize(), Val: e.Val.Materialize()}
		}
		return TableValue(tableFromSorted(entries))
	case KindVector:
		items := make([]Value, len(v.elems))
		for i, e := range v.elems {
			items[i] = e.Materialize()
		}
		return VectorValue(&Vector{items: items})
	default:
		return Value{kind: v.kind, num: v.num}
	}
}

// Compare orders two views with the same total order as Compare on
// owning values.
func (v View) Compare(o View) int { return compareViews(v, o) }

// Equal reports structural equality of two views.
func (v View) Equal(o View) bool { return compareViews(v, o) == 0 }

// CompareValue orders a view against an owning value without
// materializing, so decoded frames compare cheaply against long-lived
// values.
func (v View) CompareValue(o Value) int { return compareViewValue(v, o) }

// EqualValue reports cross-representation structural equality.
func (v View) EqualValue(o Value) bool { return compareViewValue(v, o) == 0 }

func compareViews(a, b View) int {
	if a.kind != b.kind {
		if a.kind < b.kind {
			return -1
		}
		return 1
	}
	switch a.kind {
	case KindNone:
		return 0
	case KindBoolean, KindCount, KindPort:
		return compareUint64(a.num, b.num)
	case KindInteger, KindTimestamp, KindTimespan:
		return compareInt64(int64(a.num), int64(b.num))
	case KindReal:
		return compareRealBits(a.num, b.num)
	case KindString, KindEnumValue:
		return bytes.Compare(a.str, b.str)
	case KindAddress:
		return compareAddr(a.addr, b.addr)
	case KindSubnet:
		if c := compareAddr(a.addr, b.addr); c != 0 {
			return c
		}
		return compareUint64(uint64(a.bits), uint64(b.bits))
	case KindSet, KindVector:
		na, nb := len(a.elems), len(b.elems)
		for i := 0; i < na && i < nb; i++ {
			if c := compareViews(a.elems[i], b.elems[i]); c != 0 {
				return c
			}
		}
		return compareInt64(int64(na), int64(nb))
	case KindTable:
		na, nb := len(a.pairs), len(b.pairs)
		for i := 0; i < na && i < nb; i++ {
			if c := compareViews(a.pairs[i].Key, b.pairs[i].Key); c != 0 {
				return c
			}
			if c := compareViews(a.pairs[i].Val, b.pairs[i].Val); c != 0 {
				return c
			}
		}
		return compareInt64(int64(na), int64(nb))
	default:
		return 0
	}
}

func compareViewValue(a View, b Value) int {
	if a.kind != b.kind {
		if a.kind < b.kind {
			return -1
		}
		return 1
	}
	switch a.kind {
	case KindNone:
		return 0
	case KindBoolean, KindCount, KindPort:
		return compareUint64(a.num, b.num)
	case KindInteger, KindTimestamp, KindTimespan:
		return compareInt64(int64(a.num), int64(b.num))
	case KindReal:
		return compareRealBits(a.num, b.num)
	case KindString, KindEnumValue:
		return bytes.Compare(a.str, []byte(b.str))
	case KindAddress:
		return compareAddr(a.addr, b.addr)
	case KindSubnet:
		if c := compareAddr(a.addr, b.addr); c != 0 {
			return c
		}
		return compareUint64(uint64(a.bits), uint64(b.bits))
	case KindSet:
		na, nb := len(a.elems), b.set.Len()
		for i := 0; i < na && i < nb; i++ {
			if c := compareViewValue(a.elems[i], b.set.At(i)); c != 0 {
				return c
			}
		}
		return compareInt64(int64(na), int64(nb))
	case KindTable:
		na, nb := len(a.pairs), b.tab.Len()
		for i := 0; i < na && i < nb; i++ {
			e := b.tab.At(i)
			if c := compareViewValue(a.pairs[i].Key, e.Key); c != 0 {
				return c
			}
			if c := compareViewValue(a.pairs[i].Val, e.Val); c != 0 {
				return c
			}
		}
		return compareInt64(int64(na), int64(nb))
	case KindVector:
		na, nb := len(a.elems), b.vec.Len()
		for i := 0; i < na && i < nb; i++ {
			if c := compareViewValue(a.elems[i], b.vec.At(i)); c != 0 {
				return c
			}
		}
		return compareInt64(int64(na), int64(nb))
	default:
		return 0
	}
}
