// Copyright 2025 The Broker Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package data implements the self-describing value model carried by
// broker messages: a tagged union of primitives and nested containers
// with a total order, structural equality and a canonical binary wire
// format suitable for cross-language interchange.
package data

import (
	"fmt"
	"math"
	"net/netip"
	"sort"
	"strconv"
	"strings"
	"time"
)

// Kind identifies the variant stored in a Value. The numeric values
// double as the wire tags of the binary encoding and define the first
// level of the value order.
type Kind uint8

const (
	KindNone Kind = iota
	KindBoolean
	KindCount
	KindInteger
	KindReal
	KindString
	KindAddress
	KindSubnet
	KindPort
	KindTimestamp
	KindTimespan
	KindEnumValue
	KindSet
	KindTable
	KindVector
)

// String returns the kind name used in diagnostics.
func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindBoolean:
		return "boolean"
	case KindCount:
		return "count"
	case KindInteger:
		return "integer"
	case KindReal:
		return "real"
	case KindString:
		return "string"
	case KindAddress:
		return "address"
	case KindSubnet:
		return "subnet"
	case KindPort:
		return "port"
	case KindTimestamp:
		return "timestamp"
	case KindTimespan:
		return "timespan"
	case KindEnumValue:
		return "enum"
	case KindSet:
		return "set"
	case KindTable:
		return "table"
	case KindVector:
		return "vector"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Protocol tags a port value with its transport protocol.
type Protocol uint8

const (
	ProtoUnknown Protocol = iota
	ProtoTCP
	ProtoUDP
	ProtoICMP
)

// String returns the protocol suffix used in the textual port form.
func (p Protocol) String() string {
	switch p {
	case ProtoTCP:
		return "tcp"
	case ProtoUDP:
		return "udp"
	case ProtoICMP:
		return "icmp"
	default:
		return "?"
	}
}

// Value is the owning representation of a broker value. The zero
// Value is the none sentinel. Primitive payloads are stored inline;
// container payloads are independently allocated and may be shared
// between values, so callers mutating a shared container must Clone
// first.
type Value struct {
	kind Kind
	num  uint64 // boolean, count, integer/real bits, port, timestamp, timespan
	str  string // string, enum_value
	addr netip.Addr
	bits uint8 // subnet prefix length
	set  *Set
	tab  *Table
	vec  *Vector
}

// Kind returns the variant stored in v.
func (v Value) Kind() Kind { return v.kind }

// IsNone reports whether v is the none sentinel.
func (v Value) IsNone() bool { return v.kind == KindNone }

// None returns the none sentinel.
func None() Value { return Value{} }

// Bool constructs a boolean value.
func Bool(b bool) Value {
	var n uint64
	if b {
		n = 1
	}
	return Value{kind: KindBoolean, num: n}
}

// Count constructs an unsigned 64-bit count value.
func Count(n uint64) Value { return Value{kind: KindCount, num: n} }

// Int constructs a signed 64-bit integer value.
func Int(i int64) Value { return Value{kind: KindInteger, num: uint64(i)} }

// Real constructs an IEEE-754 binary64 value.
func Real(f float64) Value { return Value{kind: KindReal, num: math.Float64bits(f)} }

// Str constructs a string value. The payload is an opaque byte
// sequence; it round-trips exactly even when not valid UTF-8.
func Str(s string) Value { return Value{kind: KindString, str: s} }

// Addr constructs an address value. IPv4 addresses keep their origin
// family and travel in IPv4-in-IPv6 form on the wire.
func Addr(a netip.Addr) Value { return Value{kind: KindAddress, addr: a} }

// Subnet constructs a subnet value from a prefix.
func Subnet(p netip.Prefix) Value {
	return Value{kind: KindSubnet, addr: p.Addr(), bits: uint8(p.Bits())}
}

// Port constructs a transport-layer port value.
func Port(number uint16, proto Protocol) Value {
	return Value{kind: KindPort, num: uint64(number)<<8 | uint64(proto)}
}

// Timestamp constructs a point-in-time value with nanosecond
// resolution.
func Timestamp(t time.Time) Value {
	return Value{kind: KindTimestamp, num: uint64(t.UnixNano())}
}

// TimestampNano constructs a timestamp from nanoseconds since the
// Unix epoch.
func TimestampNano(ns int64) Value { return Value{kind: KindTimestamp, num: uint64(ns)} }

// Timespan constructs a duration value with nanosecond resolution.
func Timespan(d time.Duration) Value { return Value{kind: KindTimespan, num: uint64(d)} }

// Enum constructs an enum value carrying the given name.
func Enum(name string) Value { return Value{kind: KindEnumValue, str: name} }

// SetValue wraps a set payload. A nil set is treated as empty.
func SetValue(s *Set) Value {
	if s == nil {
		s = NewSet()
	}
	return Value{kind: KindSet, set: s}
}

// TableValue wraps a table payload. A nil table is treated as empty.
func TableValue(t *Table) Value {
	if t == nil {
		t = NewTable()
	}
	return Value{kind: KindTable, tab: t}
}

// VectorValue wraps a vector payload. A nil vector is treated as
// empty.
func VectorValue(v *Vector) Value {
	if v == nil {
		v = NewVector()
	}
	return Value{kind: KindVector, vec: v}
}

// Bool returns the boolean payload, or false for other kinds.
func (v Value) Bool() bool { return v.kind == KindBoolean && v.num != 0 }

// Count returns the count payload, or 0 for other kinds.
func (v Value) Count() uint64 {
	if v.kind != KindCount {
		return 0
	}
	return v.num
}

// Int returns the integer payload, or 0 for other kinds.
func (v Value) Int() int64 {
	if v.kind != KindInteger {
		return 0
	}
	return int64(v.num)
}

// Real returns the real payload, or 0 for other kinds.
func (v Value) Real() float64 {
	if v.kind != KindReal {
		return 0
	}
	return math.Float64frombits(v.num)
}

// Str returns the string payload, or "" for other kinds.
func (v Value) Str() string {
	if v.kind != KindString {
		return ""
	}
	return v.str
}

// Addr returns the address payload, or the zero Addr for other kinds.
func (v Value) Addr() netip.Addr {
	if v.kind != KindAddress {
		return netip.Addr{}
	}
	return v.addr
}

// Subnet returns the subnet payload, or the zero Prefix for other
// kinds.
func (v Value) Subnet() netip.Prefix {
	if v.kind != KindSubnet {
		return netip.Prefix{}
	}
	return netip.PrefixFrom(v.addr, int(v.bits))
}

// Port returns the port number and protocol, or (0, ProtoUnknown) for
// other kinds.
func (v Value) Port() (uint16, Protocol) {
	if v.kind != KindPort {
		return 0, ProtoUnknown
	}
	return uint16(v.num >> 8), Protocol(v.num & 0xff)
}

// Timestamp returns the timestamp payload in UTC, or the zero time
// for other kinds.
func (v Value) Timestamp() time.Time {
	if v.kind != KindTimestamp {
		return time.Time{}
	}
	return time.Unix(0, int64(v.num)).UTC()
}

// TimestampNano returns the timestamp payload as nanoseconds since
// the Unix epoch.
func (v Value) TimestampNano() int64 {
	if v.kind != KindTimestamp {
		return 0
	}
	return int64(v.num)
}

// Timespan returns the duration payload, or 0 for other kinds.
func (v Value) Timespan() time.Duration {
	if v.kind != KindTimespan {
		return 0
	}
	return time.Duration(v.num)
}

// Enum returns the enum name, or "" for other kinds.
func (v Value) Enum() string {
	if v.kind != KindEnumValue {
		return ""
	}
	return v.str
}

// Set returns the set payload, or nil for other kinds. The payload is
// shared, not copied.
func (v Value) Set() *Set { return v.set }

// Table returns the table payload, or nil for other kinds. The
// payload is shared, not copied.
func (v Value) Table() *Table { return v.tab }

// Vector returns the vector payload, or nil for other kinds. The
// payload is shared, not copied.
func (v Value) Vector() *Vector { return v.vec }

// Clone returns a deep copy of v. Container payloads are copied
// recursively so the result shares no mutable state with v.
func (v Value) Clone() Value {
	switch v.kind {
	case KindSet:
		return SetValue(v.set.Clone())
	case KindTable:
		return TableValue(v.tab.Clone())
	case KindVector:
		return VectorValue(v.vec.Clone())
	default:
		return v
	}
}

// String renders v in the broker textual conventions.
func (v Value) String() string {
	switch v.kind {
	case KindNone:
		return "nil"
	case KindBoolean:
		if v.num != 0 {
			return "T"
		}
		return "F"
	case KindCount:
		return strconv.FormatUint(v.num, 10)
	case KindInteger:
		return strconv.FormatInt(int64(v.num), 10)
	case KindReal:
		return strconv.FormatFloat(math.Float64frombits(v.num), 'g', -1, 64)
	case KindString:
		return v.str
	case KindAddress:
		return v.addr.String()
	case KindSubnet:
		return v.Subnet().String()
	case KindPort:
		n, p := v.Port()
		return strconv.FormatUint(uint64(n), 10) + "/" + p.String()
	case KindTimestamp:
		return v.Timestamp().Format(time.RFC3339Nano)
	case KindTimespan:
		return v.Timespan().String()
	case KindEnumValue:
		return v.str
	case KindSet:
		var sb strings.Builder
		sb.WriteByte('{')
		for i := 0; i < v.set.Len(); i++ {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(v.set.At(i).String())
		}
		sb.WriteByte('}')
		return sb.String()
	case KindTable:
		var sb strings.Builder
		sb.WriteByte('{')
		for i := 0; i < v.tab.Len(); i++ {
			if i > 0 {
				sb.WriteString(", ")
			}
			e := v.tab.At(i)
			sb.WriteString(e.Key.String())
			sb.WriteString(" -> ")
			sb.WriteString(e.Val.String())
		}
		sb.WriteByte('}')
		return sb.String()
	case KindVector:
		var sb strings.Builder
		sb.WriteByte('(')
		for i := 0; i < v.vec.Len(); i++ {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(v.vec.At(i).String())
		}
		sb.WriteByte(')')
		return sb.String()
	default:
		return v.kind.String()
	}
}

// ParsePort parses the textual port form "53/udp". A bare number
// defaults to TCP; an unrecognized protocol suffix yields
// ProtoUnknown.
func ParsePort(s string) (Value, error) {
	numStr, protoStr, found := strings.Cut(s, "/")
	n, err := strconv.ParseUint(numStr, 10, 16)
	if err != nil {
		return Value{}, fmt.Errorf("data: invalid port %q: %w", s, err)
	}
	proto := ProtoTCP
	if found {
		switch protoStr {
		case "tcp":
			proto = ProtoTCP
		case "udp":
			proto = ProtoUDP
		case "icmp":
			proto = ProtoICMP
		default:
			proto = ProtoUnknown
		}
	}
	return Port(uint16(n), proto), nil
}

// Set is an ordered set of values, sorted by the value order with no
// duplicates.
type Set struct {
	items []Value
}

// NewSet builds a set from the given values. Duplicates collapse to a
// single element.
func NewSet(items ...Value) *Set {
	s := &Set{}
	for _, v := range items {
		s.Add(v)
	}
	return s
}

// setFromSorted wraps an already sorted, duplicate-free slice. Used
// by the decoder, which enforces canonical wire order.
func setFromSorted(items []Value) *Set { return &Set{items: items} }

// Len returns the number of elements.
func (s *Set) Len() int {
	if s == nil {
		return 0
	}
	return len(s.items)
}

// At returns the i-th element in value order.
func (s *Set) At(i int) Value { return s.items[i] }

func (s *Set) search(v Value) (int, bool) {
	i := sort.Search(len(s.items), func(i int) bool {
		return Compare(s.items[i], v) >= 0
	})
	return i, i < len(s.items) && Compare(s.items[i], v) == 0
}

// Contains reports whether v is an element of s.
func (s *Set) Contains(v Value) bool {
	if s == nil {
		return false
	}
	_, ok := s.search(v)
	return ok
}

// Add inserts v, keeping the set sorted. It reports whether the set
// changed; inserting an existing element is a no-op.
func (s *Set) Add(v Value) bool {
	i, ok := s.search(v)
	if ok {
		return false
	}
	s.items = append(s.items, Value{})
	copy(s.items[i+1:], s.items[i:])
	s.items[i] = v
	return true
}

// Remove deletes v and reports whether it was present.
func (s *Set) Remove(v Value) bool {
	i, ok := s.search(v)
	if !ok {
		return false
	}
	s.items = append(s.items[:i], s.items[i+1:]...)
	return true
}

// Clone returns a deep copy of s.
func (s *Set) Clone() *Set {
	if s == nil {
		return NewSet()
	}
	items := make([]Value, len(s.items))
	for i, v := range s.items {
		items[i] = v.Clone()
	}
	return &Set{items: items}
}

// TableEntry is one key/value pair of a table.
type TableEntry struct {
	Key Value
	Val Value
}

// Table is an ordered map of values, sorted by key order with unique
// keys.
type Table struct {
	entries []TableEntry
}

// NewTable returns an empty table.
func NewTable() *Table { return &Table{} }

// tableFromSorted wraps already sorted, unique-keyed entries. Used by
// the decoder, which enforces canonical wire order.
func tableFromSorted(entries []TableEntry) *Table { return &Table{entries: entries} }

// Len returns the number of entries.
func (t *Table) Len() int {
	if t == nil {
		return 0
	}
	return len(t.entries)
}

// At returns the i-th entry in key order.
func (t *Table) At(i int) TableEntry { return t.entries[i] }

func (t *Table) search(k Value) (int, bool) {
	i := sort.Search(len(t.entries), func(i int) bool {
		return Compare(t.entries[i].Key, k) >= 0
	})
	return i, i < len(t.entries) && Compare(t.entries[i].Key, k) == 0
}

// Get returns the value stored under k.
func (t *Table) Get(k Value) (Value, bool) {
	if t == nil {
		return Value{}, false
	}
	i, ok := t.search(k)
	if !ok {
		return Value{}, false
	}
	return t.entries[i].Val, true
}

// Put stores v under k, replacing any existing entry.
func (t *Table) Put(k, v Value) {
	i, ok := t.search(k)
	if ok {
		t.entries[i].Val = v
		return
	}
	t.entries = append(t.entries, TableEntry{})
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = TableEntry{Key: k, Val: v}
}

// Delete removes the entry under k and reports whether it existed.
func (t *Table) Delete(k Value) bool {
	i, ok := t.search(k)
	if !ok {
		return false
	}
	t.entries = append(t.entries[:i], t.entries[i+1:]...)
	return true
}

// Clone returns a deep copy of t.
func (t *Table) Clone() *Table {
	if t == nil {
		return NewTable()
	}
	entries := make([]TableEntry, len(t.entries))
	for i, e := range t.entries {
		entries[i] = TableEntry{Key: e.Key.Clone(), Val: e.Val.Clone()}
	}
	return &Table{entries: entries}
}

// Vector is an ordered sequence of values.
type Vector struct {
	items []Value
}

// NewVector builds a vector holding the given values in order.
func NewVector(items ...Value) *Vector {
	return &Vector{items: append([]Value(nil), items...)}
}

// Len returns the number of elements.
func (v *Vector) Len() int {
	if v == nil {
		return 0
	}
	return len(v.items)
}

// At returns the i-th element.
func (v *Vector) At(i int) Value { return v.items[i] }

// Append adds vals to the end of the vector.
func (v *Vector) Append(vals ...Value) { v.items = append(v.items, vals...) }

// Clone returns a deep copy of v.
func (v *Vector) Clone() *Vector {
	if v == nil {
		return NewVector()
	}
	items := make([]Value, len(v.items))
	for i, e := range v.items {
		items[i] = e.Clone()
	}
	return &Vector{items: items}
}
