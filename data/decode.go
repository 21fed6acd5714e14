// Copyright 2025 The Broker Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package data

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/multiformats/go-varint"
)

// ErrInvalidData reports a malformed binary encoding: truncated
// input, an unknown tag, a duplicate or out-of-order set element or
// table key, or an oversized varint. All decode failures wrap it.
var ErrInvalidData = errors.New("data: invalid data")

// maxDecodeDepth bounds container nesting so hostile input cannot
// exhaust the stack.
const maxDecodeDepth = 100

// Decode parses the binary encoding of exactly one value. Trailing
// bytes are rejected.
func Decode(b []byte) (Value, error) {
	v, n, err := decodeValue(b, 0)
	if err != nil {
		return Value{}, err
	}
	if n != len(b) {
		return Value{}, fmt.Errorf("%w: %d trailing bytes", ErrInvalidData, len(b)-n)
	}
	return v, nil
}

// DecodeOne parses one value from the front of b and returns it along
// with the number of bytes consumed.
func DecodeOne(b []byte) (Value, int, error) {
	return decodeValue(b, 0)
}

func decodeValue(b []byte, depth int) (Value, int, error) {
	if depth > maxDecodeDepth {
		return Value{}, 0, fmt.Errorf("%w: nesting deeper than %d", ErrInvalidData, maxDecodeDepth)
	}
	if len(b) == 0 {
		return Value{}, 0, fmt.Errorf("%w: truncated input", ErrInvalidData)
	}
	kind := Kind(b[0])
	off := 1
	switch kind {
	case KindNone:
		return Value{}, off, nil
	case KindBoolean:
		if len(b) < off+1 {
			return Value{}, 0, fmt.Errorf("%w: truncated boolean", ErrInvalidData)
		}
		switch b[off] {
		case 0:
			return Bool(false), off + 1, nil
		case 1:
			return Bool(true), off + 1, nil
		default:
			return Value{}, 0, fmt.Errorf("%w: boolean payload 0x%02x", ErrInvalidData, b[off])
		}
	case KindCount, KindInteger, KindReal, KindTimestamp, KindTimespan:
		n, err := decodeUint64(b[off:])
		if err != nil {
			return Value{}, 0, err
		}
		return Value{kind: kind, num: n}, off + 8, nil
	case KindString, KindEnumValue:
		s, n, err := decodeStringPayload(b[off:])
		if err != nil {
			return Value{}, 0, err
		}
		return Value{kind: kind, str: string(s)}, off + n, nil
	case KindAddress:
		a, n, err := decodeAddr(b[off:])
		if err != nil {
			return Value{}, 0, err
		}
		return Addr(a), off + n, nil
	case KindSubnet:
		a, n, err := decodeAddr(b[off:])
		if err != nil {
			return Value{}, 0, err
		}
		off += n
		if len(b) < off+1 {
			return Value{}, 0, fmt.Errorf("%w: truncated subnet", ErrInvalidData)
		}
		bits := b[off]
		if int(bits) > a.BitLen() {
			return Value{}, 0, fmt.Errorf("%w: subnet prefix length %d", ErrInvalidData, bits)
		}
		return Value{kind: KindSubnet, addr: a, bits: bits}, off + 1, nil
	case KindPort:
		if len(b) < off+3 {
			return Value{}, 0, fmt.Errorf("%w: truncated port", ErrInvalidData)
		}
		number := uint16(b[off])<<8 | uint16(b[off+1])
		proto := Protocol(b[off+2])
		if proto > ProtoICMP {
			return Value{}, 0, fmt.Errorf("%w: port protocol 0x%02x", ErrInvalidData, b[off+2])
		}
		return Port(number, proto), off + 3, nil
	case KindSet:
		count, n, err := decodeCount(b[off:], len(b)-off)
		if err != nil {
			return Value{}, 0, err
		}
		off += n
		items := make([]Value, 0, count)
		for i := uint64(0); i < count; i++ {
			v, n, err := decodeValue(b[off:], depth+1)
			if err != nil {
				return Value{}, 0, err
			}
			if len(items) > 0 {
				switch c := Compare(items[len(items)-1], v); {
				case c == 0:
					return Value{}, 0, fmt.Errorf("%w: duplicate set element", ErrInvalidData)
				case c > 0:
					return Value{}, 0, fmt.Errorf("%w: set elements out of order", ErrInvalidData)
				}
			}
			items = append(items, v)
			off += n
		}
		return SetValue(setFromSorted(items)), off, nil
	case KindTable:
		count, n, err := decodeCount(b[off:], len(b)-off)
		if err != nil {
			return Value{}, 0, err
		}
		off += n
		entries := make([]TableEntry, 0, count)
		for i := uint64(0); i < count; i++ {
			k, n, err := decodeValue(b[off:], depth+1)
			if err != nil {
				return Value{}, 0, err
			}
			off += n
			v, n, err := decodeValue(b[off:], depth+1)
			if err != nil {
				return Value{}, 0, err
			}
			off += n
			if len(entries) > 0 {
				switch c := Compare(entries[len(entries)-1].Key, k); {
				case c == 0:
					return Value{}, 0, fmt.Errorf("%w: duplicate table key", ErrInvalidData)
				case c > 0:
					return Value{}, 0, fmt.Errorf("%w: table keys out of order", ErrInvalidData)
				}
			}
			entries = append(entries, TableEntry{Key: k, Val: v})
		}
		return TableValue(tableFromSorted(entries)), off, nil
	case KindVector:
		count, n, err := decodeCount(b[off:], len(b)-off)
		if err != nil {
			return Value{}, 0, err
		}
		off += n
		items := make([]Value, 0, count)
		for i := uint64(0); i < count; i++ {
			v, n, err := decodeValue(b[off:], depth+1)
			if err != nil {
				return Value{}, 0, err
			}
			items = append(items, v)
			off += n
		}
		return VectorValue(&Vector{items: items}), off, nil
	default:
		return Value{}, 0, fmt.Errorf("%w: unknown tag 0x%02x", ErrInvalidData, b[0])
	}
}

func decodeUint64(b []byte) (uint64, error) {
	if len(b) < 8 {
		return 0, fmt.Errorf("%w: truncated 8-byte payload", ErrInvalidData)
	}
	return uint64(b[0])<<56 | uint64(b[1])<<48 | uint64(b[2])<<40 | uint64(b[3])<<32 |
		uint64(b[4])<<24 | uint64(b[5])<<16 | uint64(b[6])<<8 | uint64(b[7]), nil
}

func decodeUvarint(b []byte) (uint64, int, error) {
	n, size, err := varint.FromUvarint(b)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: varint: %v", ErrInvalidData, err)
	}
	return n, size, nil
}

// decodeCount reads a container count and bounds it by the bytes that
// remain, so a forged count cannot trigger a huge allocation: every
// encoded element occupies at least one byte.
func decodeCount(b []byte, remaining int) (uint64, int, error) {
	n, size, err := decodeUvarint(b)
	if err != nil {
		return 0, 0, err
	}
	if n > uint64(remaining) {
		return 0, 0, fmt.Errorf("%w: container count %d exceeds input", ErrInvalidData, n)
	}
	return n, size, nil
}

func decodeStringPayload(b []byte) ([]byte, int, error) {
	n, size, err := decodeUvarint(b)
	if err != nil {
		return nil, 0, err
	}
	if uint64(len(b)-size) < n {
		return nil, 0, fmt.Errorf("%w: truncated string", ErrInvalidData)
	}
	return b[size : size+int(n)], size + int(n), nil
}

func decodeAddr(b []byte) (netip.Addr, int, error) {
	if len(b) < 17 {
		return netip.Addr{}, 0, fmt.Errorf("%w: truncated address", ErrInvalidData)
	}
	var raw [16]byte
	copy(raw[:], b[1:17])
	switch b[0] {
	case 4:
		a := netip.AddrFrom16(raw)
		if !a.Is4In6() {
			return netip.Addr{}, 0, fmt.Errorf("%w: v4 address outside the mapped range", ErrInvalidData)
		}
		return a.Unmap(), 17, nil
	case 6:
		return netip.AddrFrom16(raw), 17, nil
	default:
		return netip.Addr{}, 0, fmt.Errorf("%w: address family 0x%02x", ErrInvalidData, b[0])
	}
}
