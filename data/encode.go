// Copyright 2025 The Broker Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package data

import (
	"encoding/binary"
	"net/netip"

	"github.com/multiformats/go-varint"
)

// Binary wire format, version 1. Every value starts with a one-byte
// tag equal to its Kind. Fixed-width integer payloads are big-endian;
// string lengths and container counts are unsigned LEB128 varints.
// Containers encode in stored order, so encoding a canonical value is
// itself canonical: equal values produce identical bytes.

// Encode returns the binary encoding of v.
func (v Value) Encode() []byte {
	return v.AppendTo(make([]byte, 0, v.encodedSize()))
}

// AppendTo appends the binary encoding of v to dst and returns the
// extended slice.
func (v Value) AppendTo(dst []byte) []byte {
	dst = append(dst, byte(v.kind))
	switch v.kind {
	case KindNone:
	case KindBoolean:
		if v.num != 0 {
			dst = append(dst, 1)
		} else {
			dst = append(dst, 0)
		}
	case KindCount, KindInteger, KindReal, KindTimestamp, KindTimespan:
		dst = binary.BigEndian.AppendUint64(dst, v.num)
	case KindString, KindEnumValue:
		dst = appendUvarint(dst, uint64(len(v.str)))
		dst = append(dst, v.str...)
	case KindAddress:
		dst = appendAddr(dst, v.addr)
	case KindSubnet:
		dst = appendAddr(dst, v.addr)
		dst = append(dst, v.bits)
	case KindPort:
		dst = binary.BigEndian.AppendUint16(dst, uint16(v.num>>8))
		dst = append(dst, byte(v.num))
	case KindSet:
		dst = appendUvarint(dst, uint64(v.set.Len()))
		for i := 0; i < v.set.Len(); i++ {
			dst = v.set.At(i).AppendTo(dst)
		}
	case KindTable:
		dst = appendUvarint(dst, uint64(v.tab.Len()))
		for i := 0; i < v.tab.Len(); i++ {
			e := v.tab.At(i)
			dst = e.Key.AppendTo(dst)
			dst = e.Val.AppendTo(dst)
		}
	case KindVector:
		dst = appendUvarint(dst, uint64(v.vec.Len()))
		for i := 0; i < v.vec.Len(); i++ {
			dst = v.vec.At(i).AppendTo(dst)
		}
	}
	return dst
}

func appendUvarint(dst []byte, n uint64) []byte {
	buf := make([]byte, varint.UvarintSize(n))
	varint.PutUvarint(buf, n)
	return append(dst, buf...)
}

func appendAddr(dst []byte, a netip.Addr) []byte {
	dst = append(dst, addrFamily(a))
	b := a.As16()
	return append(dst, b[:]...)
}

// encodedSize returns the exact size of the encoding of v, used to
// right-size the output buffer.
func (v Value) encodedSize() int {
	n := 1
	switch v.kind {
	case KindBoolean:
		n++
	case KindCount, KindInteger, KindReal, KindTimestamp, KindTimespan:
		n += 8
	case KindString, KindEnumValue:
		n += varint.UvarintSize(uint64(len(v.str))) + len(v.str)
	case KindAddress:
		n += 17
	case KindSubnet:
		n += 18
	case KindPort:
		n += 3
	case KindSet:
		n += varint.UvarintSize(uint64(v.set.Len()))
		for i := 0; i < v.set.Len(); i++ {
			n += v.set.At(i).encodedSize()
		}
	case KindTable:
		n += varint.UvarintSize(uint64(v.tab.Len()))
		for i := 0; i < v.tab.Len(); i++ {
			e := v.tab.At(i)
			n += e.Key.encodedSize() + e.Val.encodedSize()
		}
	case KindVector:
		n += varint.UvarintSize(uint64(v.vec.Len()))
		for i := 0; i < v.vec.Len(); i++ {
			n += v.vec.At(i).encodedSize()
		}
	}
	return n
}
