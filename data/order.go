// Copyright 2025 The Broker Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package data

import (
	"bytes"
	"net/netip"
)

// Compare imposes the total value order: first by kind index, then by
// the payload's natural order. Sets and vectors compare as sequences,
// tables as sequences of key/value pairs. The result is -1, 0 or 1.
func Compare(a, b Value) int {
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
		return compareStringBytes(a.str, b.str)
	case KindAddress:
		return compareAddr(a.addr, b.addr)
	case KindSubnet:
		if c := compareAddr(a.addr, b.addr); c != 0 {
			return c
		}
		return compareUint64(uint64(a.bits), uint64(b.bits))
	case KindSet:
		na, nb := a.set.Len(), b.set.Len()
		for i := 0; i < na && i < nb; i++ {
			if c := Compare(a.set.At(i), b.set.At(i)); c != 0 {
				return c
			}
		}
		return compareInt64(int64(na), int64(nb))
	case KindTable:
		na, nb := a.tab.Len(), b.tab.Len()
		for i := 0; i < na && i < nb; i++ {
			ea, eb := a.tab.At(i), b.tab.At(i)
			if c := Compare(ea.Key, eb.Key); c != 0 {
				return c
			}
			if c := Compare(ea.Val, eb.Val); c != 0 {
				return c
			}
		}
		return compareInt64(int64(na), int64(nb))
	case KindVector:
		na, nb := a.vec.Len(), b.vec.Len()
		for i := 0; i < na && i < nb; i++ {
			if c := Compare(a.vec.At(i), b.vec.At(i)); c != 0 {
				return c
			}
		}
		return compareInt64(int64(na), int64(nb))
	default:
		return 0
	}
}

// Equal reports structural equality, ignoring container capacity and
// sharing.
func Equal(a, b Value) bool { return Compare(a, b) == 0 }

func compareUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

func compareInt64(a, b int64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// compareRealBits orders IEEE-754 bit patterns along the number line.
// NaN payloads are opaque: a NaN equals only its own bit pattern and
// sorts beyond the infinity of its sign (positive NaNs above +Inf,
// negative NaNs below -Inf), which keeps the order total
// so sets of reals stay well-defined. Signed zeros are ordered by
// sign for the same reason.
func compareRealBits(a, b uint64) int {
	return compareUint64(realOrderKey(a), realOrderKey(b))
}

// realOrderKey maps float64 bits to an order-preserving uint64 key:
// negative values flip entirely, non-negative values flip the sign
// bit.
func realOrderKey(bits uint64) uint64 {
	if bits&(1<<63) != 0 {
		return ^bits
	}
	return bits | 1<<63
}

func compareStringBytes(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// compareAddr orders addresses by their 16-byte IPv6 form, breaking
// ties on the origin family so that equality matches the wire
// encoding byte for byte.
func compareAddr(a, b netip.Addr) int {
	aa, ba := a.As16(), b.As16()
	if c := bytes.Compare(aa[:], ba[:]); c != 0 {
		return c
	}
	return compareUint64(uint64(addrFamily(a)), uint64(addrFamily(b)))
}

// addrFamily returns the wire family byte: 4 for addresses that
// originated as IPv4, 6 otherwise.
func addrFamily(a netip.Addr) uint8 {
	if a.Is4() || a.Is4In6() {
		return 4
	}
	return 6
}
