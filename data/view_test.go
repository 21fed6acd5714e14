// Copyright 2025 The Broker Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package data

import (
	"testing"
)

func TestViewMatchesDeepDecode(t *testing.T) {
	for _, v := range sampleValues() {
		b := v.Encode()
		arena := NewArena()
		view, err := DecodeView(b, arena)
		if err != nil {
			t.Errorf("DecodeView(%v) failed: %v", v, err)
			continue
		}
		deep, err := Decode(b)
		if err != nil {
			t.Fatalf("Decode failed: %v", err)
		}
		if !view.EqualValue(deep) {
			t.Errorf("view of %v differs from deep decode", v)
		}
		if !view.EqualValue(v) {
			t.Errorf("view of %v differs from original", v)
		}
		if got := view.Materialize(); !Equal(got, v) {
			t.Errorf("Materialize of %v = %v", v, got)
		}
	}
}

func TestViewRejectsWhatDecodeRejects(t *testing.T) {
	bad := [][]byte{
		nil,
		{0x7f},
		{0x01},
		{0x0c, 0x02, 0x00, 0x00}, // duplicate set element (two nones)
		{0x00, 0x00},             // trailing bytes
	}
	for _, b := range bad {
		if _, err := DecodeView(b, NewArena()); err == nil {
			t.Errorf("DecodeView accepted %#v", b)
		}
	}
}

func TestViewStringsAliasSource(t *testing.T) {
	b := Str("zero-copy").Encode()
	view, err := DecodeView(b, NewArena())
	if err != nil {
		t.Fatalf("DecodeView failed: %v", err)
	}
	got := view.Bytes()
	if string(got) != "zero-copy" {
		t.Fatalf("view bytes = %q", got)
	}
	// The view must reference the source buffer, not a copy.
	b[2] = 'Z'
	if string(view.Bytes()) != "Zero-copy" {
		t.Errorf("view did not alias the source buffer")
	}
}

func TestViewContainerAccess(t *testing.T) {
	tab := NewTable()
	tab.Put(Str("k1"), Int(1))
	tab.Put(Str("k2"), VectorValue(NewVector(Count(7), Bool(true))))
	v := TableValue(tab)

	view, err := DecodeView(v.Encode(), NewArena())
	if err != nil {
		t.Fatalf("DecodeView failed: %v", err)
	}
	if view.Kind() != KindTable || view.Len() != 2 {
		t.Fatalf("view kind/len = %v/%d", view.Kind(), view.Len())
	}
	e := view.EntryAt(1)
	if string(e.Key.Bytes()) != "k2" {
		t.Errorf("entry key = %q", e.Key.Bytes())
	}
	if e.Val.Kind() != KindVector || e.Val.Len() != 2 {
		t.Fatalf("entry value kind/len = %v/%d", e.Val.Kind(), e.Val.Len())
	}
	if e.Val.At(0).Kind() != KindCount {
		t.Errorf("vector[0] kind = %v", e.Val.At(0).Kind())
	}
}

func TestViewCrossCompareOrder(t *testing.T) {
	small := Int(1)
	big := Int(2)
	view, err := DecodeView(small.Encode(), NewArena())
	if err != nil {
		t.Fatalf("DecodeView failed: %v", err)
	}
	if view.CompareValue(big) >= 0 {
		t.Errorf("view(1) should order before value(2)")
	}
	if view.CompareValue(small) != 0 {
		t.Errorf("view(1) should equal value(1)")
	}
	if view.CompareValue(Str("1")) >= 0 {
		t.Errorf("kind order must dominate cross-representation compare")
	}
}

func TestArenaChunksStayValid(t *testing.T) {
	// Decode many values into one arena; earlier views must stay
	// intact while the arena grows new chunks.
	arena := NewArena()
	var views []View
	var originals []Value
	for i := 0; i < 50; i++ {
		v := VectorValue(NewVector(Int(int64(i)), Str("payload"), SetValue(NewSet(Count(uint64(i))))))
		b := v.Encode()
		view, err := DecodeView(b, arena)
		if err != nil {
			t.Fatalf("DecodeView failed: %v", err)
		}
		views = append(views, view)
		originals = append(originals, v)
	}
	for i, view := range views {
		if !view.EqualValue(originals[i]) {
			t.Errorf("view %d corrupted by later arena allocations", i)
		}
	}
}

func TestViewCompareViews(t *testing.T) {
	a, err := DecodeView(VectorValue(NewVector(Int(1), Str("a"))).Encode(), NewArena())
	if err != nil {
		t.Fatalf("DecodeView failed: %v", err)
	}
	b, err := DecodeView(VectorValue(NewVector(Int(1), Str("b"))).Encode(), NewArena())
	if err != nil {
		t.Fatalf("DecodeView failed: %v", err)
	}
	if a.Compare(b) >= 0 || b.Compare(a) <= 0 {
		t.Errorf("view/view compare order wrong")
	}
	if !a.Equal(a) {
		t.Errorf("view should equal itself")
	}
}
