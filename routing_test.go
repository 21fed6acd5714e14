// Copyright 2025 The Broker Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package broker

import (
	"testing"

	"github.com/google/uuid"

	"github.com/ckreibich/broker/topic"
)

func TestRoutingAggregate(t *testing.T) {
	rt := newRoutingTable()
	subA := &Subscriber{}
	subB := &Subscriber{}

	if !rt.addLocal(subA, topic.New("a/b")) {
		t.Fatalf("first subscriber must change the aggregate")
	}
	if !rt.aggregate.Equal(topic.Filter{"a/b"}) {
		t.Fatalf("aggregate = %v", rt.aggregate)
	}
	// A covered filter leaves the aggregate as is.
	if rt.addLocal(subB, topic.New("a/b/c")) {
		t.Errorf("covered filter should not change the aggregate")
	}
	if !rt.updateLocal(subB, topic.New("z")) {
		t.Errorf("new prefix must change the aggregate")
	}
	if !rt.aggregate.Equal(topic.Filter{"a/b", "z"}) {
		t.Fatalf("aggregate = %v", rt.aggregate)
	}
	if !rt.removeLocal(subB) {
		t.Errorf("removing the z subscriber must change the aggregate")
	}
	if rt.removeLocal(subB) {
		t.Errorf("removal must be idempotent")
	}
	if got := rt.localFilter(subA); !got.Equal(topic.Filter{"a/b"}) {
		t.Errorf("localFilter = %v", got)
	}
	if rt.localFilter(subB) != nil {
		t.Errorf("localFilter of a removed subscriber should be nil")
	}
}

func TestRoutingPeerFilters(t *testing.T) {
	rt := newRoutingTable()
	idA, idB := uuid.New(), uuid.New()
	sessA := &peerSession{}
	sessB := &peerSession{}

	rt.addPeer(idA, sessA, topic.New("x"))
	rt.addPeer(idB, sessB, topic.New("y/z"))
	if got := rt.peerFilters(); !got.Equal(topic.Filter{"x", "y/z"}) {
		t.Fatalf("peerFilters = %v", got)
	}
	rt.setPeerFilter(idA, topic.New("x", "w"))
	if got := rt.peerFilters(); !got.Equal(topic.Filter{"w", "x", "y/z"}) {
		t.Fatalf("peerFilters after update = %v", got)
	}
	rt.removePeer(idA)
	rt.removePeer(idA) // idempotent
	if got := rt.peerFilters(); !got.Equal(topic.Filter{"y/z"}) {
		t.Fatalf("peerFilters after removal = %v", got)
	}
	// Updating an unknown peer is a no-op.
	rt.setPeerFilter(idA, topic.New("q"))
	if got := rt.peerFilters(); !got.Equal(topic.Filter{"y/z"}) {
		t.Fatalf("unknown-peer update leaked: %v", got)
	}
}
