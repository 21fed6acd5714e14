// Copyright 2025 The Broker Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package broker

import (
	"github.com/google/uuid"

	"github.com/ckreibich/broker/topic"
)

// routingTable maps topics to destinations: local subscriber queues
// and peered sessions with their last received filter. It is owned by
// the endpoint's run loop; nothing here locks.
type routingTable struct {
	locals    []localEntry
	peers     map[uuid.UUID]*peerEntry
	aggregate topic.Filter // canonical union of all local filters
}

type localEntry struct {
	filter topic.Filter
	sub    *Subscriber
}

type peerEntry struct {
	filter  topic.Filter
	session *peerSession
}

func newRoutingTable() *routingTable {
	return &routingTable{peers: make(map[uuid.UUID]*peerEntry)}
}

// addLocal registers a subscriber and reports whether the aggregate
// local filter changed.
func (rt *routingTable) addLocal(sub *Subscriber, f topic.Filter) bool {
	rt.locals = append(rt.locals, localEntry{filter: f, sub: sub})
	return rt.recompute()
}

// updateLocal replaces a subscriber's filter and reports whether the
// aggregate changed. Unknown subscribers are ignored.
func (rt *routingTable) updateLocal(sub *Subscriber, f topic.Filter) bool {
	for i := range rt.locals {
		if rt.locals[i].sub == sub {
			rt.locals[i].filter = f
			return rt.recompute()
		}
	}
	return false
}

// removeLocal drops a subscriber and reports whether the aggregate
// changed. Removal is idempotent.
func (rt *routingTable) removeLocal(sub *Subscriber) bool {
	for i := range rt.locals {
		if rt.locals[i].sub == sub {
			rt.locals = append(rt.locals[:i], rt.locals[i+1:]...)
			return rt.recompute()
		}
	}
	return false
}

// localFilter returns the filter registered for sub.
func (rt *routingTable) localFilter(sub *Subscriber) topic.Filter {
	for i := range rt.locals {
		if rt.locals[i].sub == sub {
			return rt.locals[i].filter
		}
	}
	return nil
}

func (rt *routingTable) recompute() bool {
	filters := make([]topic.Filter, len(rt.locals))
	for i := range rt.locals {
		filters[i] = rt.locals[i].filter
	}
	next := topic.Merge(filters...)
	if next.Equal(rt.aggregate) {
		return false
	}
	rt.aggregate = next
	return true
}

// addPeer installs a peered session with its initial inbound filter.
func (rt *routingTable) addPeer(id uuid.UUID, s *peerSession, f topic.Filter) {
	rt.peers[id] = &peerEntry{filter: f, session: s}
}

// setPeerFilter replaces the last received filter for a peer.
func (rt *routingTable) setPeerFilter(id uuid.UUID, f topic.Filter) {
	if e, ok := rt.peers[id]; ok {
		e.filter = f
	}
}

// removePeer drops a peer; idempotent.
func (rt *routingTable) removePeer(id uuid.UUID) {
	delete(rt.peers, id)
}

// peerFilters returns the union of all inbound peer filters.
func (rt *routingTable) peerFilters() topic.Filter {
	filters := make([]topic.Filter, 0, len(rt.peers))
	for _, e := range rt.peers {
		filters = append(filters, e.filter)
	}
	return topic.Merge(filters...)
}
