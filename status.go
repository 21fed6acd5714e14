// Copyright 2025 The Broker Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package broker

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// StatusCode identifies a connectivity event on the status bus.
type StatusCode uint8

const (
	PeerAdded StatusCode = iota
	PeerRemoved
	PeerLost
	EndpointDiscovered
	EndpointUnreachable
)

// String returns the wire-stable snake_case name of the code.
func (c StatusCode) String() string {
	switch c {
	case PeerAdded:
		return "peer_added"
	case PeerRemoved:
		return "peer_removed"
	case PeerLost:
		return "peer_lost"
	case EndpointDiscovered:
		return "endpoint_discovered"
	case EndpointUnreachable:
		return "endpoint_unreachable"
	default:
		return fmt.Sprintf("status(%d)", uint8(c))
	}
}

// ErrorCode classifies failures surfaced on the status bus and
// returned from endpoint operations.
type ErrorCode uint8

const (
	PeerInvalid ErrorCode = iota + 1
	PeerUnavailable
	PeerIncompatible
	PeerTimeout
	InvalidData
	TypeClash
	BackendFailure
	NoSuchKey
)

// String returns the wire-stable snake_case name of the code.
func (c ErrorCode) String() string {
	switch c {
	case PeerInvalid:
		return "peer_invalid"
	case PeerUnavailable:
		return "peer_unavailable"
	case PeerIncompatible:
		return "peer_incompatible"
	case PeerTimeout:
		return "peer_timeout"
	case InvalidData:
		return "invalid_data"
	case TypeClash:
		return "type_clash"
	case BackendFailure:
		return "backend_failure"
	case NoSuchKey:
		return "no_such_key"
	default:
		return fmt.Sprintf("error(%d)", uint8(c))
	}
}

// NetworkInfo locates a peer endpoint on the network.
type NetworkInfo struct {
	Host string
	Port uint16
}

// String renders the host:port form.
func (n NetworkInfo) String() string { return fmt.Sprintf("%s:%d", n.Host, n.Port) }

// Event is an entry on the status bus: either a *Status or an *Error.
type Event interface {
	isEvent()
}

// Status reports a connectivity transition for a peer.
type Status struct {
	Code    StatusCode
	PeerID  uuid.UUID
	Network *NetworkInfo
	Message string
}

func (*Status) isEvent() {}

// String renders the status for diagnostics.
func (s *Status) String() string {
	if s.Network != nil {
		return fmt.Sprintf("%s (%s)", s.Code, s.Network)
	}
	return s.Code.String()
}

// Error reports a failure. It satisfies the error interface so API
// results and bus events share one representation.
type Error struct {
	Code    ErrorCode
	Message string
}

func (*Error) isEvent() {}

// Error renders the code and message.
func (e *Error) Error() string {
	if e.Message == "" {
		return "broker: " + e.Code.String()
	}
	return fmt.Sprintf("broker: %s: %s", e.Code, e.Message)
}

// newError builds an *Error with a formatted message.
func newError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// statusBus broadcasts events to every subscribed status queue. Each
// subscriber owns a bounded ring; a consumer that falls behind loses
// the oldest events rather than blocking the emitter.
type statusBus struct {
	mu     sync.Mutex
	subs   []*StatusSubscriber
	closed bool
	onDrop func() // metrics hook, may be nil
}

func newStatusBus(onDrop func()) *statusBus {
	return &statusBus{onDrop: onDrop}
}

func (b *statusBus) subscribe(includeErrors bool, capacity int) *StatusSubscriber {
	s := &StatusSubscriber{
		bus:           b,
		buf:           make([]Event, capacity),
		notify:        make(chan struct{}, 1),
		includeErrors: includeErrors,
	}
	b.mu.Lock()
	if b.closed {
		s.closed = true
	} else {
		b.subs = append(b.subs, s)
	}
	b.mu.Unlock()
	return s
}

func (b *statusBus) unsubscribe(s *StatusSubscriber) {
	b.mu.Lock()
	for i, sub := range b.subs {
		if sub == s {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	b.mu.Unlock()
}

func (b *statusBus) emit(ev Event) {
	b.mu.Lock()
	subs := append([]*StatusSubscriber(nil), b.subs...)
	b.mu.Unlock()
	for _, s := range subs {
		if _, isErr := ev.(*Error); isErr && !s.includeErrors {
			continue
		}
		s.push(ev)
	}
}

func (b *statusBus) close() {
	b.mu.Lock()
	subs := b.subs
	b.subs = nil
	b.closed = true
	b.mu.Unlock()
	for _, s := range subs {
		s.markClosed()
	}
}

// StatusSubscriber consumes connectivity (and optionally error)
// events from an endpoint. Events are buffered in a bounded ring with
// overwrite-oldest semantics.
type StatusSubscriber struct {
	bus           *statusBus
	includeErrors bool

	mu      sync.Mutex
	buf     []Event // ring
	head    int
	count   int
	dropped uint64
	closed  bool
	notify  chan struct{}
}

func (s *StatusSubscriber) push(ev Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.count == len(s.buf) {
		s.head = (s.head + 1) % len(s.buf)
		s.count--
		s.dropped++
		if s.bus != nil && s.bus.onDrop != nil {
			s.bus.onDrop()
		}
	}
	s.buf[(s.head+s.count)%len(s.buf)] = ev
	s.count++
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

func (s *StatusSubscriber) markClosed() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// TryGet returns the next event without blocking.
func (s *StatusSubscriber) TryGet() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		return nil, false
	}
	ev := s.buf[s.head]
	s.buf[s.head] = nil
	s.head = (s.head + 1) % len(s.buf)
	s.count--
	return ev, true
}

// Get blocks until an event arrives, the subscriber closes, or ctx is
// done.
func (s *StatusSubscriber) Get(ctx context.Context) (Event, error) {
	for {
		if ev, ok := s.TryGet(); ok {
			return ev, nil
		}
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return nil, ErrClosed
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.notify:
		}
	}
}

// Dropped returns how many events this subscriber lost to overflow.
func (s *StatusSubscriber) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Close detaches the subscriber from the bus. It is idempotent.
func (s *StatusSubscriber) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	if s.bus != nil {
		s.bus.unsubscribe(s)
	}
	select {
	case s.notify <- struct{}{}:
	default:
	}
}
