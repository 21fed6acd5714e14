// Copyright 2025 The Broker Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package broker

import (
	"context"
	"errors"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ckreibich/broker/data"
	"github.com/ckreibich/broker/topic"
)

// PeerStatus is the lifecycle state of a peer session.
type PeerStatus uint8

const (
	PeerStatusUnknown PeerStatus = iota
	PeerStatusInitialized
	PeerStatusConnecting
	PeerStatusHandshaking
	PeerStatusPeered
	PeerStatusReconnecting
	PeerStatusDisconnected
)

// String returns the snake_case state name.
func (s PeerStatus) String() string {
	switch s {
	case PeerStatusInitialized:
		return "initialized"
	case PeerStatusConnecting:
		return "connecting"
	case PeerStatusHandshaking:
		return "handshaking"
	case PeerStatusPeered:
		return "peered"
	case PeerStatusReconnecting:
		return "reconnecting"
	case PeerStatusDisconnected:
		return "disconnected"
	default:
		return "unknown"
	}
}

// PeerInfo describes one peer of an endpoint.
type PeerInfo struct {
	ID         uuid.UUID
	Address    NetworkInfo
	Filter     topic.Filter
	Status     PeerStatus
	IsOutbound bool
}

// sessionEnd classifies why a connection attempt or live session
// ended. terminal marks protocol violations that must not be retried;
// deliber marks an orderly GOODBYE (either direction), which is never
// retried either. A plain IO drop leaves both unset so a configured
// retry interval can kick in.
type sessionEnd struct {
	err      *Error
	deliber  bool
	terminal bool
}

// outFrame is one frame queued for the write loop.
type outFrame struct {
	ft      frameType
	payload []byte
}

// peerSession drives one TCP peering: dial or accept, handshake,
// filter exchange, data forwarding, heartbeat, teardown and retry.
type peerSession struct {
	ep       *Endpoint
	network  NetworkInfo
	outbound bool
	retry    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{} // closed when the session goroutine returns

	outgoing chan outFrame

	mu          sync.Mutex
	status      PeerStatus
	remote      uuid.UUID
	pingCounter uint64

	firstOnce sync.Once
	firstErr  error
	firstDone chan struct{} // closed with the first handshake outcome

	unpeerOnce sync.Once
	unpeering  chan struct{} // closed on deliberate local unpeer
}

func newPeerSession(ep *Endpoint, network NetworkInfo, outbound bool, retry time.Duration) *peerSession {
	ctx, cancel := context.WithCancel(ep.ctx)
	return &peerSession{
		ep:        ep,
		network:   network,
		outbound:  outbound,
		retry:     retry,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
		outgoing:  make(chan outFrame, 256),
		status:    PeerStatusInitialized,
		firstDone: make(chan struct{}),
		unpeering: make(chan struct{}),
	}
}

func (s *peerSession) setStatus(st PeerStatus) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}

func (s *peerSession) currentStatus() PeerStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

func (s *peerSession) remoteID() uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.remote
}

func (s *peerSession) deliverFirst(err error) {
	s.firstOnce.Do(func() {
		s.firstErr = err
		close(s.firstDone)
	})
}

// waitFirst blocks until the first handshake outcome: nil once
// peered, the typed error on terminal failure, ErrClosed if the
// session went away before either.
func (s *peerSession) waitFirst(ctx context.Context) error {
	select {
	case <-s.firstDone:
		return s.firstErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *peerSession) isUnpeering() bool {
	select {
	case <-s.unpeering:
		return true
	default:
		return false
	}
}

// unpeer initiates a deliberate local teardown: a GOODBYE is flushed
// and the session never reconnects. Idempotent.
func (s *peerSession) unpeer() {
	s.unpeerOnce.Do(func() {
		close(s.unpeering)
		if s.currentStatus() != PeerStatusPeered {
			// Not on a live connection; abort dialing or retrying.
			s.cancel()
			return
		}
		select {
		case s.outgoing <- outFrame{ft: frameGoodbye, payload: marshalGoodbye(goodbyeUnpeer)}:
		default:
			// Write queue jammed; the remote sees the socket close
			// instead of a farewell.
			s.cancel()
		}
	})
}

// enqueue hands a frame to the write loop, blocking while the queue
// is full so per-session frame order is preserved.
func (s *peerSession) enqueue(f outFrame) bool {
	select {
	case s.outgoing <- f:
		return true
	case <-s.ctx.Done():
		return false
	case <-s.done:
		return false
	}
}

// sendData queues a DATA frame carrying pre-encoded value bytes.
func (s *peerSession) sendData(t topic.Topic, raw []byte, hasHop bool, hop uint8) bool {
	d := dataPayload{topic: t, raw: raw, hasHop: hasHop, hop: hop}
	return s.enqueue(outFrame{ft: frameData, payload: d.marshal()})
}

// sendFilter queues a FILTER_UPDATE carrying the aggregate filter.
func (s *peerSession) sendFilter(f topic.Filter) bool {
	return s.enqueue(outFrame{ft: frameFilterUpdate, payload: filterValue(f).Encode()})
}

// run drives an outbound session through connect/handshake/retry
// until it is terminally disconnected. Inbound sessions use
// runAccepted instead.
func (s *peerSession) run() {
	defer close(s.done)
	defer s.ep.wg.Done()
	addr := net.JoinHostPort(s.network.Host, strconv.Itoa(int(s.network.Port)))
	first := true
	for {
		if first {
			s.setStatus(PeerStatusConnecting)
			first = false
		} else {
			s.setStatus(PeerStatusReconnecting)
		}
		conn, err := s.ep.dialer.DialContext(s.ctx, "tcp", addr)
		if err != nil {
			if s.ctx.Err() != nil || s.isUnpeering() {
				s.finish(nil)
				return
			}
			connErr := newError(PeerUnavailable, "cannot connect to %s: %v", s.network, err)
			s.ep.emitEvent(connErr)
			if s.retry > 0 {
				if !s.sleepRetry() {
					s.finish(nil)
					return
				}
				continue
			}
			s.finish(connErr)
			return
		}
		end := s.runConn(conn)
		if s.ctx.Err() != nil || s.isUnpeering() || end.terminal || end.deliber {
			s.finish(end.err)
			return
		}
		if s.retry > 0 {
			if !s.sleepRetry() {
				s.finish(nil)
				return
			}
			continue
		}
		s.finish(end.err)
		return
	}
}

// runAccepted drives an inbound session for its single connection.
func (s *peerSession) runAccepted(conn net.Conn) {
	defer close(s.done)
	defer s.ep.wg.Done()
	end := s.runConn(conn)
	s.finish(end.err)
}

// finish marks the session terminally disconnected and resolves the
// blocking Peer form.
func (s *peerSession) finish(err *Error) {
	s.setStatus(PeerStatusDisconnected)
	if err != nil {
		s.deliverFirst(err)
	} else {
		s.deliverFirst(ErrClosed)
	}
	s.cancel()
}

// sleepRetry waits out the retry interval; false means the session
// was cancelled or unpeered meanwhile.
func (s *peerSession) sleepRetry() bool {
	t := s.ep.clock.Timer(s.retry)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.ctx.Done():
		return false
	case <-s.unpeering:
		return false
	}
}

// runConn performs the handshake and runs the read/write loops for
// one established connection.
func (s *peerSession) runConn(conn net.Conn) sessionEnd {
	defer conn.Close()

	s.setStatus(PeerStatusHandshaking)
	maxBytes := s.ep.cfg.MaxFrameBytes
	hello := helloPayload{version: ProtocolVersion, id: s.ep.id, filter: s.ep.aggregateFilter()}

	// Both sides send HELLO first: the connector right after the TCP
	// connect, the acceptor upon receiving the peer's HELLO.
	var remote helloPayload
	if s.outbound {
		if err := writeFrame(conn, frameHello, hello.marshal(), maxBytes); err != nil {
			return s.handshakeDrop(err)
		}
		h, end := s.readHello(conn, maxBytes)
		if end != nil {
			return *end
		}
		remote = h
	} else {
		h, end := s.readHello(conn, maxBytes)
		if end != nil {
			return *end
		}
		remote = h
		if err := writeFrame(conn, frameHello, hello.marshal(), maxBytes); err != nil {
			return s.handshakeDrop(err)
		}
	}

	if remote.version != ProtocolVersion {
		err := newError(PeerIncompatible, "peer %s speaks protocol version %d, need %d",
			s.network, remote.version, ProtocolVersion)
		s.ep.emitEvent(err)
		return sessionEnd{err: err, terminal: true}
	}
	if remote.id == s.ep.id {
		err := newError(PeerInvalid, "connection to self via %s", s.network)
		s.ep.emitEvent(err)
		return sessionEnd{err: err, terminal: true}
	}

	// Register with the endpoint: installs the routing entry, emits
	// peer_added and rejects a second session to the same endpoint.
	if err := s.ep.sessionUp(s, remote.id, remote.filter); err != nil {
		s.ep.emitEvent(err)
		return sessionEnd{err: err, terminal: true}
	}
	s.mu.Lock()
	s.remote = remote.id
	s.status = PeerStatusPeered
	s.mu.Unlock()
	s.deliverFirst(nil)
	s.ep.log.Debug("peered",
		zap.String("remote", remote.id.String()),
		zap.String("addr", s.network.String()),
		zap.Bool("outbound", s.outbound))

	// The aggregate filter travels again after every (re)connect so a
	// FILTER_UPDATE lost with a dead connection cannot linger.
	s.sendFilter(s.ep.aggregateFilter())

	ctx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	endCh := make(chan sessionEnd, 2)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		endCh <- s.readLoop(ctx, conn, maxBytes)
		return errLoopDone
	})
	g.Go(func() error {
		endCh <- s.writeLoop(ctx, conn)
		return errLoopDone
	})
	_ = g.Wait()

	end := <-endCh
	s.ep.sessionDown(s, remote.id, end)
	return end
}

// errLoopDone tears down the sibling loop through the errgroup
// context once either loop exits.
var errLoopDone = errors.New("broker: session loop done")

// handshakeDrop classifies an IO failure before peering completed.
func (s *peerSession) handshakeDrop(err error) sessionEnd {
	if s.ctx.Err() != nil || s.isUnpeering() {
		return sessionEnd{deliber: s.isUnpeering()}
	}
	connErr := newError(PeerUnavailable, "handshake with %s failed: %v", s.network, err)
	s.ep.emitEvent(connErr)
	return sessionEnd{err: connErr}
}

func (s *peerSession) readHello(conn net.Conn, maxBytes uint32) (helloPayload, *sessionEnd) {
	conn.SetReadDeadline(time.Now().Add(s.ep.cfg.HandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})
	ft, payload, err := readFrame(conn, maxBytes)
	if err != nil {
		var frameErr *Error
		if errors.As(err, &frameErr) {
			s.ep.emitEvent(frameErr)
			return helloPayload{}, &sessionEnd{err: frameErr, terminal: true}
		}
		end := s.handshakeDrop(err)
		return helloPayload{}, &end
	}
	if ft != frameHello {
		protoErr := newError(PeerIncompatible, "expected HELLO from %s, got %s", s.network, ft)
		s.ep.emitEvent(protoErr)
		return helloPayload{}, &sessionEnd{err: protoErr, terminal: true}
	}
	h, err := unmarshalHello(payload)
	if err != nil {
		frameErr := asBrokerError(err)
		s.ep.emitEvent(frameErr)
		return helloPayload{}, &sessionEnd{err: frameErr, terminal: true}
	}
	return h, nil
}

// asBrokerError coerces an error into the typed form for the bus.
func asBrokerError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return newError(InvalidData, "%v", err)
}

// readLoop consumes inbound frames until error, timeout or cancel.
func (s *peerSession) readLoop(ctx context.Context, conn net.Conn, maxBytes uint32) sessionEnd {
	for {
		conn.SetReadDeadline(time.Now().Add(s.ep.cfg.KeepaliveTimeout))
		ft, payload, err := readFrame(conn, maxBytes)
		if err != nil {
			if ctx.Err() != nil || s.isUnpeering() {
				return sessionEnd{deliber: s.isUnpeering()}
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				toErr := newError(PeerTimeout, "no frame from %s for %v", s.network, s.ep.cfg.KeepaliveTimeout)
				s.ep.emitEvent(toErr)
				return sessionEnd{err: toErr}
			}
			var frameErr *Error
			if errors.As(err, &frameErr) {
				s.ep.emitEvent(frameErr)
				return sessionEnd{err: newError(PeerIncompatible, "framing violation by %s", s.network), terminal: true}
			}
			s.ep.log.Debug("connection dropped",
				zap.String("addr", s.network.String()), zap.Error(err))
			return sessionEnd{}
		}
		switch ft {
		case frameData:
			arena := data.NewArena()
			d, err := unmarshalData(payload, arena)
			if err != nil {
				s.ep.emitEvent(asBrokerError(err))
				return sessionEnd{err: newError(PeerIncompatible, "undecodable DATA from %s", s.network), terminal: true}
			}
			s.ep.inboundData(s, d)
		case frameFilterUpdate:
			f, err := filterFromBytes(payload)
			if err != nil {
				s.ep.emitEvent(asBrokerError(err))
				return sessionEnd{err: newError(PeerIncompatible, "undecodable FILTER_UPDATE from %s", s.network), terminal: true}
			}
			s.ep.peerFilterUpdate(s, f)
		case framePing:
			counter, err := unmarshalCounter(payload)
			if err != nil {
				return sessionEnd{err: newError(PeerIncompatible, "malformed PING from %s", s.network), terminal: true}
			}
			s.enqueue(outFrame{ft: framePong, payload: marshalCounter(counter)})
		case framePong:
			// Any inbound frame already refreshed the liveness window.
		case frameGoodbye:
			if _, err := unmarshalGoodbye(payload); err != nil {
				return sessionEnd{err: newError(PeerIncompatible, "malformed GOODBYE from %s", s.network), terminal: true}
			}
			return sessionEnd{deliber: true}
		case frameHello:
			return sessionEnd{err: newError(PeerIncompatible, "unexpected HELLO from %s after handshake", s.network), terminal: true}
		default:
			return sessionEnd{err: newError(PeerIncompatible, "unknown frame 0x%02x from %s", uint8(ft), s.network), terminal: true}
		}
	}
}

// writeLoop serializes outbound frames and keeps the link warm with
// PINGs when idle.
func (s *peerSession) writeLoop(ctx context.Context, conn net.Conn) sessionEnd {
	ticker := s.ep.clock.Ticker(s.ep.cfg.KeepaliveInterval)
	defer ticker.Stop()
	lastSent := s.ep.clock.Now()
	maxBytes := s.ep.cfg.MaxFrameBytes
	for {
		select {
		case <-ctx.Done():
			return sessionEnd{deliber: s.isUnpeering()}
		case f := <-s.outgoing:
			if err := writeFrame(conn, f.ft, f.payload, maxBytes); err != nil {
				if s.isUnpeering() {
					return sessionEnd{deliber: true}
				}
				return sessionEnd{}
			}
			lastSent = s.ep.clock.Now()
			if f.ft == frameGoodbye {
				return sessionEnd{deliber: true}
			}
		case <-ticker.C:
			if s.ep.clock.Since(lastSent) < s.ep.cfg.KeepaliveInterval {
				continue
			}
			s.mu.Lock()
			s.pingCounter++
			counter := s.pingCounter
			s.mu.Unlock()
			if err := writeFrame(conn, framePing, marshalCounter(counter), maxBytes); err != nil {
				if s.isUnpeering() {
					return sessionEnd{deliber: true}
				}
				return sessionEnd{}
			}
			lastSent = s.ep.clock.Now()
		}
	}
}

// info snapshots the session for Peers().
func (s *peerSession) info(filter topic.Filter) PeerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	return PeerInfo{
		ID:         s.remote,
		Address:    s.network,
		Filter:     filter,
		Status:     s.status,
		IsOutbound: s.outbound,
	}
}
