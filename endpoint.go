// Copyright 2025 The Broker Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package broker

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/ckreibich/broker/data"
	"github.com/ckreibich/broker/topic"
)

// Endpoint is a process-local participant in the mesh. It owns the
// routing table, all peer sessions and the listener, and serializes
// every mutation of that state on a single run loop: public methods
// post commands and, when a result is needed, wait on a reply
// channel. This yields one consistent ordering per endpoint without
// user-visible locks.
type Endpoint struct {
	id      uuid.UUID
	cfg     Config
	log     *zap.Logger
	clock   clock.Clock
	metrics *metrics
	bus     *statusBus
	dialer  net.Dialer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	commands chan command
	loopDone chan struct{}

	// Owned by the run loop.
	rt       *routingTable
	outbound map[string]*peerSession

	filterMu  sync.Mutex
	aggregate topic.Filter // mirror of rt.aggregate for session handshakes

	listenMu sync.Mutex
	listener net.Listener

	closeOnce sync.Once
	closeErr  error
}

// Commands consumed by the run loop.
type command interface{ isCommand() }

type cmdPublish struct {
	msg Message
}

type cmdInbound struct {
	s *peerSession
	d dataPayload
}

type cmdSubscribe struct {
	sub    *Subscriber
	filter topic.Filter
	reply  chan struct{}
}

type cmdUnsubscribe struct {
	sub   *Subscriber
	reply chan struct{}
}

type cmdAddTopic struct {
	sub   *Subscriber
	t     topic.Topic
	reply chan struct{}
}

type cmdRemoveTopic struct {
	sub   *Subscriber
	t     topic.Topic
	reply chan struct{}
}

type cmdGetFilter struct {
	sub   *Subscriber
	reply chan topic.Filter
}

type cmdPeer struct {
	network NetworkInfo
	retry   time.Duration
	reply   chan *peerSession
}

type cmdUnpeer struct {
	network NetworkInfo
	reply   chan *Error
}

type cmdSessionUp struct {
	s      *peerSession
	id     uuid.UUID
	filter topic.Filter
	reply  chan *Error
}

type cmdSessionDown struct {
	s   *peerSession
	id  uuid.UUID
	end sessionEnd
}

type cmdPeerFilter struct {
	s *peerSession
	f topic.Filter
}

type cmdPeers struct {
	reply chan []PeerInfo
}

type cmdPeerSubs struct {
	reply chan topic.Filter
}

func (cmdPublish) isCommand()     {}
func (cmdInbound) isCommand()     {}
func (cmdSubscribe) isCommand()   {}
func (cmdUnsubscribe) isCommand() {}
func (cmdAddTopic) isCommand()    {}
func (cmdRemoveTopic) isCommand() {}
func (cmdGetFilter) isCommand()   {}
func (cmdPeer) isCommand()        {}
func (cmdUnpeer) isCommand()      {}
func (cmdSessionUp) isCommand()   {}
func (cmdSessionDown) isCommand() {}
func (cmdPeerFilter) isCommand()  {}
func (cmdPeers) isCommand()       {}
func (cmdPeerSubs) isCommand()    {}

// NewEndpoint creates an endpoint and starts its run loop. The
// endpoint is inert on the network until Listen or Peer is called.
func NewEndpoint(opts ...Option) *Endpoint {
	ctx, cancel := context.WithCancel(context.Background())
	ep := &Endpoint{
		clock:    clock.New(),
		ctx:      ctx,
		cancel:   cancel,
		commands: make(chan command, 128),
		loopDone: make(chan struct{}),
		rt:       newRoutingTable(),
		outbound: make(map[string]*peerSession),
	}
	for _, opt := range opts {
		opt(ep)
	}
	ep.cfg.setDefaults()
	if ep.id = ep.cfg.EndpointID; ep.id == uuid.Nil {
		ep.id = uuid.New()
	}
	if ep.log == nil {
		ep.log = zap.NewNop()
	}
	ep.log = ep.log.With(zap.String("endpoint", ep.id.String()))
	ep.bus = newStatusBus(func() { ep.metrics.incDroppedStatus() })
	ep.wg.Add(1)
	go ep.runLoop()
	return ep
}

// ID returns the endpoint's stable 128-bit identity.
func (ep *Endpoint) ID() uuid.UUID { return ep.id }

// post hands a command to the run loop, blocking while the command
// channel is full. It fails once the endpoint is closing.
func (ep *Endpoint) post(cmd command) error {
	if ep.ctx.Err() != nil {
		return ErrClosed
	}
	select {
	case ep.commands <- cmd:
		return nil
	case <-ep.ctx.Done():
		return ErrClosed
	}
}

func (ep *Endpoint) runLoop() {
	defer ep.wg.Done()
	defer close(ep.loopDone)
	for {
		select {
		case cmd := <-ep.commands:
			ep.handle(cmd)
		case <-ep.ctx.Done():
			for _, le := range ep.rt.locals {
				le.sub.q.markClosed()
			}
			ep.bus.close()
			return
		}
	}
}

func (ep *Endpoint) handle(cmd command) {
	switch c := cmd.(type) {
	case cmdPublish:
		ep.metrics.incPublished()
		ep.dispatch(c.msg, nil, uuid.Nil, false, 0)
	case cmdInbound:
		id := c.s.remoteID()
		pe, ok := ep.rt.peers[id]
		if !ok || pe.session != c.s {
			// Session lost its peered status while the frame was in
			// flight; drop rather than deliver from a dead peer.
			return
		}
		ep.metrics.incReceived()
		msg := Message{Topic: c.d.topic, Value: c.d.value}
		ep.dispatch(msg, c.d.raw, id, c.d.hasHop, c.d.hop)
	case cmdSubscribe:
		if ep.rt.addLocal(c.sub, c.filter) {
			ep.filterChanged()
		}
		c.reply <- struct{}{}
	case cmdUnsubscribe:
		if ep.rt.removeLocal(c.sub) {
			ep.filterChanged()
		}
		c.reply <- struct{}{}
	case cmdAddTopic:
		f := ep.rt.localFilter(c.sub)
		if ep.rt.updateLocal(c.sub, f.Insert(c.t)) {
			ep.filterChanged()
		}
		c.reply <- struct{}{}
	case cmdRemoveTopic:
		f := ep.rt.localFilter(c.sub)
		if ep.rt.updateLocal(c.sub, f.Remove(c.t)) {
			ep.filterChanged()
		}
		c.reply <- struct{}{}
	case cmdGetFilter:
		c.reply <- ep.rt.localFilter(c.sub).Clone()
	case cmdPeer:
		key := c.network.String()
		if s, ok := ep.outbound[key]; ok {
			c.reply <- s
			return
		}
		s := newPeerSession(ep, c.network, true, c.retry)
		ep.outbound[key] = s
		ep.wg.Add(1)
		go s.run()
		c.reply <- s
	case cmdUnpeer:
		key := c.network.String()
		s, ok := ep.outbound[key]
		if !ok {
			err := newError(PeerInvalid, "no peering with %s", c.network)
			ep.emitEvent(err)
			c.reply <- err
			return
		}
		delete(ep.outbound, key)
		id := s.remoteID()
		if pe, exists := ep.rt.peers[id]; exists && pe.session == s {
			ep.rt.removePeer(id)
			ep.metrics.peersDelta(-1)
		}
		s.unpeer()
		ep.emitEvent(&Status{Code: PeerRemoved, PeerID: id, Network: &s.network,
			Message: "peering removed"})
		c.reply <- nil
	case cmdSessionUp:
		if _, exists := ep.rt.peers[c.id]; exists {
			c.reply <- newError(PeerInvalid, "already peered with endpoint %s", c.id)
			return
		}
		ep.rt.addPeer(c.id, c.s, c.filter)
		ep.metrics.peersDelta(1)
		ep.emitEvent(&Status{Code: PeerAdded, PeerID: c.id, Network: &c.s.network,
			Message: "handshake complete"})
		c.reply <- nil
	case cmdSessionDown:
		if pe, exists := ep.rt.peers[c.id]; exists && pe.session == c.s {
			ep.rt.removePeer(c.id)
			ep.metrics.peersDelta(-1)
			if !c.s.isUnpeering() {
				ep.emitEvent(&Status{Code: PeerLost, PeerID: c.id, Network: &c.s.network,
					Message: "session ended"})
			}
		}
	case cmdPeerFilter:
		id := c.s.remoteID()
		if pe, ok := ep.rt.peers[id]; ok && pe.session == c.s {
			ep.rt.setPeerFilter(id, c.f)
		}
	case cmdPeers:
		infos := make([]PeerInfo, 0, len(ep.outbound)+len(ep.rt.peers))
		for _, s := range ep.outbound {
			var f topic.Filter
			if pe, ok := ep.rt.peers[s.remoteID()]; ok && pe.session == s {
				f = pe.filter.Clone()
			}
			infos = append(infos, s.info(f))
		}
		for _, pe := range ep.rt.peers {
			if pe.session.outbound {
				continue
			}
			infos = append(infos, pe.session.info(pe.filter.Clone()))
		}
		c.reply <- infos
	case cmdPeerSubs:
		c.reply <- ep.rt.peerFilters()
	}
}

// dispatch delivers a message to every covering local queue and
// forwards it to every covering peer session except the source. raw
// carries the already encoded value of a forwarded frame; locally
// published messages encode lazily, once, when the first peer needs
// the bytes.
func (ep *Endpoint) dispatch(msg Message, raw []byte, source uuid.UUID, hasHop bool, hop uint8) {
	for _, le := range ep.rt.locals {
		if !le.filter.Covers(msg.Topic) {
			continue
		}
		ep.pushLocal(le.sub.q, msg)
	}
	fromPeer := source != uuid.Nil
	fwdHop := hop
	if hasHop && fromPeer {
		if hop <= 1 {
			return // out of hops; local delivery above still happened
		}
		fwdHop = hop - 1
	} else if ep.cfg.EnableHopTTL && !fromPeer {
		hasHop = true
		fwdHop = ep.cfg.MaxHops
	}
	for id, pe := range ep.rt.peers {
		if fromPeer && id == source {
			continue
		}
		if !pe.filter.Covers(msg.Topic) {
			continue
		}
		if raw == nil {
			raw = msg.Value.Encode()
		}
		if pe.session.sendData(msg.Topic, raw, hasHop, fwdHop) {
			ep.metrics.incForwarded()
		}
	}
}

// pushLocal delivers one message to a subscriber queue under the
// overload policy: block up to EnqueueTimeout on a full queue, then
// drop the message for that subscriber and count it. The bound keeps
// a stalled consumer from wedging the serializer, and with it every
// other subscriber and session, indefinitely.
func (ep *Endpoint) pushLocal(q *queue, msg Message) {
	switch q.tryPush(msg) {
	case PushOK, PushClosed:
		// A closed queue is cleaned up by the next unsubscribe.
		return
	}
	ctx, cancel := context.WithTimeout(ep.ctx, ep.cfg.EnqueueTimeout)
	err := q.push(ctx, msg)
	cancel()
	if err == nil || errors.Is(err, ErrClosed) || ep.ctx.Err() != nil {
		return
	}
	ep.metrics.incDropped()
	ep.log.Warn("dropped message for slow subscriber",
		zap.String("topic", msg.Topic),
		zap.Duration("enqueue_timeout", ep.cfg.EnqueueTimeout))
}

// filterChanged refreshes the aggregate mirror and pushes the new
// aggregate to every peered session.
func (ep *Endpoint) filterChanged() {
	agg := ep.rt.aggregate.Clone()
	ep.filterMu.Lock()
	ep.aggregate = agg
	ep.filterMu.Unlock()
	for _, pe := range ep.rt.peers {
		pe.session.sendFilter(agg)
	}
}

// aggregateFilter returns the current canonical union of all local
// filters. Sessions read it during handshakes.
func (ep *Endpoint) aggregateFilter() topic.Filter {
	ep.filterMu.Lock()
	defer ep.filterMu.Unlock()
	return ep.aggregate.Clone()
}

func (ep *Endpoint) emitEvent(ev Event) {
	switch e := ev.(type) {
	case *Status:
		ep.log.Debug("status", zap.Stringer("code", e.Code), zap.String("peer", e.PeerID.String()))
	case *Error:
		ep.log.Warn("error", zap.Stringer("code", e.Code), zap.String("detail", e.Message))
	}
	ep.bus.emit(ev)
}

// Subscribe installs a local subscriber covering the given topic
// prefixes and returns its consumer handle. The registration is
// effective when Subscribe returns.
func (ep *Endpoint) Subscribe(topics ...topic.Topic) (*Subscriber, error) {
	return ep.SubscribeCapacity(0, topics...)
}

// SubscribeCapacity is Subscribe with an explicit queue capacity;
// zero means the configured default.
func (ep *Endpoint) SubscribeCapacity(capacity int, topics ...topic.Topic) (*Subscriber, error) {
	if capacity <= 0 {
		capacity = ep.cfg.DefaultQueueCapacity
	}
	q, err := newQueue(capacity)
	if err != nil {
		return nil, err
	}
	sub := &Subscriber{ep: ep, q: q}
	reply := make(chan struct{}, 1)
	if err := ep.post(cmdSubscribe{sub: sub, filter: topic.New(topics...), reply: reply}); err != nil {
		q.close()
		return nil, err
	}
	if !ep.awaitReply(reply) {
		q.close()
		return nil, ErrClosed
	}
	return sub, nil
}

func (ep *Endpoint) awaitReply(reply chan struct{}) bool {
	select {
	case <-reply:
		return true
	case <-ep.loopDone:
		return false
	}
}

// Publish hands a message to the dispatch path. Messages from one
// goroutine reach any given local subscriber in publish order.
func (ep *Endpoint) Publish(t topic.Topic, v data.Value) error {
	if t == "" {
		return errors.New("broker: cannot publish to the empty topic")
	}
	return ep.post(cmdPublish{msg: Message{Topic: t, Value: v}})
}

// Listen binds the acceptor and returns the bound port, which is
// useful with port 0.
func (ep *Endpoint) Listen(host string, port uint16) (uint16, error) {
	ep.listenMu.Lock()
	defer ep.listenMu.Unlock()
	if ep.listener != nil {
		return 0, errors.New("broker: endpoint is already listening")
	}
	l, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(int(port))))
	if err != nil {
		return 0, fmt.Errorf("broker: could not listen on %s:%d: %w", host, port, err)
	}
	ep.listener = l
	ep.wg.Add(1)
	go ep.accept(l)
	bound := uint16(l.Addr().(*net.TCPAddr).Port)
	ep.log.Info("listening", zap.String("addr", l.Addr().String()))
	return bound, nil
}

func (ep *Endpoint) accept(l net.Listener) {
	defer ep.wg.Done()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ep.ctx.Err() != nil {
				return
			}
			select {
			case <-ep.ctx.Done():
				return
			default:
			}
			ep.log.Debug("accept failed", zap.Error(err))
			continue
		}
		network := networkInfoFromAddr(conn.RemoteAddr())
		s := newPeerSession(ep, network, false, 0)
		ep.wg.Add(1)
		go s.runAccepted(conn)
	}
}

func networkInfoFromAddr(addr net.Addr) NetworkInfo {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return NetworkInfo{Host: tcp.IP.String(), Port: uint16(tcp.Port)}
	}
	host, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		return NetworkInfo{Host: addr.String()}
	}
	port, _ := strconv.Atoi(portStr)
	return NetworkInfo{Host: host, Port: uint16(port)}
}

// Peer initiates an outbound session and blocks until the first
// handshake outcome: nil once peered, the typed error on a terminal
// failure, or the context error. With a retry interval the call keeps
// waiting across failed attempts until the handshake lands or ctx
// expires.
func (ep *Endpoint) Peer(ctx context.Context, host string, port uint16, retry time.Duration) error {
	s, err := ep.startPeering(host, port, retry)
	if err != nil {
		return err
	}
	return s.waitFirst(ctx)
}

// PeerNoSync initiates an outbound session without waiting for the
// handshake. Progress is reported on the status bus.
func (ep *Endpoint) PeerNoSync(host string, port uint16, retry time.Duration) error {
	_, err := ep.startPeering(host, port, retry)
	return err
}

func (ep *Endpoint) startPeering(host string, port uint16, retry time.Duration) (*peerSession, error) {
	if retry == 0 {
		retry = ep.cfg.RetryInterval
	}
	if retry < 0 {
		retry = 0
	}
	reply := make(chan *peerSession, 1)
	cmd := cmdPeer{network: NetworkInfo{Host: host, Port: port}, retry: retry, reply: reply}
	if err := ep.post(cmd); err != nil {
		return nil, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-ep.loopDone:
		return nil, ErrClosed
	}
}

// Unpeer tears down the outbound peering with the given address. The
// local side emits peer_removed; an unknown address yields
// peer_invalid and leaves no record.
func (ep *Endpoint) Unpeer(host string, port uint16) error {
	reply := make(chan *Error, 1)
	if err := ep.post(cmdUnpeer{network: NetworkInfo{Host: host, Port: port}, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		if err != nil {
			return err
		}
		return nil
	case <-ep.loopDone:
		return ErrClosed
	}
}

// Peers snapshots all known peer sessions.
func (ep *Endpoint) Peers() []PeerInfo {
	reply := make(chan []PeerInfo, 1)
	if err := ep.post(cmdPeers{reply: reply}); err != nil {
		return nil
	}
	select {
	case infos := <-reply:
		return infos
	case <-ep.loopDone:
		return nil
	}
}

// PeerSubscriptions returns the union of the filters received from
// all peered sessions.
func (ep *Endpoint) PeerSubscriptions() topic.Filter {
	reply := make(chan topic.Filter, 1)
	if err := ep.post(cmdPeerSubs{reply: reply}); err != nil {
		return nil
	}
	select {
	case f := <-reply:
		return f
	case <-ep.loopDone:
		return nil
	}
}

// StatusSubscriber attaches a consumer to the status bus. With
// includeErrors, error events are delivered too.
func (ep *Endpoint) StatusSubscriber(includeErrors bool) *StatusSubscriber {
	return ep.bus.subscribe(includeErrors, ep.cfg.StatusQueueCapacity)
}

// AwaitPeer blocks until a session with the given endpoint id is
// peered, or ctx is done.
func (ep *Endpoint) AwaitPeer(ctx context.Context, id uuid.UUID) error {
	sub := ep.StatusSubscriber(false)
	defer sub.Close()
	for _, pi := range ep.Peers() {
		if pi.ID == id && pi.Status == PeerStatusPeered {
			return nil
		}
	}
	for {
		ev, err := sub.Get(ctx)
		if err != nil {
			return err
		}
		if st, ok := ev.(*Status); ok && st.Code == PeerAdded && st.PeerID == id {
			return nil
		}
	}
}

// Session-facing helpers. These post loop commands and therefore
// never race with dispatch.

func (ep *Endpoint) sessionUp(s *peerSession, id uuid.UUID, filter topic.Filter) *Error {
	reply := make(chan *Error, 1)
	if err := ep.post(cmdSessionUp{s: s, id: id, filter: filter, reply: reply}); err != nil {
		return newError(PeerInvalid, "endpoint closed")
	}
	select {
	case err := <-reply:
		return err
	case <-ep.loopDone:
		return newError(PeerInvalid, "endpoint closed")
	}
}

func (ep *Endpoint) sessionDown(s *peerSession, id uuid.UUID, end sessionEnd) {
	_ = ep.post(cmdSessionDown{s: s, id: id, end: end})
}

func (ep *Endpoint) inboundData(s *peerSession, d dataPayload) {
	_ = ep.post(cmdInbound{s: s, d: d})
}

func (ep *Endpoint) peerFilterUpdate(s *peerSession, f topic.Filter) {
	_ = ep.post(cmdPeerFilter{s: s, f: f})
}

// Subscriber-facing helpers.

func (ep *Endpoint) subscriberFilter(s *Subscriber) topic.Filter {
	reply := make(chan topic.Filter, 1)
	if err := ep.post(cmdGetFilter{sub: s, reply: reply}); err != nil {
		return nil
	}
	select {
	case f := <-reply:
		return f
	case <-ep.loopDone:
		return nil
	}
}

func (ep *Endpoint) subscriberAddTopic(s *Subscriber, t topic.Topic) error {
	reply := make(chan struct{}, 1)
	if err := ep.post(cmdAddTopic{sub: s, t: t, reply: reply}); err != nil {
		return err
	}
	if !ep.awaitReply(reply) {
		return ErrClosed
	}
	return nil
}

func (ep *Endpoint) subscriberRemoveTopic(s *Subscriber, t topic.Topic) error {
	reply := make(chan struct{}, 1)
	if err := ep.post(cmdRemoveTopic{sub: s, t: t, reply: reply}); err != nil {
		return err
	}
	if !ep.awaitReply(reply) {
		return ErrClosed
	}
	return nil
}

func (ep *Endpoint) subscriberClose(s *Subscriber) {
	reply := make(chan struct{}, 1)
	if err := ep.post(cmdUnsubscribe{sub: s, reply: reply}); err != nil {
		return
	}
	ep.awaitReply(reply)
}

// Close shuts the endpoint down: all sessions stop, local queues are
// closed for producers, and the status bus closes. Idempotent.
func (ep *Endpoint) Close() error {
	ep.closeOnce.Do(func() {
		ep.cancel()
		ep.listenMu.Lock()
		l := ep.listener
		ep.listenMu.Unlock()
		var err error
		if l != nil {
			if cerr := l.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
				err = multierr.Append(err, cerr)
			}
		}
		ep.wg.Wait()
		ep.closeErr = err
		ep.log.Info("endpoint closed")
	})
	return ep.closeErr
}
