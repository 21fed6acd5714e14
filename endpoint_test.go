// Copyright 2025 The Broker Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package broker

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/ckreibich/broker/data"
	"github.com/ckreibich/broker/internal/testutil"
	"github.com/ckreibich/broker/topic"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func newTestEndpoint(t *testing.T) *Endpoint {
	t.Helper()
	ep := NewEndpoint()
	t.Cleanup(func() { ep.Close() })
	return ep
}

// waitCovered waits until the endpoint has received peer filters
// covering every given topic.
func waitCovered(t *testing.T, ep *Endpoint, topics ...topic.Topic) {
	t.Helper()
	testutil.WaitWithTimeout(t, func() bool {
		f := ep.PeerSubscriptions()
		for _, tp := range topics {
			if !f.Covers(tp) {
				return false
			}
		}
		return true
	}, 10*time.Second, 5*time.Millisecond)
}

func peeredCount(ep *Endpoint) int {
	n := 0
	for _, pi := range ep.Peers() {
		if pi.Status == PeerStatusPeered {
			n++
		}
	}
	return n
}

// collectCodes drains currently available status events into a list
// of code names.
func collectCodes(sub *StatusSubscriber) []string {
	var codes []string
	for {
		ev, ok := sub.TryGet()
		if !ok {
			return codes
		}
		switch e := ev.(type) {
		case *Status:
			codes = append(codes, e.Code.String())
		case *Error:
			codes = append(codes, e.Code.String())
		}
	}
}

func TestEndpointIdentity(t *testing.T) {
	ep := newTestEndpoint(t)
	require.NotEqual(t, uuid.Nil, ep.ID())

	pinned := uuid.New()
	ep2 := NewEndpoint(WithEndpointID(pinned))
	defer ep2.Close()
	require.Equal(t, pinned, ep2.ID())
}

func TestLocalPubSub(t *testing.T) {
	ctx := testContext(t)
	ep := newTestEndpoint(t)
	sub, err := ep.Subscribe("alerts")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, ep.Publish("alerts/scan", data.Str("ping sweep")))
	m, err := sub.Pop(ctx)
	require.NoError(t, err)
	require.Equal(t, topic.Topic("alerts/scan"), m.Topic)
	require.Equal(t, "ping sweep", m.Value.Str())

	// A topic outside the filter is not delivered.
	require.NoError(t, ep.Publish("noise", data.Int(1)))
	require.NoError(t, ep.Publish("alerts/other", data.Int(2)))
	m, err = sub.Pop(ctx)
	require.NoError(t, err)
	require.Equal(t, topic.Topic("alerts/other"), m.Topic)
}

func TestPublishEmptyTopic(t *testing.T) {
	ep := newTestEndpoint(t)
	require.Error(t, ep.Publish("", data.None()))
}

// TestTrianglePrefixRouting is the three-node scenario: V and E peer
// to M; V subscribes to the broader prefix and sees everything, E
// only the errors subtree. M itself receives nothing.
func TestTrianglePrefixRouting(t *testing.T) {
	ctx := testContext(t)
	m := newTestEndpoint(t)
	v := newTestEndpoint(t)
	e := newTestEndpoint(t)

	port, err := m.Listen("127.0.0.1", 0)
	require.NoError(t, err)

	mSub, err := m.Subscribe() // no topics: must receive nothing
	require.NoError(t, err)
	defer mSub.Close()
	vSub, err := v.Subscribe("zeek/events")
	require.NoError(t, err)
	defer vSub.Close()
	eSub, err := e.Subscribe("zeek/events/errors")
	require.NoError(t, err)
	defer eSub.Close()

	require.NoError(t, v.Peer(ctx, "127.0.0.1", port, 0))
	require.NoError(t, e.Peer(ctx, "127.0.0.1", port, 0))
	testutil.WaitWithTimeout(t, func() bool { return peeredCount(m) == 2 }, 10*time.Second, 5*time.Millisecond)
	waitCovered(t, m, "zeek/events", "zeek/events/errors")

	require.NoError(t, m.Publish("zeek/events/errors", data.Str("oops")))
	require.NoError(t, m.Publish("zeek/events/errors", data.Str("sorry!")))
	require.NoError(t, m.Publish("zeek/events/data", data.Int(123)))
	require.NoError(t, m.Publish("zeek/events/data", data.Int(456)))

	wantV := []Message{
		{Topic: "zeek/events/errors", Value: data.Str("oops")},
		{Topic: "zeek/events/errors", Value: data.Str("sorry!")},
		{Topic: "zeek/events/data", Value: data.Int(123)},
		{Topic: "zeek/events/data", Value: data.Int(456)},
	}
	for i, want := range wantV {
		got, err := vSub.Pop(ctx)
		require.NoError(t, err, "V message %d", i)
		require.Equal(t, want.Topic, got.Topic, "V message %d", i)
		require.True(t, data.Equal(want.Value, got.Value), "V message %d", i)
	}

	wantE := wantV[:2]
	for i, want := range wantE {
		got, err := eSub.Pop(ctx)
		require.NoError(t, err, "E message %d", i)
		require.Equal(t, want.Topic, got.Topic, "E message %d", i)
		require.True(t, data.Equal(want.Value, got.Value), "E message %d", i)
	}

	// Give stragglers a moment, then check nothing else arrived.
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, mSub.Available(), "M must not receive its own messages")
	require.Zero(t, vSub.Available())
	require.Zero(t, eSub.Available(), "E must not see the data topics")
}

// TestUnpeerEvents covers the deliberate-teardown status choreography
// and the invalid-unpeer cases.
func TestUnpeerEvents(t *testing.T) {
	ctx := testContext(t)
	m := newTestEndpoint(t)
	v := newTestEndpoint(t)
	e := newTestEndpoint(t)

	port, err := m.Listen("127.0.0.1", 0)
	require.NoError(t, err)
	require.NoError(t, v.Peer(ctx, "127.0.0.1", port, 0))
	require.NoError(t, e.Peer(ctx, "127.0.0.1", port, 0))
	testutil.WaitWithTimeout(t, func() bool { return peeredCount(m) == 2 }, 10*time.Second, 5*time.Millisecond)

	mStatus := m.StatusSubscriber(false)
	defer mStatus.Close()
	vStatus := v.StatusSubscriber(true)
	defer vStatus.Close()
	eStatus := e.StatusSubscriber(true)
	defer eStatus.Close()

	require.NoError(t, v.Unpeer("127.0.0.1", port))

	ev, err := vStatus.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, PeerRemoved, ev.(*Status).Code, "V must see peer_removed")
	require.Equal(t, m.ID(), ev.(*Status).PeerID)

	ev, err = mStatus.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, PeerLost, ev.(*Status).Code, "M must see peer_lost")
	require.Equal(t, v.ID(), ev.(*Status).PeerID)

	// A second unpeer of the same address is invalid.
	err = v.Unpeer("127.0.0.1", port)
	var berr *Error
	require.ErrorAs(t, err, &berr)
	require.Equal(t, PeerInvalid, berr.Code)
	ev, err = vStatus.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, PeerInvalid, ev.(*Error).Code)

	// Unpeering an address that was never peered is invalid, too.
	err = v.Unpeer("sun", 123)
	require.ErrorAs(t, err, &berr)
	require.Equal(t, PeerInvalid, berr.Code)

	// E saw none of it.
	time.Sleep(50 * time.Millisecond)
	require.Empty(t, collectCodes(eStatus))
}

// TestConnectRetry peers before the listener exists and expects
// peer_unavailable followed by peer_added once it appears.
func TestConnectRetry(t *testing.T) {
	ctx := testContext(t)
	m := newTestEndpoint(t)
	v := newTestEndpoint(t)

	port, err := testutil.GetAvailablePort()
	require.NoError(t, err)

	vStatus := v.StatusSubscriber(true)
	defer vStatus.Close()
	mStatus := m.StatusSubscriber(false)
	defer mStatus.Close()

	require.NoError(t, v.PeerNoSync("127.0.0.1", port, 100*time.Millisecond))

	// Let at least one connect attempt fail.
	testutil.WaitWithTimeout(t, func() bool {
		for _, pi := range v.Peers() {
			if pi.Status == PeerStatusReconnecting || pi.Status == PeerStatusConnecting {
				return true
			}
		}
		return false
	}, 5*time.Second, 5*time.Millisecond)
	time.Sleep(150 * time.Millisecond)

	_, err = m.Listen("127.0.0.1", port)
	require.NoError(t, err)

	require.NoError(t, v.AwaitPeer(ctx, m.ID()))
	ev, err := mStatus.Get(ctx)
	require.NoError(t, err)
	require.Equal(t, PeerAdded, ev.(*Status).Code, "M must see peer_added")

	codes := collectCodes(vStatus)
	sawUnavailable, sawAdded := false, false
	for _, c := range codes {
		switch c {
		case "peer_unavailable":
			require.False(t, sawAdded, "peer_unavailable after peer_added")
			sawUnavailable = true
		case "peer_added":
			sawAdded = true
		}
	}
	require.True(t, sawUnavailable, "V must report at least one failed attempt, got %v", codes)
	require.True(t, sawAdded, "V must eventually peer, got %v", codes)
}

// TestQueueBackpressure pushes 1000 messages through a capacity-4
// subscriber: the publisher stalls on the full queue, and no message
// is lost or reordered.
func TestQueueBackpressure(t *testing.T) {
	ctx := testContext(t)
	ep := newTestEndpoint(t)
	sub, err := ep.SubscribeCapacity(4, "load")
	require.NoError(t, err)
	defer sub.Close()

	const total = 1000
	pubDone := make(chan error, 1)
	go func() {
		for i := 0; i < total; i++ {
			if err := ep.Publish("load/test", data.Int(int64(i))); err != nil {
				pubDone <- err
				return
			}
		}
		pubDone <- nil
	}()

	for i := 0; i < total; i++ {
		m, err := sub.Pop(ctx)
		require.NoError(t, err, "message %d", i)
		require.EqualValues(t, i, m.Value.Int(), "messages must arrive in publish order")
		if i%97 == 0 {
			time.Sleep(time.Millisecond) // keep the consumer slow
		}
	}
	require.NoError(t, <-pubDone)
	require.Zero(t, sub.Available())
}

// TestStalledSubscriberDrops exercises the overload policy: a
// consumer that never drains stalls dispatch only for the enqueue
// timeout, after which its messages are dropped and counted while
// every other subscriber keeps receiving.
func TestStalledSubscriberDrops(t *testing.T) {
	ctx := testContext(t)
	ep := NewEndpoint(
		WithEnqueueTimeout(20*time.Millisecond),
		WithMetrics(prometheus.NewRegistry()),
	)
	t.Cleanup(func() { ep.Close() })

	stalled, err := ep.SubscribeCapacity(1, "load")
	require.NoError(t, err)
	defer stalled.Close()
	healthy, err := ep.SubscribeCapacity(32, "load")
	require.NoError(t, err)
	defer healthy.Close()

	const total = 10
	for i := 0; i < total; i++ {
		require.NoError(t, ep.Publish("load/test", data.Int(int64(i))))
	}

	// The healthy subscriber sees every message, in order, even
	// though the stalled one never popped.
	for i := 0; i < total; i++ {
		m, err := healthy.Pop(ctx)
		require.NoError(t, err, "message %d", i)
		require.EqualValues(t, i, m.Value.Int())
	}

	// The stalled queue kept its first message; the rest were
	// dropped for it once the timeout lapsed.
	require.Equal(t, 1, stalled.Available())
	require.EqualValues(t, total-1, promtestutil.ToFloat64(ep.metrics.dropped))

	// The serializer is not wedged: control commands still answer.
	require.NotNil(t, ep.Peers())
}

func TestFilterUpdateBeforePublish(t *testing.T) {
	ctx := testContext(t)
	ep := newTestEndpoint(t)
	sub, err := ep.Subscribe("a")
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, sub.AddTopic("b"))
	require.NoError(t, ep.Publish("b/x", data.Int(1)))
	m, err := sub.Pop(ctx)
	require.NoError(t, err)
	require.Equal(t, topic.Topic("b/x"), m.Topic)

	require.NoError(t, sub.RemoveTopic("b"))
	require.NoError(t, ep.Publish("b/y", data.Int(2)))
	require.NoError(t, ep.Publish("a/z", data.Int(3)))
	m, err = sub.Pop(ctx)
	require.NoError(t, err)
	require.Equal(t, topic.Topic("a/z"), m.Topic, "b/y must have been skipped")

	require.True(t, sub.Filter().Equal(topic.Filter{"a"}))
}

func TestFilterPropagationOnUnsubscribe(t *testing.T) {
	ctx := testContext(t)
	m := newTestEndpoint(t)
	v := newTestEndpoint(t)

	port, err := m.Listen("127.0.0.1", 0)
	require.NoError(t, err)
	sub, err := v.Subscribe("feed")
	require.NoError(t, err)
	require.NoError(t, v.Peer(ctx, "127.0.0.1", port, 0))
	waitCovered(t, m, "feed")

	sub.Close()
	testutil.WaitWithTimeout(t, func() bool {
		return !m.PeerSubscriptions().Covers("feed")
	}, 10*time.Second, 5*time.Millisecond)
}

func TestSelfPeerRejected(t *testing.T) {
	ctx := testContext(t)
	ep := newTestEndpoint(t)
	port, err := ep.Listen("127.0.0.1", 0)
	require.NoError(t, err)

	err = ep.Peer(ctx, "127.0.0.1", port, 0)
	var berr *Error
	require.ErrorAs(t, err, &berr)
	require.Equal(t, PeerInvalid, berr.Code)
}

func TestVersionMismatchRejected(t *testing.T) {
	ctx := testContext(t)
	m := newTestEndpoint(t)
	port, err := m.Listen("127.0.0.1", 0)
	require.NoError(t, err)

	mStatus := m.StatusSubscriber(true)
	defer mStatus.Close()

	conn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(int(port))))
	require.NoError(t, err)
	defer conn.Close()

	h := helloPayload{version: 99, id: uuid.New()}
	require.NoError(t, writeFrame(conn, frameHello, h.marshal(), DefaultMaxFrameBytes))

	for {
		ev, err := mStatus.Get(ctx)
		require.NoError(t, err)
		if e, ok := ev.(*Error); ok {
			require.Equal(t, PeerIncompatible, e.Code)
			return
		}
	}
}

func TestDuplicatePeeringReusesSession(t *testing.T) {
	ctx := testContext(t)
	m := newTestEndpoint(t)
	v := newTestEndpoint(t)
	port, err := m.Listen("127.0.0.1", 0)
	require.NoError(t, err)

	require.NoError(t, v.Peer(ctx, "127.0.0.1", port, 0))
	require.NoError(t, v.Peer(ctx, "127.0.0.1", port, 0))
	require.Len(t, v.Peers(), 1)
}

func TestPeersSnapshot(t *testing.T) {
	ctx := testContext(t)
	m := newTestEndpoint(t)
	v := newTestEndpoint(t)
	port, err := m.Listen("127.0.0.1", 0)
	require.NoError(t, err)
	require.NoError(t, v.Peer(ctx, "127.0.0.1", port, 0))

	infos := v.Peers()
	require.Len(t, infos, 1)
	require.Equal(t, m.ID(), infos[0].ID)
	require.True(t, infos[0].IsOutbound)
	require.Equal(t, PeerStatusPeered, infos[0].Status)
	require.EqualValues(t, port, infos[0].Address.Port)

	testutil.WaitWithTimeout(t, func() bool { return peeredCount(m) == 1 }, 10*time.Second, 5*time.Millisecond)
	remote := m.Peers()
	require.Len(t, remote, 1)
	require.Equal(t, v.ID(), remote[0].ID)
	require.False(t, remote[0].IsOutbound)
}

func TestEndpointCloseIsIdempotent(t *testing.T) {
	ep := NewEndpoint()
	_, err := ep.Listen("127.0.0.1", 0)
	require.NoError(t, err)
	require.NoError(t, ep.Close())
	require.NoError(t, ep.Close())
	require.Error(t, ep.Publish("t", data.None()))
	_, err = ep.Subscribe("t")
	require.Error(t, err)
}
