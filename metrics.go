// Copyright 2025 The Broker Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package broker

import (
	"github.com/prometheus/client_golang/prometheus"
)

// metrics instruments an endpoint. All fields are optional at the
// call sites: endpoints without WithMetrics carry a nil *metrics.
type metrics struct {
	published     prometheus.Counter
	received      prometheus.Counter
	forwarded     prometheus.Counter
	dropped       prometheus.Counter
	droppedStatus prometheus.Counter
	peers         prometheus.Gauge
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "broker",
			Name:      "messages_published_total",
			Help:      "Messages handed to the endpoint by local publishers.",
		}),
		received: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "broker",
			Name:      "messages_received_total",
			Help:      "DATA frames received from peers.",
		}),
		forwarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "broker",
			Name:      "messages_forwarded_total",
			Help:      "Messages forwarded to peer sessions.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "broker",
			Name:      "messages_dropped_total",
			Help:      "Messages dropped because a subscriber queue stayed full past the enqueue timeout.",
		}),
		droppedStatus: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "broker",
			Name:      "status_events_dropped_total",
			Help:      "Status events lost to slow status subscribers.",
		}),
		peers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "broker",
			Name:      "peers",
			Help:      "Peer sessions currently in peered state.",
		}),
	}
	reg.MustRegister(m.published, m.received, m.forwarded, m.dropped, m.droppedStatus, m.peers)
	return m
}

func (m *metrics) incPublished() {
	if m != nil {
		m.published.Inc()
	}
}

func (m *metrics) incReceived() {
	if m != nil {
		m.received.Inc()
	}
}

func (m *metrics) incForwarded() {
	if m != nil {
		m.forwarded.Inc()
	}
}

func (m *metrics) incDropped() {
	if m != nil {
		m.dropped.Inc()
	}
}

func (m *metrics) incDroppedStatus() {
	if m != nil {
		m.droppedStatus.Inc()
	}
}

func (m *metrics) peersDelta(d float64) {
	if m != nil {
		m.peers.Add(d)
	}
}
