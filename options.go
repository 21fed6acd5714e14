// Copyright 2025 The Broker Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package broker

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// Defaults for the endpoint configuration.
const (
	DefaultKeepaliveInterval   = 10 * time.Second
	DefaultKeepaliveTimeout    = 30 * time.Second
	DefaultHandshakeTimeout    = 10 * time.Second
	DefaultEnqueueTimeout      = 5 * time.Second
	DefaultStatusQueueCapacity = 512
	DefaultMaxHops             = 16
)

// Config carries the tunables of an endpoint. The zero value is
// usable; NewEndpoint fills in defaults.
type Config struct {
	// EndpointID overrides the generated 128-bit endpoint identity.
	EndpointID uuid.UUID

	// KeepaliveInterval is the transmit-idle span after which a PING
	// goes out.
	KeepaliveInterval time.Duration

	// KeepaliveTimeout is the receive-idle span after which a session
	// is declared dead.
	KeepaliveTimeout time.Duration

	// HandshakeTimeout bounds the wait for the peer's HELLO.
	HandshakeTimeout time.Duration

	// MaxFrameBytes caps a single frame payload.
	MaxFrameBytes uint32

	// EnqueueTimeout is the overload policy for local delivery: a
	// dispatch blocks this long on a full subscriber queue, then
	// drops the message for that subscriber and counts the drop. The
	// bound keeps one stalled consumer from wedging the endpoint's
	// serializer, and with it every other subscriber and session.
	EnqueueTimeout time.Duration

	// DefaultQueueCapacity bounds subscriber queues created without
	// an explicit capacity.
	DefaultQueueCapacity int

	// StatusQueueCapacity bounds status subscriber rings.
	StatusQueueCapacity int

	// RetryInterval is the default reconnect interval for Peer and
	// PeerNoSync callers that pass zero.
	RetryInterval time.Duration

	// EnableHopTTL adds a hop counter to forwarded DATA frames,
	// dropping messages that ran out of hops. Off by default;
	// loop prevention is normally by topology plus never echoing to
	// the source.
	EnableHopTTL bool

	// MaxHops seeds the hop counter of locally published messages
	// when EnableHopTTL is set.
	MaxHops uint8
}

func (c *Config) setDefaults() {
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = DefaultKeepaliveInterval
	}
	if c.KeepaliveTimeout <= 0 {
		c.KeepaliveTimeout = DefaultKeepaliveTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.MaxFrameBytes == 0 {
		c.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if c.EnqueueTimeout <= 0 {
		c.EnqueueTimeout = DefaultEnqueueTimeout
	}
	if c.DefaultQueueCapacity <= 0 {
		c.DefaultQueueCapacity = DefaultQueueCapacity
	}
	if c.StatusQueueCapacity <= 0 {
		c.StatusQueueCapacity = DefaultStatusQueueCapacity
	}
	if c.MaxHops == 0 {
		c.MaxHops = DefaultMaxHops
	}
}

// Option configures some aspect of an endpoint.
type Option func(ep *Endpoint)

// WithConfig replaces the whole configuration record.
func WithConfig(cfg Config) Option {
	return func(ep *Endpoint) { ep.cfg = cfg }
}

// WithEndpointID pins the endpoint identity instead of generating
// one.
func WithEndpointID(id uuid.UUID) Option {
	return func(ep *Endpoint) { ep.cfg.EndpointID = id }
}

// WithLogger sets a dedicated zap logger for the endpoint.
func WithLogger(log *zap.Logger) Option {
	return func(ep *Endpoint) { ep.log = log }
}

// WithClock substitutes the time source used for keepalive and retry
// scheduling. Tests use a mock clock.
func WithClock(c clock.Clock) Option {
	return func(ep *Endpoint) { ep.clock = c }
}

// WithKeepalive sets the heartbeat interval and the liveness timeout.
func WithKeepalive(interval, timeout time.Duration) Option {
	return func(ep *Endpoint) {
		ep.cfg.KeepaliveInterval = interval
		ep.cfg.KeepaliveTimeout = timeout
	}
}

// WithMaxFrameBytes caps the size of a single frame payload.
func WithMaxFrameBytes(n uint32) Option {
	return func(ep *Endpoint) { ep.cfg.MaxFrameBytes = n }
}

// WithEnqueueTimeout bounds how long a dispatch blocks on one full
// subscriber queue before dropping the message for that subscriber.
func WithEnqueueTimeout(d time.Duration) Option {
	return func(ep *Endpoint) { ep.cfg.EnqueueTimeout = d }
}

// WithQueueCapacity sets the default subscriber queue capacity.
func WithQueueCapacity(n int) Option {
	return func(ep *Endpoint) { ep.cfg.DefaultQueueCapacity = n }
}

// WithStatusCapacity sets the default status subscriber ring size.
func WithStatusCapacity(n int) Option {
	return func(ep *Endpoint) { ep.cfg.StatusQueueCapacity = n }
}

// WithRetryInterval sets the default reconnect interval.
func WithRetryInterval(d time.Duration) Option {
	return func(ep *Endpoint) { ep.cfg.RetryInterval = d }
}

// WithHopTTL enables the experimental hop counter on DATA frames.
func WithHopTTL(maxHops uint8) Option {
	return func(ep *Endpoint) {
		ep.cfg.EnableHopTTL = true
		ep.cfg.MaxHops = maxHops
	}
}

// WithMetrics registers the endpoint's counters with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(ep *Endpoint) { ep.metrics = newMetrics(reg) }
}
