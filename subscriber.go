// Copyright 2025 The Broker Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package broker

import (
	"context"
	"sync"
	"time"

	"github.com/ckreibich/broker/topic"
)

// Subscriber is the consumer handle of one local subscription. Its
// lifetime controls the filter registration: closing it removes the
// subscription from the endpoint.
//
// The queue behind a Subscriber is bounded and single-consumer; the
// wake descriptor integrates it with external pollers.
type Subscriber struct {
	ep *Endpoint
	q  *queue

	closeOnce sync.Once
}

// TryPop returns the next message without blocking.
func (s *Subscriber) TryPop() (Message, bool) {
	return s.q.tryPop()
}

// PopBatch returns up to max queued messages without blocking.
func (s *Subscriber) PopBatch(max int) []Message {
	return s.q.popBatch(max)
}

// Wait blocks until a message is available. It returns ErrClosed once
// the subscription is closed and drained, or the context error.
func (s *Subscriber) Wait(ctx context.Context) error {
	return s.q.wait(ctx)
}

// WaitUntil blocks like Wait until the deadline; it reports whether a
// message is available.
func (s *Subscriber) WaitUntil(deadline time.Time) bool {
	return s.q.waitUntil(deadline)
}

// Pop blocks until a message arrives, the subscription closes, or ctx
// is done.
func (s *Subscriber) Pop(ctx context.Context) (Message, error) {
	for {
		if m, ok := s.q.tryPop(); ok {
			return m, nil
		}
		if err := s.q.wait(ctx); err != nil {
			return Message{}, err
		}
	}
}

// Available returns the number of queued messages.
func (s *Subscriber) Available() int {
	return s.q.available()
}

// WakeFD exposes the wake descriptor: readable while messages are
// queued (or after close), not readable once drained. The descriptor
// belongs to the subscription and becomes invalid after Close.
func (s *Subscriber) WakeFD() int {
	return s.q.wakeFD()
}

// Filter returns the currently registered filter.
func (s *Subscriber) Filter() topic.Filter {
	return s.ep.subscriberFilter(s)
}

// AddTopic extends the subscription. The change is applied on the
// endpoint before any subsequent publish is dispatched.
func (s *Subscriber) AddTopic(t topic.Topic) error {
	return s.ep.subscriberAddTopic(s, t)
}

// RemoveTopic narrows the subscription by deleting the exact filter
// entry t.
func (s *Subscriber) RemoveTopic(t topic.Topic) error {
	return s.ep.subscriberRemoveTopic(s, t)
}

// Close deregisters the subscription and releases the wake
// descriptor. No new messages arrive afterwards; messages already
// queued stay poppable until drained. Idempotent.
func (s *Subscriber) Close() {
	s.closeOnce.Do(func() {
		s.ep.subscriberClose(s)
		s.q.close()
	})
}
