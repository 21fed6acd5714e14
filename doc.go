// Copyright 2025 The Broker Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package broker implements a peer-to-peer publish/subscribe
// messaging fabric for exchanging typed events between distributed
// security-monitoring nodes.
//
// Endpoints form a mesh by peering over TCP. Each endpoint publishes
// messages onto "/"-separated textual topics and subscribes to topic
// prefixes; subscriptions propagate hop by hop as prefix filters, and
// published messages are routed to every local and remote subscriber
// whose filter covers the topic. Message payloads use the dynamically
// typed value model of the data package, which defines the binary
// wire format.
//
// A minimal exchange:
//
//	ep := broker.NewEndpoint()
//	defer ep.Close()
//	port, _ := ep.Listen("127.0.0.1", 0)
//
//	peer := broker.NewEndpoint()
//	defer peer.Close()
//	sub, _ := peer.Subscribe("zeek/events")
//	peer.Peer(ctx, "127.0.0.1", port, 0)
//
//	ep.Publish("zeek/events/errors", data.Str("oops"))
//	msg, _ := sub.Pop(ctx)
//
// Connectivity changes and failures surface as events on the status
// bus; see StatusSubscriber. Topologies must be loop-free (a tree or
// star): loop prevention is limited to never echoing a message back
// to the session it arrived on, plus an optional hop counter.
package broker
