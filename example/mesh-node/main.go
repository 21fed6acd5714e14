// Copyright 2025 The Broker Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Command mesh-node starts a broker endpoint, optionally peers with
// others, and bridges stdin/stdout to the mesh: published messages
// are read as "topic value" lines, received messages and status
// events are printed.
//
// Examples:
//
//	mesh-node -listen 127.0.0.1:4040 -sub zeek/events
//	mesh-node -peer 127.0.0.1:4040 -pub "zeek/events/errors=oops"
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	broker "github.com/ckreibich/broker"
	"github.com/ckreibich/broker/data"
)

func main() {
	var (
		listenAddr = flag.String("listen", "", "listen address (host:port)")
		peerAddr   = flag.String("peer", "", "peer address (host:port)")
		retry      = flag.Duration("retry", time.Second, "peering retry interval")
		subs       = flag.String("sub", "", "comma-separated topic prefixes to subscribe to")
		pub        = flag.String("pub", "", "one-shot publish, topic=value")
		verbose    = flag.Bool("v", false, "verbose logging")
	)
	flag.Parse()

	log := zap.NewNop()
	if *verbose {
		var err error
		if log, err = zap.NewDevelopment(); err != nil {
			fmt.Fprintf(os.Stderr, "mesh-node: %v\n", err)
			os.Exit(1)
		}
	}

	ep := broker.NewEndpoint(broker.WithLogger(log))
	defer ep.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	status := ep.StatusSubscriber(true)
	defer status.Close()
	go func() {
		for {
			ev, err := status.Get(ctx)
			if err != nil {
				return
			}
			switch e := ev.(type) {
			case *broker.Status:
				fmt.Printf("[status] %s\n", e)
			case *broker.Error:
				fmt.Printf("[error] %s\n", e.Error())
			}
		}
	}()

	if *listenAddr != "" {
		host, port, err := splitHostPort(*listenAddr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mesh-node: bad -listen: %v\n", err)
			os.Exit(1)
		}
		bound, err := ep.Listen(host, port)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mesh-node: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("listening on %s:%d\n", host, bound)
	}

	if *subs != "" {
		topics := strings.Split(*subs, ",")
		sub, err := ep.Subscribe(topics...)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mesh-node: %v\n", err)
			os.Exit(1)
		}
		defer sub.Close()
		go func() {
			for {
				m, err := sub.Pop(ctx)
				if err != nil {
					return
				}
				fmt.Printf("[%s] %s\n", m.Topic, m.Value)
			}
		}()
	}

	if *peerAddr != "" {
		host, port, err := splitHostPort(*peerAddr)
		if err != nil {
			fmt.Fprintf(os.Stderr, "mesh-node: bad -peer: %v\n", err)
			os.Exit(1)
		}
		if err := ep.Peer(ctx, host, port, *retry); err != nil {
			fmt.Fprintf(os.Stderr, "mesh-node: peering failed: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("peered with %s\n", *peerAddr)
	}

	if *pub != "" {
		topic, value, ok := strings.Cut(*pub, "=")
		if !ok {
			fmt.Fprintln(os.Stderr, "mesh-node: -pub wants topic=value")
			os.Exit(1)
		}
		if err := ep.Publish(topic, data.Str(value)); err != nil {
			fmt.Fprintf(os.Stderr, "mesh-node: %v\n", err)
			os.Exit(1)
		}
	}

	// Lines on stdin publish as "topic value".
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			topic, value, ok := strings.Cut(strings.TrimSpace(scanner.Text()), " ")
			if !ok || topic == "" {
				continue
			}
			if err := ep.Publish(topic, data.Str(value)); err != nil {
				fmt.Fprintf(os.Stderr, "mesh-node: %v\n", err)
				return
			}
		}
	}()

	<-ctx.Done()
}

func splitHostPort(s string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, err
	}
	return host, uint16(port), nil
}
