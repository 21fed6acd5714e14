// Copyright 2025 The Broker Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package broker

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// wakeFlag is the OS-visible side of a subscriber queue: a
// non-blocking pipe whose read end becomes readable while the queue
// holds messages. It follows an armed/extinguished contract; callers
// serialize access through the queue mutex.
type wakeFlag struct {
	r, w  int
	armed bool
}

func newWakeFlag() (*wakeFlag, error) {
	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC); err != nil {
		return nil, fmt.Errorf("broker: could not create wake pipe: %w", err)
	}
	return &wakeFlag{r: fds[0], w: fds[1]}, nil
}

// fd returns the pollable read end.
func (f *wakeFlag) fd() int { return f.r }

// fire arms the flag. Arming an armed flag is a no-op.
func (f *wakeFlag) fire() {
	if f.armed {
		return
	}
	var one = [1]byte{1}
	for {
		_, err := unix.Write(f.w, one[:])
		if err != unix.EINTR {
			break
		}
	}
	f.armed = true
}

// extinguish drains the pipe so the read end stops signaling.
func (f *wakeFlag) extinguish() {
	if !f.armed {
		return
	}
	var buf [16]byte
	for {
		n, err := unix.Read(f.r, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil || n < len(buf) {
			break
		}
	}
	f.armed = false
}

func (f *wakeFlag) close() {
	unix.Close(f.r)
	unix.Close(f.w)
	f.r, f.w = -1, -1
}
