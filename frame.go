// Copyright 2025 The Broker Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package broker

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
	"github.com/multiformats/go-varint"

	"github.com/ckreibich/broker/data"
	"github.com/ckreibich/broker/topic"
)

// ProtocolVersion is the wire protocol version carried in HELLO.
const ProtocolVersion uint16 = 1

// DefaultMaxFrameBytes caps the payload of a single frame.
const DefaultMaxFrameBytes = 64 << 20

// Transport framing: 4-byte big-endian payload length, 1-byte frame
// type, payload.
type frameType uint8

const (
	frameHello        frameType = 0x01
	frameFilterUpdate frameType = 0x02
	frameData         frameType = 0x03
	framePing         frameType = 0x04
	framePong         frameType = 0x05
	frameGoodbye      frameType = 0x06
)

func (t frameType) String() string {
	switch t {
	case frameHello:
		return "HELLO"
	case frameFilterUpdate:
		return "FILTER_UPDATE"
	case frameData:
		return "DATA"
	case framePing:
		return "PING"
	case framePong:
		return "PONG"
	case frameGoodbye:
		return "GOODBYE"
	default:
		return fmt.Sprintf("frame(0x%02x)", uint8(t))
	}
}

// GOODBYE reason codes.
const (
	goodbyeShutdown uint16 = 0
	goodbyeUnpeer   uint16 = 1
)

func writeFrame(w io.Writer, ft frameType, payload []byte, maxBytes uint32) error {
	if uint64(len(payload)) > uint64(maxBytes) {
		return newError(InvalidData, "frame payload of %d bytes exceeds limit", len(payload))
	}
	hdr := make([]byte, 5, 5+len(payload))
	binary.BigEndian.PutUint32(hdr, uint32(len(payload)))
	hdr[4] = byte(ft)
	if _, err := w.Write(append(hdr, payload...)); err != nil {
		return fmt.Errorf("broker: could not write %s frame: %w", ft, err)
	}
	return nil
}

func readFrame(r io.Reader, maxBytes uint32) (frameType, []byte, error) {
	var hdr [5]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:4])
	ft := frameType(hdr[4])
	if size > maxBytes {
		return 0, nil, newError(InvalidData, "frame payload of %d bytes exceeds limit", size)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return ft, payload, nil
}

// helloPayload is the body of a HELLO frame: protocol version,
// endpoint id, and the sender's initial filter.
type helloPayload struct {
	version uint16
	id      uuid.UUID
	filter  topic.Filter
}

func (h helloPayload) marshal() []byte {
	out := make([]byte, 18)
	binary.BigEndian.PutUint16(out, h.version)
	copy(out[2:], h.id[:])
	return filterValue(h.filter).AppendTo(out)
}

func unmarshalHello(b []byte) (helloPayload, error) {
	var h helloPayload
	if len(b) < 18 {
		return h, newError(InvalidData, "truncated HELLO")
	}
	h.version = binary.BigEndian.Uint16(b)
	copy(h.id[:], b[2:18])
	f, err := filterFromBytes(b[18:])
	if err != nil {
		return h, err
	}
	h.filter = f
	return h, nil
}

// filterValue encodes a filter as a vector-of-string value, the form
// FILTER_UPDATE and HELLO carry on the wire.
func filterValue(f topic.Filter) data.Value {
	items := make([]data.Value, len(f))
	for i, t := range f {
		items[i] = data.Str(t)
	}
	vec := data.NewVector(items...)
	return data.VectorValue(vec)
}

// filterFromBytes decodes a vector-of-string value and canonicalizes
// the result.
func filterFromBytes(b []byte) (topic.Filter, error) {
	v, err := data.Decode(b)
	if err != nil {
		return nil, newError(InvalidData, "bad filter encoding: %v", err)
	}
	if v.Kind() != data.KindVector {
		return nil, newError(InvalidData, "filter is a %s, expected vector", v.Kind())
	}
	vec := v.Vector()
	topics := make([]topic.Topic, vec.Len())
	for i := 0; i < vec.Len(); i++ {
		e := vec.At(i)
		if e.Kind() != data.KindString {
			return nil, newError(InvalidData, "filter entry is a %s, expected string", e.Kind())
		}
		topics[i] = e.Str()
	}
	return topic.Canonicalize(topics), nil
}

// dataPayload is the body of a DATA frame: varint-prefixed topic, a
// flags byte, an optional hop counter, then the value encoding.
type dataPayload struct {
	topic  topic.Topic
	value  data.Value
	raw    []byte // encoded value, reused when forwarding
	hasHop bool
	hop    uint8
}

const dataFlagHop = 0x01

func (d dataPayload) marshal() []byte {
	n := varint.UvarintSize(uint64(len(d.topic)))
	out := make([]byte, 0, n+len(d.topic)+2+len(d.raw))
	buf := make([]byte, n)
	varint.PutUvarint(buf, uint64(len(d.topic)))
	out = append(out, buf...)
	out = append(out, d.topic...)
	if d.hasHop {
		out = append(out, dataFlagHop, d.hop)
	} else {
		out = append(out, 0)
	}
	if d.raw != nil {
		return append(out, d.raw...)
	}
	return d.value.AppendTo(out)
}

// unmarshalData decodes a DATA payload, shallow-decoding the value
// into arena a to validate it without copying, then materializing the
// owning form handed to dispatch. The raw value bytes are retained
// for re-encoding-free forwarding.
func unmarshalData(b []byte, a *data.Arena) (dataPayload, error) {
	var d dataPayload
	n, size, err := varint.FromUvarint(b)
	if err != nil {
		return d, newError(InvalidData, "bad topic length: %v", err)
	}
	if uint64(len(b)-size) < n {
		return d, newError(InvalidData, "truncated DATA topic")
	}
	d.topic = topic.Topic(b[size : size+int(n)])
	rest := b[size+int(n):]
	if len(rest) < 1 {
		return d, newError(InvalidData, "truncated DATA flags")
	}
	flags := rest[0]
	rest = rest[1:]
	if flags&^dataFlagHop != 0 {
		return d, newError(InvalidData, "unknown DATA flags 0x%02x", flags)
	}
	if flags&dataFlagHop != 0 {
		if len(rest) < 1 {
			return d, newError(InvalidData, "truncated DATA hop counter")
		}
		d.hasHop = true
		d.hop = rest[0]
		rest = rest[1:]
	}
	view, err := data.DecodeView(rest, a)
	if err != nil {
		return d, newError(InvalidData, "bad DATA value: %v", err)
	}
	d.value = view.Materialize()
	d.raw = rest
	return d, nil
}

func marshalCounter(n uint64) []byte {
	out := make([]byte, 8)
	binary.BigEndian.PutUint64(out, n)
	return out
}

func unmarshalCounter(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, newError(InvalidData, "bad PING/PONG payload of %d bytes", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

func marshalGoodbye(reason uint16) []byte {
	out := make([]byte, 2)
	binary.BigEndian.PutUint16(out, reason)
	return out
}

func unmarshalGoodbye(b []byte) (uint16, error) {
	if len(b) != 2 {
		return 0, newError(InvalidData, "bad GOODBYE payload of %d bytes", len(b))
	}
	return binary.BigEndian.Uint16(b), nil
}
