// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package msg encodes and decodes Mach messages: the header, the descriptor
// body of complex messages, the inline payload and the trailer the kernel
// appends on receive.
//
// Layouts are those of a 64-bit task. Port names are opaque handles; the
// codec never checks that they refer to live rights.
package msg

import (
	"go.uber.org/multierr"
)

// Alignment is the boundary messages and trailers are padded to.
const Alignment = 4

// Message is one unit of IPC. Body is nil for simple messages and Trailer is
// nil for messages that are about to be sent.
type Message struct {
	Header  Header
	Body    *Body
	Payload []byte
	Trailer *Trailer
}

// New returns a message carrying payload and, if there are any, the given
// descriptors. The complex bit is set exactly when a body is present.
func New(payload []byte, descriptors ...Descriptor) *Message {
	m := &Message{Payload: payload}
	if len(descriptors) > 0 {
		m.Body = &Body{Descriptors: descriptors}
	}
	m.Header.Bits = m.Header.Bits.WithComplex(m.Body != nil)
	return m
}

// Size returns the aligned length of the header, body and payload.
func (m *Message) Size() int {
	n := HeaderSize + len(m.Payload)
	if m.Body != nil {
		n += m.Body.Size()
	}
	return alignUp(n, Alignment)
}

// Complex reports whether the message carries a body.
func (m *Message) Complex() bool { return m.Body != nil }

// Encoded is a marshaled message ready to be handed to the kernel.
type Encoded struct {
	// Bytes holds the header, body, payload and any trailer.
	Bytes []byte
	// SendSize is the message size the kernel is asked to send. The trailer
	// is never part of it.
	SendSize int

	space   AddressSpace
	regions []allocation
}

// Release returns the out-of-line regions the encoder allocated. sent reports
// whether the kernel accepted the message: regions sent with the deallocate
// flag then belong to the kernel and are left alone.
func (e *Encoded) Release(sent bool) error {
	var err error
	for _, r := range e.regions {
		if sent && r.consumed {
			continue
		}
		err = multierr.Append(err, e.space.Deallocate(r.addr, r.size))
	}
	e.regions = nil
	return err
}

// Marshal encodes m. Out-of-line memory is placed in space, which may be nil
// for messages without out-of-line descriptors.
//
// A zero Header.Size is replaced with the aligned message length; a non-zero
// value is written verbatim and bounds what is sent. A trailer is placed at
// the aligned size. The complex bit always reflects whether m has a body.
func Marshal(m *Message, space AddressSpace) (*Encoded, error) {
	s := encodeState{space: space}
	h := m.Header
	h.Bits = h.Bits.WithComplex(m.Body != nil)

	e := encoder{buffer: make([]byte, 0, m.Size()+MaxTrailerSize)}
	h.marshal(&e)
	if m.Body != nil {
		if err := m.Body.marshal(&e, &s); err != nil {
			enc := Encoded{space: space, regions: s.regions}
			return nil, multierr.Append(err, enc.Release(false))
		}
	}
	e.writeBytes(m.Payload)
	e.align(Alignment)

	if h.Size == 0 {
		h.Size = uint32(len(e.buffer))
		e.putUint32(4, h.Size)
	}
	sendSize := int(h.Size)
	end := alignUp(sendSize, Alignment)
	if end > len(e.buffer) {
		e.writeBytes(make([]byte, end-len(e.buffer)))
	}

	// The trailer always starts at the aligned size, even when an explicit
	// size cuts into the content.
	if m.Trailer != nil {
		e.buffer = e.buffer[:end]
		e.writeBytes(m.Trailer.Marshal())
	}
	return &Encoded{
		Bytes:    e.buffer,
		SendSize: sendSize,
		space:    space,
		regions:  s.regions,
	}, nil
}

// UnmarshalOptions configures Unmarshal.
type UnmarshalOptions struct {
	// Space is where out-of-line descriptors point. If nil they are decoded
	// detached.
	Space AddressSpace
	// Trailer is the trailer level the receiver asked the kernel for.
	Trailer TrailerElements
}

// Unmarshal decodes a message from b. The payload is copied; out-of-line data
// is owned or borrowed according to each descriptor's copy option.
func Unmarshal(b []byte, opts UnmarshalOptions) (*Message, error) {
	h, err := UnmarshalHeader(b)
	if err != nil {
		return nil, err
	}
	size := int(h.Size)
	if size < HeaderSize {
		return nil, newExpectError(ErrSizeMismatch, HeaderSize, size)
	}
	if size > len(b) {
		return nil, newExpectError(ErrTruncatedInput, size, len(b))
	}

	m := &Message{Header: h}
	d := decoder{buffer: b[:size], head: HeaderSize}
	if h.Bits.Complex() {
		if m.Body, err = unmarshalBody(&d, size-HeaderSize, opts.Space); err != nil {
			return nil, err
		}
	}
	if n := d.remaining(); n > 0 {
		payload, _ := d.readBytes(n)
		m.Payload = append([]byte(nil), payload...)
	}

	if off := alignUp(size, Alignment); off+MinTrailerSize <= len(b) {
		if order.Uint32(b[off+trailerSizeOffset:]) != 0 {
			if m.Trailer, err = ParseTrailer(b[off:], opts.Trailer); err != nil {
				return nil, err
			}
		}
	}
	return m, nil
}

// Release deallocates the regions behind borrowed out-of-line descriptors.
// The codec never frees borrowed memory on its own; callers that know they
// own it call Release once they are done with the views.
func (m *Message) Release(space AddressSpace) error {
	if m.Body == nil || space == nil {
		return nil
	}
	var err error
	for _, desc := range m.Body.Descriptors {
		switch desc := desc.(type) {
		case *OOLDescriptor:
			if desc.borrowed {
				err = multierr.Append(err, space.Deallocate(desc.addr, int(desc.size)))
				desc.Data, desc.borrowed = nil, false
			}
		case *OOLPortsDescriptor:
			if desc.borrowed {
				err = multierr.Append(err, space.Deallocate(desc.addr, int(desc.count)*portNameSize))
				desc.borrowed = false
			}
		}
	}
	return err
}
