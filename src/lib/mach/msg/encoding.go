// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package msg

import (
	"encoding/binary"
)

// order is the byte order of every multi-byte field on the wire. Messages
// never leave the machine, so the kernel expects host order.
var order = binary.NativeEndian

// alignUp rounds n up to a multiple of bytes, which must be a power of 2.
func alignUp(n, bytes int) int {
	return (n + bytes - 1) &^ (bytes - 1)
}

// encoder represents the encoding context that is necessary to maintain
// across the records of one message.
type encoder struct {
	// buffer represents the output buffer that the encoder writes into.
	buffer []byte
}

// align pads the end of the buffer with zeroes such that the buffer is aligned
// to a particular byte-width.
//
// bytes must be a power of 2.
func (e *encoder) align(bytes int) {
	var zeroBytes [8]byte
	offset := len(e.buffer) & (bytes - 1)
	if offset != 0 {
		e.buffer = append(e.buffer, zeroBytes[:(bytes-offset)]...)
	}
}

// writeUint writes an unsigned integer of byte-width size to the buffer.
//
// Mach records are packed to 4 bytes, so unlike a naturally aligned encoding
// no padding is inserted before the integer.
//
// size must be 1, 2, 4 or 8.
func (e *encoder) writeUint(val uint64, size int) {
	switch size {
	case 1:
		e.buffer = append(e.buffer, byte(val))
	case 2:
		e.buffer = order.AppendUint16(e.buffer, uint16(val))
	case 4:
		e.buffer = order.AppendUint32(e.buffer, uint32(val))
	case 8:
		e.buffer = order.AppendUint64(e.buffer, val)
	default:
		panic("msg: unsupported integer width")
	}
}

func (e *encoder) writeBytes(b []byte) {
	e.buffer = append(e.buffer, b...)
}

// putUint32 overwrites a previously written 4-byte field at offset.
func (e *encoder) putUint32(offset int, val uint32) {
	order.PutUint32(e.buffer[offset:], val)
}

// decoder represents the decoding context that is necessary to maintain
// across the records of one message.
type decoder struct {
	// buffer represents the buffer we're decoding from.
	buffer []byte

	// head represents the current position of the decoding head.
	head int
}

func (d *decoder) remaining() int {
	return len(d.buffer) - d.head
}

// need fails with ErrTruncatedInput unless n more bytes are available.
func (d *decoder) need(n int) error {
	if d.remaining() < n {
		return newExpectError(ErrTruncatedInput, n, d.remaining())
	}
	return nil
}

// readUint reads an unsigned integer value of byte-width size from the buffer
// and advances the head past it.
func (d *decoder) readUint(size int) (uint64, error) {
	if err := d.need(size); err != nil {
		return 0, err
	}
	b := d.buffer[d.head:]
	var val uint64
	switch size {
	case 1:
		val = uint64(b[0])
	case 2:
		val = uint64(order.Uint16(b))
	case 4:
		val = uint64(order.Uint32(b))
	case 8:
		val = order.Uint64(b)
	default:
		panic("msg: unsupported integer width")
	}
	d.head += size
	return val, nil
}

// readBytes returns the next n bytes without copying them.
func (d *decoder) readBytes(n int) ([]byte, error) {
	if err := d.need(n); err != nil {
		return nil, err
	}
	b := d.buffer[d.head : d.head+n]
	d.head += n
	return b, nil
}
