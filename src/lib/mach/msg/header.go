// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package msg

// HeaderSize is the size of mach_msg_header_t.
const HeaderSize = 24

// Header is the fixed-size record at the start of every message.
type Header struct {
	Bits        Bits
	Size        uint32
	RemotePort  PortName
	LocalPort   PortName
	VoucherPort PortName
	ID          int32
}

// Marshal returns the wire form of h.
func (h Header) Marshal() []byte {
	e := encoder{buffer: make([]byte, 0, HeaderSize)}
	h.marshal(&e)
	return e.buffer
}

func (h Header) marshal(e *encoder) {
	e.writeUint(uint64(h.Bits), 4)
	e.writeUint(uint64(h.Size), 4)
	e.writeUint(uint64(h.RemotePort), 4)
	e.writeUint(uint64(h.LocalPort), 4)
	e.writeUint(uint64(h.VoucherPort), 4)
	e.writeUint(uint64(uint32(h.ID)), 4)
}

// UnmarshalHeader decodes the header at the start of b.
func UnmarshalHeader(b []byte) (Header, error) {
	d := decoder{buffer: b}
	return unmarshalHeader(&d)
}

func unmarshalHeader(d *decoder) (Header, error) {
	var h Header
	if err := d.need(HeaderSize); err != nil {
		return h, err
	}
	// The length check above guarantees the reads below succeed.
	bits, _ := d.readUint(4)
	size, _ := d.readUint(4)
	remote, _ := d.readUint(4)
	local, _ := d.readUint(4)
	voucher, _ := d.readUint(4)
	id, _ := d.readUint(4)
	h.Bits = Bits(bits)
	h.Size = uint32(size)
	h.RemotePort = PortName(remote)
	h.LocalPort = PortName(local)
	h.VoucherPort = PortName(voucher)
	h.ID = int32(uint32(id))
	return h, nil
}
