// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package msg

import "fmt"

// PortName is the name of a port right in some task's namespace. It is an
// opaque handle: the codec never checks that a name refers to a live right.
type PortName uint32

const (
	PortNull PortName = 0
	PortDead PortName = ^PortName(0)
)

// Disposition is the transfer mode applied to a port right as it crosses
// into another task (mach_msg_type_name_t).
type Disposition uint8

const (
	DispositionNone Disposition = 0

	MoveReceive     Disposition = 16
	MoveSend        Disposition = 17
	MoveSendOnce    Disposition = 18
	CopySend        Disposition = 19
	MakeSend        Disposition = 20
	MakeSendOnce    Disposition = 21
	CopyReceive     Disposition = 22
	DisposeReceive  Disposition = 24
	DisposeSend     Disposition = 25
	DisposeSendOnce Disposition = 26
)

// Names of the rights carried by a received message. They share values with
// the move dispositions.
const (
	PortReceive  = MoveReceive
	PortSend     = MoveSend
	PortSendOnce = MoveSendOnce
)

var dispositionNames = map[Disposition]string{
	DispositionNone: "none",
	MoveReceive:     "move-receive",
	MoveSend:        "move-send",
	MoveSendOnce:    "move-send-once",
	CopySend:        "copy-send",
	MakeSend:        "make-send",
	MakeSendOnce:    "make-send-once",
	CopyReceive:     "copy-receive",
	DisposeReceive:  "dispose-receive",
	DisposeSend:     "dispose-send",
	DisposeSendOnce: "dispose-send-once",
}

func (d Disposition) String() string {
	if name, ok := dispositionNames[d]; ok {
		return name
	}
	return fmt.Sprintf("disposition(%d)", uint8(d))
}

// ParseDisposition is the inverse of Disposition.String.
func ParseDisposition(s string) (Disposition, error) {
	for d, name := range dispositionNames {
		if name == s {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown disposition %q", s)
}

// Received returns the kind of right the receiver holds once a right sent
// with disposition d has been delivered.
func (d Disposition) Received() Disposition {
	switch d {
	case MoveReceive, CopyReceive:
		return PortReceive
	case MoveSend, CopySend, MakeSend:
		return PortSend
	case MoveSendOnce, MakeSendOnce:
		return PortSendOnce
	}
	return DispositionNone
}

// Bits is the control word at the start of every message header.
type Bits uint32

const (
	bitsRemoteMask  Bits = 0x000000ff
	bitsLocalMask   Bits = 0x0000ff00
	bitsVoucherMask Bits = 0x00ff0000
	bitsPortsMask        = bitsRemoteMask | bitsLocalMask | bitsVoucherMask

	// BitsComplex is set if and only if the message carries a body.
	BitsComplex Bits = 0x80000000
	// BitsRaiseImportance and BitsImportanceHoldAssertion are set by the
	// kernel on delivery.
	BitsRaiseImportance         Bits = 0x20000000
	BitsImportanceHoldAssertion Bits = 0x10000000
)

// MakeBits packs the three port dispositions with the remaining control
// bits. Port-disposition bits present in other are ignored.
func MakeBits(remote, local, voucher Disposition, other Bits) Bits {
	return other&^bitsPortsMask |
		Bits(remote) |
		Bits(local)<<8 |
		Bits(voucher)<<16
}

func (b Bits) Remote() Disposition  { return Disposition(b & bitsRemoteMask) }
func (b Bits) Local() Disposition   { return Disposition((b & bitsLocalMask) >> 8) }
func (b Bits) Voucher() Disposition { return Disposition((b & bitsVoucherMask) >> 16) }

// Other returns the control bits that are not port dispositions.
func (b Bits) Other() Bits { return b &^ bitsPortsMask }

func (b Bits) Complex() bool { return b&BitsComplex != 0 }

func (b Bits) WithRemote(d Disposition) Bits {
	return MakeBits(d, b.Local(), b.Voucher(), b)
}

func (b Bits) WithLocal(d Disposition) Bits {
	return MakeBits(b.Remote(), d, b.Voucher(), b)
}

func (b Bits) WithVoucher(d Disposition) Bits {
	return MakeBits(b.Remote(), b.Local(), d, b)
}

func (b Bits) WithComplex(complex bool) Bits {
	if complex {
		return b | BitsComplex
	}
	return b &^ BitsComplex
}

func (b Bits) String() string {
	return fmt.Sprintf("remote=%v local=%v voucher=%v other=%#x",
		b.Remote(), b.Local(), b.Voucher(), uint32(b.Other()))
}
