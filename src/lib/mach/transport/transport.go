// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package transport moves msg.Messages through the kernel's mach_msg trap.
//
// Every operation is synchronous. A context deadline becomes the kernel
// timeout; without a deadline the operation blocks until the kernel returns,
// and cancelling the context does not interrupt it.
package transport

import (
	"context"
	"time"

	"go.uber.org/multierr"

	"go.machipc.dev/machipc/src/lib/mach/msg"
)

// Kernel is the mach_msg trap as seen by one task.
type Kernel interface {
	// Msg sends the first sendSize bytes of buf if options include Send,
	// then receives at most rcvSize bytes into buf from rcvName if options
	// include Receive.
	Msg(buf []byte, options Option, sendSize, rcvSize int, rcvName msg.PortName, timeout uint32, notify msg.PortName) Status
	// Space is the task's address space, where out-of-line memory lives.
	Space() msg.AddressSpace
}

// Transport sends and receives messages for a single task.
type Transport struct {
	kernel Kernel
}

// New returns a Transport over k.
func New(k Kernel) *Transport {
	return &Transport{kernel: k}
}

// Space returns the address space of the task.
func (t *Transport) Space() msg.AddressSpace {
	return t.kernel.Space()
}

// timeout converts the context deadline into a mach_msg timeout in
// milliseconds. ok is false if the context has no deadline.
func timeout(ctx context.Context) (ms uint32, ok bool, err error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	deadline, ok := ctx.Deadline()
	if !ok {
		return 0, false, nil
	}
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return 0, false, context.DeadlineExceeded
	}
	// Round up so a sub-millisecond deadline still waits.
	ms64 := (remaining + time.Millisecond - 1) / time.Millisecond
	if ms64 > time.Duration(^uint32(0)) {
		return 0, false, nil
	}
	return uint32(ms64), true, nil
}

// call composes the options for one mach_msg call and runs it.
func (t *Transport) call(ctx context.Context, buf []byte, options Option, sendSize, rcvSize int, rcvName msg.PortName, notify msg.PortName) (Status, error) {
	ms, ok, err := timeout(ctx)
	if err != nil {
		return 0, err
	}
	if ok {
		if options&Send != 0 {
			options |= SendTimeout
		}
		if options&Receive != 0 {
			options |= ReceiveTimeout
		}
	}
	return t.kernel.Msg(buf, options, sendSize, rcvSize, rcvName, ms, notify), nil
}

// release returns the encoder's out-of-line regions once the kernel has
// either taken the message or refused it. callErr is the error from reaching
// the kernel at all.
func release(enc *msg.Encoded, code Status, callErr error) error {
	sent := callErr == nil && !code.IsSendError()
	err := callErr
	if err == nil {
		err = statusError(op(code), code)
	}
	return multierr.Append(err, enc.Release(sent))
}

// Send sends m to m.Header.RemotePort.
func (t *Transport) Send(ctx context.Context, m *msg.Message, opts Options) error {
	enc, err := msg.Marshal(m, t.kernel.Space())
	if err != nil {
		return err
	}
	code, err := t.call(ctx, enc.Bytes, Send|opts.Send, enc.SendSize, 0, msg.PortNull, opts.Notify)
	return release(enc, code, err)
}

// Receive receives one message from port. The buffer is freshly zeroed for
// every call and not retained afterward.
func (t *Transport) Receive(ctx context.Context, port msg.PortName, opts Options) (*msg.Message, error) {
	options := Receive | opts.Receive
	buf := make([]byte, opts.receiveSize()+msg.MaxTrailerSize)
	code, err := t.call(ctx, buf, options, 0, len(buf), port, opts.Notify)
	if err != nil {
		return nil, err
	}
	if code == RcvTooLarge && options&ReceiveLarge != 0 {
		// The kernel left the message queued and wrote its size into the
		// header.
		h, err := msg.UnmarshalHeader(buf)
		if err != nil {
			return nil, err
		}
		buf = make([]byte, alignedSize(h.Size)+msg.MaxTrailerSize)
		if code, err = t.call(ctx, buf, options, 0, len(buf), port, opts.Notify); err != nil {
			return nil, err
		}
	}
	if err := statusError(op(code), code); err != nil {
		return nil, err
	}
	return t.unmarshal(buf, options)
}

// SendReceive sends m and receives the reply on m.Header.LocalPort in a
// single kernel call, using one buffer for both directions.
func (t *Transport) SendReceive(ctx context.Context, m *msg.Message, opts Options) (*msg.Message, error) {
	enc, err := msg.Marshal(m, t.kernel.Space())
	if err != nil {
		return nil, err
	}
	rcvSize := opts.receiveSize() + msg.MaxTrailerSize
	buf := make([]byte, max(len(enc.Bytes), rcvSize))
	copy(buf, enc.Bytes)

	options := Send | Receive | opts.Send | opts.Receive
	code, err := t.call(ctx, buf, options, enc.SendSize, rcvSize, m.Header.LocalPort, opts.Notify)
	if err := release(enc, code, err); err != nil {
		return nil, err
	}
	return t.unmarshal(buf, options)
}

func (t *Transport) unmarshal(buf []byte, options Option) (*msg.Message, error) {
	return msg.Unmarshal(buf, msg.UnmarshalOptions{
		Space:   t.kernel.Space(),
		Trailer: options.TrailerElements(),
	})
}

// op names the half of a mach_msg call that produced code.
func op(code Status) string {
	switch {
	case code.IsSendError():
		return "send"
	case code.IsReceiveError():
		return "receive"
	}
	return "mach_msg"
}

func alignedSize(size uint32) int {
	return (int(size) + msg.Alignment - 1) &^ (msg.Alignment - 1)
}
