// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package mig implements the request/reply convention MIG-generated stubs
// speak over Mach messages.
//
// Routines of one subsystem are numbered from a base id. A request for
// routine i carries id base+i and the reply carries that id plus 100. The
// reply travels over a send-once right the client makes from its reply port,
// so exactly one reply can come back. A server that fails a routine answers
// with a fixed-size error reply holding a status code in place of the
// result.
package mig

import (
	"context"

	"go.machipc.dev/machipc/src/lib/mach/msg"
	"go.machipc.dev/machipc/src/lib/mach/transport"
)

// Client calls the routines of one subsystem on a server port.
//
// A Client is not safe for concurrent use: replies are matched by id on a
// single reply port.
type Client struct {
	t         *transport.Transport
	port      msg.PortName
	base      int32
	replyPort msg.PortName

	// Options are passed to every SendReceive.
	Options transport.Options
}

// NewClient returns a client for the subsystem numbered from base, served on
// port. replyPort must name a receive right of the calling task.
func NewClient(t *transport.Transport, port msg.PortName, base int32, replyPort msg.PortName) *Client {
	return &Client{t: t, port: port, base: base, replyPort: replyPort}
}

// RoutineID returns the message id of routine index.
func (c *Client) RoutineID(index int) int32 {
	return c.base + int32(index)
}

// Call sends req as routine index and waits for the reply. The inline
// arguments of a successful reply are decoded into reply, which points to a
// struct or is nil. The reply message is returned so callers can reach its
// descriptors and trailer.
//
// The server's send right is copied, not moved, so the client can keep
// calling.
func (c *Client) Call(ctx context.Context, index int, req *msg.Message, reply interface{}) (*msg.Message, error) {
	id := c.RoutineID(index)
	req.Header.ID = id
	req.Header.RemotePort = c.port
	req.Header.LocalPort = c.replyPort
	req.Header.Bits = req.Header.Bits.WithRemote(msg.CopySend).WithLocal(msg.MakeSendOnce)

	m, err := c.t.SendReceive(ctx, req, c.Options)
	if err != nil {
		return nil, err
	}
	if err := checkReply(m, id, reply); err != nil {
		return nil, err
	}
	return m, nil
}

// checkReply validates the reply to routine id and decodes its arguments.
func checkReply(m *msg.Message, id int32, reply interface{}) error {
	switch got := m.Header.ID; {
	case got == NotifySendOnce:
		return ErrServerDied
	case got != ReplyID(id):
		return mismatchError{want: ReplyID(id), got: got}
	}
	if m.Header.RemotePort != msg.PortNull {
		return protocolError{reason: "reply names a remote port"}
	}

	// An error reply and an empty successful reply have the same shape;
	// only the return code tells them apart.
	if !m.Header.Bits.Complex() && m.Header.Size == ErrorReplySize {
		var er errorReply
		if err := UnmarshalArgs(m.Payload, &er); err != nil {
			return err
		}
		if er.RetCode != 0 {
			return &transport.KernelError{Op: "mig", Code: transport.Status(er.RetCode)}
		}
	}

	retCode, err := decodeReply(m, reply)
	if retCode != 0 {
		return &transport.KernelError{Op: "mig", Code: transport.Status(retCode)}
	}
	return err
}
