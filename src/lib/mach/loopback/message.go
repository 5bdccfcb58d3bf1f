// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package loopback

import (
	"encoding/binary"
	"errors"

	"github.com/golang/glog"

	"go.machipc.dev/machipc/src/lib/mach/msg"
	"go.machipc.dev/machipc/src/lib/mach/transport"
)

// transit is a right held by the kernel while its message is queued.
type transit struct {
	port *port
	kind msg.Disposition
}

// kdesc is a descriptor in kernel form: rights instead of names and data
// instead of addresses.
type kdesc struct {
	template msg.Descriptor
	right    transit
	rights   []transit
	data     []byte
}

// region is out-of-line memory in the sender's address space.
type region struct {
	addr uint64
	size int
}

// kmsg is a queued message.
type kmsg struct {
	id       int32
	bits     msg.Bits
	dest     *port
	destKind msg.Disposition
	reply    transit
	body     []kdesc
	complex  bool
	payload  []byte
	// size is the message size as sent, trailer excluded.
	size   int
	sender Credentials
}

// destroy drops every right a message carries. Called with k.mu held.
func (k *Kernel) destroy(m *kmsg) {
	k.release(m.reply)
	for _, d := range m.body {
		k.release(d.right)
		for _, r := range d.rights {
			k.release(r)
		}
	}
}

// copyin resolves the names of an outgoing message against the sender's
// namespace. Rights are only taken from the namespace once commit is called,
// so a message that fails validation leaves the sender untouched.
type copyin struct {
	task      *Task
	moveSends map[msg.PortName]uint32
	sendOnces map[msg.PortName]bool
	receives  map[msg.PortName]bool
}

func newCopyin(t *Task) *copyin {
	return &copyin{
		task:      t,
		moveSends: make(map[msg.PortName]uint32),
		sendOnces: make(map[msg.PortName]bool),
		receives:  make(map[msg.PortName]bool),
	}
}

// right resolves name under disposition d.
func (c *copyin) right(name msg.PortName, d msg.Disposition) (transit, bool) {
	e := c.task.names[name]
	if e == nil {
		return transit{}, false
	}
	switch d {
	case msg.CopySend:
		if e.send <= c.moveSends[name] {
			return transit{}, false
		}
	case msg.MoveSend:
		if e.send <= c.moveSends[name] {
			return transit{}, false
		}
		c.moveSends[name]++
	case msg.MoveSendOnce:
		if !e.sendOnce || c.sendOnces[name] {
			return transit{}, false
		}
		c.sendOnces[name] = true
	case msg.MakeSend, msg.MakeSendOnce:
		if !e.receive {
			return transit{}, false
		}
	case msg.MoveReceive:
		if !e.receive || c.receives[name] {
			return transit{}, false
		}
		c.receives[name] = true
	default:
		return transit{}, false
	}
	return transit{port: e.port, kind: d.Received()}, true
}

// optional resolves a name that may be null.
func (c *copyin) optional(name msg.PortName, d msg.Disposition) (transit, bool) {
	if name == msg.PortNull || name == msg.PortDead {
		return transit{}, true
	}
	return c.right(name, d)
}

func (c *copyin) commit() {
	t := c.task
	for name, n := range c.moveSends {
		e := t.names[name]
		e.send -= n
		if e.empty() {
			t.remove(name)
		}
	}
	for name := range c.sendOnces {
		t.remove(name)
	}
	for name := range c.receives {
		e := t.names[name]
		e.receive = false
		e.port.receiver = nil
		if e.empty() {
			t.remove(name)
		}
	}
}

var errUnknownDescriptor = errors.New("loopback: unknown descriptor")

// send queues the message in b. The returned status is Success or a send
// error.
func (t *Task) send(b []byte, options transport.Option, timeout uint32) transport.Status {
	if len(b) < msg.HeaderSize || len(b)%msg.Alignment != 0 {
		return transport.SendMsgTooSmall
	}
	m, err := msg.Unmarshal(b, msg.UnmarshalOptions{})
	if err != nil {
		return transport.SendInvalidHeader
	}
	if m.Body != nil && m.Body.Truncated() {
		return transport.SendInvalidType
	}

	k := t.kernel
	k.mu.Lock()
	defer k.mu.Unlock()

	expired, stop := deadline(options, transport.SendTimeout, timeout)
	defer stop()
	for {
		dest := t.names[m.Header.RemotePort]
		if dest == nil || dest.port.dead {
			return transport.SendInvalidDest
		}
		once := m.Header.Bits.Remote() == msg.MoveSendOnce || m.Header.Bits.Remote() == msg.MakeSendOnce
		if once || len(dest.port.queue) < dest.port.qlimit {
			break
		}
		if !k.wait(expired) {
			return transport.SendTimedOut
		}
	}

	km, code := t.copyin(m)
	if code != transport.Success {
		return code
	}
	km.dest.queue = append(km.dest.queue, km)
	if glog.V(2) {
		glog.Infof("loopback: task %d queued id %d (%d bytes) on port %d", t.id, km.id, km.size, km.dest.id)
	}
	k.broadcast()
	return transport.Success
}

// copyin converts m into kernel form. Called with k.mu held.
func (t *Task) copyin(m *msg.Message) (*kmsg, transport.Status) {
	c := newCopyin(t)
	h := m.Header
	dest, ok := c.right(h.RemotePort, h.Bits.Remote())
	if !ok {
		return nil, transport.SendInvalidDest
	}
	if dest.kind == msg.PortReceive {
		return nil, transport.SendInvalidDest
	}
	reply, ok := c.optional(h.LocalPort, h.Bits.Local())
	if !ok || reply.kind == msg.PortReceive {
		return nil, transport.SendInvalidReply
	}

	km := &kmsg{
		id:       h.ID,
		bits:     h.Bits.Other(),
		dest:     dest.port,
		destKind: dest.kind,
		reply:    reply,
		complex:  m.Body != nil,
		payload:  m.Payload,
		size:     int(h.Size),
		sender:   t.creds,
	}
	var deallocs []region
	if m.Body != nil {
		for _, desc := range m.Body.Descriptors {
			kd := kdesc{template: desc}
			switch desc := desc.(type) {
			case *msg.PortDescriptor:
				if kd.right, ok = c.optional(desc.Name, desc.Disposition); !ok {
					return nil, transport.SendInvalidRight
				}
			case *msg.GuardedPortDescriptor:
				if kd.right, ok = c.optional(desc.Name, desc.Disposition); !ok {
					return nil, transport.SendInvalidRight
				}
			case *msg.OOLDescriptor:
				addr, size := desc.Region()
				data, err := t.viewCopy(addr, size)
				if err != nil {
					return nil, transport.SendInvalidMemory
				}
				kd.data = data
				if desc.Deallocate && size > 0 {
					deallocs = append(deallocs, region{addr, size})
				}
			case *msg.OOLPortsDescriptor:
				addr, size := desc.Region()
				data, err := t.viewCopy(addr, size)
				if err != nil {
					return nil, transport.SendInvalidMemory
				}
				for off := 0; off < len(data); off += 4 {
					name := msg.PortName(binary.NativeEndian.Uint32(data[off:]))
					r, ok := c.optional(name, desc.Disposition)
					if !ok {
						return nil, transport.SendInvalidRight
					}
					kd.rights = append(kd.rights, r)
				}
				if desc.Deallocate && size > 0 {
					deallocs = append(deallocs, region{addr, size})
				}
			}
			km.body = append(km.body, kd)
		}
	}
	c.commit()
	for _, r := range deallocs {
		if err := t.space.Deallocate(r.addr, r.size); err != nil {
			glog.Warningf("loopback: task %d: deallocating sent region %#x: %v", t.id, r.addr, err)
		}
	}
	return km, transport.Success
}

func (t *Task) viewCopy(addr uint64, size int) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	view, err := t.space.View(addr, size)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), view...), nil
}

// insert gives t the right r and returns its name. Called with k.mu held.
func (t *Task) insert(r transit) msg.PortName {
	if r.port == nil {
		return msg.PortNull
	}
	if r.port.dead {
		return msg.PortDead
	}
	if r.kind == msg.PortSendOnce {
		return t.newName(&entry{port: r.port, sendOnce: true})
	}
	name, ok := t.byPort[r.port]
	if !ok {
		name = t.newName(&entry{port: r.port})
	}
	e := t.names[name]
	switch r.kind {
	case msg.PortSend:
		e.send++
	case msg.PortReceive:
		e.receive = true
		r.port.receiver = t
	}
	return name
}

// receive dequeues one message from rcvName into buf.
func (t *Task) receive(buf []byte, rcvSize int, rcvName msg.PortName, options transport.Option, timeout uint32) transport.Status {
	k := t.kernel
	k.mu.Lock()
	defer k.mu.Unlock()

	e := t.names[rcvName]
	if e == nil || !e.receive {
		return transport.RcvInvalidName
	}
	p := e.port
	expired, stop := deadline(options, transport.ReceiveTimeout, timeout)
	defer stop()
	for len(p.queue) == 0 {
		if !k.wait(expired) {
			return transport.RcvTimedOut
		}
		if p.dead {
			return transport.RcvPortDied
		}
		if p.receiver != t {
			return transport.RcvPortChanged
		}
	}

	km := p.queue[0]
	elements := options.TrailerElements()
	if need := km.size + elements.Size(); need > rcvSize || rcvSize > len(buf) {
		if options&transport.ReceiveLarge != 0 {
			h := msg.Header{Size: uint32(km.size)}
			copy(buf, h.Marshal())
			return transport.RcvTooLarge
		}
		p.queue = p.queue[1:]
		k.destroy(km)
		k.broadcast()
		return transport.RcvTooLarge
	}
	p.queue = p.queue[1:]
	seqno := p.seqno
	p.seqno++
	k.broadcast()

	out, err := t.copyout(km, rcvName, options)
	if err != nil {
		glog.Warningf("loopback: task %d: copyout of id %d: %v", t.id, km.id, err)
		k.destroy(km)
		return transport.RcvBodyError
	}
	out.Trailer = t.trailer(km, p, seqno, elements)
	enc, err := msg.Marshal(out, t.space)
	if err != nil {
		glog.Warningf("loopback: task %d: encoding id %d: %v", t.id, km.id, err)
		return transport.RcvBodyError
	}
	clear(buf[:rcvSize])
	copy(buf, enc.Bytes)
	if glog.V(2) {
		glog.Infof("loopback: task %d received id %d (%d bytes) from port %d", t.id, km.id, len(enc.Bytes), p.id)
	}
	return transport.Success
}

// copyout converts km into a message for t. Out-of-line memory is placed in
// t's address space when the message is marshaled.
func (t *Task) copyout(km *kmsg, rcvName msg.PortName, options transport.Option) (*msg.Message, error) {
	out := &msg.Message{
		Header: msg.Header{
			Bits:      msg.MakeBits(km.reply.kind, km.destKind, msg.DispositionNone, km.bits),
			Size:      uint32(km.size),
			LocalPort: rcvName,
			ID:        km.id,
		},
		Payload: km.payload,
	}
	out.Header.RemotePort = t.insert(km.reply)
	if !km.complex {
		return out, nil
	}
	out.Body = &msg.Body{}
	for _, kd := range km.body {
		var desc msg.Descriptor
		switch tmpl := kd.template.(type) {
		case *msg.PortDescriptor:
			desc = &msg.PortDescriptor{Name: t.insert(kd.right), Disposition: kd.right.kind}
		case *msg.GuardedPortDescriptor:
			name := t.insert(kd.right)
			if options&transport.ReceiveGuarded == 0 {
				desc = &msg.PortDescriptor{Name: name, Disposition: kd.right.kind}
				out.Header.Size -= msg.GuardedPortDescriptorSize - msg.PortDescriptorSize
				break
			}
			desc = &msg.GuardedPortDescriptor{
				Name:        name,
				Disposition: kd.right.kind,
				Flags:       tmpl.Flags,
				Context:     tmpl.Context,
			}
		case *msg.OOLDescriptor:
			desc = &msg.OOLDescriptor{Data: kd.data, Copy: tmpl.Copy, Volatile: tmpl.Volatile}
		case *msg.OOLPortsDescriptor:
			names := make([]msg.PortName, len(kd.rights))
			var kind msg.Disposition
			for i, r := range kd.rights {
				names[i] = t.insert(r)
				kind = r.kind
			}
			if kind == msg.DispositionNone {
				kind = tmpl.Disposition.Received()
			}
			desc = &msg.OOLPortsDescriptor{Names: names, Disposition: kind, Copy: tmpl.Copy}
		default:
			return nil, errUnknownDescriptor
		}
		out.Body.Descriptors = append(out.Body.Descriptors, desc)
	}
	return out, nil
}

// trailer builds the trailer of the level the receiver asked for.
func (t *Task) trailer(km *kmsg, p *port, seqno uint32, elements msg.TrailerElements) *msg.Trailer {
	tr := msg.NewTrailer(elements)
	tr.Seqno = seqno
	tr.Sender = [2]uint32{km.sender.UID, km.sender.GID}
	// audit_token_t: auid, euid, egid, ruid, rgid, pid, asid, pidversion.
	tr.Audit = [8]uint32{
		km.sender.UID, km.sender.UID, km.sender.GID,
		km.sender.UID, km.sender.GID, km.sender.PID,
		km.sender.PID, 0,
	}
	tr.Context = p.context
	return tr
}

// Msg implements transport.Kernel.
func (t *Task) Msg(buf []byte, options transport.Option, sendSize, rcvSize int, rcvName msg.PortName, timeout uint32, notify msg.PortName) transport.Status {
	if options&transport.Send != 0 {
		if sendSize > len(buf) {
			return transport.SendNoBuffer
		}
		if code := t.send(buf[:sendSize], options, timeout); code != transport.Success {
			return code
		}
	}
	if options&transport.Receive != 0 {
		return t.receive(buf, rcvSize, rcvName, options, timeout)
	}
	return transport.Success
}
