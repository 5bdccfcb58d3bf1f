// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package loopback emulates the Mach message trap inside one process.
//
// A Kernel holds ports and message queues; each Task is a port namespace with
// its own address space and implements transport.Kernel. Rights move between
// tasks the way the real kernel moves them: dispositions are applied on send,
// rights are inserted into the receiver's namespace on receive, out-of-line
// memory is copied between address spaces and a send-once right that dies
// unused produces a send-once notification.
package loopback

import (
	"sync"
	"time"

	"github.com/golang/glog"

	"go.machipc.dev/machipc/src/lib/mach/msg"
	"go.machipc.dev/machipc/src/lib/mach/transport"
)

// DefaultQueueLimit is the number of messages a port queues before senders
// block.
const DefaultQueueLimit = 5

// NotifySendOnce is the id of the message a port receives when a send-once
// right to it is destroyed unused.
const NotifySendOnce = 71

// Credentials identify the task that sent a message. They are reported in
// the sender and audit trailers.
type Credentials struct {
	UID uint32
	GID uint32
	PID uint32
}

// Kernel is the shared state of an emulated host.
type Kernel struct {
	mu sync.Mutex
	// changed is closed and replaced whenever a queue or port changes.
	changed chan struct{}
	nextPort int
	nextTask int
}

// New returns an empty kernel.
func New() *Kernel {
	return &Kernel{changed: make(chan struct{})}
}

// broadcast wakes every waiter. Called with k.mu held.
func (k *Kernel) broadcast() {
	close(k.changed)
	k.changed = make(chan struct{})
}

// wait blocks until the kernel state changes or expired fires. It is called
// with k.mu held and returns with it held. It reports false on expiry.
func (k *Kernel) wait(expired <-chan time.Time) bool {
	changed := k.changed
	k.mu.Unlock()
	defer k.mu.Lock()
	select {
	case <-changed:
		return true
	case <-expired:
		return false
	}
}

// deadline returns a channel that fires after timeout milliseconds if bit is
// set in options, and a nil channel otherwise.
func deadline(options, bit transport.Option, timeout uint32) (<-chan time.Time, func()) {
	if options&bit == 0 {
		return nil, func() {}
	}
	timer := time.NewTimer(time.Duration(timeout) * time.Millisecond)
	return timer.C, func() { timer.Stop() }
}

type port struct {
	id       int
	queue    []*kmsg
	qlimit   int
	seqno    uint32
	context  uint64
	receiver *Task
	dead     bool
}

func (k *Kernel) newPort(receiver *Task) *port {
	k.nextPort++
	return &port{id: k.nextPort, qlimit: DefaultQueueLimit, receiver: receiver}
}

// kill destroys p and every message queued on it. Called with k.mu held.
func (k *Kernel) kill(p *port) {
	if p.dead {
		return
	}
	if glog.V(2) {
		glog.Infof("loopback: port %d died with %d queued messages", p.id, len(p.queue))
	}
	p.dead = true
	p.receiver = nil
	queue := p.queue
	p.queue = nil
	for _, m := range queue {
		k.destroy(m)
	}
	k.broadcast()
}

// notifySendOnce queues a send-once notification on p.
func (k *Kernel) notifySendOnce(p *port) {
	if p == nil || p.dead {
		return
	}
	if glog.V(2) {
		glog.Infof("loopback: send-once notification to port %d", p.id)
	}
	p.queue = append(p.queue, &kmsg{
		id:       NotifySendOnce,
		dest:     p,
		destKind: msg.PortSendOnce,
		size:     msg.HeaderSize,
		sender:   Credentials{},
	})
	k.broadcast()
}

// release drops a right that will never be delivered.
func (k *Kernel) release(r transit) {
	switch r.kind {
	case msg.PortSendOnce:
		k.notifySendOnce(r.port)
	case msg.PortReceive:
		k.kill(r.port)
	}
}

// NewTask returns a task with an empty namespace and a fresh address space.
func (k *Kernel) NewTask(creds Credentials) *Task {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.nextTask++
	return &Task{
		kernel: k,
		id:     k.nextTask,
		creds:  creds,
		space:  msg.NewArena(),
		names:  make(map[msg.PortName]*entry),
		byPort: make(map[*port]msg.PortName),
	}
}

// entry is one name in a task's namespace.
type entry struct {
	port     *port
	receive  bool
	send     uint32
	sendOnce bool
}

func (e *entry) empty() bool {
	return !e.receive && e.send == 0 && !e.sendOnce
}

// Task is a port namespace plus an address space.
type Task struct {
	kernel *Kernel
	id     int
	creds  Credentials
	space  *msg.Arena

	names map[msg.PortName]*entry
	// byPort finds the name of the send or receive right for a port. Each
	// send-once right has a name of its own and is not listed.
	byPort map[*port]msg.PortName
	next   uint32
	closed bool
}

var _ transport.Kernel = (*Task)(nil)

// Space implements transport.Kernel.
func (t *Task) Space() msg.AddressSpace { return t.space }

// Arena returns the task's address space.
func (t *Task) Arena() *msg.Arena { return t.space }

func (t *Task) newName(e *entry) msg.PortName {
	t.next++
	name := msg.PortName(t.next<<8 | 3)
	t.names[name] = e
	if !e.sendOnce {
		t.byPort[e.port] = name
	}
	return name
}

func (t *Task) remove(name msg.PortName) {
	e := t.names[name]
	delete(t.names, name)
	if e != nil && !e.sendOnce && t.byPort[e.port] == name {
		delete(t.byPort, e.port)
	}
}

func kernelError(op string, code transport.Status) error {
	return &transport.KernelError{Op: op, Code: code}
}

// AllocatePort creates a port and returns the name of its receive right.
func (t *Task) AllocatePort() (msg.PortName, error) {
	k := t.kernel
	k.mu.Lock()
	defer k.mu.Unlock()
	if t.closed {
		return msg.PortNull, kernelError("allocate port", transport.KernInvalidTask)
	}
	p := k.newPort(t)
	name := t.newName(&entry{port: p, receive: true})
	if glog.V(2) {
		glog.Infof("loopback: task %d allocated port %d as %#x", t.id, p.id, name)
	}
	return name, nil
}

// MakeSend adds a send right to the port whose receive right is name.
func (t *Task) MakeSend(name msg.PortName) error {
	k := t.kernel
	k.mu.Lock()
	defer k.mu.Unlock()
	e := t.names[name]
	if e == nil {
		return kernelError("make send", transport.KernInvalidName)
	}
	if !e.receive {
		return kernelError("make send", transport.KernInvalidRight)
	}
	e.send++
	return nil
}

// Deallocate drops one send reference, or the send-once right, held under
// name. Dropping a send-once right sends a send-once notification.
func (t *Task) Deallocate(name msg.PortName) error {
	k := t.kernel
	k.mu.Lock()
	defer k.mu.Unlock()
	e := t.names[name]
	switch {
	case e == nil:
		return kernelError("deallocate", transport.KernInvalidName)
	case e.sendOnce:
		t.remove(name)
		k.notifySendOnce(e.port)
	case e.send > 0:
		e.send--
	default:
		return kernelError("deallocate", transport.KernInvalidRight)
	}
	if e.empty() {
		t.remove(name)
	}
	return nil
}

// DestroyReceive destroys the receive right held under name, killing the
// port.
func (t *Task) DestroyReceive(name msg.PortName) error {
	k := t.kernel
	k.mu.Lock()
	defer k.mu.Unlock()
	e := t.names[name]
	if e == nil {
		return kernelError("destroy receive", transport.KernInvalidName)
	}
	if !e.receive {
		return kernelError("destroy receive", transport.KernInvalidRight)
	}
	e.receive = false
	k.kill(e.port)
	if e.empty() {
		t.remove(name)
	}
	return nil
}

// SetQueueLimit sets the queue limit of the port whose receive right is name.
func (t *Task) SetQueueLimit(name msg.PortName, limit int) error {
	return t.withReceive("set queue limit", name, func(p *port) { p.qlimit = limit })
}

// SetContext sets the value reported in the context trailer of messages
// received from the port whose receive right is name.
func (t *Task) SetContext(name msg.PortName, context uint64) error {
	return t.withReceive("set context", name, func(p *port) { p.context = context })
}

func (t *Task) withReceive(op string, name msg.PortName, f func(*port)) error {
	k := t.kernel
	k.mu.Lock()
	defer k.mu.Unlock()
	e := t.names[name]
	if e == nil {
		return kernelError(op, transport.KernInvalidName)
	}
	if !e.receive {
		return kernelError(op, transport.KernInvalidRight)
	}
	f(e.port)
	k.broadcast()
	return nil
}

// Give transfers the right named name, with disposition d, into task to and
// returns its name there. It stands in for the bootstrap server that hands
// out send rights in a real system.
func (t *Task) Give(to *Task, name msg.PortName, d msg.Disposition) (msg.PortName, error) {
	k := t.kernel
	k.mu.Lock()
	defer k.mu.Unlock()
	plan := newCopyin(t)
	r, ok := plan.right(name, d)
	if !ok {
		return msg.PortNull, kernelError("give", transport.KernInvalidRight)
	}
	plan.commit()
	return to.insert(r), nil
}

// Rights describes the rights held under one name.
type Rights struct {
	Receive  bool
	Send     uint32
	SendOnce bool
	Dead     bool
}

// Rights returns the rights held under name.
func (t *Task) Rights(name msg.PortName) (Rights, error) {
	k := t.kernel
	k.mu.Lock()
	defer k.mu.Unlock()
	e := t.names[name]
	if e == nil {
		return Rights{}, kernelError("rights", transport.KernInvalidName)
	}
	return Rights{Receive: e.receive, Send: e.send, SendOnce: e.sendOnce, Dead: e.port.dead}, nil
}

// Queued returns the number of messages waiting on the port whose receive
// right is name.
func (t *Task) Queued(name msg.PortName) (int, error) {
	var n int
	err := t.withReceive("queued", name, func(p *port) { n = len(p.queue) })
	return n, err
}

// Close destroys every right the task holds and unmaps its address space.
// Receive rights die with their queues; send-once rights produce send-once
// notifications.
func (t *Task) Close() error {
	k := t.kernel
	k.mu.Lock()
	if t.closed {
		k.mu.Unlock()
		return nil
	}
	t.closed = true
	for name, e := range t.names {
		if e.receive {
			k.kill(e.port)
		}
		if e.sendOnce {
			k.notifySendOnce(e.port)
		}
		t.remove(name)
	}
	k.broadcast()
	k.mu.Unlock()
	return t.space.Close()
}
