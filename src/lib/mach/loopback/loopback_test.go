// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package loopback_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"go.machipc.dev/machipc/src/lib/mach/loopback"
	"go.machipc.dev/machipc/src/lib/mach/msg"
	"go.machipc.dev/machipc/src/lib/mach/transport"
)

type fixture struct {
	server, client *loopback.Task
	// port is the server's receive right; send is the client's send right
	// to it.
	port, send msg.PortName
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	k := loopback.New()
	f := &fixture{
		server: k.NewTask(loopback.Credentials{UID: 0, GID: 0, PID: 1}),
		client: k.NewTask(loopback.Credentials{UID: 501, GID: 20, PID: 42}),
	}
	t.Cleanup(func() {
		if err := f.client.Close(); err != nil {
			t.Errorf("client.Close: %s", err)
		}
		if err := f.server.Close(); err != nil {
			t.Errorf("server.Close: %s", err)
		}
	})
	var err error
	if f.port, err = f.server.AllocatePort(); err != nil {
		t.Fatalf("AllocatePort: %s", err)
	}
	if f.send, err = f.server.Give(f.client, f.port, msg.MakeSend); err != nil {
		t.Fatalf("Give: %s", err)
	}
	return f
}

func (f *fixture) request(payload []byte, descs ...msg.Descriptor) *msg.Message {
	m := msg.New(payload, descs...)
	m.Header.Bits = m.Header.Bits.WithRemote(msg.CopySend)
	m.Header.RemotePort = f.send
	m.Header.ID = 400
	return m
}

func withTimeout(t *testing.T, d time.Duration) context.Context {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}

func TestSendReceive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	client, server := transport.New(f.client), transport.New(f.server)

	if err := client.Send(ctx, f.request([]byte("ping")), transport.Options{}); err != nil {
		t.Fatalf("Send: %s", err)
	}
	got, err := server.Receive(ctx, f.port, transport.Options{})
	if err != nil {
		t.Fatalf("Receive: %s", err)
	}
	want := msg.Header{
		Bits:      msg.MakeBits(msg.DispositionNone, msg.PortSend, msg.DispositionNone, 0),
		Size:      msg.HeaderSize + 4,
		LocalPort: f.port,
		ID:        400,
	}
	if d := cmp.Diff(want, got.Header); d != "" {
		t.Errorf("header: mismatch (-want +got)\n%s", d)
	}
	if !bytes.Equal(got.Payload, []byte("ping")) {
		t.Errorf("payload: got %q, want %q", got.Payload, "ping")
	}
	rights, err := f.client.Rights(f.send)
	if err != nil || rights.Send != 1 {
		t.Errorf("copy-send consumed the client's right: %+v, %v", rights, err)
	}
}

func TestPortRightsMove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	client, server := transport.New(f.client), transport.New(f.server)

	mine, err := f.client.AllocatePort()
	if err != nil {
		t.Fatalf("AllocatePort: %s", err)
	}
	if err := f.client.MakeSend(mine); err != nil {
		t.Fatalf("MakeSend: %s", err)
	}
	req := f.request(nil,
		&msg.PortDescriptor{Name: mine, Disposition: msg.MoveSend},
		&msg.PortDescriptor{Name: mine, Disposition: msg.MakeSendOnce},
		&msg.OOLPortsDescriptor{Names: []msg.PortName{mine, mine}, Disposition: msg.MakeSend},
	)
	if err := client.Send(ctx, req, transport.Options{}); err != nil {
		t.Fatalf("Send: %s", err)
	}
	rights, err := f.client.Rights(mine)
	if err != nil {
		t.Fatalf("Rights: %s", err)
	}
	if d := cmp.Diff(loopback.Rights{Receive: true}, rights); d != "" {
		t.Errorf("client rights after move: mismatch (-want +got)\n%s", d)
	}

	got, err := server.Receive(ctx, f.port, transport.Options{})
	if err != nil {
		t.Fatalf("Receive: %s", err)
	}
	if got.Body == nil || len(got.Body.Descriptors) != 3 {
		t.Fatalf("got body %+v, want 3 descriptors", got.Body)
	}
	send := got.Body.Descriptors[0].(*msg.PortDescriptor)
	once := got.Body.Descriptors[1].(*msg.PortDescriptor)
	array := got.Body.Descriptors[2].(*msg.OOLPortsDescriptor)
	if send.Disposition != msg.PortSend || once.Disposition != msg.PortSendOnce || array.Disposition != msg.PortSend {
		t.Errorf("received dispositions %v, %v, %v", send.Disposition, once.Disposition, array.Disposition)
	}
	if send.Name == once.Name {
		t.Errorf("send-once right shares the send right's name %#x", send.Name)
	}
	if array.Names[0] != send.Name || array.Names[1] != send.Name {
		t.Errorf("array names %v do not merge into send right %#x", array.Names, send.Name)
	}
	rights, err = f.server.Rights(send.Name)
	if err != nil {
		t.Fatalf("Rights: %s", err)
	}
	if rights.Send != 3 {
		t.Errorf("server send references: got %d, want 3", rights.Send)
	}
}

func TestInvalidRights(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	client := transport.New(f.client)

	tests := []struct {
		name string
		msg  *msg.Message
		want transport.Status
	}{
		{"unknown destination", func() *msg.Message {
			m := f.request(nil)
			m.Header.RemotePort = 0xabc03
			return m
		}(), transport.SendInvalidDest},
		{"make-send without receive right", func() *msg.Message {
			m := f.request(nil)
			m.Header.Bits = m.Header.Bits.WithRemote(msg.MakeSend)
			return m
		}(), transport.SendInvalidDest},
		{"unknown reply port", func() *msg.Message {
			m := f.request(nil)
			m.Header.Bits = m.Header.Bits.WithLocal(msg.MakeSendOnce)
			m.Header.LocalPort = 0xabc03
			return m
		}(), transport.SendInvalidReply},
		{"unknown descriptor right", f.request(nil, &msg.PortDescriptor{Name: 0xabc03, Disposition: msg.CopySend}), transport.SendInvalidRight},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			err := client.Send(ctx, test.msg, transport.Options{})
			var kerr *transport.KernelError
			if !errors.As(err, &kerr) || kerr.Code != test.want {
				t.Errorf("got %v, want %v", err, test.want)
			}
		})
	}
	if n, _ := f.server.Queued(f.port); n != 0 {
		t.Errorf("rejected messages were queued: %d", n)
	}
}

func TestOOLTransfer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	client, server := transport.New(f.client), transport.New(f.server)

	big := bytes.Repeat([]byte("0123456789abcdef"), 1024)
	req := f.request(nil,
		&msg.OOLDescriptor{Data: big, Copy: msg.PhysicalCopy, Deallocate: true},
		&msg.OOLDescriptor{Data: []byte("view"), Copy: msg.VirtualCopy},
	)
	if err := client.Send(ctx, req, transport.Options{}); err != nil {
		t.Fatalf("Send: %s", err)
	}
	if n := f.client.Arena().Len(); n != 0 {
		t.Errorf("client regions after send: got %d, want 0", n)
	}

	got, err := server.Receive(ctx, f.port, transport.Options{})
	if err != nil {
		t.Fatalf("Receive: %s", err)
	}
	owned := got.Body.Descriptors[0].(*msg.OOLDescriptor)
	borrowed := got.Body.Descriptors[1].(*msg.OOLDescriptor)
	if !bytes.Equal(owned.Data, big) || owned.Borrowed() {
		t.Errorf("physical copy: got %d bytes, borrowed=%t", len(owned.Data), owned.Borrowed())
	}
	if string(borrowed.Data) != "view" || !borrowed.Borrowed() {
		t.Errorf("virtual copy: got %q, borrowed=%t", borrowed.Data, borrowed.Borrowed())
	}
	if n := f.server.Arena().Len(); n != 1 {
		t.Errorf("server regions: got %d, want 1", n)
	}
	if err := got.Release(f.server.Space()); err != nil {
		t.Fatalf("Release: %s", err)
	}
	if n := f.server.Arena().Len(); n != 0 {
		t.Errorf("server regions after release: got %d, want 0", n)
	}
}

func TestTrailer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	client, server := transport.New(f.client), transport.New(f.server)
	if err := f.server.SetContext(f.port, 0xc0ffee); err != nil {
		t.Fatalf("SetContext: %s", err)
	}

	for i := 0; i < 2; i++ {
		if err := client.Send(ctx, f.request(nil), transport.Options{}); err != nil {
			t.Fatalf("Send: %s", err)
		}
	}
	seqno, err := server.Receive(ctx, f.port, transport.Options{
		Receive: transport.ReceiveTrailer(msg.TrailerFormat0, msg.TrailerSeqno),
	})
	if err != nil {
		t.Fatalf("Receive: %s", err)
	}
	want := &msg.Trailer{
		Type: msg.MakeTrailerType(msg.TrailerFormat0, msg.TrailerSeqno),
		Size: 12,
	}
	if d := cmp.Diff(want, seqno.Trailer); d != "" {
		t.Errorf("seqno trailer: mismatch (-want +got)\n%s", d)
	}

	full, err := server.Receive(ctx, f.port, transport.Options{
		Receive: transport.ReceiveTrailer(msg.TrailerFormat0, msg.TrailerContext),
	})
	if err != nil {
		t.Fatalf("Receive: %s", err)
	}
	want = &msg.Trailer{
		Type:    msg.MakeTrailerType(msg.TrailerFormat0, msg.TrailerContext),
		Size:    60,
		Seqno:   1,
		Sender:  [2]uint32{501, 20},
		Audit:   [8]uint32{501, 501, 20, 501, 20, 42, 42, 0},
		Context: 0xc0ffee,
	}
	if d := cmp.Diff(want, full.Trailer); d != "" {
		t.Errorf("context trailer: mismatch (-want +got)\n%s", d)
	}
}

func TestQueueLimit(t *testing.T) {
	f := newFixture(t)
	client := transport.New(f.client)

	for i := 0; i < loopback.DefaultQueueLimit; i++ {
		if err := client.Send(context.Background(), f.request(nil), transport.Options{}); err != nil {
			t.Fatalf("Send %d: %s", i, err)
		}
	}
	err := client.Send(withTimeout(t, 20*time.Millisecond), f.request(nil), transport.Options{})
	if !errors.Is(err, transport.ErrTimedOut) {
		t.Errorf("send to a full queue: got %v, want %v", err, transport.ErrTimedOut)
	}
	var terr *transport.TimeoutError
	if errors.As(err, &terr) && terr.Code != transport.SendTimedOut {
		t.Errorf("timeout code: got %v, want %v", terr.Code, transport.SendTimedOut)
	}
}

func TestReceiveTimeout(t *testing.T) {
	f := newFixture(t)
	server := transport.New(f.server)
	_, err := server.Receive(withTimeout(t, 10*time.Millisecond), f.port, transport.Options{})
	if !errors.Is(err, transport.ErrTimedOut) {
		t.Errorf("got %v, want %v", err, transport.ErrTimedOut)
	}
	var kerr *transport.KernelError
	if errors.As(err, &kerr) {
		t.Errorf("timeout surfaced as a kernel error: %v", err)
	}
}

func TestReceiveTooLarge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	client, server := transport.New(f.client), transport.New(f.server)
	payload := make([]byte, 256)

	if err := client.Send(ctx, f.request(payload), transport.Options{}); err != nil {
		t.Fatalf("Send: %s", err)
	}
	_, err := server.Receive(ctx, f.port, transport.Options{ReceiveSize: 64})
	var kerr *transport.KernelError
	if !errors.As(err, &kerr) || kerr.Code != transport.RcvTooLarge {
		t.Errorf("small buffer: got %v, want %v", err, transport.RcvTooLarge)
	}
	if n, _ := f.server.Queued(f.port); n != 0 {
		t.Errorf("oversized message still queued")
	}

	if err := client.Send(ctx, f.request(payload), transport.Options{}); err != nil {
		t.Fatalf("Send: %s", err)
	}
	got, err := server.Receive(ctx, f.port, transport.Options{ReceiveSize: 64, Receive: transport.ReceiveLarge})
	if err != nil {
		t.Fatalf("Receive with receive-large: %s", err)
	}
	if len(got.Payload) != len(payload) {
		t.Errorf("payload: got %d bytes, want %d", len(got.Payload), len(payload))
	}
}

func TestSendOnceNotification(t *testing.T) {
	f := newFixture(t)
	ctx := withTimeout(t, 5*time.Second)
	client := transport.New(f.client)

	reply, err := f.client.AllocatePort()
	if err != nil {
		t.Fatalf("AllocatePort: %s", err)
	}
	req := f.request(nil)
	req.Header.Bits = req.Header.Bits.WithLocal(msg.MakeSendOnce)
	req.Header.LocalPort = reply
	if err := client.Send(ctx, req, transport.Options{}); err != nil {
		t.Fatalf("Send: %s", err)
	}
	// The server goes away without answering; the queued request and the
	// send-once right it carries are destroyed.
	if err := f.server.Close(); err != nil {
		t.Fatalf("server.Close: %s", err)
	}

	got, err := client.Receive(ctx, reply, transport.Options{})
	if err != nil {
		t.Fatalf("Receive: %s", err)
	}
	if got.Header.ID != loopback.NotifySendOnce {
		t.Errorf("id: got %d, want %d", got.Header.ID, loopback.NotifySendOnce)
	}

	if err := client.Send(ctx, f.request(nil), transport.Options{}); err == nil {
		t.Errorf("send to a dead port succeeded")
	}
}

func TestGuardedDescriptor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	client, server := transport.New(f.client), transport.New(f.server)

	for _, guarded := range []bool{false, true} {
		p, err := f.client.AllocatePort()
		if err != nil {
			t.Fatalf("AllocatePort: %s", err)
		}
		req := f.request([]byte("abcd"), &msg.GuardedPortDescriptor{
			Name:        p,
			Disposition: msg.MoveReceive,
			Flags:       msg.GuardImmovableReceive,
			Context:     7,
		})
		if err := client.Send(ctx, req, transport.Options{}); err != nil {
			t.Fatalf("Send: %s", err)
		}
		opts := transport.Options{}
		if guarded {
			opts.Receive = transport.ReceiveGuarded
		}
		got, err := server.Receive(ctx, f.port, opts)
		if err != nil {
			t.Fatalf("Receive: %s", err)
		}
		desc := got.Body.Descriptors[0]
		if got, want := desc.Type(), msg.PortDescriptorType; guarded {
			want = msg.GuardedPortDescriptorType
			if got != want {
				t.Errorf("guarded receive: got %v, want %v", got, want)
			}
		} else if got != want {
			t.Errorf("plain receive: got %v, want %v", got, want)
		}
		if d := cmp.Diff([]byte("abcd"), got.Payload); d != "" {
			t.Errorf("payload (guarded=%t): mismatch (-want +got)\n%s", guarded, d)
		}
		if got, want := got.Size(), int(got.Header.Size); got != want {
			t.Errorf("guarded=%t: message is %d bytes, header says %d", guarded, got, want)
		}
		if _, err := f.client.Rights(p); err == nil {
			t.Errorf("client kept the moved receive right")
		}
	}
}
