// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package msg

import (
	"errors"
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var messageOpts = cmp.Options{
	descriptorOpts,
	cmpopts.IgnoreUnexported(Body{}),
}

func TestBodyFraming(t *testing.T) {
	all := []Descriptor{
		&PortDescriptor{Name: 0x103, Disposition: MoveSend},
		&OOLDescriptor{Data: []byte("abc"), Copy: PhysicalCopy},
		&GuardedPortDescriptor{Name: 0x203, Disposition: MoveReceive, Context: 42},
		&OOLPortsDescriptor{Names: []PortName{5, 6}, Disposition: CopySend},
		&PortDescriptor{Name: 0x303, Disposition: MakeSendOnce},
	}
	for _, n := range []int{0, 1, len(all)} {
		t.Run(fmt.Sprintf("%d descriptors", n), func(t *testing.T) {
			space := newTestArena(t)
			body := &Body{Descriptors: all[:n]}
			var e encoder
			s := encodeState{space: space}
			if err := body.marshal(&e, &s); err != nil {
				t.Fatalf("marshal: %s", err)
			}
			if len(e.buffer) != body.Size() {
				t.Errorf("got %d bytes, want %d", len(e.buffer), body.Size())
			}
			got, err := UnmarshalBody(e.buffer, space)
			if err != nil {
				t.Fatalf("UnmarshalBody: %s", err)
			}
			if got.Truncated() {
				t.Errorf("Truncated: got true, want false")
			}
			if d := cmp.Diff(body, got, messageOpts); d != "" {
				t.Errorf("body round trip: mismatch (-want +got)\n%s", d)
			}
		})
	}
}

func TestBodyStopsAtUnknownType(t *testing.T) {
	body := &Body{Descriptors: []Descriptor{
		&PortDescriptor{Name: 1, Disposition: CopySend},
		&PortDescriptor{Name: 2, Disposition: CopySend},
		&PortDescriptor{Name: 3, Disposition: CopySend},
	}}
	var e encoder
	if err := body.marshal(&e, &encodeState{}); err != nil {
		t.Fatalf("marshal: %s", err)
	}
	e.buffer[BodyCountSize+PortDescriptorSize+typeOffset] = 0x7f

	got, err := UnmarshalBody(e.buffer, nil)
	if err != nil {
		t.Fatalf("UnmarshalBody: %s", err)
	}
	if !got.Truncated() {
		t.Errorf("Truncated: got false, want true")
	}
	want := body.Descriptors[:1]
	if d := cmp.Diff(want, got.Descriptors, messageOpts); d != "" {
		t.Errorf("partial body: mismatch (-want +got)\n%s", d)
	}
}

func TestBodyStopsAtShortBuffer(t *testing.T) {
	body := &Body{Descriptors: []Descriptor{
		&PortDescriptor{Name: 1, Disposition: CopySend},
		&GuardedPortDescriptor{Name: 2, Disposition: MoveReceive},
	}}
	var e encoder
	if err := body.marshal(&e, &encodeState{}); err != nil {
		t.Fatalf("marshal: %s", err)
	}
	got, err := UnmarshalBody(e.buffer[:len(e.buffer)-2], nil)
	if err != nil {
		t.Fatalf("UnmarshalBody: %s", err)
	}
	if !got.Truncated() || len(got.Descriptors) != 1 {
		t.Errorf("got truncated=%t with %d descriptors, want truncated=true with 1", got.Truncated(), len(got.Descriptors))
	}
}

func TestBodyCountExceedsSize(t *testing.T) {
	var e encoder
	e.writeUint(1000, BodyCountSize)
	e.writeBytes(make([]byte, 2*PortDescriptorSize))
	if _, err := UnmarshalBody(e.buffer, nil); !errors.Is(err, ErrSizeMismatch) {
		t.Errorf("got %v, want %v", err, ErrSizeMismatch)
	}
}

func TestMessageRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		msg  *Message
	}{
		{"empty", New(nil)},
		{"payload", New([]byte("payload"))},
		{"unaligned payload", New([]byte{1, 2, 3, 4, 5})},
		{"complex", New([]byte{9, 9}, &PortDescriptor{Name: 0x503, Disposition: MoveSend})},
		{"complex without payload", New(nil,
			&OOLDescriptor{Data: []byte("ool bytes"), Copy: PhysicalCopy},
			&OOLPortsDescriptor{Names: []PortName{7}, Disposition: MakeSend, Copy: Allocate},
		)},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			space := newTestArena(t)
			test.msg.Header.Bits = test.msg.Header.Bits.WithRemote(CopySend)
			test.msg.Header.RemotePort = 0x1103
			test.msg.Header.ID = 77

			enc, err := Marshal(test.msg, space)
			if err != nil {
				t.Fatalf("Marshal: %s", err)
			}
			h, err := UnmarshalHeader(enc.Bytes)
			if err != nil {
				t.Fatalf("UnmarshalHeader: %s", err)
			}
			if int(h.Size) != len(enc.Bytes) || enc.SendSize != len(enc.Bytes) {
				t.Errorf("size: header says %d, send size %d, buffer holds %d", h.Size, enc.SendSize, len(enc.Bytes))
			}
			if len(enc.Bytes)%Alignment != 0 {
				t.Errorf("buffer length %d is not aligned", len(enc.Bytes))
			}
			if h.Bits.Complex() != (test.msg.Body != nil) {
				t.Errorf("complex bit: got %t, want %t", h.Bits.Complex(), test.msg.Body != nil)
			}

			got, err := Unmarshal(enc.Bytes, UnmarshalOptions{Space: space})
			if err != nil {
				t.Fatalf("Unmarshal: %s", err)
			}
			want := *test.msg
			want.Header.Size = h.Size
			// The decoded payload runs to the end of the message, padding
			// included.
			want.Payload = make([]byte, int(h.Size)-HeaderSize-bodySize(test.msg))
			copy(want.Payload, test.msg.Payload)
			if d := cmp.Diff(&want, got, messageOpts); d != "" {
				t.Errorf("message round trip: mismatch (-want +got)\n%s", d)
			}
		})
	}
}

func bodySize(m *Message) int {
	if m.Body == nil {
		return 0
	}
	return m.Body.Size()
}

func TestComplexBitFollowsBody(t *testing.T) {
	m := New([]byte("x"))
	m.Header.Bits = BitsComplex
	enc, err := Marshal(m, nil)
	if err != nil {
		t.Fatalf("Marshal: %s", err)
	}
	h, _ := UnmarshalHeader(enc.Bytes)
	if h.Bits.Complex() {
		t.Errorf("simple message encoded with the complex bit set")
	}

	m = &Message{Body: &Body{}}
	enc, err = Marshal(m, nil)
	if err != nil {
		t.Fatalf("Marshal: %s", err)
	}
	h, _ = UnmarshalHeader(enc.Bytes)
	if !h.Bits.Complex() {
		t.Errorf("message with an empty body encoded without the complex bit")
	}
	if got, want := len(enc.Bytes), HeaderSize+BodyCountSize; got != want {
		t.Errorf("got %d bytes, want %d", got, want)
	}
}

func TestMarshalTrustsExplicitSize(t *testing.T) {
	m := New([]byte("abcd"))
	m.Header.Size = 64
	enc, err := Marshal(m, nil)
	if err != nil {
		t.Fatalf("Marshal: %s", err)
	}
	h, _ := UnmarshalHeader(enc.Bytes)
	if h.Size != 64 || enc.SendSize != 64 || len(enc.Bytes) != 64 {
		t.Errorf("got size=%d send=%d len=%d, want 64 for all", h.Size, enc.SendSize, len(enc.Bytes))
	}
}

func TestTrailerFollowsExplicitSize(t *testing.T) {
	m := New([]byte("abcdefgh"))
	m.Header.Size = HeaderSize + 4
	m.Trailer = NewTrailer(TrailerSender)
	m.Trailer.Seqno = 3

	enc, err := Marshal(m, nil)
	if err != nil {
		t.Fatalf("Marshal: %s", err)
	}
	if got, want := len(enc.Bytes), HeaderSize+4+TrailerSender.Size(); got != want {
		t.Errorf("got %d bytes, want %d", got, want)
	}
	got, err := Unmarshal(enc.Bytes, UnmarshalOptions{Trailer: TrailerSender})
	if err != nil {
		t.Fatalf("Unmarshal: %s", err)
	}
	if got, want := string(got.Payload), "abcd"; got != want {
		t.Errorf("payload: got %q, want %q", got, want)
	}
	if d := cmp.Diff(m.Trailer, got.Trailer); d != "" {
		t.Errorf("trailer: mismatch (-want +got)\n%s", d)
	}
}

func TestMessageTrailer(t *testing.T) {
	m := New([]byte("abc"))
	m.Trailer = NewTrailer(TrailerSender)
	m.Trailer.Seqno = 12
	m.Trailer.Sender = [2]uint32{501, 20}

	enc, err := Marshal(m, nil)
	if err != nil {
		t.Fatalf("Marshal: %s", err)
	}
	if got, want := len(enc.Bytes), enc.SendSize+TrailerSender.Size(); got != want {
		t.Errorf("got %d bytes, want %d", got, want)
	}

	got, err := Unmarshal(enc.Bytes, UnmarshalOptions{Trailer: TrailerSender})
	if err != nil {
		t.Fatalf("Unmarshal: %s", err)
	}
	if d := cmp.Diff(m.Trailer, got.Trailer); d != "" {
		t.Errorf("trailer: mismatch (-want +got)\n%s", d)
	}
	if got, want := string(got.Payload[:3]), "abc"; got != want {
		t.Errorf("payload: got %q, want %q", got, want)
	}
}

func TestUnmarshalWithoutTrailer(t *testing.T) {
	enc, err := Marshal(New([]byte("abcd")), nil)
	if err != nil {
		t.Fatalf("Marshal: %s", err)
	}
	// A zeroed receive buffer leaves the trailer size at zero.
	buf := append(enc.Bytes, make([]byte, MaxTrailerSize)...)
	got, err := Unmarshal(buf, UnmarshalOptions{Trailer: TrailerAudit})
	if err != nil {
		t.Fatalf("Unmarshal: %s", err)
	}
	if got.Trailer != nil {
		t.Errorf("got trailer %+v, want none", got.Trailer)
	}
}

func TestUnmarshalErrors(t *testing.T) {
	valid, err := Marshal(New([]byte("abcdefgh"), &PortDescriptor{Name: 1}), nil)
	if err != nil {
		t.Fatalf("Marshal: %s", err)
	}
	overclaim := New(nil, &PortDescriptor{Name: 1})
	overclaimed, err := Marshal(overclaim, nil)
	if err != nil {
		t.Fatalf("Marshal: %s", err)
	}
	order.PutUint32(overclaimed.Bytes[HeaderSize:], 50)

	undersized := append([]byte(nil), valid.Bytes...)
	order.PutUint32(undersized[4:], HeaderSize-4)

	tests := []struct {
		name string
		buf  []byte
		want error
	}{
		{"short header", valid.Bytes[:HeaderSize-1], ErrTruncatedInput},
		{"short message", valid.Bytes[:len(valid.Bytes)-1], ErrTruncatedInput},
		{"count exceeds size", overclaimed.Bytes, ErrSizeMismatch},
		{"size below header", undersized, ErrSizeMismatch},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := Unmarshal(test.buf, UnmarshalOptions{}); !errors.Is(err, test.want) {
				t.Errorf("got %v, want %v", err, test.want)
			}
		})
	}
}

func TestEncodedRelease(t *testing.T) {
	tests := []struct {
		name    string
		dealloc bool
		sent    bool
		want    int
	}{
		{"unsent", false, false, 0},
		{"unsent dealloc", true, false, 0},
		{"sent", false, true, 0},
		// The kernel took the region; it is no longer ours to free.
		{"sent dealloc", true, true, 1},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			space := newTestArena(t)
			m := New(nil, &OOLDescriptor{Data: []byte("region"), Deallocate: test.dealloc})
			enc, err := Marshal(m, space)
			if err != nil {
				t.Fatalf("Marshal: %s", err)
			}
			if err := enc.Release(test.sent); err != nil {
				t.Fatalf("Release: %s", err)
			}
			if got := space.Len(); got != test.want {
				t.Errorf("regions: got %d, want %d", got, test.want)
			}
		})
	}
}

func TestMessageReleaseBorrowed(t *testing.T) {
	space := newTestArena(t)
	m := New(nil,
		&OOLDescriptor{Data: []byte("borrowed"), Copy: VirtualCopy},
		&OOLPortsDescriptor{Names: []PortName{1, 2}, Copy: VirtualCopy},
		&OOLDescriptor{Data: []byte("owned"), Copy: PhysicalCopy},
	)
	enc, err := Marshal(m, space)
	if err != nil {
		t.Fatalf("Marshal: %s", err)
	}
	got, err := Unmarshal(enc.Bytes, UnmarshalOptions{Space: space})
	if err != nil {
		t.Fatalf("Unmarshal: %s", err)
	}
	if n := space.Len(); n != 2 {
		t.Errorf("regions after unmarshal: got %d, want 2", n)
	}
	if err := got.Release(space); err != nil {
		t.Fatalf("Release: %s", err)
	}
	if n := space.Len(); n != 0 {
		t.Errorf("regions after release: got %d, want 0", n)
	}
}
