// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"go.machipc.dev/machipc/src/lib/mach/msg"
	"go.machipc.dev/machipc/src/lib/retry"
)

const exampleYAML = `
id: 1005
remote: {name: 0x103, disposition: copy-send}
local: {name: 0x203, disposition: make-send-once}
payload: "ping"
descriptors:
- {type: port, name: 0x303, disposition: move-send}
- {type: ool, data: "cafe", copy: virtual, deallocate: true}
- {type: ool-ports, names: [0x403, 0x503], disposition: copy-send}
- {type: guarded-port, name: 0x603, disposition: move-receive, flags: [immovable-receive], context: 7}
`

func TestDescriptionMessage(t *testing.T) {
	d, err := readDescription(strings.NewReader(exampleYAML))
	if err != nil {
		t.Fatalf("readDescription: %s", err)
	}
	got, err := d.message()
	if err != nil {
		t.Fatalf("message: %s", err)
	}
	want := msg.New([]byte("ping"),
		&msg.PortDescriptor{Name: 0x303, Disposition: msg.MoveSend},
		&msg.OOLDescriptor{Data: []byte{0xca, 0xfe}, Copy: msg.VirtualCopy, Deallocate: true},
		&msg.OOLPortsDescriptor{Names: []msg.PortName{0x403, 0x503}, Disposition: msg.CopySend},
		&msg.GuardedPortDescriptor{Name: 0x603, Disposition: msg.MoveReceive, Flags: msg.GuardImmovableReceive, Context: 7},
	)
	want.Header = msg.Header{
		Bits:       msg.MakeBits(msg.CopySend, msg.MakeSendOnce, msg.DispositionNone, msg.BitsComplex),
		RemotePort: 0x103,
		LocalPort:  0x203,
		ID:         1005,
	}
	if d := cmp.Diff(want, got, cmpopts.IgnoreUnexported(msg.OOLDescriptor{}, msg.OOLPortsDescriptor{}, msg.Body{})); d != "" {
		t.Errorf("message: mismatch (-want +got)\n%s", d)
	}
}

func TestDescriptionErrors(t *testing.T) {
	tests := []struct {
		name, yaml string
	}{
		{"unknown field", "idd: 3"},
		{"both payloads", "{payload: a, payload_hex: 61}"},
		{"bad hex", "payload_hex: zz"},
		{"bad disposition", "remote: {name: 1, disposition: steal}"},
		{"bad descriptor type", "descriptors: [{type: fd}]"},
		{"bad copy option", "descriptors: [{type: ool, copy: teleport}]"},
		{"bad guard flag", "descriptors: [{type: guarded-port, flags: [sticky]}]"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			d, err := readDescription(strings.NewReader(test.yaml))
			if err == nil {
				_, err = d.message()
			}
			if err == nil {
				t.Errorf("accepted %q", test.yaml)
			}
		})
	}
}

func TestEncodeDecode(t *testing.T) {
	dir := t.TempDir()
	in := filepath.Join(dir, "msg.yaml")
	if err := os.WriteFile(in, []byte("{id: 7, remote: {name: 0x103, disposition: copy-send}, payload: hi}"), 0o644); err != nil {
		t.Fatal(err)
	}
	var encoded bytes.Buffer
	enc := EncodeCommand{input: in, trailer: "seqno"}
	if err := enc.execute(&encoded); err != nil {
		t.Fatalf("encode: %s", err)
	}
	b, err := hex.DecodeString(strings.TrimSpace(encoded.String()))
	if err != nil {
		t.Fatalf("encode output is not hex: %s", err)
	}
	if got, want := len(b), msg.HeaderSize+4+12; got != want {
		t.Errorf("encoded length: got %d, want %d", got, want)
	}

	out := filepath.Join(dir, "msg.hex")
	if err := os.WriteFile(out, encoded.Bytes(), 0o644); err != nil {
		t.Fatal(err)
	}
	var decoded bytes.Buffer
	dec := DecodeCommand{input: out, trailer: "seqno"}
	if err := dec.execute(&decoded); err != nil {
		t.Fatalf("decode: %s", err)
	}
	for _, want := range []string{"id 7", "remote 0x103", "payload 4 B: 68690000", "trailer seqno"} {
		if !strings.Contains(decoded.String(), want) {
			t.Errorf("decode output %q does not contain %q", decoded.String(), want)
		}
	}

	decoded.Reset()
	dec.verbose = true
	if err := dec.execute(&decoded); err != nil {
		t.Fatalf("decode -v: %s", err)
	}
	if !strings.Contains(decoded.String(), "ID:") {
		t.Errorf("decode -v output %q does not dump the header", decoded.String())
	}
}

func TestEcho(t *testing.T) {
	for _, copyOpt := range []string{"physical", "virtual"} {
		t.Run(copyOpt, func(t *testing.T) {
			var out bytes.Buffer
			cmd := EchoCommand{count: 3, size: 100, copyOpt: copyOpt, timeout: 10 * time.Second, retries: 3, giveUp: time.Second}
			if err := cmd.execute(context.Background(), &out); err != nil {
				t.Fatalf("echo: %s", err)
			}
			if !strings.HasPrefix(out.String(), "3 round trips of 100 B") {
				t.Errorf("got %q", out.String())
			}
		})
	}
}

func TestEchoServerBackoff(t *testing.T) {
	cmd := EchoCommand{retries: 2, giveUp: time.Minute}
	b := cmd.serverBackoff()
	b.Reset()
	for i := 0; i < 2; i++ {
		if got := b.Next(); got == retry.Stop || got > 100*time.Millisecond {
			t.Errorf("failure %d: got wait %v", i, got)
		}
	}
	if got := b.Next(); got != retry.Stop {
		t.Errorf("got wait %v after the last retry, want stop", got)
	}
}

func TestEchoHostUnavailable(t *testing.T) {
	if runtime.GOOS == "darwin" {
		t.Skip("the host kernel is available")
	}
	cmd := EchoCommand{count: 1, size: 1, copyOpt: "virtual", timeout: time.Second, host: true}
	if err := cmd.execute(context.Background(), &bytes.Buffer{}); err == nil {
		t.Errorf("echo -host succeeded on %s", runtime.GOOS)
	}
}
