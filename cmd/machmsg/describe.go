// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package main

import (
	"encoding/hex"
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/go-yaml/yaml"

	"go.machipc.dev/machipc/src/lib/mach/msg"
)

// description is the YAML form of a message accepted by encode.
//
//	id: 1005
//	remote: {name: 0x103, disposition: copy-send}
//	local: {name: 0x203, disposition: make-send-once}
//	payload: "hello"
//	descriptors:
//	- {type: port, name: 0x303, disposition: move-send}
//	- {type: ool, data: "cafe", copy: virtual}
//
// A non-zero size overrides the size field of the header. payload is sent
// verbatim and payload_hex is decoded first; at most one may be set. The
// data of out-of-line descriptors is hex.
type description struct {
	ID          int32            `yaml:"id"`
	Remote      portField        `yaml:"remote"`
	Local       portField        `yaml:"local"`
	Voucher     portField        `yaml:"voucher"`
	Size        uint32           `yaml:"size"`
	Payload     string           `yaml:"payload"`
	PayloadHex  string           `yaml:"payload_hex"`
	Descriptors []descriptorDesc `yaml:"descriptors"`
}

type portField struct {
	Name        uint32 `yaml:"name"`
	Disposition string `yaml:"disposition"`
}

type descriptorDesc struct {
	Type        string   `yaml:"type"`
	Name        uint32   `yaml:"name"`
	Names       []uint32 `yaml:"names"`
	Disposition string   `yaml:"disposition"`
	Data        string   `yaml:"data"`
	Copy        string   `yaml:"copy"`
	Deallocate  bool     `yaml:"deallocate"`
	Flags       []string `yaml:"flags"`
	Context     uint64   `yaml:"context"`
}

var guardFlagNames = map[string]msg.GuardFlags{
	"immovable-receive": msg.GuardImmovableReceive,
	"unguarded-on-send": msg.GuardUnguardedOnSend,
}

// readDescription parses a YAML description from r.
func readDescription(r io.Reader) (*description, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	var d description
	if err := yaml.UnmarshalStrict(b, &d); err != nil {
		return nil, fmt.Errorf("failed to parse message description: %v", err)
	}
	return &d, nil
}

func parseDisposition(s string) (msg.Disposition, error) {
	if s == "" {
		return msg.DispositionNone, nil
	}
	return msg.ParseDisposition(s)
}

// message builds the message d describes.
func (d *description) message() (*msg.Message, error) {
	if d.Payload != "" && d.PayloadHex != "" {
		return nil, fmt.Errorf("payload and payload_hex are mutually exclusive")
	}
	payload := []byte(d.Payload)
	if d.PayloadHex != "" {
		var err error
		if payload, err = hex.DecodeString(d.PayloadHex); err != nil {
			return nil, fmt.Errorf("payload_hex: %v", err)
		}
	}

	var descs []msg.Descriptor
	for i, dd := range d.Descriptors {
		desc, err := dd.descriptor()
		if err != nil {
			return nil, fmt.Errorf("descriptor %d: %v", i, err)
		}
		descs = append(descs, desc)
	}
	m := msg.New(payload, descs...)

	var disps [3]msg.Disposition
	for i, f := range []portField{d.Remote, d.Local, d.Voucher} {
		disp, err := parseDisposition(f.Disposition)
		if err != nil {
			return nil, err
		}
		disps[i] = disp
	}
	m.Header.Bits = msg.MakeBits(disps[0], disps[1], disps[2], m.Header.Bits.Other())
	m.Header.RemotePort = msg.PortName(d.Remote.Name)
	m.Header.LocalPort = msg.PortName(d.Local.Name)
	m.Header.VoucherPort = msg.PortName(d.Voucher.Name)
	m.Header.ID = d.ID
	m.Header.Size = d.Size
	return m, nil
}

func (dd *descriptorDesc) descriptor() (msg.Descriptor, error) {
	disp, err := parseDisposition(dd.Disposition)
	if err != nil {
		return nil, err
	}
	var copyOpt msg.CopyOption
	if dd.Copy != "" {
		if copyOpt, err = msg.ParseCopyOption(dd.Copy); err != nil {
			return nil, err
		}
	}
	switch dd.Type {
	case "port":
		return &msg.PortDescriptor{Name: msg.PortName(dd.Name), Disposition: disp}, nil
	case "ool", "ool-volatile":
		data, err := hex.DecodeString(dd.Data)
		if err != nil {
			return nil, fmt.Errorf("data: %v", err)
		}
		return &msg.OOLDescriptor{
			Data:       data,
			Copy:       copyOpt,
			Deallocate: dd.Deallocate,
			Volatile:   dd.Type == "ool-volatile",
		}, nil
	case "ool-ports":
		names := make([]msg.PortName, len(dd.Names))
		for i, n := range dd.Names {
			names[i] = msg.PortName(n)
		}
		return &msg.OOLPortsDescriptor{Names: names, Disposition: disp, Copy: copyOpt, Deallocate: dd.Deallocate}, nil
	case "guarded-port":
		var flags msg.GuardFlags
		for _, f := range dd.Flags {
			flag, ok := guardFlagNames[f]
			if !ok {
				return nil, fmt.Errorf("unknown guard flag %q", f)
			}
			flags |= flag
		}
		return &msg.GuardedPortDescriptor{Name: msg.PortName(dd.Name), Disposition: disp, Flags: flags, Context: dd.Context}, nil
	}
	return nil, fmt.Errorf("unknown descriptor type %q", dd.Type)
}

// summarize writes a one-line-per-part summary of m to w.
func summarize(w io.Writer, m *msg.Message) {
	h := m.Header
	fmt.Fprintf(w, "id %d, %s, bits %s\n", h.ID, humanize.Bytes(uint64(h.Size)), h.Bits)
	fmt.Fprintf(w, "remote %#x local %#x voucher %#x\n", h.RemotePort, h.LocalPort, h.VoucherPort)
	if m.Body != nil {
		for i, desc := range m.Body.Descriptors {
			fmt.Fprintf(w, "descriptor %d: %s\n", i, describeDescriptor(desc))
		}
		if m.Body.Truncated() {
			fmt.Fprintln(w, "body truncated")
		}
	}
	if len(m.Payload) > 0 {
		fmt.Fprintf(w, "payload %s: %s\n", humanize.Bytes(uint64(len(m.Payload))), hex.EncodeToString(m.Payload))
	}
	if t := m.Trailer; t != nil {
		fmt.Fprintf(w, "trailer %s: seqno %d sender %d/%d\n", t.Type.Elements(), t.Seqno, t.Sender[0], t.Sender[1])
	}
}

func describeDescriptor(desc msg.Descriptor) string {
	switch d := desc.(type) {
	case *msg.PortDescriptor:
		return fmt.Sprintf("port %#x %s", d.Name, d.Disposition)
	case *msg.OOLDescriptor:
		var sb strings.Builder
		fmt.Fprintf(&sb, "%s %s copy=%s", d.Type(), humanize.Bytes(uint64(d.Len())), d.Copy)
		if d.Deallocate {
			sb.WriteString(" deallocate")
		}
		if d.Detached() {
			sb.WriteString(" detached")
		}
		return sb.String()
	case *msg.OOLPortsDescriptor:
		return fmt.Sprintf("ool-ports %d names %s copy=%s", d.Len(), d.Disposition, d.Copy)
	case *msg.GuardedPortDescriptor:
		return fmt.Sprintf("guarded-port %#x %s flags=%#x context=%#x", d.Name, d.Disposition, d.Flags, d.Context)
	}
	return desc.Type().String()
}
