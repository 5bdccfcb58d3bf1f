// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package mig

import (
	"go.machipc.dev/machipc/src/lib/mach/msg"
)

// NDR describes the data representation of the arguments that follow it.
// Every request and reply starts its inline data with one.
type NDR struct {
	MigVendor   uint8
	IfVendor    uint8
	Reserved1   uint8
	MigEncoding uint8
	IntRep      uint8
	CharRep     uint8
	FloatRep    uint8
	Reserved2   uint8
}

// DefaultNDR is the record of a little-endian, ASCII, IEEE float host.
var DefaultNDR = NDR{IntRep: 1}

const (
	// NDRSize is the encoded size of an NDR record.
	NDRSize = 8
	// ErrorReplySize is the size of an error reply: a header, an NDR record
	// and a return code.
	ErrorReplySize = msg.HeaderSize + NDRSize + 4
	// NotifySendOnce is the id of the notification the kernel sends in
	// place of a reply when the send-once right for it is destroyed.
	NotifySendOnce = 71
	// replyIDOffset is added to a routine id to get the id of its reply.
	replyIDOffset = 100
)

// ReplyID returns the id of the reply to a request with id id.
func ReplyID(id int32) int32 {
	return id + replyIDOffset
}

// errorReply is the inline data of an error reply.
type errorReply struct {
	NDR     NDR
	RetCode int32
}

// NewRequest returns a request carrying the inline arguments in args, which
// points to a struct or is nil, and the given descriptors.
func NewRequest(args interface{}, descriptors ...msg.Descriptor) (*msg.Message, error) {
	payload, err := encodeArgs(args, nil)
	if err != nil {
		return nil, err
	}
	return msg.New(payload, descriptors...), nil
}

// NewReply returns a successful reply carrying args and the given
// descriptors. A reply without descriptors also carries a zero return code
// ahead of its arguments.
func NewReply(args interface{}, descriptors ...msg.Descriptor) (*msg.Message, error) {
	var retCode *int32
	if len(descriptors) == 0 {
		retCode = new(int32)
	}
	payload, err := encodeArgs(args, retCode)
	if err != nil {
		return nil, err
	}
	return msg.New(payload, descriptors...), nil
}

// NewErrorReply returns the reply to req that reports code in place of a
// result.
func NewErrorReply(req *msg.Message, code int32) *msg.Message {
	payload, _ := MarshalArgs(&errorReply{NDR: DefaultNDR, RetCode: code})
	m := msg.New(payload)
	m.Header.ID = ReplyID(req.Header.ID)
	return m
}

func encodeArgs(args interface{}, retCode *int32) ([]byte, error) {
	payload, _ := MarshalArgs(&DefaultNDR)
	if retCode != nil {
		rc, _ := MarshalArgs(&struct{ RetCode int32 }{*retCode})
		payload = append(payload, rc...)
	}
	b, err := MarshalArgs(args)
	if err != nil {
		return nil, err
	}
	return append(payload, b...), nil
}

// decodeReply extracts the return code of a simple reply and decodes the
// arguments that follow into args.
func decodeReply(m *msg.Message, args interface{}) (int32, error) {
	if len(m.Payload) < NDRSize {
		return 0, typeError("reply payload of %d bytes has no NDR record", len(m.Payload))
	}
	data := m.Payload[NDRSize:]
	var retCode int32
	if !m.Header.Bits.Complex() {
		var rc struct{ RetCode int32 }
		if err := UnmarshalArgs(data, &rc); err != nil {
			return 0, err
		}
		if retCode = rc.RetCode; retCode != 0 {
			return retCode, nil
		}
		data = data[4:]
	}
	return retCode, UnmarshalArgs(data, args)
}

// DecodeRequest decodes the inline arguments of a request into args.
func DecodeRequest(m *msg.Message, args interface{}) error {
	if len(m.Payload) < NDRSize {
		return typeError("request payload of %d bytes has no NDR record", len(m.Payload))
	}
	return UnmarshalArgs(m.Payload[NDRSize:], args)
}
