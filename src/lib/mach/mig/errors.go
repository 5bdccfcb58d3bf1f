// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package mig

import (
	"errors"
	"fmt"

	"go.machipc.dev/machipc/src/lib/mach/transport"
)

// Coder is implemented by errors that carry a status code for the error
// reply a server sends back.
type Coder interface {
	Code() int32
}

// ErrorCode is a status a MIG stub reports in place of a routine's result.
type ErrorCode int32

const (
	TypeError     ErrorCode = -300
	ReplyMismatch ErrorCode = -301
	RemoteError   ErrorCode = -302
	BadID         ErrorCode = -303
	BadArguments  ErrorCode = -304
	NoReply       ErrorCode = -305
	Exception     ErrorCode = -306
	ArrayTooLarge ErrorCode = -307
	ServerDied    ErrorCode = -308
	TrailerError  ErrorCode = -309
)

// Error implements error for ErrorCode.
func (e ErrorCode) Error() string {
	return transport.Status(e).String()
}

// Code implements Coder.
func (e ErrorCode) Code() int32 {
	return int32(e)
}

var (
	// ErrServerDied is returned by a call whose reply right was destroyed
	// before the server answered.
	ErrServerDied error = ServerDied
	// ErrReplyMismatch matches every reply whose id does not belong to the
	// routine that was called.
	ErrReplyMismatch error = ReplyMismatch
	// ErrProtocolError matches every reply that is malformed for MIG, such
	// as one that still names a remote port.
	ErrProtocolError error = protocolError{}
)

type protocolError struct {
	reason string
}

func (e protocolError) Error() string {
	if e.reason == "" {
		return "mig: protocol error"
	}
	return "mig: protocol error: " + e.reason
}

func (e protocolError) Is(target error) bool {
	_, ok := target.(protocolError)
	return ok
}

// Unwrap lets a protocol error be matched as a TypeError, the status a
// generated stub would have reported.
func (e protocolError) Unwrap() error { return TypeError }

// mismatchError reports the reply id a call expected and the one it got.
type mismatchError struct {
	want, got int32
}

func (e mismatchError) Error() string {
	return fmt.Sprintf("%s: expected reply id %d, got %d", ReplyMismatch.Error(), e.want, e.got)
}

func (e mismatchError) Unwrap() error { return ReplyMismatch }

// typeError reports a payload that does not match the routine's arguments.
func typeError(format string, a ...interface{}) error {
	return fmt.Errorf("%w: %s", TypeError, fmt.Sprintf(format, a...))
}

// replyCode is the status a server puts in the error reply for err.
func replyCode(err error) int32 {
	var kerr *transport.KernelError
	if errors.As(err, &kerr) {
		return int32(kerr.Code)
	}
	var c Coder
	if errors.As(err, &c) {
		return c.Code()
	}
	return int32(RemoteError)
}
