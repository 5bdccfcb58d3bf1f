// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package transport

import (
	"errors"
	"fmt"
)

// ErrTimedOut matches every TimeoutError under errors.Is.
var ErrTimedOut = errors.New("mach: timed out")

// KernelError is a non-success status returned by the kernel, or carried
// back in a MIG error reply.
type KernelError struct {
	Op   string
	Code Status
}

func (e *KernelError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("mach: %s (%#x)", e.Code, uint32(e.Code))
	}
	return fmt.Sprintf("mach: %s: %s (%#x)", e.Op, e.Code, uint32(e.Code))
}

// TimeoutError reports that the kernel gave up waiting for a send or a
// receive to complete.
type TimeoutError struct {
	Op   string
	Code Status
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("mach: %s: %s", e.Op, e.Code)
}

func (e *TimeoutError) Is(target error) bool { return target == ErrTimedOut }

// Timeout lets callers detect the error through the net.Error convention.
func (e *TimeoutError) Timeout() bool { return true }

// statusError converts a kernel status into an error.
func statusError(op string, code Status) error {
	switch code {
	case Success:
		return nil
	case SendTimedOut, RcvTimedOut:
		return &TimeoutError{Op: op, Code: code}
	}
	return &KernelError{Op: op, Code: code}
}
