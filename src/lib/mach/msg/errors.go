// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package msg

import (
	"fmt"
	"strconv"
)

// ValidationError represents an error produced while decoding or encoding a
// message.
type ValidationError interface {
	error

	// Code returns the underlying ErrorCode value, which all ValidationErrors
	// must have.
	Code() ErrorCode
}

// ErrorCode represents a set of machine-readable error codes each
// ValidationError has.
type ErrorCode uint32

const (
	_ ErrorCode = iota
	ErrTruncatedInput
	ErrSizeMismatch
	ErrUnknownDescriptorType
	ErrNoAddressSpace
	ErrInvalidDescriptor
	ErrBadAddress
)

// Error implements error for ErrorCode
func (e ErrorCode) Error() string {
	switch e {
	case ErrTruncatedInput:
		return "truncated input"
	case ErrSizeMismatch:
		return "size mismatch"
	case ErrUnknownDescriptorType:
		return "unknown descriptor type"
	case ErrNoAddressSpace:
		return "out-of-line data requires an address space"
	case ErrInvalidDescriptor:
		return "invalid descriptor"
	case ErrBadAddress:
		return "address not mapped"
	default:
		return "unknown error code " + strconv.FormatUint(uint64(e), 10)
	}
}

// Code implements the ValidationError interface.
func (e ErrorCode) Code() ErrorCode {
	return e
}

// valueError represents an error that refers to a single value.
type valueError struct {
	ErrorCode
	value interface{}
}

func newValueError(code ErrorCode, value interface{}) valueError {
	return valueError{
		ErrorCode: code,
		value:     value,
	}
}

func (e valueError) Error() string {
	return fmt.Sprintf("%s: %v", e.ErrorCode.Error(), e.value)
}

func (e valueError) Unwrap() error {
	return e.ErrorCode
}

// expectError represents an error that refers to the expectation of a
// certain value, and displays a comparison between the actual value and
// the expected value.
type expectError struct {
	ErrorCode
	expect interface{}
	actual interface{}
}

func newExpectError(code ErrorCode, expect, actual interface{}) expectError {
	return expectError{
		ErrorCode: code,
		expect:    expect,
		actual:    actual,
	}
}

func (e expectError) Error() string {
	return fmt.Sprintf("%s: expected %v, got %v", e.ErrorCode.Error(), e.expect, e.actual)
}

func (e expectError) Unwrap() error {
	return e.ErrorCode
}
