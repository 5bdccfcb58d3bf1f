// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package transport

import "fmt"

// Status is a kern_return_t or mach_msg_return_t.
type Status int32

const (
	Success Status = 0

	KernInvalidAddress    Status = 1
	KernProtectionFailure Status = 2
	KernNoSpace           Status = 3
	KernInvalidArgument   Status = 4
	KernFailure           Status = 5
	KernResourceShortage  Status = 6
	KernInvalidName       Status = 15
	KernInvalidTask       Status = 16
	KernInvalidRight      Status = 17
	KernInvalidValue      Status = 18
	KernUrefsOverflow     Status = 19
	KernInvalidCapability Status = 20
	KernRightExists       Status = 21
	KernNotSupported      Status = 46

	SendInProgress     Status = 0x10000001
	SendInvalidData    Status = 0x10000002
	SendInvalidDest    Status = 0x10000003
	SendTimedOut       Status = 0x10000004
	SendInvalidVoucher Status = 0x10000005
	SendInterrupted    Status = 0x10000007
	SendMsgTooSmall    Status = 0x10000008
	SendInvalidReply   Status = 0x10000009
	SendInvalidRight   Status = 0x1000000a
	SendInvalidNotify  Status = 0x1000000b
	SendInvalidMemory  Status = 0x1000000c
	SendNoBuffer       Status = 0x1000000d
	SendTooLarge       Status = 0x1000000e
	SendInvalidType    Status = 0x1000000f
	SendInvalidHeader  Status = 0x10000010

	RcvInProgress    Status = 0x10004001
	RcvInvalidName   Status = 0x10004002
	RcvTimedOut      Status = 0x10004003
	RcvTooLarge      Status = 0x10004004
	RcvInterrupted   Status = 0x10004005
	RcvPortChanged   Status = 0x10004006
	RcvInvalidNotify Status = 0x10004007
	RcvInvalidData   Status = 0x10004008
	RcvPortDied      Status = 0x10004009
	RcvInSet         Status = 0x1000400a
	RcvHeaderError   Status = 0x1000400b
	RcvBodyError     Status = 0x1000400c

	sendErrorBase Status = 0x10000000
	rcvErrorBase  Status = 0x10004000
)

var statusNames = map[Status]string{
	Success:               "success",
	KernInvalidAddress:    "invalid address",
	KernProtectionFailure: "protection failure",
	KernNoSpace:           "no space",
	KernInvalidArgument:   "invalid argument",
	KernFailure:           "failure",
	KernResourceShortage:  "resource shortage",
	KernInvalidName:       "invalid name",
	KernInvalidTask:       "invalid task",
	KernInvalidRight:      "invalid right",
	KernInvalidValue:      "invalid value",
	KernUrefsOverflow:     "urefs overflow",
	KernInvalidCapability: "invalid capability",
	KernRightExists:       "right exists",
	KernNotSupported:      "not supported",

	SendInProgress:     "send in progress",
	SendInvalidData:    "send invalid data",
	SendInvalidDest:    "send invalid destination",
	SendTimedOut:       "send timed out",
	SendInvalidVoucher: "send invalid voucher",
	SendInterrupted:    "send interrupted",
	SendMsgTooSmall:    "send message too small",
	SendInvalidReply:   "send invalid reply port",
	SendInvalidRight:   "send invalid right",
	SendInvalidNotify:  "send invalid notify port",
	SendInvalidMemory:  "send invalid memory",
	SendNoBuffer:       "send no buffer",
	SendTooLarge:       "send too large",
	SendInvalidType:    "send invalid type",
	SendInvalidHeader:  "send invalid header",

	RcvInProgress:    "receive in progress",
	RcvInvalidName:   "receive invalid name",
	RcvTimedOut:      "receive timed out",
	RcvTooLarge:      "receive too large",
	RcvInterrupted:   "receive interrupted",
	RcvPortChanged:   "receive port changed",
	RcvInvalidNotify: "receive invalid notify port",
	RcvInvalidData:   "receive invalid data",
	RcvPortDied:      "receive port died",
	RcvInSet:         "receive port in set",
	RcvHeaderError:   "receive header error",
	RcvBodyError:     "receive body error",

	// Codes MIG stubs put in error replies.
	-300: "mig type error",
	-301: "mig reply mismatch",
	-302: "mig remote error",
	-303: "mig bad id",
	-304: "mig bad arguments",
	-305: "mig no reply",
	-306: "mig exception",
	-307: "mig array too large",
	-308: "mig server died",
	-309: "mig trailer error",
}

func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status %#x", uint32(s))
}

// IsSendError reports whether s comes from the send half of a mach_msg
// call. A send error means the kernel did not take the message.
func (s Status) IsSendError() bool {
	return s > sendErrorBase && s < rcvErrorBase
}

// IsReceiveError reports whether s comes from the receive half of a mach_msg
// call.
func (s Status) IsReceiveError() bool {
	return s > rcvErrorBase && s < rcvErrorBase+0x1000
}
