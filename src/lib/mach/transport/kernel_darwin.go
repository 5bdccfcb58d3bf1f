// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

//go:build darwin && cgo

package transport

/*
#include <mach/mach.h>

static mach_port_t self_task(void) { return mach_task_self(); }
*/
import "C"

import (
	"unsafe"

	"go.machipc.dev/machipc/src/lib/mach/msg"
)

type hostKernel struct {
	space hostSpace
}

// Host returns the Kernel of the calling task.
func Host() Kernel {
	return hostKernel{}
}

// ReplyPort allocates a receive right suitable for replies.
func ReplyPort() msg.PortName {
	return msg.PortName(C.mach_reply_port())
}

// ServicePort allocates a receive right in the calling task and adds a send
// right under the same name, so the task can both serve and call on it.
func ServicePort() (msg.PortName, error) {
	var name C.mach_port_name_t
	if kr := C.mach_port_allocate(C.self_task(), C.mach_port_right_t(C.MACH_PORT_RIGHT_RECEIVE), &name); kr != C.KERN_SUCCESS {
		return msg.PortNull, &KernelError{Op: "mach_port_allocate", Code: Status(kr)}
	}
	if kr := C.mach_port_insert_right(C.self_task(), name, name, C.mach_msg_type_name_t(C.MACH_MSG_TYPE_MAKE_SEND)); kr != C.KERN_SUCCESS {
		err := &KernelError{Op: "mach_port_insert_right", Code: Status(kr)}
		C.mach_port_mod_refs(C.self_task(), name, C.mach_port_right_t(C.MACH_PORT_RIGHT_RECEIVE), -1)
		return msg.PortNull, err
	}
	return msg.PortName(name), nil
}

// DestroyPort drops the send right and the receive right held under name.
// Pass hasSend false for ports such as reply ports that only hold the
// receive right.
func DestroyPort(name msg.PortName, hasSend bool) error {
	if hasSend {
		if kr := C.mach_port_deallocate(C.self_task(), C.mach_port_name_t(name)); kr != C.KERN_SUCCESS {
			return &KernelError{Op: "mach_port_deallocate", Code: Status(kr)}
		}
	}
	if kr := C.mach_port_mod_refs(C.self_task(), C.mach_port_name_t(name), C.mach_port_right_t(C.MACH_PORT_RIGHT_RECEIVE), -1); kr != C.KERN_SUCCESS {
		return &KernelError{Op: "mach_port_mod_refs", Code: Status(kr)}
	}
	return nil
}

func (hostKernel) Msg(buf []byte, options Option, sendSize, rcvSize int, rcvName msg.PortName, timeout uint32, notify msg.PortName) Status {
	if len(buf) < sendSize || len(buf) < rcvSize || len(buf) == 0 {
		return Status(C.MACH_SEND_NO_BUFFER)
	}
	// buf holds no Go pointers, so the kernel may write into it directly.
	kr := C.mach_msg(
		(*C.mach_msg_header_t)(unsafe.Pointer(&buf[0])),
		C.mach_msg_option_t(options),
		C.mach_msg_size_t(sendSize),
		C.mach_msg_size_t(rcvSize),
		C.mach_port_name_t(rcvName),
		C.mach_msg_timeout_t(timeout),
		C.mach_port_name_t(notify),
	)
	return Status(kr)
}

func (k hostKernel) Space() msg.AddressSpace { return k.space }

// hostSpace is the virtual memory of the calling task.
type hostSpace struct{}

func (hostSpace) Allocate(size int) (uint64, error) {
	var addr C.vm_address_t
	if kr := C.vm_allocate(C.self_task(), &addr, C.vm_size_t(size), C.VM_FLAGS_ANYWHERE); kr != C.KERN_SUCCESS {
		return 0, &KernelError{Op: "vm_allocate", Code: Status(kr)}
	}
	return uint64(addr), nil
}

func (hostSpace) View(addr uint64, size int) ([]byte, error) {
	if size == 0 {
		return nil, nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), size), nil
}

func (hostSpace) Deallocate(addr uint64, size int) error {
	if kr := C.vm_deallocate(C.self_task(), C.vm_address_t(addr), C.vm_size_t(size)); kr != C.KERN_SUCCESS {
		return &KernelError{Op: "vm_deallocate", Code: Status(kr)}
	}
	return nil
}

func (hostSpace) AddressOf(b []byte) (uint64, error) {
	if len(b) == 0 {
		return 0, nil
	}
	return uint64(uintptr(unsafe.Pointer(&b[0]))), nil
}
