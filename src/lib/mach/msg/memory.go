// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package msg

import (
	"sync"
	"unsafe"

	"github.com/google/btree"
	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

// AddressSpace is the memory that out-of-line descriptors point into. On a
// real host it is the task's virtual memory; in tests it is usually an Arena.
//
// Addresses are only meaningful to the space that produced them.
type AddressSpace interface {
	// Allocate returns the address of a fresh zeroed region of at least size
	// bytes.
	Allocate(size int) (uint64, error)
	// View returns the size bytes at addr without copying them.
	View(addr uint64, size int) ([]byte, error)
	// Deallocate releases the region that starts at addr.
	Deallocate(addr uint64, size int) error
	// AddressOf returns the address of b, which must already live in the
	// space.
	AddressOf(b []byte) (uint64, error)
}

type region struct {
	addr uint64
	mem  []byte
}

func regionLess(a, b region) bool { return a.addr < b.addr }

// Arena is an AddressSpace made of anonymous memory mappings. Regions are
// page granular and have stable addresses until they are deallocated.
type Arena struct {
	mu      sync.Mutex
	regions *btree.BTreeG[region]
}

var _ AddressSpace = (*Arena)(nil)

// NewArena returns an empty arena.
func NewArena() *Arena {
	return &Arena{regions: btree.NewG(8, regionLess)}
}

// Allocate implements AddressSpace.
func (a *Arena) Allocate(size int) (uint64, error) {
	if size < 0 {
		return 0, newValueError(ErrInvalidDescriptor, size)
	}
	length := alignUp(size, unix.Getpagesize())
	if length == 0 {
		length = unix.Getpagesize()
	}
	mem, err := unix.Mmap(-1, 0, length, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return 0, err
	}
	r := region{addr: uint64(uintptr(unsafe.Pointer(&mem[0]))), mem: mem}
	a.mu.Lock()
	a.regions.ReplaceOrInsert(r)
	a.mu.Unlock()
	return r.addr, nil
}

// lookup returns the region containing [addr, addr+size).
func (a *Arena) lookup(addr uint64, size int) (region, error) {
	var found region
	var ok bool
	a.regions.DescendLessOrEqual(region{addr: addr}, func(r region) bool {
		found, ok = r, true
		return false
	})
	if !ok || addr+uint64(size) > found.addr+uint64(len(found.mem)) {
		return region{}, newValueError(ErrBadAddress, addr)
	}
	return found, nil
}

// View implements AddressSpace.
func (a *Arena) View(addr uint64, size int) ([]byte, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, err := a.lookup(addr, size)
	if err != nil {
		return nil, err
	}
	off := addr - r.addr
	return r.mem[off : off+uint64(size) : off+uint64(size)], nil
}

// Deallocate implements AddressSpace.
func (a *Arena) Deallocate(addr uint64, size int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, err := a.lookup(addr, size)
	if err != nil {
		return err
	}
	if r.addr != addr {
		return newExpectError(ErrBadAddress, r.addr, addr)
	}
	a.regions.Delete(r)
	return unix.Munmap(r.mem)
}

// AddressOf implements AddressSpace.
func (a *Arena) AddressOf(b []byte) (uint64, error) {
	if len(b) == 0 {
		return 0, nil
	}
	addr := uint64(uintptr(unsafe.Pointer(&b[0])))
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.lookup(addr, len(b)); err != nil {
		return 0, err
	}
	return addr, nil
}

// Len returns the number of live regions.
func (a *Arena) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.regions.Len()
}

// Close unmaps every region still held by the arena.
func (a *Arena) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var err error
	a.regions.Ascend(func(r region) bool {
		err = multierr.Append(err, unix.Munmap(r.mem))
		return true
	})
	a.regions.Clear(false)
	return err
}
