// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package msg

import (
	"fmt"
)

// DescriptorType is the tag that selects a descriptor's layout.
type DescriptorType uint8

const (
	PortDescriptorType        DescriptorType = 0
	OOLDescriptorType         DescriptorType = 1
	OOLPortsDescriptorType    DescriptorType = 2
	OOLVolatileDescriptorType DescriptorType = 3
	GuardedPortDescriptorType DescriptorType = 4
)

func (t DescriptorType) String() string {
	switch t {
	case PortDescriptorType:
		return "port"
	case OOLDescriptorType:
		return "ool"
	case OOLPortsDescriptorType:
		return "ool-ports"
	case OOLVolatileDescriptorType:
		return "ool-volatile"
	case GuardedPortDescriptorType:
		return "guarded-port"
	}
	return fmt.Sprintf("descriptor-type(%d)", uint8(t))
}

// Wire sizes of the descriptor records as a 64-bit task sends them.
const (
	PortDescriptorSize        = 12
	OOLDescriptorSize         = 16
	OOLPortsDescriptorSize    = 16
	GuardedPortDescriptorSize = 16

	// MinDescriptorSize bounds how many descriptors a body of a given size
	// can hold.
	MinDescriptorSize = PortDescriptorSize

	// typeOffset is where every layout keeps its tag byte.
	typeOffset = 11
	// portNameSize is the width of one entry of an out-of-line port array.
	portNameSize = 4
)

// DescriptorSize returns the wire size of a descriptor with tag t.
func DescriptorSize(t DescriptorType) (int, bool) {
	switch t {
	case PortDescriptorType:
		return PortDescriptorSize, true
	case OOLDescriptorType, OOLVolatileDescriptorType:
		return OOLDescriptorSize, true
	case OOLPortsDescriptorType:
		return OOLPortsDescriptorSize, true
	case GuardedPortDescriptorType:
		return GuardedPortDescriptorSize, true
	}
	return 0, false
}

// PeekDescriptorType returns the tag of the descriptor at the start of b
// without decoding the rest of it.
func PeekDescriptorType(b []byte) (DescriptorType, error) {
	if len(b) <= typeOffset {
		return 0, newExpectError(ErrTruncatedInput, typeOffset+1, len(b))
	}
	return DescriptorType(b[typeOffset]), nil
}

// CopyOption says how the kernel moves out-of-line memory.
type CopyOption uint8

const (
	PhysicalCopy CopyOption = 0
	VirtualCopy  CopyOption = 1
	Allocate     CopyOption = 2
	// Overwrite is deprecated.
	Overwrite CopyOption = 3
	// KAlloc is only valid inside the kernel.
	KAlloc CopyOption = 4
)

func (c CopyOption) String() string {
	switch c {
	case PhysicalCopy:
		return "physical"
	case VirtualCopy:
		return "virtual"
	case Allocate:
		return "allocate"
	case Overwrite:
		return "overwrite"
	case KAlloc:
		return "kalloc"
	}
	return fmt.Sprintf("copy-option(%d)", uint8(c))
}

// ParseCopyOption is the inverse of CopyOption.String.
func ParseCopyOption(s string) (CopyOption, error) {
	for c := PhysicalCopy; c <= KAlloc; c++ {
		if c.String() == s {
			return c, nil
		}
	}
	return 0, fmt.Errorf("unknown copy option %q", s)
}

// transfersOwnership reports whether a receiver owns memory delivered with
// copy option c.
func (c CopyOption) transfersOwnership() bool {
	return c == PhysicalCopy || c == Allocate
}

// GuardFlags qualify a guarded port descriptor.
type GuardFlags uint16

const (
	GuardImmovableReceive GuardFlags = 0x1
	GuardUnguardedOnSend  GuardFlags = 0x2
)

// Descriptor is one record of a message body. The set of implementations is
// closed: PortDescriptor, OOLDescriptor, OOLPortsDescriptor and
// GuardedPortDescriptor.
type Descriptor interface {
	Type() DescriptorType
	marshal(e *encoder, s *encodeState) error
}

// encodeState tracks the out-of-line regions allocated while encoding one
// message so they can be returned once the kernel has seen them.
type encodeState struct {
	space   AddressSpace
	regions []allocation
}

type allocation struct {
	addr uint64
	size int
	// consumed is set when a successful send hands the region to the kernel.
	consumed bool
}

// place returns the address of data in the encoder's address space, copying
// it into a fresh region unless noCopy is set.
func (s *encodeState) place(data []byte, noCopy, dealloc bool) (uint64, error) {
	if len(data) == 0 {
		return 0, nil
	}
	if s.space == nil {
		return 0, ErrNoAddressSpace
	}
	if noCopy {
		return s.space.AddressOf(data)
	}
	addr, err := s.space.Allocate(len(data))
	if err != nil {
		return 0, err
	}
	s.regions = append(s.regions, allocation{addr: addr, size: len(data), consumed: dealloc})
	view, err := s.space.View(addr, len(data))
	if err != nil {
		return 0, err
	}
	copy(view, data)
	return addr, nil
}

// PortDescriptor carries a single port right.
type PortDescriptor struct {
	Name        PortName
	Disposition Disposition
}

func (*PortDescriptor) Type() DescriptorType { return PortDescriptorType }

func (p *PortDescriptor) marshal(e *encoder, _ *encodeState) error {
	e.writeUint(uint64(p.Name), 4)
	e.writeUint(0, 4)
	e.writeUint(0, 2)
	e.writeUint(uint64(p.Disposition), 1)
	e.writeUint(uint64(PortDescriptorType), 1)
	return nil
}

func unmarshalPortDescriptor(d *decoder) (*PortDescriptor, error) {
	if err := d.need(PortDescriptorSize); err != nil {
		return nil, err
	}
	name, _ := d.readUint(4)
	d.head += 6
	disposition, _ := d.readUint(1)
	d.head++
	return &PortDescriptor{Name: PortName(name), Disposition: Disposition(disposition)}, nil
}

// OOLDescriptor carries a region of memory outside the inline payload.
//
// When encoding, Data is copied into a fresh region of the address space
// unless NoCopy is set, in which case Data must already live there.
//
// When decoding, the copy option decides who owns the memory: physical and
// allocate copies are moved out of the address space into Data, which the
// message then owns; any other option leaves Data as a view of the
// address space that the caller must not retain past the region's lifetime.
// Without an address space the descriptor is decoded detached: Data is nil
// and only Len is known.
type OOLDescriptor struct {
	Data       []byte
	Copy       CopyOption
	Deallocate bool
	Volatile   bool
	NoCopy     bool

	addr     uint64
	size     uint32
	borrowed bool
}

func (o *OOLDescriptor) Type() DescriptorType {
	if o.Volatile {
		return OOLVolatileDescriptorType
	}
	return OOLDescriptorType
}

// Len returns the size of the out-of-line region.
func (o *OOLDescriptor) Len() int {
	if o.Data != nil {
		return len(o.Data)
	}
	return int(o.size)
}

// Borrowed reports whether Data is a view into an address space.
func (o *OOLDescriptor) Borrowed() bool { return o.borrowed }

// Detached reports whether the descriptor was decoded without an address
// space.
func (o *OOLDescriptor) Detached() bool { return o.Data == nil && o.size != 0 }

// Region returns the address and size the descriptor was decoded from. Only
// code that plays the kernel's part, moving memory between address spaces,
// has a use for it.
func (o *OOLDescriptor) Region() (uint64, int) { return o.addr, int(o.size) }

func (o *OOLDescriptor) marshal(e *encoder, s *encodeState) error {
	addr, err := s.place(o.Data, o.NoCopy, o.Deallocate)
	if err != nil {
		return err
	}
	e.writeUint(addr, 8)
	e.writeUint(boolByte(o.Deallocate), 1)
	e.writeUint(uint64(o.Copy), 1)
	e.writeUint(0, 1)
	e.writeUint(uint64(o.Type()), 1)
	e.writeUint(uint64(len(o.Data)), 4)
	return nil
}

func unmarshalOOLDescriptor(d *decoder, space AddressSpace) (*OOLDescriptor, error) {
	if err := d.need(OOLDescriptorSize); err != nil {
		return nil, err
	}
	addr, _ := d.readUint(8)
	dealloc, _ := d.readUint(1)
	copyOption, _ := d.readUint(1)
	d.head++
	tag, _ := d.readUint(1)
	size, _ := d.readUint(4)

	o := &OOLDescriptor{
		Copy:       CopyOption(copyOption),
		Deallocate: dealloc != 0,
		Volatile:   DescriptorType(tag) == OOLVolatileDescriptorType,
		addr:       addr,
		size:       uint32(size),
	}
	if size == 0 || space == nil {
		return o, nil
	}
	view, err := space.View(addr, int(size))
	if err != nil {
		return nil, err
	}
	if !o.Copy.transfersOwnership() {
		o.Data = view
		o.borrowed = true
		return o, nil
	}
	o.Data = append([]byte(nil), view...)
	if err := space.Deallocate(addr, int(size)); err != nil {
		return nil, err
	}
	return o, nil
}

// OOLPortsDescriptor carries an array of port rights, all sent with the same
// disposition. Decoding follows the same ownership rules as OOLDescriptor;
// the names are always copied out, so a borrowed array only means the region
// is left in the address space.
type OOLPortsDescriptor struct {
	Names       []PortName
	Disposition Disposition
	Copy        CopyOption
	Deallocate  bool

	addr     uint64
	count    uint32
	borrowed bool
}

func (*OOLPortsDescriptor) Type() DescriptorType { return OOLPortsDescriptorType }

// Len returns the number of names in the array.
func (p *OOLPortsDescriptor) Len() int {
	if p.Names != nil {
		return len(p.Names)
	}
	return int(p.count)
}

// Borrowed reports whether the array's region was left in the address space.
func (p *OOLPortsDescriptor) Borrowed() bool { return p.borrowed }

// Region returns the address and byte size of the decoded array.
func (p *OOLPortsDescriptor) Region() (uint64, int) { return p.addr, int(p.count) * portNameSize }

func (p *OOLPortsDescriptor) marshal(e *encoder, s *encodeState) error {
	var array encoder
	for _, name := range p.Names {
		array.writeUint(uint64(name), portNameSize)
	}
	addr, err := s.place(array.buffer, false, p.Deallocate)
	if err != nil {
		return err
	}
	e.writeUint(addr, 8)
	e.writeUint(boolByte(p.Deallocate), 1)
	e.writeUint(uint64(p.Copy), 1)
	e.writeUint(uint64(p.Disposition), 1)
	e.writeUint(uint64(OOLPortsDescriptorType), 1)
	e.writeUint(uint64(len(p.Names)), 4)
	return nil
}

func unmarshalOOLPortsDescriptor(d *decoder, space AddressSpace) (*OOLPortsDescriptor, error) {
	if err := d.need(OOLPortsDescriptorSize); err != nil {
		return nil, err
	}
	addr, _ := d.readUint(8)
	dealloc, _ := d.readUint(1)
	copyOption, _ := d.readUint(1)
	disposition, _ := d.readUint(1)
	d.head++
	count, _ := d.readUint(4)

	p := &OOLPortsDescriptor{
		Disposition: Disposition(disposition),
		Copy:        CopyOption(copyOption),
		Deallocate:  dealloc != 0,
		addr:        addr,
		count:       uint32(count),
	}
	if count == 0 || space == nil {
		return p, nil
	}
	size := int(count) * portNameSize
	view, err := space.View(addr, size)
	if err != nil {
		return nil, err
	}
	array := decoder{buffer: view}
	p.Names = make([]PortName, count)
	for i := range p.Names {
		name, _ := array.readUint(portNameSize)
		p.Names[i] = PortName(name)
	}
	if !p.Copy.transfersOwnership() {
		p.borrowed = true
		return p, nil
	}
	if err := space.Deallocate(addr, size); err != nil {
		return nil, err
	}
	return p, nil
}

// GuardedPortDescriptor carries a receive right protected by a guard.
type GuardedPortDescriptor struct {
	Name        PortName
	Disposition Disposition
	Flags       GuardFlags
	Context     uint64
}

func (*GuardedPortDescriptor) Type() DescriptorType { return GuardedPortDescriptorType }

func (g *GuardedPortDescriptor) marshal(e *encoder, _ *encodeState) error {
	e.writeUint(g.Context, 8)
	e.writeUint(uint64(g.Flags), 2)
	e.writeUint(uint64(g.Disposition), 1)
	e.writeUint(uint64(GuardedPortDescriptorType), 1)
	e.writeUint(uint64(g.Name), 4)
	return nil
}

func unmarshalGuardedPortDescriptor(d *decoder) (*GuardedPortDescriptor, error) {
	if err := d.need(GuardedPortDescriptorSize); err != nil {
		return nil, err
	}
	context, _ := d.readUint(8)
	flags, _ := d.readUint(2)
	disposition, _ := d.readUint(1)
	d.head++
	name, _ := d.readUint(4)
	return &GuardedPortDescriptor{
		Name:        PortName(name),
		Disposition: Disposition(disposition),
		Flags:       GuardFlags(flags),
		Context:     context,
	}, nil
}

// MarshalDescriptor returns the wire form of a single descriptor. Out-of-line
// memory is placed in space; the caller owns any region this allocates.
func MarshalDescriptor(desc Descriptor, space AddressSpace) ([]byte, error) {
	var e encoder
	s := encodeState{space: space}
	if err := desc.marshal(&e, &s); err != nil {
		return nil, err
	}
	return e.buffer, nil
}

// UnmarshalDescriptor decodes the descriptor at the start of b.
func UnmarshalDescriptor(b []byte, space AddressSpace) (Descriptor, error) {
	d := decoder{buffer: b}
	return unmarshalDescriptor(&d, space)
}

func unmarshalDescriptor(d *decoder, space AddressSpace) (Descriptor, error) {
	tag, err := PeekDescriptorType(d.buffer[d.head:])
	if err != nil {
		return nil, err
	}
	switch tag {
	case PortDescriptorType:
		return unmarshalPortDescriptor(d)
	case OOLDescriptorType, OOLVolatileDescriptorType:
		return unmarshalOOLDescriptor(d, space)
	case OOLPortsDescriptorType:
		return unmarshalOOLPortsDescriptor(d, space)
	case GuardedPortDescriptorType:
		return unmarshalGuardedPortDescriptor(d)
	}
	return nil, newValueError(ErrUnknownDescriptorType, tag)
}

func boolByte(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
