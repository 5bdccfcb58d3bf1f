// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package msg

import "fmt"

// TrailerFormat is the base format of a trailer. Only format 0 exists.
type TrailerFormat uint8

const TrailerFormat0 TrailerFormat = 0

// TrailerElements is the composition level of a trailer. Each level
// includes every field of the levels below it.
type TrailerElements uint8

const (
	TrailerNull    TrailerElements = 0
	TrailerSeqno   TrailerElements = 1
	TrailerSender  TrailerElements = 2
	TrailerAudit   TrailerElements = 3
	TrailerContext TrailerElements = 4
	TrailerAV      TrailerElements = 7
	TrailerLabels  TrailerElements = 8
)

// Field offsets of the largest trailer.
const (
	trailerTypeOffset    = 0
	trailerSizeOffset    = 4
	trailerSeqnoOffset   = 8
	trailerSenderOffset  = 12
	trailerAuditOffset   = 20
	trailerContextOffset = 52
	trailerADOffset      = 60
	trailerLabelsOffset  = 64

	// MaxTrailerSize is the size of the largest trailer a receiver can
	// request.
	MaxTrailerSize = 68
	// MinTrailerSize is the size of the null trailer.
	MinTrailerSize = 8
)

// Size returns the number of bytes a trailer of level e occupies. Levels
// without a defined layout take the size of the closest defined level below
// them.
func (e TrailerElements) Size() int {
	switch {
	case e >= TrailerLabels:
		return 68
	case e >= TrailerAV:
		return 64
	case e >= TrailerContext:
		return 60
	case e >= TrailerAudit:
		return 52
	case e >= TrailerSender:
		return 20
	case e >= TrailerSeqno:
		return 12
	}
	return MinTrailerSize
}

func (e TrailerElements) String() string {
	switch e {
	case TrailerNull:
		return "null"
	case TrailerSeqno:
		return "seqno"
	case TrailerSender:
		return "sender"
	case TrailerAudit:
		return "audit"
	case TrailerContext:
		return "context"
	case TrailerAV:
		return "av"
	case TrailerLabels:
		return "labels"
	}
	return fmt.Sprintf("elements(%d)", uint8(e))
}

// ParseTrailerElements is the inverse of TrailerElements.String.
func ParseTrailerElements(s string) (TrailerElements, error) {
	for e := TrailerNull; e <= TrailerLabels; e++ {
		if e.String() == s {
			return e, nil
		}
	}
	return 0, fmt.Errorf("unknown trailer elements %q", s)
}

// TrailerType is the composition word at the start of a trailer.
type TrailerType uint32

// MakeTrailerType packs a format and an elements level.
func MakeTrailerType(format TrailerFormat, elements TrailerElements) TrailerType {
	return TrailerType(uint32(format&0xf)<<28 | uint32(elements&0xf)<<24)
}

func (t TrailerType) Format() TrailerFormat     { return TrailerFormat(t >> 28 & 0xf) }
func (t TrailerType) Elements() TrailerElements { return TrailerElements(t >> 24 & 0xf) }

// Trailer is the record the kernel appends to a received message. Fields
// beyond the level the receiver requested are zero.
type Trailer struct {
	Type    TrailerType
	Size    uint32
	Seqno   uint32
	Sender  [2]uint32
	Audit   [8]uint32
	Context uint64
	AD      int32
	Labels  uint32
}

// NewTrailer returns an empty trailer of the given level.
func NewTrailer(elements TrailerElements) *Trailer {
	return &Trailer{
		Type: MakeTrailerType(TrailerFormat0, elements),
		Size: uint32(elements.Size()),
	}
}

// Marshal returns the fields implied by the trailer's own level. A zero Size
// is written as the size of that level.
func (t *Trailer) Marshal() []byte {
	n := t.Type.Elements().Size()
	size := t.Size
	if size == 0 {
		size = uint32(n)
	}
	e := encoder{buffer: make([]byte, 0, MaxTrailerSize)}
	e.writeUint(uint64(t.Type), 4)
	e.writeUint(uint64(size), 4)
	e.writeUint(uint64(t.Seqno), 4)
	for _, v := range t.Sender {
		e.writeUint(uint64(v), 4)
	}
	for _, v := range t.Audit {
		e.writeUint(uint64(v), 4)
	}
	e.writeUint(t.Context, 8)
	e.writeUint(uint64(uint32(t.AD)), 4)
	e.writeUint(uint64(t.Labels), 4)
	return e.buffer[:n]
}

// ParseTrailer decodes the trailer at the start of b. Only fields that lie
// within the requested level, the trailer's self-reported size and b are
// read; the rest stay zero.
func ParseTrailer(b []byte, requested TrailerElements) (*Trailer, error) {
	d := decoder{buffer: b}
	if err := d.need(MinTrailerSize); err != nil {
		return nil, err
	}
	typ, _ := d.readUint(4)
	size, _ := d.readUint(4)
	t := &Trailer{Type: TrailerType(typ), Size: uint32(size)}

	limit := min(requested.Size(), int(size), len(b))
	d.buffer = b[:max(limit, MinTrailerSize)]
	within := func(end int) bool { return end <= limit }

	if within(trailerSeqnoOffset + 4) {
		v, _ := d.readUint(4)
		t.Seqno = uint32(v)
	}
	if within(trailerAuditOffset) {
		for i := range t.Sender {
			v, _ := d.readUint(4)
			t.Sender[i] = uint32(v)
		}
	}
	if within(trailerContextOffset) {
		for i := range t.Audit {
			v, _ := d.readUint(4)
			t.Audit[i] = uint32(v)
		}
	}
	if within(trailerADOffset) {
		v, _ := d.readUint(8)
		t.Context = v
	}
	if within(trailerLabelsOffset) {
		v, _ := d.readUint(4)
		t.AD = int32(uint32(v))
	}
	if within(MaxTrailerSize) {
		v, _ := d.readUint(4)
		t.Labels = uint32(v)
	}
	return t, nil
}
