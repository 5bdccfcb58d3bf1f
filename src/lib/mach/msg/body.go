// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package msg

// BodyCountSize is the size of the descriptor count that opens a body.
const BodyCountSize = 4

// Body is the descriptor list of a complex message.
type Body struct {
	Descriptors []Descriptor

	// truncated is set when decoding stopped before the advertised count.
	truncated bool
}

// Size returns the wire size of the body.
func (b *Body) Size() int {
	size := BodyCountSize
	for _, desc := range b.Descriptors {
		n, _ := DescriptorSize(desc.Type())
		size += n
	}
	return size
}

// Truncated reports whether decoding hit an unknown descriptor type or the
// end of the buffer before reading every advertised descriptor.
func (b *Body) Truncated() bool { return b.truncated }

func (b *Body) marshal(e *encoder, s *encodeState) error {
	e.writeUint(uint64(len(b.Descriptors)), BodyCountSize)
	for _, desc := range b.Descriptors {
		if err := desc.marshal(e, s); err != nil {
			return err
		}
	}
	return nil
}

// unmarshalBody decodes a body from d. limit is the number of bytes the
// enclosing message says the body and payload occupy.
func unmarshalBody(d *decoder, limit int, space AddressSpace) (*Body, error) {
	count, err := d.readUint(BodyCountSize)
	if err != nil {
		return nil, err
	}
	if available := limit - BodyCountSize; count*MinDescriptorSize > uint64(max(available, 0)) {
		return nil, newExpectError(ErrSizeMismatch, available, count*MinDescriptorSize)
	}
	b := &Body{Descriptors: make([]Descriptor, 0, count)}
	for i := uint64(0); i < count; i++ {
		tag, err := PeekDescriptorType(d.buffer[d.head:])
		if err != nil {
			b.truncated = true
			break
		}
		size, ok := DescriptorSize(tag)
		if !ok || d.remaining() < size {
			b.truncated = true
			break
		}
		desc, err := unmarshalDescriptor(d, space)
		if err != nil {
			return nil, err
		}
		b.Descriptors = append(b.Descriptors, desc)
	}
	return b, nil
}

// UnmarshalBody decodes a body from the start of b, bounded by b's length.
func UnmarshalBody(b []byte, space AddressSpace) (*Body, error) {
	d := decoder{buffer: b}
	return unmarshalBody(&d, len(b), space)
}
