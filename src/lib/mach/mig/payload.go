// Copyright 2024 The Fuchsia Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

package mig

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"reflect"
)

// Inline arguments are laid out like a C struct packed to 4 bytes: each
// value is aligned to its own size, capped at 4.
const packing = 4

var order = binary.NativeEndian

// encoder is the state kept across recursive calls while marshaling the
// inline arguments of one message.
type encoder struct {
	buffer []byte
}

// align pads the buffer with zeroes to a multiple of bytes, which must be a
// power of 2.
func (e *encoder) align(bytes int) {
	if offset := len(e.buffer) & (bytes - 1); offset != 0 {
		e.buffer = append(e.buffer, make([]byte, bytes-offset)...)
	}
}

func (e *encoder) writeUint(val uint64, size int) {
	e.align(min(size, packing))
	switch size {
	case 1:
		e.buffer = append(e.buffer, byte(val))
	case 2:
		e.buffer = order.AppendUint16(e.buffer, uint16(val))
	case 4:
		e.buffer = order.AppendUint32(e.buffer, uint32(val))
	case 8:
		e.buffer = order.AppendUint64(e.buffer, val)
	}
}

// marshal is the central recursive function core to marshaling, and
// traverses the tree-like structure of the input type t. v represents the
// value associated with the type t.
//
// It marshals only exported struct fields.
func (e *encoder) marshal(t reflect.Type, v reflect.Value) error {
	switch t.Kind() {
	case reflect.Array:
		elemType := t.Elem()
		for i := 0; i < t.Len(); i++ {
			if err := e.marshal(elemType, v.Index(i)); err != nil {
				return err
			}
		}
	case reflect.Bool:
		// boolean_t is an int.
		i := uint64(0)
		if v.Bool() {
			i = 1
		}
		e.writeUint(i, 4)
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		e.writeUint(uint64(v.Int()), int(t.Size()))
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		e.writeUint(v.Uint(), int(t.Size()))
	case reflect.Float32:
		e.writeUint(uint64(math.Float32bits(float32(v.Float()))), 4)
	case reflect.Float64:
		e.writeUint(math.Float64bits(v.Float()), 8)
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			// If it's an unexported field, ignore it.
			if f.PkgPath != "" {
				continue
			}
			if err := e.marshal(f.Type, v.Field(i)); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unsupported type kind %s", t.Kind())
	}
	return nil
}

// MarshalArgs returns the inline encoding of the struct s points to,
// padded to a multiple of 4 bytes. A nil s encodes to nothing.
func MarshalArgs(s interface{}) ([]byte, error) {
	if s == nil {
		return nil, nil
	}
	t, v, err := structOf(s)
	if err != nil {
		return nil, err
	}
	var e encoder
	if err := e.marshal(t, v); err != nil {
		return nil, err
	}
	e.align(packing)
	return e.buffer, nil
}

// decoder is the state kept across recursive calls while unmarshaling the
// inline arguments of one message.
type decoder struct {
	buffer []byte
	head   int
}

func (d *decoder) align(bytes int) {
	if offset := d.head & (bytes - 1); offset != 0 {
		d.head += bytes - offset
	}
}

func (d *decoder) readUint(size int) (uint64, error) {
	d.align(min(size, packing))
	if d.head+size > len(d.buffer) {
		return 0, typeError("need %d bytes at offset %d, have %d", size, d.head, len(d.buffer))
	}
	b := d.buffer[d.head : d.head+size]
	d.head += size
	switch size {
	case 1:
		return uint64(b[0]), nil
	case 2:
		return uint64(order.Uint16(b)), nil
	case 4:
		return uint64(order.Uint32(b)), nil
	}
	return order.Uint64(b), nil
}

// unmarshal is the central recursive function core to unmarshaling, and
// traverses the tree-like structure of the input type t. v represents the
// value associated with the type t.
//
// It unmarshals only exported struct fields.
func (d *decoder) unmarshal(t reflect.Type, v reflect.Value) error {
	switch t.Kind() {
	case reflect.Array:
		elemType := t.Elem()
		for i := 0; i < t.Len(); i++ {
			if err := d.unmarshal(elemType, v.Index(i)); err != nil {
				return err
			}
		}
		return nil
	case reflect.Struct:
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			// If it's an unexported field, ignore it.
			if f.PkgPath != "" {
				continue
			}
			if err := d.unmarshal(f.Type, v.Field(i)); err != nil {
				return err
			}
		}
		return nil
	}

	var size int
	switch t.Kind() {
	case reflect.Bool:
		size = 4
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64,
		reflect.Float32, reflect.Float64:
		size = int(t.Size())
	default:
		return fmt.Errorf("unsupported type kind %s", t.Kind())
	}
	val, err := d.readUint(size)
	if err != nil {
		return err
	}
	switch t.Kind() {
	case reflect.Bool:
		switch val {
		case 0:
			v.SetBool(false)
		case 1:
			v.SetBool(true)
		default:
			return typeError("%d is not a valid boolean_t value", val)
		}
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		// Sign-extend from the field width.
		shift := 64 - 8*size
		v.SetInt(int64(val<<shift) >> shift)
	case reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		v.SetUint(val)
	case reflect.Float32:
		v.SetFloat(float64(math.Float32frombits(uint32(val))))
	case reflect.Float64:
		v.SetFloat(math.Float64frombits(val))
	}
	return nil
}

// UnmarshalArgs decodes the inline encoding in data into the struct s
// points to. Trailing bytes are ignored. A nil s decodes nothing.
func UnmarshalArgs(data []byte, s interface{}) error {
	if s == nil {
		return nil
	}
	t, v, err := structOf(s)
	if err != nil {
		return err
	}
	d := decoder{buffer: data}
	return d.unmarshal(t, v)
}

func structOf(s interface{}) (reflect.Type, reflect.Value, error) {
	t := reflect.TypeOf(s)
	if t.Kind() != reflect.Ptr {
		return nil, reflect.Value{}, errors.New("expected a pointer")
	}
	if reflect.ValueOf(s).IsNil() {
		return nil, reflect.Value{}, errors.New("expected a non-nil pointer")
	}
	t = t.Elem()
	if t.Kind() != reflect.Struct {
		return nil, reflect.Value{}, errors.New("arguments must be a struct")
	}
	return t, reflect.ValueOf(s).Elem(), nil
}
