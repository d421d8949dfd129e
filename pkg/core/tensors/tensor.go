// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implement a `Tensor`, a representation of a multidimensional array exchanged with
// model sessions.
//
// A Tensor is defined by its shape (a data type and its axes' dimensions) and its content, stored
// row-major in a Buffer. A Tensor either owns its buffer, or is a view over a prefix of a larger
// buffer that is owned by someone else. Views are how the pipeline reuses preallocated device
// memory across generation steps: a recurrent-state buffer sized for the maximum sequence length
// is bound, step after step, as tensors with growing sequence lengths.
//
// There are various ways to construct a Tensor from local data:
//
//   - FromShape(shape shapes.Shape): creates a tensor with the given shape, and zero values.
//
//   - FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int): creates a Tensor with the
//     given dimensions, filled with the scalar value given.
//
//   - FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int): creates a Tensor with the
//     given dimensions and set the flattened values with the given data. Example:
//
//     t := FromFlatDataAndDimensions([]int64{1, 2, 3, 4}, 2, 2}) // Tensor with [[1,2], [3,4]]
//
//   - FromBuffer(buffer *Buffer, shape shapes.Shape): a view over the given buffer.
package tensors

import (
	"fmt"
	"strings"
	"unsafe"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/pipeline/pkg/core/dtypes"
	"github.com/gomlx/pipeline/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/pipeline/pkg/core/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Tensor represents a multidimensional array, defined by its shape and its content stored as a
// flat (1D) array of values in a Buffer.
//
// The shape is immutable. The contents can be mutated with MutableFlatData or MutableBytes, but
// no synchronization is provided beyond that: the pipeline guarantees a tensor is only touched by
// one stage execution at a time.
type Tensor struct {
	shape  shapes.Shape
	buffer *Buffer
	isView bool
}

// FromShape returns a zero-initialized Tensor with the given shape, stored in host memory.
//
// It panics if the shape has dynamic axes.
func FromShape(shape shapes.Shape) *Tensor {
	return FromShapeOnDevice(HostDevice, shape)
}

// FromShapeOnDevice returns a zero-initialized Tensor with the given shape, that owns a newly
// allocated buffer on the given device.
//
// It panics if the shape has dynamic axes.
func FromShapeOnDevice(device DeviceNum, shape shapes.Shape) *Tensor {
	if shape.IsDynamic() {
		exceptions.Panicf("tensors.FromShape(%s): cannot create a tensor with dynamic axes", shape)
	}
	if !shape.Ok() {
		exceptions.Panicf("tensors.FromShape(%s): invalid shape", shape)
	}
	return &Tensor{
		shape:  shape.Clone(),
		buffer: NewBuffer(device, int(shape.Memory())),
	}
}

// FromBuffer returns a Tensor that is a view over the first shape.Memory() bytes of buffer.
//
// The buffer is not owned by the tensor, and must outlive it. It returns an error if the shape
// doesn't fit in the buffer, or is dynamic.
func FromBuffer(buffer *Buffer, shape shapes.Shape) (*Tensor, error) {
	if buffer == nil {
		return nil, errors.New("tensors.FromBuffer: nil buffer")
	}
	if shape.IsDynamic() || !shape.Ok() {
		return nil, errors.Errorf("tensors.FromBuffer: shape %s must be valid and static", shape)
	}
	if needed := int(shape.Memory()); needed > buffer.Len() {
		return nil, errors.Errorf("tensors.FromBuffer: shape %s requires %d bytes, but %s has only %d",
			shape, needed, buffer, buffer.Len())
	}
	return &Tensor{shape: shape.Clone(), buffer: buffer, isView: true}, nil
}

// FromScalarAndDimensions creates a local tensor with the given dimensions, filled with the
// given scalar value replicated everywhere.
// The `DType` is inferred from the value.
func FromScalarAndDimensions[T dtypes.Supported](value T, dimensions ...int) *Tensor {
	t := FromShape(shapes.Make(dtypes.FromGenericsType[T](), dimensions...))
	MustMutableFlatData(t, func(flat []T) {
		for ii := range flat {
			flat[ii] = value
		}
	})
	return t
}

// FromFlatDataAndDimensions creates a tensor with the given dimensions, filled with the flattened values given in `data`.
// The data is copied to the Tensor.
// The `DType` is inferred from the `data` type.
//
// It panics if the size of data is wrong for the shape.
func FromFlatDataAndDimensions[T dtypes.Supported](data []T, dimensions ...int) *Tensor {
	shape := shapes.Make(dtypes.FromGenericsType[T](), dimensions...)
	if len(data) != shape.Size() {
		exceptions.Panicf("FromFlatDataAndDimensions(%s): data size is %d, but dimensions size is %d",
			shape, len(data), shape.Size())
	}
	t := FromShape(shape)
	MustMutableFlatData(t, func(flat []T) {
		copy(flat, data)
	})
	return t
}

// Shape of the tensor, includes DType.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType returns the DType of the tensor's shape.
func (t *Tensor) DType() dtypes.DType {
	if t == nil {
		return dtypes.InvalidDType
	}
	return t.shape.DType
}

// Rank returns the rank of the tensor's shape.
func (t *Tensor) Rank() int { return t.shape.Rank() }

// Size returns the number of elements in the tensor.
func (t *Tensor) Size() int { return t.shape.Size() }

// Memory returns the number of bytes used to store the tensor. An alias to Tensor.Shape().Memory().
func (t *Tensor) Memory() uintptr { return t.shape.Memory() }

// Buffer backing the tensor. For views, it is the buffer given to FromBuffer.
func (t *Tensor) Buffer() *Buffer { return t.buffer }

// Device where the tensor is stored.
func (t *Tensor) Device() DeviceNum { return t.buffer.Device() }

// IsView returns whether the tensor is a view over a buffer it doesn't own.
func (t *Tensor) IsView() bool { return t.isView }

// Ok returns whether the Tensor is in a valid state: it is not nil, and its buffer hasn't been finalized.
func (t *Tensor) Ok() bool {
	return t != nil && t.shape.Ok() && t.buffer != nil && !t.buffer.IsFinalized()
}

// CheckValid returns an error if the tensor is nil or its buffer was finalized.
func (t *Tensor) CheckValid() error {
	if t == nil {
		return errors.New("tensor is nil")
	}
	if !t.Ok() {
		return errors.Errorf("tensor %s is invalid, or its buffer was finalized", t.shape)
	}
	return nil
}

// Finalize releases the tensor memory, if the tensor owns it. It is a no-op for views.
func (t *Tensor) Finalize() {
	if t == nil || t.isView || t.buffer == nil {
		return
	}
	t.buffer.Finalize()
}

// bytes returns the tensor contents as bytes, or an error if the tensor is invalid.
func (t *Tensor) bytes() ([]byte, error) {
	if err := t.CheckValid(); err != nil {
		return nil, err
	}
	data := t.buffer.bytes(int(t.shape.Memory()))
	if data == nil {
		return nil, errors.Errorf("tensor %s: buffer %s became too small or was finalized", t.shape, t.buffer)
	}
	return data, nil
}

// ConstBytes calls accessFn with the data as a bytes slice.
//
// This provides accessFn with the actual Tensor data (not a copy), and it should not be changed.
func (t *Tensor) ConstBytes(accessFn func(data []byte)) error {
	data, err := t.bytes()
	if err != nil {
		return err
	}
	accessFn(data)
	return nil
}

// MutableBytes calls accessFn with the data as a bytes slice that can be modified.
func (t *Tensor) MutableBytes(accessFn func(data []byte)) error {
	return t.ConstBytes(accessFn)
}

// castFlat reinterprets the raw bytes as a slice of T.
func castFlat[T dtypes.Supported](data []byte) []T {
	var v T
	n := len(data) / int(unsafe.Sizeof(v))
	if n == 0 {
		return []T{}
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(data))), n)
}

// checkFlatDType returns an error if T doesn't match the tensor's dtype.
func checkFlatDType[T dtypes.Supported](t *Tensor) error {
	if t.DType() != dtypes.FromGenericsType[T]() {
		var v T
		return errors.Errorf("flat data of type %T is incompatible with Tensor's dtype %s -- expected dtype %s",
			v, t.DType(), dtypes.FromGenericsType[T]())
	}
	return nil
}

// ConstFlatData calls accessFn with the flattened data as a slice of the Go type corresponding to the DType type.
// Even scalar values have a flattened data representation of one element.
//
// This provides accessFn with the actual Tensor data (not a copy), and it should not be changed.
// See MutableFlatData to access a mutable version of the flat data.
func ConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) error {
	if err := checkFlatDType[T](t); err != nil {
		return err
	}
	return t.ConstBytes(func(data []byte) {
		accessFn(castFlat[T](data))
	})
}

// MustConstFlatData is like ConstFlatData, but panics on error.
func MustConstFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	if err := ConstFlatData(t, accessFn); err != nil {
		panic(err)
	}
}

// MutableFlatData calls accessFn with a flat slice pointing to the Tensor data, that can be changed
// until accessFn returns.
func MutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) error {
	return ConstFlatData(t, accessFn)
}

// MustMutableFlatData is like MutableFlatData, but panics on error.
func MustMutableFlatData[T dtypes.Supported](t *Tensor, accessFn func(flat []T)) {
	if err := MutableFlatData(t, accessFn); err != nil {
		panic(err)
	}
}

// CopyFlatData returns a copy of the flat data of the tensor.
func CopyFlatData[T dtypes.Supported](t *Tensor) ([]T, error) {
	var flatCopy []T
	err := ConstFlatData(t, func(flat []T) {
		flatCopy = make([]T, len(flat))
		copy(flatCopy, flat)
	})
	return flatCopy, err
}

// MustCopyFlatData is like CopyFlatData, but panics on error.
func MustCopyFlatData[T dtypes.Supported](t *Tensor) []T {
	flat, err := CopyFlatData[T](t)
	if err != nil {
		panic(err)
	}
	return flat
}

// Equal checks whether t and otherTensor have the same shape and contents.
// If they are the same pointer, they are considered equal.
func (t *Tensor) Equal(otherTensor *Tensor) bool {
	if t == otherTensor {
		return true
	}
	if t == nil || otherTensor == nil || !t.shape.Equal(otherTensor.shape) {
		return false
	}
	equal := false
	err := t.ConstBytes(func(data0 []byte) {
		_ = otherTensor.ConstBytes(func(data1 []byte) {
			equal = string(data0) == string(data1)
		})
	})
	return err == nil && equal
}

// CopyFrom overwrites the contents of t with those of src. Both must have the same shape.
func (t *Tensor) CopyFrom(src *Tensor) error {
	if !t.shape.Equal(src.shape) {
		return errors.Errorf("cannot copy tensor shaped %s into tensor shaped %s", src.shape, t.shape)
	}
	var dstErr error
	err := src.ConstBytes(func(srcData []byte) {
		dstErr = t.MutableBytes(func(data []byte) { copy(data, srcData) })
	})
	if err != nil {
		return err
	}
	return dstErr
}

// MaxStringElements is the maximum number of values printed by Tensor.String.
var MaxStringElements = 16

// String pretty-prints the shape and the first MaxStringElements values.
func (t *Tensor) String() string {
	if t == nil {
		return "<nil>"
	}
	if !t.Ok() {
		return fmt.Sprintf("%s: <invalid>", t.shape)
	}
	var values string
	switch t.DType() {
	case dtypes.Bool:
		values = formatFlat[bool](t)
	case dtypes.Int8:
		values = formatFlat[int8](t)
	case dtypes.Int16:
		values = formatFlat[int16](t)
	case dtypes.Int32:
		values = formatFlat[int32](t)
	case dtypes.Int64:
		values = formatFlat[int64](t)
	case dtypes.Uint8:
		values = formatFlat[uint8](t)
	case dtypes.Uint16:
		values = formatFlat[uint16](t)
	case dtypes.Uint32:
		values = formatFlat[uint32](t)
	case dtypes.Uint64:
		values = formatFlat[uint64](t)
	case dtypes.Float16:
		values = formatFlat[float16.Float16](t)
	case dtypes.BFloat16:
		values = formatFlat[bfloat16.BFloat16](t)
	case dtypes.Float32:
		values = formatFlat[float32](t)
	case dtypes.Float64:
		values = formatFlat[float64](t)
	}
	return fmt.Sprintf("%s: %s", t.shape, values)
}

func formatFlat[T dtypes.Supported](t *Tensor) string {
	var sb strings.Builder
	MustConstFlatData(t, func(flat []T) {
		sb.WriteString("[")
		for ii, v := range flat {
			if ii >= MaxStringElements {
				fmt.Fprintf(&sb, " ...+%d", len(flat)-ii)
				break
			}
			if ii > 0 {
				sb.WriteString(" ")
			}
			fmt.Fprintf(&sb, "%v", v)
		}
		sb.WriteString("]")
	})
	return sb.String()
}
