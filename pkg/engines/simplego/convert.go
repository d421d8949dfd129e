// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"github.com/gomlx/pipeline/pkg/core/dtypes"
	"github.com/gomlx/pipeline/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/pipeline/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// The stage ops are simple enough to be computed in float64, and converted from/to the tensors dtypes.

// nativeNumber lists the Go types the conversions below read and write directly.
type nativeNumber interface {
	int32 | int64 | uint32 | uint64 | float32 | float64
}

func readNative[T nativeNumber](t *tensors.Tensor) (values []float64, err error) {
	err = tensors.ConstFlatData(t, func(flat []T) {
		values = make([]float64, len(flat))
		for ii, v := range flat {
			values[ii] = float64(v)
		}
	})
	return
}

func writeNative[T nativeNumber](t *tensors.Tensor, values []float64) error {
	return tensors.MutableFlatData(t, func(flat []T) {
		for ii := range flat {
			flat[ii] = T(values[ii])
		}
	})
}

// readAsFloat64 returns a copy of the tensor values converted to float64.
func readAsFloat64(t *tensors.Tensor) ([]float64, error) {
	switch t.DType() {
	case dtypes.Float16:
		var values []float64
		err := tensors.ConstFlatData(t, func(flat []float16.Float16) {
			values = make([]float64, len(flat))
			for ii, v := range flat {
				values[ii] = float64(v.Float32())
			}
		})
		return values, err
	case dtypes.BFloat16:
		var values []float64
		err := tensors.ConstFlatData(t, func(flat []bfloat16.BFloat16) {
			values = make([]float64, len(flat))
			for ii, v := range flat {
				values[ii] = v.Float64()
			}
		})
		return values, err
	case dtypes.Float32:
		return readNative[float32](t)
	case dtypes.Float64:
		return readNative[float64](t)
	case dtypes.Int32:
		return readNative[int32](t)
	case dtypes.Int64:
		return readNative[int64](t)
	case dtypes.Uint32:
		return readNative[uint32](t)
	case dtypes.Uint64:
		return readNative[uint64](t)
	}
	return nil, errors.Errorf("simplego: dtype %s not supported", t.DType())
}

// writeFromFloat64 converts values to the tensor dtype, and writes them. len(values) must be t.Size().
func writeFromFloat64(t *tensors.Tensor, values []float64) error {
	if len(values) != t.Size() {
		return errors.Errorf("simplego: writing %d values into tensor %s", len(values), t.Shape())
	}
	switch t.DType() {
	case dtypes.Float16:
		return tensors.MutableFlatData(t, func(flat []float16.Float16) {
			for ii := range flat {
				flat[ii] = float16.Fromfloat32(float32(values[ii]))
			}
		})
	case dtypes.BFloat16:
		return tensors.MutableFlatData(t, func(flat []bfloat16.BFloat16) {
			for ii := range flat {
				flat[ii] = bfloat16.FromFloat64(values[ii])
			}
		})
	case dtypes.Float32:
		return writeNative[float32](t, values)
	case dtypes.Float64:
		return writeNative[float64](t, values)
	case dtypes.Int32:
		return writeNative[int32](t, values)
	case dtypes.Int64:
		return writeNative[int64](t, values)
	case dtypes.Uint32:
		return writeNative[uint32](t, values)
	case dtypes.Uint64:
		return writeNative[uint64](t, values)
	}
	return errors.Errorf("simplego: dtype %s not supported", t.DType())
}
