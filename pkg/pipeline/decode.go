// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"github.com/gomlx/pipeline/pkg/core/dtypes"
	"github.com/gomlx/pipeline/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/pipeline/pkg/core/tensors"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"golang.org/x/exp/constraints"
)

// GreedyNextTokens returns, for each batch row of logits shaped [batch, seq_len, vocab_size], the index of
// the largest logit at the last sequence position. Ties go to the lowest index.
//
// The result is shaped [batch, 1] with the given integer dtype, ready to be used as the next input ids.
func GreedyNextTokens(logits *tensors.Tensor, idsDType dtypes.DType) (*tensors.Tensor, error) {
	if err := logits.CheckValid(); err != nil {
		return nil, err
	}
	shape := logits.Shape()
	if shape.Rank() != 3 {
		return nil, errors.Errorf("logits must be shaped [batch, seq_len, vocab_size], got %s", shape)
	}
	batchSize, seqLen, vocabSize := shape.Dim(0), shape.Dim(1), shape.Dim(2)
	if seqLen == 0 || vocabSize == 0 {
		return nil, errors.Errorf("logits shaped %s have no positions or vocabulary to decode", shape)
	}
	var ids []int64
	var err error
	switch logits.DType() {
	case dtypes.Float32:
		err = tensors.ConstFlatData(logits, func(flat []float32) { ids = argMaxLastPosition(flat, batchSize, seqLen, vocabSize) })
	case dtypes.Float64:
		err = tensors.ConstFlatData(logits, func(flat []float64) { ids = argMaxLastPosition(flat, batchSize, seqLen, vocabSize) })
	case dtypes.Float16:
		err = tensors.ConstFlatData(logits, func(flat []float16.Float16) {
			ids = argMaxLastPosition(widen(flat, float16.Float16.Float32), batchSize, seqLen, vocabSize)
		})
	case dtypes.BFloat16:
		err = tensors.ConstFlatData(logits, func(flat []bfloat16.BFloat16) {
			ids = argMaxLastPosition(widen(flat, bfloat16.BFloat16.Float32), batchSize, seqLen, vocabSize)
		})
	default:
		return nil, errors.Errorf("logits dtype %s not supported for decoding, it must be a float", logits.DType())
	}
	if err != nil {
		return nil, err
	}
	return intColumn(ids, idsDType)
}

// widen converts half-precision values to float32.
func widen[T any](flat []T, toFloat32 func(T) float32) []float32 {
	out := make([]float32, len(flat))
	for ii, v := range flat {
		out[ii] = toFloat32(v)
	}
	return out
}

// argMaxLastPosition returns the argmax over the vocabulary, at the last sequence position, of each batch row.
// It uses a strict comparison, so the first maximum wins.
func argMaxLastPosition[T constraints.Float](flat []T, batchSize, seqLen, vocabSize int) []int64 {
	ids := make([]int64, batchSize)
	for b := range batchSize {
		row := flat[(b*seqLen+seqLen-1)*vocabSize : (b*seqLen+seqLen)*vocabSize]
		best := 0
		for ii := 1; ii < vocabSize; ii++ {
			if row[ii] > row[best] {
				best = ii
			}
		}
		ids[b] = int64(best)
	}
	return ids
}

// PositionIDs returns a [batch, 1] tensor filled with position, in the given integer dtype.
func PositionIDs(batchSize, position int, dtype dtypes.DType) (*tensors.Tensor, error) {
	values := make([]int64, batchSize)
	for ii := range values {
		values[ii] = int64(position)
	}
	return intColumn(values, dtype)
}

// intColumn returns the values as a [len(values), 1] tensor of the given integer dtype.
func intColumn(values []int64, dtype dtypes.DType) (*tensors.Tensor, error) {
	switch dtype {
	case dtypes.Int64:
		return tensors.FromFlatDataAndDimensions(values, len(values), 1), nil
	case dtypes.Int32:
		return tensors.FromFlatDataAndDimensions(convertInts[int32](values), len(values), 1), nil
	case dtypes.Uint32:
		return tensors.FromFlatDataAndDimensions(convertInts[uint32](values), len(values), 1), nil
	case dtypes.Uint64:
		return tensors.FromFlatDataAndDimensions(convertInts[uint64](values), len(values), 1), nil
	default:
		return nil, errors.Errorf("ids dtype %s not supported, it must be one of Int32, Int64, Uint32 or Uint64", dtype)
	}
}

func convertInts[T constraints.Integer](values []int64) []T {
	out := make([]T, len(values))
	for ii, v := range values {
		out[ii] = T(v)
	}
	return out
}
