// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/pipeline/pkg/core/dtypes"
	"github.com/gomlx/pipeline/pkg/core/shapes"
	"github.com/gomlx/pipeline/pkg/core/tensors"
	"github.com/gomlx/pipeline/pkg/engines"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

const embedModelYAML = `
name: stage0
op: embed
input: input_ids
output: hidden
hidden_size: 2
inputs:
  - {name: input_ids, dtype: int64, dims: [-1, -1]}
  - {name: position_ids, dtype: int64, dims: [-1, -1]}
  - {name: past_0, dtype: float16, dims: [-1, 1, -1, 3]}
outputs:
  - {name: hidden, dtype: float32, dims: [-1, -1, 2]}
  - {name: present_0, dtype: float16, dims: [-1, 1, -1, 3]}
states:
  - {past: past_0, present: present_0, batch_axis: 0, seq_axis: 2}
`

const lmHeadModelJSON = `{
  "name": "stage1", "op": "lm_head", "input": "hidden", "output": "logits",
  "hidden_size": 2, "vocab_size": 5,
  "inputs": [{"name": "hidden", "dtype": "float32", "dims": [-1, -1, 2]}],
  "outputs": [{"name": "logits", "dtype": "float32", "dims": [-1, -1, 5]}]
}`

func writeFile(t *testing.T, name, contents string) string {
	filePath := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(filePath, []byte(contents), 0o644))
	return filePath
}

func TestNewEngine(t *testing.T) {
	engine, err := engines.NewWithConfig("go:devices=2")
	require.NoError(t, err)
	assert.Equal(t, 2, engine.NumDevices())
	require.NoError(t, engine.SetCurrentDevice(1))
	require.Error(t, engine.SetCurrentDevice(2))

	_, err = engines.NewWithConfig("go:devices=zero")
	require.Error(t, err)
	_, err = NewEngine("gpu=1")
	require.Error(t, err)
}

func TestReadModel(t *testing.T) {
	model, err := ReadModel(writeFile(t, "stage0.yaml", embedModelYAML))
	require.NoError(t, err)
	assert.Equal(t, OpEmbed, model.Op)
	assert.Equal(t, dtypes.Float16, model.Inputs[2].DType)

	model, err = ReadModel(writeFile(t, "stage1.json", lmHeadModelJSON))
	require.NoError(t, err)
	assert.Equal(t, 5, model.VocabSize)

	// Save and reload.
	savedPath := filepath.Join(t.TempDir(), "saved.yaml")
	require.NoError(t, model.Save(savedPath))
	reloaded, err := ReadModel(savedPath)
	require.NoError(t, err)
	assert.Equal(t, model, reloaded)

	_, err = ReadModel(writeFile(t, "bad.yaml", "name: x\nop: conv\ninput: a\noutput: b\nhidden_size: 1\n"+
		"inputs: [{name: a, dtype: int64, dims: [-1, -1]}]\noutputs: [{name: b, dtype: float32, dims: [-1, -1, 1]}]\n"))
	require.ErrorContains(t, err, "unknown op")
	_, err = ReadModel(writeFile(t, "bad_state.yaml", embedModelYAML+"  - {past: past_0, present: hidden}\n"))
	require.Error(t, err)
	_, err = ReadModel(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestEmbedSession(t *testing.T) {
	engine := must.M1(NewEngine("devices=2"))
	session := must.M1(engine.Load(writeFile(t, "stage0.yaml", embedModelYAML), 1))
	assert.Equal(t, engines.DeviceNum(1), session.Device())
	require.Len(t, session.Inputs(), 3)
	assert.True(t, session.Inputs()[2].Shape.IsDynamic())

	// Preallocated state buffers for max_seq_len=4, batch=2.
	stateShape := shapes.Make(dtypes.Float16, 2, 1, 4, 3)
	bufA := must.M1(session.Allocate(int(stateShape.Memory())))
	bufB := must.M1(session.Allocate(int(stateShape.Memory())))
	assert.Equal(t, int64(2*stateShape.Memory()), engine.LiveBytes())

	binding := session.NewBinding()
	past := must.M1(tensors.FromBuffer(bufA, stateShape.WithDim(2, 0)))
	present := must.M1(tensors.FromBuffer(bufB, stateShape.WithDim(2, 2)))
	require.NoError(t, binding.BindInput("input_ids", tensors.FromFlatDataAndDimensions([]int64{3, 4, 7, 8}, 2, 2)))
	require.NoError(t, binding.BindInput("position_ids", tensors.FromFlatDataAndDimensions([]int64{0, 1, 0, 1}, 2, 2)))
	require.NoError(t, binding.BindInput("past_0", past))
	require.NoError(t, binding.BindOutput("present_0", present))
	binding.BindOutputToDevice("hidden", engines.OnDevice(1))
	require.NoError(t, session.Run(binding))
	assert.Equal(t, int64(1), session.(*Session).NumRuns())

	values := binding.OutputValues()
	assert.Same(t, present, values[0])
	hidden := values[1]
	assert.Equal(t, engines.DeviceNum(1), hidden.Device())
	assert.Equal(t, []float32{3, 3, 4, 4, 7, 7, 8, 8}, tensors.MustCopyFlatData[float32](hidden))
	tensors.MustConstFlatData(present, func(flat []float16.Float16) {
		// Batch 0 has positions [3, 4], batch 1 [7, 8], each repeated on the last axis.
		want := []float32{3, 3, 3, 4, 4, 4, 7, 7, 7, 8, 8, 8}
		for ii, v := range flat {
			assert.Equal(t, want[ii], v.Float32(), "index %d", ii)
		}
	})

	// Next step: past is the present just computed, new state goes to the other buffer.
	past = must.M1(tensors.FromBuffer(bufB, stateShape.WithDim(2, 2)))
	present = must.M1(tensors.FromBuffer(bufA, stateShape.WithDim(2, 3)))
	binding.ClearBoundInputs()
	binding.ClearBoundOutputs()
	require.NoError(t, binding.BindInput("input_ids", tensors.FromFlatDataAndDimensions([]int64{5, 9}, 2, 1)))
	require.NoError(t, binding.BindInput("position_ids", tensors.FromFlatDataAndDimensions([]int64{2, 2}, 2, 1)))
	require.NoError(t, binding.BindInput("past_0", past))
	require.NoError(t, binding.BindOutput("present_0", present))
	require.NoError(t, session.Run(binding))
	tensors.MustConstFlatData(present, func(flat []float16.Float16) {
		want := []float32{3, 3, 3, 4, 4, 4, 5, 5, 5, 7, 7, 7, 8, 8, 8, 9, 9, 9}
		for ii, v := range flat {
			assert.Equal(t, want[ii], v.Float32(), "index %d", ii)
		}
	})

	// Wrong preallocated shape.
	binding.ClearBoundOutputs()
	require.NoError(t, binding.BindOutput("present_0", past))
	require.ErrorContains(t, session.Run(binding), "present_0")

	// Missing input.
	binding.ClearBoundInputs()
	require.ErrorContains(t, session.Run(binding), "not bound")

	session.Free(bufA)
	session.Free(bufB)
	assert.Zero(t, engine.LiveBytes())
}

func TestLMHeadSession(t *testing.T) {
	engine := must.M1(NewEngine(""))
	session := must.M1(engine.Load(writeFile(t, "stage1.json", lmHeadModelJSON), 0))
	binding := session.NewBinding()
	require.NoError(t, binding.BindInput("hidden", tensors.FromFlatDataAndDimensions([]float32{1, 1, 4, 4}, 2, 1, 2)))
	binding.BindOutputToDevice("logits", engines.HostMemory)
	require.NoError(t, session.Run(binding))
	logits := binding.OutputValues()[0]
	assert.Equal(t, []int{2, 1, 5}, logits.Shape().Dimensions)
	assert.Equal(t, tensors.HostDevice, logits.Device())
	assert.Equal(t, []float32{0, 0, 1, 0, 0, 1, 0, 0, 0, 0}, tensors.MustCopyFlatData[float32](logits))

	// Unknown outputs are rejected.
	binding.BindOutputToDevice("unknown", engines.HostMemory)
	require.ErrorContains(t, session.Run(binding), "unknown")

	// Wrong dtype on input.
	binding = session.NewBinding()
	require.NoError(t, binding.BindInput("hidden", tensors.FromFlatDataAndDimensions([]float64{1, 1}, 1, 1, 2)))
	require.Error(t, session.Run(binding))
}

func TestBufferReuse(t *testing.T) {
	engine := must.M1(NewEngine("devices=1"))
	buffer := must.M1(engine.allocate(0, 16))
	tensor := must.M1(tensors.FromBuffer(buffer, shapes.Make(dtypes.Int64, 2)))
	tensors.MustMutableFlatData(tensor, func(flat []int64) { flat[0], flat[1] = 7, 11 })
	engine.free(buffer)
	reused := must.M1(engine.allocate(0, 16))
	tensor = must.M1(tensors.FromBuffer(reused, shapes.Make(dtypes.Int64, 2)))
	assert.Equal(t, []int64{0, 0}, tensors.MustCopyFlatData[int64](tensor), "allocated buffers must be zeroed")
	_, err := engine.allocate(3, 16)
	require.Error(t, err)
	engine.Finalize()
	_, err = engine.Load("any", 0)
	require.Error(t, err)
}

func TestConvert(t *testing.T) {
	for _, dtype := range []dtypes.DType{dtypes.Int32, dtypes.Int64, dtypes.Uint32, dtypes.Uint64,
		dtypes.Float16, dtypes.BFloat16, dtypes.Float32, dtypes.Float64} {
		tensor := tensors.FromShape(shapes.Make(dtype, 3))
		require.NoError(t, writeFromFloat64(tensor, []float64{0, 2, 5}), "dtype %s", dtype)
		values, err := readAsFloat64(tensor)
		require.NoError(t, err, "dtype %s", dtype)
		assert.Equal(t, []float64{0, 2, 5}, values, "dtype %s", dtype)
	}
	require.Error(t, writeFromFloat64(tensors.FromShape(shapes.Make(dtypes.Int32, 2)), []float64{1}))
	_, err := readAsFloat64(tensors.FromShape(shapes.Make(dtypes.Bool, 2)))
	require.Error(t, err)
}
