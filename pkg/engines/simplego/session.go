// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"math"
	"sync/atomic"

	"github.com/gomlx/pipeline/pkg/core/shapes"
	"github.com/gomlx/pipeline/pkg/core/tensors"
	"github.com/gomlx/pipeline/pkg/engines"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Session implements engines.Session for a Model.
type Session struct {
	engine  *Engine
	model   *Model
	device  engines.DeviceNum
	inputs  []engines.TensorInfo
	outputs []engines.TensorInfo

	numRuns atomic.Int64
}

var _ engines.Session = &Session{}

func newSession(engine *Engine, model *Model, device engines.DeviceNum) *Session {
	return &Session{
		engine:  engine,
		model:   model,
		device:  device,
		inputs:  toTensorInfos(model.Inputs),
		outputs: toTensorInfos(model.Outputs),
	}
}

// Model executed by the session.
func (s *Session) Model() *Model { return s.model }

// Device implements engines.Session.
func (s *Session) Device() engines.DeviceNum { return s.device }

// Inputs implements engines.Session.
func (s *Session) Inputs() []engines.TensorInfo { return s.inputs }

// Outputs implements engines.Session.
func (s *Session) Outputs() []engines.TensorInfo { return s.outputs }

// NumRuns returns how many times Run was called successfully.
func (s *Session) NumRuns() int64 { return s.numRuns.Load() }

// Allocate implements engines.Session.
func (s *Session) Allocate(numBytes int) (*tensors.Buffer, error) {
	return s.engine.allocate(s.device, numBytes)
}

// Free implements engines.Session.
func (s *Session) Free(buffer *tensors.Buffer) { s.engine.free(buffer) }

// NewBinding implements engines.Session.
func (s *Session) NewBinding() *engines.Binding { return engines.NewBinding() }

// Finalize implements engines.Session. Sessions hold no resources besides the buffers they allocated,
// which are owned by the callers.
func (s *Session) Finalize() {}

// result is an output computed by Run, before being published to the binding.
type result struct {
	name   string
	shape  shapes.Shape
	values []float64
}

// Run implements engines.Session.
func (s *Session) Run(binding *engines.Binding) error {
	binding.ResetOutputValues()
	if err := s.checkInputs(binding); err != nil {
		return err
	}
	m := s.model
	mainInput, _ := binding.Input(m.Input)
	batchSize, seqLen := mainInput.Shape().Dim(0), mainInput.Shape().Dim(1)
	mainValues, err := readAsFloat64(mainInput)
	if err != nil {
		return errors.WithMessagef(err, "model %q input %q", m.Name, m.Input)
	}

	// Value of each new position: the token id for embeddings, the first hidden value otherwise.
	positionValues := make([]float64, batchSize*seqLen)
	inputHidden := 1
	if m.Op != OpEmbed {
		inputHidden = mainInput.Shape().Dim(2)
	}
	for ii := range positionValues {
		positionValues[ii] = mainValues[ii*inputHidden]
	}

	results := make([]result, 0, 1+len(m.States))
	outputDecl := findDecl(m.Outputs, m.Output)
	switch m.Op {
	case OpEmbed:
		results = append(results, broadcastHidden(m.Output, outputDecl, positionValues, batchSize, seqLen, m.HiddenSize))
	case OpPassthrough:
		results = append(results, result{
			name:   m.Output,
			shape:  shapes.Make(outputDecl.DType, batchSize, seqLen, inputHidden),
			values: mainValues,
		})
	case OpLMHead:
		results = append(results, oneHotLogits(m.Output, outputDecl, positionValues, batchSize, seqLen, m.VocabSize))
	}

	for _, state := range m.States {
		past, _ := binding.Input(state.Past)
		present, err := appendState(state, past, positionValues, batchSize, seqLen)
		if err != nil {
			return errors.WithMessagef(err, "model %q", m.Name)
		}
		results = append(results, present)
	}

	for _, r := range results {
		if err := s.publish(binding, r); err != nil {
			return errors.WithMessagef(err, "model %q", m.Name)
		}
	}
	s.numRuns.Add(1)
	if klog.V(3).Enabled() {
		klog.Infof("simplego: model %q ran with batch=%d, seq_len=%d on %s", m.Name, batchSize, seqLen, s.device)
	}
	return nil
}

// checkInputs verifies all declared inputs are bound with compatible shapes, and that all outputs bound are known.
func (s *Session) checkInputs(binding *engines.Binding) error {
	for _, info := range s.inputs {
		t, found := binding.Input(info.Name)
		if !found {
			return errors.Errorf("model %q: input %q not bound", s.model.Name, info.Name)
		}
		if err := t.CheckValid(); err != nil {
			return errors.WithMessagef(err, "model %q: input %q", s.model.Name, info.Name)
		}
		if !t.Shape().Compatible(info.Shape) {
			return errors.Errorf("model %q: input %q bound with shape %s, but model declares %s",
				s.model.Name, info.Name, t.Shape(), info.Shape)
		}
	}
	for _, name := range binding.OutputNames() {
		if findDecl(s.model.Outputs, name) == nil {
			return errors.Errorf("model %q: output %q is bound, but not produced by the model", s.model.Name, name)
		}
	}
	return nil
}

func broadcastHidden(name string, decl *TensorDecl, positionValues []float64, batchSize, seqLen, hiddenSize int) result {
	values := make([]float64, batchSize*seqLen*hiddenSize)
	for pos, v := range positionValues {
		for h := range hiddenSize {
			values[pos*hiddenSize+h] = v
		}
	}
	return result{name: name, shape: shapes.Make(decl.DType, batchSize, seqLen, hiddenSize), values: values}
}

func oneHotLogits(name string, decl *TensorDecl, positionValues []float64, batchSize, seqLen, vocabSize int) result {
	values := make([]float64, batchSize*seqLen*vocabSize)
	for pos, v := range positionValues {
		next := (int(math.Round(v))+1)%vocabSize + vocabSize
		values[pos*vocabSize+next%vocabSize] = 1
	}
	return result{name: name, shape: shapes.Make(decl.DType, batchSize, seqLen, vocabSize), values: values}
}

// appendState returns the present state: past with the new positions appended along the sequence axis.
func appendState(state StateDecl, past *tensors.Tensor, positionValues []float64, batchSize, seqLen int) (result, error) {
	pastShape := past.Shape()
	if pastShape.Dim(state.BatchAxis) != batchSize {
		return result{}, errors.Errorf("state %q has batch size %d, but input batch size is %d",
			state.Past, pastShape.Dim(state.BatchAxis), batchSize)
	}
	pastLen := pastShape.Dim(state.SeqAxis)
	pastValues, err := readAsFloat64(past)
	if err != nil {
		return result{}, errors.WithMessagef(err, "state %q", state.Past)
	}
	presentShape := pastShape.WithDim(state.SeqAxis, pastLen+seqLen)
	pastStrides := pastShape.Strides()
	values := make([]float64, presentShape.Size())
	for flatIdx, indices := range presentShape.Iter() {
		seqIdx := indices[state.SeqAxis]
		if seqIdx >= pastLen {
			values[flatIdx] = positionValues[indices[state.BatchAxis]*seqLen+seqIdx-pastLen]
			continue
		}
		pastIdx := 0
		for axis, idx := range indices {
			pastIdx += idx * pastStrides[axis]
		}
		values[flatIdx] = pastValues[pastIdx]
	}
	return result{name: state.Present, shape: presentShape, values: values}, nil
}

// publish writes the result into its bound output. Outputs not bound are discarded.
func (s *Session) publish(binding *engines.Binding, r result) error {
	tensor, memory, found := binding.Output(r.name)
	if !found {
		return nil
	}
	if tensor == nil {
		tensor = tensors.FromShapeOnDevice(memory.Device, r.shape)
	} else if !tensor.Shape().Equal(r.shape) {
		return errors.Errorf("output %q bound to a tensor shaped %s, but result is shaped %s",
			r.name, tensor.Shape(), r.shape)
	}
	if err := writeFromFloat64(tensor, r.values); err != nil {
		return errors.WithMessagef(err, "output %q", r.name)
	}
	return binding.SetOutputValue(r.name, tensor)
}
