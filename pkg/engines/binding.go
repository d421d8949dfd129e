// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engines

import (
	"slices"

	"github.com/gomlx/pipeline/pkg/core/tensors"
	"github.com/pkg/errors"
)

// MemoryInfo describes where an engine should allocate an output it was not given a tensor for.
type MemoryInfo struct {
	Device DeviceNum
}

// HostMemory requests outputs to be allocated in host (CPU) memory.
var HostMemory = MemoryInfo{Device: tensors.HostDevice}

// OnDevice returns the MemoryInfo for the given device.
func OnDevice(device DeviceNum) MemoryInfo {
	return MemoryInfo{Device: device}
}

// boundOutput is either a preallocated tensor or a memory location for the engine to allocate.
type boundOutput struct {
	name   string
	tensor *tensors.Tensor
	memory MemoryInfo
	value  *tensors.Tensor
}

// Binding holds the named inputs and outputs of one Session execution.
//
// A Binding is not safe for concurrent use: the pipeline keeps one per (request, stage), so it is only
// used by one execution at a time, and is reused across generation steps after being cleared.
type Binding struct {
	inputNames []string
	inputs     []*tensors.Tensor
	outputs    []boundOutput
}

// NewBinding returns an empty Binding. Engines usually return it from Session.NewBinding.
func NewBinding() *Binding {
	return &Binding{}
}

// BindInput binds the tensor to the named input, replacing any previous binding with the same name.
func (b *Binding) BindInput(name string, tensor *tensors.Tensor) error {
	if tensor == nil {
		return errors.Errorf("BindInput(%q): nil tensor", name)
	}
	if idx := slices.Index(b.inputNames, name); idx >= 0 {
		b.inputs[idx] = tensor
		return nil
	}
	b.inputNames = append(b.inputNames, name)
	b.inputs = append(b.inputs, tensor)
	return nil
}

// BindOutput binds a preallocated tensor to the named output: the engine writes the result into it,
// and its shape must be the exact shape of the result.
func (b *Binding) BindOutput(name string, tensor *tensors.Tensor) error {
	if tensor == nil {
		return errors.Errorf("BindOutput(%q): nil tensor", name)
	}
	b.setOutput(boundOutput{name: name, tensor: tensor, memory: OnDevice(tensor.Device())})
	return nil
}

// BindOutputToDevice asks the engine to allocate the named output on the given memory.
func (b *Binding) BindOutputToDevice(name string, memory MemoryInfo) {
	b.setOutput(boundOutput{name: name, memory: memory})
}

func (b *Binding) setOutput(output boundOutput) {
	for ii := range b.outputs {
		if b.outputs[ii].name == output.name {
			b.outputs[ii] = output
			return
		}
	}
	b.outputs = append(b.outputs, output)
}

// ClearBoundInputs removes all input bindings.
func (b *Binding) ClearBoundInputs() {
	b.inputNames = b.inputNames[:0]
	clear(b.inputs)
	b.inputs = b.inputs[:0]
}

// ClearBoundOutputs removes all output bindings, and the values of the last execution.
func (b *Binding) ClearBoundOutputs() {
	clear(b.outputs)
	b.outputs = b.outputs[:0]
}

// Input returns the tensor bound to the named input.
func (b *Binding) Input(name string) (*tensors.Tensor, bool) {
	idx := slices.Index(b.inputNames, name)
	if idx < 0 {
		return nil, false
	}
	return b.inputs[idx], true
}

// InputNames returns the names of the bound inputs, in binding order.
func (b *Binding) InputNames() []string {
	return slices.Clone(b.inputNames)
}

// OutputNames returns the names of the bound outputs, in binding order.
func (b *Binding) OutputNames() []string {
	names := make([]string, len(b.outputs))
	for ii, output := range b.outputs {
		names[ii] = output.name
	}
	return names
}

// Output returns how the named output was bound: the preallocated tensor (nil if to be allocated by
// the engine) and its memory location.
func (b *Binding) Output(name string) (tensor *tensors.Tensor, memory MemoryInfo, found bool) {
	for _, output := range b.outputs {
		if output.name == name {
			return output.tensor, output.memory, true
		}
	}
	return nil, MemoryInfo{}, false
}

// SetOutputValue is used by engines to publish the result of the named output after execution.
// For preallocated outputs, the value must be the bound tensor itself.
func (b *Binding) SetOutputValue(name string, value *tensors.Tensor) error {
	for ii := range b.outputs {
		output := &b.outputs[ii]
		if output.name != name {
			continue
		}
		if output.tensor != nil && output.tensor != value {
			return errors.Errorf("output %q was bound to a preallocated tensor, engine can't replace it", name)
		}
		output.value = value
		return nil
	}
	return errors.Errorf("output %q is not bound", name)
}

// ResetOutputValues forgets the values of a previous execution, keeping the bindings.
// Engines call it at the start of Session.Run.
func (b *Binding) ResetOutputValues() {
	for ii := range b.outputs {
		b.outputs[ii].value = nil
	}
}

// OutputValues returns the values of the bound outputs after execution, in the same order as
// OutputNames. Outputs not produced by the execution are nil.
func (b *Binding) OutputValues() []*tensors.Tensor {
	values := make([]*tensors.Tensor, len(b.outputs))
	for ii, output := range b.outputs {
		values[ii] = output.value
	}
	return values
}
