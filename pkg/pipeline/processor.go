// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"runtime"
	"slices"
	"strconv"
	"time"

	"github.com/gomlx/pipeline/pkg/core/shapes"
	"github.com/gomlx/pipeline/pkg/core/tensors"
	"github.com/gomlx/pipeline/pkg/engines"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// stage is the loaded form of a StageConfig.
type stage struct {
	index   int
	config  *StageConfig
	session engines.Session

	inputs      []engines.TensorInfo
	outputs     map[string]engines.TensorInfo
	outputNames []string
	outputKinds []OutputKind // One per outputNames.

	// stateShape is the declared shape of the first past input: all past inputs share it.
	stateShape shapes.Shape

	label string // For metrics.
}

func newStage(index int, config *StageConfig, session engines.Session) *stage {
	s := &stage{
		index:   index,
		config:  config,
		session: session,
		inputs:  session.Inputs(),
		outputs: infoByName(session.Outputs()),
		label:   strconv.Itoa(index),
	}
	config.InputNames = config.InputNames[:0]
	for _, info := range s.inputs {
		config.InputNames = append(config.InputNames, info.Name)
	}
	config.OutputNames = config.OutputNames[:0]
	for _, info := range session.Outputs() {
		s.outputNames = append(s.outputNames, info.Name)
		s.outputKinds = append(s.outputKinds, config.classifyOutput(info.Name))
		config.OutputNames = append(config.OutputNames, info.Name)
	}
	if len(config.PastInputs) > 0 {
		for _, info := range s.inputs {
			if info.Name == config.PastInputs[0] {
				s.stateShape = info.Shape
			}
		}
	}
	return s
}

// processStage executes one stage of one step of a request: it binds the inputs from the token and the
// recurrent state, binds the outputs into the frame buffers, runs the session and routes the outputs.
//
// On success the token holds only what the stage produced: its final outputs, and its inter-stage outputs
// under the names of the next stage inputs. Recurrent-state outputs become the new state of the frame.
func (p *Pipeline) processStage(frame *Frame, token *Token) error {
	s := p.stages[frame.Stage]
	c := s.config

	// Device selection is per OS thread for some engines.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if err := p.engine.SetCurrentDevice(c.Device); err != nil {
		return errors.WithMessagef(err, "failed to set current device to %s", c.Device)
	}

	rs := frame.runStates[frame.Stage]
	binding := rs.binding
	binding.ClearBoundInputs()
	binding.ClearBoundOutputs()
	defer binding.ClearBoundInputs()

	// Inputs: from the token, or from the recurrent state.
	for _, info := range s.inputs {
		value, found := token.Value(info.Name)
		if !found {
			if present, _, isPast := c.PastInputPair(info.Name); isPast {
				value, found = rs.states[present]
			}
		}
		if !found {
			return errors.Errorf("input %q of stage %q not found in the token nor in the recurrent state", info.Name, c.ModelName)
		}
		if err := binding.BindInput(info.Name, value); err != nil {
			return err
		}
	}

	// Sequence lengths of this step.
	seqSource, found := token.Value(c.SeqLenInput)
	if !found {
		return errors.Errorf("input %q used for the sequence length not found in the token", c.SeqLenInput)
	}
	if err := seqSource.Shape().CheckAxis(c.SeqLenAxisInInput); err != nil {
		return errors.WithMessagef(err, "sequence length input %q", c.SeqLenInput)
	}
	inputLen := seqSource.Shape().Dim(c.SeqLenAxisInInput)
	priorLen := 0
	if len(c.PresentOutputs) > 0 {
		priorLen = rs.states[c.PresentOutputs[0]].Shape().Dim(c.SeqLenAxisInState)
	}
	newLen := inputLen + priorLen
	if newLen > p.topology.MaxSeqLen {
		return errors.Errorf("sequence length %d (%d past + %d new) exceeds the maximum %d",
			newLen, priorLen, inputLen, p.topology.MaxSeqLen)
	}
	readParity := frame.Step % 2
	writeParity := 1 - readParity

	// Outputs: into the frame buffers, the caller memory, or the stage device.
	for ii, name := range s.outputNames {
		switch s.outputKinds[ii] {
		case OutputState:
			slot, _ := c.PresentSlot(name)
			fullShape, err := s.fullStateShape(frame.BatchSize, p.topology.MaxSeqLen)
			if err != nil {
				return err
			}
			view, err := tensors.FromBuffer(frame.arena.states[stateBufferKey{s.index, slot, writeParity}],
				fullShape.WithDim(c.SeqLenAxisInState, newLen))
			if err != nil {
				return errors.WithMessagef(err, "state output %q", name)
			}
			if err := binding.BindOutput(name, view); err != nil {
				return err
			}
		case OutputInterStage:
			fullShape, err := s.fullInterStageShape(name, frame.BatchSize, p.topology.MaxSeqLen)
			if err != nil {
				return err
			}
			view, err := tensors.FromBuffer(frame.arena.interStage[interStageBufferKey{s.index, name}],
				fullShape.WithDim(c.SeqLenAxisInInterStage, inputLen))
			if err != nil {
				return errors.WithMessagef(err, "inter-stage output %q", name)
			}
			if err := binding.BindOutput(name, view); err != nil {
				return err
			}
		default:
			bindFinalOutput(binding, name, frame, c.Device)
		}
	}

	start := time.Now()
	err := s.session.Run(binding)
	elapsed := time.Since(start)
	stageDuration.WithLabelValues(s.label).Observe(elapsed.Seconds())
	if err != nil {
		return errors.WithMessagef(err, "stage %q failed", c.ModelName)
	}
	if klog.V(2).Enabled() {
		klog.Infof("request id %d, step %d: stage %d (%q) on %s took %s (seq_len %d+%d)",
			frame.RequestID, frame.Step, s.index, c.ModelName, c.Device, elapsed, priorLen, inputLen)
	}

	// Route the outputs: the inputs of this stage are not forwarded.
	token.Clear()
	values := binding.OutputValues()
	for ii, name := range binding.OutputNames() {
		value := values[ii]
		switch c.classifyOutput(name) {
		case OutputState:
			if value == nil {
				return errors.Errorf("stage %q didn't produce the state output %q", c.ModelName, name)
			}
			rs.states[name] = value
		case OutputInterStage:
			if value == nil {
				return errors.Errorf("stage %q didn't produce the inter-stage output %q", c.ModelName, name)
			}
			nextInput, _ := c.InterStageTarget(name)
			token.Append(nextInput, value)
		default:
			if value != nil {
				token.Append(name, value)
			}
		}
	}
	return nil
}

// bindFinalOutput binds an output that is neither state nor inter-stage.
//
// Outputs requested by the caller are allocated in the caller memory (Response.OutputMemory), if given.
// Anything else is allocated by the engine on the stage device. Preallocated Response.OutputValues are
// never bound: they only receive a copy once the whole Run succeeds.
func bindFinalOutput(binding *engines.Binding, name string, frame *Frame, device engines.DeviceNum) {
	if response := frame.response; response != nil {
		if idx := slices.Index(response.OutputNames, name); idx >= 0 && idx < len(response.OutputMemory) {
			binding.BindOutputToDevice(name, response.OutputMemory[idx])
			return
		}
	}
	binding.BindOutputToDevice(name, engines.OnDevice(device))
}
