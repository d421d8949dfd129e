// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"github.com/dustin/go-humanize"
	"github.com/gomlx/pipeline/pkg/core/shapes"
	"github.com/gomlx/pipeline/pkg/core/tensors"
	"github.com/gomlx/pipeline/pkg/engines"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// stateBufferKey identifies the state buffer of a (stage, slot, parity).
type stateBufferKey struct {
	stage, slot, parity int
}

// interStageBufferKey identifies the buffer of an inter-stage output.
type interStageBufferKey struct {
	stage int
	name  string
}

// allocation is a buffer and the session that allocated it, and must free it.
type allocation struct {
	session engines.Session
	buffer  *tensors.Buffer
}

// arena owns all device buffers of one request frame. They are allocated once, at the largest size
// needed (batch × max_seq_len), and are released together.
type arena struct {
	states      map[stateBufferKey]*tensors.Buffer
	interStage  map[interStageBufferKey]*tensors.Buffer
	allocations []allocation
	numBytes    int
}

func newArena() *arena {
	return &arena{
		states:     make(map[stateBufferKey]*tensors.Buffer),
		interStage: make(map[interStageBufferKey]*tensors.Buffer),
	}
}

func (a *arena) allocate(session engines.Session, numBytes int) (*tensors.Buffer, error) {
	buffer, err := session.Allocate(numBytes)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to allocate %s on %s", humanize.IBytes(uint64(numBytes)), session.Device())
	}
	a.allocations = append(a.allocations, allocation{session: session, buffer: buffer})
	a.numBytes += numBytes
	return buffer, nil
}

// release frees all buffers. It is idempotent.
func (a *arena) release() {
	for _, alloc := range a.allocations {
		alloc.session.Free(alloc.buffer)
	}
	a.allocations = nil
	clear(a.states)
	clear(a.interStage)
	a.numBytes = 0
}

// RunState is the per-stage state of a request.
type RunState struct {
	// states maps each present output name to its current value: a view over one of the two parity
	// buffers of its slot.
	states map[string]*tensors.Tensor

	// binding is reused across steps, and cleared before each execution.
	binding *engines.Binding
}

// Frame is the execution context of one request: where it is in the pipeline, and its recurrent state.
//
// A Frame is exclusively owned by the single in-flight task of its request, or by the driver between
// tasks.
type Frame struct {
	RequestID  uint64
	Index      int // Position of the request in the batch given to Pipeline.Run.
	BatchSize  int
	OrigSeqLen int

	// Stage about to be executed, and Step (number of completed generation steps).
	Stage    int
	Step     int
	numSteps int

	response       *Response
	runStates      []*RunState
	arena          *arena
	accountedBytes int
}

// newFrame creates the frame of a request, allocating all its state and inter-stage buffers.
// The state of every stage starts as an empty (sequence length 0) view over its parity 0 buffers.
func (p *Pipeline) newFrame(requestID uint64, index, batchSize, origSeqLen, numSteps int, response *Response) (frame *Frame, err error) {
	frame = &Frame{
		RequestID:  requestID,
		Index:      index,
		BatchSize:  batchSize,
		OrigSeqLen: origSeqLen,
		numSteps:   numSteps,
		response:   response,
		runStates:  make([]*RunState, len(p.stages)),
		arena:      newArena(),
	}
	defer func() {
		if err != nil {
			frame.release()
			frame = nil
		}
	}()
	maxSeqLen := p.topology.MaxSeqLen
	for ii, s := range p.stages {
		c := s.config
		rs := &RunState{
			states:  make(map[string]*tensors.Tensor, len(c.PresentOutputs)),
			binding: s.session.NewBinding(),
		}
		frame.runStates[ii] = rs
		if len(c.PresentOutputs) > 0 {
			fullShape, err := s.fullStateShape(batchSize, maxSeqLen)
			if err != nil {
				return nil, err
			}
			for slot, present := range c.PresentOutputs {
				for parity := range 2 {
					buffer, err := frame.arena.allocate(s.session, int(fullShape.Memory()))
					if err != nil {
						return nil, &ExecutionError{RequestID: requestID, Stage: ii, Err: err}
					}
					frame.arena.states[stateBufferKey{ii, slot, parity}] = buffer
				}
				empty, err := tensors.FromBuffer(frame.arena.states[stateBufferKey{ii, slot, 0}], fullShape.WithDim(c.SeqLenAxisInState, 0))
				if err != nil {
					return nil, &ExecutionError{RequestID: requestID, Stage: ii, Err: err}
				}
				rs.states[present] = empty
			}
		}
		if ii == len(p.stages)-1 {
			continue
		}
		for _, output := range c.sortedInterStageOutputs() {
			fullShape, err := s.fullInterStageShape(output, batchSize, maxSeqLen)
			if err != nil {
				return nil, err
			}
			buffer, err := frame.arena.allocate(s.session, int(fullShape.Memory()))
			if err != nil {
				return nil, &ExecutionError{RequestID: requestID, Stage: ii, Err: err}
			}
			frame.arena.interStage[interStageBufferKey{ii, output}] = buffer
		}
	}
	frame.accountedBytes = frame.arena.numBytes
	framesBytes.Add(float64(frame.accountedBytes))
	if klog.V(2).Enabled() {
		klog.Infof("request id %d: allocated %s of state and inter-stage buffers", requestID,
			humanize.IBytes(uint64(frame.arena.numBytes)))
	}
	return frame, nil
}

// release frees all the device buffers of the frame.
func (f *Frame) release() {
	if f.arena == nil {
		return
	}
	framesBytes.Sub(float64(f.accountedBytes))
	f.accountedBytes = 0
	f.arena.release()
	f.arena = nil
	for _, rs := range f.runStates {
		if rs != nil {
			clear(rs.states)
		}
	}
}

// StateValue returns the current value of a present output of the given stage.
// It is only safe to call while the frame is not being processed, e.g. from a StepObserver.
func (f *Frame) StateValue(stage int, present string) (*tensors.Tensor, bool) {
	if stage < 0 || stage >= len(f.runStates) {
		return nil, false
	}
	t, found := f.runStates[stage].states[present]
	return t, found
}

// StateBuffer returns the buffer backing the (stage, slot, parity) recurrent state, or nil.
func (f *Frame) StateBuffer(stage, slot, parity int) *tensors.Buffer {
	if f.arena == nil {
		return nil
	}
	return f.arena.states[stateBufferKey{stage, slot, parity}]
}

// fullStateShape is the shape of the state buffers: the declared shape of the first past input, with
// the batch and the maximum sequence length set.
func (s *stage) fullStateShape(batchSize, maxSeqLen int) (shapes.Shape, error) {
	c := s.config
	shape := s.stateShape.WithDim(c.BatchAxisInState, batchSize).WithDim(c.SeqLenAxisInState, maxSeqLen)
	if shape.IsDynamic() {
		return shape, configErrorf("stage #%d (%q) state shape %s has dynamic axes other than batch and sequence",
			s.index, c.ModelName, shape)
	}
	return shape, nil
}

// fullInterStageShape is the shape of the buffer of an inter-stage output.
func (s *stage) fullInterStageShape(output string, batchSize, maxSeqLen int) (shapes.Shape, error) {
	c := s.config
	shape := s.outputs[output].Shape.WithDim(c.BatchAxisInInterStage, batchSize).WithDim(c.SeqLenAxisInInterStage, maxSeqLen)
	if shape.IsDynamic() {
		return shape, configErrorf("stage #%d (%q) inter-stage output %q shape %s has dynamic axes other than batch and sequence",
			s.index, c.ModelName, output, shape)
	}
	return shape, nil
}
