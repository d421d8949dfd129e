// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pipeline implements pipeline-parallel autoregressive generation: a language model split into
// stages, each running on its own device, with many requests flowing through the stages concurrently.
//
// Each request carries its own recurrent state (the "past"/"present" key-value caches of every stage)
// in double-buffered device memory, allocated once at the maximum sequence length. The driver
// (Pipeline.Run) admits a batch of requests, dispatches one stage task at a time per request to a pool of
// workers, and after the last stage of every step greedily decodes the next token from the logits.
//
// Example:
//
//	engine := must.M1(engines.New())
//	p, err := pipeline.New(topology, engine)
//	if err != nil { ... }
//	defer p.Close()
//	responses := []*pipeline.Response{pipeline.NewResponse("logits")}
//	err = p.Run(ctx, []pipeline.Request{{InputNames: names, InputValues: values}}, responses, numSteps)
package pipeline

import (
	"context"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/pipeline/internal/workerspool"
	"github.com/gomlx/pipeline/pkg/core/dtypes"
	"github.com/gomlx/pipeline/pkg/core/tensors"
	"github.com/gomlx/pipeline/pkg/engines"
	"github.com/gomlx/pipeline/pkg/support/xsync"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// DefaultNumWorkers is the default number of stage tasks executed concurrently.
const DefaultNumWorkers = 10

// Request is one generation request: the named inputs of the first step.
//
// It must include the input ids, the position ids, and the input used by the first stage for the sequence
// length, all sharing the same batch size.
type Request struct {
	InputNames  []string
	InputValues []*tensors.Tensor
}

// Response holds the requested outputs of one request.
//
// OutputValues must have one entry per OutputNames. After a successful Run, each entry holds the value
// the last stage produced for that output in the last step. If an entry was preallocated (not nil), the
// value is copied into it, and its shape must match exactly. A failed Run leaves every entry untouched.
//
// OutputMemory is optional: if set, OutputMemory[i] tells the engine where to allocate OutputNames[i].
type Response struct {
	OutputNames  []string
	OutputValues []*tensors.Tensor
	OutputMemory []engines.MemoryInfo
}

// NewResponse returns a Response for the given outputs, to be allocated by the engines.
func NewResponse(outputNames ...string) *Response {
	return &Response{
		OutputNames:  outputNames,
		OutputValues: make([]*tensors.Tensor, len(outputNames)),
	}
}

// StepEvent is passed to a StepObserver after a request completes a generation step, before the next
// token is decoded.
type StepEvent struct {
	RunID string

	// Frame of the request: Frame.Step is the number of steps completed.
	Frame *Frame

	// Token holds the values produced by the last stage during the step, including the logits.
	Token *Token
}

// StepObserver is called by the driver goroutine for every step completed by every request.
// It must not keep references to the Frame or Token after returning.
type StepObserver func(event StepEvent)

// Pipeline executes autoregressive generation over a Topology of stages.
//
// Create it with New, configure it with the With* methods, and then call Run, possibly multiple times.
// Different Run calls can be executed concurrently, but the With* methods must not be called during a Run.
type Pipeline struct {
	topology *Topology
	engine   engines.Engine
	stages   []*stage

	idsDType, positionsDType dtypes.DType

	pool     *workerspool.Pool
	inFlight *xsync.DynamicWaitGroup
	observer StepObserver
	closed   *xsync.Latch
}

// New loads the model of every stage of the topology, concurrently, in its device.
//
// It returns an error wrapping ErrConfiguration if the topology is invalid, a model fails to load, or a
// model doesn't match its stage configuration.
func New(topology *Topology, engine engines.Engine) (*Pipeline, error) {
	if engine == nil {
		return nil, configErrorf("nil engine")
	}
	if err := topology.Validate(); err != nil {
		return nil, err
	}
	topology = topology.Clone()
	numStages := topology.NumStages()
	for ii, c := range topology.Stages {
		if int(c.Device) < 0 || int(c.Device) >= engine.NumDevices() {
			return nil, configErrorf("stage #%d (%q) configured for %s, but engine %q has %d devices",
				ii, c.ModelName, c.Device, engine.Name(), engine.NumDevices())
		}
	}

	start := time.Now()
	sessions := make([]engines.Session, numStages)
	var g errgroup.Group
	for ii := range topology.Stages {
		c := &topology.Stages[ii]
		g.Go(func() error {
			loadStart := time.Now()
			session, err := engine.Load(c.ModelPath, c.Device)
			if err != nil {
				return configErrorf("failed to load stage #%d (%q) from %q: %v", ii, c.ModelName, c.ModelPath, err)
			}
			sessions[ii] = session
			klog.V(1).Infof("loaded stage #%d (%q) on %s in %s", ii, c.ModelName, c.Device, time.Since(loadStart))
			return nil
		})
	}
	err := g.Wait()
	if err == nil {
		for ii := range numStages {
			var next engines.Session
			if ii < numStages-1 {
				next = sessions[ii+1]
			}
			if err = topology.validateWithSessions(ii, sessions[ii], next); err != nil {
				break
			}
		}
	}
	if err != nil {
		for _, session := range sessions {
			if session != nil {
				session.Finalize()
			}
		}
		return nil, err
	}

	p := &Pipeline{
		topology: topology,
		engine:   engine,
		stages:   make([]*stage, numStages),
		pool:     workerspool.New(DefaultNumWorkers),
		inFlight: xsync.NewDynamicWaitGroup(),
		closed:   xsync.NewLatch(),
	}
	for ii := range numStages {
		p.stages[ii] = newStage(ii, &topology.Stages[ii], sessions[ii])
	}
	if err = p.resolveDTypes(); err != nil {
		p.finalizeSessions()
		return nil, err
	}
	klog.V(1).Infof("pipeline with %d stages loaded in %s", numStages, time.Since(start))
	return p, nil
}

// resolveDTypes finds the dtypes of the ids and positions generated by the decoder, from the inputs
// declared by the first stage.
func (p *Pipeline) resolveDTypes() error {
	first, last := p.stages[0], p.stages[len(p.stages)-1]
	inputs := infoByName(first.inputs)
	ids, found := inputs[p.topology.InputIDsName]
	if !found {
		return configErrorf("first stage (%q) doesn't declare the input ids %q", first.config.ModelName, p.topology.InputIDsName)
	}
	p.idsDType = ids.Shape.DType
	p.positionsDType = p.idsDType
	if positions, found := inputs[p.topology.PositionIDsName]; found {
		p.positionsDType = positions.Shape.DType
	}
	if _, found := last.outputs[p.topology.LogitsName]; !found {
		return configErrorf("last stage (%q) doesn't declare the logits output %q", last.config.ModelName, p.topology.LogitsName)
	}
	if kind := last.config.classifyOutput(p.topology.LogitsName); kind != OutputFinal {
		return configErrorf("logits output %q of the last stage is configured as a %s output", p.topology.LogitsName, kind)
	}
	return nil
}

// WithNumWorkers sets the maximum number of stage tasks executed concurrently.
// Values <= 0 select DefaultNumWorkers.
func (p *Pipeline) WithNumWorkers(numWorkers int) *Pipeline {
	if numWorkers <= 0 {
		numWorkers = DefaultNumWorkers
	}
	p.pool = workerspool.New(numWorkers)
	return p
}

// WithStepObserver registers a function called after every step of every request.
func (p *Pipeline) WithStepObserver(observer StepObserver) *Pipeline {
	p.observer = observer
	return p
}

// Topology returns the topology of the pipeline, with the input and output names of each stage filled.
// It must not be modified.
func (p *Pipeline) Topology() *Topology { return p.topology }

// NumWorkers returns the maximum number of stage tasks executed concurrently.
func (p *Pipeline) NumWorkers() int { return p.pool.MaxParallelism() }

// Session returns the loaded session of the given stage.
func (p *Pipeline) Session(stage int) engines.Session { return p.stages[stage].session }

// Close waits for any running Run and any in-flight task (including those drained in the background after
// a failed Run), and finalizes the sessions. Run calls started after Close return an error.
// The engine is owned by the caller and is not finalized.
func (p *Pipeline) Close() {
	if !p.closed.Trigger() {
		return
	}
	p.inFlight.Wait()
	p.finalizeSessions()
}

func (p *Pipeline) finalizeSessions() {
	for _, s := range p.stages {
		if s != nil {
			s.session.Finalize()
		}
	}
}

// Run generates numSteps steps for each request, and stores the requested outputs of the last step in
// the corresponding response.
//
// Responses are only written if all requests succeed: on the first failure Run returns an error (matching
// ErrExecution), and the requests still in flight are drained in the background, their results discarded.
// Configuration errors (matching ErrConfiguration) are returned before anything is executed.
//
// If ctx is cancelled, Run stops waiting and returns ctx.Err(): in-flight stage executions are not
// interrupted, they are drained in the background.
func (p *Pipeline) Run(ctx context.Context, requests []Request, responses []*Response, numSteps int) error {
	p.inFlight.Add(1)
	defer p.inFlight.Done()
	if p.closed.Test() {
		return errors.New("pipeline.Run called after Close")
	}
	if err := p.validateRun(requests, responses, numSteps); err != nil {
		return err
	}
	if len(requests) == 0 {
		return nil
	}
	runID := uuid.NewString()
	start := time.Now()
	klog.V(1).Infof("run %s: %d requests, %d steps, %d stages, %d workers",
		runID, len(requests), numSteps, len(p.stages), p.pool.MaxParallelism())

	// Admission: create all frames and tokens first, so a failure doesn't leave tasks behind.
	frames := make(map[uint64]*Frame, len(requests))
	tokens := make([]*Token, 0, len(requests))
	for ii, req := range requests {
		batchSize, seqLen := p.requestDims(req)
		frame, err := p.newFrame(nextRequestID(), ii, batchSize, seqLen, numSteps, responses[ii])
		if err == nil {
			token := &Token{}
			err = token.Init(frame.RequestID, 0, req.InputNames, req.InputValues)
			tokens = append(tokens, token)
			frames[frame.RequestID] = frame
		}
		if err != nil {
			for _, f := range frames {
				f.release()
			}
			return errors.WithMessagef(err, "run %s: failed to admit request #%d", runID, ii)
		}
	}

	completions := make(chan *Token, len(requests))
	for _, token := range tokens {
		p.submit(frames[token.RequestID], token, completions)
	}

	staged := make([][]*tensors.Tensor, len(requests))
	numCompleted := 0
	for numCompleted < len(requests) {
		var token *Token
		if ctx.Err() == nil {
			select {
			case <-ctx.Done():
			case token = <-completions:
			}
		}
		if token == nil {
			p.abandon(runID, nil, frames, completions)
			return errors.Wrapf(ctx.Err(), "run %s interrupted", runID)
		}
		frame := frames[token.RequestID]
		if frame == nil {
			exceptions.Panicf("run %s: completion for unknown request id %d", runID, token.RequestID)
		}
		err := token.Err
		done := false
		if err == nil {
			done, err = p.advance(runID, frame, token, staged)
		}
		if err != nil {
			requestsTotal.WithLabelValues(statusFailed).Inc()
			p.abandon(runID, frame, frames, completions)
			klog.Errorf("run %s failed after %s: %v", runID, time.Since(start), err)
			return err
		}
		if done {
			numCompleted++
			requestsTotal.WithLabelValues(statusCompleted).Inc()
			klog.V(1).Infof("run %s: request id %d (#%d) completed %d steps", runID, frame.RequestID, frame.Index, frame.Step)
			delete(frames, frame.RequestID)
			frame.release()
			continue
		}
		p.submit(frame, token, completions)
	}

	// Commit.
	for ii, values := range staged {
		if err := commitOutputs(responses[ii], values); err != nil {
			return errors.WithMessagef(err, "run %s: failed to store the outputs of request #%d", runID, ii)
		}
	}
	klog.V(1).Infof("run %s: %d requests completed in %s", runID, len(requests), time.Since(start))
	return nil
}

// validateRun checks the requests and responses, before anything is allocated.
func (p *Pipeline) validateRun(requests []Request, responses []*Response, numSteps int) error {
	if numSteps < 1 {
		return configErrorf("number of steps must be >= 1, got %d", numSteps)
	}
	if len(requests) != len(responses) {
		return configErrorf("got %d requests but %d responses", len(requests), len(responses))
	}
	first := p.stages[0].config
	for ii, req := range requests {
		if len(req.InputNames) != len(req.InputValues) {
			return configErrorf("request #%d has %d input names but %d input values", ii, len(req.InputNames), len(req.InputValues))
		}
		resp := responses[ii]
		if resp == nil {
			return configErrorf("response #%d is nil", ii)
		}
		if len(resp.OutputNames) != len(resp.OutputValues) {
			return configErrorf("response #%d has %d output names but %d output values", ii, len(resp.OutputNames), len(resp.OutputValues))
		}
		if len(resp.OutputMemory) > 0 && len(resp.OutputMemory) != len(resp.OutputNames) {
			return configErrorf("response #%d has %d output names but %d output memory locations", ii, len(resp.OutputNames), len(resp.OutputMemory))
		}
		for jj, value := range resp.OutputValues {
			if value != nil && value.CheckValid() != nil {
				return configErrorf("response #%d preallocated output %q is not valid: %v", ii, resp.OutputNames[jj], value.CheckValid())
			}
		}
		values := make(map[string]*tensors.Tensor, len(req.InputNames))
		for jj, name := range req.InputNames {
			if req.InputValues[jj] == nil {
				return configErrorf("request #%d input %q is nil", ii, name)
			}
			values[name] = req.InputValues[jj]
		}
		for _, name := range []string{p.topology.InputIDsName, p.topology.PositionIDsName, first.SeqLenInput} {
			if _, found := values[name]; !found {
				return configErrorf("request #%d is missing the input %q", ii, name)
			}
		}
		seqSource := values[first.SeqLenInput].Shape()
		if seqSource.CheckAxis(first.SeqLenAxisInInput) != nil || seqSource.CheckAxis(first.BatchAxisInInput) != nil {
			return configErrorf("request #%d input %q shaped %s doesn't have the batch (%d) and sequence (%d) axes",
				ii, first.SeqLenInput, seqSource, first.BatchAxisInInput, first.SeqLenAxisInInput)
		}
		batchSize, seqLen := p.requestDims(req)
		if seqLen < 1 {
			return configErrorf("request #%d has an empty sequence", ii)
		}
		for _, name := range []string{p.topology.InputIDsName, p.topology.PositionIDsName} {
			shape := values[name].Shape()
			if shape.Rank() < 1 || shape.Dim(0) != batchSize {
				return configErrorf("request #%d input %q shaped %s doesn't match the batch size %d", ii, name, shape, batchSize)
			}
		}
	}
	return nil
}

// requestDims returns the batch size and the sequence length of the request, from the input the first
// stage uses for the sequence length. It assumes the request was validated.
func (p *Pipeline) requestDims(req Request) (batchSize, seqLen int) {
	first := p.stages[0].config
	for ii, name := range req.InputNames {
		if name == first.SeqLenInput {
			shape := req.InputValues[ii].Shape()
			return shape.Dim(first.BatchAxisInInput), shape.Dim(first.SeqLenAxisInInput)
		}
	}
	return 0, 0
}

// submit dispatches the next stage of the frame to the worker pool. It blocks until a worker is available.
func (p *Pipeline) submit(frame *Frame, token *Token, completions chan<- *Token) {
	p.inFlight.Add(1)
	inFlightTasks.Inc()
	p.pool.WaitToStart(func() {
		defer func() {
			inFlightTasks.Dec()
			p.inFlight.Done()
		}()
		completions <- p.runTask(frame, token)
	})
}

// runTask processes one stage, converting any failure (including panics) into an error Token.
func (p *Pipeline) runTask(frame *Frame, token *Token) *Token {
	stageIdx, step := frame.Stage, frame.Step
	var err error
	exception := exceptions.Try(func() { err = p.processStage(frame, token) })
	if exception != nil {
		err = errorFromException(exception)
	}
	if err != nil {
		stageFailures.WithLabelValues(p.stages[stageIdx].label).Inc()
		return newErrorToken(token.RequestID, step, &ExecutionError{
			RequestID: token.RequestID, Step: step, Stage: stageIdx, Err: err})
	}
	return token
}

func errorFromException(exception any) error {
	if err, ok := exception.(error); ok {
		return errors.WithMessage(err, "panic")
	}
	return errors.Errorf("panic: %v", exception)
}

// advance moves the frame to its next stage after a successful task. After the last stage of a step it
// either finishes the request, storing its outputs in staged, or decodes the next token into the token.
func (p *Pipeline) advance(runID string, frame *Frame, token *Token, staged [][]*tensors.Tensor) (done bool, err error) {
	frame.Stage = (frame.Stage + 1) % len(p.stages)
	if frame.Stage != 0 {
		return false, nil
	}
	frame.Step++
	stepsTotal.Inc()
	if p.observer != nil {
		p.observer(StepEvent{RunID: runID, Frame: frame, Token: token})
	}
	lastStage := len(p.stages) - 1
	newError := func(err error) error {
		return &ExecutionError{RequestID: frame.RequestID, Step: frame.Step - 1, Stage: lastStage, Err: err}
	}

	if frame.Step == frame.numSteps {
		names := frame.response.OutputNames
		values := make([]*tensors.Tensor, len(names))
		for ii, name := range names {
			value, found := token.Value(name)
			if !found {
				return false, newError(errors.Wrapf(ErrMissingOutput, "output %q not produced", name))
			}
			if dst := frame.response.OutputValues[ii]; dst != nil && !dst.Shape().Equal(value.Shape()) {
				return false, newError(errors.Errorf("output %q shaped %s doesn't fit the preallocated tensor shaped %s",
					name, value.Shape(), dst.Shape()))
			}
			values[ii] = value
		}
		staged[frame.Index] = values
		return true, nil
	}

	logits, found := token.Value(p.topology.LogitsName)
	if !found {
		return false, newError(errors.Wrapf(ErrMissingLogits, "did not get logits %q in the output", p.topology.LogitsName))
	}
	ids, err := GreedyNextTokens(logits, p.idsDType)
	if err != nil {
		return false, newError(err)
	}
	if ids.Shape().Dim(0) != frame.BatchSize {
		return false, newError(errors.Errorf("logits shaped %s don't match the batch size %d", logits.Shape(), frame.BatchSize))
	}
	positions, err := PositionIDs(frame.BatchSize, frame.OrigSeqLen+frame.Step-1, p.positionsDType)
	if err != nil {
		return false, newError(err)
	}
	token.Clear()
	err = token.Init(frame.RequestID, frame.Step,
		[]string{p.topology.InputIDsName, p.topology.PositionIDsName},
		[]*tensors.Tensor{ids, positions})
	if err != nil {
		return false, newError(err)
	}
	if klog.V(2).Enabled() {
		klog.Infof("run %s: request id %d step %d decoded %s", runID, frame.RequestID, frame.Step, ids)
	}
	return false, nil
}

// commitOutputs stores the staged values of a completed request into its response. Preallocated entries
// receive a copy of the value.
func commitOutputs(response *Response, values []*tensors.Tensor) error {
	for ii, value := range values {
		dst := response.OutputValues[ii]
		if dst == nil {
			response.OutputValues[ii] = value
			continue
		}
		if err := dst.CopyFrom(value); err != nil {
			return errors.WithMessagef(err, "output %q", response.OutputNames[ii])
		}
		value.Finalize()
	}
	return nil
}

// abandon gives up on the run: the failed frame (if any) is released immediately, and the frames with a
// task in flight are released, in the background, as their tasks complete.
func (p *Pipeline) abandon(runID string, failed *Frame, frames map[uint64]*Frame, completions <-chan *Token) {
	if failed != nil {
		delete(frames, failed.RequestID)
		failed.release()
	}
	numOutstanding := len(frames)
	if numOutstanding == 0 {
		return
	}
	klog.Warningf("run %s: discarding %d requests in flight", runID, numOutstanding)
	requestsTotal.WithLabelValues(statusAbandoned).Add(float64(numOutstanding))
	p.inFlight.Add(1)
	go func() {
		defer p.inFlight.Done()
		for range numOutstanding {
			token := <-completions
			if frame := frames[token.RequestID]; frame != nil {
				frame.release()
				delete(frames, token.RequestID)
			}
		}
		klog.V(1).Infof("run %s: drained %d abandoned requests", runID, numOutstanding)
	}()
}
