// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/pipeline/pkg/core/dtypes"
	"github.com/gomlx/pipeline/pkg/core/shapes"
	"github.com/gomlx/pipeline/pkg/core/tensors"
	"github.com/gomlx/pipeline/pkg/engines"
	"github.com/gomlx/pipeline/pkg/engines/simplego"
	"github.com/gomlx/pipeline/pkg/support/xsync"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

const (
	toyHiddenSize = 2
	toyVocabSize  = 8
	toyMaxSeqLen  = 16
)

// writeToyModels writes a 3-stage toy model to dir: an embedding with state (float32), a passthrough with
// state (float16), and an lm_head predicting token `id+1 (mod 8)`.
func writeToyModels(t *testing.T, dir string) {
	h := toyHiddenSize
	models := []*simplego.Model{
		{
			Name: "embed", Op: simplego.OpEmbed, Input: "input_ids", Output: "hidden", HiddenSize: h,
			Inputs: []simplego.TensorDecl{
				{Name: "input_ids", DType: dtypes.Int64, Dims: []int{-1, -1}},
				{Name: "position_ids", DType: dtypes.Int64, Dims: []int{-1, -1}},
				{Name: "past_0", DType: dtypes.Float32, Dims: []int{-1, -1, h}},
			},
			Outputs: []simplego.TensorDecl{
				{Name: "hidden", DType: dtypes.Float32, Dims: []int{-1, -1, h}},
				{Name: "present_0", DType: dtypes.Float32, Dims: []int{-1, -1, h}},
			},
			States: []simplego.StateDecl{{Past: "past_0", Present: "present_0", BatchAxis: 0, SeqAxis: 1}},
		},
		{
			Name: "middle", Op: simplego.OpPassthrough, Input: "hidden_in", Output: "hidden_out", HiddenSize: h,
			Inputs: []simplego.TensorDecl{
				{Name: "hidden_in", DType: dtypes.Float32, Dims: []int{-1, -1, h}},
				{Name: "past_1", DType: dtypes.Float16, Dims: []int{-1, -1, h}},
			},
			Outputs: []simplego.TensorDecl{
				{Name: "hidden_out", DType: dtypes.Float32, Dims: []int{-1, -1, h}},
				{Name: "present_1", DType: dtypes.Float16, Dims: []int{-1, -1, h}},
			},
			States: []simplego.StateDecl{{Past: "past_1", Present: "present_1", BatchAxis: 0, SeqAxis: 1}},
		},
		{
			Name: "head", Op: simplego.OpLMHead, Input: "hidden_in2", Output: "logits", HiddenSize: h, VocabSize: toyVocabSize,
			Inputs: []simplego.TensorDecl{
				{Name: "hidden_in2", DType: dtypes.Float32, Dims: []int{-1, -1, h}},
			},
			Outputs: []simplego.TensorDecl{
				{Name: "logits", DType: dtypes.Float32, Dims: []int{-1, -1, toyVocabSize}},
			},
		},
	}
	for _, model := range models {
		writeModel(t, dir, model)
	}
}

// toyTopology returns the topology of the models written by writeToyModels, one stage per device.
func toyTopology(dir string) *Topology {
	stage := func(name string, device int, seqLenInput string) StageConfig {
		return StageConfig{
			ModelName: name, ModelPath: filepath.Join(dir, name+".yaml"), Device: engines.DeviceNum(device),
			SeqLenInput: seqLenInput, SeqLenAxisInInput: 1, BatchAxisInInput: 0,
			BatchAxisInState: 0, SeqLenAxisInState: 1,
			BatchAxisInInterStage: 0, SeqLenAxisInInterStage: 1,
		}
	}
	s0 := stage("embed", 0, "input_ids")
	s0.PastInputs, s0.PresentOutputs = []string{"past_0"}, []string{"present_0"}
	s0.InterStageOutputs = map[string]string{"hidden": "hidden_in"}
	s1 := stage("middle", 1, "hidden_in")
	s1.PastInputs, s1.PresentOutputs = []string{"past_1"}, []string{"present_1"}
	s1.InterStageOutputs = map[string]string{"hidden_out": "hidden_in2"}
	s2 := stage("head", 2, "hidden_in2")
	return &Topology{
		Stages:          []StageConfig{s0, s1, s2},
		InputIDsName:    "input_ids",
		PositionIDsName: "position_ids",
		LogitsName:      "logits",
		MaxSeqLen:       toyMaxSeqLen,
	}
}

// toyRequest returns a request with the given prompts, all of the same length.
func toyRequest(prompts ...[]int64) Request {
	batchSize, seqLen := len(prompts), len(prompts[0])
	ids := make([]int64, 0, batchSize*seqLen)
	positions := make([]int64, 0, batchSize*seqLen)
	for _, prompt := range prompts {
		ids = append(ids, prompt...)
		for pos := range prompt {
			positions = append(positions, int64(pos))
		}
	}
	return Request{
		InputNames: []string{"input_ids", "position_ids"},
		InputValues: []*tensors.Tensor{
			tensors.FromFlatDataAndDimensions(ids, batchSize, seqLen),
			tensors.FromFlatDataAndDimensions(positions, batchSize, seqLen),
		},
	}
}

func newToyPipeline(t *testing.T, engine engines.Engine) *Pipeline {
	dir := t.TempDir()
	writeToyModels(t, dir)
	p, err := New(toyTopology(dir), engine)
	require.NoError(t, err)
	t.Cleanup(p.Close)
	return p
}

func newToyEngine(t *testing.T) *simplego.Engine {
	engine, err := simplego.NewEngine("devices=3")
	require.NoError(t, err)
	t.Cleanup(engine.Finalize)
	return engine
}

// expectedLastLogitsToken is the token predicted by the toy model at the last step.
func expectedLastLogitsToken(lastPromptToken int64, numSteps int) int {
	return int(lastPromptToken+int64(numSteps)) % toyVocabSize
}

// argMaxOfLastLogits returns the argmax of each batch row of the logits at the last position.
func argMaxOfLastLogits(t *testing.T, logits *tensors.Tensor) []int64 {
	ids, err := GreedyNextTokens(logits, dtypes.Int64)
	require.NoError(t, err)
	return tensors.MustCopyFlatData[int64](ids)
}

func TestNew(t *testing.T) {
	engine := newToyEngine(t)
	p := newToyPipeline(t, engine)
	assert.Equal(t, DefaultNumWorkers, p.NumWorkers())
	assert.Equal(t, 3, p.WithNumWorkers(3).NumWorkers())
	assert.Equal(t, DefaultNumWorkers, p.WithNumWorkers(0).NumWorkers())

	topo := p.Topology()
	assert.Equal(t, []string{"input_ids", "position_ids", "past_0"}, topo.Stages[0].InputNames)
	assert.Equal(t, []string{"hidden", "present_0"}, topo.Stages[0].OutputNames)
	assert.Equal(t, []OutputKind{OutputInterStage, OutputState}, p.stages[0].outputKinds)
	assert.Equal(t, []OutputKind{OutputInterStage, OutputState}, p.stages[1].outputKinds)
	assert.Equal(t, []OutputKind{OutputFinal}, p.stages[2].outputKinds)
	assert.Equal(t, dtypes.Int64, p.idsDType)
	assert.Equal(t, dtypes.Int64, p.positionsDType)
	for ii := range 3 {
		assert.Equal(t, engines.DeviceNum(ii), p.Session(ii).Device())
	}
}

func TestNew_ConfigurationErrors(t *testing.T) {
	engine := newToyEngine(t)
	dir := t.TempDir()
	writeToyModels(t, dir)

	testCases := []struct {
		name   string
		modify func(topo *Topology)
	}{
		{"no stages", func(topo *Topology) { topo.Stages = nil }},
		{"max seq len", func(topo *Topology) { topo.MaxSeqLen = 0 }},
		{"unpaired state", func(topo *Topology) { topo.Stages[0].PresentOutputs = nil }},
		{"device out of range", func(topo *Topology) { topo.Stages[2].Device = 3 }},
		{"missing model file", func(topo *Topology) { topo.Stages[1].ModelPath = filepath.Join(dir, "missing.yaml") }},
		{"undeclared past input", func(topo *Topology) {
			topo.Stages[1].PastInputs = []string{"past_missing"}
		}},
		{"undeclared inter-stage output", func(topo *Topology) {
			topo.Stages[0].InterStageOutputs = map[string]string{"not_an_output": "hidden_in"}
		}},
		{"inter-stage target not an input of next stage", func(topo *Topology) {
			topo.Stages[0].InterStageOutputs = map[string]string{"hidden": "not_an_input"}
		}},
		{"inter-stage output on last stage", func(topo *Topology) {
			topo.Stages[2].InterStageOutputs = map[string]string{"logits": "x"}
		}},
		{"state and inter-stage", func(topo *Topology) {
			topo.Stages[0].InterStageOutputs["present_0"] = "hidden_in"
		}},
		{"seq len input not declared", func(topo *Topology) { topo.Stages[1].SeqLenInput = "input_ids" }},
		{"seq len axis out of range", func(topo *Topology) { topo.Stages[0].SeqLenAxisInInput = 2 }},
		{"logits not produced", func(topo *Topology) { topo.LogitsName = "scores" }},
		{"input ids not declared", func(topo *Topology) { topo.InputIDsName = "tokens" }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			topo := toyTopology(dir)
			tc.modify(topo)
			_, err := New(topo, engine)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrConfiguration)
		})
	}

	_, err := New(toyTopology(dir), nil)
	assert.ErrorIs(t, err, ErrConfiguration)
}

func TestRun_SingleRequest(t *testing.T) {
	engine := newToyEngine(t)
	p := newToyPipeline(t, engine)
	const numSteps = 3
	responses := []*Response{NewResponse("logits")}
	stepsBefore := testutil.ToFloat64(stepsTotal)
	require.NoError(t, p.Run(context.Background(), []Request{toyRequest([]int64{3, 5})}, responses, numSteps))

	logits := responses[0].OutputValues[0]
	require.NotNil(t, logits)
	// Step 0 sees the prompt (2 positions), the following steps one token each.
	assert.Equal(t, []int{1, 1, toyVocabSize}, logits.Shape().Dimensions)
	// 5 -> 6 -> 7 -> 0 (mod 8).
	assert.Equal(t, []int64{int64(expectedLastLogitsToken(5, numSteps))}, argMaxOfLastLogits(t, logits))
	assert.Equal(t, float64(numSteps), testutil.ToFloat64(stepsTotal)-stepsBefore)

	// All frame buffers were returned.
	assert.Zero(t, engine.LiveBytes())
	for ii := range 2 {
		assert.Equal(t, int64(numSteps), p.Session(ii).(*simplego.Session).NumRuns())
	}
}

func TestRun_StateGrowthAndParity(t *testing.T) {
	engine := newToyEngine(t)
	p := newToyPipeline(t, engine)
	const numSteps = 4
	prompt := []int64{1, 2, 3}
	var events int
	p.WithStepObserver(func(event StepEvent) {
		events++
		frame := event.Frame
		step := frame.Step
		require.GreaterOrEqual(t, step, 1)

		// Length of the state after `step` steps: the prompt, and one generated token per later step.
		wantLen := len(prompt) + step - 1
		for stageIdx, present := range []string{"present_0", "present_1"} {
			state, found := frame.StateValue(stageIdx, present)
			require.True(t, found)
			assert.Equal(t, wantLen, state.Shape().Dim(1), "stage %d after step %d", stageIdx, step)

			// The state written by step s-1 lives in the buffer of parity step%2.
			assert.Same(t, frame.StateBuffer(stageIdx, 0, step%2), state.Buffer())
			assert.NotSame(t, frame.StateBuffer(stageIdx, 0, (step+1)%2), state.Buffer())
		}

		// State contents: the prompt followed by the generated tokens, each repeated over the hidden axis.
		state, _ := frame.StateValue(0, "present_0")
		flat := tensors.MustCopyFlatData[float32](state)
		want := make([]float32, 0, wantLen*toyHiddenSize)
		for pos := range wantLen {
			// Generated tokens follow the prompt: 3 -> 4 -> 5 ...
			token := float32(int(prompt[len(prompt)-1]) + pos - len(prompt) + 1)
			if pos < len(prompt) {
				token = float32(prompt[pos])
			}
			for range toyHiddenSize {
				want = append(want, token)
			}
		}
		assert.Equal(t, want, flat)
		state1, _ := frame.StateValue(1, "present_1")
		flat16 := tensors.MustCopyFlatData[float16.Float16](state1)
		for ii, v := range flat16 {
			assert.Equal(t, want[ii], v.Float32())
		}

		// The token only holds what the last stage produced: the logits over the positions of this step.
		assert.Equal(t, []string{"logits"}, event.Token.Names())
		logits, _ := event.Token.Value("logits")
		wantSeqLen := 1
		if step == 1 {
			wantSeqLen = len(prompt)
		}
		assert.Equal(t, []int{1, wantSeqLen, toyVocabSize}, logits.Shape().Dimensions)
	})
	responses := []*Response{NewResponse("logits")}
	require.NoError(t, p.Run(context.Background(), []Request{toyRequest(prompt)}, responses, numSteps))
	assert.Equal(t, numSteps, events)
}

func TestRun_ManyRequests(t *testing.T) {
	engine := newToyEngine(t)
	p := newToyPipeline(t, engine).WithNumWorkers(3)
	const numRequests = 24
	const numSteps = 5
	requests := make([]Request, numRequests)
	responses := make([]*Response, numRequests)
	lastTokens := make([][]int64, numRequests)
	for ii := range numRequests {
		batchSize := 1 + ii%3
		seqLen := 1 + ii%4
		prompts := make([][]int64, batchSize)
		for b := range batchSize {
			prompts[b] = make([]int64, seqLen)
			for pos := range seqLen {
				prompts[b][pos] = int64((ii + b + pos) % toyVocabSize)
			}
			lastTokens[ii] = append(lastTokens[ii], prompts[b][seqLen-1])
		}
		requests[ii] = toyRequest(prompts...)
		responses[ii] = NewResponse("logits")
	}
	completedBefore := testutil.ToFloat64(requestsTotal.WithLabelValues(statusCompleted))
	require.NoError(t, p.Run(context.Background(), requests, responses, numSteps))
	assert.Equal(t, float64(numRequests), testutil.ToFloat64(requestsTotal.WithLabelValues(statusCompleted))-completedBefore)

	for ii, response := range responses {
		require.NotNil(t, response.OutputValues[0], "request #%d", ii)
		want := make([]int64, len(lastTokens[ii]))
		for b, last := range lastTokens[ii] {
			want[b] = int64(expectedLastLogitsToken(last, numSteps))
		}
		assert.Equal(t, want, argMaxOfLastLogits(t, response.OutputValues[0]), "request #%d", ii)
	}
	assert.Zero(t, engine.LiveBytes())
}

func TestRun_ConcurrentRuns(t *testing.T) {
	engine := newToyEngine(t)
	p := newToyPipeline(t, engine)
	var wg sync.WaitGroup
	errs := make([]error, 4)
	responses := make([]*Response, 4)
	for ii := range 4 {
		responses[ii] = NewResponse("logits")
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[ii] = p.Run(context.Background(), []Request{toyRequest([]int64{int64(ii)})}, responses[ii:ii+1], 2)
		}()
	}
	wg.Wait()
	for ii := range 4 {
		require.NoError(t, errs[ii])
		assert.Equal(t, []int64{int64(expectedLastLogitsToken(int64(ii), 2))}, argMaxOfLastLogits(t, responses[ii].OutputValues[0]))
	}
}

func TestRun_PreallocatedOutput(t *testing.T) {
	engine := newToyEngine(t)
	p := newToyPipeline(t, engine)
	logits := tensors.FromShape(shapes.Make(dtypes.Float32, 1, 1, toyVocabSize))
	responses := []*Response{{OutputNames: []string{"logits"}, OutputValues: []*tensors.Tensor{logits}}}
	require.NoError(t, p.Run(context.Background(), []Request{toyRequest([]int64{1, 2})}, responses, 2))
	assert.Same(t, logits, responses[0].OutputValues[0])
	assert.Equal(t, []int64{int64(expectedLastLogitsToken(2, 2))}, argMaxOfLastLogits(t, logits))

	// Caller memory location.
	responses = []*Response{NewResponse("logits")}
	responses[0].OutputMemory = []engines.MemoryInfo{engines.HostMemory}
	require.NoError(t, p.Run(context.Background(), []Request{toyRequest([]int64{1})}, responses, 1))
	assert.Equal(t, tensors.HostDevice, responses[0].OutputValues[0].Device())
}

// filledLogits returns a [batchSize, 1, toyVocabSize] float32 tensor filled with value.
func filledLogits(batchSize int, value float32) *tensors.Tensor {
	logits := tensors.FromShape(shapes.Make(dtypes.Float32, batchSize, 1, toyVocabSize))
	tensors.MustMutableFlatData(logits, func(flat []float32) {
		for ii := range flat {
			flat[ii] = value
		}
	})
	return logits
}

func TestRun_PreallocatedOutputUntouchedOnFailure(t *testing.T) {
	engine := newToyEngine(t)
	p := newToyPipeline(t, engine)
	ctx := context.Background()

	// The logits are produced, but the run fails on the other requested output.
	logits := filledLogits(1, 42)
	want := tensors.MustCopyFlatData[float32](logits)
	responses := []*Response{{
		OutputNames:  []string{"logits", "not_an_output"},
		OutputValues: []*tensors.Tensor{logits, nil},
	}}
	err := p.Run(ctx, []Request{toyRequest([]int64{1, 2})}, responses, 2)
	require.ErrorIs(t, err, ErrMissingOutput)
	assert.Same(t, logits, responses[0].OutputValues[0])
	assert.Equal(t, want, tensors.MustCopyFlatData[float32](logits))

	// One request succeeds and the other fails: nothing is written.
	faulty := &faultyEngine{Engine: engine, afterRun: func(model string, binding *engines.Binding) error {
		if model == "embed" && firstInputID(binding) == 5 {
			return errors.New("device fault")
		}
		return nil
	}}
	p = newToyPipeline(t, faulty)
	responses = []*Response{
		{OutputNames: []string{"logits"}, OutputValues: []*tensors.Tensor{logits}},
		NewResponse("logits"),
	}
	err = p.Run(ctx, []Request{toyRequest([]int64{1}), toyRequest([]int64{3})}, responses, 3)
	require.ErrorIs(t, err, ErrExecution)
	assert.Equal(t, want, tensors.MustCopyFlatData[float32](logits))
	assert.Nil(t, responses[1].OutputValues[0])
	p.Close()

	// Preallocated tensors of the wrong shape are reported, and left untouched.
	wrongShape := filledLogits(2, 42)
	responses = []*Response{{OutputNames: []string{"logits"}, OutputValues: []*tensors.Tensor{wrongShape}}}
	err = newToyPipeline(t, engine).Run(ctx, []Request{toyRequest([]int64{1})}, responses, 1)
	require.ErrorIs(t, err, ErrExecution)
	assert.Contains(t, err.Error(), "preallocated")
	assert.Equal(t, tensors.MustCopyFlatData[float32](filledLogits(2, 42)), tensors.MustCopyFlatData[float32](wrongShape))

	// Invalid preallocated tensors are a configuration error.
	finalized := filledLogits(1, 0)
	finalized.Finalize()
	responses = []*Response{{OutputNames: []string{"logits"}, OutputValues: []*tensors.Tensor{finalized}}}
	err = newToyPipeline(t, engine).Run(ctx, []Request{toyRequest([]int64{1})}, responses, 1)
	require.ErrorIs(t, err, ErrConfiguration)
	assert.Zero(t, engine.LiveBytes())
}

func TestRun_RequestErrors(t *testing.T) {
	engine := newToyEngine(t)
	p := newToyPipeline(t, engine)
	ctx := context.Background()
	req := toyRequest([]int64{1, 2})

	err := p.Run(ctx, []Request{req}, []*Response{NewResponse("logits")}, 0)
	assert.ErrorIs(t, err, ErrConfiguration)
	err = p.Run(ctx, []Request{req, req}, []*Response{NewResponse("logits")}, 1)
	assert.ErrorIs(t, err, ErrConfiguration)
	err = p.Run(ctx, []Request{{InputNames: []string{"input_ids"}, InputValues: req.InputValues}},
		[]*Response{NewResponse("logits")}, 1)
	assert.ErrorIs(t, err, ErrConfiguration)
	err = p.Run(ctx, []Request{{InputNames: req.InputNames[:1], InputValues: req.InputValues[:1]}},
		[]*Response{NewResponse("logits")}, 1)
	assert.ErrorIs(t, err, ErrConfiguration)
	err = p.Run(ctx, []Request{req}, []*Response{{OutputNames: []string{"logits"}}}, 1)
	assert.ErrorIs(t, err, ErrConfiguration)

	// Duplicate input names are rejected by the token.
	dup := Request{
		InputNames:  []string{"input_ids", "position_ids", "input_ids"},
		InputValues: append(req.InputValues, req.InputValues[0]),
	}
	err = p.Run(ctx, []Request{dup}, []*Response{NewResponse("logits")}, 1)
	assert.ErrorIs(t, err, ErrConfiguration)

	// No requests is a no-op.
	require.NoError(t, p.Run(ctx, nil, nil, 1))
	assert.Zero(t, engine.LiveBytes())
}

func TestRun_OnlyLastStageOutputsAreReturned(t *testing.T) {
	engine := newToyEngine(t)
	p := newToyPipeline(t, engine)
	// Request inputs, and inputs fed by inter-stage outputs, are not outputs of the pipeline.
	for _, name := range []string{"input_ids", "position_ids", "hidden_in", "hidden_in2", "present_0"} {
		for _, numSteps := range []int{1, 2} {
			responses := []*Response{NewResponse("logits", name)}
			err := p.Run(context.Background(), []Request{toyRequest([]int64{1, 2})}, responses, numSteps)
			require.ErrorIs(t, err, ErrMissingOutput, "output %q, %d steps", name, numSteps)
			assert.ErrorIs(t, err, ErrExecution)
			assert.Nil(t, responses[0].OutputValues[0])
			assert.Nil(t, responses[0].OutputValues[1])
		}
	}
	assert.Zero(t, engine.LiveBytes())
}

func TestRun_DecodedInputs(t *testing.T) {
	engine := newToyEngine(t)
	var mu sync.Mutex
	var ids, positions [][]int64
	recorder := &faultyEngine{Engine: engine, afterRun: func(model string, binding *engines.Binding) error {
		if model == "embed" {
			mu.Lock()
			defer mu.Unlock()
			idsValue, _ := binding.Input("input_ids")
			positionsValue, _ := binding.Input("position_ids")
			ids = append(ids, tensors.MustCopyFlatData[int64](idsValue))
			positions = append(positions, tensors.MustCopyFlatData[int64](positionsValue))
		}
		return nil
	}}
	p := newToyPipeline(t, recorder)
	responses := []*Response{NewResponse("logits")}
	require.NoError(t, p.Run(context.Background(), []Request{toyRequest([]int64{3, 4, 5}, []int64{0, 1, 2})}, responses, 3))

	// Step 0 sees the prompts, then each step the greedy token of the previous one at the next position.
	assert.Equal(t, [][]int64{{3, 4, 5, 0, 1, 2}, {6, 3}, {7, 4}}, ids)
	assert.Equal(t, [][]int64{{0, 1, 2, 0, 1, 2}, {3, 3}, {4, 4}}, positions)
}

// writeModel saves the model in dir, and returns its path.
func writeModel(t *testing.T, dir string, model *simplego.Model) string {
	modelPath := filepath.Join(dir, model.Name+".yaml")
	require.NoError(t, model.Save(modelPath))
	return modelPath
}

func TestRun_SingleStage(t *testing.T) {
	const hiddenSize = 4
	dir := t.TempDir()
	modelPath := writeModel(t, dir, &simplego.Model{
		Name: "embed", Op: simplego.OpEmbed, Input: "input_ids", Output: "logits", HiddenSize: hiddenSize,
		Inputs:  []simplego.TensorDecl{{Name: "input_ids", DType: dtypes.Int64, Dims: []int{-1, -1}}},
		Outputs: []simplego.TensorDecl{{Name: "logits", DType: dtypes.Float32, Dims: []int{-1, -1, hiddenSize}}},
	})
	topology := &Topology{
		Stages: []StageConfig{{
			ModelName: "embed", ModelPath: modelPath, Device: 0,
			SeqLenInput: "input_ids", SeqLenAxisInInput: 1, BatchAxisInInput: 0,
		}},
		InputIDsName:    "input_ids",
		PositionIDsName: "position_ids",
		LogitsName:      "logits",
		MaxSeqLen:       toyMaxSeqLen,
	}
	engine := newToyEngine(t)
	p, err := New(topology, engine)
	require.NoError(t, err)
	defer p.Close()

	responses := []*Response{NewResponse("logits")}
	require.NoError(t, p.Run(context.Background(), []Request{toyRequest([]int64{1})}, responses, 1))
	logits := responses[0].OutputValues[0]
	require.NotNil(t, logits)
	assert.Equal(t, []int{1, 1, hiddenSize}, logits.Shape().Dimensions)
	assert.Equal(t, []float32{1, 1, 1, 1}, tensors.MustCopyFlatData[float32](logits))
	assert.Zero(t, engine.LiveBytes())
}

func TestRun_TwoStagesStateMaps(t *testing.T) {
	const h = toyHiddenSize
	dir := t.TempDir()
	hiddenDecl := func(name string, dtype dtypes.DType) simplego.TensorDecl {
		return simplego.TensorDecl{Name: name, DType: dtype, Dims: []int{-1, -1, h}}
	}
	embedPath := writeModel(t, dir, &simplego.Model{
		Name: "embed", Op: simplego.OpEmbed, Input: "input_ids", Output: "hidden", HiddenSize: h,
		Inputs: []simplego.TensorDecl{
			{Name: "input_ids", DType: dtypes.Int64, Dims: []int{-1, -1}},
			hiddenDecl("past_key", dtypes.Float32), hiddenDecl("past_value", dtypes.Float32),
		},
		Outputs: []simplego.TensorDecl{
			hiddenDecl("hidden", dtypes.Float32),
			hiddenDecl("present_key", dtypes.Float32), hiddenDecl("present_value", dtypes.Float32),
		},
		States: []simplego.StateDecl{
			{Past: "past_key", Present: "present_key", BatchAxis: 0, SeqAxis: 1},
			{Past: "past_value", Present: "present_value", BatchAxis: 0, SeqAxis: 1},
		},
	})
	headPath := writeModel(t, dir, &simplego.Model{
		Name: "head", Op: simplego.OpLMHead, Input: "hidden_in", Output: "logits", HiddenSize: h, VocabSize: toyVocabSize,
		Inputs: []simplego.TensorDecl{hiddenDecl("hidden_in", dtypes.Float32), hiddenDecl("past_head", dtypes.BFloat16)},
		Outputs: []simplego.TensorDecl{
			{Name: "logits", DType: dtypes.Float32, Dims: []int{-1, -1, toyVocabSize}},
			hiddenDecl("present_head", dtypes.BFloat16),
		},
		States: []simplego.StateDecl{{Past: "past_head", Present: "present_head", BatchAxis: 0, SeqAxis: 1}},
	})
	topology := toyTopology(dir)
	topology.Stages = topology.Stages[:2]
	s0, s1 := &topology.Stages[0], &topology.Stages[1]
	s0.ModelPath = embedPath
	s0.PastInputs, s0.PresentOutputs = []string{"past_key", "past_value"}, []string{"present_key", "present_value"}
	s0.InterStageOutputs = map[string]string{"hidden": "hidden_in"}
	s1.ModelName, s1.ModelPath, s1.SeqLenInput = "head", headPath, "hidden_in"
	s1.PastInputs, s1.PresentOutputs = []string{"past_head"}, []string{"present_head"}
	s1.InterStageOutputs = nil

	engine := newToyEngine(t)
	p, err := New(topology, engine)
	require.NoError(t, err)
	defer p.Close()

	const numSteps = 2
	prompts := [][]int64{{1, 2}, {3}}
	var events int
	p.WithStepObserver(func(event StepEvent) {
		events++
		frame := event.Frame
		promptLen := len(prompts[frame.Index])
		for stageIdx, presents := range [][]string{{"present_key", "present_value"}, {"present_head"}} {
			require.Len(t, frame.runStates[stageIdx].states, len(presents))
			for _, present := range presents {
				state, found := frame.StateValue(stageIdx, present)
				require.True(t, found, "request #%d step %d: state %q of stage %d", frame.Index, frame.Step, present, stageIdx)
				assert.Equal(t, []int{1, promptLen + frame.Step - 1, h}, state.Shape().Dimensions)
			}
		}
	})
	requests := []Request{toyRequest(prompts[0]), toyRequest(prompts[1])}
	responses := []*Response{NewResponse("logits"), NewResponse("logits")}
	require.NoError(t, p.Run(context.Background(), requests, responses, numSteps))
	assert.Equal(t, numSteps*len(requests), events)
	for ii, prompt := range prompts {
		want := int64(expectedLastLogitsToken(prompt[len(prompt)-1], numSteps))
		assert.Equal(t, []int64{want}, argMaxOfLastLogits(t, responses[ii].OutputValues[0]), "request #%d", ii)
	}
	assert.Zero(t, engine.LiveBytes())
}

func TestRun_MaxSeqLenExceeded(t *testing.T) {
	engine := newToyEngine(t)
	p := newToyPipeline(t, engine)
	prompt := make([]int64, toyMaxSeqLen-1)
	responses := []*Response{NewResponse("logits")}
	// Steps 0 and 1 fit exactly, step 2 would need toyMaxSeqLen+1 positions.
	err := p.Run(context.Background(), []Request{toyRequest(prompt)}, responses, 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExecution)
	assert.Contains(t, err.Error(), "exceeds the maximum")
	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, 2, execErr.Step)
	assert.Equal(t, 0, execErr.Stage)
	assert.Nil(t, responses[0].OutputValues[0])

	p.Close()
	assert.Zero(t, engine.LiveBytes())

	responses = []*Response{NewResponse("logits")}
	require.Error(t, p.Run(context.Background(), []Request{toyRequest(prompt)}, responses, 2))
}

func TestRun_MissingOutputs(t *testing.T) {
	engine := newToyEngine(t)
	p := newToyPipeline(t, engine)
	responses := []*Response{NewResponse("logits", "not_an_output")}
	err := p.Run(context.Background(), []Request{toyRequest([]int64{1})}, responses, 2)
	assert.ErrorIs(t, err, ErrMissingOutput)
	assert.ErrorIs(t, err, ErrExecution)
	assert.Nil(t, responses[0].OutputValues[0], "partial results must not be committed")

	faulty := &faultyEngine{Engine: engine, afterRun: func(model string, binding *engines.Binding) error {
		if model == "head" {
			// Drop the logits.
			return binding.SetOutputValue("logits", nil)
		}
		return nil
	}}
	p = newToyPipeline(t, faulty)
	err = p.Run(context.Background(), []Request{toyRequest([]int64{1})}, []*Response{NewResponse()}, 2)
	assert.ErrorIs(t, err, ErrMissingLogits)
	assert.ErrorIs(t, err, ErrExecution)
}

// faultyEngine wraps an engine, calling afterRun after every successful session execution, and
// onFinalize (if set) when a session is finalized.
type faultyEngine struct {
	engines.Engine
	afterRun   func(model string, binding *engines.Binding) error
	onFinalize func()
}

func (e *faultyEngine) Load(modelPath string, device engines.DeviceNum) (engines.Session, error) {
	session, err := e.Engine.Load(modelPath, device)
	if err != nil {
		return nil, err
	}
	return &faultySession{Session: session, engine: e}, nil
}

type faultySession struct {
	engines.Session
	engine *faultyEngine
}

func (s *faultySession) Run(binding *engines.Binding) error {
	if err := s.Session.Run(binding); err != nil {
		return err
	}
	return s.engine.afterRun(s.Session.(*simplego.Session).Model().Name, binding)
}

func (s *faultySession) Finalize() {
	if s.engine.onFinalize != nil {
		s.engine.onFinalize()
	}
	s.Session.Finalize()
}

// firstInputID returns the first input id bound, or -1 if the stage has no input ids.
func firstInputID(binding *engines.Binding) int64 {
	ids, found := binding.Input("input_ids")
	if !found {
		return -1
	}
	return tensors.MustCopyFlatData[int64](ids)[0]
}

func TestRun_FailureDrainsInFlight(t *testing.T) {
	const failingID = 7
	engine := newToyEngine(t)
	// The first "middle" task blocks until released, and the failing task waits for it to be blocked, so
	// Run fails with a task in flight.
	middleBlocked, release := xsync.NewLatch(), xsync.NewLatch()
	faulty := &faultyEngine{Engine: engine, afterRun: func(model string, binding *engines.Binding) error {
		switch model {
		case "middle":
			if middleBlocked.Trigger() {
				release.Wait()
			}
		case "embed":
			if firstInputID(binding) == failingID {
				middleBlocked.Wait()
				return errors.Errorf("device fault for token %d", failingID)
			}
		}
		return nil
	}}
	p := newToyPipeline(t, faulty).WithNumWorkers(4)
	const numRequests = 16
	requests := make([]Request, numRequests)
	responses := make([]*Response, numRequests)
	for ii := range numRequests {
		requests[ii] = toyRequest([]int64{int64(ii % toyVocabSize)})
		responses[ii] = NewResponse("logits")
	}
	err := p.Run(context.Background(), requests, responses, 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExecution)
	assert.Contains(t, err.Error(), "device fault")
	var execErr *ExecutionError
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, 0, execErr.Stage)
	for ii, response := range responses {
		assert.Nil(t, response.OutputValues[0], "response #%d must not be committed", ii)
	}
	assert.GreaterOrEqual(t, testutil.ToFloat64(inFlightTasks), 1.0)

	// In-flight requests are drained in the background: Close waits for them.
	release.Trigger()
	p.Close()
	assert.Zero(t, engine.LiveBytes())
	assert.Zero(t, testutil.ToFloat64(inFlightTasks))
}

func TestClose_WaitsForRun(t *testing.T) {
	engine := newToyEngine(t)
	headRunning, release := xsync.NewLatch(), xsync.NewLatch()
	responses := []*Response{NewResponse("logits")}
	var finalizedEarly atomic.Bool
	faulty := &faultyEngine{
		Engine: engine,
		afterRun: func(model string, _ *engines.Binding) error {
			if model == "head" {
				headRunning.Trigger()
				release.Wait()
			}
			return nil
		},
		onFinalize: func() {
			// Run commits the outputs before returning.
			if responses[0].OutputValues[0] == nil {
				finalizedEarly.Store(true)
			}
		},
	}
	p := newToyPipeline(t, faulty)
	runErr := make(chan error, 1)
	go func() {
		runErr <- p.Run(context.Background(), []Request{toyRequest([]int64{1})}, responses, 2)
	}()
	headRunning.Wait()

	closed := xsync.NewLatch()
	go func() {
		p.Close()
		closed.Trigger()
	}()
	select {
	case <-closed.WaitChan():
		t.Fatal("Close returned while Run was executing.")
	case <-time.After(20 * time.Millisecond):
	}
	release.Trigger()
	require.NoError(t, <-runErr)
	closed.Wait()
	assert.False(t, finalizedEarly.Load(), "sessions finalized before Run returned")
	assert.Equal(t, []int64{int64(expectedLastLogitsToken(1, 2))}, argMaxOfLastLogits(t, responses[0].OutputValues[0]))

	err := p.Run(context.Background(), []Request{toyRequest([]int64{1})}, []*Response{NewResponse("logits")}, 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after Close")
}

func TestRun_PanicIsReported(t *testing.T) {
	engine := newToyEngine(t)
	faulty := &faultyEngine{Engine: engine, afterRun: func(model string, binding *engines.Binding) error {
		if model == "middle" {
			exceptions.Panicf("unexpected state in %q", model)
		}
		return nil
	}}
	p := newToyPipeline(t, faulty)
	failuresBefore := testutil.ToFloat64(stageFailures.WithLabelValues("1"))
	err := p.Run(context.Background(), []Request{toyRequest([]int64{1})}, []*Response{NewResponse("logits")}, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrExecution)
	assert.Contains(t, err.Error(), "unexpected state")
	assert.Equal(t, 1.0, testutil.ToFloat64(stageFailures.WithLabelValues("1"))-failuresBefore)
	p.Close()
	assert.Zero(t, engine.LiveBytes())
}

func TestRun_ContextCancelled(t *testing.T) {
	engine := newToyEngine(t)
	p := newToyPipeline(t, engine)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	requests := make([]Request, 4)
	responses := make([]*Response, 4)
	for ii := range requests {
		requests[ii] = toyRequest([]int64{int64(ii)})
		responses[ii] = NewResponse("logits")
	}
	err := p.Run(ctx, requests, responses, 3)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	p.Close()
	assert.Zero(t, engine.LiveBytes())
}

func TestRequestIDsAreUnique(t *testing.T) {
	const numGoroutines = 8
	const perGoroutine = 1000
	ids := make([][]uint64, numGoroutines)
	var wg sync.WaitGroup
	for ii := range numGoroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perGoroutine {
				ids[ii] = append(ids[ii], nextRequestID())
			}
		}()
	}
	wg.Wait()
	seen := make(map[uint64]bool, numGoroutines*perGoroutine)
	for _, list := range ids {
		for _, id := range list {
			require.False(t, seen[id], fmt.Sprintf("duplicate request id %d", id))
			seen[id] = true
		}
	}
}
