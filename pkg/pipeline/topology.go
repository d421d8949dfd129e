// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"fmt"
	"maps"
	"slices"

	"github.com/gomlx/pipeline/pkg/core/shapes"
	"github.com/gomlx/pipeline/pkg/engines"
	"github.com/gomlx/pipeline/pkg/support/sets"
)

// StageConfig describes one stage of the pipeline: a sub-model executed on one device.
//
// It is immutable after the Pipeline is created. InputNames and OutputNames are filled from the loaded
// session.
type StageConfig struct {
	ModelName string
	ModelPath string
	Device    engines.DeviceNum

	// InputNames and OutputNames are filled by New from the stage session.
	InputNames  []string
	OutputNames []string

	// PastInputs are the recurrent-state inputs, and PresentOutputs the matching recurrent-state
	// outputs: PastInputs[i] receives PresentOutputs[i] from the previous step.
	PastInputs     []string
	PresentOutputs []string

	// InterStageOutputs maps outputs of this stage to the inputs of the next stage they feed.
	InterStageOutputs map[string]string

	// SeqLenInput is the input whose sequence axis gives the number of new positions of a step.
	SeqLenInput       string
	SeqLenAxisInInput int
	BatchAxisInInput  int

	// Axes of recurrent-state tensors.
	BatchAxisInState  int
	SeqLenAxisInState int

	// Axes of inter-stage output tensors.
	BatchAxisInInterStage  int
	SeqLenAxisInInterStage int
}

// Topology is the ordered list of stages and the names shared by the whole pipeline.
type Topology struct {
	Stages []StageConfig

	InputIDsName    string
	PositionIDsName string
	LogitsName      string

	// MaxSeqLen is the maximum total sequence length (prompt plus generated tokens) of a request.
	MaxSeqLen int
}

// NumStages returns the number of stages.
func (t *Topology) NumStages() int { return len(t.Stages) }

// PastInputPair returns the present output paired with the given recurrent-state input, and its slot.
func (c *StageConfig) PastInputPair(input string) (present string, slot int, ok bool) {
	slot = slices.Index(c.PastInputs, input)
	if slot < 0 {
		return "", -1, false
	}
	return c.PresentOutputs[slot], slot, true
}

// PresentSlot returns the slot of a recurrent-state output.
func (c *StageConfig) PresentSlot(output string) (slot int, ok bool) {
	slot = slices.Index(c.PresentOutputs, output)
	return slot, slot >= 0
}

// InterStageTarget returns the next-stage input fed by the given output.
func (c *StageConfig) InterStageTarget(output string) (nextInput string, ok bool) {
	nextInput, ok = c.InterStageOutputs[output]
	return
}

// sortedInterStageOutputs returns the inter-stage output names in a deterministic order.
func (c *StageConfig) sortedInterStageOutputs() []string {
	return slices.Sorted(maps.Keys(c.InterStageOutputs))
}

// Clone returns a deep copy of the topology.
func (t *Topology) Clone() *Topology {
	clone := *t
	clone.Stages = make([]StageConfig, len(t.Stages))
	for ii, stage := range t.Stages {
		stage.InputNames = slices.Clone(stage.InputNames)
		stage.OutputNames = slices.Clone(stage.OutputNames)
		stage.PastInputs = slices.Clone(stage.PastInputs)
		stage.PresentOutputs = slices.Clone(stage.PresentOutputs)
		stage.InterStageOutputs = maps.Clone(stage.InterStageOutputs)
		clone.Stages[ii] = stage
	}
	return &clone
}

// Validate the topology configuration, before any model is loaded.
// All errors wrap ErrConfiguration.
func (t *Topology) Validate() error {
	if len(t.Stages) == 0 {
		return configErrorf("topology has no stages")
	}
	if t.InputIDsName == "" || t.PositionIDsName == "" || t.LogitsName == "" {
		return configErrorf("input ids name (%q), position ids name (%q) and logits name (%q) must be set",
			t.InputIDsName, t.PositionIDsName, t.LogitsName)
	}
	if t.MaxSeqLen <= 0 {
		return configErrorf("max sequence length must be > 0, got %d", t.MaxSeqLen)
	}
	for ii := range t.Stages {
		c := &t.Stages[ii]
		name := fmt.Sprintf("stage #%d (%q)", ii, c.ModelName)
		if c.ModelPath == "" {
			return configErrorf("%s has no model path", name)
		}
		if c.SeqLenInput == "" {
			return configErrorf("%s has no input to use for the sequence length", name)
		}
		for _, axis := range []int{c.SeqLenAxisInInput, c.BatchAxisInInput, c.BatchAxisInState,
			c.SeqLenAxisInState, c.BatchAxisInInterStage, c.SeqLenAxisInInterStage} {
			if axis < 0 {
				return configErrorf("%s has a negative dimension index %d", name, axis)
			}
		}
		if len(c.PastInputs) != len(c.PresentOutputs) {
			return configErrorf("%s has %d past inputs but %d present outputs, they must be paired",
				name, len(c.PastInputs), len(c.PresentOutputs))
		}
		if len(c.PastInputs) > 0 && c.BatchAxisInState == c.SeqLenAxisInState {
			return configErrorf("%s uses axis %d for both batch and sequence of the state", name, c.BatchAxisInState)
		}
		if hasDuplicates(c.PastInputs) || hasDuplicates(c.PresentOutputs) {
			return configErrorf("%s has duplicate past input or present output names", name)
		}
		for output, input := range c.InterStageOutputs {
			if output == "" || input == "" {
				return configErrorf("%s has an empty name in the inter-stage map (%q -> %q)", name, output, input)
			}
			if slices.Contains(c.PresentOutputs, output) {
				return configErrorf("%s output %q can't be both a present (state) output and an inter-stage output",
					name, output)
			}
		}
		if ii == len(t.Stages)-1 && len(c.InterStageOutputs) > 0 {
			return configErrorf("%s is the last stage, it can't have inter-stage outputs", name)
		}
	}
	return nil
}

// validateWithSessions checks the stage configuration against the declared inputs and outputs of the
// loaded session of stage ii, and of the next stage.
func (t *Topology) validateWithSessions(ii int, session, next engines.Session) error {
	c := &t.Stages[ii]
	name := fmt.Sprintf("stage #%d (%q)", ii, c.ModelName)
	inputs, outputs := infoByName(session.Inputs()), infoByName(session.Outputs())
	if _, found := inputs[c.SeqLenInput]; !found {
		return configErrorf("%s doesn't declare input %q used for the sequence length", name, c.SeqLenInput)
	}
	if err := inputs[c.SeqLenInput].Shape.CheckAxis(c.SeqLenAxisInInput); err != nil {
		return configErrorf("%s sequence length input %q: %v", name, c.SeqLenInput, err)
	}
	var firstPast shapes.Shape
	for slot, past := range c.PastInputs {
		info, found := inputs[past]
		if !found {
			return configErrorf("%s doesn't declare past input %q", name, past)
		}
		if _, found := outputs[c.PresentOutputs[slot]]; !found {
			return configErrorf("%s doesn't declare present output %q", name, c.PresentOutputs[slot])
		}
		if slot == 0 {
			firstPast = info.Shape
			if err := firstPast.CheckAxis(c.BatchAxisInState); err != nil {
				return configErrorf("%s past input %q batch axis: %v", name, past, err)
			}
			if err := firstPast.CheckAxis(c.SeqLenAxisInState); err != nil {
				return configErrorf("%s past input %q sequence axis: %v", name, past, err)
			}
		} else if !info.Shape.Equal(firstPast) {
			return configErrorf("%s past input %q is declared as %s, but all past inputs must share the shape %s",
				name, past, info.Shape, firstPast)
		}
	}
	var nextInputs sets.Set[string]
	if next != nil {
		nextInputs = sets.Make[string](len(next.Inputs()))
		for _, info := range next.Inputs() {
			nextInputs.Insert(info.Name)
		}
	}
	for output, nextInput := range c.InterStageOutputs {
		info, found := outputs[output]
		if !found {
			return configErrorf("%s doesn't declare inter-stage output %q", name, output)
		}
		if err := info.Shape.CheckAxis(c.BatchAxisInInterStage); err != nil {
			return configErrorf("%s inter-stage output %q batch axis: %v", name, output, err)
		}
		if err := info.Shape.CheckAxis(c.SeqLenAxisInInterStage); err != nil {
			return configErrorf("%s inter-stage output %q sequence axis: %v", name, output, err)
		}
		if next != nil {
			if !nextInputs.Has(nextInput) {
				return configErrorf("%s maps output %q to input %q, which is not declared by the next stage",
					name, output, nextInput)
			}
		}
	}
	return nil
}

func infoByName(infos []engines.TensorInfo) map[string]engines.TensorInfo {
	m := make(map[string]engines.TensorInfo, len(infos))
	for _, info := range infos {
		m[info.Name] = info
	}
	return m
}

func hasDuplicates(names []string) bool {
	return len(sets.MakeWith(names...)) != len(names)
}

// OutputKind classifies the outputs of a stage. It is computed once per stage when the pipeline is created.
type OutputKind int

const (
	// OutputFinal outputs are appended to the token under their own name: that's how the logits and
	// any caller-requested output reach the driver.
	OutputFinal OutputKind = iota

	// OutputState outputs are recurrent-state ("present") outputs, kept in the request frame.
	OutputState

	// OutputInterStage outputs feed an input of the next stage.
	OutputInterStage
)

// String implements fmt.Stringer.
func (k OutputKind) String() string {
	switch k {
	case OutputFinal:
		return "Final"
	case OutputState:
		return "State"
	case OutputInterStage:
		return "InterStage"
	default:
		return fmt.Sprintf("OutputKind(%d)", int(k))
	}
}

// classifyOutput returns the kind of the named output of the stage.
func (c *StageConfig) classifyOutput(output string) OutputKind {
	if _, ok := c.PresentSlot(output); ok {
		return OutputState
	}
	if _, ok := c.InterStageTarget(output); ok {
		return OutputInterStage
	}
	return OutputFinal
}
