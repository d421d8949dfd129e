// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package simplego

import (
	"os"
	"slices"

	"github.com/gomlx/pipeline/pkg/core/dtypes"
	"github.com/gomlx/pipeline/pkg/core/shapes"
	"github.com/gomlx/pipeline/pkg/engines"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// OpType is the computation executed by a stage model.
type OpType string

const (
	// OpEmbed maps token ids to hidden states: every hidden value of a position is the token id.
	OpEmbed OpType = "embed"

	// OpPassthrough copies hidden states through.
	OpPassthrough OpType = "passthrough"

	// OpLMHead maps hidden states to logits over the vocabulary, predicting token `id+1 (mod vocab_size)`
	// where id is the first hidden value of the position.
	OpLMHead OpType = "lm_head"
)

// TensorDecl declares a model input or output. Use -1 for dynamic axes.
type TensorDecl struct {
	Name  string       `yaml:"name"`
	DType dtypes.DType `yaml:"dtype"`
	Dims  []int        `yaml:"dims"`
}

// StateDecl declares a recurrent-state pair: the model reads Past and writes Present, which is Past
// with the new positions appended along SeqAxis.
type StateDecl struct {
	Past      string `yaml:"past"`
	Present   string `yaml:"present"`
	BatchAxis int    `yaml:"batch_axis"`
	SeqAxis   int    `yaml:"seq_axis"`
}

// Model is the descriptor of a stage model executed by this engine. It is read from a YAML or JSON file.
//
// Example:
//
//	name: stage0
//	op: embed
//	input: input_ids
//	output: hidden_states
//	hidden_size: 4
//	inputs:
//	  - {name: input_ids, dtype: int64, dims: [-1, -1]}
//	  - {name: position_ids, dtype: int64, dims: [-1, -1]}
//	  - {name: past_0, dtype: float16, dims: [-1, 2, -1, 4]}
//	outputs:
//	  - {name: hidden_states, dtype: float32, dims: [-1, -1, 4]}
//	  - {name: present_0, dtype: float16, dims: [-1, 2, -1, 4]}
//	states:
//	  - {past: past_0, present: present_0, batch_axis: 0, seq_axis: 2}
type Model struct {
	Name       string       `yaml:"name"`
	Op         OpType       `yaml:"op"`
	Input      string       `yaml:"input"`
	Output     string       `yaml:"output"`
	HiddenSize int          `yaml:"hidden_size"`
	VocabSize  int          `yaml:"vocab_size,omitempty"`
	Inputs     []TensorDecl `yaml:"inputs"`
	Outputs    []TensorDecl `yaml:"outputs"`
	States     []StateDecl  `yaml:"states,omitempty"`
}

// ReadModel reads and validates a model descriptor file. YAML is a superset of JSON, so both are accepted.
func ReadModel(modelPath string) (*Model, error) {
	contents, err := os.ReadFile(modelPath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read model %q", modelPath)
	}
	model := &Model{}
	if err = yaml.Unmarshal(contents, model); err != nil {
		return nil, errors.Wrapf(err, "failed to parse model %q", modelPath)
	}
	if err = model.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "invalid model %q", modelPath)
	}
	return model, nil
}

// findDecl returns the declaration with the given name, or nil.
func findDecl(decls []TensorDecl, name string) *TensorDecl {
	idx := slices.IndexFunc(decls, func(d TensorDecl) bool { return d.Name == name })
	if idx < 0 {
		return nil
	}
	return &decls[idx]
}

// Validate checks the model is consistent.
func (m *Model) Validate() error {
	input, output := findDecl(m.Inputs, m.Input), findDecl(m.Outputs, m.Output)
	if input == nil {
		return errors.Errorf("main input %q is not declared in inputs", m.Input)
	}
	if output == nil {
		return errors.Errorf("main output %q is not declared in outputs", m.Output)
	}
	for _, decl := range slices.Concat(m.Inputs, m.Outputs) {
		if decl.Name == "" || !decl.DType.IsValid() {
			return errors.Errorf("tensor declaration %+v must have a name and a valid dtype", decl)
		}
		for _, dim := range decl.Dims {
			if dim < 0 && dim != shapes.DynamicDim {
				return errors.Errorf("tensor %q has invalid dimension %d", decl.Name, dim)
			}
		}
	}
	if m.HiddenSize <= 0 {
		return errors.Errorf("hidden_size must be > 0, got %d", m.HiddenSize)
	}
	switch m.Op {
	case OpEmbed:
		if !input.DType.IsInt() || len(input.Dims) != 2 {
			return errors.Errorf("op %q requires an integer [batch, seq] input, got %q", m.Op, input.Name)
		}
		if len(output.Dims) != 3 || !output.DType.IsFloat() {
			return errors.Errorf("op %q requires a float [batch, seq, hidden] output, got %q", m.Op, output.Name)
		}
	case OpPassthrough:
		if len(input.Dims) != 3 || len(output.Dims) != 3 || !input.DType.IsFloat() || !output.DType.IsFloat() {
			return errors.Errorf("op %q requires float [batch, seq, hidden] input and output", m.Op)
		}
	case OpLMHead:
		if m.VocabSize <= 0 {
			return errors.Errorf("op %q requires vocab_size > 0", m.Op)
		}
		if len(input.Dims) != 3 || len(output.Dims) != 3 || !output.DType.IsFloat() {
			return errors.Errorf("op %q requires [batch, seq, hidden] input and float [batch, seq, vocab] output", m.Op)
		}
	default:
		return errors.Errorf("unknown op %q, valid ops are %q, %q and %q", m.Op, OpEmbed, OpPassthrough, OpLMHead)
	}
	for _, state := range m.States {
		past, present := findDecl(m.Inputs, state.Past), findDecl(m.Outputs, state.Present)
		if past == nil || present == nil {
			return errors.Errorf("state %q -> %q must be declared as an input and an output", state.Past, state.Present)
		}
		if !slices.Equal(past.Dims, present.Dims) || past.DType != present.DType || !past.DType.IsFloat() {
			return errors.Errorf("state %q and %q must have the same float dtype and dimensions", state.Past, state.Present)
		}
		rank := len(past.Dims)
		if state.BatchAxis < 0 || state.BatchAxis >= rank || state.SeqAxis < 0 || state.SeqAxis >= rank ||
			state.BatchAxis == state.SeqAxis {
			return errors.Errorf("state %q has invalid batch_axis=%d / seq_axis=%d for rank %d",
				state.Past, state.BatchAxis, state.SeqAxis, rank)
		}
	}
	return nil
}

func toTensorInfos(decls []TensorDecl) []engines.TensorInfo {
	infos := make([]engines.TensorInfo, len(decls))
	for ii, decl := range decls {
		infos[ii] = engines.TensorInfo{Name: decl.Name, Shape: shapes.Make(decl.DType, decl.Dims...)}
	}
	return infos
}

// Save writes the model descriptor as YAML.
func (m *Model) Save(modelPath string) error {
	contents, err := yaml.Marshal(m)
	if err != nil {
		return errors.Wrapf(err, "failed to serialize model %q", m.Name)
	}
	return errors.Wrapf(os.WriteFile(modelPath, contents, 0o644), "failed to write model %q", modelPath)
}
