// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ensemble reads pipeline topologies from "ensemble" configuration files, in JSON or YAML.
//
// Example (JSON):
//
//	{
//	  "input_ids_name": "input_ids",
//	  "position_ids_name": "position_ids",
//	  "logits_name": "logits",
//	  "max_seq_len": 1024,
//	  "ensemble": [
//	    {
//	      "model_name": "stage0",
//	      "model_file_path": "stage0.onnx",
//	      "input_to_use_for_seq_len": "input_ids",
//	      "seq_len_dim_index_in_input": 1,
//	      "batch_dim_index_in_input": 0,
//	      "batch_dim_index_in_state": 0,
//	      "seq_len_dim_index_in_state": 2,
//	      "batch_dim_in_inter_stage_output": 0,
//	      "seq_len_dim_in_inter_stage_output": 1,
//	      "device_id": 0,
//	      "inter_stage_output_input_map": [["hidden_states", "input_hidden_states"]],
//	      "past_input_names": ["past_0"],
//	      "present_output_names": ["present_0"]
//	    }
//	  ]
//	}
//
// Model paths may be relative (to the ensemble file directory), start with "~", or be remote
// ("gs://...", "http(s)://..."), in which case they are fetched into a cache directory.
package ensemble

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/pipeline/pkg/engines"
	"github.com/gomlx/pipeline/pkg/pipeline"
	"github.com/gomlx/pipeline/pkg/support/blobs"
	"github.com/gomlx/pipeline/pkg/support/fsutil"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// Config is the contents of an ensemble file.
type Config struct {
	InputIDsName    string  `json:"input_ids_name" yaml:"input_ids_name"`
	PositionIDsName string  `json:"position_ids_name" yaml:"position_ids_name"`
	LogitsName      string  `json:"logits_name" yaml:"logits_name"`
	MaxSeqLen       int     `json:"max_seq_len" yaml:"max_seq_len"`
	Stages          []Stage `json:"ensemble" yaml:"ensemble"`
}

// Stage is the configuration of one model of the ensemble.
type Stage struct {
	ModelName     string `json:"model_name" yaml:"model_name"`
	ModelFilePath string `json:"model_file_path" yaml:"model_file_path"`
	DeviceID      int    `json:"device_id" yaml:"device_id"`

	InputToUseForSeqLen         string `json:"input_to_use_for_seq_len" yaml:"input_to_use_for_seq_len"`
	SeqLenDimIndexInInput       int    `json:"seq_len_dim_index_in_input" yaml:"seq_len_dim_index_in_input"`
	BatchDimIndexInInput        int    `json:"batch_dim_index_in_input" yaml:"batch_dim_index_in_input"`
	BatchDimIndexInState        int    `json:"batch_dim_index_in_state" yaml:"batch_dim_index_in_state"`
	SeqLenDimIndexInState       int    `json:"seq_len_dim_index_in_state" yaml:"seq_len_dim_index_in_state"`
	BatchDimInInterStageOutput  int    `json:"batch_dim_in_inter_stage_output" yaml:"batch_dim_in_inter_stage_output"`
	SeqLenDimInInterStageOutput int    `json:"seq_len_dim_in_inter_stage_output" yaml:"seq_len_dim_in_inter_stage_output"`

	// InterStageOutputInputMap is a list of [output, next stage input] pairs.
	InterStageOutputInputMap [][]string `json:"inter_stage_output_input_map,omitempty" yaml:"inter_stage_output_input_map,omitempty"`
	PastInputNames           []string   `json:"past_input_names,omitempty" yaml:"past_input_names,omitempty"`
	PresentOutputNames       []string   `json:"present_output_names,omitempty" yaml:"present_output_names,omitempty"`
}

// Format of an ensemble file.
type Format int

const (
	JSON Format = iota
	YAML
)

// FormatFromPath returns YAML for ".yaml" and ".yml" files, and JSON otherwise.
func FormatFromPath(filePath string) Format {
	switch strings.ToLower(filepath.Ext(filePath)) {
	case ".yaml", ".yml":
		return YAML
	}
	return JSON
}

// Parse the contents of an ensemble file. Unknown fields are an error.
func Parse(contents []byte, format Format) (*Config, error) {
	config := &Config{}
	var err error
	if format == YAML {
		decoder := yaml.NewDecoder(bytes.NewReader(contents))
		decoder.KnownFields(true)
		err = decoder.Decode(config)
	} else {
		decoder := json.NewDecoder(bytes.NewReader(contents))
		decoder.DisallowUnknownFields()
		err = decoder.Decode(config)
	}
	if err != nil {
		return nil, errors.Wrapf(pipeline.ErrConfiguration, "failed to parse ensemble: %v", err)
	}
	return config, nil
}

// Read and parse the ensemble file, with the format given by its extension.
func Read(filePath string) (*Config, error) {
	filePath, err := fsutil.ReplaceTildeInDir(filePath)
	if err != nil {
		return nil, err
	}
	contents, err := os.ReadFile(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read ensemble file %q", filePath)
	}
	config, err := Parse(contents, FormatFromPath(filePath))
	if err != nil {
		return nil, errors.WithMessagef(err, "ensemble file %q", filePath)
	}
	return config, nil
}

// Topology converts the configuration to a pipeline.Topology, with model paths as given: use
// ResolveModelPaths to make them loadable.
func (c *Config) Topology() (*pipeline.Topology, error) {
	topology := &pipeline.Topology{
		Stages:          make([]pipeline.StageConfig, 0, len(c.Stages)),
		InputIDsName:    c.InputIDsName,
		PositionIDsName: c.PositionIDsName,
		LogitsName:      c.LogitsName,
		MaxSeqLen:       c.MaxSeqLen,
	}
	for ii, s := range c.Stages {
		stage := pipeline.StageConfig{
			ModelName:              s.ModelName,
			ModelPath:              s.ModelFilePath,
			Device:                 engines.DeviceNum(s.DeviceID),
			PastInputs:             s.PastInputNames,
			PresentOutputs:         s.PresentOutputNames,
			SeqLenInput:            s.InputToUseForSeqLen,
			SeqLenAxisInInput:      s.SeqLenDimIndexInInput,
			BatchAxisInInput:       s.BatchDimIndexInInput,
			BatchAxisInState:       s.BatchDimIndexInState,
			SeqLenAxisInState:      s.SeqLenDimIndexInState,
			BatchAxisInInterStage:  s.BatchDimInInterStageOutput,
			SeqLenAxisInInterStage: s.SeqLenDimInInterStageOutput,
		}
		if len(s.InterStageOutputInputMap) > 0 {
			stage.InterStageOutputs = make(map[string]string, len(s.InterStageOutputInputMap))
			for _, pair := range s.InterStageOutputInputMap {
				if len(pair) != 2 {
					return nil, errors.Wrapf(pipeline.ErrConfiguration,
						"stage #%d (%q): inter_stage_output_input_map entries must be [output, input] pairs, got %q",
						ii, s.ModelName, pair)
				}
				if _, found := stage.InterStageOutputs[pair[0]]; found {
					return nil, errors.Wrapf(pipeline.ErrConfiguration,
						"stage #%d (%q): output %q is mapped more than once", ii, s.ModelName, pair[0])
				}
				stage.InterStageOutputs[pair[0]] = pair[1]
			}
		}
		topology.Stages = append(topology.Stages, stage)
	}
	return topology, nil
}

// ResolveModelPaths makes the model paths of topology loadable: relative paths are resolved against
// baseDir, "~" is expanded, and remote models are fetched with fetcher (which may be nil if there are
// no remote models).
func ResolveModelPaths(ctx context.Context, topology *pipeline.Topology, baseDir string, fetcher *blobs.Fetcher) error {
	for ii := range topology.Stages {
		stage := &topology.Stages[ii]
		if blobs.IsRemote(stage.ModelPath) {
			if fetcher == nil {
				return errors.Wrapf(pipeline.ErrConfiguration, "stage #%d (%q): remote model %q requires a cache directory",
					ii, stage.ModelName, stage.ModelPath)
			}
			localPath, err := fetcher.Fetch(ctx, stage.ModelPath)
			if err != nil {
				return errors.WithMessagef(err, "stage #%d (%q)", ii, stage.ModelName)
			}
			stage.ModelPath = localPath
			continue
		}
		localPath, err := fsutil.ResolvePath(stage.ModelPath, baseDir)
		if err != nil {
			return errors.WithMessagef(err, "stage #%d (%q)", ii, stage.ModelName)
		}
		stage.ModelPath = localPath
	}
	return nil
}

// Load reads the ensemble file and returns its validated topology, with all model paths resolved.
// cacheDir is only needed if some model is remote.
func Load(ctx context.Context, filePath, cacheDir string) (*pipeline.Topology, error) {
	config, err := Read(filePath)
	if err != nil {
		return nil, err
	}
	topology, err := config.Topology()
	if err != nil {
		return nil, err
	}
	if err = topology.Validate(); err != nil {
		return nil, errors.WithMessagef(err, "ensemble file %q", filePath)
	}
	var fetcher *blobs.Fetcher
	if cacheDir != "" {
		fetcher = blobs.NewFetcher(cacheDir)
	}
	filePath, _ = fsutil.ReplaceTildeInDir(filePath)
	if err = ResolveModelPaths(ctx, topology, filepath.Dir(filePath), fetcher); err != nil {
		return nil, err
	}
	klog.V(1).Infof("ensemble %q: %d stages, max_seq_len=%d", filePath, topology.NumStages(), topology.MaxSeqLen)
	return topology, nil
}
