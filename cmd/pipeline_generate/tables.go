// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/pipeline/pkg/core/dtypes"
	"github.com/gomlx/pipeline/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/pipeline/pkg/core/tensors"
	"github.com/gomlx/pipeline/pkg/pipeline"
	"github.com/x448/float16"
)

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)
	oddRowStyle = lipgloss.NewStyle().Faint(false).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Faint(true).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 0, 4)
)

// newPlainTable returns a table whose first column is right-aligned.
func newPlainTable() *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if row < 0 {
				return headerRowStyle
			}
			if row%2 == 0 {
				s = oddRowStyle
			} else {
				s = evenRowStyle
			}
			if col == 0 {
				return s.Align(lipgloss.Right)
			}
			return s.Align(lipgloss.Left)
		})
}

func summaryTable(cfg config, topology *pipeline.Topology, elapsed time.Duration) *lgtable.Table {
	table := newPlainTable()
	table.Row("ensemble", cfg.ensemblePath)
	stageNames := make([]string, 0, topology.NumStages())
	for _, stage := range topology.Stages {
		stageNames = append(stageNames, fmt.Sprintf("%s@%s", stage.ModelName, stage.Device))
	}
	table.Row("stages", strings.Join(stageNames, " → "))
	table.Row("requests", humanize.Comma(int64(cfg.numRequests)))
	table.Row("steps", humanize.Comma(int64(cfg.numSteps)))
	table.Row("batch x seq_len", fmt.Sprintf("%d x %d", cfg.batchSize, cfg.seqLen))
	table.Row("workers", humanize.Comma(int64(cfg.numWorkers)))
	table.Row("elapsed", elapsed.Round(time.Millisecond).String())
	table.Row("steps/s", stepsPerSecond(cfg.numSteps*cfg.numRequests, elapsed))
	return table
}

// responseTable lists the outputs of a response, with every sampleEvery-th value, and for the logits
// the greedy next token of each batch row.
func responseTable(response *pipeline.Response, sampleEvery int) *lgtable.Table {
	table := newPlainTable().Headers("output", "shape", "sampled values", "next tokens")
	for ii, name := range response.OutputNames {
		value := response.OutputValues[ii]
		if value == nil {
			table.Row(name, "-", "-", "-")
			continue
		}
		nextTokens := "-"
		if ids, err := pipeline.GreedyNextTokens(value, dtypes.Int64); err == nil {
			nextTokens = fmt.Sprintf("%v", tensors.MustCopyFlatData[int64](ids))
		}
		table.Row(name, value.Shape().String(), sampleValues(value, sampleEvery), nextTokens)
	}
	return table
}

// sampleValues formats every sampleEvery-th value of the tensor.
func sampleValues(value *tensors.Tensor, sampleEvery int) string {
	sampleEvery = max(sampleEvery, 1)
	var parts []string
	var err error
	switch value.DType() {
	case dtypes.Float32:
		err = tensors.ConstFlatData(value, func(flat []float32) { parts = sampleFlat(flat, sampleEvery) })
	case dtypes.Float64:
		err = tensors.ConstFlatData(value, func(flat []float64) { parts = sampleFlat(flat, sampleEvery) })
	case dtypes.Float16:
		err = tensors.ConstFlatData(value, func(flat []float16.Float16) { parts = sampleFlat(flat, sampleEvery) })
	case dtypes.BFloat16:
		err = tensors.ConstFlatData(value, func(flat []bfloat16.BFloat16) { parts = sampleFlat(flat, sampleEvery) })
	case dtypes.Int64:
		err = tensors.ConstFlatData(value, func(flat []int64) { parts = sampleFlat(flat, sampleEvery) })
	case dtypes.Int32:
		err = tensors.ConstFlatData(value, func(flat []int32) { parts = sampleFlat(flat, sampleEvery) })
	default:
		return fmt.Sprintf("(%s not sampled)", value.DType())
	}
	if err != nil {
		return err.Error()
	}
	return strings.Join(parts, " ")
}

func sampleFlat[T any](flat []T, sampleEvery int) []string {
	parts := make([]string, 0, len(flat)/sampleEvery+1)
	for ii := 0; ii < len(flat); ii += sampleEvery {
		parts = append(parts, fmt.Sprintf("[%d]=%v", ii, flat[ii]))
	}
	return parts
}
