// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrConfiguration is returned (wrapped) for invalid topologies, stage models that don't match
	// their configuration, and malformed requests. Nothing is executed when it is returned.
	ErrConfiguration = errors.New("pipeline configuration error")

	// ErrExecution is matched (with errors.Is) by every error that happened while executing a request.
	ErrExecution = errors.New("pipeline execution error")

	// ErrMissingOutput is the cause of an ExecutionError when a requested output is not produced.
	ErrMissingOutput = errors.New("requested output missing")

	// ErrMissingLogits is the cause of an ExecutionError when the last stage didn't produce logits.
	ErrMissingLogits = errors.New("logits missing")
)

// configErrorf returns an error wrapping ErrConfiguration.
func configErrorf(format string, args ...any) error {
	return errors.Wrapf(ErrConfiguration, format, args...)
}

// ExecutionError is the failure of one request, carried back to the driver in an error Token.
//
// It matches ErrExecution with errors.Is, and unwraps to the underlying cause.
type ExecutionError struct {
	RequestID uint64
	Step      int
	Stage     int
	Err       error
}

// Error implements error.
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("error in processing request id %d (step %d, stage %d): %v", e.RequestID, e.Step, e.Stage, e.Err)
}

// Unwrap returns the cause.
func (e *ExecutionError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrExecution) true for every ExecutionError.
func (e *ExecutionError) Is(target error) bool { return target == ErrExecution }
