// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/pipeline/pkg/core/tensors"
)

// Token is the unit of work handed from stage to stage: the named tensors of one request at one step.
//
// Names are unique, and Names()[i] is paired with Values()[i]. A Token is owned by exactly one goroutine
// at a time: the driver, or the worker processing its current stage.
//
// An error Token (Err != nil) carries a failure back to the driver instead of values.
type Token struct {
	RequestID uint64
	Step      int

	names  []string
	values []*tensors.Tensor

	Err error
}

// Init resets the token with the given names and values. The slices are copied.
//
// It returns an error if the lengths differ or a name is repeated.
func (t *Token) Init(requestID uint64, step int, names []string, values []*tensors.Tensor) error {
	if len(names) != len(values) {
		return configErrorf("token for request id %d got %d names but %d values", requestID, len(names), len(values))
	}
	if hasDuplicates(names) {
		return configErrorf("token for request id %d has duplicate names: %q", requestID, names)
	}
	for ii, value := range values {
		if value == nil {
			return configErrorf("token for request id %d has a nil value for %q", requestID, names[ii])
		}
	}
	t.RequestID = requestID
	t.Step = step
	t.names = append(t.names[:0], names...)
	t.values = append(t.values[:0], values...)
	t.Err = nil
	return nil
}

// newErrorToken returns a Token carrying only the error.
func newErrorToken(requestID uint64, step int, err error) *Token {
	return &Token{RequestID: requestID, Step: step, Err: err}
}

// IsError returns whether the token carries an error.
func (t *Token) IsError() bool { return t.Err != nil }

// Clear empties the names and values, keeping the identity.
func (t *Token) Clear() {
	clear(t.values)
	t.names = t.names[:0]
	t.values = t.values[:0]
}

// Len returns the number of named values.
func (t *Token) Len() int { return len(t.names) }

// Names returns the names of the values. It must not be modified.
func (t *Token) Names() []string { return t.names }

// Values returns the values, in the same order as Names. It must not be modified.
func (t *Token) Values() []*tensors.Tensor { return t.values }

// Lookup returns the position of name, if present.
func (t *Token) Lookup(name string) (int, bool) {
	idx := slices.Index(t.names, name)
	return idx, idx >= 0
}

// Value returns the value for name, if present.
func (t *Token) Value(name string) (*tensors.Tensor, bool) {
	idx, found := t.Lookup(name)
	if !found {
		return nil, false
	}
	return t.values[idx], true
}

// Append adds the named value. If the name is already present, its value is replaced, so names stay unique.
func (t *Token) Append(name string, value *tensors.Tensor) {
	if idx, found := t.Lookup(name); found {
		t.values[idx] = value
		return
	}
	t.names = append(t.names, name)
	t.values = append(t.values, value)
}

// String implements fmt.Stringer.
func (t *Token) String() string {
	if t.IsError() {
		return fmt.Sprintf("Token(request=%d, step=%d, error=%v)", t.RequestID, t.Step, t.Err)
	}
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "Token(request=%d, step=%d", t.RequestID, t.Step)
	for ii, name := range t.names {
		_, _ = fmt.Fprintf(&sb, ", %s=%s", name, t.values[ii].Shape())
	}
	sb.WriteString(")")
	return sb.String()
}
