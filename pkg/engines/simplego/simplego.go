// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package simplego implements a simple, portable, pure Go reference engine for the pipeline.
//
// It doesn't run real neural networks: it executes small deterministic stage models declared by
// YAML/JSON descriptors (see Model), which exercise every feature a real engine has to support --
// dynamic batch and sequence axes, recurrent-state pairs that grow along the sequence axis,
// outputs written into preallocated buffers, outputs allocated on a requested device -- with
// results that are easy to predict in tests.
//
// Devices are simulated: buffers are host memory tagged with a device number.
package simplego

import (
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gomlx/pipeline/pkg/core/tensors"
	"github.com/gomlx/pipeline/pkg/engines"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// EngineName to be used in PIPELINE_ENGINE to specify this engine.
const EngineName = "go"

// DefaultNumDevices is the number of simulated devices if not configured.
const DefaultNumDevices = 8

func init() {
	engines.Register(EngineName, New)
}

// New constructs a new SimpleGo Engine.
//
// The config is a comma-separated list of options. Currently only "devices=<n>" is supported.
// It panics with an error for invalid configurations.
func New(config string) engines.Engine {
	engine, err := NewEngine(config)
	if err != nil {
		panic(err)
	}
	return engine
}

// NewEngine is like New, but returns an error instead of panicking.
func NewEngine(config string) (*Engine, error) {
	e := &Engine{numDevices: DefaultNumDevices}
	for _, option := range strings.Split(config, ",") {
		option = strings.TrimSpace(option)
		if option == "" {
			continue
		}
		key, value, _ := strings.Cut(option, "=")
		switch key {
		case "devices":
			n, err := strconv.Atoi(value)
			if err != nil || n <= 0 {
				return nil, errors.Errorf("simplego: invalid number of devices in %q", option)
			}
			e.numDevices = n
		default:
			return nil, errors.Errorf("simplego: unknown configuration option %q", option)
		}
	}
	return e, nil
}

// Engine implements the engines.Engine interface.
type Engine struct {
	numDevices int

	// bufferPools is a map of bufferPoolKey to pools of freed buffers that can be reused.
	bufferPools sync.Map

	liveBytes atomic.Int64
	finalized atomic.Bool
}

// Compile-time check that simplego.Engine implements engines.Engine.
var _ engines.Engine = &Engine{}

// Name returns the short name of the engine.
func (e *Engine) Name() string { return EngineName }

// String implements fmt.Stringer.
func (e *Engine) String() string { return EngineName }

// Description is a longer description of the Engine that can be used to pretty-print.
func (e *Engine) Description() string {
	return "SimpleGo portable reference engine (" + strconv.Itoa(e.numDevices) + " simulated devices)"
}

// NumDevices return the number of simulated devices.
func (e *Engine) NumDevices() int { return e.numDevices }

// LiveBytes returns the number of bytes currently allocated by sessions and not freed.
func (e *Engine) LiveBytes() int64 { return e.liveBytes.Load() }

func (e *Engine) checkDevice(device engines.DeviceNum) error {
	if e.finalized.Load() {
		return errors.New("simplego: engine already finalized")
	}
	if int(device) < 0 || int(device) >= e.numDevices {
		return errors.Errorf("simplego: device %d out of range, engine has %d devices", device, e.numDevices)
	}
	return nil
}

// SetCurrentDevice validates the device. There is no per-thread state for simulated devices.
func (e *Engine) SetCurrentDevice(device engines.DeviceNum) error {
	return e.checkDevice(device)
}

// Load reads the model descriptor and returns a Session executing it on device.
func (e *Engine) Load(modelPath string, device engines.DeviceNum) (engines.Session, error) {
	if err := e.checkDevice(device); err != nil {
		return nil, err
	}
	model, err := ReadModel(modelPath)
	if err != nil {
		return nil, err
	}
	klog.V(1).Infof("simplego: loaded model %q (%s) from %q on %s", model.Name, model.Op, modelPath, device)
	return newSession(e, model, device), nil
}

// Finalize releases all the pooled buffers, and makes the engine invalid.
func (e *Engine) Finalize() {
	e.finalized.Store(true)
	e.bufferPools.Clear()
}

type bufferPoolKey struct {
	device   engines.DeviceNum
	numBytes int
}

// getBufferPool for given device/size.
func (e *Engine) getBufferPool(device engines.DeviceNum, numBytes int) *sync.Pool {
	key := bufferPoolKey{device: device, numBytes: numBytes}
	pool, ok := e.bufferPools.Load(key)
	if !ok {
		pool, _ = e.bufferPools.LoadOrStore(key, &sync.Pool{
			New: func() any { return tensors.NewBuffer(device, numBytes) },
		})
	}
	return pool.(*sync.Pool)
}

// allocate returns a zeroed buffer, reusing freed buffers of the same size when available.
func (e *Engine) allocate(device engines.DeviceNum, numBytes int) (*tensors.Buffer, error) {
	if err := e.checkDevice(device); err != nil {
		return nil, err
	}
	if numBytes < 0 {
		return nil, errors.Errorf("simplego: cannot allocate %d bytes", numBytes)
	}
	buffer := e.getBufferPool(device, numBytes).Get().(*tensors.Buffer)
	buffer.Zero()
	e.liveBytes.Add(int64(numBytes))
	return buffer, nil
}

// free returns the buffer to the pool. Any tensors still viewing it must not be used anymore.
func (e *Engine) free(buffer *tensors.Buffer) {
	if buffer == nil || buffer.IsFinalized() {
		return
	}
	numBytes := buffer.Len()
	e.liveBytes.Add(-int64(numBytes))
	if e.finalized.Load() {
		buffer.Finalize()
		return
	}
	e.getBufferPool(buffer.Device(), numBytes).Put(buffer)
}
