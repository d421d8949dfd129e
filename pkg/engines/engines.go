// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package engines defines the interface a tensor compute engine needs to implement to execute the
// stages of a pipeline.
//
// An Engine loads one Session per stage, each bound to a device. A Session executes one stage model
// synchronously, reading its inputs from and writing its outputs to a Binding: a reusable set of
// named input/output bindings owned by the caller. Outputs may be bound to preallocated tensors
// (usually views over buffers allocated with Session.Allocate), or left for the engine to allocate
// on a given device with BindOutputToDevice.
//
// Engines may return errors or panic (with an error) on failures: the pipeline converts both into
// failed requests.
package engines

import (
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/pipeline/pkg/core/shapes"
	"github.com/gomlx/pipeline/pkg/core/tensors"
	"github.com/pkg/errors"
)

// DeviceNum represents which device holds a buffer, or should execute a stage.
type DeviceNum = tensors.DeviceNum

// TensorInfo describes a declared input or output of a Session.
// Axes only known at execution time (batch, sequence length) are shapes.DynamicDim.
type TensorInfo struct {
	Name  string
	Shape shapes.Shape
}

// Engine is the API that needs to be implemented by a compute engine.
type Engine interface {
	// Name returns the short name of the engine. E.g.: "go" for the pure Go reference engine.
	Name() string

	// Description is a longer description of the Engine that can be used to pretty-print.
	Description() string

	// NumDevices return the number of devices available for this Engine.
	NumDevices() int

	// Load the stage model at modelPath into a new Session that executes on device.
	Load(modelPath string, device DeviceNum) (Session, error)

	// SetCurrentDevice selects the device for the calling OS thread. The pipeline locks the
	// goroutine to its OS thread before calling it.
	SetCurrentDevice(device DeviceNum) error

	// Finalize releases all the associated resources immediately, and makes the engine invalid.
	Finalize()
}

// Session is a loaded stage model, bound to one device.
//
// Sessions are shared by all requests going through the stage: Run must be safe to call
// concurrently with different Bindings.
type Session interface {
	// Device where the session executes.
	Device() DeviceNum

	// Inputs declared by the model, in the model's order.
	Inputs() []TensorInfo

	// Outputs declared by the model, in the model's order.
	Outputs() []TensorInfo

	// Allocate a zero-initialized buffer of numBytes on the session's device.
	Allocate(numBytes int) (*tensors.Buffer, error)

	// Free a buffer previously returned by Allocate.
	Free(buffer *tensors.Buffer)

	// NewBinding returns a new empty binding context for this session.
	NewBinding() *Binding

	// Run executes the model synchronously. Every declared input must be bound, and outputs
	// not bound are computed and discarded.
	Run(binding *Binding) error

	// Finalize releases the session resources.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns an Engine.
// It may panic with an error.
type Constructor func(config string) Engine

var (
	muRegistry             sync.Mutex
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register engine with the given name, and a default constructor that takes as input a configuration string that is
// passed along to the engine constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
}

// List returns the names of the registered engines, sorted.
func List() []string {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DefaultConfig is the name of the default engine configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// PIPELINE_ENGINE is the environment variable with the default engine configuration to use.
//
// The format of config is "<engine_name>:<engine_configuration>".
const PIPELINE_ENGINE = "PIPELINE_ENGINE"

// New returns a new default Engine.
//
// The default is:
//
// 1. The environment PIPELINE_ENGINE is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered engine is used with an empty configuration.
func New() (Engine, error) {
	if config, found := os.LookupEnv(PIPELINE_ENGINE); found {
		return NewWithConfig(config)
	}
	return NewWithConfig(DefaultConfig)
}

// NewWithConfig takes a configurations string formated as "<engine_name>:<engine_configuration>".
// The "<engine_name>" is the name of a registered engine (e.g.: "go") and "<engine_configuration>" is
// engine specific. An empty name selects the first registered engine.
func NewWithConfig(config string) (engine Engine, err error) {
	muRegistry.Lock()
	engineName := firstRegistered
	engineConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		engineName = config[:idx]
		engineConfig = config[idx+1:]
	} else if config != "" {
		engineName = config
		engineConfig = ""
	}
	constructor, found := registeredConstructors[engineName]
	numRegistered := len(registeredConstructors)
	muRegistry.Unlock()

	if numRegistered == 0 {
		return nil, errors.Errorf(`no registered engines -- maybe import the reference one with import _ "github.com/gomlx/pipeline/pkg/engines/simplego"?`)
	}
	if !found {
		return nil, errors.Errorf("can't find engine %q for configuration %q given, registered engines: %v",
			engineName, config, List())
	}
	err = exceptions.TryCatch[error](func() { engine = constructor(engineConfig) })
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to create engine %q", engineName)
	}
	return engine, nil
}
