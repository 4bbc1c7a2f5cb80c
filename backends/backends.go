// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines the interface a tensor backend needs to implement to execute the operations of a graph.
//
// A backend executes one operation at a time: it's given the operation name (see package ops), its input
// tensors, attributes and the inferred output shapes, and returns the output tensors. A backend that doesn't
// implement every operation can report it with Supports, and it would still work for graphs that don't use
// those operations.
//
// Backends are registered by name, usually during the initialization of their package, and selected with a
// configuration string "<backend_name>:<backend_options>", taken from the environment variable
// DIFFGRAPH_BACKEND, if set.
package backends

import (
	"context"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/diffgraph/ops"
	"github.com/gomlx/diffgraph/types/shapes"
	"github.com/gomlx/diffgraph/types/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// Call is one operation to be executed by a Backend.
type Call struct {
	// Op is the id of the operation in its graph, used for error reporting.
	Op int

	// OpName is the registered name of the operation, see package ops.
	OpName string

	Inputs     []*tensors.Tensor
	Attributes ops.Attributes

	// OutputShapes are the shapes of the outputs, inferred from the shapes of the actual inputs right
	// before the call. They are always fully known.
	OutputShapes []shapes.Shape
}

// Backend is the API that needs to be implemented by a tensor backend.
type Backend interface {
	// Name returns the short name of the backend. E.g.: "go" for the pure Go backend.
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// Supports returns whether the backend can execute the named operation.
	Supports(opName string) bool

	// Execute runs one operation and returns its outputs, which are owned by the caller.
	// The inputs must not be modified or finalized by the backend.
	Execute(ctx context.Context, call *Call) ([]*tensors.Tensor, error)

	// Finalize releases all the associated resources immediately, and makes the backend invalid.
	Finalize()
}

// Constructor takes a config string (optionally empty) and returns a Backend.
type Constructor func(config string) (Backend, error)

var (
	muConstructors         sync.Mutex
	registeredConstructors = make(map[string]Constructor)
	firstRegistered        string
)

// Register backend with the given name, and a default constructor that takes as input a configuration string that is
// passed along to the backend constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	muConstructors.Lock()
	defer muConstructors.Unlock()
	if len(registeredConstructors) == 0 {
		firstRegistered = name
	}
	registeredConstructors[name] = constructor
	klog.V(2).Infof("backends: registered %q", name)
}

// List returns the sorted names of the registered backends.
func List() []string {
	muConstructors.Lock()
	names := maps.Keys(registeredConstructors)
	muConstructors.Unlock()
	slices.Sort(names)
	return names
}

// DefaultConfig is the name of the default backend configuration to use if specified.
//
// See NewWithConfig for the format of the configuration string.
var DefaultConfig string

// DIFFGRAPH_BACKEND is the environment variable with the default backend configuration to use.
//
// The format of config is "<backend_name>:<backend_options>".
// The "<backend_name>" is the name of a registered backend (e.g.: "go") and
// "<backend_options>" is backend specific (e.g.: "gemm=loop").
const DIFFGRAPH_BACKEND = "DIFFGRAPH_BACKEND"

// New returns a new default Backend.
//
// The default is:
//
// 1. The environment DIFFGRAPH_BACKEND is used as a configuration if defined.
// 2. Next the variable DefaultConfig is used as a configuration if defined.
// 3. The first registered backend is used with an empty configuration.
func New() (Backend, error) {
	config, found := os.LookupEnv(DIFFGRAPH_BACKEND)
	if found {
		return NewWithConfig(config)
	}
	if DefaultConfig != "" {
		return NewWithConfig(DefaultConfig)
	}
	return NewWithConfig("")
}

// NewWithConfig takes a configuration string formatted as "<backend_name>:<backend_options>".
// If "<backend_name>" is empty, the first registered backend is used.
func NewWithConfig(config string) (Backend, error) {
	muConstructors.Lock()
	if len(registeredConstructors) == 0 {
		muConstructors.Unlock()
		return nil, errors.New(`no registered backends -- maybe import the pure Go one with import _ "github.com/gomlx/diffgraph/backends/simplego"?`)
	}
	backendName := firstRegistered
	backendConfig := config
	if idx := strings.Index(config, ":"); idx != -1 {
		backendName = config[:idx]
		backendConfig = config[idx+1:]
	} else if config != "" {
		backendName, backendConfig = config, ""
	}
	constructor, found := registeredConstructors[backendName]
	muConstructors.Unlock()
	if !found {
		return nil, errors.Errorf("can't find backend %q for configuration %q given, registered backends: %v",
			backendName, config, List())
	}
	backend, err := constructor(backendConfig)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating backend %q with options %q", backendName, backendConfig)
	}
	return backend, nil
}

// ParseOptions parses a comma separated list of backend options, each either "key=value" or a single "key"
// (stored with an empty value).
func ParseOptions(options string) (map[string]string, error) {
	parsed := make(map[string]string)
	for _, part := range strings.Split(options, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value, _ := strings.Cut(part, "=")
		key = strings.TrimSpace(key)
		if key == "" {
			return nil, errors.Errorf("invalid backend option %q in %q", part, options)
		}
		if _, found := parsed[key]; found {
			return nil, errors.Errorf("backend option %q given more than once in %q", key, options)
		}
		parsed[key] = strings.TrimSpace(value)
	}
	return parsed, nil
}
