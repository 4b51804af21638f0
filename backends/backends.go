// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package backends defines what a hardware backend implements to run operations of an ir.Graph.
//
// A Backend creates one Context per compiled model, holding the operations assigned to it and up
// to five independent capabilities (see Context): a backend that implements only a KernelGenerator
// is a valid backend, the engine falls back to defaults for the others.
//
// Backends register themselves with Register, usually in an init function, and are created from a
// configuration string with New.
package backends

import (
	"slices"
	"strings"
	"sync"

	"github.com/gomlx/ondevice/ir"
	"github.com/pkg/errors"
)

// Backend is implemented by each hardware backend.
type Backend interface {
	// Name returns the short name of the backend, e.g. "cpu".
	Name() string

	// Description is a longer description of the Backend that can be used to pretty-print.
	Description() string

	// Capabilities lists the operations and dtypes the backend supports.
	Capabilities() Capabilities

	// NewContext creates the per-model context of the backend, for the given operations
	// (in execution order) of graph.
	NewContext(graph *ir.Graph, operations []ir.OperationIndex) (*Context, error)
}

// Constructor takes the options of a configuration string and returns a Backend.
type Constructor func(options Options) (Backend, error)

var (
	muRegistry             sync.Mutex
	registeredConstructors = make(map[string]Constructor)
)

// Register backend with the given name. Registering a name twice replaces the constructor.
//
// To be safe, call Register during initialization of a package.
func Register(name string, constructor Constructor) {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	registeredConstructors[name] = constructor
}

// List returns the names of the registered backends, sorted.
func List() []string {
	muRegistry.Lock()
	defer muRegistry.Unlock()
	names := make([]string, 0, len(registeredConstructors))
	for name := range registeredConstructors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// New creates a backend from a configuration string.
//
// The format of config is "<backend_name>[:<key>=<value>,<key>=<value>...]", e.g.
// "cpu:parallelism=4,alignment=64". Options are backend specific.
func New(config string) (Backend, error) {
	name, options, err := ParseConfig(config)
	if err != nil {
		return nil, err
	}
	muRegistry.Lock()
	constructor, found := registeredConstructors[name]
	muRegistry.Unlock()
	if !found {
		return nil, errors.Errorf("can't find backend %q for configuration %q, registered backends: %q",
			name, config, List())
	}
	backend, err := constructor(options)
	if err != nil {
		return nil, errors.WithMessagef(err, "creating backend %q", config)
	}
	return backend, nil
}

// Options of a backend configuration string.
type Options map[string]string

// ParseConfig splits a configuration string in the backend name and its options.
func ParseConfig(config string) (name string, options Options, err error) {
	config = strings.TrimSpace(config)
	name = config
	options = make(Options)
	if idx := strings.Index(config, ":"); idx != -1 {
		name = config[:idx]
		for _, part := range strings.Split(config[idx+1:], ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			key, value, found := strings.Cut(part, "=")
			if !found || key == "" {
				return "", nil, errors.Errorf("invalid option %q in backend configuration %q, expected <key>=<value>", part, config)
			}
			options[strings.TrimSpace(key)] = strings.TrimSpace(value)
		}
	}
	if name == "" {
		return "", nil, errors.Errorf("empty backend name in configuration %q", config)
	}
	return name, options, nil
}
