// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package engine

import (
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/ondevice/ir"
	"github.com/pkg/errors"
)

const (
	// EnvBackends is the environment variable with the backend configurations used when
	// WithBackends is not given, separated by ";", in order of preference. E.g.: "cpu:parallelism=4;interp".
	EnvBackends = "ONDEVICE_BACKENDS"

	// EnvOpBackend is the environment variable with per operation type backend overrides used
	// when WithOpBackend is not given. E.g.: "Add=interp,Relu=cpu".
	EnvOpBackend = "ONDEVICE_OP_BACKEND"

	// EnvMemoryLimit is the environment variable with the limit of live bytes used when
	// WithMemoryLimit is not given. E.g.: "64MiB".
	EnvMemoryLimit = "ONDEVICE_MEMORY_LIMIT"

	// DefaultBackends is used if neither WithBackends nor EnvBackends are set.
	DefaultBackends = "cpu"
)

// Option configures Compile.
type Option func(cfg *config)

type config struct {
	backendConfigs []string
	opBackends     map[ir.OpType]string
	memoryLimit    int
	deallocPlan    ir.DeallocPlan
	order          []ir.OperationIndex
}

// WithBackends sets the configurations of the backends to use (see backends.New), in order of
// preference: each operation runs on the first backend that supports it.
func WithBackends(configs ...string) Option {
	return func(cfg *config) {
		cfg.backendConfigs = configs
	}
}

// WithOpBackend forces all operations of opType to run on the backend with the given name.
// The backend must be one of those configured. It can be given multiple times.
func WithOpBackend(opType ir.OpType, backendName string) Option {
	return func(cfg *config) {
		if cfg.opBackends == nil {
			cfg.opBackends = make(map[ir.OpType]string)
		}
		cfg.opBackends[opType] = backendName
	}
}

// WithMemoryLimit sets the maximum number of live bytes of tensor memory of the model, including
// constants and all its sessions. 0 means unlimited.
func WithMemoryLimit(bytes int) Option {
	return func(cfg *config) {
		cfg.memoryLimit = bytes
	}
}

// WithDeallocPlan sets the deallocation plan of the dynamic tensors, instead of deriving it from
// the liveness of the operands.
func WithDeallocPlan(plan ir.DeallocPlan) Option {
	return func(cfg *config) {
		cfg.deallocPlan = plan
	}
}

// WithOrder sets the execution order of the operations, instead of the graph topological order.
// It must be a valid topological order of all the operations.
func WithOrder(order []ir.OperationIndex) Option {
	return func(cfg *config) {
		cfg.order = order
	}
}

// newConfig applies the options and falls back to the environment variables for those not given.
func newConfig(options []Option) (*config, error) {
	cfg := &config{memoryLimit: -1}
	for _, option := range options {
		option(cfg)
	}

	if len(cfg.backendConfigs) == 0 {
		value := os.Getenv(EnvBackends)
		if value == "" {
			value = DefaultBackends
		}
		for _, backendConfig := range strings.Split(value, ";") {
			if backendConfig = strings.TrimSpace(backendConfig); backendConfig != "" {
				cfg.backendConfigs = append(cfg.backendConfigs, backendConfig)
			}
		}
	}

	if cfg.opBackends == nil {
		cfg.opBackends = make(map[ir.OpType]string)
		if value := os.Getenv(EnvOpBackend); value != "" {
			for _, part := range strings.Split(value, ",") {
				opName, backendName, found := strings.Cut(strings.TrimSpace(part), "=")
				if !found {
					return nil, errors.Errorf("invalid %s=%q: expected <op_type>=<backend>", EnvOpBackend, value)
				}
				opType, err := ir.ParseOpType(strings.TrimSpace(opName))
				if err != nil {
					return nil, errors.WithMessagef(err, "parsing %s", EnvOpBackend)
				}
				cfg.opBackends[opType] = strings.TrimSpace(backendName)
			}
		}
	}

	if cfg.memoryLimit < 0 {
		cfg.memoryLimit = 0
		if value := os.Getenv(EnvMemoryLimit); value != "" {
			limit, err := humanize.ParseBytes(value)
			if err != nil {
				return nil, errors.Wrapf(err, "parsing %s=%q", EnvMemoryLimit, value)
			}
			cfg.memoryLimit = int(limit)
		}
	}
	return cfg, nil
}
