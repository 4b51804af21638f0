// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package cpu implements a reference backend running on the host CPU, with all the backend
// capabilities: tensor builder, constant initializer, kernel generator, tensor register and optimizer.
//
// Kernels split large element-wise work over a worker pool owned by the backend context, and run
// FullyConnected through gonum's BLAS.
//
// It registers itself as "cpu". Configuration options ("cpu:<key>=<value>,..."):
//
//   - parallelism: soft limit of parallel workers per context; 0 disables parallelism, -1 is unlimited.
//     Default is runtime.NumCPU().
//   - alignment: byte alignment of the tensors, a power of two >= 16. Default is 16.
//   - layout: "nhwc" (default) or "nchw", the memory layout of the operands declared with rank 4.
//     Other operands, including those of unknown rank, are always in "nhwc".
package cpu

import (
	"fmt"
	"math/bits"
	"runtime"
	"strconv"
	"strings"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/ondevice/backends"
	"github.com/gomlx/ondevice/backends/memory"
	"github.com/gomlx/ondevice/internal/workerspool"
	"github.com/gomlx/ondevice/ir"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// BackendName to be used in the configuration string.
const BackendName = "cpu"

func init() {
	backends.Register(BackendName, func(options backends.Options) (backends.Backend, error) {
		return New(options)
	})
}

// Backend implements backends.Backend for the host CPU.
type Backend struct {
	parallelism int
	alignment   int
	layout      memory.Layout
}

var _ backends.Backend = (*Backend)(nil)

// New creates a CPU backend with the given options (see package documentation).
func New(options backends.Options) (*Backend, error) {
	b := &Backend{
		parallelism: runtime.NumCPU(),
		alignment:   memory.DefaultAlignment,
		layout:      memory.LayoutNHWC,
	}
	for key, value := range options {
		switch key {
		case "parallelism":
			parallelism, err := strconv.Atoi(value)
			if err != nil || parallelism < -1 {
				return nil, errors.Errorf("cpu backend: invalid parallelism %q", value)
			}
			b.parallelism = parallelism
		case "alignment":
			alignment, err := strconv.Atoi(value)
			if err != nil || alignment < memory.DefaultAlignment || bits.OnesCount(uint(alignment)) != 1 {
				return nil, errors.Errorf("cpu backend: alignment must be a power of 2 >= %d, got %q", memory.DefaultAlignment, value)
			}
			b.alignment = alignment
		case "layout":
			switch strings.ToLower(value) {
			case "nhwc":
				b.layout = memory.LayoutNHWC
			case "nchw":
				b.layout = memory.LayoutNCHW
			default:
				return nil, errors.Errorf("cpu backend: unknown layout %q, valid values are \"nhwc\" and \"nchw\"", value)
			}
		default:
			return nil, errors.Errorf("cpu backend: unknown option %q", key)
		}
	}
	return b, nil
}

// Name implements backends.Backend.
func (b *Backend) Name() string { return BackendName }

// Description implements backends.Backend.
func (b *Backend) Description() string {
	return fmt.Sprintf("CPU reference backend (parallelism=%d, alignment=%d, layout=%s)", b.parallelism, b.alignment, b.layout)
}

// Capabilities implements backends.Backend.
func (b *Backend) Capabilities() backends.Capabilities {
	return Capabilities.Clone()
}

// Capabilities of the CPU backend.
var Capabilities = backends.Capabilities{
	Operations: map[ir.OpType]bool{
		ir.OpTypeIdentity:       true,
		ir.OpTypeAdd:            true,
		ir.OpTypeSub:            true,
		ir.OpTypeMul:            true,
		ir.OpTypeDiv:            true,
		ir.OpTypeRelu:           true,
		ir.OpTypeNeg:            true,
		ir.OpTypeCast:           true,
		ir.OpTypeReshape:        true,
		ir.OpTypeConcat:         true,
		ir.OpTypeGather:         true,
		ir.OpTypeArgMax:         true,
		ir.OpTypeFullyConnected: true,
		ir.OpTypeShape:          true,
	},
	DTypes: map[dtypes.DType]bool{
		dtypes.Bool:    true,
		dtypes.Int8:    true,
		dtypes.Int32:   true,
		dtypes.Int64:   true,
		dtypes.Uint8:   true,
		dtypes.Float16: true,
		dtypes.Float32: true,
		dtypes.Float64: true,
	},
	// Bool values are only moved around or cast.
	DTypeOperations: map[dtypes.DType]map[ir.OpType]bool{
		dtypes.Bool: {
			ir.OpTypeIdentity: true,
			ir.OpTypeCast:     true,
			ir.OpTypeReshape:  true,
			ir.OpTypeConcat:   true,
			ir.OpTypeGather:   true,
			ir.OpTypeShape:    true,
		},
	},
}

// NewContext implements backends.Backend. Each context gets its own worker pool, shared by all
// its kernels and closed with the context.
func (b *Backend) NewContext(graph *ir.Graph, operations []ir.OperationIndex) (*backends.Context, error) {
	pool := workerspool.New()
	pool.SetMaxParallelism(b.parallelism)
	c := &context{backend: b, graph: graph, pool: pool}
	ctx := backends.NewContext(b, graph, operations)
	ctx.TensorBuilder = c
	ctx.ConstantInitializer = c
	ctx.KernelGenerator = c
	ctx.TensorRegister = c
	ctx.Optimizer = c
	ctx.AddResource(pool)
	klog.V(1).Infof("cpu context for graph %q: %d operations, parallelism=%d", graph.Name(), len(operations), b.parallelism)
	return ctx, nil
}

// context implements the capabilities of the CPU backend for one model.
type context struct {
	backend *Backend
	graph   *ir.Graph
	pool    *workerspool.Pool
}

// Describe implements backends.TensorBuilder.
func (c *context) Describe(_ ir.OperandIndex, operand *ir.Operand) (memory.Descriptor, error) {
	if !Capabilities.DTypes[operand.Type.DType()] {
		return memory.Descriptor{}, errors.Errorf("cpu backend doesn't support dtype %s", operand.Type.DType())
	}
	// Only operands declared with rank 4 take the configured layout: the others, including those
	// of unknown rank, are kept in NHWC whatever rank they get at run time.
	layout := c.backend.layout
	if operand.Type.Shape.Rank() != 4 {
		layout = memory.LayoutNHWC
	}
	return memory.Descriptor{Alignment: c.backend.alignment, Layout: layout}, nil
}

// InitConstant implements backends.ConstantInitializer. Constant data is given in NHWC layout.
func (c *context) InitConstant(operandIdx ir.OperandIndex, operand *ir.Operand, tensor *memory.Tensor) error {
	data, err := tensor.Bytes()
	if err != nil {
		return err
	}
	return errors.WithMessagef(
		memory.ConvertLayout(data, tensor.Descriptor().Layout, operand.Data, memory.LayoutNHWC, tensor.Shape()),
		"initializing constant %s", operandIdx)
}

// RegisterTensors implements backends.TensorRegister.
func (c *context) RegisterTensors(graph *ir.Graph, operations []ir.OperationIndex) ([]backends.Registration, error) {
	return backends.DefaultTensorRegistrations(graph, operations)
}

// minParallelSize is the number of elements below which element-wise kernels don't use the pool.
const minParallelSize = 16 * 1024

// annotation of an operation by the optimizer.
type annotation struct {
	// sequential is set for operations whose output is known to be too small to be worth
	// splitting among workers.
	sequential bool
}

// Optimize implements backends.Optimizer.
func (c *context) Optimize(graph *ir.Graph, operations []ir.OperationIndex) (backends.Annotations, error) {
	annotations := make(backends.Annotations)
	for _, opIdx := range operations {
		op, err := graph.Operation(opIdx)
		if err != nil {
			return nil, err
		}
		if !op.Type.IsBinaryElementWise() && !op.Type.IsUnaryElementWise() {
			continue
		}
		output, err := graph.Operand(op.Outputs[0])
		if err != nil {
			return nil, err
		}
		if output.Type.Shape.IsStatic() && output.Type.Shape.Size() < minParallelSize {
			annotations[opIdx] = annotation{sequential: true}
		}
	}
	return annotations, nil
}
