// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package engine compiles an ir.Graph for a set of backends and runs inferences on it.
//
// Compile assigns each operation to a backend, creates one backends.Context per backend used,
// plans the memory of the static tensors of each context and initializes the constants.
// The resulting CompiledModel runs inferences with Run, or with independent Sessions for
// concurrent inferences.
//
// Each inference executes the operations strictly in order. Before an operation runs, the values
// it reads from other contexts are copied into the context (converting layouts if needed); after
// its kernel infers the output shapes, the dynamic outputs get memory; after it runs, the dynamic
// operands whose last use it was are released.
//
// Example:
//
//	model, err := engine.Compile(graph, engine.WithBackends("cpu:parallelism=4", "interp"))
//	if err != nil { ... }
//	defer model.Finalize()
//	outputs, err := model.Run(tensors.FromValue([][]float32{{1, 2, 3}, {4, 5, 6}}))
package engine

import (
	"slices"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/gomlx/exceptions"
	"github.com/gomlx/ondevice/backends"
	"github.com/gomlx/ondevice/backends/memory"
	"github.com/gomlx/ondevice/ir"
	"github.com/gomlx/ondevice/pkg/core/tensors"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	// Include the default backends.
	_ "github.com/gomlx/ondevice/backends/default"
)

var (
	// ErrNotShaped is returned when an operation reads a dynamic operand that got no shape (and
	// memory) in the current inference, e.g. because a deallocation plan released it too early.
	ErrNotShaped = errors.New("dynamic operand not shaped in this inference")

	// ErrShapeInference is returned when a kernel fails to infer the shapes of its outputs, or
	// infers shapes incompatible with the declared ones.
	ErrShapeInference = errors.New("shape inference failed")
)

// CompiledModel is a graph lowered to kernels of one or more backends.
//
// Run is safe for concurrent use, but calls are serialized on the default session. Use NewSession
// to run inferences concurrently.
type CompiledModel struct {
	id    uuid.UUID
	graph *ir.Graph

	backends     []backends.Backend
	contexts     []*modelContext
	instructions []instruction
	plan         ir.DeallocPlan

	// homes maps each computed operand to the index of the context producing it.
	homes map[ir.OperandIndex]int

	allocator *memory.PoolAllocator

	mu        sync.Mutex
	session   *Session
	sessions  []*Session
	finalized bool
}

// Compile lowers the graph (freezing it if needed) to kernels of the configured backends.
//
// It fails with an error wrapping backends.ErrUnsupportedOperator if some operation can't be
// lowered by any of the backends.
func Compile(graph *ir.Graph, options ...Option) (*CompiledModel, error) {
	if err := graph.Freeze(); err != nil {
		return nil, err
	}
	cfg, err := newConfig(options)
	if err != nil {
		return nil, err
	}
	m := &CompiledModel{
		id:        uuid.New(),
		graph:     graph,
		homes:     make(map[ir.OperandIndex]int),
		allocator: memory.NewPoolAllocator(cfg.memoryLimit),
	}
	var compileErr error
	if err := exceptions.TryCatch[error](func() { compileErr = m.compile(cfg) }); err != nil {
		compileErr = err
	}
	if compileErr != nil {
		m.Finalize()
		return nil, errors.WithMessagef(compileErr, "compiling graph %q", graph.Name())
	}
	return m, nil
}

func (m *CompiledModel) compile(cfg *config) error {
	order := cfg.order
	if order == nil {
		var err error
		if order, err = m.graph.TopologicalOrder(); err != nil {
			return err
		}
	} else if err := m.graph.ValidateOrder(order); err != nil {
		return err
	}

	m.plan = cfg.deallocPlan
	if m.plan == nil {
		m.plan = ir.ComputeDeallocPlan(m.graph, order)
	} else if err := m.plan.Validate(); err != nil {
		return err
	}

	if err := m.createBackends(cfg); err != nil {
		return err
	}
	if err := m.createContexts(cfg, order); err != nil {
		return err
	}
	lastUses := ir.LastUses(m.graph, order)
	for _, c := range m.contexts {
		if err := m.registerTensors(c); err != nil {
			return errors.WithMessagef(err, "backend %q", c.ctx.Backend.Name())
		}
		m.planStatic(c, lastUses)
	}
	m.planCopies()
	if err := m.initConstants(); err != nil {
		return err
	}

	session, err := m.newSession()
	if err != nil {
		return err
	}
	m.session = session

	if klog.V(1).Enabled() {
		var arenas, constants int
		for _, c := range m.contexts {
			arenas += c.staticPlan.TotalSize
			for _, t := range c.constants {
				constants += t.Shape().Memory()
			}
		}
		klog.Infof("model %s (graph %q): %d operations on backends %q, static arenas %s, constants %s",
			m.id, m.graph.Name(), len(m.instructions), m.BackendNames(),
			humanize.Bytes(uint64(arenas)), humanize.Bytes(uint64(constants)))
	}
	return nil
}

// createBackends instantiates the configured backends.
func (m *CompiledModel) createBackends(cfg *config) error {
	for _, backendConfig := range cfg.backendConfigs {
		backend, err := backends.New(backendConfig)
		if err != nil {
			return err
		}
		if slices.ContainsFunc(m.backends, func(b backends.Backend) bool { return b.Name() == backend.Name() }) {
			return errors.Errorf("backend %q configured more than once", backend.Name())
		}
		m.backends = append(m.backends, backend)
	}
	if len(m.backends) == 0 {
		return errors.New("no backends configured")
	}
	for opType, name := range cfg.opBackends {
		if m.backendIndex(name) < 0 {
			return errors.Errorf("operation type %s assigned to backend %q, which is not configured (configured: %q)",
				opType, name, m.BackendNames())
		}
	}
	return nil
}

func (m *CompiledModel) backendIndex(name string) int {
	return slices.IndexFunc(m.backends, func(b backends.Backend) bool { return b.Name() == name })
}

// BackendNames returns the names of the backends of the model, in order of preference.
func (m *CompiledModel) BackendNames() []string {
	names := make([]string, len(m.backends))
	for ii, backend := range m.backends {
		names[ii] = backend.Name()
	}
	return names
}

// assign returns the index of the backend that runs op.
func (m *CompiledModel) assign(cfg *config, opIdx ir.OperationIndex, op *ir.Operation) (int, error) {
	if name, found := cfg.opBackends[op.Type]; found {
		backendIdx := m.backendIndex(name)
		if !m.backends[backendIdx].Capabilities().SupportsOperation(m.graph, op) {
			return -1, backends.UnsupportedError(name, opIdx, op)
		}
		return backendIdx, nil
	}
	for backendIdx, backend := range m.backends {
		if backend.Capabilities().SupportsOperation(m.graph, op) {
			return backendIdx, nil
		}
	}
	return -1, errors.Wrapf(backends.ErrUnsupportedOperator, "no backend among %q can lower %s (%s)",
		m.BackendNames(), opIdx, op)
}

// createContexts assigns the operations to backends and creates one context per backend used.
func (m *CompiledModel) createContexts(cfg *config, order []ir.OperationIndex) error {
	assignment := make([]int, len(order))
	operations := make([][]ir.OperationIndex, len(m.backends))
	for pos, opIdx := range order {
		op, err := m.graph.Operation(opIdx)
		if err != nil {
			return err
		}
		backendIdx, err := m.assign(cfg, opIdx, op)
		if err != nil {
			return err
		}
		assignment[pos] = backendIdx
		operations[backendIdx] = append(operations[backendIdx], opIdx)
		m.instructions = append(m.instructions, instruction{pos: ir.InstrIndexOf(pos), opIdx: opIdx, op: op})
	}

	contextOf := make([]int, len(m.backends))
	for backendIdx, backend := range m.backends {
		contextOf[backendIdx] = -1
		if len(operations[backendIdx]) == 0 {
			continue
		}
		ctx, err := backend.NewContext(m.graph, operations[backendIdx])
		if err != nil {
			return errors.WithMessagef(err, "creating context of backend %q", backend.Name())
		}
		c := &modelContext{index: len(m.contexts), ctx: ctx, constants: make(map[ir.OperandIndex]*memory.Tensor)}
		m.contexts = append(m.contexts, c)
		contextOf[backendIdx] = c.index
		if ctx.KernelGenerator == nil {
			return errors.Errorf("backend %q context has no kernel generator", backend.Name())
		}
		if ctx.Optimizer != nil {
			if c.annotations, err = ctx.Optimizer.Optimize(m.graph, ctx.Operations); err != nil {
				return errors.WithMessagef(err, "optimizing for backend %q", backend.Name())
			}
		}
	}

	for pos := range m.instructions {
		instr := &m.instructions[pos]
		instr.ctx = contextOf[assignment[pos]]
		ctx := m.contexts[instr.ctx].ctx
		if !ctx.KernelGenerator.Supports(instr.op.Type) {
			return backends.UnsupportedError(ctx.Backend.Name(), instr.opIdx, instr.op)
		}
		for _, output := range instr.op.Outputs {
			m.homes[output] = instr.ctx
		}
	}
	return nil
}

// ID of the model, used in logs.
func (m *CompiledModel) ID() uuid.UUID { return m.id }

// Graph of the model.
func (m *CompiledModel) Graph() *ir.Graph { return m.graph }

// BackendOf returns the name of the backend running opIdx, or an error wrapping
// ir.ErrIndexNotFound if the graph has no such operation.
func (m *CompiledModel) BackendOf(opIdx ir.OperationIndex) (string, error) {
	for _, instr := range m.instructions {
		if instr.opIdx == opIdx {
			return m.contexts[instr.ctx].ctx.Backend.Name(), nil
		}
	}
	return "", errors.Wrapf(ir.ErrIndexNotFound, "model %s has no %s", m.id, opIdx)
}

// StaticArenaSize returns the total bytes of the static arenas of one session.
func (m *CompiledModel) StaticArenaSize() int {
	var total int
	for _, c := range m.contexts {
		total += c.staticPlan.TotalSize
	}
	return total
}

// MemoryStats returns the statistics of the allocator shared by all sessions of the model.
func (m *CompiledModel) MemoryStats() memory.AllocatorStats { return m.allocator.Stats() }

// Run executes one inference on the default session. See Session.Run.
func (m *CompiledModel) Run(inputs ...*tensors.Tensor) ([]*tensors.Tensor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return nil, errors.Errorf("model %s: Run called after Finalize", m.id)
	}
	return m.session.Run(inputs...)
}

// Session returns the default session, used by Run.
func (m *CompiledModel) Session() *Session { return m.session }

// NewSession creates a session with its own tensor memory, to run inferences concurrently with
// other sessions. Constants are shared. Sessions are closed by Finalize, if not closed before.
func (m *CompiledModel) NewSession() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return nil, errors.Errorf("model %s: NewSession called after Finalize", m.id)
	}
	var session *Session
	var err error
	if panicErr := exceptions.TryCatch[error](func() { session, err = m.newSession() }); panicErr != nil {
		err = panicErr
	}
	if err != nil {
		return nil, err
	}
	m.sessions = append(m.sessions, session)
	return session, nil
}

// Finalize closes all sessions, releases the constants and closes the backend contexts.
// The model can't be used afterwards. It is idempotent.
func (m *CompiledModel) Finalize() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalized {
		return
	}
	m.finalized = true
	if m.session != nil {
		m.session.Close()
	}
	for _, session := range m.sessions {
		session.Close()
	}
	for _, c := range m.contexts {
		for _, t := range c.constants {
			memory.ReleaseTensor(t, m.allocator)
		}
		if err := c.ctx.Close(); err != nil {
			klog.Warningf("model %s: closing context of backend %q: %+v", m.id, c.ctx.Backend.Name(), err)
		}
	}
	klog.V(1).Infof("model %s finalized", m.id)
}
