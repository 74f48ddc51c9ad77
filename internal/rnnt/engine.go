// Package rnnt computes the forward (alpha) lattice of the RNN-Transducer
// loss on the CPU: per (batch, hypothesis) pair, the log-probability of
// reaching every (source, target) position over all monotonic alignments,
// accumulated in log space. Inputs and outputs are flat row-major slices;
// shape handling, scratch sizing and all bounds validation live in this
// package, the recurrence itself performs no checks.
package rnnt

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/23skdu/longbow-bodkin/internal/logmath"
	"github.com/23skdu/longbow-bodkin/internal/simd"
)

// Engine executes alpha computations. It is safe for concurrent use; each
// invocation draws its own scratch buffers from the engine's pools.
type Engine struct {
	workers int
	wide    bool

	ints slicePool[int32]
	f32  slicePool[float32]
	f64  slicePool[float64]
}

type EngineOption func(*Engine)

// WithWorkers overrides the worker count, which defaults to
// runtime.NumCPU(). One worker forces a fully serial sweep.
func WithWorkers(n int) EngineOption {
	return func(e *Engine) { e.workers = n }
}

// WithWideAccumulation makes the float32 path accumulate in float64 and
// round once on output, instead of carrying float32 through the
// recurrence. Storage stays float32 either way; the float64 path is
// unaffected.
func WithWideAccumulation() EngineOption {
	return func(e *Engine) { e.wide = true }
}

func NewEngine(opts ...EngineOption) *Engine {
	e := &Engine{workers: runtime.NumCPU()}
	for _, o := range opts {
		o(e)
	}
	if e.workers < 1 {
		e.workers = 1
	}
	return e
}

// gate runs every precondition in front of the kernel, before any buffer
// is allocated or touched. Nothing downstream checks bounds again.
func (e *Engine) gate(opts Options, logitLen int, targets, srcLengths, tgtLengths []int32) error {
	if opts.Device != DeviceCPU {
		return fmt.Errorf("engine executes on cpu, inputs tagged %v: %w", opts.Device, ErrDeviceMismatch)
	}
	if logitLen != opts.LogitElements() {
		return fmt.Errorf("logit buffer holds %d elements, want %d: %w", logitLen, opts.LogitElements(), ErrShape)
	}
	if err := opts.ValidateLengths(srcLengths, tgtLengths); err != nil {
		return err
	}
	return opts.ValidateTargets(targets)
}

// ComputeAlphas fills and returns a freshly allocated alpha lattice of
// logical shape [pairs, maxSrcLen, maxTgtLen] for float32 logits. Cells
// outside a pair's valid rectangle keep their zero initialization and
// carry no meaning. No input slice is mutated, and identical inputs
// always produce bit-identical output.
func (e *Engine) ComputeAlphas(ctx context.Context, opts Options, logits []float32, targets, srcLengths, tgtLengths []int32) ([]float32, error) {
	if err := e.gate(opts, len(logits), targets, srcLengths, tgtLengths); err != nil {
		return nil, err
	}
	start := time.Now()
	alphas := make([]float32, opts.LatticeElements())

	ints := e.ints.get(RequiredIntElements(opts))
	defer e.ints.put(ints)

	if e.wide {
		floats := e.f64.get(RequiredFloatElements(opts))
		wide := e.f64.get(opts.LatticeElements())
		err := runLattice(ctx, opts, e.workers, logits, targets, srcLengths, tgtLengths, ints, floats, wide)
		if err == nil {
			simd.Narrow(alphas, wide)
		}
		e.f64.put(wide)
		e.f64.put(floats)
		if err != nil {
			return nil, err
		}
	} else {
		floats := e.f32.get(RequiredFloatElements(opts))
		err := runLattice(ctx, opts, e.workers, logits, targets, srcLengths, tgtLengths, ints, floats, alphas)
		e.f32.put(floats)
		if err != nil {
			return nil, err
		}
	}

	e.observe(opts, srcLengths, tgtLengths, time.Since(start))
	return alphas, nil
}

// ComputeAlphas64 is the float64 instantiation of ComputeAlphas. Storage
// and accumulation are both float64, so WithWideAccumulation changes
// nothing here.
func (e *Engine) ComputeAlphas64(ctx context.Context, opts Options, logits []float64, targets, srcLengths, tgtLengths []int32) ([]float64, error) {
	if err := e.gate(opts, len(logits), targets, srcLengths, tgtLengths); err != nil {
		return nil, err
	}
	start := time.Now()
	alphas := make([]float64, opts.LatticeElements())

	ints := e.ints.get(RequiredIntElements(opts))
	defer e.ints.put(ints)
	floats := e.f64.get(RequiredFloatElements(opts))
	err := runLattice(ctx, opts, e.workers, logits, targets, srcLengths, tgtLengths, ints, floats, alphas)
	e.f64.put(floats)
	if err != nil {
		return nil, err
	}

	e.observe(opts, srcLengths, tgtLengths, time.Since(start))
	return alphas, nil
}

// runLattice binds pooled scratch into a workspace and dispatches the
// sweep. The bind cannot fail when sizes come from the Required*
// functions; the error path exists for the workspace contract, not for
// recovery.
func runLattice[D, C logmath.Float](ctx context.Context, opts Options, workers int, logits []D, targets, srcLengths, tgtLengths []int32, ints []int32, floats []C, alphas []C) error {
	ws, err := WrapWorkspace(opts, ints, floats)
	if err != nil {
		return err
	}
	ws.Reset()
	return computeLattice(ctx, opts, workers, logits, targets, srcLengths, tgtLengths, ws, alphas)
}

func (e *Engine) observe(opts Options, srcLengths, tgtLengths []int32, elapsed time.Duration) {
	cells := 0
	for i := range srcLengths {
		cells += int(srcLengths[i]) * int(tgtLengths[i])
	}
	latticesComputed.Add(float64(opts.Pairs()))
	latticeCells.Add(float64(cells))
	computeDuration.Observe(elapsed.Seconds())
}
