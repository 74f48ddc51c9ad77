package rnnt

import (
	"fmt"

	"github.com/23skdu/longbow-bodkin/internal/logmath"
)

// scorePairs reduces each pair's filled lattice to the RNNT negative
// log-likelihood: the alpha at the terminal cell plus the blank emission
// leaving it, negated. Uses the same clamping rule as the sweep so the
// exit score matches what the lattice was built from.
func scorePairs[T logmath.Float](opts Options, alphas, logits []T, srcLengths, tgtLengths []int32) []T {
	s, u, v := opts.MaxSrcLen, opts.MaxTgtLen, opts.NumTargets
	clamp := T(opts.Clamp)
	scores := make([]T, opts.Pairs())
	for pair := range scores {
		b := pair / opts.NHypos
		lastT := int(srcLengths[pair]) - 1
		lastU := int(tgtLengths[pair]) - 1
		terminal := alphas[pair*s*u+lastT*u+lastU]
		exit := T(logits[((b*s+lastT)*u+lastU)*v+int(opts.Blank)])
		if clamp > 0 {
			exit = logmath.Clamp(exit, clamp)
		}
		scores[pair] = -(terminal + exit)
	}
	return scores
}

func (e *Engine) scoreGate(opts Options, alphaLen, logitLen int, srcLengths, tgtLengths []int32) error {
	if opts.Device != DeviceCPU {
		return fmt.Errorf("engine executes on cpu, inputs tagged %v: %w", opts.Device, ErrDeviceMismatch)
	}
	if alphaLen != opts.LatticeElements() {
		return fmt.Errorf("alpha buffer holds %d elements, want %d: %w", alphaLen, opts.LatticeElements(), ErrShape)
	}
	if logitLen != opts.LogitElements() {
		return fmt.Errorf("logit buffer holds %d elements, want %d: %w", logitLen, opts.LogitElements(), ErrShape)
	}
	return opts.ValidateLengths(srcLengths, tgtLengths)
}

// ForwardScores turns a lattice produced by ComputeAlphas back into one
// loss value per (batch, hypothesis) pair. The lattice and logits must
// come from the same invocation's inputs.
func (e *Engine) ForwardScores(opts Options, alphas, logits []float32, srcLengths, tgtLengths []int32) ([]float32, error) {
	if err := e.scoreGate(opts, len(alphas), len(logits), srcLengths, tgtLengths); err != nil {
		return nil, err
	}
	return scorePairs(opts, alphas, logits, srcLengths, tgtLengths), nil
}

// ForwardScores64 is the float64 instantiation of ForwardScores.
func (e *Engine) ForwardScores64(opts Options, alphas, logits []float64, srcLengths, tgtLengths []int32) ([]float64, error) {
	if err := e.scoreGate(opts, len(alphas), len(logits), srcLengths, tgtLengths); err != nil {
		return nil, err
	}
	return scorePairs(opts, alphas, logits, srcLengths, tgtLengths), nil
}
