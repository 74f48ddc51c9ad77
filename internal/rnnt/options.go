package rnnt

import (
	"fmt"
	"math"
)

// Device tags the memory space input buffers live in. The pure-Go engine
// executes on the CPU only; the tag exists so callers routing tensors from
// accelerator-backed allocators fail fast instead of reading garbage.
type Device int

const (
	DeviceCPU Device = iota
	DeviceGPU
)

func (d Device) String() string {
	switch d {
	case DeviceCPU:
		return "cpu"
	case DeviceGPU:
		return "gpu"
	}
	return fmt.Sprintf("device(%d)", int(d))
}

// Options is the immutable per-invocation snapshot of problem dimensions.
// It is derived once by DeriveOptions and never mutated during execution;
// every buffer size in an invocation follows from it.
type Options struct {
	BatchSize  int // number of source examples B
	NHypos     int // hypotheses per source example H
	MaxSrcLen  int // padded source extent S
	MaxTgtLen  int // padded target extent U (labels + 1)
	NumTargets int // vocabulary size V, including the blank

	Blank  int32   // blank label id, in [0, NumTargets)
	Clamp  float64 // symmetric logit clip bound; 0 disables clamping
	Device Device
}

// DeriveOptions resolves lattice dimensions from the logit tensor shape
// [B, S, U, V] and the sizes of the two lengths arrays. It is the single
// validation gate in front of the DP engine: everything that could cause an
// out-of-bounds buffer access is rejected here (and in the value-level
// checks below) before any buffer is touched.
func DeriveOptions(logitShape [4]int, numSrcLengths, numTgtLengths int, blank int32, clamp float64) (Options, error) {
	for i, dim := range logitShape {
		if dim <= 0 {
			return Options{}, fmt.Errorf("logit dimension %d is %d: %w", i, dim, ErrShape)
		}
	}

	batchSize := logitShape[0]
	if numTgtLengths == 0 || numTgtLengths%batchSize != 0 {
		return Options{}, fmt.Errorf("target lengths count %d is not a positive multiple of batch size %d: %w",
			numTgtLengths, batchSize, ErrShape)
	}
	if numSrcLengths != numTgtLengths {
		return Options{}, fmt.Errorf("source lengths count %d does not match target lengths count %d: %w",
			numSrcLengths, numTgtLengths, ErrShape)
	}

	opts := Options{
		BatchSize:  batchSize,
		NHypos:     numTgtLengths / batchSize,
		MaxSrcLen:  logitShape[1],
		MaxTgtLen:  logitShape[2],
		NumTargets: logitShape[3],
		Blank:      blank,
		Clamp:      clamp,
		Device:     DeviceCPU,
	}

	if blank < 0 || int(blank) >= opts.NumTargets {
		return Options{}, fmt.Errorf("blank id %d outside vocabulary of size %d: %w", blank, opts.NumTargets, ErrShape)
	}
	if clamp < 0 || math.IsNaN(clamp) {
		return Options{}, fmt.Errorf("clamp %v must be non-negative: %w", clamp, ErrShape)
	}
	return opts, nil
}

// Pairs returns the number of independent (batch, hypothesis) lattices.
func (o Options) Pairs() int { return o.BatchSize * o.NHypos }

// LatticeElements returns the element count of the alpha output,
// logical shape [B*H, S, U].
func (o Options) LatticeElements() int { return o.Pairs() * o.MaxSrcLen * o.MaxTgtLen }

// LogitElements returns the element count of the logit input,
// logical shape [B, S, U, V].
func (o Options) LogitElements() int {
	return o.BatchSize * o.MaxSrcLen * o.MaxTgtLen * o.NumTargets
}

// TargetElements returns the element count of the target label input,
// logical shape [B*H, U-1].
func (o Options) TargetElements() int { return o.Pairs() * (o.MaxTgtLen - 1) }

// ValidateLengths checks the declared per-pair extents against the padded
// dimensions. Entries are lattice extents: a target length counts the
// leading no-label position, so an empty target has extent 1, never 0.
func (o Options) ValidateLengths(srcLengths, tgtLengths []int32) error {
	if len(srcLengths) != o.Pairs() || len(tgtLengths) != o.Pairs() {
		return fmt.Errorf("lengths arrays sized %d/%d, want %d entries each: %w",
			len(srcLengths), len(tgtLengths), o.Pairs(), ErrShape)
	}
	for i, l := range srcLengths {
		if l <= 0 || int(l) > o.MaxSrcLen {
			return fmt.Errorf("source length %d at pair %d outside (0, %d]: %w", l, i, o.MaxSrcLen, ErrShape)
		}
	}
	for i, l := range tgtLengths {
		if l <= 0 || int(l) > o.MaxTgtLen {
			return fmt.Errorf("target length %d at pair %d outside (0, %d]: %w", l, i, o.MaxTgtLen, ErrShape)
		}
	}
	return nil
}

// ValidateTargets checks the target array size and that every label id can
// index the vocabulary axis. Padding entries past a pair's true length are
// validated too: they are never read by the recurrence, but rejecting them
// here keeps the engine free of per-cell bounds checks.
func (o Options) ValidateTargets(targets []int32) error {
	if len(targets) != o.TargetElements() {
		return fmt.Errorf("targets array sized %d, want %d: %w", len(targets), o.TargetElements(), ErrShape)
	}
	for i, id := range targets {
		if id < 0 || int(id) >= o.NumTargets {
			return fmt.Errorf("target label %d at index %d outside vocabulary of size %d: %w",
				id, i, o.NumTargets, ErrShape)
		}
	}
	return nil
}
