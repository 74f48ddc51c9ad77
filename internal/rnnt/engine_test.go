package rnnt

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestComputeAlphasRejectsNonCPUInputs(t *testing.T) {
	r := rand.New(rand.NewSource(20))
	opts := mustOptions(t, [4]int{2, 4, 3, 5}, 1, 0, 0)
	opts.Device = DeviceGPU
	logits := randomLogits(r, opts.LogitElements())
	targets := randomTargets(r, opts.TargetElements(), opts.NumTargets)

	_, err := NewEngine().ComputeAlphas(context.Background(), opts, logits, targets, []int32{4, 4}, []int32{3, 3})
	require.ErrorIs(t, err, ErrDeviceMismatch)
}

func TestComputeAlphasRejectsShapeMismatches(t *testing.T) {
	r := rand.New(rand.NewSource(21))
	opts := mustOptions(t, [4]int{2, 4, 3, 5}, 1, 0, 0)
	logits := randomLogits(r, opts.LogitElements())
	targets := randomTargets(r, opts.TargetElements(), opts.NumTargets)
	eng := NewEngine()

	_, err := eng.ComputeAlphas(context.Background(), opts, logits[:len(logits)-1], targets, []int32{4, 4}, []int32{3, 3})
	require.ErrorIs(t, err, ErrShape)

	_, err = eng.ComputeAlphas(context.Background(), opts, logits, targets[:len(targets)-1], []int32{4, 4}, []int32{3, 3})
	require.ErrorIs(t, err, ErrShape)

	_, err = eng.ComputeAlphas(context.Background(), opts, logits, targets, []int32{4, 5}, []int32{3, 3})
	require.ErrorIs(t, err, ErrShape)

	_, err = eng.ComputeAlphas(context.Background(), opts, logits, targets, []int32{4, 4}, []int32{0, 3})
	require.ErrorIs(t, err, ErrShape)
}

func TestComputeAlphasRejectsOutOfVocabularyTargets(t *testing.T) {
	r := rand.New(rand.NewSource(22))
	opts := mustOptions(t, [4]int{1, 3, 3, 4}, 1, 0, 0)
	logits := randomLogits(r, opts.LogitElements())

	_, err := NewEngine().ComputeAlphas(context.Background(), opts, logits, []int32{1, 4}, []int32{3}, []int32{3})
	require.ErrorIs(t, err, ErrShape)
}

func TestComputeAlphasCancelledContext(t *testing.T) {
	r := rand.New(rand.NewSource(23))
	opts := mustOptions(t, [4]int{4, 5, 4, 5}, 2, 0, 0)
	logits := randomLogits(r, opts.LogitElements())
	targets := randomTargets(r, opts.TargetElements(), opts.NumTargets)
	srcLens := randomLengths(r, opts.Pairs(), opts.MaxSrcLen)
	tgtLens := randomLengths(r, opts.Pairs(), opts.MaxTgtLen)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out, err := NewEngine().ComputeAlphas(ctx, opts, logits, targets, srcLens, tgtLens)
	require.ErrorIs(t, err, context.Canceled)
	require.Nil(t, out)
}

func TestComputeAlphas64Gate(t *testing.T) {
	opts := mustOptions(t, [4]int{1, 3, 2, 4}, 1, 0, 0)
	logits := make([]float64, opts.LogitElements())

	_, err := NewEngine().ComputeAlphas64(context.Background(), opts, logits[:3], []int32{1}, []int32{3}, []int32{2})
	require.ErrorIs(t, err, ErrShape)

	out, err := NewEngine().ComputeAlphas64(context.Background(), opts, logits, []int32{1}, []int32{3}, []int32{2})
	require.NoError(t, err)
	require.Len(t, out, opts.LatticeElements())
}

func TestEngineWorkerFloorIsOne(t *testing.T) {
	r := rand.New(rand.NewSource(24))
	opts := mustOptions(t, [4]int{1, 3, 2, 4}, 1, 0, 0)
	logits := randomLogits(r, opts.LogitElements())

	out, err := NewEngine(WithWorkers(-3)).ComputeAlphas(context.Background(), opts, logits, []int32{1}, []int32{3}, []int32{2})
	require.NoError(t, err)
	require.Len(t, out, opts.LatticeElements())
}
