package rnnt

import (
	"context"
	"math"
	"math/rand"
	"testing"

	"github.com/23skdu/longbow-bodkin/internal/simd"
)

func mustOptions(t *testing.T, shape [4]int, nHypos int, blank int32, clamp float64) Options {
	t.Helper()
	opts, err := DeriveOptions(shape, shape[0]*nHypos, shape[0]*nHypos, blank, clamp)
	if err != nil {
		t.Fatalf("DeriveOptions: %v", err)
	}
	return opts
}

func uniformLogits(n int, v float32) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = v
	}
	return out
}

func randomLogits(r *rand.Rand, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(r.Float64()*4 - 2)
	}
	return out
}

func randomLengths(r *rand.Rand, n, max int) []int32 {
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(r.Intn(max) + 1)
	}
	return out
}

func randomTargets(r *rand.Rand, n, vocab int) []int32 {
	out := make([]int32, n)
	for i := range out {
		out[i] = int32(r.Intn(vocab))
	}
	return out
}

func TestAlphaBaseCellIsZero(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	opts := mustOptions(t, [4]int{3, 5, 4, 6}, 2, 0, 0)
	logits := randomLogits(r, opts.LogitElements())
	targets := randomTargets(r, opts.TargetElements(), opts.NumTargets)
	srcLens := randomLengths(r, opts.Pairs(), opts.MaxSrcLen)
	tgtLens := randomLengths(r, opts.Pairs(), opts.MaxTgtLen)

	alphas, err := NewEngine().ComputeAlphas(context.Background(), opts, logits, targets, srcLens, tgtLens)
	if err != nil {
		t.Fatalf("ComputeAlphas: %v", err)
	}
	for pair := 0; pair < opts.Pairs(); pair++ {
		if got := alphas[pair*opts.MaxSrcLen*opts.MaxTgtLen]; got != 0 {
			t.Errorf("pair %d: alpha[0,0] = %v, want 0", pair, got)
		}
	}
}

// A target extent of one leaves only blank emissions: each alpha down
// column zero is the running sum of the blank scores above it.
func TestBlankChain(t *testing.T) {
	r := rand.New(rand.NewSource(2))
	opts := mustOptions(t, [4]int{1, 6, 3, 4}, 1, 1, 0)
	logits := randomLogits(r, opts.LogitElements())
	targets := randomTargets(r, opts.TargetElements(), opts.NumTargets)

	alphas, err := NewEngine().ComputeAlphas(context.Background(), opts, logits, targets, []int32{6}, []int32{1})
	if err != nil {
		t.Fatalf("ComputeAlphas: %v", err)
	}

	sum := float32(0)
	for step := 1; step < opts.MaxSrcLen; step++ {
		sum += logits[((step-1)*opts.MaxTgtLen+0)*opts.NumTargets+int(opts.Blank)]
		if got := alphas[step*opts.MaxTgtLen]; got != sum {
			t.Errorf("alpha[%d,0] = %v, want %v", step, got, sum)
		}
	}
}

// A source extent of one leaves only label emissions: each alpha along
// row zero is the running sum of the emitted labels' scores.
func TestLabelChain(t *testing.T) {
	r := rand.New(rand.NewSource(3))
	opts := mustOptions(t, [4]int{1, 4, 5, 6}, 1, 0, 0)
	logits := randomLogits(r, opts.LogitElements())
	targets := randomTargets(r, opts.TargetElements(), opts.NumTargets)

	alphas, err := NewEngine().ComputeAlphas(context.Background(), opts, logits, targets, []int32{1}, []int32{5})
	if err != nil {
		t.Fatalf("ComputeAlphas: %v", err)
	}

	sum := float32(0)
	for u := 1; u < opts.MaxTgtLen; u++ {
		sum += logits[(0*opts.MaxTgtLen+(u-1))*opts.NumTargets+int(targets[u-1])]
		if got := alphas[u]; got != sum {
			t.Errorf("alpha[0,%d] = %v, want %v", u, got, sum)
		}
	}
}

// Two-by-two lattice with every score at log(0.5): both alignment paths
// carry probability 1/4, and their logaddexp combination lands on -log 2.
func TestTwoByTwoHalfProbability(t *testing.T) {
	opts := mustOptions(t, [4]int{1, 2, 2, 3}, 1, 2, 0)
	half := float32(math.Log(0.5))
	logits := uniformLogits(opts.LogitElements(), half)

	alphas, err := NewEngine().ComputeAlphas(context.Background(), opts, logits, []int32{1}, []int32{2}, []int32{2})
	if err != nil {
		t.Fatalf("ComputeAlphas: %v", err)
	}

	if got := alphas[1*opts.MaxTgtLen]; math.Abs(float64(got)-math.Log(0.5)) > 1e-6 {
		t.Errorf("alpha[1,0] = %v, want log(0.5)", got)
	}
	if got := alphas[1]; math.Abs(float64(got)-math.Log(0.5)) > 1e-6 {
		t.Errorf("alpha[0,1] = %v, want log(0.5)", got)
	}
	want := -math.Log(2)
	if got := alphas[1*opts.MaxTgtLen+1]; math.Abs(float64(got)-want) > 1e-6 {
		t.Errorf("alpha[1,1] = %v, want %v", got, want)
	}
}

// An empty target means a padded target dimension of one: no label array
// at all, and the only valid path is blanks down column zero.
func TestEmptyTarget(t *testing.T) {
	r := rand.New(rand.NewSource(4))
	opts := mustOptions(t, [4]int{1, 5, 1, 3}, 1, 2, 0)
	logits := randomLogits(r, opts.LogitElements())

	alphas, err := NewEngine().ComputeAlphas(context.Background(), opts, logits, nil, []int32{5}, []int32{1})
	if err != nil {
		t.Fatalf("ComputeAlphas: %v", err)
	}

	sum := float32(0)
	for step := 0; step < 4; step++ {
		sum += logits[(step*1+0)*opts.NumTargets+int(opts.Blank)]
	}
	if got := alphas[4*1]; got != sum {
		t.Errorf("alpha[4,0] = %v, want %v", got, sum)
	}
}

// pathProbability enumerates every monotonic alignment from (0,0) to
// (t,u) in probability space and sums the path products. Independent of
// the engine's log-space recurrence; used as the correctness oracle.
func pathProbability(t, u int, blankScore func(t, u int) float64, labelScore func(t, u int) float64) float64 {
	if t == 0 && u == 0 {
		return 1
	}
	total := 0.0
	if t > 0 {
		total += pathProbability(t-1, u, blankScore, labelScore) * math.Exp(blankScore(t-1, u))
	}
	if u > 0 {
		total += pathProbability(t, u-1, blankScore, labelScore) * math.Exp(labelScore(t, u-1))
	}
	return total
}

func TestAlphasMatchPathEnumeration(t *testing.T) {
	r := rand.New(rand.NewSource(5))
	shapes := []struct {
		shape  [4]int
		nHypos int
	}{
		{[4]int{1, 3, 2, 4}, 1},
		{[4]int{2, 4, 3, 5}, 1},
		{[4]int{1, 2, 4, 3}, 2},
		{[4]int{2, 3, 3, 4}, 2},
	}
	eng := NewEngine()

	for _, sc := range shapes {
		opts := mustOptions(t, sc.shape, sc.nHypos, 0, 0)
		logits := randomLogits(r, opts.LogitElements())
		targets := randomTargets(r, opts.TargetElements(), opts.NumTargets)
		srcLens := randomLengths(r, opts.Pairs(), opts.MaxSrcLen)
		tgtLens := randomLengths(r, opts.Pairs(), opts.MaxTgtLen)

		alphas, err := eng.ComputeAlphas(context.Background(), opts, logits, targets, srcLens, tgtLens)
		if err != nil {
			t.Fatalf("shape %v: ComputeAlphas: %v", sc.shape, err)
		}

		s, u, v := opts.MaxSrcLen, opts.MaxTgtLen, opts.NumTargets
		for pair := 0; pair < opts.Pairs(); pair++ {
			b := pair / opts.NHypos
			tgt := targets[pair*(u-1) : (pair+1)*(u-1)]
			blankScore := func(st, su int) float64 {
				return float64(logits[((b*s+st)*u+su)*v+int(opts.Blank)])
			}
			labelScore := func(st, su int) float64 {
				return float64(logits[((b*s+st)*u+su)*v+int(tgt[su])])
			}
			for st := 0; st < int(srcLens[pair]); st++ {
				for su := 0; su < int(tgtLens[pair]); su++ {
					want := math.Log(pathProbability(st, su, blankScore, labelScore))
					got := float64(alphas[(pair*s+st)*u+su])
					if math.Abs(got-want) > 1e-3 {
						t.Errorf("shape %v pair %d: alpha[%d,%d] = %v, oracle %v", sc.shape, pair, st, su, got, want)
					}
				}
			}
		}
	}
}

// Hypotheses of one batch element read the same logit block but carry
// their own targets and lengths; each must match a standalone run.
func TestMultiHypothesisMatchesStandalone(t *testing.T) {
	r := rand.New(rand.NewSource(6))
	opts := mustOptions(t, [4]int{1, 4, 3, 5}, 2, 0, 0)
	logits := randomLogits(r, opts.LogitElements())
	targets := randomTargets(r, opts.TargetElements(), opts.NumTargets)
	srcLens := []int32{4, 3}
	tgtLens := []int32{3, 2}

	eng := NewEngine()
	joint, err := eng.ComputeAlphas(context.Background(), opts, logits, targets, srcLens, tgtLens)
	if err != nil {
		t.Fatalf("ComputeAlphas: %v", err)
	}

	solo := mustOptions(t, [4]int{1, 4, 3, 5}, 1, 0, 0)
	for pair := 0; pair < 2; pair++ {
		tgt := targets[pair*(opts.MaxTgtLen-1) : (pair+1)*(opts.MaxTgtLen-1)]
		alone, err := eng.ComputeAlphas(context.Background(), solo, logits, tgt, srcLens[pair:pair+1], tgtLens[pair:pair+1])
		if err != nil {
			t.Fatalf("pair %d standalone: %v", pair, err)
		}
		block := opts.MaxSrcLen * opts.MaxTgtLen
		for i := 0; i < block; i++ {
			if joint[pair*block+i] != alone[i] {
				t.Fatalf("pair %d cell %d: joint %v, standalone %v", pair, i, joint[pair*block+i], alone[i])
			}
		}
	}
}

// Both parallel strategies must match the one-worker sweep bit for bit:
// many small pairs exercises across-pair chunking, a lone big lattice
// exercises the anti-diagonal team.
func TestParallelMatchesSerial(t *testing.T) {
	r := rand.New(rand.NewSource(7))

	t.Run("across pairs", func(t *testing.T) {
		opts := mustOptions(t, [4]int{8, 6, 5, 4}, 2, 0, 0)
		logits := randomLogits(r, opts.LogitElements())
		targets := randomTargets(r, opts.TargetElements(), opts.NumTargets)
		srcLens := randomLengths(r, opts.Pairs(), opts.MaxSrcLen)
		tgtLens := randomLengths(r, opts.Pairs(), opts.MaxTgtLen)

		serial, err := NewEngine(WithWorkers(1)).ComputeAlphas(context.Background(), opts, logits, targets, srcLens, tgtLens)
		if err != nil {
			t.Fatalf("serial: %v", err)
		}
		parallel, err := NewEngine(WithWorkers(4)).ComputeAlphas(context.Background(), opts, logits, targets, srcLens, tgtLens)
		if err != nil {
			t.Fatalf("parallel: %v", err)
		}
		for i := range serial {
			if serial[i] != parallel[i] {
				t.Fatalf("cell %d: serial %v, parallel %v", i, serial[i], parallel[i])
			}
		}
	})

	t.Run("anti-diagonal", func(t *testing.T) {
		opts := mustOptions(t, [4]int{1, 130, 130, 3}, 1, 0, 0)
		logits := randomLogits(r, opts.LogitElements())
		targets := randomTargets(r, opts.TargetElements(), opts.NumTargets)
		srcLens := []int32{130}
		tgtLens := []int32{129}

		serial, err := NewEngine(WithWorkers(1)).ComputeAlphas(context.Background(), opts, logits, targets, srcLens, tgtLens)
		if err != nil {
			t.Fatalf("serial: %v", err)
		}
		parallel, err := NewEngine(WithWorkers(8)).ComputeAlphas(context.Background(), opts, logits, targets, srcLens, tgtLens)
		if err != nil {
			t.Fatalf("parallel: %v", err)
		}
		for i := range serial {
			if serial[i] != parallel[i] {
				t.Fatalf("cell %d: serial %v, parallel %v", i, serial[i], parallel[i])
			}
		}
	})
}

// Clamped execution must equal unclamped execution over pre-clipped
// scores; with clamping off the raw scores flow through untouched.
func TestClampMatchesPreClippedScores(t *testing.T) {
	r := rand.New(rand.NewSource(8))
	clamped := mustOptions(t, [4]int{2, 4, 3, 5}, 1, 0, 0.5)
	raw := mustOptions(t, [4]int{2, 4, 3, 5}, 1, 0, 0)

	logits := randomLogits(r, clamped.LogitElements())
	clipped := make([]float32, len(logits))
	for i, v := range logits {
		switch {
		case v > 0.5:
			clipped[i] = 0.5
		case v < -0.5:
			clipped[i] = -0.5
		default:
			clipped[i] = v
		}
	}
	targets := randomTargets(r, clamped.TargetElements(), clamped.NumTargets)
	srcLens := []int32{4, 3}
	tgtLens := []int32{3, 3}

	eng := NewEngine()
	got, err := eng.ComputeAlphas(context.Background(), clamped, logits, targets, srcLens, tgtLens)
	if err != nil {
		t.Fatalf("clamped: %v", err)
	}
	want, err := eng.ComputeAlphas(context.Background(), raw, clipped, targets, srcLens, tgtLens)
	if err != nil {
		t.Fatalf("pre-clipped: %v", err)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("cell %d: clamped %v, pre-clipped %v", i, got[i], want[i])
		}
	}
}

// Re-running identical inputs must be bit-identical; the second run
// draws recycled scratch from the pool and must not see stale state.
func TestRepeatRunsBitIdentical(t *testing.T) {
	r := rand.New(rand.NewSource(9))
	opts := mustOptions(t, [4]int{3, 5, 4, 6}, 1, 0, 0)
	logits := randomLogits(r, opts.LogitElements())
	targets := randomTargets(r, opts.TargetElements(), opts.NumTargets)
	srcLens := randomLengths(r, opts.Pairs(), opts.MaxSrcLen)
	tgtLens := randomLengths(r, opts.Pairs(), opts.MaxTgtLen)

	eng := NewEngine()
	first, err := eng.ComputeAlphas(context.Background(), opts, logits, targets, srcLens, tgtLens)
	if err != nil {
		t.Fatalf("first run: %v", err)
	}
	for run := 0; run < 3; run++ {
		again, err := eng.ComputeAlphas(context.Background(), opts, logits, targets, srcLens, tgtLens)
		if err != nil {
			t.Fatalf("run %d: %v", run, err)
		}
		for i := range first {
			if first[i] != again[i] {
				t.Fatalf("run %d cell %d: %v != %v", run, i, again[i], first[i])
			}
		}
	}
}

// Padding cells past a pair's extents keep their zero initialization and
// are dead to every consumer: corrupting them must not move the scores.
func TestPaddingCellsAreDead(t *testing.T) {
	r := rand.New(rand.NewSource(10))
	opts := mustOptions(t, [4]int{2, 5, 4, 5}, 1, 0, 0)
	logits := randomLogits(r, opts.LogitElements())
	targets := randomTargets(r, opts.TargetElements(), opts.NumTargets)
	srcLens := []int32{3, 5}
	tgtLens := []int32{4, 2}

	eng := NewEngine()
	alphas, err := eng.ComputeAlphas(context.Background(), opts, logits, targets, srcLens, tgtLens)
	if err != nil {
		t.Fatalf("ComputeAlphas: %v", err)
	}

	s, u := opts.MaxSrcLen, opts.MaxTgtLen
	for pair := 0; pair < opts.Pairs(); pair++ {
		for st := 0; st < s; st++ {
			for su := 0; su < u; su++ {
				if st < int(srcLens[pair]) && su < int(tgtLens[pair]) {
					continue
				}
				if got := alphas[(pair*s+st)*u+su]; got != 0 {
					t.Errorf("pair %d: padding alpha[%d,%d] = %v, want untouched 0", pair, st, su, got)
				}
			}
		}
	}

	before, err := eng.ForwardScores(opts, alphas, logits, srcLens, tgtLens)
	if err != nil {
		t.Fatalf("ForwardScores: %v", err)
	}
	for pair := 0; pair < opts.Pairs(); pair++ {
		for st := 0; st < s; st++ {
			for su := 0; su < u; su++ {
				if st >= int(srcLens[pair]) || su >= int(tgtLens[pair]) {
					alphas[(pair*s+st)*u+su] = float32(math.NaN())
				}
			}
		}
	}
	after, err := eng.ForwardScores(opts, alphas, logits, srcLens, tgtLens)
	if err != nil {
		t.Fatalf("ForwardScores after corruption: %v", err)
	}
	for pair := range before {
		if before[pair] != after[pair] {
			t.Errorf("pair %d: score moved from %v to %v after padding corruption", pair, before[pair], after[pair])
		}
	}
}

// Malformed scores are not sanitized: a NaN logit flows through the
// recurrence into every cell it feeds, with no error raised.
func TestNaNPropagates(t *testing.T) {
	opts := mustOptions(t, [4]int{1, 2, 2, 3}, 1, 2, 0)
	logits := uniformLogits(opts.LogitElements(), float32(math.NaN()))

	alphas, err := NewEngine().ComputeAlphas(context.Background(), opts, logits, []int32{1}, []int32{2}, []int32{2})
	if err != nil {
		t.Fatalf("ComputeAlphas: %v", err)
	}
	if got := alphas[0]; got != 0 {
		t.Errorf("alpha[0,0] = %v, want 0", got)
	}
	for _, idx := range []int{1, opts.MaxTgtLen, opts.MaxTgtLen + 1} {
		if !math.IsNaN(float64(alphas[idx])) {
			t.Errorf("alpha cell %d = %v, want NaN", idx, alphas[idx])
		}
	}
}

// The wide-accumulation float32 path must reproduce, bit for bit, a
// float64 run over the widened logits rounded once to float32.
func TestWideAccumulationMatchesFloat64(t *testing.T) {
	r := rand.New(rand.NewSource(11))
	opts := mustOptions(t, [4]int{2, 5, 4, 6}, 2, 0, 1.5)
	logits := randomLogits(r, opts.LogitElements())
	targets := randomTargets(r, opts.TargetElements(), opts.NumTargets)
	srcLens := randomLengths(r, opts.Pairs(), opts.MaxSrcLen)
	tgtLens := randomLengths(r, opts.Pairs(), opts.MaxTgtLen)

	wideOut, err := NewEngine(WithWideAccumulation()).ComputeAlphas(context.Background(), opts, logits, targets, srcLens, tgtLens)
	if err != nil {
		t.Fatalf("wide: %v", err)
	}

	ref, err := NewEngine().ComputeAlphas64(context.Background(), opts, simd.Widened(logits), targets, srcLens, tgtLens)
	if err != nil {
		t.Fatalf("float64 reference: %v", err)
	}
	for i := range wideOut {
		if wideOut[i] != float32(ref[i]) {
			t.Fatalf("cell %d: wide %v, float64 reference %v", i, wideOut[i], float32(ref[i]))
		}
	}
}

func TestFloat64CloseToFloat32(t *testing.T) {
	r := rand.New(rand.NewSource(12))
	opts := mustOptions(t, [4]int{2, 4, 4, 5}, 1, 0, 0)
	logits := randomLogits(r, opts.LogitElements())
	targets := randomTargets(r, opts.TargetElements(), opts.NumTargets)
	srcLens := randomLengths(r, opts.Pairs(), opts.MaxSrcLen)
	tgtLens := randomLengths(r, opts.Pairs(), opts.MaxTgtLen)

	eng := NewEngine()
	narrow, err := eng.ComputeAlphas(context.Background(), opts, logits, targets, srcLens, tgtLens)
	if err != nil {
		t.Fatalf("float32: %v", err)
	}

	wide, err := eng.ComputeAlphas64(context.Background(), opts, simd.Widened(logits), targets, srcLens, tgtLens)
	if err != nil {
		t.Fatalf("float64: %v", err)
	}
	for i := range narrow {
		if math.Abs(float64(narrow[i])-wide[i]) > 1e-4 {
			t.Errorf("cell %d: float32 %v, float64 %v", i, narrow[i], wide[i])
		}
	}
}
