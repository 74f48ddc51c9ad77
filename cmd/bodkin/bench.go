package main

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
	"gonum.org/v1/gonum/stat"

	"github.com/23skdu/longbow-bodkin/internal/rnnt"
)

// syntheticTargets fills a label buffer from the non-blank vocabulary.
// A vocabulary of one has no non-blank ids, so the buffer stays all
// blank.
func syntheticTargets(rng *rand.Rand, n, vocab int) []int32 {
	targets := make([]int32, n)
	if vocab < 2 {
		return targets
	}
	for i := range targets {
		targets[i] = int32(1 + rng.Intn(vocab-1))
	}
	return targets
}

// runBench sweeps one synthetic batch repeatedly and reports latency
// quantiles and cell throughput.
func runBench(engine *rnnt.Engine, iters, batch, srcLen, tgtLen, vocab int) {
	opts, err := rnnt.DeriveOptions([4]int{batch, srcLen, tgtLen, vocab}, batch, batch, 0, 0)
	if err != nil {
		log.Fatal().Err(err).Msg("Bad benchmark dimensions")
	}

	rng := rand.New(rand.NewSource(42))
	logits := make([]float32, opts.LogitElements())
	for i := range logits {
		logits[i] = float32(rng.NormFloat64())
	}
	targets := syntheticTargets(rng, opts.TargetElements(), vocab)
	srcLengths := make([]int32, opts.Pairs())
	tgtLengths := make([]int32, opts.Pairs())
	for i := range srcLengths {
		srcLengths[i] = int32(srcLen)
		tgtLengths[i] = int32(tgtLen)
	}

	ctx := context.Background()

	// Warm the scratch pools before timing.
	if _, err := engine.ComputeAlphas(ctx, opts, logits, targets, srcLengths, tgtLengths); err != nil {
		log.Fatal().Err(err).Msg("Benchmark warmup failed")
	}

	latencies := make([]float64, 0, iters)
	start := time.Now()
	for i := 0; i < iters; i++ {
		iterStart := time.Now()
		alphas, err := engine.ComputeAlphas(ctx, opts, logits, targets, srcLengths, tgtLengths)
		if err != nil {
			log.Fatal().Err(err).Msg("Benchmark iteration failed")
		}
		if _, err := engine.ForwardScores(opts, alphas, logits, srcLengths, tgtLengths); err != nil {
			log.Fatal().Err(err).Msg("Benchmark scoring failed")
		}
		latencies = append(latencies, time.Since(iterStart).Seconds())

		if (i+1)%50 == 0 {
			log.Info().Int("iter", i+1).Int("of", iters).Msg("Benchmark progress")
		}
	}
	total := time.Since(start)

	sort.Float64s(latencies)
	mean := stat.Mean(latencies, nil)
	sigma := stat.StdDev(latencies, nil)
	p50 := stat.Quantile(0.50, stat.Empirical, latencies, nil)
	p95 := stat.Quantile(0.95, stat.Empirical, latencies, nil)
	p99 := stat.Quantile(0.99, stat.Empirical, latencies, nil)

	cells := int64(opts.Pairs()) * int64(srcLen) * int64(tgtLen)
	throughput := float64(cells) * float64(iters) / total.Seconds()

	p := message.NewPrinter(language.English)
	log.Info().
		Int("iters", iters).
		Int("pairs", opts.Pairs()).
		Str("lattice", p.Sprintf("%dx%d over %d targets", srcLen, tgtLen, vocab)).
		Float64("mean_ms", mean*1e3).
		Float64("stddev_ms", sigma*1e3).
		Float64("p50_ms", p50*1e3).
		Float64("p95_ms", p95*1e3).
		Float64("p99_ms", p99*1e3).
		Str("cells_per_sec", p.Sprintf("%.0f", throughput)).
		Msg("Benchmark complete")
}
