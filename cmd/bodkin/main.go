package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"runtime/pprof"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"

	"github.com/23skdu/longbow-bodkin/internal/arrowio"
	"github.com/23skdu/longbow-bodkin/internal/client"
	"github.com/23skdu/longbow-bodkin/internal/rnnt"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

var (
	listenAddr  = flag.String("listen", "", "Address to listen on for HTTP server (e.g. :8080)")
	flightAddr  = flag.String("flight", "", "Address to listen on for Flight server (e.g. :9090)")
	serverAddr  = flag.String("server", "", "Longbow server address to push scores to (e.g., localhost:3000)")
	datasetName = flag.String("dataset", "bodkin_scores", "Target dataset name on the Longbow server")
	workers     = flag.Int("workers", 0, "Lattice sweep workers (0 = NumCPU)")
	wide        = flag.Bool("wide", false, "Accumulate float32 lattices in float64")
	cpuProfile  = flag.String("cpuprofile", "", "Write cpu profile to file")
	enableOTel  = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	flagMaxMem  = flag.String("max-mem", "1GB", "Maximum lattice memory in flight for admission control (e.g. 1GB, 512MB)")

	benchIters = flag.Int("bench", 0, "Run N benchmark iterations and exit")
	benchBatch = flag.Int("bench-batch", 8, "Benchmark batch size")
	benchSrc   = flag.Int("bench-src", 128, "Benchmark max source length")
	benchTgt   = flag.Int("bench-tgt", 64, "Benchmark max target length")
	benchVocab = flag.Int("bench-vocab", 256, "Benchmark vocabulary size")
)

func parseBytes(s string) int64 {
	// 1GB, 100MB, 1024
	if s == "" || s == "0" {
		return 0
	}
	var val int64
	var unit string
	fmt.Sscanf(s, "%d%s", &val, &unit)

	switch unit {
	case "GB", "G":
		return val * 1024 * 1024 * 1024
	case "MB", "M":
		return val * 1024 * 1024
	case "KB", "K":
		return val * 1024
	default:
		return val
	}
}

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	engineOpts := []rnnt.EngineOption{}
	if *workers > 0 {
		engineOpts = append(engineOpts, rnnt.WithWorkers(*workers))
	}
	if *wide {
		engineOpts = append(engineOpts, rnnt.WithWideAccumulation())
	}
	engine := rnnt.NewEngine(engineOpts...)

	if *benchIters > 0 {
		runBench(engine, *benchIters, *benchBatch, *benchSrc, *benchTgt, *benchVocab)
		return
	}

	var sink ScoreSink
	if *serverAddr != "" {
		pusher, err := client.NewPusher(*serverAddr, *datasetName, 5, 10*time.Second)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create Longbow pusher")
		}
		defer pusher.Close()
		log.Info().Str("addr", *serverAddr).Str("dataset", *datasetName).Msg("Connected to Longbow")
		sink = pusher
	}

	// Server mode
	if *listenAddr != "" {
		// Admission weight is lattice cells; float32 cells dominate, so
		// budget in cells is bytes over four.
		maxMemBytes := parseBytes(*flagMaxMem)
		maxCells := maxMemBytes / 4
		log.Info().Str("max_mem", *flagMaxMem).Int64("cells", maxCells).Msg("Lattice admission control")

		go startServer(*listenAddr, engine, sink, maxCells)
		if *flightAddr == "" {
			select {}
		}
	}

	if *flightAddr != "" {
		StartFlightServer(*flightAddr, engine, sink)
		return
	}

	// One-shot mode: sweep a synthetic batch and ship the result, the
	// same smoke path the servers run per request.
	demoCompute(engine, sink)
}

func demoCompute(engine *rnnt.Engine, sink ScoreSink) {
	shape := [4]int{2, 8, 5, 16}
	opts, err := rnnt.DeriveOptions(shape, 2, 2, 0, 0)
	if err != nil {
		log.Fatal().Err(err).Msg("Bad demo dimensions")
	}

	rng := rand.New(rand.NewSource(1))
	logits := make([]float32, opts.LogitElements())
	for i := range logits {
		logits[i] = float32(rng.NormFloat64())
	}
	targets := make([]int32, opts.TargetElements())
	for i := range targets {
		targets[i] = int32(1 + rng.Intn(opts.NumTargets-1))
	}
	srcLengths := []int32{8, 6}
	tgtLengths := []int32{5, 3}

	ctx := context.Background()
	start := time.Now()
	alphas, err := engine.ComputeAlphas(ctx, opts, logits, targets, srcLengths, tgtLengths)
	if err != nil {
		log.Fatal().Err(err).Msg("Compute failed")
	}
	scores, err := engine.ForwardScores(opts, alphas, logits, srcLengths, tgtLengths)
	if err != nil {
		log.Fatal().Err(err).Msg("Scoring failed")
	}
	elapsed := time.Since(start)

	log.Info().
		Int("pairs", opts.Pairs()).
		Int("cells", opts.LatticeElements()).
		Dur("elapsed", elapsed).
		Float32("first_score", scores[0]).
		Msg("Swept lattice batch")

	if sink != nil {
		ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
		defer cancel()
		if err := sink.PushScores(ctx, scores, srcLengths, tgtLengths); err != nil {
			log.Fatal().Err(err).Msg("Flight DoPut failed")
		}
		log.Info().Msg("Successfully sent scores to Longbow")
		return
	}

	rec, err := arrowio.NewCodec(nil).EncodeResponse(opts, alphas, scores)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to encode result")
	}
	defer rec.Release()
	if err := writeArrowStream(os.Stdout, rec); err != nil {
		log.Warn().Err(err).Msg("Failed to write arrow stream")
	}
}

func writeArrowStream(w *os.File, rec arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("bodkin"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
