package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-bodkin/internal/arrowio"
	"github.com/23skdu/longbow-bodkin/internal/rnnt"
	"github.com/23skdu/longbow-bodkin/internal/simd"
)

var (
	pairsScored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bodkin_pairs_scored_total",
		Help: "The total number of (batch, hypothesis) pairs swept",
	})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bodkin_request_duration_seconds",
		Help:    "Time spent processing compute requests",
		Buckets: prometheus.DefBuckets,
	})

	// In-flight gauge is registered in startServer to capture the server closure
)

// ScoreSink receives computed losses, typically a Longbow pusher.
type ScoreSink interface {
	PushScores(ctx context.Context, scores []float32, srcLengths, tgtLengths []int32) error
	Close() error
}

// ComputeRequest is the CBOR body of POST /compute. Exactly one of
// Logits and Logits64 must be set. LogitShape is [batch, maxSrcLen,
// maxTgtLen, numTargets]; hypotheses per batch element follow from the
// length of the lengths slices.
type ComputeRequest struct {
	Logits     []float32 `cbor:"logits,omitempty"`
	Logits64   []float64 `cbor:"logits64,omitempty"`
	LogitShape [4]int    `cbor:"logit_shape"`
	Targets    []int32   `cbor:"targets"`
	SrcLengths []int32   `cbor:"src_lengths"`
	TgtLengths []int32   `cbor:"tgt_lengths"`
	Blank      int32     `cbor:"blank"`
	Clamp      float64   `cbor:"clamp,omitempty"`
	Device     string    `cbor:"device,omitempty"`
	WantScores bool      `cbor:"want_scores,omitempty"`
}

// ComputeResponse mirrors the request dtype.
type ComputeResponse struct {
	Alphas     []float32 `cbor:"alphas,omitempty"`
	Alphas64   []float64 `cbor:"alphas64,omitempty"`
	AlphaShape [3]int    `cbor:"alpha_shape"`
	Scores     []float32 `cbor:"scores,omitempty"`
	Scores64   []float64 `cbor:"scores64,omitempty"`
}

type Server struct {
	engine   *rnnt.Engine
	sink     ScoreSink
	codec    *arrowio.Codec
	alloc    memory.Allocator
	sem      *semaphore.Weighted
	maxCells int64
	inflight atomic.Int64
}

func NewServer(engine *rnnt.Engine, sink ScoreSink, maxCells int64) *Server {
	if maxCells <= 0 {
		maxCells = 1 << 28
	}
	return &Server{
		engine:   engine,
		sink:     sink,
		codec:    arrowio.NewCodec(nil),
		alloc:    memory.NewGoAllocator(),
		sem:      semaphore.NewWeighted(maxCells),
		maxCells: maxCells,
	}
}

func startServer(addr string, engine *rnnt.Engine, sink ScoreSink, maxCells int64) {
	srv := NewServer(engine, sink, maxCells)

	prometheus.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "bodkin_active_cells",
			Help: "Lattice cells currently admitted for computation",
		},
		func() float64 {
			return float64(srv.inflight.Load())
		},
	))

	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/compute", srv.handleCompute)
	http.HandleFunc("/compute/arrow", srv.handleComputeArrow)

	http.HandleFunc("/health", srv.handleHealth)

	log.Info().Str("addr", addr).Msg("Starting Bodkin Server")
	if sink != nil {
		log.Info().Msg("Forwarding scores to Longbow at specified server address")
	}

	if err := http.ListenAndServe(addr, nil); err != nil {
		log.Fatal().Err(err).Msg("Server failed")
	}
}

var tracer = otel.Tracer("bodkin-server")

// statusFor maps the engine error taxonomy onto HTTP: malformed
// problems are the client's fault, wrong-device inputs are
// unprocessable, everything else is ours.
func statusFor(err error) int {
	switch {
	case errors.Is(err, rnnt.ErrShape), errors.Is(err, rnnt.ErrUnsupportedDtype):
		return http.StatusBadRequest
	case errors.Is(err, rnnt.ErrDeviceMismatch):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func parseDevice(s string) (rnnt.Device, error) {
	switch strings.ToLower(s) {
	case "", "cpu":
		return rnnt.DeviceCPU, nil
	case "gpu", "cuda", "metal":
		return rnnt.DeviceGPU, nil
	default:
		return 0, fmt.Errorf("unknown device %q: %w", s, rnnt.ErrDeviceMismatch)
	}
}

// admit reserves the request's padded lattice cells against the
// server-wide budget. Oversized requests fail immediately; the rest
// queue until capacity frees up or the client goes away. The explicit
// over-budget check matters: Acquire with a weight above the semaphore
// size blocks until the context ends instead of erroring.
func (s *Server) admit(ctx context.Context, cells int64) (func(), error) {
	if cells > s.maxCells {
		return nil, fmt.Errorf("lattice of %d cells exceeds the %d cell budget", cells, s.maxCells)
	}
	if err := s.sem.Acquire(ctx, cells); err != nil {
		return nil, err
	}
	s.inflight.Add(cells)
	return func() {
		s.inflight.Add(-cells)
		s.sem.Release(cells)
	}, nil
}

func (s *Server) handleCompute(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleCompute", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req ComputeRequest
	decoder := cbor.NewDecoder(r.Body)
	if err := decoder.Decode(&req); err != nil {
		span.RecordError(err)
		http.Error(w, fmt.Sprintf("Bad Request (CBOR decode): %v", err), http.StatusBadRequest)
		return
	}

	if (len(req.Logits) == 0) == (len(req.Logits64) == 0) {
		http.Error(w, "exactly one of logits/logits64 must be set", http.StatusBadRequest)
		return
	}

	opts, err := rnnt.DeriveOptions(req.LogitShape, len(req.SrcLengths), len(req.TgtLengths), req.Blank, req.Clamp)
	if err != nil {
		span.RecordError(err)
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	if opts.Device, err = parseDevice(req.Device); err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	span.SetAttributes(
		attribute.Int("pairs", opts.Pairs()),
		attribute.Int("cells", opts.LatticeElements()),
	)

	// Admission control
	release, err := s.admit(ctx, int64(opts.LatticeElements()))
	if err != nil {
		log.Error().Err(err).Msg("Failed to acquire lattice budget")
		http.Error(w, "Server busy", http.StatusServiceUnavailable)
		return
	}
	defer release()

	var resp ComputeResponse
	resp.AlphaShape = [3]int{opts.Pairs(), opts.MaxSrcLen, opts.MaxTgtLen}

	if len(req.Logits64) > 0 {
		alphas, err := s.engine.ComputeAlphas64(ctx, opts, req.Logits64, req.Targets, req.SrcLengths, req.TgtLengths)
		if err != nil {
			span.RecordError(err)
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		scores, err := s.engine.ForwardScores64(opts, alphas, req.Logits64, req.SrcLengths, req.TgtLengths)
		if err != nil {
			span.RecordError(err)
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		resp.Alphas64 = alphas
		if req.WantScores {
			resp.Scores64 = scores
		}
		s.forward(ctx, narrowScores(scores), req.SrcLengths, req.TgtLengths)
	} else {
		alphas, err := s.engine.ComputeAlphas(ctx, opts, req.Logits, req.Targets, req.SrcLengths, req.TgtLengths)
		if err != nil {
			span.RecordError(err)
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		scores, err := s.engine.ForwardScores(opts, alphas, req.Logits, req.SrcLengths, req.TgtLengths)
		if err != nil {
			span.RecordError(err)
			http.Error(w, err.Error(), statusFor(err))
			return
		}
		resp.Alphas = alphas
		if req.WantScores {
			resp.Scores = scores
		}
		s.forward(ctx, scores, req.SrcLengths, req.TgtLengths)
	}

	pairsScored.Add(float64(opts.Pairs()))

	w.Header().Set("Content-Type", "application/cbor")
	if err := cbor.NewEncoder(w).Encode(resp); err != nil {
		log.Error().Err(err).Msg("Failed to encode CBOR response")
	}
}

func narrowScores(scores []float64) []float32 {
	return simd.Narrowed(scores)
}

// forward ships scores downstream, logging failures instead of failing
// the request: the caller already has its result.
func (s *Server) forward(ctx context.Context, scores []float32, srcLengths, tgtLengths []int32) {
	if s.sink == nil {
		return
	}
	if err := s.sink.PushScores(ctx, scores, srcLengths, tgtLengths); err != nil {
		log.Error().Err(err).Msg("Error forwarding scores to Longbow")
	}
}

func (s *Server) handleComputeArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleComputeArrow", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	reader, err := ipc.NewReader(r.Body, ipc.WithAllocator(s.alloc))
	if err != nil {
		http.Error(w, fmt.Sprintf("Failed to create IPC reader: %v", err), http.StatusBadRequest)
		return
	}
	defer reader.Release()

	var writer *ipc.Writer
	totalPairs := 0

	for reader.Next() {
		rec := reader.Record()

		req, err := s.codec.DecodeRequest(rec)
		if err != nil {
			span.RecordError(err)
			if writer == nil {
				http.Error(w, err.Error(), statusFor(err))
			} else {
				log.Error().Err(err).Msg("Bad request batch mid-stream")
			}
			return
		}
		opts := req.Opts

		release, err := s.admit(ctx, int64(opts.LatticeElements()))
		if err != nil {
			log.Error().Err(err).Msg("Failed to acquire lattice budget for arrow batch")
			if writer == nil {
				http.Error(w, "Server busy", http.StatusServiceUnavailable)
			}
			return
		}

		out, err := s.computeRecord(ctx, req)
		release()
		if err != nil {
			span.RecordError(err)
			if writer == nil {
				http.Error(w, err.Error(), statusFor(err))
			} else {
				log.Error().Err(err).Msg("Compute failed mid-stream")
			}
			return
		}

		if writer == nil {
			w.Header().Set("Content-Type", "application/vnd.apache.arrow.stream")
			writer = ipc.NewWriter(w, ipc.WithSchema(out.Schema()), ipc.WithAllocator(s.alloc))
			defer writer.Close()
		}
		err = writer.Write(out)
		out.Release()
		if err != nil {
			log.Error().Err(err).Msg("Failed to write result batch")
			return
		}
		totalPairs += opts.Pairs()
	}

	if reader.Err() != nil {
		log.Error().Err(reader.Err()).Msg("Error reading Arrow stream")
		if writer == nil {
			http.Error(w, "Stream error", http.StatusBadRequest)
		}
		return
	}
	if writer == nil {
		http.Error(w, "empty request stream", http.StatusBadRequest)
		return
	}

	pairsScored.Add(float64(totalPairs))
	span.SetAttributes(attribute.Int("pairs", totalPairs))
}

// computeRecord runs one decoded batch through the engine and encodes
// the result. The response record's zero-copy buffers stay valid
// because the alpha and score slices are freshly allocated per call and
// referenced by the record until released.
func (s *Server) computeRecord(ctx context.Context, req arrowio.Request) (arrow.RecordBatch, error) {
	opts := req.Opts
	if req.Wide() {
		alphas, err := s.engine.ComputeAlphas64(ctx, opts, req.Logits64, req.Targets, req.SrcLengths, req.TgtLengths)
		if err != nil {
			return nil, err
		}
		scores, err := s.engine.ForwardScores64(opts, alphas, req.Logits64, req.SrcLengths, req.TgtLengths)
		if err != nil {
			return nil, err
		}
		s.forward(ctx, narrowScores(scores), req.SrcLengths, req.TgtLengths)
		return s.codec.EncodeResponse64(opts, alphas, scores)
	}

	alphas, err := s.engine.ComputeAlphas(ctx, opts, req.Logits, req.Targets, req.SrcLengths, req.TgtLengths)
	if err != nil {
		return nil, err
	}
	scores, err := s.engine.ForwardScores(opts, alphas, req.Logits, req.SrcLengths, req.TgtLengths)
	if err != nil {
		return nil, err
	}
	s.forward(ctx, scores, req.SrcLengths, req.TgtLengths)
	return s.codec.EncodeResponse(opts, alphas, scores)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
