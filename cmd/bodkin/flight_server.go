package main

import (
	"context"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"

	"github.com/23skdu/longbow-bodkin/internal/arrowio"
	"github.com/23skdu/longbow-bodkin/internal/rnnt"
)

type BodkinFlightServer struct {
	flight.BaseFlightServer
	engine *rnnt.Engine
	codec  *arrowio.Codec
	sink   ScoreSink
	alloc  memory.Allocator
}

func NewBodkinFlightServer(engine *rnnt.Engine, sink ScoreSink) *BodkinFlightServer {
	return &BodkinFlightServer{
		engine: engine,
		codec:  arrowio.NewCodec(nil),
		sink:   sink,
		alloc:  memory.NewGoAllocator(),
	}
}

// DoExchange answers each request batch with its result batch on the
// same stream.
func (s *BodkinFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	ctx := stream.Context()

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	var writer *flight.Writer
	for reader.Next() {
		rec := reader.Record()

		req, err := s.codec.DecodeRequest(rec)
		if err != nil {
			return err
		}

		out, err := computeResponseRecord(ctx, s.engine, s.codec, req)
		if err != nil {
			return err
		}

		if writer == nil {
			writer = flight.NewRecordWriter(stream, ipc.WithSchema(out.Schema()), ipc.WithAllocator(s.alloc))
			defer writer.Close()
		}
		err = writer.Write(out)
		out.Release()
		if err != nil {
			return err
		}
	}
	return reader.Err()
}

// DoPut is the fire-and-forget scoring sink: request batches come in,
// losses go to the Longbow dataset, nothing comes back.
func (s *BodkinFlightServer) DoPut(stream flight.FlightService_DoPutServer) error {
	ctx := stream.Context()

	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return err
	}
	defer reader.Release()

	for reader.Next() {
		rec := reader.Record()

		req, err := s.codec.DecodeRequest(rec)
		if err != nil {
			return err
		}

		scores, err := computeScores(ctx, s.engine, req)
		if err != nil {
			return err
		}
		log.Info().Int64("rows", rec.NumRows()).Int("pairs", len(scores)).Msg("DoPut scored batch")

		if s.sink != nil {
			if err := s.sink.PushScores(ctx, scores, req.SrcLengths, req.TgtLengths); err != nil {
				log.Error().Err(err).Msg("Error forwarding scores to Longbow")
			}
		}
	}
	return reader.Err()
}

// computeResponseRecord is the full alpha-plus-score round trip shared
// by DoExchange and the HTTP arrow handler's semantics.
func computeResponseRecord(ctx context.Context, engine *rnnt.Engine, codec *arrowio.Codec, req arrowio.Request) (arrow.RecordBatch, error) {
	opts := req.Opts
	if req.Wide() {
		alphas, err := engine.ComputeAlphas64(ctx, opts, req.Logits64, req.Targets, req.SrcLengths, req.TgtLengths)
		if err != nil {
			return nil, err
		}
		scores, err := engine.ForwardScores64(opts, alphas, req.Logits64, req.SrcLengths, req.TgtLengths)
		if err != nil {
			return nil, err
		}
		return codec.EncodeResponse64(opts, alphas, scores)
	}
	alphas, err := engine.ComputeAlphas(ctx, opts, req.Logits, req.Targets, req.SrcLengths, req.TgtLengths)
	if err != nil {
		return nil, err
	}
	scores, err := engine.ForwardScores(opts, alphas, req.Logits, req.SrcLengths, req.TgtLengths)
	if err != nil {
		return nil, err
	}
	return codec.EncodeResponse(opts, alphas, scores)
}

// computeScores sweeps the lattice purely for its losses.
func computeScores(ctx context.Context, engine *rnnt.Engine, req arrowio.Request) ([]float32, error) {
	opts := req.Opts
	if req.Wide() {
		alphas, err := engine.ComputeAlphas64(ctx, opts, req.Logits64, req.Targets, req.SrcLengths, req.TgtLengths)
		if err != nil {
			return nil, err
		}
		scores, err := engine.ForwardScores64(opts, alphas, req.Logits64, req.SrcLengths, req.TgtLengths)
		if err != nil {
			return nil, err
		}
		return narrowScores(scores), nil
	}
	alphas, err := engine.ComputeAlphas(ctx, opts, req.Logits, req.Targets, req.SrcLengths, req.TgtLengths)
	if err != nil {
		return nil, err
	}
	return engine.ForwardScores(opts, alphas, req.Logits, req.SrcLengths, req.TgtLengths)
}

func StartFlightServer(addr string, engine *rnnt.Engine, sink ScoreSink) {
	// The generic Flight server manages the GRPC lifecycle
	server := flight.NewFlightServer()

	server.RegisterFlightService(NewBodkinFlightServer(engine, sink))

	// Init handles the listener creation internally
	if err := server.Init(addr); err != nil {
		log.Fatal().Err(err).Msg("Failed to init Flight server")
	}

	log.Info().Str("addr", addr).Msg("Starting Bodkin Flight Server")
	if err := server.Serve(); err != nil {
		log.Fatal().Err(err).Msg("Flight server failed")
	}
}
