//go:build ignore

package main

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/23skdu/longbow-bodkin/internal/arrowio"
	"github.com/23skdu/longbow-bodkin/internal/rnnt"
)

// Smoke test for a running Bodkin Flight server: sends one uniform
// 2x2 lattice through DoExchange and checks the returned loss.
func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	addr := "localhost:9090"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}

	log.Info().Str("addr", addr).Msg("Connecting to Bodkin Flight Server")

	// Retry connection loop
	var conn *grpc.ClientConn
	var err error

	for i := 0; i < 10; i++ {
		conn, err = grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
		if err == nil {
			break
		}
		log.Warn().Err(err).Msg("Connection failed, retrying...")
		time.Sleep(1 * time.Second)
	}
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect after retries")
	}
	defer conn.Close()
	fc := flight.NewClientFromConn(conn, nil)

	opts, err := rnnt.DeriveOptions([4]int{1, 2, 2, 3}, 1, 1, 2, 0)
	if err != nil {
		log.Fatal().Err(err).Msg("Bad dimensions")
	}

	logits := make([]float32, opts.LogitElements())
	for i := range logits {
		logits[i] = float32(-math.Ln2)
	}
	codec := arrowio.NewCodec(nil)
	rec, err := codec.EncodeRequest(arrowio.Request{
		Opts:       opts,
		Logits:     logits,
		Targets:    []int32{0},
		SrcLengths: []int32{2},
		TgtLengths: []int32{2},
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Encode failed")
	}
	defer rec.Release()

	start := time.Now()
	stream, err := fc.DoExchange(context.Background())
	if err != nil {
		log.Fatal().Err(err).Msg("DoExchange failed")
	}

	wr := flight.NewRecordWriter(stream, ipc.WithSchema(rec.Schema()))
	if err := wr.Write(rec); err != nil {
		log.Fatal().Err(err).Msg("Write failed")
	}
	if err := wr.Close(); err != nil {
		log.Fatal().Err(err).Msg("Writer close failed")
	}
	if err := stream.CloseSend(); err != nil {
		log.Fatal().Err(err).Msg("CloseSend failed")
	}

	rdr, err := flight.NewRecordReader(stream)
	if err != nil {
		log.Fatal().Err(err).Msg("Reader failed")
	}
	defer rdr.Release()
	if !rdr.Next() {
		log.Fatal().Err(rdr.Err()).Msg("No response batch")
	}
	resp, err := codec.DecodeResponse(rdr.Record())
	if err != nil {
		log.Fatal().Err(err).Msg("Decode failed")
	}
	elapsed := time.Since(start)

	log.Info().Dur("elapsed", elapsed).Msg("Received result batch")

	if len(resp.Scores) != 1 {
		log.Fatal().Int("got", len(resp.Scores)).Msg("Score count mismatch (expected 1)")
	}
	want := 2 * math.Ln2
	if math.Abs(float64(resp.Scores[0])-want) > 1e-5 {
		log.Fatal().Float32("score", resp.Scores[0]).Float64("want", want).Msg("Score mismatch")
	}
	log.Info().Float32("score", resp.Scores[0]).Msg("Score valid")

	fmt.Println("VERIFICATION PASSED")
}
