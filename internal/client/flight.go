// Package client pushes computed lattice scores to a Longbow server
// over Apache Arrow Flight, shedding load when the server is unhealthy.
package client

import (
	"context"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// FlightClient handles communication with a Longbow server via Apache Flight.
type FlightClient struct {
	client flight.Client
	conn   *grpc.ClientConn
}

// NewFlightClient creates a new Flight client connected to the given address.
func NewFlightClient(addr string) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}

	client := flight.NewClientFromConn(conn, nil)
	return &FlightClient{
		client: client,
		conn:   conn,
	}, nil
}

// DoPut sends a RecordBatch to the given dataset on the Longbow server.
// DoPut opens with a FlightDescriptor, which the record writer carries
// in its first message.
func (c *FlightClient) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	desc := &flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{datasetName},
	}

	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return err
	}

	writer := flight.NewRecordWriter(stream)
	writer.SetFlightDescriptor(desc)

	if err := writer.Write(record); err != nil {
		writer.Close()
		return err
	}

	return writer.Close()
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}

// Pusher forwards score batches to a Longbow dataset behind a Breaker,
// so a flapping downstream degrades into dropped pushes instead of
// piled-up timeouts.
type Pusher struct {
	fc      *FlightClient
	builder *ScoreBatchBuilder
	breaker *Breaker
	dataset string
}

// NewPusher dials the Longbow server at addr and targets dataset.
func NewPusher(addr, dataset string, failureThreshold int, cooldown time.Duration) (*Pusher, error) {
	fc, err := NewFlightClient(addr)
	if err != nil {
		return nil, err
	}
	return &Pusher{
		fc:      fc,
		builder: NewScoreBatchBuilder(nil),
		breaker: NewBreaker(failureThreshold, cooldown),
		dataset: dataset,
	}, nil
}

// PushScores ships one scoring pass downstream. Returns ErrPushRejected
// without attempting the write while the breaker is open.
func (p *Pusher) PushScores(ctx context.Context, scores []float32, srcLengths, tgtLengths []int32) error {
	record, err := p.builder.Build(scores, srcLengths, tgtLengths)
	if err != nil {
		return err
	}
	if record == nil {
		return nil
	}
	defer record.Release()

	return p.breaker.Do(func() error {
		return p.fc.DoPut(ctx, p.dataset, record)
	})
}

// Rejecting reports whether the breaker is currently shedding pushes.
func (p *Pusher) Rejecting() bool {
	return p.breaker.Open()
}

// Close closes the underlying Flight connection.
func (p *Pusher) Close() error {
	return p.fc.Close()
}
