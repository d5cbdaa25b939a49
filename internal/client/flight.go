package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// ExchangeCommand is the descriptor command of an encode DoExchange.
const ExchangeCommand = "encode"

// FlightClient talks to Arrow Flight servers: it forwards embeddings with
// DoPut and requests remote encoding with DoExchange. Every call goes through
// a circuit breaker.
type FlightClient struct {
	client  flight.Client
	conn    *grpc.ClientConn
	breaker *CircuitBreaker
}

// Option configures a FlightClient.
type Option func(*FlightClient)

// WithCircuitBreaker replaces the default breaker.
func WithCircuitBreaker(cb *CircuitBreaker) Option {
	return func(c *FlightClient) {
		c.breaker = cb
	}
}

// NewFlightClient creates a Flight client for addr. The connection is
// established lazily on the first call.
func NewFlightClient(addr string, opts ...Option) (*FlightClient, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("failed to create flight connection to %s: %w", addr, err)
	}

	c := &FlightClient{
		client: flight.NewClientFromConn(conn, nil),
		conn:   conn,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.breaker == nil {
		c.breaker = NewCircuitBreaker(addr, 5, 30*time.Second)
	}
	return c, nil
}

// Breaker returns the breaker guarding this client.
func (c *FlightClient) Breaker() *CircuitBreaker {
	return c.breaker
}

// DoPut sends a record to the given dataset. It returns ErrCircuitOpen
// without contacting the server while the breaker is open.
func (c *FlightClient) DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	err := c.breaker.Execute(func() error {
		return c.doPut(ctx, datasetName, record)
	})
	observe("do_put", err)
	if err == nil {
		flightRows.Add(float64(record.NumRows()))
	} else if !errors.Is(err, ErrCircuitOpen) {
		log.Warn().Err(err).Str("dataset", datasetName).Msg("Flight DoPut failed")
	}
	return err
}

func (c *FlightClient) doPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error {
	stream, err := c.client.DoPut(ctx)
	if err != nil {
		return err
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(record.Schema()))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorPATH,
		Path: []string{datasetName},
	})
	if err := writer.Write(record); err != nil {
		_ = writer.Close()
		return err
	}
	if err := writer.Close(); err != nil {
		return err
	}
	if err := stream.CloseSend(); err != nil {
		return err
	}

	// Drain put results so server-side errors surface here.
	for {
		if _, err := stream.Recv(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

// Exchange sends one input record with DoExchange and collects the records
// the server streams back. Callers must release the returned records.
func (c *FlightClient) Exchange(ctx context.Context, record arrow.RecordBatch) ([]arrow.RecordBatch, error) {
	var out []arrow.RecordBatch
	err := c.breaker.Execute(func() error {
		var err error
		out, err = c.exchange(ctx, record)
		return err
	})
	observe("do_exchange", err)
	return out, err
}

func (c *FlightClient) exchange(ctx context.Context, record arrow.RecordBatch) ([]arrow.RecordBatch, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.client.DoExchange(ctx)
	if err != nil {
		return nil, err
	}

	writer := flight.NewRecordWriter(stream, ipc.WithSchema(record.Schema()))
	writer.SetFlightDescriptor(&flight.FlightDescriptor{
		Type: flight.DescriptorCMD,
		Cmd:  []byte(ExchangeCommand),
	})
	if err := writer.Write(record); err != nil {
		_ = writer.Close()
		return nil, err
	}
	if err := writer.Close(); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return nil, err
	}
	defer reader.Release()

	var out []arrow.RecordBatch
	for reader.Next() {
		rec := reader.Record()
		rec.Retain()
		out = append(out, rec)
	}
	if err := reader.Err(); err != nil && !errors.Is(err, io.EOF) {
		for _, rec := range out {
			rec.Release()
		}
		return nil, err
	}
	return out, nil
}

// Close closes the client connection.
func (c *FlightClient) Close() error {
	return c.conn.Close()
}

func observe(method string, err error) {
	switch {
	case err == nil:
		flightCalls.WithLabelValues(method, "ok").Inc()
	case errors.Is(err, ErrCircuitOpen):
		flightCalls.WithLabelValues(method, "rejected").Inc()
	default:
		flightCalls.WithLabelValues(method, "error").Inc()
	}
}
