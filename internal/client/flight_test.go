package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockFlightServer struct {
	flight.BaseFlightServer
	mu       sync.Mutex
	datasets []string
	rows     int64
	failPut  bool
}

func (s *mockFlightServer) DoPut(server flight.FlightService_DoPutServer) error {
	if s.failPut {
		return errors.New("dataset is read-only")
	}
	reader, err := flight.NewRecordReader(server)
	if err != nil {
		return err
	}
	defer reader.Release()

	// The descriptor rides on the first message only.
	s.mu.Lock()
	if desc := reader.LatestFlightDescriptor(); desc != nil {
		s.datasets = append(s.datasets, desc.Path...)
	}
	s.mu.Unlock()

	for reader.Next() {
		s.mu.Lock()
		s.rows += reader.Record().NumRows()
		s.mu.Unlock()
	}
	return reader.Err()
}

// DoExchange answers every input row with a one-element vector holding the
// sequence length.
func (s *mockFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	reader, err := flight.NewRecordReader(stream)
	if err != nil {
		return err
	}
	defer reader.Release()

	builder := NewRecordBatchBuilder(memory.NewGoAllocator())
	writer := flight.NewRecordWriter(stream, ipc.WithSchema(EmbeddingSchema(1)))
	defer writer.Close()

	var next int64
	for reader.Next() {
		ids, _, err := DecodeInputRecord(reader.Record())
		if err != nil {
			return err
		}
		vecs := make([][]float32, len(ids))
		for i, row := range ids {
			vecs[i] = []float32{float32(len(row))}
		}
		out, err := builder.BuildRecordBatch(vecs, next)
		if err != nil {
			return err
		}
		next += int64(len(vecs))
		err = writer.Write(out)
		out.Release()
		if err != nil {
			return err
		}
	}
	return reader.Err()
}

func startMockServer(t *testing.T, mock *mockFlightServer) string {
	t.Helper()
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(mock)
	require.NoError(t, server.Init("localhost:0"))
	go func() {
		_ = server.Serve()
	}()
	t.Cleanup(server.Shutdown)
	return server.Addr().String()
}

func TestFlightClient_DoPut(t *testing.T) {
	mock := &mockFlightServer{}
	addr := startMockServer(t, mock)

	client, err := NewFlightClient(addr)
	require.NoError(t, err)
	defer client.Close()

	builder := NewRecordBatchBuilder(memory.NewGoAllocator())
	rb, err := builder.BuildRecordBatch([][]float32{{1, 2}, {3, 4}}, 0)
	require.NoError(t, err)
	defer rb.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, client.DoPut(ctx, "test-dataset", rb))

	mock.mu.Lock()
	defer mock.mu.Unlock()
	assert.Equal(t, int64(2), mock.rows)
	assert.Equal(t, []string{"test-dataset"}, mock.datasets)
	assert.Equal(t, StateClosed, client.Breaker().State())
}

func TestFlightClient_DoPutOpensBreaker(t *testing.T) {
	addr := startMockServer(t, &mockFlightServer{failPut: true})

	client, err := NewFlightClient(addr, WithCircuitBreaker(NewCircuitBreaker("put-test", 2, time.Minute)))
	require.NoError(t, err)
	defer client.Close()

	builder := NewRecordBatchBuilder(memory.NewGoAllocator())
	rb, err := builder.BuildRecordBatch([][]float32{{1}}, 0)
	require.NoError(t, err)
	defer rb.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 2; i++ {
		err := client.DoPut(ctx, "ds", rb)
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrCircuitOpen)
	}
	assert.Equal(t, StateOpen, client.Breaker().State())
	require.ErrorIs(t, client.DoPut(ctx, "ds", rb), ErrCircuitOpen)
}

func TestFlightClient_Exchange(t *testing.T) {
	addr := startMockServer(t, &mockFlightServer{})

	client, err := NewFlightClient(addr)
	require.NoError(t, err)
	defer client.Close()

	builder := NewRecordBatchBuilder(memory.NewGoAllocator())
	in, err := builder.BuildInputRecord([][]int{{1, 2, 3}, {4}}, nil)
	require.NoError(t, err)
	defer in.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := client.Exchange(ctx, in)
	require.NoError(t, err)
	defer func() {
		for _, rec := range out {
			rec.Release()
		}
	}()

	var vecs [][]float32
	for _, rec := range out {
		v, err := DecodeEmbeddings(rec)
		require.NoError(t, err)
		vecs = append(vecs, v...)
	}
	assert.Equal(t, [][]float32{{3}, {1}}, vecs)
}

func TestFlightClient_Unreachable(t *testing.T) {
	client, err := NewFlightClient("127.0.0.1:1", WithCircuitBreaker(NewCircuitBreaker("unreachable", 1, time.Minute)))
	require.NoError(t, err)
	defer client.Close()

	rb, err := NewRecordBatchBuilder(memory.NewGoAllocator()).BuildRecordBatch([][]float32{{1}}, 0)
	require.NoError(t, err)
	defer rb.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.Error(t, client.DoPut(ctx, "ds", rb))
	require.ErrorIs(t, client.DoPut(ctx, "ds", rb), ErrCircuitOpen)
}
