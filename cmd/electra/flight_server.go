package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/23skdu/longbow-electra/internal/client"
	"github.com/23skdu/longbow-electra/internal/embeddings"
)

// ElectraFlightServer encodes input records streamed over DoExchange.
type ElectraFlightServer struct {
	flight.BaseFlightServer
	encoder Encoder
	admit   admitFunc
	alloc   memory.Allocator
}

// NewElectraFlightServer returns a Flight service for encoder. When admit is
// non-nil every record is admitted through it before encoding.
func NewElectraFlightServer(encoder Encoder, admit admitFunc) *ElectraFlightServer {
	return &ElectraFlightServer{
		encoder: encoder,
		admit:   admit,
		alloc:   memory.NewGoAllocator(),
	}
}

// DoExchange reads records with input_ids (and optionally token_type_ids)
// and answers each with an (id, embedding) record.
func (s *ElectraFlightServer) DoExchange(stream flight.FlightService_DoExchangeServer) error {
	reader, err := flight.NewRecordReader(stream, ipc.WithAllocator(s.alloc))
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "failed to read input stream: %v", err)
	}
	defer reader.Release()

	if desc := reader.LatestFlightDescriptor(); desc != nil && desc.Type == flight.DescriptorCMD &&
		string(desc.Cmd) != client.ExchangeCommand {
		return status.Errorf(codes.InvalidArgument, "unknown command %q", desc.Cmd)
	}

	builder := client.NewRecordBatchBuilder(s.alloc)
	writer := flight.NewRecordWriter(stream,
		ipc.WithSchema(client.EmbeddingSchema(s.encoder.Dim())), ipc.WithAllocator(s.alloc))
	defer writer.Close()

	ctx := stream.Context()
	var total int64
	for reader.Next() {
		inputIDs, tokenTypeIDs, err := client.DecodeInputRecord(reader.Record())
		if err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
		if len(inputIDs) == 0 {
			continue
		}

		vecs, err := s.encode(ctx, embeddings.Batch{InputIDs: inputIDs, TokenTypeIDs: tokenTypeIDs})
		if err != nil {
			return err
		}
		vectorsProcessed.Add(float64(len(vecs)))

		rec, err := builder.BuildRecordBatch(vecs, total)
		if err != nil {
			return status.Error(codes.Internal, err.Error())
		}
		err = writer.Write(rec)
		rec.Release()
		if err != nil {
			return err
		}
		total += int64(len(vecs))
	}
	if err := reader.Err(); err != nil {
		return status.Errorf(codes.InvalidArgument, "failed to read input stream: %v", err)
	}

	log.Debug().Int64("rows", total).Msg("DoExchange complete")
	return nil
}

func (s *ElectraFlightServer) encode(ctx context.Context, batch embeddings.Batch) ([][]float32, error) {
	if s.admit != nil {
		release, httpStatus, err := s.admit(ctx, batch.Len())
		if err != nil {
			return nil, status.Error(admitCode(httpStatus), err.Error())
		}
		defer release()
	}
	vecs, err := s.encoder.Encode(ctx, batch)
	if err != nil {
		return nil, status.Error(grpcCode(err), err.Error())
	}
	return vecs, nil
}

func admitCode(httpStatus int) codes.Code {
	if httpStatus == http.StatusRequestEntityTooLarge {
		return codes.ResourceExhausted
	}
	return codes.Unavailable
}

func grpcCode(err error) codes.Code {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case encodeStatus(err) == http.StatusBadRequest:
		return codes.InvalidArgument
	default:
		return codes.Internal
	}
}

// NewFlightServer creates and binds a Flight server for encoder. Call Serve
// to start it.
func NewFlightServer(addr string, encoder Encoder, admit admitFunc) (flight.Server, error) {
	server := flight.NewServerWithMiddleware(nil)
	server.RegisterFlightService(NewElectraFlightServer(encoder, admit))
	if err := server.Init(addr); err != nil {
		return nil, fmt.Errorf("failed to init Flight server: %w", err)
	}
	return server, nil
}
