package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/23skdu/longbow-electra/internal/client"
	"github.com/23skdu/longbow-electra/internal/config"
	"github.com/23skdu/longbow-electra/internal/embeddings"
	"github.com/23skdu/longbow-electra/internal/embeddings/model"
)

var (
	vectorsProcessed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "electra_vectors_processed_total",
		Help: "The total number of vectors returned to clients",
	})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "electra_request_duration_seconds",
		Help:    "Time spent processing encode requests",
		Buckets: prometheus.DefBuckets,
	}, []string{"handler", "code"})

	forwardErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "electra_downstream_forward_errors_total",
		Help: "Vector batches that could not be forwarded downstream",
	})
)

const arrowStreamContentType = "application/vnd.apache.arrow.stream"

// Encoder is the part of embeddings.Encoder the servers use.
type Encoder interface {
	Encode(ctx context.Context, batch embeddings.Batch) ([][]float32, error)
	Dim() int
}

// Forwarder sends encoded vectors to a downstream dataset.
type Forwarder interface {
	DoPut(ctx context.Context, datasetName string, record arrow.RecordBatch) error
	Close() error
}

// EncodeResponse is the CBOR body returned by /encode.
type EncodeResponse struct {
	Embeddings [][]float32 `cbor:"embeddings"`
	Dim        int         `cbor:"dim"`
}

type Server struct {
	encoder      Encoder
	forwarder    Forwarder
	datasetName  string
	alloc        memory.Allocator
	sem          *semaphore.Weighted
	maxSequences int64
	maxBodyBytes int64
}

func NewServer(encoder Encoder, fwd Forwarder, dataset string, maxConcurrent int, maxBodyBytes int64) *Server {
	return &Server{
		encoder:      encoder,
		forwarder:    fwd,
		datasetName:  dataset,
		alloc:        memory.NewGoAllocator(),
		sem:          semaphore.NewWeighted(int64(maxConcurrent)),
		maxSequences: int64(maxConcurrent),
		maxBodyBytes: maxBodyBytes,
	}
}

// Handler returns the HTTP routes of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/encode", s.handleEncode)
	mux.HandleFunc("/encode/arrow", s.handleEncodeArrow)
	mux.HandleFunc("/health", s.handleHealth)
	return s.withRequestID(mux)
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		ctx := log.Logger.With().Str("request_id", id).Logger().WithContext(r.Context())
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

var tracer = otel.Tracer("electra-server")

func (s *Server) handleEncode(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleEncode", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	code := http.StatusOK
	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("encode", strconv.Itoa(code)).Observe(time.Since(start).Seconds())
	}()
	fail := func(status int, err error) {
		code = status
		span.RecordError(err)
		log.Ctx(ctx).Warn().Err(err).Int("status", status).Msg("Encode request failed")
		http.Error(w, err.Error(), status)
	}

	if r.Method != http.MethodPost {
		code = http.StatusMethodNotAllowed
		http.Error(w, "Method not allowed", code)
		return
	}

	var batch embeddings.Batch
	decoder := cbor.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err := decoder.Decode(&batch); err != nil {
		fail(http.StatusBadRequest, fmt.Errorf("bad request (CBOR decode): %w", err))
		return
	}
	span.SetAttributes(attribute.Int("sequence_count", batch.Len()))

	release, status, err := s.admit(ctx, batch.Len())
	if err != nil {
		fail(status, err)
		return
	}
	defer release()

	vecs, err := s.encoder.Encode(ctx, batch)
	if err != nil {
		fail(encodeStatus(err), err)
		return
	}
	vectorsProcessed.Add(float64(len(vecs)))
	s.forward(ctx, vecs, 0)

	body, err := cbor.Marshal(EncodeResponse{Embeddings: vecs, Dim: s.encoder.Dim()})
	if err != nil {
		fail(http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/cbor")
	_, _ = w.Write(body)
}

// handleEncodeArrow reads an Arrow IPC stream of input records and answers
// with an IPC stream of (id, embedding) records, one per input record.
func (s *Server) handleEncodeArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleEncodeArrow", trace.WithSpanKind(trace.SpanKindServer))
	defer span.End()

	code := http.StatusOK
	start := time.Now()
	defer func() {
		requestDuration.WithLabelValues("encode_arrow", strconv.Itoa(code)).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		code = http.StatusMethodNotAllowed
		http.Error(w, "Method not allowed", code)
		return
	}

	reader, err := ipc.NewReader(http.MaxBytesReader(w, r.Body, s.maxBodyBytes), ipc.WithAllocator(s.alloc))
	if err != nil {
		code = http.StatusBadRequest
		http.Error(w, fmt.Sprintf("Failed to create IPC reader: %v", err), code)
		return
	}
	defer reader.Release()

	builder := client.NewRecordBatchBuilder(s.alloc)
	var writer *ipc.Writer
	var total int64
	abort := func(status int, err error) {
		span.RecordError(err)
		log.Ctx(ctx).Warn().Err(err).Int64("rows_written", total).Msg("Arrow encode failed")
		if writer == nil {
			code = status
			http.Error(w, err.Error(), status)
		}
	}

	for reader.Next() {
		inputIDs, tokenTypeIDs, err := client.DecodeInputRecord(reader.Record())
		if err != nil {
			abort(http.StatusBadRequest, err)
			return
		}
		if len(inputIDs) == 0 {
			continue
		}

		vecs, status, err := s.encodeAdmitted(ctx, embeddings.Batch{InputIDs: inputIDs, TokenTypeIDs: tokenTypeIDs})
		if err != nil {
			abort(status, err)
			return
		}
		vectorsProcessed.Add(float64(len(vecs)))
		s.forward(ctx, vecs, total)

		rec, err := builder.BuildRecordBatch(vecs, total)
		if err != nil {
			abort(http.StatusInternalServerError, err)
			return
		}
		if writer == nil {
			w.Header().Set("Content-Type", arrowStreamContentType)
			writer = ipc.NewWriter(w, ipc.WithSchema(rec.Schema()), ipc.WithAllocator(s.alloc))
		}
		err = writer.Write(rec)
		rec.Release()
		if err != nil {
			abort(http.StatusInternalServerError, err)
			return
		}
		total += int64(len(vecs))
	}
	if err := reader.Err(); err != nil {
		abort(http.StatusBadRequest, fmt.Errorf("error reading Arrow stream: %w", err))
		return
	}

	if writer == nil {
		w.Header().Set("Content-Type", arrowStreamContentType)
		writer = ipc.NewWriter(w, ipc.WithSchema(client.EmbeddingSchema(s.encoder.Dim())), ipc.WithAllocator(s.alloc))
	}
	if err := writer.Close(); err != nil {
		log.Ctx(ctx).Warn().Err(err).Msg("Failed to finish Arrow stream")
	}
	span.SetAttributes(attribute.Int64("sequence_count", total))
}

func (s *Server) encodeAdmitted(ctx context.Context, batch embeddings.Batch) ([][]float32, int, error) {
	release, status, err := s.admit(ctx, batch.Len())
	if err != nil {
		return nil, status, err
	}
	defer release()

	vecs, err := s.encoder.Encode(ctx, batch)
	if err != nil {
		return nil, encodeStatus(err), err
	}
	return vecs, http.StatusOK, nil
}

// admitFunc reserves n sequences of a shared concurrency budget. On failure
// the int is the HTTP status describing the rejection.
type admitFunc func(ctx context.Context, n int) (func(), int, error)

// admit reserves n sequences of the concurrency budget.
func (s *Server) admit(ctx context.Context, n int) (func(), int, error) {
	weight := int64(n)
	if weight == 0 {
		return func() {}, http.StatusOK, nil
	}
	if weight > s.maxSequences {
		return nil, http.StatusRequestEntityTooLarge,
			fmt.Errorf("batch of %d sequences exceeds the limit of %d", n, s.maxSequences)
	}
	if err := s.sem.Acquire(ctx, weight); err != nil {
		return nil, http.StatusServiceUnavailable, fmt.Errorf("server busy: %w", err)
	}
	return func() { s.sem.Release(weight) }, http.StatusOK, nil
}

// forward sends vecs downstream. Failures are logged and counted; they never
// fail the request.
func (s *Server) forward(ctx context.Context, vecs [][]float32, firstID int64) {
	if s.forwarder == nil || len(vecs) == 0 {
		return
	}
	rec, err := client.NewRecordBatchBuilder(s.alloc).BuildRecordBatch(vecs, firstID)
	if err != nil {
		forwardErrors.Inc()
		log.Ctx(ctx).Error().Err(err).Msg("Failed to build forward record")
		return
	}
	defer rec.Release()
	if err := s.forwarder.DoPut(ctx, s.datasetName, rec); err != nil {
		forwardErrors.Inc()
		log.Ctx(ctx).Error().Err(err).Msg("Error forwarding vectors")
	}
}

func encodeStatus(err error) int {
	switch {
	case errors.Is(err, embeddings.ErrInvalidBatch),
		errors.Is(err, model.ErrShape),
		errors.Is(err, model.ErrIndex):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve /encode over HTTP and, optionally, Arrow Flight",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg, cmd.ErrOrStderr())
		},
	}
	f := cmd.Flags()
	f.String("listen", ":8080", "HTTP listen address")
	f.Int("max-concurrent", 4096, "Maximum number of sequences encoded at once")
	f.String("flight", "", "Arrow Flight listen address (disabled when empty)")
	f.String("forward", "", "Downstream Flight server receiving encoded vectors")
	f.String("dataset", "electra", "Dataset name used when forwarding")
	f.String("pooling", "", "Pooling mode: pooler, cls or mean (default: pooler when present)")
	f.Int("batch-size", 32, "Sequences per internal batch")
	f.Int("concurrency", 0, "Internal batches run in parallel (default: number of CPUs)")
	f.String("cache", "none", "Vector cache: none, memory or redis")
	f.String("redis-url", "", "Redis URL for the redis cache")
	return cmd
}

func runServe(parent context.Context, cfg *config.Config, traceOut io.Writer) error {
	ctx, stop := signalContext(parent)
	defer stop()

	shutdownTracing, err := startTracing(cfg.Telemetry, traceOut)
	if err != nil {
		return fmt.Errorf("failed to initialize tracer: %w", err)
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	enc, closeCache, err := newEncoder(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeCache() }()

	var fwd Forwarder
	fc, err := newForwarder(cfg.Flight)
	if err != nil {
		return err
	}
	if fc != nil {
		fwd = fc
		defer func() { _ = fc.Close() }()
	}

	srv := NewServer(enc, fwd, cfg.Flight.Dataset, cfg.Server.MaxConcurrent, cfg.Server.MaxBodyBytes)
	httpServer := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	var flightServer flight.Server
	if cfg.Flight.ListenAddr != "" {
		flightServer, err = NewFlightServer(cfg.Flight.ListenAddr, enc, srv.admit)
		if err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.Addr).Msg("Starting Electra Server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if flightServer != nil {
		g.Go(func() error {
			log.Info().Str("addr", flightServer.Addr().String()).Msg("Starting Electra Flight Server")
			return flightServer.Serve()
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if flightServer != nil {
			flightServer.Shutdown()
		}
		return httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
