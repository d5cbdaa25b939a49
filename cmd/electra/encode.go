package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/23skdu/longbow-electra/internal/client"
	"github.com/23skdu/longbow-electra/internal/config"
	"github.com/23skdu/longbow-electra/internal/embeddings"
)

type encodeOptions struct {
	input     string
	format    string
	synthetic int
	minLen    int
	maxLen    int
	seed      int64
	duration  time.Duration
}

// jsonOutput is the body written by encode --format json.
type jsonOutput struct {
	Embeddings [][]float32 `json:"embeddings"`
	Dim        int         `json:"dim"`
}

func newEncodeCmd() *cobra.Command {
	var opts encodeOptions
	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Encode a JSON batch of token ids, or a synthetic workload",
		Long: `Encode reads {"input_ids": [[...]], "token_type_ids": [[...]]} from --input
("-" for stdin) and writes the pooled vectors to stdout as an Arrow IPC stream
or JSON. With --synthetic it generates random id batches instead; adding
--duration turns it into a soak run that only logs throughput.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return runEncode(cmd.Context(), cfg, opts, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	f := cmd.Flags()
	f.StringVarP(&opts.input, "input", "i", "-", "JSON batch file, or - for stdin")
	f.StringVar(&opts.format, "format", "arrow", "Output format: arrow or json")
	f.IntVar(&opts.synthetic, "synthetic", 0, "Encode N synthetic sequences instead of reading input")
	f.IntVar(&opts.minLen, "min-len", 8, "Minimum synthetic sequence length")
	f.IntVar(&opts.maxLen, "max-len", 128, "Maximum synthetic sequence length")
	f.Int64Var(&opts.seed, "seed", 1, "Seed of the synthetic workload")
	f.DurationVar(&opts.duration, "duration", 0, "Repeat the synthetic workload for this long (soak test)")
	f.String("pooling", "", "Pooling mode: pooler, cls or mean (default: pooler when present)")
	f.Int("batch-size", 32, "Sequences per internal batch")
	f.Int("concurrency", 0, "Internal batches run in parallel (default: number of CPUs)")
	f.String("forward", "", "Send the vectors to this Flight server instead of stdout")
	f.String("dataset", "electra", "Dataset name used when forwarding")
	return cmd
}

func runEncode(ctx context.Context, cfg *config.Config, opts encodeOptions, in io.Reader, out io.Writer) error {
	if opts.format != "arrow" && opts.format != "json" {
		return fmt.Errorf("unknown output format %q (want arrow or json)", opts.format)
	}

	enc, closeCache, err := newEncoder(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = closeCache() }()

	var batch embeddings.Batch
	if opts.synthetic > 0 {
		batch = embeddings.SyntheticBatch(opts.synthetic, opts.minLen, opts.maxLen,
			enc.Model().Config.VocabSize, opts.seed)
	} else {
		if batch, err = readBatch(opts.input, in); err != nil {
			return err
		}
	}

	if opts.duration > 0 {
		return soak(ctx, enc, batch, opts.duration)
	}

	start := time.Now()
	vecs, err := enc.Encode(ctx, batch)
	if err != nil {
		return err
	}
	elapsed := time.Since(start)
	log.Info().
		Int("count", len(vecs)).
		Dur("elapsed", elapsed).
		Int("dim", enc.Dim()).
		Float64("tps", float64(len(vecs))/elapsed.Seconds()).
		Msg("Encoded sequences")

	if cfg.Flight.ForwardAddr != "" {
		return forwardVectors(ctx, cfg.Flight, vecs)
	}
	if opts.format == "json" {
		return json.NewEncoder(out).Encode(jsonOutput{Embeddings: vecs, Dim: enc.Dim()})
	}

	rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildRecordBatch(vecs, 0)
	if err != nil {
		return err
	}
	defer rec.Release()
	return writeArrowStream(out, rec)
}

func readBatch(path string, stdin io.Reader) (embeddings.Batch, error) {
	var batch embeddings.Batch
	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return batch, err
		}
		defer f.Close()
		r = f
	}
	if err := json.NewDecoder(r).Decode(&batch); err != nil {
		return batch, fmt.Errorf("failed to decode input batch: %w", err)
	}
	return batch, nil
}

func soak(ctx context.Context, enc *embeddings.Encoder, batch embeddings.Batch, duration time.Duration) error {
	log.Info().Str("duration", duration.String()).Int("batch", batch.Len()).Msg("Starting soak test")

	ctx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	startTime := time.Now()
	var totalVectors int64
	var iter int
	for ctx.Err() == nil {
		if _, err := enc.Encode(ctx, batch); err != nil {
			if ctx.Err() != nil {
				break
			}
			return err
		}
		totalVectors += int64(batch.Len())
		iter++

		if iter%10 == 0 {
			elapsed := time.Since(startTime)
			log.Info().
				Str("elapsed", elapsed.Round(time.Second).String()).
				Int("iter", iter).
				Int64("total_vectors", totalVectors).
				Float64("tps", float64(totalVectors)/elapsed.Seconds()).
				Msg("Soak test progress")
		}
	}

	totalElapsed := time.Since(startTime)
	log.Info().
		Int64("total_vectors", totalVectors).
		Dur("total_time", totalElapsed).
		Float64("avg_tps", float64(totalVectors)/totalElapsed.Seconds()).
		Msg("Soak test complete")
	return nil
}

func forwardVectors(ctx context.Context, cfg config.FlightConfig, vecs [][]float32) error {
	fc, err := newForwarder(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := fc.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close flight client")
		}
	}()

	rec, err := client.NewRecordBatchBuilder(memory.NewGoAllocator()).BuildRecordBatch(vecs, 0)
	if err != nil {
		return err
	}
	defer rec.Release()

	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	if err := fc.DoPut(ctx, cfg.Dataset, rec); err != nil {
		return fmt.Errorf("flight DoPut failed: %w", err)
	}
	log.Info().Int("count", len(vecs)).Str("dataset", cfg.Dataset).Msg("Sent vectors to Flight server")
	return nil
}

func writeArrowStream(w io.Writer, rec arrow.RecordBatch) error {
	writer := ipc.NewWriter(w, ipc.WithSchema(rec.Schema()))
	if err := writer.Write(rec); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}
