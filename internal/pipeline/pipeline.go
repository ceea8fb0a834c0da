package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/couchcryptid/heatwave-etl/internal/domain"
	"github.com/couchcryptid/heatwave-etl/internal/observability"
)

const (
	initialBackoff  = 200 * time.Millisecond
	maxBackoff      = 5 * time.Second
	maxLoadAttempts = 5
)

// ChunkExtractor yields chunks in time order and io.EOF after the last one.
type ChunkExtractor interface {
	NextChunk(ctx context.Context) (domain.Chunk, error)
}

// Transformer turns a chunk into detection results for its core steps.
type Transformer interface {
	Transform(ctx context.Context, chunk domain.Chunk) (domain.ChunkResult, error)
}

// BatchLoader writes chunk results, in time order, to a destination.
type BatchLoader interface {
	LoadBatch(ctx context.Context, results []domain.ChunkResult) error
}

// Finisher is implemented by loaders that need to act once a run completes.
type Finisher interface {
	Finish(ctx context.Context, report domain.RunReport) error
}

// Sink is a named loader. The name labels logs and retry metrics.
type Sink struct {
	Name   string
	Loader BatchLoader
}

// Pipeline orchestrates the extract-detect-load loop over an archive.
type Pipeline struct {
	runID       string
	extractor   ChunkExtractor
	transformer Transformer
	sinks       []Sink
	logger      *slog.Logger
	metrics     *observability.Metrics
	workers     int
	ready       atomic.Bool
}

// New creates a Pipeline with the given stages and observability. Up to
// workers chunks are transformed concurrently.
func New(runID string, e ChunkExtractor, t Transformer, sinks []Sink, logger *slog.Logger, metrics *observability.Metrics, workers int) *Pipeline {
	return &Pipeline{
		runID:       runID,
		extractor:   e,
		transformer: t,
		sinks:       sinks,
		logger:      logger.With("run_id", runID),
		metrics:     metrics,
		workers:     max(workers, 1),
	}
}

// RunID returns the identifier stamped on every output of this run.
func (p *Pipeline) RunID() string { return p.runID }

// Ready reports whether the run has completed successfully.
func (p *Pipeline) Ready() bool { return p.ready.Load() }

// CheckReadiness returns nil once the run has completed, or an error
// describing why the service is not yet ready.
func (p *Pipeline) CheckReadiness(_ context.Context) error {
	if !p.ready.Load() {
		return errors.New("heatwave run has not completed yet")
	}
	return nil
}

// Run processes every chunk and then finalizes each sink. Extraction and
// detection errors are fatal; loads are retried with backoff.
func (p *Pipeline) Run(ctx context.Context) (domain.RunReport, error) {
	p.logger.Info("pipeline started", "workers", p.workers, "sinks", len(p.sinks))
	p.metrics.PipelineRunning.Set(1)
	defer p.metrics.PipelineRunning.Set(0)

	report := domain.RunReport{RunID: p.runID, StartedAt: domain.Now()}
	for {
		batch, done, err := p.extractBatch(ctx)
		if err != nil {
			return report, err
		}
		if len(batch) > 0 {
			if err := p.processBatch(ctx, batch, &report); err != nil {
				return report, err
			}
		}
		if done {
			break
		}
	}

	report.CompletedAt = domain.Now()
	for _, s := range p.sinks {
		f, ok := s.Loader.(Finisher)
		if !ok {
			continue
		}
		if err := p.withRetry(ctx, s.Name, func() error { return f.Finish(ctx, report) }); err != nil {
			return report, fmt.Errorf("finish %s: %w", s.Name, err)
		}
	}

	p.ready.Store(true)
	p.logger.Info("pipeline completed",
		"chunks", report.Chunks,
		"steps", report.Steps,
		"heatwave_starts", report.HeatwaveStarts,
		"heatwave_days", report.HeatwaveDays,
		"duration", report.CompletedAt.Sub(report.StartedAt),
	)
	return report, nil
}

// extractBatch reads up to workers chunks. done is true once the extractor is exhausted.
func (p *Pipeline) extractBatch(ctx context.Context) ([]domain.Chunk, bool, error) {
	batch := make([]domain.Chunk, 0, p.workers)
	for len(batch) < p.workers {
		chunk, err := p.extractor.NextChunk(ctx)
		if errors.Is(err, io.EOF) {
			return batch, true, nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, false, ctx.Err()
			}
			return nil, false, fmt.Errorf("extract chunk: %w", err)
		}
		p.metrics.ChunksRead.Inc()
		batch = append(batch, chunk)
	}
	return batch, false, nil
}

// processBatch detects heatwaves in every chunk of the batch concurrently,
// then hands the results to each sink in time order.
func (p *Pipeline) processBatch(ctx context.Context, batch []domain.Chunk, report *domain.RunReport) error {
	results := make([]domain.ChunkResult, len(batch))
	g, gctx := errgroup.WithContext(ctx)
	for i := range batch {
		g.Go(func() error {
			start := time.Now()
			res, err := p.transformer.Transform(gctx, batch[i])
			if err != nil {
				p.metrics.DetectErrors.Inc()
				return fmt.Errorf("detect chunk %d: %w", batch[i].Span.Index, err)
			}
			p.metrics.ChunkDuration.Observe(time.Since(start).Seconds())
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, s := range p.sinks {
		err := p.withRetry(ctx, s.Name, func() error { return s.Loader.LoadBatch(ctx, results) })
		if err != nil {
			return fmt.Errorf("load %s: %w", s.Name, err)
		}
	}

	for i := range results {
		report.Add(results[i])
		p.metrics.ChunksLoaded.Inc()
		p.metrics.CandidateSteps.Add(float64(results[i].CandidateSteps))
		p.metrics.HeatwaveStarts.Add(float64(results[i].HeatwaveStarts))
		p.metrics.HeatwaveDays.Add(float64(results[i].HeatwaveDays))
		p.logger.Info("chunk loaded",
			"chunk", results[i].Span.Index,
			"start", results[i].Span.Start,
			"end", results[i].Span.End,
			"heatwave_starts", results[i].HeatwaveStarts,
		)
	}
	return nil
}

// withRetry calls fn until it succeeds, the context ends or maxLoadAttempts
// is reached, backing off between attempts.
func (p *Pipeline) withRetry(ctx context.Context, name string, fn func() error) error {
	backoff := initialBackoff
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attempt >= maxLoadAttempts {
			return fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}
		p.logger.Error("load failed, retrying", "sink", name, "attempt", attempt, "backoff", backoff, "error", err)
		p.metrics.LoadRetries.WithLabelValues(name).Inc()
		if !sleepWithContext(ctx, backoff) {
			return ctx.Err()
		}
		backoff = nextBackoff(backoff, maxBackoff)
	}
}

func nextBackoff(current, maxBackoff time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

func sleepWithContext(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
