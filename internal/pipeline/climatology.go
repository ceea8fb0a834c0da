package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/couchcryptid/heatwave-etl/internal/domain"
	"github.com/couchcryptid/heatwave-etl/internal/observability"
)

// ClimatologyCache stores climatologies between runs.
type ClimatologyCache interface {
	LoadClimatology(ctx context.Context, key domain.ClimatologyKey) (*domain.Climatology, error)
	SaveClimatology(ctx context.Context, key domain.ClimatologyKey, clim *domain.Climatology) error
}

// BuildClimatology streams the baseline chunks from e into an accumulator
// and returns thresholds at quantile p.
func BuildClimatology(ctx context.Context, e ChunkExtractor, grid domain.Grid, baseline domain.Baseline, p float64, logger *slog.Logger) (*domain.Climatology, error) {
	start := time.Now()
	acc := domain.NewClimatologyAccumulator(grid, baseline)
	chunks := 0
	for {
		chunk, err := e.NextChunk(ctx)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read baseline chunk: %w", err)
		}
		if err := acc.Add(chunk); err != nil {
			return nil, fmt.Errorf("accumulate chunk %d: %w", chunk.Span.Index, err)
		}
		chunks++
	}
	clim, err := acc.Finalize(p)
	if err != nil {
		return nil, err
	}
	logger.Info("climatology built",
		"chunks", chunks,
		"baseline", baseline.String(),
		"percentile", p,
		"duration", time.Since(start),
	)
	return clim, nil
}

// LoadOrBuildClimatology returns the cached climatology for key, or builds
// and caches it. A nil cache always builds. Cache failures are logged and
// never fail the run.
func LoadOrBuildClimatology(
	ctx context.Context,
	cache ClimatologyCache,
	key domain.ClimatologyKey,
	build func(context.Context) (*domain.Climatology, error),
	metrics *observability.Metrics,
	logger *slog.Logger,
) (*domain.Climatology, error) {
	if cache != nil {
		clim, err := cache.LoadClimatology(ctx, key)
		if err == nil {
			metrics.ClimatologyCache.WithLabelValues("hit").Inc()
			logger.Info("climatology loaded from cache", "key", key.String())
			return clim, nil
		}
		logger.Debug("climatology cache miss", "key", key.String(), "error", err)
	}
	metrics.ClimatologyCache.WithLabelValues("miss").Inc()

	clim, err := build(ctx)
	if err != nil {
		return nil, err
	}
	if cache != nil {
		if err := cache.SaveClimatology(ctx, key, clim); err != nil {
			logger.Warn("climatology not cached", "key", key.String(), "error", err)
		}
	}
	return clim, nil
}
