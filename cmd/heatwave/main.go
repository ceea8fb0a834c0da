package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"

	httpadapter "github.com/couchcryptid/heatwave-etl/internal/adapter/http"
	kafkaadapter "github.com/couchcryptid/heatwave-etl/internal/adapter/kafka"
	"github.com/couchcryptid/heatwave-etl/internal/adapter/mapbox"
	"github.com/couchcryptid/heatwave-etl/internal/adapter/netcdf"
	s3adapter "github.com/couchcryptid/heatwave-etl/internal/adapter/s3"
	"github.com/couchcryptid/heatwave-etl/internal/adapter/sqlite"
	"github.com/couchcryptid/heatwave-etl/internal/config"
	"github.com/couchcryptid/heatwave-etl/internal/domain"
	"github.com/couchcryptid/heatwave-etl/internal/observability"
	"github.com/couchcryptid/heatwave-etl/internal/pipeline"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.LogLevel, cfg.LogFormat)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	archive, err := netcdf.Open(cfg.DataGlob, cfg.DataVariable, logger)
	if err != nil {
		logger.Error("failed to open archive", "glob", cfg.DataGlob, "error", err)
		os.Exit(1)
	}
	defer archive.Close()

	store, err := sqlite.Open(cfg.StorePath, logger)
	if err != nil {
		logger.Error("failed to open store", "path", cfg.StorePath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	clim, key, err := loadClimatology(ctx, cfg, archive, store, metrics, logger)
	if err != nil {
		logger.Error("failed to prepare climatology", "error", err)
		os.Exit(1)
	}

	runID := uuid.NewString()
	spans, err := domain.PlanChunks(0, archive.Steps(), cfg.ChunkSteps, domain.Halo, archive.Steps())
	if err != nil {
		logger.Error("failed to plan chunks", "error", err)
		os.Exit(1)
	}

	sinks, closers, err := buildSinks(ctx, cfg, runID, archive, clim, key, store, logger)
	if err != nil {
		logger.Error("failed to set up outputs", "error", err)
		os.Exit(1)
	}
	defer func() {
		for _, c := range closers {
			if err := c(); err != nil {
				logger.Error("close error", "error", err)
			}
		}
	}()

	// Initialize geocoder (feature-flagged via MAPBOX_ENABLED / MAPBOX_TOKEN).
	var geocoder domain.Geocoder
	if cfg.MapboxEnabled {
		client := mapbox.NewClient(mapbox.ClientConfig{
			Token:   cfg.MapboxToken,
			Timeout: cfg.MapboxTimeout,
			RPS:     cfg.MapboxRPS,
		}, metrics, logger)
		geocoder = mapbox.NewCachedGeocoder(client, cfg.MapboxCacheSize, metrics)
		metrics.GeocodeEnabled.Set(1)
		logger.Info("mapbox geocoding enabled", "cache_size", cfg.MapboxCacheSize, "timeout", cfg.MapboxTimeout, "rps", cfg.MapboxRPS)
	} else {
		logger.Info("mapbox geocoding disabled")
	}

	transformer := pipeline.NewTransformer(clim, cfg.HotspotCount, geocoder, logger)
	p := pipeline.New(runID, archive.Chunks(spans), transformer, sinks, logger, metrics, cfg.Workers)

	srv := httpadapter.NewServer(cfg.HTTPAddr, readiness{run: p, store: store}, store, logger)

	// Start HTTP server.
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", "error", err)
		}
	}()

	// Run the detection pipeline.
	logger.Info("heatwave run starting",
		"run_id", runID,
		"steps", archive.Steps(),
		"chunks", len(spans),
		"cells", archive.Grid().Cells(),
		"workers", cfg.Workers,
	)
	runErr := make(chan error, 1)
	go func() {
		report, err := p.Run(ctx)
		if err == nil {
			logger.Info("heatwave run complete",
				"run_id", runID,
				"chunks", report.Chunks,
				"heatwave_starts", report.HeatwaveStarts,
				"heatwave_days", report.HeatwaveDays,
				"duration", report.CompletedAt.Sub(report.StartedAt),
			)
		}
		runErr <- err
	}()

	exitCode := 0
	select {
	case <-ctx.Done():
	case err := <-runErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("pipeline error", "run_id", runID, "error", err)
			exitCode = 1
		} else if !cfg.ExitAfterRun {
			logger.Info("serving heatwave queries until signal")
			<-ctx.Done()
		}
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", "error", err)
	}

	logger.Info("shutdown complete")
	if exitCode != 0 {
		stop()
		os.Exit(exitCode)
	}
}

// readiness requires a reachable store and a completed run.
type readiness struct {
	run   *pipeline.Pipeline
	store *sqlite.Store
}

func (r readiness) CheckReadiness(ctx context.Context) error {
	if err := r.store.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	return r.run.CheckReadiness(ctx)
}

// loadClimatology returns the thresholds for this archive, from the store
// when a previous run computed them for the same data and settings.
func loadClimatology(
	ctx context.Context,
	cfg *config.Config,
	archive *netcdf.Archive,
	store *sqlite.Store,
	metrics *observability.Metrics,
	logger *slog.Logger,
) (*domain.Climatology, domain.ClimatologyKey, error) {
	baseline := domain.Baseline{StartYear: cfg.BaselineStartYear, EndYear: cfg.BaselineEndYear}
	key := domain.ClimatologyKey{
		Fingerprint: archive.Fingerprint(),
		Variable:    archive.Variable(),
		Baseline:    baseline,
		Percentile:  cfg.Percentile,
	}
	from, to := baseline.Range(archive.Times())
	if from == to {
		return nil, key, fmt.Errorf("baseline %s has no steps in the archive", baseline)
	}
	build := func(ctx context.Context) (*domain.Climatology, error) {
		spans, err := domain.PlanChunks(from, to, cfg.ChunkSteps, 0, archive.Steps())
		if err != nil {
			return nil, err
		}
		return pipeline.BuildClimatology(ctx, archive.Chunks(spans), archive.Grid(), baseline, cfg.Percentile, logger)
	}
	clim, err := pipeline.LoadOrBuildClimatology(ctx, store, key, build, metrics, logger)
	return clim, key, err
}

// buildSinks wires the loaders in the order they must run: local files
// first, then the summary store, then the optional Kafka and S3 outputs.
// Each run writes into its own subdirectory of the output directory.
func buildSinks(
	ctx context.Context,
	cfg *config.Config,
	runID string,
	archive *netcdf.Archive,
	clim *domain.Climatology,
	key domain.ClimatologyKey,
	store *sqlite.Store,
	logger *slog.Logger,
) ([]pipeline.Sink, []func() error, error) {
	var closers []func() error
	outDir := filepath.Join(cfg.OutputDir, runID)

	meta := domain.OutputMetadata{
		Title:       cfg.OutputTitle,
		Institution: cfg.OutputInstitution,
		Source:      cfg.OutputSource,
	}.WithHistory(runID, clim)

	files, err := netcdf.NewChunkWriter(netcdf.WriterConfig{
		Dir:         outDir,
		Compress:    cfg.OutputCompress,
		Metadata:    meta,
		TimeAxis:    archive.TimeAxis(),
		Grid:        archive.Grid(),
		Climatology: key,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := store.BeginRun(ctx, runID, archive.Grid(), domain.Now()); err != nil {
		return nil, nil, fmt.Errorf("register run: %w", err)
	}
	sinks := []pipeline.Sink{
		{Name: "netcdf", Loader: files},
		{Name: "sqlite", Loader: store},
	}

	if cfg.KafkaEnabled {
		writer := kafkaadapter.NewWriter(cfg, runID, logger)
		sinks = append(sinks, pipeline.Sink{Name: "kafka", Loader: writer})
		closers = append(closers, writer.Close)
		logger.Info("kafka summaries enabled", "topic", cfg.KafkaSummaryTopic, "brokers", cfg.KafkaBrokers)
	}

	if cfg.S3Bucket != "" {
		client, err := s3adapter.NewClient(ctx, s3adapter.Config{
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKeyID,
			SecretAccessKey: cfg.S3SecretAccessKey,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("s3 client: %w", err)
		}
		uploader := s3adapter.NewUploader(client, cfg.S3Bucket, cfg.S3Prefix, runID, outDir, logger)
		sinks = append(sinks, pipeline.Sink{Name: "s3", Loader: uploader})
		logger.Info("s3 upload enabled", "bucket", cfg.S3Bucket, "prefix", cfg.S3Prefix)
	}

	return sinks, closers, nil
}
