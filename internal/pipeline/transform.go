package pipeline

import (
	"context"
	"log/slog"

	"github.com/couchcryptid/heatwave-etl/internal/domain"
)

// HeatwaveTransformer implements Transformer by masking each chunk against a
// climatology and detecting heatwave starts, with optional place names for
// hotspot cells.
type HeatwaveTransformer struct {
	clim     *domain.Climatology
	hotspots int
	geocoder domain.Geocoder
	logger   *slog.Logger
}

// NewTransformer creates a HeatwaveTransformer reporting up to hotspots
// cells per chunk. Pass a nil geocoder to disable place names.
func NewTransformer(clim *domain.Climatology, hotspots int, geocoder domain.Geocoder, logger *slog.Logger) *HeatwaveTransformer {
	return &HeatwaveTransformer{
		clim:     clim,
		hotspots: hotspots,
		geocoder: geocoder,
		logger:   logger,
	}
}

func (t *HeatwaveTransformer) Transform(ctx context.Context, chunk domain.Chunk) (domain.ChunkResult, error) {
	res, err := domain.DetectChunk(chunk, t.clim, t.hotspots)
	if err != nil {
		return domain.ChunkResult{}, err
	}
	res.Hotspots = domain.LabelHotspots(ctx, res.Hotspots, t.geocoder, t.logger)
	return res, nil
}
