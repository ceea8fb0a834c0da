package domain

import (
	"context"
	"log/slog"
)

// LabelHotspots attaches place names to hotspot cells. A nil geocoder or a
// failed lookup leaves Place empty; labels are best-effort.
func LabelHotspots(ctx context.Context, spots []Hotspot, geocoder Geocoder, logger *slog.Logger) []Hotspot {
	if geocoder == nil || len(spots) == 0 {
		return spots
	}
	out := make([]Hotspot, len(spots))
	copy(out, spots)
	for i := range out {
		if ctx.Err() != nil {
			break
		}
		result, err := geocoder.ReverseGeocode(ctx, out[i].Point.Lat, out[i].Point.Lon)
		if err != nil {
			logger.Warn("reverse geocoding failed",
				"lat", out[i].Point.Lat,
				"lon", out[i].Point.Lon,
				"error", err,
			)
			continue
		}
		if result.PlaceName != "" {
			out[i].Place = result.PlaceName
		} else {
			out[i].Place = result.FormattedAddress
		}
	}
	return out
}
