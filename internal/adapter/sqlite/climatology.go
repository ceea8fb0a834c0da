package sqlite

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/couchcryptid/heatwave-etl/internal/domain"
)

var (
	encoder, _ = zstd.NewWriter(nil)
	decoder, _ = zstd.NewReader(nil)
)

type climatologyRow struct {
	Key           string    `db:"key"`
	Fingerprint   string    `db:"fingerprint"`
	Variable      string    `db:"variable"`
	BaselineStart int       `db:"baseline_start"`
	BaselineEnd   int       `db:"baseline_end"`
	Percentile    float64   `db:"percentile"`
	Lats          []byte    `db:"lats"`
	Lons          []byte    `db:"lons"`
	Thresholds    []byte    `db:"thresholds"`
	CreatedAt     time.Time `db:"created_at"`
}

// LoadClimatology returns the cached climatology for key, or ErrNotFound.
func (s *Store) LoadClimatology(ctx context.Context, key domain.ClimatologyKey) (*domain.Climatology, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var row climatologyRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM climatologies WHERE key = ?`, key.String())
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load climatology: %w", err)
	}

	clim := &domain.Climatology{
		Baseline:   domain.Baseline{StartYear: row.BaselineStart, EndYear: row.BaselineEnd},
		Percentile: row.Percentile,
	}
	if clim.Grid.Lats, err = decodeFloats(row.Lats); err != nil {
		return nil, err
	}
	if clim.Grid.Lons, err = decodeFloats(row.Lons); err != nil {
		return nil, err
	}
	if clim.Thresholds, err = decodeFloats(row.Thresholds); err != nil {
		return nil, err
	}
	if err := clim.Validate(); err != nil {
		return nil, fmt.Errorf("cached climatology %s: %w", key, err)
	}
	return clim, nil
}

// SaveClimatology stores clim under key, replacing any previous entry.
func (s *Store) SaveClimatology(ctx context.Context, key domain.ClimatologyKey, clim *domain.Climatology) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	row := climatologyRow{
		Key:           key.String(),
		Fingerprint:   key.Fingerprint,
		Variable:      key.Variable,
		BaselineStart: clim.Baseline.StartYear,
		BaselineEnd:   clim.Baseline.EndYear,
		Percentile:    clim.Percentile,
		CreatedAt:     domain.Now().UTC(),
	}
	var err error
	if row.Lats, err = encodeFloats(clim.Grid.Lats); err != nil {
		return err
	}
	if row.Lons, err = encodeFloats(clim.Grid.Lons); err != nil {
		return err
	}
	if row.Thresholds, err = encodeFloats(clim.Thresholds); err != nil {
		return err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT OR REPLACE INTO climatologies
		(key, fingerprint, variable, baseline_start, baseline_end, percentile, lats, lons, thresholds, created_at)
		VALUES (:key, :fingerprint, :variable, :baseline_start, :baseline_end, :percentile, :lats, :lons, :thresholds, :created_at)`,
		row)
	if err != nil {
		return fmt.Errorf("save climatology: %w", err)
	}
	return nil
}

// encodeFloats packs values as zstd-compressed little-endian float64s.
func encodeFloats(vals []float64) ([]byte, error) {
	raw := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(raw[8*i:], math.Float64bits(v))
	}
	return encoder.EncodeAll(raw, nil), nil
}

func decodeFloats(b []byte) ([]float64, error) {
	raw, err := decoder.DecodeAll(b, nil)
	if err != nil {
		return nil, fmt.Errorf("decode floats: %w", err)
	}
	if len(raw)%8 != 0 {
		return nil, fmt.Errorf("decode floats: %d bytes is not a whole number of values", len(raw))
	}
	vals := make([]float64, len(raw)/8)
	for i := range vals {
		vals[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[8*i:]))
	}
	return vals, nil
}
