// Package sqlite persists climatologies and annual heatwave counts in a
// local SQLite database.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/couchcryptid/heatwave-etl/internal/domain"
)

// ErrNotFound is returned when a lookup matches nothing.
var ErrNotFound = domain.ErrNotFound

const schema = `
CREATE TABLE IF NOT EXISTS climatologies (
	key            TEXT PRIMARY KEY,
	fingerprint    TEXT NOT NULL,
	variable       TEXT NOT NULL,
	baseline_start INTEGER NOT NULL,
	baseline_end   INTEGER NOT NULL,
	percentile     REAL NOT NULL,
	lats           BLOB NOT NULL,
	lons           BLOB NOT NULL,
	thresholds     BLOB NOT NULL,
	created_at     TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	run_id          TEXT PRIMARY KEY,
	status          TEXT NOT NULL,
	lats            BLOB NOT NULL,
	lons            BLOB NOT NULL,
	chunks          INTEGER NOT NULL DEFAULT 0,
	candidate_steps INTEGER NOT NULL DEFAULT 0,
	heatwave_starts INTEGER NOT NULL DEFAULT 0,
	heatwave_days   INTEGER NOT NULL DEFAULT 0,
	started_at      TIMESTAMP NOT NULL,
	completed_at    TIMESTAMP
);

CREATE TABLE IF NOT EXISTS annual_counts (
	run_id TEXT NOT NULL,
	cell   INTEGER NOT NULL,
	year   INTEGER NOT NULL,
	lat    REAL NOT NULL,
	lon    REAL NOT NULL,
	starts INTEGER NOT NULL,
	days   INTEGER NOT NULL,
	PRIMARY KEY (run_id, cell, year)
);
CREATE INDEX IF NOT EXISTS idx_runs_completed ON runs(status, completed_at);
`

const (
	runRunning   = "running"
	runCompleted = "completed"
)

// Store is the SQLite-backed summary store and climatology cache.
type Store struct {
	db      *sqlx.DB
	logger  *slog.Logger
	timeout time.Duration
	runID   string
}

// Open opens or creates the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string, logger *slog.Logger) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn += "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	}
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// One connection: SQLite has a single writer, and each in-memory
	// connection would otherwise see its own database.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db, logger: logger, timeout: 30 * time.Second}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// BeginRun records a new run over grid. Counts loaded afterwards belong to it.
func (s *Store) BeginRun(ctx context.Context, runID string, grid domain.Grid, startedAt time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	lats, err := encodeFloats(grid.Lats)
	if err != nil {
		return err
	}
	lons, err := encodeFloats(grid.Lons)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, status, lats, lons, started_at) VALUES (?, ?, ?, ?, ?)`,
		runID, runRunning, lats, lons, startedAt.UTC())
	if err != nil {
		return fmt.Errorf("begin run %s: %w", runID, err)
	}
	s.runID = runID
	return nil
}

type countRow struct {
	RunID  string  `db:"run_id"`
	Cell   int     `db:"cell"`
	Year   int     `db:"year"`
	Lat    float64 `db:"lat"`
	Lon    float64 `db:"lon"`
	Starts int     `db:"starts"`
	Days   int     `db:"days"`
}

// LoadBatch adds the annual counts of each result to the current run in a
// single transaction. It implements pipeline.BatchLoader.
func (s *Store) LoadBatch(ctx context.Context, results []domain.ChunkResult) error {
	if s.runID == "" {
		return errors.New("load counts: no run started")
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	stmt, err := tx.PrepareNamedContext(ctx, `
		INSERT INTO annual_counts (run_id, cell, year, lat, lon, starts, days)
		VALUES (:run_id, :cell, :year, :lat, :lon, :starts, :days)
		ON CONFLICT (run_id, cell, year) DO UPDATE SET
			starts = starts + excluded.starts,
			days = days + excluded.days`)
	if err != nil {
		return fmt.Errorf("prepare count upsert: %w", err)
	}
	defer stmt.Close()

	for i := range results {
		for _, ac := range results[i].Annual {
			row := countRow{
				RunID: s.runID, Cell: ac.Cell, Year: ac.Year,
				Lat: ac.Point.Lat, Lon: ac.Point.Lon,
				Starts: ac.Starts, Days: ac.Days,
			}
			if _, err := stmt.ExecContext(ctx, row); err != nil {
				return fmt.Errorf("upsert count for chunk %d: %w", results[i].Span.Index, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit counts: %w", err)
	}
	return nil
}

// Finish marks the current run completed with its totals. It implements
// pipeline.Finisher.
func (s *Store) Finish(ctx context.Context, report domain.RunReport) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, chunks = ?, candidate_steps = ?, heatwave_starts = ?,
			heatwave_days = ?, completed_at = ?
		WHERE run_id = ?`,
		runCompleted, report.Chunks, report.CandidateSteps, report.HeatwaveStarts,
		report.HeatwaveDays, report.CompletedAt.UTC(), report.RunID)
	if err != nil {
		return fmt.Errorf("finish run %s: %w", report.RunID, err)
	}
	s.logger.Info("run recorded", "run_id", report.RunID, "heatwave_starts", report.HeatwaveStarts)
	return nil
}

type runRow struct {
	RunID string `db:"run_id"`
	Lats  []byte `db:"lats"`
	Lons  []byte `db:"lons"`
}

// PointSummary returns the heatwave history of the grid cell nearest to
// (lat, lon) from the most recent completed run.
func (s *Store) PointSummary(ctx context.Context, lat, lon float64) (domain.PointSummary, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var run runRow
	err := s.db.GetContext(ctx, &run, `
		SELECT run_id, lats, lons FROM runs
		WHERE status = ? ORDER BY completed_at DESC LIMIT 1`, runCompleted)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PointSummary{}, ErrNotFound
	}
	if err != nil {
		return domain.PointSummary{}, fmt.Errorf("latest run: %w", err)
	}
	var grid domain.Grid
	if grid.Lats, err = decodeFloats(run.Lats); err != nil {
		return domain.PointSummary{}, err
	}
	if grid.Lons, err = decodeFloats(run.Lons); err != nil {
		return domain.PointSummary{}, err
	}
	cell, ok := grid.NearestCell(lat, lon)
	if !ok {
		return domain.PointSummary{}, ErrNotFound
	}

	var rows []countRow
	err = s.db.SelectContext(ctx, &rows, `
		SELECT run_id, cell, year, lat, lon, starts, days FROM annual_counts
		WHERE run_id = ? AND cell = ? ORDER BY year`, run.RunID, cell)
	if err != nil {
		return domain.PointSummary{}, fmt.Errorf("annual counts: %w", err)
	}

	summary := domain.PointSummary{Point: grid.Point(cell), Years: make([]domain.YearCount, 0, len(rows))}
	for _, r := range rows {
		summary.Years = append(summary.Years, domain.YearCount{Year: r.Year, Starts: r.Starts, Days: r.Days})
		summary.TotalStarts += r.Starts
		summary.TotalDays += r.Days
	}
	return summary, nil
}
