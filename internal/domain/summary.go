package domain

import (
	"fmt"
	"time"
)

// ChunkSummary is the per-chunk record published downstream.
type ChunkSummary struct {
	RunID          string    `json:"run_id"`
	Chunk          int       `json:"chunk"`
	FirstStep      int       `json:"first_step"`
	Steps          int       `json:"steps"`
	Start          time.Time `json:"start"`
	End            time.Time `json:"end"`
	Cells          int       `json:"cells"`
	CandidateSteps int       `json:"candidate_steps"`
	HeatwaveStarts int       `json:"heatwave_starts"`
	HeatwaveDays   int       `json:"heatwave_days"`
	Hotspots       []Hotspot `json:"hotspots,omitempty"`
	ProcessedAt    time.Time `json:"processed_at"`
}

// Key identifies the summary for idempotent downstream upserts.
func (s ChunkSummary) Key() string {
	return fmt.Sprintf("%s-%06d", s.RunID, s.Chunk)
}

// SummarizeChunk builds the downstream record for a chunk result.
func SummarizeChunk(runID string, res ChunkResult) ChunkSummary {
	s := ChunkSummary{
		RunID:          runID,
		Chunk:          res.Span.Index,
		FirstStep:      res.Span.Start,
		Steps:          res.Span.Len(),
		Cells:          res.Grid.Cells(),
		CandidateSteps: res.CandidateSteps,
		HeatwaveStarts: res.HeatwaveStarts,
		HeatwaveDays:   res.HeatwaveDays,
		Hotspots:       res.Hotspots,
		ProcessedAt:    clock.Now(),
	}
	if len(res.Times) > 0 {
		s.Start = res.Times[0].Time
		s.End = res.Times[len(res.Times)-1].Time
	}
	return s
}

// YearCount is one year of a PointSummary.
type YearCount struct {
	Year   int `json:"year"`
	Starts int `json:"starts"`
	Days   int `json:"days"`
}

// PointSummary is the heatwave history of a single grid cell.
type PointSummary struct {
	Point       GridPoint   `json:"point"`
	Years       []YearCount `json:"years"`
	TotalStarts int         `json:"total_starts"`
	TotalDays   int         `json:"total_days"`
}

// OutputMetadata is the descriptive metadata written with every output file.
type OutputMetadata struct {
	Title       string `yaml:"title"`
	Institution string `yaml:"institution"`
	Source      string `yaml:"source"`
	History     string `yaml:"history"`
}

// WithHistory returns a copy with a history line for this run appended.
func (m OutputMetadata) WithHistory(runID string, clim *Climatology) OutputMetadata {
	line := fmt.Sprintf("%s: heatwave starts computed by heatwave-etl run %s (threshold p=%.2f, baseline %s)",
		clock.Now().UTC().Format(time.RFC3339), runID, clim.Percentile, clim.Baseline)
	if m.History != "" {
		m.History += "\n"
	}
	m.History += line
	return m
}

func (b Baseline) String() string {
	start, end := "start", "end"
	if b.StartYear != 0 {
		start = fmt.Sprint(b.StartYear)
	}
	if b.EndYear != 0 {
		end = fmt.Sprint(b.EndYear)
	}
	return start + "-" + end
}

// RunReport totals a completed detection run.
type RunReport struct {
	RunID          string    `json:"run_id"`
	Chunks         int       `json:"chunks"`
	Steps          int       `json:"steps"`
	CandidateSteps int       `json:"candidate_steps"`
	HeatwaveStarts int       `json:"heatwave_starts"`
	HeatwaveDays   int       `json:"heatwave_days"`
	StartedAt      time.Time `json:"started_at"`
	CompletedAt    time.Time `json:"completed_at"`
}

// Add folds a chunk result into the totals.
func (r *RunReport) Add(res ChunkResult) {
	r.Chunks++
	r.Steps += res.Span.Len()
	r.CandidateSteps += res.CandidateSteps
	r.HeatwaveStarts += res.HeatwaveStarts
	r.HeatwaveDays += res.HeatwaveDays
}
