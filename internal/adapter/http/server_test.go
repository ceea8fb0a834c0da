package http_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	httpadapter "github.com/couchcryptid/heatwave-etl/internal/adapter/http"
	"github.com/couchcryptid/heatwave-etl/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockReadiness struct {
	err error
}

func (m *mockReadiness) CheckReadiness(_ context.Context) error { return m.err }

type mockPoints struct {
	summary domain.PointSummary
	err     error
	gotLat  float64
	gotLon  float64
	calls   int
}

func (m *mockPoints) PointSummary(_ context.Context, lat, lon float64) (domain.PointSummary, error) {
	m.calls++
	m.gotLat, m.gotLon = lat, lon
	return m.summary, m.err
}

func newTestServer(readyErr error) *httpadapter.Server {
	return httpadapter.NewServer(":0", &mockReadiness{err: readyErr}, &mockPoints{err: domain.ErrNotFound}, slog.Default())
}

func TestHealthzReturns200(t *testing.T) {
	srv := newTestServer(nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestReadyzReturns200WhenReady(t *testing.T) {
	srv := newTestServer(nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ready", body["status"])
}

func TestReadyzReturns503WhenNotReady(t *testing.T) {
	srv := newTestServer(fmt.Errorf("not ready yet"))
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not ready", body["status"])
	assert.Equal(t, "not ready yet", body["error"])
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "go_goroutines")
}

func TestHeatwavesReturnsPointSummary(t *testing.T) {
	points := &mockPoints{summary: domain.PointSummary{
		Point:       domain.GridPoint{Lat: 51.25, Lon: 0.5},
		Years:       []domain.YearCount{{Year: 2003, Starts: 2, Days: 9}},
		TotalStarts: 2,
		TotalDays:   9,
	}}
	srv := httpadapter.NewServer(":0", &mockReadiness{}, points, slog.Default())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/heatwaves?lat=51.3&lon=0.4", nil)

	srv.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.InDelta(t, 51.3, points.gotLat, 1e-9)
	assert.InDelta(t, 0.4, points.gotLon, 1e-9)

	var got domain.PointSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, points.summary, got)
}

func TestHeatwavesRejectsBadCoordinates(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{"missing lat", "?lon=10"},
		{"missing lon", "?lat=10"},
		{"lat not a number", "?lat=north&lon=10"},
		{"lat out of range", "?lat=91&lon=10"},
		{"lon out of range", "?lat=10&lon=-361"},
		{"lat NaN", "?lat=NaN&lon=10"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			points := &mockPoints{}
			srv := httpadapter.NewServer(":0", &mockReadiness{}, points, slog.Default())
			rec := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/api/v1/heatwaves"+tt.query, nil)

			srv.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Zero(t, points.calls)
		})
	}
}

func TestHeatwavesReturns404WithoutData(t *testing.T) {
	srv := newTestServer(nil)
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/heatwaves?lat=0&lon=0", nil)

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHeatwavesReturns500OnStoreError(t *testing.T) {
	points := &mockPoints{err: fmt.Errorf("disk I/O error")}
	srv := httpadapter.NewServer(":0", &mockReadiness{}, points, slog.Default())
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/heatwaves?lat=0&lon=0", nil)

	srv.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "disk")
}
