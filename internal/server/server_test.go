package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shockscore/internal/config"
	"shockscore/internal/models"
	"shockscore/internal/screening"
)

type staticRecent []string

func (s staticRecent) RecentReports(_ context.Context, count int64) ([]string, error) {
	if int64(len(s)) > count {
		return s[:count], nil
	}
	return s, nil
}

func newTestServer(t *testing.T, recent RecentReports) *Server {
	t.Helper()
	cfg := config.Default()
	cfg.Calibration = config.Calibration{MaxSamples: 1}
	m := screening.NewManager(cfg, nil, nil, nil)
	t.Cleanup(func() { _ = m.Shutdown(context.Background()) })
	return New(m, recent)
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func frameJSON(ts, fear float64, faces int) string {
	var b bytes.Buffer
	fmt.Fprintf(&b, `{"timestamp": %g, "faces": [`, ts)
	for i := 0; i < faces; i++ {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, `{"confidence": 0.9, "emotions": {"fear": %g, "neutral": %g}}`, fear, 1-fear)
	}
	b.WriteString("]}")
	return b.String()
}

func startSession(t *testing.T, s *Server, body string) screening.Info {
	t.Helper()
	rec := do(t, s, http.MethodPost, "/sessions", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[screening.Info](t, rec)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, nil)

	rec := do(t, s, http.MethodGet, "/health", "")

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "healthy", decode[map[string]any](t, rec)["status"])
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestServer(t, nil)
	info := startSession(t, s, `{"film_id": "hereditary", "venue": "screen-1"}`)
	assert.Equal(t, "hereditary", info.Metadata.FilmID)

	frames := []string{
		frameJSON(0, 0.05, 5),
		frameJSON(1, 0.10, 5),
		`{"timestamp": 2, "faces": []}`,
		frameJSON(3, 0.70, 6),
	}
	for _, f := range frames {
		rec := do(t, s, http.MethodPost, "/sessions/"+info.ID+"/frames", f)
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
		assert.Equal(t, "queued", decode[map[string]string](t, rec)["status"])
	}

	rec := do(t, s, http.MethodPost, "/sessions/"+info.ID+"/stop", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decode[models.Report](t, rec)
	assert.Len(t, report.Timeline, 2)
	assert.Equal(t, 1, report.Reliability.DataGaps)
	assert.Equal(t, "population_aggregation", report.Privacy.Method)

	rec = do(t, s, http.MethodGet, "/sessions/"+info.ID+"/report", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, report.EPM, decode[models.Report](t, rec).EPM)

	rec = do(t, s, http.MethodGet, "/sessions/"+info.ID+"/timeline?limit=1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	tl := decode[[]models.ShockScoreSample](t, rec)
	require.Len(t, tl, 1)
	assert.Equal(t, 3.0, tl[0].Timestamp)

	rec = do(t, s, http.MethodGet, "/sessions/"+info.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, screening.StateStopped, decode[screening.Info](t, rec).State)

	rec = do(t, s, http.MethodPost, "/sessions/"+info.ID+"/frames", frameJSON(4, 0.1, 1))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestReportNeverCarriesIdentifyingFields(t *testing.T) {
	s := newTestServer(t, nil)
	info := startSession(t, s, `{}`)
	for i := 0; i < 5; i++ {
		rec := do(t, s, http.MethodPost, "/sessions/"+info.ID+"/frames", frameJSON(float64(i), 0.3, 3))
		require.Equal(t, http.StatusAccepted, rec.Code)
	}
	rec := do(t, s, http.MethodPost, "/sessions/"+info.ID+"/stop", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	for _, key := range []string{"bounding_box", "face_id", "embedding", "image", "landmarks"} {
		assert.NotContains(t, body, `"`+key+`"`)
	}
}

func TestStartSession_ConfigOverride(t *testing.T) {
	s := newTestServer(t, nil)

	info := startSession(t, s, `{"film_id": "x", "config": {"detector": {"window_size": 3}}}`)
	assert.NotEmpty(t, info.ID)

	rec := do(t, s, http.MethodPost, "/sessions", `{"config": {"detector": {"window_size": 0}}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "configuration", decode[map[string]any](t, rec)["kind"])

	rec = do(t, s, http.MethodPost, "/sessions", `{"config": {"nonsense": true}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestStartSession_EmptyBody(t *testing.T) {
	s := newTestServer(t, nil)

	rec := do(t, s, http.MethodPost, "/sessions", "")

	assert.Equal(t, http.StatusCreated, rec.Code)
}

func TestIngestFrame_Validation(t *testing.T) {
	s := newTestServer(t, nil)
	info := startSession(t, s, `{}`)

	rec := do(t, s, http.MethodPost, "/sessions/"+info.ID+"/frames", `{"timestamp": -1}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/sessions/"+info.ID+"/frames", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/sessions/"+info.ID+"/frames",
		`{"timestamp": 1, "faces": [{"confidence": 1, "emotions": {"contempt": 1}}]}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestFrame_DuplicateTimestampConflicts(t *testing.T) {
	s := newTestServer(t, nil)
	info := startSession(t, s, `{}`)

	for _, ts := range []float64{0, 1} {
		rec := do(t, s, http.MethodPost, "/sessions/"+info.ID+"/frames", frameJSON(ts, 0.1, 2))
		require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	}

	rec := do(t, s, http.MethodPost, "/sessions/"+info.ID+"/frames", frameJSON(1, 0.1, 2))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "invariant_violation", decode[map[string]any](t, rec)["kind"])

	rec = do(t, s, http.MethodGet, "/sessions/"+info.ID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, screening.StateFailed, decode[screening.Info](t, rec).State)
}

func TestUnknownSession(t *testing.T) {
	s := newTestServer(t, nil)

	for _, path := range []string{"/sessions/nope", "/sessions/nope/report", "/sessions/nope/timeline"} {
		rec := do(t, s, http.MethodGet, path, "")
		assert.Equal(t, http.StatusNotFound, rec.Code, path)
	}
	rec := do(t, s, http.MethodPost, "/sessions/nope/frames", frameJSON(1, 0.1, 1))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIngestImage_WithoutClassifier(t *testing.T) {
	s := newTestServer(t, nil)
	info := startSession(t, s, `{}`)

	rec := do(t, s, http.MethodPost, "/sessions/"+info.ID+"/images?timestamp=1.5", "jpeg-bytes")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = do(t, s, http.MethodPost, "/sessions/"+info.ID+"/images", "jpeg-bytes")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecentReports(t *testing.T) {
	rec := do(t, newTestServer(t, nil), http.MethodGet, "/reports", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	s := newTestServer(t, staticRecent{"a", "b", "c"})
	rec = do(t, s, http.MethodGet, "/reports?limit=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []any{"a", "b"}, decode[map[string]any](t, rec)["session_ids"])

	rec = do(t, s, http.MethodGet, "/reports?limit=-4", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPrometheusEndpoint(t *testing.T) {
	s := newTestServer(t, nil)
	do(t, s, http.MethodGet, "/health", "")

	rec := do(t, s, http.MethodGet, "/metrics/prometheus", "")

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `http_requests_total{endpoint="/health",method="GET",status="200"}`)
}
