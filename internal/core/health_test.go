package core

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/e7canasta/orion-posture/internal/config"
	"github.com/e7canasta/orion-posture/internal/hysteresis"
	"github.com/e7canasta/orion-posture/internal/posture"
	"github.com/e7canasta/orion-posture/internal/stream"
)

func TestHealthEndpoints(t *testing.T) {
	svc, err := NewService(testConfig(t), WithSource(&fakeSource{}))
	require.NoError(t, err)
	h := svc.Handler()

	tests := []struct {
		name     string
		method   string
		path     string
		wantCode int
	}{
		{"liveness", http.MethodGet, "/health", http.StatusOK},
		{"readiness before run", http.MethodGet, "/readiness", http.StatusServiceUnavailable},
		{"status", http.MethodGet, "/status", http.StatusOK},
		{"calibrate", http.MethodPost, "/calibrate", http.StatusAccepted},
		{"calibrate wrong method", http.MethodGet, "/calibrate", http.StatusMethodNotAllowed},
		{"reset", http.MethodPost, "/reset", http.StatusOK},
		{"episodes without journal", http.MethodGet, "/episodes", http.StatusServiceUnavailable},
		{"episodes bad window", http.MethodGet, "/episodes?since=yesterday", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, nil))
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
		})
	}
}

func TestHealthCheck_NotRunning(t *testing.T) {
	svc, err := NewService(testConfig(t), WithSource(&fakeSource{}))
	require.NoError(t, err)

	health := svc.HealthCheck()
	assert.Equal(t, "unhealthy", health.Status)
	assert.Equal(t, "posture_health", health.Type)
	assert.False(t, health.Calibrated)
}

func TestStatusAndEpisodesOverHTTP(t *testing.T) {
	cfg := &config.Config{InstanceID: "desk-01", DeskID: "office-12"}
	cfg.Journal.Path = filepath.Join(t.TempDir(), "posture.db")
	require.NoError(t, config.Validate(cfg))

	svc, err := NewService(cfg, WithSource(&fakeSource{}))
	require.NoError(t, err)
	t.Cleanup(svc.closeSinks)

	svc.requestCalibration()
	svc.handleFrame(bodyFrame(0, stream.Upright))

	// drive a forward alert straight into the journal
	require.NoError(t, svc.journal.RecordTransition(t.Context(), posture.Transition{
		Category:  hysteresis.Forward,
		Kind:      posture.Onset,
		Seq:       100,
		Timestamp: bodyFrame(100, stream.Forward).Timestamp,
	}))

	h := svc.Handler()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var status map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, true, status["calibrated"])
	assert.Equal(t, "desk-01", status["instance_id"])
	assert.Contains(t, status, "journal")

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/episodes?since=1h", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var episodes struct {
		Count int `json:"count"`
		Open  int `json:"open"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &episodes))
	assert.Equal(t, 1, episodes.Count)
	assert.Equal(t, 1, episodes.Open)
}
