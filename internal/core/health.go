package core

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/e7canasta/orion-posture/internal/emitter"
)

// SourceHealth summarizes the landmark source
type SourceHealth struct {
	Type          string    `json:"type"`
	Connected     bool      `json:"connected"`
	FramesEmitted uint64    `json:"frames_emitted"`
	FramesDropped uint64    `json:"frames_dropped"`
	DropRate      float64   `json:"drop_rate"`
	FPSReal       float64   `json:"fps_real"`
	Restarts      uint32    `json:"restarts"`
	LastSeenAt    time.Time `json:"last_seen_at"`
}

// HealthStatus represents the health state of the posture service
type HealthStatus struct {
	Type          string       `json:"type"`
	InstanceID    string       `json:"instance_id"`
	Status        string       `json:"status"` // "healthy", "degraded", "unhealthy"
	UptimeSeconds int64        `json:"uptime_seconds"`
	Paused        bool         `json:"paused"`
	Calibrated    bool         `json:"calibrated"`
	MQTTConnected bool         `json:"mqtt_connected"`
	Source        SourceHealth `json:"source"`
	Timestamp     time.Time    `json:"timestamp"`
}

// HealthCheck returns the current health status of the service
func (s *Service) HealthCheck() HealthStatus {
	s.mu.RLock()
	running := s.isRunning
	paused := s.isPaused
	uptime := int64(time.Since(s.started).Seconds())
	s.mu.RUnlock()

	s.engineMu.Lock()
	_, calibrated := s.engine.Baseline()
	s.engineMu.Unlock()

	src := s.source.Stats()
	var dropRate float64
	if total := src.FramesEmitted + src.FramesDropped; total > 0 {
		dropRate = float64(src.FramesDropped) / float64(total)
	}

	status := HealthStatus{
		Type:          emitter.TypeHealth,
		InstanceID:    s.cfg.InstanceID,
		Status:        "healthy",
		UptimeSeconds: uptime,
		Paused:        paused,
		Calibrated:    calibrated,
		Source: SourceHealth{
			Type:          src.Source,
			Connected:     src.IsConnected,
			FramesEmitted: src.FramesEmitted,
			FramesDropped: src.FramesDropped,
			DropRate:      dropRate,
			FPSReal:       src.FPSReal,
			Restarts:      src.Restarts,
			LastSeenAt:    src.LastSeenAt,
		},
		Timestamp: time.Now().UTC(),
	}

	if s.emitter != nil {
		status.MQTTConnected = s.emitter.Stats().Connected
	}

	switch {
	case !running:
		status.Status = "unhealthy"
		status.UptimeSeconds = 0
	case !src.IsConnected, s.emitter != nil && !status.MQTTConnected:
		status.Status = "degraded"
	}

	return status
}

// publishHealthLoop publishes a retained health payload periodically
func (s *Service) publishHealthLoop(ctx context.Context) {
	ticker := time.NewTicker(healthPublishPeriod)
	defer ticker.Stop()

	s.publishHealth()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.publishHealth()
		}
	}
}

func (s *Service) publishHealth() {
	payload, err := json.Marshal(s.HealthCheck())
	if err != nil {
		slog.Error("failed to marshal health", "error", err)
		return
	}
	if err := s.emitter.PublishHealth(payload); err != nil {
		slog.Debug("failed to publish health", "error", err)
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// LivenessHandler handles /health endpoint (simple liveness check)
func (s *Service) LivenessHandler(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	uptime := int64(time.Since(s.started).Seconds())
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "alive",
		"uptime": uptime,
	})
}

// ReadinessHandler handles /readiness endpoint (detailed readiness check)
func (s *Service) ReadinessHandler(w http.ResponseWriter, r *http.Request) {
	health := s.HealthCheck()

	statusCode := http.StatusOK
	if health.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}
	writeJSON(w, statusCode, health)
}

// StatusHandler handles /status with the full status snapshot
func (s *Service) StatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.getStatus())
}

// CalibrateHandler handles POST /calibrate
func (s *Service) CalibrateHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "use POST"})
		return
	}
	if err := s.calibrateViaControl(); err != nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "pending"})
}

// ResetHandler handles POST /reset
func (s *Service) ResetHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "use POST"})
		return
	}
	s.resetEngine()
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "success", "calibrated": false})
}

// EpisodesHandler handles /episodes?since=<duration>
func (s *Service) EpisodesHandler(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if raw := r.URL.Query().Get("since"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "since must be a positive duration"})
			return
		}
		window = d
	}

	data, err := s.getEpisodes(window)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, data)
}

// Handler returns the health server routes
func (s *Service) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.LivenessHandler)
	mux.HandleFunc("/readiness", s.ReadinessHandler)
	mux.HandleFunc("/status", s.StatusHandler)
	mux.HandleFunc("/calibrate", s.CalibrateHandler)
	mux.HandleFunc("/reset", s.ResetHandler)
	mux.HandleFunc("/episodes", s.EpisodesHandler)
	return mux
}

// StartHealthServer starts the HTTP health check server on the given port
// This runs in a separate goroutine and does not block
func (s *Service) StartHealthServer(port string) error {
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.mu.Lock()
	s.httpServer = server
	s.mu.Unlock()

	slog.Info("starting health check server",
		"port", port,
		"endpoints", []string{"/health", "/readiness", "/status", "/calibrate", "/reset", "/episodes"},
	)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("health check server failed", "error", err)
		}
	}()

	return nil
}
