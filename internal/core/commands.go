package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/e7canasta/orion-posture/internal/reportbus"
)

// getStatus returns the current service status
func (s *Service) getStatus() map[string]interface{} {
	s.mu.RLock()
	uptime := time.Since(s.started).Seconds()
	running := s.isRunning
	paused := s.isPaused
	sourceEnded := s.sourceEnded
	s.mu.RUnlock()

	s.engineMu.Lock()
	baseline, calibrated := s.engine.Baseline()
	alerts := s.engine.Alerts()
	windows := s.engine.Windows()
	counters := s.engine.Counters()
	pending := s.calibratePending
	s.engineMu.Unlock()

	src := s.source.Stats()
	bus := s.bus.Stats()

	status := map[string]interface{}{
		"instance_id": s.cfg.InstanceID,
		"desk_id":     s.cfg.DeskID,
		"uptime_s":    uptime,
		"running":     running,
		"paused":      paused,
		"calibrated":  calibrated,
		"calibration": map[string]interface{}{
			"pending": pending,
		},
		"alerts":   alerts,
		"windows":  windows,
		"counters": counters,
		"source": map[string]interface{}{
			"type":           src.Source,
			"connected":      src.IsConnected,
			"ended":          sourceEnded,
			"fps_real":       src.FPSReal,
			"fps_target":     src.FPSTarget,
			"frames_emitted": src.FramesEmitted,
			"frames_dropped": src.FramesDropped,
			"no_body_frames": src.NoBodyFrames,
			"restarts":       src.Restarts,
			"last_seen_at":   src.LastSeenAt,
		},
		"reportbus": map[string]interface{}{
			"published": bus.TotalPublished,
			"sent":      bus.TotalSent,
			"dropped":   bus.TotalDropped,
			"drop_rate": reportbus.CalculateDropRate(bus),
		},
	}

	if calibrated {
		status["calibration"].(map[string]interface{})["baseline"] = baseline
	}
	if last, ok := s.latest.Get(); ok {
		status["last_report"] = last
	}
	if s.emitter != nil {
		status["emitter"] = s.emitter.Stats()
	}
	if s.redis != nil {
		status["redis"] = s.redis.Stats()
	}
	if s.journal != nil {
		status["journal"] = s.journal.Stats()
	}
	if s.recorder != nil {
		status["recorded_frames"] = s.recorder.Count()
	}

	return status
}

// requestCalibration latches a calibration request for the next frame with
// a body in it
func (s *Service) requestCalibration() {
	s.engineMu.Lock()
	s.calibratePending = true
	s.engineMu.Unlock()

	slog.Info("calibration requested")
}

func (s *Service) calibrateViaControl() error {
	if s.isPausedCheck() {
		return fmt.Errorf("inference paused, resume before calibrating")
	}
	s.requestCalibration()
	return nil
}

// resetEngine drops the baseline, the alert windows and any pending
// calibration. Active alerts report a cleared transition on the next frame.
func (s *Service) resetEngine() error {
	s.engineMu.Lock()
	s.engine.Reset()
	s.calibratePending = false
	s.engineMu.Unlock()

	slog.Info("posture engine reset", "action", "recalibrate to resume classification")
	return nil
}

// pauseInference stops classifying frames; the source keeps running
func (s *Service) pauseInference() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isPaused {
		return fmt.Errorf("already paused")
	}

	s.isPaused = true
	slog.Info("inference paused")
	return nil
}

// resumeInference resumes classification
func (s *Service) resumeInference() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isPaused {
		return fmt.Errorf("not paused")
	}

	s.isPaused = false
	slog.Info("inference resumed")
	return nil
}

// isPausedCheck returns whether inference is paused
func (s *Service) isPausedCheck() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isPaused
}

// shutdownViaControl initiates graceful shutdown via MQTT control command
func (s *Service) shutdownViaControl() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.isRunning {
		return fmt.Errorf("service not running")
	}
	if s.cancelCtx == nil {
		return fmt.Errorf("shutdown not available (no cancel context)")
	}

	slog.Info("shutdown requested via control plane")
	s.cancelCtx()
	return nil
}

// getEpisodes lists the journaled alert episodes started within window
func (s *Service) getEpisodes(window time.Duration) (map[string]interface{}, error) {
	if s.journal == nil {
		return nil, fmt.Errorf("episode journal not configured")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	since := time.Now().Add(-window)
	episodes, err := s.journal.Episodes(ctx, since)
	if err != nil {
		return nil, err
	}
	open, err := s.journal.OpenEpisodes(ctx)
	if err != nil {
		return nil, err
	}

	return map[string]interface{}{
		"since":    since.UTC().Format(time.RFC3339),
		"count":    len(episodes),
		"episodes": episodes,
		"open":     len(open),
	}, nil
}
