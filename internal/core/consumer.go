package core

import (
	"context"
	"log/slog"
	"time"

	"github.com/e7canasta/orion-posture/internal/hysteresis"
	"github.com/e7canasta/orion-posture/internal/landmark"
	"github.com/e7canasta/orion-posture/internal/posture"
	"github.com/e7canasta/orion-posture/internal/stream"
)

// consumeFrames feeds source frames through the engine and onto the bus.
// It follows the source across watchdog restarts.
func (s *Service) consumeFrames(ctx context.Context) {
	defer s.wg.Done()

	slog.Info("frame consumer started")

	frameCount := uint64(0)
	spanLogged := false
	ch := s.source.Frames()

	for {
		select {
		case <-ctx.Done():
			slog.Info("frame consumer stopping", "total_frames", frameCount)
			return

		case frame, ok := <-ch:
			if !ok {
				next, alive := s.awaitSource(ctx, ch)
				if !alive {
					slog.Info("frame consumer stopping", "total_frames", frameCount)
					return
				}
				ch = next
				continue
			}

			frameCount++
			s.handleFrame(frame)

			if !spanLogged && frameCount == hysteresis.WindowSize {
				stats := s.rate.Stats()
				slog.Info("alert window span measured",
					"window_frames", hysteresis.WindowSize,
					"fps_mean", float64(int(stats.FPSMean*100))/100,
					"fps_stable", stats.IsStable,
					"window_span", stream.WindowSpan(stats, hysteresis.WindowSize).String(),
				)
				spanLogged = true
			}
		}
	}
}

// awaitSource waits after the frame channel closed until the watchdog hands
// over a new one. It returns false once ctx is done.
func (s *Service) awaitSource(ctx context.Context, closed <-chan landmark.Frame) (<-chan landmark.Frame, bool) {
	for {
		if next := s.source.Frames(); next != nil && next != closed {
			return next, true
		}

		s.mu.Lock()
		if !s.sourceEnded {
			s.sourceEnded = true
			slog.Warn("landmark source ended", "source", s.source.Stats().Source)
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-s.restarted:
		}
	}
}

// handleFrame runs one frame through the engine and publishes the report.
// Paused frames are recorded but not classified.
func (s *Service) handleFrame(frame landmark.Frame) {
	s.rate.Observe(frame.Timestamp)

	if s.recorder != nil {
		if err := s.recorder.Write(frame); err != nil {
			slog.Error("failed to record frame", "seq", frame.Seq, "error", err)
		}
	}

	if s.isPausedCheck() {
		return
	}

	report := s.process(frame)

	for _, t := range report.Transitions {
		slog.Info("posture alert "+string(t.Kind),
			"category", t.Category.String(),
			"seq", t.Seq,
			"window_bad", t.Window.Bad,
			"window_len", t.Window.Len,
			"trace_id", report.TraceID,
		)
	}

	s.bus.Publish(report)
}

// process applies a pending calibration request to the first frame able to
// satisfy it.
func (s *Service) process(frame landmark.Frame) posture.Report {
	s.engineMu.Lock()
	defer s.engineMu.Unlock()

	report := s.engine.Process(frame, s.calibratePending)

	switch report.Status {
	case posture.StatusCalibrated:
		s.calibratePending = false
		slog.Info("baseline captured",
			"seq", report.Seq,
			"head_forward", report.Metrics.HeadForward,
			"head_side_slouch", report.Metrics.HeadSideSlouch,
			"head_angle", report.Metrics.HeadAngle,
		)
	case posture.StatusSkipped:
		slog.Debug("frame skipped", "seq", report.Seq, "error", report.Error)
	}

	return report
}

// logStats logs pipeline statistics periodically
func (s *Service) logStats(ctx context.Context) {
	ticker := time.NewTicker(statsLogPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			src := s.source.Stats()
			bus := s.bus.Stats()
			counters := s.engineCounters()

			slog.Debug("pipeline stats",
				"source", src.Source,
				"frames_emitted", src.FramesEmitted,
				"source_fps_real", float64(int(src.FPSReal*100))/100,
				"frames_classified", counters.Classified,
				"frames_skipped", counters.Skipped,
				"bus_published", bus.TotalPublished,
			)

			for id, sub := range bus.Subscribers {
				if sub.Dropped > 0 {
					slog.Warn("report subscriber dropping reports",
						"subscriber", id,
						"dropped_count", sub.Dropped,
					)
				}
			}
		}
	}
}

func (s *Service) engineCounters() posture.Counters {
	s.engineMu.Lock()
	defer s.engineMu.Unlock()
	return s.engine.Counters()
}
