package core

import (
	"fmt"
	"log/slog"

	"github.com/e7canasta/orion-posture/internal/config"
	"github.com/e7canasta/orion-posture/internal/stream"
	"github.com/e7canasta/orion-posture/internal/worker"
)

// newSource builds the landmark source selected by cfg.Source.Type
func newSource(cfg *config.Config) (LandmarkSource, error) {
	src := cfg.Source

	switch src.Type {
	case config.SourcePython:
		w, err := worker.NewPythonPoseEstimator(worker.PythonPoseEstimatorConfig{
			WorkerID:               "pose-estimator",
			Script:                 src.Python.Script,
			Camera:                 src.Python.Camera,
			FPS:                    src.Python.FPS,
			ModelComplexity:        src.Python.ModelComplexity,
			MinDetectionConfidence: src.Python.MinDetectionConfidence,
			MinTrackingConfidence:  src.Python.MinTrackingConfidence,
			InstanceID:             cfg.InstanceID,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create python pose estimator: %w", err)
		}
		slog.Info("using python pose estimator",
			"script", src.Python.Script,
			"camera", src.Python.Camera,
			"fps", src.Python.FPS,
		)
		return w, nil

	case config.SourceReplay:
		r, err := stream.NewReplaySource(stream.ReplayConfig{
			Path: src.Replay.Path,
			FPS:  src.Replay.FPS,
			Loop: src.Replay.Loop,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("using replay source", "path", src.Replay.Path, "fps", src.Replay.FPS)
		return r, nil

	case config.SourceMock:
		phases := make([]stream.Phase, 0, len(src.Mock.Phases))
		for _, ph := range src.Mock.Phases {
			p, err := stream.ParsePosture(ph.Posture)
			if err != nil {
				return nil, err
			}
			phases = append(phases, stream.Phase{Posture: p, Frames: ph.Frames})
		}
		m, err := stream.NewMockSource(stream.MockConfig{
			FPS:    src.Mock.FPS,
			Seed:   src.Mock.Seed,
			Jitter: src.Mock.Jitter,
			Loop:   src.Mock.Loop,
			Phases: phases,
		})
		if err != nil {
			return nil, err
		}
		slog.Info("using mock source (synthetic postures)", "phases", len(phases), "fps", src.Mock.FPS)
		return m, nil
	}

	return nil, fmt.Errorf("unknown source type %q", src.Type)
}
