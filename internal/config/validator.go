package config

import (
	"fmt"
	"regexp"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Postures understood by the mock source
var mockPostures = map[string]bool{
	"upright":   true,
	"forward":   true,
	"side":      true,
	"head_down": true,
	"away":      true,
}

// Validate checks the configuration and fills in defaults
func Validate(cfg *Config) error {
	if cfg.InstanceID == "" {
		return fmt.Errorf("instance_id is required")
	}
	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.DeskID == "" {
		return fmt.Errorf("desk_id is required")
	}

	if cfg.ShutdownTimeoutS < 0 {
		return fmt.Errorf("shutdown_timeout_s must be >= 0")
	}
	if cfg.ShutdownTimeoutS == 0 {
		cfg.ShutdownTimeoutS = 5
	}
	if cfg.ReportEveryNFrames <= 0 {
		cfg.ReportEveryNFrames = 15
	}

	if err := validateSource(&cfg.Source); err != nil {
		return fmt.Errorf("source: %w", err)
	}

	setMQTTDefaults(cfg)

	if cfg.Redis.StreamMaxLen <= 0 {
		cfg.Redis.StreamMaxLen = 10000
	}
	if cfg.Redis.StatusTTLS <= 0 {
		cfg.Redis.StatusTTLS = 60
	}

	if cfg.Health.Port == "" {
		cfg.Health.Port = "8080"
	}

	switch cfg.Log.Level {
	case "":
		cfg.Log.Level = "info"
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn or error, got %q", cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "":
		cfg.Log.Format = "json"
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", cfg.Log.Format)
	}

	return nil
}

func validateSource(src *SourceConfig) error {
	if src.Type == "" {
		src.Type = SourceMock
	}
	if src.StallTimeoutS <= 0 {
		src.StallTimeoutS = 30
	}

	switch src.Type {
	case SourcePython:
		p := &src.Python
		if p.Script == "" {
			p.Script = "models/run_pose_worker.sh"
		}
		if p.Camera == "" {
			p.Camera = "0"
		}
		if p.FPS < 0 {
			return fmt.Errorf("python.fps must be >= 0")
		}
		if p.FPS == 0 {
			p.FPS = 15
		}
		if p.ModelComplexity < 0 || p.ModelComplexity > 2 {
			return fmt.Errorf("python.model_complexity must be 0, 1 or 2, got %d", p.ModelComplexity)
		}
		if p.MinDetectionConfidence == 0 {
			p.MinDetectionConfidence = 0.5
		}
		if p.MinTrackingConfidence == 0 {
			p.MinTrackingConfidence = 0.5
		}
		if p.MinDetectionConfidence < 0 || p.MinDetectionConfidence > 1 ||
			p.MinTrackingConfidence < 0 || p.MinTrackingConfidence > 1 {
			return fmt.Errorf("python confidences must be in (0, 1]")
		}

	case SourceReplay:
		if src.Replay.Path == "" {
			return fmt.Errorf("replay.path is required")
		}
		if src.Replay.FPS < 0 {
			return fmt.Errorf("replay.fps must be >= 0")
		}

	case SourceMock:
		m := &src.Mock
		if m.FPS < 0 {
			return fmt.Errorf("mock.fps must be >= 0")
		}
		if m.FPS == 0 {
			m.FPS = 15
		}
		if m.Jitter < 0 {
			return fmt.Errorf("mock.jitter must be >= 0")
		}
		if len(m.Phases) == 0 {
			m.Phases = []MockPhase{
				{Posture: "upright", Frames: 150},
				{Posture: "forward", Frames: 300},
				{Posture: "upright", Frames: 300},
			}
			m.Loop = true
		}
		for i, ph := range m.Phases {
			if !mockPostures[ph.Posture] {
				return fmt.Errorf("mock.phases[%d]: unknown posture %q", i, ph.Posture)
			}
			if ph.Frames <= 0 {
				return fmt.Errorf("mock.phases[%d]: frames must be > 0", i)
			}
		}

	default:
		return fmt.Errorf("unknown type %q (must be python, replay or mock)", src.Type)
	}

	return nil
}

func setMQTTDefaults(cfg *Config) {
	m := &cfg.MQTT
	if m.ClientID == "" {
		m.ClientID = fmt.Sprintf("posture-%s", cfg.InstanceID)
	}

	if m.Topics.Control == "" {
		m.Topics.Control = fmt.Sprintf("care/posture/%s/control", cfg.InstanceID)
	}
	if m.Topics.Reports == "" {
		m.Topics.Reports = fmt.Sprintf("care/posture/%s/reports", cfg.InstanceID)
	}
	if m.Topics.Alerts == "" {
		m.Topics.Alerts = fmt.Sprintf("care/posture/%s/alerts", cfg.InstanceID)
	}
	if m.Topics.Health == "" {
		m.Topics.Health = fmt.Sprintf("care/posture/%s/health", cfg.InstanceID)
	}

	if m.QoS == nil {
		m.QoS = map[string]byte{
			"control": 1,
			"reports": 0,
			"alerts":  1,
			"health":  0,
		}
	}
}
