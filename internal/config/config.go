package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete posture service configuration
type Config struct {
	InstanceID         string `yaml:"instance_id"`
	DeskID             string `yaml:"desk_id"`
	ShutdownTimeoutS   int    `yaml:"shutdown_timeout_s"`    // Graceful shutdown timeout in seconds (default: 5)
	ReportEveryNFrames int    `yaml:"report_every_n_frames"` // Publish every Nth per-frame report (default: 15)
	CalibrateOnStart   bool   `yaml:"calibrate_on_start"`    // Capture the baseline from the first frame with a body

	Source  SourceConfig  `yaml:"source"`
	MQTT    MQTTConfig    `yaml:"mqtt"`
	Redis   RedisConfig   `yaml:"redis"`
	Journal JournalConfig `yaml:"journal"`
	Health  HealthConfig  `yaml:"health"`
	Log     LogConfig     `yaml:"log"`
}

// Source types
const (
	SourcePython = "python"
	SourceReplay = "replay"
	SourceMock   = "mock"
)

// SourceConfig selects and configures the landmark source
type SourceConfig struct {
	Type          string       `yaml:"type"`            // python, replay, mock
	StallTimeoutS int          `yaml:"stall_timeout_s"` // Watchdog restarts a source silent for longer (default: 30)
	RecordPath    string       `yaml:"record_path"`     // Optional JSON Lines recording of every frame received
	Python        PythonConfig `yaml:"python"`
	Replay        ReplayConfig `yaml:"replay"`
	Mock          MockConfig   `yaml:"mock"`
}

// PythonConfig configures the MediaPipe pose estimator subprocess
type PythonConfig struct {
	Script                 string  `yaml:"script"`                   // Wrapper script (default: models/run_pose_worker.sh)
	Camera                 string  `yaml:"camera"`                   // Camera index or device/URL handed to the estimator
	FPS                    float64 `yaml:"fps"`                      // Target capture rate
	ModelComplexity        int     `yaml:"model_complexity"`         // 0, 1 or 2
	MinDetectionConfidence float64 `yaml:"min_detection_confidence"` // (0, 1]
	MinTrackingConfidence  float64 `yaml:"min_tracking_confidence"`  // (0, 1]
}

// ReplayConfig configures playback of a JSON Lines landmark recording
type ReplayConfig struct {
	Path string  `yaml:"path"`
	FPS  float64 `yaml:"fps"` // 0 replays as fast as possible
	Loop bool    `yaml:"loop"`
}

// MockConfig configures the synthetic posture generator
type MockConfig struct {
	FPS    float64     `yaml:"fps"`
	Seed   int64       `yaml:"seed"`
	Jitter float64     `yaml:"jitter"` // Gaussian noise stddev on coordinates
	Loop   bool        `yaml:"loop"`
	Phases []MockPhase `yaml:"phases"`
}

// MockPhase is a run of frames with one scripted posture
type MockPhase struct {
	Posture string `yaml:"posture"` // upright, forward, side, head_down, away
	Frames  int    `yaml:"frames"`
}

// MQTTConfig contains MQTT broker settings. An empty broker disables the
// emitter and the control plane.
type MQTTConfig struct {
	Broker   string          `yaml:"broker"`
	ClientID string          `yaml:"client_id"`
	Topics   MQTTTopics      `yaml:"topics"`
	QoS      map[string]byte `yaml:"qos"`
}

// MQTTTopics contains topic names
type MQTTTopics struct {
	Control string `yaml:"control"`
	Reports string `yaml:"reports"`
	Alerts  string `yaml:"alerts"`
	Health  string `yaml:"health"`
}

// RedisConfig configures the alert stream publisher. An empty addr disables it.
type RedisConfig struct {
	Addr         string `yaml:"addr"`
	Password     string `yaml:"password"`
	DB           int    `yaml:"db"`
	StreamMaxLen int64  `yaml:"stream_max_len"` // Approximate XADD MAXLEN (default: 10000)
	StatusTTLS   int    `yaml:"status_ttl_s"`   // Expiry of the status hash (default: 60)
}

// JournalConfig configures the SQLite alert episode journal. An empty path disables it.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// HealthConfig configures the HTTP health server
type HealthConfig struct {
	Port string `yaml:"port"` // default: 8080
}

// LogConfig configures the process logger
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return Parse(data)
}

// Parse decodes and validates a YAML document
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// ShutdownTimeout returns the graceful shutdown budget
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutS) * time.Second
}

// StallTimeout returns how long a source may stay silent before the watchdog restarts it
func (c *Config) StallTimeout() time.Duration {
	return time.Duration(c.Source.StallTimeoutS) * time.Second
}

// StatusTTL returns the expiry of the Redis status hash
func (c *RedisConfig) StatusTTL() time.Duration {
	return time.Duration(c.StatusTTLS) * time.Second
}
