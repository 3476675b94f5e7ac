package core

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/e7canasta/orion-posture/internal/config"
	"github.com/e7canasta/orion-posture/internal/control"
	"github.com/e7canasta/orion-posture/internal/emitter"
	"github.com/e7canasta/orion-posture/internal/journal"
	"github.com/e7canasta/orion-posture/internal/posture"
	"github.com/e7canasta/orion-posture/internal/redisstream"
	"github.com/e7canasta/orion-posture/internal/reportbus"
	"github.com/e7canasta/orion-posture/internal/stream"
)

const (
	sinkBufferSize      = 64
	healthPublishPeriod = 10 * time.Second
	statsLogPeriod      = 30 * time.Second
)

// Service is the posture monitoring orchestrator: one landmark source feeding
// one classification engine, whose reports fan out to the configured sinks.
type Service struct {
	cfg *config.Config

	// Core components
	source   LandmarkSource
	engine   *posture.Engine
	bus      *reportbus.Bus
	latest   *reportbus.Latest
	recorder *stream.Recorder
	rate     *stream.RateMeter

	// Sinks, nil when disabled
	emitter        *emitter.MQTTEmitter
	controlHandler *control.Handler
	redis          *redisstream.Publisher
	journal        *journal.Journal

	// engineMu serializes the engine and the pending calibration request
	engineMu         sync.Mutex
	calibratePending bool

	// Lifecycle management
	started       time.Time
	mu            sync.RWMutex
	wg            sync.WaitGroup
	isRunning     bool
	isPaused      bool
	sourceEnded   bool
	lastRestartAt time.Time
	cancelCtx     context.CancelFunc
	restarted     chan struct{}
	watchdog      bool
	httpServer    *http.Server
	mqttClient    mqtt.Client
}

// Option customizes a Service.
type Option func(*Service)

// WithSource replaces the configured landmark source.
func WithSource(src LandmarkSource) Option {
	return func(s *Service) { s.source = src }
}

// WithMQTTClient uses an already connected client instead of dialing the broker.
func WithMQTTClient(client mqtt.Client) Option {
	return func(s *Service) { s.mqttClient = client }
}

// NewService builds the engine, the report bus, the source and every sink
// enabled in cfg.
func NewService(cfg *config.Config, opts ...Option) (*Service, error) {
	s := &Service{
		cfg:       cfg,
		engine:    posture.NewEngine(),
		bus:       reportbus.New(),
		rate:      stream.NewRateMeter(128),
		restarted: make(chan struct{}, 1),
		watchdog:  cfg.Source.Type == config.SourcePython,
	}
	for _, opt := range opts {
		opt(s)
	}

	latest, err := s.bus.SubscribeLatest("status")
	if err != nil {
		return nil, err
	}
	s.latest = latest

	if s.source == nil {
		src, err := newSource(cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create landmark source: %w", err)
		}
		s.source = src
	}

	if cfg.Source.RecordPath != "" {
		rec, err := stream.NewRecorder(cfg.Source.RecordPath)
		if err != nil {
			return nil, err
		}
		s.recorder = rec
		slog.Info("recording landmark frames", "path", cfg.Source.RecordPath)
	}

	if cfg.MQTT.Broker != "" || s.mqttClient != nil {
		if s.mqttClient != nil {
			s.emitter = emitter.NewMQTTEmitterWithClient(cfg, s.mqttClient)
		} else {
			s.emitter = emitter.NewMQTTEmitter(cfg)
		}
	} else {
		slog.Warn("mqtt broker not configured, emitter and control plane disabled")
	}

	if cfg.Redis.Addr != "" {
		s.redis = redisstream.New(cfg.Redis, cfg.InstanceID, cfg.DeskID)
	}

	if cfg.Journal.Path != "" {
		j, err := journal.Open(cfg.Journal.Path, cfg.InstanceID)
		if err != nil {
			s.closeSinks()
			return nil, err
		}
		s.journal = j
	}

	slog.Info("posture service created",
		"instance_id", cfg.InstanceID,
		"desk_id", cfg.DeskID,
		"source", cfg.Source.Type,
		"mqtt", s.emitter != nil,
		"redis", s.redis != nil,
		"journal", s.journal != nil,
	)

	return s, nil
}

// Run starts the service and blocks until ctx is cancelled or a shutdown
// command arrives
func (s *Service) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("service is already running")
	}
	s.isRunning = true
	s.started = time.Now()
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.mu.Lock()
	s.cancelCtx = cancel
	s.mu.Unlock()

	slog.Info("posture service starting", "instance_id", s.cfg.InstanceID)

	if s.cfg.CalibrateOnStart {
		s.requestCalibration()
	}

	if s.emitter != nil {
		if s.mqttClient == nil {
			if err := s.emitter.Connect(ctx); err != nil {
				return fmt.Errorf("failed to connect mqtt: %w", err)
			}
		}

		s.controlHandler = control.NewHandler(s.cfg, s.emitter.Client, control.CommandCallbacks{
			OnGetStatus:   s.getStatus,
			OnCalibrate:   s.calibrateViaControl,
			OnReset:       s.resetEngine,
			OnPause:       s.pauseInference,
			OnResume:      s.resumeInference,
			OnShutdown:    s.shutdownViaControl,
			OnGetEpisodes: s.getEpisodes,
		})
		if err := s.controlHandler.Start(ctx); err != nil {
			return fmt.Errorf("failed to start control plane: %w", err)
		}

		reports := make(chan posture.Report, sinkBufferSize)
		if err := s.bus.Subscribe("mqtt-reports", reports, nil); err != nil {
			return err
		}
		alerts := make(chan posture.Report, sinkBufferSize)
		if err := s.bus.Subscribe("mqtt-alerts", alerts, reportbus.TransitionsOnly); err != nil {
			return err
		}
		s.goRun(func() { s.emitter.Run(ctx, reports, alerts) })
		s.goRun(func() { s.publishHealthLoop(ctx) })
	}

	if s.redis != nil {
		pingCtx, pingCancel := context.WithTimeout(ctx, 2*time.Second)
		if err := s.redis.Ping(pingCtx); err != nil {
			slog.Warn("redis unreachable, alerts will be retried per transition",
				"addr", s.cfg.Redis.Addr,
				"error", err,
			)
		}
		pingCancel()

		alerts := make(chan posture.Report, sinkBufferSize)
		if err := s.bus.Subscribe("redis", alerts, reportbus.TransitionsOnly); err != nil {
			return err
		}
		s.goRun(func() { s.redis.Run(ctx, alerts, s.latest.Get) })
	}

	if s.journal != nil {
		episodes := make(chan posture.Report, sinkBufferSize)
		if err := s.bus.Subscribe("journal", episodes, reportbus.TransitionsOnly); err != nil {
			return err
		}
		s.goRun(func() { s.journal.Run(ctx, episodes) })
	}

	if err := s.source.Start(ctx); err != nil {
		return fmt.Errorf("failed to start landmark source: %w", err)
	}
	s.mu.Lock()
	s.lastRestartAt = time.Now()
	s.mu.Unlock()

	s.wg.Add(1)
	go s.consumeFrames(ctx)

	s.goRun(func() { s.logStats(ctx) })

	if s.watchdog {
		s.goRun(func() { s.watchSource(ctx) })
	}

	slog.Info("posture service running",
		"watchdog_enabled", s.watchdog,
		"calibrate_on_start", s.cfg.CalibrateOnStart,
	)

	<-ctx.Done()

	slog.Info("posture service run loop exiting")
	return nil
}

func (s *Service) goRun(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// Shutdown performs graceful shutdown of all components
func (s *Service) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		s.closeSinks()
		return nil
	}
	cancel := s.cancelCtx
	s.mu.Unlock()

	slog.Info("shutting down posture service")

	// 1. Stop the source (no more frames)
	if err := s.source.Stop(); err != nil {
		slog.Error("failed to stop landmark source", "error", err)
	}

	// 2. Stop control plane
	if s.controlHandler != nil {
		if err := s.controlHandler.Stop(); err != nil {
			slog.Error("failed to stop control handler", "error", err)
		}
	}

	// 3. Wait for goroutines, bounded by ctx
	if cancel != nil {
		cancel()
	}
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("all goroutines finished")
	case <-ctx.Done():
		slog.Warn("shutdown timeout waiting for goroutines", "error", ctx.Err())
	}

	if err := s.bus.Close(); err != nil {
		slog.Error("failed to close report bus", "error", err)
	}

	// 4. Health server
	s.mu.RLock()
	srv := s.httpServer
	s.mu.RUnlock()
	if srv != nil {
		if err := srv.Shutdown(ctx); err != nil {
			slog.Error("failed to stop health server", "error", err)
		}
	}

	// 5. Sinks
	s.closeSinks()

	s.mu.Lock()
	uptime := time.Since(s.started)
	s.isRunning = false
	s.mu.Unlock()

	slog.Info("posture service shutdown complete", "uptime", uptime)
	return nil
}

func (s *Service) closeSinks() {
	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			slog.Error("failed to close recording", "error", err)
		} else {
			slog.Info("recording closed", "frames", s.recorder.Count())
		}
		s.recorder = nil
	}
	if s.emitter != nil && s.mqttClient == nil && s.emitter.Client != nil {
		if err := s.emitter.Disconnect(); err != nil {
			slog.Error("failed to disconnect mqtt", "error", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			slog.Error("failed to close redis client", "error", err)
		}
		s.redis = nil
	}
	if s.journal != nil {
		if err := s.journal.Close(); err != nil {
			slog.Error("failed to close journal", "error", err)
		}
		s.journal = nil
	}
}

// ShutdownTimeout returns the configured graceful shutdown timeout
func (s *Service) ShutdownTimeout() time.Duration {
	return s.cfg.ShutdownTimeout()
}

// watchSource restarts a source that stopped delivering frames
func (s *Service) watchSource(ctx context.Context) {
	timeout := s.cfg.StallTimeout()
	period := timeout / 3
	if period < time.Second {
		period = time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.checkSource(ctx, now, timeout)
		}
	}
}

// checkSource restarts the source once when it has been silent for longer
// than timeout. It reports whether a restart happened.
func (s *Service) checkSource(ctx context.Context, now time.Time, timeout time.Duration) bool {
	stats := s.source.Stats()

	s.mu.RLock()
	since := s.lastRestartAt
	s.mu.RUnlock()
	if stats.LastSeenAt.After(since) {
		since = stats.LastSeenAt
	}
	if since.IsZero() || now.Sub(since) <= timeout {
		return false
	}

	slog.Warn("landmark source appears stalled, attempting restart",
		"source", stats.Source,
		"silent_s", int(now.Sub(since).Seconds()),
		"frames_emitted", stats.FramesEmitted,
		"watchdog_timeout_s", int(timeout.Seconds()),
	)

	if err := s.source.Stop(); err != nil {
		slog.Error("failed to stop stalled source",
			"error", err,
			"action", "manual intervention required")
		return false
	}
	if err := s.source.Start(ctx); err != nil {
		slog.Error("failed to restart source",
			"error", err,
			"action", "manual intervention required")
		return false
	}

	s.mu.Lock()
	s.lastRestartAt = now
	s.sourceEnded = false
	s.mu.Unlock()

	select {
	case s.restarted <- struct{}{}:
	default:
	}

	slog.Info("landmark source restarted successfully", "source", stats.Source)
	return true
}
