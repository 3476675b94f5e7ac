/*
PYTHON POSE ESTIMATOR WORKER

Manages the Python subprocess that owns the camera and runs MediaPipe pose
estimation. Go never sees pixels: the subprocess captures, infers and writes
one landmark result per frame to stdout.

	┌──────────────┐  stdout (msgpack)  ┌──────────────┐  Frames()  ┌──────────┐
	│ Python       │ ─────────────────> │ Go worker    │ ─────────> │  core    │
	│ pose_worker  │ <───────────────── │ (this file)  │            │ consumer │
	└──────────────┘  stdin (commands)  └──────────────┘            └──────────┘

Framing: every message in both directions is a 4-byte big-endian length
followed by a msgpack document (see codec.go and message.go).

Goroutines:
  - readResults: decodes stdout, forwards frames (non-blocking), owns closing Frames()
  - logStderr:   maps Python log levels onto slog
  - waitProcess: reaps the subprocess

Stop sends a shutdown command, closes stdin and waits 2s before killing.
*/
package worker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-posture/internal/landmark"
	"github.com/e7canasta/orion-posture/internal/stream"
)

const (
	frameBufferSize = 10
	stopTimeout     = 2 * time.Second
	commandTimeout  = 2 * time.Second
)

// SourceName tags frames produced by the Python estimator.
const SourceName = "python"

// PythonPoseEstimatorConfig contains configuration for the Python worker
type PythonPoseEstimatorConfig struct {
	WorkerID               string
	Script                 string
	Camera                 string
	FPS                    float64
	ModelComplexity        int
	MinDetectionConfidence float64
	MinTrackingConfidence  float64
	InstanceID             string
}

// Metrics are the worker health counters.
type Metrics struct {
	FramesReceived uint64
	FramesDropped  uint64
	NoBodyFrames   uint64
	DecodeErrors   uint64
	EstimatorErrs  uint64
	AvgLatencyMS   float64
	LastSeenAt     time.Time
}

// PythonPoseEstimator wraps the MediaPipe pose worker process
type PythonPoseEstimator struct {
	cfg PythonPoseEstimatorConfig

	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	frames chan landmark.Frame

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	isActive atomic.Bool
	started  atomic.Bool

	framesReceived atomic.Uint64
	framesDropped  atomic.Uint64
	noBodyFrames   atomic.Uint64
	decodeErrors   atomic.Uint64
	estimatorErrs  atomic.Uint64
	totalLatencyUS atomic.Uint64
	restarts       atomic.Uint32
	lastSeenAt     atomic.Value // time.Time

	rate *stream.RateMeter
}

// NewPythonPoseEstimator creates a new Python pose estimator worker
func NewPythonPoseEstimator(cfg PythonPoseEstimatorConfig) (*PythonPoseEstimator, error) {
	if cfg.Script == "" {
		return nil, fmt.Errorf("script is required")
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "pose-estimator"
	}
	if cfg.MinDetectionConfidence <= 0 {
		cfg.MinDetectionConfidence = 0.5
	}
	if cfg.MinTrackingConfidence <= 0 {
		cfg.MinTrackingConfidence = 0.5
	}

	w := &PythonPoseEstimator{
		cfg:    cfg,
		frames: make(chan landmark.Frame, frameBufferSize),
		rate:   stream.NewRateMeter(64),
	}

	slog.Info("python pose estimator worker created",
		"worker_id", cfg.WorkerID,
		"script", cfg.Script,
		"camera", cfg.Camera,
		"model_complexity", cfg.ModelComplexity,
	)

	return w, nil
}

// ID returns the worker ID
func (w *PythonPoseEstimator) ID() string {
	return w.cfg.WorkerID
}

// Frames returns the landmark channel of the current run. It is closed when
// the subprocess output ends.
func (w *PythonPoseEstimator) Frames() <-chan landmark.Frame {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames
}

// Start spawns the Python process and its goroutines
func (w *PythonPoseEstimator) Start(ctx context.Context) error {
	if w.isActive.Load() {
		return fmt.Errorf("worker already started")
	}
	if w.started.Swap(true) {
		w.restarts.Add(1)
	}

	w.mu.Lock()
	w.frames = make(chan landmark.Frame, frameBufferSize)
	w.mu.Unlock()

	w.ctx, w.cancel = context.WithCancel(ctx)
	w.rate.Reset()

	if err := w.spawnPythonProcess(); err != nil {
		w.cancel()
		return fmt.Errorf("failed to spawn python process: %w", err)
	}

	w.isActive.Store(true)
	w.lastSeenAt.Store(time.Now())

	slog.Info("python pose estimator started",
		"worker_id", w.cfg.WorkerID,
		"camera", w.cfg.Camera,
		"fps", w.cfg.FPS,
	)
	return nil
}

func (w *PythonPoseEstimator) args() []string {
	args := []string{
		"--camera", w.cfg.Camera,
		"--model-complexity", fmt.Sprintf("%d", w.cfg.ModelComplexity),
		"--min-detection-confidence", fmt.Sprintf("%.2f", w.cfg.MinDetectionConfidence),
		"--min-tracking-confidence", fmt.Sprintf("%.2f", w.cfg.MinTrackingConfidence),
	}
	if w.cfg.FPS > 0 {
		args = append(args, "--fps", fmt.Sprintf("%.2f", w.cfg.FPS))
	}
	return args
}

func (w *PythonPoseEstimator) spawnPythonProcess() error {
	cmd := exec.CommandContext(w.ctx, w.cfg.Script, w.args()...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start python process: %w", err)
	}

	w.mu.Lock()
	w.cmd = cmd
	w.stdin = stdin
	frames := w.frames
	w.mu.Unlock()

	slog.Info("python process spawned",
		"worker_id", w.cfg.WorkerID,
		"pid", cmd.Process.Pid,
	)

	w.wg.Add(3)
	go w.readResults(bufio.NewReader(stdout), frames)
	go w.logStderr(stderr)
	go w.waitProcess(cmd)

	return nil
}

// readResults decodes stdout until EOF and closes out when done.
func (w *PythonPoseEstimator) readResults(r io.Reader, out chan landmark.Frame) {
	defer w.wg.Done()
	defer close(out)
	w.consume(r, out)
}

func (w *PythonPoseEstimator) consume(r io.Reader, out chan<- landmark.Frame) {
	for {
		var res Result
		err := ReadMessage(r, &res)

		var decodeErr *DecodeError
		switch {
		case err == nil:
			w.handleResult(res, out)
		case errors.Is(err, io.EOF):
			slog.Debug("python worker stdout closed (EOF)", "worker_id", w.cfg.WorkerID)
			return
		case errors.As(err, &decodeErr):
			w.decodeErrors.Add(1)
			slog.Error("failed to decode pose result",
				"worker_id", w.cfg.WorkerID,
				"error", err,
				"action", "check python worker logs in stderr")
		default:
			slog.Error("failed to read from python worker",
				"worker_id", w.cfg.WorkerID,
				"error", err,
			)
			return
		}
	}
}

func (w *PythonPoseEstimator) handleResult(res Result, out chan<- landmark.Frame) {
	w.lastSeenAt.Store(time.Now())

	if res.Error != "" {
		w.estimatorErrs.Add(1)
		slog.Warn("pose estimator reported an error",
			"worker_id", w.cfg.WorkerID,
			"frame_seq", res.Seq,
			"error", res.Error,
		)
		return
	}

	frame, err := res.Frame(SourceName, uuid.NewString())
	if err != nil {
		w.decodeErrors.Add(1)
		slog.Error("invalid pose result", "worker_id", w.cfg.WorkerID, "error", err)
		return
	}

	w.framesReceived.Add(1)
	w.totalLatencyUS.Add(uint64(res.Timing.TotalMS * 1000))
	w.rate.Observe(frame.Timestamp)
	if !frame.Detected() {
		w.noBodyFrames.Add(1)
	}

	select {
	case out <- frame:
	default:
		w.framesDropped.Add(1)
		slog.Debug("frame dropped, consumer busy",
			"worker_id", w.cfg.WorkerID,
			"frame_seq", frame.Seq,
			"trace_id", frame.TraceID,
		)
	}
}

// logStderr maps Python log levels to slog levels
func (w *PythonPoseEstimator) logStderr(r io.Reader) {
	defer w.wg.Done()

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		switch level := pythonLogLevel(line); level {
		case slog.LevelError:
			slog.Error("python worker error", "worker_id", w.cfg.WorkerID, "log", line)
		case slog.LevelWarn:
			slog.Warn("python worker warning", "worker_id", w.cfg.WorkerID, "log", line)
		default:
			slog.Debug("python worker log", "worker_id", w.cfg.WorkerID, "log", line)
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Error("error reading stderr", "worker_id", w.cfg.WorkerID, "error", err)
	}
}

// pythonLogLevel parses "timestamp [LEVEL] message" lines.
// INFO, DEBUG and unformatted lines are demoted to Debug.
func pythonLogLevel(line string) slog.Level {
	switch {
	case strings.Contains(line, "[ERROR]"), strings.Contains(line, "[CRITICAL]"):
		return slog.LevelError
	case strings.Contains(line, "[WARNING]"), strings.Contains(line, "[WARN]"):
		return slog.LevelWarn
	default:
		return slog.LevelDebug
	}
}

// waitProcess reaps the subprocess to prevent zombies
func (w *PythonPoseEstimator) waitProcess(cmd *exec.Cmd) {
	defer w.wg.Done()

	err := cmd.Wait()
	w.isActive.Store(false)

	switch {
	case err == nil:
		slog.Info("python process exited cleanly",
			"worker_id", w.cfg.WorkerID,
			"pid", cmd.Process.Pid,
		)
	case w.ctx.Err() != nil:
		slog.Debug("python process exited (shutdown)",
			"worker_id", w.cfg.WorkerID,
			"pid", cmd.Process.Pid,
		)
	default:
		slog.Error("python process exited unexpectedly",
			"worker_id", w.cfg.WorkerID,
			"pid", cmd.Process.Pid,
			"error", err,
			"action", "watchdog will restart the source",
		)
	}
}

// SendCommand writes a control command to the estimator's stdin.
func (w *PythonPoseEstimator) SendCommand(name string, params map[string]any) error {
	w.mu.Lock()
	stdin := w.stdin
	w.mu.Unlock()

	if stdin == nil {
		return fmt.Errorf("stdin not available (worker not started)")
	}

	done := make(chan error, 1)
	go func() {
		done <- WriteMessage(stdin, newCommand(name, params))
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send %s command: %w", name, err)
		}
		return nil
	case <-time.After(commandTimeout):
		return fmt.Errorf("stdin write timeout (python worker may be hung)")
	}
}

// Metrics returns current worker health metrics
func (w *PythonPoseEstimator) Metrics() Metrics {
	received := w.framesReceived.Load()

	var avgLatencyMS float64
	if received > 0 {
		avgLatencyMS = float64(w.totalLatencyUS.Load()) / 1000 / float64(received)
	}

	var lastSeen time.Time
	if v := w.lastSeenAt.Load(); v != nil {
		lastSeen = v.(time.Time)
	}

	return Metrics{
		FramesReceived: received,
		FramesDropped:  w.framesDropped.Load(),
		NoBodyFrames:   w.noBodyFrames.Load(),
		DecodeErrors:   w.decodeErrors.Load(),
		EstimatorErrs:  w.estimatorErrs.Load(),
		AvgLatencyMS:   avgLatencyMS,
		LastSeenAt:     lastSeen,
	}
}

// Stats implements the core landmark source contract.
func (w *PythonPoseEstimator) Stats() landmark.SourceStats {
	m := w.Metrics()
	return landmark.SourceStats{
		FramesEmitted: m.FramesReceived - m.FramesDropped,
		FramesDropped: m.FramesDropped,
		NoBodyFrames:  m.NoBodyFrames,
		FPSTarget:     w.cfg.FPS,
		FPSReal:       w.rate.FPS(),
		IsConnected:   w.isActive.Load(),
		Restarts:      w.restarts.Load(),
		LastSeenAt:    m.LastSeenAt,
		Source:        SourceName,
	}
}

// Stop asks the estimator to exit and kills it if it does not within 2s
func (w *PythonPoseEstimator) Stop() error {
	if w.cancel == nil {
		return nil
	}

	slog.Info("stopping python pose estimator", "worker_id", w.cfg.WorkerID)

	if w.isActive.Load() {
		if err := w.SendCommand("shutdown", nil); err != nil {
			slog.Debug("shutdown command not delivered", "worker_id", w.cfg.WorkerID, "error", err)
		}
	}

	w.mu.Lock()
	if w.stdin != nil {
		w.stdin.Close()
		w.stdin = nil
	}
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("python worker goroutines stopped cleanly", "worker_id", w.cfg.WorkerID)
	case <-time.After(stopTimeout):
		slog.Warn("python worker stop timeout, force killing process", "worker_id", w.cfg.WorkerID)
		w.cancel()
		<-done
	}

	w.cancel()
	w.isActive.Store(false)

	slog.Info("python pose estimator stopped",
		"worker_id", w.cfg.WorkerID,
		"frames_received", w.framesReceived.Load(),
		"frames_dropped", w.framesDropped.Load(),
	)
	return nil
}
