package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/e7canasta/orion-posture/internal/landmark"
)

// ReplaySourceName tags frames produced by ReplaySource.
const ReplaySourceName = "replay"

var errStopped = errors.New("replay stopped")

// ReplayConfig configures ReplaySource.
type ReplayConfig struct {
	Path string
	FPS  float64 // 0 replays as fast as the consumer reads
	Loop bool
}

// ReplaySource plays a JSON Lines landmark recording back as a live source.
// Unlike the live sources it blocks instead of dropping when the consumer
// is slow, so a replay is deterministic.
type ReplaySource struct {
	cfg ReplayConfig

	mu            sync.RWMutex
	frames        chan landmark.Frame
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	seq           uint64
	framesEmitted uint64
	noBody        uint64
	isRunning     bool
	starts        int
	lastSeenAt    time.Time
	err           error

	rate *RateMeter
}

// NewReplaySource checks the recording exists and prepares playback.
func NewReplaySource(cfg ReplayConfig) (*ReplaySource, error) {
	if _, err := os.Stat(cfg.Path); err != nil {
		return nil, fmt.Errorf("replay recording: %w", err)
	}
	return &ReplaySource{cfg: cfg, rate: NewRateMeter(64)}, nil
}

// Start begins playback
func (r *ReplaySource) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.isRunning {
		return fmt.Errorf("replay source already running")
	}
	r.starts++
	r.isRunning = true
	r.err = nil
	r.frames = make(chan landmark.Frame, 10)

	ctx, r.cancel = context.WithCancel(ctx)
	r.wg.Add(1)
	go r.play(ctx, r.frames)

	slog.Info("replay source starting", "path", r.cfg.Path, "fps", r.cfg.FPS, "loop", r.cfg.Loop)
	return nil
}

// Frames returns the channel of the current run. It is closed at the end of
// the recording unless Loop is set.
func (r *ReplaySource) Frames() <-chan landmark.Frame {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.frames
}

// Err returns the error that ended playback early, if any.
func (r *ReplaySource) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}

// Stop ends playback
func (r *ReplaySource) Stop() error {
	r.mu.Lock()
	if !r.isRunning {
		r.mu.Unlock()
		return nil
	}
	cancel := r.cancel
	r.mu.Unlock()

	cancel()
	r.wg.Wait()

	r.mu.Lock()
	r.isRunning = false
	r.mu.Unlock()
	return nil
}

// Stats returns source statistics
func (r *ReplaySource) Stats() landmark.SourceStats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	restarts := 0
	if r.starts > 1 {
		restarts = r.starts - 1
	}

	return landmark.SourceStats{
		FramesEmitted: r.framesEmitted,
		NoBodyFrames:  r.noBody,
		FPSTarget:     r.cfg.FPS,
		FPSReal:       r.rate.FPS(),
		IsConnected:   r.isRunning,
		Restarts:      uint32(restarts),
		LastSeenAt:    r.lastSeenAt,
		Source:        ReplaySourceName,
	}
}

func (r *ReplaySource) play(ctx context.Context, out chan landmark.Frame) {
	defer r.wg.Done()
	defer close(out)

	var tick <-chan time.Time
	if r.cfg.FPS > 0 {
		ticker := time.NewTicker(time.Duration(float64(time.Second) / r.cfg.FPS))
		defer ticker.Stop()
		tick = ticker.C
	}

	for pass := 0; ; pass++ {
		err := r.playOnce(ctx, out, tick)
		if errors.Is(err, errStopped) {
			return
		}
		if err != nil {
			slog.Error("replay failed", "path", r.cfg.Path, "pass", pass, "error", err)
			r.mu.Lock()
			r.err = err
			r.mu.Unlock()
			return
		}
		if !r.cfg.Loop {
			slog.Info("replay finished", "path", r.cfg.Path, "frames", r.Stats().FramesEmitted)
			return
		}
	}
}

func (r *ReplaySource) playOnce(ctx context.Context, out chan<- landmark.Frame, tick <-chan time.Time) error {
	f, err := os.Open(r.cfg.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	return ReadJSONL(f, func(frame landmark.Frame) error {
		if tick != nil {
			select {
			case <-ctx.Done():
				return errStopped
			case <-tick:
			}
		}

		r.mu.Lock()
		frame.Seq = r.seq
		r.seq++
		r.mu.Unlock()

		if frame.Timestamp.IsZero() || r.cfg.FPS > 0 {
			frame.Timestamp = time.Now()
		}
		frame.Source = ReplaySourceName

		select {
		case out <- frame:
		case <-ctx.Done():
			return errStopped
		}

		r.rate.Observe(frame.Timestamp)
		r.mu.Lock()
		r.framesEmitted++
		if !frame.Detected() {
			r.noBody++
		}
		r.lastSeenAt = time.Now()
		r.mu.Unlock()
		return nil
	})
}
