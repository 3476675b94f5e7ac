package stream

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/e7canasta/orion-posture/internal/landmark"
)

// MockSourceName tags frames produced by MockSource.
const MockSourceName = "mock"

// Phase is a run of frames with one posture.
type Phase struct {
	Posture Posture
	Frames  int
}

// MockConfig configures MockSource.
type MockConfig struct {
	FPS    float64 // 0 emits as fast as the consumer reads
	Seed   int64
	Jitter float64
	Loop   bool
	Phases []Phase
}

// MockSource generates scripted synthetic landmark frames for demos and tests
type MockSource struct {
	cfg MockConfig

	mu            sync.RWMutex
	frames        chan landmark.Frame
	cancel        context.CancelFunc
	wg            sync.WaitGroup
	seq           uint64
	framesEmitted uint64
	noBody        uint64
	isRunning     bool
	restarts      uint32
	starts        int
	lastSeenAt    time.Time

	rate *RateMeter
}

// NewMockSource creates a mock landmark source
func NewMockSource(cfg MockConfig) (*MockSource, error) {
	if len(cfg.Phases) == 0 {
		return nil, fmt.Errorf("mock source needs at least one phase")
	}
	for i, ph := range cfg.Phases {
		if _, err := ParsePosture(string(ph.Posture)); err != nil {
			return nil, fmt.Errorf("phase %d: %w", i, err)
		}
		if ph.Frames <= 0 {
			return nil, fmt.Errorf("phase %d: frames must be > 0", i)
		}
	}
	return &MockSource{cfg: cfg, rate: NewRateMeter(64)}, nil
}

// Start begins generating frames
func (m *MockSource) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRunning {
		return fmt.Errorf("mock source already running")
	}
	if m.starts > 0 {
		m.restarts++
	}
	m.starts++
	m.isRunning = true
	m.frames = make(chan landmark.Frame, 10)

	ctx, m.cancel = context.WithCancel(ctx)
	m.wg.Add(1)
	go m.generate(ctx, m.frames, rand.New(rand.NewSource(m.cfg.Seed+int64(m.starts))))

	slog.Info("mock landmark source starting",
		"fps", m.cfg.FPS,
		"phases", len(m.cfg.Phases),
		"loop", m.cfg.Loop,
	)
	return nil
}

// Frames returns the channel of the current run
func (m *MockSource) Frames() <-chan landmark.Frame {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.frames
}

// Stop stops generation and waits for the generator to exit
func (m *MockSource) Stop() error {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return nil
	}
	cancel := m.cancel
	m.mu.Unlock()

	cancel()
	m.wg.Wait()

	m.mu.Lock()
	m.isRunning = false
	emitted := m.framesEmitted
	m.mu.Unlock()

	slog.Info("mock landmark source stopped", "frames_emitted", emitted)
	return nil
}

// Stats returns source statistics
func (m *MockSource) Stats() landmark.SourceStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return landmark.SourceStats{
		FramesEmitted: m.framesEmitted,
		NoBodyFrames:  m.noBody,
		FPSTarget:     m.cfg.FPS,
		FPSReal:       m.rate.FPS(),
		IsConnected:   m.isRunning,
		Restarts:      m.restarts,
		LastSeenAt:    m.lastSeenAt,
		Source:        MockSourceName,
	}
}

func (m *MockSource) generate(ctx context.Context, out chan landmark.Frame, rng *rand.Rand) {
	defer m.wg.Done()
	defer close(out)

	var tick <-chan time.Time
	if m.cfg.FPS > 0 {
		ticker := time.NewTicker(time.Duration(float64(time.Second) / m.cfg.FPS))
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		for _, ph := range m.cfg.Phases {
			for i := 0; i < ph.Frames; i++ {
				if tick != nil {
					select {
					case <-ctx.Done():
						return
					case <-tick:
					}
				}

				frame := m.createFrame(ph.Posture, rng)
				select {
				case out <- frame:
					m.record(frame)
				case <-ctx.Done():
					return
				}
			}
		}
		if !m.cfg.Loop {
			slog.Info("mock script finished", "frames", m.Stats().FramesEmitted)
			return
		}
	}
}

func (m *MockSource) createFrame(p Posture, rng *rand.Rand) landmark.Frame {
	m.mu.Lock()
	seq := m.seq
	m.seq++
	m.mu.Unlock()

	return landmark.Frame{
		Seq:       seq,
		Timestamp: time.Now(),
		TraceID:   uuid.New().String(),
		Source:    MockSourceName,
		Landmarks: jitter(PostureLandmarks(p), m.cfg.Jitter, rng),
	}
}

func (m *MockSource) record(f landmark.Frame) {
	m.rate.Observe(f.Timestamp)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.framesEmitted++
	if !f.Detected() {
		m.noBody++
	}
	m.lastSeenAt = f.Timestamp
}
