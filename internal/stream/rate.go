package stream

import (
	"math"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

const (
	// A stream is stable if the FPS stddev is under 15% of the mean...
	fpsStabilityThreshold = 0.15
	// ...and the mean jitter is under 20% of the expected interval.
	jitterStabilityThreshold = 0.20
)

// FPSStats summarizes the arrival rate of a run of frames.
type FPSStats struct {
	Frames       int           `json:"frames"`
	Span         time.Duration `json:"span"`
	FPSMean      float64       `json:"fps_mean"`
	FPSStdDev    float64       `json:"fps_stddev"`
	FPSMin       float64       `json:"fps_min"`
	FPSMax       float64       `json:"fps_max"`
	JitterMean   float64       `json:"jitter_mean_s"`
	JitterStdDev float64       `json:"jitter_stddev_s"`
	JitterMax    float64       `json:"jitter_max_s"`
	IsStable     bool          `json:"is_stable"`
}

// CalculateFPSStats computes rate statistics from frame timestamps in arrival
// order. Fewer than two timestamps, or a zero span, yield zero rates.
func CalculateFPSStats(frameTimes []time.Time) FPSStats {
	n := len(frameTimes)
	out := FPSStats{Frames: n}
	if n < 2 {
		return out
	}

	out.Span = frameTimes[n-1].Sub(frameTimes[0])
	if out.Span <= 0 {
		return out
	}
	out.FPSMean = float64(n-1) / out.Span.Seconds()

	intervals := make([]float64, 0, n-1)
	instantaneous := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		iv := frameTimes[i].Sub(frameTimes[i-1]).Seconds()
		intervals = append(intervals, iv)
		if iv > 0 {
			instantaneous = append(instantaneous, 1/iv)
		}
	}

	if len(instantaneous) > 0 {
		out.FPSMin = floats.Min(instantaneous)
		out.FPSMax = floats.Max(instantaneous)
		out.FPSStdDev = stat.PopStdDev(instantaneous, nil)
	}

	expected := 1 / out.FPSMean
	jitters := make([]float64, len(intervals))
	for i, iv := range intervals {
		jitters[i] = math.Abs(iv - expected)
	}
	out.JitterMean = stat.Mean(jitters, nil)
	out.JitterStdDev = stat.PopStdDev(jitters, nil)
	out.JitterMax = floats.Max(jitters)

	out.IsStable = out.FPSStdDev < out.FPSMean*fpsStabilityThreshold &&
		out.JitterMean < expected*jitterStabilityThreshold

	return out
}

// WindowSpan estimates the wall-clock time a window of frames covers at the
// measured rate. Returns 0 when the rate is unknown.
func WindowSpan(stats FPSStats, frames int) time.Duration {
	if stats.FPSMean <= 0 {
		return 0
	}
	return time.Duration(float64(frames) / stats.FPSMean * float64(time.Second))
}

// RateMeter keeps the most recent arrival times of a stream. Safe for
// concurrent use.
type RateMeter struct {
	mu    sync.Mutex
	times []time.Time
	head  int
	full  bool
}

// NewRateMeter keeps up to window timestamps.
func NewRateMeter(window int) *RateMeter {
	if window < 2 {
		window = 2
	}
	return &RateMeter{times: make([]time.Time, window)}
}

// Observe records an arrival.
func (m *RateMeter) Observe(t time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.times[m.head] = t
	m.head = (m.head + 1) % len(m.times)
	if m.head == 0 {
		m.full = true
	}
}

// Stats computes FPSStats over the retained timestamps.
func (m *RateMeter) Stats() FPSStats {
	m.mu.Lock()
	var ordered []time.Time
	if m.full {
		ordered = append(ordered, m.times[m.head:]...)
		ordered = append(ordered, m.times[:m.head]...)
	} else {
		ordered = append(ordered, m.times[:m.head]...)
	}
	m.mu.Unlock()

	return CalculateFPSStats(ordered)
}

// FPS returns the mean rate over the retained timestamps.
func (m *RateMeter) FPS() float64 {
	return m.Stats().FPSMean
}

// Reset forgets all timestamps.
func (m *RateMeter) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.head = 0
	m.full = false
}
