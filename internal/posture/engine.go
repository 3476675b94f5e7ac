package posture

import (
	"github.com/e7canasta/orion-posture/internal/hysteresis"
	"github.com/e7canasta/orion-posture/internal/landmark"
)

// Counters tally what the engine did with the frames it was given.
type Counters struct {
	Frames       uint64 `json:"frames"`
	NoBody       uint64 `json:"no_body"`
	Skipped      uint64 `json:"skipped"`
	Calibrations uint64 `json:"calibrations"`
	Uncalibrated uint64 `json:"uncalibrated"`
	Classified   uint64 `json:"classified"`
}

// Engine is the per-stream posture state machine: one baseline, three
// hysteresis windows and the last emitted alert state.
//
// Engine is not safe for concurrent use; hosts processing several camera
// streams create one Engine per stream.
type Engine struct {
	baseline BaselineStore
	windows  *hysteresis.Engine
	last     Alerts
	counters Counters
}

// NewEngine creates an uncalibrated engine with empty windows.
func NewEngine() *Engine {
	return &Engine{windows: hysteresis.New()}
}

// Process runs one frame through the pipeline. When calibrate is true and the
// frame carries usable landmarks, its metrics become the new baseline and the
// frame is not classified.
func (e *Engine) Process(frame landmark.Frame, calibrate bool) Report {
	e.counters.Frames++

	r := Report{
		Seq:       frame.Seq,
		Timestamp: frame.Timestamp,
		TraceID:   frame.TraceID,
		Source:    frame.Source,
	}

	switch {
	case !frame.Detected():
		e.counters.NoBody++
		r.Status = StatusNoBody

	default:
		m, err := Extract(frame.Landmarks)
		if err != nil {
			e.counters.Skipped++
			r.Status = StatusSkipped
			r.Error = err.Error()
			break
		}
		r.Metrics = &m

		if calibrate {
			e.baseline.Calibrate(Baseline{Metrics: m, CapturedSeq: frame.Seq, CapturedAt: frame.Timestamp})
			e.counters.Calibrations++
			r.Status = StatusCalibrated
			break
		}

		b, ok := e.baseline.Current()
		if !ok {
			e.counters.Uncalibrated++
			r.Status = StatusUncalibrated
			break
		}

		d := Compare(m, b.Metrics)
		f := d.Flags()
		r.Diffs = &d
		r.Flags = &f

		e.windows.Observe(hysteresis.Forward, f.Slouch)
		e.windows.Observe(hysteresis.Side, f.SideSlouch)
		e.windows.Observe(hysteresis.Head, f.HeadLowered)
		e.counters.Classified++
		r.Status = StatusClassified
	}

	_, r.Calibrated = e.baseline.Current()
	r.Alerts = e.Alerts()
	r.Windows = e.Windows()
	r.Transitions = e.transitions(r)
	e.last = r.Alerts

	return r
}

// Alerts returns the current debounced alert state.
func (e *Engine) Alerts() Alerts {
	return Alerts{
		Forward: e.windows.IsAlerting(hysteresis.Forward),
		Side:    e.windows.IsAlerting(hysteresis.Side),
		Head:    e.windows.IsAlerting(hysteresis.Head),
	}
}

// Windows returns the fill level of every category window.
func (e *Engine) Windows() WindowSet {
	return WindowSet{
		Forward: e.windows.Stats(hysteresis.Forward),
		Side:    e.windows.Stats(hysteresis.Side),
		Head:    e.windows.Stats(hysteresis.Head),
	}
}

// Baseline returns the active baseline, if any.
func (e *Engine) Baseline() (Baseline, bool) {
	return e.baseline.Current()
}

// Counters returns the frame tallies since creation.
func (e *Engine) Counters() Counters {
	return e.counters
}

// Reset clears the baseline and every window. Alerts that were active are
// reported as cleared on the next processed frame.
func (e *Engine) Reset() {
	e.baseline.Clear()
	e.windows.Reset()
}

func (e *Engine) transitions(r Report) []Transition {
	var out []Transition
	for _, c := range hysteresis.Categories {
		before, now := e.last.Get(c), r.Alerts.Get(c)
		if before == now {
			continue
		}
		kind := Onset
		if !now {
			kind = Cleared
		}
		out = append(out, Transition{
			Category:  c,
			Kind:      kind,
			Seq:       r.Seq,
			Timestamp: r.Timestamp,
			Window:    r.Windows.Get(c),
		})
	}
	return out
}
