package posture

import (
	"time"

	"github.com/e7canasta/orion-posture/internal/hysteresis"
)

// Status describes what the engine did with a frame.
type Status string

const (
	// StatusNoBody: the estimator found no body; nothing was updated.
	StatusNoBody Status = "no_body"
	// StatusSkipped: landmarks were incomplete or degenerate; nothing was updated.
	StatusSkipped Status = "skipped"
	// StatusCalibrated: the frame became the new baseline and was not classified.
	StatusCalibrated Status = "calibrated"
	// StatusUncalibrated: metrics were computed but there is no baseline yet.
	StatusUncalibrated Status = "uncalibrated"
	// StatusClassified: the frame was compared to the baseline and observed.
	StatusClassified Status = "classified"
)

// Alerts is the debounced alert state of the three categories.
type Alerts struct {
	Forward bool `json:"forward_slouch"`
	Side    bool `json:"side_slouch"`
	Head    bool `json:"head_lowered"`
}

// Get returns the alert state for category c.
func (a Alerts) Get(c hysteresis.Category) bool {
	switch c {
	case hysteresis.Forward:
		return a.Forward
	case hysteresis.Side:
		return a.Side
	case hysteresis.Head:
		return a.Head
	}
	return false
}

// Any reports whether at least one category is alerting.
func (a Alerts) Any() bool {
	return a.Forward || a.Side || a.Head
}

// WindowSet holds the fill level of each category window.
type WindowSet struct {
	Forward hysteresis.WindowStats `json:"forward"`
	Side    hysteresis.WindowStats `json:"side"`
	Head    hysteresis.WindowStats `json:"head"`
}

// Get returns the stats of category c.
func (w WindowSet) Get(c hysteresis.Category) hysteresis.WindowStats {
	switch c {
	case hysteresis.Side:
		return w.Side
	case hysteresis.Head:
		return w.Head
	}
	return w.Forward
}

// TransitionKind tells whether an alert started or stopped.
type TransitionKind string

const (
	Onset   TransitionKind = "onset"
	Cleared TransitionKind = "cleared"
)

// Transition is emitted on the frame where a category's alert state flips.
type Transition struct {
	Category  hysteresis.Category    `json:"category"`
	Kind      TransitionKind         `json:"kind"`
	Seq       uint64                 `json:"seq"`
	Timestamp time.Time              `json:"timestamp"`
	Window    hysteresis.WindowStats `json:"window"`
}

// Report is the engine output for one frame.
type Report struct {
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	TraceID   string    `json:"trace_id,omitempty"`
	Source    string    `json:"source,omitempty"`
	Status    Status    `json:"status"`

	// Metrics is nil when the frame had no usable landmarks
	Metrics *Metrics `json:"metrics,omitempty"`
	// Diffs and Flags are nil unless the frame was classified
	Diffs *Diffs `json:"diffs,omitempty"`
	Flags *Flags `json:"flags,omitempty"`

	Calibrated  bool         `json:"calibrated"`
	Alerts      Alerts       `json:"alerts"`
	Windows     WindowSet    `json:"windows"`
	Transitions []Transition `json:"transitions,omitempty"`

	// Error explains a skipped frame
	Error string `json:"error,omitempty"`
}
