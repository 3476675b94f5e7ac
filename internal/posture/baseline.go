package posture

import "time"

// Baseline is the reference posture alerts are measured against.
type Baseline struct {
	Metrics
	// CapturedSeq is the frame the snapshot was taken from
	CapturedSeq uint64 `json:"captured_seq"`
	// CapturedAt is the timestamp of that frame
	CapturedAt time.Time `json:"captured_at"`
}

// BaselineStore holds at most one baseline. The zero value is uncalibrated.
type BaselineStore struct {
	current Baseline
	set     bool
}

// Calibrate replaces the stored baseline unconditionally. Any snapshot is
// accepted, including one captured while the user is slouching.
func (s *BaselineStore) Calibrate(b Baseline) {
	s.current = b
	s.set = true
}

// Current returns the baseline and whether one has been captured.
func (s *BaselineStore) Current() (Baseline, bool) {
	return s.current, s.set
}

// Clear returns the store to the uncalibrated state.
func (s *BaselineStore) Clear() {
	s.current = Baseline{}
	s.set = false
}
