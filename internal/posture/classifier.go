package posture

// Deviation thresholds. A diff strictly greater than the threshold flags the frame.
const (
	ForwardThreshold  = 0.01
	SideThreshold     = 0.05
	AngleThresholdDeg = 10.0
)

// Diffs are the absolute per-axis deviations from the baseline.
type Diffs struct {
	Forward float64 `json:"forward"`
	Side    float64 `json:"side"`
	Angle   float64 `json:"angle"`
}

// Flags is the instantaneous classification of one frame.
type Flags struct {
	Slouch      bool `json:"is_slouch"`
	SideSlouch  bool `json:"is_side_slouch"`
	HeadLowered bool `json:"is_head_lowered"`
}

// Compare computes the absolute deviation of m from baseline b.
func Compare(m, b Metrics) Diffs {
	return Diffs{
		Forward: abs(m.HeadForward - b.HeadForward),
		Side:    abs(m.HeadSideSlouch - b.HeadSideSlouch),
		Angle:   abs(m.HeadAngle - b.HeadAngle),
	}
}

// Flags applies the fixed thresholds.
func (d Diffs) Flags() Flags {
	return Flags{
		Slouch:      d.Forward > ForwardThreshold,
		SideSlouch:  d.Side > SideThreshold,
		HeadLowered: d.Angle > AngleThresholdDeg,
	}
}

// Classify compares m against baseline b. It is pure.
func Classify(m, b Metrics) Flags {
	return Compare(m, b).Flags()
}
