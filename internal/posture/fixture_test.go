package posture

import (
	"math"
	"time"

	"github.com/e7canasta/orion-posture/internal/landmark"
)

// landmarksFor builds a keypoint set whose extracted metrics are m.
// The left shoulder sits straight below the ear, the nose is rotated away
// from it by m.HeadAngle degrees.
func landmarksFor(m Metrics) landmark.Set {
	ear := landmark.Point{X: 0.5, Y: 0.3, Z: -0.2}
	rad := m.HeadAngle * math.Pi / 180

	return landmark.Set{
		landmark.LeftEar:       ear,
		landmark.LeftShoulder:  {X: ear.X, Y: ear.Y + 0.2, Z: -0.1},
		landmark.Nose:          {X: ear.X + 0.1*math.Sin(rad), Y: ear.Y + 0.1*math.Cos(rad), Z: -0.3},
		landmark.RightShoulder: {X: ear.X + m.HeadForward, Y: ear.Y + 0.2, Z: -0.1},
		landmark.LeftHip:       {X: ear.X, Y: 0.8, Z: ear.Z - m.HeadSideSlouch},
	}
}

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func frameFor(seq uint64, m Metrics) landmark.Frame {
	return landmark.Frame{
		Seq:       seq,
		Timestamp: t0.Add(time.Duration(seq) * 33 * time.Millisecond),
		Source:    "test",
		Landmarks: landmarksFor(m),
	}
}

func emptyFrame(seq uint64) landmark.Frame {
	return landmark.Frame{Seq: seq, Timestamp: t0.Add(time.Duration(seq) * 33 * time.Millisecond)}
}
