package stream

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/e7canasta/orion-posture/internal/landmark"
)

// Posture names a synthetic body pose.
type Posture string

const (
	Upright  Posture = "upright"
	Forward  Posture = "forward"
	Side     Posture = "side"
	HeadDown Posture = "head_down"
	Away     Posture = "away"
)

// ParsePosture validates a posture name.
func ParsePosture(s string) (Posture, error) {
	switch p := Posture(s); p {
	case Upright, Forward, Side, HeadDown, Away:
		return p, nil
	}
	return "", fmt.Errorf("stream: unknown posture %q", s)
}

// Template geometry, seen from the user's left, normalized image coordinates.
const (
	earX, earY, earZ = 0.50, 0.30, -0.20
	noseDist         = 0.10
	uprightAngle     = 165.0

	forwardShift = 0.06 // head moves toward the camera side of the shoulder line
	sideShift    = 0.12 // ear depth change when leaning sideways
	headDownTurn = 30.0 // degrees of neck flexion
)

// PostureLandmarks returns the keypoints of p without noise. Away returns nil.
func PostureLandmarks(p Posture) landmark.Set {
	ear := landmark.Point{X: earX, Y: earY, Z: earZ, Visibility: 0.99}
	angle := uprightAngle

	switch p {
	case Away:
		return nil
	case Forward:
		ear.X -= forwardShift
	case Side:
		ear.Z += sideShift
	case HeadDown:
		angle -= headDownTurn
	}

	rad := angle * math.Pi / 180
	shoulder := landmark.Point{X: ear.X, Y: ear.Y + 0.2, Z: -0.10, Visibility: 0.99}

	return landmark.Set{
		landmark.Nose:          {X: ear.X + noseDist*math.Sin(rad), Y: ear.Y + noseDist*math.Cos(rad), Z: ear.Z - 0.1, Visibility: 0.99},
		landmark.LeftEar:       ear,
		landmark.RightEar:      {X: ear.X + 0.02, Y: ear.Y, Z: ear.Z + 0.1, Visibility: 0.4},
		landmark.LeftShoulder:  shoulder,
		landmark.RightShoulder: {X: earX + 0.05, Y: shoulder.Y, Z: 0.05, Visibility: 0.6},
		landmark.LeftHip:       {X: earX, Y: 0.80, Z: earZ - 0.02, Visibility: 0.95},
		landmark.RightHip:      {X: earX + 0.05, Y: 0.80, Z: 0.05, Visibility: 0.5},
	}
}

// jitter adds Gaussian noise with the given stddev to every coordinate.
func jitter(set landmark.Set, stddev float64, rng *rand.Rand) landmark.Set {
	if set == nil || stddev == 0 {
		return set
	}
	out := make(landmark.Set, len(set))
	for role, p := range set {
		p.X += rng.NormFloat64() * stddev
		p.Y += rng.NormFloat64() * stddev
		p.Z += rng.NormFloat64() * stddev
		out[role] = p
	}
	return out
}
