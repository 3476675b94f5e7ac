// Package landmark defines the per-frame body keypoints handed to the posture
// engine by an external pose estimator.
//
// Coordinates are in the estimator's normalized frame-relative space:
// x and y in [0, 1] of the image, z as relative depth (smaller is closer).
package landmark

import (
	"fmt"
	"time"

	"gonum.org/v1/gonum/spatial/r2"
	"gonum.org/v1/gonum/spatial/r3"
)

// Role names a body keypoint.
type Role string

const (
	Nose          Role = "nose"
	LeftEar       Role = "left_ear"
	RightEar      Role = "right_ear"
	LeftShoulder  Role = "left_shoulder"
	RightShoulder Role = "right_shoulder"
	LeftHip       Role = "left_hip"
	RightHip      Role = "right_hip"
)

// NumMediaPipePoints is the length of the pose landmark array MediaPipe emits.
const NumMediaPipePoints = 33

// MediaPipeIndex maps the roles the service uses to their MediaPipe pose index.
// See https://developers.google.com/mediapipe/solutions/vision/pose_landmarker
var MediaPipeIndex = map[Role]int{
	Nose:          0,
	LeftEar:       7,
	RightEar:      8,
	LeftShoulder:  11,
	RightShoulder: 12,
	LeftHip:       23,
	RightHip:      24,
}

// Point is a single keypoint.
type Point struct {
	X          float64 `json:"x" msgpack:"x"`
	Y          float64 `json:"y" msgpack:"y"`
	Z          float64 `json:"z" msgpack:"z"`
	Visibility float64 `json:"visibility,omitempty" msgpack:"visibility,omitempty"`
}

// XY projects the point onto the image plane.
func (p Point) XY() r2.Vec {
	return r2.Vec{X: p.X, Y: p.Y}
}

// Vec returns the point as a 3D vector.
func (p Point) Vec() r3.Vec {
	return r3.Vec{X: p.X, Y: p.Y, Z: p.Z}
}

// Set holds the keypoints resolved for one frame. A role may be absent when
// the estimator could not resolve it.
type Set map[Role]Point

// Get returns the point for role and whether it was resolved.
func (s Set) Get(r Role) (Point, bool) {
	p, ok := s[r]
	return p, ok
}

// FromIndexed builds a Set from a MediaPipe style array where each entry is
// [x, y, z] or [x, y, z, visibility]. Entries shorter than three values are
// treated as unresolved.
func FromIndexed(points [][]float64) (Set, error) {
	if len(points) == 0 {
		return nil, nil
	}
	if len(points) != NumMediaPipePoints {
		return nil, fmt.Errorf("landmark: expected %d points, got %d", NumMediaPipePoints, len(points))
	}

	set := make(Set, len(MediaPipeIndex))
	for role, idx := range MediaPipeIndex {
		raw := points[idx]
		if len(raw) < 3 {
			continue
		}
		p := Point{X: raw[0], Y: raw[1], Z: raw[2]}
		if len(raw) > 3 {
			p.Visibility = raw[3]
		}
		set[role] = p
	}
	return set, nil
}

// Frame is one observation from a landmark source.
type Frame struct {
	// Seq is the monotonic sequence number assigned by the source
	Seq uint64 `json:"seq"`
	// Timestamp is when the underlying image was captured
	Timestamp time.Time `json:"timestamp"`
	// TraceID identifies the frame across the pipeline
	TraceID string `json:"trace_id,omitempty"`
	// Source identifies the producer (python, replay, mock)
	Source string `json:"source,omitempty"`
	// Landmarks is nil when no body was detected
	Landmarks Set `json:"landmarks,omitempty"`
}

// Detected reports whether the estimator found a body in this frame.
func (f Frame) Detected() bool {
	return len(f.Landmarks) > 0
}

// SourceStats contains landmark source statistics.
type SourceStats struct {
	FramesEmitted uint64
	FramesDropped uint64
	NoBodyFrames  uint64
	FPSTarget     float64
	FPSReal       float64
	IsConnected   bool
	Restarts      uint32
	LastSeenAt    time.Time
	Source        string
}
