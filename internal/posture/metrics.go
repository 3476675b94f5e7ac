// Package posture turns per-frame pose landmarks into debounced slouch alerts
// measured against a user-captured baseline posture.
//
// The pipeline per frame is:
//
//	landmarks -> Extract -> (Calibrate | Classify against baseline) -> hysteresis windows -> alerts
//
// Engine wires the steps together and owns all temporal state.
package posture

import (
	"errors"
	"fmt"

	"github.com/e7canasta/orion-posture/internal/geometry"
	"github.com/e7canasta/orion-posture/internal/landmark"
)

// ErrMissingLandmark is matched by every MissingLandmarkError.
var ErrMissingLandmark = errors.New("posture: missing landmark")

// MissingLandmarkError reports a required keypoint the estimator did not
// resolve for this frame.
type MissingLandmarkError struct {
	Role landmark.Role
}

func (e *MissingLandmarkError) Error() string {
	return fmt.Sprintf("posture: missing landmark %q", e.Role)
}

// Is makes errors.Is(err, ErrMissingLandmark) hold.
func (e *MissingLandmarkError) Is(target error) bool {
	return target == ErrMissingLandmark
}

// RequiredRoles are the keypoints Extract needs.
var RequiredRoles = []landmark.Role{
	landmark.Nose,
	landmark.LeftEar,
	landmark.LeftShoulder,
	landmark.RightShoulder,
	landmark.LeftHip,
}

// Metrics are the scalar posture proxies derived from one frame.
type Metrics struct {
	// HeadForward is rightShoulder.x - leftEar.x (forward lean proxy)
	HeadForward float64 `json:"head_forward"`
	// HeadSideSlouch is |leftEar.z - leftHip.z| (lateral lean proxy)
	HeadSideSlouch float64 `json:"head_side_slouch"`
	// HeadAngle is the shoulder-ear-nose angle in degrees (neck flexion proxy)
	HeadAngle float64 `json:"head_angle"`
}

// Extract derives Metrics from one frame's landmarks.
//
// No smoothing happens here; the hysteresis windows absorb jitter.
func Extract(set landmark.Set) (Metrics, error) {
	for _, role := range RequiredRoles {
		if _, ok := set.Get(role); !ok {
			return Metrics{}, &MissingLandmarkError{Role: role}
		}
	}

	nose := set[landmark.Nose]
	ear := set[landmark.LeftEar]
	leftShoulder := set[landmark.LeftShoulder]
	rightShoulder := set[landmark.RightShoulder]
	hip := set[landmark.LeftHip]

	angle, err := geometry.AngleAt(leftShoulder.XY(), ear.XY(), nose.XY())
	if err != nil {
		return Metrics{}, fmt.Errorf("posture: head angle: %w", err)
	}

	return Metrics{
		HeadForward:    rightShoulder.X - ear.X,
		HeadSideSlouch: abs(ear.Z - hip.Z),
		HeadAngle:      angle,
	}, nil
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
