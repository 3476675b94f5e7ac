// Package geometry holds the planar helpers used to turn pose landmarks into angles.
package geometry

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/spatial/r2"
)

// ErrDegenerate is matched by every DomainError returned from AngleAt.
var ErrDegenerate = errors.New("geometry: degenerate vectors")

// DomainError reports an angle that is undefined because one of the arms
// has zero length (an endpoint coincides with the vertex).
type DomainError struct {
	// Arm is 1 when p1 coincides with the vertex, 3 when p3 does.
	Arm int
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("geometry: degenerate vectors (arm p%d has zero magnitude)", e.Arm)
}

// Is makes errors.Is(err, ErrDegenerate) hold for any DomainError.
func (e *DomainError) Is(target error) bool {
	return target == ErrDegenerate
}

// AngleAt returns the angle in degrees at vertex p2 formed by p1-p2-p3.
//
// The cosine is clamped to [-1, 1] before arccos so rounding on nearly
// collinear points never produces NaN. Near 0 and 180 degrees arccos
// amplifies rounding, so parallel arms may come out a few microdegrees off.
func AngleAt(p1, p2, p3 r2.Vec) (float64, error) {
	v1 := r2.Sub(p1, p2)
	v2 := r2.Sub(p3, p2)

	mag1 := r2.Norm(v1)
	if mag1 == 0 {
		return 0, &DomainError{Arm: 1}
	}
	mag2 := r2.Norm(v2)
	if mag2 == 0 {
		return 0, &DomainError{Arm: 3}
	}

	cos := r2.Dot(v1, v2) / (mag1 * mag2)
	cos = math.Max(-1, math.Min(1, cos))

	return math.Acos(cos) * 180 / math.Pi, nil
}
