package core

import (
	"context"

	"github.com/e7canasta/orion-posture/internal/landmark"
)

// LandmarkSource provides a stream of landmark frames
type LandmarkSource interface {
	// Start begins producing frames
	Start(ctx context.Context) error
	// Frames returns the channel of the current run. It is closed when the
	// run ends, and replaced on the next Start.
	Frames() <-chan landmark.Frame
	// Stop stops the source
	Stop() error
	// Stats returns source statistics
	Stats() landmark.SourceStats
}
