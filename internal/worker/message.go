package worker

import (
	"fmt"
	"time"

	"github.com/e7canasta/orion-posture/internal/landmark"
)

// Result is one message written by the pose estimator to stdout.
//
//	{
//	  "seq": 1234,
//	  "timestamp_ns": 1760000000000000000,
//	  "landmarks": [[x, y, z, visibility], ...],   // 33 entries, or empty when no body
//	  "timing": {"total_ms": 31.2, "inference_ms": 24.9},
//	  "error": ""                                    // set when the estimator failed on this frame
//	}
type Result struct {
	Seq         uint64      `msgpack:"seq"`
	TimestampNS int64       `msgpack:"timestamp_ns"`
	Landmarks   [][]float64 `msgpack:"landmarks"`
	Timing      Timing      `msgpack:"timing"`
	Error       string      `msgpack:"error,omitempty"`
}

// Timing reports estimator latency for one frame.
type Timing struct {
	TotalMS     float64 `msgpack:"total_ms"`
	InferenceMS float64 `msgpack:"inference_ms"`
}

// Frame converts the result into a landmark frame.
func (r Result) Frame(source, traceID string) (landmark.Frame, error) {
	set, err := landmark.FromIndexed(r.Landmarks)
	if err != nil {
		return landmark.Frame{}, fmt.Errorf("frame %d: %w", r.Seq, err)
	}

	ts := time.Now()
	if r.TimestampNS > 0 {
		ts = time.Unix(0, r.TimestampNS)
	}

	return landmark.Frame{
		Seq:       r.Seq,
		Timestamp: ts,
		TraceID:   traceID,
		Source:    source,
		Landmarks: set,
	}, nil
}

// Command is a control message written to the estimator's stdin.
type Command struct {
	Type    string         `msgpack:"type"`
	Command string         `msgpack:"command"`
	Params  map[string]any `msgpack:"params,omitempty"`
}

func newCommand(name string, params map[string]any) Command {
	return Command{Type: "command", Command: name, Params: params}
}
