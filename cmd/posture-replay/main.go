// Command posture-replay runs a JSON Lines landmark recording through the
// posture engine offline and prints every alert transition.
package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/e7canasta/orion-posture/internal/hysteresis"
	"github.com/e7canasta/orion-posture/internal/landmark"
	"github.com/e7canasta/orion-posture/internal/posture"
	"github.com/e7canasta/orion-posture/internal/stream"
)

// categorySummary accumulates alert activity for one category
type categorySummary struct {
	Onsets         int    `json:"onsets"`
	AlertingFrames uint64 `json:"alerting_frames"`
	LongestRun     uint64 `json:"longest_run_frames"`
	current        uint64
}

type summary struct {
	Counters   posture.Counters           `json:"counters"`
	Categories map[string]categorySummary `json:"categories"`
}

// replay feeds every frame of r through a fresh engine. calibrateAt is the
// index of the first frame on which calibration is requested; the request
// stays pending until a frame with a body arrives. A negative value never
// calibrates.
func replay(r io.Reader, calibrateAt int, onTransition func(posture.Report, posture.Transition)) (summary, error) {
	engine := posture.NewEngine()
	cats := make(map[hysteresis.Category]*categorySummary, len(hysteresis.Categories))
	for _, c := range hysteresis.Categories {
		cats[c] = &categorySummary{}
	}

	index := 0
	pending := false
	err := stream.ReadJSONL(r, func(f landmark.Frame) error {
		if index == calibrateAt {
			pending = true
		}
		index++

		rep := engine.Process(f, pending)
		if rep.Status == posture.StatusCalibrated {
			pending = false
		}

		for _, t := range rep.Transitions {
			if t.Kind == posture.Onset {
				cats[t.Category].Onsets++
			}
			onTransition(rep, t)
		}
		for _, c := range hysteresis.Categories {
			s := cats[c]
			if rep.Alerts.Get(c) {
				s.AlertingFrames++
				s.current++
				if s.current > s.LongestRun {
					s.LongestRun = s.current
				}
			} else {
				s.current = 0
			}
		}
		return nil
	})

	out := summary{Counters: engine.Counters(), Categories: make(map[string]categorySummary)}
	for c, s := range cats {
		out.Categories[c.String()] = *s
	}
	return out, err
}

// printer writes transitions and the final summary to w and keeps the first
// write error, so a closed stdout pipe fails the run instead of passing silently.
type printer struct {
	w      io.Writer
	enc    *json.Encoder
	asJSON bool
	err    error
}

func newPrinter(w io.Writer, asJSON bool) *printer {
	return &printer{w: w, enc: json.NewEncoder(w), asJSON: asJSON}
}

func (p *printer) transition(_ posture.Report, t posture.Transition) {
	if p.err != nil {
		return
	}
	if p.asJSON {
		p.err = p.enc.Encode(t)
		return
	}
	_, p.err = fmt.Fprintf(p.w, "%s  seq=%-6d %-7s %-8s bad=%d/%d\n",
		t.Timestamp.Format("15:04:05.000"), t.Seq, t.Category, t.Kind, t.Window.Bad, t.Window.Len)
}

func (p *printer) summary(sum summary) error {
	if p.err != nil {
		return p.err
	}
	if p.asJSON {
		p.err = p.enc.Encode(sum)
		return p.err
	}

	c := sum.Counters
	_, p.err = fmt.Fprintf(p.w, "\nframes=%d classified=%d uncalibrated=%d skipped=%d no_body=%d calibrations=%d\n",
		c.Frames, c.Classified, c.Uncalibrated, c.Skipped, c.NoBody, c.Calibrations)
	for _, cat := range hysteresis.Categories {
		if p.err != nil {
			break
		}
		s := sum.Categories[cat.String()]
		_, p.err = fmt.Fprintf(p.w, "%-8s onsets=%d alerting_frames=%d longest_run=%d\n",
			cat, s.Onsets, s.AlertingFrames, s.LongestRun)
	}
	return p.err
}

func main() {
	calibrateAt := flag.Int("calibrate-at", 0, "Frame index at which to request calibration (-1 disables)")
	asJSON := flag.Bool("json", false, "Print transitions and summary as JSON lines")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "usage: %s [flags] recording.jsonl\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(2)
	}

	f, err := os.Open(flag.Arg(0))
	if err != nil {
		slog.Error("failed to open recording", "error", err)
		os.Exit(1)
	}
	defer f.Close()

	out := newPrinter(os.Stdout, *asJSON)
	sum, err := replay(f, *calibrateAt, out.transition)
	if err != nil {
		slog.Error("replay failed", "path", flag.Arg(0), "error", err)
		os.Exit(1)
	}

	if err := out.summary(sum); err != nil {
		slog.Error("failed to write output", "error", err)
		os.Exit(1)
	}
}
