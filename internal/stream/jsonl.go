package stream

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/e7canasta/orion-posture/internal/landmark"
)

// maxLineSize bounds a single JSONL record.
const maxLineSize = 1 << 20

// ReadJSONL decodes one landmark.Frame per line and calls fn for each.
// Blank lines are skipped. fn returning an error stops the scan.
func ReadJSONL(r io.Reader, fn func(landmark.Frame) error) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	line := 0
	for scanner.Scan() {
		line++
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}

		var f landmark.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			return fmt.Errorf("line %d: %w", line, err)
		}
		if err := fn(f); err != nil {
			return err
		}
	}
	return scanner.Err()
}

// Recorder appends frames to a JSON Lines file that ReplaySource can play back.
type Recorder struct {
	mu  sync.Mutex
	f   *os.File
	w   *bufio.Writer
	enc *json.Encoder
	n   uint64
}

// NewRecorder creates (or truncates) path.
func NewRecorder(path string) (*Recorder, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create recording dir: %w", err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording: %w", err)
	}
	w := bufio.NewWriter(f)
	return &Recorder{f: f, w: w, enc: json.NewEncoder(w)}, nil
}

// Write appends one frame.
func (r *Recorder) Write(f landmark.Frame) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.enc.Encode(f); err != nil {
		return fmt.Errorf("failed to record frame %d: %w", f.Seq, err)
	}
	r.n++
	return nil
}

// Count returns the number of frames written.
func (r *Recorder) Count() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

// Close flushes and closes the file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.w.Flush(); err != nil {
		r.f.Close()
		return fmt.Errorf("failed to flush recording: %w", err)
	}
	return r.f.Close()
}
