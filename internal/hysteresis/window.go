// Package hysteresis debounces noisy per-frame boolean signals into stable
// alert states using fixed-capacity sliding windows.
//
// An alert asserts only when a window is full and a supermajority of its
// entries are true. The window slides one frame at a time, so a short return
// to good posture erodes an active alert gradually instead of resetting it.
package hysteresis

// Window is a fixed-capacity ring buffer of booleans with oldest eviction.
// It keeps a running count of true entries so Count is O(1).
type Window struct {
	buf   []bool
	head  int // index of the oldest entry
	n     int
	trues int
}

// NewWindow creates an empty window. Capacity must be positive.
func NewWindow(capacity int) *Window {
	if capacity <= 0 {
		panic("hysteresis: window capacity must be positive")
	}
	return &Window{buf: make([]bool, capacity)}
}

// Push appends v, evicting the oldest entry when the window is full.
func (w *Window) Push(v bool) {
	if w.n == len(w.buf) {
		if w.buf[w.head] {
			w.trues--
		}
		w.buf[w.head] = v
		w.head = (w.head + 1) % len(w.buf)
	} else {
		w.buf[(w.head+w.n)%len(w.buf)] = v
		w.n++
	}
	if v {
		w.trues++
	}
}

// Len returns the number of entries held.
func (w *Window) Len() int { return w.n }

// Cap returns the fixed capacity.
func (w *Window) Cap() int { return len(w.buf) }

// Count returns the number of true entries.
func (w *Window) Count() int { return w.trues }

// Full reports whether the window has reached capacity.
func (w *Window) Full() bool { return w.n == len(w.buf) }

// Values returns a copy of the entries, oldest first.
func (w *Window) Values() []bool {
	out := make([]bool, w.n)
	for i := 0; i < w.n; i++ {
		out[i] = w.buf[(w.head+i)%len(w.buf)]
	}
	return out
}

// Reset empties the window.
func (w *Window) Reset() {
	for i := range w.buf {
		w.buf[i] = false
	}
	w.head, w.n, w.trues = 0, 0, 0
}
