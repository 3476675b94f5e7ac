package hysteresis

import "fmt"

const (
	// WindowSize is the number of most recent frames each category remembers.
	WindowSize = 100
	// RequiredBad is the number of bad frames within a full window needed to alert.
	RequiredBad = 80
)

// Category identifies one of the independent posture signals.
type Category int

const (
	Forward Category = iota
	Side
	Head

	numCategories
)

// Categories lists every category in a stable order.
var Categories = [numCategories]Category{Forward, Side, Head}

// String returns the category name used in logs and payloads.
func (c Category) String() string {
	switch c {
	case Forward:
		return "forward"
	case Side:
		return "side"
	case Head:
		return "head"
	default:
		return fmt.Sprintf("category(%d)", int(c))
	}
}

// WindowStats is a snapshot of one category window.
type WindowStats struct {
	Bad int `json:"bad"`
	Len int `json:"len"`
	Cap int `json:"cap"`
}

// Engine owns one window per category.
//
// Engine is not safe for concurrent use.
type Engine struct {
	windows  [numCategories]*Window
	required int
}

// New creates an engine with WindowSize-frame windows and the RequiredBad threshold.
func New() *Engine {
	e := &Engine{required: RequiredBad}
	for i := range e.windows {
		e.windows[i] = NewWindow(WindowSize)
	}
	return e
}

// Observe records one frame's flag for category c.
func (e *Engine) Observe(c Category, flag bool) {
	e.window(c).Push(flag)
}

// IsAlerting reports whether category c currently asserts an alert: the window
// is full and holds at least RequiredBad true entries. It is always false
// during cold start, before the window fills.
func (e *Engine) IsAlerting(c Category) bool {
	w := e.window(c)
	return w.Full() && w.Count() >= e.required
}

// Stats returns the fill level of category c.
func (e *Engine) Stats(c Category) WindowStats {
	w := e.window(c)
	return WindowStats{Bad: w.Count(), Len: w.Len(), Cap: w.Cap()}
}

// Values returns the entries of category c, oldest first.
func (e *Engine) Values(c Category) []bool {
	return e.window(c).Values()
}

// Reset empties every window.
func (e *Engine) Reset() {
	for _, w := range e.windows {
		w.Reset()
	}
}

func (e *Engine) window(c Category) *Window {
	if c < 0 || c >= numCategories {
		panic(fmt.Sprintf("hysteresis: unknown %s", c))
	}
	return e.windows[c]
}

// MarshalText encodes the category by name.
func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// UnmarshalText decodes a category name.
func (c *Category) UnmarshalText(text []byte) error {
	for _, cat := range Categories {
		if cat.String() == string(text) {
			*c = cat
			return nil
		}
	}
	return fmt.Errorf("hysteresis: unknown category %q", text)
}
