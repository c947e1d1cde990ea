package index

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/deltaflow-io/deltaflow/pkg/zset"
)

// WindowKind selects the window assignment policy.
type WindowKind string

const (
	// WindowFixed assigns each row to exactly one tumbling window of Size.
	WindowFixed WindowKind = "fixed"
	// WindowSliding assigns each row to every window of Size advancing by
	// Slide that covers its timestamp.
	WindowSliding WindowKind = "sliding"
	// WindowSession merges rows into per-key sessions separated by gaps
	// of at least Gap.
	WindowSession WindowKind = "session"
)

// WindowPolicy configures window assignment and lateness handling. The
// allowed-lateness bound is deliberately plain configuration: how much
// out-of-order slack a stream needs is a property of the connector feeding
// it, not of the engine.
type WindowPolicy struct {
	Kind  WindowKind    `json:"kind"`
	Size  time.Duration `json:"size,omitempty"`
	Slide time.Duration `json:"slide,omitempty"`
	Gap   time.Duration `json:"gap,omitempty"`

	// AllowedLateness is how far behind the watermark a row may arrive
	// and still be admitted into its window. Zero admits nothing once
	// the window's close time has passed.
	AllowedLateness time.Duration `json:"allowedLateness,omitempty"`
}

// Validate checks policy invariants.
func (p *WindowPolicy) Validate() error {
	switch p.Kind {
	case WindowFixed:
		if p.Size <= 0 {
			return fmt.Errorf("fixed window requires positive size")
		}
	case WindowSliding:
		if p.Size <= 0 || p.Slide <= 0 {
			return fmt.Errorf("sliding window requires positive size and slide")
		}
		if p.Slide > p.Size {
			return fmt.Errorf("sliding window slide %v exceeds size %v", p.Slide, p.Size)
		}
	case WindowSession:
		if p.Gap <= 0 {
			return fmt.Errorf("session window requires positive gap")
		}
	default:
		return fmt.Errorf("unknown window kind %q", p.Kind)
	}
	if p.AllowedLateness < 0 {
		return fmt.Errorf("negative allowed lateness")
	}
	return nil
}

// Span is a half-open window interval [Start, End).
type Span struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// ID is the window key component derived from the interval.
func (s Span) ID() string {
	return fmt.Sprintf("%d~%d", s.Start.UnixNano(), s.End.UnixNano())
}

func (s Span) String() string {
	return fmt.Sprintf("[%s, %s)", s.Start.Format(time.RFC3339Nano), s.End.Format(time.RFC3339Nano))
}

// assign computes the fixed or sliding windows covering ts. Session windows
// are not assigned statically, they grow out of the buffered state.
func (p *WindowPolicy) assign(ts time.Time) []Span {
	switch p.Kind {
	case WindowFixed:
		start := ts.Truncate(p.Size)
		return []Span{{Start: start, End: start.Add(p.Size)}}

	case WindowSliding:
		var spans []Span
		first := ts.Truncate(p.Slide)
		// walk back over every slide whose window still covers ts
		for start := first; ts.Before(start.Add(p.Size)); start = start.Add(-p.Slide) {
			spans = append(spans, Span{Start: start, End: start.Add(p.Size)})
		}
		return spans

	default:
		return nil
	}
}

// openWindow is a not-yet-emitted window with its buffered contents.
type openWindow struct {
	Span Span       `json:"span"`
	Key  string     `json:"key,omitempty"` // session windows are per-key
	Rows []zset.Row `json:"rows"`
}

// closeTime is the instant the watermark must pass for the window to emit.
func (w *openWindow) closeTime(p *WindowPolicy) time.Time {
	if p.Kind == WindowSession {
		return w.Span.End.Add(p.Gap)
	}
	return w.Span.End
}

// WindowState buffers rows per window until the watermark passes the window
// close time plus allowed lateness.
type WindowState struct {
	policy    *WindowPolicy
	open      map[string]*openWindow
	watermark time.Time
}

// NewWindowState creates window state for a validated policy.
func NewWindowState(policy *WindowPolicy) *WindowState {
	return &WindowState{policy: policy, open: make(map[string]*openWindow)}
}

// Watermark returns the maximal event time observed.
func (w *WindowState) Watermark() time.Time { return w.watermark }

// Insert assigns the row (with event time ts) to its windows. It returns
// late=true when any targeted window has already emitted beyond the allowed
// lateness bound: the closed-window contribution is lost and the caller must
// signal the condition, even though the row may still have been buffered into
// windows that remain open.
func (w *WindowState) Insert(row zset.Row, ts time.Time) (late bool, err error) {
	if ts.After(w.watermark) {
		w.watermark = ts
	}

	if w.policy.Kind == WindowSession {
		return w.insertSession(row, ts)
	}

	for _, span := range w.policy.assign(ts) {
		if w.isClosed(span.End) {
			late = true
			continue
		}
		w.buffer(span, "", row)
	}
	return late, nil
}

// insertSession merges the row into the per-key session structure: any open
// session within Gap of ts is absorbed into one merged session.
func (w *WindowState) insertSession(row zset.Row, ts time.Time) (bool, error) {
	span := Span{Start: ts, End: ts}
	if w.isClosed(span.End.Add(w.policy.Gap)) {
		return true, nil
	}

	merged := []zset.Row{row}
	for id, win := range w.open {
		if win.Key != row.Key {
			continue
		}
		// sessions merge only when strictly closer than the gap
		if !ts.Before(win.Span.End.Add(w.policy.Gap)) || !win.Span.Start.Before(ts.Add(w.policy.Gap)) {
			continue
		}
		if win.Span.Start.Before(span.Start) {
			span.Start = win.Span.Start
		}
		if win.Span.End.After(span.End) {
			span.End = win.Span.End
		}
		merged = append(merged, win.Rows...)
		delete(w.open, id)
	}

	id := row.Key + "/" + span.ID()
	w.open[id] = &openWindow{Span: span, Key: row.Key, Rows: merged}
	return false, nil
}

func (w *WindowState) isClosed(end time.Time) bool {
	return !w.watermark.Before(end.Add(w.policy.AllowedLateness))
}

func (w *WindowState) buffer(span Span, key string, row zset.Row) {
	id := key + "/" + span.ID()
	win := w.open[id]
	if win == nil {
		win = &openWindow{Span: span, Key: key}
		w.open[id] = win
	}
	win.Rows = append(win.Rows, row)
}

// Emission is one closed window with its contents.
type Emission struct {
	Span Span
	Key  string
	Rows []zset.Row
}

// Flush emits every window whose close time plus allowed lateness has been
// passed by the watermark, removing it from the open set.
func (w *WindowState) Flush() []Emission {
	var out []Emission
	for id, win := range w.open {
		if w.isClosed(win.closeTime(w.policy)) {
			out = append(out, Emission{Span: win.Span, Key: win.Key, Rows: win.Rows})
			delete(w.open, id)
		}
	}
	return out
}

// windowSnapshot is the serialized form of WindowState.
type windowSnapshot struct {
	Open      map[string]*openWindow `json:"open"`
	Watermark time.Time              `json:"watermark"`
}

// Snapshot serializes the open windows and the watermark.
func (w *WindowState) Snapshot() ([]byte, error) {
	data, err := json.Marshal(windowSnapshot{Open: w.open, Watermark: w.watermark})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize window state: %w", err)
	}
	return data, nil
}

// Restore replaces the window state from a snapshot.
func (w *WindowState) Restore(data []byte) error {
	snap := windowSnapshot{}
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to restore window state: %w", err)
	}
	if snap.Open == nil {
		snap.Open = make(map[string]*openWindow)
	}
	w.open = snap.Open
	w.watermark = snap.Watermark
	return nil
}
