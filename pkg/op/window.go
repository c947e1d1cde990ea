package op

import (
	"fmt"
	"time"

	"github.com/deltaflow-io/deltaflow/pkg/epoch"
	"github.com/deltaflow-io/deltaflow/pkg/index"
	"github.com/deltaflow-io/deltaflow/pkg/zset"
)

// TimestampFunc extracts the event time of a row.
type TimestampFunc func(key string, value any) (time.Time, error)

// LateRowFunc is invoked for every row that targets a window already emitted
// beyond the allowed lateness bound. The row may still have landed in other
// windows that remain open; the lost contribution is a signaled condition,
// never a silent drop.
type LateRowFunc func(row zset.Row, ts time.Time)

// WindowOp assigns rows to windows derived from their event timestamp and
// buffers them until the watermark passes the window close time plus the
// allowed lateness. Closed windows are emitted as rows whose key is the
// original key suffixed with the window span, making per-window downstream
// aggregation a plain reduce.
type WindowOp struct {
	BaseOp
	state  *index.WindowState
	ts     TimestampFunc
	onLate LateRowFunc

	// LateRows counts rejected rows across the operator's lifetime.
	LateRows int
}

// NewWindow creates a window operator with a validated policy.
func NewWindow(id string, policy *index.WindowPolicy, ts TimestampFunc, onLate LateRowFunc) (*WindowOp, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("window %s: %w", id, err)
	}
	if ts == nil {
		return nil, fmt.Errorf("window %s: timestamp function is required", id)
	}
	return &WindowOp{
		BaseOp: NewBaseOp(id, 1),
		state:  index.NewWindowState(policy),
		ts:     ts,
		onLate: onLate,
	}, nil
}

func (o *WindowOp) Stateful() bool { return true }

// ApplyDelta buffers the delta rows into their windows. Nothing is emitted
// until the frontier advances.
func (o *WindowOp) ApplyDelta(input int, delta *zset.ZSet, _ epoch.Epoch) (*zset.ZSet, error) {
	if err := o.validateInput(input); err != nil {
		return nil, err
	}

	for _, entry := range delta.Entries() {
		ts, err := o.ts(entry.Key, entry.Value)
		if err != nil {
			return nil, fmt.Errorf("window %s timestamp extraction failed: %w", o.ID(), err)
		}

		row := zset.Row{Key: entry.Key, Value: entry.Value, Sign: entry.Multiplicity}
		late, err := o.state.Insert(row, ts)
		if err != nil {
			return nil, err
		}
		if late {
			o.LateRows++
			if o.onLate != nil {
				o.onLate(row, ts)
			}
		}
	}

	return zset.New(), nil
}

// AdvanceFrontier flushes every window the watermark has closed, emitting its
// buffered rows rekeyed by window.
func (o *WindowOp) AdvanceFrontier(_ epoch.Epoch) (*zset.ZSet, error) {
	result := zset.New()
	for _, emission := range o.state.Flush() {
		for _, row := range emission.Rows {
			key := fmt.Sprintf("%s@%s", row.Key, emission.Span.ID())
			if err := result.InsertMutate(key, row.Value, row.Sign); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

// Snapshot serializes the open windows and the watermark.
func (o *WindowOp) Snapshot() ([]byte, error) {
	return o.state.Snapshot()
}

// Restore replaces the window state from a snapshot.
func (o *WindowOp) Restore(data []byte) error {
	if err := o.state.Restore(data); err != nil {
		return fmt.Errorf("failed to restore window %s: %w", o.ID(), err)
	}
	return nil
}
