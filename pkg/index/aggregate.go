package index

import (
	"encoding/json"
	"fmt"

	"github.com/deltaflow-io/deltaflow/pkg/zset"
)

// Aggregate is one per-key aggregate maintained by a reduce operator. Add and
// Retract must commute: the result only depends on the net multiset of values
// seen, never on arrival order.
type Aggregate interface {
	Add(value any) error
	Retract(value any) error
	// Value returns the current aggregate, or (nil, nil) when no values
	// remain in the group.
	Value() (any, error)
	Snapshot() ([]byte, error)
	Restore([]byte) error
}

// AggregateFactory creates a fresh aggregate for a new group key.
type AggregateFactory func() Aggregate

func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case int:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case float32:
		return float64(v), nil
	case float64:
		return v, nil
	default:
		return 0, fmt.Errorf("value %v (%T) is not numeric", value, value)
	}
}

// SumAggregate is the invertible sum of numeric values.
type SumAggregate struct {
	Sum   float64 `json:"sum"`
	Count int     `json:"count"`
}

// NewSum creates a sum aggregate.
func NewSum() Aggregate { return &SumAggregate{} }

func (a *SumAggregate) Add(value any) error {
	f, err := toFloat(value)
	if err != nil {
		return err
	}
	a.Sum += f
	a.Count++
	return nil
}

func (a *SumAggregate) Retract(value any) error {
	f, err := toFloat(value)
	if err != nil {
		return err
	}
	if a.Count == 0 {
		return fmt.Errorf("retraction from empty sum group")
	}
	a.Sum -= f
	a.Count--
	return nil
}

func (a *SumAggregate) Value() (any, error) {
	if a.Count == 0 {
		return nil, nil
	}
	return a.Sum, nil
}

func (a *SumAggregate) Snapshot() ([]byte, error) { return json.Marshal(a) }
func (a *SumAggregate) Restore(data []byte) error { return json.Unmarshal(data, a) }

// CountAggregate counts group members, retraction-aware.
type CountAggregate struct {
	Count int `json:"count"`
}

// NewCount creates a count aggregate.
func NewCount() Aggregate { return &CountAggregate{} }

func (a *CountAggregate) Add(any) error { a.Count++; return nil }

func (a *CountAggregate) Retract(any) error {
	if a.Count == 0 {
		return fmt.Errorf("retraction from empty count group")
	}
	a.Count--
	return nil
}

func (a *CountAggregate) Value() (any, error) {
	if a.Count == 0 {
		return nil, nil
	}
	return int64(a.Count), nil
}

func (a *CountAggregate) Snapshot() ([]byte, error) { return json.Marshal(a) }
func (a *CountAggregate) Restore(data []byte) error { return json.Unmarshal(data, a) }

// AvgAggregate is sum/count, both invertible.
type AvgAggregate struct {
	Sum   float64 `json:"sum"`
	Count int     `json:"count"`
}

// NewAvg creates an average aggregate.
func NewAvg() Aggregate { return &AvgAggregate{} }

func (a *AvgAggregate) Add(value any) error {
	f, err := toFloat(value)
	if err != nil {
		return err
	}
	a.Sum += f
	a.Count++
	return nil
}

func (a *AvgAggregate) Retract(value any) error {
	f, err := toFloat(value)
	if err != nil {
		return err
	}
	if a.Count == 0 {
		return fmt.Errorf("retraction from empty avg group")
	}
	a.Sum -= f
	a.Count--
	return nil
}

func (a *AvgAggregate) Value() (any, error) {
	if a.Count == 0 {
		return nil, nil
	}
	return a.Sum / float64(a.Count), nil
}

func (a *AvgAggregate) Snapshot() ([]byte, error) { return json.Marshal(a) }
func (a *AvgAggregate) Restore(data []byte) error { return json.Unmarshal(data, a) }

// extremeEntry tracks one distinct value with its multiset count, so that a
// retracted extreme can fall back to the next-best remaining value.
type extremeEntry struct {
	Value float64 `json:"value"`
	Count int     `json:"count"`
}

// ExtremeAggregate implements min or max over numeric values via
// retraction-aware multiset counting.
type ExtremeAggregate struct {
	Min    bool                     `json:"min"`
	Counts map[string]*extremeEntry `json:"counts"`
}

// NewMin creates a retraction-aware minimum aggregate.
func NewMin() Aggregate {
	return &ExtremeAggregate{Min: true, Counts: make(map[string]*extremeEntry)}
}

// NewMax creates a retraction-aware maximum aggregate.
func NewMax() Aggregate {
	return &ExtremeAggregate{Counts: make(map[string]*extremeEntry)}
}

func (a *ExtremeAggregate) Add(value any) error {
	f, err := toFloat(value)
	if err != nil {
		return err
	}
	id, err := zset.ValueKey(f)
	if err != nil {
		return err
	}
	entry := a.Counts[id]
	if entry == nil {
		entry = &extremeEntry{Value: f}
		a.Counts[id] = entry
	}
	entry.Count++
	return nil
}

func (a *ExtremeAggregate) Retract(value any) error {
	f, err := toFloat(value)
	if err != nil {
		return err
	}
	id, err := zset.ValueKey(f)
	if err != nil {
		return err
	}
	entry := a.Counts[id]
	if entry == nil || entry.Count <= 0 {
		return fmt.Errorf("retraction of value %v not present in group", value)
	}
	entry.Count--
	if entry.Count == 0 {
		delete(a.Counts, id)
	}
	return nil
}

func (a *ExtremeAggregate) Value() (any, error) {
	if len(a.Counts) == 0 {
		return nil, nil
	}
	first := true
	var best float64
	for _, entry := range a.Counts {
		if entry.Count < 0 {
			return nil, fmt.Errorf("negative multiset count for value %v", entry.Value)
		}
		if first || (a.Min && entry.Value < best) || (!a.Min && entry.Value > best) {
			best = entry.Value
			first = false
		}
	}
	return best, nil
}

func (a *ExtremeAggregate) Snapshot() ([]byte, error) { return json.Marshal(a) }
func (a *ExtremeAggregate) Restore(data []byte) error { return json.Unmarshal(data, a) }

// aggregateByName resolves the built-in aggregate set.
var aggregateByName = map[string]AggregateFactory{
	"sum":   NewSum,
	"count": NewCount,
	"avg":   NewAvg,
	"min":   NewMin,
	"max":   NewMax,
}

// FactoryByName returns the built-in aggregate factory with the given name.
func FactoryByName(name string) (AggregateFactory, error) {
	f, ok := aggregateByName[name]
	if !ok {
		return nil, fmt.Errorf("unknown aggregate %q", name)
	}
	return f, nil
}
