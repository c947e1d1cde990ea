package op

import (
	"encoding/json"
	"fmt"

	"github.com/deltaflow-io/deltaflow/pkg/dferrors"
	"github.com/deltaflow-io/deltaflow/pkg/epoch"
	"github.com/deltaflow-io/deltaflow/pkg/index"
	"github.com/deltaflow-io/deltaflow/pkg/zset"
)

// ValueFunc extracts the value to aggregate from a row. The default
// aggregates the row value itself.
type ValueFunc func(key string, value any) (any, error)

// ReduceOp maintains one aggregate per row key, updated by a commutative and
// invertible combine function. On every change the previous aggregate value
// is retracted and the new one inserted, so downstream collections always
// accumulate to exactly one result row per non-empty group.
type ReduceOp struct {
	BaseOp
	groups  *index.GroupState
	extract ValueFunc
	emitted map[string]any // last emitted aggregate per key
}

// NewReduce creates a reduce (group-by) operator with the given aggregate
// factory, e.g. index.NewSum.
func NewReduce(id string, factory index.AggregateFactory, extract ValueFunc) *ReduceOp {
	if extract == nil {
		extract = func(_ string, value any) (any, error) { return value, nil }
	}
	return &ReduceOp{
		BaseOp:  NewBaseOp(id, 1),
		groups:  index.NewGroupState(factory),
		extract: extract,
		emitted: make(map[string]any),
	}
}

func (o *ReduceOp) Stateful() bool { return true }

// ApplyDelta evaluates the op.
func (o *ReduceOp) ApplyDelta(input int, delta *zset.ZSet, e epoch.Epoch) (*zset.ZSet, error) {
	if err := o.validateInput(input); err != nil {
		return nil, err
	}

	// apply all contributions first so a key touched by several rows of
	// the batch emits one retraction/insertion pair, not one per row
	touched := map[string]bool{}
	for _, entry := range delta.Entries() {
		value, err := o.extract(entry.Key, entry.Value)
		if err != nil {
			return nil, fmt.Errorf("reduce %s value extraction failed: %w", o.ID(), err)
		}
		if err := o.groups.Apply(entry.Key, value, entry.Multiplicity); err != nil {
			return nil, dferrors.NewStateError(o.ID(), e, err)
		}
		touched[entry.Key] = true
	}

	result := zset.New()
	for key := range touched {
		current, err := o.groups.Value(key)
		if err != nil {
			return nil, dferrors.NewStateError(o.ID(), e, err)
		}

		previous, wasEmitted := o.emitted[key]
		if wasEmitted {
			equal, err := zset.ValueEqual(previous, current)
			if err != nil {
				return nil, err
			}
			if equal {
				continue
			}
			if err := result.InsertMutate(key, previous, -1); err != nil {
				return nil, err
			}
		}

		if current != nil {
			if err := result.InsertMutate(key, current, 1); err != nil {
				return nil, err
			}
			o.emitted[key] = current
		} else {
			delete(o.emitted, key)
		}
	}

	return result, nil
}

type reduceSnapshot struct {
	Groups  json.RawMessage `json:"groups"`
	Emitted map[string]any  `json:"emitted"`
}

// Snapshot serializes the aggregates and the last emitted values.
func (o *ReduceOp) Snapshot() ([]byte, error) {
	groups, err := o.groups.Snapshot()
	if err != nil {
		return nil, err
	}
	return json.Marshal(reduceSnapshot{Groups: groups, Emitted: o.emitted})
}

// Restore replaces the operator state from a snapshot.
func (o *ReduceOp) Restore(data []byte) error {
	snap := reduceSnapshot{}
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to restore reduce %s: %w", o.ID(), err)
	}
	if err := o.groups.Restore(snap.Groups); err != nil {
		return fmt.Errorf("failed to restore reduce %s: %w", o.ID(), err)
	}
	if snap.Emitted == nil {
		snap.Emitted = make(map[string]any)
	}
	o.emitted = snap.Emitted
	return nil
}
