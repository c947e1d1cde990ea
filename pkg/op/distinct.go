package op

import (
	"encoding/json"
	"fmt"

	"github.com/deltaflow-io/deltaflow/pkg/epoch"
	"github.com/deltaflow-io/deltaflow/pkg/zset"
)

// DistinctOp converts multiset to set semantics incrementally. It integrates
// its input and differentiates the distinct of the accumulated collection:
// a row is emitted with +1 when its accumulated multiplicity first becomes
// positive and with -1 when it drops back to zero or below, and nothing is
// emitted for multiplicity changes that don't cross the presence boundary.
type DistinctOp struct {
	BaseOp
	acc *zset.ZSet
}

// NewDistinct creates a distinct operator.
func NewDistinct(id string) *DistinctOp {
	return &DistinctOp{BaseOp: NewBaseOp(id, 1), acc: zset.New()}
}

func (o *DistinctOp) Stateful() bool { return true }

// ApplyDelta evaluates the op.
func (o *DistinctOp) ApplyDelta(input int, delta *zset.ZSet, _ epoch.Epoch) (*zset.ZSet, error) {
	if err := o.validateInput(input); err != nil {
		return nil, err
	}

	result := zset.New()
	for _, entry := range delta.Entries() {
		before, err := o.acc.Multiplicity(entry.Key, entry.Value)
		if err != nil {
			return nil, err
		}
		if err := o.acc.InsertMutate(entry.Key, entry.Value, entry.Multiplicity); err != nil {
			return nil, err
		}
		after := before + entry.Multiplicity

		switch {
		case before <= 0 && after > 0:
			err = result.InsertMutate(entry.Key, entry.Value, 1)
		case before > 0 && after <= 0:
			err = result.InsertMutate(entry.Key, entry.Value, -1)
		}
		if err != nil {
			return nil, err
		}
	}
	return result, nil
}

// Snapshot serializes the accumulated collection.
func (o *DistinctOp) Snapshot() ([]byte, error) {
	return json.Marshal(o.acc)
}

// Restore replaces the accumulated collection from a snapshot.
func (o *DistinctOp) Restore(data []byte) error {
	acc := zset.New()
	if err := json.Unmarshal(data, acc); err != nil {
		return fmt.Errorf("failed to restore distinct %s: %w", o.ID(), err)
	}
	o.acc = acc
	return nil
}
