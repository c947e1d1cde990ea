// Package op implements the incremental operators of the dataflow engine.
// Operators consume delta Z-sets and emit derived delta Z-sets; stateful
// kinds maintain key-indexed accumulated state updated only by applying
// deltas in epoch order. Operator kinds are dispatched through the uniform
// Operator capability interface rather than a type hierarchy.
package op

import (
	"fmt"

	"github.com/deltaflow-io/deltaflow/pkg/epoch"
	"github.com/deltaflow-io/deltaflow/pkg/zset"
)

// Operator is the uniform capability interface of every operator kind.
type Operator interface {
	// ID returns the operator's graph node id.
	ID() string

	// Arity returns the number of input slots.
	Arity() int

	// Stateful reports whether the operator carries key-indexed state
	// (and therefore participates in sharding and snapshotting).
	Stateful() bool

	// ApplyDelta applies one delta arriving on the given input slot at
	// the given epoch and returns the derived output delta. The output
	// may be empty. Deltas for one epoch may arrive on different slots
	// in any order; the accumulated result must not depend on it.
	ApplyDelta(input int, delta *zset.ZSet, e epoch.Epoch) (*zset.ZSet, error)

	// AdvanceFrontier signals that every batch with epoch <= e has been
	// applied on all inputs. Operators that buffer across epochs (e.g.
	// windows) may emit a flush delta here.
	AdvanceFrontier(e epoch.Epoch) (*zset.ZSet, error)

	// Compact releases per-epoch delta history up to and including the
	// given globally closed epoch. Must not change accumulated state.
	Compact(upTo epoch.Epoch)

	// Snapshot serializes the operator state for persistence.
	Snapshot() ([]byte, error)

	// Restore replaces the operator state from a snapshot.
	Restore(data []byte) error
}

// BaseOp carries the identity shared by all operator kinds and provides the
// no-op capability defaults for stateless operators.
type BaseOp struct {
	id    string
	arity int
}

// NewBaseOp creates the embedded base for an operator.
func NewBaseOp(id string, arity int) BaseOp {
	return BaseOp{id: id, arity: arity}
}

func (b *BaseOp) ID() string     { return b.id }
func (b *BaseOp) Arity() int     { return b.arity }
func (b *BaseOp) Stateful() bool { return false }

// AdvanceFrontier is a no-op for operators without cross-epoch buffering.
func (b *BaseOp) AdvanceFrontier(epoch.Epoch) (*zset.ZSet, error) { return nil, nil }

// Compact is a no-op for operators without delta history.
func (b *BaseOp) Compact(epoch.Epoch) {}

// Snapshot returns no state for stateless operators.
func (b *BaseOp) Snapshot() ([]byte, error) { return nil, nil }

// Restore accepts only empty state for stateless operators.
func (b *BaseOp) Restore(data []byte) error {
	if len(data) > 0 {
		return fmt.Errorf("operator %s is stateless but snapshot carries state", b.id)
	}
	return nil
}

// validateInput checks the input slot in ApplyDelta implementations.
func (b *BaseOp) validateInput(input int) error {
	if input < 0 || input >= b.arity {
		return fmt.Errorf("operator %s expects inputs 0..%d, got %d", b.id, b.arity-1, input)
	}
	return nil
}
