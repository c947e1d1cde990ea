package op

import (
	"fmt"

	"github.com/deltaflow-io/deltaflow/pkg/epoch"
	"github.com/deltaflow-io/deltaflow/pkg/zset"
)

// MapFunc transforms one row, returning the output key and value. The
// function must be pure: sign and epoch are preserved by the operator.
type MapFunc func(key string, value any) (string, any, error)

// MapOp applies a pure per-row transformation.
type MapOp struct {
	BaseOp
	fn MapFunc
}

// NewMap creates a map operator.
func NewMap(id string, fn MapFunc) *MapOp {
	return &MapOp{BaseOp: NewBaseOp(id, 1), fn: fn}
}

// ApplyDelta evaluates the op.
func (o *MapOp) ApplyDelta(input int, delta *zset.ZSet, _ epoch.Epoch) (*zset.ZSet, error) {
	if err := o.validateInput(input); err != nil {
		return nil, err
	}

	result := zset.New()
	for _, entry := range delta.Entries() {
		key, value, err := o.fn(entry.Key, entry.Value)
		if err != nil {
			return nil, fmt.Errorf("map %s failed: %w", o.ID(), err)
		}
		if err := result.InsertMutate(key, value, entry.Multiplicity); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// FilterFunc decides whether a row passes. Must be pure.
type FilterFunc func(key string, value any) (bool, error)

// FilterOp drops rows failing a predicate, preserving sign and epoch.
type FilterOp struct {
	BaseOp
	fn FilterFunc
}

// NewFilter creates a filter operator.
func NewFilter(id string, fn FilterFunc) *FilterOp {
	return &FilterOp{BaseOp: NewBaseOp(id, 1), fn: fn}
}

// ApplyDelta evaluates the op.
func (o *FilterOp) ApplyDelta(input int, delta *zset.ZSet, _ epoch.Epoch) (*zset.ZSet, error) {
	if err := o.validateInput(input); err != nil {
		return nil, err
	}

	result := zset.New()
	for _, entry := range delta.Entries() {
		keep, err := o.fn(entry.Key, entry.Value)
		if err != nil {
			return nil, fmt.Errorf("filter %s failed: %w", o.ID(), err)
		}
		if !keep {
			continue
		}
		if err := result.InsertMutate(entry.Key, entry.Value, entry.Multiplicity); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// FlattenFunc expands one row into zero or more rows. The Sign field of the
// returned rows is ignored; each inherits the input multiplicity.
type FlattenFunc func(key string, value any) ([]zset.Row, error)

// FlattenOp expands rows, e.g. unnesting an array-valued field.
type FlattenOp struct {
	BaseOp
	fn FlattenFunc
}

// NewFlatten creates a flatten operator.
func NewFlatten(id string, fn FlattenFunc) *FlattenOp {
	return &FlattenOp{BaseOp: NewBaseOp(id, 1), fn: fn}
}

// ApplyDelta evaluates the op.
func (o *FlattenOp) ApplyDelta(input int, delta *zset.ZSet, _ epoch.Epoch) (*zset.ZSet, error) {
	if err := o.validateInput(input); err != nil {
		return nil, err
	}

	result := zset.New()
	for _, entry := range delta.Entries() {
		rows, err := o.fn(entry.Key, entry.Value)
		if err != nil {
			return nil, fmt.Errorf("flatten %s failed: %w", o.ID(), err)
		}
		for _, row := range rows {
			if err := result.InsertMutate(row.Key, row.Value, entry.Multiplicity); err != nil {
				return nil, err
			}
		}
	}
	return result, nil
}

// ConcatOp unions multiple input streams. Deltas pass through unchanged;
// accumulation happens downstream by Z-set addition.
type ConcatOp struct {
	BaseOp
}

// NewConcat creates a concat operator over n inputs.
func NewConcat(id string, inputs int) *ConcatOp {
	return &ConcatOp{BaseOp: NewBaseOp(id, inputs)}
}

// ApplyDelta evaluates the op.
func (o *ConcatOp) ApplyDelta(input int, delta *zset.ZSet, _ epoch.Epoch) (*zset.ZSet, error) {
	if err := o.validateInput(input); err != nil {
		return nil, err
	}
	return delta.DeepCopy(), nil
}

// NegateOp flips the sign of every row.
type NegateOp struct {
	BaseOp
}

// NewNegate creates a negate operator.
func NewNegate(id string) *NegateOp {
	return &NegateOp{BaseOp: NewBaseOp(id, 1)}
}

// ApplyDelta evaluates the op.
func (o *NegateOp) ApplyDelta(input int, delta *zset.ZSet, _ epoch.Epoch) (*zset.ZSet, error) {
	if err := o.validateInput(input); err != nil {
		return nil, err
	}
	return delta.Negate()
}
