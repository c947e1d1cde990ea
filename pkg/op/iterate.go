package op

import (
	"encoding/json"
	"fmt"

	"github.com/deltaflow-io/deltaflow/pkg/dferrors"
	"github.com/deltaflow-io/deltaflow/pkg/epoch"
	"github.com/deltaflow-io/deltaflow/pkg/zset"
)

// ErrNonConvergence reports a fixpoint iteration hitting its bound.
type ErrNonConvergence = error

// NewNonConvergenceError reports that an iterate scope failed to reach a
// fixpoint within its iteration bound.
func NewNonConvergenceError(id string, e epoch.Epoch, bound int) ErrNonConvergence {
	return fmt.Errorf("iterate %s did not converge at %s within %d iterations", id, e, bound)
}

// IterateOp applies an inner subgraph repeatedly to a collection within one
// outer epoch, a nested iteration counter forming a sub-order beneath the
// epoch. Iteration is semi-naive: only rows not previously derived feed the
// next round, and the fixpoint is reached when a round derives nothing new.
// The set of derived rows accumulates across epochs, so each outer epoch
// emits exactly the delta of the recursive closure.
//
// Iteration is insert-only: a retraction entering an iterate scope would
// require counting derivations to undo transitively, which this engine does
// not do, so it fails with a state error instead of computing wrong output.
type IterateOp struct {
	BaseOp
	init    Operator // optional rekeying of the outer delta into the iterated collection
	body    []Operator
	maxIter int
	seen    *zset.ZSet
}

// NewIterate creates a fixpoint operator over an inner operator chain. Chain
// operators of arity 2 hold iteration-static state: they receive the outer
// input delta on input 1 once per epoch, and the iteration frontier on input
// 0 every round. init, when set, maps the outer delta onto the iterated
// collection before the first round (it must be stateless).
func NewIterate(id string, init Operator, body []Operator, maxIter int) (*IterateOp, error) {
	if len(body) == 0 {
		return nil, fmt.Errorf("iterate %s: empty body", id)
	}
	for _, o := range body {
		if o.Arity() > 2 {
			return nil, fmt.Errorf("iterate %s: body operator %s has arity %d", id, o.ID(), o.Arity())
		}
	}
	if maxIter <= 0 {
		return nil, fmt.Errorf("iterate %s: non-positive iteration bound", id)
	}
	return &IterateOp{
		BaseOp:  NewBaseOp(id, 1),
		init:    init,
		body:    body,
		maxIter: maxIter,
		seen:    zset.New(),
	}, nil
}

func (o *IterateOp) Stateful() bool { return true }

// ApplyDelta runs the inner subgraph to fixpoint for one outer delta.
func (o *IterateOp) ApplyDelta(input int, delta *zset.ZSet, e epoch.Epoch) (*zset.ZSet, error) {
	if err := o.validateInput(input); err != nil {
		return nil, err
	}

	for _, entry := range delta.Entries() {
		if entry.Multiplicity < 0 {
			return nil, dferrors.NewStateError(o.ID(), e,
				fmt.Errorf("retraction of key %q inside iterate scope", entry.Key))
		}
	}

	// Round zero: the outer delta joins the collection, both directly
	// (through init) and by feeding the static side of arity-2 body ops,
	// whose matches against previously derived rows propagate through
	// the remainder of the chain.
	frontier := zset.New()

	direct := delta
	if o.init != nil {
		var err error
		direct, err = o.init.ApplyDelta(0, delta, e)
		if err != nil {
			return nil, fmt.Errorf("iterate %s init failed: %w", o.ID(), err)
		}
	}
	if err := frontier.AddMutate(direct); err != nil {
		return nil, err
	}

	for i, bodyOp := range o.body {
		if bodyOp.Arity() != 2 {
			continue
		}
		derived, err := bodyOp.ApplyDelta(1, delta, e)
		if err != nil {
			return nil, fmt.Errorf("iterate %s body %s failed: %w", o.ID(), bodyOp.ID(), err)
		}
		derived, err = o.runTail(derived, i+1, e)
		if err != nil {
			return nil, err
		}
		if err := frontier.AddMutate(derived); err != nil {
			return nil, err
		}
	}

	output := zset.New()
	cur, err := o.retainNew(frontier, output)
	if err != nil {
		return nil, err
	}

	for iter := 0; !cur.IsZero(); iter++ {
		if iter >= o.maxIter {
			return nil, NewNonConvergenceError(o.ID(), e, o.maxIter)
		}

		next, err := o.runTail(cur, 0, e)
		if err != nil {
			return nil, err
		}

		cur, err = o.retainNew(next, output)
		if err != nil {
			return nil, err
		}
	}

	return output, nil
}

// runTail pushes a delta through the body chain starting at the given index.
func (o *IterateOp) runTail(delta *zset.ZSet, from int, e epoch.Epoch) (*zset.ZSet, error) {
	cur := delta
	for i := from; i < len(o.body); i++ {
		var err error
		cur, err = o.body[i].ApplyDelta(0, cur, e)
		if err != nil {
			return nil, fmt.Errorf("iterate %s body %s failed: %w", o.ID(), o.body[i].ID(), err)
		}
	}
	return cur, nil
}

// retainNew filters the positive rows not yet derived, marks them as seen and
// adds them to the output delta.
func (o *IterateOp) retainNew(derived *zset.ZSet, output *zset.ZSet) (*zset.ZSet, error) {
	result := zset.New()
	for _, entry := range derived.Entries() {
		if entry.Multiplicity <= 0 {
			continue
		}
		mult, err := o.seen.Multiplicity(entry.Key, entry.Value)
		if err != nil {
			return nil, err
		}
		if mult > 0 {
			continue
		}
		if err := o.seen.InsertMutate(entry.Key, entry.Value, 1); err != nil {
			return nil, err
		}
		if err := result.InsertMutate(entry.Key, entry.Value, 1); err != nil {
			return nil, err
		}
		if err := output.InsertMutate(entry.Key, entry.Value, 1); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// Compact forwards compaction to stateful body operators.
func (o *IterateOp) Compact(upTo epoch.Epoch) {
	for _, bodyOp := range o.body {
		bodyOp.Compact(upTo)
	}
}

type iterateSnapshot struct {
	Seen *zset.ZSet                 `json:"seen"`
	Body map[string]json.RawMessage `json:"body"`
}

// Snapshot serializes the derived-row set and all stateful body operators.
func (o *IterateOp) Snapshot() ([]byte, error) {
	snap := iterateSnapshot{Seen: o.seen, Body: make(map[string]json.RawMessage)}
	for _, bodyOp := range o.body {
		if !bodyOp.Stateful() {
			continue
		}
		data, err := bodyOp.Snapshot()
		if err != nil {
			return nil, fmt.Errorf("failed to snapshot iterate %s body %s: %w", o.ID(), bodyOp.ID(), err)
		}
		snap.Body[bodyOp.ID()] = data
	}
	return json.Marshal(snap)
}

// Restore replaces the operator state from a snapshot.
func (o *IterateOp) Restore(data []byte) error {
	snap := iterateSnapshot{}
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to restore iterate %s: %w", o.ID(), err)
	}
	if snap.Seen == nil {
		snap.Seen = zset.New()
	}
	o.seen = snap.Seen
	for _, bodyOp := range o.body {
		state, ok := snap.Body[bodyOp.ID()]
		if !ok {
			continue
		}
		if err := bodyOp.Restore(state); err != nil {
			return fmt.Errorf("failed to restore iterate %s body %s: %w", o.ID(), bodyOp.ID(), err)
		}
	}
	return nil
}
