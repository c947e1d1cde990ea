package op

import (
	"encoding/json"
	"fmt"

	"github.com/deltaflow-io/deltaflow/pkg/dferrors"
	"github.com/deltaflow-io/deltaflow/pkg/epoch"
	"github.com/deltaflow-io/deltaflow/pkg/index"
	"github.com/deltaflow-io/deltaflow/pkg/zset"
)

// CombineFunc merges a matched left and right value into the joined output
// value for the shared key.
type CombineFunc func(key string, left, right any) (any, error)

// DefaultCombine pairs the two sides under "left"/"right" fields.
func DefaultCombine(_ string, left, right any) (any, error) {
	return map[string]any{"left": left, "right": right}, nil
}

// JoinOp is an incremental binary join on the row key. Each side holds an
// index of the values seen so far; a delta arriving on one side first probes
// the other side's index, emitting matches with the product of signs, then
// merges into its own index. Probing before the peer's same-epoch delta has
// merged and after are the two halves of the bilinear expansion
// ΔL⋈R + (L+ΔL)⋈ΔR, so results within an epoch are independent of which
// side's update arrives first.
type JoinOp struct {
	BaseOp
	combine CombineFunc
	sides   [2]*index.JoinIndex
}

// NewJoin creates an incremental binary join.
func NewJoin(id string, combine CombineFunc) *JoinOp {
	if combine == nil {
		combine = DefaultCombine
	}
	return &JoinOp{
		BaseOp:  NewBaseOp(id, 2),
		combine: combine,
		sides:   [2]*index.JoinIndex{index.NewJoinIndex(), index.NewJoinIndex()},
	}
}

func (o *JoinOp) Stateful() bool { return true }

// ApplyDelta evaluates the op for a delta on one side.
func (o *JoinOp) ApplyDelta(input int, delta *zset.ZSet, e epoch.Epoch) (*zset.ZSet, error) {
	if err := o.validateInput(input); err != nil {
		return nil, err
	}

	mine, other := o.sides[input], o.sides[1-input]
	result := zset.New()

	for _, entry := range delta.Entries() {
		for _, match := range other.Probe(entry.Key) {
			left, right := entry.Value, match.Value
			if input == 1 {
				left, right = match.Value, entry.Value
			}
			joined, err := o.combine(entry.Key, left, right)
			if err != nil {
				return nil, fmt.Errorf("join %s combine failed: %w", o.ID(), err)
			}
			if err := result.InsertMutate(entry.Key, joined, entry.Multiplicity*match.Mult); err != nil {
				return nil, err
			}
		}

		if err := mine.Merge(entry.Key, entry.Value, entry.Multiplicity, e); err != nil {
			return nil, dferrors.NewStateError(o.ID(), e, err)
		}
	}

	return result, nil
}

// Compact collapses closed-epoch history on both sides.
func (o *JoinOp) Compact(upTo epoch.Epoch) {
	o.sides[0].Compact(upTo)
	o.sides[1].Compact(upTo)
}

type joinSnapshot struct {
	Left  json.RawMessage `json:"left"`
	Right json.RawMessage `json:"right"`
}

// Snapshot serializes both side indexes.
func (o *JoinOp) Snapshot() ([]byte, error) {
	left, err := o.sides[0].Snapshot()
	if err != nil {
		return nil, err
	}
	right, err := o.sides[1].Snapshot()
	if err != nil {
		return nil, err
	}
	return json.Marshal(joinSnapshot{Left: left, Right: right})
}

// Restore replaces both side indexes from a snapshot.
func (o *JoinOp) Restore(data []byte) error {
	snap := joinSnapshot{}
	if err := json.Unmarshal(data, &snap); err != nil {
		return fmt.Errorf("failed to restore join %s: %w", o.ID(), err)
	}
	if err := o.sides[0].Restore(snap.Left); err != nil {
		return err
	}
	return o.sides[1].Restore(snap.Right)
}
