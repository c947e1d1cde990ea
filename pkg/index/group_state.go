package index

import (
	"encoding/json"
	"fmt"
)

// GroupState holds the per-key aggregates of one reduce operator shard.
type GroupState struct {
	factory AggregateFactory
	groups  map[string]Aggregate
}

// NewGroupState creates group state with the given aggregate factory.
func NewGroupState(factory AggregateFactory) *GroupState {
	return &GroupState{factory: factory, groups: make(map[string]Aggregate)}
}

// Apply folds a signed contribution into the key's aggregate. A multiplicity
// of +n adds the value n times, -n retracts it n times.
func (g *GroupState) Apply(key string, value any, mult int) error {
	agg := g.groups[key]
	if agg == nil {
		agg = g.factory()
		g.groups[key] = agg
	}

	for i := 0; i < abs(mult); i++ {
		var err error
		if mult > 0 {
			err = agg.Add(value)
		} else {
			err = agg.Retract(value)
		}
		if err != nil {
			return fmt.Errorf("aggregate update for key %q failed: %w", key, err)
		}
	}
	return nil
}

// Value returns the current aggregate of a key; (nil, nil) when the group is
// empty or unknown.
func (g *GroupState) Value(key string) (any, error) {
	agg := g.groups[key]
	if agg == nil {
		return nil, nil
	}
	v, err := agg.Value()
	if err != nil {
		return nil, fmt.Errorf("aggregate value for key %q failed: %w", key, err)
	}
	if v == nil {
		// group emptied out
		delete(g.groups, key)
	}
	return v, nil
}

// Groups returns the number of non-empty groups.
func (g *GroupState) Groups() int { return len(g.groups) }

// Snapshot serializes all group aggregates.
func (g *GroupState) Snapshot() ([]byte, error) {
	states := make(map[string]json.RawMessage, len(g.groups))
	for key, agg := range g.groups {
		data, err := agg.Snapshot()
		if err != nil {
			return nil, fmt.Errorf("failed to snapshot group %q: %w", key, err)
		}
		states[key] = data
	}
	return json.Marshal(states)
}

// Restore replaces the group state from a snapshot, creating aggregates
// through the configured factory.
func (g *GroupState) Restore(data []byte) error {
	states := make(map[string]json.RawMessage)
	if err := json.Unmarshal(data, &states); err != nil {
		return fmt.Errorf("failed to restore group state: %w", err)
	}
	groups := make(map[string]Aggregate, len(states))
	for key, state := range states {
		agg := g.factory()
		if err := agg.Restore(state); err != nil {
			return fmt.Errorf("failed to restore group %q: %w", key, err)
		}
		groups[key] = agg
	}
	g.groups = groups
	return nil
}

func abs(x int) int {
	if x < 0 {
		return -x
	}
	return x
}
