// Package index implements the key-indexed state maintained by stateful
// operators: join indexes, per-key aggregates and window buffers. All state
// is owned exclusively by one operator shard and updated only by applying
// delta batches in epoch order. Per-epoch history is retained until the
// epoch is globally closed and released for recovery, then compacted away;
// compaction never changes the accumulated value observable for any key.
package index

import (
	"encoding/json"
	"fmt"

	"github.com/deltaflow-io/deltaflow/pkg/epoch"
	"github.com/deltaflow-io/deltaflow/pkg/zset"
)

// HistoryEntry is one uncompacted signed contribution at an epoch.
type HistoryEntry struct {
	Epoch epoch.Epoch `json:"epoch"`
	Mult  int         `json:"mult"`
}

// ValueState is the per-(key, value) accumulation in a join index.
type ValueState struct {
	Value   any            `json:"value"`
	Base    int            `json:"base"` // multiplicity compacted from closed epochs
	History []HistoryEntry `json:"history,omitempty"`
}

// Accumulated returns the current total multiplicity of the value.
func (v *ValueState) Accumulated() int {
	total := v.Base
	for _, h := range v.History {
		total += h.Mult
	}
	return total
}

// JoinIndex is one side of a join: join key -> multiset of (value, epoch,
// sign) contributions.
type JoinIndex struct {
	entries map[string]map[string]*ValueState // join key -> value identity -> state
}

// NewJoinIndex creates an empty index.
func NewJoinIndex() *JoinIndex {
	return &JoinIndex{entries: make(map[string]map[string]*ValueState)}
}

// Merge folds a signed contribution for (key, value) at the given epoch into
// the index.
func (ix *JoinIndex) Merge(key string, value any, mult int, e epoch.Epoch) error {
	if mult == 0 {
		return nil
	}

	id, err := zset.ValueKey(value)
	if err != nil {
		return fmt.Errorf("failed to compute value identity: %w", err)
	}

	byValue := ix.entries[key]
	if byValue == nil {
		byValue = make(map[string]*ValueState)
		ix.entries[key] = byValue
	}

	state := byValue[id]
	if state == nil {
		state = &ValueState{Value: zset.DeepCopyValue(value)}
		byValue[id] = state
	}

	if n := len(state.History); n > 0 && state.History[n-1].Epoch == e {
		state.History[n-1].Mult += mult
		if state.History[n-1].Mult == 0 {
			state.History = state.History[:n-1]
		}
	} else {
		state.History = append(state.History, HistoryEntry{Epoch: e, Mult: mult})
	}

	if state.Base == 0 && len(state.History) == 0 {
		delete(byValue, id)
		if len(byValue) == 0 {
			delete(ix.entries, key)
		}
	}
	return nil
}

// Match is a probe result: a stored value with its accumulated multiplicity.
type Match struct {
	Value any
	Mult  int
}

// Probe returns the accumulated values currently indexed under the join key.
// Entries whose accumulated multiplicity is zero are skipped.
func (ix *JoinIndex) Probe(key string) []Match {
	byValue := ix.entries[key]
	if len(byValue) == 0 {
		return nil
	}
	matches := make([]Match, 0, len(byValue))
	for _, state := range byValue {
		if m := state.Accumulated(); m != 0 {
			matches = append(matches, Match{Value: state.Value, Mult: m})
		}
	}
	return matches
}

// Compact collapses history entries with epoch <= upTo into the base
// multiplicity. The accumulated value of every key is unchanged.
func (ix *JoinIndex) Compact(upTo epoch.Epoch) {
	for key, byValue := range ix.entries {
		for id, state := range byValue {
			kept := state.History[:0]
			for _, h := range state.History {
				if h.Epoch <= upTo {
					state.Base += h.Mult
				} else {
					kept = append(kept, h)
				}
			}
			state.History = kept
			if state.Base == 0 && len(state.History) == 0 {
				delete(byValue, id)
			}
		}
		if len(byValue) == 0 {
			delete(ix.entries, key)
		}
	}
}

// Keys returns the number of distinct join keys currently indexed.
func (ix *JoinIndex) Keys() int { return len(ix.entries) }

// Snapshot serializes the index state.
func (ix *JoinIndex) Snapshot() ([]byte, error) {
	data, err := json.Marshal(ix.entries)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize join index: %w", err)
	}
	return data, nil
}

// Restore replaces the index state from a snapshot.
func (ix *JoinIndex) Restore(data []byte) error {
	entries := make(map[string]map[string]*ValueState)
	if err := json.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to restore join index: %w", err)
	}
	ix.entries = entries
	return nil
}
