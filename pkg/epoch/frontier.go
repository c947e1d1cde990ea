package epoch

import (
	"fmt"
	"sync"
)

// Frontier tracks, per operator, the minimal epoch not yet fully processed.
// An epoch e is closed for an operator once its frontier advances past e;
// frontiers are monotone and an attempt to move one backwards is an error.
type Frontier struct {
	mu        sync.Mutex
	frontiers map[string]Epoch
}

// NewFrontier returns an empty frontier tracker. Operators report at 0 until
// their first advancement.
func NewFrontier(operators []string) *Frontier {
	f := &Frontier{frontiers: make(map[string]Epoch, len(operators))}
	for _, id := range operators {
		f.frontiers[id] = 0
	}
	return f
}

// Advance records that the operator has fully processed every batch with
// epoch <= e on all of its inputs, i.e. its frontier is now e+1.
func (f *Frontier) Advance(operator string, e Epoch) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	cur, ok := f.frontiers[operator]
	if !ok {
		return fmt.Errorf("unknown operator %q", operator)
	}
	next := e.Next()
	if next < cur {
		return fmt.Errorf("frontier for operator %q would regress from %s to %s",
			operator, cur, next)
	}
	f.frontiers[operator] = next
	return nil
}

// Get returns the current frontier of an operator.
func (f *Frontier) Get(operator string) Epoch {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.frontiers[operator]
}

// Closed reports whether epoch e has been passed by every listed operator.
// With the sink-adjacent operators as the list this is global epoch closure.
func (f *Frontier) Closed(e Epoch, operators []string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range operators {
		if f.frontiers[id] <= e {
			return false
		}
	}
	return true
}

// Min returns the minimal frontier across all tracked operators, the global
// low-water mark of the computation.
func (f *Frontier) Min() Epoch {
	f.mu.Lock()
	defer f.mu.Unlock()

	first := true
	var min Epoch
	for _, e := range f.frontiers {
		if first || e < min {
			min = e
			first = false
		}
	}
	return min
}
