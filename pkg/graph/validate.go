package graph

import (
	"fmt"
	"strings"
)

// Validate checks the structural soundness of the graph description before
// execution: unique node ids, resolvable edges, correct input arities, at
// least one source and one sink, and acyclicity. Recursion is only available
// through the iterate node kind, which scopes its own nested iteration
// internally, so a raw cycle in the edge set is always an error.
func (s *Spec) Validate() error {
	if len(s.Nodes) == 0 {
		return fmt.Errorf("no nodes in graph")
	}

	byID := make(map[string]*Node, len(s.Nodes))
	for i := range s.Nodes {
		n := &s.Nodes[i]
		if n.ID == "" {
			return fmt.Errorf("node with empty id")
		}
		if _, exists := byID[n.ID]; exists {
			return fmt.Errorf("duplicate node id %q", n.ID)
		}
		if n.Shards < 0 {
			return fmt.Errorf("node %q: negative shard count", n.ID)
		}
		if n.Shards > 0 && !n.Kind.Stateful() {
			return fmt.Errorf("node %q: shard count on stateless kind %q", n.ID, n.Kind)
		}
		// the iterate scope rekeys rows internally, so its inner join
		// would lose co-partitioning across shards
		if n.Kind == KindIterate && n.Shards > 1 {
			return fmt.Errorf("node %q: iterate nodes cannot be sharded", n.ID)
		}
		byID[n.ID] = n
	}

	for _, e := range s.Edges {
		if _, ok := byID[e.From]; !ok {
			return fmt.Errorf("edge references unknown node %q", e.From)
		}
		if _, ok := byID[e.To]; !ok {
			return fmt.Errorf("edge references unknown node %q", e.To)
		}
		if e.Input < 0 {
			return fmt.Errorf("edge %s->%s: negative input slot", e.From, e.To)
		}
	}

	for id, n := range byID {
		in := s.Inbound(id)
		switch n.Kind {
		case KindSource:
			if len(in) != 0 {
				return fmt.Errorf("source node %q has inbound edges", id)
			}
		case KindJoin:
			if len(in) != 2 || in[0].Input != 0 || in[1].Input != 1 {
				return fmt.Errorf("join node %q requires exactly inputs 0 and 1", id)
			}
		case KindConcat:
			if len(in) < 2 {
				return fmt.Errorf("concat node %q requires at least two inbound edges", id)
			}
		default:
			if len(in) != 1 {
				return fmt.Errorf("node %q (%s) requires exactly one inbound edge, has %d",
					id, n.Kind, len(in))
			}
		}
		if n.Kind == KindSink && len(s.Outbound(id)) != 0 {
			return fmt.Errorf("sink node %q has outbound edges", id)
		}
	}

	if len(s.Sources()) == 0 {
		return fmt.Errorf("graph has no source node")
	}
	if len(s.Sinks()) == 0 {
		return fmt.Errorf("graph has no sink node")
	}

	if _, err := s.TopoOrder(); err != nil {
		return err
	}
	return nil
}

// TopoOrder returns the node ids in dependency order, detecting cycles via
// depth-first search and reporting the offending path.
func (s *Spec) TopoOrder() ([]string, error) {
	const (
		white = iota // unvisited
		gray         // on the current DFS path
		black        // done
	)

	color := make(map[string]int, len(s.Nodes))
	order := make([]string, 0, len(s.Nodes))
	var path []string

	var visit func(id string) error
	visit = func(id string) error {
		switch color[id] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("cycle detected in graph: %s -> %s",
				strings.Join(path, " -> "), id)
		}

		color[id] = gray
		path = append(path, id)
		for _, e := range s.Outbound(id) {
			if err := visit(e.To); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		order = append(order, id)
		return nil
	}

	for _, n := range s.Nodes {
		if err := visit(n.ID); err != nil {
			return nil, err
		}
	}

	// visit produces reverse dependency order
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order, nil
}
