// Package graph describes the operator DAG the engine executes. The graph is
// built by an external construction layer and handed to the engine as a
// validated description; cycles are permitted only via the explicit iterate
// construct, never as raw edges.
package graph

import (
	"fmt"
	"strings"

	"sigs.k8s.io/yaml"
)

// NodeKind names the operator kind a node dispatches to.
type NodeKind string

const (
	KindSource   NodeKind = "source"
	KindSink     NodeKind = "sink"
	KindMap      NodeKind = "map"
	KindFilter   NodeKind = "filter"
	KindFlatten  NodeKind = "flatten"
	KindConcat   NodeKind = "concat"
	KindNegate   NodeKind = "negate"
	KindDistinct NodeKind = "distinct"
	KindJoin     NodeKind = "join"
	KindReduce   NodeKind = "reduce"
	KindWindow   NodeKind = "window"
	KindIterate  NodeKind = "iterate"
)

// statefulKinds are partitioned by key hash into shards at execution time.
var statefulKinds = map[NodeKind]bool{
	KindDistinct: true,
	KindJoin:     true,
	KindReduce:   true,
	KindWindow:   true,
	KindIterate:  true,
}

// Stateful reports whether nodes of this kind carry key-indexed state.
func (k NodeKind) Stateful() bool { return statefulKinds[k] }

// Node is one operator node of the DAG.
type Node struct {
	// ID uniquely names the node within the graph.
	ID string `json:"id"`

	// Kind selects the operator implementation bound to the node.
	Kind NodeKind `json:"kind"`

	// Shards overrides the default shard count for stateful nodes.
	// Ignored for stateless kinds, which always run single-instance.
	Shards int `json:"shards,omitempty"`
}

// Edge is a directed, typed connection between two nodes. Input designates
// which input slot of the consumer the edge feeds (joins distinguish side 0
// and side 1).
type Edge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	Input int    `json:"input,omitempty"`
}

// Spec is the serializable description of a dataflow graph.
type Spec struct {
	Name  string `json:"name,omitempty"`
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Parse decodes a YAML (or JSON) graph description.
func Parse(data []byte) (*Spec, error) {
	spec := &Spec{}
	if err := yaml.Unmarshal(data, spec); err != nil {
		return nil, fmt.Errorf("failed to parse graph description: %w", err)
	}
	return spec, nil
}

// Marshal encodes the graph description as YAML.
func (s *Spec) Marshal() ([]byte, error) {
	data, err := yaml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal graph description: %w", err)
	}
	return data, nil
}

// Node returns the node with the given id, or nil.
func (s *Spec) Node(id string) *Node {
	for i := range s.Nodes {
		if s.Nodes[i].ID == id {
			return &s.Nodes[i]
		}
	}
	return nil
}

// Sources returns the ids of source nodes.
func (s *Spec) Sources() []string {
	var ret []string
	for _, n := range s.Nodes {
		if n.Kind == KindSource {
			ret = append(ret, n.ID)
		}
	}
	return ret
}

// Sinks returns the ids of sink nodes.
func (s *Spec) Sinks() []string {
	var ret []string
	for _, n := range s.Nodes {
		if n.Kind == KindSink {
			ret = append(ret, n.ID)
		}
	}
	return ret
}

// Inbound returns the edges feeding the given node, ordered by input slot.
func (s *Spec) Inbound(id string) []Edge {
	var ret []Edge
	for _, e := range s.Edges {
		if e.To == id {
			ret = append(ret, e)
		}
	}
	for i := 1; i < len(ret); i++ {
		for j := i; j > 0 && ret[j].Input < ret[j-1].Input; j-- {
			ret[j], ret[j-1] = ret[j-1], ret[j]
		}
	}
	return ret
}

// Outbound returns the edges leaving the given node.
func (s *Spec) Outbound(id string) []Edge {
	var ret []Edge
	for _, e := range s.Edges {
		if e.From == id {
			ret = append(ret, e)
		}
	}
	return ret
}

// String renders the graph flow for debugging (horizontal layout).
func (s *Spec) String() string {
	order, err := s.TopoOrder()
	if err != nil {
		return fmt.Sprintf("invalid-graph(%v)", err)
	}
	parts := make([]string, 0, len(order))
	for _, id := range order {
		node := s.Node(id)
		parts = append(parts, fmt.Sprintf("%s[%s]", id, node.Kind))
	}
	return strings.Join(parts, " → ")
}
