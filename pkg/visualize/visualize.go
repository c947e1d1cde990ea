// Package visualize renders dataflow graphs as diagrams.
package visualize

import (
	"fmt"

	"github.com/emicklei/dot"

	"github.com/deltaflow-io/deltaflow/pkg/graph"
)

// BuildDotGraph creates a dot.Graph from a dataflow description. The unified
// graph can then be rendered in different formats (DOT, Mermaid, etc.).
func BuildDotGraph(spec *graph.Spec) *dot.Graph {
	g := dot.NewGraph(dot.Directed)
	g.Attr("rankdir", "LR")
	g.Attr("newrank", "true")
	if spec.Name != "" {
		g.Attr("label", spec.Name)
		g.Attr("labelloc", "t")
		g.Attr("fontsize", "16")
	}

	nodes := make(map[string]dot.Node, len(spec.Nodes))
	for _, n := range spec.Nodes {
		nodes[n.ID] = styleNode(g.Node(n.ID).Attr("label", nodeLabel(&n)), &n)
	}

	for _, e := range spec.Edges {
		edge := g.Edge(nodes[e.From], nodes[e.To])
		// joins distinguish their sides; label the slot where it matters
		if len(spec.Inbound(e.To)) > 1 {
			edge.Attr("label", fmt.Sprintf("in %d", e.Input)).
				Attr("fontsize", "10")
		}
	}

	return g
}

// nodeLabel renders a node as id[kind], with the shard count for explicitly
// sharded nodes.
func nodeLabel(n *graph.Node) string {
	if n.Kind.Stateful() && n.Shards > 1 {
		return fmt.Sprintf("%s\n%s ×%d", n.ID, n.Kind, n.Shards)
	}
	return fmt.Sprintf("%s\n%s", n.ID, n.Kind)
}

func styleNode(node dot.Node, n *graph.Node) dot.Node {
	switch {
	case n.Kind == graph.KindSource:
		return node.Attr("shape", "ellipse").
			Attr("style", "filled").
			Attr("fillcolor", "lightgreen")
	case n.Kind == graph.KindSink:
		return node.Attr("shape", "ellipse").
			Attr("style", "filled").
			Attr("fillcolor", "lightcyan")
	case n.Kind.Stateful():
		return node.Attr("shape", "box").
			Attr("style", "filled,rounded").
			Attr("fillcolor", "lightyellow").
			Attr("color", "darkblue").
			Attr("penwidth", "2")
	default:
		return node.Attr("shape", "box").
			Attr("style", "filled,rounded").
			Attr("fillcolor", "lightblue")
	}
}
