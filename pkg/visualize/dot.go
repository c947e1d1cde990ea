package visualize

import "github.com/deltaflow-io/deltaflow/pkg/graph"

// DotGenerator generates Graphviz DOT diagrams.
type DotGenerator struct{}

// Generate creates a Graphviz DOT diagram from the dataflow description.
func (d *DotGenerator) Generate(spec *graph.Spec) string {
	return BuildDotGraph(spec).String()
}
