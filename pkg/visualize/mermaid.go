package visualize

import (
	"fmt"

	"github.com/emicklei/dot"

	"github.com/deltaflow-io/deltaflow/pkg/graph"
)

// MermaidGenerator generates Mermaid flowchart diagrams.
type MermaidGenerator struct{}

// Generate creates a Mermaid flowchart from the dataflow description.
func (m *MermaidGenerator) Generate(spec *graph.Spec) string {
	flowchart := dot.MermaidFlowchart(BuildDotGraph(spec), dot.MermaidLeftToRight)
	return fmt.Sprintf("```mermaid\n%s\n```\n", flowchart)
}
