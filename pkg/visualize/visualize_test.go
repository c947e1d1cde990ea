package visualize

import (
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/deltaflow-io/deltaflow/pkg/graph"
)

func TestVisualize(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Visualize Suite")
}

func joinSpec() *graph.Spec {
	return &graph.Spec{
		Name: "orders",
		Nodes: []graph.Node{
			{ID: "users", Kind: graph.KindSource},
			{ID: "orders", Kind: graph.KindSource},
			{ID: "j", Kind: graph.KindJoin, Shards: 4},
			{ID: "out", Kind: graph.KindSink},
		},
		Edges: []graph.Edge{
			{From: "users", To: "j", Input: 0},
			{From: "orders", To: "j", Input: 1},
			{From: "j", To: "out"},
		},
	}
}

var _ = Describe("Diagram generation", func() {
	It("should render every node and the graph name as DOT", func() {
		out := (&DotGenerator{}).Generate(joinSpec())
		Expect(out).To(ContainSubstring("digraph"))
		Expect(out).To(ContainSubstring("orders"))
		Expect(out).To(ContainSubstring("users"))
		Expect(out).To(ContainSubstring("join"))
		Expect(out).To(ContainSubstring("×4"))
	})

	It("should label join input slots", func() {
		out := (&DotGenerator{}).Generate(joinSpec())
		Expect(out).To(ContainSubstring("in 0"))
		Expect(out).To(ContainSubstring("in 1"))
	})

	It("should wrap the Mermaid flowchart in a markdown block", func() {
		out := (&MermaidGenerator{}).Generate(joinSpec())
		Expect(out).To(HavePrefix("```mermaid\n"))
		Expect(out).To(HaveSuffix("```\n"))
		Expect(out).To(ContainSubstring("flowchart"))
	})
})
