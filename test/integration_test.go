package integration

import (
	"context"
	"testing"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/deltaflow-io/deltaflow/pkg/engine"
	"github.com/deltaflow-io/deltaflow/pkg/graph"
	"github.com/deltaflow-io/deltaflow/pkg/index"
	"github.com/deltaflow-io/deltaflow/pkg/op"
	"github.com/deltaflow-io/deltaflow/pkg/testsuite"
	"github.com/deltaflow-io/deltaflow/pkg/zset"
)

var suite *testsuite.Suite

func TestIntegration(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Integration Suite")
}

var _ = BeforeSuite(func() {
	suite = testsuite.New(0)
})

var _ = AfterSuite(func() {
	suite.Close()
})

func expectMult(z *zset.ZSet, key string, value any, mult int) {
	GinkgoHelper()
	Expect(z).NotTo(BeNil())
	m, err := z.Multiplicity(key, value)
	Expect(err).NotTo(HaveOccurred())
	Expect(m).To(Equal(mult))
}

var _ = Describe("Order enrichment dataflow", func() {
	// users and orders share the user id as key; the join emits order
	// amounts keyed by user, a sharded reduce sums them, and a distinct
	// branch tracks which users have any order at all
	spec := &graph.Spec{
		Name: "spend",
		Nodes: []graph.Node{
			{ID: "users", Kind: graph.KindSource},
			{ID: "orders", Kind: graph.KindSource},
			{ID: "enrich", Kind: graph.KindJoin, Shards: 2},
			{ID: "totals", Kind: graph.KindReduce, Shards: 2},
			{ID: "marker", Kind: graph.KindMap},
			{ID: "active", Kind: graph.KindDistinct},
			{ID: "spend", Kind: graph.KindSink},
			{ID: "buyers", Kind: graph.KindSink},
		},
		Edges: []graph.Edge{
			{From: "users", To: "enrich", Input: 0},
			{From: "orders", To: "enrich", Input: 1},
			{From: "enrich", To: "totals"},
			{From: "enrich", To: "marker"},
			{From: "marker", To: "active"},
			{From: "active", To: "buyers"},
			{From: "totals", To: "spend"},
		},
	}

	factories := map[string]engine.OperatorFactory{
		"enrich": func(int) (op.Operator, error) {
			return op.NewJoin("enrich", func(_ string, _, right any) (any, error) {
				return right, nil
			}), nil
		},
		"totals": func(int) (op.Operator, error) {
			return op.NewReduce("totals", index.NewSum, nil), nil
		},
		"marker": func(int) (op.Operator, error) {
			return op.NewMap("marker", func(key string, _ any) (string, any, error) {
				return key, "buyer", nil
			}), nil
		},
		"active": func(int) (op.Operator, error) {
			return op.NewDistinct("active"), nil
		},
	}

	var (
		ctx context.Context
		e   *engine.Engine
	)

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		e, err = engine.New(ctx, spec, factories, engine.Options{Logger: suite.Log})
		Expect(err).NotTo(HaveOccurred())
		Expect(e.Run(ctx)).To(Succeed())
	})

	AfterEach(func() {
		Expect(e.Shutdown(ctx)).To(Succeed())
	})

	It("should maintain per-user spend and buyer presence across epochs", func() {
		Expect(e.Ingest(ctx, "users", []zset.Row{
			{Key: "u1", Value: "alice", Sign: 1},
			{Key: "u2", Value: "bob", Sign: 1},
		})).To(Succeed())
		Expect(e.Ingest(ctx, "orders", []zset.Row{
			{Key: "u1", Value: 10, Sign: 1},
			{Key: "u1", Value: 5, Sign: 1},
			{Key: "u2", Value: 7, Sign: 1},
		})).To(Succeed())

		c, err := e.CloseEpoch(ctx)
		Expect(err).NotTo(HaveOccurred())
		expectMult(c.Outputs["spend"], "u1", 15.0, 1)
		expectMult(c.Outputs["spend"], "u2", 7.0, 1)
		expectMult(c.Outputs["buyers"], "u1", "buyer", 1)
		expectMult(c.Outputs["buyers"], "u2", "buyer", 1)

		// retracting one order updates the total but not the presence
		Expect(e.Ingest(ctx, "orders", []zset.Row{{Key: "u1", Value: 5, Sign: -1}})).To(Succeed())
		c, err = e.CloseEpoch(ctx)
		Expect(err).NotTo(HaveOccurred())
		expectMult(c.Outputs["spend"], "u1", 15.0, -1)
		expectMult(c.Outputs["spend"], "u1", 10.0, 1)
		Expect(c.Outputs["buyers"]).To(BeNil())

		// a user arriving after their orders still joins against the
		// accumulated order side
		Expect(e.Ingest(ctx, "users", []zset.Row{{Key: "u3", Value: "carol", Sign: 1}})).To(Succeed())
		Expect(e.Ingest(ctx, "orders", []zset.Row{{Key: "u3", Value: 2, Sign: 1}})).To(Succeed())
		c, err = e.CloseEpoch(ctx)
		Expect(err).NotTo(HaveOccurred())
		expectMult(c.Outputs["spend"], "u3", 2.0, 1)
		expectMult(c.Outputs["buyers"], "u3", "buyer", 1)
	})

	It("should retract every derived row when a user disappears", func() {
		Expect(e.Ingest(ctx, "users", []zset.Row{{Key: "u1", Value: "alice", Sign: 1}})).To(Succeed())
		Expect(e.Ingest(ctx, "orders", []zset.Row{{Key: "u1", Value: 10, Sign: 1}})).To(Succeed())
		_, err := e.CloseEpoch(ctx)
		Expect(err).NotTo(HaveOccurred())

		Expect(e.Ingest(ctx, "users", []zset.Row{{Key: "u1", Value: "alice", Sign: -1}})).To(Succeed())
		c, err := e.CloseEpoch(ctx)
		Expect(err).NotTo(HaveOccurred())
		expectMult(c.Outputs["spend"], "u1", 10.0, -1)
		expectMult(c.Outputs["buyers"], "u1", "buyer", -1)
	})
})

var _ = Describe("Windowed sensor dataflow", func() {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	spec := &graph.Spec{
		Name: "sensor-averages",
		Nodes: []graph.Node{
			{ID: "readings", Kind: graph.KindSource},
			{ID: "bucket", Kind: graph.KindWindow},
			{ID: "avg", Kind: graph.KindReduce},
			{ID: "out", Kind: graph.KindSink},
		},
		Edges: []graph.Edge{
			{From: "readings", To: "bucket"},
			{From: "bucket", To: "avg"},
			{From: "avg", To: "out"},
		},
	}

	reading := func(sensor string, ts time.Time, value float64) zset.Row {
		return zset.Row{
			Key:   sensor,
			Value: map[string]any{"ts": ts.Format(time.RFC3339), "value": value},
			Sign:  1,
		}
	}

	factories := map[string]engine.OperatorFactory{
		"bucket": func(int) (op.Operator, error) {
			return op.NewWindow("bucket",
				&index.WindowPolicy{Kind: index.WindowFixed, Size: time.Minute},
				func(_ string, value any) (time.Time, error) {
					return time.Parse(time.RFC3339, value.(map[string]any)["ts"].(string))
				},
				nil)
		},
		"avg": func(int) (op.Operator, error) {
			return op.NewReduce("avg", index.NewAvg, func(_ string, value any) (any, error) {
				return value.(map[string]any)["value"], nil
			}), nil
		},
	}

	It("should emit per-window averages once the watermark passes", func() {
		ctx := context.Background()
		e, err := engine.New(ctx, spec, factories, engine.Options{Logger: suite.Log})
		Expect(err).NotTo(HaveOccurred())
		Expect(e.Run(ctx)).To(Succeed())

		Expect(e.Ingest(ctx, "readings", []zset.Row{
			reading("s1", base.Add(10*time.Second), 10),
			reading("s1", base.Add(30*time.Second), 20),
		})).To(Succeed())
		c, err := e.CloseEpoch(ctx)
		Expect(err).NotTo(HaveOccurred())
		// the window is still open: nothing reaches the sink
		Expect(c.Outputs["out"]).To(BeNil())

		// a reading past the window end advances the watermark and
		// flushes the first bucket
		Expect(e.Ingest(ctx, "readings", []zset.Row{
			reading("s1", base.Add(90*time.Second), 50),
		})).To(Succeed())
		c, err = e.CloseEpoch(ctx)
		Expect(err).NotTo(HaveOccurred())

		span := index.Span{Start: base, End: base.Add(time.Minute)}
		expectMult(c.Outputs["out"], "s1@"+span.ID(), 15.0, 1)

		Expect(e.Shutdown(ctx)).To(Succeed())
	})
})
