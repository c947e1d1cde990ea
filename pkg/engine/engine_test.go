package engine

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/deltaflow-io/deltaflow/pkg/dferrors"
	"github.com/deltaflow-io/deltaflow/pkg/epoch"
	"github.com/deltaflow-io/deltaflow/pkg/graph"
	"github.com/deltaflow-io/deltaflow/pkg/index"
	"github.com/deltaflow-io/deltaflow/pkg/op"
	"github.com/deltaflow-io/deltaflow/pkg/store"
	"github.com/deltaflow-io/deltaflow/pkg/testsuite"
	"github.com/deltaflow-io/deltaflow/pkg/zset"
)

var suite *testsuite.Suite

func TestEngine(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Engine Suite")
}

var _ = BeforeSuite(func() {
	suite = testsuite.New(0)
})

var _ = AfterSuite(func() {
	suite.Close()
})

func sumSpec() *graph.Spec {
	return &graph.Spec{
		Name: "sums",
		Nodes: []graph.Node{
			{ID: "in", Kind: graph.KindSource},
			{ID: "totals", Kind: graph.KindReduce},
			{ID: "out", Kind: graph.KindSink},
		},
		Edges: []graph.Edge{
			{From: "in", To: "totals"},
			{From: "totals", To: "out"},
		},
	}
}

func sumFactories() map[string]OperatorFactory {
	return map[string]OperatorFactory{
		"totals": func(int) (op.Operator, error) {
			return op.NewReduce("totals", index.NewSum, nil), nil
		},
	}
}

func expectMult(z *zset.ZSet, key string, value any, mult int) {
	GinkgoHelper()
	Expect(z).NotTo(BeNil())
	m, err := z.Multiplicity(key, value)
	Expect(err).NotTo(HaveOccurred())
	Expect(m).To(Equal(mult))
}

var _ = Describe("Engine", func() {
	var ctx context.Context

	BeforeEach(func() {
		ctx = context.Background()
	})

	Describe("Assembly", func() {
		It("should reject a node without an operator factory", func() {
			_, err := New(ctx, sumSpec(), nil, Options{Logger: suite.Log})
			Expect(err).To(MatchError(ContainSubstring("no operator factory")))
		})

		It("should reject a sink connector bound to a non-sink node", func() {
			opts := Options{
				Logger: suite.Log,
				Sinks:  map[string]Sink{"totals": NewMemorySink("mem")},
			}
			_, err := New(ctx, sumSpec(), sumFactories(), opts)
			Expect(err).To(MatchError(ContainSubstring("not bound to a sink node")))
		})

		It("should propagate operator construction failures", func() {
			factories := map[string]OperatorFactory{
				"totals": func(int) (op.Operator, error) { return nil, fmt.Errorf("no such aggregate") },
			}
			_, err := New(ctx, sumSpec(), factories, Options{Logger: suite.Log})
			Expect(err).To(MatchError(ContainSubstring("no such aggregate")))
		})
	})

	Describe("Ephemeral dataflow", func() {
		var e *Engine

		BeforeEach(func() {
			var err error
			e, err = New(ctx, sumSpec(), sumFactories(), Options{Logger: suite.Log})
			Expect(err).NotTo(HaveOccurred())
			Expect(e.Recover(ctx)).To(Succeed())
			Expect(e.Run(ctx)).To(Succeed())
		})

		It("should aggregate across epochs with retraction pairs", func() {
			Expect(e.Ingest(ctx, "in", []zset.Row{
				{Key: "a", Value: 2, Sign: 1},
				{Key: "a", Value: 3, Sign: 1},
			})).To(Succeed())

			c, err := e.CloseEpoch(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Epoch).To(Equal(epoch.Epoch(0)))
			expectMult(c.Outputs["out"], "a", 5.0, 1)

			Expect(e.Ingest(ctx, "in", []zset.Row{{Key: "a", Value: 2, Sign: 1}})).To(Succeed())
			c, err = e.CloseEpoch(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Epoch).To(Equal(epoch.Epoch(1)))
			expectMult(c.Outputs["out"], "a", 5.0, -1)
			expectMult(c.Outputs["out"], "a", 7.0, 1)

			Expect(e.Shutdown(ctx)).To(Succeed())
		})

		It("should close an epoch with no ingested data", func() {
			c, err := e.CloseEpoch(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Outputs).To(BeEmpty())
			Expect(e.Shutdown(ctx)).To(Succeed())
		})

		It("should reject ingestion for an unknown source", func() {
			err := e.Ingest(ctx, "nope", []zset.Row{{Key: "a", Value: 1, Sign: 1}})
			Expect(err).To(MatchError(ContainSubstring("unknown source")))
			Expect(e.Shutdown(ctx)).To(Succeed())
		})

		It("should refuse ingestion after shutdown begins", func() {
			Expect(e.Shutdown(ctx)).To(Succeed())
			err := e.Ingest(ctx, "in", []zset.Row{{Key: "a", Value: 1, Sign: 1}})
			Expect(err).To(MatchError(epoch.ErrDraining))
		})
	})

	Describe("Schema validation", func() {
		It("should fail the offending source and keep rejecting it", func() {
			opts := Options{
				Logger: suite.Log,
				Validators: map[string]SchemaValidator{
					"in": func(row zset.Row) error {
						if _, ok := row.Value.(int); !ok {
							return fmt.Errorf("value of %q is not an integer", row.Key)
						}
						return nil
					},
				},
			}
			e, err := New(ctx, sumSpec(), sumFactories(), opts)
			Expect(err).NotTo(HaveOccurred())
			Expect(e.Run(ctx)).To(Succeed())

			Expect(e.Ingest(ctx, "in", []zset.Row{{Key: "ok", Value: 1, Sign: 1}})).To(Succeed())

			err = e.Ingest(ctx, "in", []zset.Row{{Key: "bad", Value: "nope", Sign: 1}})
			Expect(err).To(HaveOccurred())
			Expect(dferrors.IsSchema(err)).To(BeTrue())

			err = e.Ingest(ctx, "in", []zset.Row{{Key: "ok", Value: 2, Sign: 1}})
			Expect(err).To(MatchError(ContainSubstring("is failed")))

			// the epoch still closes with the valid batch applied
			c, err := e.CloseEpoch(ctx)
			Expect(err).NotTo(HaveOccurred())
			expectMult(c.Outputs["out"], "ok", 1.0, 1)

			Expect(e.Shutdown(ctx)).To(Succeed())
		})
	})

	Describe("Sink connectors", func() {
		It("should deliver closed-epoch outputs to the bound sink", func() {
			sink := NewMemorySink("mem")
			e, err := New(ctx, sumSpec(), sumFactories(), Options{
				Logger: suite.Log,
				Sinks:  map[string]Sink{"out": sink},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(e.Run(ctx)).To(Succeed())

			Expect(e.Ingest(ctx, "in", []zset.Row{{Key: "a", Value: 4, Sign: 1}})).To(Succeed())
			_, err = e.CloseEpoch(ctx)
			Expect(err).NotTo(HaveOccurred())

			// empty epochs produce no sink writes
			_, err = e.CloseEpoch(ctx)
			Expect(err).NotTo(HaveOccurred())

			batches := sink.Batches()
			Expect(batches).To(HaveLen(1))
			Expect(batches[0].Epoch).To(Equal(epoch.Epoch(0)))
			expectMult(batches[0].Delta, "a", 4.0, 1)

			Expect(e.Shutdown(ctx)).To(Succeed())
		})

		It("should fail the epoch when the sink rejects the write", func() {
			e, err := New(ctx, sumSpec(), sumFactories(), Options{
				Logger: suite.Log,
				Sinks:  map[string]Sink{"out": &failingSink{}},
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(e.Run(ctx)).To(Succeed())

			Expect(e.Ingest(ctx, "in", []zset.Row{{Key: "a", Value: 4, Sign: 1}})).To(Succeed())
			_, err = e.CloseEpoch(ctx)
			Expect(err).To(HaveOccurred())
			Expect(dferrors.IsConnector(err)).To(BeTrue())
		})
	})

	Describe("Source pumps", func() {
		It("should drain a static source and stop at end of stream", func() {
			e, err := New(ctx, sumSpec(), sumFactories(), Options{Logger: suite.Log})
			Expect(err).NotTo(HaveOccurred())
			Expect(e.Run(ctx)).To(Succeed())

			src := NewSliceSource("in", []zset.Row{{Key: "a", Value: 6, Sign: 1}})
			Expect(e.RunSource(ctx, src)).To(Succeed())

			c, err := e.CloseEpoch(ctx)
			Expect(err).NotTo(HaveOccurred())
			expectMult(c.Outputs["out"], "a", 6.0, 1)
			Expect(e.Shutdown(ctx)).To(Succeed())
		})

		It("should stream batches from a channel source until it closes", func() {
			e, err := New(ctx, sumSpec(), sumFactories(), Options{Logger: suite.Log})
			Expect(err).NotTo(HaveOccurred())
			Expect(e.Run(ctx)).To(Succeed())

			ch := make(chan []zset.Row, 2)
			ch <- []zset.Row{{Key: "a", Value: 1, Sign: 1}}
			ch <- []zset.Row{{Key: "a", Value: 2, Sign: 1}}
			close(ch)
			Expect(e.RunSource(ctx, NewChannelSource("in", ch))).To(Succeed())

			c, err := e.CloseEpoch(ctx)
			Expect(err).NotTo(HaveOccurred())
			expectMult(c.Outputs["out"], "a", 3.0, 1)
			Expect(e.Shutdown(ctx)).To(Succeed())
		})
	})

	Describe("Durability", func() {
		var dbPath string

		BeforeEach(func() {
			dbPath = filepath.Join(GinkgoT().TempDir(), "flow.db")
		})

		// crash abandons the engine without draining or snapshotting, as a
		// process kill would
		crash := func(e *Engine) {
			e.sched.Stop()
			<-e.schedDone
			Expect(e.store.Close()).To(Succeed())
		}

		newDurable := func(snapshotEvery uint64) *Engine {
			e, err := New(ctx, sumSpec(), sumFactories(), Options{
				Logger:        suite.Log,
				StorePath:     dbPath,
				SnapshotEvery: snapshotEvery,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(e.Recover(ctx)).To(Succeed())
			Expect(e.Run(ctx)).To(Succeed())
			return e
		}

		It("should rebuild operator state from the WAL after a crash", func() {
			a := newDurable(100)
			Expect(a.Ingest(ctx, "in", []zset.Row{
				{Key: "a", Value: 2, Sign: 1},
				{Key: "a", Value: 3, Sign: 1},
			})).To(Succeed())
			_, err := a.CloseEpoch(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(a.Ingest(ctx, "in", []zset.Row{{Key: "a", Value: 2, Sign: 1}})).To(Succeed())
			_, err = a.CloseEpoch(ctx)
			Expect(err).NotTo(HaveOccurred())
			crash(a)

			b := newDurable(100)
			Expect(b.Ingest(ctx, "in", []zset.Row{{Key: "a", Value: 1, Sign: 1}})).To(Succeed())
			c, err := b.CloseEpoch(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Epoch).To(Equal(epoch.Epoch(2)))
			expectMult(c.Outputs["out"], "a", 7.0, -1)
			expectMult(c.Outputs["out"], "a", 8.0, 1)
			Expect(b.Shutdown(ctx)).To(Succeed())
		})

		It("should resume from a snapshot without replaying pruned epochs", func() {
			a := newDurable(1)
			Expect(a.Ingest(ctx, "in", []zset.Row{
				{Key: "a", Value: 2, Sign: 1},
				{Key: "a", Value: 3, Sign: 1},
			})).To(Succeed())
			_, err := a.CloseEpoch(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(a.Ingest(ctx, "in", []zset.Row{{Key: "a", Value: 2, Sign: 1}})).To(Succeed())
			_, err = a.CloseEpoch(ctx)
			Expect(err).NotTo(HaveOccurred())
			crash(a)

			b := newDurable(1)
			Expect(b.needsReplay).To(BeFalse())
			Expect(b.startEpoch).To(Equal(epoch.Epoch(2)))

			Expect(b.Ingest(ctx, "in", []zset.Row{{Key: "a", Value: 1, Sign: 1}})).To(Succeed())
			c, err := b.CloseEpoch(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(c.Epoch).To(Equal(epoch.Epoch(2)))
			expectMult(c.Outputs["out"], "a", 7.0, -1)
			expectMult(c.Outputs["out"], "a", 8.0, 1)
			Expect(b.Shutdown(ctx)).To(Succeed())
		})

		It("should snapshot on graceful shutdown and recover from it", func() {
			a := newDurable(100)
			Expect(a.Ingest(ctx, "in", []zset.Row{{Key: "a", Value: 5, Sign: 1}})).To(Succeed())
			_, err := a.CloseEpoch(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(a.Shutdown(ctx)).To(Succeed())

			b := newDurable(100)
			Expect(b.needsReplay).To(BeFalse())

			Expect(b.Ingest(ctx, "in", []zset.Row{{Key: "a", Value: 1, Sign: 1}})).To(Succeed())
			c, err := b.CloseEpoch(ctx)
			Expect(err).NotTo(HaveOccurred())
			expectMult(c.Outputs["out"], "a", 5.0, -1)
			expectMult(c.Outputs["out"], "a", 6.0, 1)
			Expect(b.Shutdown(ctx)).To(Succeed())
		})

		It("should continue source sequence numbers across a restart", func() {
			a := newDurable(100)
			Expect(a.Ingest(ctx, "in", []zset.Row{{Key: "a", Value: 1, Sign: 1}})).To(Succeed())
			Expect(a.Ingest(ctx, "in", []zset.Row{{Key: "a", Value: 1, Sign: 1}})).To(Succeed())
			_, err := a.CloseEpoch(ctx)
			Expect(err).NotTo(HaveOccurred())
			crash(a)

			b := newDurable(100)
			Expect(b.seqs["in"]).To(Equal(uint64(2)))
			Expect(b.Shutdown(ctx)).To(Succeed())
		})

		It("should not burn a sequence number on a failed WAL append", func() {
			a := newDurable(100)
			Expect(a.Ingest(ctx, "in", []zset.Row{{Key: "a", Value: 1, Sign: 1}})).To(Succeed())
			Expect(a.seqs["in"]).To(Equal(uint64(1)))

			// a dead store fails the append; the failed attempt must not
			// leave a hole for the retry to trip over
			Expect(a.store.Close()).To(Succeed())
			err := a.Ingest(ctx, "in", []zset.Row{{Key: "a", Value: 2, Sign: 1}})
			Expect(err).To(HaveOccurred())
			Expect(a.seqs["in"]).To(Equal(uint64(1)))

			a.sched.Stop()
			<-a.schedDone
		})

		It("should detect a sequence gap in the WAL during replay", func() {
			st, err := store.Open(ctx, store.Config{Path: dbPath})
			Expect(err).NotTo(HaveOccurred())
			Expect(st.AppendWAL(ctx, store.WALEntry{
				Source: "in", Seq: 1, Epoch: 0,
				Rows: []zset.Row{{Key: "a", Value: 1, Sign: 1}},
			})).To(Succeed())
			Expect(st.AppendWAL(ctx, store.WALEntry{
				Source: "in", Seq: 3, Epoch: 0,
				Rows: []zset.Row{{Key: "a", Value: 2, Sign: 1}},
			})).To(Succeed())
			Expect(st.Close()).To(Succeed())

			e, err := New(ctx, sumSpec(), sumFactories(), Options{
				Logger:    suite.Log,
				StorePath: dbPath,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(e.Recover(ctx)).To(Succeed())

			err = e.Run(ctx)
			Expect(err).To(HaveOccurred())
			Expect(dferrors.IsRecovery(err)).To(BeTrue())
			Expect(err).To(MatchError(ContainSubstring("WAL gap")))
		})

		It("should detect a WAL tail that skips past the snapshot sequence", func() {
			a := newDurable(1)
			Expect(a.Ingest(ctx, "in", []zset.Row{{Key: "a", Value: 5, Sign: 1}})).To(Succeed())
			_, err := a.CloseEpoch(ctx)
			Expect(err).NotTo(HaveOccurred())
			crash(a)

			// the snapshot recorded seq 1 for "in"; a tail opening at seq 3
			// means the entry between them is lost
			st, err := store.Open(ctx, store.Config{Path: dbPath})
			Expect(err).NotTo(HaveOccurred())
			Expect(st.AppendWAL(ctx, store.WALEntry{
				Source: "in", Seq: 3, Epoch: 1,
				Rows: []zset.Row{{Key: "a", Value: 2, Sign: 1}},
			})).To(Succeed())
			Expect(st.Close()).To(Succeed())

			b, err := New(ctx, sumSpec(), sumFactories(), Options{
				Logger:    suite.Log,
				StorePath: dbPath,
			})
			Expect(err).NotTo(HaveOccurred())
			Expect(b.Recover(ctx)).To(Succeed())

			err = b.Run(ctx)
			Expect(err).To(HaveOccurred())
			Expect(dferrors.IsRecovery(err)).To(BeTrue())
			Expect(err).To(MatchError(ContainSubstring("WAL gap")))
		})

		It("should reach the same sink state replaying the same tail twice", func() {
			a := newDurable(100)
			Expect(a.Ingest(ctx, "in", []zset.Row{
				{Key: "a", Value: 2, Sign: 1},
				{Key: "a", Value: 3, Sign: 1},
			})).To(Succeed())
			_, err := a.CloseEpoch(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(a.Ingest(ctx, "in", []zset.Row{{Key: "a", Value: 2, Sign: 1}})).To(Succeed())
			_, err = a.CloseEpoch(ctx)
			Expect(err).NotTo(HaveOccurred())
			crash(a)

			replayed := func() []SinkBatch {
				sink := NewMemorySink("mem")
				e, err := New(ctx, sumSpec(), sumFactories(), Options{
					Logger:        suite.Log,
					StorePath:     dbPath,
					SnapshotEvery: 100,
					Sinks:         map[string]Sink{"out": sink},
				})
				Expect(err).NotTo(HaveOccurred())
				Expect(e.Recover(ctx)).To(Succeed())
				Expect(e.Run(ctx)).To(Succeed())
				crash(e)
				return sink.Batches()
			}

			// two full recoveries over the unchanged tail
			first := replayed()
			second := replayed()

			for _, batches := range [][]SinkBatch{first, second} {
				Expect(batches).To(HaveLen(2))
				Expect(batches[0].Epoch).To(Equal(epoch.Epoch(0)))
				expectMult(batches[0].Delta, "a", 5.0, 1)
				Expect(batches[1].Epoch).To(Equal(epoch.Epoch(1)))
				expectMult(batches[1].Delta, "a", 5.0, -1)
				expectMult(batches[1].Delta, "a", 7.0, 1)
			}

			// the second recovery carries the same operator state forward
			c := newDurable(100)
			Expect(c.Ingest(ctx, "in", []zset.Row{{Key: "a", Value: 1, Sign: 1}})).To(Succeed())
			comp, err := c.CloseEpoch(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(comp.Epoch).To(Equal(epoch.Epoch(2)))
			expectMult(comp.Outputs["out"], "a", 7.0, -1)
			expectMult(comp.Outputs["out"], "a", 8.0, 1)
			Expect(c.Shutdown(ctx)).To(Succeed())
		})
	})
})

type failingSink struct{}

func (s *failingSink) ID() string { return "failing" }

func (s *failingSink) Write(context.Context, epoch.Epoch, *zset.ZSet) error {
	return fmt.Errorf("downstream unavailable")
}
