// Package scheduler drives delta propagation across the dataflow graph. The
// logical DAG expands into a physical graph of operator instances, one per
// shard for stateful nodes, connected by bounded channels. Batches flow in
// non-decreasing epoch order per instance; end-of-epoch markers implement the
// epoch barrier: an instance completes an epoch only after receiving the
// marker from every upstream instance on every inbound edge, and only then
// forwards its own marker downstream. A full downstream queue suspends the
// producer; no batch is ever dropped.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/deltaflow-io/deltaflow/pkg/epoch"
	"github.com/deltaflow-io/deltaflow/pkg/graph"
	"github.com/deltaflow-io/deltaflow/pkg/op"
	"github.com/deltaflow-io/deltaflow/pkg/shard"
	"github.com/deltaflow-io/deltaflow/pkg/zset"
)

// Options configures a scheduler.
type Options struct {
	// EdgeBuffer is the per-edge queue capacity; producers block when a
	// downstream queue is full.
	EdgeBuffer int

	// DefaultShards is the shard count for stateful nodes that don't set
	// their own.
	DefaultShards int

	// StartEpoch is the first epoch the instances expect. Nonzero when the
	// dataflow resumes from a recovered snapshot.
	StartEpoch epoch.Epoch

	Logger logr.Logger
}

const defaultEdgeBuffer = 16

// Completion reports a globally closed epoch with the per-sink outputs
// accumulated for it.
type Completion struct {
	Epoch   epoch.Epoch
	Outputs map[string]*zset.ZSet
}

// Failure identifies the first operator fault that failed the graph.
type Failure struct {
	Operator string
	Epoch    epoch.Epoch
	Err      error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("dataflow failed at operator %q, epoch %s: %v", f.Operator, f.Epoch, f.Err)
}

func (f *Failure) Unwrap() error { return f.Err }

// Scheduler owns the physical instance graph for one dataflow.
type Scheduler struct {
	spec     *graph.Spec
	opts     Options
	log      logr.Logger
	frontier *epoch.Frontier

	instances map[string][]*instance // node id -> shard instances
	sources   map[string]*instance
	sinkIDs   []string

	completions chan Completion

	mu           sync.Mutex
	nodeProgress map[string]map[epoch.Epoch]int // node -> epoch -> done shards
	sinkOutputs  map[epoch.Epoch]map[string]*zset.ZSet
	sinksDone    map[epoch.Epoch]int

	failOnce sync.Once
	failure  *Failure

	group  *errgroup.Group
	cancel context.CancelFunc
}

// New builds the physical graph for a validated spec. The operators argument
// supplies the instances per stateful/stateless node: one operator per shard
// (a single-element slice for stateless nodes); source and sink nodes carry
// no operators.
func New(spec *graph.Spec, operators map[string][]op.Operator, opts Options) (*Scheduler, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid graph: %w", err)
	}
	if opts.EdgeBuffer <= 0 {
		opts.EdgeBuffer = defaultEdgeBuffer
	}
	if opts.DefaultShards <= 0 {
		opts.DefaultShards = 1
	}

	s := &Scheduler{
		spec:         spec,
		opts:         opts,
		log:          opts.Logger.WithName("scheduler"),
		instances:    make(map[string][]*instance),
		sources:      make(map[string]*instance),
		sinkIDs:      spec.Sinks(),
		completions:  make(chan Completion),
		nodeProgress: make(map[string]map[epoch.Epoch]int),
		sinkOutputs:  make(map[epoch.Epoch]map[string]*zset.ZSet),
		sinksDone:    make(map[epoch.Epoch]int),
	}

	ids := make([]string, 0, len(spec.Nodes))
	for _, n := range spec.Nodes {
		ids = append(ids, n.ID)
	}
	s.frontier = epoch.NewFrontier(ids)

	if err := s.build(operators); err != nil {
		return nil, err
	}
	return s, nil
}

// ShardsOf returns the physical instance count of a node, the number of
// operator instances New expects for it. Stateless nodes and iterate scopes
// always run single-sharded.
func ShardsOf(n *graph.Node, defaultShards int) int {
	if !n.Kind.Stateful() {
		return 1
	}
	if n.Shards > 0 {
		return n.Shards
	}
	if n.Kind == graph.KindIterate || defaultShards < 1 {
		return 1
	}
	return defaultShards
}

func (s *Scheduler) shardsOf(n *graph.Node) int {
	return ShardsOf(n, s.opts.DefaultShards)
}

// build expands the logical DAG into instances and wires the edges.
func (s *Scheduler) build(operators map[string][]op.Operator) error {
	for i := range s.spec.Nodes {
		n := &s.spec.Nodes[i]
		count := s.shardsOf(n)

		ops := operators[n.ID]
		switch n.Kind {
		case graph.KindSource, graph.KindSink:
			if len(ops) != 0 {
				return fmt.Errorf("node %q: %s nodes take no operator", n.ID, n.Kind)
			}
			ops = make([]op.Operator, count) // nil operators
		default:
			if len(ops) != count {
				return fmt.Errorf("node %q: expected %d operator instances, got %d",
					n.ID, count, len(ops))
			}
		}

		for sh := 0; sh < count; sh++ {
			inst := &instance{
				sched:    s,
				node:     n,
				shard:    sh,
				op:       ops[sh],
				curEpoch: s.opts.StartEpoch,
				pending:  make(map[epoch.Epoch][]pendingBatch),
				markers:  make(map[epoch.Epoch]int),
				log:      s.log.WithValues("node", n.ID, "shard", sh),
			}
			s.instances[n.ID] = append(s.instances[n.ID], inst)
		}

		if n.Kind == graph.KindSource {
			src := s.instances[n.ID][0]
			src.inject = make(chan message, s.opts.EdgeBuffer)
			src.expectedMarkers = 1
			s.sources[n.ID] = src
		}
	}

	// wire edges: every producer instance fans out to every consumer
	// instance of the edge, partitioning rows by key hash when the
	// consumer is sharded
	for _, e := range s.spec.Edges {
		consumers := s.instances[e.To]
		router, err := shard.NewRouter(len(consumers))
		if err != nil {
			return err
		}

		producers := s.instances[e.From]

		chans := make([]chan message, len(consumers))
		for i, c := range consumers {
			ch := make(chan message, s.opts.EdgeBuffer)
			chans[i] = ch
			c.inEdges = append(c.inEdges, ch)
			c.expectedMarkers += len(producers)
		}

		// the last producer instance to exit closes the edge, which lets
		// the consumers drain out
		wg := &sync.WaitGroup{}
		wg.Add(len(producers))
		go func() {
			wg.Wait()
			for _, ch := range chans {
				close(ch)
			}
		}()

		for _, p := range producers {
			p.outEdges = append(p.outEdges, outEdge{
				input:     e.Input,
				router:    router,
				chans:     chans,
				producers: wg,
			})
		}
	}
	return nil
}

// Start launches all instance workers. Completions are delivered on
// Completed; the call returns immediately.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	g, ctx := errgroup.WithContext(ctx)
	s.group = g

	for _, insts := range s.instances {
		for _, inst := range insts {
			inst := inst
			g.Go(func() error { return inst.run(ctx) })
		}
	}
}

// Inject delivers an ingested batch to a source node. Blocks when the source
// queue is full.
func (s *Scheduler) Inject(ctx context.Context, source string, batch *zset.Batch) error {
	src, ok := s.sources[source]
	if !ok {
		return fmt.Errorf("unknown source node %q", source)
	}
	select {
	case src.inject <- message{batch: batch, epoch: batch.Epoch, input: 0}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseEpoch emits the end-of-epoch marker for e into every source, starting
// the barrier wave that will close the epoch once it reaches all sinks.
func (s *Scheduler) CloseEpoch(ctx context.Context, e epoch.Epoch) error {
	for id, src := range s.sources {
		select {
		case src.inject <- message{marker: true, epoch: e, input: 0}:
		case <-ctx.Done():
			return fmt.Errorf("failed to close %s at source %q: %w", e, id, ctx.Err())
		}
	}
	return nil
}

// Drain closes all source inputs; instances finish their pending epochs and
// terminate. Wait returns once the drain completes.
func (s *Scheduler) Drain() {
	for _, src := range s.sources {
		close(src.inject)
	}
}

// Completed is the stream of globally closed epochs with their sink outputs.
// The channel closes when the dataflow terminates.
func (s *Scheduler) Completed() <-chan Completion { return s.completions }

// Frontier exposes per-node progress.
func (s *Scheduler) Frontier() *epoch.Frontier { return s.frontier }

// Wait blocks until all workers have terminated and returns the failure that
// stopped the graph, if any.
func (s *Scheduler) Wait() error {
	err := s.group.Wait()
	close(s.completions)
	if s.failure != nil {
		return s.failure
	}
	return err
}

// Stop cancels the dataflow without draining.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

// fail records the first operator fault. Later faults are usually cancellation
// fallout and are dropped.
func (s *Scheduler) fail(operator string, e epoch.Epoch, err error) error {
	s.failOnce.Do(func() {
		s.failure = &Failure{Operator: operator, Epoch: e, Err: err}
		s.log.Error(err, "dataflow failed, ceasing batch admission",
			"operator", operator, "epoch", e.String())
	})
	return s.failure
}

// shardDone records barrier completion of one shard of a node for an epoch.
// When the last shard reports, the node's frontier advances; when the last
// sink node reports, the epoch is globally closed and published.
func (s *Scheduler) shardDone(ctx context.Context, inst *instance, e epoch.Epoch) error {
	nodeID := inst.node.ID
	shards := len(s.instances[nodeID])

	s.mu.Lock()
	prog := s.nodeProgress[nodeID]
	if prog == nil {
		prog = make(map[epoch.Epoch]int)
		s.nodeProgress[nodeID] = prog
	}
	prog[e]++
	nodeDone := prog[e] == shards
	if nodeDone {
		delete(prog, e)
	}
	s.mu.Unlock()

	if !nodeDone {
		return nil
	}

	if err := s.frontier.Advance(nodeID, e); err != nil {
		return err
	}
	s.log.V(4).Info("frontier advanced", "node", nodeID, "epoch", e.String())

	if inst.node.Kind != graph.KindSink {
		return nil
	}

	s.mu.Lock()
	s.sinksDone[e]++
	closed := s.sinksDone[e] == len(s.sinkIDs)
	var outputs map[string]*zset.ZSet
	if closed {
		outputs = s.sinkOutputs[e]
		if outputs == nil {
			outputs = make(map[string]*zset.ZSet)
		}
		delete(s.sinkOutputs, e)
		delete(s.sinksDone, e)
	}
	s.mu.Unlock()

	if !closed {
		return nil
	}

	s.log.V(2).Info("epoch closed", "epoch", e.String())
	select {
	case s.completions <- Completion{Epoch: e, Outputs: outputs}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// collectSink accumulates a batch arriving at a sink instance.
func (s *Scheduler) collectSink(sinkID string, batch *zset.Batch) error {
	z, err := batch.ToZSet()
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	byEpoch := s.sinkOutputs[batch.Epoch]
	if byEpoch == nil {
		byEpoch = make(map[string]*zset.ZSet)
		s.sinkOutputs[batch.Epoch] = byEpoch
	}
	if cur := byEpoch[sinkID]; cur != nil {
		return cur.AddMutate(z)
	}
	byEpoch[sinkID] = z
	return nil
}
