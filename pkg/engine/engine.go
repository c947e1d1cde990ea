// Package engine assembles a dataflow: it validates the graph, owns the
// epoch clock and the durable store, drives the scheduler, and mediates
// between connectors and the computation. Epochs are assigned at the
// ingestion boundary and closed in lockstep: a new epoch is not admitted
// until the previous one has reached every sink and its outputs are
// acknowledged.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/go-logr/logr"
	"github.com/google/uuid"

	"github.com/deltaflow-io/deltaflow/pkg/dferrors"
	"github.com/deltaflow-io/deltaflow/pkg/epoch"
	"github.com/deltaflow-io/deltaflow/pkg/graph"
	"github.com/deltaflow-io/deltaflow/pkg/op"
	"github.com/deltaflow-io/deltaflow/pkg/scheduler"
	"github.com/deltaflow-io/deltaflow/pkg/store"
	"github.com/deltaflow-io/deltaflow/pkg/zset"
)

// OperatorFactory builds the operator instance of one shard of a node.
type OperatorFactory func(shard int) (op.Operator, error)

// Options configures an engine.
type Options struct {
	// StorePath is the SQLite database file backing the WAL and the
	// snapshots. Empty runs the dataflow without durability.
	StorePath string

	// SnapshotEvery is the number of closed epochs between snapshots.
	SnapshotEvery uint64

	// DefaultShards is the shard count for stateful nodes that don't set
	// their own.
	DefaultShards int

	// EdgeBuffer is the per-edge queue capacity.
	EdgeBuffer int

	// Validators holds the per-source schema validation hooks, keyed by
	// source node id.
	Validators map[string]SchemaValidator

	// Sinks maps sink node ids to their output connectors. Sink nodes
	// without a connector accumulate outputs that the caller reads from
	// the completion returned by CloseEpoch.
	Sinks map[string]Sink

	Logger logr.Logger
}

const defaultSnapshotEvery = 8

// Engine runs one dataflow graph.
type Engine struct {
	spec  *graph.Spec
	opts  Options
	log   logr.Logger
	runID string

	clock     *epoch.Clock
	store     *store.Store
	operators map[string][]op.Operator
	sched     *scheduler.Scheduler

	mu            sync.Mutex
	seqs          map[string]uint64
	failedSources map[string]error

	// opMu serializes ingestion against epoch closure so that a batch is
	// never assigned an epoch that is already closing.
	opMu sync.Mutex

	startEpoch  epoch.Epoch
	replayTo    epoch.Epoch
	needsReplay bool
	snapSeqs    map[string]uint64

	lastClosed    epoch.Epoch
	closedAny     bool
	sinceSnapshot uint64
	lastSnapAt    epoch.Epoch
	snappedAny    bool

	schedDone chan struct{}
	schedErr  error
}

// New validates the graph, opens the store and instantiates the operators.
// The engine is not running yet: call Recover, then Run.
func New(ctx context.Context, spec *graph.Spec, factories map[string]OperatorFactory, opts Options) (*Engine, error) {
	if err := spec.Validate(); err != nil {
		return nil, fmt.Errorf("invalid graph: %w", err)
	}
	if opts.SnapshotEvery == 0 {
		opts.SnapshotEvery = defaultSnapshotEvery
	}

	e := &Engine{
		spec:          spec,
		opts:          opts,
		runID:         uuid.NewString(),
		clock:         epoch.NewClock(),
		operators:     make(map[string][]op.Operator),
		seqs:          make(map[string]uint64),
		failedSources: make(map[string]error),
		schedDone:     make(chan struct{}),
	}
	e.log = opts.Logger.WithName("engine").WithValues("dataflow", spec.Name, "run", e.runID)

	for id, sink := range opts.Sinks {
		n := spec.Node(id)
		if n == nil || n.Kind != graph.KindSink {
			return nil, fmt.Errorf("sink connector %q is not bound to a sink node", sink.ID())
		}
	}

	for i := range spec.Nodes {
		n := &spec.Nodes[i]
		if n.Kind == graph.KindSource || n.Kind == graph.KindSink {
			continue
		}
		factory, ok := factories[n.ID]
		if !ok {
			return nil, fmt.Errorf("node %q has no operator factory", n.ID)
		}
		shards := scheduler.ShardsOf(n, opts.DefaultShards)
		ops := make([]op.Operator, shards)
		for sh := 0; sh < shards; sh++ {
			o, err := factory(sh)
			if err != nil {
				return nil, fmt.Errorf("failed to build operator for %s/%d: %w", n.ID, sh, err)
			}
			ops[sh] = o
		}
		e.operators[n.ID] = ops
	}

	if opts.StorePath != "" {
		st, err := store.Open(ctx, store.Config{Path: opts.StorePath})
		if err != nil {
			return nil, dferrors.NewRecoveryError(err)
		}
		e.store = st
	}

	e.log.Info("dataflow assembled", "nodes", len(spec.Nodes), "durable", e.store != nil)
	return e, nil
}

// RunID returns the unique id of this engine run.
func (e *Engine) RunID() string { return e.runID }

// Recover restores operator state from the latest snapshot and positions the
// clock and the source sequence counters from the persisted WAL tail. WAL
// entries past the snapshot are re-applied when Run starts. Without a store
// this is a no-op.
func (e *Engine) Recover(ctx context.Context) error {
	if e.store == nil {
		return nil
	}

	snap, found, err := e.store.LoadLatestSnapshot(ctx)
	if err != nil {
		return dferrors.NewRecoveryError(err)
	}
	if found {
		for nodeID, shards := range snap.Operators {
			ops, ok := e.operators[nodeID]
			if !ok {
				return dferrors.NewRecoveryError(
					fmt.Errorf("snapshot at %s references unknown operator %q", snap.Epoch, nodeID))
			}
			if len(ops) != len(shards) {
				return dferrors.NewRecoveryError(
					fmt.Errorf("snapshot of %q has %d shards, graph has %d", nodeID, len(shards), len(ops)))
			}
			for sh, state := range shards {
				if len(state) == 0 {
					continue
				}
				if err := ops[sh].Restore(state); err != nil {
					return dferrors.NewRecoveryError(
						fmt.Errorf("failed to restore %s/%d at %s: %w", nodeID, sh, snap.Epoch, err))
				}
			}
		}
		e.snapSeqs = make(map[string]uint64, len(snap.SourceSeqs))
		for src, seq := range snap.SourceSeqs {
			e.seqs[src] = seq
			e.snapSeqs[src] = seq
		}
		e.startEpoch = snap.Epoch.Next()
		e.lastClosed, e.closedAny = snap.Epoch, true
		e.lastSnapAt, e.snappedAny = snap.Epoch, true
		e.clock.InitFrom(snap.Epoch)
		e.log.Info("snapshot restored", "epoch", snap.Epoch.String(), "operators", len(snap.Operators))
	}

	for _, src := range e.spec.Sources() {
		last, ok, err := e.store.LastSeq(ctx, src)
		if err != nil {
			return dferrors.NewRecoveryError(err)
		}
		if ok && last > e.seqs[src] {
			e.seqs[src] = last
		}
	}

	lastEp, ok, err := e.store.LastEpoch(ctx)
	if err != nil {
		return dferrors.NewRecoveryError(err)
	}
	if ok && lastEp >= e.startEpoch {
		e.needsReplay = true
		e.replayTo = lastEp
		e.clock.InitFrom(lastEp)
	}
	return nil
}

// Run starts the dataflow workers and, after a recovery, re-applies the WAL
// tail. It returns once the dataflow is ready for ingestion; the workers keep
// running until Shutdown or failure.
func (e *Engine) Run(ctx context.Context) error {
	sched, err := scheduler.New(e.spec, e.operators, scheduler.Options{
		EdgeBuffer:    e.opts.EdgeBuffer,
		DefaultShards: e.opts.DefaultShards,
		StartEpoch:    e.startEpoch,
		Logger:        e.opts.Logger,
	})
	if err != nil {
		return err
	}
	e.sched = sched
	sched.Start(ctx)
	go func() {
		e.schedErr = sched.Wait()
		close(e.schedDone)
	}()

	if e.needsReplay {
		if err := e.replay(ctx); err != nil {
			sched.Stop()
			return err
		}
		e.needsReplay = false
	}
	return nil
}

// replay re-applies logged batches with epochs past the snapshot, closing
// each epoch in order. Deduplication happens at the log itself: an entry is
// present at most once per (source, seq), so re-application after a crash
// yields the same deltas the original run produced. Sink connectors see the
// replayed epochs again; delivery is at-least-once across crashes.
func (e *Engine) replay(ctx context.Context) error {
	byEpoch := make(map[epoch.Epoch][]store.WALEntry)

	// the snapshot records where every source's sequence stood at the cut,
	// so a tail whose first entry skips past it is a lost segment, not a
	// fresh source
	lastSeq := make(map[string]uint64, len(e.snapSeqs))
	for src, seq := range e.snapSeqs {
		lastSeq[src] = seq
	}

	err := e.store.ReplayWAL(ctx, e.startEpoch, func(entry store.WALEntry) error {
		if prev, seen := lastSeq[entry.Source]; seen && entry.Seq != prev+1 {
			return dferrors.NewRecoveryError(
				fmt.Errorf("WAL gap for source %q: sequence %d follows %d", entry.Source, entry.Seq, prev))
		}
		lastSeq[entry.Source] = entry.Seq
		byEpoch[entry.Epoch] = append(byEpoch[entry.Epoch], entry)
		return nil
	})
	if err != nil {
		if dferrors.IsRecovery(err) {
			return err
		}
		return dferrors.NewRecoveryError(err)
	}

	e.log.Info("replaying WAL", "from", e.startEpoch.String(), "to", e.replayTo.String())
	for ep := e.startEpoch; ep <= e.replayTo; ep++ {
		for _, entry := range byEpoch[ep] {
			batch := zset.NewBatch(entry.Epoch, entry.Rows...)
			if err := e.sched.Inject(ctx, entry.Source, batch); err != nil {
				return dferrors.NewRecoveryError(err)
			}
		}
		if _, err := e.closeAndDeliver(ctx, ep); err != nil {
			if dferrors.IsRecovery(err) {
				return err
			}
			return dferrors.NewRecoveryError(err)
		}
	}
	return nil
}

// Ingest admits a batch of rows from a source into the current epoch. The
// batch is logged before it is admitted; blocking here is the backpressure
// the dataflow exerts on its inputs.
func (e *Engine) Ingest(ctx context.Context, source string, rows []zset.Row) error {
	n := e.spec.Node(source)
	if n == nil || n.Kind != graph.KindSource {
		return fmt.Errorf("unknown source %q", source)
	}

	e.mu.Lock()
	if err, failed := e.failedSources[source]; failed {
		e.mu.Unlock()
		return fmt.Errorf("source %q is failed: %w", source, err)
	}
	e.mu.Unlock()

	e.opMu.Lock()
	defer e.opMu.Unlock()

	cur, err := e.clock.Current()
	if err != nil {
		return err
	}

	if validate := e.opts.Validators[source]; validate != nil {
		for _, row := range rows {
			if verr := validate(row); verr != nil {
				serr := dferrors.NewSchemaError(source, cur, verr)
				e.mu.Lock()
				e.failedSources[source] = serr
				e.mu.Unlock()
				e.log.Error(serr, "source failed schema validation", "source", source, "key", row.Key)
				return serr
			}
		}
	}

	// the sequence number is committed only once the entry is durable, so a
	// failed append can be retried without leaving a hole in the log
	e.mu.Lock()
	seq := e.seqs[source] + 1
	e.mu.Unlock()

	if e.store != nil {
		entry := store.WALEntry{Source: source, Seq: seq, Epoch: cur, Rows: rows}
		if err := e.store.AppendWAL(ctx, entry); err != nil {
			return err
		}
	}

	e.mu.Lock()
	e.seqs[source] = seq
	e.mu.Unlock()

	e.log.V(4).Info("batch admitted", "source", source, "seq", seq,
		"epoch", cur.String(), "rows", len(rows))
	return e.sched.Inject(ctx, source, zset.NewBatch(cur, rows...))
}

// CloseEpoch closes the current ingestion epoch, waits for it to reach every
// sink, delivers and acknowledges the sink outputs, and snapshots when due.
// The returned completion carries the per-sink output deltas of the epoch.
func (e *Engine) CloseEpoch(ctx context.Context) (*scheduler.Completion, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()

	closed, err := e.clock.Advance()
	if err != nil {
		return nil, err
	}

	c, err := e.closeAndDeliver(ctx, closed)
	if err != nil {
		return nil, err
	}

	if e.store != nil {
		e.sinceSnapshot++
		if e.sinceSnapshot >= e.opts.SnapshotEvery {
			if err := e.snapshot(ctx, closed); err != nil {
				return nil, err
			}
			e.sinceSnapshot = 0
		}
	}
	return c, nil
}

func (e *Engine) closeAndDeliver(ctx context.Context, closed epoch.Epoch) (*scheduler.Completion, error) {
	e.log.V(2).Info("closing epoch", "epoch", closed.String())
	if err := e.sched.CloseEpoch(ctx, closed); err != nil {
		return nil, err
	}

	var c scheduler.Completion
	select {
	case got, ok := <-e.sched.Completed():
		if !ok {
			// workers terminated before the epoch closed
			<-e.schedDone
			if e.schedErr != nil {
				return nil, e.schedErr
			}
			return nil, fmt.Errorf("dataflow terminated while closing %s", closed)
		}
		c = got
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if c.Epoch != closed {
		return nil, dferrors.NewStateError("", c.Epoch,
			fmt.Errorf("completed %s while closing %s", c.Epoch, closed))
	}

	// stable delivery order across runs
	ids := make([]string, 0, len(c.Outputs))
	for id := range c.Outputs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		sink, ok := e.opts.Sinks[id]
		if !ok {
			continue
		}
		delta := c.Outputs[id]
		if delta == nil || delta.IsZero() {
			continue
		}
		if err := sink.Write(ctx, closed, delta); err != nil {
			e.sched.Stop()
			return nil, dferrors.NewConnectorError(sink.ID(), err)
		}
	}

	e.lastClosed, e.closedAny = closed, true
	return &c, nil
}

// snapshot captures the state of every operator at a globally closed epoch.
// All inputs up to the epoch are fully applied and no later batch has been
// admitted, so the capture is a consistent cut.
func (e *Engine) snapshot(ctx context.Context, closed epoch.Epoch) error {
	snap := &store.Snapshot{
		Epoch:      closed,
		RunID:      e.runID,
		SourceSeqs: make(map[string]uint64),
		Operators:  make(map[string][][]byte),
	}

	e.mu.Lock()
	for src, seq := range e.seqs {
		snap.SourceSeqs[src] = seq
	}
	e.mu.Unlock()

	for nodeID, ops := range e.operators {
		shards := make([][]byte, len(ops))
		for sh, o := range ops {
			state, err := o.Snapshot()
			if err != nil {
				return dferrors.NewStateError(nodeID, closed,
					fmt.Errorf("failed to snapshot shard %d: %w", sh, err))
			}
			shards[sh] = state
		}
		snap.Operators[nodeID] = shards
	}

	if err := e.store.SaveSnapshot(ctx, snap); err != nil {
		return err
	}
	if _, err := e.store.PruneWAL(ctx, closed); err != nil {
		return err
	}
	if err := e.store.PruneSnapshots(ctx); err != nil {
		return err
	}

	// the pruned epochs can never be replayed, so per-epoch delta history
	// up to the cut collapses into the accumulated state
	for _, ops := range e.operators {
		for _, o := range ops {
			o.Compact(closed)
		}
	}

	e.lastSnapAt, e.snappedAny = closed, true
	e.log.Info("snapshot taken", "epoch", closed.String())
	return nil
}

// RunSource pumps a source connector until end of stream, the context ends,
// or the connector fails. Intended to run in its own goroutine per source.
func (e *Engine) RunSource(ctx context.Context, src Source) error {
	log := e.log.WithValues("source", src.ID(), "mode", src.Mode().String())
	log.V(1).Info("source pump started")
	for {
		rows, err := src.Read(ctx)
		if errors.Is(err, io.EOF) {
			log.V(1).Info("source stream ended")
			return nil
		}
		if err != nil {
			cerr := dferrors.NewConnectorError(src.ID(), err)
			log.Error(cerr, "source read failed")
			return cerr
		}
		if len(rows) == 0 {
			continue
		}
		if err := e.Ingest(ctx, src.ID(), rows); err != nil {
			return err
		}
	}
}

// Frontier exposes per-node progress of the running dataflow.
func (e *Engine) Frontier() *epoch.Frontier { return e.sched.Frontier() }

// Shutdown drains the dataflow: it closes the in-progress epoch, stops epoch
// assignment, lets the workers finish, takes a final snapshot and closes the
// store. Returns the failure that stopped the graph, if any.
func (e *Engine) Shutdown(ctx context.Context) error {
	if e.sched == nil {
		if e.store != nil {
			return e.store.Close()
		}
		return nil
	}

	var closeErr error
	if !e.clock.Draining() {
		if _, err := e.CloseEpoch(ctx); err != nil && !errors.Is(err, epoch.ErrDraining) {
			closeErr = err
		}
	}
	e.clock.BeginDrain()
	e.sched.Drain()

	select {
	case <-e.schedDone:
	case <-ctx.Done():
		e.sched.Stop()
		<-e.schedDone
	}

	err := e.schedErr
	if err == nil {
		err = closeErr
	}

	if e.store != nil {
		if err == nil && e.closedAny && !(e.snappedAny && e.lastSnapAt == e.lastClosed) {
			if serr := e.snapshot(ctx, e.lastClosed); serr != nil {
				err = serr
			}
		}
		if cerr := e.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}

	e.log.Info("dataflow shut down", "failed", err != nil)
	return err
}
