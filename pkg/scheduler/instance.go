package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/deltaflow-io/deltaflow/pkg/dferrors"
	"github.com/deltaflow-io/deltaflow/pkg/epoch"
	"github.com/deltaflow-io/deltaflow/pkg/graph"
	"github.com/deltaflow-io/deltaflow/pkg/op"
	"github.com/deltaflow-io/deltaflow/pkg/shard"
	"github.com/deltaflow-io/deltaflow/pkg/zset"
)

// message travels along a physical edge: either a delta batch or an
// end-of-epoch marker.
type message struct {
	input  int
	batch  *zset.Batch
	marker bool
	epoch  epoch.Epoch
}

// outEdge fans a producer out to the shard instances of one consumer.
// producers counts the instances still feeding the edge; the consumer side
// is closed when it drops to zero.
type outEdge struct {
	input     int
	router    *shard.Router
	chans     []chan message
	producers *sync.WaitGroup
}

type pendingBatch struct {
	input int
	batch *zset.Batch
}

// instance is one shard of one node: the exclusive owner of its operator
// state, driven by a single worker goroutine.
type instance struct {
	sched *Scheduler
	node  *graph.Node
	shard int
	op    op.Operator // nil for sources and sinks

	inject   chan message   // sources only: the ingestion boundary
	inEdges  []chan message // upstream physical edges
	outEdges []outEdge

	expectedMarkers int
	curEpoch        epoch.Epoch
	pending         map[epoch.Epoch][]pendingBatch
	markers         map[epoch.Epoch]int

	log logr.Logger
}

// run is the worker loop. It terminates when every input channel has closed
// (drain) or the context is canceled (failure/stop).
func (in *instance) run(ctx context.Context) error {
	defer func() {
		for _, e := range in.outEdges {
			e.producers.Done()
		}
	}()

	inputs := in.inEdges
	if in.inject != nil {
		inputs = append(inputs, in.inject)
	}

	// fan-in: one forwarder per inbound edge keeps the per-edge queue
	// bound intact, the merged channel itself buffers nothing
	merged := make(chan message)
	var wg sync.WaitGroup
	for _, ch := range inputs {
		ch := ch
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range ch {
				select {
				case merged <- msg:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(merged)
	}()

	for {
		select {
		case msg, ok := <-merged:
			if !ok {
				return nil // drained
			}
			if err := in.handle(ctx, msg); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (in *instance) handle(ctx context.Context, msg message) error {
	if msg.marker {
		in.markers[msg.epoch]++
		return in.completeReadyEpochs(ctx)
	}

	switch {
	case msg.epoch < in.curEpoch:
		// a producer emitted below its own frontier: internal invariant broken
		return in.sched.fail(in.node.ID, msg.epoch, dferrors.NewStateError(in.node.ID, msg.epoch,
			fmt.Errorf("batch at %s below instance frontier %s", msg.epoch, in.curEpoch)))
	case msg.epoch > in.curEpoch:
		// barrier: the next epoch is not admitted until the current one
		// completes on every inbound edge
		in.pending[msg.epoch] = append(in.pending[msg.epoch],
			pendingBatch{input: msg.input, batch: msg.batch})
		return nil
	default:
		return in.apply(ctx, msg.input, msg.batch)
	}
}

// apply processes one batch of the current epoch.
func (in *instance) apply(ctx context.Context, input int, batch *zset.Batch) error {
	switch {
	case in.node.Kind == graph.KindSource:
		return in.emit(ctx, batch)

	case in.node.Kind == graph.KindSink:
		if err := in.sched.collectSink(in.node.ID, batch); err != nil {
			return in.sched.fail(in.node.ID, batch.Epoch, err)
		}
		return nil

	default:
		delta, err := batch.ToZSet()
		if err != nil {
			return in.sched.fail(in.node.ID, batch.Epoch, err)
		}
		out, err := in.op.ApplyDelta(input, delta, batch.Epoch)
		if err != nil {
			return in.sched.fail(in.node.ID, batch.Epoch, err)
		}
		if out == nil || out.IsZero() {
			return nil
		}
		return in.emit(ctx, zset.BatchFromZSet(batch.Epoch, out))
	}
}

// completeReadyEpochs closes the current epoch while its barrier is complete,
// then admits the buffered batches of the next one.
func (in *instance) completeReadyEpochs(ctx context.Context) error {
	for in.markers[in.curEpoch] == in.expectedMarkers {
		e := in.curEpoch

		if in.op != nil {
			flush, err := in.op.AdvanceFrontier(e)
			if err != nil {
				return in.sched.fail(in.node.ID, e, err)
			}
			if flush != nil && !flush.IsZero() {
				if err := in.emit(ctx, zset.BatchFromZSet(e, flush)); err != nil {
					return err
				}
			}
		}

		// all outputs for e are out: release the barrier downstream
		if err := in.forwardMarker(ctx, e); err != nil {
			return err
		}
		if err := in.sched.shardDone(ctx, in, e); err != nil {
			return err
		}

		delete(in.markers, e)
		in.curEpoch = e.Next()

		buffered := in.pending[in.curEpoch]
		delete(in.pending, in.curEpoch)
		for _, pb := range buffered {
			if err := in.apply(ctx, pb.input, pb.batch); err != nil {
				return err
			}
		}
	}
	return nil
}

// emit fans a batch out along every outbound edge, partitioning rows by key
// hash for sharded consumers. Empty partitions are not sent; markers carry
// epoch alignment. A full downstream queue blocks here: that is the
// backpressure suspension point.
func (in *instance) emit(ctx context.Context, batch *zset.Batch) error {
	if batch.IsEmpty() {
		return nil
	}
	for _, e := range in.outEdges {
		if len(e.chans) == 1 {
			msg := message{input: e.input, batch: batch, epoch: batch.Epoch}
			if err := send(ctx, e.chans[0], msg); err != nil {
				return err
			}
			continue
		}
		for i, part := range e.router.Partition(batch) {
			if part.IsEmpty() {
				continue
			}
			msg := message{input: e.input, batch: part, epoch: batch.Epoch}
			if err := send(ctx, e.chans[i], msg); err != nil {
				return err
			}
		}
	}
	return nil
}

func (in *instance) forwardMarker(ctx context.Context, e epoch.Epoch) error {
	for _, edge := range in.outEdges {
		for _, ch := range edge.chans {
			if err := send(ctx, ch, message{input: edge.input, marker: true, epoch: e}); err != nil {
				return err
			}
		}
	}
	return nil
}

func send(ctx context.Context, ch chan message, msg message) error {
	select {
	case ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
