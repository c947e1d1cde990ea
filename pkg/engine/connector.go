package engine

import (
	"context"

	"github.com/deltaflow-io/deltaflow/pkg/epoch"
	"github.com/deltaflow-io/deltaflow/pkg/zset"
)

// ConnectorMode describes how a source delivers data.
type ConnectorMode int

const (
	// ModeStatic sources deliver a finite collection and then end the
	// stream; the whole input is typically ingested within one epoch.
	ModeStatic ConnectorMode = iota
	// ModeStreaming sources deliver an unbounded stream of deltas across
	// many epochs.
	ModeStreaming
)

func (m ConnectorMode) String() string {
	if m == ModeStatic {
		return "static"
	}
	return "streaming"
}

// Source is the ingestion side of a connector. Implementations retry
// transient I/O themselves; an error returned from Read is treated as fatal
// for the connector. Read returns io.EOF to end the stream.
type Source interface {
	ID() string
	Mode() ConnectorMode
	Read(ctx context.Context) ([]zset.Row, error)
}

// Sink receives the output delta of each globally closed epoch, in epoch
// order. Write must make the delta durable before returning: the engine
// treats the return as the acknowledgment that lets the persisted low-water
// frontier advance past the epoch.
type Sink interface {
	ID() string
	Write(ctx context.Context, e epoch.Epoch, delta *zset.ZSet) error
}

// SchemaValidator checks an ingested row before it is admitted. A validation
// failure is fatal for the source it is attached to, other sources keep
// running.
type SchemaValidator func(row zset.Row) error
