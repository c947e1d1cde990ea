package engine

import (
	"context"
	"io"
	"sync"

	"github.com/deltaflow-io/deltaflow/pkg/epoch"
	"github.com/deltaflow-io/deltaflow/pkg/zset"
)

// SliceSource is a static source delivering a fixed collection in one read.
type SliceSource struct {
	id   string
	rows []zset.Row
	done bool
}

// NewSliceSource creates a static source over the given rows.
func NewSliceSource(id string, rows []zset.Row) *SliceSource {
	return &SliceSource{id: id, rows: rows}
}

func (s *SliceSource) ID() string          { return s.id }
func (s *SliceSource) Mode() ConnectorMode { return ModeStatic }

func (s *SliceSource) Read(_ context.Context) ([]zset.Row, error) {
	if s.done {
		return nil, io.EOF
	}
	s.done = true
	return s.rows, nil
}

// ChannelSource is a streaming source fed through a channel. Closing the
// channel ends the stream.
type ChannelSource struct {
	id string
	ch <-chan []zset.Row
}

// NewChannelSource creates a streaming source reading from ch.
func NewChannelSource(id string, ch <-chan []zset.Row) *ChannelSource {
	return &ChannelSource{id: id, ch: ch}
}

func (s *ChannelSource) ID() string          { return s.id }
func (s *ChannelSource) Mode() ConnectorMode { return ModeStreaming }

func (s *ChannelSource) Read(ctx context.Context) ([]zset.Row, error) {
	select {
	case rows, ok := <-s.ch:
		if !ok {
			return nil, io.EOF
		}
		return rows, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// SinkBatch is one acknowledged epoch output held by a MemorySink.
type SinkBatch struct {
	Epoch epoch.Epoch
	Delta *zset.ZSet
}

// MemorySink collects acknowledged epoch outputs in memory.
type MemorySink struct {
	id string

	mu      sync.Mutex
	batches []SinkBatch
}

// NewMemorySink creates an in-memory sink connector.
func NewMemorySink(id string) *MemorySink {
	return &MemorySink{id: id}
}

func (s *MemorySink) ID() string { return s.id }

func (s *MemorySink) Write(_ context.Context, e epoch.Epoch, delta *zset.ZSet) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches = append(s.batches, SinkBatch{Epoch: e, Delta: delta.DeepCopy()})
	return nil
}

// Batches returns the outputs written so far, in epoch order.
func (s *MemorySink) Batches() []SinkBatch {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]SinkBatch, len(s.batches))
	copy(out, s.batches)
	return out
}
