// Package shard routes rows to shards by key hash. Each shard of a stateful
// operator is exclusively owned by one worker; shards never share mutable
// state, they only exchange delta batches.
package shard

import (
	"fmt"

	"github.com/cespare/xxhash/v2"

	"github.com/deltaflow-io/deltaflow/pkg/zset"
)

// Router assigns keys to a fixed number of shards.
type Router struct {
	shards int
}

// NewRouter creates a router over the given shard count.
func NewRouter(shards int) (*Router, error) {
	if shards < 1 {
		return nil, fmt.Errorf("invalid shard count %d", shards)
	}
	return &Router{shards: shards}, nil
}

// Shards returns the shard count.
func (r *Router) Shards() int { return r.shards }

// Route returns the owning shard of a key.
func (r *Router) Route(key string) int {
	if r.shards == 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(r.shards))
}

// Partition splits the rows of a batch by owning shard. The result has one
// batch per shard; shards with no rows get an empty batch so epoch markers
// stay aligned across the shard set.
func (r *Router) Partition(batch *zset.Batch) []*zset.Batch {
	parts := make([]*zset.Batch, r.shards)
	for i := range parts {
		parts[i] = zset.NewBatch(batch.Epoch)
	}
	for _, row := range batch.Rows {
		s := r.Route(row.Key)
		parts[s].Rows = append(parts[s].Rows, row)
	}
	return parts
}
