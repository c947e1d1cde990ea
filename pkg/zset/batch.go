package zset

import (
	"fmt"

	"github.com/deltaflow-io/deltaflow/pkg/epoch"
)

// Batch is an atomic set of signed rows sharing one epoch, the unit of
// propagation between operators.
type Batch struct {
	Epoch epoch.Epoch `json:"epoch"`
	Rows  []Row       `json:"rows"`
}

// NewBatch creates a batch at the given epoch.
func NewBatch(e epoch.Epoch, rows ...Row) *Batch {
	return &Batch{Epoch: e, Rows: rows}
}

// ToZSet accumulates the batch rows into a Z-set.
func (b *Batch) ToZSet() (*ZSet, error) {
	z, err := FromRows(b.Rows)
	if err != nil {
		return nil, fmt.Errorf("failed to accumulate batch at %s: %w", b.Epoch, err)
	}
	return z, nil
}

// BatchFromZSet converts a Z-set into a batch at the given epoch, one row per
// distinct entry with the accumulated multiplicity as sign.
func BatchFromZSet(e epoch.Epoch, z *ZSet) *Batch {
	return &Batch{Epoch: e, Rows: z.Rows()}
}

// IsEmpty reports whether the batch carries no rows.
func (b *Batch) IsEmpty() bool { return len(b.Rows) == 0 }

func (b *Batch) String() string {
	return fmt.Sprintf("batch@%s(%d rows)", b.Epoch, len(b.Rows))
}
