package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/deltaflow-io/deltaflow/pkg/epoch"
)

// Snapshot is the full durable state of a dataflow at one closed epoch:
// every stateful operator shard's serialized state plus the last ingested
// sequence number of each source.
type Snapshot struct {
	Epoch      epoch.Epoch
	RunID      string
	SourceSeqs map[string]uint64
	Operators  map[string][][]byte // operator ID to per-shard state
}

// SaveSnapshot writes a snapshot in one transaction. A reader either sees the
// whole snapshot or none of it.
func (s *Store) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	seqs, err := json.Marshal(snap.SourceSeqs)
	if err != nil {
		return fmt.Errorf("failed to encode source sequences: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin snapshot transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshot_meta (epoch, run_id, source_seqs) VALUES (?, ?, ?)`,
		int64(snap.Epoch), snap.RunID, seqs); err != nil {
		return fmt.Errorf("failed to write snapshot metadata: %w", err)
	}

	for operator, shards := range snap.Operators {
		for shard, state := range shards {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO snapshots (epoch, operator, shard, state) VALUES (?, ?, ?, ?)`,
				int64(snap.Epoch), operator, shard, state); err != nil {
				return fmt.Errorf("failed to write snapshot state of %s/%d: %w", operator, shard, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit snapshot: %w", err)
	}
	return nil
}

// LoadLatestSnapshot returns the most recent snapshot, with found reporting
// whether one exists.
func (s *Store) LoadLatestSnapshot(ctx context.Context) (*Snapshot, bool, error) {
	var (
		ep    int64
		runID string
		seqs  []byte
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT epoch, run_id, source_seqs FROM snapshot_meta ORDER BY epoch DESC LIMIT 1`).
		Scan(&ep, &runID, &seqs)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read snapshot metadata: %w", err)
	}

	snap := &Snapshot{
		Epoch:     epoch.Epoch(ep),
		RunID:     runID,
		Operators: make(map[string][][]byte),
	}
	if err := json.Unmarshal(seqs, &snap.SourceSeqs); err != nil {
		return nil, false, fmt.Errorf("failed to decode source sequences: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT operator, shard, state FROM snapshots WHERE epoch = ? ORDER BY operator, shard`,
		ep)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read snapshot states: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			operator string
			shard    int
			state    []byte
		)
		if err := rows.Scan(&operator, &shard, &state); err != nil {
			return nil, false, fmt.Errorf("failed to scan snapshot state: %w", err)
		}
		shards := snap.Operators[operator]
		if shard != len(shards) {
			return nil, false, fmt.Errorf("snapshot at %s has non-contiguous shards for %s", snap.Epoch, operator)
		}
		snap.Operators[operator] = append(shards, state)
	}
	if err := rows.Err(); err != nil {
		return nil, false, fmt.Errorf("error iterating snapshot states: %w", err)
	}
	return snap, true, nil
}

// PruneSnapshots deletes every snapshot older than the latest one.
func (s *Store) PruneSnapshots(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin prune transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM snapshots WHERE epoch < (SELECT MAX(epoch) FROM snapshot_meta)`); err != nil {
		return fmt.Errorf("failed to prune snapshot states: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM snapshot_meta WHERE epoch < (SELECT MAX(epoch) FROM snapshot_meta)`); err != nil {
		return fmt.Errorf("failed to prune snapshot metadata: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit prune: %w", err)
	}
	return nil
}
