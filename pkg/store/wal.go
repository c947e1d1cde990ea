package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/deltaflow-io/deltaflow/pkg/epoch"
	"github.com/deltaflow-io/deltaflow/pkg/zset"
)

// WALEntry is one logged ingestion: the rows a source delivered under a
// per-source sequence number, assigned to an epoch.
type WALEntry struct {
	Source string
	Seq    uint64
	Epoch  epoch.Epoch
	Rows   []zset.Row
}

// AppendWAL logs an ingested batch. Appending the same (source, seq) twice is
// a no-op, which makes re-delivery after a crash harmless.
func (s *Store) AppendWAL(ctx context.Context, entry WALEntry) error {
	payload, err := json.Marshal(entry.Rows)
	if err != nil {
		return fmt.Errorf("failed to encode WAL rows: %w", err)
	}

	query := `
		INSERT INTO wal (source, seq, epoch, rows)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (source, seq) DO NOTHING
	`
	if _, err := s.db.ExecContext(ctx, query,
		entry.Source, int64(entry.Seq), int64(entry.Epoch), payload); err != nil {
		return fmt.Errorf("failed to append WAL entry: %w", err)
	}
	return nil
}

// ReplayWAL streams entries with epoch at or above from, ordered by epoch
// then source then sequence, to fn. Replay stops at the first error.
func (s *Store) ReplayWAL(ctx context.Context, from epoch.Epoch, fn func(WALEntry) error) error {
	query := `
		SELECT source, seq, epoch, rows
		FROM wal
		WHERE epoch >= ?
		ORDER BY epoch ASC, source ASC, seq ASC
	`
	rows, err := s.db.QueryContext(ctx, query, int64(from))
	if err != nil {
		return fmt.Errorf("failed to read WAL: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			entry   WALEntry
			seq, ep int64
			payload []byte
		)
		if err := rows.Scan(&entry.Source, &seq, &ep, &payload); err != nil {
			return fmt.Errorf("failed to scan WAL entry: %w", err)
		}
		entry.Seq = uint64(seq)
		entry.Epoch = epoch.Epoch(ep)
		if err := json.Unmarshal(payload, &entry.Rows); err != nil {
			return fmt.Errorf("failed to decode WAL rows for %s/%d: %w", entry.Source, entry.Seq, err)
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating WAL: %w", err)
	}
	return nil
}

// LastSeq returns the highest logged sequence number of a source, with found
// reporting whether the source has any entries.
func (s *Store) LastSeq(ctx context.Context, source string) (uint64, bool, error) {
	var seq sql.NullInt64
	query := `SELECT MAX(seq) FROM wal WHERE source = ?`
	if err := s.db.QueryRowContext(ctx, query, source).Scan(&seq); err != nil {
		return 0, false, fmt.Errorf("failed to read last sequence of %q: %w", source, err)
	}
	if !seq.Valid {
		return 0, false, nil
	}
	return uint64(seq.Int64), true, nil
}

// LastEpoch returns the highest epoch present in the WAL, with found
// reporting whether the log is non-empty.
func (s *Store) LastEpoch(ctx context.Context) (epoch.Epoch, bool, error) {
	var ep sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(epoch) FROM wal`).Scan(&ep); err != nil {
		return 0, false, fmt.Errorf("failed to read last WAL epoch: %w", err)
	}
	if !ep.Valid {
		return 0, false, nil
	}
	return epoch.Epoch(ep.Int64), true, nil
}

// PruneWAL deletes entries at or below the given epoch. Safe once a snapshot
// covering that epoch exists.
func (s *Store) PruneWAL(ctx context.Context, upTo epoch.Epoch) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM wal WHERE epoch <= ?`, int64(upTo))
	if err != nil {
		return 0, fmt.Errorf("failed to prune WAL: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n, nil
}
