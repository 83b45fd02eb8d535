package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// PruneHistory deletes history entries older than each tag's retention
// window. Runs off the tick path on the maintenance schedule; cutoffs are
// computed per tag so retention changes take effect on the next prune.
func (s *Store) PruneHistory(ctx context.Context, now time.Time) (int64, error) {
	type retentionRow struct {
		ID          int64 `db:"id"`
		RetentionMS int64 `db:"history_retention_ms"`
	}
	var tags []retentionRow
	if err := s.db.SelectContext(ctx, &tags,
		`SELECT id, history_retention_ms FROM tags WHERE history_retention_ms > 0`); err != nil {
		return 0, fmt.Errorf("select retention tags: %w", err)
	}
	if len(tags) == 0 {
		return 0, nil
	}

	var pruned int64
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, t := range tags {
			cutoff := now.Add(-time.Duration(t.RetentionMS) * time.Millisecond)
			res, err := tx.ExecContext(ctx,
				`DELETE FROM tag_history_entries WHERE tag_id = ? AND timestamp < ?`,
				t.ID, cutoff.UTC())
			if err != nil {
				return fmt.Errorf("prune history for tag %d: %w", t.ID, err)
			}
			n, _ := res.RowsAffected()
			pruned += n
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	metricHistoryPruned.Add(float64(pruned))
	return pruned, nil
}

// SweepStaleWrites expires write requests that sat unprocessed longer than
// the TTL, which keeps the queue bounded when a device never comes back.
func (s *Store) SweepStaleWrites(ctx context.Context, olderThan time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tag_write_requests SET processed = 1, result = 'expired' WHERE processed = 0 AND timestamp < ?`,
		olderThan.UTC())
	if err != nil {
		return 0, fmt.Errorf("sweep stale writes: %w", err)
	}
	swept, _ := res.RowsAffected()
	metricWritesSwept.Add(float64(swept))
	return swept, nil
}
