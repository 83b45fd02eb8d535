package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/fieldgate/fieldgate/pkg/model"
)

// CommitTick applies everything one tick produced in a single transaction.
// The poller drops the tick's in-memory changes when this fails; nothing is
// published to subscribers for a tick the store did not accept.
func (s *Store) CommitTick(ctx context.Context, batch *model.TickBatch) error {
	if batch.Empty() {
		return nil
	}
	start := time.Now()

	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		if err := applyValueUpdates(ctx, tx, batch); err != nil {
			return err
		}
		if err := applyHistory(ctx, tx, batch); err != nil {
			return err
		}
		if err := applyAlarmTransitions(ctx, tx, batch); err != nil {
			return err
		}
		if err := applyWriteDispositions(ctx, tx, batch); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		metricCommitFailures.Inc()
		return fmt.Errorf("commit tick: %w", err)
	}

	metricCommitDuration.Observe(time.Since(start).Seconds())
	metricRowsWritten.WithLabelValues("tag_values").Add(float64(len(batch.ValueUpdates) + len(batch.ReadTouches)))
	metricRowsWritten.WithLabelValues("history").Add(float64(len(batch.History)))
	metricRowsWritten.WithLabelValues("alarms").Add(float64(len(batch.Activations) + len(batch.Deactivations)))
	metricRowsWritten.WithLabelValues("write_requests").Add(float64(len(batch.WriteDispositions)))
	return nil
}

func applyValueUpdates(ctx context.Context, tx *sqlx.Tx, batch *model.TickBatch) error {
	for _, u := range batch.ValueUpdates {
		payload, err := nullableValueJSON(u.Value)
		if err != nil {
			return fmt.Errorf("tag %d value: %w", u.TagID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE tags SET current_value = ?, last_updated = ? WHERE id = ?`,
			payload, u.ReadAt.UTC(), u.TagID); err != nil {
			return fmt.Errorf("update tag %d: %w", u.TagID, err)
		}
	}
	for _, id := range batch.ReadTouches {
		if _, err := tx.ExecContext(ctx,
			`UPDATE tags SET last_updated = ? WHERE id = ?`,
			batch.Time.UTC(), id); err != nil {
			return fmt.Errorf("touch tag %d: %w", id, err)
		}
	}
	return nil
}

func applyHistory(ctx context.Context, tx *sqlx.Tx, batch *model.TickBatch) error {
	for _, e := range batch.History {
		payload, err := nullableValueJSON(e.Value)
		if err != nil {
			return fmt.Errorf("history for tag %d: %w", e.TagID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO tag_history_entries (tag_id, timestamp, value) VALUES (?, ?, ?)`,
			e.TagID, e.Timestamp.UTC(), payload); err != nil {
			return fmt.Errorf("insert history for tag %d: %w", e.TagID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE tags SET last_history_at = ? WHERE id = ?`,
			e.Timestamp.UTC(), e.TagID); err != nil {
			return fmt.Errorf("advance last_history_at for tag %d: %w", e.TagID, err)
		}
	}
	return nil
}

// applyAlarmTransitions closes rows before opening new ones so the partial
// unique index on active alarms never sees two active rows for one tag.
func applyAlarmTransitions(ctx context.Context, tx *sqlx.Tx, batch *model.TickBatch) error {
	for _, d := range batch.Deactivations {
		if _, err := tx.ExecContext(ctx,
			`UPDATE activated_alarms SET is_active = 0, resolved_at = ? WHERE id = ?`,
			d.ResolvedAt.UTC(), d.AlarmID); err != nil {
			return fmt.Errorf("deactivate alarm %d: %w", d.AlarmID, err)
		}
	}
	for _, a := range batch.Activations {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO activated_alarms (config_id, tag_id, timestamp, is_active) VALUES (?, ?, ?, 1)`,
			a.ConfigID, a.TagID, a.Timestamp.UTC()); err != nil {
			return fmt.Errorf("activate alarm config %d: %w", a.ConfigID, err)
		}
	}
	for _, n := range batch.Notified {
		if _, err := tx.ExecContext(ctx,
			`UPDATE alarm_configs SET last_notified = ? WHERE id = ?`,
			n.At.UTC(), n.ConfigID); err != nil {
			return fmt.Errorf("advance last_notified for config %d: %w", n.ConfigID, err)
		}
	}
	return nil
}

func applyWriteDispositions(ctx context.Context, tx *sqlx.Tx, batch *model.TickBatch) error {
	for _, d := range batch.WriteDispositions {
		if _, err := tx.ExecContext(ctx,
			`UPDATE tag_write_requests SET processed = 1, result = ? WHERE id = ?`,
			string(d.Result), d.RequestID); err != nil {
			return fmt.Errorf("dispose write request %d: %w", d.RequestID, err)
		}
	}
	return nil
}
