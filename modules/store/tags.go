package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/fieldgate/fieldgate/pkg/modbus"
	"github.com/fieldgate/fieldgate/pkg/model"
	"github.com/fieldgate/fieldgate/pkg/value"
)

func validateTag(t *model.Tag) error {
	if t.Alias == "" {
		return fmt.Errorf("tag alias must not be empty")
	}
	if err := t.Channel.Validate(); err != nil {
		return err
	}
	if err := t.DataType.Validate(); err != nil {
		return err
	}
	if t.ReadAmount < 1 {
		return fmt.Errorf("tag read_amount must be at least 1")
	}
	if t.Channel.IsBit() && t.DataType != model.TypeBool {
		return fmt.Errorf("channel %s carries bits; data type %s is not valid on it", t.Channel, t.DataType)
	}
	if t.BitIndex != nil {
		if t.DataType != model.TypeBool || !t.Channel.IsRegister() {
			return fmt.Errorf("bit_index is only valid for bool tags on register channels")
		}
		if *t.BitIndex > 15 {
			return fmt.Errorf("bit_index %d out of range [0,15]", *t.BitIndex)
		}
	}
	rc := t.ReadCount()
	if t.Channel.IsRegister() && rc > modbus.MaxReadRegs {
		return fmt.Errorf("tag spans %d registers, above the %d per-read protocol limit", rc, modbus.MaxReadRegs)
	}
	if t.Channel.IsBit() && rc > modbus.MaxReadBits {
		return fmt.Errorf("tag spans %d bits, above the %d per-read protocol limit", rc, modbus.MaxReadBits)
	}
	if int(t.Address)+rc > 0x10000 {
		return fmt.Errorf("tag span [%d,%d) runs past the address space", t.Address, int(t.Address)+rc)
	}
	if t.HistoryRetention > 0 && t.HistoryInterval <= 0 {
		return fmt.Errorf("history_interval must be positive when history is retained")
	}
	return nil
}

// overlaps reports whether two tags occupy conflicting wire ranges. Two
// bit-indexed booleans may share words freely.
func overlaps(a, b *model.Tag) bool {
	aStart, aEnd := int(a.Address), int(a.Address)+a.ReadCount()
	bStart, bEnd := int(b.Address), int(b.Address)+b.ReadCount()
	if aEnd <= bStart || bEnd <= aStart {
		return false
	}
	if a.IsBitIndexed() && b.IsBitIndexed() {
		return false
	}
	return true
}

// CreateTag validates the tag, enforces the range-overlap invariant against
// its siblings and inserts it, filling in id and external id.
func (s *Store) CreateTag(ctx context.Context, t *model.Tag) error {
	if err := validateTag(t); err != nil {
		return err
	}
	if t.ExternalID == uuid.Nil {
		t.ExternalID = uuid.New()
	}

	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var siblings []tagRow
		err := tx.SelectContext(ctx, &siblings,
			`SELECT * FROM tags WHERE device_id = ? AND channel = ? AND unit_id = ?`,
			t.DeviceID, string(t.Channel), t.UnitID)
		if err != nil {
			return fmt.Errorf("select siblings: %w", err)
		}
		for _, row := range siblings {
			sib, err := row.toModel()
			if err != nil {
				return err
			}
			if overlaps(t, sib) {
				return fmt.Errorf("tag %q overlaps tag %q on %s unit %d at [%d,%d)",
					t.Alias, sib.Alias, t.Channel, t.UnitID, sib.Address, int(sib.Address)+sib.ReadCount())
			}
		}

		current, err := nullableValueJSON(t.CurrentValue)
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO tags (device_id, external_id, alias, unit_id, channel, data_type, address,
			                   bit_index, read_amount, restricted_write, history_interval_ms,
			                   history_retention_ms, current_value, last_updated, last_history_at, is_active)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.DeviceID, t.ExternalID, t.Alias, t.UnitID, string(t.Channel), string(t.DataType),
			t.Address, t.BitIndex, t.ReadAmount, t.RestrictedWrite,
			t.HistoryInterval.Milliseconds(), t.HistoryRetention.Milliseconds(),
			current, t.LastUpdated, t.LastHistoryAt, t.IsActive)
		if err != nil {
			return fmt.Errorf("insert tag: %w", err)
		}
		t.ID, err = res.LastInsertId()
		return err
	})
}

// nullableValueJSON keeps never-read tags as SQL NULL instead of JSON null.
func nullableValueJSON(v value.Value) (interface{}, error) {
	if v.IsNull() {
		return nil, nil
	}
	return valueJSON(v)
}

// TagByExternalID loads one tag.
func (s *Store) TagByExternalID(ctx context.Context, id uuid.UUID) (*model.Tag, error) {
	var row tagRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM tags WHERE external_id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select tag: %w", err)
	}
	return row.toModel()
}

// TagByID loads one tag.
func (s *Store) TagByID(ctx context.Context, id int64) (*model.Tag, error) {
	var row tagRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM tags WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select tag: %w", err)
	}
	return row.toModel()
}

// ListTags returns a device's tags ordered by address; deviceID 0 lists all.
func (s *Store) ListTags(ctx context.Context, deviceID int64) ([]*model.Tag, error) {
	q := sq.Select("*").From("tags").OrderBy("device_id", "unit_id", "address")
	if deviceID != 0 {
		q = q.Where(sq.Eq{"device_id": deviceID})
	}
	query, args, err := q.ToSql()
	if err != nil {
		return nil, err
	}
	var rows []tagRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select tags: %w", err)
	}
	out := make([]*model.Tag, 0, len(rows))
	for _, r := range rows {
		t, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// EnqueueWrite inserts a pending write request for a tag.
func (s *Store) EnqueueWrite(ctx context.Context, tagID int64, v value.Value, at time.Time) (int64, error) {
	payload, err := valueJSON(v)
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tag_write_requests (tag_id, value, timestamp, processed) VALUES (?, ?, ?, 0)`,
		tagID, payload, at.UTC())
	if err != nil {
		return 0, fmt.Errorf("insert write request: %w", err)
	}
	return res.LastInsertId()
}

// WriteRequestByID loads one write request, without its tag.
func (s *Store) WriteRequestByID(ctx context.Context, id int64) (*model.TagWriteRequest, error) {
	var row writeRequestRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM tag_write_requests WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select write request: %w", err)
	}
	return row.toModel()
}

// PendingWriteRequests returns a device's unprocessed writes in submission
// order, tags joined in.
func (s *Store) PendingWriteRequests(ctx context.Context, deviceID int64) ([]*model.TagWriteRequest, error) {
	query, args, err := sq.Select("r.*").
		From("tag_write_requests r").
		Join("tags t ON t.id = r.tag_id").
		Where(sq.Eq{"r.processed": false, "t.device_id": deviceID}).
		OrderBy("r.id").
		ToSql()
	if err != nil {
		return nil, err
	}
	var rows []writeRequestRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select pending writes: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	tagIDs := make([]int64, 0, len(rows))
	for _, r := range rows {
		tagIDs = append(tagIDs, r.TagID)
	}
	query, args, err = sq.Select("*").From("tags").Where(sq.Eq{"id": tagIDs}).ToSql()
	if err != nil {
		return nil, err
	}
	var tagRows []tagRow
	if err := s.db.SelectContext(ctx, &tagRows, query, args...); err != nil {
		return nil, fmt.Errorf("select write targets: %w", err)
	}
	tags := make(map[int64]*model.Tag, len(tagRows))
	for _, r := range tagRows {
		t, err := r.toModel()
		if err != nil {
			return nil, err
		}
		tags[t.ID] = t
	}

	out := make([]*model.TagWriteRequest, 0, len(rows))
	for _, r := range rows {
		req, err := r.toModel()
		if err != nil {
			return nil, err
		}
		req.Tag = tags[req.TagID]
		out = append(out, req)
	}
	return out, nil
}

// HistoryForTag returns the most recent history entries, newest first.
func (s *Store) HistoryForTag(ctx context.Context, tagID int64, limit int) ([]model.TagHistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var rows []historyRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM tag_history_entries WHERE tag_id = ? ORDER BY timestamp DESC, id DESC LIMIT ?`,
		tagID, limit)
	if err != nil {
		return nil, fmt.Errorf("select history: %w", err)
	}
	out := make([]model.TagHistoryEntry, 0, len(rows))
	for _, r := range rows {
		e, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}
