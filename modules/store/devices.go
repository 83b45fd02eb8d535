package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"github.com/fieldgate/fieldgate/pkg/model"
)

// CreateDevice validates and inserts a device, filling in its id.
func (s *Store) CreateDevice(ctx context.Context, d *model.Device) error {
	if d.Alias == "" {
		return fmt.Errorf("device alias must not be empty")
	}
	if err := d.Protocol.Validate(); err != nil {
		return err
	}
	if err := d.WordOrder.Validate(); err != nil {
		return err
	}
	if d.Host == "" {
		d.Host = "127.0.0.1"
	}
	if d.Port == 0 {
		d.Port = 502
	}
	if d.Port < 1 || d.Port > 65535 {
		return fmt.Errorf("device port %d out of range", d.Port)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO devices (alias, host, port, protocol, word_order, op_timeout_ms, is_active)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.Alias, d.Host, d.Port, string(d.Protocol), string(d.WordOrder),
		d.OpTimeout.Milliseconds(), d.IsActive)
	if err != nil {
		return fmt.Errorf("insert device: %w", err)
	}
	d.ID, err = res.LastInsertId()
	return err
}

// DeviceByAlias loads one device without its tags.
func (s *Store) DeviceByAlias(ctx context.Context, alias string) (*model.Device, error) {
	var row deviceRow
	err := s.db.GetContext(ctx, &row, `SELECT * FROM devices WHERE alias = ?`, alias)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select device: %w", err)
	}
	return row.toModel(), nil
}

// ListDevices returns all devices ordered by alias, without tags.
func (s *Store) ListDevices(ctx context.Context) ([]*model.Device, error) {
	var rows []deviceRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT * FROM devices ORDER BY alias`); err != nil {
		return nil, fmt.Errorf("select devices: %w", err)
	}
	out := make([]*model.Device, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// SetDeviceActive flips a device's active flag.
func (s *Store) SetDeviceActive(ctx context.Context, deviceID int64, active bool) error {
	res, err := s.db.ExecContext(ctx, `UPDATE devices SET is_active = ? WHERE id = ?`, active, deviceID)
	if err != nil {
		return fmt.Errorf("update device: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteDevice removes a device and, by cascade, everything it owns.
func (s *Store) DeleteDevice(ctx context.Context, deviceID int64) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, deviceID)
	return err
}

// ActiveDevices snapshots all active devices with their active tags eagerly
// loaded. Called once per tick.
func (s *Store) ActiveDevices(ctx context.Context) ([]*model.Device, error) {
	var devRows []deviceRow
	if err := s.db.SelectContext(ctx, &devRows,
		`SELECT * FROM devices WHERE is_active = 1 ORDER BY alias`); err != nil {
		return nil, fmt.Errorf("select active devices: %w", err)
	}
	if len(devRows) == 0 {
		return nil, nil
	}

	devices := make([]*model.Device, 0, len(devRows))
	byID := make(map[int64]*model.Device, len(devRows))
	ids := make([]int64, 0, len(devRows))
	for _, r := range devRows {
		d := r.toModel()
		devices = append(devices, d)
		byID[d.ID] = d
		ids = append(ids, d.ID)
	}

	query, args, err := sq.Select("*").From("tags").
		Where(sq.Eq{"is_active": true, "device_id": ids}).
		OrderBy("device_id", "address").
		ToSql()
	if err != nil {
		return nil, err
	}
	var tagRows []tagRow
	if err := s.db.SelectContext(ctx, &tagRows, query, args...); err != nil {
		return nil, fmt.Errorf("select active tags: %w", err)
	}
	for _, r := range tagRows {
		t, err := r.toModel()
		if err != nil {
			return nil, err
		}
		if d, ok := byID[t.DeviceID]; ok {
			d.Tags = append(d.Tags, t)
		}
	}
	return devices, nil
}
