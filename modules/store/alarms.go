package store

import (
	"context"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"github.com/fieldgate/fieldgate/pkg/model"
)

// CreateAlarmConfig validates and inserts an alarm config, filling in id and
// external id.
func (s *Store) CreateAlarmConfig(ctx context.Context, c *model.AlarmConfig) error {
	if err := c.Operator.Validate(); err != nil {
		return err
	}
	if err := c.ThreatLevel.Validate(); err != nil {
		return err
	}
	if c.TriggerValue.IsNull() {
		return fmt.Errorf("alarm config trigger_value must not be null")
	}
	if c.NotificationCooldown < 0 {
		return fmt.Errorf("alarm config notification_cooldown must not be negative")
	}
	if c.ExternalID == uuid.Nil {
		c.ExternalID = uuid.New()
	}

	trigger, err := valueJSON(c.TriggerValue)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO alarm_configs (tag_id, external_id, alias, message, operator, trigger_value,
		                            threat_level, enabled, notification_cooldown_ms, last_notified)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		c.TagID, c.ExternalID, c.Alias, c.Message, string(c.Operator), trigger,
		string(c.ThreatLevel), c.Enabled, c.NotificationCooldown.Milliseconds(), c.LastNotified)
	if err != nil {
		return fmt.Errorf("insert alarm config: %w", err)
	}
	c.ID, err = res.LastInsertId()
	return err
}

// EnabledAlarmConfigs returns the enabled configs bound to the given tags.
func (s *Store) EnabledAlarmConfigs(ctx context.Context, tagIDs []int64) ([]*model.AlarmConfig, error) {
	if len(tagIDs) == 0 {
		return nil, nil
	}
	query, args, err := sq.Select("*").From("alarm_configs").
		Where(sq.Eq{"enabled": true, "tag_id": tagIDs}).
		OrderBy("tag_id", "id").
		ToSql()
	if err != nil {
		return nil, err
	}
	var rows []alarmConfigRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select alarm configs: %w", err)
	}
	out := make([]*model.AlarmConfig, 0, len(rows))
	for _, r := range rows {
		c, err := r.toModel()
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// ActiveAlarmsByTag returns the currently active alarm per tag, for the given
// tags. The schema guarantees at most one each.
func (s *Store) ActiveAlarmsByTag(ctx context.Context, tagIDs []int64) (map[int64]*model.ActivatedAlarm, error) {
	if len(tagIDs) == 0 {
		return map[int64]*model.ActivatedAlarm{}, nil
	}
	query, args, err := sq.Select("*").From("activated_alarms").
		Where(sq.Eq{"is_active": true, "tag_id": tagIDs}).
		ToSql()
	if err != nil {
		return nil, err
	}
	var rows []activatedAlarmRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("select active alarms: %w", err)
	}
	out := make(map[int64]*model.ActivatedAlarm, len(rows))
	for _, r := range rows {
		out[r.TagID] = r.toModel()
	}
	return out, nil
}

// ActivatedAlarmsForTag returns a tag's alarm rows, newest first.
func (s *Store) ActivatedAlarmsForTag(ctx context.Context, tagID int64) ([]*model.ActivatedAlarm, error) {
	var rows []activatedAlarmRow
	err := s.db.SelectContext(ctx, &rows,
		`SELECT * FROM activated_alarms WHERE tag_id = ? ORDER BY timestamp DESC, id DESC`, tagID)
	if err != nil {
		return nil, fmt.Errorf("select activated alarms: %w", err)
	}
	out := make([]*model.ActivatedAlarm, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// AcknowledgeAlarm marks an alarm row acknowledged. Acknowledging does not
// deactivate; only the evaluator resolves alarms.
func (s *Store) AcknowledgeAlarm(ctx context.Context, alarmID int64, who string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE activated_alarms SET acknowledged = 1, acknowledged_at = ?, acknowledged_by = ?
		 WHERE id = ? AND acknowledged = 0`,
		at.UTC(), who, alarmID)
	if err != nil {
		return fmt.Errorf("acknowledge alarm: %w", err)
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

// CreateSubscription registers a notification recipient for an alarm config.
func (s *Store) CreateSubscription(ctx context.Context, sub *model.AlarmSubscription) error {
	if sub.Email == "" {
		return fmt.Errorf("subscription email must not be empty")
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO alarm_subscriptions (config_id, email, enabled) VALUES (?, ?, ?)`,
		sub.ConfigID, sub.Email, sub.Enabled)
	if err != nil {
		return fmt.Errorf("insert subscription: %w", err)
	}
	sub.ID, err = res.LastInsertId()
	return err
}

// RecipientsByConfig returns enabled recipient emails grouped by config.
func (s *Store) RecipientsByConfig(ctx context.Context, configIDs []int64) (map[int64][]string, error) {
	if len(configIDs) == 0 {
		return map[int64][]string{}, nil
	}
	query, args, err := sq.Select("config_id", "email").From("alarm_subscriptions").
		Where(sq.Eq{"enabled": true, "config_id": configIDs}).
		OrderBy("config_id", "email").
		ToSql()
	if err != nil {
		return nil, err
	}
	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("select subscriptions: %w", err)
	}
	defer rows.Close()

	out := map[int64][]string{}
	for rows.Next() {
		var configID int64
		var email string
		if err := rows.Scan(&configID, &email); err != nil {
			return nil, err
		}
		out[configID] = append(out[configID], email)
	}
	return out, rows.Err()
}
