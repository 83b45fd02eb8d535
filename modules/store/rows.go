package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/fieldgate/fieldgate/pkg/model"
	"github.com/fieldgate/fieldgate/pkg/value"
)

// Row structs mirror table shapes; converters keep pkg/model free of
// database concerns. Durations travel as milliseconds, values as JSON text.

type deviceRow struct {
	ID          int64  `db:"id"`
	Alias       string `db:"alias"`
	Host        string `db:"host"`
	Port        int    `db:"port"`
	Protocol    string `db:"protocol"`
	WordOrder   string `db:"word_order"`
	OpTimeoutMS int64  `db:"op_timeout_ms"`
	IsActive    bool   `db:"is_active"`
}

func (r deviceRow) toModel() *model.Device {
	return &model.Device{
		ID:        r.ID,
		Alias:     r.Alias,
		Host:      r.Host,
		Port:      r.Port,
		Protocol:  model.Protocol(r.Protocol),
		WordOrder: model.WordOrder(r.WordOrder),
		OpTimeout: time.Duration(r.OpTimeoutMS) * time.Millisecond,
		IsActive:  r.IsActive,
	}
}

type tagRow struct {
	ID                 int64      `db:"id"`
	DeviceID           int64      `db:"device_id"`
	ExternalID         uuid.UUID  `db:"external_id"`
	Alias              string     `db:"alias"`
	UnitID             uint8      `db:"unit_id"`
	Channel            string     `db:"channel"`
	DataType           string     `db:"data_type"`
	Address            uint16     `db:"address"`
	BitIndex           *uint8     `db:"bit_index"`
	ReadAmount         int        `db:"read_amount"`
	RestrictedWrite    bool       `db:"restricted_write"`
	HistoryIntervalMS  int64      `db:"history_interval_ms"`
	HistoryRetentionMS int64      `db:"history_retention_ms"`
	CurrentValue       *string    `db:"current_value"`
	LastUpdated        *time.Time `db:"last_updated"`
	LastHistoryAt      *time.Time `db:"last_history_at"`
	IsActive           bool       `db:"is_active"`
}

func (r tagRow) toModel() (*model.Tag, error) {
	current := value.Null()
	if r.CurrentValue != nil {
		var err error
		current, err = value.FromJSON([]byte(*r.CurrentValue))
		if err != nil {
			return nil, fmt.Errorf("tag %d current_value: %w", r.ID, err)
		}
	}
	return &model.Tag{
		ID:               r.ID,
		DeviceID:         r.DeviceID,
		ExternalID:       r.ExternalID,
		Alias:            r.Alias,
		UnitID:           r.UnitID,
		Channel:          model.Channel(r.Channel),
		DataType:         model.DataType(r.DataType),
		Address:          r.Address,
		BitIndex:         r.BitIndex,
		ReadAmount:       r.ReadAmount,
		RestrictedWrite:  r.RestrictedWrite,
		HistoryInterval:  time.Duration(r.HistoryIntervalMS) * time.Millisecond,
		HistoryRetention: time.Duration(r.HistoryRetentionMS) * time.Millisecond,
		CurrentValue:     current,
		LastUpdated:      r.LastUpdated,
		LastHistoryAt:    r.LastHistoryAt,
		IsActive:         r.IsActive,
	}, nil
}

type writeRequestRow struct {
	ID        int64     `db:"id"`
	TagID     int64     `db:"tag_id"`
	Value     string    `db:"value"`
	Timestamp time.Time `db:"timestamp"`
	Processed bool      `db:"processed"`
	Result    *string   `db:"result"`
}

func (r writeRequestRow) toModel() (*model.TagWriteRequest, error) {
	v, err := value.FromJSON([]byte(r.Value))
	if err != nil {
		return nil, fmt.Errorf("write request %d value: %w", r.ID, err)
	}
	req := &model.TagWriteRequest{
		ID:        r.ID,
		TagID:     r.TagID,
		Value:     v,
		Timestamp: r.Timestamp,
		Processed: r.Processed,
	}
	if r.Result != nil {
		req.Result = model.WriteResult(*r.Result)
	}
	return req, nil
}

type historyRow struct {
	ID        int64     `db:"id"`
	TagID     int64     `db:"tag_id"`
	Timestamp time.Time `db:"timestamp"`
	Value     *string   `db:"value"`
}

func (r historyRow) toModel() (model.TagHistoryEntry, error) {
	v := value.Null()
	if r.Value != nil {
		var err error
		v, err = value.FromJSON([]byte(*r.Value))
		if err != nil {
			return model.TagHistoryEntry{}, fmt.Errorf("history entry %d value: %w", r.ID, err)
		}
	}
	return model.TagHistoryEntry{ID: r.ID, TagID: r.TagID, Timestamp: r.Timestamp, Value: v}, nil
}

type alarmConfigRow struct {
	ID                     int64      `db:"id"`
	TagID                  int64      `db:"tag_id"`
	ExternalID             uuid.UUID  `db:"external_id"`
	Alias                  string     `db:"alias"`
	Message                string     `db:"message"`
	Operator               string     `db:"operator"`
	TriggerValue           string     `db:"trigger_value"`
	ThreatLevel            string     `db:"threat_level"`
	Enabled                bool       `db:"enabled"`
	NotificationCooldownMS int64      `db:"notification_cooldown_ms"`
	LastNotified           *time.Time `db:"last_notified"`
}

func (r alarmConfigRow) toModel() (*model.AlarmConfig, error) {
	trigger, err := value.FromJSON([]byte(r.TriggerValue))
	if err != nil {
		return nil, fmt.Errorf("alarm config %d trigger_value: %w", r.ID, err)
	}
	return &model.AlarmConfig{
		ID:                   r.ID,
		TagID:                r.TagID,
		ExternalID:           r.ExternalID,
		Alias:                r.Alias,
		Message:              r.Message,
		Operator:             model.Operator(r.Operator),
		TriggerValue:         trigger,
		ThreatLevel:          model.ThreatLevel(r.ThreatLevel),
		Enabled:              r.Enabled,
		NotificationCooldown: time.Duration(r.NotificationCooldownMS) * time.Millisecond,
		LastNotified:         r.LastNotified,
	}, nil
}

type activatedAlarmRow struct {
	ID             int64      `db:"id"`
	ConfigID       int64      `db:"config_id"`
	TagID          int64      `db:"tag_id"`
	Timestamp      time.Time  `db:"timestamp"`
	IsActive       bool       `db:"is_active"`
	ResolvedAt     *time.Time `db:"resolved_at"`
	Acknowledged   bool       `db:"acknowledged"`
	AcknowledgedAt *time.Time `db:"acknowledged_at"`
	AcknowledgedBy string     `db:"acknowledged_by"`
}

func (r activatedAlarmRow) toModel() *model.ActivatedAlarm {
	return &model.ActivatedAlarm{
		ID:             r.ID,
		ConfigID:       r.ConfigID,
		TagID:          r.TagID,
		Timestamp:      r.Timestamp,
		IsActive:       r.IsActive,
		ResolvedAt:     r.ResolvedAt,
		Acknowledged:   r.Acknowledged,
		AcknowledgedAt: r.AcknowledgedAt,
		AcknowledgedBy: r.AcknowledgedBy,
	}
}

// valueJSON renders a value for a TEXT column.
func valueJSON(v value.Value) (string, error) {
	b, err := v.MarshalJSON()
	if err != nil {
		return "", err
	}
	return string(b), nil
}
