package store

import (
	"context"
	"flag"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldgate/fieldgate/pkg/model"
	"github.com/fieldgate/fieldgate/pkg/value"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	var cfg Config
	cfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("", flag.PanicOnError))
	cfg.Path = filepath.Join(t.TempDir(), "fieldgate.db")

	s, err := Open(cfg, log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func createDevice(t *testing.T, s *Store, alias string) *model.Device {
	t.Helper()
	d := &model.Device{
		Alias:     alias,
		Protocol:  model.ProtocolTCP,
		WordOrder: model.WordOrderBig,
		IsActive:  true,
	}
	require.NoError(t, s.CreateDevice(context.Background(), d))
	return d
}

func createTag(t *testing.T, s *Store, tag *model.Tag) *model.Tag {
	t.Helper()
	require.NoError(t, s.CreateTag(context.Background(), tag))
	return tag
}

func TestCreateDeviceDefaults(t *testing.T) {
	s := newTestStore(t)
	d := createDevice(t, s, "plc-1")

	got, err := s.DeviceByAlias(context.Background(), "plc-1")
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1", got.Host)
	assert.Equal(t, 502, got.Port)
	assert.Equal(t, d.ID, got.ID)

	_, err = s.DeviceByAlias(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCreateTagOverlap(t *testing.T) {
	s := newTestStore(t)
	d := createDevice(t, s, "plc-1")
	ctx := context.Background()

	createTag(t, s, &model.Tag{
		DeviceID: d.ID, Alias: "flow", Channel: model.ChannelHoldingRegister,
		DataType: model.TypeFloat32, Address: 10, ReadAmount: 1, UnitID: 1, IsActive: true,
	})

	// A float32 at 10 occupies [10,12); a uint16 at 11 collides.
	err := s.CreateTag(ctx, &model.Tag{
		DeviceID: d.ID, Alias: "clash", Channel: model.ChannelHoldingRegister,
		DataType: model.TypeUint16, Address: 11, ReadAmount: 1, UnitID: 1, IsActive: true,
	})
	require.Error(t, err)

	// Same range on another unit id is fine.
	createTag(t, s, &model.Tag{
		DeviceID: d.ID, Alias: "other-unit", Channel: model.ChannelHoldingRegister,
		DataType: model.TypeUint16, Address: 11, ReadAmount: 1, UnitID: 2, IsActive: true,
	})

	// Bit-indexed booleans may share one word.
	createTag(t, s, &model.Tag{
		DeviceID: d.ID, Alias: "bit-0", Channel: model.ChannelHoldingRegister,
		DataType: model.TypeBool, Address: 20, BitIndex: model.Bit(0), ReadAmount: 1, UnitID: 1, IsActive: true,
	})
	createTag(t, s, &model.Tag{
		DeviceID: d.ID, Alias: "bit-7", Channel: model.ChannelHoldingRegister,
		DataType: model.TypeBool, Address: 20, BitIndex: model.Bit(7), ReadAmount: 1, UnitID: 1, IsActive: true,
	})

	// A whole-word tag cannot join them.
	err = s.CreateTag(ctx, &model.Tag{
		DeviceID: d.ID, Alias: "word", Channel: model.ChannelHoldingRegister,
		DataType: model.TypeUint16, Address: 20, ReadAmount: 1, UnitID: 1, IsActive: true,
	})
	require.Error(t, err)
}

func TestActiveDevicesEagerTags(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	d1 := createDevice(t, s, "plc-1")
	d2 := createDevice(t, s, "plc-2")
	createTag(t, s, &model.Tag{
		DeviceID: d1.ID, Alias: "a", Channel: model.ChannelHoldingRegister,
		DataType: model.TypeUint16, Address: 0, ReadAmount: 1, UnitID: 1, IsActive: true,
	})
	createTag(t, s, &model.Tag{
		DeviceID: d1.ID, Alias: "b", Channel: model.ChannelHoldingRegister,
		DataType: model.TypeUint16, Address: 5, ReadAmount: 1, UnitID: 1, IsActive: false,
	})
	require.NoError(t, s.SetDeviceActive(ctx, d2.ID, false))

	devices, err := s.ActiveDevices(ctx)
	require.NoError(t, err)
	require.Len(t, devices, 1)
	assert.Equal(t, "plc-1", devices[0].Alias)
	require.Len(t, devices[0].Tags, 1)
	assert.Equal(t, "a", devices[0].Tags[0].Alias)
}

func TestPendingWriteRequestsOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := createDevice(t, s, "plc-1")
	tag := createTag(t, s, &model.Tag{
		DeviceID: d.ID, Alias: "setpoint", Channel: model.ChannelHoldingRegister,
		DataType: model.TypeUint16, Address: 0, ReadAmount: 1, UnitID: 1, IsActive: true,
	})

	now := time.Now()
	id1, err := s.EnqueueWrite(ctx, tag.ID, value.Uint(1), now)
	require.NoError(t, err)
	id2, err := s.EnqueueWrite(ctx, tag.ID, value.Uint(2), now.Add(time.Second))
	require.NoError(t, err)

	pending, err := s.PendingWriteRequests(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, id1, pending[0].ID)
	assert.Equal(t, id2, pending[1].ID)
	require.NotNil(t, pending[0].Tag)
	assert.Equal(t, tag.ID, pending[0].Tag.ID)

	// Disposed requests leave the queue.
	require.NoError(t, s.CommitTick(ctx, &model.TickBatch{
		Time:              now,
		WriteDispositions: []model.WriteDisposition{{RequestID: id1, Result: model.WriteOK}},
	}))
	pending, err = s.PendingWriteRequests(ctx, d.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id2, pending[0].ID)

	req, err := s.WriteRequestByID(ctx, id1)
	require.NoError(t, err)
	assert.True(t, req.Processed)
	assert.Equal(t, model.WriteOK, req.Result)
}

func TestCommitTick(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := createDevice(t, s, "plc-1")
	tag := createTag(t, s, &model.Tag{
		DeviceID: d.ID, Alias: "temp", Channel: model.ChannelHoldingRegister,
		DataType: model.TypeFloat32, Address: 0, ReadAmount: 1, UnitID: 1, IsActive: true,
		HistoryInterval: time.Minute, HistoryRetention: time.Hour,
	})
	cfg := &model.AlarmConfig{
		TagID: tag.ID, Alias: "hot", Operator: model.OpGreaterThan,
		TriggerValue: value.Float(100), ThreatLevel: model.ThreatHigh, Enabled: true,
		NotificationCooldown: time.Minute,
	}
	require.NoError(t, s.CreateAlarmConfig(ctx, cfg))

	now := time.Now()
	batch := &model.TickBatch{
		Time: now,
		ValueUpdates: []model.TagValueUpdate{
			{TagID: tag.ID, Value: value.Float(123.5), ReadAt: now},
		},
		History: []model.TagHistoryEntry{
			{TagID: tag.ID, Timestamp: now, Value: value.Float(123.5)},
		},
		Activations: []model.AlarmActivation{
			{ConfigID: cfg.ID, TagID: tag.ID, Timestamp: now},
		},
		Notified: []model.NotifiedConfig{{ConfigID: cfg.ID, At: now}},
	}
	require.NoError(t, s.CommitTick(ctx, batch))

	got, err := s.TagByID(ctx, tag.ID)
	require.NoError(t, err)
	assert.True(t, got.CurrentValue.Equal(value.Float(123.5)))
	require.NotNil(t, got.LastUpdated)
	assert.WithinDuration(t, now, *got.LastUpdated, time.Second)
	require.NotNil(t, got.LastHistoryAt)

	history, err := s.HistoryForTag(ctx, tag.ID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Value.Equal(value.Float(123.5)))

	active, err := s.ActiveAlarmsByTag(ctx, []int64{tag.ID})
	require.NoError(t, err)
	require.Contains(t, active, tag.ID)
	assert.Equal(t, cfg.ID, active[tag.ID].ConfigID)

	configs, err := s.EnabledAlarmConfigs(ctx, []int64{tag.ID})
	require.NoError(t, err)
	require.Len(t, configs, 1)
	require.NotNil(t, configs[0].LastNotified)

	// Replace the active alarm: the schema holds the one-active-per-tag
	// invariant, so the deactivation and activation must pair up.
	later := now.Add(time.Second)
	require.NoError(t, s.CommitTick(ctx, &model.TickBatch{
		Time:          later,
		Deactivations: []model.AlarmDeactivation{{AlarmID: active[tag.ID].ID, ResolvedAt: later}},
		Activations:   []model.AlarmActivation{{ConfigID: cfg.ID, TagID: tag.ID, Timestamp: later}},
	}))
	rows, err := s.ActivatedAlarmsForTag(ctx, tag.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestCommitTickRejectsSecondActiveAlarm(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := createDevice(t, s, "plc-1")
	tag := createTag(t, s, &model.Tag{
		DeviceID: d.ID, Alias: "temp", Channel: model.ChannelHoldingRegister,
		DataType: model.TypeUint16, Address: 0, ReadAmount: 1, UnitID: 1, IsActive: true,
	})
	cfg := &model.AlarmConfig{
		TagID: tag.ID, Operator: model.OpEquals, TriggerValue: value.Uint(1),
		ThreatLevel: model.ThreatLow, Enabled: true,
	}
	require.NoError(t, s.CreateAlarmConfig(ctx, cfg))

	now := time.Now()
	require.NoError(t, s.CommitTick(ctx, &model.TickBatch{
		Time:        now,
		Activations: []model.AlarmActivation{{ConfigID: cfg.ID, TagID: tag.ID, Timestamp: now}},
	}))

	// A second activation without a paired deactivation must roll back
	// whole, leaving the earlier row untouched.
	err := s.CommitTick(ctx, &model.TickBatch{
		Time:         now,
		ValueUpdates: []model.TagValueUpdate{{TagID: tag.ID, Value: value.Uint(9), ReadAt: now}},
		Activations:  []model.AlarmActivation{{ConfigID: cfg.ID, TagID: tag.ID, Timestamp: now}},
	})
	require.Error(t, err)

	got, err := s.TagByID(ctx, tag.ID)
	require.NoError(t, err)
	assert.True(t, got.CurrentValue.IsNull())

	rows, err := s.ActivatedAlarmsForTag(ctx, tag.ID)
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestAcknowledgeAlarm(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := createDevice(t, s, "plc-1")
	tag := createTag(t, s, &model.Tag{
		DeviceID: d.ID, Alias: "temp", Channel: model.ChannelHoldingRegister,
		DataType: model.TypeUint16, Address: 0, ReadAmount: 1, UnitID: 1, IsActive: true,
	})
	cfg := &model.AlarmConfig{
		TagID: tag.ID, Operator: model.OpEquals, TriggerValue: value.Uint(1),
		ThreatLevel: model.ThreatLow, Enabled: true,
	}
	require.NoError(t, s.CreateAlarmConfig(ctx, cfg))

	now := time.Now()
	require.NoError(t, s.CommitTick(ctx, &model.TickBatch{
		Time:        now,
		Activations: []model.AlarmActivation{{ConfigID: cfg.ID, TagID: tag.ID, Timestamp: now}},
	}))
	active, err := s.ActiveAlarmsByTag(ctx, []int64{tag.ID})
	require.NoError(t, err)

	require.NoError(t, s.AcknowledgeAlarm(ctx, active[tag.ID].ID, "operator-7", now))
	rows, err := s.ActivatedAlarmsForTag(ctx, tag.ID)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].Acknowledged)
	assert.Equal(t, "operator-7", rows[0].AcknowledgedBy)
	require.NotNil(t, rows[0].AcknowledgedAt)
}

func TestPruneHistory(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := createDevice(t, s, "plc-1")
	tag := createTag(t, s, &model.Tag{
		DeviceID: d.ID, Alias: "temp", Channel: model.ChannelHoldingRegister,
		DataType: model.TypeUint16, Address: 0, ReadAmount: 1, UnitID: 1, IsActive: true,
		HistoryInterval: time.Minute, HistoryRetention: time.Hour,
	})

	now := time.Now()
	batch := &model.TickBatch{Time: now}
	for _, age := range []time.Duration{3 * time.Hour, 2 * time.Hour, 30 * time.Minute, 0} {
		batch.History = append(batch.History, model.TagHistoryEntry{
			TagID: tag.ID, Timestamp: now.Add(-age), Value: value.Uint(uint64(age.Minutes())),
		})
	}
	require.NoError(t, s.CommitTick(ctx, batch))

	pruned, err := s.PruneHistory(ctx, now)
	require.NoError(t, err)
	assert.EqualValues(t, 2, pruned)

	history, err := s.HistoryForTag(ctx, tag.ID, 10)
	require.NoError(t, err)
	assert.Len(t, history, 2)

	// Converged; nothing further to delete.
	pruned, err = s.PruneHistory(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, pruned)
}

func TestSweepStaleWrites(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := createDevice(t, s, "plc-1")
	tag := createTag(t, s, &model.Tag{
		DeviceID: d.ID, Alias: "setpoint", Channel: model.ChannelHoldingRegister,
		DataType: model.TypeUint16, Address: 0, ReadAmount: 1, UnitID: 1, IsActive: true,
	})

	now := time.Now()
	stale, err := s.EnqueueWrite(ctx, tag.ID, value.Uint(1), now.Add(-2*time.Hour))
	require.NoError(t, err)
	fresh, err := s.EnqueueWrite(ctx, tag.ID, value.Uint(2), now)
	require.NoError(t, err)

	swept, err := s.SweepStaleWrites(ctx, now.Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, swept)

	req, err := s.WriteRequestByID(ctx, stale)
	require.NoError(t, err)
	assert.True(t, req.Processed)
	assert.Equal(t, model.WriteExpired, req.Result)

	req, err = s.WriteRequestByID(ctx, fresh)
	require.NoError(t, err)
	assert.False(t, req.Processed)
}

func TestWidgetTagIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	d := createDevice(t, s, "plc-1")
	t1 := createTag(t, s, &model.Tag{
		DeviceID: d.ID, Alias: "a", Channel: model.ChannelHoldingRegister,
		DataType: model.TypeUint16, Address: 0, ReadAmount: 1, UnitID: 1, IsActive: true,
	})
	t2 := createTag(t, s, &model.Tag{
		DeviceID: d.ID, Alias: "b", Channel: model.ChannelHoldingRegister,
		DataType: model.TypeUint16, Address: 5, ReadAmount: 1, UnitID: 1, IsActive: true,
	})

	dash := &model.Dashboard{Name: "overview"}
	require.NoError(t, s.CreateDashboard(ctx, dash))
	require.NoError(t, s.CreateWidget(ctx, &model.DashboardWidget{
		DashboardID: dash.ID, WidgetType: "gauge", TagID: t1.ID,
	}))
	require.NoError(t, s.CreateWidget(ctx, &model.DashboardWidget{
		DashboardID: dash.ID, WidgetType: "sparkline", TagID: t2.ID,
	}))
	// Two widgets on one tag still subscribe it once.
	require.NoError(t, s.CreateWidget(ctx, &model.DashboardWidget{
		DashboardID: dash.ID, WidgetType: "label", TagID: t1.ID,
	}))

	ids, err := s.WidgetTagIDs(ctx, dash.ExternalID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uuid.UUID{t1.ExternalID, t2.ExternalID}, ids)

	ids, err = s.WidgetTagIDs(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, ids)
}
