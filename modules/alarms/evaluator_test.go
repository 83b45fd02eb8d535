package alarms

import (
	"context"
	"flag"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-kit/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldgate/fieldgate/modules/store"
	"github.com/fieldgate/fieldgate/pkg/model"
	"github.com/fieldgate/fieldgate/pkg/value"
)

type fixture struct {
	store *store.Store
	eval  *Evaluator
	tag   *model.Tag
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	var cfg store.Config
	cfg.RegisterFlagsAndApplyDefaults("", flag.NewFlagSet("", flag.PanicOnError))
	cfg.Path = filepath.Join(t.TempDir(), "fieldgate.db")
	s, err := store.Open(cfg, log.NewNopLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	dev := &model.Device{Alias: "plc-1", Protocol: model.ProtocolTCP, WordOrder: model.WordOrderBig, IsActive: true}
	require.NoError(t, s.CreateDevice(ctx, dev))
	tag := &model.Tag{
		DeviceID: dev.ID, Alias: "temp", Channel: model.ChannelHoldingRegister,
		DataType: model.TypeFloat32, Address: 0, ReadAmount: 1, UnitID: 1, IsActive: true,
	}
	require.NoError(t, s.CreateTag(ctx, tag))

	return &fixture{store: s, eval: New(s, log.NewNopLogger()), tag: tag}
}

func (f *fixture) addConfig(t *testing.T, alias string, op model.Operator, trigger value.Value, level model.ThreatLevel, cooldown time.Duration) *model.AlarmConfig {
	t.Helper()
	cfg := &model.AlarmConfig{
		TagID: f.tag.ID, Alias: alias, Message: alias + " raised",
		Operator: op, TriggerValue: trigger, ThreatLevel: level,
		Enabled: true, NotificationCooldown: cooldown,
	}
	require.NoError(t, f.store.CreateAlarmConfig(context.Background(), cfg))
	return cfg
}

// commit pushes an evaluation result into the store so the next pass sees it.
func (f *fixture) commit(t *testing.T, res *Result, now time.Time) {
	t.Helper()
	require.NoError(t, f.store.CommitTick(context.Background(), &model.TickBatch{
		Time:          now,
		Deactivations: res.Deactivations,
		Activations:   res.Activations,
		Notified:      res.Notified,
	}))
}

func TestActivationAndClear(t *testing.T) {
	f := newFixture(t)
	cfg := f.addConfig(t, "hot", model.OpGreaterThan, value.Float(100), model.ThreatHigh, time.Minute)
	ctx := context.Background()
	now := time.Now()

	f.tag.CurrentValue = value.Float(123)
	res, err := f.eval.Evaluate(ctx, []*model.Tag{f.tag}, now)
	require.NoError(t, err)
	require.Len(t, res.Activations, 1)
	assert.Equal(t, cfg.ID, res.Activations[0].ConfigID)
	assert.Empty(t, res.Deactivations)
	assert.Equal(t, cfg.ExternalID, res.ActiveConfigByTag[f.tag.ID])
	require.Len(t, res.Intents, 1)
	assert.Equal(t, cfg.ExternalID, res.Intents[0].ConfigExternalID)
	assert.Equal(t, f.tag.ExternalID, res.Intents[0].TagExternalID)
	f.commit(t, res, now)

	// Same winner next tick: no transition, badge still set.
	f.tag.CurrentValue = value.Float(150)
	res, err = f.eval.Evaluate(ctx, []*model.Tag{f.tag}, now.Add(time.Second))
	require.NoError(t, err)
	assert.Empty(t, res.Activations)
	assert.Empty(t, res.Deactivations)
	assert.Equal(t, cfg.ExternalID, res.ActiveConfigByTag[f.tag.ID])

	// Value drops below the threshold: the alarm clears.
	f.tag.CurrentValue = value.Float(20)
	res, err = f.eval.Evaluate(ctx, []*model.Tag{f.tag}, now.Add(2*time.Second))
	require.NoError(t, err)
	require.Len(t, res.Deactivations, 1)
	assert.Empty(t, res.Activations)
	assert.NotContains(t, res.ActiveConfigByTag, f.tag.ID)
	f.commit(t, res, now.Add(2*time.Second))

	active, err := f.store.ActiveAlarmsByTag(ctx, []int64{f.tag.ID})
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestPriorityReplacement(t *testing.T) {
	f := newFixture(t)
	low := f.addConfig(t, "warm", model.OpGreaterThan, value.Float(50), model.ThreatLow, time.Minute)
	high := f.addConfig(t, "hot", model.OpGreaterThan, value.Float(100), model.ThreatHigh, time.Minute)
	ctx := context.Background()
	now := time.Now()

	// Only the low config triggers first.
	f.tag.CurrentValue = value.Float(60)
	res, err := f.eval.Evaluate(ctx, []*model.Tag{f.tag}, now)
	require.NoError(t, err)
	require.Len(t, res.Activations, 1)
	assert.Equal(t, low.ID, res.Activations[0].ConfigID)
	f.commit(t, res, now)

	// Both trigger: high wins, low's row closes in the same tick.
	later := now.Add(time.Second)
	f.tag.CurrentValue = value.Float(150)
	res, err = f.eval.Evaluate(ctx, []*model.Tag{f.tag}, later)
	require.NoError(t, err)
	require.Len(t, res.Deactivations, 1)
	require.Len(t, res.Activations, 1)
	assert.Equal(t, high.ID, res.Activations[0].ConfigID)
	assert.Equal(t, high.ExternalID, res.ActiveConfigByTag[f.tag.ID])
	require.Len(t, res.Intents, 1)
	assert.Equal(t, high.ExternalID, res.Intents[0].ConfigExternalID)
	f.commit(t, res, later)

	active, err := f.store.ActiveAlarmsByTag(ctx, []int64{f.tag.ID})
	require.NoError(t, err)
	require.Contains(t, active, f.tag.ID)
	assert.Equal(t, high.ID, active[f.tag.ID].ConfigID)

	rows, err := f.store.ActivatedAlarmsForTag(ctx, f.tag.ID)
	require.NoError(t, err)
	require.Len(t, rows, 2)
}

func TestNotificationCooldown(t *testing.T) {
	f := newFixture(t)
	cfg := f.addConfig(t, "hot", model.OpGreaterThan, value.Float(100), model.ThreatCrit, time.Minute)
	ctx := context.Background()
	now := time.Now()

	f.tag.CurrentValue = value.Float(150)
	res, err := f.eval.Evaluate(ctx, []*model.Tag{f.tag}, now)
	require.NoError(t, err)
	require.Len(t, res.Intents, 1)
	require.Len(t, res.Notified, 1)
	f.commit(t, res, now)

	// Clear, then re-trigger inside the cooldown: activation without intent.
	f.tag.CurrentValue = value.Float(10)
	res, err = f.eval.Evaluate(ctx, []*model.Tag{f.tag}, now.Add(time.Second))
	require.NoError(t, err)
	f.commit(t, res, now.Add(time.Second))

	f.tag.CurrentValue = value.Float(160)
	res, err = f.eval.Evaluate(ctx, []*model.Tag{f.tag}, now.Add(2*time.Second))
	require.NoError(t, err)
	require.Len(t, res.Activations, 1)
	assert.Empty(t, res.Intents)
	assert.Empty(t, res.Notified)
	f.commit(t, res, now.Add(2*time.Second))

	// Past the cooldown the intent flows again.
	f.tag.CurrentValue = value.Float(10)
	res, err = f.eval.Evaluate(ctx, []*model.Tag{f.tag}, now.Add(3*time.Second))
	require.NoError(t, err)
	f.commit(t, res, now.Add(3*time.Second))

	f.tag.CurrentValue = value.Float(170)
	res, err = f.eval.Evaluate(ctx, []*model.Tag{f.tag}, now.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, res.Intents, 1)
	assert.Equal(t, cfg.ExternalID, res.Intents[0].ConfigExternalID)
}

func TestIntentRecipients(t *testing.T) {
	f := newFixture(t)
	cfg := f.addConfig(t, "hot", model.OpGreaterThan, value.Float(100), model.ThreatHigh, time.Minute)
	ctx := context.Background()
	require.NoError(t, f.store.CreateSubscription(ctx, &model.AlarmSubscription{
		ConfigID: cfg.ID, Email: "ops@example.com", Enabled: true,
	}))
	require.NoError(t, f.store.CreateSubscription(ctx, &model.AlarmSubscription{
		ConfigID: cfg.ID, Email: "muted@example.com", Enabled: false,
	}))

	f.tag.CurrentValue = value.Float(150)
	res, err := f.eval.Evaluate(ctx, []*model.Tag{f.tag}, time.Now())
	require.NoError(t, err)
	require.Len(t, res.Intents, 1)
	assert.Equal(t, []string{"ops@example.com"}, res.Intents[0].Recipients)
}

func TestComparisonErrorNeverTriggers(t *testing.T) {
	f := newFixture(t)
	f.addConfig(t, "hot", model.OpGreaterThan, value.Float(100), model.ThreatHigh, time.Minute)

	f.tag.CurrentValue = value.String("not a number")
	res, err := f.eval.Evaluate(context.Background(), []*model.Tag{f.tag}, time.Now())
	require.NoError(t, err)
	assert.Empty(t, res.Activations)
	assert.Empty(t, res.Intents)
}

func TestPriorityTieIsDeterministic(t *testing.T) {
	f := newFixture(t)
	first := f.addConfig(t, "a", model.OpGreaterThan, value.Float(10), model.ThreatHigh, time.Minute)
	f.addConfig(t, "b", model.OpGreaterThan, value.Float(10), model.ThreatHigh, time.Minute)

	f.tag.CurrentValue = value.Float(50)
	res, err := f.eval.Evaluate(context.Background(), []*model.Tag{f.tag}, time.Now())
	require.NoError(t, err)
	require.Len(t, res.Activations, 1)
	assert.Equal(t, first.ID, res.Activations[0].ConfigID)
}
