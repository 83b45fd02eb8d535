// Package poller implements the data-plane loop: each tick it fans out one
// work unit per active device, joins them, evaluates alarms over the change
// set, commits everything in one batch and only then publishes change events
// to subscribers.
package poller

import (
	"context"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/multierr"

	"github.com/fieldgate/fieldgate/modules/alarms"
	"github.com/fieldgate/fieldgate/modules/history"
	"github.com/fieldgate/fieldgate/pkg/blockplan"
	"github.com/fieldgate/fieldgate/pkg/boundedwaitgroup"
	"github.com/fieldgate/fieldgate/pkg/model"
)

var (
	metricTickDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "fieldgate",
		Subsystem: "poller",
		Name:      "tick_duration_seconds",
		Help:      "Wall time of one full tick including commit and publish.",
		Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
	})
	metricTickOverruns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fieldgate",
		Subsystem: "poller",
		Name:      "tick_overruns_total",
		Help:      "Ticks that ran longer than the poll interval.",
	})
	metricTagsUpdated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fieldgate",
		Subsystem: "poller",
		Name:      "tags_updated_total",
		Help:      "Tag value changes detected.",
	})
	metricTicksDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fieldgate",
		Subsystem: "poller",
		Name:      "ticks_dropped_total",
		Help:      "Ticks whose batch commit failed and whose changes were discarded.",
	})
)

// Store is the slice of the record store the engine uses on the tick path.
type Store interface {
	ActiveDevices(ctx context.Context) ([]*model.Device, error)
	PendingWriteRequests(ctx context.Context, deviceID int64) ([]*model.TagWriteRequest, error)
	CommitTick(ctx context.Context, batch *model.TickBatch) error
}

// Publisher receives the tick's change set after it commits.
type Publisher interface {
	Broadcast(events model.ChangeSet)
}

// Notifier consumes the tick's notification intents.
type Notifier interface {
	Send(ctx context.Context, intents []model.NotificationIntent)
}

// Engine owns the tick scheduler and all per-device connection state. The
// entry point constructs one engine and runs it as a service; there is no
// package-level state.
type Engine struct {
	services.Service

	cfg       Config
	store     Store
	evaluator *alarms.Evaluator
	publisher Publisher
	notifier  Notifier
	logger    log.Logger

	limits blockplan.Limits
	// states is keyed by device alias. Only the scheduler goroutine adds and
	// removes entries, between fan-outs; each device goroutine touches only
	// its own entry.
	states map[string]*deviceState

	// rolling average of tick duration, for the overrun warning.
	avgElapsed time.Duration
}

func New(cfg Config, store Store, evaluator *alarms.Evaluator, publisher Publisher, notifier Notifier, logger log.Logger) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		cfg:       cfg,
		store:     store,
		evaluator: evaluator,
		publisher: publisher,
		notifier:  notifier,
		logger:    logger,
		limits:    cfg.Limits(),
		states:    map[string]*deviceState{},
	}
	e.Service = services.NewBasicService(e.starting, e.running, e.stopping)
	return e, nil
}

func (e *Engine) starting(_ context.Context) error {
	level.Info(e.logger).Log("msg", "polling engine starting", "interval", e.cfg.PollInterval)
	return nil
}

// running is the sole time source: poll, then sleep whatever remains of the
// interval. An overrunning tick never skips the next one's work, it just
// starts it late.
func (e *Engine) running(ctx context.Context) error {
	for {
		start := time.Now()
		e.tick(ctx, start)
		elapsed := time.Since(start)
		e.observe(elapsed)

		wait := e.cfg.PollInterval - elapsed
		if wait < 0 {
			wait = 0
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (e *Engine) stopping(_ error) error {
	var errs error
	for alias, st := range e.states {
		if st.client != nil {
			if err := st.client.Close(); err != nil {
				errs = multierr.Append(errs, err)
			}
			st.client = nil
		}
		delete(e.states, alias)
	}
	level.Info(e.logger).Log("msg", "polling engine stopped")
	return errs
}

func (e *Engine) observe(elapsed time.Duration) {
	metricTickDuration.Observe(elapsed.Seconds())
	if e.avgElapsed == 0 {
		e.avgElapsed = elapsed
	} else {
		e.avgElapsed = (e.avgElapsed*9 + elapsed) / 10
	}
	if elapsed > e.cfg.PollInterval {
		metricTickOverruns.Inc()
		level.Warn(e.logger).Log("msg", "tick overran the poll interval",
			"elapsed", elapsed, "interval", e.cfg.PollInterval, "rolling_avg", e.avgElapsed)
	}
}

func (e *Engine) tick(ctx context.Context, now time.Time) {
	devices, err := e.store.ActiveDevices(ctx)
	if err != nil {
		level.Error(e.logger).Log("msg", "device snapshot failed, skipping tick", "err", err)
		return
	}
	e.reconcile(devices)
	if len(devices) == 0 {
		return
	}

	// Fan out one work unit per device. Results merge under the mutex after
	// each unit finishes; devices never block each other beyond the bound.
	var (
		mtx     sync.Mutex
		results = make([]*deviceResult, 0, len(devices))
	)
	bwg := boundedwaitgroup.New(uint(min(len(devices), e.cfg.MaxConcurrentDevices)))
	for _, dev := range devices {
		dev := dev
		st := e.states[dev.Alias]
		bwg.Add(1)
		go func() {
			defer bwg.Done()
			r := e.pollDevice(ctx, dev, st, now)
			mtx.Lock()
			results = append(results, r)
			mtx.Unlock()
		}()
	}
	bwg.Wait()

	var (
		updated []*model.Tag
		batch   = &model.TickBatch{Time: now}
		readAt  = map[int64]time.Time{}
	)
	for _, r := range results {
		updated = append(updated, r.updated...)
		batch.WriteDispositions = append(batch.WriteDispositions, r.dispositions...)
		for id, at := range r.readAt {
			readAt[id] = at
		}
		for _, tag := range r.readTags {
			batch.ReadTouches = append(batch.ReadTouches, tag.ID)
		}
	}
	metricTagsUpdated.Add(float64(len(updated)))

	alarmRes, err := e.evaluator.Evaluate(ctx, updated, now)
	if err != nil {
		// Alarm state stays as-is this tick; values still commit.
		level.Error(e.logger).Log("msg", "alarm evaluation failed", "err", err)
		alarmRes = &alarms.Result{}
	}

	updatedIDs := make(map[int64]struct{}, len(updated))
	for _, tag := range updated {
		updatedIDs[tag.ID] = struct{}{}
		batch.ValueUpdates = append(batch.ValueUpdates, model.TagValueUpdate{
			TagID:  tag.ID,
			Value:  tag.CurrentValue,
			ReadAt: readAt[tag.ID],
		})
	}
	// ReadTouches covers tags read unchanged; changed tags advance through
	// their value update.
	touches := batch.ReadTouches[:0]
	for _, id := range batch.ReadTouches {
		if _, ok := updatedIDs[id]; !ok {
			touches = append(touches, id)
		}
	}
	batch.ReadTouches = touches

	batch.History = history.Sample(updated, now)
	batch.Deactivations = alarmRes.Deactivations
	batch.Activations = alarmRes.Activations
	batch.Notified = alarmRes.Notified

	if err := e.store.CommitTick(ctx, batch); err != nil {
		// Drop the tick's changes; subscribers see nothing the store has not
		// accepted. In-memory tag values re-derive from the store next tick.
		metricTicksDropped.Inc()
		level.Error(e.logger).Log("msg", "tick commit failed, dropping tick", "err", err)
		return
	}

	e.publish(updated, readAt, alarmRes)
	if len(alarmRes.Intents) > 0 && e.notifier != nil {
		e.notifier.Send(ctx, alarmRes.Intents)
	}
}

func (e *Engine) publish(updated []*model.Tag, readAt map[int64]time.Time, alarmRes *alarms.Result) {
	if e.publisher == nil || len(updated) == 0 {
		return
	}
	publishedAt := time.Now()
	events := make(model.ChangeSet, len(updated))
	for _, tag := range updated {
		at := readAt[tag.ID]
		ev := model.ChangeEvent{
			Value: tag.CurrentValue,
			Time:  at,
			AgeMS: publishedAt.Sub(at).Milliseconds(),
		}
		if id, ok := alarmRes.ActiveConfigByTag[tag.ID]; ok {
			id := id
			ev.Alarm = &id
		}
		events[tag.ExternalID.String()] = ev
	}
	e.publisher.Broadcast(events)
}

// reconcile aligns supervisor state with the device snapshot: new devices get
// fresh state, vanished or deactivated ones give their connection back.
func (e *Engine) reconcile(devices []*model.Device) {
	seen := make(map[string]struct{}, len(devices))
	for _, dev := range devices {
		seen[dev.Alias] = struct{}{}
		if _, ok := e.states[dev.Alias]; !ok {
			e.states[dev.Alias] = newDeviceState(e.cfg.ConnectBackoffBase, e.cfg.ConnectBackoffMax)
		}
	}
	for alias, st := range e.states {
		if _, ok := seen[alias]; !ok {
			st.dropConnection()
			delete(e.states, alias)
		}
	}
}
