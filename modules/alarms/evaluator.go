// Package alarms arbitrates alarm configs over the tick's changed tags. For
// every affected tag the highest-priority triggered config wins; transitions
// between winners always pair a deactivation with an activation so at most
// one alarm row per tag is active at any instant.
package alarms

import (
	"context"
	"fmt"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fieldgate/fieldgate/pkg/model"
)

var (
	metricTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "fieldgate",
		Subsystem: "alarms",
		Name:      "transitions_total",
		Help:      "Alarm state machine transitions, by kind.",
	}, []string{"kind"})
	metricIntents = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "fieldgate",
		Subsystem: "alarms",
		Name:      "notification_intents_total",
		Help:      "Notification intents emitted past the cooldown gate.",
	})
)

// Store is the slice of the record store the evaluator reads from.
type Store interface {
	EnabledAlarmConfigs(ctx context.Context, tagIDs []int64) ([]*model.AlarmConfig, error)
	ActiveAlarmsByTag(ctx context.Context, tagIDs []int64) (map[int64]*model.ActivatedAlarm, error)
	RecipientsByConfig(ctx context.Context, configIDs []int64) (map[int64][]string, error)
}

// Result is what one evaluation pass feeds into the tick batch and the
// notifier.
type Result struct {
	Deactivations []model.AlarmDeactivation
	Activations   []model.AlarmActivation
	Notified      []model.NotifiedConfig
	Intents       []model.NotificationIntent

	// ActiveConfigByTag maps tag id to the external id of the config that is
	// active once the tick's transitions commit. Tags absent from the map are
	// clear; the fan-out renders them with a null alarm badge.
	ActiveConfigByTag map[int64]uuid.UUID
}

type Evaluator struct {
	store  Store
	logger log.Logger
}

func New(store Store, logger log.Logger) *Evaluator {
	return &Evaluator{store: store, logger: logger}
}

// Evaluate runs priority arbitration for every tag whose value changed this
// tick. Tags carry their freshly decoded CurrentValue.
func (e *Evaluator) Evaluate(ctx context.Context, updated []*model.Tag, now time.Time) (*Result, error) {
	res := &Result{ActiveConfigByTag: map[int64]uuid.UUID{}}
	if len(updated) == 0 {
		return res, nil
	}

	tagIDs := make([]int64, 0, len(updated))
	for _, t := range updated {
		tagIDs = append(tagIDs, t.ID)
	}

	configs, err := e.store.EnabledAlarmConfigs(ctx, tagIDs)
	if err != nil {
		return nil, fmt.Errorf("load alarm configs: %w", err)
	}
	active, err := e.store.ActiveAlarmsByTag(ctx, tagIDs)
	if err != nil {
		return nil, fmt.Errorf("load active alarms: %w", err)
	}

	configsByTag := make(map[int64][]*model.AlarmConfig, len(configs))
	configsByID := make(map[int64]*model.AlarmConfig, len(configs))
	for _, c := range configs {
		configsByTag[c.TagID] = append(configsByTag[c.TagID], c)
		configsByID[c.ID] = c
	}

	var activated []*model.AlarmConfig
	for _, tag := range updated {
		winner := e.arbitrate(tag, configsByTag[tag.ID])
		current := active[tag.ID]

		switch {
		case current == nil && winner == nil:
			continue
		case current != nil && winner != nil && current.ConfigID == winner.ID:
			// Still active on the same config.
			res.ActiveConfigByTag[tag.ID] = winner.ExternalID
			continue
		}

		if current != nil {
			res.Deactivations = append(res.Deactivations, model.AlarmDeactivation{
				AlarmID:    current.ID,
				ResolvedAt: now,
			})
			metricTransitions.WithLabelValues("deactivate").Inc()
		}
		if winner != nil {
			res.Activations = append(res.Activations, model.AlarmActivation{
				ConfigID:  winner.ID,
				TagID:     tag.ID,
				Timestamp: now,
			})
			res.ActiveConfigByTag[tag.ID] = winner.ExternalID
			metricTransitions.WithLabelValues("activate").Inc()

			if notifiable(winner, now) {
				activated = append(activated, winner)
				res.Notified = append(res.Notified, model.NotifiedConfig{ConfigID: winner.ID, At: now})
			}
			level.Info(e.logger).Log("msg", "alarm activated",
				"tag", tag.Alias, "config", winner.Alias, "threat_level", winner.ThreatLevel,
				"value", tag.CurrentValue.Render())
		} else {
			level.Info(e.logger).Log("msg", "alarm cleared", "tag", tag.Alias,
				"value", tag.CurrentValue.Render())
		}
	}

	if len(activated) > 0 {
		intents, err := e.buildIntents(ctx, updated, activated, now)
		if err != nil {
			return nil, err
		}
		res.Intents = intents
		metricIntents.Add(float64(len(intents)))
	}
	return res, nil
}

// arbitrate picks the triggered config with the highest threat priority.
// Comparison errors count as not triggered; priority ties go to the older
// config so the outcome is deterministic.
func (e *Evaluator) arbitrate(tag *model.Tag, configs []*model.AlarmConfig) *model.AlarmConfig {
	var winner *model.AlarmConfig
	for _, cfg := range configs {
		triggered, err := cfg.Operator.Eval(tag.CurrentValue, cfg.TriggerValue)
		if err != nil {
			level.Debug(e.logger).Log("msg", "alarm comparison not possible",
				"tag", tag.Alias, "config", cfg.Alias, "err", err)
			continue
		}
		if !triggered {
			continue
		}
		if winner == nil ||
			cfg.ThreatLevel.Priority() > winner.ThreatLevel.Priority() ||
			(cfg.ThreatLevel.Priority() == winner.ThreatLevel.Priority() && cfg.ID < winner.ID) {
			winner = cfg
		}
	}
	return winner
}

func notifiable(cfg *model.AlarmConfig, now time.Time) bool {
	return cfg.LastNotified == nil || now.Sub(*cfg.LastNotified) > cfg.NotificationCooldown
}

func (e *Evaluator) buildIntents(ctx context.Context, updated []*model.Tag, activated []*model.AlarmConfig, now time.Time) ([]model.NotificationIntent, error) {
	configIDs := make([]int64, 0, len(activated))
	for _, cfg := range activated {
		configIDs = append(configIDs, cfg.ID)
	}
	recipients, err := e.store.RecipientsByConfig(ctx, configIDs)
	if err != nil {
		return nil, fmt.Errorf("load alarm recipients: %w", err)
	}

	tagExternal := make(map[int64]uuid.UUID, len(updated))
	for _, t := range updated {
		tagExternal[t.ID] = t.ExternalID
	}

	intents := make([]model.NotificationIntent, 0, len(activated))
	for _, cfg := range activated {
		intents = append(intents, model.NotificationIntent{
			ConfigExternalID: cfg.ExternalID,
			TagExternalID:    tagExternal[cfg.TagID],
			Message:          cfg.Message,
			ThreatLevel:      cfg.ThreatLevel,
			Timestamp:        now,
			Recipients:       recipients[cfg.ID],
		})
	}
	return intents, nil
}
