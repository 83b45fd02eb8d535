// Package history gates per-tag history sampling and runs the retention
// maintenance schedule. Samples are taken on value change, at most once per
// tag interval; tags with zero retention never sample.
package history

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/fieldgate/fieldgate/pkg/model"
)

var metricSamples = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "fieldgate",
	Subsystem: "history",
	Name:      "samples_total",
	Help:      "History entries staged by the interval gate.",
})

// Sample returns the history entries due for the tick's changed tags. The
// batcher advances last_history_at alongside each insert, so a freshly
// sampled tag stays quiet until its interval elapses again.
func Sample(updated []*model.Tag, now time.Time) []model.TagHistoryEntry {
	var entries []model.TagHistoryEntry
	for _, tag := range updated {
		if tag.HistoryRetention <= 0 {
			continue
		}
		if tag.LastHistoryAt != nil && now.Sub(*tag.LastHistoryAt) < tag.HistoryInterval {
			continue
		}
		entries = append(entries, model.TagHistoryEntry{
			TagID:     tag.ID,
			Timestamp: now,
			Value:     tag.CurrentValue,
		})
	}
	metricSamples.Add(float64(len(entries)))
	return entries
}
