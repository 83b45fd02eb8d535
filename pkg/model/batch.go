package model

import (
	"time"

	"github.com/fieldgate/fieldgate/pkg/value"
)

// TagValueUpdate carries a changed tag value into the tick batch.
type TagValueUpdate struct {
	TagID  int64
	Value  value.Value
	ReadAt time.Time
}

// WriteDisposition finalizes one write request.
type WriteDisposition struct {
	RequestID int64
	Result    WriteResult
}

// AlarmDeactivation closes an active alarm row.
type AlarmDeactivation struct {
	AlarmID    int64
	ResolvedAt time.Time
}

// AlarmActivation opens a new alarm row.
type AlarmActivation struct {
	ConfigID  int64
	TagID     int64
	Timestamp time.Time
}

// NotifiedConfig advances an alarm config's cooldown clock.
type NotifiedConfig struct {
	ConfigID int64
	At       time.Time
}

// TickBatch is everything one tick persists, committed in a single
// transaction. A failed commit drops the whole batch; the next tick
// re-derives state from the store.
type TickBatch struct {
	Time time.Time

	// ValueUpdates sets current_value and last_updated on changed tags.
	ValueUpdates []TagValueUpdate
	// ReadTouches advances last_updated on tags that were read unchanged.
	ReadTouches []int64

	History []TagHistoryEntry

	Deactivations []AlarmDeactivation
	Activations   []AlarmActivation
	Notified      []NotifiedConfig

	WriteDispositions []WriteDisposition
}

// Empty reports whether committing the batch would write nothing.
func (b *TickBatch) Empty() bool {
	return len(b.ValueUpdates) == 0 &&
		len(b.ReadTouches) == 0 &&
		len(b.History) == 0 &&
		len(b.Deactivations) == 0 &&
		len(b.Activations) == 0 &&
		len(b.Notified) == 0 &&
		len(b.WriteDispositions) == 0
}
