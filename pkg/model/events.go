package model

import (
	"time"

	"github.com/google/uuid"

	"github.com/fieldgate/fieldgate/pkg/value"
)

// ChangeEvent is one tag's entry in the per-tick change map handed to the
// websocket fan-out. Alarm carries the external id of the config currently
// active on the tag, or nil when the tag is clear.
type ChangeEvent struct {
	Value value.Value `json:"value"`
	Time  time.Time   `json:"time"`
	AgeMS int64       `json:"age_ms"`
	Alarm *uuid.UUID  `json:"alarm"`
}

// ChangeSet maps tag external ids to their change events for one tick.
type ChangeSet map[string]ChangeEvent
