// Package model holds the persisted entities and the per-tick batch types
// shared between the store, the poller and the evaluators. Entities are plain
// values; cross-entity lookups are maps keyed by id, not pointer graphs.
package model

import (
	"net"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/fieldgate/fieldgate/pkg/value"
)

// Device is one PLC endpoint. Owns tags; read-only to the engine.
type Device struct {
	ID        int64
	Alias     string
	Host      string
	Port      int
	Protocol  Protocol
	WordOrder WordOrder
	// OpTimeout overrides the engine-wide per-operation deadline when > 0.
	OpTimeout time.Duration
	IsActive  bool

	// Tags carries the device's active tags when loaded eagerly for a tick.
	Tags []*Tag
}

// Endpoint renders host:port for dialing.
func (d *Device) Endpoint() string {
	return net.JoinHostPort(d.Host, strconv.Itoa(d.Port))
}

// Tag is a named, typed projection over a device's memory map.
type Tag struct {
	ID         int64
	DeviceID   int64
	ExternalID uuid.UUID
	Alias      string
	UnitID     uint8
	Channel    Channel
	DataType   DataType
	Address    uint16
	// BitIndex selects one bit of a register word. Only meaningful for bool
	// tags on register channels; nil means the tag reads the whole word.
	BitIndex        *uint8
	ReadAmount      int
	RestrictedWrite bool
	// HistoryRetention of zero disables history for the tag.
	HistoryInterval  time.Duration
	HistoryRetention time.Duration
	CurrentValue     value.Value
	LastUpdated      *time.Time
	LastHistoryAt    *time.Time
	IsActive         bool
}

// Bit is a convenience for Tag literals.
func Bit(idx uint8) *uint8 { return &idx }

// IsBitIndexed reports whether the tag addresses a single bit of a register
// word.
func (t *Tag) IsBitIndexed() bool {
	return t.DataType == TypeBool && t.Channel.IsRegister() && t.BitIndex != nil
}

// ReadCount is the number of words (register channels) or bits (bit channels)
// the tag occupies on the wire. Strings pack two characters per word.
func (t *Tag) ReadCount() int {
	if t.DataType == TypeString {
		return (t.ReadAmount + 1) / 2
	}
	if t.Channel.IsBit() {
		return t.ReadAmount
	}
	return t.ReadAmount * t.DataType.Words()
}

// TagWriteRequest is a pending write enqueued by the API layer. The engine
// consumes each request exactly once per the Processed flag.
type TagWriteRequest struct {
	ID        int64
	TagID     int64
	Value     value.Value
	Timestamp time.Time
	Processed bool
	Result    WriteResult

	// Tag is joined in when draining the queue.
	Tag *Tag
}

// TagHistoryEntry is an immutable sample of a tag value.
type TagHistoryEntry struct {
	ID        int64
	TagID     int64
	Timestamp time.Time
	Value     value.Value
}

// AlarmConfig is one trigger rule bound to a tag.
type AlarmConfig struct {
	ID                   int64
	TagID                int64
	ExternalID           uuid.UUID
	Alias                string
	Message              string
	Operator             Operator
	TriggerValue         value.Value
	ThreatLevel          ThreatLevel
	Enabled              bool
	NotificationCooldown time.Duration
	LastNotified         *time.Time
}

// ActivatedAlarm is one activation episode of an AlarmConfig. TagID is
// denormalized from the config so the store can hold the single-active-alarm
// invariant per tag with a partial unique index.
type ActivatedAlarm struct {
	ID             int64
	ConfigID       int64
	TagID          int64
	Timestamp      time.Time
	IsActive       bool
	ResolvedAt     *time.Time
	Acknowledged   bool
	AcknowledgedAt *time.Time
	AcknowledgedBy string
}

// AlarmSubscription names a notification recipient for one alarm config.
type AlarmSubscription struct {
	ID       int64
	ConfigID int64
	Email    string
	Enabled  bool
}

// Dashboard groups widgets; the engine only cares about the tag ids behind
// a dashboard when a websocket session subscribes to one.
type Dashboard struct {
	ID         int64
	ExternalID uuid.UUID
	Name       string
}

// DashboardWidget binds a display element to a tag. Config is an opaque
// JSON blob owned by the UI.
type DashboardWidget struct {
	ID          int64
	DashboardID int64
	ExternalID  uuid.UUID
	WidgetType  string
	TagID       int64
	Config      string
}

// NotificationIntent is handed to the notification collaborator when an
// alarm activates outside its cooldown window.
type NotificationIntent struct {
	ConfigExternalID uuid.UUID   `json:"config_external_id"`
	TagExternalID    uuid.UUID   `json:"tag_external_id"`
	Message          string      `json:"message"`
	ThreatLevel      ThreatLevel `json:"threat_level"`
	Timestamp        time.Time   `json:"timestamp"`
	Recipients       []string    `json:"recipients"`
}
