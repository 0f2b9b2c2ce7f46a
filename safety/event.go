// Package safety provides the append-only safety event audit log. Every
// SAFE transition, kill-switch trigger, and pressure alarm appends exactly
// one event here; events are never mutated or deleted.
package safety

import (
	"encoding/json"
	"time"

	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/pkg/timestamp"
)

// Trigger types recorded in safety events. These strings appear verbatim in
// audit records and SAFE-transition reasons.
const (
	ReasonTimeLimitExceeded = "TIME_LIMIT_EXCEEDED"
	ReasonWorkerTimeout     = "WORKER_TIMEOUT"
	ReasonPressureAlarm     = "PRESSURE_ALARM"
	ReasonOperatorStop      = "OPERATOR_STOP"
	ReasonKillTrigger       = "KILL_TRIGGER"
	ReasonWorkerReported    = "WORKER_REPORTED"
)

// Event is an append-only audit record of a safety-classified occurrence.
type Event struct {
	TriggerType string `json:"trigger_type"`
	Device      string `json:"device,omitempty"`
	Timestamp   int64  `json:"timestamp"` // Unix milliseconds
	PriorMode   string `json:"prior_mode"`
	Detail      string `json:"detail,omitempty"`
}

// NewEvent creates a safety event stamped with the current time.
func NewEvent(trigger, device, priorMode, detail string) Event {
	return Event{
		TriggerType: trigger,
		Device:      device,
		Timestamp:   timestamp.Now(),
		PriorMode:   priorMode,
		Detail:      detail,
	}
}

// Encode marshals the event for audit persistence and client broadcast.
func (e Event) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Time returns the event timestamp as time.Time.
func (e Event) Time() time.Time {
	return timestamp.FromUnixMs(e.Timestamp)
}
