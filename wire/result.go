package wire

import (
	"encoding/json"
	"fmt"

	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/errors"
	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/pkg/timestamp"
)

// Result categories reported by hardware-interface workers on the
// fan-in channel.
const (
	CategoryHeartbeat     = "HEARTBEAT"
	CategoryResult        = "RESULT"
	CategoryError         = "ERROR"
	CategorySafetyTrigger = "SAFETY_TRIGGER"
)

// validCategories is the closed category set for fan-in messages.
var validCategories = map[string]struct{}{
	CategoryHeartbeat:     {},
	CategoryResult:        {},
	CategoryError:         {},
	CategorySafetyTrigger: {},
}

// Broadcast is the fan-out command schema delivered to subscribed
// hardware-interface workers.
type Broadcast struct {
	Type      string         `json:"type"`
	Values    map[string]any `json:"values,omitempty"`
	ExpID     string         `json:"exp_id"`
	Timestamp int64          `json:"timestamp"` // Unix milliseconds
}

// NewBroadcast builds a broadcast envelope from a command.
func NewBroadcast(cmd Command) Broadcast {
	return Broadcast{
		Type:      cmd.Action.String(),
		Values:    cmd.Params,
		ExpID:     cmd.ExpID,
		Timestamp: timestamp.Now(),
	}
}

// Encode marshals the broadcast for the wire.
func (b Broadcast) Encode() ([]byte, error) {
	data, err := json.Marshal(b)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Broadcast", "Encode", "marshal broadcast")
	}
	return data, nil
}

// Result is the fan-in schema for telemetry, results, heartbeats, and
// errors collected from workers.
type Result struct {
	Timestamp int64          `json:"timestamp"` // Unix milliseconds
	Source    string         `json:"source"`
	Category  string         `json:"category"`
	Payload   map[string]any `json:"payload,omitempty"`
	ExpID     string         `json:"exp_id,omitempty"`
}

// Validate checks structural validity of a fan-in message.
func (r Result) Validate() error {
	if r.Source == "" {
		return errors.WrapInvalid(
			fmt.Errorf("source cannot be empty"),
			"Result", "Validate", "check source")
	}
	if _, ok := validCategories[r.Category]; !ok {
		return errors.WrapInvalid(
			fmt.Errorf("unknown category %q", r.Category),
			"Result", "Validate", "check category")
	}
	return nil
}

// ParseResult decodes and validates a fan-in message.
func ParseResult(data []byte) (Result, error) {
	var r Result
	if err := json.Unmarshal(data, &r); err != nil {
		return Result{}, errors.WrapInvalid(err, "wire", "ParseResult", "decode result")
	}
	if r.Timestamp == 0 {
		r.Timestamp = timestamp.Now()
	}
	if err := r.Validate(); err != nil {
		return Result{}, err
	}
	return r, nil
}

// KillStatus is the per-device kill-switch status query response.
type KillStatus struct {
	Active           bool    `json:"active"`
	ElapsedSeconds   float64 `json:"elapsed_seconds"`
	RemainingSeconds float64 `json:"remaining_seconds"`
	TimeLimit        float64 `json:"time_limit"`
	Killed           bool    `json:"killed"`
}

// PressureReading is the telemetry input consumed from the vacuum gauge
// feed. Not produced by the coordinator.
type PressureReading struct {
	Timestamp int64   `json:"timestamp"` // Unix milliseconds
	ValueMbar float64 `json:"value_mbar"`
}

// ParsePressureReading decodes a telemetry feed sample.
func ParsePressureReading(data []byte) (PressureReading, error) {
	var p PressureReading
	if err := json.Unmarshal(data, &p); err != nil {
		return PressureReading{}, errors.WrapInvalid(err, "wire", "ParsePressureReading", "decode reading")
	}
	if p.ValueMbar < 0 {
		return PressureReading{}, errors.WrapInvalid(
			fmt.Errorf("negative pressure %v", p.ValueMbar),
			"wire", "ParsePressureReading", "validate reading")
	}
	return p, nil
}
