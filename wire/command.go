// Package wire defines the coordinator wire protocol: the closed command
// action set, the client request/reply schema, the fan-out broadcast schema,
// and the fan-in worker result schema.
//
// Commands are immutable once issued. Anything outside the closed action set
// is rejected at parse time, not at dispatch time.
package wire

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/errors"
	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/pkg/timestamp"
)

// Action identifies a command kind from the closed action set.
type Action int

const (
	// ActionSet writes a value on a hardware-interface target.
	ActionSet Action = iota
	// ActionGet reads coordinator or device status.
	ActionGet
	// ActionStop requests an immediate SAFE transition.
	ActionStop
	// ActionMode requests an operating mode change.
	ActionMode
	// ActionStartSequence starts an automated experiment sequence.
	ActionStartSequence
	// ActionTriggerKill fires a kill-switch immediately ("STOP NOW").
	ActionTriggerKill
	// ActionArm arms a protected device's kill-switch timer.
	ActionArm
	// ActionDisarm disarms a protected device's kill-switch timer.
	ActionDisarm
	// ActionCreateExperiment allocates a new experiment context.
	ActionCreateExperiment
	// ActionPhase advances an experiment context to its next phase.
	ActionPhase
)

// actionNames maps actions to their wire representation.
var actionNames = map[Action]string{
	ActionSet:              "SET",
	ActionGet:              "GET",
	ActionStop:             "STOP",
	ActionMode:             "MODE",
	ActionStartSequence:    "START_SEQUENCE",
	ActionTriggerKill:      "TRIGGER_KILL",
	ActionArm:              "ARM",
	ActionDisarm:           "DISARM",
	ActionCreateExperiment: "CREATE_EXPERIMENT",
	ActionPhase:            "PHASE",
}

// actionValues is the reverse lookup used at parse time.
var actionValues = func() map[string]Action {
	m := make(map[string]Action, len(actionNames))
	for a, name := range actionNames {
		m[name] = a
	}
	return m
}()

// String returns the wire representation of the action.
func (a Action) String() string {
	if name, ok := actionNames[a]; ok {
		return name
	}
	return fmt.Sprintf("Action(%d)", int(a))
}

// ParseAction converts a wire action string to an Action. Anything outside
// the closed set fails with ErrUnknownAction.
func ParseAction(s string) (Action, error) {
	if a, ok := actionValues[s]; ok {
		return a, nil
	}
	return 0, errors.WrapInvalid(
		fmt.Errorf("%w: %q", errors.ErrUnknownAction, s),
		"wire", "ParseAction", "parse action")
}

// Actions returns every action in the closed set, for allow-list
// construction.
func Actions() []Action {
	out := make([]Action, 0, len(actionNames))
	for a := range actionNames {
		out = append(out, a)
	}
	return out
}

// MarshalJSON encodes the action as its wire string.
func (a Action) MarshalJSON() ([]byte, error) {
	name, ok := actionNames[a]
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %d", errors.ErrUnknownAction, int(a)),
			"Action", "MarshalJSON", "encode action")
	}
	return json.Marshal(name)
}

// UnmarshalJSON decodes and validates the action against the closed set.
func (a *Action) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return errors.WrapInvalid(err, "Action", "UnmarshalJSON", "decode action string")
	}
	parsed, err := ParseAction(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Command is an immutable command issued by an operator interface or an
// automation source. ExpID is stamped by the experiment tracker if absent.
type Command struct {
	ID       string         `json:"id"`
	Action   Action         `json:"action"`
	Source   string         `json:"source"`
	Params   map[string]any `json:"params,omitempty"`
	ExpID    string         `json:"exp_id,omitempty"`
	IssuedAt int64          `json:"issued_at"` // Unix milliseconds
}

// NewCommand creates a command stamped with a fresh ID and issue time.
func NewCommand(action Action, source string, params map[string]any) Command {
	return Command{
		ID:       uuid.New().String(),
		Action:   action,
		Source:   source,
		Params:   params,
		IssuedAt: timestamp.Now(),
	}
}

// WithExpID returns a copy of the command carrying the given experiment ID.
// The original command is not modified.
func (c Command) WithExpID(expID string) Command {
	c.ExpID = expID
	return c
}

// StringParam returns a string parameter by name.
func (c Command) StringParam(key string) (string, bool) {
	v, ok := c.Params[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// FloatParam returns a numeric parameter by name. JSON numbers decode as
// float64.
func (c Command) FloatParam(key string) (float64, bool) {
	v, ok := c.Params[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}

// Validate checks structural validity of a decoded command.
func (c Command) Validate() error {
	if _, ok := actionNames[c.Action]; !ok {
		return errors.WrapInvalid(errors.ErrUnknownAction, "Command", "Validate", "check action")
	}
	if c.Source == "" {
		return errors.WrapInvalid(
			fmt.Errorf("source cannot be empty"),
			"Command", "Validate", "check source")
	}
	return nil
}

// ParseCommand decodes and validates a client request. The request schema is
// {action, source, params, exp_id?}; ID and IssuedAt are assigned here when
// the client did not supply them. The action field is decoded through a
// pointer so an absent field cannot alias the zero Action value.
func ParseCommand(data []byte) (Command, error) {
	var raw struct {
		ID       string         `json:"id"`
		Action   *Action        `json:"action"`
		Source   string         `json:"source"`
		Params   map[string]any `json:"params"`
		ExpID    string         `json:"exp_id"`
		IssuedAt int64          `json:"issued_at"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return Command{}, errors.WrapInvalid(err, "wire", "ParseCommand", "decode request")
	}
	if raw.Action == nil {
		return Command{}, errors.WrapInvalid(
			fmt.Errorf("%w: action field missing", errors.ErrUnknownAction),
			"wire", "ParseCommand", "decode request")
	}

	cmd := Command{
		ID:       raw.ID,
		Action:   *raw.Action,
		Source:   raw.Source,
		Params:   raw.Params,
		ExpID:    raw.ExpID,
		IssuedAt: raw.IssuedAt,
	}
	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	}
	if cmd.IssuedAt == 0 {
		cmd.IssuedAt = timestamp.Now()
	}
	if err := cmd.Validate(); err != nil {
		return Command{}, err
	}
	return cmd, nil
}

// Encode serializes the command for the wire.
func (c Command) Encode() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Command", "Encode", "encode command")
	}
	return data, nil
}

// Age returns how long ago the command was issued.
func (c Command) Age(now time.Time) time.Duration {
	return now.Sub(timestamp.FromUnixMs(c.IssuedAt))
}
