package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/errors"
)

func TestParseAction(t *testing.T) {
	for _, name := range []string{"SET", "GET", "STOP", "MODE", "START_SEQUENCE", "TRIGGER_KILL", "ARM", "DISARM", "CREATE_EXPERIMENT", "PHASE"} {
		a, err := ParseAction(name)
		require.NoError(t, err, name)
		assert.Equal(t, name, a.String())
	}
}

func TestParseActionRejectsUnknown(t *testing.T) {
	_, err := ParseAction("LAUNCH_MISSILES")
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnknownAction)
	assert.Equal(t, "UnknownAction", errors.Kind(err))
}

func TestParseCommand(t *testing.T) {
	data := []byte(`{"action":"SET","source":"dashboard","params":{"target":"piezo","voltage":12.5}}`)
	cmd, err := ParseCommand(data)
	require.NoError(t, err)

	assert.Equal(t, ActionSet, cmd.Action)
	assert.Equal(t, "dashboard", cmd.Source)
	assert.NotEmpty(t, cmd.ID)
	assert.NotZero(t, cmd.IssuedAt)

	target, ok := cmd.StringParam("target")
	require.True(t, ok)
	assert.Equal(t, "piezo", target)

	voltage, ok := cmd.FloatParam("voltage")
	require.True(t, ok)
	assert.Equal(t, 12.5, voltage)
}

func TestParseCommandRejectsUnknownActionAtParseTime(t *testing.T) {
	data := []byte(`{"action":"FROBNICATE","source":"dashboard"}`)
	_, err := ParseCommand(data)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrUnknownAction)
}

func TestParseCommandRejectsMissingAction(t *testing.T) {
	// An absent action must never alias the zero Action value and slip
	// through as a hardware write.
	tests := []struct {
		name string
		data string
	}{
		{"absent", `{"source":"operator-ui","params":{"target":"piezo","value":9.9}}`},
		{"null", `{"action":null,"source":"operator-ui"}`},
		{"empty string", `{"action":"","source":"operator-ui"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCommand([]byte(tt.data))
			require.Error(t, err)
			assert.ErrorIs(t, err, errors.ErrUnknownAction)
			assert.Equal(t, "UnknownAction", errors.Kind(err))
		})
	}
}

func TestParseCommandRejectsEmptySource(t *testing.T) {
	data := []byte(`{"action":"GET"}`)
	_, err := ParseCommand(data)
	assert.Error(t, err)
}

func TestParseCommandRejectsMalformedJSON(t *testing.T) {
	_, err := ParseCommand([]byte(`{not json`))
	assert.Error(t, err)
}

func TestCommandWithExpIDIsCopy(t *testing.T) {
	cmd := NewCommand(ActionSet, "test", nil)
	stamped := cmd.WithExpID("exp-000001-abcd")
	assert.Empty(t, cmd.ExpID)
	assert.Equal(t, "exp-000001-abcd", stamped.ExpID)
}

func TestActionJSONRoundTrip(t *testing.T) {
	cmd := NewCommand(ActionTriggerKill, "panic-button", map[string]any{"device": "egun"})
	data, err := json.Marshal(cmd)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"action":"TRIGGER_KILL"`)

	var decoded Command
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, ActionTriggerKill, decoded.Action)
}

func TestReplySuccess(t *testing.T) {
	r := Success("exp-000001-abcd", map[string]any{"mode": "AUTO"})
	assert.True(t, r.IsSuccess())

	decoded, err := DecodeReply(r.Encode())
	require.NoError(t, err)
	assert.Equal(t, StatusSuccess, decoded.Status)
	assert.Equal(t, "exp-000001-abcd", decoded.ExpID)
	assert.Equal(t, "AUTO", decoded.Fields["mode"])
}

func TestReplyFailureCarriesKind(t *testing.T) {
	r := Failure(errors.WrapRecoverable(errors.ErrInvalidModeTransition, "Machine", "Transition", "guard"))
	assert.False(t, r.IsSuccess())
	require.NotNil(t, r.Error)
	assert.Equal(t, "InvalidModeTransition", r.Error.Kind)
	assert.NotEmpty(t, r.Error.Message)
}

func TestNewBroadcastFromCommand(t *testing.T) {
	cmd := NewCommand(ActionSet, "operator", map[string]any{"voltage": 3.3}).WithExpID("exp-000002-ffff")
	b := NewBroadcast(cmd)

	assert.Equal(t, "SET", b.Type)
	assert.Equal(t, "exp-000002-ffff", b.ExpID)
	assert.NotZero(t, b.Timestamp)

	data, err := b.Encode()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"exp_id":"exp-000002-ffff"`)
}

func TestParseResult(t *testing.T) {
	data := []byte(`{"timestamp":1672574400000,"source":"camera-worker","category":"RESULT","payload":{"ions":3},"exp_id":"exp-000003-1234"}`)
	r, err := ParseResult(data)
	require.NoError(t, err)
	assert.Equal(t, "camera-worker", r.Source)
	assert.Equal(t, CategoryResult, r.Category)
	assert.Equal(t, float64(3), r.Payload["ions"])
}

func TestParseResultRejectsUnknownCategory(t *testing.T) {
	data := []byte(`{"source":"w1","category":"GOSSIP"}`)
	_, err := ParseResult(data)
	assert.Error(t, err)
}

func TestParseResultAssignsTimestamp(t *testing.T) {
	data := []byte(`{"source":"w1","category":"HEARTBEAT"}`)
	r, err := ParseResult(data)
	require.NoError(t, err)
	assert.NotZero(t, r.Timestamp)
}

func TestParsePressureReading(t *testing.T) {
	r, err := ParsePressureReading([]byte(`{"timestamp":1672574400000,"value_mbar":2.5e-9}`))
	require.NoError(t, err)
	assert.Equal(t, 2.5e-9, r.ValueMbar)

	_, err = ParsePressureReading([]byte(`{"value_mbar":-1}`))
	assert.Error(t, err)
}
