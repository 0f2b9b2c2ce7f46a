package coordinator_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/coordinator"
	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/killswitch"
	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/mode"
	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/safety"
	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/testutil"
	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/transport"
	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/wire"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	bus    *testutil.FakeBus
	clock  *manualClock
	coord  *coordinator.Coordinator
	client *transport.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	bus := testutil.NewFakeBus()
	clock := newManualClock()
	coord := coordinator.New(bus, coordinator.Config{
		Devices: []killswitch.DeviceConfig{
			{Name: "piezo", TimeLimit: 10 * time.Second},
			{Name: "electron-gun", TimeLimit: 30 * time.Second},
		},
		RequiredWorkers:   []string{"piezo-driver"},
		PressureThreshold: 1e-4,
		PressureDevices:   []string{"piezo", "electron-gun"},
		HeartbeatTimeout:  60 * time.Second,
	}, coordinator.WithClock(clock.Now))

	require.NoError(t, coord.Start(context.Background()))
	t.Cleanup(func() { _ = coord.Stop() })

	return &fixture{
		bus:    bus,
		clock:  clock,
		coord:  coord,
		client: transport.NewClient(bus, transport.WithClientTimeout(2*time.Second)),
	}
}

func (f *fixture) submit(t *testing.T, action wire.Action, params map[string]any) wire.Reply {
	t.Helper()
	rep, err := f.client.Submit(context.Background(), wire.NewCommand(action, "operator-ui", params))
	require.NoError(t, err)
	return rep
}

func TestTimeLimitKill(t *testing.T) {
	f := newFixture(t)

	rep := f.submit(t, wire.ActionArm, map[string]any{"device": "piezo"})
	require.True(t, rep.IsSuccess())

	f.clock.Advance(10200 * time.Millisecond)
	f.coord.Guard().Tick(context.Background())

	st, err := f.coord.Guard().Status("piezo")
	require.NoError(t, err)
	assert.False(t, st.Active)
	assert.True(t, st.Killed)

	events := f.coord.SafetyEvents()
	require.Len(t, events, 1)
	assert.Equal(t, safety.ReasonTimeLimitExceeded, events[0].TriggerType)
	assert.Equal(t, "piezo", events[0].Device)
	assert.Equal(t, mode.Safe, f.coord.Mode())

	// The worker was told to zero its output.
	published := f.bus.Published(transport.BroadcastSubject("piezo"))
	require.NotEmpty(t, published)
	var b wire.Broadcast
	require.NoError(t, json.Unmarshal(published[len(published)-1], &b))
	assert.Equal(t, "SET", b.Type)
	assert.Equal(t, 0.0, b.Values["value"])
}

func TestSetRejectedInSafeMode(t *testing.T) {
	f := newFixture(t)

	rep := f.submit(t, wire.ActionStop, nil)
	require.True(t, rep.IsSuccess())
	require.Equal(t, mode.Safe, f.coord.Mode())

	rep = f.submit(t, wire.ActionSet, map[string]any{"target": "piezo", "value": 1.0})
	assert.Equal(t, wire.StatusError, rep.Status)
	require.NotNil(t, rep.Error)
	assert.Equal(t, "InvalidModeTransition", rep.Error.Kind)
}

func TestHeartbeatTimeoutForcesSafe(t *testing.T) {
	f := newFixture(t)

	f.coord.Heartbeats().RecordHeartbeat("piezo-driver", f.clock.Now())
	f.clock.Advance(61 * time.Second)
	f.coord.Heartbeats().Tick()

	assert.Equal(t, mode.Safe, f.coord.Mode())
	events := f.coord.SafetyEvents()
	require.NotEmpty(t, events)
	assert.Equal(t, safety.ReasonWorkerTimeout, events[len(events)-1].TriggerType)
}

func TestConcurrentCreateExperiment(t *testing.T) {
	f := newFixture(t)
	const n = 16

	var wg sync.WaitGroup
	ids := make(chan string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rep, err := f.client.Submit(context.Background(),
				wire.NewCommand(wire.ActionCreateExperiment, "operator-ui", nil))
			if err != nil || !rep.IsSuccess() {
				ids <- ""
				return
			}
			id, _ := rep.Fields["exp_id"].(string)
			ids <- id
		}()
	}
	wg.Wait()
	close(ids)

	seen := make(map[string]bool)
	for id := range ids {
		require.NotEmpty(t, id)
		assert.False(t, seen[id], "duplicate exp_id %s", id)
		seen[id] = true
	}
	assert.Len(t, seen, n)
	assert.Len(t, f.coord.Tracker().IDs(), n)
}

func TestStopAndAcknowledge(t *testing.T) {
	f := newFixture(t)

	f.submit(t, wire.ActionArm, map[string]any{"device": "piezo"})
	rep := f.submit(t, wire.ActionStop, nil)
	require.True(t, rep.IsSuccess())
	assert.Equal(t, mode.Safe, f.coord.Mode())
	assert.True(t, f.coord.Guard().AllDisarmed(), "SAFE entry disarms everything")

	// AUTO from SAFE is not a thing.
	rep = f.submit(t, wire.ActionMode, map[string]any{"mode": "AUTO"})
	assert.Equal(t, wire.StatusError, rep.Status)

	// Operator acknowledgment brings us back to MANUAL.
	rep = f.submit(t, wire.ActionMode, map[string]any{"mode": "MANUAL"})
	require.True(t, rep.IsSuccess())
	assert.Equal(t, mode.Manual, f.coord.Mode())
}

func TestModeRoundTrip(t *testing.T) {
	f := newFixture(t)

	rep := f.submit(t, wire.ActionMode, map[string]any{"mode": "AUTO"})
	require.True(t, rep.IsSuccess())
	assert.Equal(t, "AUTO", rep.Fields["mode"])

	rep = f.submit(t, wire.ActionMode, map[string]any{"mode": "MANUAL"})
	require.True(t, rep.IsSuccess())
	assert.Equal(t, mode.Manual, f.coord.Mode())
}

func TestArmDisarmOverWire(t *testing.T) {
	f := newFixture(t)

	rep := f.submit(t, wire.ActionArm, map[string]any{"device": "piezo"})
	require.True(t, rep.IsSuccess())

	rep = f.submit(t, wire.ActionArm, map[string]any{"device": "piezo"})
	assert.Equal(t, wire.StatusError, rep.Status)
	assert.Equal(t, "AlreadyArmed", rep.Error.Kind)

	rep = f.submit(t, wire.ActionDisarm, map[string]any{"device": "piezo"})
	require.True(t, rep.IsSuccess())

	rep = f.submit(t, wire.ActionArm, map[string]any{"device": "unknown-thing"})
	assert.Equal(t, wire.StatusError, rep.Status)
	assert.Equal(t, "UnknownDevice", rep.Error.Kind)
}

func TestTriggerKillOverWire(t *testing.T) {
	f := newFixture(t)

	f.submit(t, wire.ActionArm, map[string]any{"device": "piezo"})
	rep := f.submit(t, wire.ActionTriggerKill, map[string]any{"device": "piezo"})
	require.True(t, rep.IsSuccess())

	st, err := f.coord.Guard().Status("piezo")
	require.NoError(t, err)
	assert.True(t, st.Killed)
	assert.Equal(t, mode.Safe, f.coord.Mode())
}

func TestStatusQueries(t *testing.T) {
	f := newFixture(t)

	rep := f.submit(t, wire.ActionGet, map[string]any{"target": "mode"})
	require.True(t, rep.IsSuccess())
	assert.Equal(t, "MANUAL", rep.Fields["mode"])

	rep = f.submit(t, wire.ActionGet, map[string]any{"target": "killswitch", "device": "piezo"})
	require.True(t, rep.IsSuccess())

	rep = f.submit(t, wire.ActionGet, map[string]any{"target": "workers"})
	require.True(t, rep.IsSuccess())

	f.submit(t, wire.ActionCreateExperiment, nil)
	rep = f.submit(t, wire.ActionGet, map[string]any{"target": "experiments"})
	require.True(t, rep.IsSuccess())
	assert.Len(t, rep.Fields["exp_ids"], 1)

	rep = f.submit(t, wire.ActionGet, map[string]any{"target": "nonsense"})
	assert.Equal(t, wire.StatusError, rep.Status)
}

func TestSetBroadcastsToTarget(t *testing.T) {
	f := newFixture(t)

	rep := f.submit(t, wire.ActionCreateExperiment, nil)
	require.True(t, rep.IsSuccess())
	expID := rep.Fields["exp_id"].(string)

	rep = f.submit(t, wire.ActionSet, map[string]any{"target": "piezo", "voltage": 2.5})
	require.True(t, rep.IsSuccess())

	published := f.bus.Published(transport.BroadcastSubject("piezo"))
	require.Len(t, published, 1)
	var b wire.Broadcast
	require.NoError(t, json.Unmarshal(published[0], &b))
	assert.Equal(t, "SET", b.Type)
	assert.Equal(t, expID, b.ExpID, "active experiment stamps outbound commands")
	assert.Equal(t, 2.5, b.Values["voltage"])
}

func TestSafetyEventBroadcastToClients(t *testing.T) {
	f := newFixture(t)

	f.submit(t, wire.ActionStop, nil)

	published := f.bus.Published(transport.SubjectSafety)
	require.Len(t, published, 1)
	var ev safety.Event
	require.NoError(t, json.Unmarshal(published[0], &ev))
	assert.Equal(t, safety.ReasonOperatorStop, ev.TriggerType)
	assert.Equal(t, "MANUAL", ev.PriorMode)
}

func TestPhaseOverWire(t *testing.T) {
	f := newFixture(t)

	rep := f.submit(t, wire.ActionCreateExperiment, map[string]any{"sample": "Si-111"})
	require.True(t, rep.IsSuccess())
	expID := rep.Fields["exp_id"].(string)

	rep = f.submit(t, wire.ActionPhase, map[string]any{"exp_id": expID, "phase": "RUNNING"})
	require.True(t, rep.IsSuccess())

	rep = f.submit(t, wire.ActionPhase, map[string]any{"exp_id": expID, "phase": "CREATED"})
	assert.Equal(t, wire.StatusError, rep.Status)
	assert.Equal(t, "InvalidPhaseTransition", rep.Error.Kind)
}

func TestWorkerSafetyTriggerForcesSafe(t *testing.T) {
	f := newFixture(t)

	res := wire.Result{
		Timestamp: f.clock.Now().UnixMilli(),
		Source:    "piezo-driver",
		Category:  wire.CategorySafetyTrigger,
		Payload:   map[string]any{"reason": "local watchdog fired"},
	}
	data, err := json.Marshal(res)
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(context.Background(), transport.SubjectResults, data))

	require.Eventually(t, func() bool {
		return f.coord.Mode() == mode.Safe
	}, 2*time.Second, 10*time.Millisecond)

	events := f.coord.SafetyEvents()
	require.NotEmpty(t, events)
	assert.Equal(t, safety.ReasonWorkerReported, events[0].TriggerType)
	assert.Equal(t, "piezo-driver", events[0].Device)
}

func TestHeartbeatViaDrain(t *testing.T) {
	f := newFixture(t)

	res := wire.Result{
		Timestamp: f.clock.Now().UnixMilli(),
		Source:    "camera-1",
		Category:  wire.CategoryHeartbeat,
	}
	data, err := json.Marshal(res)
	require.NoError(t, err)
	require.NoError(t, f.bus.Publish(context.Background(), transport.SubjectResults, data))

	require.Eventually(t, func() bool {
		return f.coord.Heartbeats().Alive("camera-1")
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPressureBreachEndToEnd(t *testing.T) {
	f := newFixture(t)

	f.submit(t, wire.ActionArm, map[string]any{"device": "piezo"})

	f.coord.Pressure().Observe(context.Background(), wire.PressureReading{
		Timestamp: f.clock.Now().UnixMilli(),
		ValueMbar: 2e-4,
	})

	assert.Equal(t, mode.Safe, f.coord.Mode())
	assert.True(t, f.coord.Guard().AllDisarmed())

	st, err := f.coord.Guard().Status("piezo")
	require.NoError(t, err)
	assert.True(t, st.Killed)
}

func TestSameClientCommandOrderUnderLoad(t *testing.T) {
	f := newFixture(t)

	// A second client hammers another device while the probe client
	// submits its sequence.
	loadDone := make(chan struct{})
	go func() {
		defer close(loadDone)
		for i := 0; i < 50; i++ {
			_, err := f.client.Submit(context.Background(),
				wire.NewCommand(wire.ActionSet, "sequencer",
					map[string]any{"target": "electron-gun", "value": float64(i)}))
			if err != nil {
				return
			}
		}
	}()

	for i := 0; i < 10; i++ {
		rep := f.submit(t, wire.ActionSet, map[string]any{"target": "piezo", "value": float64(i)})
		require.True(t, rep.IsSuccess())
	}
	<-loadDone

	// Each submit waits for its reply, so the fan-out must preserve the
	// client's issue order regardless of concurrent broadcast load.
	published := f.bus.Published(transport.BroadcastSubject("piezo"))
	require.Len(t, published, 10)
	for i, data := range published {
		var b wire.Broadcast
		require.NoError(t, json.Unmarshal(data, &b))
		assert.Equal(t, float64(i), b.Values["value"], "broadcast %d out of order", i)
	}
}

func TestStartSequenceRequiresAuto(t *testing.T) {
	f := newFixture(t)

	rep := f.submit(t, wire.ActionStartSequence, nil)
	assert.Equal(t, wire.StatusError, rep.Status)
	assert.Equal(t, "InvalidModeTransition", rep.Error.Kind)

	require.True(t, f.submit(t, wire.ActionMode, map[string]any{"mode": "AUTO"}).IsSuccess())
	rep = f.submit(t, wire.ActionStartSequence, nil)
	require.True(t, rep.IsSuccess())
	assert.NotEmpty(t, f.bus.Published(transport.BroadcastSubject("sequencer")))
}
