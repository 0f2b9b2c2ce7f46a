package killswitch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	laberrors "github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/errors"
	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/safety"
	"github.com/Douglaxii/Centralised-Lab-Control-Framework-sub000/wire"
)

// manualClock is a settable time source so watchdog timing is tested
// without sleeping.
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

// zeroRecorder captures force-zero commands.
type zeroRecorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *zeroRecorder) forceZero(_ context.Context, device, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, device+"/"+reason)
	return nil
}

func (r *zeroRecorder) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

func testDevices() []DeviceConfig {
	return []DeviceConfig{
		{Name: "piezo", TimeLimit: 10 * time.Second},
		{Name: "electron-gun", TimeLimit: 30 * time.Second},
	}
}

func TestArmDisarm(t *testing.T) {
	clock := newManualClock()
	g := NewGuard(testDevices(), WithClock(clock.Now))

	require.NoError(t, g.Arm("piezo"))
	assert.False(t, g.AllDisarmed())

	err := g.Arm("piezo")
	require.Error(t, err)
	assert.True(t, errors.Is(err, laberrors.ErrAlreadyArmed))
	assert.Equal(t, "AlreadyArmed", laberrors.Kind(err))

	require.NoError(t, g.Disarm("piezo"))
	assert.True(t, g.AllDisarmed())

	// Disarm of a disarmed device is a no-op.
	require.NoError(t, g.Disarm("piezo"))

	// Re-arm after explicit disarm is allowed.
	require.NoError(t, g.Arm("piezo"))
}

func TestUnknownDevice(t *testing.T) {
	g := NewGuard(testDevices())

	for _, err := range []error{
		g.Arm("flux-capacitor"),
		g.Disarm("flux-capacitor"),
		g.Trigger(context.Background(), "flux-capacitor", safety.ReasonOperatorStop),
	} {
		require.Error(t, err)
		assert.True(t, errors.Is(err, laberrors.ErrUnknownDevice))
	}

	_, err := g.Status("flux-capacitor")
	require.Error(t, err)
}

func TestTickKillsExpiredDevice(t *testing.T) {
	clock := newManualClock()
	rec := &zeroRecorder{}
	var escalations []string
	g := NewGuard(testDevices(),
		WithClock(clock.Now),
		WithForceZero(rec.forceZero),
		WithEscalate(func(reason string) { escalations = append(escalations, reason) }),
	)

	require.NoError(t, g.Arm("piezo"))

	// Just below the limit: nothing fires.
	clock.Advance(9900 * time.Millisecond)
	g.Tick(context.Background())
	assert.Empty(t, rec.all())
	st, err := g.Status("piezo")
	require.NoError(t, err)
	assert.True(t, st.Active)
	assert.False(t, st.Killed)
	assert.InDelta(t, 9.9, st.ElapsedSeconds, 0.001)
	assert.InDelta(t, 0.1, st.RemainingSeconds, 0.001)

	// Past the limit: disarmed, killed, force-zeroed, escalated.
	clock.Advance(300 * time.Millisecond)
	g.Tick(context.Background())

	st, err = g.Status("piezo")
	require.NoError(t, err)
	assert.False(t, st.Active)
	assert.True(t, st.Killed)
	assert.Equal(t, []string{"piezo/" + safety.ReasonTimeLimitExceeded}, rec.all())
	require.Len(t, escalations, 1)
	assert.Equal(t, safety.ReasonTimeLimitExceeded+":piezo", escalations[0])

	// The other device was never armed and stays untouched.
	st, err = g.Status("electron-gun")
	require.NoError(t, err)
	assert.False(t, st.Active)
	assert.False(t, st.Killed)
}

func TestTickIndependentTimers(t *testing.T) {
	clock := newManualClock()
	rec := &zeroRecorder{}
	g := NewGuard(testDevices(), WithClock(clock.Now), WithForceZero(rec.forceZero))

	require.NoError(t, g.Arm("piezo"))
	require.NoError(t, g.Arm("electron-gun"))

	clock.Advance(11 * time.Second)
	g.Tick(context.Background())

	assert.Equal(t, []string{"piezo/" + safety.ReasonTimeLimitExceeded}, rec.all())
	st, _ := g.Status("electron-gun")
	assert.True(t, st.Active)
}

func TestDisarmBeforeTickCancelsKill(t *testing.T) {
	clock := newManualClock()
	rec := &zeroRecorder{}
	g := NewGuard(testDevices(), WithClock(clock.Now), WithForceZero(rec.forceZero))

	require.NoError(t, g.Arm("piezo"))
	clock.Advance(11 * time.Second)
	require.NoError(t, g.Disarm("piezo"))
	g.Tick(context.Background())

	assert.Empty(t, rec.all())
	st, _ := g.Status("piezo")
	assert.False(t, st.Killed)
}

func TestTrigger(t *testing.T) {
	clock := newManualClock()
	rec := &zeroRecorder{}
	g := NewGuard(testDevices(), WithClock(clock.Now), WithForceZero(rec.forceZero))

	require.NoError(t, g.Arm("piezo"))
	require.NoError(t, g.Trigger(context.Background(), "piezo", safety.ReasonOperatorStop))

	st, _ := g.Status("piezo")
	assert.False(t, st.Active)
	assert.True(t, st.Killed)
	assert.Equal(t, []string{"piezo/" + safety.ReasonOperatorStop}, rec.all())

	// Triggering a disarmed device still force-zeroes it.
	require.NoError(t, g.Trigger(context.Background(), "electron-gun", safety.ReasonOperatorStop))
	assert.Len(t, rec.all(), 2)
}

func TestDisarmAll(t *testing.T) {
	clock := newManualClock()
	rec := &zeroRecorder{}
	g := NewGuard(testDevices(), WithClock(clock.Now), WithForceZero(rec.forceZero))

	require.NoError(t, g.Arm("piezo"))
	require.NoError(t, g.Arm("electron-gun"))

	g.DisarmAll(context.Background(), safety.ReasonOperatorStop)

	assert.True(t, g.AllDisarmed())
	assert.Len(t, rec.all(), 2)
}

func TestAnyArmedLongerThan(t *testing.T) {
	clock := newManualClock()
	g := NewGuard(testDevices(), WithClock(clock.Now))

	assert.False(t, g.AnyArmedLongerThan(time.Second))

	require.NoError(t, g.Arm("piezo"))
	assert.False(t, g.AnyArmedLongerThan(time.Second), "within grace")

	clock.Advance(2 * time.Second)
	assert.True(t, g.AnyArmedLongerThan(time.Second))
}

func TestForceZeroRetries(t *testing.T) {
	clock := newManualClock()
	var attempts int
	g := NewGuard(testDevices(),
		WithClock(clock.Now),
		WithForceZero(func(context.Context, string, string) error {
			attempts++
			if attempts < 3 {
				return laberrors.ErrTransportFailure
			}
			return nil
		}),
	)

	require.NoError(t, g.Trigger(context.Background(), "piezo", safety.ReasonOperatorStop))
	assert.Equal(t, 3, attempts)
}

func TestStatusAll(t *testing.T) {
	g := NewGuard(testDevices())
	all := g.StatusAll()
	require.Len(t, all, 2)
	assert.Contains(t, all, "piezo")
	assert.Contains(t, all, "electron-gun")
	assert.Equal(t, wire.KillStatus{TimeLimit: 10}, all["piezo"])
}
