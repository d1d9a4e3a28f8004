package safety

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ltth/actuator/internal/command"
	"github.com/ltth/actuator/internal/testutil"
)

var epoch = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

// openLimits disables every time-based check so tests can enable one at a time.
func openLimits() Limits {
	return Limits{MaxIntensity: 100, MaxDurationMs: 10000}
}

func newTestManager(t *testing.T, limits Limits) (*Manager, *testutil.ManualClock) {
	t.Helper()
	clock := testutil.NewManualClock(epoch)
	m := NewManager(limits, WithClock(clock.Now), WithLocation(time.UTC))
	return m, clock
}

func vibrate(device string, intensity int) command.Command {
	return command.New(device, command.KindVibrate, intensity, 500, epoch)
}

func TestValidate_ScenarioClampThenDeviceCooldown(t *testing.T) {
	limits := openLimits()
	limits.MaxIntensity = 80
	limits.PerDeviceCooldownMs = 3000
	m, clock := newTestManager(t, limits)

	first := m.Validate(command.New("D1", command.KindShock, 150, 1000, epoch))
	require.True(t, first.Allowed)
	assert.Equal(t, 80, first.AdjustedIntensity)
	assert.True(t, first.Clamped)
	assert.Equal(t, 80, first.Command.Intensity)

	clock.Advance(1000 * time.Millisecond)
	second := m.Validate(command.New("D1", command.KindShock, 10, 1000, epoch))
	require.False(t, second.Allowed)
	assert.Equal(t, ReasonCooldown, second.Code)
	assert.Contains(t, second.Reason, "cooldown")
	assert.Contains(t, second.Reason, "2.0s remaining")
}

func TestValidate_ClampDoesNotMutateInput(t *testing.T) {
	m, _ := newTestManager(t, Limits{MaxIntensity: 30, MaxDurationMs: 200})
	cmd := command.New("D1", command.KindShock, 90, 900, epoch)

	d := m.Validate(cmd)

	require.True(t, d.Allowed)
	assert.Equal(t, 90, cmd.Intensity)
	assert.Equal(t, 900, cmd.DurationMs)
	assert.Equal(t, 30, d.AdjustedIntensity)
	assert.Equal(t, 200, d.AdjustedDuration)
}

func TestValidate_NegativeValuesClampToZero(t *testing.T) {
	m, _ := newTestManager(t, openLimits())
	d := m.Validate(command.New("D1", command.KindVibrate, -20, -5, epoch))
	require.True(t, d.Allowed)
	assert.Equal(t, 0, d.AdjustedIntensity)
	assert.Equal(t, 0, d.AdjustedDuration)
}

func TestValidate_CooldownScopesAreIndependent(t *testing.T) {
	limits := openLimits()
	limits.PerUserCooldownMs = 5000
	m, clock := newTestManager(t, limits)

	a := vibrate("D1", 10).WithOrigin("alice", command.SourceMapping)
	b := vibrate("D1", 10).WithOrigin("bob", command.SourceMapping)

	require.True(t, m.Validate(a).Allowed)
	clock.Advance(time.Second)

	// Different user on the same device: user cooldown does not apply.
	assert.True(t, m.Validate(b).Allowed)

	// Same user again: rejected.
	d := m.Validate(a)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "(user)")

	// Commands without an origin user skip the per-user check.
	assert.True(t, m.Validate(vibrate("D1", 10)).Allowed)
}

func TestValidate_GlobalCooldownSpansDevices(t *testing.T) {
	limits := openLimits()
	limits.GlobalCooldownMs = 2000
	m, clock := newTestManager(t, limits)

	require.True(t, m.Validate(vibrate("D1", 10)).Allowed)
	d := m.Validate(vibrate("D2", 10))
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "(global)")

	clock.Advance(2 * time.Second)
	assert.True(t, m.Validate(vibrate("D2", 10)).Allowed)
}

func TestValidate_RejectionDoesNotResetCooldown(t *testing.T) {
	limits := openLimits()
	limits.PerDeviceCooldownMs = 3000
	m, clock := newTestManager(t, limits)

	require.True(t, m.Validate(vibrate("D1", 10)).Allowed)
	clock.Advance(2 * time.Second)
	require.False(t, m.Validate(vibrate("D1", 10)).Allowed)
	clock.Advance(1 * time.Second)
	assert.True(t, m.Validate(vibrate("D1", 10)).Allowed,
		"cooldown is measured from the last approved command, not the last attempt")
}

func TestValidate_RateLimitRollingWindow(t *testing.T) {
	limits := openLimits()
	limits.MaxCommandsPerWindow = 3
	limits.WindowMs = 10000
	m, clock := newTestManager(t, limits)

	for i := 0; i < 3; i++ {
		require.True(t, m.Validate(vibrate("D1", 10)).Allowed, "command %d", i+1)
		clock.Advance(time.Second)
	}

	d := m.Validate(vibrate("D1", 10))
	require.False(t, d.Allowed)
	assert.Equal(t, ReasonRateLimit, d.Code)

	// Other devices have their own window.
	assert.True(t, m.Validate(vibrate("D2", 10)).Allowed)

	// First approval was at t=0; at t=10s it leaves the window.
	clock.Set(epoch.Add(10 * time.Second))
	assert.True(t, m.Validate(vibrate("D1", 10)).Allowed)
}

func TestValidate_DailyCapResetsAtLocalMidnight(t *testing.T) {
	limits := openLimits()
	limits.DailyCap = 2
	loc := time.FixedZone("UTC+2", 2*60*60)
	// 21:30 UTC is 23:30 local.
	clock := testutil.NewManualClock(time.Date(2026, 3, 14, 21, 30, 0, 0, time.UTC))
	m := NewManager(limits, WithClock(clock.Now), WithLocation(loc))

	require.True(t, m.Validate(vibrate("D1", 10)).Allowed)
	require.True(t, m.Validate(vibrate("D1", 10)).Allowed)
	d := m.Validate(vibrate("D1", 10))
	require.False(t, d.Allowed)
	assert.Equal(t, ReasonDailyCap, d.Code)

	// 22:30 UTC is 00:30 local on the next day.
	clock.Advance(time.Hour)
	assert.True(t, m.Validate(vibrate("D1", 10)).Allowed)
}

func TestEmergencyStop_BlocksAllButStop(t *testing.T) {
	m, _ := newTestManager(t, openLimits())

	var events []bool
	m.OnEmergencyChange(func(active bool) { events = append(events, active) })

	require.True(t, m.TriggerEmergencyStop())
	assert.False(t, m.TriggerEmergencyStop(), "second trigger is a no-op")
	assert.True(t, m.EmergencyActive())

	for _, k := range []command.Kind{command.KindShock, command.KindVibrate, command.KindSound} {
		d := m.Validate(command.New("D1", k, 10, 100, epoch))
		assert.False(t, d.Allowed, k.String())
		assert.Equal(t, ReasonEmergencyStop, d.Code)
	}
	assert.True(t, m.Validate(command.Stop("D1", command.SourceManual, epoch)).Allowed)

	require.True(t, m.ClearEmergencyStop())
	assert.True(t, m.Validate(vibrate("D1", 10)).Allowed)
	assert.Equal(t, []bool{true, false}, events)
}

func TestValidate_StopBypassesCooldownAndIsNotCounted(t *testing.T) {
	limits := openLimits()
	limits.PerDeviceCooldownMs = 60000
	limits.DailyCap = 1
	m, _ := newTestManager(t, limits)

	require.True(t, m.Validate(vibrate("D1", 10)).Allowed)
	for i := 0; i < 3; i++ {
		assert.True(t, m.Validate(command.Stop("D1", command.SourcePattern, epoch)).Allowed)
	}
}

func TestValidate_InvalidCommand(t *testing.T) {
	m, _ := newTestManager(t, openLimits())
	d := m.Validate(command.Command{Kind: command.KindShock})
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonInvalid, d.Code)
}

func TestUpdateConfig_KeepsCooldownState(t *testing.T) {
	limits := openLimits()
	limits.PerDeviceCooldownMs = 1000
	m, clock := newTestManager(t, limits)

	require.True(t, m.Validate(vibrate("D1", 10)).Allowed)
	clock.Advance(2 * time.Second)

	limits.PerDeviceCooldownMs = 5000
	require.NoError(t, m.UpdateConfig(limits))

	d := m.Validate(vibrate("D1", 10))
	assert.False(t, d.Allowed, "history recorded before the update still counts")
	assert.Contains(t, d.Reason, "3.0s remaining")
}

func TestUpdateConfig_RejectsInvalid(t *testing.T) {
	m, _ := newTestManager(t, openLimits())
	err := m.UpdateConfig(Limits{MaxIntensity: 101})
	assert.Error(t, err)
	assert.Equal(t, 100, m.Limits().MaxIntensity)

	err = m.UpdateConfig(Limits{MaxIntensity: 10, MaxCommandsPerWindow: 5})
	assert.ErrorContains(t, err, "window_ms")
}

func TestUpdateConfig_PreservesEmergencyStop(t *testing.T) {
	m, _ := newTestManager(t, openLimits())
	m.TriggerEmergencyStop()
	require.NoError(t, m.UpdateConfig(DefaultLimits()))
	assert.True(t, m.EmergencyActive())
}

func TestValidate_ConcurrentSameDeviceApprovesOnce(t *testing.T) {
	limits := openLimits()
	limits.PerDeviceCooldownMs = 5000
	m, _ := newTestManager(t, limits)

	var wg sync.WaitGroup
	var mu sync.Mutex
	approved := 0
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Validate(vibrate("D1", 10)).Allowed {
				mu.Lock()
				approved++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, approved, "only one validation may see the device off cooldown")
}

func TestStatus_Counts(t *testing.T) {
	limits := openLimits()
	limits.MaxIntensity = 10
	limits.PerDeviceCooldownMs = 1000
	m, _ := newTestManager(t, limits)

	m.Validate(vibrate("D1", 50))
	m.Validate(vibrate("D1", 5))

	st := m.Status()
	assert.Equal(t, 1, st.Stats.Approved)
	assert.Equal(t, 1, st.Stats.Clamped)
	assert.Equal(t, 1, st.Stats.Rejected["cooldown"])
	assert.False(t, st.EmergencyStop)
}

func TestValidate_WindowDisabledKeepsNoStamps(t *testing.T) {
	m, clock := newTestManager(t, openLimits())

	for i := 0; i < 10000; i++ {
		require.True(t, m.Validate(vibrate("D1", 10)).Allowed)
		clock.Advance(time.Second)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Empty(t, m.windows)
}

func TestValidate_SweepDropsExpiredState(t *testing.T) {
	limits := openLimits()
	limits.PerUserCooldownMs = 2000
	limits.PerDeviceCooldownMs = 1000
	limits.MaxCommandsPerWindow = 10
	limits.WindowMs = 5000
	m, clock := newTestManager(t, limits)

	for i := 0; i < 50; i++ {
		cmd := vibrate(fmt.Sprintf("D%d", i), 10).WithOrigin(fmt.Sprintf("user-%d", i), "manual")
		require.True(t, m.Validate(cmd).Allowed)
	}

	clock.Advance(sweepInterval)
	require.True(t, m.Validate(vibrate("D-last", 10).WithOrigin("user-last", "manual")).Allowed)

	m.mu.Lock()
	defer m.mu.Unlock()
	assert.Len(t, m.lastUser, 1)
	assert.Len(t, m.lastDevice, 1)
	assert.Len(t, m.windows, 1)
	assert.Contains(t, m.windows, "D-last")
}

func TestValidate_SweepKeepsLiveCooldowns(t *testing.T) {
	limits := openLimits()
	limits.PerDeviceCooldownMs = int((2 * sweepInterval).Milliseconds())
	m, clock := newTestManager(t, limits)

	require.True(t, m.Validate(vibrate("D1", 10)).Allowed)
	clock.Advance(sweepInterval)

	d := m.Validate(vibrate("D1", 10))
	assert.False(t, d.Allowed)
	assert.Equal(t, ReasonCooldown, d.Code)
}
