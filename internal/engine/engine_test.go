package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ltth/actuator/internal/command"
	"github.com/ltth/actuator/internal/ident"
	"github.com/ltth/actuator/internal/mapping"
	"github.com/ltth/actuator/internal/observer"
	"github.com/ltth/actuator/internal/pattern"
	"github.com/ltth/actuator/internal/queue"
	"github.com/ltth/actuator/internal/safety"
	"github.com/ltth/actuator/internal/testutil"
)

var epoch = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

func openLimits() safety.Limits {
	return safety.Limits{MaxIntensity: 100, MaxDurationMs: 10000}
}

type harness struct {
	engine *Engine
	tr     *testutil.RecordingTransport
	obs    *testutil.RecordingObserver
	clock  *testutil.ManualClock
	waits  chan chan time.Time
}

func newHarness(t *testing.T, limits safety.Limits, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		tr:    testutil.NewRecordingTransport("D1", "D2"),
		obs:   &testutil.RecordingObserver{},
		clock: testutil.NewManualClock(epoch),
		waits: make(chan chan time.Time, 16),
	}
	after := func(time.Duration) <-chan time.Time {
		ch := make(chan time.Time, 1)
		h.waits <- ch
		return ch
	}
	base := []Option{
		WithLimits(limits),
		WithClock(h.clock.Now),
		WithLocation(time.UTC),
		WithObserver(h.obs),
		WithIDGenerator(ident.NewSequence("id")),
		WithQueueOptions(queue.WithTickInterval(5 * time.Millisecond)),
		WithPatternOptions(pattern.WithTimer(after)),
	}
	h.engine = New(h.tr, append(base, opts...)...)
	return h
}

func (h *harness) run(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.engine.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func (h *harness) nextWait(t *testing.T) chan time.Time {
	t.Helper()
	select {
	case ch := <-h.waits:
		return ch
	case <-time.After(2 * time.Second):
		t.Fatal("pattern never waited")
		return nil
	}
}

func (h *harness) waitSent(t *testing.T, device string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(h.tr.SentTo(device)) >= n
	}, 2*time.Second, 5*time.Millisecond, "expected %d sends to %s", n, device)
}

func (h *harness) waitState(t *testing.T, id, state string) observer.Notification {
	t.Helper()
	var last observer.Notification
	require.Eventually(t, func() bool {
		n, ok := h.obs.Last(id)
		last = n
		return ok && n.State == state
	}, 2*time.Second, 5*time.Millisecond, "item %s never reached %s", id, state)
	return last
}

func TestPulse3_CancelAfterStepTwo_DispatchOrder(t *testing.T) {
	h := newHarness(t, openLimits())
	h.run(t)

	runID, err := h.engine.StartPattern("Pulse3", "D1")
	require.NoError(t, err)

	first := h.nextWait(t)
	h.waitSent(t, "D1", 1)
	first <- epoch

	h.nextWait(t)
	h.waitSent(t, "D1", 2)

	require.NoError(t, h.engine.CancelPattern(runID))
	h.waitSent(t, "D1", 3)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t,
		[]command.Kind{command.KindVibrate, command.KindVibrate, command.KindStop},
		h.tr.Kinds("D1"))
	assert.Empty(t, h.engine.Snapshot().Runs)
}

func TestClampThenDeviceCooldown(t *testing.T) {
	limits := openLimits()
	limits.MaxIntensity = 80
	limits.PerDeviceCooldownMs = 3000
	h := newHarness(t, limits)
	h.run(t)

	first, err := h.engine.Trigger(command.New("D1", command.KindShock, 150, 1000, time.Time{}))
	require.NoError(t, err)
	h.waitState(t, first.ID, observer.StateCompleted)

	h.clock.Advance(time.Second)
	second, err := h.engine.Trigger(command.New("D1", command.KindShock, 10, 1000, time.Time{}))
	require.NoError(t, err)
	n := h.waitState(t, second.ID, observer.StateFailed)

	assert.Contains(t, n.Reason, "cooldown")
	sent := h.tr.SentTo("D1")
	require.Len(t, sent, 1)
	assert.Equal(t, 80, sent[0].Intensity)
}

func TestGiftMappingScaledAndClamped(t *testing.T) {
	limits := openLimits()
	limits.MaxIntensity = 80
	h := newHarness(t, limits)
	require.Empty(t, h.engine.ReloadMappings([]mapping.Mapping{{
		ID:         "big-gift",
		Enabled:    true,
		Event:      command.EventGift,
		Conditions: []mapping.Condition{{Kind: mapping.CondGiftValueMin, Min: 1000}},
		Template: mapping.Template{
			Kind:       command.KindShock,
			Devices:    []string{"D1"},
			DurationMs: 1000,
			Scale:      &mapping.Scale{Factor: 0.05, Min: 5, Max: 100},
		},
	}}))
	h.run(t)

	receipts, err := h.engine.HandleEvent(command.Event{
		Type:    command.EventGift,
		UserID:  "u1",
		Payload: command.Payload{GiftName: "Lion", GiftValue: 2000},
	})
	require.NoError(t, err)
	require.Len(t, receipts, 1)

	h.waitState(t, receipts[0].ID, observer.StateCompleted)
	sent := h.tr.SentTo("D1")
	require.Len(t, sent, 1)
	assert.Equal(t, command.KindShock, sent[0].Kind)
	assert.Equal(t, 80, sent[0].Intensity)

	none, err := h.engine.HandleEvent(command.Event{Type: command.EventGift, Payload: command.Payload{GiftValue: 10}})
	assert.NoError(t, err)
	assert.Empty(t, none)
}

func TestHandleEvent_FanoutQuota(t *testing.T) {
	h := newHarness(t, openLimits(), WithMaxCommandsPerEvent(2))
	require.Empty(t, h.engine.ReloadMappings([]mapping.Mapping{{
		ID:       "everyone",
		Enabled:  true,
		Event:    command.EventFollow,
		Template: mapping.Template{Kind: command.KindSound, Devices: []string{"D1", "D2", "D3"}, Intensity: 10, DurationMs: 200},
	}}))

	receipts, err := h.engine.HandleEvent(command.Event{Type: command.EventFollow, UserID: "u1"})
	assert.Len(t, receipts, 2)
	require.Error(t, err)
	assert.True(t, IsFanoutError(err))
	assert.Equal(t, 2, len(h.engine.Snapshot().Queue.Pending))
}

func TestTrigger_DefaultsManualSource(t *testing.T) {
	h := newHarness(t, openLimits())

	_, err := h.engine.Trigger(command.Command{DeviceID: "D1", Kind: command.KindVibrate, Intensity: 10, DurationMs: 100})
	require.NoError(t, err)

	pending := h.engine.Snapshot().Queue.Pending
	require.Len(t, pending, 1)
	assert.Equal(t, command.SourceManual, pending[0].Command.OriginSource)
	assert.Equal(t, epoch, pending[0].Command.CreatedAt)
}

func TestEmergencyStop_FlushesCancelsAndStopsEveryDevice(t *testing.T) {
	h := newHarness(t, openLimits())

	a, err := h.engine.Trigger(command.New("D1", command.KindShock, 30, 500, epoch))
	require.NoError(t, err)
	_, err = h.engine.StartPattern("Wave", "D2")
	require.NoError(t, err)
	h.nextWait(t)

	require.NoError(t, h.engine.EmergencyStop(context.Background()))

	status := h.engine.Snapshot()
	assert.True(t, status.Safety.EmergencyStop)
	assert.Empty(t, status.Runs)

	for _, it := range status.Queue.Pending {
		assert.True(t, it.Command.IsStop(), "only stops survive: %s", it.Command.Summary())
	}
	assert.Len(t, status.Queue.Pending, 3, "pattern stop plus one per device")

	n, ok := h.obs.Last(a.ID)
	require.True(t, ok)
	assert.Equal(t, observer.StateRejected, n.State)
	assert.Equal(t, 1, h.obs.Count(observer.StateEmergencyStop))

	// New work fails the safety gate while the flag is up; stops go through.
	h.run(t)
	late, err := h.engine.Trigger(command.New("D1", command.KindVibrate, 10, 100, epoch))
	require.NoError(t, err)
	rej := h.waitState(t, late.ID, observer.StateFailed)
	assert.Equal(t, "emergency stop active", rej.Reason)

	h.waitSent(t, "D1", 1)
	h.waitSent(t, "D2", 1)
	for _, s := range h.tr.Sent() {
		assert.Equal(t, command.KindStop, s.Kind)
	}

	assert.True(t, h.engine.ClearEmergencyStop())
	assert.False(t, h.engine.ClearEmergencyStop())
	assert.Equal(t, 1, h.obs.Count(observer.StateEmergencyClear))
}

func TestUpdateLimits(t *testing.T) {
	h := newHarness(t, openLimits())

	bad := openLimits()
	bad.MaxIntensity = 500
	assert.Error(t, h.engine.UpdateLimits(bad))

	good := openLimits()
	good.MaxIntensity = 60
	require.NoError(t, h.engine.UpdateLimits(good))
	assert.Equal(t, 60, h.engine.Snapshot().Safety.Limits.MaxIntensity)
}

func TestReloadPatterns_ReportsSkipped(t *testing.T) {
	h := newHarness(t, openLimits())

	errs := h.engine.ReloadPatterns([]pattern.Pattern{
		{Name: "Tap", Steps: []pattern.Step{{Kind: command.KindVibrate, Intensity: 20, DurationMs: 100}}},
		{Name: "Bad"},
	})
	assert.Len(t, errs, 1)
	assert.Contains(t, h.engine.Snapshot().Patterns, "Tap")
}
