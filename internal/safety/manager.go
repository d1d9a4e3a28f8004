// Package safety is the single choke point every command passes through
// before dispatch.
//
// The Manager owns all cross-cutting safety state: the active Limits, the
// emergency-stop flag, last-approved timestamps per scope (global, user,
// device), per-device rolling windows and per-device daily counters. That
// state is mutated only inside Validate, UpdateConfig and the emergency-stop
// methods, each under one mutex, so a validate-and-record sequence is atomic
// with respect to every other validation.
//
// Validation order (first failure wins):
//  1. Emergency stop: reject everything except Stop.
//  2. Bounds: clamp intensity to [0, MaxIntensity] and duration to
//     [0, MaxDurationMs]. Clamping never rejects.
//  3. Cooldown: global, per user, per device, each against its own
//     last-approved timestamp.
//  4. Rate limit: approvals for the device inside the trailing window.
//  5. Daily cap: approvals for the device since local midnight.
//
// Stop commands are always approved and never consume cooldown, window or
// daily budget.
package safety

import (
	"log/slog"
	"sync"
	"time"

	"github.com/ltth/actuator/internal/command"
)

// EmergencyListener is called after the emergency-stop flag changes.
// Listeners run on the caller's goroutine, outside the manager's lock.
type EmergencyListener func(active bool)

// Stats counts decisions since the manager was created.
type Stats struct {
	Approved int            `json:"approved"`
	Clamped  int            `json:"clamped"`
	Rejected map[string]int `json:"rejected"`
}

// Status is a point-in-time copy of the manager's externally visible state.
type Status struct {
	Limits        Limits `json:"limits"`
	EmergencyStop bool   `json:"emergency_stop"`
	Stats         Stats  `json:"stats"`
}

// Manager validates commands against the safety limits.
// All methods are safe for concurrent use.
type Manager struct {
	mu sync.Mutex

	limits    Limits
	emergency bool

	lastGlobal time.Time
	lastUser   map[string]time.Time
	lastDevice map[string]time.Time
	windows    map[string]*rollingWindow
	daily      map[string]int
	day        int
	swept      time.Time

	stats     Stats
	listeners []EmergencyListener

	now    func() time.Time
	loc    *time.Location
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock overrides the time source. Used by tests and the simulator.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithLocation sets the time zone whose midnight resets the daily cap.
// Default: time.Local.
func WithLocation(loc *time.Location) Option {
	return func(m *Manager) {
		if loc != nil {
			m.loc = loc
		}
	}
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// NewManager creates a manager with the given limits. Limits are not
// validated here; use UpdateConfig for checked replacement.
func NewManager(limits Limits, opts ...Option) *Manager {
	m := &Manager{
		limits:     limits,
		lastUser:   make(map[string]time.Time),
		lastDevice: make(map[string]time.Time),
		windows:    make(map[string]*rollingWindow),
		daily:      make(map[string]int),
		stats:      Stats{Rejected: make(map[string]int)},
		now:        time.Now,
		loc:        time.Local,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.day = dayKey(m.now().In(m.loc))
	m.swept = m.now()
	return m
}

// Validate decides whether cmd may be dispatched, returning the possibly
// clamped command. On approval the cooldown timestamps, rolling window and
// daily counter are updated before the lock is released.
func (m *Manager) Validate(cmd command.Command) Decision {
	if err := cmd.Validate(); err != nil {
		return m.count(reject(cmd, ReasonInvalid, err.Error()))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cmd.IsStop() {
		return m.countLocked(Decision{Allowed: true, Command: cmd})
	}

	if m.emergency {
		return m.countLocked(reject(cmd, ReasonEmergencyStop, "emergency stop active"))
	}

	adjusted, clamped := clamp(cmd, m.limits)
	now := m.now()
	m.rolloverLocked(now)

	if rem := remaining(m.lastGlobal, ms(m.limits.GlobalCooldownMs), now); rem > 0 {
		return m.countLocked(reject(adjusted, ReasonCooldown, cooldownReason("global", rem)))
	}
	if cmd.OriginUserID != "" {
		if rem := remaining(m.lastUser[cmd.OriginUserID], ms(m.limits.PerUserCooldownMs), now); rem > 0 {
			return m.countLocked(reject(adjusted, ReasonCooldown, cooldownReason("user", rem)))
		}
	}
	if rem := remaining(m.lastDevice[cmd.DeviceID], ms(m.limits.PerDeviceCooldownMs), now); rem > 0 {
		return m.countLocked(reject(adjusted, ReasonCooldown, cooldownReason("device", rem)))
	}

	windowed := m.limits.MaxCommandsPerWindow > 0 && m.limits.WindowMs > 0
	win := m.windows[cmd.DeviceID]
	if windowed {
		if win == nil {
			win = &rollingWindow{}
			m.windows[cmd.DeviceID] = win
		}
		window := ms(m.limits.WindowMs)
		if n := win.count(now, window); n >= m.limits.MaxCommandsPerWindow {
			retry := win.oldest().Add(window).Sub(now)
			return m.countLocked(reject(adjusted, ReasonRateLimit,
				formatRateLimit(n, m.limits.WindowMs, retry)))
		}
	}

	if m.limits.DailyCap > 0 && m.daily[cmd.DeviceID] >= m.limits.DailyCap {
		return m.countLocked(reject(adjusted, ReasonDailyCap,
			formatDailyCap(m.limits.DailyCap)))
	}

	m.lastGlobal = now
	if cmd.OriginUserID != "" {
		m.lastUser[cmd.OriginUserID] = now
	}
	m.lastDevice[cmd.DeviceID] = now
	if windowed {
		win.record(now)
	}
	m.daily[cmd.DeviceID]++

	return m.countLocked(Decision{
		Allowed:           true,
		AdjustedIntensity: adjusted.Intensity,
		AdjustedDuration:  adjusted.DurationMs,
		Clamped:           clamped,
		Command:           adjusted,
	})
}

// TriggerEmergencyStop sets the emergency flag. Returns false if it was
// already set. Listeners are notified only on a change.
func (m *Manager) TriggerEmergencyStop() bool {
	return m.setEmergency(true)
}

// ClearEmergencyStop clears the emergency flag. Returns false if it was not set.
func (m *Manager) ClearEmergencyStop() bool {
	return m.setEmergency(false)
}

func (m *Manager) setEmergency(active bool) bool {
	m.mu.Lock()
	if m.emergency == active {
		m.mu.Unlock()
		return false
	}
	m.emergency = active
	listeners := make([]EmergencyListener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	if active {
		m.logger.Warn("emergency stop triggered", "event", "emergency_stop")
	} else {
		m.logger.Info("emergency stop cleared", "event", "emergency_clear")
	}
	for _, l := range listeners {
		l(active)
	}
	return true
}

// EmergencyActive reports whether the emergency stop is set.
func (m *Manager) EmergencyActive() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emergency
}

// OnEmergencyChange registers a listener for emergency-stop transitions.
func (m *Manager) OnEmergencyChange(l EmergencyListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// UpdateConfig replaces the limits. Cooldown timestamps, rolling windows and
// daily counters are kept, so tightening a limit takes effect against the
// history already recorded.
func (m *Manager) UpdateConfig(limits Limits) error {
	if err := limits.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.limits = limits
	m.mu.Unlock()

	m.logger.Info("safety limits updated",
		"max_intensity", limits.MaxIntensity,
		"max_duration_ms", limits.MaxDurationMs,
		"per_device_cooldown_ms", limits.PerDeviceCooldownMs,
		"max_commands_per_window", limits.MaxCommandsPerWindow,
		"daily_cap", limits.DailyCap,
	)
	return nil
}

// Limits returns the active limits.
func (m *Manager) Limits() Limits {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limits
}

// Status returns a copy of the manager's visible state.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	rejected := make(map[string]int, len(m.stats.Rejected))
	for k, v := range m.stats.Rejected {
		rejected[k] = v
	}
	return Status{
		Limits:        m.limits,
		EmergencyStop: m.emergency,
		Stats: Stats{
			Approved: m.stats.Approved,
			Clamped:  m.stats.Clamped,
			Rejected: rejected,
		},
	}
}

// sweepInterval is how often expired cooldown and window entries are dropped.
const sweepInterval = time.Minute

// rolloverLocked resets daily counters when the local day changes and
// periodically drops state that can no longer affect a decision.
func (m *Manager) rolloverLocked(now time.Time) {
	if now.Sub(m.swept) >= sweepInterval {
		m.sweepLocked(now)
	}

	day := dayKey(now.In(m.loc))
	if day == m.day {
		return
	}
	m.day = day
	m.daily = make(map[string]int)
	m.logger.Debug("daily counters reset", "day", day)
}

// sweepLocked deletes last-approved stamps older than their cooldown and
// rolling windows with nothing left inside the window. With the window
// check disabled every window is dropped.
func (m *Manager) sweepLocked(now time.Time) {
	m.swept = now
	expire(m.lastUser, ms(m.limits.PerUserCooldownMs), now)
	expire(m.lastDevice, ms(m.limits.PerDeviceCooldownMs), now)

	if m.limits.MaxCommandsPerWindow <= 0 || m.limits.WindowMs <= 0 {
		clear(m.windows)
		return
	}
	window := ms(m.limits.WindowMs)
	for id, w := range m.windows {
		if w.count(now, window) == 0 {
			delete(m.windows, id)
		}
	}
}

func expire(last map[string]time.Time, cooldown time.Duration, now time.Time) {
	for k, ts := range last {
		if remaining(ts, cooldown, now) == 0 {
			delete(last, k)
		}
	}
}

func (m *Manager) count(d Decision) Decision {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countLocked(d)
}

func (m *Manager) countLocked(d Decision) Decision {
	switch {
	case d.Allowed:
		m.stats.Approved++
		if d.Clamped {
			m.stats.Clamped++
		}
	default:
		m.stats.Rejected[string(d.Code)]++
	}
	return d
}

// clamp bounds intensity and duration to the limits. The returned command is
// a copy; cmd is never modified.
func clamp(cmd command.Command, l Limits) (command.Command, bool) {
	intensity := clampInt(cmd.Intensity, 0, l.MaxIntensity)
	duration := clampInt(cmd.DurationMs, 0, l.MaxDurationMs)
	if intensity == cmd.Intensity && duration == cmd.DurationMs {
		return cmd, false
	}
	return cmd.WithIntensity(intensity).WithDuration(duration), true
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// remaining returns how much of the cooldown is left since last, or 0.
func remaining(last time.Time, cooldown time.Duration, now time.Time) time.Duration {
	if cooldown <= 0 || last.IsZero() {
		return 0
	}
	elapsed := now.Sub(last)
	if elapsed >= cooldown {
		return 0
	}
	return cooldown - elapsed
}
