package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ltth/actuator/internal/command"
	"github.com/ltth/actuator/internal/ident"
	"github.com/ltth/actuator/internal/observer"
	"github.com/ltth/actuator/internal/safety"
	"github.com/ltth/actuator/internal/transport"
)

// Validator is the safety gate every command passes before dispatch.
type Validator interface {
	Validate(cmd command.Command) safety.Decision
}

// Sender delivers one command to a device.
type Sender interface {
	Send(ctx context.Context, deviceID string, kind command.Kind, intensity, durationMs int) error
}

const (
	DefaultTickInterval = 100 * time.Millisecond
	DefaultSendTimeout  = 5 * time.Second
)

// Manager is the command queue and its dispatch loop.
//
// Thread-safety: Enqueue, Withdraw, Flush, CancelHolds, Snapshot and Stop
// may be called from any goroutine. Run owns the dispatch loop.
type Manager struct {
	mu       sync.Mutex
	items    []*Item          // pending, sorted by before()
	active   map[string]*Item // device -> item taken for dispatch
	holds    map[string]*hold // device -> post-send hold
	stopped  bool
	wg       sync.WaitGroup
	wake     chan struct{} // buffered, size 1
	draining atomic.Bool
	arrivals arrivals

	safety    Validator
	transport Sender
	observer  observer.Observer
	ids       ident.Generator
	now       func() time.Time
	tracer    trace.Tracer
	logger    *slog.Logger

	tick            time.Duration
	sendTimeout     time.Duration
	holdForDuration bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithTickInterval sets how often the loop polls when no wakeup arrives.
func WithTickInterval(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.tick = d
		}
	}
}

// WithSendTimeout bounds each transport send.
func WithSendTimeout(d time.Duration) Option {
	return func(m *Manager) {
		if d > 0 {
			m.sendTimeout = d
		}
	}
}

// WithHoldForDuration keeps a device busy for the command's duration after
// a successful send, so the next command never overlaps an actuation.
func WithHoldForDuration(enabled bool) Option {
	return func(m *Manager) {
		m.holdForDuration = enabled
	}
}

// WithObserver sets the notification sink.
func WithObserver(o observer.Observer) Option {
	return func(m *Manager) {
		if o != nil {
			m.observer = o
		}
	}
}

// WithClock sets the wall-clock source used for timestamps.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithIDGenerator sets the item ID generator.
func WithIDGenerator(g ident.Generator) Option {
	return func(m *Manager) {
		if g != nil {
			m.ids = g
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithTracer sets the tracer used for dispatch spans.
func WithTracer(t trace.Tracer) Option {
	return func(m *Manager) {
		if t != nil {
			m.tracer = t
		}
	}
}

// New creates a queue that validates through v and sends through s.
func New(v Validator, s Sender, opts ...Option) *Manager {
	m := &Manager{
		items:       make([]*Item, 0, 64),
		active:      make(map[string]*Item),
		holds:       make(map[string]*hold),
		wake:        make(chan struct{}, 1),
		safety:      v,
		transport:   s,
		observer:    observer.Nop{},
		ids:         ident.UUIDv7Generator{},
		now:         time.Now,
		tracer:      otel.Tracer("github.com/ltth/actuator/internal/queue"),
		logger:      slog.Default(),
		tick:        DefaultTickInterval,
		sendTimeout: DefaultSendTimeout,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Enqueue adds cmd to the queue and wakes the dispatch loop.
//
// A Stop command also interrupts any post-send hold on its device so it
// dispatches as soon as no send is in flight there.
func (m *Manager) Enqueue(cmd command.Command) (Receipt, error) {
	if err := cmd.Validate(); err != nil {
		return Receipt{}, err
	}

	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return Receipt{}, ErrQueueStopped
	}

	item := &Item{
		ID:         m.ids.Generate(),
		Command:    cmd,
		EnqueuedAt: m.now(),
		State:      StatePending,
		seq:        m.arrivals.next(),
	}
	pos := m.insertLocked(item)
	if cmd.IsStop() {
		m.releaseHoldLocked(cmd.DeviceID)
	}
	note := m.notification(item, "")
	note.State = observer.StateEnqueued
	m.mu.Unlock()

	m.observer.Notify(note)
	m.signal()

	m.logger.Debug("command enqueued",
		"item_id", item.ID,
		"summary", cmd.Summary(),
		"priority", cmd.Priority,
		"position", pos+1,
	)
	return Receipt{ID: item.ID, Position: pos + 1}, nil
}

// Withdraw rejects every pending item whose origin source equals source.
// Items already taken for dispatch are left alone. Returns how many were
// withdrawn.
func (m *Manager) Withdraw(source, reason string) int {
	m.mu.Lock()
	notes := m.rejectPendingLocked(reason, func(it *Item) bool {
		return it.Command.OriginSource == source
	})
	m.mu.Unlock()

	m.emit(notes)
	return len(notes)
}

// Flush rejects every pending or approved non-Stop item, including items
// already taken by the loop but not yet sent. Used on emergency stop.
func (m *Manager) Flush(reason string) int {
	m.mu.Lock()
	notes := m.rejectPendingLocked(reason, func(it *Item) bool {
		return !it.Command.IsStop()
	})
	for _, it := range m.active {
		if it.Command.IsStop() {
			continue
		}
		if it.State == StatePending || it.State == StateApproved {
			it.State = StateRejected
			it.Reason = reason
			notes = append(notes, m.notification(it, reason))
		}
	}
	m.mu.Unlock()

	m.emit(notes)
	if len(notes) > 0 {
		m.logger.Info("queue flushed", "rejected", len(notes), "reason", reason)
	}
	return len(notes)
}

// CancelHolds ends every post-send hold immediately.
func (m *Manager) CancelHolds() {
	m.mu.Lock()
	for device := range m.holds {
		m.releaseHoldLocked(device)
	}
	m.mu.Unlock()
	m.signal()
}

// Snapshot returns copies of the pending and active items.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Pending: make([]Item, 0, len(m.items)),
		Active:  make([]Item, 0, len(m.active)),
		Holding: make([]string, 0, len(m.holds)),
	}
	for _, it := range m.items {
		snap.Pending = append(snap.Pending, *it)
	}
	for _, it := range m.active {
		snap.Active = append(snap.Active, *it)
	}
	for device := range m.holds {
		snap.Holding = append(snap.Holding, device)
	}
	sort.Slice(snap.Active, func(i, j int) bool { return snap.Active[i].seq < snap.Active[j].seq })
	sort.Strings(snap.Holding)
	return snap
}

// Len returns the number of pending items.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.items)
}

// Run drives the dispatch loop until ctx is cancelled, then stops the queue
// and waits for in-flight sends.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("queue dispatch starting", "tick", m.tick, "send_timeout", m.sendTimeout)

	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		m.Dispatch(ctx)

		select {
		case <-ctx.Done():
			m.logger.Info("queue dispatch stopping: context cancelled")
			m.Stop()
			return ctx.Err()
		case <-m.wake:
		case <-ticker.C:
		}
	}
}

// Dispatch drains every item that can start now and returns how many sends
// it launched. A call made while another Dispatch is running returns 0
// immediately; the running pass picks up the new work.
func (m *Manager) Dispatch(ctx context.Context) int {
	if !m.draining.CompareAndSwap(false, true) {
		return 0
	}
	defer m.draining.Store(false)

	launched := 0
	for {
		item, ok := m.take()
		if !ok {
			return launched
		}
		if m.dispatchItem(ctx, item) {
			launched++
		}
	}
}

// Stop rejects everything still pending, ends all holds and waits for
// in-flight sends to finish. Enqueue fails with ErrQueueStopped afterwards.
func (m *Manager) Stop() {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		m.wg.Wait()
		return
	}
	m.stopped = true
	notes := m.rejectPendingLocked("queue stopped", func(*Item) bool { return true })
	for device := range m.holds {
		m.releaseHoldLocked(device)
	}
	m.mu.Unlock()

	m.emit(notes)
	m.wg.Wait()
}

// take removes the first pending item whose device is idle and marks the
// device active.
func (m *Manager) take() (*Item, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.stopped {
		return nil, false
	}
	for i, it := range m.items {
		if _, busy := m.active[it.Command.DeviceID]; busy {
			continue
		}
		if _, held := m.holds[it.Command.DeviceID]; held {
			continue
		}
		if !m.removeLocked(i) {
			return nil, false
		}
		m.active[it.Command.DeviceID] = it
		return it, true
	}
	return nil, false
}

// dispatchItem validates a taken item and, if approved, launches its send.
// Returns true if a send was launched.
func (m *Manager) dispatchItem(ctx context.Context, item *Item) bool {
	decision := m.safety.Validate(item.Command)

	m.mu.Lock()
	if item.State == StateRejected {
		// Flushed while validating.
		m.releaseActiveLocked(item)
		m.mu.Unlock()
		return false
	}

	if !decision.Allowed {
		// An emergency raised after take but before the flush reached this
		// item is a flush, not a failure.
		item.State = StateFailed
		if decision.Code == safety.ReasonEmergencyStop {
			item.State = StateRejected
		}
		item.Reason = decision.Reason
		m.releaseActiveLocked(item)
		note := m.notification(item, decision.Reason)
		m.mu.Unlock()

		m.observer.Notify(note)
		m.logger.Info("command rejected",
			"item_id", item.ID,
			"summary", item.Command.Summary(),
			"code", decision.Code,
			"reason", decision.Reason,
		)
		return false
	}

	item.Command = decision.Command
	item.State = StateApproved
	approved := m.notification(item, "")
	item.State = StateExecuting
	executing := m.notification(item, "")
	m.wg.Add(1)
	m.mu.Unlock()

	m.observer.Notify(approved)
	m.observer.Notify(executing)

	go m.execute(ctx, item)
	return true
}

// execute sends one approved item and records the outcome.
func (m *Manager) execute(ctx context.Context, item *Item) {
	defer m.wg.Done()

	cmd := item.Command
	sendCtx, cancel := context.WithTimeout(ctx, m.sendTimeout)
	sendCtx, span := m.tracer.Start(sendCtx, "queue.send",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("actuator.item_id", item.ID),
			attribute.String("actuator.device_id", cmd.DeviceID),
			attribute.String("actuator.kind", cmd.Kind.String()),
			attribute.Int("actuator.intensity", cmd.Intensity),
			attribute.Int("actuator.duration_ms", cmd.DurationMs),
			attribute.String("actuator.source", cmd.OriginSource),
		),
	)
	err := m.transport.Send(sendCtx, cmd.DeviceID, cmd.Kind, cmd.Intensity, cmd.DurationMs)
	timedOut := errors.Is(sendCtx.Err(), context.DeadlineExceeded)
	cancel()

	if err != nil {
		reason := failureReason(err, timedOut, m.sendTimeout)
		span.RecordError(err)
		span.SetStatus(codes.Error, reason)
		span.End()

		m.logger.Warn("command failed",
			"item_id", item.ID,
			"summary", cmd.Summary(),
			"reason", reason,
			"rate_limited", transport.IsRateLimited(err),
		)
		m.finish(item, StateFailed, reason)
		return
	}
	span.End()

	m.logger.Debug("command completed", "item_id", item.ID, "summary", cmd.Summary())
	m.finish(item, StateCompleted, "")
}

// finish records a terminal send state and frees the device, optionally
// holding it for the command's duration first.
func (m *Manager) finish(item *Item, state State, reason string) {
	m.mu.Lock()
	item.State = state
	item.Reason = reason
	note := m.notification(item, reason)
	m.releaseActiveLocked(item)

	device := item.Command.DeviceID
	if state == StateCompleted && m.holdForDuration && !item.Command.IsStop() &&
		item.Command.DurationMs > 0 && !m.stopped && !m.pendingStopLocked(device) {
		m.startHoldLocked(device, item.Command.Duration())
	}
	m.mu.Unlock()

	m.observer.Notify(note)
	m.signal()
}

// hold keeps a device busy after a successful send.
type hold struct {
	done chan struct{}
	once sync.Once
}

func (h *hold) release() {
	h.once.Do(func() { close(h.done) })
}

// startHoldLocked keeps device busy for d or until the hold is released.
func (m *Manager) startHoldLocked(device string, d time.Duration) {
	if !m.assertLocked("start hold") {
		return
	}
	h := &hold{done: make(chan struct{})}
	m.holds[device] = h

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		timer := time.NewTimer(d)
		defer timer.Stop()

		select {
		case <-timer.C:
		case <-h.done:
		}

		m.mu.Lock()
		if m.holds[device] == h {
			delete(m.holds, device)
		}
		m.mu.Unlock()
		m.signal()
	}()
}

// releaseHoldLocked ends the hold on device, if any.
func (m *Manager) releaseHoldLocked(device string) {
	if !m.assertLocked("release hold") {
		return
	}
	if h, ok := m.holds[device]; ok {
		h.release()
		delete(m.holds, device)
	}
}

func (m *Manager) pendingStopLocked(device string) bool {
	for _, it := range m.items {
		if it.Command.DeviceID == device && it.Command.IsStop() {
			return true
		}
	}
	return false
}

// insertLocked places item in priority order and returns its index.
func (m *Manager) insertLocked(item *Item) int {
	if !m.assertLocked("insert") {
		return -1
	}
	i := sort.Search(len(m.items), func(i int) bool {
		return before(item, m.items[i])
	})
	m.items = append(m.items, nil)
	copy(m.items[i+1:], m.items[i:])
	m.items[i] = item
	return i
}

// removeLocked deletes the item at index i.
func (m *Manager) removeLocked(i int) bool {
	if !m.assertLocked("remove") {
		return false
	}
	copy(m.items[i:], m.items[i+1:])
	m.items[len(m.items)-1] = nil
	m.items = m.items[:len(m.items)-1]
	return true
}

func (m *Manager) releaseActiveLocked(item *Item) {
	if !m.assertLocked("release device") {
		return
	}
	if m.active[item.Command.DeviceID] == item {
		delete(m.active, item.Command.DeviceID)
	}
}

// rejectPendingLocked removes matching pending items, marking them Rejected.
func (m *Manager) rejectPendingLocked(reason string, match func(*Item) bool) []observer.Notification {
	if !m.assertLocked("reject pending") {
		return nil
	}
	var notes []observer.Notification
	kept := m.items[:0]
	for _, it := range m.items {
		if !match(it) {
			kept = append(kept, it)
			continue
		}
		it.State = StateRejected
		it.Reason = reason
		notes = append(notes, m.notification(it, reason))
	}
	for i := len(kept); i < len(m.items); i++ {
		m.items[i] = nil
	}
	m.items = kept
	return notes
}

func (m *Manager) notification(item *Item, reason string) observer.Notification {
	cmd := item.Command
	return observer.Notification{
		ItemID:     item.ID,
		DeviceID:   cmd.DeviceID,
		Kind:       cmd.Kind.String(),
		Intensity:  cmd.Intensity,
		DurationMs: cmd.DurationMs,
		Priority:   cmd.Priority,
		Source:     cmd.OriginSource,
		UserID:     cmd.OriginUserID,
		Summary:    cmd.Summary(),
		State:      string(item.State),
		Reason:     reason,
		Timestamp:  m.now(),
	}
}

func (m *Manager) emit(notes []observer.Notification) {
	for _, n := range notes {
		m.observer.Notify(n)
	}
}

// signal wakes the loop. The buffer of 1 coalesces bursts.
func (m *Manager) signal() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

func failureReason(err error, timedOut bool, timeout time.Duration) string {
	if timedOut {
		return fmt.Sprintf("send timed out after %s", timeout)
	}
	return fmt.Sprintf("transport error: %v", err)
}
