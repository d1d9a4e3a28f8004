package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ltth/actuator/internal/command"
	"github.com/ltth/actuator/internal/ident"
	"github.com/ltth/actuator/internal/mapping"
	"github.com/ltth/actuator/internal/observer"
	"github.com/ltth/actuator/internal/pattern"
	"github.com/ltth/actuator/internal/queue"
	"github.com/ltth/actuator/internal/safety"
	"github.com/ltth/actuator/internal/transport"
)

// Engine composes the mapping, pattern, safety and queue components.
//
// Thread-safety model:
//   - HandleEvent, Trigger, StartPattern, CancelPattern, EmergencyStop and
//     the reload/update calls: safe from any goroutine
//   - Run: must be called from exactly one goroutine
type Engine struct {
	safety    *safety.Manager
	queue     *queue.Manager
	mappings  *mapping.Engine
	patterns  *pattern.Engine
	transport transport.Transport
	observer  observer.Observer

	mu      sync.Mutex
	runCtx  context.Context
	running bool

	now       func() time.Time
	logger    *slog.Logger
	maxFanout int
}

type settings struct {
	limits      safety.Limits
	now         func() time.Time
	loc         *time.Location
	observer    observer.Observer
	logger      *slog.Logger
	maxFanout   int
	queueOpts   []queue.Option
	patternOpts []pattern.Option
	ids         ident.Generator
}

// Option configures an Engine.
type Option func(*settings)

// WithLimits sets the initial safety limits. Default: safety.DefaultLimits().
func WithLimits(l safety.Limits) Option {
	return func(s *settings) {
		s.limits = l
	}
}

// WithClock sets the wall-clock source shared by every component.
func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// WithLocation sets the zone whose midnight resets daily caps.
func WithLocation(loc *time.Location) Option {
	return func(s *settings) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// WithObserver sets the notification sink.
func WithObserver(o observer.Observer) Option {
	return func(s *settings) {
		if o != nil {
			s.observer = o
		}
	}
}

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithMaxCommandsPerEvent sets the per-event fanout quota. 0 disables it.
//
// Default: 16 (DefaultMaxCommandsPerEvent)
func WithMaxCommandsPerEvent(n int) Option {
	return func(s *settings) {
		s.maxFanout = n
	}
}

// WithIDGenerator sets the generator for queue item ids and run handles.
func WithIDGenerator(g ident.Generator) Option {
	return func(s *settings) {
		if g != nil {
			s.ids = g
		}
	}
}

// WithQueueOptions passes extra options to the queue.
func WithQueueOptions(opts ...queue.Option) Option {
	return func(s *settings) {
		s.queueOpts = append(s.queueOpts, opts...)
	}
}

// WithPatternOptions passes extra options to the pattern engine.
func WithPatternOptions(opts ...pattern.Option) Option {
	return func(s *settings) {
		s.patternOpts = append(s.patternOpts, opts...)
	}
}

// New creates an Engine that sends through tr.
func New(tr transport.Transport, opts ...Option) *Engine {
	s := settings{
		limits:    safety.DefaultLimits(),
		now:       time.Now,
		loc:       time.Local,
		observer:  observer.Nop{},
		logger:    slog.Default(),
		maxFanout: DefaultMaxCommandsPerEvent,
		ids:       ident.UUIDv7Generator{},
	}
	for _, opt := range opts {
		opt(&s)
	}

	e := &Engine{
		transport: tr,
		observer:  s.observer,
		runCtx:    context.Background(),
		now:       s.now,
		logger:    s.logger,
		maxFanout: s.maxFanout,
	}

	e.safety = safety.NewManager(s.limits,
		safety.WithClock(s.now),
		safety.WithLocation(s.loc),
		safety.WithLogger(s.logger),
	)
	e.queue = queue.New(e.safety, tr, append([]queue.Option{
		queue.WithObserver(s.observer),
		queue.WithClock(s.now),
		queue.WithLogger(s.logger),
		queue.WithIDGenerator(s.ids),
	}, s.queueOpts...)...)
	e.mappings = mapping.NewEngine(
		mapping.WithClock(s.now),
		mapping.WithLogger(s.logger),
	)
	e.patterns = pattern.NewEngine(e.queue, append([]pattern.Option{
		pattern.WithClock(s.now),
		pattern.WithLogger(s.logger),
		pattern.WithIDGenerator(s.ids),
	}, s.patternOpts...)...)

	e.safety.OnEmergencyChange(e.onEmergencyChange)
	return e
}

// Run drives the dispatch loop until ctx is cancelled. Pattern runs started
// while Run is active stop when ctx ends.
func (e *Engine) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return errors.New("engine already running")
	}
	e.running = true
	e.runCtx = ctx
	e.mu.Unlock()

	e.logger.Info("engine starting")
	err := e.queue.Run(ctx)
	e.patterns.Wait()
	e.logger.Info("engine stopped")
	return err
}

// HandleEvent evaluates ev against the mappings and enqueues the resulting
// commands. It never blocks on dispatch. Commands the queue refuses, or
// that exceed the per-event quota, are reported in the joined error; the
// receipts of the accepted ones are still returned.
func (e *Engine) HandleEvent(ev command.Event) ([]queue.Receipt, error) {
	cmds := e.mappings.Evaluate(ev)
	if len(cmds) == 0 {
		return nil, nil
	}

	quota := newFanoutQuota(e.maxFanout)
	receipts := make([]queue.Receipt, 0, len(cmds))
	var errs []error
	for _, cmd := range cmds {
		if err := quota.Check(ev.Type.String()); err != nil {
			e.logger.Warn("event fanout quota exceeded, dropping remaining commands",
				"event", ev.Type,
				"user", ev.UserID,
				"dropped", len(cmds)-len(receipts)-len(errs),
			)
			errs = append(errs, err)
			break
		}
		r, err := e.queue.Enqueue(cmd)
		if err != nil {
			errs = append(errs, newEnqueueError(cmd.Summary(), err))
			continue
		}
		receipts = append(receipts, r)
	}
	return receipts, errors.Join(errs...)
}

// Trigger enqueues a manual command. An empty origin source is set to
// command.SourceManual.
func (e *Engine) Trigger(cmd command.Command) (queue.Receipt, error) {
	if cmd.OriginSource == "" {
		cmd = cmd.WithOrigin(cmd.OriginUserID, command.SourceManual)
	}
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = e.now()
	}
	return e.queue.Enqueue(cmd)
}

// StartPattern plays a named pattern on a device and returns the run handle.
func (e *Engine) StartPattern(name, deviceID string) (string, error) {
	e.mu.Lock()
	ctx := e.runCtx
	e.mu.Unlock()
	return e.patterns.Start(ctx, name, deviceID)
}

// CancelPattern cancels a run. A Stop for its device is enqueued before this
// returns.
func (e *Engine) CancelPattern(runID string) error {
	return e.patterns.Cancel(runID)
}

// EmergencyStop raises the emergency flag, which flushes the queue, ends
// holds and cancels pattern runs, then enqueues a Stop for every device the
// transport knows about and every device with work in flight.
func (e *Engine) EmergencyStop(ctx context.Context) error {
	if e.safety.TriggerEmergencyStop() {
		e.logger.Warn("emergency stop triggered")
	}

	targets := make(map[string]struct{})
	for _, it := range e.queue.Snapshot().Active {
		targets[it.Command.DeviceID] = struct{}{}
	}

	var devErr error
	devices, err := e.transport.Devices(ctx)
	if err != nil {
		devErr = &Error{
			Code:    ErrCodeDevicesUnavailable,
			Message: fmt.Sprintf("list devices for emergency stop: %v", err),
		}
		e.logger.Error("emergency stop could not list devices", "error", err)
	}
	for _, d := range devices {
		targets[d.ID] = struct{}{}
	}

	ids := make([]string, 0, len(targets))
	for id := range targets {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	errs := []error{devErr}
	for _, id := range ids {
		stop := command.Stop(id, command.SourceEmergency, e.now())
		if _, err := e.queue.Enqueue(stop); err != nil {
			errs = append(errs, newEnqueueError(stop.Summary(), err))
		}
	}
	return errors.Join(errs...)
}

// ClearEmergencyStop lowers the emergency flag. Returns false if it was not
// raised.
func (e *Engine) ClearEmergencyStop() bool {
	return e.safety.ClearEmergencyStop()
}

// UpdateLimits replaces the safety limits, keeping cooldown and window state.
func (e *Engine) UpdateLimits(l safety.Limits) error {
	return e.safety.UpdateConfig(l)
}

// ReloadMappings replaces the mapping set. Malformed mappings are skipped;
// their errors are returned.
func (e *Engine) ReloadMappings(ms []mapping.Mapping) []error {
	return e.mappings.Reload(ms)
}

// ReloadPatterns replaces the user pattern definitions. Malformed patterns
// are skipped; their errors are returned.
func (e *Engine) ReloadPatterns(ps []pattern.Pattern) []error {
	return e.patterns.Reload(ps)
}

// Devices lists the transport's devices.
func (e *Engine) Devices(ctx context.Context) ([]command.Device, error) {
	return e.transport.Devices(ctx)
}

// Status is a point-in-time view of the whole core.
type Status struct {
	Safety   safety.Status     `json:"safety"`
	Queue    queue.Snapshot    `json:"queue"`
	Runs     []pattern.RunInfo `json:"runs"`
	Mappings int               `json:"mappings"`
	Patterns []string          `json:"patterns"`
}

// Snapshot returns the current status.
func (e *Engine) Snapshot() Status {
	patterns := e.patterns.Patterns()
	names := make([]string, len(patterns))
	for i, p := range patterns {
		names[i] = p.Name
	}
	return Status{
		Safety:   e.safety.Status(),
		Queue:    e.queue.Snapshot(),
		Runs:     e.patterns.Runs(),
		Mappings: len(e.mappings.Mappings()),
		Patterns: names,
	}
}

// onEmergencyChange runs outside the safety lock.
func (e *Engine) onEmergencyChange(active bool) {
	note := observer.Notification{
		State:     observer.StateEmergencyClear,
		Summary:   "emergency stop cleared",
		Timestamp: e.now(),
	}
	if active {
		note.State = observer.StateEmergencyStop
		note.Summary = "emergency stop active"
		note.Reason = "emergency stop triggered"
	}
	e.observer.Notify(note)

	if !active {
		e.logger.Info("emergency stop cleared")
		return
	}

	flushed := e.queue.Flush("emergency stop active")
	e.queue.CancelHolds()
	cancelled := e.patterns.CancelAll()
	e.logger.Warn("emergency stop applied", "flushed", flushed, "runs_cancelled", cancelled)
}
