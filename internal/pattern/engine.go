package pattern

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
	"github.com/ltth/actuator/internal/queue"
)

// Enqueuer is the queue surface the engine feeds.
type Enqueuer interface {
	Enqueue(cmd command.Command) (queue.Receipt, error)
	Withdraw(source, reason string) int
}

// RunInfo is a point-in-time view of an active run.
type RunInfo struct {
	ID        string    `json:"id"`
	Pattern   string    `json:"pattern"`
	DeviceID  string    `json:"device_id"`
	Step      int       `json:"step"` // steps enqueued so far
	Steps     int       `json:"steps"`
	StartedAt time.Time `json:"started_at"`
}

// Run is the execution state of one pattern invocation. It is created by
// Start and forgotten once it completes or is cancelled.
type Run struct {
	id        string
	pattern   Pattern
	deviceID  string
	startedAt time.Time

	mu        sync.Mutex
	next      int // index of the next step to enqueue
	cancelled bool
	cancelCh  chan struct{}
}

// source tags every command the run enqueues so pending steps can be
// withdrawn on cancel.
func (r *Run) source() string {
	return command.SourcePattern + ":" + r.id
}

// Engine starts and cancels pattern runs.
type Engine struct {
	mu       sync.Mutex
	patterns map[string]Pattern
	runs     map[string]*Run
	wg       sync.WaitGroup

	queue    Enqueuer
	ids      ident.Generator
	now      func() time.Time
	after    func(time.Duration) <-chan time.Time
	priority int
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the wall-clock source for command timestamps.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithTimer replaces time.After for inter-step waits.
func WithTimer(after func(time.Duration) <-chan time.Time) Option {
	return func(e *Engine) {
		if after != nil {
			e.after = after
		}
	}
}

// WithIDGenerator sets the run handle generator.
func WithIDGenerator(g ident.Generator) Option {
	return func(e *Engine) {
		if g != nil {
			e.ids = g
		}
	}
}

// WithPriority sets the priority of step commands.
func WithPriority(p int) Option {
	return func(e *Engine) {
		e.priority = p
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// NewEngine creates an engine that feeds q. The built-in patterns are
// loaded; use Reload to add or replace definitions.
func NewEngine(q Enqueuer, opts ...Option) *Engine {
	e := &Engine{
		patterns: make(map[string]Pattern),
		runs:     make(map[string]*Run),
		queue:    q,
		ids:      ident.UUIDv7Generator{},
		now:      time.Now,
		after:    time.After,
		priority: command.PriorityPattern,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	for _, p := range Builtins() {
		e.patterns[p.Name] = p
	}
	return e
}

// Reload replaces the pattern definitions. Built-ins stay available unless a
// definition with the same name replaces them. Malformed definitions are
// skipped and logged; their errors are returned. Active runs keep playing
// the definition they started with.
func (e *Engine) Reload(patterns []Pattern) []error {
	next := make(map[string]Pattern, len(patterns)+4)
	for _, p := range Builtins() {
		next[p.Name] = p
	}

	var errs []error
	for _, p := range patterns {
		if err := p.Validate(); err != nil {
			e.logger.Warn("skipping malformed pattern", "pattern", p.Name, "error", err)
			errs = append(errs, err)
			continue
		}
		steps := make([]Step, len(p.Steps))
		copy(steps, p.Steps)
		next[p.Name] = Pattern{Name: p.Name, Steps: steps}
	}

	e.mu.Lock()
	e.patterns = next
	e.mu.Unlock()

	e.logger.Info("patterns reloaded", "count", len(next), "skipped", len(errs))
	return errs
}

// Patterns returns the loaded definitions sorted by name.
func (e *Engine) Patterns() []Pattern {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Pattern, 0, len(e.patterns))
	for _, p := range e.patterns {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start begins playing the named pattern on deviceID and returns the run
// handle. The first step is enqueued before Start returns. Playback stops
// when ctx is cancelled, the run is cancelled or all steps are done.
func (e *Engine) Start(ctx context.Context, name, deviceID string) (string, error) {
	if deviceID == "" {
		return "", fmt.Errorf("%w: device id is required", command.ErrInvalidCommand)
	}

	e.mu.Lock()
	p, ok := e.patterns[name]
	if !ok {
		e.mu.Unlock()
		return "", fmt.Errorf("%w: %s", ErrUnknownPattern, name)
	}
	run := &Run{
		id:        e.ids.Generate(),
		pattern:   p,
		deviceID:  deviceID,
		startedAt: e.now(),
		cancelCh:  make(chan struct{}),
	}
	e.runs[run.id] = run
	e.mu.Unlock()

	if err := e.step(run); err != nil {
		e.forget(run.id)
		return "", err
	}

	e.logger.Info("pattern started", "run_id", run.id, "pattern", name, "device", deviceID)

	e.wg.Add(1)
	go e.play(ctx, run)
	return run.id, nil
}

// Cancel stops a run. Before returning it withdraws the run's pending steps
// and enqueues one Stop for the run's device at the highest priority.
// Cancelling a run twice is a no-op.
func (e *Engine) Cancel(runID string) error {
	e.mu.Lock()
	run, ok := e.runs[runID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}

	err := e.halt(run, "pattern cancelled")
	e.forget(runID)
	e.logger.Info("pattern cancelled", "run_id", runID, "pattern", run.pattern.Name, "device", run.deviceID)
	return err
}

// CancelAll cancels every active run and returns how many were cancelled.
func (e *Engine) CancelAll() int {
	e.mu.Lock()
	ids := make([]string, 0, len(e.runs))
	for id := range e.runs {
		ids = append(ids, id)
	}
	e.mu.Unlock()

	n := 0
	for _, id := range ids {
		if err := e.Cancel(id); err == nil {
			n++
		} else if !errors.Is(err, ErrRunNotFound) {
			e.logger.Warn("cancel run failed", "run_id", id, "error", err)
			n++
		}
	}
	return n
}

// Runs returns the active runs ordered by start time.
func (e *Engine) Runs() []RunInfo {
	e.mu.Lock()
	runs := make([]*Run, 0, len(e.runs))
	for _, r := range e.runs {
		runs = append(runs, r)
	}
	e.mu.Unlock()

	out := make([]RunInfo, 0, len(runs))
	for _, r := range runs {
		r.mu.Lock()
		out = append(out, RunInfo{
			ID:        r.id,
			Pattern:   r.pattern.Name,
			DeviceID:  r.deviceID,
			Step:      r.next,
			Steps:     len(r.pattern.Steps),
			StartedAt: r.startedAt,
		})
		r.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.Before(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Wait blocks until every playback goroutine has returned.
func (e *Engine) Wait() {
	e.wg.Wait()
}

// play waits between steps and enqueues the rest of the pattern.
func (e *Engine) play(ctx context.Context, run *Run) {
	defer e.wg.Done()
	defer e.forget(run.id)

	for i := 0; ; i++ {
		select {
		case <-run.cancelCh:
			return
		case <-ctx.Done():
			if err := e.halt(run, "pattern stopped"); err != nil {
				e.logger.Debug("stop after context end not enqueued", "run_id", run.id, "error", err)
			}
			return
		case <-e.after(run.pattern.wait(i)):
		}

		if i == len(run.pattern.Steps)-1 {
			if err := e.halt(run, "pattern finished"); err != nil {
				e.logger.Warn("final stop not enqueued", "run_id", run.id, "error", err)
			}
			e.logger.Debug("pattern finished", "run_id", run.id, "pattern", run.pattern.Name)
			return
		}

		if err := e.step(run); err != nil {
			if errors.Is(err, errRunHalted) {
				return
			}
			e.logger.Warn("pattern step not enqueued, stopping run", "run_id", run.id, "error", err)
			if err := e.halt(run, "pattern aborted"); err != nil {
				e.logger.Debug("stop after failed step not enqueued", "run_id", run.id, "error", err)
			}
			return
		}
	}
}

var errRunHalted = errors.New("run halted")

// step enqueues the run's next step. The cancel flag is checked under the
// run lock so no step can follow a Stop.
func (e *Engine) step(run *Run) error {
	run.mu.Lock()
	defer run.mu.Unlock()

	if run.cancelled {
		return errRunHalted
	}
	s := run.pattern.Steps[run.next]
	cmd := command.New(run.deviceID, s.Kind, s.Intensity, s.DurationMs, e.now()).
		WithPriority(e.priority).
		WithOrigin("", run.source())
	if _, err := e.queue.Enqueue(cmd); err != nil {
		return fmt.Errorf("enqueue step %d: %w", run.next, err)
	}
	run.next++
	return nil
}

// halt marks the run cancelled, withdraws its pending steps and enqueues its
// single Stop. Only the first call has any effect.
func (e *Engine) halt(run *Run, reason string) error {
	run.mu.Lock()
	defer run.mu.Unlock()

	if run.cancelled {
		return nil
	}
	run.cancelled = true
	close(run.cancelCh)

	if n := e.queue.Withdraw(run.source(), reason); n > 0 {
		e.logger.Debug("withdrew pending pattern steps", "run_id", run.id, "count", n)
	}
	if _, err := e.queue.Enqueue(command.Stop(run.deviceID, run.source(), e.now())); err != nil {
		return fmt.Errorf("enqueue stop: %w", err)
	}
	return nil
}

func (e *Engine) forget(runID string) {
	e.mu.Lock()
	delete(e.runs, runID)
	e.mu.Unlock()
}
