package harness

import (
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/ltth/actuator/internal/command"
	"github.com/ltth/actuator/internal/config"
	"github.com/ltth/actuator/internal/mapping"
	"github.com/ltth/actuator/internal/pattern"
	"github.com/ltth/actuator/internal/safety"
	"github.com/ltth/actuator/internal/testutil"
)

// Epoch is virtual time zero.
var Epoch = time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

// Harness executes one scenario. It is single-use.
type Harness struct {
	clock    *testutil.ManualClock
	safety   *safety.Manager
	mappings *mapping.Engine
	patterns map[string]pattern.Pattern

	actions []action
	runs    []*run
	devices map[string]struct{}
	result  *Result
}

type action struct {
	at int
	do func(at int)
}

type run struct {
	pattern   string
	device    string
	started   bool
	done      bool
	cancelled bool
}

func (r *run) source() string {
	return "pattern:" + r.pattern
}

// Run loads the scenario's rules file, if any, and executes the scenario.
func Run(s *Scenario) (*Result, error) {
	rules := &config.Rules{Limits: safety.DefaultLimits()}
	if s.Rules != "" {
		loaded, err := config.LoadRules(s.Rules)
		if err != nil {
			return nil, fmt.Errorf("failed to load rules: %w", err)
		}
		rules = loaded
	}
	return RunWithRules(s, rules), nil
}

// RunWithRules executes the scenario against already-loaded rules.
func RunWithRules(s *Scenario, rules *config.Rules) *Result {
	limits := rules.Limits
	if s.Limits != nil {
		limits = *s.Limits
	}

	clock := testutil.NewManualClock(Epoch)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	h := &Harness{
		clock: clock,
		safety: safety.NewManager(limits,
			safety.WithClock(clock.Now),
			safety.WithLocation(time.UTC),
			safety.WithLogger(logger),
		),
		mappings: mapping.NewEngine(
			mapping.WithClock(clock.Now),
			mapping.WithLogger(logger),
		),
		patterns: make(map[string]pattern.Pattern),
		devices:  make(map[string]struct{}),
		result:   NewResult(),
	}

	for _, err := range h.mappings.Reload(rules.Mappings) {
		h.result.Warnings = append(h.result.Warnings, err.Error())
	}
	for _, p := range pattern.Builtins() {
		h.patterns[p.Name] = p
	}
	for _, p := range rules.Patterns {
		if err := p.Validate(); err != nil {
			h.result.Warnings = append(h.result.Warnings, err.Error())
			continue
		}
		h.patterns[p.Name] = p
	}

	for _, step := range s.Steps {
		h.schedule(step)
	}
	sort.SliceStable(h.actions, func(i, j int) bool { return h.actions[i].at < h.actions[j].at })

	for _, a := range h.actions {
		clock.Set(Epoch.Add(time.Duration(a.at) * time.Millisecond))
		a.do(a.at)
	}

	for _, msg := range EvaluateAssertions(h.result.Trace, s.Assertions) {
		h.result.AddError(msg)
	}
	return h.result
}

func (h *Harness) at(ms int, do func(at int)) {
	h.actions = append(h.actions, action{at: ms, do: do})
}

func (h *Harness) schedule(step Step) {
	switch {
	case step.Event != nil:
		ev := *step.Event
		h.at(step.AtMs, func(at int) { h.event(at, ev) })

	case step.Command != nil:
		c := *step.Command
		h.at(step.AtMs, func(at int) { h.manual(at, c) })

	case step.Pattern != nil:
		h.schedulePattern(step.AtMs, *step.Pattern)

	case step.EmergencyStop:
		h.at(step.AtMs, h.emergencyStop)

	case step.ClearEmergency:
		h.at(step.AtMs, h.clearEmergency)
	}
}

func (h *Harness) schedulePattern(start int, ps PatternStep) {
	p, ok := h.patterns[ps.Name]
	if !ok {
		h.at(start, func(at int) {
			h.record(TraceEntry{
				AtMs:    at,
				Source:  "pattern:" + ps.Name,
				Device:  ps.DeviceID,
				Outcome: OutcomeError,
				Reason:  fmt.Sprintf("unknown pattern %q", ps.Name),
			})
		})
		return
	}

	r := &run{pattern: p.Name, device: ps.DeviceID}
	h.runs = append(h.runs, r)

	for i, off := range p.OffsetsMs() {
		st := p.Steps[i]
		h.at(start+off, func(at int) {
			if r.cancelled {
				return
			}
			r.started = true
			cmd := command.New(r.device, st.Kind, st.Intensity, st.DurationMs, h.clock.Now()).
				WithPriority(command.PriorityPattern).
				WithOrigin("", r.source())
			h.validate(at, cmd)
		})
	}
	h.at(start+p.TotalDurationMs(), func(at int) {
		if r.cancelled {
			return
		}
		r.done = true
		h.validate(at, command.Stop(r.device, r.source(), h.clock.Now()))
	})
}

func (h *Harness) event(at int, ev command.Event) {
	cmds := h.mappings.Evaluate(ev)
	if len(cmds) == 0 {
		h.record(TraceEntry{AtMs: at, Source: "event:" + ev.Type.String(), Outcome: OutcomeNoMatch})
		return
	}
	for _, cmd := range cmds {
		h.validate(at, cmd)
	}
}

func (h *Harness) manual(at int, c CommandStep) {
	cmd := command.New(c.DeviceID, c.Kind, c.Intensity, c.DurationMs, h.clock.Now())
	if c.Kind == command.KindStop {
		cmd = command.Stop(c.DeviceID, command.SourceManual, h.clock.Now())
	}
	h.validate(at, cmd.WithOrigin(c.UserID, command.SourceManual))
}

// emergencyStop cancels every run in progress and stops every device seen
// so far, like the engine's broadcast.
func (h *Harness) emergencyStop(at int) {
	if !h.safety.TriggerEmergencyStop() {
		return
	}
	h.record(TraceEntry{AtMs: at, Source: command.SourceEmergency, Outcome: OutcomeEmergencyStop})

	for _, r := range h.runs {
		if r.started && !r.done && !r.cancelled {
			r.cancelled = true
		}
	}

	ids := make([]string, 0, len(h.devices))
	for id := range h.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		h.validate(at, command.Stop(id, command.SourceEmergency, h.clock.Now()))
	}
}

func (h *Harness) clearEmergency(at int) {
	if h.safety.ClearEmergencyStop() {
		h.record(TraceEntry{AtMs: at, Source: command.SourceEmergency, Outcome: OutcomeEmergencyClear})
	}
}

func (h *Harness) validate(at int, cmd command.Command) {
	d := h.safety.Validate(cmd)
	e := TraceEntry{
		AtMs:       at,
		Source:     cmd.OriginSource,
		Device:     cmd.DeviceID,
		Kind:       cmd.Kind.String(),
		Intensity:  d.AdjustedIntensity,
		DurationMs: d.AdjustedDuration,
	}
	switch {
	case !d.Allowed:
		e.Outcome = OutcomeRejected
		e.Reason = d.Reason
	case d.Clamped:
		e.Outcome = OutcomeClamped
	default:
		e.Outcome = OutcomeApproved
	}
	if cmd.DeviceID != "" {
		h.devices[cmd.DeviceID] = struct{}{}
	}
	h.record(e)
}

func (h *Harness) record(e TraceEntry) {
	h.result.Trace = append(h.result.Trace, e)
}
