package mapping

import (
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/ltth/actuator/internal/command"
)

// compiled is a validated mapping with its lookups prepared.
type compiled struct {
	Mapping
	regex map[int]*regexp.Regexp // condition index -> pattern
	users map[int]map[string]struct{}
}

// Engine evaluates events against the loaded mappings.
//
// Thread-safety: Evaluate and Reload may be called concurrently.
type Engine struct {
	mu        sync.Mutex
	rules     []compiled
	lastFired map[string]time.Time // mapping id -> last match

	now    func() time.Time
	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock sets the time source for command timestamps and rule cooldowns.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
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

// NewEngine creates an engine with no mappings loaded.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		lastFired: make(map[string]time.Time),
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Reload replaces the mapping snapshot. Malformed mappings are skipped and
// logged; their errors are returned so callers can surface them. Cooldown
// state survives for mappings whose id is unchanged.
func (e *Engine) Reload(mappings []Mapping) []error {
	rules := make([]compiled, 0, len(mappings))
	var errs []error
	seen := make(map[string]bool, len(mappings))

	for _, m := range mappings {
		if err := m.Validate(); err != nil {
			e.logger.Warn("skipping malformed mapping", "mapping", m.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		if seen[m.ID] {
			err := &ConfigError{Code: ErrCodeMissingField, Mapping: m.ID, Message: "duplicate id"}
			e.logger.Warn("skipping malformed mapping", "mapping", m.ID, "error", err)
			errs = append(errs, err)
			continue
		}
		seen[m.ID] = true
		rules = append(rules, compile(m))
	}

	e.mu.Lock()
	e.rules = rules
	for id := range e.lastFired {
		if !seen[id] {
			delete(e.lastFired, id)
		}
	}
	e.mu.Unlock()

	e.logger.Info("mappings reloaded", "count", len(rules), "skipped", len(errs))
	return errs
}

// Mappings returns the loaded (valid) mappings in load order.
func (e *Engine) Mappings() []Mapping {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]Mapping, len(e.rules))
	for i, r := range e.rules {
		out[i] = r.Mapping
	}
	return out
}

// Evaluate returns the commands produced by every enabled mapping that
// matches ev, in mapping order. It never fails: a mapping that cannot
// produce a command is skipped.
func (e *Engine) Evaluate(ev command.Event) []command.Command {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := e.now()
	var out []command.Command
	for i := range e.rules {
		r := &e.rules[i]
		if !r.Enabled || r.Event != ev.Type {
			continue
		}
		if !r.matches(ev) {
			continue
		}
		if r.CooldownMs > 0 {
			if last, ok := e.lastFired[r.ID]; ok && now.Sub(last) < time.Duration(r.CooldownMs)*time.Millisecond {
				e.logger.Debug("mapping on cooldown", "mapping", r.ID, "user", ev.UserID)
				continue
			}
		}
		e.lastFired[r.ID] = now
		out = append(out, r.instantiate(ev, now)...)

		e.logger.Debug("mapping matched",
			"mapping", r.ID,
			"event", ev.Type,
			"user", ev.UserID,
			"devices", len(r.Template.Devices),
		)
	}
	return out
}

func compile(m Mapping) compiled {
	c := compiled{
		Mapping: m,
		regex:   make(map[int]*regexp.Regexp),
		users:   make(map[int]map[string]struct{}),
	}
	for i, cond := range m.Conditions {
		switch cond.Kind {
		case CondChatRegex:
			// Validate already compiled it once.
			c.regex[i] = regexp.MustCompile(cond.Text)
		case CondAllowUsers, CondDenyUsers:
			set := make(map[string]struct{}, len(cond.Users))
			for _, u := range cond.Users {
				if key := fold(u); key != "" {
					set[key] = struct{}{}
				}
			}
			c.users[i] = set
		}
	}
	return c
}

// matches reports whether every condition holds for ev.
func (c *compiled) matches(ev command.Event) bool {
	p := ev.Payload
	for i, cond := range c.Conditions {
		var ok bool
		switch cond.Kind {
		case CondGiftName:
			ok = fold(p.GiftName) == fold(cond.Text)
		case CondGiftValueMin:
			ok = ev.Type == command.EventGift && p.GiftValue >= cond.Min
		case CondChatContains:
			ok = strings.Contains(fold(p.Message), fold(cond.Text))
		case CondChatRegex:
			ok = c.regex[i].MatchString(norm.NFC.String(p.Message))
		case CondTierMin:
			ok = p.Tier >= cond.Min
		case CondAllowUsers:
			ok = listed(c.users[i], ev)
		case CondDenyUsers:
			ok = !listed(c.users[i], ev)
		}
		if !ok {
			return false
		}
	}
	return true
}

// instantiate builds one command per template device.
func (c *compiled) instantiate(ev command.Event, now time.Time) []command.Command {
	t := c.Template
	intensity := t.Intensity
	if t.Scale != nil {
		intensity = t.Scale.Apply(eventValue(ev))
	}
	priority := t.Priority
	if priority == 0 {
		priority = command.PriorityNormal
	}
	source := command.SourceMapping + ":" + c.ID

	cmds := make([]command.Command, 0, len(t.Devices))
	for _, device := range t.Devices {
		var cmd command.Command
		if t.Kind == command.KindStop {
			cmd = command.Stop(device, source, now)
		} else {
			cmd = command.New(device, t.Kind, intensity, t.DurationMs, now).WithPriority(priority)
		}
		cmds = append(cmds, cmd.WithOrigin(ev.UserID, source))
	}
	return cmds
}

// listed implements the allow-list OR rule: the user matches when either
// their id or their display name is in the set.
func listed(set map[string]struct{}, ev command.Event) bool {
	if key := fold(ev.UserID); key != "" {
		if _, ok := set[key]; ok {
			return true
		}
	}
	if key := fold(ev.UserName); key != "" {
		if _, ok := set[key]; ok {
			return true
		}
	}
	return false
}

// eventValue is the quantity a Scale multiplies.
func eventValue(ev command.Event) int {
	switch ev.Type {
	case command.EventGift:
		return ev.Payload.GiftValue
	case command.EventLike:
		return ev.Payload.Count
	case command.EventSubscribe, command.EventTierChange:
		return ev.Payload.Tier
	default:
		return ev.Payload.Count
	}
}

// fold normalizes s for case-insensitive comparison. A Caser holds state,
// so each call gets its own.
func fold(s string) string {
	return cases.Fold().String(norm.NFC.String(strings.TrimSpace(s)))
}
