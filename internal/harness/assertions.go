package harness

import (
	"fmt"
	"slices"
	"strings"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
	Trace    []TraceEntry
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for i, entry := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] +%dms %s %s %s %s", i+1, entry.AtMs, entry.Outcome, entry.Source, entry.Kind, entry.Device)
		if entry.Reason != "" {
			fmt.Fprintf(&buf, " (%s)", entry.Reason)
		}
		buf.WriteString("\n")
	}

	return buf.String()
}

// EvaluateAssertions checks every assertion and returns failure messages.
func EvaluateAssertions(trace []TraceEntry, assertions []Assertion) []string {
	var errs []string
	for _, a := range assertions {
		var err error
		switch a.Type {
		case AssertCount:
			err = assertCount(trace, a)
		case AssertOrder:
			err = assertOrder(trace, a)
		case AssertContains:
			err = assertContains(trace, a)
		default:
			err = fmt.Errorf("unknown assertion type %q", a.Type)
		}
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

func (a Assertion) matches(e TraceEntry) bool {
	if a.Outcome != "" && e.Outcome != a.Outcome {
		return false
	}
	if a.Device != "" && e.Device != a.Device {
		return false
	}
	if a.Source != "" && e.Source != a.Source {
		return false
	}
	return true
}

func (a Assertion) describe() string {
	parts := []string{"outcome=" + a.Outcome}
	if a.Device != "" {
		parts = append(parts, "device="+a.Device)
	}
	if a.Source != "" {
		parts = append(parts, "source="+a.Source)
	}
	return strings.Join(parts, " ")
}

func assertCount(trace []TraceEntry, a Assertion) error {
	n := 0
	for _, e := range trace {
		if a.matches(e) {
			n++
		}
	}
	if n == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     AssertCount,
		Expected: fmt.Sprintf("%d entries with %s", a.Count, a.describe()),
		Actual:   fmt.Sprintf("%d entries", n),
		Trace:    trace,
	}
}

// assertOrder compares the kinds that reached a device, in order.
func assertOrder(trace []TraceEntry, a Assertion) error {
	kinds := []string{}
	for _, e := range trace {
		if e.Device == a.Device && e.Allowed() {
			kinds = append(kinds, e.Kind)
		}
	}
	want := a.Kinds
	if want == nil {
		want = []string{}
	}
	if slices.EqualFunc(kinds, want, strings.EqualFold) {
		return nil
	}
	return &AssertionError{
		Type:     AssertOrder,
		Expected: fmt.Sprintf("%s receives %v", a.Device, want),
		Actual:   fmt.Sprintf("%v", kinds),
		Trace:    trace,
	}
}

func assertContains(trace []TraceEntry, a Assertion) error {
	for _, e := range trace {
		if a.matches(e) && strings.Contains(e.Reason, a.Reason) {
			return nil
		}
	}
	return &AssertionError{
		Type:     AssertContains,
		Expected: fmt.Sprintf("an entry with %s and reason containing %q", a.describe(), a.Reason),
		Actual:   "not found in trace",
		Trace:    trace,
	}
}
