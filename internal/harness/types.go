package harness

// Trace entry outcomes.
const (
	OutcomeApproved       = "approved"
	OutcomeClamped        = "clamped"
	OutcomeRejected       = "rejected"
	OutcomeNoMatch        = "no_match"
	OutcomeError          = "error"
	OutcomeEmergencyStop  = "emergency_stop"
	OutcomeEmergencyClear = "emergency_clear"
)

// TraceEntry is one decision at a virtual time. Intensity and DurationMs
// are the values after clamping.
type TraceEntry struct {
	AtMs       int    `json:"at_ms"`
	Source     string `json:"source"`
	Device     string `json:"device,omitempty"`
	Kind       string `json:"kind,omitempty"`
	Intensity  int    `json:"intensity"`
	DurationMs int    `json:"duration_ms"`
	Outcome    string `json:"outcome"`
	Reason     string `json:"reason,omitempty"`
}

// Allowed reports whether the entry reached the device.
func (e TraceEntry) Allowed() bool {
	return e.Outcome == OutcomeApproved || e.Outcome == OutcomeClamped
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	Trace []TraceEntry `json:"trace"`

	// Errors holds assertion failures.
	Errors []string `json:"errors,omitempty"`

	// Warnings holds rules that were skipped as malformed.
	Warnings []string `json:"warnings,omitempty"`
}

// NewResult creates a passing, empty result.
func NewResult() *Result {
	return &Result{
		Pass:  true,
		Trace: []TraceEntry{},
	}
}

// AddError records an assertion failure and marks the result failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// Count returns how many entries have the given outcome.
func (r *Result) Count(outcome string) int {
	n := 0
	for _, e := range r.Trace {
		if e.Outcome == outcome {
			n++
		}
	}
	return n
}
