package safety

import "time"

// rollingWindow records approval times for one device and answers how many
// fall inside the trailing window.
type rollingWindow struct {
	stamps []time.Time
}

// count prunes stamps at or before now-window and returns how many remain.
func (w *rollingWindow) count(now time.Time, window time.Duration) int {
	start := now.Add(-window)
	pruned := w.stamps[:0]
	for _, ts := range w.stamps {
		if ts.After(start) {
			pruned = append(pruned, ts)
		}
	}
	// Clear the tail so dropped entries do not pin the backing array.
	for i := len(pruned); i < len(w.stamps); i++ {
		w.stamps[i] = time.Time{}
	}
	w.stamps = pruned
	return len(w.stamps)
}

func (w *rollingWindow) record(now time.Time) {
	w.stamps = append(w.stamps, now)
}

// oldest returns the earliest stamp still in the window.
func (w *rollingWindow) oldest() time.Time {
	if len(w.stamps) == 0 {
		return time.Time{}
	}
	return w.stamps[0]
}

// dayKey identifies a local calendar day.
func dayKey(t time.Time) int {
	y, m, d := t.Date()
	return y*10000 + int(m)*100 + d
}
