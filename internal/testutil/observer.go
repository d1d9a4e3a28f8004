package testutil

import (
	"sync"

	"github.com/ltth/actuator/internal/observer"
)

// RecordingObserver collects notifications for assertions.
type RecordingObserver struct {
	mu    sync.Mutex
	notes []observer.Notification
}

// Notify records n.
func (r *RecordingObserver) Notify(n observer.Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notes = append(r.notes, n)
}

// All returns a copy of every notification received.
func (r *RecordingObserver) All() []observer.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]observer.Notification, len(r.notes))
	copy(out, r.notes)
	return out
}

// States returns the states reported for one item, in order.
func (r *RecordingObserver) States(itemID string) []string {
	var out []string
	for _, n := range r.All() {
		if n.ItemID == itemID {
			out = append(out, n.State)
		}
	}
	return out
}

// Last returns the most recent notification for an item.
func (r *RecordingObserver) Last(itemID string) (observer.Notification, bool) {
	all := r.All()
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].ItemID == itemID {
			return all[i], true
		}
	}
	return observer.Notification{}, false
}

// Count returns how many notifications carried the given state.
func (r *RecordingObserver) Count(state string) int {
	n := 0
	for _, note := range r.All() {
		if note.State == state {
			n++
		}
	}
	return n
}
