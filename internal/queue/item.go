package queue

import (
	"sync/atomic"
	"time"

	"github.com/ltth/actuator/internal/command"
)

// State is the lifecycle state of a queue item.
type State string

const (
	StatePending   State = "pending"
	StateApproved  State = "approved"
	StateRejected  State = "rejected"
	StateExecuting State = "executing"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateRejected || s == StateCompleted || s == StateFailed
}

// Item is a queued command. Values returned by Snapshot are copies; the
// manager's own items are never exposed.
type Item struct {
	ID         string          `json:"id"`
	Command    command.Command `json:"command"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	State      State           `json:"state"`
	Reason     string          `json:"reason,omitempty"`

	seq int64
}

// Receipt is returned by Enqueue. Position is 1-based: 1 means the item is
// next in line (ignoring per-device busy state).
type Receipt struct {
	ID       string `json:"id"`
	Position int    `json:"position"`
}

// Snapshot is a point-in-time copy of the queue.
type Snapshot struct {
	Pending []Item   `json:"pending"`
	Active  []Item   `json:"active"`
	Holding []string `json:"holding"`
}

// before reports whether a dispatches ahead of b.
func before(a, b *Item) bool {
	as, bs := a.Command.IsStop(), b.Command.IsStop()
	if as != bs {
		return as
	}
	if a.Command.Priority != b.Command.Priority {
		return a.Command.Priority > b.Command.Priority
	}
	return a.seq < b.seq
}

// arrivals stamps items with a strictly increasing sequence number so ties
// within a priority band break by arrival, independent of wall-clock
// resolution.
type arrivals struct {
	seq atomic.Int64
}

func (a *arrivals) next() int64 {
	return a.seq.Add(1)
}
