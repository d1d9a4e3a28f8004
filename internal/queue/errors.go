package queue

import (
	"errors"
	"fmt"
)

// ErrQueueStopped is returned by Enqueue after Stop.
var ErrQueueStopped = errors.New("queue stopped")

// InvariantError reports a programming error: queue state touched without
// holding the queue lock.
type InvariantError struct {
	Op string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("INVARIANT_VIOLATION: %s without queue lock", e.Op)
}
