package engine

import "fmt"

// DefaultMaxCommandsPerEvent caps how many commands one event may enqueue.
// Commands past the cap are dropped and logged.
const DefaultMaxCommandsPerEvent = 16

// fanoutQuota counts commands enqueued for one event.
type fanoutQuota struct {
	limit   int
	current int
}

func newFanoutQuota(limit int) *fanoutQuota {
	return &fanoutQuota{limit: limit}
}

// Check increments the counter and returns an error once the limit is
// exceeded. A limit <= 0 disables the quota.
func (q *fanoutQuota) Check(event string) error {
	q.current++
	if q.limit > 0 && q.current > q.limit {
		return &Error{
			Code:    ErrCodeFanoutExceeded,
			Message: fmt.Sprintf("%s event produced more than %d commands", event, q.limit),
			Details: map[string]string{
				"event": event,
				"limit": fmt.Sprintf("%d", q.limit),
			},
		}
	}
	return nil
}
