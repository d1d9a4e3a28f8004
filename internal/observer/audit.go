package observer

import (
	"context"
	"log/slog"
	"time"

	"github.com/ltth/actuator/internal/store"
)

// Recorder is the subset of store.Store the audit sink uses.
type Recorder interface {
	RecordTransition(ctx context.Context, t store.Transition) error
}

// Audit appends every notification to the SQLite audit log.
type Audit struct {
	rec     Recorder
	timeout time.Duration
	logger  *slog.Logger
}

// NewAudit creates an audit sink.
func NewAudit(rec Recorder, logger *slog.Logger) *Audit {
	if logger == nil {
		logger = slog.Default()
	}
	return &Audit{rec: rec, timeout: 5 * time.Second, logger: logger}
}

// Notify records n. Errors are logged, never returned.
func (a *Audit) Notify(n Notification) {
	ctx, cancel := context.WithTimeout(context.Background(), a.timeout)
	defer cancel()

	err := a.rec.RecordTransition(ctx, store.Transition{
		ItemID:     n.ItemID,
		DeviceID:   n.DeviceID,
		Kind:       n.Kind,
		Intensity:  n.Intensity,
		DurationMs: n.DurationMs,
		Priority:   n.Priority,
		Source:     n.Source,
		UserID:     n.UserID,
		State:      n.State,
		Reason:     n.Reason,
		Summary:    n.Summary,
		At:         n.Timestamp,
	})
	if err != nil {
		a.logger.Warn("audit record failed", "item_id", n.ItemID, "state", n.State, "error", err)
	}
}
