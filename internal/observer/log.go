package observer

import (
	"context"
	"log/slog"
)

// Log writes notifications to a slog logger. Rejections log at info,
// failures at warn, emergency toggles at warn, everything else at debug.
type Log struct {
	Logger *slog.Logger
}

// Notify logs n.
func (l Log) Notify(n Notification) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}

	level := slog.LevelDebug
	switch n.State {
	case StateRejected:
		level = slog.LevelInfo
	case StateFailed, StateEmergencyStop:
		level = slog.LevelWarn
	case StateEmergencyClear:
		level = slog.LevelInfo
	}

	attrs := []any{"state", n.State, "summary", n.Summary}
	if n.ItemID != "" {
		attrs = append(attrs, "item_id", n.ItemID, "device", n.DeviceID, "source", n.Source)
	}
	if n.Reason != "" {
		attrs = append(attrs, "reason", n.Reason)
	}
	logger.Log(context.Background(), level, "queue transition", attrs...)
}
