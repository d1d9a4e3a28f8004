package transport

import (
	"context"
	"log/slog"

	"github.com/ltth/actuator/internal/command"
)

// DryRun accepts every send without contacting a device. It is used by
// `actuator serve --dry-run` to exercise mappings and safety limits against
// a live event feed.
type DryRun struct {
	devices []command.Device
	logger  *slog.Logger
}

// NewDryRun creates a dry-run transport exposing the given device IDs.
func NewDryRun(logger *slog.Logger, deviceIDs ...string) *DryRun {
	if logger == nil {
		logger = slog.Default()
	}
	devices := make([]command.Device, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		devices = append(devices, command.Device{ID: id, Name: id, Model: "dry-run", Online: true})
	}
	return &DryRun{devices: devices, logger: logger}
}

// Devices returns the configured devices.
func (d *DryRun) Devices(ctx context.Context) ([]command.Device, error) {
	out := make([]command.Device, len(d.devices))
	copy(out, d.devices)
	return out, nil
}

// Send logs the actuation and returns immediately.
func (d *DryRun) Send(ctx context.Context, deviceID string, kind command.Kind, intensity, durationMs int) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.logger.Info("dry-run send",
		"device", deviceID,
		"kind", kind.String(),
		"intensity", intensity,
		"duration_ms", durationMs,
	)
	return nil
}
