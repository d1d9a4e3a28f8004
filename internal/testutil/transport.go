package testutil

import (
	"context"
	"sync"
	"time"

	"github.com/ltth/actuator/internal/command"
)

// Sent is one call recorded by RecordingTransport.
type Sent struct {
	DeviceID   string
	Kind       command.Kind
	Intensity  int
	DurationMs int
}

// RecordingTransport is an in-memory device transport. It records every
// send in call order and tracks how many sends per device overlap.
type RecordingTransport struct {
	// Delay is how long each Send takes. The context can cut it short.
	Delay time.Duration

	// Fail, when set, decides the error returned for a send.
	Fail func(s Sent) error

	mu       sync.Mutex
	devices  []command.Device
	sent     []Sent
	inflight map[string]int
	peak     map[string]int
}

// NewRecordingTransport creates a transport that reports the given devices
// as online.
func NewRecordingTransport(deviceIDs ...string) *RecordingTransport {
	devices := make([]command.Device, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		devices = append(devices, command.Device{ID: id, Name: id, Model: "test", Online: true})
	}
	return &RecordingTransport{
		devices:  devices,
		inflight: make(map[string]int),
		peak:     make(map[string]int),
	}
}

// Devices returns the configured devices.
func (r *RecordingTransport) Devices(ctx context.Context) ([]command.Device, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]command.Device, len(r.devices))
	copy(out, r.devices)
	return out, nil
}

// Send records the call and waits Delay or until ctx ends.
func (r *RecordingTransport) Send(ctx context.Context, deviceID string, kind command.Kind, intensity, durationMs int) error {
	s := Sent{DeviceID: deviceID, Kind: kind, Intensity: intensity, DurationMs: durationMs}

	r.mu.Lock()
	r.sent = append(r.sent, s)
	r.inflight[deviceID]++
	if r.inflight[deviceID] > r.peak[deviceID] {
		r.peak[deviceID] = r.inflight[deviceID]
	}
	fail := r.Fail
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		r.inflight[deviceID]--
		r.mu.Unlock()
	}()

	if r.Delay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.Delay):
		}
	}
	if fail != nil {
		return fail(s)
	}
	return nil
}

// Sent returns a copy of all recorded sends in call order.
func (r *RecordingTransport) Sent() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Sent, len(r.sent))
	copy(out, r.sent)
	return out
}

// SentTo returns the recorded sends for one device.
func (r *RecordingTransport) SentTo(deviceID string) []Sent {
	var out []Sent
	for _, s := range r.Sent() {
		if s.DeviceID == deviceID {
			out = append(out, s)
		}
	}
	return out
}

// Kinds returns the kinds sent to one device, in order.
func (r *RecordingTransport) Kinds(deviceID string) []command.Kind {
	var out []command.Kind
	for _, s := range r.SentTo(deviceID) {
		out = append(out, s.Kind)
	}
	return out
}

// PeakConcurrent returns the highest number of overlapping sends seen for
// a device.
func (r *RecordingTransport) PeakConcurrent(deviceID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.peak[deviceID]
}
