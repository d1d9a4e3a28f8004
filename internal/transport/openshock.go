package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/ltth/actuator/internal/command"
)

// OpenShockConfig configures the REST client.
type OpenShockConfig struct {
	BaseURL    string
	APIToken   string
	Timeout    time.Duration
	RetryCount int // applies to device listing only; sends are never retried
	CustomName string
}

// OpenShock talks to an OpenShock-compatible REST API.
type OpenShock struct {
	client     *resty.Client
	customName string
	logger     *slog.Logger
}

type shockerDTO struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Model    string `json:"model"`
	IsPaused bool   `json:"isPaused"`
}

type hubDTO struct {
	ID       string       `json:"id"`
	Name     string       `json:"name"`
	Shockers []shockerDTO `json:"shockers"`
}

type ownShockersResponse struct {
	Message string   `json:"message"`
	Data    []hubDTO `json:"data"`
}

type controlDTO struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	Intensity int    `json:"intensity"`
	Duration  int    `json:"duration"`
	Exclusive bool   `json:"exclusive"`
}

type controlRequest struct {
	Shocks     []controlDTO `json:"shocks"`
	CustomName string       `json:"customName,omitempty"`
}

// NewOpenShock creates a client. Device listing is retried on network
// errors and 5xx responses; control requests are sent exactly once.
func NewOpenShock(cfg OpenShockConfig, logger *slog.Logger) *OpenShock {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	client := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(cfg.RetryCount).
		SetRetryWaitTime(250 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetHeader("OpenShockToken", cfg.APIToken).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if r == nil || r.Request == nil || r.Request.Method != http.MethodGet {
				return false
			}
			return err != nil || r.StatusCode() >= http.StatusInternalServerError
		})

	return &OpenShock{client: client, customName: cfg.CustomName, logger: logger}
}

// Devices lists every shocker on every hub owned by the token's account.
func (o *OpenShock) Devices(ctx context.Context) ([]command.Device, error) {
	var out ownShockersResponse
	resp, err := o.client.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/1/shockers/own")
	if err != nil {
		return nil, classify(err, "", "list devices")
	}
	if resp.IsError() {
		return nil, statusError(resp, "")
	}

	var devices []command.Device
	for _, hub := range out.Data {
		for _, s := range hub.Shockers {
			devices = append(devices, command.Device{
				ID:     s.ID,
				Name:   s.Name,
				Model:  s.Model,
				Online: !s.IsPaused,
			})
		}
	}
	return devices, nil
}

// Send issues one control request. The vendor expresses Stop as a zero
// intensity exclusive command.
func (o *OpenShock) Send(ctx context.Context, deviceID string, kind command.Kind, intensity, durationMs int) error {
	ctl := controlDTO{
		ID:        deviceID,
		Type:      kind.String(),
		Intensity: intensity,
		Duration:  durationMs,
		Exclusive: true,
	}
	if kind == command.KindStop {
		ctl.Intensity = 0
		ctl.Duration = 300
	}

	resp, err := o.client.R().
		SetContext(ctx).
		SetBody(controlRequest{Shocks: []controlDTO{ctl}, CustomName: o.customName}).
		Post("/2/shockers/control")
	if err != nil {
		return classify(err, deviceID, "send control")
	}
	if resp.IsError() {
		return statusError(resp, deviceID)
	}

	o.logger.Debug("control accepted",
		"device", deviceID,
		"kind", kind.String(),
		"status", resp.StatusCode(),
	)
	return nil
}

func classify(err error, deviceID, op string) error {
	code := ErrCodeUnavailable
	if errors.Is(err, context.DeadlineExceeded) {
		code = ErrCodeTimeout
	}
	return &Error{Code: code, DeviceID: deviceID, Message: op, Err: err}
}

func statusError(resp *resty.Response, deviceID string) error {
	code := ErrCodeRejected
	switch {
	case resp.StatusCode() == http.StatusTooManyRequests:
		code = ErrCodeRateLimited
	case resp.StatusCode() >= http.StatusInternalServerError:
		code = ErrCodeUnavailable
	}
	return &Error{
		Code:     code,
		Status:   resp.StatusCode(),
		DeviceID: deviceID,
		Message:  fmt.Sprintf("vendor returned %d: %s", resp.StatusCode(), truncate(resp.String(), 200)),
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
