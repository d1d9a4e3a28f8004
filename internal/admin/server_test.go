package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ltth/actuator/internal/command"
	"github.com/ltth/actuator/internal/engine"
	"github.com/ltth/actuator/internal/ident"
	"github.com/ltth/actuator/internal/mapping"
	"github.com/ltth/actuator/internal/pattern"
	"github.com/ltth/actuator/internal/safety"
	"github.com/ltth/actuator/internal/store"
	"github.com/ltth/actuator/internal/testutil"
)

const testSecret = "test-secret"

var epoch = time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

type fixture struct {
	handler http.Handler
	engine  *engine.Engine
	store   *store.Store
	token   string
}

// newFixture builds an engine whose dispatch loop is not running, so
// everything enqueued stays pending and can be inspected.
func newFixture(t *testing.T, secret string) *fixture {
	t.Helper()
	clock := testutil.NewManualClock(epoch)
	never := func(time.Duration) <-chan time.Time { return make(chan time.Time) }

	eng := engine.New(testutil.NewRecordingTransport("D1", "D2"),
		engine.WithLimits(safety.Limits{MaxIntensity: 80, MaxDurationMs: 10000}),
		engine.WithClock(clock.Now),
		engine.WithLocation(time.UTC),
		engine.WithIDGenerator(ident.NewSequence("id")),
		engine.WithPatternOptions(pattern.WithTimer(never)),
	)

	st, err := store.Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return &fixture{
		handler: New(Config{Core: eng, History: st, JWTSecret: secret, Now: clock.Now}),
		engine:  eng,
		store:   st,
		token:   signToken(t, secret, "ops"),
	}
}

func signToken(t *testing.T, secret, subject string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	s, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	if f.token != "" {
		req.Header.Set("Authorization", "Bearer "+f.token)
	}
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	resp := rec.Result()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(data, &v), string(data))
	return v
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func TestHealth_NoAuth(t *testing.T) {
	f := newFixture(t, testSecret)
	f.token = ""

	resp, _ := f.do(t, http.MethodGet, "/v1/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuth(t *testing.T) {
	f := newFixture(t, testSecret)

	hs512 := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.RegisteredClaims{Subject: "ops"})
	wrongAlg, err := hs512.SignedString([]byte(testSecret))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  int
		code  string
	}{
		{"missing", "", http.StatusUnauthorized, "unauthorized"},
		{"wrong secret", signToken(t, "other", "ops"), http.StatusUnauthorized, "invalid_credentials"},
		{"wrong algorithm", wrongAlg, http.StatusUnauthorized, "invalid_credentials"},
		{"no subject", signToken(t, testSecret, ""), http.StatusUnauthorized, "invalid_credentials"},
		{"valid", signToken(t, testSecret, "ops"), http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f.token = tt.token
			resp, data := f.do(t, http.MethodGet, "/v1/status", nil)
			assert.Equal(t, tt.want, resp.StatusCode)
			if tt.code != "" {
				assert.Equal(t, tt.code, decode[errorEnvelope](t, data).Error.Code)
			}
		})
	}
}

func TestAuth_DisabledWithoutSecret(t *testing.T) {
	f := newFixture(t, "")
	f.token = ""

	resp, _ := f.do(t, http.MethodGet, "/v1/status", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestTrigger(t *testing.T) {
	f := newFixture(t, testSecret)

	resp, data := f.do(t, http.MethodPost, "/v1/commands", map[string]any{
		"device_id":   "D1",
		"kind":        "Vibrate",
		"intensity":   40,
		"duration_ms": 1000,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(data))

	receipt := decode[map[string]any](t, data)
	assert.Equal(t, "id-1", receipt["id"])
	assert.EqualValues(t, 1, receipt["position"])

	pending := f.engine.Snapshot().Queue.Pending
	require.Len(t, pending, 1)
	cmd := pending[0].Command
	assert.Equal(t, command.KindVibrate, cmd.Kind)
	assert.Equal(t, "ops", cmd.OriginUserID)
	assert.Equal(t, command.SourceManual, cmd.OriginSource)
	assert.Equal(t, command.PriorityNormal, cmd.Priority)
	assert.Equal(t, epoch, cmd.CreatedAt)
}

func TestTrigger_StopUsesStopPriority(t *testing.T) {
	f := newFixture(t, testSecret)

	resp, _ := f.do(t, http.MethodPost, "/v1/commands", map[string]any{
		"device_id": "D1",
		"kind":      "Stop",
		"priority":  1,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	pending := f.engine.Snapshot().Queue.Pending
	require.Len(t, pending, 1)
	assert.Equal(t, command.PriorityStop, pending[0].Command.Priority)
}

func TestTrigger_BadRequests(t *testing.T) {
	f := newFixture(t, testSecret)

	tests := []struct {
		name string
		body any
	}{
		{"missing device", map[string]any{"kind": "Vibrate", "intensity": 10, "duration_ms": 100}},
		{"missing kind", map[string]any{"device_id": "D1", "intensity": 10, "duration_ms": 100}},
		{"unknown kind", map[string]any{"device_id": "D1", "kind": "Zap"}},
		{"unknown field", map[string]any{"device_id": "D1", "kind": "Vibrate", "volts": 9000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, data := f.do(t, http.MethodPost, "/v1/commands", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Equal(t, "bad_request", decode[errorEnvelope](t, data).Error.Code)
		})
	}
	assert.Empty(t, f.engine.Snapshot().Queue.Pending)
}

func TestEvent(t *testing.T) {
	f := newFixture(t, testSecret)
	errs := f.engine.ReloadMappings([]mapping.Mapping{{
		ID:         "rose",
		Enabled:    true,
		Event:      command.EventGift,
		Conditions: []mapping.Condition{{Kind: mapping.CondGiftName, Text: "Rose"}},
		Template: mapping.Template{
			Kind:       command.KindVibrate,
			Devices:    []string{"D1", "D2"},
			Intensity:  30,
			DurationMs: 1000,
		},
	}})
	require.Empty(t, errs)

	resp, data := f.do(t, http.MethodPost, "/v1/events", map[string]any{
		"type":    "gift",
		"user_id": "viewer-1",
		"payload": map[string]any{"gift_name": "Rose", "gift_value": 1},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(data))
	got := decode[eventResponse](t, data)
	assert.Len(t, got.Receipts, 2)
	assert.Empty(t, got.Error)

	resp, data = f.do(t, http.MethodPost, "/v1/events", map[string]any{
		"type":    "gift",
		"user_id": "viewer-1",
		"payload": map[string]any{"gift_name": "Lion"},
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Empty(t, decode[eventResponse](t, data).Receipts)

	resp, _ = f.do(t, http.MethodPost, "/v1/events", map[string]any{"user_id": "viewer-1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPatternRuns(t *testing.T) {
	f := newFixture(t, testSecret)

	resp, data := f.do(t, http.MethodPost, "/v1/patterns/Pulse3/runs", map[string]string{"device_id": "D1"})
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(data))
	runID := decode[map[string]string](t, data)["run_id"]
	require.NotEmpty(t, runID)
	assert.Len(t, f.engine.Snapshot().Runs, 1)

	resp, _ = f.do(t, http.MethodDelete, "/v1/runs/"+runID, nil)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, f.engine.Snapshot().Runs)

	resp, data = f.do(t, http.MethodDelete, "/v1/runs/"+runID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not_found", decode[errorEnvelope](t, data).Error.Code)

	resp, _ = f.do(t, http.MethodPost, "/v1/patterns/nope/runs", map[string]string{"device_id": "D1"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/v1/patterns/Pulse3/runs", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestEmergencyStop(t *testing.T) {
	f := newFixture(t, testSecret)

	resp, _ := f.do(t, http.MethodPost, "/v1/commands", map[string]any{
		"device_id": "D1", "kind": "Shock", "intensity": 20, "duration_ms": 300,
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, data := f.do(t, http.MethodPost, "/v1/emergency-stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	status := f.engine.Snapshot()
	assert.True(t, status.Safety.EmergencyStop)
	// The shock was flushed; one Stop per known device remains.
	require.Len(t, status.Queue.Pending, 2)
	for _, it := range status.Queue.Pending {
		assert.True(t, it.Command.IsStop())
	}

	resp, data = f.do(t, http.MethodDelete, "/v1/emergency-stop", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, decode[map[string]any](t, data)["cleared"])
	assert.False(t, f.engine.Snapshot().Safety.EmergencyStop)

	_, data = f.do(t, http.MethodDelete, "/v1/emergency-stop", nil)
	assert.Equal(t, false, decode[map[string]any](t, data)["cleared"])
}

func TestUpdateLimits(t *testing.T) {
	f := newFixture(t, testSecret)

	resp, data := f.do(t, http.MethodPut, "/v1/limits", map[string]int{"max_intensity": 30})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))

	limits := f.engine.Snapshot().Safety.Limits
	assert.Equal(t, 30, limits.MaxIntensity)
	assert.Equal(t, 10000, limits.MaxDurationMs, "unspecified fields keep their value")

	resp, data = f.do(t, http.MethodPut, "/v1/limits", map[string]int{"max_intensity": 500})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_limits", decode[errorEnvelope](t, data).Error.Code)
	assert.Equal(t, 30, f.engine.Snapshot().Safety.Limits.MaxIntensity)
}

func TestHistory(t *testing.T) {
	f := newFixture(t, testSecret)
	ctx := context.Background()
	for i, dev := range []string{"D1", "D2", "D1"} {
		require.NoError(t, f.store.RecordTransition(ctx, store.Transition{
			ItemID:   "item",
			DeviceID: dev,
			Kind:     "Vibrate",
			State:    "completed",
			At:       epoch.Add(time.Duration(i) * time.Second),
		}))
	}

	resp, data := f.do(t, http.MethodGet, "/v1/history?device=D1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(data))
	got := decode[map[string][]store.Transition](t, data)["transitions"]
	require.Len(t, got, 2)
	for _, tr := range got {
		assert.Equal(t, "D1", tr.DeviceID)
	}

	resp, _ = f.do(t, http.MethodGet, "/v1/history?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHistory_Disabled(t *testing.T) {
	f := newFixture(t, testSecret)
	f.handler = New(Config{Core: f.engine, JWTSecret: testSecret})

	resp, _ := f.do(t, http.MethodGet, "/v1/history", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestDevices(t *testing.T) {
	f := newFixture(t, testSecret)

	resp, data := f.do(t, http.MethodGet, "/v1/devices", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	devices := decode[map[string][]command.Device](t, data)["devices"]
	require.Len(t, devices, 2)
	assert.Equal(t, "D1", devices[0].ID)
}
