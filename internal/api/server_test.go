package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/stevelea/evconduit-homeassistant/internal/backend"
	"github.com/stevelea/evconduit-homeassistant/internal/bridge"
	"github.com/stevelea/evconduit-homeassistant/internal/config"
	"github.com/stevelea/evconduit-homeassistant/internal/status"
)

type fakeController struct {
	webhookID string
	snapshot  status.Snapshot
	userInfo  status.Snapshot
	pushed    []status.Snapshot
	applyPush bool

	chargingAction string
	chargingErr    error

	odometerKm     float64
	odometerResult map[string]any
	odometerErr    error

	telemetryErr error

	vehicles    []backend.Vehicle
	vehiclesErr error
}

func (f *fakeController) WebhookID() string         { return f.webhookID }
func (f *fakeController) Status() status.Snapshot   { return f.snapshot }
func (f *fakeController) UserInfo() status.Snapshot { return f.userInfo }

func (f *fakeController) ApplyPush(update status.Snapshot) bool {
	f.pushed = append(f.pushed, update)
	return f.applyPush
}

func (f *fakeController) SetCharging(ctx context.Context, action string) (map[string]any, error) {
	f.chargingAction = action
	if f.chargingErr != nil {
		return nil, f.chargingErr
	}
	return map[string]any{"success": true}, nil
}

func (f *fakeController) UpdateOdometer(ctx context.Context, km *float64) (float64, map[string]any, error) {
	if f.odometerErr != nil {
		return 0, nil, f.odometerErr
	}
	if km != nil {
		return *km, f.odometerResult, nil
	}
	return f.odometerKm, f.odometerResult, nil
}

func (f *fakeController) SendTelemetry(ctx context.Context) error { return f.telemetryErr }

func (f *fakeController) Vehicles(ctx context.Context) ([]backend.Vehicle, error) {
	return f.vehicles, f.vehiclesErr
}

func newTestServer(controller *fakeController) *Server {
	return NewServer(controller, zap.NewNop(), ":0", config.AuthConfig{})
}

func TestHandleWebhook(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		body       string
		applyPush  bool
		wantStatus int
		wantBody   string
	}{
		{
			name:       "merged",
			path:       "/api/webhook/hook-123",
			body:       `{"vehicle":{"id":"veh-1","chargeState":{"batteryLevel":55}}}`,
			applyPush:  true,
			wantStatus: http.StatusOK,
			wantBody:   "OK",
		},
		{
			name:       "different vehicle ignored",
			path:       "/api/webhook/hook-123",
			body:       `{"vehicle":{"id":"veh-other","chargeState":{"batteryLevel":55}}}`,
			applyPush:  false,
			wantStatus: http.StatusOK,
			wantBody:   "OK (ignored - different vehicle)",
		},
		{
			name:       "unknown webhook id",
			path:       "/api/webhook/wrong-id",
			body:       `{"vehicle":{"id":"veh-1"}}`,
			wantStatus: http.StatusNotFound,
			wantBody:   "Unknown webhook",
		},
		{
			name:       "missing vehicle data",
			path:       "/api/webhook/hook-123",
			body:       `{"vehicle":{}}`,
			wantStatus: http.StatusBadRequest,
			wantBody:   "Missing vehicle data",
		},
		{
			name:       "malformed payload",
			path:       "/api/webhook/hook-123",
			body:       `{not json`,
			wantStatus: http.StatusInternalServerError,
			wantBody:   "Error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			controller := &fakeController{webhookID: "hook-123", applyPush: tt.applyPush}
			s := newTestServer(controller)

			req := httptest.NewRequest(http.MethodPost, tt.path, strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			s.handleWebhook(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantBody, rec.Body.String())
		})
	}
}

func TestHandleWebhookPassesVehicleData(t *testing.T) {
	controller := &fakeController{webhookID: "hook-123", applyPush: true}
	s := newTestServer(controller)

	body := `{"vehicle":{"id":"veh-1","isReachable":true}}`
	req := httptest.NewRequest(http.MethodPost, "/api/webhook/hook-123", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.handleWebhook(rec, req)

	require.Len(t, controller.pushed, 1)
	assert.Equal(t, "veh-1", controller.pushed[0]["id"])
	assert.Equal(t, true, controller.pushed[0]["isReachable"])
}

func TestHandleWebhookRejectsGet(t *testing.T) {
	s := newTestServer(&fakeController{webhookID: "hook-123"})

	req := httptest.NewRequest(http.MethodGet, "/api/webhook/hook-123", nil)
	rec := httptest.NewRecorder()
	s.handleWebhook(rec, req)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestHandleStatus(t *testing.T) {
	controller := &fakeController{
		snapshot: status.Snapshot{"vehicleName": "Zoe"},
	}
	s := newTestServer(controller)

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	s.handleStatus(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var got map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, "Zoe", got["vehicleName"])
}

func TestHandleStatusBeforeFirstRefresh(t *testing.T) {
	s := newTestServer(&fakeController{})

	req := httptest.NewRequest(http.MethodGet, "/api/status", nil)
	rec := httptest.NewRecorder()
	s.handleStatus(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHandleUserInfo(t *testing.T) {
	controller := &fakeController{userInfo: status.Snapshot{"email": "driver@example.com"}}
	s := newTestServer(controller)

	req := httptest.NewRequest(http.MethodGet, "/api/userinfo", nil)
	rec := httptest.NewRecorder()
	s.handleUserInfo(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "driver@example.com")
}

func TestHandleCharging(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		err        error
		wantStatus int
		wantAction string
	}{
		{"start", `{"action":"START"}`, nil, http.StatusOK, "START"},
		{"stop lowercase", `{"action":"stop"}`, nil, http.StatusOK, "STOP"},
		{"invalid action", `{"action":"PAUSE"}`, nil, http.StatusBadRequest, ""},
		{"empty body", `{}`, nil, http.StatusBadRequest, ""},
		{"backend failure", `{"action":"START"}`, errors.New("backend returned HTTP 500"), http.StatusBadGateway, "START"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			controller := &fakeController{chargingErr: tt.err}
			s := newTestServer(controller)

			req := httptest.NewRequest(http.MethodPost, "/api/charging", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			s.handleCharging(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, tt.wantAction, controller.chargingAction)
		})
	}
}

func TestHandleOdometerExplicitValue(t *testing.T) {
	controller := &fakeController{odometerResult: map[string]any{"success": true}}
	s := newTestServer(controller)

	req := httptest.NewRequest(http.MethodPost, "/api/odometer", strings.NewReader(`{"odometer_km":12345.6}`))
	rec := httptest.NewRecorder()
	s.handleOdometer(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var got OdometerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.True(t, got.Success)
	assert.Equal(t, 12345.6, got.OdometerKm)
}

func TestHandleOdometerFallsBackToSource(t *testing.T) {
	controller := &fakeController{odometerKm: 777, odometerResult: map[string]any{"success": true}}
	s := newTestServer(controller)

	req := httptest.NewRequest(http.MethodPost, "/api/odometer", nil)
	rec := httptest.NewRecorder()
	s.handleOdometer(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var got OdometerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.Equal(t, 777.0, got.OdometerKm)
}

func TestHandleOdometerNoValueAvailable(t *testing.T) {
	controller := &fakeController{odometerErr: bridge.ErrNoOdometerValue}
	s := newTestServer(controller)

	req := httptest.NewRequest(http.MethodPost, "/api/odometer", nil)
	rec := httptest.NewRecorder()
	s.handleOdometer(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleOdometerNoOpenSession(t *testing.T) {
	controller := &fakeController{odometerKm: 100, odometerResult: nil}
	s := newTestServer(controller)

	req := httptest.NewRequest(http.MethodPost, "/api/odometer", strings.NewReader(`{"odometer_km":100}`))
	rec := httptest.NewRecorder()
	s.handleOdometer(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var got OdometerResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	assert.False(t, got.Success)
	assert.Equal(t, "no open charging session", got.Message)
}

func TestHandleSendTelemetry(t *testing.T) {
	s := newTestServer(&fakeController{})

	req := httptest.NewRequest(http.MethodPost, "/api/telemetry/send", nil)
	rec := httptest.NewRecorder()
	s.handleSendTelemetry(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestHandleSendTelemetryFailure(t *testing.T) {
	s := newTestServer(&fakeController{telemetryErr: errors.New("telemetry relay returned HTTP 401")})

	req := httptest.NewRequest(http.MethodPost, "/api/telemetry/send", nil)
	rec := httptest.NewRecorder()
	s.handleSendTelemetry(rec, req)

	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHandleVehicles(t *testing.T) {
	controller := &fakeController{
		vehicles: []backend.Vehicle{{ID: "veh-1", DisplayName: "Zoe"}},
	}
	s := newTestServer(controller)

	req := httptest.NewRequest(http.MethodGet, "/api/vehicles", nil)
	rec := httptest.NewRecorder()
	s.handleVehicles(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var got []backend.Vehicle
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "Zoe", got[0].DisplayName)
}
