package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/resident-x/go-apsecu/internal/config"
	"github.com/resident-x/go-apsecu/internal/domain"
	"github.com/resident-x/go-apsecu/internal/engine"
	"github.com/resident-x/go-apsecu/internal/pubsub"
)

type mockController struct {
	mock.Mock
	registry *domain.InverterRegistry
}

func (m *mockController) Start(ip string, port int) error {
	return m.Called(ip, port).Error(0)
}

func (m *mockController) Stop() error {
	return m.Called().Error(0)
}

func (m *mockController) OnExternalCommand(name, value string) error {
	return m.Called(name, value).Error(0)
}

func (m *mockController) Status() engine.Status {
	return m.Called().Get(0).(engine.Status)
}

func (m *mockController) Registry() *domain.InverterRegistry {
	return m.registry
}

func newTestServer(t *testing.T) (*Server, *mockController, *pubsub.MemorySink) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.ECU.Host = "192.168.1.50"

	registry := domain.NewInverterRegistry()
	registry.Ensure("801000012345", domain.VariantQS1)
	require.NoError(t, registry.UpdateReading(domain.InverterReading{
		ID: "801000012345", Online: true, Variant: domain.VariantQS1, DCPower: []int{101, 102},
	}))

	controller := &mockController{registry: registry}
	sink := pubsub.NewMemorySink()
	server := NewServer(cfg, controller, sink,
		WithVersion("1.2.3"),
		WithMetrics(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			fmt.Fprintln(w, "apsecu_cycles_total 1")
		})),
	)
	return server, controller, sink
}

func do(t *testing.T, server *Server, method, target string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, target, reader)
	w := httptest.NewRecorder()
	server.GetRouter().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var response map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
	return response
}

func TestHandleStatus(t *testing.T) {
	server, controller, _ := newTestServer(t)
	controller.On("Status").Return(engine.Status{
		State:   engine.StateWaitForNextCycle,
		Polling: true,
		Host:    "192.168.1.50",
		Cycles:  3,
	})

	w := do(t, server, http.MethodGet, "/api/v1/status", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	response := decode(t, w)
	assert.Equal(t, "ok", response["status"])
	assert.Equal(t, "1.2.3", response["version"])
	assert.NotEmpty(t, response["uptime"])

	eng := response["engine"].(map[string]interface{})
	assert.Equal(t, "WaitForNextCycle", eng["state"])
	assert.Equal(t, true, eng["polling"])
	assert.Equal(t, float64(3), eng["cycles"])
	controller.AssertExpectations(t)
}

func TestHandleInverters(t *testing.T) {
	server, _, _ := newTestServer(t)

	w := do(t, server, http.MethodGet, "/api/v1/inverters", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	response := decode(t, w)
	assert.Equal(t, float64(1), response["count"])

	w = do(t, server, http.MethodGet, "/api/v1/inverters/801000012345", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	entry := decode(t, w)
	assert.Equal(t, "qs1", entry["variant"])
	assert.Equal(t, "inverters.qs1_801000012345", entry["prefix"])

	w = do(t, server, http.MethodGet, "/api/v1/inverters/999999999999", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "Inverter not found", decode(t, w)["error"])
}

func TestHandleValues(t *testing.T) {
	server, _, sink := newTestServer(t)
	require.NoError(t, sink.SetValue("ecu.model", "01", true))
	require.NoError(t, sink.SetValue("ecu.last_system_power", 742, true))
	require.NoError(t, sink.SetValue("info.connection", false, true))

	w := do(t, server, http.MethodGet, "/api/v1/values", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(3), decode(t, w)["count"])

	w = do(t, server, http.MethodGet, "/api/v1/values?prefix=ecu.", nil)
	response := decode(t, w)
	assert.Equal(t, float64(2), response["count"])
	values := response["values"].(map[string]interface{})
	assert.Equal(t, float64(742), values["ecu.last_system_power"])
}

func TestHandleStart(t *testing.T) {
	tests := []struct {
		name     string
		body     interface{}
		expectIP string
		port     int
		code     int
	}{
		{"configured address", nil, "192.168.1.50", 8899, http.StatusAccepted},
		{"address from body", startRequest{Host: "10.0.0.7", Port: 9000}, "10.0.0.7", 9000, http.StatusAccepted},
		{"host only", map[string]string{"host": "10.0.0.8"}, "10.0.0.8", 8899, http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, controller, _ := newTestServer(t)
			controller.On("Start", tt.expectIP, tt.port).Return(nil).Once()

			w := do(t, server, http.MethodPost, "/api/v1/start", tt.body)
			assert.Equal(t, tt.code, w.Code)
			assert.Equal(t, "started", decode(t, w)["status"])
			controller.AssertExpectations(t)
		})
	}
}

func TestHandleStartRejectsBadInput(t *testing.T) {
	server, controller, _ := newTestServer(t)
	server.config.ECU.Host = ""

	w := do(t, server, http.MethodPost, "/api/v1/start", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(t, server, http.MethodPost, "/api/v1/start", startRequest{Host: "10.0.0.7", Port: 70000})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/start", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	server.GetRouter().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	controller.AssertNotCalled(t, "Start", mock.Anything, mock.Anything)
}

func TestHandleStopAfterUnload(t *testing.T) {
	server, controller, _ := newTestServer(t)
	controller.On("Stop").Return(engine.ErrUnloaded)

	w := do(t, server, http.MethodPost, "/api/v1/stop", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandleCommand(t *testing.T) {
	server, controller, _ := newTestServer(t)
	controller.On("OnExternalCommand", "power_of_day_date", "20240501").Return(nil)
	controller.On("OnExternalCommand", "refresh_all", "").Return(nil)
	controller.On("OnExternalCommand", "bogus", "").Return(fmt.Errorf("%w: %q", engine.ErrUnknownCommand, "bogus"))
	controller.On("OnExternalCommand", "polling", "maybe").Return(errors.New("polling: \"maybe\" is not a switch value"))

	w := do(t, server, http.MethodPost, "/api/v1/commands/power_of_day_date", commandRequest{Value: "20240501"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "applied", decode(t, w)["status"])

	w = do(t, server, http.MethodPost, "/api/v1/commands/refresh_all", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, server, http.MethodPost, "/api/v1/commands/bogus", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, server, http.MethodPost, "/api/v1/commands/polling?value=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	controller.AssertExpectations(t)
}

func TestHandleListCommands(t *testing.T) {
	server, _, _ := newTestServer(t)

	w := do(t, server, http.MethodGet, "/api/v1/commands", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	commands := decode(t, w)["commands"].([]interface{})
	assert.Contains(t, commands, "polling")
	assert.Contains(t, commands, "refresh_energy_of_year")
}

func TestMetricsRoute(t *testing.T) {
	server, _, _ := newTestServer(t)

	w := do(t, server, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "apsecu_cycles_total")
}

func TestRouting(t *testing.T) {
	server, _, _ := newTestServer(t)

	w := do(t, server, http.MethodGet, "/api/v1/start", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)

	w = do(t, server, http.MethodGet, "/api/v1/nowhere", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestStartAndStop(t *testing.T) {
	server, _, _ := newTestServer(t)
	server.config.API.Host = "127.0.0.1"
	server.config.API.Port = 0

	require.NoError(t, server.Start(context.Background()))
	assert.NoError(t, server.Stop(context.Background()))
}

func TestStopWithoutStart(t *testing.T) {
	server, _, _ := newTestServer(t)
	assert.NoError(t, server.Stop(context.Background()))
}
