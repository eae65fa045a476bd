package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/elixirlabs/chamber-gateway/internal/command"
	"github.com/elixirlabs/chamber-gateway/internal/metrics"
	"github.com/elixirlabs/chamber-gateway/internal/plc"
	"github.com/elixirlabs/chamber-gateway/internal/session"
	"github.com/elixirlabs/chamber-gateway/internal/signalmap"
	"github.com/elixirlabs/chamber-gateway/internal/storage/memory"
	"github.com/elixirlabs/chamber-gateway/pkg/config"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func f64(v float64) *float64 { return &v }

type mapSource struct {
	raw signalmap.RawMapping
}

func (m *mapSource) LoadSignalMap() (signalmap.RawMapping, error) {
	return m.raw, nil
}

func testMapping() signalmap.RawMapping {
	return signalmap.RawMapping{
		"pressure_control": {
			"pressure_setpoint": {Address: "VD504", Comment: "target pressure", Min: f64(1.3), Max: f64(3.0)},
		},
		"session_control": {
			"start_session": {Address: "M0.0"},
			"running_state": {Address: "M0.2"},
		},
		"timers": {
			"run_time_min": {Address: "VW104"},
		},
	}
}

type testEnv struct {
	handlers *Handlers
	router   *gin.Engine
	sim      *plc.SimTransport
	adapter  *plc.Adapter
	source   *mapSource
}

func setupTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zap.NewNop()
	cfg, err := config.Load("")
	require.NoError(t, err)

	registry := signalmap.NewRegistry(logger)
	source := &mapSource{raw: testMapping()}
	require.NoError(t, registry.Load(source.raw))

	sim := plc.NewSimTransport()
	adapter := plc.NewAdapter(sim, plc.DefaultOptions("sim"), logger, metrics.NopSink{})
	require.NoError(t, adapter.Connect(context.Background()))

	dispatcher := command.NewDispatcher(registry, adapter, 5*time.Millisecond, logger, metrics.NopSink{})
	sessions := session.NewService(memory.NewStore(), logger)

	h := NewHandlers(registry, dispatcher, adapter, sessions, source, cfg, logger)

	router := gin.New()
	router.GET("/health", h.Health)
	router.POST("/api/config/reload", h.ReloadConfig)
	router.GET("/api/config/addresses", h.GetAddresses)
	router.GET("/api/config/search/:token", h.SearchAddress)
	router.GET("/api/signals/:category/:name", h.ReadSignal)
	router.POST("/api/signals/:category/:name", h.ExecuteCommand)
	router.POST("/api/sessions/start", h.StartSession)
	router.POST("/api/sessions/end", h.EndSession)
	router.GET("/api/sessions", h.ListSessions)
	router.GET("/api/sessions/:id", h.GetSession)

	return &testEnv{handlers: h, router: router, sim: sim, adapter: adapter, source: source}
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	var response map[string]interface{}
	if len(w.Body.Bytes()) > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response), "body: %s", w.Body.String())
	}
	return w, response
}

func TestHandlers_Health(t *testing.T) {
	env := setupTestEnv(t)

	w, response := doJSON(t, env.router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", response["status"])
	assert.Equal(t, true, response["plcConnected"])

	// A degraded link reports but still answers 200.
	require.NoError(t, env.adapter.Close())
	w, response = doJSON(t, env.router, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "degraded", response["status"])
	assert.Equal(t, false, response["plcConnected"])
}

func TestHandlers_GetAddresses(t *testing.T) {
	env := setupTestEnv(t)

	w, response := doJSON(t, env.router, http.MethodGet, "/api/config/addresses", nil)
	require.Equal(t, http.StatusOK, w.Code)

	addresses, ok := response["addresses"].(map[string]interface{})
	require.True(t, ok)
	require.Contains(t, addresses, "pressure_control")

	pc := addresses["pressure_control"].(map[string]interface{})
	sp := pc["pressure_setpoint"].(map[string]interface{})
	assert.Equal(t, "VD504", sp["address"])
	assert.Equal(t, 1.3, sp["min"])
}

func TestHandlers_SearchAddress(t *testing.T) {
	env := setupTestEnv(t)

	w, response := doJSON(t, env.router, http.MethodGet, "/api/config/search/V0.2", nil)
	require.Equal(t, http.StatusOK, w.Code)

	// M0.2 and V0.2 alias the same physical bit.
	matches := response["matches"].([]interface{})
	require.Len(t, matches, 1)
	first := matches[0].(map[string]interface{})
	assert.Equal(t, "running_state", first["name"])

	w, _ = doJSON(t, env.router, http.MethodGet, "/api/config/search/bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandlers_ReloadConfig(t *testing.T) {
	env := setupTestEnv(t)

	env.source.raw = signalmap.RawMapping{
		"sensors": {"ambient_o2": {Address: "AIW16"}},
	}
	w, response := doJSON(t, env.router, http.MethodPost, "/api/config/reload", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 2.0, response["version"])

	// A malformed map is rejected and the endpoint says why.
	env.source.raw = signalmap.RawMapping{
		"sensors": {"broken": {Address: "V504"}},
	}
	w, response = doJSON(t, env.router, http.MethodPost, "/api/config/reload", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, response["error"], "broken")

	// Previous generation keeps serving.
	w, _ = doJSON(t, env.router, http.MethodGet, "/api/signals/sensors/ambient_o2", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHandlers_ReadSignal(t *testing.T) {
	env := setupTestEnv(t)
	env.sim.PokeFloat(signalmap.RegionV, 504, 1.95)

	w, response := doJSON(t, env.router, http.MethodGet, "/api/signals/pressure_control/pressure_setpoint", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "VD504", response["address"])
	assert.InDelta(t, 1.95, response["value"].(float64), 1e-4)

	w, _ = doJSON(t, env.router, http.MethodGet, "/api/signals/pressure_control/unknown", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandlers_ReadSignalDisconnected(t *testing.T) {
	env := setupTestEnv(t)
	require.NoError(t, env.adapter.Close())

	w, _ := doJSON(t, env.router, http.MethodGet, "/api/signals/pressure_control/pressure_setpoint", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandlers_ExecuteCommand(t *testing.T) {
	env := setupTestEnv(t)

	w, response := doJSON(t, env.router, http.MethodPost, "/api/signals/pressure_control/pressure_setpoint",
		gin.H{"value": 1.95})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	result := response["result"].(map[string]interface{})
	assert.Equal(t, true, result["verified"])
	assert.InDelta(t, 1.95, result["observedValue"].(float64), 1e-4)
}

func TestHandlers_ExecuteCommandBool(t *testing.T) {
	env := setupTestEnv(t)

	w, response := doJSON(t, env.router, http.MethodPost, "/api/signals/session_control/start_session",
		gin.H{"value": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	result := response["result"].(map[string]interface{})
	assert.Equal(t, true, result["verified"])
	assert.Equal(t, true, result["observedValue"])
}

func TestHandlers_ExecuteCommandOutOfRange(t *testing.T) {
	env := setupTestEnv(t)

	w, response := doJSON(t, env.router, http.MethodPost, "/api/signals/pressure_control/pressure_setpoint",
		gin.H{"value": 9.9})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Contains(t, response["error"], "outside domain")

	// The rejected write never reached controller memory.
	raw := env.sim.Peek(signalmap.RegionV, 504, 4)
	assert.Equal(t, []byte{0, 0, 0, 0}, raw)
}

func TestHandlers_ExecuteCommandErrors(t *testing.T) {
	env := setupTestEnv(t)

	w, _ := doJSON(t, env.router, http.MethodPost, "/api/signals/pressure_control/no_such",
		gin.H{"value": 1.5})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w, _ = doJSON(t, env.router, http.MethodPost, "/api/signals/session_control/start_session",
		gin.H{"value": "on"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// A value the signal's width cannot carry is the client's error, and it
	// must not take the link down for everyone else.
	w, _ = doJSON(t, env.router, http.MethodPost, "/api/signals/timers/run_time_min",
		gin.H{"value": 70000})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.True(t, env.adapter.Connected())

	require.NoError(t, env.adapter.Close())
	w, _ = doJSON(t, env.router, http.MethodPost, "/api/signals/session_control/start_session",
		gin.H{"value": true})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestHandlers_SessionLifecycle(t *testing.T) {
	env := setupTestEnv(t)

	w, response := doJSON(t, env.router, http.MethodPost, "/api/sessions/start",
		gin.H{"treatmentMode": "health"})
	require.Equal(t, http.StatusCreated, w.Code)
	created := response["session"].(map[string]interface{})
	id := created["uuid"].(string)
	require.NotEmpty(t, id)

	// Second start conflicts.
	w, _ = doJSON(t, env.router, http.MethodPost, "/api/sessions/start", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, response = doJSON(t, env.router, http.MethodPost, "/api/sessions/end", gin.H{"reason": ""})
	require.Equal(t, http.StatusOK, w.Code)
	ended := response["session"].(map[string]interface{})
	assert.Equal(t, "completed", ended["status"])

	// Ending again conflicts.
	w, _ = doJSON(t, env.router, http.MethodPost, "/api/sessions/end", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w, response = doJSON(t, env.router, http.MethodGet, "/api/sessions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, response["sessions"].([]interface{}), 1)

	w, response = doJSON(t, env.router, http.MethodGet, "/api/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotNil(t, response["session"])

	// The detail view carries the event log: start and end are both logged.
	events := response["events"].([]interface{})
	require.Len(t, events, 2)
	first := events[0].(map[string]interface{})
	assert.Equal(t, "session_started", first["type"])
}

func TestHandlers_GetSessionErrors(t *testing.T) {
	env := setupTestEnv(t)

	w, _ := doJSON(t, env.router, http.MethodGet, "/api/sessions/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w, _ = doJSON(t, env.router, http.MethodGet, "/api/sessions/00000000-0000-0000-0000-000000000001", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
