package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/elixirlabs/chamber-gateway/internal/broadcast"
	"github.com/elixirlabs/chamber-gateway/internal/metrics"
	"github.com/elixirlabs/chamber-gateway/internal/plc"
	"github.com/elixirlabs/chamber-gateway/internal/signalmap"
)

func f64(v float64) *float64 { return &v }

func setupServer(t *testing.T) (*httptest.Server, *plc.SimTransport, context.CancelFunc) {
	t.Helper()
	logger := zap.NewNop()

	registry := signalmap.NewRegistry(logger)
	require.NoError(t, registry.Load(signalmap.RawMapping{
		"pressure_control": {
			"pressure_setpoint": {Address: "VD504", Min: f64(1.3), Max: f64(3.0)},
		},
	}))

	sim := plc.NewSimTransport()
	adapter := plc.NewAdapter(sim, plc.DefaultOptions("sim"), logger, metrics.NopSink{})
	require.NoError(t, adapter.Connect(context.Background()))

	specs := []broadcast.ChannelSpec{{
		ID:       "pressure",
		Interval: 10 * time.Millisecond,
		Groups: []broadcast.Group{{
			Name: "pressure",
			Signals: []broadcast.SignalRef{
				{Category: "pressure_control", Name: "pressure_setpoint", Alias: "setpoint"},
			},
		}},
	}}
	engine, err := broadcast.NewEngine(registry, adapter, specs, 8, logger, metrics.NopSink{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go engine.Run(ctx)

	manager := NewManager(engine, logger)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		channel := strings.TrimPrefix(r.URL.Path, "/ws/")
		manager.HandleChannel(w, r, channel)
	}))

	t.Cleanup(func() {
		cancel()
		server.Close()
	})
	return server, sim, cancel
}

func wsURL(server *httptest.Server, channel string) string {
	return "ws" + strings.TrimPrefix(server.URL, "http") + "/ws/" + channel
}

func TestManager_StreamsPayloads(t *testing.T) {
	server, sim, _ := setupServer(t)
	sim.PokeFloat(signalmap.RegionV, 504, 1.95)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, "pressure"), nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var payload broadcast.Payload
	require.NoError(t, conn.ReadJSON(&payload))
	assert.Equal(t, "pressure", payload.Channel)
	assert.True(t, payload.PLCConnected)
	require.Contains(t, payload.Data, "pressure")
	got := payload.Data["pressure"]["setpoint"]
	assert.InDelta(t, 1.95, got.AsNumber(), 1e-4)

	// Payloads keep flowing on the channel's schedule.
	require.NoError(t, conn.ReadJSON(&payload))
	assert.Equal(t, "pressure", payload.Channel)
}

func TestManager_RejectsUnknownChannel(t *testing.T) {
	server, _, _ := setupServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, "no-such-channel"), nil)
	require.NoError(t, err, "upgrade succeeds; rejection arrives as a close frame")
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err = conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got: %v", err)
}

func TestManager_EngineShutdownClosesClients(t *testing.T) {
	server, _, cancel := setupServer(t)

	conn, _, err := websocket.DefaultDialer.Dial(wsURL(server, "pressure"), nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var payload broadcast.Payload
	require.NoError(t, conn.ReadJSON(&payload))

	cancel()

	// After the engine stops the connection goes quiet and eventually
	// closes; either way no more payloads arrive past the queue.
	conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	for {
		if err := conn.ReadJSON(&payload); err != nil {
			return
		}
	}
}
