// Package websocket bridges broadcast subscribers onto live WebSocket
// connections. Each connection is registered against exactly one channel and
// relays the engine's payloads to the wire verbatim.
package websocket

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/elixirlabs/chamber-gateway/internal/broadcast"
)

// Manager handles WebSocket connections for broadcast channels
type Manager struct {
	engine   *broadcast.Engine
	logger   *zap.Logger
	upgrader websocket.Upgrader
}

// NewManager creates a new WebSocket manager
func NewManager(engine *broadcast.Engine, logger *zap.Logger) *Manager {
	return &Manager{
		engine: engine,
		logger: logger.Named("websocket"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				// TODO: Make configurable for production
				return true
			},
		},
	}
}

// HandleChannel upgrades the request and subscribes it to channelID. The
// connection lives until the client disconnects, a write fails, or the
// engine shuts down.
func (m *Manager) HandleChannel(w http.ResponseWriter, r *http.Request, channelID string) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Error("Failed to upgrade connection", zap.Error(err))
		return
	}

	sub, err := m.engine.Subscribe(channelID)
	if err != nil {
		m.logger.Warn("Rejecting subscription", zap.String("channel", channelID), zap.Error(err))
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error()),
			closeDeadline())
		conn.Close()
		return
	}

	m.logger.Info("WebSocket client connected",
		zap.String("channel", channelID),
		zap.String("subscriber", sub.ID()),
	)

	go m.writePump(conn, sub)
	go m.readPump(conn, sub)
}

// writePump relays queued payloads to the socket. Any write failure tears
// the subscriber down.
func (m *Manager) writePump(conn *websocket.Conn, sub *broadcast.Subscriber) {
	defer conn.Close()
	for {
		select {
		case <-sub.Done():
			return
		case payload := <-sub.Out():
			if err := conn.WriteJSON(payload); err != nil {
				m.logger.Info("WebSocket write failed, dropping subscriber",
					zap.String("channel", sub.Channel()),
					zap.String("subscriber", sub.ID()),
					zap.Error(err),
				)
				m.engine.Unsubscribe(sub)
				return
			}
		}
	}
}

// readPump consumes (and discards) client frames so close handshakes and
// disconnects are noticed.
func (m *Manager) readPump(conn *websocket.Conn, sub *broadcast.Subscriber) {
	defer conn.Close()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				m.logger.Error("WebSocket read error", zap.Error(err))
			}
			m.engine.Unsubscribe(sub)
			m.logger.Info("WebSocket client disconnected",
				zap.String("channel", sub.Channel()),
				zap.String("subscriber", sub.ID()),
			)
			return
		}
	}
}

func closeDeadline() time.Time {
	return time.Now().Add(time.Second)
}
