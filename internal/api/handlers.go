// Package api exposes the gateway's HTTP command surface. Following the
// original split, HTTP carries commands and configuration operations only;
// live state streams over the WebSocket channels.
package api

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/elixirlabs/chamber-gateway/internal/command"
	"github.com/elixirlabs/chamber-gateway/internal/plc"
	"github.com/elixirlabs/chamber-gateway/internal/session"
	"github.com/elixirlabs/chamber-gateway/internal/signalmap"
	"github.com/elixirlabs/chamber-gateway/internal/storage"
	"github.com/elixirlabs/chamber-gateway/pkg/config"
)

// SignalMapSource supplies the raw mapping for registry reloads.
type SignalMapSource interface {
	LoadSignalMap() (signalmap.RawMapping, error)
}

// Handlers aggregates all HTTP handlers
type Handlers struct {
	registry   *signalmap.Registry
	dispatcher *command.Dispatcher
	adapter    *plc.Adapter
	sessions   *session.Service
	source     SignalMapSource
	cfg        *config.Config
	logger     *zap.Logger
}

// NewHandlers creates a new Handlers instance
func NewHandlers(registry *signalmap.Registry, dispatcher *command.Dispatcher, adapter *plc.Adapter, sessions *session.Service, source SignalMapSource, cfg *config.Config, logger *zap.Logger) *Handlers {
	return &Handlers{
		registry:   registry,
		dispatcher: dispatcher,
		adapter:    adapter,
		sessions:   sessions,
		source:     source,
		cfg:        cfg,
		logger:     logger.Named("handlers"),
	}
}

// Root handles the / endpoint
func (h *Handlers) Root(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "chamber-gateway",
		"docs":    "/api/config/addresses",
	})
}

// Health handles the /health endpoint
func (h *Handlers) Health(c *gin.Context) {
	state := h.adapter.State()
	status := "ok"
	if state != plc.StateConnected {
		status = "degraded"
	}
	c.JSON(http.StatusOK, gin.H{
		"status":        status,
		"plcState":      state.String(),
		"plcConnected":  state == plc.StateConnected,
		"signalVersion": h.registry.Version(),
	})
}

// ReloadConfig rebuilds the signal registry from the configuration source.
// A failed reload keeps the previous generation serving and reports why.
func (h *Handlers) ReloadConfig(c *gin.Context) {
	raw, err := h.source.LoadSignalMap()
	if err != nil {
		h.logger.Error("Failed to load signal map for reload", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if err := h.registry.Reload(raw); err != nil {
		var malformed *signalmap.MalformedAddressError
		if errors.As(err, &malformed) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"message": "signal map reloaded",
		"version": h.registry.Version(),
	})
}

// GetAddresses dumps the current signal map generation.
func (h *Handlers) GetAddresses(c *gin.Context) {
	all := h.registry.All()
	out := make(map[string]map[string]gin.H, len(all))
	for category, descs := range all {
		signals := make(map[string]gin.H, len(descs))
		for _, d := range descs {
			entry := gin.H{
				"address": d.RawToken,
				"area":    d.Area.String(),
				"width":   d.Width.String(),
			}
			if d.Comment != "" {
				entry["comment"] = d.Comment
			}
			if d.Domain != nil {
				entry["min"] = d.Domain.Min
				entry["max"] = d.Domain.Max
			}
			signals[d.Name] = entry
		}
		out[category] = signals
	}
	c.JSON(http.StatusOK, gin.H{
		"version":   h.registry.Version(),
		"addresses": out,
	})
}

// SearchAddress finds every signal mapped to the physical location a raw
// token encodes, including aliases through overlapping memory areas.
func (h *Handlers) SearchAddress(c *gin.Context) {
	token := c.Param("token")
	matches, err := h.registry.FindByToken(token)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	results := make([]gin.H, 0, len(matches))
	for _, d := range matches {
		results = append(results, gin.H{
			"category": d.Category,
			"name":     d.Name,
			"address":  d.RawToken,
			"comment":  d.Comment,
		})
	}
	c.JSON(http.StatusOK, gin.H{
		"token":   token,
		"matches": results,
	})
}

// commandRequest is the body of a signal write.
type commandRequest struct {
	Value           plc.Value `json:"value"`
	VerifyTimeoutMS int       `json:"verifyTimeoutMs,omitempty"`
}

// ExecuteCommand writes a named signal and returns the verified/unverified
// outcome. Callers always get a definitive answer bounded by the verify
// timeout; an unverified write is a 200 with verified=false, not an error.
func (h *Handlers) ExecuteCommand(c *gin.Context) {
	category := c.Param("category")
	name := c.Param("name")

	var req commandRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	verifyTimeout := time.Duration(h.cfg.Command.DefaultVerifyTimeoutMS) * time.Millisecond
	if req.VerifyTimeoutMS > 0 {
		verifyTimeout = time.Duration(req.VerifyTimeoutMS) * time.Millisecond
	}

	result, err := h.dispatcher.Execute(c.Request.Context(), category, name, req.Value, verifyTimeout)
	if err != nil {
		var outOfRange *command.OutOfRangeError
		switch {
		case errors.Is(err, signalmap.ErrUnknownSignal):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case errors.As(err, &outOfRange) || errors.Is(err, plc.ErrBadValue):
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		case errors.Is(err, plc.ErrNotConnected) || errors.Is(err, command.ErrCommandFailed):
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error(), "result": result})
		default:
			h.logger.Error("Command execution failed", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "command execution failed"})
		}
		return
	}

	c.JSON(http.StatusOK, gin.H{"result": result})
}

// ReadSignal resolves a signal and reads its current value once. Live
// monitoring belongs on the WebSocket channels; this exists for spot checks.
func (h *Handlers) ReadSignal(c *gin.Context) {
	category := c.Param("category")
	name := c.Param("name")

	desc, err := h.registry.Resolve(category, name)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}

	value, err := h.adapter.ReadValue(c.Request.Context(), desc)
	if err != nil {
		if errors.Is(err, plc.ErrNotConnected) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Signal read failed", zap.String("signal", desc.Key()), zap.Error(err))
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"category": category,
		"name":     name,
		"address":  desc.RawToken,
		"value":    value,
	})
}

// StartSession opens a new treatment session record.
func (h *Handlers) StartSession(c *gin.Context) {
	var req session.StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		// Allow empty body - all fields are optional
		req = session.StartRequest{}
	}

	s, err := h.sessions.Start(c.Request.Context(), &req)
	if err != nil {
		if errors.Is(err, session.ErrSessionActive) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Failed to start session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to start session"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": s})
}

type endSessionRequest struct {
	Reason string `json:"reason,omitempty"`
}

// EndSession closes the active treatment session.
func (h *Handlers) EndSession(c *gin.Context) {
	var req endSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		req = endSessionRequest{}
	}

	s, err := h.sessions.End(c.Request.Context(), req.Reason)
	if err != nil {
		if errors.Is(err, session.ErrNoActiveSession) {
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
			return
		}
		h.logger.Error("Failed to end session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to end session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": s})
}

// ListSessions returns recent sessions, most recent first.
func (h *Handlers) ListSessions(c *gin.Context) {
	limit := 50
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
			return
		}
		limit = n
	}
	sessions, err := h.sessions.List(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list sessions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"sessions": sessions})
}

// GetSession returns one session with its data points and event log.
func (h *Handlers) GetSession(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid session id"})
		return
	}

	s, err := h.sessions.Get(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		h.logger.Error("Failed to get session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get session"})
		return
	}

	points, err := h.sessions.DataPoints(c.Request.Context(), id)
	if err != nil {
		h.logger.Warn("Failed to load session data points", zap.Error(err))
	}
	events, err := h.sessions.Events(c.Request.Context(), id)
	if err != nil {
		h.logger.Warn("Failed to load session events", zap.Error(err))
	}

	c.JSON(http.StatusOK, gin.H{
		"session":    s,
		"dataPoints": points,
		"events":     events,
	})
}
