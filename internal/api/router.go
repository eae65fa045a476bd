package api

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/elixirlabs/chamber-gateway/internal/websocket"
	"github.com/elixirlabs/chamber-gateway/pkg/config"
	"github.com/elixirlabs/chamber-gateway/pkg/middleware"
)

// NewRouter builds the gin engine with all routes and common middleware.
// metricsHandler may be nil when metrics are not exported.
func NewRouter(h *Handlers, ws *websocket.Manager, metricsHandler http.Handler, cfg *config.Config, logger *zap.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.Logger(logger.Named("http")))
	router.Use(cors.New(corsConfig(cfg.Server.CORSOrigins)))

	router.GET("/", h.Root)
	router.GET("/health", h.Health)

	api := router.Group("/api")
	{
		api.POST("/config/reload", h.ReloadConfig)
		api.GET("/config/addresses", h.GetAddresses)
		api.GET("/config/search/:token", h.SearchAddress)

		api.GET("/signals/:category/:name", h.ReadSignal)
		api.POST("/signals/:category/:name", h.ExecuteCommand)

		api.POST("/sessions/start", h.StartSession)
		api.POST("/sessions/end", h.EndSession)
		api.GET("/sessions", h.ListSessions)
		api.GET("/sessions/:id", h.GetSession)
	}

	if metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(metricsHandler))
	}

	router.GET("/ws/:channel", func(c *gin.Context) {
		ws.HandleChannel(c.Writer, c.Request, c.Param("channel"))
	})

	return router
}

// corsConfig builds the CORS policy. A "*" origin allows everything and
// disables credentials, which the cors package requires for wildcards.
func corsConfig(origins []string) cors.Config {
	c := cors.Config{
		AllowMethods: []string{"GET", "POST", "OPTIONS"},
		AllowHeaders: []string{"Origin", "Content-Type", "Accept"},
		MaxAge:       12 * time.Hour,
	}
	for _, o := range origins {
		if o == "*" {
			c.AllowAllOrigins = true
			c.AllowOrigins = nil
			return c
		}
	}
	c.AllowOrigins = origins
	c.AllowCredentials = true
	return c
}
