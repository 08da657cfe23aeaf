package http

import (
	"context"
	"net/http"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/calltower/switchboard/internal/adapters/signal"
	"github.com/calltower/switchboard/internal/config"
	"github.com/calltower/switchboard/internal/core"
)

const sessionAuthKey = "owner_authed"

func SetupRouter(ctx context.Context, cfg *config.Config, ctrl *signal.Controller, auth core.OwnerAuthenticator) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("SwitchboardSessions", store))

	r.Static("/static", cfg.StaticPath)
	r.GET("/", func(c *gin.Context) {
		c.File(cfg.StaticPath + "/index.html")
	})

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")

	api := r.Group("/api")

	// POST /api/owner/login — establish the owner auth session the websocket
	// handler reads before honoring register(role=owner).
	api.POST("/owner/login", func(c *gin.Context) {
		var req struct {
			Token string `json:"token"`
		}
		if err := c.BindJSON(&req); err != nil || req.Token == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "missing token"})
			return
		}
		if !auth.Authorize(req.Token) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		sess := sessions.Default(c)
		sess.Set(sessionAuthKey, true)
		if err := sess.Save(); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "session save failed"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"authenticated": true})
	})

	// GET /api/webrtc/config — ICE servers for the clients' peer connection.
	// Media never touches this server.
	iceServers, err := config.ParseICEServers(cfg.ICEServersJSON)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.http").Msg("bad ice_servers_json, serving empty list")
		iceServers = nil
	}
	api.GET("/webrtc/config", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"iceServers": iceServers})
	})

	api.GET("/ws", func(c *gin.Context) {
		ctrl.HandleWS(ctx, c)
	})

	return r
}
