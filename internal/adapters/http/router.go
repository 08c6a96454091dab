package http

import (
	"context"
	"net/http"

	"github.com/carlcord/voice/internal/adapters/signal"
	"github.com/carlcord/voice/internal/app/orch"
	"github.com/carlcord/voice/internal/config"
	"github.com/carlcord/voice/internal/core"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type Deps struct {
	Orch  *orch.Orchestrator
	Store core.MembershipStore
}

func SetupRouter(ctx context.Context, cfg *config.Config, deps Deps) *gin.Engine {
	switch cfg.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	r.Use(sessions.Sessions("VoiceSessions", store))
	r.Use(ClientTokenMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "sessions": deps.Orch.Registry.Count()})
	})
	if cfg.StaticPath != "" {
		r.Static("/static", cfg.StaticPath)
		r.GET("/", func(c *gin.Context) {
			c.File(cfg.StaticPath + "/index.html")
		})
	}

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Bool("jwt", cfg.Auth.JWTSecret != "").Msg("router setup")

	api := r.Group("/api", IdentityMiddleware(cfg.Auth.JWTSecret))

	ctrl := signal.NewSignalWSController(deps.Orch, signal.Options{
		ReadLimit:    cfg.ReadLimit,
		PongWait:     cfg.PongWait,
		PingPeriod:   cfg.PingPeriod,
		WriteTimeout: cfg.WriteTimeout,
		SendBuffer:   cfg.SendBuffer,
	})
	api.GET("/ws/signal", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str("user", c.GetString(signal.UserIDKey)).Msg("ws signal endpoint hit")
		ctrl.HandleSignal(ctx, c)
	})

	voice := &VoiceHandlers{Store: deps.Store, Orch: deps.Orch, Timeout: cfg.Membership.Timeout}
	v := api.Group("/voice")
	v.GET("/channels", voice.LiveChannels)
	v.GET("/channel/:id", voice.GetChannel)
	v.POST("/join", voice.Join)
	v.POST("/leave", voice.Leave)
	v.PUT("/state", voice.UpdateState)

	admin := r.Group("/admin", AdminMiddleware(cfg.Secret))
	admin.DELETE("/voice/channel/:id", voice.EvictChannel)

	return r
}
