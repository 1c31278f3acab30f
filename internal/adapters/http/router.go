package http

import (
	"context"
	"net/http"
	"path/filepath"

	"github.com/dkeye/conference/internal/adapters/signal"
	"github.com/dkeye/conference/internal/app"
	"github.com/dkeye/conference/internal/config"
	"github.com/dkeye/conference/internal/domain"
	"github.com/dkeye/conference/internal/metrics"
	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

const clientTokenKey = "client_token"

func genClientToken() string {
	return uuid.NewString()
}

// ClientTokenMiddleware keeps a stable token per browser in the session
// cookie. The join rate limit is keyed by it.
func ClientTokenMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		session := sessions.Default(c)
		token, _ := session.Get(clientTokenKey).(string)
		if token == "" {
			token = genClientToken()
			session.Set(clientTokenKey, token)
			if err := session.Save(); err != nil {
				log.Warn().Err(err).Str("module", "adapters.http").Msg("session save")
			}
		}
		c.Set(clientTokenKey, token)
		c.Next()
	}
}

func SetupRouter(ctx context.Context, cfg *config.Config, reg *app.Registry, ctl *signal.SignalWSController, m *metrics.Metrics) *gin.Engine {
	if cfg.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	if cfg.Mode == "debug" {
		r.Use(gin.Logger())
	}
	r.Use(gin.Recovery())

	store := cookie.NewStore([]byte(cfg.Secret))
	store.Options(sessions.Options{Path: "/", MaxAge: 3600 * 24 * 7, HttpOnly: true})
	r.Use(sessions.Sessions("SFUSessions", store))
	r.Use(ClientTokenMiddleware())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if m != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}

	r.Static("/static", cfg.StaticPath)
	r.GET("/sfu/:room", func(c *gin.Context) {
		c.File(filepath.Join(cfg.StaticPath, "index.html"))
	})

	api := r.Group("/api")
	api.GET("/ws/signal", func(c *gin.Context) {
		log.Debug().Str("module", "adapters.http").Str(clientTokenKey, c.GetString(clientTokenKey)).Msg("ws signal endpoint hit")
		ctl.HandleSignal(ctx, c)
	})
	api.GET("/rooms", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"rooms": reg.Rooms()})
	})
	api.GET("/rooms/:name", func(c *gin.Context) {
		snap, ok := reg.RoomSnapshot(domain.RoomName(c.Param("name")))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "room not found"})
			return
		}
		c.JSON(http.StatusOK, snap)
	})

	log.Info().Str("module", "adapters.http").Str("static", cfg.StaticPath).Msg("router setup")
	return r
}
