package server

import (
	"context"
	"net/http"
	"time"

	"github.com/Satzhan7/diploma-sub000/internal/auth"
	"github.com/Satzhan7/diploma-sub000/internal/config"
	"github.com/Satzhan7/diploma-sub000/internal/metrics"
	"github.com/Satzhan7/diploma-sub000/internal/mw"
	"github.com/Satzhan7/diploma-sub000/internal/ws"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"
)

// SetupRouter mounts health, metrics, the REST API and the live channel.
// Background helpers started here stop with ctx.
func SetupRouter(ctx context.Context, cfg config.Config, h *Handler, gw *ws.Gateway) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(metrics.GinMiddleware())
	r.Use(mw.CORS(cfg.Env, mw.ParseOrigins(cfg.AllowedOrigins)))

	limiter := mw.NewLimiter(rate.Every(time.Second/20), 40, 2*time.Minute)
	go limiter.Run(ctx)

	r.GET("/healthz", func(c *gin.Context) { c.JSON(http.StatusOK, gin.H{"status": "ok"}) })
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	api := r.Group("/api/v1")
	api.Use(auth.AuthMiddleware(cfg.JWTSecret), limiter.Middleware())

	api.GET("/chats", h.ListChats)
	api.GET("/chats/:id", h.GetChat)
	api.GET("/chats/:id/messages", h.ListMessages)
	api.POST("/chats/:id", h.OpenChat)
	api.POST("/chats/:id/messages", h.SendMessage)
	api.POST("/chats/:id/read", h.MarkRead)

	r.GET("/ws/chats", limiter.Middleware(), gw.Serve)
	return r
}
