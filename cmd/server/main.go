package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Satzhan7/diploma-sub000/internal/config"
	"github.com/Satzhan7/diploma-sub000/internal/db"
	"github.com/Satzhan7/diploma-sub000/internal/delivery"
	"github.com/Satzhan7/diploma-sub000/internal/events"
	clog "github.com/Satzhan7/diploma-sub000/internal/log"
	"github.com/Satzhan7/diploma-sub000/internal/mw"
	"github.com/Satzhan7/diploma-sub000/internal/presence"
	"github.com/Satzhan7/diploma-sub000/internal/server"
	"github.com/Satzhan7/diploma-sub000/internal/service"
	"github.com/Satzhan7/diploma-sub000/internal/ws"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type tracker interface {
	presence.Presence
	ws.Tracker
}

func main() {
	cfg := config.Load()
	clog.Init(cfg.Env, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	gdb, err := db.Connect(ctx, cfg.DatabaseDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("db connect")
	}
	if err := db.Migrate(gdb); err != nil {
		log.Fatal().Err(err).Msg("db migrate")
	}

	bus := events.NewBus()
	defer bus.Close()
	chats := service.NewChatService(gdb, bus)
	hub := ws.NewHub()

	var (
		emitter delivery.Emitter = hub
		online  tracker          = presence.NewLocal(hub)
	)
	if cfg.Broker == config.BrokerRedis {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis ping")
		}
		fanout := delivery.NewRedisFanout(rdb, cfg.RedisChannel, hub)
		go func() {
			if err := fanout.Run(ctx, nil); err != nil {
				log.Error().Err(err).Msg("redis fanout stopped")
				stop()
			}
		}()
		emitter = fanout
		online = presence.NewRedis(rdb, instanceID(), cfg.PresenceTTL)
	}
	go delivery.NewBroadcaster(emitter, online).Run(ctx, bus.Subscribe(0))

	gw := ws.NewGateway(hub, chats, cfg.JWTSecret, online, mw.CheckOrigin(cfg.Env, mw.ParseOrigins(cfg.AllowedOrigins)))
	r := server.SetupRouter(ctx, cfg, server.NewHandler(chats, online), gw)

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Info().Str("port", cfg.Port).Str("broker", cfg.Broker).Msg("chat gateway listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server run")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server shutdown")
	}
}

func instanceID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "gateway"
	}
	return host + "-" + uuid.NewString()[:8]
}
