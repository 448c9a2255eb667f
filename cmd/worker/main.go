package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Satzhan7/diploma-sub000/internal/config"
	"github.com/Satzhan7/diploma-sub000/internal/db"
	"github.com/Satzhan7/diploma-sub000/internal/delivery"
	"github.com/Satzhan7/diploma-sub000/internal/events"
	"github.com/Satzhan7/diploma-sub000/internal/intake"
	clog "github.com/Satzhan7/diploma-sub000/internal/log"
	"github.com/Satzhan7/diploma-sub000/internal/service"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// The worker has no sockets of its own. With the Redis broker its chat
// events reach users through the gateways; otherwise they are dropped and
// users see the new chat on their next REST refresh.
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

	var pub events.Publisher = events.Discard{}
	if cfg.Broker == config.BrokerRedis {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB})
		defer rdb.Close()
		bus := events.NewBus()
		defer bus.Close()
		go delivery.NewBroadcaster(delivery.NewRedisFanout(rdb, cfg.RedisChannel, nil), nil).Run(ctx, bus.Subscribe(0))
		pub = bus
	} else {
		log.Warn().Msg("CHAT_BROKER is not redis; intake events will not reach live sockets")
	}
	handler := intake.NewHandler(service.NewChatService(gdb, pub))

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit dial")
	}
	defer conn.Close()
	ch, err := conn.Channel()
	if err != nil {
		log.Fatal().Err(err).Msg("rabbit channel")
	}
	defer ch.Close()
	if err := intake.DeclareQueues(ch, cfg.RabbitQueue); err != nil {
		log.Fatal().Err(err).Msg("declare queues")
	}

	if err := intake.NewConsumer(ch, cfg.RabbitQueue, cfg.WorkerConcurrency, handler).Run(ctx); err != nil {
		log.Error().Err(err).Msg("intake consumer")
	}
}
