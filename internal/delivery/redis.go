package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type envelope struct {
	Room  string          `json:"room"`
	Frame json.RawMessage `json:"frame"`
}

// RedisFanout publishes frames on a Redis channel instead of writing to
// sockets. Every gateway instance runs Run and hands what it receives to
// its local hub, so a frame reaches a room's members wherever they are
// connected. Processes without sockets, like the intake worker, only Emit.
type RedisFanout struct {
	rdb     *redis.Client
	channel string
	local   Emitter
	timeout time.Duration
}

// NewRedisFanout returns a fan-out on channel. local may be nil for
// publish-only processes.
func NewRedisFanout(rdb *redis.Client, channel string, local Emitter) *RedisFanout {
	return &RedisFanout{rdb: rdb, channel: channel, local: local, timeout: 2 * time.Second}
}

func (f *RedisFanout) Emit(room string, frame []byte) error {
	b, err := json.Marshal(envelope{Room: room, Frame: frame})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), f.timeout)
	defer cancel()
	if err := f.rdb.Publish(ctx, f.channel, b).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", f.channel, err)
	}
	return nil
}

// Run relays frames from Redis to the local emitter until ctx is done.
// ready, when non-nil, is closed once the subscription is confirmed.
func (f *RedisFanout) Run(ctx context.Context, ready chan<- struct{}) error {
	if f.local == nil {
		return fmt.Errorf("fanout on %s has no local emitter", f.channel)
	}
	sub := f.rdb.Subscribe(ctx, f.channel)
	defer sub.Close()
	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("subscribe %s: %w", f.channel, err)
	}
	if ready != nil {
		close(ready)
	}
	log.Info().Str("channel", f.channel).Msg("fanout subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil || env.Room == "" {
				log.Warn().Err(err).Str("channel", f.channel).Msg("fanout bad envelope")
				continue
			}
			if err := f.local.Emit(env.Room, env.Frame); err != nil {
				log.Warn().Err(err).Str("room", env.Room).Msg("fanout local emit")
			}
		}
	}
}
