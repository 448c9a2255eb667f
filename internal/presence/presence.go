// Package presence answers whether a user currently holds a live socket.
package presence

import (
	"context"
	"strconv"
	"time"

	"github.com/Satzhan7/diploma-sub000/internal/ws"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type Presence interface {
	IsOnline(ctx context.Context, userID uint) bool
}

// Local reads presence straight from this process's hub. It also satisfies
// ws.Tracker with no-op hooks since the hub already knows who is connected.
type Local struct {
	hub *ws.Hub
}

func NewLocal(hub *ws.Hub) *Local { return &Local{hub: hub} }

func (l *Local) IsOnline(_ context.Context, userID uint) bool { return l.hub.Connected(userID) }
func (l *Local) Connected(context.Context, uint, string)      {}
func (l *Local) Refresh(context.Context, uint, string)        {}
func (l *Local) Disconnected(context.Context, uint, string)   {}

const keyPrefix = "chat:presence:"

func key(userID uint) string { return keyPrefix + strconv.FormatUint(uint64(userID), 10) }

// releaseScript deletes the presence key only if the closing socket still owns it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis keeps one key per online user, owned by the user's resolving socket
// and valued "<instance>/<conn id>". A socket closing after a newer one
// registered no longer owns the key and leaves it alone. Keys expire unless
// refreshed by socket keepalives, so a crashed instance cannot leave users
// online forever.
type Redis struct {
	rdb      *redis.Client
	instance string
	ttl      time.Duration
	timeout  time.Duration
}

func NewRedis(rdb *redis.Client, instance string, ttl time.Duration) *Redis {
	return &Redis{rdb: rdb, instance: instance, ttl: ttl, timeout: 2 * time.Second}
}

func (r *Redis) owner(connID string) string { return r.instance + "/" + connID }

func (r *Redis) IsOnline(ctx context.Context, userID uint) bool {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	n, err := r.rdb.Exists(ctx, key(userID)).Result()
	if err != nil {
		log.Warn().Err(err).Uint("user_id", userID).Msg("presence lookup")
		return false
	}
	return n > 0
}

func (r *Redis) Connected(ctx context.Context, userID uint, connID string) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := r.rdb.Set(ctx, key(userID), r.owner(connID), r.ttl).Err(); err != nil {
		log.Warn().Err(err).Uint("user_id", userID).Str("conn_id", connID).Msg("presence set")
	}
}

func (r *Redis) Refresh(ctx context.Context, userID uint, connID string) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	ok, err := r.rdb.Expire(ctx, key(userID), r.ttl).Result()
	if err != nil {
		log.Warn().Err(err).Uint("user_id", userID).Msg("presence refresh")
		return
	}
	if !ok {
		// key expired between keepalives
		r.Connected(ctx, userID, connID)
	}
}

func (r *Redis) Disconnected(ctx context.Context, userID uint, connID string) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	if err := releaseScript.Run(ctx, r.rdb, []string{key(userID)}, r.owner(connID)).Err(); err != nil {
		log.Warn().Err(err).Uint("user_id", userID).Str("conn_id", connID).Msg("presence release")
	}
}
