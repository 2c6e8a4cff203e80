package presence

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// KeyValue is the slice of the redis client the mirror needs.
type KeyValue interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Mirror copies registry state into redis so other services can look up
// presence. Keys are crm:presence:<user> holding the live connection count;
// the TTL bounds how long a crashed process can leave a user marked online.
type Mirror struct {
	kv  KeyValue
	ttl time.Duration
	log *zap.Logger
}

func NewMirror(kv KeyValue, ttl time.Duration, log *zap.Logger) *Mirror {
	if log == nil {
		log = zap.NewNop()
	}
	return &Mirror{kv: kv, ttl: ttl, log: log.Named("presence.mirror")}
}

func Key(userID string) string { return "crm:presence:" + userID }

// Handle is a Registry subscriber.
func (m *Mirror) Handle(ev Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var err error
	switch ev.Kind {
	case Online, Connections:
		err = m.kv.Set(ctx, Key(ev.UserID), strconv.Itoa(ev.ActiveConnections), m.ttl).Err()
	case Offline:
		err = m.kv.Del(ctx, Key(ev.UserID)).Err()
	}
	if err != nil {
		m.log.Warn("mirror presence", zap.String("user_id", ev.UserID), zap.Stringer("kind", ev.Kind), zap.Error(err))
	}
}

// KeepAlive renews the TTL of every online user until ctx is done.
func (m *Mirror) KeepAlive(ctx context.Context, reg *Registry) {
	interval := m.ttl / 2
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, userID := range reg.OnlineUsers() {
				n := len(reg.LiveConnections(userID))
				if err := m.kv.Set(ctx, Key(userID), strconv.Itoa(n), m.ttl).Err(); err != nil {
					m.log.Warn("renew presence", zap.String("user_id", userID), zap.Error(err))
				}
			}
		}
	}
}
