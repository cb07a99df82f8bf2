package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const defaultLeaseTTL = 30 * time.Second

// Only the owner may extend or delete its key.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Redis is a Registry shared by every replica pointing at the same Redis.
// Leases expire after TTL unless renewed, so a crashed replica frees its targets.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedis creates a Redis-backed registry. ttl <= 0 uses 30s.
func NewRedis(client redis.UniversalClient, prefix string, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	if prefix == "" {
		prefix = "botlink:lease:"
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

// DialRedis parses a redis:// URL and pings the server.
func DialRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

func (r *Redis) Acquire(ctx context.Context, key string) (Lease, error) {
	owner := uuid.NewString()
	ok, err := r.client.SetNX(ctx, r.prefix+key, owner, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrHeld
	}

	renewCtx, cancel := context.WithCancel(context.Background())
	l := &redisLease{r: r, key: key, owner: owner, cancel: cancel}
	go l.renew(renewCtx)
	return l, nil
}

func (r *Redis) Held(ctx context.Context, key string) bool {
	n, err := r.client.Exists(ctx, r.prefix+key).Result()
	if err != nil {
		slog.Warn("registry: redis exists failed", "key", key, "error", err)
		return false
	}
	return n > 0
}

type redisLease struct {
	r      *Redis
	key    string
	owner  string
	cancel context.CancelFunc
	once   sync.Once
}

func (l *redisLease) Key() string { return l.key }

func (l *redisLease) Release() {
	l.once.Do(func() {
		l.cancel()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := releaseScript.Run(ctx, l.r.client, []string{l.r.prefix + l.key}, l.owner).Err(); err != nil {
			slog.Warn("registry: redis release failed", "key", l.key, "error", err)
		}
	})
}

func (l *redisLease) renew(ctx context.Context) {
	ticker := time.NewTicker(l.r.ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := renewScript.Run(ctx, l.r.client, []string{l.r.prefix + l.key}, l.owner, l.r.ttl.Milliseconds()).Int()
			if err != nil {
				slog.Warn("registry: redis renew failed", "key", l.key, "error", err)
				continue
			}
			if res == 0 {
				slog.Warn("registry: lease lost", "key", l.key)
				return
			}
		}
	}
}
