package panel

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/panelbroker/gamebroker/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// SessionCache lets several broker processes reuse one panel session.
type SessionCache interface {
	Get(ctx context.Context) (string, error)
	Set(ctx context.Context, token string, ttl time.Duration) error
	// Delete removes token only if it is still the cached value.
	Delete(ctx context.Context, token string) error
}

// MemoryCache is a process-local SessionCache.
type MemoryCache struct {
	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewMemoryCache creates an empty in-process cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{}
}

func (m *MemoryCache) Get(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == "" || (!m.expires.IsZero() && time.Now().After(m.expires)) {
		return "", nil
	}
	return m.token, nil
}

func (m *MemoryCache) Set(ctx context.Context, token string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.token = token
	m.expires = time.Time{}
	if ttl > 0 {
		m.expires = time.Now().Add(ttl)
	}
	return nil
}

func (m *MemoryCache) Delete(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.token == token {
		m.token = ""
	}
	return nil
}

// deleteIfMatch removes KEYS[1] only when it still holds ARGV[1].
var deleteIfMatch = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisCache stores the session token in Redis under a single key.
type RedisCache struct {
	client *redis.Client
	key    string
}

// NewRedisCache connects to addr (host:port or redis:// URL) and verifies the
// connection with a bounded ping.
func NewRedisCache(ctx context.Context, addr, key string) (*RedisCache, error) {
	var opts *redis.Options
	if strings.Contains(addr, "://") {
		parsed, err := redis.ParseURL(addr)
		if err != nil {
			return nil, errors.Wrap(err, "invalid redis url")
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: addr}
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrap(err, "redis ping failed")
	}

	slog.Info("panel_session_cache_connected", "addr", opts.Addr)
	return NewRedisCacheFromClient(client, key), nil
}

// NewRedisCacheFromClient wraps an existing client.
func NewRedisCacheFromClient(client *redis.Client, key string) *RedisCache {
	if key == "" {
		key = "gamebroker:panel:session"
	}
	return &RedisCache{client: client, key: key}
}

func (c *RedisCache) Get(ctx context.Context) (string, error) {
	token, err := c.client.Get(ctx, c.key).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", errors.Wrap(err, "redis get failed")
	}
	return token, nil
}

func (c *RedisCache) Set(ctx context.Context, token string, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.key, token, ttl).Err(); err != nil {
		return errors.Wrap(err, "redis set failed")
	}
	return nil
}

func (c *RedisCache) Delete(ctx context.Context, token string) error {
	if err := deleteIfMatch.Run(ctx, c.client, []string{c.key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return errors.Wrap(err, "redis delete failed")
	}
	return nil
}

// Close releases the Redis connection pool.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
