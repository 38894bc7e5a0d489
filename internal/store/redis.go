package store

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions selects the Redis instance backing the mirror queue.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// Redis wraps the client shared by the queue and health checks.
type Redis struct {
	Client *redis.Client
	addr   string
}

// NewRedis builds a lazily connecting client with short timeouts so a
// missing Redis surfaces as a failed check instead of a hung request.
func NewRedis(opts RedisOptions) *Redis {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	return &Redis{Client: client, addr: opts.Addr}
}

// Ping reports why Redis is unreachable, or nil.
func (r *Redis) Ping(ctx context.Context) error {
	if r == nil || r.Client == nil {
		return fmt.Errorf("redis: not configured")
	}
	if err := r.Client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis %s: %w", r.addr, err)
	}
	return nil
}

// Close releases the connection pool.
func (r *Redis) Close() error {
	if r == nil || r.Client == nil {
		return nil
	}
	return r.Client.Close()
}
