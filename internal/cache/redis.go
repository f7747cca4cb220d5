package cache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	redis "github.com/redis/go-redis/v9"
)

type RedisBackend struct {
	client *redis.Client
}

func NewRedis(addr string, password string, db int) *RedisBackend {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisBackend{client: client}
}

func (c *RedisBackend) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisBackend) Close() error {
	return c.client.Close()
}

func (c *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (c *RedisBackend) Set(ctx context.Context, key string, value []byte) error {
	return mapRedisError(c.client.Set(ctx, key, value, 0).Err())
}

func (c *RedisBackend) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

func (c *RedisBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := c.client.Scan(ctx, 0, escapeGlob(prefix)+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return keys, nil
}

func (c *RedisBackend) Size(ctx context.Context, prefix string) (int64, error) {
	keys, err := c.Keys(ctx, prefix)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, key := range keys {
		n, err := c.client.StrLen(ctx, key).Result()
		if err != nil {
			return 0, err
		}
		total += n + int64(len(key))
	}
	return total, nil
}

// Quota reports the server's maxmemory setting; zero means unlimited.
func (c *RedisBackend) Quota(ctx context.Context) (int64, error) {
	cfg, err := c.client.ConfigGet(ctx, "maxmemory").Result()
	if err != nil {
		return 0, err
	}
	raw, ok := cfg["maxmemory"]
	if !ok {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func mapRedisError(err error) error {
	if err == nil {
		return nil
	}
	if strings.HasPrefix(err.Error(), "OOM") {
		return fmt.Errorf("%w: %v", ErrQuotaExceeded, err)
	}
	return err
}

func escapeGlob(s string) string {
	return strings.NewReplacer(`\`, `\\`, `*`, `\*`, `?`, `\?`, `[`, `\[`, `]`, `\]`).Replace(s)
}

// RedisBroadcaster publishes change notices over a pub/sub channel.
type RedisBroadcaster struct {
	client  *redis.Client
	channel string
}

func NewRedisBroadcaster(backend *RedisBackend, channel string) *RedisBroadcaster {
	return &RedisBroadcaster{client: backend.client, channel: channel}
}

func (b *RedisBroadcaster) Publish(ctx context.Context, payload []byte) error {
	return b.client.Publish(ctx, b.channel, payload).Err()
}

func (b *RedisBroadcaster) Subscribe(ctx context.Context) (<-chan []byte, func(), error) {
	sub := b.client.Subscribe(ctx, b.channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, err
	}

	out := make(chan []byte, 16)
	go func() {
		defer close(out)
		for msg := range sub.Channel() {
			select {
			case out <- []byte(msg.Payload):
			default:
			}
		}
	}()
	return out, func() { _ = sub.Close() }, nil
}
