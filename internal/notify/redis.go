package notify

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/eniz1806/VaultGallery/internal/config"
)

// RedisBackend publishes events to Redis via Pub/Sub, a capped list queue,
// or both.
type RedisBackend struct {
	client     *redis.Client
	channel    string // pub/sub channel
	listKey    string // list key for LPUSH queue mode
	listMaxLen int64
}

func NewRedisBackend(cfg config.RedisConfig) *RedisBackend {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisBackend{
		client:     client,
		channel:    cfg.Channel,
		listKey:    cfg.ListKey,
		listMaxLen: cfg.ListMaxLen,
	}
}

func (r *RedisBackend) Name() string {
	return "redis"
}

func (r *RedisBackend) Publish(ctx context.Context, msg Message) error {
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		if r.channel != "" {
			p.Publish(ctx, r.channel, msg.Payload)
		}
		if r.listKey != "" {
			p.LPush(ctx, r.listKey, msg.Payload)
			if r.listMaxLen > 0 {
				p.LTrim(ctx, r.listKey, 0, r.listMaxLen-1)
			}
		}
		return nil
	})
	return err
}

func (r *RedisBackend) Close() error {
	return r.client.Close()
}
