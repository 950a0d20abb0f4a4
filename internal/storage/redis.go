package storage

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/tripflow/backend/internal/config"
)

// NewRedisClient connects to the ephemeral store holding refresh sessions,
// pending 2FA secrets and pending login sessions. All of these carry their own
// TTL; nothing durable ever lives here.
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return client, nil
}
