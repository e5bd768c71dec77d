package ratelimit

import (
	"context"
	"strings"

	"github.com/postloom/postloom/internal/config"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

// NewRedisClient returns nil when rate limiting is disabled; downstream
// consumers treat a nil client as pass-through.
func NewRedisClient(lc fx.Lifecycle, cfg config.Config) *redis.Client {
	if !cfg.RateLimit.Enabled || strings.TrimSpace(cfg.RateLimit.RedisAddr) == "" {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RateLimit.RedisAddr,
		Password: cfg.RateLimit.RedisPassword,
		DB:       cfg.RateLimit.RedisDB,
	})

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})

	return client
}

var Module = fx.Module("ratelimit",
	fx.Provide(
		NewRedisClient,
		NewTokenBucket,
		NewDeductLimiter,
	),
)
