package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"mailsync/pkg/config"
)

// NewRedisClient 创建客户端并 ping 一次；ping 失败只告警，缓存是尽力而为的
func NewRedisClient(cfg config.RedisConfig, logger *zap.Logger) *redis.Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		logger.Warn("Redis ping failed, cache will degrade to misses",
			zap.String("addr", cfg.Addr),
			zap.Error(fmt.Errorf("redis ping: %w", err)),
		)
	} else {
		logger.Info("Redis connection established", zap.String("addr", cfg.Addr))
	}

	return rdb
}
