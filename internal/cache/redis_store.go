package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"mailsync/internal/model"
	"mailsync/pkg/circuitbreaker"
	"mailsync/pkg/metrics"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// envelope 缓存中的 JSON 结构
type envelope struct {
	SavedAt time.Time           `json:"savedAt"`
	Records []model.EmailRecord `json:"records"`
	Cursor  *model.PageCursor   `json:"cursor,omitempty"`
}

// RedisStore 以 JSON blob 保存列表；Redis 故障时熔断，熔断期间 Get 直接 miss、Set 跳过
type RedisStore struct {
	client  redis.Cmdable
	ttl     time.Duration
	breaker *circuitbreaker.CircuitBreaker
	logger  *zap.Logger
}

func NewRedisStore(client redis.Cmdable, ttl time.Duration, logger *zap.Logger) *RedisStore {
	return &RedisStore{
		client:  client,
		ttl:     ttl,
		breaker: circuitbreaker.NewCircuitBreaker(circuitbreaker.DefaultConfig()),
		logger:  logger,
	}
}

// WithBreaker 替换熔断器（测试用）
func (s *RedisStore) WithBreaker(cb *circuitbreaker.CircuitBreaker) *RedisStore {
	s.breaker = cb
	return s
}

func (s *RedisStore) Get(ctx context.Context, key string) (Entry, bool) {
	var data []byte
	err := s.breaker.Execute(func() error {
		var err error
		data, err = s.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			// miss 不算故障
			data = nil
			return nil
		}
		return err
	})
	if err != nil {
		metrics.IncrementCacheResult("error")
		s.logger.Warn("Cache read failed, treating as miss",
			zap.String("key", key),
			zap.String("breaker", s.breaker.GetState().String()),
			zap.Error(err),
		)
		return Entry{}, false
	}
	if data == nil {
		metrics.IncrementCacheResult("miss")
		return Entry{}, false
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		metrics.IncrementCacheResult("error")
		s.logger.Warn("Cache entry is corrupt, ignoring",
			zap.String("key", key),
			zap.Error(fmt.Errorf("decode cache entry: %w", err)),
		)
		return Entry{}, false
	}
	if len(env.Records) == 0 {
		metrics.IncrementCacheResult("miss")
		return Entry{}, false
	}
	metrics.IncrementCacheResult("hit")
	return Entry{Records: env.Records, Cursor: env.Cursor}, true
}

func (s *RedisStore) Set(ctx context.Context, key string, entry Entry) {
	data, err := json.Marshal(envelope{SavedAt: time.Now().UTC(), Records: entry.Records, Cursor: entry.Cursor})
	if err != nil {
		s.logger.Error("Failed to encode cache entry", zap.String("key", key), zap.Error(err))
		return
	}

	err = s.breaker.Execute(func() error {
		return s.client.Set(ctx, key, data, s.ttl).Err()
	})
	if err != nil {
		metrics.IncrementCacheResult("error")
		s.logger.Warn("Cache write skipped",
			zap.String("key", key),
			zap.Int("count", len(entry.Records)),
			zap.String("breaker", s.breaker.GetState().String()),
			zap.Error(err),
		)
		return
	}
	metrics.IncrementCacheResult("write")
}
