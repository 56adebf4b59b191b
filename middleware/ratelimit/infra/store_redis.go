package infra

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"parasocial-gateway/middleware/ratelimit/domain"

	"github.com/redis/go-redis/v9"
)

//go:embed fixed_window.lua
var fixedWindowScript string

// RedisWindowStore aplica a mesma janela fixa do WindowStore, mas com o estado
// no Redis. O script Lua faz leitura/comparação/incremento de forma atômica,
// então várias instâncias da API compartilham uma única quota por chave.
type RedisWindowStore struct {
	rdb    redis.UniversalClient
	script *redis.Script
	prefix string
	now    func() time.Time
}

type RedisStoreOption func(*RedisWindowStore)

func WithRedisPrefix(prefix string) RedisStoreOption {
	return func(s *RedisWindowStore) { s.prefix = strings.Trim(prefix, ":") }
}

func WithRedisClock(now func() time.Time) RedisStoreOption {
	return func(s *RedisWindowStore) {
		if now != nil {
			s.now = now
		}
	}
}

func NewRedisWindowStore(rdb redis.UniversalClient, opts ...RedisStoreOption) *RedisWindowStore {
	s := &RedisWindowStore{
		rdb:    rdb,
		script: redis.NewScript(fixedWindowScript),
		prefix: "ratelimit:window",
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisWindowStore) key(category domain.Category, key domain.Key) string {
	return s.prefix + ":" + string(category) + ":" + string(key)
}

// TryConsume implementa domain.WindowStore.
func (s *RedisWindowStore) TryConsume(ctx context.Context, key domain.Key, quota domain.Quota, cost int) (domain.Consumption, error) {
	if cost <= 0 {
		return domain.Consumption{}, domain.ErrInvalidCost
	}
	if err := quota.Validate(); err != nil {
		return domain.Consumption{}, err
	}

	vals, err := s.script.Run(ctx, s.rdb,
		[]string{s.key(quota.Category, key)},
		quota.Limit,
		quota.Window.Milliseconds(),
		cost,
	).Int64Slice()
	if err != nil {
		return domain.Consumption{}, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}
	if len(vals) != 4 {
		return domain.Consumption{}, errors.New("ratelimit: invalid lua response format")
	}

	limit, used := int(vals[1]), int(vals[2])
	st := domain.WindowState{
		Key:       key,
		Category:  quota.Category,
		Limit:     limit,
		Remaining: max(0, limit-used),
		Used:      min(used, limit),
		ResetAt:   s.now().Add(time.Duration(vals[3]) * time.Millisecond),
	}
	return domain.Consumption{Allowed: vals[0] == 1, State: st}, nil
}

// Peek implementa domain.WindowStore.
func (s *RedisWindowStore) Peek(ctx context.Context, key domain.Key, category domain.Category) (*domain.WindowState, error) {
	k := s.key(category, key)

	pipe := s.rdb.Pipeline()
	fields := pipe.HMGet(ctx, k, "used", "limit")
	ttl := pipe.PTTL(ctx, k)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %v", domain.ErrStoreUnavailable, err)
	}

	vals := fields.Val()
	if len(vals) != 2 || vals[0] == nil || vals[1] == nil || ttl.Val() <= 0 {
		return nil, nil
	}

	used, err := strconv.Atoi(fmt.Sprint(vals[0]))
	if err != nil {
		return nil, fmt.Errorf("ratelimit: invalid used field: %w", err)
	}
	limit, err := strconv.Atoi(fmt.Sprint(vals[1]))
	if err != nil {
		return nil, fmt.Errorf("ratelimit: invalid limit field: %w", err)
	}

	return &domain.WindowState{
		Key:       key,
		Category:  category,
		Limit:     limit,
		Remaining: max(0, limit-used),
		Used:      min(used, limit),
		ResetAt:   s.now().Add(ttl.Val()),
	}, nil
}
