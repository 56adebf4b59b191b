package infra

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"parasocial-gateway/middleware/ratelimit/domain"

	"github.com/redis/go-redis/v9"
)

// RedisStatsStore agrega decisões do limiter no Redis, compartilhadas entre
// instâncias.
//
// Layout (hashes com campos allowed/denied):
//
//	<prefix>:total                         cumulativo
//	<prefix>:category:<categoria>          cumulativo
//	<prefix>:minute:<categoria>:<yyyymmddhhmm>  expira em ttl (bucket "minute")
//	<prefix>:key:<categoria>:<chave>       expira em ttl (trackKeys)
type RedisStatsStore struct {
	rdb redis.UniversalClient

	prefix    string
	ttl       time.Duration
	bucket    string // "minute" (padrão) ou "none"
	trackKeys bool
	now       func() time.Time
}

type RedisStatsOption func(*RedisStatsStore)

func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStatsStore) {
		s.prefix = strings.Trim(prefix, ":")
	}
}

func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStatsStore) { s.ttl = d }
}

func WithStatsBucket(bucket string) RedisStatsOption {
	return func(s *RedisStatsStore) { s.bucket = strings.ToLower(strings.TrimSpace(bucket)) }
}

// WithStatsTrackKeys liga contadores por chave. Cuidado com a cardinalidade:
// chaves anônimas são IPs.
func WithStatsTrackKeys(track bool) RedisStatsOption {
	return func(s *RedisStatsStore) { s.trackKeys = track }
}

func NewRedisStatsStore(rdb redis.UniversalClient, opts ...RedisStatsOption) *RedisStatsStore {
	s := &RedisStatsStore{
		rdb:    rdb,
		prefix: "ratelimit:stats",
		ttl:    24 * time.Hour,
		bucket: "minute",
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func statsField(allowed bool) string {
	if allowed {
		return "allowed"
	}
	return "denied"
}

func (s *RedisStatsStore) categoryKey(c domain.Category) string {
	return s.prefix + ":category:" + string(c)
}

func (s *RedisStatsStore) Record(ctx context.Context, ev domain.StatsEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = s.now()
	}
	field := statsField(ev.Allowed)
	category := domain.Category(strings.TrimSpace(string(ev.Category)))

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.prefix+":total", field, 1)

	if category != "" {
		pipe.HIncrBy(ctx, s.categoryKey(category), field, 1)

		if s.bucket == "minute" {
			bucketKey := fmt.Sprintf("%s:minute:%s:%s", s.prefix, category, at.UTC().Format("200601021504"))
			pipe.HIncrBy(ctx, bucketKey, field, 1)
			if s.ttl > 0 {
				pipe.Expire(ctx, bucketKey, s.ttl)
			}
		}
	}

	if k := strings.TrimSpace(string(ev.Key)); s.trackKeys && k != "" {
		keyKey := s.prefix + ":key:" + string(category) + ":" + k
		pipe.HIncrBy(ctx, keyKey, field, 1)
		if s.ttl > 0 {
			pipe.Expire(ctx, keyKey, s.ttl)
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: record stats: %w", domain.ErrStoreUnavailable, err)
	}
	return nil
}

// Snapshot lê o total e os contadores por categoria. Contadores por chave
// não entram (exigiria SCAN).
func (s *RedisStatsStore) Snapshot(ctx context.Context) (StatsSnapshot, error) {
	categories := domain.Categories()

	pipe := s.rdb.Pipeline()
	total := pipe.HGetAll(ctx, s.prefix+":total")
	perCategory := make([]*redis.MapStringStringCmd, len(categories))
	for i, c := range categories {
		perCategory[i] = pipe.HGetAll(ctx, s.categoryKey(c))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return StatsSnapshot{}, fmt.Errorf("%w: read stats: %w", domain.ErrStoreUnavailable, err)
	}

	snap := StatsSnapshot{
		Total:      countersFrom(total.Val()),
		ByCategory: make(map[string]Counters),
	}
	for i, c := range categories {
		if vals := perCategory[i].Val(); len(vals) > 0 {
			snap.ByCategory[string(c)] = countersFrom(vals)
		}
	}
	return snap, nil
}

func countersFrom(h map[string]string) Counters {
	allowed, _ := strconv.ParseInt(h["allowed"], 10, 64)
	denied, _ := strconv.ParseInt(h["denied"], 10, 64)
	return Counters{Allowed: allowed, Denied: denied}
}
