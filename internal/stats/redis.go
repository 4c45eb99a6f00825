package stats

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "hl7gw:stats"

// RedisStore keeps one hash per endpoint under prefix, plus a set of endpoint
// names.
type RedisStore struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

type RedisOption func(*RedisStore)

func WithPrefix(prefix string) RedisOption {
	return func(s *RedisStore) {
		if p := strings.Trim(prefix, ":"); p != "" {
			s.prefix = p
		}
	}
}

// WithTTL expires an endpoint's counters ttl after its last update. Zero keeps
// them forever.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) { s.ttl = ttl }
}

func NewRedisStore(rdb *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{
		rdb:    rdb,
		prefix: defaultRedisPrefix,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) endpointsKey() string {
	return s.prefix + ":endpoints"
}

func (s *RedisStore) endpointKey(endpoint string) string {
	return s.prefix + ":endpoint:" + endpoint
}

func (s *RedisStore) Incr(ctx context.Context, endpoint, counter string) error {
	if !validCounter(counter) {
		return fmt.Errorf("unknown counter %q", counter)
	}

	key := s.endpointKey(endpoint)
	pipe := s.rdb.Pipeline()
	pipe.SAdd(ctx, s.endpointsKey(), endpoint)
	pipe.HIncrBy(ctx, key, counter, 1)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis incr %s/%s: %w", endpoint, counter, err)
	}
	return nil
}

func (s *RedisStore) Snapshot(ctx context.Context) (Snapshot, error) {
	endpoints, err := s.rdb.SMembers(ctx, s.endpointsKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list endpoints: %w", err)
	}

	pipe := s.rdb.Pipeline()
	cmds := make(map[string]*redis.MapStringStringCmd, len(endpoints))
	for _, ep := range endpoints {
		cmds[ep] = pipe.HGetAll(ctx, s.endpointKey(ep))
	}
	if len(cmds) > 0 {
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("redis read counters: %w", err)
		}
	}

	out := make(Snapshot, len(endpoints))
	for ep, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// Expired; drop it from the index lazily.
			s.rdb.SRem(ctx, s.endpointsKey(), ep)
			continue
		}
		var c Counters
		for name, raw := range fields {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				continue
			}
			c.add(name, n)
		}
		out[ep] = c
	}
	return out, nil
}

// Ping checks the connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
