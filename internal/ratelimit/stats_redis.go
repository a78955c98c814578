package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStats keeps admission statistics in Redis hashes so several
// processes sharing a token can be observed together.
type RedisStats struct {
	rdb redis.Cmdable

	prefix string
	// ttl applies to the per-minute hashes only; totals never expire.
	ttl time.Duration
}

// RedisStatsOption configures RedisStats.
type RedisStatsOption func(*RedisStats)

// WithStatsPrefix sets the key prefix.
func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStats) { s.prefix = strings.Trim(prefix, ":") }
}

// WithStatsTTL sets the expiry of per-minute hashes.
func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStats) { s.ttl = d }
}

// NewRedisStats creates a recorder writing through rdb.
func NewRedisStats(rdb redis.Cmdable, opts ...RedisStatsOption) *RedisStats {
	s := &RedisStats{
		rdb:    rdb,
		prefix: "shardline:ratelimit",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Keys returns the hash keys an event at the given time is written to.
func (s *RedisStats) Keys(at time.Time) (total, minute, route string) {
	total = s.prefix + ":total"
	minute = fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
	route = s.prefix + ":route"
	return total, minute, route
}

func (s *RedisStats) Record(ctx context.Context, ev StatsEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	field := string(ev.Outcome)
	totalKey, minuteKey, routeKey := s.Keys(at)

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, totalKey, field, 1)
	pipe.HIncrBy(ctx, minuteKey, field, 1)
	if s.ttl > 0 {
		pipe.Expire(ctx, minuteKey, s.ttl)
	}
	if route := strings.TrimSpace(ev.Route); route != "" {
		pipe.HIncrBy(ctx, routeKey, route+":"+field, 1)
	}
	if ev.Waited > 0 {
		pipe.HIncrBy(ctx, totalKey, "waited_ms", ev.Waited.Milliseconds())
	}

	_, err := pipe.Exec(ctx)
	return err
}
