package cooldown

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// KeyPrefix namespaces cooldown keys in Redis.
const KeyPrefix = "kf:cooldown:"

// Redis is a Tracker shared across processes. Each recipient is one key whose
// value is the unblock time in unix milliseconds and whose TTL equals the
// window, so stale entries disappear without a sweeper.
type Redis struct {
	rdb *redis.Client

	// Now is the clock; nil means time.Now.
	Now func() time.Time
}

// NewRedis returns a Tracker backed by rdb.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

func (r *Redis) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Mark implements Tracker.
func (r *Redis) Mark(ctx context.Context, recipient string, d time.Duration) error {
	if recipient == "" {
		return nil
	}
	if d <= 0 {
		return r.rdb.Del(ctx, KeyPrefix+recipient).Err()
	}
	until := r.now().Add(d)
	return r.rdb.Set(ctx, KeyPrefix+recipient, strconv.FormatInt(until.UnixMilli(), 10), d).Err()
}

// Until implements Tracker. Redis errors are logged and read as not cooling.
func (r *Redis) Until(ctx context.Context, recipient string) (time.Time, bool) {
	if recipient == "" {
		return time.Time{}, false
	}
	raw, err := r.rdb.Get(ctx, KeyPrefix+recipient).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false
	}
	if err != nil {
		log.Warn().Err(err).Str("recipient", recipient).Msg("cooldown lookup failed")
		return time.Time{}, false
	}
	u, ok := parseMillis(raw)
	if !ok || !u.After(r.now()) {
		return time.Time{}, false
	}
	return u, true
}

// Active implements Tracker using SCAN so large keyspaces are not blocked.
func (r *Redis) Active(ctx context.Context) (map[string]time.Time, error) {
	out := make(map[string]time.Time)
	now := r.now()
	iter := r.rdb.Scan(ctx, 0, KeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		raw, err := r.rdb.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if u, ok := parseMillis(raw); ok && u.After(now) {
			out[strings.TrimPrefix(key, KeyPrefix)] = u
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func parseMillis(raw string) (time.Time, bool) {
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.UnixMilli(ms), true
}
