// Package ratelimit implements a Redis sorted-set sliding window shared by
// the chat transports and the HTTP API.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// Result reports one rate limit decision.
type Result struct {
	Allowed    bool
	Count      int
	RetryAfter time.Duration
}

// Limiter allows up to max events per window for each key.
type Limiter struct {
	rdb    redis.Cmdable
	prefix string
	max    int
	window time.Duration
	now    func() time.Time
}

func NewLimiter(rdb redis.Cmdable, prefix string, max int, window time.Duration) *Limiter {
	return &Limiter{rdb: rdb, prefix: prefix, max: max, window: window, now: time.Now}
}

func (l *Limiter) Window() time.Duration {
	return l.window
}

// Allow records an event for key if it is under the limit. Denied events are
// not recorded, so a blocked caller regains capacity as the window slides.
func (l *Limiter) Allow(ctx context.Context, key string) (Result, error) {
	key = l.prefix + key
	now := l.now()
	windowStart := now.Add(-l.window).UnixMilli()

	pipe := l.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(windowStart, 10))
	countCmd := pipe.ZCard(ctx, key)
	oldestCmd := pipe.ZRangeWithScores(ctx, key, 0, 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("rate limiter pipeline (clean+count): %w", err)
	}

	count := int(countCmd.Val())
	if count >= l.max {
		retry := l.window
		if oldest := oldestCmd.Val(); len(oldest) > 0 {
			retry = time.UnixMilli(int64(oldest[0].Score)).Add(l.window).Sub(now)
		}
		if retry < time.Second {
			retry = time.Second
		}
		return Result{Allowed: false, Count: count, RetryAfter: retry}, nil
	}

	pipe = l.rdb.Pipeline()
	member := fmt.Sprintf("%d:%d", now.UnixNano(), count)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: member})
	pipe.Expire(ctx, key, l.window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return Result{}, fmt.Errorf("rate limiter pipeline (add): %w", err)
	}
	return Result{Allowed: true, Count: count + 1}, nil
}

// Usage returns the number of events currently in key's window.
func (l *Limiter) Usage(ctx context.Context, key string) (int, error) {
	now := l.now()
	count, err := l.rdb.ZCount(ctx, l.prefix+key,
		strconv.FormatInt(now.Add(-l.window).UnixMilli(), 10),
		strconv.FormatInt(now.UnixMilli(), 10)).Result()
	if err != nil {
		return 0, fmt.Errorf("getting rate limit usage: %w", err)
	}
	return int(count), nil
}

// UserLimiter limits chat requests per user.
type UserLimiter struct {
	*Limiter
}

func NewUserLimiter(rdb redis.Cmdable, max int, window time.Duration) *UserLimiter {
	return &UserLimiter{Limiter: NewLimiter(rdb, "ratelimit:user:", max, window)}
}

func (u *UserLimiter) AllowUser(ctx context.Context, userID int64) (Result, error) {
	return u.Allow(ctx, strconv.FormatInt(userID, 10))
}
