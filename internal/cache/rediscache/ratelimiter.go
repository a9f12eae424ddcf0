package rediscache

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

type RateLimiter struct {
	c   *redis.Client
	now func() time.Time
}

func NewRateLimiter(opts Options) *RateLimiter {
	return &RateLimiter{c: newClient(opts), now: time.Now}
}

// Allow counts a hit in the fixed window containing now and reports whether
// the count is still within limit. The window key expires with the window.
func (rl *RateLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error) {
	if window <= 0 {
		return false, 0, errors.New("ratelimit window must be positive")
	}
	bucket := rl.now().UnixNano() / int64(window)
	k := key + ":" + strconv.FormatInt(bucket, 10)

	pipe := rl.c.TxPipeline()
	incr := pipe.Incr(ctx, k)
	pipe.Expire(ctx, k, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, errors.Wrap(err, "redis ratelimit")
	}
	n := incr.Val()
	return n <= limit, n, nil
}

func (rl *RateLimiter) Close() error {
	return rl.c.Close()
}
