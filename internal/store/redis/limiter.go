package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/jobharbor/internal/queue"
)

var windowScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// Limiter counts admissions in fixed windows shared by every engine
// instance pointed at the same Redis.
type Limiter struct {
	client redis.Cmdable
	prefix string
	now    func() time.Time
}

func NewLimiter(client redis.Cmdable, opts ...Option) *Limiter {
	o := buildOptions(opts)
	return &Limiter{client: client, prefix: o.prefix + "rl:", now: o.now}
}

func (l *Limiter) Allow(ctx context.Context, key string, limit queue.RateLimit) (bool, error) {
	if !limit.Enabled() {
		return true, nil
	}
	ms := max(limit.Window.Milliseconds(), 1)
	k := l.prefix + key + ":" + strconv.FormatInt(l.now().UnixMilli()/ms, 10)
	n, err := windowScript.Run(ctx, l.client, []string{k}, ms).Int()
	if err != nil {
		return false, err
	}
	return n <= limit.Limit, nil
}
