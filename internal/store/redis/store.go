// Package redis backs idempotency records and tenant admission windows with
// Redis. Every compare-and-set runs as a Lua script so it is atomic across
// engine instances sharing one Redis.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/jobharbor/internal/idempotency"
	"github.com/austindbirch/jobharbor/internal/queue"
)

var (
	_ idempotency.Store = (*IdempotencyStore)(nil)
	_ queue.Limiter     = (*Limiter)(nil)
)

// DefaultPrefix namespaces every key written by this package.
const DefaultPrefix = "jobharbor:"

// Option configures the stores.
type Option func(*options)

type options struct {
	prefix string
	now    func() time.Time
}

// WithPrefix overrides DefaultPrefix.
func WithPrefix(p string) Option {
	return func(o *options) { o.prefix = p }
}

// WithClock sets the clock used for rate limit windows.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{prefix: DefaultPrefix, now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	return o
}

// Connect parses a redis:// URL (or host:port) and pings the server.
func Connect(ctx context.Context, addr string) (*redis.Client, error) {
	opt, err := redis.ParseURL(addr)
	if err != nil {
		opt = &redis.Options{Addr: addr}
	}
	client := redis.NewClient(opt)
	ctxPing, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctxPing).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opt.Addr, err)
	}
	return client, nil
}

func micros(t time.Time) string {
	if t.IsZero() {
		return "0"
	}
	return strconv.FormatInt(t.UnixMicro(), 10)
}

func fromMicros(s string) time.Time {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v == 0 {
		return time.Time{}
	}
	return time.UnixMicro(v).UTC()
}

func unavailable(err error) error {
	if err == nil || errors.Is(err, redis.Nil) {
		return err
	}
	return fmt.Errorf("%w: %v", idempotency.ErrUnavailable, err)
}
