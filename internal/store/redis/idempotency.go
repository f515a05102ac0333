package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/austindbirch/jobharbor/internal/idempotency"
)

// Records are hashes. Timestamps are unix microseconds so Lua can compare
// them without losing precision.
var reserveScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'status')
if st then
  local exp = tonumber(redis.call('HGET', KEYS[1], 'expires_at') or '0')
  if st == 'pending' or exp == 0 or exp > tonumber(ARGV[3]) then
    return 0
  end
  redis.call('DEL', KEYS[1])
end
redis.call('HSET', KEYS[1],
  'job_id', ARGV[1], 'status', ARGV[2],
  'created_at', ARGV[3], 'updated_at', ARGV[4], 'expires_at', ARGV[5],
  'result', ARGV[6], 'error', ARGV[7])
return 1
`)

var transitionScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local cur = redis.call('HMGET', KEYS[1], 'status', 'job_id')
if cur[1] ~= ARGV[1] or cur[2] ~= ARGV[2] then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[3], 'result', ARGV[5], 'error', ARGV[6], 'updated_at', ARGV[7])
if ARGV[4] ~= '' then
  redis.call('HSET', KEYS[1], 'job_id', ARGV[4])
end
if ARGV[8] ~= '0' then
  redis.call('HSET', KEYS[1], 'expires_at', ARGV[8])
end
return 1
`)

var releaseScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'status', 'job_id')
if cur[1] == 'pending' and cur[2] == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

var purgeScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'status', 'expires_at')
if not cur[1] or cur[1] == 'pending' then
  return 0
end
local exp = tonumber(cur[2] or '0')
if exp ~= 0 and exp <= tonumber(ARGV[1]) then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// IdempotencyStore implements idempotency.Store on Redis hashes.
type IdempotencyStore struct {
	client redis.Cmdable
	prefix string
}

// NewIdempotencyStore wraps client. The caller owns the client lifecycle.
func NewIdempotencyStore(client redis.Cmdable, opts ...Option) *IdempotencyStore {
	o := buildOptions(opts)
	return &IdempotencyStore{client: client, prefix: o.prefix + "idem:"}
}

func (s *IdempotencyStore) key(k string) string { return s.prefix + k }

// Ping verifies the Redis connection is alive.
func (s *IdempotencyStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *IdempotencyStore) Reserve(ctx context.Context, rec idempotency.Record) (*idempotency.Record, bool, error) {
	// A record released between the failed reserve and the read is retried.
	for i := 0; i < 3; i++ {
		n, err := reserveScript.Run(ctx, s.client, []string{s.key(rec.Key)},
			rec.JobID, string(rec.Status),
			micros(rec.CreatedAt), micros(rec.UpdatedAt), micros(rec.ExpiresAt),
			string(rec.Result), rec.Error,
		).Int()
		if err != nil {
			return nil, false, unavailable(err)
		}
		if n == 1 {
			return nil, true, nil
		}
		existing, err := s.Get(ctx, rec.Key)
		if errors.Is(err, idempotency.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}
	return nil, false, idempotency.ErrConflict
}

func (s *IdempotencyStore) Get(ctx context.Context, key string) (*idempotency.Record, error) {
	fields, err := s.client.HGetAll(ctx, s.key(key)).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	if len(fields) == 0 {
		return nil, idempotency.ErrNotFound
	}
	rec := &idempotency.Record{
		Key:       key,
		JobID:     fields["job_id"],
		Status:    idempotency.Status(fields["status"]),
		Error:     fields["error"],
		CreatedAt: fromMicros(fields["created_at"]),
		UpdatedAt: fromMicros(fields["updated_at"]),
		ExpiresAt: fromMicros(fields["expires_at"]),
	}
	if r := fields["result"]; r != "" {
		rec.Result = []byte(r)
	}
	return rec, nil
}

func (s *IdempotencyStore) Transition(ctx context.Context, key string, from idempotency.Status, jobID string, u idempotency.Update) error {
	n, err := transitionScript.Run(ctx, s.client, []string{s.key(key)},
		string(from), jobID, string(u.Status), u.JobID,
		string(u.Result), u.Error, micros(u.UpdatedAt), micros(u.ExpiresAt),
	).Int()
	if err != nil {
		return unavailable(err)
	}
	switch n {
	case -1:
		return idempotency.ErrNotFound
	case 0:
		return idempotency.ErrConflict
	}
	return nil
}

func (s *IdempotencyStore) Release(ctx context.Context, key, jobID string) error {
	return unavailable(releaseScript.Run(ctx, s.client, []string{s.key(key)}, jobID).Err())
}

// Purge walks the key space with SCAN and deletes terminal records expired
// at now.
func (s *IdempotencyStore) Purge(ctx context.Context, now time.Time) (int, error) {
	deleted := 0
	var cursor uint64
	for {
		keys, next, err := s.client.Scan(ctx, cursor, s.prefix+"*", 200).Result()
		if err != nil {
			return deleted, unavailable(err)
		}
		for _, k := range keys {
			n, err := purgeScript.Run(ctx, s.client, []string{k}, micros(now)).Int()
			if err != nil {
				return deleted, unavailable(err)
			}
			deleted += n
		}
		if next == 0 {
			return deleted, nil
		}
		cursor = next
	}
}
