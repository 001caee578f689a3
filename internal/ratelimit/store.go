package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"
)

// BucketSpec identifies one token bucket and its shape.
type BucketSpec struct {
	Key      string
	Capacity int
	Window   time.Duration
}

// Rate is the continuous refill rate in tokens per second.
func (b BucketSpec) Rate() float64 {
	if b.Window <= 0 {
		return 0
	}
	return float64(b.Capacity) / b.Window.Seconds()
}

// retryAfter is the time needed to refill one token from the given level.
func (b BucketSpec) retryAfter(tokens float64) time.Duration {
	r := b.Rate()
	if r <= 0 {
		return b.Window
	}
	missing := 1 - tokens
	if missing <= 0 {
		return 0
	}
	return time.Duration(missing / r * float64(time.Second))
}

// TakeResult reports the outcome of a multi-bucket take. On rejection Failed
// is the index of the first bucket without a token.
type TakeResult struct {
	Allowed    bool
	Failed     int
	RetryAfter time.Duration
}

// BucketStore atomically requires at least one token in every bucket and, only
// if all have one, consumes exactly one from each.
type BucketStore interface {
	Take(ctx context.Context, now time.Time, specs []BucketSpec) (TakeResult, error)
}

var (
	_ BucketStore = (*MemoryStore)(nil)
	_ BucketStore = (*RedisStore)(nil)
)

type memBucket struct {
	lim      *rate.Limiter
	spec     BucketSpec
	lastUsed time.Time
}

// MemoryStore keeps buckets in process using golang.org/x/time/rate.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*memBucket
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*memBucket)}
}

func (s *MemoryStore) bucket(spec BucketSpec, now time.Time) *memBucket {
	b, ok := s.buckets[spec.Key]
	if !ok {
		b = &memBucket{
			lim:  rate.NewLimiter(rate.Limit(spec.Rate()), spec.Capacity),
			spec: spec,
		}
		s.buckets[spec.Key] = b
	} else if b.spec != spec {
		b.lim.SetLimitAt(now, rate.Limit(spec.Rate()))
		b.lim.SetBurstAt(now, spec.Capacity)
		b.spec = spec
	}
	b.lastUsed = now
	return b
}

func (s *MemoryStore) Take(_ context.Context, now time.Time, specs []BucketSpec) (TakeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	buckets := make([]*memBucket, len(specs))
	for i, spec := range specs {
		b := s.bucket(spec, now)
		if tokens := b.lim.TokensAt(now); tokens < 1 {
			return TakeResult{Failed: i, RetryAfter: spec.retryAfter(tokens)}, nil
		}
		buckets[i] = b
	}
	for _, b := range buckets {
		b.lim.AllowN(now, 1)
	}
	return TakeResult{Allowed: true, Failed: -1}, nil
}

// Tokens returns the current level of a bucket, or -1 if it does not exist.
func (s *MemoryStore) Tokens(key string, now time.Time) float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[key]
	if !ok {
		return -1
	}
	return b.lim.TokensAt(now)
}

// Cleanup drops buckets idle for longer than twice their window. Such buckets
// are full again, so dropping them changes no decision.
func (s *MemoryStore) Cleanup(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for key, b := range s.buckets {
		if now.Sub(b.lastUsed) > 2*b.spec.Window {
			delete(s.buckets, key)
			removed++
		}
	}
	return removed
}

// Run periodically calls Cleanup until ctx is done.
func (s *MemoryStore) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.Cleanup(now)
		}
	}
}

// takeScript refills and checks every bucket before consuming from any.
// KEYS are bucket keys; ARGV[1] is now in ms followed by capacity and window
// (ms) pairs per key.
var takeScript = redis.NewScript(`
local now = tonumber(ARGV[1])
local levels = {}
for i, key in ipairs(KEYS) do
  local capacity = tonumber(ARGV[i * 2])
  local window = tonumber(ARGV[i * 2 + 1])
  local state = redis.call('HMGET', key, 'tokens', 'ts')
  local tokens = tonumber(state[1])
  local ts = tonumber(state[2])
  if tokens == nil then
    tokens = capacity
    ts = now
  end
  local elapsed = now - ts
  if elapsed < 0 then elapsed = 0 end
  tokens = math.min(capacity, tokens + elapsed * capacity / window)
  if tokens < 1 then
    local wait = math.ceil((1 - tokens) * window / capacity)
    return {0, i - 1, wait}
  end
  levels[i] = tokens
end
for i, key in ipairs(KEYS) do
  local window = tonumber(ARGV[i * 2 + 1])
  redis.call('HSET', key, 'tokens', tostring(levels[i] - 1), 'ts', tostring(now))
  redis.call('PEXPIRE', key, window * 2)
end
return {1, -1, 0}
`)

// RedisStore shares buckets between instances. All buckets of one take are
// evaluated in a single script, so the check and the decrement are atomic.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "analyzer:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Take(ctx context.Context, now time.Time, specs []BucketSpec) (TakeResult, error) {
	if len(specs) == 0 {
		return TakeResult{Allowed: true, Failed: -1}, nil
	}
	keys := make([]string, len(specs))
	args := make([]any, 0, 1+2*len(specs))
	args = append(args, strconv.FormatInt(now.UnixMilli(), 10))
	for i, spec := range specs {
		keys[i] = s.prefix + "bucket:" + spec.Key
		args = append(args, spec.Capacity, spec.Window.Milliseconds())
	}

	res, err := takeScript.Run(ctx, s.client, keys, args...).Int64Slice()
	if err != nil {
		return TakeResult{}, fmt.Errorf("ratelimit/redis: take: %w", err)
	}
	if len(res) != 3 {
		return TakeResult{}, fmt.Errorf("ratelimit/redis: unexpected script reply %v", res)
	}
	if res[0] == 1 {
		return TakeResult{Allowed: true, Failed: -1}, nil
	}
	return TakeResult{
		Failed:     int(res[1]),
		RetryAfter: time.Duration(res[2]) * time.Millisecond,
	}, nil
}
