package dedup

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotOwner is returned when a job tries to complete an entry another job
// now owns.
var ErrNotOwner = errors.New("dedup: entry owned by another job")

type State string

const (
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
)

// Entry is one fingerprint record.
type Entry struct {
	Hash      string
	State     State
	JobID     string
	ResultRef string
	UpdatedAt time.Time
}

// EvictPolicy bounds the store.
type EvictPolicy struct {
	// StaleAfter drops processing entries whose job presumably died.
	StaleAfter time.Duration

	// Retention drops completed entries.
	Retention time.Duration

	// MaxEntries is a hard cap; oldest entries go first.
	MaxEntries int
}

// Store holds dedup entries. At most one entry exists per hash, so at most
// one processing entry exists per hash at any instant.
type Store interface {
	// Acquire creates a processing entry owned by jobID if none exists.
	// Otherwise it returns the existing entry and false.
	Acquire(ctx context.Context, hash, jobID string, now time.Time) (*Entry, bool, error)

	// Overwrite hands an existing entry to jobID as processing, only if it
	// still has the expected state and owner.
	Overwrite(ctx context.Context, hash string, expect *Entry, jobID string, now time.Time) (bool, error)

	// Complete marks the entry completed with ref. The entry is recreated if
	// it was evicted meanwhile.
	Complete(ctx context.Context, hash, jobID, ref string, now time.Time) error

	// Release removes a processing entry still owned by jobID.
	Release(ctx context.Context, hash, jobID string) (bool, error)

	// Evict applies the policy and returns the number of entries removed.
	Evict(ctx context.Context, now time.Time, policy EvictPolicy) (int, error)
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*RedisStore)(nil)
)

// MemoryStore keeps entries in process.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]*Entry
	maxEntries int
}

// NewMemoryStore creates a store capped at maxEntries (0 = unbounded). The
// cap is enforced on insert and on Evict.
func NewMemoryStore(maxEntries int) *MemoryStore {
	return &MemoryStore{entries: make(map[string]*Entry), maxEntries: maxEntries}
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Get returns a copy of the entry for hash.
func (s *MemoryStore) Get(hash string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[hash]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

func (s *MemoryStore) Acquire(_ context.Context, hash, jobID string, now time.Time) (*Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[hash]; ok {
		cp := *e
		return &cp, false, nil
	}
	if s.maxEntries > 0 && len(s.entries) >= s.maxEntries {
		s.evictOldest(len(s.entries) - s.maxEntries + 1)
	}
	s.entries[hash] = &Entry{Hash: hash, State: StateProcessing, JobID: jobID, UpdatedAt: now}
	return nil, true, nil
}

func (s *MemoryStore) Overwrite(_ context.Context, hash string, expect *Entry, jobID string, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[hash]
	if !ok || e.State != expect.State || e.JobID != expect.JobID {
		return false, nil
	}
	e.State = StateProcessing
	e.JobID = jobID
	e.UpdatedAt = now
	return true, nil
}

func (s *MemoryStore) Complete(_ context.Context, hash, jobID, ref string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[hash]
	if ok && e.JobID != jobID {
		return ErrNotOwner
	}
	if !ok {
		e = &Entry{Hash: hash}
		s.entries[hash] = e
	}
	e.State = StateCompleted
	e.JobID = jobID
	e.ResultRef = ref
	e.UpdatedAt = now
	return nil
}

func (s *MemoryStore) Release(_ context.Context, hash, jobID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[hash]
	if !ok || e.JobID != jobID || e.State != StateProcessing {
		return false, nil
	}
	delete(s.entries, hash)
	return true, nil
}

func (s *MemoryStore) Evict(_ context.Context, now time.Time, policy EvictPolicy) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for hash, e := range s.entries {
		age := now.Sub(e.UpdatedAt)
		switch {
		case e.State == StateProcessing && policy.StaleAfter > 0 && age > policy.StaleAfter,
			e.State == StateCompleted && policy.Retention > 0 && age > policy.Retention:
			delete(s.entries, hash)
			removed++
		}
	}
	limit := policy.MaxEntries
	if limit <= 0 {
		limit = s.maxEntries
	}
	if limit > 0 && len(s.entries) > limit {
		removed += s.evictOldest(len(s.entries) - limit)
	}
	return removed, nil
}

// evictOldest removes n entries, completed before processing, oldest first.
func (s *MemoryStore) evictOldest(n int) int {
	all := make([]*Entry, 0, len(s.entries))
	for _, e := range s.entries {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].State != all[j].State {
			return all[i].State == StateCompleted
		}
		return all[i].UpdatedAt.Before(all[j].UpdatedAt)
	})
	if n > len(all) {
		n = len(all)
	}
	for _, e := range all[:n] {
		delete(s.entries, e.Hash)
	}
	return n
}

var (
	acquireScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'state', 'job_id', 'ref', 'ts')
if cur[1] then
  return cur
end
redis.call('HSET', KEYS[1], 'state', 'processing', 'job_id', ARGV[1], 'ref', '', 'ts', ARGV[2])
redis.call('PEXPIRE', KEYS[1], ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[4])
return {}
`)

	overwriteScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'state', 'job_id')
if cur[1] ~= ARGV[1] or cur[2] ~= ARGV[2] then
  return 0
end
redis.call('HSET', KEYS[1], 'state', 'processing', 'job_id', ARGV[3], 'ts', ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
redis.call('ZADD', KEYS[2], ARGV[4], ARGV[6])
return 1
`)

	completeScript = redis.NewScript(`
local owner = redis.call('HGET', KEYS[1], 'job_id')
if owner and owner ~= ARGV[1] then
  return 0
end
redis.call('HSET', KEYS[1], 'state', 'completed', 'job_id', ARGV[1], 'ref', ARGV[2], 'ts', ARGV[3])
redis.call('PEXPIRE', KEYS[1], ARGV[4])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[5])
return 1
`)

	releaseScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'state', 'job_id')
if cur[1] == 'processing' and cur[2] == ARGV[1] then
  redis.call('ZREM', KEYS[2], ARGV[2])
  return redis.call('DEL', KEYS[1])
end
return 0
`)

	// trimScript removes index members until at most ARGV[2] remain:
	// completed entries oldest first, then processing ones. Members whose
	// entry already expired are dropped without counting as removed.
	trimScript = redis.NewScript(`
local over = redis.call('ZCARD', KEYS[1]) - tonumber(ARGV[2])
if over <= 0 then
  return 0
end
local removed = 0
local processing = {}
for _, h in ipairs(redis.call('ZRANGE', KEYS[1], 0, -1)) do
  if over <= 0 then
    break
  end
  local state = redis.call('HGET', ARGV[1] .. h, 'state')
  if not state then
    redis.call('ZREM', KEYS[1], h)
    over = over - 1
  elseif state == 'completed' then
    redis.call('DEL', ARGV[1] .. h)
    redis.call('ZREM', KEYS[1], h)
    over = over - 1
    removed = removed + 1
  else
    table.insert(processing, h)
  end
end
for _, h in ipairs(processing) do
  if over <= 0 then
    break
  end
  redis.call('DEL', ARGV[1] .. h)
  redis.call('ZREM', KEYS[1], h)
  over = over - 1
  removed = removed + 1
end
return removed
`)
)

// RedisStore shares entries between instances. Stale processing entries and
// expired completed entries are removed by key TTLs. A sorted-set index
// scored by last update backs the capacity cap, which Evict enforces.
type RedisStore struct {
	client     redis.UniversalClient
	prefix     string
	staleAfter time.Duration
	retention  time.Duration
	maxEntries int
}

func NewRedisStore(client redis.UniversalClient, prefix string, policy EvictPolicy) *RedisStore {
	if prefix == "" {
		prefix = "analyzer:"
	}
	if policy.StaleAfter <= 0 {
		policy.StaleAfter = DefaultConfig().StaleAfter
	}
	if policy.Retention <= 0 {
		policy.Retention = DefaultConfig().Retention
	}
	return &RedisStore{
		client:     client,
		prefix:     prefix,
		staleAfter: policy.StaleAfter,
		retention:  policy.Retention,
		maxEntries: policy.MaxEntries,
	}
}

func (s *RedisStore) key(hash string) string { return s.prefix + "dedup:" + hash }

func (s *RedisStore) indexKey() string { return s.prefix + "dedup-index" }

func ms(t time.Time) string { return strconv.FormatInt(t.UnixMilli(), 10) }

func (s *RedisStore) Acquire(ctx context.Context, hash, jobID string, now time.Time) (*Entry, bool, error) {
	vals, err := acquireScript.Run(ctx, s.client, []string{s.key(hash), s.indexKey()},
		jobID, ms(now), s.staleAfter.Milliseconds(), hash).StringSlice()
	if err != nil {
		return nil, false, fmt.Errorf("dedup/redis: acquire: %w", err)
	}
	if len(vals) == 0 {
		return nil, true, nil
	}
	if len(vals) != 4 {
		return nil, false, fmt.Errorf("dedup/redis: unexpected acquire reply %v", vals)
	}
	ts, _ := strconv.ParseInt(vals[3], 10, 64)
	return &Entry{
		Hash:      hash,
		State:     State(vals[0]),
		JobID:     vals[1],
		ResultRef: vals[2],
		UpdatedAt: time.UnixMilli(ts).UTC(),
	}, false, nil
}

func (s *RedisStore) Overwrite(ctx context.Context, hash string, expect *Entry, jobID string, now time.Time) (bool, error) {
	n, err := overwriteScript.Run(ctx, s.client, []string{s.key(hash), s.indexKey()},
		string(expect.State), expect.JobID, jobID, ms(now), s.staleAfter.Milliseconds(), hash).Int()
	if err != nil {
		return false, fmt.Errorf("dedup/redis: overwrite: %w", err)
	}
	return n == 1, nil
}

func (s *RedisStore) Complete(ctx context.Context, hash, jobID, ref string, now time.Time) error {
	n, err := completeScript.Run(ctx, s.client, []string{s.key(hash), s.indexKey()},
		jobID, ref, ms(now), s.retention.Milliseconds(), hash).Int()
	if err != nil {
		return fmt.Errorf("dedup/redis: complete: %w", err)
	}
	if n == 0 {
		return ErrNotOwner
	}
	return nil
}

func (s *RedisStore) Release(ctx context.Context, hash, jobID string) (bool, error) {
	n, err := releaseScript.Run(ctx, s.client, []string{s.key(hash), s.indexKey()}, jobID, hash).Int()
	if err != nil {
		return false, fmt.Errorf("dedup/redis: release: %w", err)
	}
	return n == 1, nil
}

// Evict drops index members whose entry has certainly expired, then trims
// the store to the capacity cap. TTLs do the rest.
func (s *RedisStore) Evict(ctx context.Context, now time.Time, policy EvictPolicy) (int, error) {
	horizon := max(s.staleAfter, s.retention)
	if err := s.client.ZRemRangeByScore(ctx, s.indexKey(), "-inf", "("+ms(now.Add(-horizon))).Err(); err != nil {
		return 0, fmt.Errorf("dedup/redis: prune index: %w", err)
	}

	limit := policy.MaxEntries
	if limit <= 0 {
		limit = s.maxEntries
	}
	if limit <= 0 {
		return 0, nil
	}
	n, err := trimScript.Run(ctx, s.client, []string{s.indexKey()}, s.prefix+"dedup:", limit).Int()
	if err != nil {
		return 0, fmt.Errorf("dedup/redis: trim: %w", err)
	}
	return n, nil
}
