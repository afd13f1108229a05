package deploy

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	journalKeyPrefix = "journal:deploy:"
	lockKeyPrefix    = "lock:deploy:"
	jobKeyPrefix     = "job:deploy:"

	journalTTL = 24 * time.Hour
)

// Journal is the durable side of the job runner: per-step results keyed by
// (jobID, step), single-flight locks, and the pending-job records the
// startup sweep replays after a crash. Write errors are logged and swallowed;
// a lost journal entry only costs an extra idempotent step execution.
type Journal interface {
	StepResult(ctx context.Context, jobID, step string) ([]byte, bool)
	RecordStep(ctx context.Context, jobID, step string, result []byte)

	AcquireLock(ctx context.Context, key string, ttl time.Duration) bool
	ReleaseLock(ctx context.Context, key string)

	SaveJob(ctx context.Context, id string, payload []byte)
	DeleteJob(ctx context.Context, id string)
	PendingJobs(ctx context.Context) ([][]byte, error)
}

// NewJournal returns a redis-backed journal, or the in-memory variant when
// rdb is nil. The in-memory variant loses crash durability but keeps replay
// and single-flight semantics within the process.
func NewJournal(rdb *redis.Client, log *zap.Logger) Journal {
	if rdb == nil {
		return newMemoryJournal()
	}
	return &redisJournal{rdb: rdb, log: log}
}

// ── Redis ─────────────────────────────────────────────────────────────────────

type redisJournal struct {
	rdb *redis.Client
	log *zap.Logger
}

func (j *redisJournal) StepResult(ctx context.Context, jobID, step string) ([]byte, bool) {
	raw, err := j.rdb.HGet(ctx, journalKeyPrefix+jobID, step).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		j.log.Warn("journal read failed", zap.String("job", jobID), zap.String("step", step), zap.Error(err))
		return nil, false
	}
	return raw, true
}

func (j *redisJournal) RecordStep(ctx context.Context, jobID, step string, result []byte) {
	key := journalKeyPrefix + jobID
	if err := j.rdb.HSet(ctx, key, step, result).Err(); err != nil {
		j.log.Warn("journal write failed", zap.String("job", jobID), zap.String("step", step), zap.Error(err))
		return
	}
	j.rdb.Expire(ctx, key, journalTTL) //nolint:errcheck
}

func (j *redisJournal) AcquireLock(ctx context.Context, key string, ttl time.Duration) bool {
	ok, err := j.rdb.SetNX(ctx, lockKeyPrefix+key, "1", ttl).Result()
	if err != nil {
		j.log.Warn("lock acquire failed", zap.String("key", key), zap.Error(err))
		return false
	}
	return ok
}

func (j *redisJournal) ReleaseLock(ctx context.Context, key string) {
	if err := j.rdb.Del(ctx, lockKeyPrefix+key).Err(); err != nil {
		j.log.Warn("lock release failed", zap.String("key", key), zap.Error(err))
	}
}

func (j *redisJournal) SaveJob(ctx context.Context, id string, payload []byte) {
	if err := j.rdb.Set(ctx, jobKeyPrefix+id, payload, journalTTL).Err(); err != nil {
		j.log.Warn("job record write failed", zap.String("id", id), zap.Error(err))
	}
}

func (j *redisJournal) DeleteJob(ctx context.Context, id string) {
	if err := j.rdb.Del(ctx, jobKeyPrefix+id).Err(); err != nil {
		j.log.Warn("job record delete failed", zap.String("id", id), zap.Error(err))
	}
}

func (j *redisJournal) PendingJobs(ctx context.Context) ([][]byte, error) {
	var payloads [][]byte
	var cursor uint64
	for {
		keys, next, err := j.rdb.Scan(ctx, cursor, jobKeyPrefix+"*", 100).Result()
		if err != nil {
			return nil, err
		}
		for _, key := range keys {
			raw, err := j.rdb.Get(ctx, key).Bytes()
			if err != nil {
				continue
			}
			payloads = append(payloads, raw)
		}
		if next == 0 {
			return payloads, nil
		}
		cursor = next
	}
}

// ── In-memory ─────────────────────────────────────────────────────────────────

type memoryJournal struct {
	mu    sync.Mutex
	steps map[string][]byte // jobID + "\x00" + step
	locks map[string]time.Time
	jobs  map[string][]byte
}

func newMemoryJournal() *memoryJournal {
	return &memoryJournal{
		steps: make(map[string][]byte),
		locks: make(map[string]time.Time),
		jobs:  make(map[string][]byte),
	}
}

func (j *memoryJournal) StepResult(_ context.Context, jobID, step string) ([]byte, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	raw, ok := j.steps[jobID+"\x00"+step]
	return raw, ok
}

func (j *memoryJournal) RecordStep(_ context.Context, jobID, step string, result []byte) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.steps[jobID+"\x00"+step] = result
}

func (j *memoryJournal) AcquireLock(_ context.Context, key string, ttl time.Duration) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if exp, held := j.locks[key]; held && time.Now().Before(exp) {
		return false
	}
	j.locks[key] = time.Now().Add(ttl)
	return true
}

func (j *memoryJournal) ReleaseLock(_ context.Context, key string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.locks, key)
}

func (j *memoryJournal) SaveJob(_ context.Context, id string, payload []byte) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.jobs[id] = payload
}

func (j *memoryJournal) DeleteJob(_ context.Context, id string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	delete(j.jobs, id)
}

func (j *memoryJournal) PendingJobs(context.Context) ([][]byte, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	payloads := make([][]byte, 0, len(j.jobs))
	for _, raw := range j.jobs {
		payloads = append(payloads, raw)
	}
	return payloads, nil
}
