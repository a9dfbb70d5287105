package queue

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/teranos/metronome/errors"
)

// DefaultRedisPrefix namespaces every key the Redis queue writes.
const DefaultRedisPrefix = "metronome:queue"

// RedisQueue keeps entries in Redis so workers on several hosts can share
// one queue while job records stay in SQLite.
//
// Layout under prefix:
//
//	:ready    ZSET  entry ID scored by visibleAt (unix ms)
//	:claimed  ZSET  entry ID scored by lease expiry (unix ms)
//	:entry:ID HASH  job_id, visible_at, visible_ms, repeat, created_at, claim fields
//	:job:JOB  SET   entry IDs of one job
//	:seq      STRING counter for entry IDs
//
// Entry IDs are zero-padded sequence numbers, so ties in the ready set
// resolve in insertion order. Scores have millisecond resolution and round
// up, so an entry is never claimable before its visibleAt; entries less than
// a millisecond apart are ordered by insertion.
type RedisQueue struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisQueue creates a queue on client under prefix
func NewRedisQueue(client redis.UniversalClient, prefix string, opts ...Option) *RedisQueue {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	o := buildOptions(opts)
	return &RedisQueue{client: client, prefix: prefix, now: o.now}
}

// DialRedis parses url, connects and pings. The caller owns the returned
// client through RedisQueue.Close.
func DialRedis(ctx context.Context, url, prefix string, opts ...Option) (*RedisQueue, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, errors.Wrap(err, "invalid redis URL")
	}
	client := redis.NewClient(redisOpts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, errors.Wrapf(err, "failed to connect to redis at %s", redisOpts.Addr)
	}
	return NewRedisQueue(client, prefix, opts...), nil
}

func (q *RedisQueue) readyKey() string          { return q.prefix + ":ready" }
func (q *RedisQueue) claimedKey() string        { return q.prefix + ":claimed" }
func (q *RedisQueue) seqKey() string            { return q.prefix + ":seq" }
func (q *RedisQueue) entryKey(id string) string { return q.prefix + ":entry:" + id }
func (q *RedisQueue) jobKey(jobID string) string {
	return q.prefix + ":job:" + jobID
}

// scoreMillis is t in unix milliseconds, rounded up
func scoreMillis(t time.Time) int64 {
	ms := t.UnixMilli()
	if t.Sub(time.UnixMilli(ms)) > 0 {
		ms++
	}
	return ms
}

func (q *RedisQueue) nextID(ctx context.Context) (string, error) {
	seq, err := q.client.Incr(ctx, q.seqKey()).Result()
	if err != nil {
		return "", errors.Wrap(err, "failed to allocate entry ID")
	}
	return fmt.Sprintf("%020d", seq), nil
}

// Enqueue inserts an entry
func (q *RedisQueue) Enqueue(ctx context.Context, jobID string, visibleAt time.Time, repeat time.Duration) (string, error) {
	id, err := q.nextID(ctx)
	if err != nil {
		return "", err
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.entryKey(id),
			"job_id", jobID,
			"visible_at", visibleAt.UnixNano(),
			"visible_ms", scoreMillis(visibleAt),
			"repeat", int64(repeat),
			"created_at", q.now().UnixNano(),
		)
		pipe.ZAdd(ctx, q.readyKey(), redis.Z{Score: float64(scoreMillis(visibleAt)), Member: id})
		pipe.SAdd(ctx, q.jobKey(jobID), id)
		return nil
	})
	if err != nil {
		err = errors.Wrap(err, "failed to enqueue entry")
		return "", errors.WithDetail(err, fmt.Sprintf("Job ID: %s", jobID))
	}
	return id, nil
}

// KEYS: ready, claimed. ARGV: prefix, now_ms, worker, lease_ms, now_ns, lease_ns
var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2], 'LIMIT', 0, 1)
if #ids == 0 then
	return false
end
local id = ids[1]
local key = ARGV[1] .. ':entry:' .. id
redis.call('ZREM', KEYS[1], id)
redis.call('ZADD', KEYS[2], ARGV[4], id)
redis.call('HSET', key, 'claimed_by', ARGV[3], 'claimed_at', ARGV[5], 'lease_until', ARGV[6])
return {id, redis.call('HGET', key, 'job_id'), redis.call('HGET', key, 'visible_at'),
	redis.call('HGET', key, 'repeat'), redis.call('HGET', key, 'created_at')}
`)

// ClaimNext claims the earliest visible entry
func (q *RedisQueue) ClaimNext(ctx context.Context, workerID string, lease time.Duration) (*Entry, error) {
	now := q.now()
	leaseUntil := now.Add(lease)

	res, err := claimScript.Run(ctx, q.client,
		[]string{q.readyKey(), q.claimedKey()},
		q.prefix, now.UnixMilli(), workerID, scoreMillis(leaseUntil), now.UnixNano(), leaseUntil.UnixNano(),
	).StringSlice()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to claim entry")
	}
	if len(res) != 5 {
		return nil, errors.AssertionFailedf("claim script returned %d fields", len(res))
	}

	visibleAt, err := parseNanos(res[2])
	if err != nil {
		return nil, err
	}
	repeat, err := parseNanos(res[3])
	if err != nil {
		return nil, err
	}
	createdAt, err := parseNanos(res[4])
	if err != nil {
		return nil, err
	}

	claimedAt := now.UTC()
	lu := leaseUntil.UTC()
	return &Entry{
		ID:             res[0],
		JobID:          res[1],
		VisibleAt:      time.Unix(0, visibleAt).UTC(),
		RepeatInterval: time.Duration(repeat),
		CreatedAt:      time.Unix(0, createdAt).UTC(),
		ClaimedBy:      workerID,
		ClaimedAt:      &claimedAt,
		LeaseUntil:     &lu,
	}, nil
}

// Return codes shared by the ownership-checked scripts.
const (
	scriptMissing    = -1
	scriptNotClaimed = 0
	scriptOK         = 1
)

// KEYS: claimed. ARGV: prefix, id, worker
var ackScript = redis.NewScript(`
local key = ARGV[1] .. ':entry:' .. ARGV[2]
if redis.call('EXISTS', key) == 0 then return -1 end
if redis.call('HGET', key, 'claimed_by') ~= ARGV[3] then return 0 end
local job = redis.call('HGET', key, 'job_id')
redis.call('ZREM', KEYS[1], ARGV[2])
redis.call('DEL', key)
redis.call('SREM', ARGV[1] .. ':job:' .. job, ARGV[2])
return 1
`)

// Ack deletes a claimed entry
func (q *RedisQueue) Ack(ctx context.Context, entryID, workerID string) error {
	code, err := ackScript.Run(ctx, q.client, []string{q.claimedKey()}, q.prefix, entryID, workerID).Int()
	if err != nil {
		return errors.Wrapf(err, "failed to ack entry %s", entryID)
	}
	return scriptResult(code, entryID, workerID)
}

// KEYS: ready, claimed. ARGV: prefix, id, worker, visible_ns, visible_ms
var releaseScript = redis.NewScript(`
local key = ARGV[1] .. ':entry:' .. ARGV[2]
if redis.call('EXISTS', key) == 0 then return -1 end
if redis.call('HGET', key, 'claimed_by') ~= ARGV[3] then return 0 end
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('HDEL', key, 'claimed_by', 'claimed_at', 'lease_until')
redis.call('HSET', key, 'visible_at', ARGV[4], 'visible_ms', ARGV[5])
redis.call('ZADD', KEYS[1], ARGV[5], ARGV[2])
return 1
`)

// Release unclaims an entry and moves it to visibleAt
func (q *RedisQueue) Release(ctx context.Context, entryID, workerID string, visibleAt time.Time) error {
	code, err := releaseScript.Run(ctx, q.client,
		[]string{q.readyKey(), q.claimedKey()},
		q.prefix, entryID, workerID, visibleAt.UnixNano(), scoreMillis(visibleAt),
	).Int()
	if err != nil {
		return errors.Wrapf(err, "failed to release entry %s", entryID)
	}
	return scriptResult(code, entryID, workerID)
}

// KEYS: ready, claimed. ARGV: prefix, id, worker, new_id, visible_ns, visible_ms, created_ns
var rescheduleScript = redis.NewScript(`
local key = ARGV[1] .. ':entry:' .. ARGV[2]
if redis.call('EXISTS', key) == 0 then return -1 end
if redis.call('HGET', key, 'claimed_by') ~= ARGV[3] then return 0 end
local job = redis.call('HGET', key, 'job_id')
local rep = redis.call('HGET', key, 'repeat')
local jobkey = ARGV[1] .. ':job:' .. job
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('DEL', key)
redis.call('SREM', jobkey, ARGV[2])
local newkey = ARGV[1] .. ':entry:' .. ARGV[4]
redis.call('HSET', newkey, 'job_id', job, 'visible_at', ARGV[5], 'visible_ms', ARGV[6], 'repeat', rep, 'created_at', ARGV[7])
redis.call('ZADD', KEYS[1], ARGV[6], ARGV[4])
redis.call('SADD', jobkey, ARGV[4])
return 1
`)

// Reschedule replaces a claimed entry with a fresh one for the same job
func (q *RedisQueue) Reschedule(ctx context.Context, entryID, workerID string, visibleAt time.Time) (string, error) {
	newID, err := q.nextID(ctx)
	if err != nil {
		return "", err
	}

	code, err := rescheduleScript.Run(ctx, q.client,
		[]string{q.readyKey(), q.claimedKey()},
		q.prefix, entryID, workerID, newID, visibleAt.UnixNano(), scoreMillis(visibleAt), q.now().UnixNano(),
	).Int()
	if err != nil {
		return "", errors.Wrapf(err, "failed to reschedule entry %s", entryID)
	}
	if err := scriptResult(code, entryID, workerID); err != nil {
		return "", err
	}
	return newID, nil
}

// KEYS: claimed. ARGV: prefix, id, worker, lease_ns, lease_ms
var extendScript = redis.NewScript(`
local key = ARGV[1] .. ':entry:' .. ARGV[2]
if redis.call('EXISTS', key) == 0 then return -1 end
if redis.call('HGET', key, 'claimed_by') ~= ARGV[3] then return 0 end
redis.call('HSET', key, 'lease_until', ARGV[4])
redis.call('ZADD', KEYS[1], ARGV[5], ARGV[2])
return 1
`)

// Extend renews a held lease
func (q *RedisQueue) Extend(ctx context.Context, entryID, workerID string, lease time.Duration) error {
	until := q.now().Add(lease)
	code, err := extendScript.Run(ctx, q.client,
		[]string{q.claimedKey()},
		q.prefix, entryID, workerID, until.UnixNano(), scoreMillis(until),
	).Int()
	if err != nil {
		return errors.Wrapf(err, "failed to extend entry %s", entryID)
	}
	return scriptResult(code, entryID, workerID)
}

// KEYS: ready, claimed. ARGV: prefix, now_ms
var releaseExpiredScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[2])
for _, id in ipairs(ids) do
	local key = ARGV[1] .. ':entry:' .. id
	redis.call('ZREM', KEYS[2], id)
	if redis.call('EXISTS', key) == 1 then
		redis.call('HDEL', key, 'claimed_by', 'claimed_at', 'lease_until')
		redis.call('ZADD', KEYS[1], redis.call('HGET', key, 'visible_ms'), id)
	end
end
return #ids
`)

// ReleaseExpired unclaims lapsed entries, keeping their visibleAt
func (q *RedisQueue) ReleaseExpired(ctx context.Context) (int, error) {
	n, err := releaseExpiredScript.Run(ctx, q.client,
		[]string{q.readyKey(), q.claimedKey()},
		q.prefix, q.now().UnixMilli(),
	).Int()
	if err != nil {
		return 0, errors.Wrap(err, "failed to release expired entries")
	}
	return n, nil
}

// HasEntry reports whether jobID has any entry
func (q *RedisQueue) HasEntry(ctx context.Context, jobID string) (bool, error) {
	n, err := q.client.SCard(ctx, q.jobKey(jobID)).Result()
	if err != nil {
		return false, errors.Wrapf(err, "failed to check entries for job %s", jobID)
	}
	return n > 0, nil
}

// Stats counts entries by state
func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	now := strconv.FormatInt(q.now().UnixMilli(), 10)

	var readyCmd *redis.IntCmd
	var unclaimedCmd, claimedCmd *redis.IntCmd
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		readyCmd = pipe.ZCount(ctx, q.readyKey(), "-inf", now)
		unclaimedCmd = pipe.ZCard(ctx, q.readyKey())
		claimedCmd = pipe.ZCard(ctx, q.claimedKey())
		return nil
	})
	if err != nil {
		return Stats{}, errors.Wrap(err, "failed to read queue stats")
	}

	s := Stats{
		Ready:   int(readyCmd.Val()),
		Claimed: int(claimedCmd.Val()),
	}
	s.Delayed = int(unclaimedCmd.Val()) - s.Ready
	s.Total = s.Ready + s.Delayed + s.Claimed
	return s, nil
}

// Close closes the Redis client
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func scriptResult(code int, entryID, workerID string) error {
	switch code {
	case scriptOK:
		return nil
	case scriptMissing:
		return entryNotFound(entryID)
	case scriptNotClaimed:
		return notClaimed(entryID, workerID)
	default:
		return errors.AssertionFailedf("unexpected script result %d for entry %s", code, entryID)
	}
}

func parseNanos(s string) (int64, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.Wrapf(err, "malformed queue timestamp %q", s)
	}
	return n, nil
}
