package taskqueue

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements Queue using Redis.
//
// Keys:
//
//	<prefix>queue:ready        ZSET of task ids scored by visible-at (unix ms)
//	<prefix>queue:task:<id>    HASH {payload, attempts, not_before}
//	<prefix>queue:lease:<id>   lease owner, with PX expiry
//
// A leased task stays in the ready set with its score pushed to the lease
// expiry, so it becomes visible again if the owner disappears.
type RedisQueue struct {
	client       *redis.Client
	prefix       string
	pollInterval time.Duration
}

// NewRedisQueue constructs a Redis-backed Queue.
// prefix is optional but recommended (e.g. "synapse:").
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	if prefix == "" {
		prefix = "synapse:"
	}
	return &RedisQueue{
		client:       client,
		prefix:       prefix,
		pollInterval: defaultPollInterval,
	}
}

// Ensure RedisQueue implements Queue.
var _ Queue = (*RedisQueue)(nil)

func (q *RedisQueue) keyReady() string          { return q.prefix + "queue:ready" }
func (q *RedisQueue) keyTask(id string) string  { return q.prefix + "queue:task:" + id }
func (q *RedisQueue) keyLease(id string) string { return q.prefix + "queue:lease:" + id }

var (
	// KEYS[1]=ready ARGV[1]=now ms ARGV[2]=ttl ms ARGV[3]=owner ARGV[4]=lease key prefix
	redisQueueClaim = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
	return false
end
local id = ids[1]
redis.call('ZADD', KEYS[1], tonumber(ARGV[1]) + tonumber(ARGV[2]), id)
redis.call('SET', ARGV[4] .. id, ARGV[3], 'PX', tonumber(ARGV[2]))
return id
`)

	// KEYS[1]=lease KEYS[2]=ready KEYS[3]=task ARGV[1]=owner ARGV[2]=id
	redisQueueAck = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
	return 0
end
redis.call('DEL', KEYS[1], KEYS[3])
redis.call('ZREM', KEYS[2], ARGV[2])
return 1
`)

	// KEYS[1]=lease KEYS[2]=ready KEYS[3]=task
	// ARGV[1]=owner ARGV[2]=id ARGV[3]=visible-at ms ARGV[4]=attempts ARGV[5]=not_before ns
	redisQueueNack = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
	return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZADD', KEYS[2], tonumber(ARGV[3]), ARGV[2])
redis.call('HSET', KEYS[3], 'attempts', ARGV[4], 'not_before', ARGV[5])
return 1
`)

	// KEYS[1]=lease KEYS[2]=ready ARGV[1]=owner ARGV[2]=id ARGV[3]=ttl ms ARGV[4]=now ms
	redisQueueRenew = redis.NewScript(`
if redis.call('GET', KEYS[1]) ~= ARGV[1] then
	return 0
end
redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[3]))
redis.call('ZADD', KEYS[2], 'XX', tonumber(ARGV[4]) + tonumber(ARGV[3]), ARGV[2])
return 1
`)
)

// Enqueue stores the task and schedules it at NotBefore.
func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	t = prepare(t, time.Now())
	data, err := EncodeTask(t)
	if err != nil {
		return err
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.keyTask(t.ID),
		"payload", data,
		"attempts", t.Attempts,
		"not_before", t.NotBefore.UnixNano(),
	)
	pipe.ZAdd(ctx, q.keyReady(), redis.Z{Score: float64(t.NotBefore.UnixMilli()), Member: t.ID})
	_, err = pipe.Exec(ctx)
	return err
}

func (q *RedisQueue) claim(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	ttl := leaseTTL.Milliseconds()
	if ttl <= 0 {
		ttl = 1
	}
	id, err := redisQueueClaim.Run(ctx, q.client,
		[]string{q.keyReady()},
		time.Now().UnixMilli(), ttl, owner, q.prefix+"queue:lease:",
	).Text()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	vals, err := q.client.HMGet(ctx, q.keyTask(id), "payload", "attempts", "not_before").Result()
	if err != nil {
		return nil, err
	}
	payload, ok := vals[0].(string)
	if !ok {
		// The hash vanished under us; drop the dangling id.
		q.client.ZRem(ctx, q.keyReady(), id)
		return nil, nil
	}
	t, err := DecodeTask([]byte(payload))
	if err != nil {
		return nil, err
	}
	if s, ok := vals[1].(string); ok {
		t.Attempts, _ = strconv.Atoi(s)
	}
	if s, ok := vals[2].(string); ok {
		if ns, err := strconv.ParseInt(s, 10, 64); err == nil {
			t.NotBefore = time.Unix(0, ns)
		}
	}
	return t, nil
}

// Dequeue polls the ready set until a task is visible or ctx is cancelled.
func (q *RedisQueue) Dequeue(ctx context.Context, owner string, leaseTTL time.Duration) (*Task, error) {
	p := newPoller(q.pollInterval)
	defer p.stop()

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t, err := q.claim(ctx, owner, leaseTTL)
		if err != nil {
			return nil, err
		}
		if t != nil {
			return t, nil
		}
		if err := p.wait(ctx, nil); err != nil {
			return nil, err
		}
	}
}

func scriptResult(n int, err error) error {
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrTaskNotLeased
	}
	return nil
}

func (q *RedisQueue) Ack(ctx context.Context, taskID, owner string) error {
	return scriptResult(redisQueueAck.Run(ctx, q.client,
		[]string{q.keyLease(taskID), q.keyReady(), q.keyTask(taskID)},
		owner, taskID,
	).Int())
}

func (q *RedisQueue) Nack(ctx context.Context, taskID, owner string, notBefore time.Time, attempts int) error {
	return scriptResult(redisQueueNack.Run(ctx, q.client,
		[]string{q.keyLease(taskID), q.keyReady(), q.keyTask(taskID)},
		owner, taskID, notBefore.UnixMilli(), attempts, notBefore.UnixNano(),
	).Int())
}

func (q *RedisQueue) RenewLease(ctx context.Context, taskID, owner string, leaseTTL time.Duration) error {
	return scriptResult(redisQueueRenew.Run(ctx, q.client,
		[]string{q.keyLease(taskID), q.keyReady()},
		owner, taskID, leaseTTL.Milliseconds(), time.Now().UnixMilli(),
	).Int())
}

// Len returns the number of tasks in the ready set (ZCARD).
func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.ZCard(ctx, q.keyReady()).Result()
	return int(n), err
}

// SetPollInterval changes how often an idle Dequeue checks for due tasks.
// Call it before the queue is shared between goroutines.
func (q *RedisQueue) SetPollInterval(d time.Duration) {
	if d > 0 {
		q.pollInterval = d
	}
}
