package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/7ama2004/synapse/pkg/api"
)

// RedisResultStore is a ResultStore backed by Redis.
// It uses a simple key structure:
//
//	<prefix>result:<run_id>          => gob-encoded ExecutionResult
//	<prefix>idx:all                  => SET of all run ids
//	<prefix>idx:wf:<workflow_id>     => SET of run ids for a workflow
//	<prefix>idx:user:<user_id>       => SET of run ids for a user
//	<prefix>cancel:<run_id>          => cancellation request timestamp
//	<prefix>lease:<run_id>           => lease owner, with PX expiry
//
// Status is not indexed because it changes on every run; ListResults
// filters it from the decoded payloads.
type RedisResultStore struct {
	client *redis.Client
	prefix string
}

var _ ResultStore = (*RedisResultStore)(nil)

// NewRedisResultStore creates a RedisResultStore.
// prefix is optional but recommended (e.g. "synapse:").
func NewRedisResultStore(client *redis.Client, prefix string) *RedisResultStore {
	if prefix == "" {
		prefix = "synapse:"
	}
	return &RedisResultStore{
		client: client,
		prefix: prefix,
	}
}

func (s *RedisResultStore) keyResult(id string) string { return s.prefix + "result:" + id }
func (s *RedisResultStore) keyAll() string             { return s.prefix + "idx:all" }
func (s *RedisResultStore) keyWorkflow(id string) string {
	return s.prefix + "idx:wf:" + id
}
func (s *RedisResultStore) keyUser(id string) string   { return s.prefix + "idx:user:" + id }
func (s *RedisResultStore) keyCancel(id string) string { return s.prefix + "cancel:" + id }
func (s *RedisResultStore) keyLease(id string) string  { return s.prefix + "lease:" + id }

func (s *RedisResultStore) UpsertResult(ctx context.Context, res *api.ExecutionResult) error {
	data, err := encodeResult(res)
	if err != nil {
		return err
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, s.keyResult(res.RunID), data, 0)
	pipe.SAdd(ctx, s.keyAll(), res.RunID)
	pipe.SAdd(ctx, s.keyWorkflow(res.WorkflowID), res.RunID)
	if res.UserID != "" {
		pipe.SAdd(ctx, s.keyUser(res.UserID), res.RunID)
	}
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisResultStore) GetResult(ctx context.Context, runID string) (*api.ExecutionResult, error) {
	data, err := s.client.Get(ctx, s.keyResult(runID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrResultNotFound
		}
		return nil, err
	}
	return decodeResult(data)
}

func (s *RedisResultStore) ListResults(ctx context.Context, filter ResultFilter) ([]*api.ExecutionResult, error) {
	var keys []string
	if filter.WorkflowID != "" {
		keys = append(keys, s.keyWorkflow(filter.WorkflowID))
	}
	if filter.UserID != "" {
		keys = append(keys, s.keyUser(filter.UserID))
	}

	var (
		ids []string
		err error
	)
	switch len(keys) {
	case 0:
		ids, err = s.client.SMembers(ctx, s.keyAll()).Result()
	case 1:
		ids, err = s.client.SMembers(ctx, keys[0]).Result()
	default:
		ids, err = s.client.SInter(ctx, keys...).Result()
	}
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if len(ids) == 0 {
		return []*api.ExecutionResult{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, s.keyResult(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	var matched []*api.ExecutionResult
	for _, cmd := range cmds {
		data, err := cmd.Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			return nil, err
		}
		res, err := decodeResult(data)
		if err != nil {
			return nil, err
		}
		// Index entries may be stale if a run was re-keyed; trust the payload.
		if filter.matches(res) {
			matched = append(matched, res)
		}
	}
	return sortAndPage(matched, filter), nil
}

func (s *RedisResultStore) RequestCancel(ctx context.Context, runID string) error {
	return s.client.SetNX(ctx, s.keyCancel(runID), time.Now().UnixNano(), 0).Err()
}

func (s *RedisResultStore) CancelRequested(ctx context.Context, runID string) (bool, error) {
	n, err := s.client.Exists(ctx, s.keyCancel(runID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *RedisResultStore) ClearCancel(ctx context.Context, runID string) error {
	return s.client.Del(ctx, s.keyCancel(runID)).Err()
}

var (
	// Acquire or re-enter a lease. Returns 1 if held by ARGV[1] afterwards.
	redisLeaseAcquire = redis.NewScript(`
local cur = redis.call('GET', KEYS[1])
if not cur or cur == ARGV[1] then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', tonumber(ARGV[2]))
	return 1
end
return 0
`)

	// Extend a lease owned by ARGV[1]. Returns 1 if renewed.
	redisLeaseRenew = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], tonumber(ARGV[2]))
	return 1
end
return 0
`)

	// Delete a lease owned by ARGV[1].
	redisLeaseRelease = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)
)

func (s *RedisResultStore) TryAcquireLease(ctx context.Context, runID, owner string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}
	n, err := redisLeaseAcquire.Run(ctx, s.client, []string{s.keyLease(runID)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *RedisResultStore) RenewLease(ctx context.Context, runID, owner string, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("ttl must be > 0")
	}
	n, err := redisLeaseRenew.Run(ctx, s.client, []string{s.keyLease(runID)}, owner, ttl.Milliseconds()).Int()
	if err != nil {
		return err
	}
	if n != 1 {
		return ErrLeaseNotHeld
	}
	return nil
}

func (s *RedisResultStore) ReleaseLease(ctx context.Context, runID, owner string) error {
	// Missing or foreign leases are left alone; release is idempotent.
	return redisLeaseRelease.Run(ctx, s.client, []string{s.keyLease(runID)}, owner).Err()
}
