package collaboration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

/*
LEARNING: ONE COORDINATOR PER SESSION

The live document of a session must have exactly one owner. Before a node
loads a shard it takes a lease:

  SET collab:lease:<session> <node> NX PX <ttl>

The maintenance loop renews held leases well before they expire. When a
node dies its leases lapse and another node resumes the session from the
latest snapshot plus the log tail. Renew and release only touch the key
if it still holds our node id, so a node can never extend or drop a
lease that has moved on.
*/

// LocalLeaser grants every lease. It serves single-node deployments.
type LocalLeaser struct {
	mu   sync.Mutex
	held map[string]bool
}

func NewLocalLeaser() *LocalLeaser {
	return &LocalLeaser{held: make(map[string]bool)}
}

func (l *LocalLeaser) Acquire(_ context.Context, sessionID string) error {
	l.mu.Lock()
	l.held[sessionID] = true
	l.mu.Unlock()
	return nil
}

func (l *LocalLeaser) Renew(_ context.Context, sessionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.held[sessionID] {
		return ErrNotOwner
	}
	return nil
}

func (l *LocalLeaser) Release(_ context.Context, sessionID string) error {
	l.mu.Lock()
	delete(l.held, sessionID)
	l.mu.Unlock()
	return nil
}

var (
	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)

	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0`)
)

// RedisLeaser keeps session leases in Redis.
type RedisLeaser struct {
	rdb    *redis.Client
	nodeID string
	ttl    time.Duration
}

func NewRedisLeaser(rdb *redis.Client, nodeID string, ttl time.Duration) *RedisLeaser {
	return &RedisLeaser{rdb: rdb, nodeID: nodeID, ttl: ttl}
}

func leaseKey(sessionID string) string {
	return "collab:lease:" + sessionID
}

// Acquire takes the lease, or confirms this node already holds it.
func (l *RedisLeaser) Acquire(ctx context.Context, sessionID string) error {
	ok, err := l.rdb.SetNX(ctx, leaseKey(sessionID), l.nodeID, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("failed to acquire lease: %w", err)
	}
	if ok {
		return nil
	}
	holder, err := l.rdb.Get(ctx, leaseKey(sessionID)).Result()
	if errors.Is(err, redis.Nil) {
		// expired between the two calls
		return l.Acquire(ctx, sessionID)
	}
	if err != nil {
		return fmt.Errorf("failed to read lease: %w", err)
	}
	if holder != l.nodeID {
		return fmt.Errorf("%w: held by %s", ErrNotOwner, holder)
	}
	return l.Renew(ctx, sessionID)
}

// Renew extends a lease this node holds.
func (l *RedisLeaser) Renew(ctx context.Context, sessionID string) error {
	n, err := renewScript.Run(ctx, l.rdb, []string{leaseKey(sessionID)}, l.nodeID, l.ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("failed to renew lease: %w", err)
	}
	if n == 0 {
		return ErrNotOwner
	}
	return nil
}

// Release drops a lease this node holds.
func (l *RedisLeaser) Release(ctx context.Context, sessionID string) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{leaseKey(sessionID)}, l.nodeID).Err(); err != nil {
		return fmt.Errorf("failed to release lease: %w", err)
	}
	return nil
}
