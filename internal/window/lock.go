package window

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"deltran/internal/identity"
	"deltran/pkg/errors"
)

// AdvisoryLock is the exclusive, TTL-bound, renewable lock a single replica
// holds on a window while it is Processing or Settling (spec.md §4.1, §5).
// Lock loss without renewal lets another replica take over and resume from
// the last persisted checkpoint.
type AdvisoryLock struct {
	client *redis.Client
	ttl    time.Duration
}

func NewAdvisoryLock(client *redis.Client, ttl time.Duration) *AdvisoryLock {
	return &AdvisoryLock{client: client, ttl: ttl}
}

func lockKey(id identity.WindowID) string {
	return fmt.Sprintf("window:lock:%s", id.String())
}

// Acquire attempts to take the lock for windowID, returning ok=false (not
// an error) if another replica already holds it.
func (l *AdvisoryLock) Acquire(ctx context.Context, windowID identity.WindowID, holder string) (bool, error) {
	ok, err := l.client.SetNX(ctx, lockKey(windowID), holder, l.ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "advisory lock: acquire failed")
	}
	return ok, nil
}

// Renew extends the lock's TTL if and only if holder still owns it. No
// caller in this module runs it: the scheduler holds the lock for one
// beginProcessing call and releases it on return, and
// WindowConfig.LockRenewEvery is not read.
func (l *AdvisoryLock) Renew(ctx context.Context, windowID identity.WindowID, holder string) error {
	script := redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("PEXPIRE", KEYS[1], ARGV[2])
		end
		return 0
	`)
	res, err := script.Run(ctx, l.client, []string{lockKey(windowID)}, holder, l.ttl.Milliseconds()).Result()
	if err != nil {
		return errors.Wrap(err, "advisory lock: renew failed")
	}
	if n, ok := res.(int64); !ok || n == 0 {
		return errors.ErrWindowLockHeld
	}
	return nil
}

// Release drops the lock if and only if holder still owns it, so a replica
// that lost the lock to TTL expiry can never release someone else's lock.
func (l *AdvisoryLock) Release(ctx context.Context, windowID identity.WindowID, holder string) error {
	script := redis.NewScript(`
		if redis.call("GET", KEYS[1]) == ARGV[1] then
			return redis.call("DEL", KEYS[1])
		end
		return 0
	`)
	_, err := script.Run(ctx, l.client, []string{lockKey(windowID)}, holder).Result()
	if err != nil {
		return errors.Wrap(err, "advisory lock: release failed")
	}
	return nil
}
