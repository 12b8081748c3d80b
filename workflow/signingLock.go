package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
)

// ErrLockHeld means another instance holds the lock right now.
var ErrLockHeld = errors.New("lock held by another caller")

// Locker is a best-effort cross-instance mutex. Correctness never depends on it: the
// claim columns in MySQL are authoritative; the lock only turns most races into a fast no.
type Locker interface {
	Obtain(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

type RedisLocker struct {
	Client *redislock.Client
}

// NewRedisLocker returns nil (no locking) when redis is not connected.
func NewRedisLocker(client *redislock.Client) Locker {
	if client == nil {
		return nil
	}
	return &RedisLocker{Client: client}
}

func (l *RedisLocker) Obtain(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	lock, err := l.Client.Obtain(ctx, key, ttl, nil)
	if err != nil {
		if errors.Is(err, redislock.ErrNotObtained) {
			return nil, ErrLockHeld
		}
		return nil, err
	}
	return func() {
		rctx, cancel := detached(ctx)
		defer cancel()
		_ = lock.Release(rctx)
	}, nil
}

func agreementLockKey(agreementId string) string {
	return fmt.Sprintf("agreement-sign:%s", agreementId)
}

func distributionLockKey(distributionId string) string {
	return fmt.Sprintf("distribution-finalize:%s", distributionId)
}

// acquire returns a no-op release when no locker is configured or redis is unavailable.
func (s *Service) acquire(ctx context.Context, key string) (func(), error) {
	noop := func() {}
	if s.Locker == nil {
		return noop, nil
	}
	release, err := s.Locker.Obtain(ctx, key, s.ClaimTimeout)
	if err != nil {
		if errors.Is(err, ErrLockHeld) {
			return nil, err
		}
		s.logError("acquire", "redis lock unavailable, relying on db claim", key, err)
		return noop, nil
	}
	return release, nil
}
