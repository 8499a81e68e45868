package cache

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sat20-labs/atomicals-market/common"
)

// Lock is a TTL-bounded mutual exclusion lock held in a Cache. Its token
// makes Release a no-op once the lock expired and was taken by someone else.
type Lock struct {
	cache    Cache
	key      string
	token    string
	acquired time.Time
	ttl      time.Duration
}

// Acquire takes key or fails fast with ErrLockHeld.
func Acquire(c Cache, key string, ttl time.Duration) (*Lock, error) {
	token := uuid.NewString()
	if !c.SetNX(key, token, ttl) {
		return nil, fmt.Errorf("%w: %s", common.ErrLockHeld, key)
	}
	return &Lock{cache: c, key: key, token: token, acquired: time.Now(), ttl: ttl}, nil
}

func (l *Lock) Key() string {
	return l.key
}

// Expired reports whether the TTL has elapsed, after which the lock may
// belong to someone else.
func (l *Lock) Expired() bool {
	return time.Since(l.acquired) >= l.ttl
}

// Release deletes the lock if this holder still owns it.
func (l *Lock) Release() bool {
	released := l.cache.CompareAndDelete(l.key, l.token)
	if !released {
		common.Log.Warnf("lock %s expired before release", l.key)
	}
	return released
}

// WithLock runs fn while holding key. The lock is released on every exit
// path, including a panic in fn.
func WithLock(c Cache, key string, ttl time.Duration, fn func() error) error {
	l, err := Acquire(c, key, ttl)
	if err != nil {
		return err
	}
	defer l.Release()
	return fn()
}
