/*
Package lock serializes work on a key across goroutines (Local) or across
processes (Redis).

The pricing engine holds the account key while it commits a purchase, and
discount administration holds a fixed key while it moves the default bulk
discount. The stores stay correct without a lock (conditional updates,
unique indexes); the lock turns races into queued work instead of
rejected transactions.

USAGE:

	l, err := locker.Obtain(ctx, "account:"+id)
	if err != nil {
	    return err // *ledger.ConcurrencyConflict when the key stays busy
	}
	defer l.Release(ctx)
*/
package lock

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/warp/token-engine/ledger"
)

// Locker obtains exclusive locks on string keys.
type Locker interface {
	Obtain(ctx context.Context, key string) (Lock, error)
}

// Lock is a held lock.
type Lock interface {
	Release(ctx context.Context) error
}

// AccountKey is the lock key serializing purchases of one account.
func AccountKey(id ledger.AccountID) string { return "token-engine:account:" + string(id) }

// DefaultBulkDiscountKey is the lock key serializing default schedule moves.
const DefaultBulkDiscountKey = "token-engine:bulk-discount:default"

// ErrReleased is returned when a lock is released twice.
var ErrReleased = errors.New("lock already released")

func conflict(key string, err error) error {
	return &ledger.ConcurrencyConflict{Resource: key, Err: err}
}

// =============================================================================
// LOCAL - In-process keyed mutex
// =============================================================================

// Local is a keyed mutex for a single process. A waiter gives up with a
// ConcurrencyConflict after Wait, or when ctx is done.
type Local struct {
	Wait time.Duration

	mu    sync.Mutex
	slots map[string]*slot
}

type slot struct {
	ch   chan struct{}
	refs int
}

func NewLocal(wait time.Duration) *Local {
	return &Local{Wait: wait, slots: make(map[string]*slot)}
}

func (l *Local) Obtain(ctx context.Context, key string) (Lock, error) {
	l.mu.Lock()
	if l.slots == nil {
		l.slots = make(map[string]*slot)
	}
	s, ok := l.slots[key]
	if !ok {
		s = &slot{ch: make(chan struct{}, 1)}
		l.slots[key] = s
	}
	s.refs++
	l.mu.Unlock()

	var timeout <-chan time.Time
	if l.Wait > 0 {
		t := time.NewTimer(l.Wait)
		defer t.Stop()
		timeout = t.C
	}

	select {
	case s.ch <- struct{}{}:
		return &localLock{owner: l, key: key, slot: s}, nil
	case <-ctx.Done():
		l.drop(key, s)
		return nil, conflict(key, ctx.Err())
	case <-timeout:
		l.drop(key, s)
		return nil, conflict(key, errors.New("timed out waiting for lock"))
	}
}

func (l *Local) drop(key string, s *slot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s.refs--
	if s.refs == 0 {
		delete(l.slots, key)
	}
}

type localLock struct {
	owner *Local
	key   string
	slot  *slot
	once  sync.Once
}

func (ll *localLock) Release(context.Context) error {
	released := false
	ll.once.Do(func() {
		<-ll.slot.ch
		ll.owner.drop(ll.key, ll.slot)
		released = true
	})
	if !released {
		return ErrReleased
	}
	return nil
}

// =============================================================================
// NOOP
// =============================================================================

// Nop never blocks. Used when the store alone provides the guarantees.
type Nop struct{}

func (Nop) Obtain(context.Context, string) (Lock, error) { return nopLock{}, nil }

type nopLock struct{}

func (nopLock) Release(context.Context) error { return nil }
