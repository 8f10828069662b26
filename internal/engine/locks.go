package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// keyedMutex serializes work per bounty id inside one process. Entries are dropped when
// the last holder releases them.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: map[string]*keyedEntry{}}
}

// Lock blocks until key is free and returns the matching unlock.
func (k *keyedMutex) Lock(key string) func() {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
	return func() {
		e.mu.Unlock()
		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}

const (
	defaultLockLease = 2 * time.Minute
	leasePollMin     = 10 * time.Millisecond
	leasePollMax     = 500 * time.Millisecond
)

func (e Engine) leaseTTL() time.Duration {
	if ttl := e.policy().LockLease; ttl > 0 {
		return ttl
	}
	return defaultLockLease
}

// lock takes the per-bounty lock: the in-process mutex first, then the lease row in the
// store so engines in other processes sharing the database are excluded too. The lease
// is renewed until the returned unlock runs.
func (e Engine) lock(ctx context.Context, id string) (func(), error) {
	release := func() {}
	if e.locks != nil {
		release = e.locks.Lock(id)
	}
	if e.DB == nil || e.owner == "" {
		return release, nil
	}
	ttl := e.leaseTTL()
	wait := leasePollMin
	for {
		ok, err := e.Repo.AcquireLease(ctx, id, e.owner, e.now(), ttl)
		if err != nil {
			release()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if ok {
			break
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			release()
			return nil, ctx.Err()
		case <-t.C:
		}
		if wait *= 2; wait > leasePollMax {
			wait = leasePollMax
		}
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go e.renewLease(id, ttl, stop, done)
	return func() {
		close(stop)
		<-done
		if err := e.Repo.ReleaseLease(context.WithoutCancel(ctx), id, e.owner); err != nil {
			e.logger().Warn("bounty lease release failed", zap.String("bounty_id", id), zap.Error(err))
		}
		release()
	}, nil
}

func (e Engine) renewLease(id string, ttl time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(ttl / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ok, err := e.Repo.AcquireLease(context.Background(), id, e.owner, e.now(), ttl)
			if err != nil || !ok {
				e.logger().Error("bounty lease lost", zap.String("bounty_id", id), zap.Bool("taken", !ok), zap.Error(err))
			}
		}
	}
}
