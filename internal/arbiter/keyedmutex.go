package arbiter

import (
	"context"
	"sync"
	"time"

	"github.com/bloodconnect/internal/store"
)

// keyedMutex provides one mutual-exclusion scope per key (request id). Entries
// are reference counted and removed when the last waiter leaves, so the map
// does not grow with the number of requests ever seen.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*lockEntry
}

type lockEntry struct {
	ch   chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*lockEntry)}
}

// acquire takes the lock for key, waiting at most timeout. On success it
// returns a release function; on timeout it returns store.ErrBusy so the
// caller can surface a retryable outcome instead of blocking forever.
func (k *keyedMutex) acquire(ctx context.Context, key string, timeout time.Duration) (func(), error) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &lockEntry{ch: make(chan struct{}, 1)}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case e.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-e.ch
				k.unref(key, e)
			})
		}, nil
	case <-timer.C:
		k.unref(key, e)
		return nil, store.ErrBusy
	case <-ctx.Done():
		k.unref(key, e)
		return nil, ctx.Err()
	}
}

func (k *keyedMutex) unref(key string, e *lockEntry) {
	k.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(k.locks, key)
	}
	k.mu.Unlock()
}
