package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fjod/stockcart/internal/repository"
)

// rowLocks emulates row-level exclusive locks. Each key owns a single-slot semaphore;
// holding the slot is holding the lock.
type rowLocks struct {
	mu    sync.Mutex
	slots map[string]chan struct{}
}

func newRowLocks() *rowLocks {
	return &rowLocks{slots: make(map[string]chan struct{})}
}

func (l *rowLocks) slot(key string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	s, ok := l.slots[key]
	if !ok {
		s = make(chan struct{}, 1)
		l.slots[key] = s
	}
	return s
}

// acquire waits for the lock until timeout or context cancellation.
func (l *rowLocks) acquire(ctx context.Context, key string, timeout time.Duration) error {
	slot := l.slot(key)

	// fast path, no timer
	select {
	case slot <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case slot <- struct{}{}:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: %s", repository.ErrLockTimeout, key)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *rowLocks) release(key string) {
	<-l.slot(key)
}

func cartKey(id int64) string {
	return fmt.Sprintf("cart:%d", id)
}

func itemKey(id int64) string {
	return fmt.Sprintf("item:%d", id)
}
