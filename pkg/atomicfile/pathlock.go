package atomicfile

import (
	"context"
	"sync"
)

// PathLocks provides in-process mutual exclusion keyed by path.
//
// Each path has a FIFO queue of waiters. The head of the queue holds the
// lock; releasing it grants the next waiter. A path whose queue drains is
// removed from the table, so memory stays bounded by the number of paths
// currently contended.
//
// PathLocks does not coordinate with other processes.
type PathLocks struct {
	mu     sync.Mutex
	queues map[string][]*lockWaiter
}

type lockWaiter struct {
	granted chan struct{}
}

// NewPathLocks returns an empty lock table.
func NewPathLocks() *PathLocks {
	return &PathLocks{queues: make(map[string][]*lockWaiter)}
}

// Len returns the number of paths with a held or pending lock.
func (l *PathLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.queues)
}

// Acquire blocks until the lock for path is held or ctx is done.
//
// The returned release func is idempotent. If ctx ends while waiting, the
// caller leaves the queue and ctx.Err() is returned; a grant that raced with
// the cancellation is passed on to the next waiter.
func (l *PathLocks) Acquire(ctx context.Context, path string) (func(), error) {
	w := &lockWaiter{granted: make(chan struct{})}

	l.mu.Lock()
	queue := append(l.queues[path], w)
	l.queues[path] = queue

	if len(queue) == 1 {
		close(w.granted)
	}
	l.mu.Unlock()

	select {
	case <-w.granted:
		return l.releaser(path, w), nil
	default:
	}

	select {
	case <-w.granted:
		return l.releaser(path, w), nil
	case <-ctx.Done():
		l.release(path, w)

		return nil, ctx.Err()
	}
}

// AcquireSync blocks until the lock for path is held.
func (l *PathLocks) AcquireSync(path string) func() {
	release, _ := l.Acquire(context.Background(), path)

	return release
}

func (l *PathLocks) releaser(path string, w *lockWaiter) func() {
	var once sync.Once

	return func() { once.Do(func() { l.release(path, w) }) }
}

// release removes w from the queue for path. If w was the holder, the next
// waiter is granted the lock.
func (l *PathLocks) release(path string, w *lockWaiter) {
	l.mu.Lock()
	defer l.mu.Unlock()

	queue := l.queues[path]

	idx := -1

	for i, q := range queue {
		if q == w {
			idx = i

			break
		}
	}

	if idx < 0 {
		return
	}

	queue = append(queue[:idx], queue[idx+1:]...)

	if len(queue) == 0 {
		delete(l.queues, path)

		return
	}

	l.queues[path] = queue

	if idx == 0 {
		close(queue[0].granted)
	}
}
