package atomicfile

import (
	"context"
	"sync"
	"time"
)

// DefaultSlotLimit bounds in-flight filesystem calls per process. It sits
// well under common per-process file descriptor ceilings.
const DefaultSlotLimit = 10_000

const slotTickInterval = 25 * time.Millisecond

// Slots is an admission controller that bounds how many low-level
// filesystem calls run at once.
//
// Under light load (fewer than limit/2 active) a slot is granted
// immediately. Otherwise the caller queues and a ticker admits waiters in
// FIFO order every 25ms while capacity remains. The ticker goroutine exits
// on the first tick that finds the queue empty, so an idle Slots keeps
// nothing running.
//
// Slots is safe for concurrent use.
type Slots struct {
	limit    int
	interval time.Duration

	mu      sync.Mutex
	active  map[*slotToken]struct{}
	waiting []*slotToken
	armed   bool
}

type slotToken struct {
	ready chan struct{}
}

// NewSlots returns a Slots admitting at most limit concurrent holders.
// A limit <= 0 selects [DefaultSlotLimit].
func NewSlots(limit int) *Slots {
	if limit <= 0 {
		limit = DefaultSlotLimit
	}

	return &Slots{
		limit:    limit,
		interval: slotTickInterval,
		active:   make(map[*slotToken]struct{}),
	}
}

// Limit returns the maximum number of concurrent holders.
func (s *Slots) Limit() int { return s.limit }

// Active returns the number of granted slots.
func (s *Slots) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.active)
}

// Waiting returns the number of queued callers.
func (s *Slots) Waiting() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.waiting)
}

// Acquire blocks until a slot is granted or ctx is done.
//
// The returned release func is idempotent. If ctx ends first, the caller is
// removed from the queue and ctx.Err() is returned.
func (s *Slots) Acquire(ctx context.Context) (func(), error) {
	tok := &slotToken{ready: make(chan struct{})}

	s.mu.Lock()

	if len(s.active) < s.limit/2 {
		s.active[tok] = struct{}{}
		s.mu.Unlock()

		return s.releaser(tok), nil
	}

	s.waiting = append(s.waiting, tok)
	s.armLocked()
	s.mu.Unlock()

	select {
	case <-tok.ready:
		return s.releaser(tok), nil
	case <-ctx.Done():
		s.release(tok)

		return nil, ctx.Err()
	}
}

func (s *Slots) releaser(tok *slotToken) func() {
	var once sync.Once

	return func() { once.Do(func() { s.release(tok) }) }
}

// release drops tok from both the active set and the queue.
func (s *Slots) release(tok *slotToken) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.active, tok)

	for i, w := range s.waiting {
		if w == tok {
			s.waiting = append(s.waiting[:i], s.waiting[i+1:]...)

			break
		}
	}
}

func (s *Slots) armLocked() {
	if s.armed {
		return
	}

	s.armed = true

	go s.run()
}

func (s *Slots) run() {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for range ticker.C {
		if !s.tick() {
			return
		}
	}
}

// tick admits waiters while capacity remains. It returns false, disarming
// the ticker, when the queue is empty.
func (s *Slots) tick() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.waiting) == 0 {
		s.armed = false

		return false
	}

	for len(s.active) < s.limit && len(s.waiting) > 0 {
		tok := s.waiting[0]
		s.waiting[0] = nil
		s.waiting = s.waiting[1:]

		s.active[tok] = struct{}{}
		close(tok.ready)
	}

	return true
}
