// Package correlation matches asynchronous outcomes to the callers waiting
// for them. A key is registered before the request that triggers the outcome
// goes out, so an outcome that arrives early is buffered rather than lost.
package correlation

import (
	"context"
	"errors"
	"sync"
	"time"
)

var ErrTimeout = errors.New("correlation: timed out waiting for outcome")

type entry[T any] struct {
	ch       chan T
	deadline time.Time
}

// Table holds pending keys. Entries nobody waits on are evicted by Sweep.
type Table[T any] struct {
	timeout time.Duration
	now     func() time.Time

	mu      sync.Mutex
	pending map[string]*entry[T]
}

func New[T any](timeout time.Duration) *Table[T] {
	return &Table[T]{timeout: timeout, now: time.Now, pending: make(map[string]*entry[T])}
}

// Register opens key for one outcome. Registering an open key keeps the
// existing entry.
func (t *Table[T]) Register(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[key]; ok {
		return
	}
	t.pending[key] = &entry[T]{ch: make(chan T, 1), deadline: t.now().Add(t.timeout)}
}

// Resolve delivers v to key. It reports false when key is not registered or
// already holds an undelivered outcome.
func (t *Table[T]) Resolve(key string, v T) bool {
	t.mu.Lock()
	e, ok := t.pending[key]
	t.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case e.ch <- v:
		return true
	default:
		return false
	}
}

// Wait blocks until key is resolved, the table timeout passes or ctx is done.
// The entry is removed either way.
func (t *Table[T]) Wait(ctx context.Context, key string) (T, error) {
	var zero T
	t.mu.Lock()
	e, ok := t.pending[key]
	t.mu.Unlock()
	if !ok {
		return zero, ErrTimeout
	}
	defer t.forget(key, e)

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()
	select {
	case v := <-e.ch:
		return v, nil
	case <-timer.C:
		return zero, ErrTimeout
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Cancel drops key without a result. A caller blocked in Wait on key keeps
// waiting until its own timeout.
func (t *Table[T]) Cancel(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, key)
}

func (t *Table[T]) forget(key string, e *entry[T]) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending[key] == e {
		delete(t.pending, key)
	}
}

// Sweep evicts entries whose deadline is before now and returns how many.
func (t *Table[T]) Sweep(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for k, e := range t.pending {
		if e.deadline.Before(now) {
			delete(t.pending, k)
			n++
		}
	}
	return n
}

func (t *Table[T]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}
