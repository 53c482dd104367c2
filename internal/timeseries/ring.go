package timeseries

import (
	"sync"
	"time"

	"github.com/ChuLiYu/robot-relay/pkg/types"
)

// Ring is the in-process Series implementation: a fixed-size ring buffer
// guarded by a single mutex. Waiters block on a broadcast channel that is
// replaced on every append, so timed waits compose with plain select and a
// woken reader always rechecks the predicate under the lock.
//
// The lock is held only for O(1) element copies, never across a suspension.
type Ring[T any] struct {
	mu      sync.Mutex
	buf     []T
	stamps  []float64 // commit time per slot, Unix milliseconds
	next    uint64    // next index to assign; also the total append count
	history int
	arrival chan struct{} // closed and replaced on every append
}

var _ Series[int] = (*Ring[int])(nil)

// NewRing creates a ring with the given history length. Non-positive values
// fall back to DefaultHistory.
func NewRing[T any](history int) *Ring[T] {
	if history <= 0 {
		history = DefaultHistory
	}
	return &Ring[T]{
		buf:     make([]T, history),
		stamps:  make([]float64, history),
		history: history,
		arrival: make(chan struct{}),
	}
}

// Append adds v and wakes all waiters.
func (r *Ring[T]) Append(v T) types.TimeIndex {
	r.mu.Lock()
	index := r.next
	r.buf[index%uint64(r.history)] = v
	r.stamps[index%uint64(r.history)] = float64(time.Now().UnixNano()) / 1e6
	r.next++

	prev := r.arrival
	r.arrival = make(chan struct{})
	r.mu.Unlock()

	close(prev)
	return types.TimeIndex(index)
}

// NewestIndex returns the highest assigned index, ok false while empty.
func (r *Ring[T]) NewestIndex() (types.TimeIndex, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next == 0 {
		return 0, false
	}
	return types.TimeIndex(r.next - 1), true
}

// NewestElement returns the element at the newest index.
func (r *Ring[T]) NewestElement() (T, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next == 0 {
		var zero T
		return zero, ErrEmptySeries
	}
	return r.buf[(r.next-1)%uint64(r.history)], nil
}

// At returns the element at index i, blocking while i is in the future.
func (r *Ring[T]) At(i types.TimeIndex) (T, error) {
	r.mu.Lock()
	for uint64(i) >= r.next {
		ch := r.arrival
		r.mu.Unlock()
		<-ch
		r.mu.Lock()
	}
	defer r.mu.Unlock()

	if r.evictedLocked(uint64(i)) {
		var zero T
		return zero, ErrEvicted
	}
	return r.buf[uint64(i)%uint64(r.history)], nil
}

// WaitForIndex blocks until index i exists or the timeout elapses.
func (r *Ring[T]) WaitForIndex(i types.TimeIndex, timeout time.Duration) bool {
	deadline := time.Now().Add(timeout)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	r.mu.Lock()
	for {
		if uint64(i) < r.next {
			r.mu.Unlock()
			return true
		}
		ch := r.arrival
		r.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return false
		}
		timer.Reset(remaining)

		select {
		case <-ch:
		case <-timer.C:
			// Recheck once after the timeout: the append may have raced
			// with the timer.
			r.mu.Lock()
			exists := uint64(i) < r.next
			r.mu.Unlock()
			return exists
		}
		r.mu.Lock()
	}
}

// TimestampMS returns the commit time of index i in Unix milliseconds.
func (r *Ring[T]) TimestampMS(i types.TimeIndex) (float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.next == 0 {
		return 0, ErrEmptySeries
	}
	if uint64(i) >= r.next {
		return 0, ErrFutureIndex
	}
	if r.evictedLocked(uint64(i)) {
		return 0, ErrEvicted
	}
	return r.stamps[uint64(i)%uint64(r.history)], nil
}

// evictedLocked reports whether index i (known to be assigned) has left the
// history window. Caller holds the lock.
func (r *Ring[T]) evictedLocked(i uint64) bool {
	if r.next <= uint64(r.history) {
		return false
	}
	return i < r.next-uint64(r.history)
}
