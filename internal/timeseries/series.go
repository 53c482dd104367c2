// ============================================================================
// Time series contract
// Responsibility: bounded, monotonically indexed logs with blocking waits.
// This is the only synchronization primitive shared between the backend
// loop and external producers/consumers.
// ============================================================================

package timeseries

import (
	"errors"
	"time"

	"github.com/ChuLiYu/robot-relay/pkg/types"
)

// Predefined errors
var (
	// ErrEmptySeries indicates a read on a series that has no elements yet
	ErrEmptySeries = errors.New("timeseries: series is empty")

	// ErrEvicted indicates the requested index has been pushed out of the
	// bounded history by newer appends
	ErrEvicted = errors.New("timeseries: index evicted from history")

	// ErrFutureIndex indicates a non-blocking read of an index that has
	// not been assigned yet
	ErrFutureIndex = errors.New("timeseries: index not assigned yet")
)

// DefaultHistory is the history length used when none is configured.
const DefaultHistory = 1000

// Series is a bounded log of values indexed by a contiguous, strictly
// increasing TimeIndex starting at 0. Once the history length is exceeded
// the oldest element is evicted. Appends are serialized; any number of
// readers may block waiting for future indices.
type Series[T any] interface {
	// Append adds v, assigns it the next TimeIndex and returns it.
	Append(v T) types.TimeIndex

	// NewestIndex returns the highest assigned index. ok is false while
	// the series is empty.
	NewestIndex() (index types.TimeIndex, ok bool)

	// NewestElement returns the element at the newest index. It fails
	// with ErrEmptySeries on an empty series.
	NewestElement() (T, error)

	// At returns the element at index i. It blocks while i lies in the
	// future and fails with ErrEvicted once i has left the history.
	At(i types.TimeIndex) (T, error)

	// WaitForIndex blocks until index i has been assigned or the timeout
	// elapses. It returns true if i exists (even if already evicted).
	WaitForIndex(i types.TimeIndex, timeout time.Duration) bool

	// TimestampMS returns the wall-clock commit time of index i in
	// milliseconds since the Unix epoch. Same availability rules as At,
	// except that it does not block on future indices.
	TimestampMS(i types.TimeIndex) (float64, error)
}
