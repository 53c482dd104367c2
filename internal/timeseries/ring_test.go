package timeseries

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ChuLiYu/robot-relay/pkg/types"
)

// ============================================================================
// Test Helper Functions
// ============================================================================

func assertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func assertError(t *testing.T, err error, want error) {
	t.Helper()
	if err == nil {
		t.Errorf("expected error %v, got nil", want)
		return
	}
	if !errors.Is(err, want) {
		t.Errorf("expected error %v, got %v", want, err)
	}
}

func assertIndex(t *testing.T, got types.TimeIndex, want uint64) {
	t.Helper()
	if uint64(got) != want {
		t.Errorf("index: got %d, want %d", got, want)
	}
}

// ============================================================================
// Unit Tests
// ============================================================================

func TestEmptySeries(t *testing.T) {
	r := NewRing[int](10)

	if _, ok := r.NewestIndex(); ok {
		t.Error("empty series should not report a newest index")
	}

	_, err := r.NewestElement()
	assertError(t, err, ErrEmptySeries)

	if r.WaitForIndex(0, 10*time.Millisecond) {
		t.Error("wait on empty series should time out")
	}
}

func TestAppendAssignsContiguousIndices(t *testing.T) {
	r := NewRing[int](10)

	for i := 0; i < 5; i++ {
		assertIndex(t, r.Append(i*100), uint64(i))
	}

	newest, ok := r.NewestIndex()
	if !ok {
		t.Fatal("series should have a newest index")
	}
	assertIndex(t, newest, 4)

	v, err := r.NewestElement()
	assertNoError(t, err)
	if v != 400 {
		t.Errorf("newest element: got %d, want 400", v)
	}

	for i := types.TimeIndex(0); i <= 4; i++ {
		v, err := r.At(i)
		assertNoError(t, err)
		if v != int(i)*100 {
			t.Errorf("At(%d): got %d, want %d", i, v, int(i)*100)
		}
	}
}

func TestEviction(t *testing.T) {
	r := NewRing[int](5)

	for i := 0; i < 12; i++ {
		r.Append(i)
	}

	// Indices 0..6 have left the history, 7..11 remain.
	for i := types.TimeIndex(0); i <= 6; i++ {
		_, err := r.At(i)
		assertError(t, err, ErrEvicted)
	}
	for i := types.TimeIndex(7); i <= 11; i++ {
		v, err := r.At(i)
		assertNoError(t, err)
		if v != int(i) {
			t.Errorf("At(%d): got %d, want %d", i, v, i)
		}
	}

	// Evicted indices still count as existing for waiters.
	if !r.WaitForIndex(0, time.Millisecond) {
		t.Error("evicted index should still satisfy WaitForIndex")
	}
}

func TestWaitForIndexTimeout(t *testing.T) {
	r := NewRing[int](10)
	r.Append(1)

	start := time.Now()
	if r.WaitForIndex(5, 50*time.Millisecond) {
		t.Error("future index should time out")
	}
	if elapsed := time.Since(start); elapsed < 40*time.Millisecond {
		t.Errorf("returned too early: %v", elapsed)
	}
}

func TestWaitForIndexWakeup(t *testing.T) {
	r := NewRing[int](10)

	done := make(chan bool, 1)
	go func() {
		done <- r.WaitForIndex(0, 2*time.Second)
	}()

	time.Sleep(20 * time.Millisecond)
	r.Append(42)

	select {
	case ok := <-done:
		if !ok {
			t.Error("waiter should have been woken by the append")
		}
	case <-time.After(time.Second):
		t.Fatal("waiter did not wake up")
	}
}

func TestAtBlocksForFutureIndex(t *testing.T) {
	r := NewRing[string](10)
	r.Append("first")

	result := make(chan string, 1)
	go func() {
		v, err := r.At(1)
		if err != nil {
			result <- "error: " + err.Error()
			return
		}
		result <- v
	}()

	select {
	case v := <-result:
		t.Fatalf("At returned %q before the index existed", v)
	case <-time.After(30 * time.Millisecond):
	}

	r.Append("second")

	select {
	case v := <-result:
		if v != "second" {
			t.Errorf("At(1): got %q, want %q", v, "second")
		}
	case <-time.After(time.Second):
		t.Fatal("At did not return after the append")
	}
}

func TestTimestampsAreMonotonic(t *testing.T) {
	r := NewRing[int](100)

	for i := 0; i < 20; i++ {
		r.Append(i)
	}

	prev := 0.0
	for i := types.TimeIndex(0); i < 20; i++ {
		stamp, err := r.TimestampMS(i)
		assertNoError(t, err)
		if stamp < prev {
			t.Errorf("timestamp at %d decreased: %f < %f", i, stamp, prev)
		}
		prev = stamp
	}

	_, err := r.TimestampMS(20)
	assertError(t, err, ErrFutureIndex)
}

// ============================================================================
// Concurrency Tests
// ============================================================================

func TestConcurrentProducersAndConsumers(t *testing.T) {
	r := NewRing[int](10000)

	const producers = 8
	const perProducer = 500

	var wg sync.WaitGroup
	indices := make(chan types.TimeIndex, producers*perProducer)

	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				indices <- r.Append(i)
			}
		}()
	}

	// Consumers block on indices that mostly do not exist yet.
	var consumerWg sync.WaitGroup
	for c := 0; c < 4; c++ {
		consumerWg.Add(1)
		go func() {
			defer consumerWg.Done()
			for i := types.TimeIndex(0); uint64(i) < producers*perProducer; i += 100 {
				if _, err := r.At(i); err != nil {
					t.Errorf("At(%d): %v", i, err)
				}
			}
		}()
	}

	wg.Wait()
	close(indices)
	consumerWg.Wait()

	// Every index must have been assigned exactly once.
	seen := make(map[types.TimeIndex]bool)
	for i := range indices {
		if seen[i] {
			t.Errorf("index %d assigned twice", i)
		}
		seen[i] = true
	}
	if len(seen) != producers*perProducer {
		t.Errorf("assigned %d indices, want %d", len(seen), producers*perProducer)
	}
}
