// ============================================================================
// Snapshot logger
// Responsibility:
// 1. follow the status series and snapshot one record per completed step
// 2. append records to a newline-delimited JSON file
// 3. batch writes: flush when the buffer fills or the interval elapses
// ============================================================================

package logger

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/robot-relay/internal/data"
	"github.com/ChuLiYu/robot-relay/pkg/types"
)

var log = slog.Default()

// Predefined errors
var (
	// ErrAlreadyStarted indicates Start was called twice
	ErrAlreadyStarted = errors.New("logger: already started")

	// ErrNotStarted indicates Stop was called before Start
	ErrNotStarted = errors.New("logger: not started")
)

// pollSlice bounds how long the logger thread waits for the next step
// before rechecking the stop flag.
const pollSlice = 100 * time.Millisecond

// Record is one logged step. Applied is absent for steps that terminated
// with an error before an action was applied.
type Record[A, O any] struct {
	TimeIndex   types.TimeIndex `json:"time_index"`
	TimestampMS float64         `json:"timestamp_ms"`
	Observation O               `json:"observation"`
	Applied     *A              `json:"applied_action,omitempty"`
	Status      types.Status    `json:"status"`
}

// Config tunes the write batching.
type Config struct {
	Path          string
	BufferSize    int           // records buffered before a forced flush
	FlushInterval time.Duration // flush once this long has passed since the last flush, checked per record and per 100 ms idle poll
}

// Logger snapshots observation, applied action and status of every step to
// a record file. It runs as its own goroutine, started and stopped
// explicitly, and never writes to the robot data.
type Logger[A, O any] struct {
	data *data.RobotData[A, O]
	cfg  Config

	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	buffer  []Record[A, O]
	started bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a logger over robotData. Nothing is opened until Start.
func New[A, O any](robotData *data.RobotData[A, O], cfg Config) *Logger[A, O] {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	return &Logger[A, O]{
		data: robotData,
		cfg:  cfg,
	}
}

// Start opens the record file in append mode and spawns the logging
// goroutine. Logging begins at the step after the newest already-completed
// one, so restarting a logger does not duplicate records.
func (l *Logger[A, O]) Start() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.started {
		return ErrAlreadyStarted
	}

	file, err := os.OpenFile(l.cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("logger: open record file: %w", err)
	}

	l.file = file
	l.encoder = json.NewEncoder(file)
	l.buffer = make([]Record[A, O], 0, l.cfg.BufferSize)
	l.stopCh = make(chan struct{})
	l.started = true

	var from types.TimeIndex
	if newest, ok := l.data.Status.NewestIndex(); ok {
		from = newest + 1
	}

	l.wg.Add(1)
	go l.loop(from)

	log.Info("logger started", "path", l.cfg.Path, "from", uint64(from))
	return nil
}

// Stop terminates the logging goroutine, flushes the buffer and closes the
// file. Records of steps that complete after Stop are lost.
func (l *Logger[A, O]) Stop() error {
	l.mu.Lock()
	if !l.started {
		l.mu.Unlock()
		return ErrNotStarted
	}
	l.started = false
	close(l.stopCh)
	l.mu.Unlock()

	l.wg.Wait()

	l.mu.Lock()
	defer l.mu.Unlock()
	flushErr := l.flushLocked()
	closeErr := l.file.Close()
	l.file = nil
	l.encoder = nil
	if flushErr != nil {
		return flushErr
	}
	if closeErr != nil {
		return fmt.Errorf("logger: close record file: %w", closeErr)
	}
	return nil
}

// loop follows the status series one index at a time.
func (l *Logger[A, O]) loop(t types.TimeIndex) {
	defer l.wg.Done()

	lastFlush := time.Now()
	for {
		select {
		case <-l.stopCh:
			return
		default:
		}

		if !l.data.Status.WaitForIndex(t, pollSlice) {
			// Nothing new; keep buffered records from aging out.
			if time.Since(lastFlush) > l.cfg.FlushInterval {
				l.flush()
				lastFlush = time.Now()
			}
			continue
		}

		record, err := l.snapshot(t)
		if err != nil {
			// The series outran the logger; skip to what is still held.
			log.Warn("logger fell behind, skipping evicted steps", "t", uint64(t), "error", err)
			if newest, ok := l.data.Status.NewestIndex(); ok && newest > t {
				t = newest
			}
			continue
		}

		l.mu.Lock()
		l.buffer = append(l.buffer, record)
		full := len(l.buffer) >= l.cfg.BufferSize
		l.mu.Unlock()

		if full || time.Since(lastFlush) > l.cfg.FlushInterval {
			l.flush()
			lastFlush = time.Now()
		}
		t++
	}
}

// snapshot collects the record for step t.
func (l *Logger[A, O]) snapshot(t types.TimeIndex) (Record[A, O], error) {
	status, err := l.data.Status.At(t)
	if err != nil {
		return Record[A, O]{}, err
	}
	observation, err := l.data.Observation.At(t)
	if err != nil {
		return Record[A, O]{}, err
	}

	record := Record[A, O]{
		TimeIndex:   t,
		Observation: observation,
		Status:      status,
	}
	if stamp, err := l.data.Observation.TimestampMS(t); err == nil {
		record.TimestampMS = stamp
	}

	// The applied action of an error step never materializes; wait only
	// briefly before logging the record without it.
	if l.data.Applied.WaitForIndex(t, pollSlice) {
		if applied, err := l.data.Applied.At(t); err == nil {
			record.Applied = &applied
		}
	}
	return record, nil
}

func (l *Logger[A, O]) flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.flushLocked(); err != nil {
		log.Error("logger flush failed", "error", err)
	}
}

// flushLocked writes all buffered records. Caller holds the lock.
func (l *Logger[A, O]) flushLocked() error {
	if l.encoder == nil || len(l.buffer) == 0 {
		l.buffer = l.buffer[:0]
		return nil
	}
	for _, record := range l.buffer {
		if err := l.encoder.Encode(record); err != nil {
			return fmt.Errorf("logger: encode record %d: %w", record.TimeIndex, err)
		}
	}
	l.buffer = l.buffer[:0]
	return l.file.Sync()
}
