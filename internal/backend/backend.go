// ============================================================================
// Robot backend - the control loop
// ============================================================================
//
// Package: internal/backend
// Responsibility: the communication link between a robot driver and the
// RobotData time series. At each step t the loop
//
//  1. reads the latest observation from the driver and appends it,
//  2. enforces the real-time admission policy on the desired action
//     (repeat the previous action a bounded number of times, then fail),
//  3. polls the driver for latched faults,
//  4. appends the step status (a non-NONE status terminates the loop),
//  5. waits for the desired action at index t,
//  6. applies it and appends the actually-applied action.
//
// Control flow is a single worker goroutine owned by the backend, started
// at construction and joined by Close. Shutdown is cooperative: an atomic
// flag (also raised by the process interrupt) is checked on every iteration
// and between 100 ms wait slices, so termination latency is bounded by one
// wait slice plus the longest driver call. The driver is always shut down
// exactly once on the way out, whatever terminated the loop.
//
// ============================================================================

package backend

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ChuLiYu/robot-relay/internal/data"
	"github.com/ChuLiYu/robot-relay/internal/driver"
	"github.com/ChuLiYu/robot-relay/internal/interrupt"
	"github.com/ChuLiYu/robot-relay/internal/metrics"
	"github.com/ChuLiYu/robot-relay/pkg/types"
)

var log = slog.Default()

// waitSlice is the polling granularity of all blocking waits in the loop.
// Shutdown requests are observed between slices.
const waitSlice = 100 * time.Millisecond

// statisticsInterval is the number of steps between timing summaries.
const statisticsInterval = 5000

// Error messages appended as BACKEND_ERROR statuses.
const (
	msgFirstActionTimeout = "First action was not provided in time"
	msgNextActionTimeout  = "Next action was not provided in time"
	msgMaxActionsReached  = "Maximum number of actions reached"
)

// Config carries the construction parameters of a Backend.
type Config struct {
	// RealTimeMode selects the admission policy. In real-time mode a late
	// desired action is covered by repeating the previous one up to the
	// configured number of repetitions, then the loop fails. In
	// non-real-time mode the loop simply blocks until the action arrives.
	RealTimeMode bool

	// FirstActionTimeout bounds the wall-clock time between loop start
	// and the first client action. Zero disables the timeout.
	FirstActionTimeout time.Duration

	// MaxNumberOfActions shuts the loop down after this many executed
	// actions. Zero means unlimited.
	MaxNumberOfActions uint32
}

// DefaultConfig returns the default construction parameters: real-time
// mode, no first-action timeout, no action limit.
func DefaultConfig() Config {
	return Config{RealTimeMode: true}
}

// Backend runs the control loop for one robot.
type Backend[A, O any] struct {
	driver driver.Driver[A, O]
	data   *data.RobotData[A, O]
	cfg    Config

	// maxActionRepetitions is tunable at runtime, so it lives outside cfg.
	maxActionRepetitions atomic.Uint32

	shutdownRequested atomic.Bool
	loopRunning       atomic.Bool

	collector *metrics.Collector
	timer     *checkpointTimer
	wg        sync.WaitGroup
}

// New creates a backend and immediately starts its worker goroutine. The
// process-wide interrupt handler is installed if it is not yet. Hardware
// initialization does not happen here; call Initialize before feeding
// actions. collector may be nil.
func New[A, O any](drv driver.Driver[A, O], robotData *data.RobotData[A, O], cfg Config, collector *metrics.Collector) *Backend[A, O] {
	interrupt.Initialize()

	b := &Backend[A, O]{
		driver:    drv,
		data:      robotData,
		cfg:       cfg,
		collector: collector,
		timer:     newCheckpointTimer(collector),
	}

	b.loopRunning.Store(true)
	b.collector.SetLoopRunning(true)

	b.wg.Add(1)
	go b.loop()

	return b
}

// Initialize prepares the hardware through the driver.
func (b *Backend[A, O]) Initialize() error {
	if err := b.driver.Initialize(); err != nil {
		return fmt.Errorf("backend: driver initialization failed: %w", err)
	}
	return nil
}

// GetMaxActionRepetitions returns the current repetition limit.
func (b *Backend[A, O]) GetMaxActionRepetitions() uint32 {
	return b.maxActionRepetitions.Load()
}

// SetMaxActionRepetitions sets how often the previous action is repeated
// when the next one is not provided in time. Beyond the limit the loop
// fails with a BACKEND_ERROR status. Ignored in non-real-time mode.
func (b *Backend[A, O]) SetMaxActionRepetitions(n uint32) {
	b.maxActionRepetitions.Store(n)
}

// RequestShutdown asks the loop to terminate. Idempotent; the loop may take
// up to one wait slice plus one driver call to actually exit. Use
// WaitUntilTerminated to block until it has.
func (b *Backend[A, O]) RequestShutdown() {
	b.shutdownRequested.Store(true)
}

// WaitUntilTerminated blocks until the loop has terminated.
func (b *Backend[A, O]) WaitUntilTerminated() {
	for b.loopRunning.Load() {
		time.Sleep(waitSlice)
	}
}

// IsRunning reports whether the loop is still alive.
func (b *Backend[A, O]) IsRunning() bool {
	return b.loopRunning.Load()
}

// Close requests shutdown and joins the worker goroutine.
func (b *Backend[A, O]) Close() {
	b.RequestShutdown()
	b.wg.Wait()
}

func (b *Backend[A, O]) hasShutdownRequest() bool {
	return b.shutdownRequested.Load() || interrupt.Requested()
}

// failStep records a fatal status on the operator channel and the metrics.
func (b *Backend[A, O]) failStep(status types.Status) {
	log.Error("robot is shut down", "error", status.ErrorMessage, "kind", status.ErrorKind.String())
	b.collector.RecordStepError(status.ErrorKind.String())
}

// loop is the worker goroutine.
func (b *Backend[A, O]) loop() {
	defer b.wg.Done()

	if err := setRealtimePriority(); err != nil {
		log.Debug("real-time scheduling unavailable, continuing with default priority", "error", err)
	}

	start := time.Now()

	// Wait for the first desired action. Slices of waitSlice keep the
	// shutdown flag and the timeout observable.
	for !b.hasShutdownRequest() && !b.data.Desired.WaitForIndex(0, waitSlice) {
		if b.cfg.FirstActionTimeout > 0 && time.Since(start) > b.cfg.FirstActionTimeout {
			var status types.Status
			status.SetError(types.ErrorBackend, msgFirstActionTimeout)
			b.data.Status.Append(status)
			b.failStep(status)
			b.RequestShutdown()
			break
		}
	}

	for t := types.TimeIndex(0); !b.hasShutdownRequest(); t++ {
		var status types.Status

		if b.cfg.MaxNumberOfActions > 0 && uint64(t) >= uint64(b.cfg.MaxNumberOfActions) {
			status.SetError(types.ErrorBackend, msgMaxActionsReached)
		}

		b.timer.start()

		// The observation for step t must be visible before status and
		// applied action of step t are committed.
		observation := b.driver.GetLatestObservation()
		b.timer.checkpoint()

		b.data.Observation.Append(observation)
		b.timer.checkpoint()

		// Real-time admission policy: a late desired action is covered
		// by repeating the previous one, a bounded number of times.
		if b.cfg.RealTimeMode {
			if newest, ok := b.data.Desired.NewestIndex(); !ok || newest < t {
				var repetitions uint32
				if newestStatus, err := b.data.Status.NewestElement(); err == nil {
					repetitions = newestStatus.ActionRepetitions
				}

				if repetitions < b.maxActionRepetitions.Load() {
					if last, err := b.data.Desired.NewestElement(); err == nil {
						b.data.Desired.Append(last)
						status.ActionRepetitions = repetitions + 1
						b.collector.RecordRepetition()
					}
				} else {
					status.SetError(types.ErrorBackend, msgNextActionTimeout)
				}
			}
		}

		// A latched driver fault overrides whatever this step has set so
		// far; the repetition counter stays.
		if message := b.driver.GetError(); message != "" {
			status.SetError(types.ErrorDriver, message)
		}

		b.data.Status.Append(status)

		if status.ErrorKind != types.ErrorNone {
			b.failStep(status)
			break
		}
		b.timer.checkpoint()

		// Wait for the producer. In non-real-time mode this is the sole
		// pacing mechanism and blocks indefinitely.
		for !b.hasShutdownRequest() && !b.data.Desired.WaitForIndex(t, waitSlice) {
		}
		if b.hasShutdownRequest() {
			break
		}

		desired, err := b.data.Desired.At(t)
		if err != nil {
			// The producer ran so far ahead that index t left the
			// history before it could be executed. Nothing sensible can
			// be applied anymore.
			log.Error("desired action no longer available", "t", uint64(t), "error", err)
			break
		}
		b.timer.checkpoint()

		applied := b.driver.ApplyAction(desired)
		b.timer.checkpoint()

		b.data.Applied.Append(applied)
		b.timer.checkpoint()

		b.collector.RecordStep()

		if t > 0 && uint64(t)%statisticsInterval == 0 {
			b.timer.logStatistics()
		}
	}

	b.driver.Shutdown()
	b.loopRunning.Store(false)
	b.collector.SetLoopRunning(false)
	log.Info("backend loop terminated")
}
