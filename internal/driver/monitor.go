package driver

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

var log = slog.Default()

// MonitorConfig bounds the timing of action execution. A zero duration
// disables the corresponding check.
type MonitorConfig struct {
	// MaxActionDuration is the maximum time one ApplyAction call may take.
	MaxActionDuration time.Duration

	// MaxInterActionDuration is the maximum time allowed between the end
	// of one ApplyAction and the arrival of the next.
	MaxInterActionDuration time.Duration
}

// Monitored wraps a Driver and enforces the timing constraints of
// MonitorConfig with a watchdog goroutine. On a violation the robot is shut
// down and the violation is latched as a fault, so the backend sees it
// through GetError on its next step and terminates.
//
// The wrapper also guarantees that the inner driver's Shutdown is called at
// most once, even when both the watchdog and the backend race to stop the
// robot.
type Monitored[A, O any] struct {
	inner Driver[A, O]
	cfg   MonitorConfig

	actionStart   atomic.Int64 // UnixNano of the running ApplyAction, 0 if none
	lastActionEnd atomic.Int64 // UnixNano of the last completed ApplyAction
	sawAction     atomic.Bool  // inter-action gaps are only checked after the first action

	faultMu sync.Mutex
	fault   string

	shutdown     atomic.Bool
	shutdownOnce sync.Once
	stopOnce     sync.Once
	stopCh       chan struct{}
	wg           sync.WaitGroup
}

var _ Driver[int, int] = (*Monitored[int, int])(nil)

// NewMonitored wraps robotDriver with the watchdog. With both limits
// disabled the watchdog goroutine is not started and the wrapper only adds
// the shutdown-once guarantee.
func NewMonitored[A, O any](robotDriver Driver[A, O], cfg MonitorConfig) *Monitored[A, O] {
	m := &Monitored[A, O]{
		inner:  robotDriver,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
	m.lastActionEnd.Store(time.Now().UnixNano())

	if cfg.MaxActionDuration > 0 || cfg.MaxInterActionDuration > 0 {
		m.wg.Add(1)
		go m.watchdog()
	} else {
		log.Warn("driver monitor created without timing limits, watchdog not running")
	}
	return m
}

// watchdog checks the timing constraints at a fraction of the smallest
// configured limit.
func (m *Monitored[A, O]) watchdog() {
	defer m.wg.Done()

	interval := m.cfg.MaxActionDuration
	if interval == 0 || (m.cfg.MaxInterActionDuration > 0 && m.cfg.MaxInterActionDuration < interval) {
		interval = m.cfg.MaxInterActionDuration
	}
	interval /= 4
	if interval < time.Millisecond {
		interval = time.Millisecond
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			now := time.Now().UnixNano()

			if start := m.actionStart.Load(); start != 0 && m.cfg.MaxActionDuration > 0 {
				if elapsed := time.Duration(now - start); elapsed > m.cfg.MaxActionDuration {
					m.trip(fmt.Sprintf(
						"action took longer than %s (%s)",
						m.cfg.MaxActionDuration, elapsed.Round(time.Microsecond)))
					return
				}
			} else if start == 0 && m.cfg.MaxInterActionDuration > 0 && m.sawAction.Load() {
				gap := time.Duration(now - m.lastActionEnd.Load())
				if gap > m.cfg.MaxInterActionDuration {
					m.trip(fmt.Sprintf(
						"next action was not received within %s (%s)",
						m.cfg.MaxInterActionDuration, gap.Round(time.Microsecond)))
					return
				}
			}
		}
	}
}

// trip latches the fault and stops the robot.
func (m *Monitored[A, O]) trip(message string) {
	m.faultMu.Lock()
	if m.fault == "" {
		m.fault = message
	}
	m.faultMu.Unlock()

	log.Error("driver monitor tripped, shutting robot down", "fault", message)

	m.shutdown.Store(true)
	m.shutdownOnce.Do(m.inner.Shutdown)
}

// Initialize forwards to the wrapped driver.
func (m *Monitored[A, O]) Initialize() error {
	return m.inner.Initialize()
}

// GetLatestObservation forwards to the wrapped driver.
func (m *Monitored[A, O]) GetLatestObservation() O {
	return m.inner.GetLatestObservation()
}

// ApplyAction forwards to the wrapped driver while timing the call. After a
// shutdown the action is ignored and returned unchanged.
func (m *Monitored[A, O]) ApplyAction(desired A) A {
	if m.shutdown.Load() {
		return desired
	}

	m.actionStart.Store(time.Now().UnixNano())
	applied := m.inner.ApplyAction(desired)
	m.lastActionEnd.Store(time.Now().UnixNano())
	m.actionStart.Store(0)
	m.sawAction.Store(true)
	return applied
}

// GetError returns the wrapped driver's fault if any, otherwise a latched
// watchdog violation.
func (m *Monitored[A, O]) GetError() string {
	if msg := m.inner.GetError(); msg != "" {
		return msg
	}
	m.faultMu.Lock()
	defer m.faultMu.Unlock()
	return m.fault
}

// Shutdown stops the watchdog and shuts the robot down exactly once.
func (m *Monitored[A, O]) Shutdown() {
	m.shutdown.Store(true)
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
	m.shutdownOnce.Do(m.inner.Shutdown)
}
