package backend

import (
	"time"

	"github.com/ChuLiYu/robot-relay/internal/metrics"
)

// Checkpoint names, in step order.
const (
	cpGetObservation    = "get-observation"
	cpAppendObservation = "append-observation"
	cpStatus            = "status"
	cpGetAction         = "get-action"
	cpApplyAction       = "apply-action"
	cpAppendApplied     = "append-applied"
)

var checkpointNames = [...]string{
	cpGetObservation,
	cpAppendObservation,
	cpStatus,
	cpGetAction,
	cpApplyAction,
	cpAppendApplied,
}

// checkpointTimer accumulates per-checkpoint durations across steps. The
// backend loop calls start() once per step and checkpoint() after each
// phase; logStatistics() summarizes and resets the accumulators. Durations
// are also forwarded to the prometheus collector.
type checkpointTimer struct {
	collector *metrics.Collector

	last    time.Time
	current int

	count int
	sums  [len(checkpointNames)]time.Duration
	mins  [len(checkpointNames)]time.Duration
	maxs  [len(checkpointNames)]time.Duration
}

func newCheckpointTimer(collector *metrics.Collector) *checkpointTimer {
	t := &checkpointTimer{collector: collector}
	t.reset()
	return t
}

func (t *checkpointTimer) reset() {
	t.count = 0
	for i := range checkpointNames {
		t.sums[i] = 0
		t.mins[i] = 0
		t.maxs[i] = 0
	}
}

// start begins a new step.
func (t *checkpointTimer) start() {
	t.last = time.Now()
	t.current = 0
	t.count++
}

// checkpoint closes the current phase and accounts its duration.
func (t *checkpointTimer) checkpoint() {
	now := time.Now()
	d := now.Sub(t.last)
	t.last = now

	i := t.current
	t.current++
	if i >= len(checkpointNames) {
		return
	}

	t.sums[i] += d
	if t.count == 1 || d < t.mins[i] {
		t.mins[i] = d
	}
	if d > t.maxs[i] {
		t.maxs[i] = d
	}
	t.collector.ObserveCheckpoint(checkpointNames[i], d)
}

// logStatistics writes one summary line per checkpoint and resets the
// accumulators.
func (t *checkpointTimer) logStatistics() {
	if t.count == 0 {
		return
	}
	for i, name := range checkpointNames {
		log.Info("step timing",
			"checkpoint", name,
			"steps", t.count,
			"mean", (t.sums[i] / time.Duration(t.count)).Round(time.Microsecond),
			"min", t.mins[i].Round(time.Microsecond),
			"max", t.maxs[i].Round(time.Microsecond))
	}
	t.reset()
}
