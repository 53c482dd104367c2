// ============================================================================
// Robot frontend - the client-facing API
// ============================================================================
//
// Package: internal/frontend
// Responsibility: the producer/consumer surface user code talks to. It
// wraps RobotData; the only series it writes is the desired-action series.
// All reads of future indices suspend in 100 ms slices so that the global
// interrupt can cancel them; no lock is held across a suspension.
//
// ============================================================================

package frontend

import (
	"errors"
	"time"

	"github.com/ChuLiYu/robot-relay/internal/data"
	"github.com/ChuLiYu/robot-relay/internal/interrupt"
	"github.com/ChuLiYu/robot-relay/internal/timeseries"
	"github.com/ChuLiYu/robot-relay/pkg/types"
)

// ErrInterrupted is returned by blocking reads when the process interrupt
// is raised while waiting.
var ErrInterrupted = errors.New("frontend: interrupted while waiting for time index")

// waitSlice bounds how long a blocking read stays suspended before it
// rechecks the interrupt flag.
const waitSlice = 100 * time.Millisecond

// Frontend is the client handle on one robot's data.
type Frontend[A, O any] struct {
	data *data.RobotData[A, O]
}

// New creates a frontend over robotData.
func New[A, O any](robotData *data.RobotData[A, O]) *Frontend[A, O] {
	return &Frontend[A, O]{data: robotData}
}

// AppendDesiredAction hands a new action to the backend and returns the
// time index at which it will be executed.
func (f *Frontend[A, O]) AppendDesiredAction(action A) types.TimeIndex {
	return f.data.Desired.Append(action)
}

// waitFor blocks until index t exists in s or the interrupt is raised.
func waitFor[T any](s timeseries.Series[T], t types.TimeIndex) error {
	for !s.WaitForIndex(t, waitSlice) {
		if interrupt.Requested() {
			return ErrInterrupted
		}
	}
	return nil
}

// GetObservation returns the observation of step t, waiting for the step if
// necessary.
func (f *Frontend[A, O]) GetObservation(t types.TimeIndex) (O, error) {
	if err := waitFor(f.data.Observation, t); err != nil {
		var zero O
		return zero, err
	}
	return f.data.Observation.At(t)
}

// GetDesiredAction returns the desired action of step t, waiting for it if
// necessary.
func (f *Frontend[A, O]) GetDesiredAction(t types.TimeIndex) (A, error) {
	if err := waitFor(f.data.Desired, t); err != nil {
		var zero A
		return zero, err
	}
	return f.data.Desired.At(t)
}

// GetAppliedAction returns the action actually applied at step t, waiting
// for the step to complete if necessary.
func (f *Frontend[A, O]) GetAppliedAction(t types.TimeIndex) (A, error) {
	if err := waitFor(f.data.Applied, t); err != nil {
		var zero A
		return zero, err
	}
	return f.data.Applied.At(t)
}

// GetStatus returns the status of step t, waiting for it if necessary.
func (f *Frontend[A, O]) GetStatus(t types.TimeIndex) (types.Status, error) {
	if err := waitFor(f.data.Status, t); err != nil {
		return types.Status{}, err
	}
	return f.data.Status.At(t)
}

// GetTimestampMS returns the time at which step t was committed by the
// backend, in milliseconds since the Unix epoch. The commit time of the
// observation append defines the step timestamp.
func (f *Frontend[A, O]) GetTimestampMS(t types.TimeIndex) (float64, error) {
	if err := waitFor(f.data.Observation, t); err != nil {
		return 0, err
	}
	return f.data.Observation.TimestampMS(t)
}

// WaitUntilTimeIndex blocks until index t exists in the desired-action
// series.
func (f *Frontend[A, O]) WaitUntilTimeIndex(t types.TimeIndex) error {
	return waitFor(f.data.Desired, t)
}

// GetCurrentTimeIndex returns the newest index of the desired-action
// series. ok is false before the first action.
func (f *Frontend[A, O]) GetCurrentTimeIndex() (types.TimeIndex, bool) {
	return f.data.Desired.NewestIndex()
}
