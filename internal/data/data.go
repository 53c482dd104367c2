// ============================================================================
// RobotData bundle
// Responsibility: owns the four time series the backend and the frontends
// communicate through. The bundle itself is passive; all synchronization
// lives in the series.
//
// Write permissions:
//   - desired action:  frontends, plus the backend when repeating actions
//   - applied action:  backend only
//   - observation:     backend only
//   - status:          backend only
// ============================================================================

package data

import (
	"fmt"

	"github.com/ChuLiYu/robot-relay/internal/shm"
	"github.com/ChuLiYu/robot-relay/internal/timeseries"
	"github.com/ChuLiYu/robot-relay/pkg/types"
)

// RobotData bundles the four series of one robot. All series share the same
// history length. After step t has completed, all four contain index t.
type RobotData[A, O any] struct {
	Desired     timeseries.Series[A]
	Applied     timeseries.Series[A]
	Observation timeseries.Series[O]
	Status      timeseries.Series[types.Status]

	history int
	shared  []interface{ Close() error }
}

// New creates a single-process RobotData. history <= 0 selects the default
// history length.
func New[A, O any](history int) *RobotData[A, O] {
	if history <= 0 {
		history = timeseries.DefaultHistory
	}
	return &RobotData[A, O]{
		Desired:     timeseries.NewRing[A](history),
		Applied:     timeseries.NewRing[A](history),
		Observation: timeseries.NewRing[O](history),
		Status:      timeseries.NewRing[types.Status](history),
		history:     history,
	}
}

// NewMultiprocess creates a RobotData whose series live in named
// shared-memory regions keyed by idPrefix. Exactly one process passes
// isMaster=true and creates the regions; all others attach to them. The
// master should Close the bundle when the robot session ends.
func NewMultiprocess[A, O any](idPrefix string, isMaster bool, history int) (*RobotData[A, O], error) {
	if history <= 0 {
		history = timeseries.DefaultHistory
	}

	d := &RobotData[A, O]{history: history}

	desired, err := sharedSeries[A](idPrefix+"_desired_action", isMaster, history)
	if err != nil {
		return nil, err
	}
	d.Desired = desired
	d.shared = append(d.shared, desired)

	applied, err := sharedSeries[A](idPrefix+"_applied_action", isMaster, history)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.Applied = applied
	d.shared = append(d.shared, applied)

	observation, err := sharedSeries[O](idPrefix+"_observation", isMaster, history)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.Observation = observation
	d.shared = append(d.shared, observation)

	status, err := sharedSeries[types.Status](idPrefix+"_status", isMaster, history)
	if err != nil {
		d.Close()
		return nil, err
	}
	d.Status = status
	d.shared = append(d.shared, status)

	return d, nil
}

func sharedSeries[T any](name string, isMaster bool, history int) (*shm.Shared[T], error) {
	if isMaster {
		s, err := shm.Create[T](name, history, shm.DefaultSlotSize)
		if err != nil {
			return nil, fmt.Errorf("data: create series %s: %w", name, err)
		}
		return s, nil
	}
	s, err := shm.Attach[T](name)
	if err != nil {
		return nil, fmt.Errorf("data: attach series %s: %w", name, err)
	}
	return s, nil
}

// History returns the shared history length of the four series.
func (d *RobotData[A, O]) History() int {
	return d.history
}

// Close releases shared-memory regions. A no-op for single-process data.
func (d *RobotData[A, O]) Close() error {
	var firstErr error
	for _, s := range d.shared {
		if err := s.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	d.shared = nil
	return firstErr
}
