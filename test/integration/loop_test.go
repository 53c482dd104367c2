// ============================================================================
// End-to-end control-loop tests
// ============================================================================
//
// Package: test/integration
// Purpose: exercise the full stack (simulated driver, backend, frontend,
// logger) and verify the cross-series guarantees:
//   1. index contiguity in every series
//   2. step completeness: status[t] implies observation[t] and, for
//      non-final steps, applied[t]
//   3. bounded termination after a shutdown request
//   4. non-decreasing step timestamps
//
// ============================================================================

package integration

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/robot-relay/internal/backend"
	"github.com/ChuLiYu/robot-relay/internal/data"
	"github.com/ChuLiYu/robot-relay/internal/driver"
	"github.com/ChuLiYu/robot-relay/internal/frontend"
	"github.com/ChuLiYu/robot-relay/internal/interrupt"
	"github.com/ChuLiYu/robot-relay/internal/logger"
	"github.com/ChuLiYu/robot-relay/internal/metrics"
	"github.com/ChuLiYu/robot-relay/pkg/types"
)

func newSimStack(historySize int, cfg backend.Config) (
	*data.RobotData[types.NJointAction, types.NJointObservation],
	*driver.Sim,
	*backend.Backend[types.NJointAction, types.NJointObservation],
	*frontend.Frontend[types.NJointAction, types.NJointObservation],
) {
	robotData := data.New[types.NJointAction, types.NJointObservation](historySize)
	sim := driver.NewSim(driver.SimConfig{Joints: 2, CycleTime: time.Millisecond})
	be := backend.New[types.NJointAction, types.NJointObservation](sim, robotData, cfg, metrics.NewCollector())
	fe := frontend.New(robotData)
	return robotData, sim, be, fe
}

func waitTerminated(t *testing.T, be *backend.Backend[types.NJointAction, types.NJointObservation], within time.Duration) {
	t.Helper()
	deadline := time.Now().Add(within)
	for be.IsRunning() {
		if time.Now().After(deadline) {
			be.RequestShutdown()
			t.Fatal("backend did not terminate in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestFullStackStepCompleteness(t *testing.T) {
	interrupt.Reset()

	const steps = 50

	robotData, _, be, fe := newSimStack(1000, backend.Config{
		RealTimeMode:       true,
		MaxNumberOfActions: steps,
	})
	be.SetMaxActionRepetitions(100) // generous: the producer runs full speed
	require.NoError(t, be.Initialize())
	defer be.Close()

	go func() {
		for i := 0; i < steps; i++ {
			fe.AppendDesiredAction(types.PositionAction([]float64{0.1, -0.1}))
			time.Sleep(time.Millisecond)
		}
	}()

	waitTerminated(t, be, 30*time.Second)

	newestStatus, ok := robotData.Status.NewestIndex()
	require.True(t, ok)
	assert.Equal(t, types.TimeIndex(steps), newestStatus, "the limit step is the final status")

	// Index contiguity and step completeness across all series.
	for ti := types.TimeIndex(0); ti < steps; ti++ {
		status, err := fe.GetStatus(ti)
		require.NoError(t, err, "status[%d]", ti)
		assert.Equal(t, types.ErrorNone, status.ErrorKind, "status[%d]", ti)

		_, err = fe.GetObservation(ti)
		require.NoError(t, err, "observation[%d]", ti)

		applied, err := fe.GetAppliedAction(ti)
		require.NoError(t, err, "applied[%d]", ti)
		assert.Len(t, applied.Torque, 2)

		_, err = fe.GetDesiredAction(ti)
		require.NoError(t, err, "desired[%d]", ti)
	}

	// The limit step carries the error and no applied action.
	status, err := fe.GetStatus(steps)
	require.NoError(t, err)
	assert.Equal(t, types.ErrorBackend, status.ErrorKind)
	assert.False(t, robotData.Applied.WaitForIndex(steps, 50*time.Millisecond))

	// Timestamps are non-decreasing in the time index.
	prev := 0.0
	for ti := types.TimeIndex(0); ti < steps; ti++ {
		stamp, err := fe.GetTimestampMS(ti)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, stamp, prev, "timestamp[%d]", ti)
		prev = stamp
	}
}

func TestFullStackShutdownLatency(t *testing.T) {
	interrupt.Reset()

	_, _, be, fe := newSimStack(1000, backend.DefaultConfig())
	be.SetMaxActionRepetitions(1000)
	require.NoError(t, be.Initialize())
	defer be.Close()

	fe.AppendDesiredAction(types.ZeroTorqueAction(2))

	// Let the loop spin on repetitions for a moment.
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	be.RequestShutdown()
	be.WaitUntilTerminated()

	// One wait slice, one driver cycle and one termination poll, with
	// scheduling headroom.
	assert.Less(t, time.Since(start), time.Second)
}

func TestFullStackDriverFault(t *testing.T) {
	interrupt.Reset()

	robotData, sim, be, fe := newSimStack(1000, backend.DefaultConfig())
	be.SetMaxActionRepetitions(10000)
	require.NoError(t, be.Initialize())
	defer be.Close()

	fe.AppendDesiredAction(types.ZeroTorqueAction(2))

	require.Eventually(t, func() bool {
		newest, ok := robotData.Status.NewestIndex()
		return ok && newest >= 3
	}, 10*time.Second, 5*time.Millisecond)

	sim.InjectError("motor board disconnected")
	waitTerminated(t, be, 5*time.Second)

	newest, ok := robotData.Status.NewestIndex()
	require.True(t, ok)
	status, err := robotData.Status.At(newest)
	require.NoError(t, err)
	assert.Equal(t, types.ErrorDriver, status.ErrorKind)
	assert.Equal(t, "motor board disconnected", status.ErrorMessage)
}

func TestFullStackWithLogger(t *testing.T) {
	interrupt.Reset()

	const steps = 20

	robotData, _, be, fe := newSimStack(1000, backend.Config{
		RealTimeMode:       true,
		MaxNumberOfActions: steps,
	})
	be.SetMaxActionRepetitions(100)
	require.NoError(t, be.Initialize())
	defer be.Close()

	path := filepath.Join(t.TempDir(), "robot.log")
	snapLogger := logger.New(robotData, logger.Config{
		Path:          path,
		FlushInterval: 20 * time.Millisecond,
	})
	require.NoError(t, snapLogger.Start())

	go func() {
		for i := 0; i < steps; i++ {
			fe.AppendDesiredAction(types.ZeroTorqueAction(2))
			time.Sleep(time.Millisecond)
		}
	}()

	waitTerminated(t, be, 30*time.Second)

	// Stop does not drain pending steps, so give the logger time to catch
	// up with the final steps before stopping it.
	require.Eventually(t, func() bool {
		newest, ok := robotData.Status.NewestIndex()
		return ok && newest == steps
	}, 5*time.Second, 10*time.Millisecond)
	time.Sleep(300 * time.Millisecond)
	require.NoError(t, snapLogger.Stop())

	info, err := filepath.Glob(path)
	require.NoError(t, err)
	require.Len(t, info, 1, "record file exists")
}

func TestMultiprocessDataWithBackend(t *testing.T) {
	interrupt.Reset()

	prefix := fmt.Sprintf("robot_relay_integration_%d", time.Now().UnixNano())

	masterData, err := data.NewMultiprocess[types.NJointAction, types.NJointObservation](prefix, true, 100)
	require.NoError(t, err)
	defer masterData.Close()

	clientData, err := data.NewMultiprocess[types.NJointAction, types.NJointObservation](prefix, false, 100)
	require.NoError(t, err)
	defer clientData.Close()

	sim := driver.NewSim(driver.SimConfig{Joints: 2, CycleTime: time.Millisecond})
	be := backend.New[types.NJointAction, types.NJointObservation](sim, masterData, backend.Config{
		RealTimeMode:       true,
		MaxNumberOfActions: 5,
	}, nil)
	be.SetMaxActionRepetitions(100)
	require.NoError(t, be.Initialize())
	defer be.Close()

	// The "client process" side produces and consumes through its own
	// mapping of the same regions.
	fe := frontend.New(clientData)
	for i := 0; i < 5; i++ {
		fe.AppendDesiredAction(types.ZeroTorqueAction(2))
	}

	waitTerminated(t, be, 30*time.Second)

	for ti := types.TimeIndex(0); ti < 5; ti++ {
		status, err := fe.GetStatus(ti)
		require.NoError(t, err)
		assert.Equal(t, types.ErrorNone, status.ErrorKind, "status[%d]", ti)

		obs, err := fe.GetObservation(ti)
		require.NoError(t, err)
		assert.Len(t, obs.Position, 2)
	}
}
