package types

import "math"

// ============================================================================
// Generic n-joint robot records
// Responsibility: concrete Action/Observation types for robots that take
// torque or position commands on joint level
// ============================================================================

// NJointAction commands an n-joint robot. The torque command sent to each
// joint is
//
//	sent_torque = Torque + PD(Position)
//
// The position controller runs joint-wise; setting a joint's target position
// to NaN disables it for that joint. Gains set to NaN fall back to the
// driver's defaults. Torque is always added to the controller output, so a
// pure position command needs Torque set to zero.
type NJointAction struct {
	Torque     []float64 `json:"torque"`
	Position   []float64 `json:"position"`
	PositionKP []float64 `json:"position_kp"`
	PositionKD []float64 `json:"position_kd"`
}

// NJointObservation is the sensor snapshot of an n-joint robot.
type NJointObservation struct {
	Position []float64 `json:"position"`
	Velocity []float64 `json:"velocity"`
	Torque   []float64 `json:"torque"`

	// TipForce is only present on robots with end-effector force sensing.
	TipForce []float64 `json:"tip_force,omitempty"`
}

// nanVector returns a vector of n NaN entries.
func nanVector(n int) []float64 {
	v := make([]float64, n)
	for i := range v {
		v[i] = math.NaN()
	}
	return v
}

// ZeroTorqueAction creates an action that applies zero torque and disables
// the position controller on all n joints.
func ZeroTorqueAction(n int) NJointAction {
	return NJointAction{
		Torque:     make([]float64, n),
		Position:   nanVector(n),
		PositionKP: nanVector(n),
		PositionKD: nanVector(n),
	}
}

// TorqueAction creates a pure torque command.
func TorqueAction(torque []float64) NJointAction {
	a := ZeroTorqueAction(len(torque))
	copy(a.Torque, torque)
	return a
}

// PositionAction creates a pure position command with default gains.
func PositionAction(position []float64) NJointAction {
	a := ZeroTorqueAction(len(position))
	copy(a.Position, position)
	return a
}

// TorqueAndPositionAction combines a feed-forward torque with a position
// target.
func TorqueAndPositionAction(torque, position []float64) NJointAction {
	a := TorqueAction(torque)
	copy(a.Position, position)
	return a
}
