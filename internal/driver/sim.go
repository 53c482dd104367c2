package driver

import (
	"math"
	"sync"
	"time"

	"github.com/ChuLiYu/robot-relay/pkg/types"
)

// SimConfig parameterizes the simulated robot.
type SimConfig struct {
	// Joints is the number of simulated joints.
	Joints int

	// CycleTime is the hardware cadence. GetLatestObservation blocks
	// until the next cycle boundary, which is what paces the backend.
	CycleTime time.Duration

	// TorqueLimit clamps commanded torques to [-TorqueLimit, TorqueLimit].
	TorqueLimit float64

	// WithTipForce adds a simulated end-effector force column to the
	// observations.
	WithTipForce bool
}

// DefaultSimConfig returns a three-joint robot running at 1 kHz.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		Joints:      3,
		CycleTime:   time.Millisecond,
		TorqueLimit: 0.36,
	}
}

// Sim is a kinematic simulation of an n-joint robot. Joint velocity
// integrates the commanded torque, position integrates velocity, and a
// joint-wise PD controller turns position targets into torque. It is used
// by the demo command and stands in for real hardware in tests.
//
// The zero fault state can be overridden with InjectError to exercise the
// backend's driver-fault path.
type Sim struct {
	cfg SimConfig

	mu          sync.Mutex
	position    []float64
	velocity    []float64
	torque      []float64
	initialized bool
	stopped     bool
	fault       string
	lastCycle   time.Time
}

const (
	simDefaultKP = 3.0
	simDefaultKD = 0.1
	// simDamping bleeds off velocity each cycle so the simulation stays
	// bounded under constant torque.
	simDamping = 0.95
)

var _ Driver[types.NJointAction, types.NJointObservation] = (*Sim)(nil)

// NewSim creates a simulated robot.
func NewSim(cfg SimConfig) *Sim {
	if cfg.Joints <= 0 {
		cfg.Joints = DefaultSimConfig().Joints
	}
	if cfg.CycleTime <= 0 {
		cfg.CycleTime = DefaultSimConfig().CycleTime
	}
	if cfg.TorqueLimit <= 0 {
		cfg.TorqueLimit = DefaultSimConfig().TorqueLimit
	}
	return &Sim{
		cfg:      cfg,
		position: make([]float64, cfg.Joints),
		velocity: make([]float64, cfg.Joints),
		torque:   make([]float64, cfg.Joints),
	}
}

// Initialize homes the simulated joints.
func (s *Sim) Initialize() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.position {
		s.position[i] = 0
		s.velocity[i] = 0
		s.torque[i] = 0
	}
	s.initialized = true
	s.lastCycle = time.Now()
	return nil
}

// GetLatestObservation advances the simulation by one cycle and returns the
// resulting sensor snapshot. It sleeps until the cycle boundary, pacing the
// caller at the configured rate.
func (s *Sim) GetLatestObservation() types.NJointObservation {
	s.mu.Lock()
	elapsed := time.Since(s.lastCycle)
	s.mu.Unlock()

	if remaining := s.cfg.CycleTime - elapsed; remaining > 0 {
		time.Sleep(remaining)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCycle = time.Now()

	dt := s.cfg.CycleTime.Seconds()
	for i := range s.position {
		s.velocity[i] = s.velocity[i]*simDamping + s.torque[i]*dt
		s.position[i] += s.velocity[i] * dt
	}

	obs := types.NJointObservation{
		Position: append([]float64(nil), s.position...),
		Velocity: append([]float64(nil), s.velocity...),
		Torque:   append([]float64(nil), s.torque...),
	}
	if s.cfg.WithTipForce {
		force := make([]float64, s.cfg.Joints)
		for i := range force {
			force[i] = math.Abs(s.torque[i]) * 0.5
		}
		obs.TipForce = force
	}
	return obs
}

// ApplyAction runs the joint-wise PD controller, clamps the resulting
// torque and stores it as the command for the next cycles. The returned
// action carries the clamped torques and the gains that were effectively
// used.
func (s *Sim) ApplyAction(desired types.NJointAction) types.NJointAction {
	s.mu.Lock()
	defer s.mu.Unlock()

	applied := types.NJointAction{
		Torque:     make([]float64, s.cfg.Joints),
		Position:   append([]float64(nil), desired.Position...),
		PositionKP: make([]float64, s.cfg.Joints),
		PositionKD: make([]float64, s.cfg.Joints),
	}

	for i := 0; i < s.cfg.Joints; i++ {
		torque := jointValue(desired.Torque, i)
		if math.IsNaN(torque) {
			torque = 0
		}

		target := jointValue(desired.Position, i)
		kp := jointValue(desired.PositionKP, i)
		kd := jointValue(desired.PositionKD, i)
		if math.IsNaN(kp) {
			kp = simDefaultKP
		}
		if math.IsNaN(kd) {
			kd = simDefaultKD
		}

		if !math.IsNaN(target) {
			torque += kp*(target-s.position[i]) - kd*s.velocity[i]
		}

		applied.Torque[i] = clamp(torque, s.cfg.TorqueLimit)
		applied.PositionKP[i] = kp
		applied.PositionKD[i] = kd

		if !s.stopped {
			s.torque[i] = applied.Torque[i]
		}
	}
	return applied
}

// GetError returns the injected fault, if any.
func (s *Sim) GetError() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fault
}

// InjectError latches a fault message, as a failing sensor or an overheated
// motor would. An empty message clears it again (only meaningful in tests).
func (s *Sim) InjectError(message string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = message
}

// Shutdown zeroes all torques and freezes the command input.
func (s *Sim) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for i := range s.torque {
		s.torque[i] = 0
	}
}

// Position returns a copy of the current joint positions.
func (s *Sim) Position() []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.position...)
}

func jointValue(v []float64, i int) float64 {
	if i < len(v) {
		return v[i]
	}
	return math.NaN()
}

func clamp(v, limit float64) float64 {
	return math.Max(-limit, math.Min(limit, v))
}
