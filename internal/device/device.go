// Package device binds simulated motors to axis identifiers and serializes
// access to them. It is the layer the transports talk to: commands arrive
// through the Controller, and axis state leaves through Sinks after every poll
// that changed something.
package device

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"

	"motorsim/internal/motion"
	"motorsim/internal/motor"
	"motorsim/pkg/types"
)

var ErrUnknownAxis = errors.New("unknown axis")

// Sink receives axis state whenever it changes.
type Sink interface {
	Publish(ctx context.Context, state types.AxisState) error
	Close() error
}

// Axis is one motor behind its own lock.
type Axis struct {
	id    types.AxisID
	units string

	lock  sync.Mutex
	motor *motor.Motor

	last      types.AxisState
	published bool
}

func newAxis(id types.AxisID, config types.AxisConfig, clock motor.Clock) (*Axis, error) {
	m, err := motor.New(clock,
		motor.WithKinematics(config.MinVelocity, config.MaxVelocity, config.AccelerationTime, config.DecelerationTime),
		motor.WithStepPerUnit(stepPerUnitOrDefault(config.StepPerUnit)),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "axis %s", id)
	}

	a := &Axis{id: id, units: config.Units, motor: m}
	if err := a.applyLimits(config); err != nil {
		return nil, err
	}
	m.SetPower(config.Power)
	if err := m.SetCurrentUserPosition(config.Position); err != nil {
		return nil, errors.Wrapf(err, "axis %s", id)
	}
	return a, nil
}

func (a *Axis) ID() types.AxisID { return a.id }
func (a *Axis) Units() string    { return a.units }

// Do runs fn with exclusive access to the axis motor.
func (a *Axis) Do(fn func(m *motor.Motor) error) error {
	a.lock.Lock()
	defer a.lock.Unlock()
	return fn(a.motor)
}

// stateAt evaluates the motor at t. Caller holds the lock.
func (a *Axis) stateAt(t time.Time) types.AxisState {
	m := a.motor
	position := m.CurrentUserPositionAt(t)
	return types.AxisState{
		ID:         a.id,
		Position:   position,
		Velocity:   m.VelocityAt(t) / m.StepPerUnit(),
		Moving:     m.IsInMotionAt(t),
		LowerLimit: m.HitLowerLimit(),
		UpperLimit: m.HitUpperLimit(),
		Power:      m.Power(),
		Timestamp:  t,
	}
}

// config reports the axis as it would be persisted. Caller holds the lock.
func (a *Axis) config(t time.Time) types.AxisConfig {
	m := a.motor
	p := m.Profile()
	c := types.AxisConfig{
		MinVelocity:      p.MinVelocity(),
		MaxVelocity:      p.MaxVelocity(),
		AccelerationTime: p.AccelerationTime(),
		DecelerationTime: p.DecelerationTime(),
		StepPerUnit:      m.StepPerUnit(),
		Power:            m.Power(),
		Position:         m.CurrentUserPositionAt(t),
		Units:            a.units,
	}
	if lo := m.LowerLimitSwitch(); !math.IsInf(lo, 0) {
		c.LowerLimit = &lo
	}
	if hi := m.UpperLimitSwitch(); !math.IsInf(hi, 0) {
		c.UpperLimit = &hi
	}
	return c
}

// apply replaces kinematics, scaling, limits and power. Nothing changes when
// any part is rejected. Caller holds the lock.
func (a *Axis) apply(config types.AxisConfig, t time.Time) error {
	m := a.motor
	if m.IsInMotionAt(t) {
		return errors.Wrapf(motor.ErrInMotion, "cannot configure axis %s", a.id)
	}

	profile, err := motion.NewProfile(config.MinVelocity, config.MaxVelocity, config.AccelerationTime, config.DecelerationTime)
	if err != nil {
		return errors.Wrapf(err, "axis %s", a.id)
	}
	spu := stepPerUnitOrDefault(config.StepPerUnit)
	if math.IsNaN(spu) || math.IsInf(spu, 0) || spu <= 0 {
		return errors.Wrapf(motion.ErrInvalidParameter, "axis %s: step per unit must be > 0, got %v", a.id, spu)
	}
	lo, hi := limitsOf(config)
	if math.IsNaN(lo) || math.IsNaN(hi) || lo >= hi {
		return errors.Wrapf(motion.ErrInvalidParameter, "axis %s: lower limit %v not below upper limit %v", a.id, lo, hi)
	}

	if err := m.SetProfile(profile); err != nil {
		return errors.Wrapf(err, "axis %s", a.id)
	}
	if err := m.SetStepPerUnit(spu); err != nil {
		return errors.Wrapf(err, "axis %s", a.id)
	}
	if err := a.applyLimits(config); err != nil {
		return err
	}
	m.SetPower(config.Power)
	if config.Units != "" {
		a.units = config.Units
	}
	return nil
}

func (a *Axis) applyLimits(config types.AxisConfig) error {
	lo, hi := limitsOf(config)
	if err := a.motor.SetLowerLimitSwitch(lo); err != nil {
		return errors.Wrapf(err, "axis %s", a.id)
	}
	if err := a.motor.SetUpperLimitSwitch(hi); err != nil {
		return errors.Wrapf(err, "axis %s", a.id)
	}
	return nil
}

func limitsOf(config types.AxisConfig) (float64, float64) {
	lo, hi := math.Inf(-1), math.Inf(1)
	if config.LowerLimit != nil {
		lo = *config.LowerLimit
	}
	if config.UpperLimit != nil {
		hi = *config.UpperLimit
	}
	return lo, hi
}

func stepPerUnitOrDefault(spu float64) float64 {
	if spu == 0 {
		return 1
	}
	return spu
}
