// Package motor simulates a single motorized axis on top of the motion
// package: kinematic parameters, unit scaling, limit switches, power and at
// most one move in flight.
//
// A Motor is driven by polling. Nothing runs in the background; every query
// evaluates the active move at the supplied (or freshly read) instant and
// retires it once it is over. Motor has no internal locking: callers serialize
// access per axis.
package motor

import (
	"math"
	"time"

	"github.com/pkg/errors"

	"motorsim/internal/motion"
)

var (
	ErrPowerOff = errors.New("motor is powered off")
	ErrInMotion = errors.New("motor is already moving")
)

// Option configures a Motor at construction.
type Option func(*Motor) error

// WithProfile starts the motor with the given kinematic profile.
func WithProfile(p motion.Profile) Option {
	return func(m *Motor) error {
		m.profile = p
		return nil
	}
}

// WithKinematics builds the profile from its four primary inputs.
func WithKinematics(minVelocity, maxVelocity, accelerationTime, decelerationTime float64) Option {
	return func(m *Motor) error {
		p, err := motion.NewProfile(minVelocity, maxVelocity, accelerationTime, decelerationTime)
		if err != nil {
			return err
		}
		m.profile = p
		return nil
	}
}

func WithStepPerUnit(stepPerUnit float64) Option {
	return func(m *Motor) error {
		return m.SetStepPerUnit(stepPerUnit)
	}
}

// Motor is a simulated axis.
type Motor struct {
	clock Clock

	profile     motion.Profile
	stepPerUnit float64

	// user units
	lowerLimit float64
	upperLimit float64

	power   bool
	enabled bool

	// raw units, authoritative
	currentPosition float64
	active          *motion.Motion
}

// New creates a powered, enabled motor at raw position 0 with no limits.
// A nil clock means the system clock.
func New(clock Clock, opts ...Option) (*Motor, error) {
	if clock == nil {
		clock = SystemClock{}
	}
	m := &Motor{
		clock:       clock,
		profile:     motion.DefaultProfile(),
		stepPerUnit: 1,
		lowerLimit:  math.Inf(-1),
		upperLimit:  math.Inf(1),
		power:       true,
		enabled:     true,
	}
	for _, opt := range opts {
		if err := opt(m); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *Motor) Profile() motion.Profile   { return m.profile }
func (m *Motor) StepPerUnit() float64      { return m.stepPerUnit }
func (m *Motor) Power() bool               { return m.power }
func (m *Motor) Enabled() bool             { return m.enabled }
func (m *Motor) LowerLimitSwitch() float64 { return m.lowerLimit }
func (m *Motor) UpperLimitSwitch() float64 { return m.upperLimit }

// ActiveMotion returns the move in flight, if any, without evaluating it.
func (m *Motor) ActiveMotion() (motion.Motion, bool) {
	if m.active == nil {
		return motion.Motion{}, false
	}
	return *m.active, true
}

// Profile setters. Each one re-derives the dependent quantities immediately
// and leaves the profile untouched when the input is rejected. A move already
// in flight keeps the profile it started with.

func (m *Motor) SetMinVelocity(v float64) error      { return m.profile.SetMinVelocity(v) }
func (m *Motor) SetMaxVelocity(v float64) error      { return m.profile.SetMaxVelocity(v) }
func (m *Motor) SetAccelerationTime(t float64) error { return m.profile.SetAccelerationTime(t) }
func (m *Motor) SetDecelerationTime(t float64) error { return m.profile.SetDecelerationTime(t) }
func (m *Motor) SetAcceleration(a float64) error     { return m.profile.SetAcceleration(a) }
func (m *Motor) SetDeceleration(d float64) error     { return m.profile.SetDeceleration(d) }

func (m *Motor) SetProfile(p motion.Profile) error {
	if err := p.Validate(); err != nil {
		return err
	}
	m.profile = p
	return nil
}

func (m *Motor) SetStepPerUnit(stepPerUnit float64) error {
	if math.IsNaN(stepPerUnit) || math.IsInf(stepPerUnit, 0) || stepPerUnit <= 0 {
		return errors.Wrapf(motion.ErrInvalidParameter, "step per unit must be > 0, got %v", stepPerUnit)
	}
	m.stepPerUnit = stepPerUnit
	return nil
}

// SetLowerLimitSwitch places the lower limit switch, in user units.
// math.Inf(-1) removes it.
func (m *Motor) SetLowerLimitSwitch(user float64) error {
	if math.IsNaN(user) {
		return errors.Wrap(motion.ErrInvalidParameter, "lower limit is NaN")
	}
	m.lowerLimit = user
	return nil
}

// SetUpperLimitSwitch places the upper limit switch, in user units.
// math.Inf(1) removes it.
func (m *Motor) SetUpperLimitSwitch(user float64) error {
	if math.IsNaN(user) {
		return errors.Wrap(motion.ErrInvalidParameter, "upper limit is NaN")
	}
	m.upperLimit = user
	return nil
}

func (m *Motor) SetPower(on bool)   { m.power = on }
func (m *Motor) SetEnabled(on bool) { m.enabled = on }

// SetCurrentPosition overwrites the raw position.
func (m *Motor) SetCurrentPosition(raw float64) error {
	if math.IsNaN(raw) || math.IsInf(raw, 0) {
		return errors.Wrapf(motion.ErrInvalidParameter, "position must be finite, got %v", raw)
	}
	m.currentPosition = raw
	return nil
}

func (m *Motor) SetCurrentUserPosition(user float64) error {
	return m.SetCurrentPosition(user * m.stepPerUnit)
}

// StartMotion starts a move from initial to final (user units) now.
func (m *Motor) StartMotion(initial, final float64) error {
	return m.StartMotionAt(initial, final, m.clock.Now())
}

// StartMotionAt starts a move from initial to final (user units) at start.
// A move whose final instant is already behind start is retired first; one
// still in progress makes the call fail with ErrInMotion.
func (m *Motor) StartMotionAt(initial, final float64, start time.Time) error {
	if !m.power {
		return errors.Wrapf(ErrPowerOff, "cannot move %v -> %v", initial, final)
	}
	if m.movingAt(start) {
		return errors.Wrapf(ErrInMotion, "cannot move %v -> %v", initial, final)
	}
	if initial*m.stepPerUnit == final*m.stepPerUnit {
		m.retireAt(start)
		return nil
	}

	path, err := motion.NewPath(m.profile, m.stepPerUnit, initial, final)
	if err != nil {
		return errors.Wrapf(err, "move %v -> %v", initial, final)
	}
	m.begin(path, start)
	return nil
}

// StartTimedMotionAt starts a move from initial to final (user units) at start
// that lasts duration, with the maximum velocity retuned to fit. The retuned
// profile is kept only when the move actually starts; any rejection leaves
// the motor as it was.
func (m *Motor) StartTimedMotionAt(initial, final float64, duration time.Duration, start time.Time) error {
	if !m.power {
		return errors.Wrapf(ErrPowerOff, "cannot move %v -> %v", initial, final)
	}
	if m.movingAt(start) {
		return errors.Wrapf(ErrInMotion, "cannot move %v -> %v", initial, final)
	}

	path, err := motion.NewPath(m.profile, m.stepPerUnit, initial, final)
	if err != nil {
		return errors.Wrapf(err, "move %v -> %v", initial, final)
	}
	if err := path.AdjustMaxVelocityForDuration(duration.Seconds()); err != nil {
		return errors.Wrapf(err, "move %v -> %v in %v", initial, final, duration)
	}

	m.begin(path, start)
	m.profile = path.Profile()
	return nil
}

// retireAt drops a move that has already finished at t.
func (m *Motor) retireAt(t time.Time) {
	if m.active != nil {
		m.CurrentPositionAt(t)
	}
}

func (m *Motor) begin(path motion.Path, start time.Time) {
	m.retireAt(start)
	mo := motion.NewMotion(path, start)
	m.active = &mo
	m.currentPosition = path.InitialPos()
}

// AbortMotion stops the active move now.
func (m *Motor) AbortMotion() float64 {
	return m.AbortMotionAt(m.clock.Now())
}

// AbortMotionAt freezes the axis where the active move is at t and returns
// that raw position. Without an active move the current position is returned
// unchanged.
func (m *Motor) AbortMotionAt(t time.Time) float64 {
	if m.active == nil {
		return m.currentPosition
	}
	pos := m.CurrentPositionAt(t)
	m.active = nil
	return pos
}

// AdjustMaxVelocityForDuration changes the maximum velocity so that a move
// from initial to final (user units) lasts duration, keeping the ramp times.
func (m *Motor) AdjustMaxVelocityForDuration(initial, final float64, duration time.Duration) error {
	path, err := motion.NewPath(m.profile, m.stepPerUnit, initial, final)
	if err != nil {
		return err
	}
	if err := path.AdjustMaxVelocityForDuration(duration.Seconds()); err != nil {
		return err
	}
	m.profile = path.Profile()
	return nil
}

func (m *Motor) CurrentPosition() float64 {
	return m.CurrentPositionAt(m.clock.Now())
}

// CurrentPositionAt evaluates the raw position at t, clamps it to the limit
// switches and stores it. The active move is retired when it has finished or
// when a limit switch was hit.
func (m *Motor) CurrentPositionAt(t time.Time) float64 {
	pos := m.currentPosition
	if m.active != nil {
		pos = m.active.PositionAt(t)
		if m.active.Done(t) {
			m.active = nil
		}
	}

	lo, hi := m.rawLimits()
	switch {
	case pos < lo:
		pos = lo
		m.active = nil
	case pos > hi:
		pos = hi
		m.active = nil
	}

	m.currentPosition = pos
	return pos
}

func (m *Motor) CurrentUserPosition() float64 {
	return m.CurrentUserPositionAt(m.clock.Now())
}

func (m *Motor) CurrentUserPositionAt(t time.Time) float64 {
	return m.CurrentPositionAt(t) / m.stepPerUnit
}

func (m *Motor) IsInMotion() bool {
	return m.IsInMotionAt(m.clock.Now())
}

// IsInMotionAt evaluates the axis at t and reports whether a move is still
// active afterwards.
func (m *Motor) IsInMotionAt(t time.Time) bool {
	m.CurrentPositionAt(t)
	return m.active != nil
}

// VelocityAt returns the signed raw velocity of the active move at t without
// evaluating or retiring it.
func (m *Motor) VelocityAt(t time.Time) float64 {
	if m.active == nil || m.active.Done(t) {
		return 0
	}
	return m.active.VelocityAt(t)
}

// HitLowerLimit reports whether the last evaluated position sits on or below
// the lower limit switch. The comparison is made in raw units, against the
// same bound the clamp pins the position to.
func (m *Motor) HitLowerLimit() bool {
	lo, _ := m.rawLimits()
	return m.currentPosition <= lo
}

func (m *Motor) HitUpperLimit() bool {
	_, hi := m.rawLimits()
	return m.currentPosition >= hi
}

// movingAt reports whether the active move would still be running at t,
// without touching any state.
func (m *Motor) movingAt(t time.Time) bool {
	if m.active == nil || m.active.Done(t) {
		return false
	}
	lo, hi := m.rawLimits()
	pos := m.active.PositionAt(t)
	return pos >= lo && pos <= hi
}

func (m *Motor) rawLimits() (float64, float64) {
	return m.lowerLimit * m.stepPerUnit, m.upperLimit * m.stepPerUnit
}
