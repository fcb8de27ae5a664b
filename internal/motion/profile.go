// Package motion derives closed-form trapezoidal velocity profiles for a single
// simulated axis. Profile holds the kinematic limits, Path the geometry of one
// move and Motion binds a Path to wall-clock instants.
//
// Everything here is pure arithmetic on value types: no locking, no logging, no
// clock reads. Velocities are in raw units per second, times in seconds.
package motion

import (
	"math"

	"github.com/pkg/errors"
)

// Profile is the kinematic parameter set of an axis. All derived fields are
// recomputed together by derive, so a Profile value is never partially stale.
type Profile struct {
	minVelocity      float64
	maxVelocity      float64
	accelerationTime float64
	decelerationTime float64

	acceleration           float64
	deceleration           float64
	displacementToReachMax float64
	displacementToReachMin float64
}

// DefaultProfile returns the parameters a freshly created axis starts with.
func DefaultProfile() Profile {
	p := Profile{
		minVelocity:      0,
		maxVelocity:      1,
		accelerationTime: 1,
		decelerationTime: 1,
	}
	p.derive()
	return p
}

// NewProfile validates and builds a profile from its four primary inputs.
func NewProfile(minVelocity, maxVelocity, accelerationTime, decelerationTime float64) (Profile, error) {
	p := Profile{
		minVelocity:      minVelocity,
		maxVelocity:      maxVelocity,
		accelerationTime: accelerationTime,
		decelerationTime: decelerationTime,
	}
	if err := p.Validate(); err != nil {
		return Profile{}, err
	}
	p.derive()
	return p, nil
}

func (p Profile) MinVelocity() float64            { return p.minVelocity }
func (p Profile) MaxVelocity() float64            { return p.maxVelocity }
func (p Profile) AccelerationTime() float64       { return p.accelerationTime }
func (p Profile) DecelerationTime() float64       { return p.decelerationTime }
func (p Profile) Acceleration() float64           { return p.acceleration }
func (p Profile) Deceleration() float64           { return p.deceleration }
func (p Profile) DisplacementToReachMax() float64 { return p.displacementToReachMax }
func (p Profile) DisplacementToReachMin() float64 { return p.displacementToReachMin }

// Flat reports whether base and maximum velocity coincide, in which case there
// is nothing to ramp and every move is a pure cruise.
func (p Profile) Flat() bool {
	return p.maxVelocity-p.minVelocity <= Epsilon*math.Max(1, p.maxVelocity)
}

// SetMinVelocity changes the base velocity. A base velocity above the current
// maximum drags the maximum up with it. Ramp times are kept and the rates are
// re-derived.
func (p *Profile) SetMinVelocity(v float64) error {
	if !isFinite(v) || v < 0 {
		return errors.Wrapf(ErrInvalidParameter, "minimum velocity must be >= 0, got %v", v)
	}
	next := *p
	next.minVelocity = v
	if next.maxVelocity < v {
		next.maxVelocity = v
	}
	return p.commit(next)
}

// SetMaxVelocity changes the top velocity. A maximum below the current base
// velocity drags the base velocity down with it.
func (p *Profile) SetMaxVelocity(v float64) error {
	if !isFinite(v) || v <= 0 {
		return errors.Wrapf(ErrInvalidParameter, "maximum velocity must be > 0, got %v", v)
	}
	next := *p
	next.maxVelocity = v
	if next.minVelocity > v {
		next.minVelocity = v
	}
	return p.commit(next)
}

func (p *Profile) SetAccelerationTime(t float64) error {
	if !isFinite(t) || t <= 0 {
		return errors.Wrapf(ErrInvalidParameter, "acceleration time must be > 0, got %v", t)
	}
	next := *p
	next.accelerationTime = t
	return p.commit(next)
}

func (p *Profile) SetDecelerationTime(t float64) error {
	if !isFinite(t) || t <= 0 {
		return errors.Wrapf(ErrInvalidParameter, "deceleration time must be > 0, got %v", t)
	}
	next := *p
	next.decelerationTime = t
	return p.commit(next)
}

// SetAcceleration sets the acceleration rate by deriving the acceleration time
// that produces it over the current velocity span.
func (p *Profile) SetAcceleration(a float64) error {
	if !isFinite(a) || a <= 0 {
		return errors.Wrapf(ErrInvalidParameter, "acceleration must be > 0, got %v", a)
	}
	if p.Flat() {
		return errors.Wrap(ErrInvalidParameter, "acceleration is undefined while min and max velocity are equal")
	}
	next := *p
	next.accelerationTime = (p.maxVelocity - p.minVelocity) / a
	return p.commit(next)
}

// SetDeceleration sets the (non-positive) deceleration rate by deriving the
// deceleration time.
func (p *Profile) SetDeceleration(d float64) error {
	if !isFinite(d) || d >= 0 {
		return errors.Wrapf(ErrInvalidParameter, "deceleration must be < 0, got %v", d)
	}
	if p.Flat() {
		return errors.Wrap(ErrInvalidParameter, "deceleration is undefined while min and max velocity are equal")
	}
	next := *p
	next.decelerationTime = (p.minVelocity - p.maxVelocity) / d
	return p.commit(next)
}

func (p *Profile) commit(next Profile) error {
	if err := next.Validate(); err != nil {
		return err
	}
	next.derive()
	*p = next
	return nil
}

// Validate checks the primary inputs against the profile invariants.
func (p Profile) Validate() error {
	switch {
	case !isFinite(p.minVelocity) || p.minVelocity < 0:
		return errors.Wrapf(ErrInvalidParameter, "minimum velocity must be >= 0, got %v", p.minVelocity)
	case !isFinite(p.maxVelocity) || p.maxVelocity <= 0:
		return errors.Wrapf(ErrInvalidParameter, "maximum velocity must be > 0, got %v", p.maxVelocity)
	case p.maxVelocity < p.minVelocity:
		return errors.Wrapf(ErrInvalidParameter, "maximum velocity %v below minimum velocity %v", p.maxVelocity, p.minVelocity)
	case !isFinite(p.accelerationTime) || p.accelerationTime <= 0:
		return errors.Wrapf(ErrInvalidParameter, "acceleration time must be > 0, got %v", p.accelerationTime)
	case !isFinite(p.decelerationTime) || p.decelerationTime <= 0:
		return errors.Wrapf(ErrInvalidParameter, "deceleration time must be > 0, got %v", p.decelerationTime)
	}
	return nil
}

func (p *Profile) derive() {
	span := p.maxVelocity - p.minVelocity
	p.acceleration = span / p.accelerationTime
	p.deceleration = -span / p.decelerationTime

	p.displacementToReachMax = p.minVelocity*p.accelerationTime +
		0.5*p.acceleration*p.accelerationTime*p.accelerationTime
	p.displacementToReachMin = p.maxVelocity*p.decelerationTime +
		0.5*p.deceleration*p.decelerationTime*p.decelerationTime
}
