package motion

import (
	"math"

	"github.com/pkg/errors"
)

// Path is the shape of one move: where the axis accelerates, cruises and
// decelerates, and how long each phase lasts. Positions are raw units, times are
// seconds relative to the start of the move.
type Path struct {
	profile     Profile
	stepPerUnit float64

	initialPos           float64
	finalPos             float64
	displacement         float64
	positiveDisplacement bool
	smallMotion          bool

	// signed for the direction of travel
	startVelocity float64
	peakVelocity  float64
	acceleration  float64
	deceleration  float64

	maxVelPos              float64
	displacementToReachMax float64
	displacementToReachMin float64
	atMaxVelDisplacement   float64

	maxVelTime   float64
	minVelTime   float64
	atMaxVelTime float64
	duration     float64
}

// NewPath derives the path of a move from initialUser to finalUser (user units)
// under the given profile. stepPerUnit converts user units to raw units.
func NewPath(profile Profile, stepPerUnit, initialUser, finalUser float64) (Path, error) {
	if err := profile.Validate(); err != nil {
		return Path{}, err
	}
	if !isFinite(stepPerUnit) || stepPerUnit <= 0 {
		return Path{}, errors.Wrapf(ErrInvalidParameter, "step per unit must be > 0, got %v", stepPerUnit)
	}
	if !isFinite(initialUser) || !isFinite(finalUser) {
		return Path{}, errors.Wrapf(ErrInvalidParameter, "positions must be finite, got %v -> %v", initialUser, finalUser)
	}

	p := Path{
		profile:     profile,
		stepPerUnit: stepPerUnit,
		initialPos:  initialUser * stepPerUnit,
		finalPos:    finalUser * stepPerUnit,
	}
	if err := p.derive(); err != nil {
		return Path{}, err
	}
	return p, nil
}

func (p Path) Profile() Profile                { return p.profile }
func (p Path) StepPerUnit() float64            { return p.stepPerUnit }
func (p Path) InitialPos() float64             { return p.initialPos }
func (p Path) FinalPos() float64               { return p.finalPos }
func (p Path) Displacement() float64           { return p.displacement }
func (p Path) PositiveDisplacement() bool      { return p.positiveDisplacement }
func (p Path) SmallMotion() bool               { return p.smallMotion }
func (p Path) StartVelocity() float64          { return p.startVelocity }
func (p Path) PeakVelocity() float64           { return p.peakVelocity }
func (p Path) Acceleration() float64           { return p.acceleration }
func (p Path) Deceleration() float64           { return p.deceleration }
func (p Path) MaxVelPos() float64              { return p.maxVelPos }
func (p Path) DisplacementToReachMax() float64 { return p.displacementToReachMax }
func (p Path) DisplacementToReachMin() float64 { return p.displacementToReachMin }
func (p Path) AtMaxVelDisplacement() float64   { return p.atMaxVelDisplacement }
func (p Path) MaxVelTime() float64             { return p.maxVelTime }
func (p Path) MinVelTime() float64             { return p.minVelTime }
func (p Path) AtMaxVelTime() float64           { return p.atMaxVelTime }
func (p Path) Duration() float64               { return p.duration }

func (p *Path) derive() error {
	prof := p.profile

	p.displacement = math.Abs(p.finalPos - p.initialPos)
	p.positiveDisplacement = p.finalPos >= p.initialPos
	sign := direction(p.positiveDisplacement)

	p.acceleration = sign * prof.acceleration
	p.deceleration = sign * prof.deceleration
	p.startVelocity = sign * prof.minVelocity

	switch {
	case prof.Flat():
		// No velocity change is possible: cruise the whole way.
		p.smallMotion = false
		p.peakVelocity = sign * prof.maxVelocity
		p.startVelocity = p.peakVelocity
		p.maxVelPos = p.initialPos
		p.displacementToReachMax = 0
		p.displacementToReachMin = 0
		p.atMaxVelDisplacement = p.displacement

	case p.displacement < prof.displacementToReachMax+prof.displacementToReachMin:
		p.smallMotion = true
		a, d := p.acceleration, p.deceleration
		p.maxVelPos = (p.initialPos*a - p.finalPos*d) / (a - d)
		p.displacementToReachMax = math.Abs(p.maxVelPos - p.initialPos)
		p.displacementToReachMin = math.Abs(p.finalPos - p.maxVelPos)

		ma, md := math.Abs(a), math.Abs(d)
		operand := prof.minVelocity*prof.minVelocity + 2*ma*md*p.displacement/(ma+md)
		peak, err := clampedSqrt(operand, prof.minVelocity*prof.minVelocity)
		if err != nil {
			return err
		}
		p.peakVelocity = sign * peak
		p.atMaxVelDisplacement = 0

	default:
		p.smallMotion = false
		p.displacementToReachMax = prof.displacementToReachMax
		p.displacementToReachMin = prof.displacementToReachMin
		p.maxVelPos = p.initialPos + sign*prof.displacementToReachMax
		p.atMaxVelDisplacement = p.displacement - (prof.displacementToReachMax + prof.displacementToReachMin)
		p.peakVelocity = sign * prof.maxVelocity
	}

	speed := math.Abs(p.peakVelocity)
	if prof.Flat() {
		p.maxVelTime = 0
		p.minVelTime = 0
	} else {
		p.maxVelTime = math.Abs(speed-prof.minVelocity) / math.Abs(p.acceleration)
		p.minVelTime = math.Abs(prof.minVelocity-speed) / math.Abs(p.deceleration)
	}
	if p.smallMotion {
		p.atMaxVelTime = 0
	} else {
		p.atMaxVelTime = math.Abs(p.atMaxVelDisplacement) / speed
	}
	p.duration = p.maxVelTime + p.atMaxVelTime + p.minVelTime

	return p.check()
}

// clampedSqrt takes the root of a peak-velocity operand. Operands that went
// slightly negative through cancellation are treated as zero; anything more
// negative than the tolerance means the derivation is broken.
func clampedSqrt(operand, scale float64) (float64, error) {
	if math.IsNaN(operand) {
		return 0, errors.Wrap(ErrInconsistentPath, "peak velocity operand is NaN")
	}
	if operand < 0 {
		if operand < -tolerance(scale) {
			return 0, errors.Wrapf(ErrInconsistentPath, "negative peak velocity operand %v", operand)
		}
		operand = 0
	}
	return math.Sqrt(operand), nil
}

func (p Path) check() error {
	tol := tolerance(p.initialPos, p.finalPos, p.displacement)

	for name, v := range map[string]float64{
		"maxVelPos":              p.maxVelPos,
		"displacementToReachMax": p.displacementToReachMax,
		"displacementToReachMin": p.displacementToReachMin,
		"atMaxVelDisplacement":   p.atMaxVelDisplacement,
		"peakVelocity":           p.peakVelocity,
		"maxVelTime":             p.maxVelTime,
		"minVelTime":             p.minVelTime,
		"atMaxVelTime":           p.atMaxVelTime,
		"duration":               p.duration,
	} {
		if !isFinite(v) {
			return errors.Wrapf(ErrInconsistentPath, "%s is not finite", name)
		}
	}

	switch {
	case !within(p.maxVelPos, p.initialPos, p.finalPos, tol):
		return errors.Wrapf(ErrInconsistentPath, "maxVelPos %v outside [%v, %v]", p.maxVelPos, p.initialPos, p.finalPos)
	case p.displacementToReachMax < -tol, p.displacementToReachMin < -tol, p.atMaxVelDisplacement < -tol:
		return errors.Wrapf(ErrInconsistentPath, "negative phase displacement (%v, %v, %v)",
			p.displacementToReachMax, p.atMaxVelDisplacement, p.displacementToReachMin)
	case p.maxVelTime < 0, p.minVelTime < 0, p.atMaxVelTime < 0, p.duration < 0:
		return errors.Wrapf(ErrInconsistentPath, "negative phase time (%v, %v, %v)", p.maxVelTime, p.atMaxVelTime, p.minVelTime)
	case p.smallMotion && (p.atMaxVelTime != 0 || p.atMaxVelDisplacement != 0):
		return errors.Wrapf(ErrInconsistentPath, "small motion with cruise phase (%v s, %v)", p.atMaxVelTime, p.atMaxVelDisplacement)
	case !p.smallMotion && math.Abs(p.peakVelocity) != p.profile.maxVelocity:
		return errors.Wrapf(ErrInconsistentPath, "peak velocity %v differs from maximum velocity %v", p.peakVelocity, p.profile.maxVelocity)
	}

	covered := p.displacementToReachMax + p.atMaxVelDisplacement + p.displacementToReachMin
	if math.Abs(covered-p.displacement) > tolerance(p.displacement, covered)*1e3 {
		return errors.Wrapf(ErrInconsistentPath, "phases cover %v of a %v displacement", covered, p.displacement)
	}
	return nil
}

// AdjustMaxVelocityForDuration rescales the maximum velocity so the move takes
// the given number of seconds, keeping the ramp times fixed. The path's profile
// snapshot is updated; callers adopt it through Profile.
func (p *Path) AdjustMaxVelocityForDuration(duration float64) error {
	if p.smallMotion {
		return errors.Wrap(ErrSmallMotion, "cannot stretch a move that never reaches maximum velocity")
	}
	prof := p.profile
	ramps := prof.accelerationTime + prof.decelerationTime
	if !isFinite(duration) || duration <= ramps {
		return errors.Wrapf(ErrDurationTooShort, "duration %v must exceed ramp time %v", duration, ramps)
	}

	v := (p.displacement - prof.minVelocity*ramps/2) / (duration - ramps/2)
	if v < prof.minVelocity || v <= 0 {
		return errors.Wrapf(ErrDurationTooShort, "duration %v needs maximum velocity %v below base velocity %v",
			duration, v, prof.minVelocity)
	}

	next := *p
	if err := next.profile.SetMaxVelocity(v); err != nil {
		return err
	}
	if err := next.derive(); err != nil {
		return err
	}
	*p = next
	return nil
}

// Position returns the raw position elapsed seconds after the move started.
func (p Path) Position(elapsed float64) float64 {
	switch {
	case elapsed >= p.duration:
		return p.finalPos
	case elapsed > p.maxVelTime+p.atMaxVelTime:
		return p.decelPosition(elapsed - p.maxVelTime - p.atMaxVelTime)
	case elapsed > p.maxVelTime:
		return p.cruisePosition(elapsed - p.maxVelTime)
	default:
		return p.accelPosition(elapsed)
	}
}

// Velocity returns the signed velocity elapsed seconds after the move started.
func (p Path) Velocity(elapsed float64) float64 {
	switch {
	case elapsed < 0, elapsed >= p.duration:
		return 0
	case elapsed > p.maxVelTime+p.atMaxVelTime:
		return p.peakVelocity + p.deceleration*(elapsed-p.maxVelTime-p.atMaxVelTime)
	case elapsed > p.maxVelTime:
		return p.peakVelocity
	default:
		return p.startVelocity + p.acceleration*elapsed
	}
}

func (p Path) accelPosition(dt float64) float64 {
	if dt <= 0 {
		return p.initialPos
	}
	return p.initialPos + p.startVelocity*dt + 0.5*p.acceleration*dt*dt
}

func (p Path) cruisePosition(dt float64) float64 {
	sign := direction(p.positiveDisplacement)
	return p.initialPos + sign*p.displacementToReachMax + p.peakVelocity*dt
}

func (p Path) decelPosition(dt float64) float64 {
	sign := direction(p.positiveDisplacement)
	return p.initialPos + sign*(p.displacementToReachMax+p.atMaxVelDisplacement) +
		p.peakVelocity*dt + 0.5*p.deceleration*dt*dt
}
