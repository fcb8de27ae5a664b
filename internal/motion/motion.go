package motion

import "time"

// Motion is a Path started at a specific instant. It is single use: once the
// final instant passes, the owner discards it.
type Motion struct {
	path Path

	startInstant  time.Time
	maxVelInstant time.Time
	minVelInstant time.Time
	finalInstant  time.Time
}

// NewMotion binds path to start.
func NewMotion(path Path, start time.Time) Motion {
	maxVel := start.Add(seconds(path.maxVelTime))
	minVel := start.Add(seconds(path.maxVelTime + path.atMaxVelTime))
	return Motion{
		path:          path,
		startInstant:  start,
		maxVelInstant: maxVel,
		minVelInstant: minVel,
		finalInstant:  start.Add(seconds(path.duration)),
	}
}

func (m Motion) Path() Path               { return m.path }
func (m Motion) StartInstant() time.Time  { return m.startInstant }
func (m Motion) MaxVelInstant() time.Time { return m.maxVelInstant }
func (m Motion) MinVelInstant() time.Time { return m.minVelInstant }
func (m Motion) FinalInstant() time.Time  { return m.finalInstant }

// Done reports whether the move has reached its final instant at t.
func (m Motion) Done(t time.Time) bool {
	return !t.Before(m.finalInstant)
}

// PositionAt evaluates the raw position at t.
func (m Motion) PositionAt(t time.Time) float64 {
	switch {
	case m.Done(t):
		return m.path.finalPos
	case t.Before(m.startInstant):
		return m.path.initialPos
	case t.After(m.minVelInstant):
		return m.path.decelPosition(t.Sub(m.minVelInstant).Seconds())
	case t.After(m.maxVelInstant):
		return m.path.cruisePosition(t.Sub(m.maxVelInstant).Seconds())
	default:
		return m.path.accelPosition(t.Sub(m.startInstant).Seconds())
	}
}

// VelocityAt evaluates the signed raw velocity at t.
func (m Motion) VelocityAt(t time.Time) float64 {
	return m.path.Velocity(t.Sub(m.startInstant).Seconds())
}
