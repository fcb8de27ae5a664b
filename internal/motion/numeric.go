package motion

import (
	"math"
	"time"

	"github.com/pkg/errors"
)

// Epsilon is the relative tolerance used when checking path invariants and
// when deciding whether a square-root operand is a rounding artifact.
const Epsilon = 1e-9

var (
	ErrInvalidParameter = errors.New("invalid kinematic parameter")
	ErrSmallMotion      = errors.New("operation requires a motion that reaches maximum velocity")
	ErrDurationTooShort = errors.New("requested duration is too short for the profile")

	// ErrInconsistentPath marks a violated derivation invariant. Operations
	// returning it have not committed any state.
	ErrInconsistentPath = errors.New("inconsistent motion path")
)

// IsFatal reports whether err is an internal consistency failure rather than a
// rejected precondition.
func IsFatal(err error) bool {
	return errors.Is(err, ErrInconsistentPath)
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// tolerance scales Epsilon to the magnitude of the operands.
func tolerance(values ...float64) float64 {
	m := 1.0
	for _, v := range values {
		if a := math.Abs(v); a > m {
			m = a
		}
	}
	return Epsilon * m
}

// within reports whether v lies in the closed interval spanned by a and b.
func within(v, a, b, tol float64) bool {
	lo, hi := math.Min(a, b), math.Max(a, b)
	return v >= lo-tol && v <= hi+tol
}

func direction(positive bool) float64 {
	if positive {
		return 1
	}
	return -1
}

// seconds converts a floating point number of seconds into a Duration,
// rounding to the nearest nanosecond.
func seconds(s float64) time.Duration {
	return time.Duration(math.Round(s * float64(time.Second)))
}
