package motion

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewProfileDerivesRates(t *testing.T) {
	t.Parallel()

	p, err := NewProfile(2, 100, 2, 4)
	require.NoError(t, err)

	assert.Equal(t, 49.0, p.Acceleration())
	assert.Equal(t, -24.5, p.Deceleration())
	assert.InDelta(t, 102.0, p.DisplacementToReachMax(), 1e-12)
	assert.InDelta(t, 204.0, p.DisplacementToReachMin(), 1e-12)
}

func TestNewProfileValidation(t *testing.T) {
	t.Parallel()

	cases := map[string][4]float64{
		"negative min velocity": {-1, 10, 1, 1},
		"zero max velocity":     {0, 0, 1, 1},
		"max below min":         {5, 4, 1, 1},
		"zero acceleration":     {0, 1, 0, 1},
		"negative deceleration": {0, 1, 1, -2},
		"NaN velocity":          {0, math.NaN(), 1, 1},
	}
	for name, in := range cases {
		in := in
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := NewProfile(in[0], in[1], in[2], in[3])
			assert.ErrorIs(t, err, ErrInvalidParameter)
		})
	}
}

func TestProfileVelocityChangeKeepsTimes(t *testing.T) {
	t.Parallel()

	p, err := NewProfile(0, 10, 2, 2)
	require.NoError(t, err)
	require.Equal(t, 5.0, p.Acceleration())

	require.NoError(t, p.SetMaxVelocity(20))
	assert.Equal(t, 2.0, p.AccelerationTime())
	assert.Equal(t, 10.0, p.Acceleration())
	assert.Equal(t, -10.0, p.Deceleration())

	require.NoError(t, p.SetMinVelocity(4))
	assert.Equal(t, 8.0, p.Acceleration())
	assert.InDelta(t, 4*2+0.5*8*4, p.DisplacementToReachMax(), 1e-12)
}

func TestProfileVelocityOrdering(t *testing.T) {
	t.Parallel()

	p, err := NewProfile(1, 10, 1, 1)
	require.NoError(t, err)

	require.NoError(t, p.SetMinVelocity(30))
	assert.Equal(t, 30.0, p.MaxVelocity())
	assert.True(t, p.Flat())

	require.NoError(t, p.SetMaxVelocity(3))
	assert.Equal(t, 3.0, p.MinVelocity())
}

func TestProfileRateSetters(t *testing.T) {
	t.Parallel()

	p, err := NewProfile(0, 10, 1, 1)
	require.NoError(t, err)

	require.NoError(t, p.SetAcceleration(5))
	assert.Equal(t, 2.0, p.AccelerationTime())
	assert.Equal(t, 5.0, p.Acceleration())

	require.NoError(t, p.SetDeceleration(-2.5))
	assert.Equal(t, 4.0, p.DecelerationTime())
	assert.Equal(t, -2.5, p.Deceleration())
}

func TestProfileRejectedInputLeavesProfileUnchanged(t *testing.T) {
	t.Parallel()

	p, err := NewProfile(2, 100, 2, 2)
	require.NoError(t, err)
	before := p

	assert.ErrorIs(t, p.SetMinVelocity(-1), ErrInvalidParameter)
	assert.ErrorIs(t, p.SetMaxVelocity(0), ErrInvalidParameter)
	assert.ErrorIs(t, p.SetAccelerationTime(0), ErrInvalidParameter)
	assert.ErrorIs(t, p.SetDecelerationTime(math.Inf(1)), ErrInvalidParameter)
	assert.ErrorIs(t, p.SetAcceleration(-3), ErrInvalidParameter)
	assert.ErrorIs(t, p.SetDeceleration(3), ErrInvalidParameter)
	assert.Equal(t, before, p)

	flat, err := NewProfile(5, 5, 1, 1)
	require.NoError(t, err)
	assert.ErrorIs(t, flat.SetAcceleration(1), ErrInvalidParameter)
}
