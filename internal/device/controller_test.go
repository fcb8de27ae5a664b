package device

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"motorsim/internal/motion"
	"motorsim/internal/motor"
	"motorsim/pkg/types"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func at(s float64) time.Time {
	return t0.Add(time.Duration(s * float64(time.Second)))
}

type recordingSink struct {
	mu       sync.Mutex
	states   []types.AxisState
	fail     error
	closeErr error
	closed   bool
}

func (s *recordingSink) Publish(_ context.Context, state types.AxisState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.states = append(s.states, state)
	return s.fail
}

func (s *recordingSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return s.closeErr
}

func (s *recordingSink) published() []types.AxisState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.AxisState, len(s.states))
	copy(out, s.states)
	return out
}

func benchAxis() types.AxisConfig {
	upper := 50.0
	return types.AxisConfig{
		MinVelocity:      2,
		MaxVelocity:      100,
		AccelerationTime: 2,
		DecelerationTime: 2,
		StepPerUnit:      1,
		UpperLimit:       &upper,
		Power:            true,
	}
}

func newBench(t *testing.T) (*Controller, *motor.ManualClock) {
	t.Helper()
	clock := motor.NewManualClock(t0)
	free := benchAxis()
	free.UpperLimit = nil
	c, err := NewController(types.SystemConfig{
		Axes: map[types.AxisID]types.AxisConfig{"x": free, "z": benchAxis()},
	}, clock)
	require.NoError(t, err)
	return c, clock
}

func TestNewControllerRejectsBadAxis(t *testing.T) {
	t.Parallel()

	bad := benchAxis()
	bad.AccelerationTime = 0
	_, err := NewController(types.SystemConfig{Axes: map[types.AxisID]types.AxisConfig{"x": bad}}, nil)
	assert.ErrorIs(t, err, motion.ErrInvalidParameter)
}

func TestControllerMoveAndState(t *testing.T) {
	t.Parallel()

	c, clock := newBench(t)
	assert.Equal(t, []types.AxisID{"x", "z"}, c.AxisIDs())

	require.NoError(t, c.Move("x", 1000))

	clock.Set(at(1))
	state, err := c.State("x")
	require.NoError(t, err)
	assert.True(t, state.Moving)
	assert.InDelta(t, 26.5, state.Position, 1e-9)
	assert.InDelta(t, 51, state.Velocity, 1e-9)
	assert.Equal(t, at(1), state.Timestamp)

	err = c.Move("x", 0)
	assert.ErrorIs(t, err, motor.ErrInMotion)

	clock.Set(at(12))
	state, err = c.State("x")
	require.NoError(t, err)
	assert.False(t, state.Moving)
	assert.Equal(t, 1000.0, state.Position)
	assert.Zero(t, state.Velocity)

	require.NoError(t, c.MoveRelative("x", -1000))
	clock.Set(at(24))
	state, _ = c.State("x")
	assert.Equal(t, 0.0, state.Position)
}

func TestControllerUnknownAxis(t *testing.T) {
	t.Parallel()

	c, _ := newBench(t)
	assert.ErrorIs(t, c.Move("nope", 1), ErrUnknownAxis)
	_, err := c.State("nope")
	assert.ErrorIs(t, err, ErrUnknownAxis)
	_, err = c.Abort("nope")
	assert.ErrorIs(t, err, ErrUnknownAxis)
}

func TestControllerLimitStopsMove(t *testing.T) {
	t.Parallel()

	c, clock := newBench(t)
	require.NoError(t, c.Move("z", 1000))

	clock.Set(at(1.5))
	state, err := c.State("z")
	require.NoError(t, err)
	assert.Equal(t, 50.0, state.Position)
	assert.True(t, state.UpperLimit)
	assert.False(t, state.LowerLimit)
	assert.False(t, state.Moving)
}

func TestControllerAbort(t *testing.T) {
	t.Parallel()

	c, clock := newBench(t)
	require.NoError(t, c.Move("x", 1000))

	clock.Set(at(1))
	pos, err := c.Abort("x")
	require.NoError(t, err)
	assert.InDelta(t, 26.5, pos, 1e-9)

	clock.Set(at(5))
	state, _ := c.State("x")
	assert.False(t, state.Moving)
	assert.InDelta(t, 26.5, state.Position, 1e-9)
}

func TestControllerPowerOffStopsAndBlocks(t *testing.T) {
	t.Parallel()

	c, clock := newBench(t)
	require.NoError(t, c.Move("x", 1000))

	clock.Set(at(1))
	require.NoError(t, c.SetPower("x", false))
	state, _ := c.State("x")
	assert.False(t, state.Power)
	assert.False(t, state.Moving)

	assert.ErrorIs(t, c.Move("x", 0), motor.ErrPowerOff)

	require.NoError(t, c.SetPower("x", true))
	assert.NoError(t, c.Move("x", 0))
}

func TestControllerSetPosition(t *testing.T) {
	t.Parallel()

	c, clock := newBench(t)
	require.NoError(t, c.SetPosition("x", 42))
	state, _ := c.State("x")
	assert.Equal(t, 42.0, state.Position)

	require.NoError(t, c.Move("x", 100))
	clock.Set(at(0.5))
	assert.ErrorIs(t, c.SetPosition("x", 0), motor.ErrInMotion)
}

func TestControllerConfigure(t *testing.T) {
	t.Parallel()

	c, clock := newBench(t)

	next := benchAxis()
	next.StepPerUnit = 10
	next.MaxVelocity = 200
	require.NoError(t, c.Configure("x", next))

	snap := c.Snapshot()["x"]
	assert.Equal(t, 10.0, snap.StepPerUnit)
	assert.Equal(t, 200.0, snap.MaxVelocity)
	require.NotNil(t, snap.UpperLimit)
	assert.Equal(t, 50.0, *snap.UpperLimit)
	assert.Nil(t, snap.LowerLimit)

	bad := next
	bad.MaxVelocity = -1
	assert.ErrorIs(t, c.Configure("x", bad), motion.ErrInvalidParameter)
	assert.Equal(t, 200.0, c.Snapshot()["x"].MaxVelocity)

	lo, hi := 10.0, 5.0
	inverted := benchAxis()
	inverted.LowerLimit, inverted.UpperLimit = &lo, &hi
	assert.ErrorIs(t, c.Configure("x", inverted), motion.ErrInvalidParameter)
	assert.Equal(t, 10.0, c.Snapshot()["x"].StepPerUnit)

	negative := next
	negative.StepPerUnit = -2
	negative.MaxVelocity = 300
	assert.ErrorIs(t, c.Configure("x", negative), motion.ErrInvalidParameter)
	assert.Equal(t, 200.0, c.Snapshot()["x"].MaxVelocity)
	assert.Equal(t, 10.0, c.Snapshot()["x"].StepPerUnit)

	require.NoError(t, c.Move("x", 40))
	clock.Set(at(0.1))
	assert.ErrorIs(t, c.Configure("x", next), motor.ErrInMotion)
}

func TestControllerSnapshotCarriesPosition(t *testing.T) {
	t.Parallel()

	c, clock := newBench(t)
	require.NoError(t, c.Move("x", 1000))
	clock.Set(at(5))

	snap := c.Snapshot()
	assert.Len(t, snap, 2)
	assert.InDelta(t, 402, snap["x"].Position, 1e-9)
	assert.True(t, snap["x"].Power)
}

func TestControllerAdjustMaxVelocityForDuration(t *testing.T) {
	t.Parallel()

	c, _ := newBench(t)
	require.NoError(t, c.AdjustMaxVelocityForDuration("x", 1000, 20*time.Second))
	assert.InDelta(t, 996.0/18.0, c.Snapshot()["x"].MaxVelocity, 1e-9)

	err := c.AdjustMaxVelocityForDuration("x", 1000, time.Second)
	assert.ErrorIs(t, err, motion.ErrDurationTooShort)
}

func TestControllerMoveInDuration(t *testing.T) {
	t.Parallel()

	c, clock := newBench(t)
	require.NoError(t, c.MoveInDuration("x", 1000, 20*time.Second))
	assert.InDelta(t, 996.0/18.0, c.Snapshot()["x"].MaxVelocity, 1e-9)

	clock.Set(at(20.001))
	state, err := c.State("x")
	require.NoError(t, err)
	assert.False(t, state.Moving)
	assert.Equal(t, 1000.0, state.Position)

	require.NoError(t, c.SetPower("x", false))
	before := c.Snapshot()["x"].MaxVelocity
	assert.ErrorIs(t, c.MoveInDuration("x", 0, 40*time.Second), motor.ErrPowerOff)
	assert.Equal(t, before, c.Snapshot()["x"].MaxVelocity)
}

func TestStartStopConcurrent(t *testing.T) {
	t.Parallel()

	c, _ := newBench(t)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = c.Start(context.Background())
		}()
		go func() {
			defer wg.Done()
			_ = c.Stop()
		}()
	}
	wg.Wait()
	assert.NoError(t, c.Stop())
}

func TestPollPublishesChangesOnly(t *testing.T) {
	t.Parallel()

	c, clock := newBench(t)
	sink := &recordingSink{}
	c.AddSink(sink)

	require.NoError(t, c.Poll(context.Background()))
	assert.Len(t, sink.published(), 2)

	require.NoError(t, c.Poll(context.Background()))
	assert.Len(t, sink.published(), 2)

	require.NoError(t, c.Move("x", 1000))
	clock.Set(at(1))
	require.NoError(t, c.Poll(context.Background()))
	states := sink.published()
	require.Len(t, states, 3)
	assert.Equal(t, types.AxisID("x"), states[2].ID)
	assert.True(t, states[2].Moving)
}

func TestPollCombinesSinkErrors(t *testing.T) {
	t.Parallel()

	c, _ := newBench(t)
	boom := errors.New("boom")
	failing := &recordingSink{fail: boom}
	healthy := &recordingSink{}
	c.AddSink(failing)
	c.AddSink(healthy)

	err := c.Poll(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.Len(t, healthy.published(), 2)
}

func TestStartStopClosesSinks(t *testing.T) {
	t.Parallel()

	c, err := NewController(types.SystemConfig{
		PollInterval: time.Millisecond,
		Axes:         map[types.AxisID]types.AxisConfig{"x": benchAxis()},
	}, nil)
	require.NoError(t, err)

	closeErr := errors.New("close failed")
	sink := &recordingSink{}
	broken := &recordingSink{closeErr: closeErr}
	c.AddSink(sink)
	c.AddSink(broken)

	require.NoError(t, c.Start(context.Background()))
	assert.Error(t, c.Start(context.Background()))

	assert.Eventually(t, func() bool { return len(sink.published()) > 0 }, time.Second, time.Millisecond)

	err = c.Stop()
	assert.ErrorIs(t, err, closeErr)
	assert.True(t, sink.closed)
	assert.True(t, broken.closed)
}

func TestAxisDoSerializesMotorAccess(t *testing.T) {
	t.Parallel()

	c, _ := newBench(t)
	axis, err := c.Axis("z")
	require.NoError(t, err)
	assert.Equal(t, types.AxisID("z"), axis.ID())

	var upper float64
	require.NoError(t, axis.Do(func(m *motor.Motor) error {
		upper = m.UpperLimitSwitch()
		return m.SetAcceleration(98)
	}))
	assert.Equal(t, 50.0, upper)
	assert.InDelta(t, 1.0, c.Snapshot()["z"].AccelerationTime, 1e-12)
}
