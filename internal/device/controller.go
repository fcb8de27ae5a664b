package device

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"motorsim/internal/logging"
	"motorsim/internal/motor"
	"motorsim/pkg/types"
)

// Controller owns every configured axis and the sinks that observe them.
// All methods are safe for concurrent use; each axis is locked on its own.
type Controller struct {
	clock    motor.Clock
	axes     map[types.AxisID]*Axis
	ids      []types.AxisID
	interval time.Duration

	sinks     []Sink
	sinksLock sync.RWMutex

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	logger  *logging.Logger
}

// NewController builds one axis per entry of config.Axes. A nil clock means
// the system clock.
func NewController(config types.SystemConfig, clock motor.Clock) (*Controller, error) {
	if clock == nil {
		clock = motor.SystemClock{}
	}

	c := &Controller{
		clock:    clock,
		axes:     make(map[types.AxisID]*Axis, len(config.Axes)),
		interval: config.PollInterval,
		logger:   logging.GetLogger("device_controller"),
	}
	if c.interval <= 0 {
		c.interval = 50 * time.Millisecond
	}

	for id, axisConfig := range config.Axes {
		axis, err := newAxis(id, axisConfig, clock)
		if err != nil {
			return nil, err
		}
		c.axes[id] = axis
		c.ids = append(c.ids, id)
	}
	sort.Slice(c.ids, func(i, j int) bool { return c.ids[i] < c.ids[j] })

	c.logger.Info("Controller created", "axes", len(c.ids))
	return c, nil
}

func (c *Controller) Axis(id types.AxisID) (*Axis, error) {
	axis, ok := c.axes[id]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownAxis, "%q", id)
	}
	return axis, nil
}

// AxisIDs returns the configured axis ids in sorted order.
func (c *Controller) AxisIDs() []types.AxisID {
	ids := make([]types.AxisID, len(c.ids))
	copy(ids, c.ids)
	return ids
}

// Move starts a move from wherever the axis is now to target (user units).
func (c *Controller) Move(id types.AxisID, target float64) error {
	return c.withAxis(id, func(a *Axis, now time.Time) error {
		from := a.motor.CurrentUserPositionAt(now)
		if err := a.motor.StartMotionAt(from, target, now); err != nil {
			return errors.Wrapf(err, "axis %s", id)
		}
		c.logger.Debug("Move started", "axis", id, "from", from, "to", target)
		return nil
	})
}

// MoveInDuration moves to target so that the move lasts duration, retuning the
// axis maximum velocity. The axis keeps its old profile when the move is
// rejected.
func (c *Controller) MoveInDuration(id types.AxisID, target float64, duration time.Duration) error {
	return c.withAxis(id, func(a *Axis, now time.Time) error {
		from := a.motor.CurrentUserPositionAt(now)
		if err := a.motor.StartTimedMotionAt(from, target, duration, now); err != nil {
			return errors.Wrapf(err, "axis %s", id)
		}
		c.logger.Debug("Timed move started", "axis", id, "from", from, "to", target, "duration", duration,
			"max_velocity", a.motor.Profile().MaxVelocity())
		return nil
	})
}

// MoveRelative moves by delta user units from the current position.
func (c *Controller) MoveRelative(id types.AxisID, delta float64) error {
	return c.withAxis(id, func(a *Axis, now time.Time) error {
		from := a.motor.CurrentUserPositionAt(now)
		if err := a.motor.StartMotionAt(from, from+delta, now); err != nil {
			return errors.Wrapf(err, "axis %s", id)
		}
		c.logger.Debug("Relative move started", "axis", id, "from", from, "delta", delta)
		return nil
	})
}

// Abort stops the axis and returns where it stopped, in user units.
func (c *Controller) Abort(id types.AxisID) (float64, error) {
	var position float64
	err := c.withAxis(id, func(a *Axis, now time.Time) error {
		position = a.motor.AbortMotionAt(now) / a.motor.StepPerUnit()
		c.logger.Debug("Move aborted", "axis", id, "position", position)
		return nil
	})
	return position, err
}

func (c *Controller) AbortAll() {
	for _, id := range c.ids {
		_, _ = c.Abort(id)
	}
}

// SetPower switches the axis drive. Removing power stops a move in flight.
func (c *Controller) SetPower(id types.AxisID, on bool) error {
	return c.withAxis(id, func(a *Axis, now time.Time) error {
		if !on {
			a.motor.AbortMotionAt(now)
		}
		a.motor.SetPower(on)
		c.logger.Info("Axis power changed", "axis", id, "power", on)
		return nil
	})
}

// Configure replaces the kinematics, scaling, limits and power of an idle axis.
func (c *Controller) Configure(id types.AxisID, config types.AxisConfig) error {
	return c.withAxis(id, func(a *Axis, now time.Time) error {
		if err := a.apply(config, now); err != nil {
			return err
		}
		c.logger.Info("Axis configured", "axis", id,
			"max_velocity", config.MaxVelocity, "step_per_unit", a.motor.StepPerUnit())
		return nil
	})
}

// SetPosition redefines the current position of an idle axis, in user units.
func (c *Controller) SetPosition(id types.AxisID, position float64) error {
	return c.withAxis(id, func(a *Axis, now time.Time) error {
		if a.motor.IsInMotionAt(now) {
			return errors.Wrapf(motor.ErrInMotion, "cannot set position of axis %s", id)
		}
		return a.motor.SetCurrentUserPosition(position)
	})
}

// AdjustMaxVelocityForDuration retunes the axis so that a move to target
// from the current position would last duration.
func (c *Controller) AdjustMaxVelocityForDuration(id types.AxisID, target float64, duration time.Duration) error {
	return c.withAxis(id, func(a *Axis, now time.Time) error {
		from := a.motor.CurrentUserPositionAt(now)
		if err := a.motor.AdjustMaxVelocityForDuration(from, target, duration); err != nil {
			return errors.Wrapf(err, "axis %s", id)
		}
		return nil
	})
}

func (c *Controller) State(id types.AxisID) (types.AxisState, error) {
	var state types.AxisState
	err := c.withAxis(id, func(a *Axis, now time.Time) error {
		state = a.stateAt(now)
		return nil
	})
	return state, err
}

// States evaluates every axis, in id order.
func (c *Controller) States() []types.AxisState {
	states := make([]types.AxisState, 0, len(c.ids))
	for _, id := range c.ids {
		state, _ := c.State(id)
		states = append(states, state)
	}
	return states
}

// Snapshot returns every axis as it should be persisted, current position
// included.
func (c *Controller) Snapshot() map[types.AxisID]types.AxisConfig {
	out := make(map[types.AxisID]types.AxisConfig, len(c.ids))
	for _, id := range c.ids {
		_ = c.withAxis(id, func(a *Axis, now time.Time) error {
			out[id] = a.config(now)
			return nil
		})
	}
	return out
}

func (c *Controller) AddSink(sink Sink) {
	c.sinksLock.Lock()
	defer c.sinksLock.Unlock()
	c.sinks = append(c.sinks, sink)
}

// Poll evaluates every axis once and publishes the states that changed since
// the previous publication. Sink failures are combined into the returned
// error; the remaining sinks still receive the state.
func (c *Controller) Poll(ctx context.Context) error {
	c.sinksLock.RLock()
	sinks := make([]Sink, len(c.sinks))
	copy(sinks, c.sinks)
	c.sinksLock.RUnlock()

	var errs error
	for _, id := range c.ids {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}

		axis := c.axes[id]
		axis.lock.Lock()
		state := axis.stateAt(c.clock.Now())
		changed := !axis.published || state.Changed(axis.last)
		if changed {
			axis.last = state
			axis.published = true
		}
		axis.lock.Unlock()

		if !changed {
			continue
		}
		for _, sink := range sinks {
			errs = multierr.Append(errs, sink.Publish(ctx, state))
		}
	}
	return errs
}

// Start runs Poll on a ticker until Stop is called or ctx is done.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return errors.New("controller is already running")
	}

	ctx, c.cancel = context.WithCancel(ctx)
	c.running = true

	c.wg.Add(1)
	go c.pollLoop(ctx)

	c.logger.Info("Controller started", "poll_interval", c.interval)
	return nil
}

// Stop halts the poll loop, freezes every axis and closes the sinks.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.running {
		c.cancel()
		c.wg.Wait()
		c.running = false
	}
	c.mu.Unlock()

	c.AbortAll()

	c.sinksLock.Lock()
	sinks := c.sinks
	c.sinks = nil
	c.sinksLock.Unlock()

	var errs error
	for _, sink := range sinks {
		errs = multierr.Append(errs, sink.Close())
	}

	c.logger.Info("Controller stopped")
	return errs
}

func (c *Controller) pollLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := c.Poll(ctx); err != nil && ctx.Err() == nil {
				c.logger.Warn("Publishing axis state failed", "error", err.Error())
			}
		}
	}
}

func (c *Controller) withAxis(id types.AxisID, fn func(a *Axis, now time.Time) error) error {
	axis, err := c.Axis(id)
	if err != nil {
		return err
	}
	axis.lock.Lock()
	defer axis.lock.Unlock()
	return fn(axis, c.clock.Now())
}
