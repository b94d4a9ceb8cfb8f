package bench

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"go.viam.com/liftbench/drive"
)

// Braking shape: from the observed velocity, command a constant fraction of
// it each tick until the target falls under the release floor.
const (
	brakeDecayFactor = 0.8
	brakeRateHz      = 20
	brakeMaxDuration = time.Second
	brakeFloorRPS    = 0.5
)

type mode int

const (
	modeIdle mode = iota
	modeTesting
	modeJogging
)

// Controller sequences weight-lift tests on a single motor drive. Exactly one
// activity, a test run or jog mode, owns the drive at a time.
type Controller struct {
	cfg    Config
	drv    drive.Drive
	logger golog.Logger
	clock  clock.Clock

	mu            sync.Mutex
	mode          mode
	initialized   bool
	stopRequested bool

	cancelCtx      context.Context
	cancelFunc     func()
	runningWorkers sync.WaitGroup
}

// New builds a Controller for the given rig. The config is validated with
// defaults applied; the drive is not touched until Initialize.
func New(cfg Config, drv drive.Drive, logger golog.Logger) (*Controller, error) {
	if drv == nil {
		return nil, errors.New("drive is required")
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(""); err != nil {
		return nil, err
	}
	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	return &Controller{
		cfg:        cfg,
		drv:        drv,
		logger:     logger,
		clock:      clock.New(),
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
	}, nil
}

// Reconfigure replaces the rig configuration between runs. It is refused
// while a test or jog mode owns the drive.
func (c *Controller) Reconfigure(cfg Config) error {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(""); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.mode {
	case modeTesting:
		return ErrTestRunning
	case modeJogging:
		return ErrJogActive
	}
	c.cfg = cfg
	return nil
}

// Initialize verifies the drive responds and leaves it in neutral. It must
// succeed once before RunTest or Jog will touch the hardware.
func (c *Controller) Initialize(ctx context.Context) error {
	c.mu.Lock()
	if c.mode != modeIdle {
		busy := c.mode
		c.mu.Unlock()
		if busy == modeTesting {
			return ErrTestRunning
		}
		return ErrJogActive
	}
	c.mu.Unlock()

	volts, err := c.drv.ReadSupplyVoltage(ctx)
	if err != nil {
		return errors.Wrap(err, "drive is not responding")
	}
	if err := c.drv.CommandNeutral(ctx); err != nil {
		return errors.Wrap(err, "drive refused neutral")
	}

	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()
	c.logger.Infow("drive initialized", "supply_voltage", volts)
	return nil
}

// RunTest performs one complete lift test and blocks until the rig is back in
// neutral. The returned Result always carries a terminal state; the error is
// non-nil only when the run could not be started at all.
//
// onSample, if not nil, is called inline from the sampling loop for every
// SampleDecimation-th recorded point and must return quickly.
func (c *Controller) RunTest(
	ctx context.Context,
	testID string,
	currentLimitAmps float64,
	onSample func(DataPoint),
) (*Result, error) {
	if currentLimitAmps <= 0 {
		return nil, newCurrentLimitError(currentLimitAmps)
	}

	c.mu.Lock()
	switch c.mode {
	case modeTesting:
		c.mu.Unlock()
		return nil, ErrTestRunning
	case modeJogging:
		c.mu.Unlock()
		return nil, ErrJogActive
	}
	c.mode = modeTesting
	c.stopRequested = false
	initialized := c.initialized
	c.runningWorkers.Add(1)
	c.mu.Unlock()

	defer c.runningWorkers.Done()
	defer func() {
		c.mu.Lock()
		c.mode = modeIdle
		c.mu.Unlock()
	}()

	result := &Result{
		RunID:                uuid.New(),
		TestID:               testID,
		CurrentLimitAmps:     currentLimitAmps,
		LoadWeightPounds:     c.cfg.LoadWeightPounds,
		SpoolDiameterInches:  c.cfg.SpoolDiameterInches,
		TargetDistanceInches: c.cfg.TargetDistanceInches,
		State:                StateInitializing,
	}
	if !initialized {
		result.State = StateFaulted
		result.ErrorMessage = ErrNotInitialized.Error()
		return result, nil
	}

	c.run(ctx, result, onSample)
	return result, nil
}

// run owns the drive from arming through the final neutral.
func (c *Controller) run(ctx context.Context, result *Result, onSample func(DataPoint)) {
	cfg := c.cfg
	start := c.clock.Now()
	window := newPowerWindow(cfg.PowerWindowStartInches, cfg.PowerWindowEndInches)

	startPos, err := c.arm(ctx, result.CurrentLimitAmps)
	if err != nil {
		c.fault(ctx, result, err)
	} else {
		result.State = StateRunning
		c.logger.Infow("test started",
			"run_id", result.RunID,
			"test_id", result.TestID,
			"current_limit_a", result.CurrentLimitAmps,
			"target_in", cfg.TargetDistanceInches)
		c.loop(ctx, result, start, startPos, &window, onSample)
	}

	// Braking time is not part of the measured duration.
	result.DurationSeconds = c.clock.Now().Sub(start).Seconds()
	if result.State != StateFaulted {
		c.brake(ctx)
	}

	result.AveragePower = window.averagePower(cfg.LoadWeightPounds, result.DistanceInches, result.DurationSeconds)
	result.Completed = result.State == StateCompleted
	result.summarize()
	c.logger.Infow("test finished",
		"run_id", result.RunID,
		"state", result.State,
		"distance_in", result.DistanceInches,
		"duration_s", result.DurationSeconds,
		"avg_power_w", result.AveragePower)
}

func (c *Controller) arm(ctx context.Context, currentLimitAmps float64) (float64, error) {
	if err := c.drv.SetCurrentLimit(ctx, currentLimitAmps); err != nil {
		return 0, errors.Wrap(err, "setting current limit")
	}
	startPos, err := c.drv.ReadPositionRotations(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "reading start position")
	}
	return startPos, nil
}

// loop interleaves the control and sampling schedules until a terminal state
// is reached. Stop requests are honored only at control ticks.
func (c *Controller) loop(
	ctx context.Context,
	result *Result,
	start time.Time,
	startPos float64,
	window *powerWindow,
	onSample func(DataPoint),
) {
	cfg := c.cfg
	control := newSchedule(start, cfg.ControlRateHz)
	samples := newSchedule(start, cfg.SampleRateHz)
	timeoutAt := start.Add(cfg.TestTimeout)
	sampleIndex := 0

	for {
		now := c.clock.Now()

		if !now.Before(timeoutAt) {
			result.State = StateTimedOut
			result.ErrorMessage = fmt.Sprintf("timed out after %.1fs at %.2f of %.2f inches",
				cfg.TestTimeout.Seconds(), result.DistanceInches, cfg.TargetDistanceInches)
			return
		}

		if control.due(now) {
			if c.consumeStopRequest() || ctx.Err() != nil || c.cancelCtx.Err() != nil {
				result.State = StateAborted
				return
			}
			if err := c.drv.CommandDutyCycle(ctx, cfg.LiftDirection); err != nil {
				c.fault(ctx, result, errors.Wrap(err, "commanding duty cycle"))
				return
			}
			if err := c.drv.AssertKeepAlive(ctx, cfg.KeepAliveTimeout); err != nil {
				c.fault(ctx, result, errors.Wrap(err, "asserting keep-alive"))
				return
			}
		}

		if samples.due(now) {
			raw, err := readRaw(ctx, c.drv)
			if err != nil {
				c.fault(ctx, result, err)
				return
			}
			pt := derivePoint(cfg, now.Sub(start).Seconds(), startPos, raw)
			result.DataPoints = append(result.DataPoints, pt)
			result.DistanceInches = pt.DistanceInches
			window.observe(pt.DistanceInches, pt.ElapsedSeconds)
			if onSample != nil && sampleIndex%cfg.SampleDecimation == 0 {
				onSample(pt)
			}
			sampleIndex++
			if pt.DistanceInches >= cfg.TargetDistanceInches {
				result.State = StateCompleted
				return
			}
		}

		next := control.next
		if samples.next.Before(next) {
			next = samples.next
		}
		if timeoutAt.Before(next) {
			next = timeoutAt
		}
		if !c.waitUntil(ctx, next) {
			result.State = StateAborted
			return
		}
	}
}

func (c *Controller) fault(ctx context.Context, result *Result, err error) {
	result.State = StateFaulted
	result.ErrorMessage = err.Error()
	c.logger.Errorw("drive fault; forcing neutral", "run_id", result.RunID, "error", err)
	c.emergencyStop(ctx)
}

// emergencyStop forces neutral in a single shot. Errors are logged and
// dropped.
func (c *Controller) emergencyStop(ctx context.Context) {
	if err := c.drv.CommandNeutral(ctx); err != nil {
		c.logger.Errorw("emergency neutral failed", "error", err)
	}
}

// brake ramps the motor toward zero and then releases it to neutral. A stop
// request or cancellation ends the ramp early; a drive error falls back to an
// immediate emergency stop.
func (c *Controller) brake(ctx context.Context) {
	period := time.Second / brakeRateHz
	deadline := c.clock.Now().Add(brakeMaxDuration)
	for c.clock.Now().Before(deadline) {
		if c.consumeStopRequest() {
			break
		}
		rps, err := c.drv.ReadVelocityRPS(ctx)
		if err != nil {
			c.logger.Errorw("brake velocity read failed", "error", err)
			c.emergencyStop(ctx)
			return
		}
		target := rps * brakeDecayFactor
		if math.Abs(target) < brakeFloorRPS {
			break
		}
		if err := c.drv.CommandVelocity(ctx, target); err != nil {
			c.logger.Errorw("brake velocity command failed", "error", err)
			c.emergencyStop(ctx)
			return
		}
		if err := c.drv.AssertKeepAlive(ctx, c.cfg.KeepAliveTimeout); err != nil {
			c.logger.Errorw("brake keep-alive failed", "error", err)
			c.emergencyStop(ctx)
			return
		}
		if !c.waitUntil(ctx, c.clock.Now().Add(period)) {
			break
		}
	}
	if err := c.drv.CommandNeutral(ctx); err != nil {
		c.logger.Errorw("releasing to neutral failed", "error", err)
	}
}

// StopTest asks the active run to stop at its next control tick. A request
// made with no run in progress is cleared when the next run starts.
func (c *Controller) StopTest() {
	c.mu.Lock()
	c.stopRequested = true
	c.mu.Unlock()
}

func (c *Controller) consumeStopRequest() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.stopRequested {
		return false
	}
	c.stopRequested = false
	return true
}

// Jog drives the load at targetLoadRPM, referred through the gearbox to a
// motor speed. It issues one velocity command and one keep-alive; the drive's
// watchdog stops the motor unless the caller invokes Jog again within the
// keep-alive timeout.
func (c *Controller) Jog(ctx context.Context, targetLoadRPM float64) error {
	c.mu.Lock()
	if !c.initialized {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	if c.mode == modeTesting {
		c.mu.Unlock()
		return ErrTestRunning
	}
	c.mode = modeJogging
	c.mu.Unlock()

	motorRPS := targetLoadRPM * c.cfg.GearRatio / 60
	if err := c.drv.CommandVelocity(ctx, motorRPS); err != nil {
		c.abandonJog(ctx)
		return errors.Wrap(err, "jog velocity command")
	}
	if err := c.drv.AssertKeepAlive(ctx, c.cfg.KeepAliveTimeout); err != nil {
		c.abandonJog(ctx)
		return errors.Wrap(err, "jog keep-alive")
	}
	return nil
}

// abandonJog returns to idle after a failed jog command, forcing neutral.
func (c *Controller) abandonJog(ctx context.Context) {
	c.emergencyStop(ctx)
	c.mu.Lock()
	c.mode = modeIdle
	c.mu.Unlock()
}

// StopJog leaves jog mode and releases the drive to neutral. It is refused
// while a test is running and is otherwise safe to call at any time.
func (c *Controller) StopJog(ctx context.Context) error {
	c.mu.Lock()
	if c.mode == modeTesting {
		c.mu.Unlock()
		return ErrTestRunning
	}
	c.mode = modeIdle
	c.mu.Unlock()
	return errors.Wrap(c.drv.CommandNeutral(ctx), "stopping jog")
}

// Shutdown aborts any active run, waits for it to unwind, and forces neutral.
// The controller is invalid afterwards; build a new one to run more tests.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.initialized = false
	c.stopRequested = true
	if c.mode == modeJogging {
		c.mode = modeIdle
	}
	c.mu.Unlock()
	c.cancelFunc()
	c.runningWorkers.Wait()
	return errors.Wrap(c.drv.CommandNeutral(ctx), "shutdown neutral")
}

// waitUntil sleeps until t on the controller's clock. It returns false if the
// run context or the controller itself was canceled first.
func (c *Controller) waitUntil(ctx context.Context, t time.Time) bool {
	d := t.Sub(c.clock.Now())
	if d <= 0 {
		return true
	}
	timer := c.clock.Timer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.cancelCtx.Done():
		return false
	case <-timer.C:
		return true
	}
}
