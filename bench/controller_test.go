package bench

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/edaniels/golog"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.viam.com/liftbench/drive/fake"
	"go.viam.com/liftbench/testutils/inject"
)

func rigConfig() Config {
	return Config{
		GearRatio:            1,
		SpoolDiameterInches:  2,
		LoadWeightPounds:     5,
		TargetDistanceInches: 18,
	}
}

// newRig builds a controller over a fast simulated winch: the 18 inch target
// is reached in roughly a third of a second.
func newRig(t *testing.T, cfg Config) (*Controller, *fake.Drive) {
	t.Helper()
	logger := golog.NewTestLogger(t)
	drv, err := fake.New(fake.Config{LiftRateRPS: 8, ReportedVelocityRPS: 10}, logger)
	test.That(t, err, test.ShouldBeNil)
	ctrl, err := New(cfg, drv, logger)
	test.That(t, err, test.ShouldBeNil)
	return ctrl, drv
}

func TestNewValidation(t *testing.T) {
	logger := golog.NewTestLogger(t)
	drv, err := fake.New(fake.Config{LiftRateRPS: 1}, logger)
	test.That(t, err, test.ShouldBeNil)
	defer func() {
		test.That(t, drv.Close(context.Background()), test.ShouldBeNil)
	}()

	_, err = New(rigConfig(), nil, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "drive is required")

	bad := rigConfig()
	bad.GearRatio = 0
	_, err = New(bad, drv, logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "gear_ratio")
}

func TestCompletedRun(t *testing.T) {
	ctrl, drv := newRig(t, rigConfig())
	ctx := context.Background()
	defer func() {
		test.That(t, drv.Close(ctx), test.ShouldBeNil)
	}()
	test.That(t, ctrl.Initialize(ctx), test.ShouldBeNil)

	var cbMu sync.Mutex
	cbCount := 0
	res, err := ctrl.RunTest(ctx, "lift-5lb", 3, func(DataPoint) {
		cbMu.Lock()
		cbCount++
		cbMu.Unlock()
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.State, test.ShouldEqual, StateCompleted)
	test.That(t, res.Completed, test.ShouldBeTrue)
	test.That(t, res.TestID, test.ShouldEqual, "lift-5lb")
	test.That(t, res.RunID, test.ShouldNotEqual, uuid.Nil)
	test.That(t, res.ErrorMessage, test.ShouldBeEmpty)
	test.That(t, res.CurrentLimitAmps, test.ShouldEqual, 3)
	test.That(t, drv.CurrentLimit(), test.ShouldEqual, 3)

	test.That(t, res.DistanceInches, test.ShouldBeBetween, 18, 19)
	test.That(t, res.DurationSeconds, test.ShouldBeBetween, 0.3, 1.5)
	test.That(t, len(res.DataPoints), test.ShouldBeGreaterThan, 20)

	last := res.DataPoints[len(res.DataPoints)-1]
	test.That(t, last.DistanceInches, test.ShouldBeGreaterThanOrEqualTo, 18)
	for i := 1; i < len(res.DataPoints); i++ {
		test.That(t, res.DataPoints[i].DistanceInches,
			test.ShouldBeGreaterThanOrEqualTo, res.DataPoints[i-1].DistanceInches)
		test.That(t, res.DataPoints[i].ElapsedSeconds,
			test.ShouldBeGreaterThan, res.DataPoints[i-1].ElapsedSeconds)
	}

	// 10 rps through a 1:1 gearbox is 600 RPM at the spool, constant for the
	// whole lift.
	test.That(t, res.MaxLoadRPM, test.ShouldAlmostEqual, 600, 1e-6)
	test.That(t, res.AvgLoadRPM, test.ShouldAlmostEqual, 600, 1e-6)
	test.That(t, res.PeakOutputPower, test.ShouldAlmostEqual, 35.49, 0.1)
	test.That(t, res.AveragePower, test.ShouldBeBetween, 22, 36)

	cbMu.Lock()
	gotCallbacks := cbCount
	cbMu.Unlock()
	wantCallbacks := (len(res.DataPoints)-1)/DefaultSampleDecimation + 1
	test.That(t, gotCallbacks, test.ShouldEqual, wantCallbacks)

	// The brake ramp decays by a constant factor and never commands below the
	// release floor.
	cmds := drv.VelocityCommands()
	test.That(t, len(cmds), test.ShouldBeBetween, 2, 20)
	test.That(t, cmds[0], test.ShouldAlmostEqual, 8, 1e-6)
	for i := 1; i < len(cmds); i++ {
		test.That(t, cmds[i]/cmds[i-1], test.ShouldAlmostEqual, brakeDecayFactor, 1e-6)
		test.That(t, math.Abs(cmds[i]), test.ShouldBeGreaterThanOrEqualTo, brakeFloorRPS)
	}
	test.That(t, drv.NeutralCommandCount(), test.ShouldEqual, 2)
	test.That(t, drv.KeepAliveCount(), test.ShouldEqual, drv.DutyCommandCount()+len(cmds))

	test.That(t, ctrl.Shutdown(ctx), test.ShouldBeNil)
}

func TestTimedOutRun(t *testing.T) {
	cfg := rigConfig()
	cfg.TestTimeout = 250 * time.Millisecond
	logger := golog.NewTestLogger(t)
	drv, err := fake.New(fake.Config{LiftRateRPS: 2, ReportedVelocityRPS: 2}, logger)
	test.That(t, err, test.ShouldBeNil)
	ctx := context.Background()
	defer func() {
		test.That(t, drv.Close(ctx), test.ShouldBeNil)
	}()
	ctrl, err := New(cfg, drv, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ctrl.Initialize(ctx), test.ShouldBeNil)

	res, err := ctrl.RunTest(ctx, "too-heavy", 3, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.State, test.ShouldEqual, StateTimedOut)
	test.That(t, res.Completed, test.ShouldBeFalse)
	test.That(t, res.ErrorMessage, test.ShouldContainSubstring, "timed out")
	test.That(t, res.DistanceInches, test.ShouldBeBetween, 2.0, 5.0)
	test.That(t, res.DurationSeconds, test.ShouldBeBetween, 0.24, 0.5)
	test.That(t, len(res.DataPoints), test.ShouldBeBetween, 20, 35)

	// The window's 4 inch milestone was never crossed, so the estimate falls
	// back to the whole run and still comes out positive.
	test.That(t, res.AveragePower, test.ShouldBeGreaterThan, 0)

	// Timing out still brakes before releasing.
	test.That(t, len(drv.VelocityCommands()), test.ShouldBeGreaterThan, 0)
	test.That(t, drv.NeutralCommandCount(), test.ShouldEqual, 2)
}

func TestAbortedRun(t *testing.T) {
	cfg := rigConfig()
	cfg.TestTimeout = 2 * time.Second
	logger := golog.NewTestLogger(t)
	drv, err := fake.New(fake.Config{LiftRateRPS: 2, ReportedVelocityRPS: 2}, logger)
	test.That(t, err, test.ShouldBeNil)
	ctx := context.Background()
	defer func() {
		test.That(t, drv.Close(ctx), test.ShouldBeNil)
	}()
	ctrl, err := New(cfg, drv, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ctrl.Initialize(ctx), test.ShouldBeNil)

	resCh := make(chan *Result, 1)
	go func() {
		res, runErr := ctrl.RunTest(ctx, "aborted", 3, nil)
		test.That(t, runErr, test.ShouldBeNil)
		resCh <- res
	}()

	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, drv.DutyCommandCount(), test.ShouldBeGreaterThan, 2)
	})
	ctrl.StopTest()
	ctrl.StopTest()

	res := <-resCh
	test.That(t, res.State, test.ShouldEqual, StateAborted)
	test.That(t, res.Completed, test.ShouldBeFalse)
	test.That(t, res.ErrorMessage, test.ShouldBeEmpty)
	test.That(t, res.DurationSeconds, test.ShouldBeLessThan, 1.0)

	// The doubled stop request collapses into one: braking still ran its full
	// ramp down from 2 rps.
	cmds := drv.VelocityCommands()
	test.That(t, len(cmds), test.ShouldEqual, 6)
	test.That(t, cmds[0], test.ShouldAlmostEqual, 1.6, 1e-6)
	test.That(t, drv.NeutralCommandCount(), test.ShouldEqual, 2)
}

func TestStopDuringBraking(t *testing.T) {
	ctrl, drv := newRig(t, rigConfig())
	ctx := context.Background()
	defer func() {
		test.That(t, drv.Close(ctx), test.ShouldBeNil)
	}()
	test.That(t, ctrl.Initialize(ctx), test.ShouldBeNil)

	resCh := make(chan *Result, 1)
	go func() {
		res, runErr := ctrl.RunTest(ctx, "stop-mid-brake", 3, nil)
		test.That(t, runErr, test.ShouldBeNil)
		resCh <- res
	}()

	// Starting from 10 rps the full ramp is 13 commands; stop it partway.
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, len(drv.VelocityCommands()), test.ShouldBeGreaterThanOrEqualTo, 3)
	})
	ctrl.StopTest()

	res := <-resCh
	test.That(t, res.State, test.ShouldEqual, StateCompleted)
	test.That(t, len(drv.VelocityCommands()), test.ShouldBeBetween, 2, 13)
	test.That(t, drv.NeutralCommandCount(), test.ShouldEqual, 2)
}

func TestFaultedRun(t *testing.T) {
	logger := golog.NewTestLogger(t)
	ctx := context.Background()

	drv := &inject.Drive{}
	neutrals := 0
	velocities := 0
	reads := 0
	drv.SetCurrentLimitFunc = func(context.Context, float64) error { return nil }
	drv.CommandDutyCycleFunc = func(context.Context, float64) error { return nil }
	drv.CommandVelocityFunc = func(context.Context, float64) error {
		velocities++
		return nil
	}
	drv.CommandNeutralFunc = func(context.Context) error {
		neutrals++
		return nil
	}
	drv.ReadMotorVoltageFunc = func(context.Context) (float64, error) {
		reads++
		if reads >= 3 {
			return 0, errors.New("bus gone")
		}
		return 12, nil
	}
	drv.ReadSupplyVoltageFunc = func(context.Context) (float64, error) { return 12, nil }
	drv.ReadStatorCurrentFunc = func(context.Context) (float64, error) { return 4, nil }
	drv.ReadVelocityRPSFunc = func(context.Context) (float64, error) { return 16, nil }
	drv.ReadPositionRotationsFunc = func(context.Context) (float64, error) { return 0, nil }
	drv.AssertKeepAliveFunc = func(context.Context, time.Duration) error { return nil }

	ctrl, err := New(rigConfig(), drv, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ctrl.Initialize(ctx), test.ShouldBeNil)
	test.That(t, neutrals, test.ShouldEqual, 1)

	res, err := ctrl.RunTest(ctx, "fault", 3, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.State, test.ShouldEqual, StateFaulted)
	test.That(t, res.Completed, test.ShouldBeFalse)
	test.That(t, res.ErrorMessage, test.ShouldContainSubstring, "reading motor voltage")
	test.That(t, res.ErrorMessage, test.ShouldContainSubstring, "bus gone")
	test.That(t, len(res.DataPoints), test.ShouldEqual, 2)

	// A fault skips the brake ramp and forces neutral exactly once.
	test.That(t, velocities, test.ShouldEqual, 0)
	test.That(t, neutrals, test.ShouldEqual, 2)
}

func TestArmingFault(t *testing.T) {
	logger := golog.NewTestLogger(t)
	ctx := context.Background()

	drv := &inject.Drive{}
	neutrals := 0
	drv.SetCurrentLimitFunc = func(context.Context, float64) error {
		return errors.New("limit refused")
	}
	drv.CommandNeutralFunc = func(context.Context) error {
		neutrals++
		return nil
	}
	drv.ReadSupplyVoltageFunc = func(context.Context) (float64, error) { return 12, nil }

	ctrl, err := New(rigConfig(), drv, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ctrl.Initialize(ctx), test.ShouldBeNil)

	res, err := ctrl.RunTest(ctx, "arm-fault", 3, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.State, test.ShouldEqual, StateFaulted)
	test.That(t, res.ErrorMessage, test.ShouldContainSubstring, "setting current limit")
	test.That(t, res.DataPoints, test.ShouldBeEmpty)
	test.That(t, neutrals, test.ShouldEqual, 2)
}

func TestRunValidation(t *testing.T) {
	ctrl, drv := newRig(t, rigConfig())
	ctx := context.Background()
	defer func() {
		test.That(t, drv.Close(ctx), test.ShouldBeNil)
	}()

	_, err := ctrl.RunTest(ctx, "bad-limit", 0, nil)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "current limit must be positive")

	// Running before Initialize faults the result without touching the drive.
	res, err := ctrl.RunTest(ctx, "early", 3, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.State, test.ShouldEqual, StateFaulted)
	test.That(t, res.ErrorMessage, test.ShouldContainSubstring, "not initialized")
	test.That(t, res.DataPoints, test.ShouldBeEmpty)
	test.That(t, drv.DutyCommandCount(), test.ShouldEqual, 0)
	test.That(t, drv.CurrentLimit(), test.ShouldEqual, 0)
}

func TestExclusion(t *testing.T) {
	cfg := rigConfig()
	cfg.TestTimeout = 2 * time.Second
	logger := golog.NewTestLogger(t)
	drv, err := fake.New(fake.Config{LiftRateRPS: 2, ReportedVelocityRPS: 2}, logger)
	test.That(t, err, test.ShouldBeNil)
	ctx := context.Background()
	defer func() {
		test.That(t, drv.Close(ctx), test.ShouldBeNil)
	}()
	ctrl, err := New(cfg, drv, logger)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, ctrl.Jog(ctx, 30), test.ShouldBeError, ErrNotInitialized)
	test.That(t, ctrl.Initialize(ctx), test.ShouldBeNil)

	resCh := make(chan *Result, 1)
	go func() {
		res, runErr := ctrl.RunTest(ctx, "exclusive", 3, nil)
		test.That(t, runErr, test.ShouldBeNil)
		resCh <- res
	}()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, drv.DutyCommandCount(), test.ShouldBeGreaterThan, 0)
	})

	// Nothing else may take the drive while a test is running.
	test.That(t, ctrl.Jog(ctx, 30), test.ShouldBeError, ErrTestRunning)
	test.That(t, ctrl.StopJog(ctx), test.ShouldBeError, ErrTestRunning)
	test.That(t, ctrl.Initialize(ctx), test.ShouldBeError, ErrTestRunning)
	test.That(t, ctrl.Reconfigure(cfg), test.ShouldBeError, ErrTestRunning)
	_, err = ctrl.RunTest(ctx, "second", 3, nil)
	test.That(t, err, test.ShouldBeError, ErrTestRunning)

	ctrl.StopTest()
	res := <-resCh
	test.That(t, res.State, test.ShouldEqual, StateAborted)

	// Jog mode holds the drive the same way.
	test.That(t, ctrl.Jog(ctx, 30), test.ShouldBeNil)
	_, err = ctrl.RunTest(ctx, "during-jog", 3, nil)
	test.That(t, err, test.ShouldBeError, ErrJogActive)
	test.That(t, ctrl.Jog(ctx, -30), test.ShouldBeNil)
	test.That(t, ctrl.StopJog(ctx), test.ShouldBeNil)

	cmds := drv.VelocityCommands()
	test.That(t, len(cmds), test.ShouldBeGreaterThanOrEqualTo, 2)
	test.That(t, cmds[len(cmds)-2], test.ShouldAlmostEqual, 0.5, 1e-6)
	test.That(t, cmds[len(cmds)-1], test.ShouldAlmostEqual, -0.5, 1e-6)

	test.That(t, ctrl.Shutdown(ctx), test.ShouldBeNil)
	test.That(t, ctrl.Jog(ctx, 30), test.ShouldBeError, ErrNotInitialized)
	res, err = ctrl.RunTest(ctx, "after-shutdown", 3, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.State, test.ShouldEqual, StateFaulted)
	test.That(t, ctrl.Shutdown(ctx), test.ShouldBeNil)
}

func TestJogGearing(t *testing.T) {
	cfg := rigConfig()
	cfg.GearRatio = 16
	logger := golog.NewTestLogger(t)
	drv, err := fake.New(fake.Config{LiftRateRPS: 8}, logger)
	test.That(t, err, test.ShouldBeNil)
	ctx := context.Background()
	defer func() {
		test.That(t, drv.Close(ctx), test.ShouldBeNil)
	}()
	ctrl, err := New(cfg, drv, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ctrl.Initialize(ctx), test.ShouldBeNil)

	// 30 RPM at the load through a 16:1 gearbox is 8 rps at the motor.
	test.That(t, ctrl.Jog(ctx, 30), test.ShouldBeNil)
	cmds := drv.VelocityCommands()
	test.That(t, cmds, test.ShouldResemble, []float64{8})
	test.That(t, drv.KeepAliveCount(), test.ShouldEqual, 1)
	test.That(t, ctrl.StopJog(ctx), test.ShouldBeNil)
	test.That(t, ctrl.Shutdown(ctx), test.ShouldBeNil)
}

func TestShutdownAbortsRun(t *testing.T) {
	cfg := rigConfig()
	cfg.TestTimeout = 5 * time.Second
	logger := golog.NewTestLogger(t)
	drv, err := fake.New(fake.Config{LiftRateRPS: 2, ReportedVelocityRPS: 2}, logger)
	test.That(t, err, test.ShouldBeNil)
	ctx := context.Background()
	defer func() {
		test.That(t, drv.Close(ctx), test.ShouldBeNil)
	}()
	ctrl, err := New(cfg, drv, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, ctrl.Initialize(ctx), test.ShouldBeNil)

	resCh := make(chan *Result, 1)
	go func() {
		res, runErr := ctrl.RunTest(ctx, "interrupted", 3, nil)
		test.That(t, runErr, test.ShouldBeNil)
		resCh <- res
	}()
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		test.That(tb, drv.DutyCommandCount(), test.ShouldBeGreaterThan, 0)
	})

	test.That(t, ctrl.Shutdown(ctx), test.ShouldBeNil)
	res := <-resCh
	test.That(t, res.State, test.ShouldEqual, StateAborted)

	// Shutdown's pending stop request skips the brake ramp entirely.
	test.That(t, len(drv.VelocityCommands()), test.ShouldEqual, 0)
}

func TestTinyTarget(t *testing.T) {
	cfg := rigConfig()
	cfg.TargetDistanceInches = 0.01
	ctrl, drv := newRig(t, cfg)
	ctx := context.Background()
	defer func() {
		test.That(t, drv.Close(ctx), test.ShouldBeNil)
	}()
	test.That(t, ctrl.Initialize(ctx), test.ShouldBeNil)

	res, err := ctrl.RunTest(ctx, "tiny", 3, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.State, test.ShouldEqual, StateCompleted)
	test.That(t, len(res.DataPoints), test.ShouldBeLessThan, 8)
	test.That(t, res.AveragePower, test.ShouldBeGreaterThan, 0)

	// A stop requested after a run has ended has no effect on the next run.
	ctrl.StopTest()
	res, err = ctrl.RunTest(ctx, "tiny-again", 3, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.State, test.ShouldEqual, StateCompleted)

	test.That(t, ctrl.Shutdown(ctx), test.ShouldBeNil)
}

func TestReconfigure(t *testing.T) {
	ctrl, drv := newRig(t, rigConfig())
	ctx := context.Background()
	defer func() {
		test.That(t, drv.Close(ctx), test.ShouldBeNil)
	}()
	test.That(t, ctrl.Initialize(ctx), test.ShouldBeNil)

	bad := rigConfig()
	bad.SpoolDiameterInches = -1
	err := ctrl.Reconfigure(bad)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "spool_diameter_inches")

	// A shorter target takes effect on the next run.
	shorter := rigConfig()
	shorter.TargetDistanceInches = 1
	test.That(t, ctrl.Reconfigure(shorter), test.ShouldBeNil)
	res, err := ctrl.RunTest(ctx, "short", 3, nil)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, res.State, test.ShouldEqual, StateCompleted)
	test.That(t, res.TargetDistanceInches, test.ShouldEqual, 1)
	test.That(t, res.DistanceInches, test.ShouldBeLessThan, 3)

	test.That(t, ctrl.Shutdown(ctx), test.ShouldBeNil)
}
