// Package main contains a command to run weight-lift tests on a motor bench.
package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"
	"github.com/aybabtme/uniplot/histogram"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"
	"periph.io/x/conn/v3/i2c/i2creg"
	"periph.io/x/host/v3"

	"go.viam.com/liftbench/bench"
	"go.viam.com/liftbench/drive"
	"go.viam.com/liftbench/drive/fake"
	"go.viam.com/liftbench/drive/powermon"
	"go.viam.com/liftbench/drive/roboclaw"
)

var logger = golog.NewDevelopmentLogger("liftbench")

// jogReassertPeriod keeps jog commands well inside the drive's keep-alive
// window.
const jogReassertPeriod = 50 * time.Millisecond

func main() {
	utils.ContextualMain(mainWithArgs, logger)
}

// Arguments for the command.
type Arguments struct {
	ConfigFile   string `flag:"config,usage=rig config JSON (a built-in rig is used when omitted)"`
	Fake         bool   `flag:"fake,usage=use a simulated drive"`
	SerialPath   string `flag:"serial,usage=path to the RoboClaw serial device"`
	BaudRate     int    `flag:"baud,default=38400,usage=serial baud rate"`
	Address      int    `flag:"address,default=128,usage=packet serial address (128-135)"`
	Channel      int    `flag:"channel,default=1,usage=motor channel (1 or 2)"`
	Ticks        int    `flag:"ticks,usage=encoder ticks per motor rotation (required with -serial)"`
	I2CBus       string `flag:"ina260,usage=I2C bus with an INA260 supply monitor"`
	INA260Addr   int    `flag:"ina260-addr,default=64,usage=INA260 I2C address"`
	TestID       string `flag:"test-id,default=bench,usage=test identifier recorded in the result"`
	CurrentLimit int    `flag:"current-limit,default=40,usage=stator current limit in amps"`
	JogRPM       int    `flag:"jog,usage=jog the load at this RPM instead of running a test"`
	OutFile      string `flag:"out,usage=write the full result JSON to this file"`
}

func mainWithArgs(ctx context.Context, args []string, logger golog.Logger) (err error) {
	var argsParsed Arguments
	if err := utils.ParseFlags(args, &argsParsed); err != nil {
		return err
	}
	if !argsParsed.Fake && argsParsed.SerialPath == "" {
		return errors.New("provide -serial or use -fake")
	}

	cfg, err := rigConfig(argsParsed.ConfigFile)
	if err != nil {
		return err
	}

	drv, closeDrive, err := buildDrive(argsParsed, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, closeDrive(context.Background()))
	}()

	ctrl, err := bench.New(cfg, drv, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, ctrl.Shutdown(context.Background()))
	}()

	if err := ctrl.Initialize(ctx); err != nil {
		return err
	}

	if argsParsed.JogRPM != 0 {
		return jog(ctx, ctrl, float64(argsParsed.JogRPM), logger)
	}
	return runOnce(ctx, ctrl, argsParsed, logger)
}

// rigConfig loads a bench config from a JSON file, or falls back to the rig
// this tool was built around.
func rigConfig(path string) (bench.Config, error) {
	cfg := bench.Config{
		GearRatio:            16,
		SpoolDiameterInches:  2,
		LoadWeightPounds:     5,
		TargetDistanceInches: 18,
	}
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, errors.Wrap(err, "reading rig config")
	}
	cfg = bench.Config{}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return cfg, errors.Wrap(err, "parsing rig config")
	}
	return cfg, nil
}

func buildDrive(args Arguments, logger golog.Logger) (drive.Drive, func(context.Context) error, error) {
	if args.Fake {
		drv, err := fake.New(fake.Config{LiftRateRPS: 2}, logger)
		if err != nil {
			return nil, nil, err
		}
		return drv, drv.Close, nil
	}

	rc, err := roboclaw.New(roboclaw.Config{
		SerialPath:       args.SerialPath,
		BaudRate:         args.BaudRate,
		Address:          args.Address,
		Channel:          args.Channel,
		TicksPerRotation: args.Ticks,
	}, logger)
	if err != nil {
		return nil, nil, err
	}
	if args.I2CBus == "" {
		return rc, rc.Close, nil
	}

	if _, err := host.Init(); err != nil {
		return nil, nil, multierr.Combine(
			errors.Wrap(err, "initializing host drivers"), rc.Close(context.Background()))
	}
	bus, err := i2creg.Open(args.I2CBus)
	if err != nil {
		return nil, nil, multierr.Combine(
			errors.Wrapf(err, "opening i2c bus %q", args.I2CBus), rc.Close(context.Background()))
	}
	mon, err := powermon.New(rc, bus, uint16(args.INA260Addr), logger)
	if err != nil {
		return nil, nil, multierr.Combine(err, bus.Close(), rc.Close(context.Background()))
	}
	closer := func(ctx context.Context) error {
		return multierr.Combine(bus.Close(), mon.Close(ctx))
	}
	return mon, closer, nil
}

// jog holds the load at a constant speed until interrupted. The drive's
// watchdog means the command has to be re-asserted continuously.
func jog(ctx context.Context, ctrl *bench.Controller, rpm float64, logger golog.Logger) error {
	logger.Infow("jogging; interrupt to stop", "load_rpm", rpm)
	for {
		if err := ctrl.Jog(ctx, rpm); err != nil {
			return err
		}
		if !utils.SelectContextOrWait(ctx, jogReassertPeriod) {
			break
		}
	}
	// The release still goes out after cancellation.
	return ctrl.StopJog(context.Background())
}

func runOnce(ctx context.Context, ctrl *bench.Controller, args Arguments, logger golog.Logger) error {
	stream := bench.NewSampleStream(256, logger)
	defer stream.Close()
	ma := movingaverage.New(25)
	stream.Observe(func(pt bench.DataPoint) {
		ma.Add(pt.LoadRPM)
		logger.Infow("sample",
			"t_s", pt.ElapsedSeconds,
			"load_rpm_avg", ma.Avg(),
			"distance_in", pt.DistanceInches,
			"in_w", pt.InputPower,
			"out_w", pt.OutputPower)
	})

	res, err := ctrl.RunTest(ctx, args.TestID, float64(args.CurrentLimit), stream.Push)
	if err != nil {
		return err
	}

	logger.Infow("result",
		"run_id", res.RunID,
		"state", res.State,
		"completed", res.Completed,
		"distance_in", res.DistanceInches,
		"duration_s", res.DurationSeconds,
		"avg_power_w", res.AveragePower,
		"peak_power_w", res.PeakOutputPower,
		"max_load_rpm", res.MaxLoadRPM,
		"samples", len(res.DataPoints),
		"dropped", stream.Dropped())
	if res.ErrorMessage != "" {
		logger.Warnw("run did not complete", "reason", res.ErrorMessage)
	}

	if len(res.DataPoints) > 1 {
		powers := make([]float64, 0, len(res.DataPoints))
		for _, pt := range res.DataPoints {
			powers = append(powers, pt.OutputPower)
		}
		logger.Info("output power distribution (W)")
		if err := histogram.Fprint(os.Stdout, histogram.Hist(10, powers), histogram.Linear(40)); err != nil {
			logger.Debugw("histogram render failed", "error", err)
		}
	}

	if args.OutFile != "" {
		if err := writeResult(args.OutFile, res); err != nil {
			return err
		}
		logger.Infow("result written", "path", args.OutFile)
	}

	if !res.Completed {
		return errors.Errorf("test ended %s", res.State)
	}
	return nil
}

func writeResult(path string, res *bench.Result) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o640)
}
