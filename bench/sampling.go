package bench

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"

	"go.viam.com/liftbench/drive"
)

// rawSample is one set of unconverted drive readings.
type rawSample struct {
	motorVolts  float64
	supplyVolts float64
	amps        float64
	velocityRPS float64
	positionRot float64
}

func readRaw(ctx context.Context, drv drive.Drive) (rawSample, error) {
	var raw rawSample
	var err error
	if raw.motorVolts, err = drv.ReadMotorVoltage(ctx); err != nil {
		return raw, errors.Wrap(err, "reading motor voltage")
	}
	if raw.supplyVolts, err = drv.ReadSupplyVoltage(ctx); err != nil {
		return raw, errors.Wrap(err, "reading supply voltage")
	}
	if raw.amps, err = drv.ReadStatorCurrent(ctx); err != nil {
		return raw, errors.Wrap(err, "reading stator current")
	}
	if raw.velocityRPS, err = drv.ReadVelocityRPS(ctx); err != nil {
		return raw, errors.Wrap(err, "reading velocity")
	}
	if raw.positionRot, err = drv.ReadPositionRotations(ctx); err != nil {
		return raw, errors.Wrap(err, "reading position")
	}
	return raw, nil
}

// derivePoint converts raw drive readings into the recorded channels. Motor
// quantities are referred through the gearbox to the load side, and rotations
// become linear travel through the spool circumference.
func derivePoint(cfg Config, elapsedSec, startPositionRot float64, raw rawSample) DataPoint {
	loadRPS := math.Abs(raw.velocityRPS) / cfg.GearRatio
	circumference := math.Pi * cfg.SpoolDiameterInches
	distance := math.Abs(raw.positionRot-startPositionRot) / cfg.GearRatio * circumference
	liftVelocityMPS := loadRPS * circumference * inchesToMeters
	return DataPoint{
		ElapsedSeconds: elapsedSec,
		MotorVoltage:   raw.motorVolts,
		SupplyVoltage:  raw.supplyVolts,
		Current:        math.Abs(raw.amps),
		LoadRPM:        loadRPS * 60,
		DistanceInches: distance,
		InputPower:     math.Abs(raw.motorVolts * raw.amps),
		OutputPower:    cfg.LoadWeightPounds * poundsToNewtons * liftVelocityMPS,
	}
}

// schedule is a fixed-phase deadline. The next deadline always advances by one
// period from the previous deadline rather than from the current time, so a
// late tick does not shift every later tick.
type schedule struct {
	period time.Duration
	next   time.Time
}

func newSchedule(start time.Time, rateHz float64) schedule {
	return schedule{
		period: time.Duration(float64(time.Second) / rateHz),
		next:   start,
	}
}

// due reports whether the deadline has arrived and, if so, advances it by one
// period. Catch-up after a stall happens one period per call.
func (s *schedule) due(now time.Time) bool {
	if now.Before(s.next) {
		return false
	}
	s.next = s.next.Add(s.period)
	return true
}
