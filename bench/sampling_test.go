package bench

import (
	"testing"
	"time"

	"go.viam.com/test"
)

func TestDerivePoint(t *testing.T) {
	cfg := Config{
		GearRatio:           16,
		SpoolDiameterInches: 2,
		LoadWeightPounds:    5,
	}

	raw := rawSample{
		motorVolts:  6,
		supplyVolts: 12.4,
		amps:        2,
		velocityRPS: 160,
		positionRot: 16,
	}
	pt := derivePoint(cfg, 1.5, 0, raw)
	test.That(t, pt.ElapsedSeconds, test.ShouldEqual, 1.5)
	test.That(t, pt.MotorVoltage, test.ShouldEqual, 6)
	test.That(t, pt.SupplyVoltage, test.ShouldEqual, 12.4)
	test.That(t, pt.Current, test.ShouldEqual, 2)
	// 160 rps through 16:1 is 10 rps at the spool.
	test.That(t, pt.LoadRPM, test.ShouldAlmostEqual, 600, 1e-9)
	// 16 motor rotations is one spool rotation of a 2 inch spool.
	test.That(t, pt.DistanceInches, test.ShouldAlmostEqual, 6.2832, 1e-3)
	test.That(t, pt.InputPower, test.ShouldEqual, 12)
	// 5 lb at 600 RPM on a 2 inch spool.
	test.That(t, pt.OutputPower, test.ShouldAlmostEqual, 35.49, 0.01)
}

func TestDerivePointSigns(t *testing.T) {
	cfg := Config{
		GearRatio:           16,
		SpoolDiameterInches: 2,
		LoadWeightPounds:    5,
	}

	// A rig that lifts in the negative direction reports the same magnitudes.
	raw := rawSample{
		motorVolts:  6,
		supplyVolts: 12.4,
		amps:        -2,
		velocityRPS: -160,
		positionRot: -16,
	}
	pt := derivePoint(cfg, 1.5, 0, raw)
	test.That(t, pt.Current, test.ShouldEqual, 2)
	test.That(t, pt.LoadRPM, test.ShouldAlmostEqual, 600, 1e-9)
	test.That(t, pt.DistanceInches, test.ShouldAlmostEqual, 6.2832, 1e-3)
	test.That(t, pt.InputPower, test.ShouldEqual, 12)
	test.That(t, pt.OutputPower, test.ShouldAlmostEqual, 35.49, 0.01)

	// A nonzero start position only shifts the distance origin.
	pt = derivePoint(cfg, 2, -16, rawSample{positionRot: -32})
	test.That(t, pt.DistanceInches, test.ShouldAlmostEqual, 6.2832, 1e-3)
}

func TestScheduleFixedPhase(t *testing.T) {
	start := time.Now()
	s := newSchedule(start, 100)

	test.That(t, s.due(start), test.ShouldBeTrue)
	test.That(t, s.due(start), test.ShouldBeFalse)
	test.That(t, s.due(start.Add(9*time.Millisecond)), test.ShouldBeFalse)
	test.That(t, s.due(start.Add(10*time.Millisecond)), test.ShouldBeTrue)

	// A late caller catches up one period at a time and the phase never
	// shifts: after the burst the next deadline is still on the original grid.
	late := start.Add(55 * time.Millisecond)
	test.That(t, s.due(late), test.ShouldBeTrue)
	test.That(t, s.due(late), test.ShouldBeTrue)
	test.That(t, s.due(late), test.ShouldBeTrue)
	test.That(t, s.due(late), test.ShouldBeTrue)
	test.That(t, s.due(late), test.ShouldBeFalse)
	test.That(t, s.next, test.ShouldResemble, start.Add(60*time.Millisecond))
}
