// Package drive defines the contract a motor drive must satisfy to be put on
// the test bench.
//
// A Drive is the single handle to one motor controller channel: open-loop and
// closed-loop commands on one side, raw telemetry reads on the other. The
// bench controller owns its Drive exclusively for the controller's lifetime;
// implementations only need to be safe against the controller's own pattern
// of interleaved commands and reads.
package drive

import (
	"context"
	"math"
	"time"
)

// Drive abstracts a single motor channel on a motor controller.
//
// All methods return an error rather than panicking; during a timed test the
// bench controller converts any error into a fault and stops the motor. Reads
// report motor-shaft quantities; gearing is the controller's concern.
type Drive interface {
	// SetCurrentLimit caps the stator current the drive will deliver, in amps.
	SetCurrentLimit(ctx context.Context, amps float64) error

	// CommandDutyCycle drives open loop at a fraction of supply voltage,
	// -1 to 1. Values outside that range are clamped by implementations.
	CommandDutyCycle(ctx context.Context, fraction float64) error

	// CommandVelocity drives closed loop at a motor-shaft speed in
	// rotations per second. Sign selects direction.
	CommandVelocity(ctx context.Context, rps float64) error

	// CommandNeutral releases the motor to coast.
	CommandNeutral(ctx context.Context) error

	ReadMotorVoltage(ctx context.Context) (float64, error)
	ReadSupplyVoltage(ctx context.Context) (float64, error)
	ReadStatorCurrent(ctx context.Context) (float64, error)
	ReadVelocityRPS(ctx context.Context) (float64, error)

	// ReadPositionRotations reports the cumulative signed shaft position in
	// rotations since power-on (or the last reset the implementation did).
	ReadPositionRotations(ctx context.Context) (float64, error)

	// AssertKeepAlive feeds the drive's safety watchdog. While any
	// non-neutral command is active it must be called at least once per
	// timeout or the drive cuts power on its own.
	AssertKeepAlive(ctx context.Context, timeout time.Duration) error
}

// ClampDutyCycle clamps a duty-cycle fraction to the valid -1.0 to 1.0 range.
func ClampDutyCycle(fraction float64) float64 {
	return math.Max(math.Min(fraction, 1.0), -1.0)
}

// Sign returns -1, 0, or 1 matching the sign of x.
func Sign(x float64) float64 {
	switch {
	case x < 0:
		return -1
	case x > 0:
		return 1
	default:
		return 0
	}
}
