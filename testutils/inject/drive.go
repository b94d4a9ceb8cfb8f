// Package inject provides test doubles whose methods can be overridden per
// test, delegating to an embedded implementation otherwise.
package inject

import (
	"context"
	"time"

	"go.viam.com/liftbench/drive"
)

// Drive is an injectable drive.Drive.
type Drive struct {
	drive.Drive
	SetCurrentLimitFunc       func(ctx context.Context, amps float64) error
	CommandDutyCycleFunc      func(ctx context.Context, fraction float64) error
	CommandVelocityFunc       func(ctx context.Context, rps float64) error
	CommandNeutralFunc        func(ctx context.Context) error
	ReadMotorVoltageFunc      func(ctx context.Context) (float64, error)
	ReadSupplyVoltageFunc     func(ctx context.Context) (float64, error)
	ReadStatorCurrentFunc     func(ctx context.Context) (float64, error)
	ReadVelocityRPSFunc       func(ctx context.Context) (float64, error)
	ReadPositionRotationsFunc func(ctx context.Context) (float64, error)
	AssertKeepAliveFunc       func(ctx context.Context, timeout time.Duration) error
}

// SetCurrentLimit calls the injected function or the real version.
func (d *Drive) SetCurrentLimit(ctx context.Context, amps float64) error {
	if d.SetCurrentLimitFunc == nil {
		return d.Drive.SetCurrentLimit(ctx, amps)
	}
	return d.SetCurrentLimitFunc(ctx, amps)
}

// CommandDutyCycle calls the injected function or the real version.
func (d *Drive) CommandDutyCycle(ctx context.Context, fraction float64) error {
	if d.CommandDutyCycleFunc == nil {
		return d.Drive.CommandDutyCycle(ctx, fraction)
	}
	return d.CommandDutyCycleFunc(ctx, fraction)
}

// CommandVelocity calls the injected function or the real version.
func (d *Drive) CommandVelocity(ctx context.Context, rps float64) error {
	if d.CommandVelocityFunc == nil {
		return d.Drive.CommandVelocity(ctx, rps)
	}
	return d.CommandVelocityFunc(ctx, rps)
}

// CommandNeutral calls the injected function or the real version.
func (d *Drive) CommandNeutral(ctx context.Context) error {
	if d.CommandNeutralFunc == nil {
		return d.Drive.CommandNeutral(ctx)
	}
	return d.CommandNeutralFunc(ctx)
}

// ReadMotorVoltage calls the injected function or the real version.
func (d *Drive) ReadMotorVoltage(ctx context.Context) (float64, error) {
	if d.ReadMotorVoltageFunc == nil {
		return d.Drive.ReadMotorVoltage(ctx)
	}
	return d.ReadMotorVoltageFunc(ctx)
}

// ReadSupplyVoltage calls the injected function or the real version.
func (d *Drive) ReadSupplyVoltage(ctx context.Context) (float64, error) {
	if d.ReadSupplyVoltageFunc == nil {
		return d.Drive.ReadSupplyVoltage(ctx)
	}
	return d.ReadSupplyVoltageFunc(ctx)
}

// ReadStatorCurrent calls the injected function or the real version.
func (d *Drive) ReadStatorCurrent(ctx context.Context) (float64, error) {
	if d.ReadStatorCurrentFunc == nil {
		return d.Drive.ReadStatorCurrent(ctx)
	}
	return d.ReadStatorCurrentFunc(ctx)
}

// ReadVelocityRPS calls the injected function or the real version.
func (d *Drive) ReadVelocityRPS(ctx context.Context) (float64, error) {
	if d.ReadVelocityRPSFunc == nil {
		return d.Drive.ReadVelocityRPS(ctx)
	}
	return d.ReadVelocityRPSFunc(ctx)
}

// ReadPositionRotations calls the injected function or the real version.
func (d *Drive) ReadPositionRotations(ctx context.Context) (float64, error) {
	if d.ReadPositionRotationsFunc == nil {
		return d.Drive.ReadPositionRotations(ctx)
	}
	return d.ReadPositionRotationsFunc(ctx)
}

// AssertKeepAlive calls the injected function or the real version.
func (d *Drive) AssertKeepAlive(ctx context.Context, timeout time.Duration) error {
	if d.AssertKeepAliveFunc == nil {
		return d.Drive.AssertKeepAlive(ctx, timeout)
	}
	return d.AssertKeepAliveFunc(ctx, timeout)
}
