// Package fake implements a simulated motor drive for running the bench
// without hardware.
//
// The simulation is signal-oriented rather than physical: the reported
// velocity and the rate position accumulates at are configured independently,
// so tests can reproduce a given telemetry trace exactly. Position advances on
// a background integrator only while a non-neutral command is active and the
// keep-alive watchdog has been fed, matching the cutout behavior of a real
// actuator bus.
package fake

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	utils "go.viam.com/utils"

	"go.viam.com/liftbench/drive"
)

// integratorPeriod is how often the background integrator advances position.
const integratorPeriod = 5 * time.Millisecond

// defaultWatchdog is the keep-alive window assumed before the first
// AssertKeepAlive call supplies one.
const defaultWatchdog = 100 * time.Millisecond

type commandMode int

const (
	neutralMode commandMode = iota
	dutyMode
	velocityMode
)

// Config describes the simulated motor and load.
type Config struct {
	// LiftRateRPS is the signed shaft speed, in rotations per second, that
	// position accumulates at under a full duty command. Zero simulates a
	// motor that never moves.
	LiftRateRPS float64 `json:"lift_rate_rps"`

	// ReportedVelocityRPS is the magnitude of the velocity signal while
	// driven open loop. Defaults to LiftRateRPS. Under a velocity command
	// the drive reports the commanded value instead.
	ReportedVelocityRPS float64 `json:"reported_velocity_rps,omitempty"`

	// SupplyVoltage defaults to 12.
	SupplyVoltage float64 `json:"supply_voltage,omitempty"`

	// StatorCurrentAmps is the current signal while driven, capped by the
	// commanded current limit. Defaults to 5.
	StatorCurrentAmps float64 `json:"stator_current_amps,omitempty"`

	// StallAtRotations, when positive, stops position from accumulating
	// beyond that magnitude, simulating a load jam or end of travel.
	StallAtRotations float64 `json:"stall_at_rotations,omitempty"`

	// Clock substitutes the time source, for tests only.
	Clock clock.Clock `json:"-"`
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if cfg.ReportedVelocityRPS < 0 {
		return utils.NewConfigValidationError(path, errors.New("reported_velocity_rps cannot be negative"))
	}
	if cfg.SupplyVoltage < 0 {
		return utils.NewConfigValidationError(path, errors.New("supply_voltage cannot be negative"))
	}
	if cfg.StatorCurrentAmps < 0 {
		return utils.NewConfigValidationError(path, errors.New("stator_current_amps cannot be negative"))
	}
	if cfg.StallAtRotations < 0 {
		return utils.NewConfigValidationError(path, errors.New("stall_at_rotations cannot be negative"))
	}
	return nil
}

// Drive is a simulated motor drive.
type Drive struct {
	mu     sync.Mutex
	cfg    Config
	clock  clock.Clock
	logger golog.Logger

	mode         commandMode
	duty         float64
	commandedRPS float64
	currentLimit float64
	position     float64
	lastFed      time.Time
	watchdog     time.Duration
	lastTick     time.Time

	dutyCommands     int
	velocityCommands []float64
	neutralCommands  int
	keepAlives       int

	cancelCtx               context.Context
	cancelFunc              func()
	activeBackgroundWorkers sync.WaitGroup
}

var _ drive.Drive = (*Drive)(nil)

// New validates the config, applies defaults, and starts the position
// integrator. Close must be called to stop it.
func New(cfg Config, logger golog.Logger) (*Drive, error) {
	if err := cfg.Validate(""); err != nil {
		return nil, err
	}
	if cfg.ReportedVelocityRPS == 0 {
		cfg.ReportedVelocityRPS = math.Abs(cfg.LiftRateRPS)
	}
	if cfg.SupplyVoltage == 0 {
		cfg.SupplyVoltage = 12
	}
	if cfg.StatorCurrentAmps == 0 {
		cfg.StatorCurrentAmps = 5
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}

	cancelCtx, cancelFunc := context.WithCancel(context.Background())
	d := &Drive{
		cfg:        cfg,
		clock:      clk,
		logger:     logger,
		watchdog:   defaultWatchdog,
		lastTick:   clk.Now(),
		cancelCtx:  cancelCtx,
		cancelFunc: cancelFunc,
	}
	d.start()
	return d, nil
}

func (d *Drive) start() {
	d.activeBackgroundWorkers.Add(1)
	utils.ManagedGo(func() {
		for {
			select {
			case <-d.cancelCtx.Done():
				return
			default:
			}
			if !utils.SelectContextOrWait(d.cancelCtx, integratorPeriod) {
				return
			}
			d.step()
		}
	}, d.activeBackgroundWorkers.Done)
}

func (d *Drive) step() {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.clock.Now()
	dt := now.Sub(d.lastTick)
	d.lastTick = now
	if dt <= 0 || !d.drivingLocked(now) {
		return
	}

	var rate float64
	switch d.mode {
	case dutyMode:
		rate = d.cfg.LiftRateRPS * d.duty
	case velocityMode:
		rate = d.commandedRPS
	case neutralMode:
		return
	}

	next := d.position + rate*dt.Seconds()
	if stall := d.cfg.StallAtRotations; stall > 0 && math.Abs(next) > stall {
		next = stall * drive.Sign(next)
	}
	d.position = next
}

// drivingLocked reports whether the simulated output stage is energized: a
// non-neutral command is active and the watchdog has been fed recently.
func (d *Drive) drivingLocked(now time.Time) bool {
	switch d.mode {
	case dutyMode:
		if d.duty == 0 {
			return false
		}
	case velocityMode:
		if d.commandedRPS == 0 {
			return false
		}
	case neutralMode:
		return false
	}
	return now.Sub(d.lastFed) <= d.watchdog
}

func (d *Drive) stalledLocked() bool {
	stall := d.cfg.StallAtRotations
	return stall > 0 && math.Abs(d.position) >= stall
}

// SetCurrentLimit records the commanded stator current cap.
func (d *Drive) SetCurrentLimit(ctx context.Context, amps float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.currentLimit = amps
	return nil
}

// CommandDutyCycle drives the simulated motor open loop.
func (d *Drive) CommandDutyCycle(ctx context.Context, fraction float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mode = dutyMode
	d.duty = drive.ClampDutyCycle(fraction)
	d.dutyCommands++
	return nil
}

// CommandVelocity drives the simulated motor at a shaft speed. The reported
// velocity tracks the commanded value.
func (d *Drive) CommandVelocity(ctx context.Context, rps float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mode = velocityMode
	d.commandedRPS = rps
	d.velocityCommands = append(d.velocityCommands, rps)
	return nil
}

// CommandNeutral releases the simulated motor to coast.
func (d *Drive) CommandNeutral(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.mode = neutralMode
	d.duty = 0
	d.commandedRPS = 0
	d.neutralCommands++
	return nil
}

// ReadMotorVoltage reports the voltage across the simulated motor.
func (d *Drive) ReadMotorVoltage(ctx context.Context) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.drivingLocked(d.clock.Now()) {
		return 0, nil
	}
	switch d.mode {
	case dutyMode:
		return math.Abs(d.duty) * d.cfg.SupplyVoltage, nil
	case velocityMode:
		return 0.5 * d.cfg.SupplyVoltage, nil
	default:
		return 0, nil
	}
}

// ReadSupplyVoltage reports the configured supply voltage.
func (d *Drive) ReadSupplyVoltage(ctx context.Context) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cfg.SupplyVoltage, nil
}

// ReadStatorCurrent reports the configured current while driven, capped by
// the commanded current limit.
func (d *Drive) ReadStatorCurrent(ctx context.Context) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.drivingLocked(d.clock.Now()) {
		return 0, nil
	}
	amps := d.cfg.StatorCurrentAmps
	if d.currentLimit > 0 && amps > d.currentLimit {
		amps = d.currentLimit
	}
	return amps, nil
}

// ReadVelocityRPS reports the simulated shaft velocity signal.
func (d *Drive) ReadVelocityRPS(ctx context.Context) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.drivingLocked(d.clock.Now()) {
		return 0, nil
	}
	switch d.mode {
	case dutyMode:
		if d.stalledLocked() {
			return 0, nil
		}
		return d.cfg.ReportedVelocityRPS * drive.Sign(d.duty), nil
	case velocityMode:
		return d.commandedRPS, nil
	default:
		return 0, nil
	}
}

// ReadPositionRotations reports the accumulated signed shaft position.
func (d *Drive) ReadPositionRotations(ctx context.Context) (float64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.position, nil
}

// AssertKeepAlive feeds the simulated watchdog.
func (d *Drive) AssertKeepAlive(ctx context.Context, timeout time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastFed = d.clock.Now()
	if timeout > 0 {
		d.watchdog = timeout
	}
	d.keepAlives++
	return nil
}

// SetPosition overrides the accumulated position, for test setup.
func (d *Drive) SetPosition(rotations float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.position = rotations
}

// CurrentLimit reports the last commanded current limit.
func (d *Drive) CurrentLimit() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.currentLimit
}

// DutyCommandCount reports how many duty-cycle commands were issued.
func (d *Drive) DutyCommandCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dutyCommands
}

// VelocityCommands returns a copy of every commanded velocity, in order.
func (d *Drive) VelocityCommands() []float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]float64, len(d.velocityCommands))
	copy(out, d.velocityCommands)
	return out
}

// NeutralCommandCount reports how many neutral commands were issued.
func (d *Drive) NeutralCommandCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.neutralCommands
}

// KeepAliveCount reports how many keep-alive asserts were issued.
func (d *Drive) KeepAliveCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.keepAlives
}

// Close stops the position integrator.
func (d *Drive) Close(ctx context.Context) error {
	d.cancelFunc()
	d.activeBackgroundWorkers.Wait()
	return nil
}
