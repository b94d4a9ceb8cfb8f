// Package powermon decorates a drive with supply-side telemetry from a TI
// INA260 power monitor on I²C.
//
// Some drives report current and voltage at coarse resolution (a RoboClaw
// reads currents in 10 mA steps and its battery voltage in 0.1 V steps). An
// INA260 wired into the supply path measures both at 1.25 mA / 1.25 mV per
// bit, so the bench's input-power figures come out of real measurement rather
// than the controller's rounding. The supply-side current measurement stands
// in for stator current; every other drive call passes through unchanged.
package powermon

import (
	"context"
	"encoding/binary"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	goutils "go.viam.com/utils"
	"periph.io/x/conn/v3/i2c"

	"go.viam.com/liftbench/drive"
)

// DefaultAddr is the INA260's I²C address with A0 and A1 grounded.
const DefaultAddr = 0x40

const (
	regCurrent    = 0x01
	regBusVoltage = 0x02
	regMfgID      = 0xFE

	// register LSB weights from the datasheet
	ampsPerBit  = 0.00125
	voltsPerBit = 0.00125

	mfgTexasInstruments = 0x5449
)

// Drive wraps another drive, replacing its supply-voltage and current reads
// with INA260 measurements.
type Drive struct {
	drive.Drive
	dev    *i2c.Dev
	logger golog.Logger
}

var _ drive.Drive = (*Drive)(nil)

// New probes the monitor at addr (DefaultAddr if zero) and wraps base.
func New(base drive.Drive, bus i2c.Bus, addr uint16, logger golog.Logger) (*Drive, error) {
	if addr == 0 {
		addr = DefaultAddr
	}
	d := &Drive{
		Drive:  base,
		dev:    &i2c.Dev{Bus: bus, Addr: addr},
		logger: logger,
	}

	mfg, err := d.readReg(regMfgID)
	if err != nil {
		return nil, errors.Wrap(err, "cannot probe ina260")
	}
	if mfg != mfgTexasInstruments {
		return nil, errors.Errorf("device at 0x%02x is not an ina260 (manufacturer 0x%04x)", addr, mfg)
	}
	return d, nil
}

func (d *Drive) readReg(reg byte) (uint16, error) {
	var buf [2]byte
	if err := d.dev.Tx([]byte{reg}, buf[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(buf[:]), nil
}

// ReadSupplyVoltage reports the measured bus voltage.
func (d *Drive) ReadSupplyVoltage(ctx context.Context) (float64, error) {
	raw, err := d.readReg(regBusVoltage)
	if err != nil {
		return 0, errors.Wrap(err, "ina260 bus voltage")
	}
	return float64(raw) * voltsPerBit, nil
}

// ReadStatorCurrent reports the measured supply current, signed: the current
// register is two's complement.
func (d *Drive) ReadStatorCurrent(ctx context.Context) (float64, error) {
	raw, err := d.readReg(regCurrent)
	if err != nil {
		return 0, errors.Wrap(err, "ina260 current")
	}
	return float64(int16(raw)) * ampsPerBit, nil
}

// Close releases the wrapped drive if it can be closed. The I²C bus stays
// open; it belongs to whoever opened it.
func (d *Drive) Close(ctx context.Context) error {
	return goutils.TryClose(ctx, d.Drive)
}
