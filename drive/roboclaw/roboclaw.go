// Package roboclaw implements drive.Drive for Basicmicro RoboClaw motor
// controllers over packet serial.
//
// Packet framing: every host command starts with the controller address and a
// command byte. Write commands append their data and a CRC-16/CCITT over the
// whole frame and are acknowledged with a single 0xFF byte. Read commands send
// only address and command; the controller replies with the payload followed
// by a CRC computed over address, command, and payload.
package roboclaw

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"sync"
	"time"

	"github.com/edaniels/golog"
	"github.com/jacobsa/go-serial/serial"
	"github.com/pkg/errors"
	utils "go.viam.com/utils"

	"go.viam.com/liftbench/drive"
)

const (
	cmdSetTimeout          = 14
	cmdGetTimeout          = 15
	cmdReadEncM1           = 16
	cmdReadEncM2           = 17
	cmdReadSpeedM1         = 18
	cmdReadSpeedM2         = 19
	cmdReadMainBattVoltage = 24
	cmdDutyM1              = 32
	cmdDutyM2              = 33
	cmdSpeedM1             = 35
	cmdSpeedM2             = 36
	cmdReadPWMs            = 48
	cmdReadCurrents        = 49
	cmdSetM1MaxCurrent     = 133
	cmdSetM2MaxCurrent     = 134
)

const ackByte = 0xFF

var validBaudRates = []int{460800, 230400, 115200, 57600, 38400, 19200, 9600, 2400}

// Config describes how to reach one channel of a RoboClaw.
type Config struct {
	// SerialPath is the path to the serial device, e.g. /dev/ttyS0.
	SerialPath string `json:"serial_path"`

	// BaudRate defaults to 38400, the controller's factory setting.
	BaudRate int `json:"serial_baud_rate,omitempty"`

	// Address is the packet-serial address, 128-135. Defaults to 128.
	Address int `json:"serial_address,omitempty"`

	// Channel selects motor channel 1 or 2. Defaults to 1.
	Channel int `json:"motor_channel,omitempty"`

	// TicksPerRotation is the encoder resolution at the motor shaft.
	TicksPerRotation int `json:"ticks_per_rotation"`

	// TestPort is a fake serial connection for test use only.
	TestPort io.ReadWriteCloser `json:"-"`
}

// Validate ensures all parts of the config are valid.
func (cfg *Config) Validate(path string) error {
	if cfg.SerialPath == "" && cfg.TestPort == nil {
		return utils.NewConfigValidationFieldRequiredError(path, "serial_path")
	}
	if cfg.TicksPerRotation <= 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "ticks_per_rotation")
	}
	if cfg.BaudRate != 0 {
		valid := false
		for _, b := range validBaudRates {
			if cfg.BaudRate == b {
				valid = true
				break
			}
		}
		if !valid {
			return utils.NewConfigValidationError(path, errors.Errorf("invalid baud rate %d", cfg.BaudRate))
		}
	}
	if cfg.Address != 0 && (cfg.Address < 128 || cfg.Address > 135) {
		return utils.NewConfigValidationError(path, errors.Errorf("serial address %d must be 128-135", cfg.Address))
	}
	if cfg.Channel != 0 && cfg.Channel != 1 && cfg.Channel != 2 {
		return utils.NewConfigValidationError(path, errors.Errorf("motor channel %d must be 1 or 2", cfg.Channel))
	}
	return nil
}

// channelCmds are the per-channel command bytes.
type channelCmds struct {
	duty          byte
	speed         byte
	readEnc       byte
	readSpeed     byte
	setMaxCurrent byte
}

var cmdsByChannel = map[int]channelCmds{
	1: {cmdDutyM1, cmdSpeedM1, cmdReadEncM1, cmdReadSpeedM1, cmdSetM1MaxCurrent},
	2: {cmdDutyM2, cmdSpeedM2, cmdReadEncM2, cmdReadSpeedM2, cmdSetM2MaxCurrent},
}

// Drive is one motor channel of a RoboClaw.
type Drive struct {
	mu     sync.Mutex
	port   io.ReadWriteCloser
	addr   byte
	cmds   channelCmds
	ticks  float64
	logger golog.Logger

	// armedTimeout is the last serial watchdog value written, in 100 ms
	// units, so keep-alives only rewrite it when it changes.
	armedTimeout byte
}

var _ drive.Drive = (*Drive)(nil)

// New opens the serial port (or takes the configured test port) and returns a
// drive for the configured channel.
func New(cfg Config, logger golog.Logger) (*Drive, error) {
	if err := cfg.Validate(""); err != nil {
		return nil, err
	}
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 38400
	}
	if cfg.Address == 0 {
		cfg.Address = 128
	}
	if cfg.Channel == 0 {
		cfg.Channel = 1
	}

	port := cfg.TestPort
	if port == nil {
		var err error
		port, err = serial.Open(serial.OpenOptions{
			PortName:        cfg.SerialPath,
			BaudRate:        uint(cfg.BaudRate),
			DataBits:        8,
			StopBits:        1,
			MinimumReadSize: 1,
		})
		if err != nil {
			return nil, errors.Wrapf(err, "cannot open roboclaw serial port %q", cfg.SerialPath)
		}
	}

	return &Drive{
		port:   port,
		addr:   byte(cfg.Address),
		cmds:   cmdsByChannel[cfg.Channel],
		ticks:  float64(cfg.TicksPerRotation),
		logger: logger,
	}, nil
}

// crc16 is the CRC-16/CCITT (poly 0x1021, init 0) the controller checks
// frames with.
func crc16(data []byte) uint16 {
	var crc uint16
	for _, b := range data {
		crc ^= uint16(b) << 8
		for i := 0; i < 8; i++ {
			if crc&0x8000 != 0 {
				crc = crc<<1 ^ 0x1021
			} else {
				crc <<= 1
			}
		}
	}
	return crc
}

// writeCmd sends a write command and consumes the ack byte.
func (d *Drive) writeCmd(cmd byte, data ...byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	frame := make([]byte, 0, len(data)+4)
	frame = append(frame, d.addr, cmd)
	frame = append(frame, data...)
	frame = binary.BigEndian.AppendUint16(frame, crc16(frame))

	if _, err := d.port.Write(frame); err != nil {
		return errors.Wrapf(err, "roboclaw write cmd %d", cmd)
	}
	ack := make([]byte, 1)
	if _, err := io.ReadFull(d.port, ack); err != nil {
		return errors.Wrapf(err, "roboclaw ack cmd %d", cmd)
	}
	if ack[0] != ackByte {
		return errors.Errorf("roboclaw rejected cmd %d (ack 0x%02x)", cmd, ack[0])
	}
	return nil
}

// readCmd sends a read command and returns n payload bytes after checking the
// reply CRC.
func (d *Drive) readCmd(cmd byte, n int) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	req := []byte{d.addr, cmd}
	if _, err := d.port.Write(req); err != nil {
		return nil, errors.Wrapf(err, "roboclaw read cmd %d", cmd)
	}
	reply := make([]byte, n+2)
	if _, err := io.ReadFull(d.port, reply); err != nil {
		return nil, errors.Wrapf(err, "roboclaw reply cmd %d", cmd)
	}

	payload := reply[:n]
	got := binary.BigEndian.Uint16(reply[n:])
	want := crc16(append(req, payload...))
	if got != want {
		return nil, errors.Errorf("roboclaw crc mismatch on cmd %d (got 0x%04x want 0x%04x)", cmd, got, want)
	}
	return payload, nil
}

// SetCurrentLimit caps the channel's current, in 10 mA units on the wire.
func (d *Drive) SetCurrentLimit(ctx context.Context, amps float64) error {
	if amps <= 0 {
		return errors.Errorf("current limit must be positive, got %.2f", amps)
	}
	data := make([]byte, 8)
	binary.BigEndian.PutUint32(data[:4], uint32(amps*100))
	// minimum current limit is always zero
	return d.writeCmd(d.cmds.setMaxCurrent, data...)
}

// CommandDutyCycle drives the channel open loop, ±32767 full scale.
func (d *Drive) CommandDutyCycle(ctx context.Context, fraction float64) error {
	duty := int16(drive.ClampDutyCycle(fraction) * 32767)
	data := make([]byte, 2)
	binary.BigEndian.PutUint16(data, uint16(duty))
	return d.writeCmd(d.cmds.duty, data...)
}

// CommandVelocity drives the channel closed loop in encoder counts/sec.
func (d *Drive) CommandVelocity(ctx context.Context, rps float64) error {
	qpps := int32(rps * d.ticks)
	data := make([]byte, 4)
	binary.BigEndian.PutUint32(data, uint32(qpps))
	return d.writeCmd(d.cmds.speed, data...)
}

// CommandNeutral releases the channel: zero duty lets the motor coast.
func (d *Drive) CommandNeutral(ctx context.Context) error {
	data := []byte{0, 0}
	return d.writeCmd(d.cmds.duty, data...)
}

// ReadMotorVoltage derives motor voltage from the channel's PWM fraction and
// the main battery voltage; the controller does not report it directly.
func (d *Drive) ReadMotorVoltage(ctx context.Context) (float64, error) {
	payload, err := d.readCmd(cmdReadPWMs, 4)
	if err != nil {
		return 0, err
	}
	raw := int16(binary.BigEndian.Uint16(payload[:2]))
	if d.cmds.duty == cmdDutyM2 {
		raw = int16(binary.BigEndian.Uint16(payload[2:4]))
	}
	supply, err := d.ReadSupplyVoltage(ctx)
	if err != nil {
		return 0, err
	}
	return math.Abs(float64(raw)/32767) * supply, nil
}

// ReadSupplyVoltage reports the main battery voltage.
func (d *Drive) ReadSupplyVoltage(ctx context.Context) (float64, error) {
	payload, err := d.readCmd(cmdReadMainBattVoltage, 2)
	if err != nil {
		return 0, err
	}
	return float64(binary.BigEndian.Uint16(payload)) / 10, nil
}

// ReadStatorCurrent reports the channel's motor current, signed by direction.
func (d *Drive) ReadStatorCurrent(ctx context.Context) (float64, error) {
	payload, err := d.readCmd(cmdReadCurrents, 4)
	if err != nil {
		return 0, err
	}
	raw := int16(binary.BigEndian.Uint16(payload[:2]))
	if d.cmds.duty == cmdDutyM2 {
		raw = int16(binary.BigEndian.Uint16(payload[2:4]))
	}
	return float64(raw) / 100, nil
}

// ReadVelocityRPS reports the encoder speed in rotations per second.
func (d *Drive) ReadVelocityRPS(ctx context.Context) (float64, error) {
	payload, err := d.readCmd(d.cmds.readSpeed, 5)
	if err != nil {
		return 0, err
	}
	qpps := int32(binary.BigEndian.Uint32(payload[:4]))
	return float64(qpps) / d.ticks, nil
}

// ReadPositionRotations reports the cumulative encoder position in rotations.
func (d *Drive) ReadPositionRotations(ctx context.Context) (float64, error) {
	payload, err := d.readCmd(d.cmds.readEnc, 5)
	if err != nil {
		return 0, err
	}
	count := int32(binary.BigEndian.Uint32(payload[:4]))
	return float64(count) / d.ticks, nil
}

// AssertKeepAlive feeds the controller's serial watchdog. The watchdog resets
// on any valid packet, so after arming the timeout once this only needs to
// issue a minimal read.
func (d *Drive) AssertKeepAlive(ctx context.Context, timeout time.Duration) error {
	u := int64((timeout + 100*time.Millisecond - 1) / (100 * time.Millisecond))
	if u < 1 {
		u = 1
	} else if u > 255 {
		u = 255
	}
	units := byte(u)

	d.mu.Lock()
	armed := d.armedTimeout
	d.mu.Unlock()

	if armed != units {
		if err := d.writeCmd(cmdSetTimeout, units); err != nil {
			return err
		}
		d.mu.Lock()
		d.armedTimeout = units
		d.mu.Unlock()
		return nil
	}
	_, err := d.readCmd(cmdGetTimeout, 1)
	return err
}

// Close closes the serial port.
func (d *Drive) Close(ctx context.Context) error {
	return d.port.Close()
}
