// Package bench runs controlled weight-lift tests against a motor drive and
// records electrical and mechanical telemetry for each run.
//
// A Controller commands the drive at a fixed control rate, samples telemetry
// at a fixed sample rate, and finishes in exactly one terminal state. All of
// the rig geometry and timing lives in a Config so the same controller can
// serve different spool and gearbox combinations.
package bench

import (
	"time"

	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// Defaults match the rig this controller was first built for and apply to any
// Config field left at its zero value.
const (
	DefaultSampleRateHz           = 100.0
	DefaultControlRateHz          = 50.0
	DefaultTestTimeout            = 10 * time.Second
	DefaultKeepAliveTimeout       = 100 * time.Millisecond
	DefaultPowerWindowStartInches = 4.0
	DefaultPowerWindowEndInches   = 12.0
	DefaultSampleDecimation       = 20
)

// Unit conversions used by the derived channels.
const (
	poundsToNewtons = 4.448
	inchesToMeters  = 0.0254
)

// Config describes the lift rig and the timing of a test run.
type Config struct {
	// GearRatio is motor rotations per spool rotation.
	GearRatio float64 `json:"gear_ratio"`
	// SpoolDiameterInches is the diameter of the winch spool.
	SpoolDiameterInches float64 `json:"spool_diameter_inches"`
	// LoadWeightPounds is the weight being lifted.
	LoadWeightPounds float64 `json:"load_weight_pounds"`
	// TargetDistanceInches is the lift height that completes a run.
	TargetDistanceInches float64 `json:"target_distance_inches"`

	// LiftDirection is +1 or -1 and selects which motor direction raises the
	// load. Defaults to +1.
	LiftDirection float64 `json:"lift_direction,omitempty"`

	SampleRateHz     float64       `json:"sample_rate_hz,omitempty"`
	ControlRateHz    float64       `json:"control_rate_hz,omitempty"`
	TestTimeout      time.Duration `json:"test_timeout,omitempty"`
	KeepAliveTimeout time.Duration `json:"keep_alive_timeout,omitempty"`

	// PowerWindowStartInches and PowerWindowEndInches bound the steady-state
	// interval used for the average power estimate.
	PowerWindowStartInches float64 `json:"power_window_start_inches,omitempty"`
	PowerWindowEndInches   float64 `json:"power_window_end_inches,omitempty"`

	// SampleDecimation is how many samples are recorded per live callback.
	SampleDecimation int `json:"sample_decimation,omitempty"`
}

// Validate ensures all parts of the config are valid. Zero-valued optional
// fields are filled by withDefaults before the controller uses them.
func (cfg *Config) Validate(path string) error {
	if cfg.GearRatio == 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "gear_ratio")
	}
	if cfg.GearRatio < 0 {
		return utils.NewConfigValidationError(path, errors.New("gear_ratio must be positive"))
	}
	if cfg.SpoolDiameterInches == 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "spool_diameter_inches")
	}
	if cfg.SpoolDiameterInches < 0 {
		return utils.NewConfigValidationError(path, errors.New("spool_diameter_inches must be positive"))
	}
	if cfg.LoadWeightPounds == 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "load_weight_pounds")
	}
	if cfg.LoadWeightPounds < 0 {
		return utils.NewConfigValidationError(path, errors.New("load_weight_pounds must be positive"))
	}
	if cfg.TargetDistanceInches == 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "target_distance_inches")
	}
	if cfg.TargetDistanceInches < 0 {
		return utils.NewConfigValidationError(path, errors.New("target_distance_inches must be positive"))
	}
	if cfg.LiftDirection != 0 && cfg.LiftDirection != 1 && cfg.LiftDirection != -1 {
		return utils.NewConfigValidationError(path, errors.New("lift_direction must be 1 or -1"))
	}
	if cfg.SampleRateHz < 0 || cfg.ControlRateHz < 0 {
		return utils.NewConfigValidationError(path, errors.New("rates must be positive"))
	}
	if cfg.TestTimeout < 0 || cfg.KeepAliveTimeout < 0 {
		return utils.NewConfigValidationError(path, errors.New("timeouts must be positive"))
	}
	if cfg.PowerWindowStartInches < 0 || cfg.PowerWindowEndInches < 0 {
		return utils.NewConfigValidationError(path, errors.New("power window bounds must be positive"))
	}
	if cfg.PowerWindowStartInches != 0 && cfg.PowerWindowEndInches != 0 &&
		cfg.PowerWindowEndInches <= cfg.PowerWindowStartInches {
		return utils.NewConfigValidationError(path,
			errors.New("power_window_end_inches must be greater than power_window_start_inches"))
	}
	if cfg.SampleDecimation < 0 {
		return utils.NewConfigValidationError(path, errors.New("sample_decimation must be positive"))
	}
	return nil
}

func (cfg Config) withDefaults() Config {
	if cfg.LiftDirection == 0 {
		cfg.LiftDirection = 1
	}
	if cfg.SampleRateHz == 0 {
		cfg.SampleRateHz = DefaultSampleRateHz
	}
	if cfg.ControlRateHz == 0 {
		cfg.ControlRateHz = DefaultControlRateHz
	}
	if cfg.TestTimeout == 0 {
		cfg.TestTimeout = DefaultTestTimeout
	}
	if cfg.KeepAliveTimeout == 0 {
		cfg.KeepAliveTimeout = DefaultKeepAliveTimeout
	}
	if cfg.PowerWindowStartInches == 0 {
		cfg.PowerWindowStartInches = DefaultPowerWindowStartInches
	}
	if cfg.PowerWindowEndInches == 0 {
		cfg.PowerWindowEndInches = DefaultPowerWindowEndInches
	}
	if cfg.SampleDecimation == 0 {
		cfg.SampleDecimation = DefaultSampleDecimation
	}
	return cfg
}
