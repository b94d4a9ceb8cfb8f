package bench

import (
	"github.com/google/uuid"
	"github.com/montanaflynn/stats"
)

// DataPoint is one telemetry sample taken during a test run. All channels are
// magnitudes except where a sign is meaningful to the rig.
type DataPoint struct {
	ElapsedSeconds float64 `json:"elapsed_seconds"`
	MotorVoltage   float64 `json:"motor_voltage"`
	SupplyVoltage  float64 `json:"supply_voltage"`
	Current        float64 `json:"current"`
	LoadRPM        float64 `json:"load_rpm"`
	DistanceInches float64 `json:"distance_inches"`
	InputPower     float64 `json:"input_power"`
	OutputPower    float64 `json:"output_power"`
}

// Result is the full record of one test run: the parameters it ran with, the
// terminal state it reached, its summary statistics, and the recorded samples.
type Result struct {
	RunID  uuid.UUID `json:"run_id"`
	TestID string    `json:"test_id"`

	CurrentLimitAmps     float64 `json:"current_limit_amps"`
	LoadWeightPounds     float64 `json:"load_weight_pounds"`
	SpoolDiameterInches  float64 `json:"spool_diameter_inches"`
	TargetDistanceInches float64 `json:"target_distance_inches"`

	State     TestState `json:"state"`
	Completed bool      `json:"completed"`

	DistanceInches  float64 `json:"distance_inches"`
	MaxLoadRPM      float64 `json:"max_load_rpm"`
	AvgLoadRPM      float64 `json:"avg_load_rpm"`
	PeakOutputPower float64 `json:"peak_output_power"`
	DurationSeconds float64 `json:"duration_seconds"`
	AveragePower    float64 `json:"average_power"`

	ErrorMessage string `json:"error_message,omitempty"`

	DataPoints []DataPoint `json:"data_points"`
}

// summarize fills the aggregate fields derived from the recorded samples.
func (r *Result) summarize() {
	if len(r.DataPoints) == 0 {
		return
	}
	rpms := make([]float64, 0, len(r.DataPoints))
	powers := make([]float64, 0, len(r.DataPoints))
	for _, pt := range r.DataPoints {
		rpms = append(rpms, pt.LoadRPM)
		powers = append(powers, pt.OutputPower)
	}
	if avg, err := stats.Mean(rpms); err == nil {
		r.AvgLoadRPM = avg
	}
	if maxRPM, err := stats.Max(rpms); err == nil {
		r.MaxLoadRPM = maxRPM
	}
	if peak, err := stats.Max(powers); err == nil {
		r.PeakOutputPower = peak
	}
}
