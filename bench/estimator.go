package bench

// powerWindow tracks two set-once distance milestones that bound the
// steady-state part of a lift, past the launch transient and before any
// slowdown near the target. Average power over that interval is work done
// against gravity divided by the time between the milestones.
type powerWindow struct {
	startIn, endIn   float64
	startSec, endSec float64
	startSet, endSet bool
}

func newPowerWindow(startIn, endIn float64) powerWindow {
	return powerWindow{startIn: startIn, endIn: endIn}
}

// observe records the first time each milestone distance is crossed. Later
// samples never move a milestone that is already set.
func (w *powerWindow) observe(distanceIn, elapsedSec float64) {
	if !w.startSet && distanceIn >= w.startIn {
		w.startSec = elapsedSec
		w.startSet = true
	}
	if !w.endSet && distanceIn >= w.endIn {
		w.endSec = elapsedSec
		w.endSet = true
	}
}

// averagePower estimates mechanical output power in watts. When the lift
// crossed both milestones the estimate covers only the steady-state interval;
// otherwise it falls back to the whole run.
func (w *powerWindow) averagePower(weightLb, finalDistanceIn, durationSec float64) float64 {
	weightN := weightLb * poundsToNewtons
	if w.startSet && w.endSet {
		dt := w.endSec - w.startSec
		if dt <= 0 {
			return 0
		}
		work := weightN * (w.endIn - w.startIn) * inchesToMeters
		return work / dt
	}
	if durationSec <= 0 {
		return 0
	}
	return weightN * finalDistanceIn * inchesToMeters / durationSec
}
