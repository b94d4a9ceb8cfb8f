package bench

// TestState identifies where a test run is in its lifecycle. A run moves from
// StateInitializing to StateRunning and from there to exactly one of the
// terminal states.
type TestState string

const (
	// StateInitializing is the state before the run loop has touched the drive.
	StateInitializing TestState = "initializing"
	// StateRunning is the state while the control/sampling loop is active.
	StateRunning TestState = "running"
	// StateCompleted means the load reached the target distance in time.
	StateCompleted TestState = "completed"
	// StateTimedOut means the time budget expired before the target distance.
	StateTimedOut TestState = "timed_out"
	// StateAborted means the caller requested a stop mid-run.
	StateAborted TestState = "aborted"
	// StateFaulted means the drive failed during the run.
	StateFaulted TestState = "faulted"
)

// Terminal reports whether s is an end state.
func (s TestState) Terminal() bool {
	switch s {
	case StateCompleted, StateTimedOut, StateAborted, StateFaulted:
		return true
	default:
		return false
	}
}
