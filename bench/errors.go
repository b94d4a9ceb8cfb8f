package bench

import "github.com/pkg/errors"

var (
	// ErrTestRunning is returned when an operation cannot start because a
	// test is in progress.
	ErrTestRunning = errors.New("a test is already running")

	// ErrJogActive is returned when an operation cannot start because the
	// controller is in jog mode.
	ErrJogActive = errors.New("jog mode is active; stop jogging first")

	// ErrNotInitialized is returned when the controller has not completed
	// Initialize or has been shut down.
	ErrNotInitialized = errors.New("controller is not initialized")
)

// newCurrentLimitError flags an unusable per-run current limit.
func newCurrentLimitError(amps float64) error {
	return errors.Errorf("current limit must be positive; got %.2f", amps)
}
