// Package testutils provides shared helpers for this module's tests.
package testutils

import (
	"go.uber.org/goleak"
)

// VerifyTestMain verifies no goroutines leak from a package's tests.
func VerifyTestMain(m goleak.TestingM) {
	goleak.VerifyTestMain(m)
}
