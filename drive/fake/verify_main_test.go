package fake

import (
	"testing"

	"go.viam.com/liftbench/testutils"
)

func TestMain(m *testing.M) {
	testutils.VerifyTestMain(m)
}
