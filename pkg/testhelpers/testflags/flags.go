package testflags

import (
	"flag"
	"testing"
)

// Unit tests run by default; integration tests that drive a whole chain
// through the syncer can be switched off with -integration=false.
var (
	integrationTest = flag.Bool("integration", true, "Run the integration go tests")
	unitTest        = flag.Bool("unit", true, "Run the unit go tests")
)

// UnitTest runs the calling test in parallel unless unit tests are disabled
// and -short is not set.
func UnitTest(t *testing.T) {
	if !*unitTest && !testing.Short() {
		t.SkipNow()
	}
	t.Parallel()
}

// IntegrationTest runs the calling test in parallel iff -integration is set.
func IntegrationTest(t *testing.T) {
	if !*integrationTest {
		t.SkipNow()
	}
	t.Parallel()
}

// BadUnitTestWithSideEffects is for unit tests that touch process wide
// state, such as registered metric views. They never run in parallel.
func BadUnitTestWithSideEffects(t *testing.T) {
	if !*unitTest && !testing.Short() {
		t.SkipNow()
	}
}
