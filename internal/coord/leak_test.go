package coord

import (
	"os"
	"testing"

	"go.uber.org/goleak"
)

// TestMain verifies no goroutine leaks occur during testing.
// This catches context leaks and other resource cleanup issues.
func TestMain(m *testing.M) {
	os.Setenv("BLOCKGRID_TEST", "1")
	goleak.VerifyTestMain(m,
		// Ignore known background goroutines from testing infrastructure
		goleak.IgnoreTopFunction("testing.(*M).Run.func1"),
		goleak.IgnoreTopFunction("testing.tRunner"),
		// Idle HTTP keepalive connections park here between requests
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}
