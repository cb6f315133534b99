package netio_test

import (
	"net"
	"testing"

	"github.com/overmesh/noded/internal/netio"
)

// TestTrialBindZeroPort verifies port 0 is never a valid trial.
func TestTrialBindZeroPort(t *testing.T) {
	t.Parallel()

	if netio.TrialBind(0) {
		t.Error("TrialBind(0) = true, want false")
	}
}

// TestTrialBindFreePort verifies a port the OS just handed out trial
// binds successfully after release.
func TestTrialBindFreePort(t *testing.T) {
	t.Parallel()

	port := freePort(t)
	if !netio.TrialBind(port) {
		t.Errorf("TrialBind(%d) = false for a freshly released port", port)
	}
}

// TestPickPrimaryPortConfigured verifies a configured port gets exactly
// one trial.
func TestPickPrimaryPortConfigured(t *testing.T) {
	t.Parallel()

	port := freePort(t)
	if got := netio.PickPrimaryPort(port); got != port {
		t.Errorf("PickPrimaryPort(%d) = %d, want the configured port", port, got)
	}
}

// TestPickPrimaryPortRandom verifies random hunting lands in the
// documented range.
func TestPickPrimaryPortRandom(t *testing.T) {
	t.Parallel()

	got := netio.PickPrimaryPort(0)
	if got == 0 {
		t.Fatal("PickPrimaryPort(0) = 0; no bindable port found")
	}
	if got < 20000 || got >= 65500 {
		t.Errorf("PickPrimaryPort(0) = %d, want within [20000, 65500)", got)
	}
}

// TestPickDerivedPort verifies upward hunting from a starting point.
func TestPickDerivedPort(t *testing.T) {
	t.Parallel()

	got := netio.PickDerivedPort(30000)
	if got == 0 {
		t.Fatal("PickDerivedPort(30000) = 0; no bindable port found")
	}
	if !netio.TrialBind(got) {
		t.Errorf("PickDerivedPort returned %d which does not trial bind", got)
	}
}

// TestDerivedPortStart verifies the address-derived starting point
// formula and its range.
func TestDerivedPortStart(t *testing.T) {
	t.Parallel()

	tests := []struct {
		address uint64
		want    uint16
	}{
		{0, 20000},
		{1, 20001},
		{45500, 20000},
		{45501, 20001},
	}

	for _, tt := range tests {
		if got := netio.DerivedPortStart(tt.address); got != tt.want {
			t.Errorf("DerivedPortStart(%d) = %d, want %d", tt.address, got, tt.want)
		}
	}
}

// freePort asks the OS for an ephemeral TCP port and releases it.
func freePort(t *testing.T) uint16 {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("reserve port: %v", err)
	}
	port := uint16(ln.Addr().(*net.TCPAddr).Port)
	_ = ln.Close()
	return port
}
