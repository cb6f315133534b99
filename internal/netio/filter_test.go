package netio_test

import (
	"net/netip"
	"testing"

	"github.com/overmesh/noded/internal/netio"
)

// TestShouldBindInterfaceBuiltinBlacklist verifies loopback and tunnel
// device name prefixes are always rejected.
func TestShouldBindInterfaceBuiltinBlacklist(t *testing.T) {
	t.Parallel()

	f := netio.NewInterfaceFilter(nil)
	addr := netip.MustParseAddr("192.168.1.10")

	for _, name := range []string{"lo", "lo0", "zt7nnig26", "tun0", "tap3"} {
		if f.ShouldBindInterface(name, addr) {
			t.Errorf("ShouldBindInterface(%q) = true, want false", name)
		}
	}

	if !f.ShouldBindInterface("eth0", addr) {
		t.Error("ShouldBindInterface(eth0) = false, want true")
	}
}

// TestShouldBindInterfaceUserPrefixes verifies the user-configured name
// prefix blacklist.
func TestShouldBindInterfaceUserPrefixes(t *testing.T) {
	t.Parallel()

	f := netio.NewInterfaceFilter(nil)
	f.SetPrefixBlacklist([]string{"docker", "veth"})
	addr := netip.MustParseAddr("192.168.1.10")

	if f.ShouldBindInterface("docker0", addr) {
		t.Error("docker0 accepted despite prefix blacklist")
	}
	if f.ShouldBindInterface("veth12ab", addr) {
		t.Error("veth12ab accepted despite prefix blacklist")
	}
	if !f.ShouldBindInterface("enp3s0", addr) {
		t.Error("enp3s0 rejected without cause")
	}
}

// TestShouldBindInterfaceAddressBlacklists verifies the per-family global
// address blacklists.
func TestShouldBindInterfaceAddressBlacklists(t *testing.T) {
	t.Parallel()

	f := netio.NewInterfaceFilter(nil)
	f.SetAddressBlacklists(
		[]netip.Prefix{netip.MustParsePrefix("192.168.99.0/24")},
		[]netip.Prefix{netip.MustParsePrefix("fd99::/16")},
	)

	if f.ShouldBindInterface("eth0", netip.MustParseAddr("192.168.99.7")) {
		t.Error("blacklisted v4 address accepted")
	}
	if f.ShouldBindInterface("eth0", netip.MustParseAddr("fd99::7")) {
		t.Error("blacklisted v6 address accepted")
	}
	if !f.ShouldBindInterface("eth0", netip.MustParseAddr("192.168.1.7")) {
		t.Error("clean v4 address rejected")
	}
}

// TestShouldBindInterfaceTapSuppression verifies that addresses installed
// on owned taps are never bound, preventing overlay-over-overlay.
func TestShouldBindInterfaceTapSuppression(t *testing.T) {
	t.Parallel()

	tapIP := netip.MustParseAddr("10.147.20.5")
	f := netio.NewInterfaceFilter(func() []netip.Addr {
		return []netip.Addr{tapIP}
	})

	if f.ShouldBindInterface("eth0", tapIP) {
		t.Error("owned tap address accepted for binding")
	}
	if !f.ShouldBindInterface("eth0", netip.MustParseAddr("10.147.21.5")) {
		t.Error("non-tap address rejected")
	}
}
