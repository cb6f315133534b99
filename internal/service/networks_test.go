package service

import (
	"errors"
	"net/netip"
	"slices"
	"testing"

	"github.com/overmesh/noded/internal/events"
	"github.com/overmesh/noded/internal/overlay"
	"github.com/overmesh/noded/internal/vtap"
)

const testNwid = uint64(0x8056c2e21c000001)

func upConfig(addrs ...string) *overlay.NetworkConfig {
	cfg := &overlay.NetworkConfig{
		ID:     testNwid,
		MAC:    0x02a1b2c3d4e5,
		Name:   "testnet",
		Status: overlay.NetworkStatusRequestingConfiguration,
		MTU:    2800,
	}
	for _, a := range addrs {
		cfg.AssignedAddresses = append(cfg.AssignedAddresses, netip.MustParsePrefix(a))
	}
	return cfg
}

// TestCheckIfManagedIsAllowed verifies the managed-target policy table.
func TestCheckIfManagedIsAllowed(t *testing.T) {
	t.Parallel()

	wl := []netip.Prefix{netip.MustParsePrefix("10.147.0.0/16")}

	tests := []struct {
		name     string
		settings NetworkSettings
		target   string
		want     bool
	}{
		{"managed disabled", NetworkSettings{AllowManaged: false}, "10.147.20.5/24", false},
		{"private allowed", NetworkSettings{AllowManaged: true}, "10.147.20.5/24", true},
		{"shared allowed", NetworkSettings{AllowManaged: true}, "100.64.0.5/10", true},
		{"global needs flag", NetworkSettings{AllowManaged: true}, "203.0.113.5/24", false},
		{"global with flag", NetworkSettings{AllowManaged: true, AllowGlobal: true}, "203.0.113.5/24", true},
		{"loopback rejected", NetworkSettings{AllowManaged: true}, "127.0.0.5/8", false},
		{"link-local rejected", NetworkSettings{AllowManaged: true}, "169.254.1.1/16", false},
		{"multicast rejected", NetworkSettings{AllowManaged: true}, "224.0.0.1/4", false},
		{"default needs flag", NetworkSettings{AllowManaged: true}, "0.0.0.0/0", false},
		{"default with flag", NetworkSettings{AllowManaged: true, AllowDefault: true}, "0.0.0.0/0", true},
		{"v6 default needs flag", NetworkSettings{AllowManaged: true}, "::/0", false},
		{
			"whitelist admits contained",
			NetworkSettings{AllowManaged: true, AllowManagedWhitelist: wl},
			"10.147.20.5/24", true,
		},
		{
			"whitelist rejects outside",
			NetworkSettings{AllowManaged: true, AllowManagedWhitelist: wl},
			"10.148.20.5/24", false,
		},
		{
			"whitelist rejects wider target",
			NetworkSettings{AllowManaged: true, AllowManagedWhitelist: wl},
			"10.147.20.5/8", false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := checkIfManagedIsAllowed(tt.settings, netip.MustParsePrefix(tt.target))
			if got != tt.want {
				t.Errorf("checkIfManagedIsAllowed(%s) = %v, want %v", tt.target, got, tt.want)
			}
		})
	}
}

// TestNetworkUpInstallsManagedAddress drives the UP callback and checks
// tap creation, address installation, and the emitted events.
func TestNetworkUpInstallsManagedAddress(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	if rc := h.svc.VirtualNetworkConfig(testNwid, overlay.ConfigOperationUp, upConfig("10.147.20.5/24")); rc != 0 {
		t.Fatalf("UP returned %d, want 0", rc)
	}

	tap := h.taps[testNwid]
	if tap == nil {
		t.Fatal("no tap created on UP")
	}
	if tap.DeviceName() != "Overlay [8056c2e21c000001]" {
		t.Errorf("tap name = %q", tap.DeviceName())
	}
	want := netip.MustParsePrefix("10.147.20.5/24")
	if !slices.Contains(tap.IPs(), want) {
		t.Errorf("tap IPs = %v, want to contain %v", tap.IPs(), want)
	}
	if got := h.svc.ManagedIPs(testNwid); !slices.Contains(got, want) {
		t.Errorf("managed IPs = %v, want to contain %v", got, want)
	}
	if tap.MTU() != 2800 {
		t.Errorf("tap MTU = %d, want 2800", tap.MTU())
	}

	codes := h.drainEvents()
	if !slices.Contains(codes, events.AddrAddedIP4) {
		t.Errorf("events = %v, want ADDR_ADDED_IP4", codes)
	}
	if slices.Contains(codes, events.NetworkUpdate) {
		t.Errorf("events = %v; UP must not emit NETWORK_UPDATE", codes)
	}
}

// TestNetworkUpdateReplacesAddress verifies an UPDATE swapping addresses
// emits exactly one removal, one addition, and one NETWORK_UPDATE.
func TestNetworkUpdateReplacesAddress(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.svc.VirtualNetworkConfig(testNwid, overlay.ConfigOperationUp, upConfig("10.147.20.5/24"))
	h.drainEvents()

	if rc := h.svc.VirtualNetworkConfig(testNwid, overlay.ConfigOperationUpdate, upConfig("10.147.20.9/24")); rc != 0 {
		t.Fatalf("UPDATE returned %d, want 0", rc)
	}

	codes := h.drainEvents()
	wantSeq := []events.Code{events.AddrRemovedIP4, events.AddrAddedIP4, events.NetworkUpdate}
	if !slices.Equal(codes, wantSeq) {
		t.Errorf("events = %v, want %v", codes, wantSeq)
	}

	tap := h.taps[testNwid]
	ips := tap.IPs()
	if slices.Contains(ips, netip.MustParsePrefix("10.147.20.5/24")) {
		t.Error("old address still installed")
	}
	if !slices.Contains(ips, netip.MustParsePrefix("10.147.20.9/24")) {
		t.Error("new address not installed")
	}
}

// TestReconcileIsFixedPoint verifies a repeated UPDATE with an unchanged
// address set performs no tap operations.
func TestReconcileIsFixedPoint(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.svc.VirtualNetworkConfig(testNwid, overlay.ConfigOperationUp, upConfig("10.147.20.5/24", "fd00::5/64"))
	h.drainEvents()

	h.svc.VirtualNetworkConfig(testNwid, overlay.ConfigOperationUpdate, upConfig("10.147.20.5/24", "fd00::5/64"))

	codes := h.drainEvents()
	wantSeq := []events.Code{events.NetworkUpdate}
	if !slices.Equal(codes, wantSeq) {
		t.Errorf("events = %v, want only NETWORK_UPDATE", codes)
	}
}

// TestManagedIPsSortedDeduplicated verifies the invariant on the managed
// set ordering.
func TestManagedIPsSortedDeduplicated(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.svc.VirtualNetworkConfig(testNwid, overlay.ConfigOperationUp,
		upConfig("10.147.20.9/24", "10.147.20.5/24", "10.147.20.9/24"))

	got := h.svc.ManagedIPs(testNwid)
	want := []netip.Prefix{
		netip.MustParsePrefix("10.147.20.5/24"),
		netip.MustParsePrefix("10.147.20.9/24"),
	}
	if !slices.Equal(got, want) {
		t.Errorf("managed IPs = %v, want sorted deduplicated %v", got, want)
	}
}

// TestPolicyRejectsDefaultRouteAssignment verifies an assigned default
// route is not installed when allowDefault is off.
func TestPolicyRejectsDefaultRouteAssignment(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.svc.VirtualNetworkConfig(testNwid, overlay.ConfigOperationUp,
		upConfig("10.147.20.5/24", "0.0.0.0/0"))

	got := h.svc.ManagedIPs(testNwid)
	if slices.Contains(got, netip.MustParsePrefix("0.0.0.0/0")) {
		t.Error("default route installed despite allowDefault=false")
	}

	if added := len(h.drainEvents()); added != 1 {
		t.Errorf("emitted %d events, want only one ADDR_ADDED_IP4 for the /24", added)
	}
	if len(got) != 1 {
		t.Errorf("managed IPs = %v, want only the /24", got)
	}
}

// TestNetworkDownDestroysTap verifies DOWN closes the tap and erases the
// table entry.
func TestNetworkDownDestroysTap(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.svc.VirtualNetworkConfig(testNwid, overlay.ConfigOperationUp, upConfig("10.147.20.5/24"))
	tap := h.taps[testNwid]

	h.svc.VirtualNetworkConfig(testNwid, overlay.ConfigOperationDown, &overlay.NetworkConfig{ID: testNwid})

	if !tap.Closed() {
		t.Error("tap not closed on DOWN")
	}
	if h.svc.PortDeviceName(testNwid) != "" {
		t.Error("network entry survived DOWN")
	}
}

// TestNetworkDestroyRemovesCachedConfig verifies DESTROY also deletes the
// on-disk network config.
func TestNetworkDestroyRemovesCachedConfig(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	if err := h.svc.store.Put(overlay.StateObjectNetworkConfig, [2]uint64{testNwid, 0}, []byte("cached")); err != nil {
		t.Fatalf("seed cached config: %v", err)
	}

	h.svc.VirtualNetworkConfig(testNwid, overlay.ConfigOperationUp, upConfig())
	h.svc.VirtualNetworkConfig(testNwid, overlay.ConfigOperationDestroy, &overlay.NetworkConfig{ID: testNwid})

	if _, err := h.svc.store.Get(overlay.StateObjectNetworkConfig, [2]uint64{testNwid, 0}, 64); err == nil {
		t.Error("cached network config survived DESTROY")
	}
}

// TestUpWithFailingTapFactory verifies the sanity path: no tap means the
// entry is erased and the engine sees the failure code.
func TestUpWithFailingTapFactory(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.svc.opts.TapFactory = func(_ vtap.Config, _ vtap.FrameHandler) (vtap.Tap, error) {
		return nil, errors.New("no tap for you")
	}

	if rc := h.svc.VirtualNetworkConfig(testNwid, overlay.ConfigOperationUp, upConfig()); rc != configCallbackTapMissing {
		t.Errorf("UP with failing tap factory = %d, want %d", rc, configCallbackTapMissing)
	}
	if h.svc.PortDeviceName(testNwid) != "" {
		t.Error("entry survived failed tap creation")
	}
}

// TestSetNetworkSettingsReconciles verifies a policy change reapplies the
// reconciler under the new policy.
func TestSetNetworkSettingsReconciles(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.svc.VirtualNetworkConfig(testNwid, overlay.ConfigOperationUp, upConfig("10.147.20.5/24"))
	h.drainEvents()

	if !h.svc.SetNetworkSettings(testNwid, NetworkSettings{AllowManaged: false}) {
		t.Fatal("SetNetworkSettings returned false for a joined network")
	}

	if got := h.svc.ManagedIPs(testNwid); len(got) != 0 {
		t.Errorf("managed IPs = %v after disabling managed, want empty", got)
	}
	codes := h.drainEvents()
	if !slices.Contains(codes, events.AddrRemovedIP4) {
		t.Errorf("events = %v, want ADDR_REMOVED_IP4", codes)
	}
}

// TestManagedRoutesTracked verifies the policy-filtered route set is
// tracked and diffed.
func TestManagedRoutesTracked(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	cfg := upConfig("10.147.20.5/24")
	cfg.Routes = []overlay.Route{
		{Target: netip.MustParsePrefix("10.147.0.0/16")},
		{Target: netip.MustParsePrefix("0.0.0.0/0")}, // rejected: allowDefault off
	}
	h.svc.VirtualNetworkConfig(testNwid, overlay.ConfigOperationUp, cfg)

	routes := h.svc.Routes(testNwid)
	if len(routes) != 1 || routes[0].Target != netip.MustParsePrefix("10.147.0.0/16") {
		t.Errorf("Routes = %+v, want only 10.147.0.0/16", routes)
	}

	// Route withdrawn on the next update.
	h.svc.VirtualNetworkConfig(testNwid, overlay.ConfigOperationUpdate, upConfig("10.147.20.5/24"))
	if routes := h.svc.Routes(testNwid); len(routes) != 0 {
		t.Errorf("Routes after withdrawal = %+v, want empty", routes)
	}
}
