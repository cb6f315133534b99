package vtap_test

import (
	"net/netip"
	"testing"

	"github.com/overmesh/noded/internal/overlay"
	"github.com/overmesh/noded/internal/vtap"
)

func newTap() *vtap.MemTap {
	return vtap.NewMemTap(vtap.Config{
		NetworkID:    0x8056c2e21c000001,
		MTU:          2800,
		FriendlyName: "Overlay [8056c2e21c000001]",
	}, nil)
}

// TestAddRemoveIP verifies address install/remove and family predicates.
func TestAddRemoveIP(t *testing.T) {
	t.Parallel()

	tap := newTap()
	v4 := netip.MustParsePrefix("10.147.20.5/24")
	v6 := netip.MustParsePrefix("fd00::5/64")

	if err := tap.AddIP(v4); err != nil {
		t.Fatalf("AddIP v4: %v", err)
	}
	if err := tap.AddIP(v4); err == nil {
		t.Error("duplicate AddIP succeeded")
	}
	if err := tap.AddIP(v6); err != nil {
		t.Fatalf("AddIP v6: %v", err)
	}

	if !tap.HasIPv4Addr() || !tap.HasIPv6Addr() {
		t.Error("family predicates wrong after installing both families")
	}
	if got := len(tap.IPs()); got != 2 {
		t.Fatalf("IPs() = %d entries, want 2", got)
	}

	if err := tap.RemoveIP(v4); err != nil {
		t.Fatalf("RemoveIP: %v", err)
	}
	if tap.HasIPv4Addr() {
		t.Error("HasIPv4Addr true after removal")
	}
	if err := tap.RemoveIP(v4); err == nil {
		t.Error("RemoveIP of absent address succeeded")
	}
}

// TestScanMulticastGroups verifies staged changes are returned once.
func TestScanMulticastGroups(t *testing.T) {
	t.Parallel()

	tap := newTap()
	g := overlay.MulticastGroup{MAC: 0x0100_5e00_0001, ADI: 0}
	tap.StageMulticastChange([]overlay.MulticastGroup{g}, nil)

	added, removed := tap.ScanMulticastGroups()
	if len(added) != 1 || added[0] != g {
		t.Errorf("first scan added = %v, want [%v]", added, g)
	}
	if len(removed) != 0 {
		t.Errorf("first scan removed = %v, want empty", removed)
	}

	added, removed = tap.ScanMulticastGroups()
	if len(added) != 0 || len(removed) != 0 {
		t.Error("second scan returned stale changes")
	}
}

// TestPutAndInject verifies frame flow in both directions.
func TestPutAndInject(t *testing.T) {
	t.Parallel()

	var gotNwid uint64
	var gotData []byte
	tap := vtap.NewMemTap(vtap.Config{NetworkID: 42}, func(nwid uint64, _, _ uint64, _ uint16, _ uint16, data []byte) {
		gotNwid = nwid
		gotData = append([]byte(nil), data...)
	})

	tap.Put(1, 2, 0x0800, []byte("to stack"))
	if len(tap.Injected) != 1 || string(tap.Injected[0].Data) != "to stack" {
		t.Errorf("Injected = %+v, want one frame %q", tap.Injected, "to stack")
	}

	tap.InjectFromStack(2, 1, 0x0800, []byte("from stack"))
	if gotNwid != 42 || string(gotData) != "from stack" {
		t.Errorf("handler got (%d, %q), want (42, %q)", gotNwid, gotData, "from stack")
	}
}
