package events_test

import (
	"log/slog"
	"net/netip"
	"testing"

	"github.com/overmesh/noded/internal/events"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// TestCodeNames verifies the fixed API names consumers switch on.
func TestCodeNames(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code events.Code
		want string
	}{
		{events.NodeUp, "NODE_UP"},
		{events.NodeOnline, "NODE_ONLINE"},
		{events.NodeOffline, "NODE_OFFLINE"},
		{events.NodeDown, "NODE_DOWN"},
		{events.NodeNormalTermination, "NODE_NORMAL_TERMINATION"},
		{events.NodeUnrecoverableError, "NODE_UNRECOVERABLE_ERROR"},
		{events.NodeIdentityCollision, "NODE_IDENTITY_COLLISION"},
		{events.NetworkNotFound, "NETWORK_NOT_FOUND"},
		{events.NetworkClientTooOld, "NETWORK_CLIENT_TOO_OLD"},
		{events.NetworkRequestingConfig, "NETWORK_REQ_CONFIG"},
		{events.NetworkOK, "NETWORK_OK"},
		{events.NetworkAccessDenied, "NETWORK_ACCESS_DENIED"},
		{events.NetworkReadyIP4, "NETWORK_READY_IP4"},
		{events.NetworkReadyIP6, "NETWORK_READY_IP6"},
		{events.NetworkUpdate, "NETWORK_UPDATE"},
		{events.AddrAddedIP4, "ADDR_ADDED_IP4"},
		{events.AddrAddedIP6, "ADDR_ADDED_IP6"},
		{events.AddrRemovedIP4, "ADDR_REMOVED_IP4"},
		{events.AddrRemovedIP6, "ADDR_REMOVED_IP6"},
		{events.PeerDirect, "PEER_DIRECT"},
		{events.PeerRelay, "PEER_RELAY"},
		{events.PeerPathDiscovered, "PEER_PATH_DISCOVERED"},
		{events.PeerPathDead, "PEER_PATH_DEAD"},
	}

	for _, tt := range tests {
		if got := tt.code.String(); got != tt.want {
			t.Errorf("Code(%d).String() = %q, want %q", tt.code, got, tt.want)
		}
	}
}

// TestAddrCodesByFamily verifies family-specific address event codes.
func TestAddrCodesByFamily(t *testing.T) {
	t.Parallel()

	v4 := netip.MustParseAddr("10.147.20.5")
	v6 := netip.MustParseAddr("fd00::1")

	if got := events.AddedAddrCode(v4); got != events.AddrAddedIP4 {
		t.Errorf("AddedAddrCode(v4) = %v, want ADDR_ADDED_IP4", got)
	}
	if got := events.AddedAddrCode(v6); got != events.AddrAddedIP6 {
		t.Errorf("AddedAddrCode(v6) = %v, want ADDR_ADDED_IP6", got)
	}
	if got := events.RemovedAddrCode(v4); got != events.AddrRemovedIP4 {
		t.Errorf("RemovedAddrCode(v4) = %v, want ADDR_REMOVED_IP4", got)
	}
	if got := events.RemovedAddrCode(v6); got != events.AddrRemovedIP6 {
		t.Errorf("RemovedAddrCode(v6) = %v, want ADDR_REMOVED_IP6", got)
	}
}

// TestSinkFIFO verifies enqueued events arrive in order.
func TestSinkFIFO(t *testing.T) {
	t.Parallel()

	sink := events.NewSink(discardLogger())
	defer sink.Close()

	codes := []events.Code{events.NodeUp, events.NodeOnline, events.NetworkOK}
	for _, c := range codes {
		sink.Enqueue(c, nil)
	}

	for i, want := range codes {
		got := <-sink.Events()
		if got.Code != want {
			t.Errorf("event[%d] = %v, want %v", i, got.Code, want)
		}
	}
}

// TestSinkDropsWhenFull verifies Enqueue never blocks and counts drops.
func TestSinkDropsWhenFull(t *testing.T) {
	t.Parallel()

	sink := events.NewSink(discardLogger())
	defer sink.Close()

	// Overfill without a consumer.
	for range 600 {
		sink.Enqueue(events.PeerDirect, nil)
	}

	if sink.Dropped() == 0 {
		t.Error("Dropped() = 0, want > 0 after overfilling the queue")
	}

	// Delivered events are still FIFO and intact.
	ev := <-sink.Events()
	if ev.Code != events.PeerDirect {
		t.Errorf("first delivered event = %v, want PEER_DIRECT", ev.Code)
	}
}
