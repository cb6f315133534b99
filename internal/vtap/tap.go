// Package vtap defines the virtual tap boundary: the device that bridges
// decrypted overlay Ethernet frames into a userspace IP stack.
//
// The tap implementation is an external collaborator; the service drives
// it through the Tap interface. MemTap is an in-memory implementation used
// by tests and loopback runs.
package vtap

import (
	"net/netip"

	"github.com/overmesh/noded/internal/overlay"
)

// FrameHandler is the tap's up-call: it receives Ethernet frames read
// from the IP stack and feeds them into the overlay engine.
type FrameHandler func(nwid uint64, srcMAC, dstMAC uint64, etherType uint16, vlanID uint16, data []byte)

// Tap is one virtual Ethernet device owned by the service for a joined
// network.
type Tap interface {
	// AddIP installs an address with its prefix on the device.
	AddIP(p netip.Prefix) error

	// RemoveIP removes a previously installed address.
	RemoveIP(p netip.Prefix) error

	// IPs returns the currently installed addresses.
	IPs() []netip.Prefix

	// SetMTU pushes the network's MTU to the device.
	SetMTU(mtu int) error

	// ScanMulticastGroups returns the groups subscribed and unsubscribed
	// since the previous scan.
	ScanMulticastGroups() (added, removed []overlay.MulticastGroup)

	// Put injects a decrypted Ethernet frame toward the IP stack.
	Put(srcMAC, dstMAC uint64, etherType uint16, data []byte)

	// DeviceName returns the OS-or-stack-level device name.
	DeviceName() string

	// HasIPv4Addr / HasIPv6Addr report whether any installed address is
	// of the family; paired with the stack's netif-up predicate to gate
	// NETWORK_READY events.
	HasIPv4Addr() bool
	HasIPv6Addr() bool

	// Close tears the device down.
	Close() error
}

// Config carries the parameters for creating a tap on a network UP.
type Config struct {
	NetworkID    uint64
	MAC          uint64
	MTU          int
	FriendlyName string
}

// Factory creates a Tap for a network. The handler receives frames the
// stack writes to the device.
type Factory func(cfg Config, handler FrameHandler) (Tap, error)
