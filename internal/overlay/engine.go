package overlay

import (
	"net/netip"
)

// -------------------------------------------------------------------------
// Result Codes
// -------------------------------------------------------------------------

// ResultCode is returned by the engine's packet and task processors.
type ResultCode int

// Engine result codes. Values at or above ResultFatalOutOfMemory are fatal:
// the hosting service must terminate when it sees one.
const (
	ResultOK ResultCode = 0

	ResultFatalOutOfMemory        ResultCode = 100
	ResultFatalDataStoreFailed    ResultCode = 101
	ResultFatalInternalError      ResultCode = 102
	ResultErrorNetworkNotFound    ResultCode = 1000
	ResultErrorUnsupportedOp      ResultCode = 1001
	ResultErrorBadParameter       ResultCode = 1002
)

// IsFatal reports whether rc indicates an unrecoverable engine condition.
func (rc ResultCode) IsFatal() bool {
	return rc >= ResultFatalOutOfMemory && rc < ResultErrorNetworkNotFound
}

// -------------------------------------------------------------------------
// Engine Events
// -------------------------------------------------------------------------

// Event is an engine-level event delivered to Host.HandleEvent.
type Event int

// Engine events.
const (
	// EventUp fires once when the engine has initialized its identity and
	// is ready to process packets. It does not imply connectivity.
	EventUp Event = iota

	// EventOffline fires when the engine has not heard from any root in
	// too long. Network operation continues degraded.
	EventOffline

	// EventOnline fires when root connectivity is (re)established.
	EventOnline

	// EventDown fires when the engine is shutting down.
	EventDown

	// EventFatalErrorIdentityCollision fires when another node claims this
	// node's overlay address. The engine stops; the host must rotate the
	// identity and restart.
	EventFatalErrorIdentityCollision

	// EventTrace carries a diagnostic trace line in the metadata.
	EventTrace
)

// -------------------------------------------------------------------------
// State Objects
// -------------------------------------------------------------------------

// StateObjectType identifies a persistent state object kind.
type StateObjectType int

// State object kinds handled by Host.StateGet / Host.StatePut.
const (
	StateObjectIdentityPublic StateObjectType = iota + 1
	StateObjectIdentitySecret
	StateObjectPlanet
	StateObjectNetworkConfig
	StateObjectPeer
)

// -------------------------------------------------------------------------
// Virtual Network Types
// -------------------------------------------------------------------------

// ConfigOperation tells the Host.VirtualNetworkConfig callback what changed.
type ConfigOperation int

// Virtual network lifecycle operations.
const (
	// ConfigOperationUp means the network joined and the tap should come up.
	ConfigOperationUp ConfigOperation = iota + 1

	// ConfigOperationUpdate means the network's config changed.
	ConfigOperationUpdate

	// ConfigOperationDown means the network left gracefully.
	ConfigOperationDown

	// ConfigOperationDestroy means the network is gone for good and cached
	// state should be removed.
	ConfigOperationDestroy
)

// NetworkStatus is the controller-assigned status of a joined network.
type NetworkStatus int

// Network status codes.
const (
	NetworkStatusRequestingConfiguration NetworkStatus = iota
	NetworkStatusOK
	NetworkStatusAccessDenied
	NetworkStatusNotFound
	NetworkStatusPortError
	NetworkStatusClientTooOld
)

// Route is a controller-assigned route for a virtual network.
type Route struct {
	// Target is the destination prefix. A zero-bit unspecified prefix is
	// the default route.
	Target netip.Prefix

	// Via is the gateway, or an invalid Addr for an on-link route.
	Via netip.Addr

	Flags  uint16
	Metric uint16
}

// MulticastGroup identifies an Ethernet multicast group on a network.
type MulticastGroup struct {
	// MAC is the 48-bit multicast MAC in the low bits.
	MAC uint64

	// ADI is the additional distinguishing information (e.g. the IPv4
	// address for broadcast-like ARP groups).
	ADI uint32
}

// NetworkConfig is a snapshot of a virtual network's configuration as
// assigned by its controller. The service copies it into its network table
// on every UP/UPDATE callback.
type NetworkConfig struct {
	ID     uint64
	MAC    uint64
	Name   string
	Status NetworkStatus
	MTU    int

	DHCP             bool
	Bridge           bool
	BroadcastEnabled bool
	PortError        int
	NetconfRevision  uint64

	// AssignedAddresses are the controller-assigned addresses with their
	// prefix lengths. Local policy decides which are installed on the tap.
	AssignedAddresses []netip.Prefix

	Routes []Route

	MulticastSubscriptions []MulticastGroup
}

// -------------------------------------------------------------------------
// Peers
// -------------------------------------------------------------------------

// PeerRole distinguishes ordinary leaves from planetary roots.
type PeerRole int

// Peer roles.
const (
	PeerRoleLeaf PeerRole = iota
	PeerRoleMoon
	PeerRolePlanet
)

// PeerPath is one physical path to a peer.
type PeerPath struct {
	Address          netip.AddrPort
	LastSend         int64
	LastReceive      int64
	Expired          bool
	Preferred        bool
}

// Peer is one entry in a peer list snapshot.
type Peer struct {
	// Address is the peer's 40-bit overlay address in the low bits.
	Address uint64

	Role    PeerRole
	Latency int

	// Paths holds the currently known direct paths. An empty slice means
	// the peer is reached via relaying only.
	Paths []PeerPath
}

// PathCount returns the number of direct paths to the peer.
func (p *Peer) PathCount() int {
	return len(p.Paths)
}

// PeerList is a snapshot of the engine's peer table. It must be released
// back to the engine with FreeQueryResult when the caller is done.
type PeerList struct {
	Peers []Peer
}

// -------------------------------------------------------------------------
// Host — capability interface the engine calls back into
// -------------------------------------------------------------------------

// Host is the capability object the service hands the engine at
// construction. All engine-to-service communication flows through it.
//
// VirtualNetworkConfig calls may re-enter the engine (join/leave-adjacent
// paths are documented reentrant-safe); no other callback may call back
// into the engine synchronously.
type Host interface {
	// StateGet reads a persistent state object. Returns the object bytes
	// (at most maxLen) or an error if the object does not exist or cannot
	// be read.
	StateGet(kind StateObjectType, id [2]uint64, maxLen int) ([]byte, error)

	// StatePut writes a persistent state object. Failures are logged by
	// the host; the engine does not observe them.
	StatePut(kind StateObjectType, id [2]uint64, data []byte)

	// StateDelete removes a persistent state object.
	StateDelete(kind StateObjectType, id [2]uint64)

	// WirePacketSend transmits a datagram. localSocket identifies a bound
	// socket, or is <= 0 to send via every bound socket. ttl is a per-packet
	// IPv4 TTL hint; zero means default. Returns 0 on success, -1 otherwise.
	WirePacketSend(localSocket int64, remote netip.AddrPort, data []byte, ttl int) int

	// VirtualNetworkFrame delivers a decrypted Ethernet frame for a
	// network to its tap.
	VirtualNetworkFrame(nwid uint64, srcMAC, dstMAC uint64, etherType uint16, vlanID uint16, data []byte)

	// VirtualNetworkConfig reports a network lifecycle change. A negative
	// return tells the engine the host could not realize the change.
	VirtualNetworkConfig(nwid uint64, op ConfigOperation, cfg *NetworkConfig) int

	// HandleEvent delivers an engine event. metaData is event-specific
	// (a string for EventTrace, nil otherwise).
	HandleEvent(ev Event, metaData any)

	// PathCheck reports whether the engine may use the given remote path
	// to reach the peer.
	PathCheck(peer uint64, localSocket int64, remote netip.AddrPort) bool

	// PathLookup returns an operator-configured hint address for a peer.
	// family is 4, 6, or negative for either.
	PathLookup(peer uint64, family int) (netip.AddrPort, bool)
}

// -------------------------------------------------------------------------
// Engine — the opaque overlay protocol core
// -------------------------------------------------------------------------

// Engine is the overlay protocol core hosted by the node service.
//
// The service's main loop is the sole caller of every method except
// ProcessWirePacket, which is safe for concurrent use by the inbound
// packet workers.
//
// Time arguments are monotonic milliseconds from the service's clock.
// Processors return the next background task deadline on the same clock.
type Engine interface {
	// ProcessWirePacket feeds one received datagram into the engine.
	ProcessWirePacket(now int64, localSocket int64, from netip.AddrPort, data []byte) (ResultCode, int64)

	// ProcessVirtualNetworkFrame feeds one Ethernet frame read from a tap.
	ProcessVirtualNetworkFrame(now int64, nwid uint64, srcMAC, dstMAC uint64, etherType uint16, vlanID uint16, data []byte) (ResultCode, int64)

	// ProcessBackgroundTasks runs periodic protocol work (pings, announces,
	// path upkeep) and returns the next deadline.
	ProcessBackgroundTasks(now int64) (ResultCode, int64)

	// Join adds the node to a network. The engine answers with a
	// VirtualNetworkConfig callback once the controller responds (or
	// immediately from cached state).
	Join(nwid uint64) error

	// Leave removes the node from a network.
	Leave(nwid uint64) error

	// MulticastSubscribe / MulticastUnsubscribe sync a tap's multicast
	// group memberships into the engine.
	MulticastSubscribe(nwid uint64, mac uint64, adi uint32) error
	MulticastUnsubscribe(nwid uint64, mac uint64, adi uint32) error

	// Peers returns a snapshot of the peer table. The caller must release
	// it with FreeQueryResult.
	Peers() *PeerList

	// FreeQueryResult releases a snapshot returned by Peers.
	FreeQueryResult(pl *PeerList)

	// Address returns this node's 40-bit overlay address.
	Address() uint64

	// Online reports root connectivity.
	Online() bool

	// PRNG returns the next value from the engine's non-cryptographic PRNG.
	PRNG() uint64

	// SetMultipathMode pushes the configured multipath mode.
	SetMultipathMode(mode uint32)

	// ClearLocalInterfaceAddresses and AddLocalInterfaceAddress maintain
	// the set of local physical addresses the engine advertises to peers.
	ClearLocalInterfaceAddresses()
	AddLocalInterfaceAddress(addr netip.AddrPort)

	// Close releases the engine.
	Close() error
}

// Factory constructs an Engine bound to a Host. now is the construction
// time in monotonic milliseconds.
type Factory func(host Host, now int64) (Engine, error)
