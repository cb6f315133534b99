// Package events defines the service's outward-facing event codes and the
// single-producer sink that queues state-change records for the external
// consumer.
package events

import (
	"log/slog"
	"net/netip"
	"sync/atomic"
)

// -------------------------------------------------------------------------
// Event Codes
// -------------------------------------------------------------------------

// Code identifies a service event. The names and values are part of the
// external API; consumers switch on them.
type Code int

// Node lifecycle events.
const (
	NodeUp Code = iota + 200
	NodeOnline
	NodeOffline
	NodeDown
	NodeIdentityCollision
	NodeUnrecoverableError
	NodeNormalTermination
)

// Network lifecycle and status events.
const (
	NetworkNotFound Code = iota + 210
	NetworkClientTooOld
	NetworkRequestingConfig
	NetworkOK
	NetworkAccessDenied
	NetworkReadyIP4
	NetworkReadyIP6
	NetworkDown
	NetworkUpdate
)

// Peer path events.
const (
	PeerDirect Code = iota + 240
	PeerRelay
	PeerPathDiscovered
	PeerPathDead
)

// Managed address events.
const (
	AddrAddedIP4 Code = iota + 260
	AddrRemovedIP4
	AddrAddedIP6
	AddrRemovedIP6
)

// codeNames maps codes to their fixed wire/API names.
var codeNames = map[Code]string{
	NodeUp:                  "NODE_UP",
	NodeOnline:              "NODE_ONLINE",
	NodeOffline:             "NODE_OFFLINE",
	NodeDown:                "NODE_DOWN",
	NodeIdentityCollision:   "NODE_IDENTITY_COLLISION",
	NodeUnrecoverableError:  "NODE_UNRECOVERABLE_ERROR",
	NodeNormalTermination:   "NODE_NORMAL_TERMINATION",
	NetworkNotFound:         "NETWORK_NOT_FOUND",
	NetworkClientTooOld:     "NETWORK_CLIENT_TOO_OLD",
	NetworkRequestingConfig: "NETWORK_REQ_CONFIG",
	NetworkOK:               "NETWORK_OK",
	NetworkAccessDenied:     "NETWORK_ACCESS_DENIED",
	NetworkReadyIP4:         "NETWORK_READY_IP4",
	NetworkReadyIP6:         "NETWORK_READY_IP6",
	NetworkDown:             "NETWORK_DOWN",
	NetworkUpdate:           "NETWORK_UPDATE",
	PeerDirect:              "PEER_DIRECT",
	PeerRelay:               "PEER_RELAY",
	PeerPathDiscovered:      "PEER_PATH_DISCOVERED",
	PeerPathDead:            "PEER_PATH_DEAD",
	AddrAddedIP4:            "ADDR_ADDED_IP4",
	AddrRemovedIP4:          "ADDR_REMOVED_IP4",
	AddrAddedIP6:            "ADDR_ADDED_IP6",
	AddrRemovedIP6:          "ADDR_REMOVED_IP6",
}

// String returns the fixed API name for the code.
func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return "UNKNOWN"
}

// AddedAddrCode returns the family-specific managed-address-added code.
func AddedAddrCode(addr netip.Addr) Code {
	if addr.Unmap().Is4() {
		return AddrAddedIP4
	}
	return AddrAddedIP6
}

// RemovedAddrCode returns the family-specific managed-address-removed code.
func RemovedAddrCode(addr netip.Addr) Code {
	if addr.Unmap().Is4() {
		return AddrRemovedIP4
	}
	return AddrRemovedIP6
}

// -------------------------------------------------------------------------
// Payload Records
// -------------------------------------------------------------------------

// NodeDetails accompanies node-level events.
type NodeDetails struct {
	// Address is the node's 40-bit overlay address.
	Address uint64

	PrimaryPort   uint16
	SecondaryPort uint16
	MappingPort   uint16

	VersionMajor int
	VersionMinor int
	VersionRev   int
}

// NetworkDetails accompanies network-level events. It is a copy; holding
// it does not pin any service state.
type NetworkDetails struct {
	ID               uint64
	MAC              uint64
	Name             string
	Status           int
	MTU              int
	Bridge           bool
	BroadcastEnabled bool
	PortError        int
	NetconfRevision  uint64

	AssignedAddresses []netip.Prefix
}

// AddrDetails accompanies managed-address events.
type AddrDetails struct {
	NetworkID uint64
	Addr      netip.Addr
}

// PeerDetails accompanies peer path events.
type PeerDetails struct {
	Address   uint64
	Latency   int
	PathCount int
	Paths     []netip.AddrPort
}

// Event is one queued state-change record.
type Event struct {
	Code    Code
	Payload any
}

// -------------------------------------------------------------------------
// Sink — single-producer FIFO queue
// -------------------------------------------------------------------------

// sinkDepth is the queue depth. Sized for bursts of address and peer events
// across many networks in a single tick without blocking the service thread.
const sinkDepth = 256

// Sink queues events for delivery to the external callback consumer.
// Producers (the service thread and engine callbacks, which run on that
// same thread or on packet workers) enqueue without blocking; when the
// consumer falls behind the oldest unread events are NOT discarded --
// instead the new event is dropped and counted, preserving FIFO order of
// what was delivered.
type Sink struct {
	ch      chan Event
	dropped atomic.Uint64
	logger  *slog.Logger
}

// NewSink creates a Sink.
func NewSink(logger *slog.Logger) *Sink {
	return &Sink{
		ch:     make(chan Event, sinkDepth),
		logger: logger.With(slog.String("component", "events.sink")),
	}
}

// Enqueue posts an event. It never blocks; if the queue is full the event
// is dropped and counted.
func (s *Sink) Enqueue(code Code, payload any) {
	select {
	case s.ch <- Event{Code: code, Payload: payload}:
	default:
		s.dropped.Add(1)
		s.logger.Warn("event queue full, dropping event",
			slog.String("code", code.String()),
		)
	}
}

// Events returns the consumer side of the queue.
func (s *Sink) Events() <-chan Event {
	return s.ch
}

// Dropped returns the number of events dropped due to a full queue.
func (s *Sink) Dropped() uint64 {
	return s.dropped.Load()
}

// Close closes the queue. Enqueue must not be called after Close.
func (s *Sink) Close() {
	close(s.ch)
}
