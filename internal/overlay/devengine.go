package overlay

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net/netip"
	"sync"
)

// DevEngine is a protocol-free Engine stand-in for development and
// testing of the hosting service. It mints and persists an identity
// through the Host state callbacks, answers Join with an immediate UP
// callback, and reports online after its first background task pass. It
// performs no crypto and reaches no peers.
type DevEngine struct {
	host Host

	mu       sync.Mutex
	address  uint64
	online   bool
	joined   map[uint64]bool
	prng     uint64
	locals   []netip.AddrPort
	deadline int64
}

// devBackgroundInterval is the dev engine's background task cadence in
// milliseconds.
const devBackgroundInterval = 500

// devMTU is the MTU assigned to dev networks.
const devMTU = 2800

// NewDevFactory returns a Factory producing DevEngines.
func NewDevFactory() Factory {
	return func(host Host, now int64) (Engine, error) {
		e := &DevEngine{
			host:   host,
			joined: make(map[uint64]bool),
		}
		if err := e.loadOrMintIdentity(); err != nil {
			return nil, err
		}
		e.prng = e.address | 1
		e.deadline = now
		host.HandleEvent(EventUp, nil)
		return e, nil
	}
}

// loadOrMintIdentity restores the persisted identity or generates a new
// 40-bit address and persists it through the host.
func (e *DevEngine) loadOrMintIdentity() error {
	if data, err := e.host.StateGet(StateObjectIdentitySecret, [2]uint64{}, 64); err == nil && len(data) >= 10 {
		if addr, err := parseDevIdentity(data); err == nil {
			e.address = addr
			return nil
		}
	}

	var raw [5]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return fmt.Errorf("mint identity: %w", err)
	}
	var buf [8]byte
	copy(buf[3:], raw[:])
	e.address = binary.BigEndian.Uint64(buf[:])

	id := []byte(fmt.Sprintf("%010x", e.address))
	e.host.StatePut(StateObjectIdentitySecret, [2]uint64{}, id)
	e.host.StatePut(StateObjectIdentityPublic, [2]uint64{}, id)
	return nil
}

// parseDevIdentity decodes the 10-hex-character address form.
func parseDevIdentity(data []byte) (uint64, error) {
	raw, err := hex.DecodeString(string(data[:10]))
	if err != nil {
		return 0, fmt.Errorf("parse identity: %w", err)
	}
	var buf [8]byte
	copy(buf[3:], raw)
	return binary.BigEndian.Uint64(buf[:]), nil
}

// ProcessWirePacket discards the packet and keeps the current deadline.
func (e *DevEngine) ProcessWirePacket(_ int64, _ int64, _ netip.AddrPort, _ []byte) (ResultCode, int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ResultOK, e.deadline
}

// ProcessVirtualNetworkFrame discards the frame.
func (e *DevEngine) ProcessVirtualNetworkFrame(_ int64, _ uint64, _, _ uint64, _ uint16, _ uint16, _ []byte) (ResultCode, int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return ResultOK, e.deadline
}

// ProcessBackgroundTasks marks the engine online on its first pass and
// schedules the next one.
func (e *DevEngine) ProcessBackgroundTasks(now int64) (ResultCode, int64) {
	e.mu.Lock()
	wasOnline := e.online
	e.online = true
	e.deadline = now + devBackgroundInterval
	dl := e.deadline
	e.mu.Unlock()

	if !wasOnline {
		e.host.HandleEvent(EventOnline, nil)
	}
	return ResultOK, dl
}

// Join brings the network up immediately with a minimal config.
func (e *DevEngine) Join(nwid uint64) error {
	e.mu.Lock()
	if e.joined[nwid] {
		e.mu.Unlock()
		return nil
	}
	e.joined[nwid] = true
	addr := e.address
	e.mu.Unlock()

	cfg := &NetworkConfig{
		ID:     nwid,
		MAC:    devMAC(nwid, addr),
		Name:   fmt.Sprintf("dev-%016x", nwid),
		Status: NetworkStatusRequestingConfiguration,
		MTU:    devMTU,
	}
	e.host.VirtualNetworkConfig(nwid, ConfigOperationUp, cfg)
	return nil
}

// Leave destroys the network.
func (e *DevEngine) Leave(nwid uint64) error {
	e.mu.Lock()
	if !e.joined[nwid] {
		e.mu.Unlock()
		return fmt.Errorf("leave %016x: not joined", nwid)
	}
	delete(e.joined, nwid)
	e.mu.Unlock()

	e.host.VirtualNetworkConfig(nwid, ConfigOperationDestroy, &NetworkConfig{ID: nwid})
	return nil
}

// devMAC derives a stable locally-administered MAC from network and node.
func devMAC(nwid, address uint64) uint64 {
	mac := (nwid ^ address) & 0xffffffffffff
	return mac | 0x020000000000
}

// MulticastSubscribe is a no-op.
func (e *DevEngine) MulticastSubscribe(_ uint64, _ uint64, _ uint32) error { return nil }

// MulticastUnsubscribe is a no-op.
func (e *DevEngine) MulticastUnsubscribe(_ uint64, _ uint64, _ uint32) error { return nil }

// Peers returns an empty snapshot.
func (e *DevEngine) Peers() *PeerList { return &PeerList{} }

// FreeQueryResult is a no-op.
func (e *DevEngine) FreeQueryResult(_ *PeerList) {}

// Address returns the node's overlay address.
func (e *DevEngine) Address() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.address
}

// Online reports whether the first background pass has run.
func (e *DevEngine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// PRNG is a splitmix64 step.
func (e *DevEngine) PRNG() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prng += 0x9e3779b97f4a7c15
	z := e.prng
	z = (z ^ (z >> 30)) * 0xbf58476d1ce4e5b9
	z = (z ^ (z >> 27)) * 0x94d049bb133111eb
	return z ^ (z >> 31)
}

// SetMultipathMode is a no-op.
func (e *DevEngine) SetMultipathMode(_ uint32) {}

// ClearLocalInterfaceAddresses clears the advertised local set.
func (e *DevEngine) ClearLocalInterfaceAddresses() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.locals = nil
}

// AddLocalInterfaceAddress records an advertised local address.
func (e *DevEngine) AddLocalInterfaceAddress(addr netip.AddrPort) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.locals = append(e.locals, addr)
}

// LocalInterfaceAddresses returns the advertised local set.
func (e *DevEngine) LocalInterfaceAddresses() []netip.AddrPort {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]netip.AddrPort(nil), e.locals...)
}

// Close emits the down event.
func (e *DevEngine) Close() error {
	e.host.HandleEvent(EventDown, nil)
	return nil
}
