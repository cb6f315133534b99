package netio

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"golang.org/x/net/ipv4"
)

// defaultTTL is the TTL every bound IPv4 socket is restored to after a
// per-packet TTL send.
const defaultTTL = 255

// rxQueueDepth bounds the inbound packet queue between the socket read
// loops and the packet workers.
const rxQueueDepth = 1024

// rxPoolSize is the number of reusable packet buffers. When all are in
// flight the read loops drop datagrams rather than allocate.
const rxPoolSize = 256

// ErrInvalidSocket indicates a send through a socket ID that is not
// currently bound.
var ErrInvalidSocket = errors.New("socket is not currently bound")

// bindKey identifies one bound endpoint.
type bindKey struct {
	addr netip.Addr
	port uint16
}

// boundSocket is one live UDP endpoint.
type boundSocket struct {
	id    int64
	key   bindKey
	conn  *net.UDPConn
	p4    *ipv4.PacketConn // non-nil for IPv4 sockets; carries per-packet TTL
	local netip.AddrPort

	// sendMu serializes TTL set / write / TTL restore on IPv4 sockets so
	// concurrent senders cannot observe a foreign TTL.
	sendMu sync.Mutex
}

// Binder maintains the set of bound UDP endpoints across interface churn.
// Refresh diffs the desired endpoint set (eligible interface addresses x
// service ports) against the live set, closing dead sockets and opening
// new ones. Each bound socket runs a read loop that feeds the shared
// inbound packet queue.
type Binder struct {
	mu      sync.RWMutex
	byID    map[int64]*boundSocket
	byKey   map[bindKey]int64
	nextID  atomic.Int64
	closed  bool
	readers sync.WaitGroup

	pool    *PacketPool
	packets chan *Packet

	// nowMillis supplies receive timestamps on the service's monotonic
	// clock.
	nowMillis func() int64

	// onGlobalReceive is invoked for datagrams of at least 16 bytes from
	// globally-routable sources. May be nil.
	onGlobalReceive func(now int64)

	dropsPoolEmpty atomic.Uint64
	dropsQueueFull atomic.Uint64

	logger *slog.Logger
}

// NewBinder creates a Binder. nowMillis supplies the monotonic clock.
func NewBinder(nowMillis func() int64, logger *slog.Logger) *Binder {
	return &Binder{
		byID:      make(map[int64]*boundSocket),
		byKey:     make(map[bindKey]int64),
		pool:      NewPacketPool(rxPoolSize),
		packets:   make(chan *Packet, rxQueueDepth),
		nowMillis: nowMillis,
		logger:    logger.With(slog.String("component", "netio.binder")),
	}
}

// SetGlobalReceiveHook installs the last-global-receive callback. Must be
// called before the first Refresh.
func (b *Binder) SetGlobalReceiveHook(hook func(now int64)) {
	b.onGlobalReceive = hook
}

// Packets returns the inbound packet queue. Workers draining it must
// return each packet to the pool with Release.
func (b *Binder) Packets() <-chan *Packet {
	return b.packets
}

// Release returns a drained packet buffer to the pool.
func (b *Binder) Release(pkt *Packet) {
	b.pool.Put(pkt)
}

// Drops returns the pool-exhaustion and queue-full drop counts.
func (b *Binder) Drops() (poolEmpty, queueFull uint64) {
	return b.dropsPoolEmpty.Load(), b.dropsQueueFull.Load()
}

// -------------------------------------------------------------------------
// Refresh — reconcile bound endpoints against interfaces and ports
// -------------------------------------------------------------------------

// Refresh reconciles the bound endpoint set. The desired set is the cross
// product of eligible local addresses and the given ports; when explicit
// is non-empty it replaces interface enumeration. shouldBind is consulted
// per (interface, address) candidate.
func (b *Binder) Refresh(ports []uint16, explicit []netip.Addr, shouldBind func(ifname string, addr netip.Addr) bool) {
	desired := make(map[bindKey]struct{})

	if len(explicit) > 0 {
		for _, a := range explicit {
			for _, p := range ports {
				desired[bindKey{addr: a.Unmap(), port: p}] = struct{}{}
			}
		}
	} else {
		for _, cand := range enumerateLocalAddresses() {
			if shouldBind != nil && !shouldBind(cand.ifname, cand.addr) {
				continue
			}
			for _, p := range ports {
				desired[bindKey{addr: cand.addr, port: p}] = struct{}{}
			}
		}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	// Close endpoints that fell out of the desired set.
	for key, id := range b.byKey {
		if _, want := desired[key]; want {
			continue
		}
		s := b.byID[id]
		delete(b.byKey, key)
		delete(b.byID, id)
		_ = s.conn.Close()
		b.logger.Info("unbound endpoint",
			slog.String("addr", s.local.String()),
		)
	}

	// Open endpoints that appeared.
	for key := range desired {
		if _, exists := b.byKey[key]; exists {
			continue
		}
		s, err := b.bind(key)
		if err != nil {
			b.logger.Debug("bind failed",
				slog.String("addr", key.addr.String()),
				slog.Uint64("port", uint64(key.port)),
				slog.String("error", err.Error()),
			)
			continue
		}
		b.byKey[key] = s.id
		b.byID[s.id] = s
		b.readers.Add(1)
		go b.readLoop(s)
		b.logger.Info("bound endpoint",
			slog.String("addr", s.local.String()),
			slog.Int64("socket", s.id),
		)
	}
	b.mu.Unlock()
}

// localCandidate is one enumerated (interface, address) pair.
type localCandidate struct {
	ifname string
	addr   netip.Addr
}

// enumerateLocalAddresses lists every up interface's unicast addresses.
func enumerateLocalAddresses() []localCandidate {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}

	var out []localCandidate
	for _, ifc := range ifaces {
		if ifc.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := ifc.Addrs()
		if err != nil {
			continue
		}
		for _, a := range addrs {
			ipn, ok := a.(*net.IPNet)
			if !ok {
				continue
			}
			addr, ok := netip.AddrFromSlice(ipn.IP)
			if !ok {
				continue
			}
			out = append(out, localCandidate{ifname: ifc.Name, addr: addr.Unmap()})
		}
	}
	return out
}

// bind opens one UDP endpoint and assigns it a socket ID. Socket IDs are
// never reused within a binder's lifetime, so a stale ID held by the
// engine can never address a newer socket.
func (b *Binder) bind(key bindKey) (*boundSocket, error) {
	laddr := net.UDPAddrFromAddrPort(netip.AddrPortFrom(key.addr, key.port))
	network := "udp4"
	if key.addr.Is6() {
		network = "udp6"
	}

	conn, err := net.ListenUDP(network, laddr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, laddr, err)
	}

	s := &boundSocket{
		id:    b.nextID.Add(1),
		key:   key,
		conn:  conn,
		local: netip.AddrPortFrom(key.addr, key.port),
	}
	if key.addr.Is4() {
		s.p4 = ipv4.NewPacketConn(conn)
		_ = s.p4.SetTTL(defaultTTL)
	}
	return s, nil
}

// readLoop reads datagrams from one socket into pooled buffers and feeds
// the inbound queue until the socket is closed.
func (b *Binder) readLoop(s *boundSocket) {
	defer b.readers.Done()
	for {
		pkt := b.pool.TryGet()
		if pkt == nil {
			// Pool exhausted: read into a throwaway buffer and drop.
			var scratch [MaxPacketSize]byte
			if _, _, err := s.conn.ReadFromUDPAddrPort(scratch[:]); err != nil {
				return
			}
			b.dropsPoolEmpty.Add(1)
			continue
		}

		n, from, err := s.conn.ReadFromUDPAddrPort(pkt.Data[:])
		if err != nil {
			b.pool.Put(pkt)
			return
		}

		pkt.Sock = s.id
		pkt.From = from
		pkt.Now = b.nowMillis()
		pkt.Len = n

		if n >= 16 && AddrScope(from.Addr()) == ScopeGlobal && b.onGlobalReceive != nil {
			b.onGlobalReceive(pkt.Now)
		}

		select {
		case b.packets <- pkt:
		default:
			b.pool.Put(pkt)
			b.dropsQueueFull.Add(1)
		}
	}
}

// -------------------------------------------------------------------------
// Send Paths
// -------------------------------------------------------------------------

// IsValid reports whether id refers to a currently bound socket.
func (b *Binder) IsValid(id int64) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.byID[id]
	return ok
}

// Send transmits data to remote through the identified socket. A nonzero
// ttl on an IPv4 socket is applied for this packet only and restored to
// 255 afterward.
func (b *Binder) Send(id int64, remote netip.AddrPort, data []byte, ttl int) error {
	b.mu.RLock()
	s, ok := b.byID[id]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("send via socket %d: %w", id, ErrInvalidSocket)
	}
	return s.send(remote, data, ttl)
}

// send performs the actual write, honoring the per-packet IPv4 TTL.
func (s *boundSocket) send(remote netip.AddrPort, data []byte, ttl int) error {
	if s.p4 != nil && ttl > 0 && ttl != defaultTTL {
		s.sendMu.Lock()
		defer s.sendMu.Unlock()
		_ = s.p4.SetTTL(ttl)
		_, err := s.conn.WriteToUDPAddrPort(data, remote)
		_ = s.p4.SetTTL(defaultTTL)
		if err != nil {
			return fmt.Errorf("send to %s: %w", remote, err)
		}
		return nil
	}

	if _, err := s.conn.WriteToUDPAddrPort(data, remote); err != nil {
		return fmt.Errorf("send to %s: %w", remote, err)
	}
	return nil
}

// SendAll transmits data to remote through every bound socket of the
// matching address family. Returns true when at least one send succeeded.
func (b *Binder) SendAll(remote netip.AddrPort, data []byte, ttl int) bool {
	b.mu.RLock()
	sockets := make([]*boundSocket, 0, len(b.byID))
	for _, s := range b.byID {
		if s.local.Addr().Is4() == remote.Addr().Unmap().Is4() {
			sockets = append(sockets, s)
		}
	}
	b.mu.RUnlock()

	sent := false
	for _, s := range sockets {
		if err := s.send(remote, data, ttl); err == nil {
			sent = true
		}
	}
	return sent
}

// BoundLocalAddresses returns the local address of every bound socket.
func (b *Binder) BoundLocalAddresses() []netip.AddrPort {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]netip.AddrPort, 0, len(b.byID))
	for _, s := range b.byID {
		out = append(out, s.local)
	}
	return out
}

// CloseAll closes every bound socket and marks the binder unusable.
// The inbound queue is left open for workers to drain.
func (b *Binder) CloseAll() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for id, s := range b.byID {
		_ = s.conn.Close()
		delete(b.byID, id)
		delete(b.byKey, s.key)
	}
}

// Shutdown closes every socket, waits for the read loops to exit, and
// closes the inbound queue so workers draining it terminate.
func (b *Binder) Shutdown() {
	b.CloseAll()
	b.readers.Wait()
	close(b.packets)
}
