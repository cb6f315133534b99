package service

import (
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/overmesh/noded/internal/events"
	"github.com/overmesh/noded/internal/netio"
	"github.com/overmesh/noded/internal/overlay"
	"github.com/overmesh/noded/internal/vtap"
)

// testPacket builds a standalone inbound packet for processInbound tests.
func testPacket() *netio.Packet {
	return &netio.Packet{
		Sock: 1,
		From: netip.MustParseAddrPort("203.0.113.9:9993"),
		Now:  1,
		Len:  16,
	}
}

// fakeEngine is a scriptable overlay.Engine for service tests.
type fakeEngine struct {
	mu   sync.Mutex
	host overlay.Host

	address uint64
	online  bool
	prng    uint64

	peers  []overlay.Peer
	freed  int
	joined map[uint64]bool

	wireResult overlay.ResultCode

	// collideOnBackground makes the first background pass report an
	// identity collision.
	collideOnBackground bool
	backgroundRuns      int

	locals []netip.AddrPort
}

func newFakeEngine(host overlay.Host) *fakeEngine {
	return &fakeEngine{
		host:    host,
		address: 0x9f6e8a3b21,
		online:  true,
		prng:    1,
		joined:  make(map[uint64]bool),
	}
}

func (e *fakeEngine) ProcessWirePacket(_ int64, _ int64, _ netip.AddrPort, _ []byte) (overlay.ResultCode, int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.wireResult, 0
}

func (e *fakeEngine) ProcessVirtualNetworkFrame(_ int64, _ uint64, _, _ uint64, _ uint16, _ uint16, _ []byte) (overlay.ResultCode, int64) {
	return overlay.ResultOK, 0
}

func (e *fakeEngine) ProcessBackgroundTasks(now int64) (overlay.ResultCode, int64) {
	e.mu.Lock()
	e.backgroundRuns++
	collide := e.collideOnBackground && e.backgroundRuns == 1
	e.mu.Unlock()

	if collide {
		e.host.HandleEvent(overlay.EventFatalErrorIdentityCollision, nil)
	}
	return overlay.ResultOK, now + 500
}

func (e *fakeEngine) Join(nwid uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.joined[nwid] = true
	return nil
}

func (e *fakeEngine) Leave(nwid uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.joined, nwid)
	return nil
}

func (e *fakeEngine) MulticastSubscribe(_ uint64, _ uint64, _ uint32) error   { return nil }
func (e *fakeEngine) MulticastUnsubscribe(_ uint64, _ uint64, _ uint32) error { return nil }

func (e *fakeEngine) Peers() *overlay.PeerList {
	e.mu.Lock()
	defer e.mu.Unlock()
	return &overlay.PeerList{Peers: append([]overlay.Peer(nil), e.peers...)}
}

func (e *fakeEngine) FreeQueryResult(_ *overlay.PeerList) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.freed++
}

func (e *fakeEngine) Address() uint64 {
	return e.address
}

func (e *fakeEngine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

func (e *fakeEngine) setOnline(v bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.online = v
}

func (e *fakeEngine) setPeer(address uint64, pathCount int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	paths := make([]overlay.PeerPath, pathCount)
	for i := range paths {
		paths[i] = overlay.PeerPath{Address: netip.MustParseAddrPort("203.0.113.10:9993")}
	}
	for i := range e.peers {
		if e.peers[i].Address == address {
			e.peers[i].Paths = paths
			return
		}
	}
	e.peers = append(e.peers, overlay.Peer{Address: address, Paths: paths})
}

func (e *fakeEngine) PRNG() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.prng++
	return e.prng
}

func (e *fakeEngine) SetMultipathMode(_ uint32) {}

func (e *fakeEngine) ClearLocalInterfaceAddresses() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.locals = nil
}

func (e *fakeEngine) AddLocalInterfaceAddress(addr netip.AddrPort) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.locals = append(e.locals, addr)
}

func (e *fakeEngine) Close() error { return nil }

// -------------------------------------------------------------------------
// Harness
// -------------------------------------------------------------------------

// testHarness wires a NodeService to a fake engine and memory taps
// without running the control loop.
type testHarness struct {
	svc    *NodeService
	engine *fakeEngine
	taps   map[uint64]*vtap.MemTap
	sink   *events.Sink
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	sink := events.NewSink(logger)
	taps := make(map[uint64]*vtap.MemTap)

	var engine *fakeEngine
	opts := Options{
		Home:                t.TempDir(),
		AllowNetworkCaching: true,
		AllowPeerCaching:    true,
		Engine: func(host overlay.Host, _ int64) (overlay.Engine, error) {
			engine = newFakeEngine(host)
			return engine, nil
		},
		TapFactory: vtap.NewMemTapFactory(taps),
		Sink:       sink,
		Logger:     logger,
	}

	svc := New(opts)
	eng, err := opts.Engine(svc, 0)
	if err != nil {
		t.Fatalf("engine factory: %v", err)
	}
	svc.engine = eng

	return &testHarness{svc: svc, engine: engine, taps: taps, sink: sink}
}

// drainEvents returns the codes of every queued event.
func (h *testHarness) drainEvents() []events.Code {
	var codes []events.Code
	for {
		select {
		case ev := <-h.sink.Events():
			codes = append(codes, ev.Code)
		default:
			return codes
		}
	}
}

// waitEvent blocks until an event with the given code arrives, failing
// the test after the timeout. Other events seen meanwhile are returned
// in order, with the matching code last.
func waitEvent(t *testing.T, sink *events.Sink, want events.Code, timeout time.Duration) []events.Code {
	t.Helper()

	deadline := time.After(timeout)
	var seen []events.Code
	for {
		select {
		case ev := <-sink.Events():
			seen = append(seen, ev.Code)
			if ev.Code == want {
				return seen
			}
		case <-deadline:
			t.Fatalf("event %v never arrived; saw %v", want, seen)
		}
	}
}
