// Package service implements the node service: the orchestration engine
// that hosts the overlay protocol core, binds it to the physical network,
// bridges joined networks to virtual tap devices, persists its state, and
// fans state changes out to the external event consumer.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"net/netip"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/overmesh/noded/internal/events"
	"github.com/overmesh/noded/internal/netio"
	"github.com/overmesh/noded/internal/overlay"
	"github.com/overmesh/noded/internal/statestore"
	"github.com/overmesh/noded/internal/vtap"
)

// -------------------------------------------------------------------------
// Termination Reasons
// -------------------------------------------------------------------------

// TermReason is why (or whether) the service stopped.
type TermReason int

// Termination reasons.
const (
	// StillRunning means the service has not terminated.
	StillRunning TermReason = iota

	// NormalTermination means Terminate was called.
	NormalTermination

	// UnrecoverableError means a fatal configuration, I/O, or engine
	// error stopped the service. FatalErrorMessage has the detail.
	UnrecoverableError

	// IdentityCollision means another node claims this node's overlay
	// address. The supervisor rotates the identity and restarts.
	IdentityCollision
)

// String returns the reason name.
func (r TermReason) String() string {
	switch r {
	case StillRunning:
		return "STILL_RUNNING"
	case NormalTermination:
		return "NORMAL_TERMINATION"
	case UnrecoverableError:
		return "UNRECOVERABLE_ERROR"
	case IdentityCollision:
		return "IDENTITY_COLLISION"
	default:
		return "UNKNOWN"
	}
}

// -------------------------------------------------------------------------
// Control Loop Intervals
// -------------------------------------------------------------------------

const (
	// binderRefreshPeriod is how often bound endpoints are reconciled
	// against interface churn. Divided by 8 under multipath mode.
	binderRefreshPeriod = 30 * time.Second

	// multipathModePeriod is how often the multipath mode is re-pushed.
	multipathModePeriod = binderRefreshPeriod / 8

	// tapMulticastInterval is how often tap multicast group memberships
	// are synced into the engine.
	tapMulticastInterval = 5 * time.Second

	// localInterfaceCheckInterval is how often the engine's local address
	// set is rebuilt from the mapper and binder. Divided by 8 under
	// multipath mode.
	localInterfaceCheckInterval = 60 * time.Second

	// localInterfaceCheckDefer delays the first local-interface sync so
	// the port mapper has time to configure.
	localInterfaceCheckDefer = 15 * time.Second

	// peerCacheCleanInterval is how often stale peer cache files are
	// reaped.
	peerCacheCleanInterval = time.Hour

	// peerCacheMaxAge is the reaping cutoff for peer cache files.
	peerCacheMaxAge = 30 * 24 * time.Hour

	// restartDetectThreshold is the poll-sleep overrun beyond which a
	// sleep/wake cycle is assumed and bindings are refreshed.
	restartDetectThreshold = 10 * time.Second

	// loopSleepFloor is the minimum poll sleep when the background task
	// deadline has already passed.
	loopSleepFloor = 100 * time.Millisecond
)

// Version components reported in NODE_ONLINE events.
const (
	versionMajor = 1
	versionMinor = 4
	versionRev   = 0
)

// -------------------------------------------------------------------------
// Options & Settings
// -------------------------------------------------------------------------

// NetworkSettings is the per-network user policy for managed addresses
// and routes.
type NetworkSettings struct {
	// AllowManaged admits controller-assigned addresses and routes at all.
	AllowManaged bool

	// AllowGlobal admits globally-scoped assignments.
	AllowGlobal bool

	// AllowDefault admits a controller-assigned default route.
	AllowDefault bool

	// AllowManagedWhitelist, when non-empty, restricts assignments to
	// targets contained by at least one listed prefix of no greater
	// specificity.
	AllowManagedWhitelist []netip.Prefix
}

// Options configures a NodeService.
type Options struct {
	// Home is the persistent home directory.
	Home string

	// PrimaryPort is the user-chosen primary UDP port, 0 for random.
	PrimaryPort uint16

	// SecondaryPort and TertiaryPort override derived port selection
	// when nonzero.
	SecondaryPort uint16
	TertiaryPort  uint16

	// PortMappingEnabled allocates the third (mapping) port and starts
	// the port mapper.
	PortMappingEnabled bool

	// MultipathMode is pushed to the engine periodically; nonzero also
	// shortens the binder refresh period 8x.
	MultipathMode uint32

	// AllowNetworkCaching / AllowPeerCaching gate on-disk caching of
	// network configs and peer state.
	AllowNetworkCaching bool
	AllowPeerCaching    bool

	// AllowLocalConf applies LocalConfig at construction.
	AllowLocalConf bool

	// LocalConfig carries operator path hints, blacklists, and bind
	// restrictions. Ignored unless AllowLocalConf is set.
	LocalConfig LocalConfig

	// Networks are joined at startup in addition to cached networks.
	Networks []uint64

	// Engine constructs the overlay protocol core. Required.
	Engine overlay.Factory

	// TapFactory creates virtual tap devices on network UP. Required.
	TapFactory vtap.Factory

	// PortMapper constructs the port mapper for the mapping port. Nil
	// selects the no-op stub.
	PortMapper func(port uint16, logger *slog.Logger) netio.PortMapper

	// IPStackUp reports whether the userspace IP stack is ready; gates
	// network and peer event generation.
	IPStackUp func() bool

	// NetifUp reports per-network, per-family stack interface readiness;
	// gates NETWORK_READY_IP4/IP6. family is 4 or 6.
	NetifUp func(nwid uint64, family int) bool

	// Sink receives every emitted event. Required.
	Sink *events.Sink

	// Metrics receives operational counters. Nil selects a no-op.
	Metrics MetricsReporter

	// Logger is the parent logger. Required.
	Logger *slog.Logger
}

// NodeService joins the node to its overlay networks and runs the main
// control loop. Create with New, drive with Run, stop with Terminate.
type NodeService struct {
	home  string
	opts  Options
	store *statestore.Store

	sink    *events.Sink
	metrics MetricsReporter
	logger  *slog.Logger

	binder *netio.Binder
	filter *netio.InterfaceFilter
	mapper netio.PortMapper

	engine overlay.Engine

	// ports holds primary, address-derived secondary, and mapping ports.
	// ports[0] is nonzero after successful initialization.
	ports [3]uint16

	// nets is the network state table, guarded by netsMu. The config
	// callback, the reconciler, and the event generator write it; the
	// interface filter and path checker read it.
	nets   map[uint64]*netState
	netsMu sync.Mutex

	// peerCache maps overlay peer address to last observed direct path
	// count. Touched only by the service thread.
	peerCache map[uint64]int

	// local configuration tables, guarded by localCfgMu.
	localCfg   localConfig
	localCfgMu sync.RWMutex

	termReason TermReason
	fatalMsg   string
	termMu     sync.Mutex

	running atomic.Bool
	wake    chan struct{}

	nextDeadline   atomic.Int64
	lastGlobalRecv atomic.Int64
	lastRestart    atomic.Int64

	clockStart time.Time

	workerWG sync.WaitGroup

	authToken string
}

// New creates a NodeService. The service does not touch the network or
// the home directory until Run.
func New(opts Options) *NodeService {
	logger := opts.Logger.With(slog.String("component", "service"))

	s := &NodeService{
		home:       opts.Home,
		opts:       opts,
		sink:       opts.Sink,
		metrics:    opts.Metrics,
		logger:     logger,
		nets:       make(map[uint64]*netState),
		peerCache:  make(map[uint64]int),
		wake:       make(chan struct{}, 1),
		clockStart: time.Now(),
	}
	if s.metrics == nil {
		s.metrics = noopMetrics{}
	}

	s.store = statestore.New(opts.Home, opts.Logger)
	s.store.AllowNetworkCaching = opts.AllowNetworkCaching
	s.store.AllowPeerCaching = opts.AllowPeerCaching

	s.filter = netio.NewInterfaceFilter(s.tapAddresses)
	s.binder = netio.NewBinder(s.now, opts.Logger)
	s.binder.SetGlobalReceiveHook(func(now int64) {
		s.lastGlobalRecv.Store(now)
	})

	if opts.AllowLocalConf {
		s.ApplyLocalConfig(opts.LocalConfig)
	}

	s.running.Store(true)
	return s
}

// now returns monotonic milliseconds since service creation. The control
// loop, the packet plane, and the engine all share this clock.
func (s *NodeService) now() int64 {
	return time.Since(s.clockStart).Milliseconds()
}

// -------------------------------------------------------------------------
// Run — initialization plus the main control loop
// -------------------------------------------------------------------------

// Run initializes the service and drives the main control loop until
// Terminate is called or a fatal error occurs. It returns the termination
// reason. Run must be called at most once.
func (s *NodeService) Run(ctx context.Context) TermReason {
	defer s.shutdown()

	if !s.initialize() {
		return s.ReasonForTermination()
	}

	s.loop(ctx)
	return s.ReasonForTermination()
}

// initialize performs the startup sequence: auth token, engine, ports,
// port mapper, packet workers, cached network joins. Returns false when a
// fatal error was recorded.
func (s *NodeService) initialize() bool {
	tok, err := s.store.EnsureAuthToken()
	if err != nil {
		s.fatal(UnrecoverableError, "authtoken.secret could not be written")
		return false
	}
	s.authToken = tok

	eng, err := s.opts.Engine(s, s.now())
	if err != nil {
		s.fatal(UnrecoverableError, fmt.Sprintf("engine initialization failed: %s", err))
		return false
	}
	s.engine = eng

	if !s.selectPorts() {
		return false
	}

	s.startPacketWorkers()

	joined := make(map[uint64]bool)
	if s.opts.AllowNetworkCaching {
		for _, nwid := range s.store.CachedNetworks() {
			joined[nwid] = true
			if err := s.engine.Join(nwid); err != nil {
				s.logger.Warn("failed to rejoin cached network",
					slog.String("nwid", fmt.Sprintf("%016x", nwid)),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	for _, nwid := range s.opts.Networks {
		if joined[nwid] {
			continue
		}
		if err := s.engine.Join(nwid); err != nil {
			s.logger.Warn("failed to join configured network",
				slog.String("nwid", fmt.Sprintf("%016x", nwid)),
				slog.String("error", err.Error()),
			)
		}
	}

	return true
}

// selectPorts picks the primary, secondary, and mapping UDP ports per the
// NAT-averse three-port scheme. Primary failure is fatal; the others
// degrade to 0.
func (s *NodeService) selectPorts() bool {
	s.ports[0] = netio.PickPrimaryPort(s.opts.PrimaryPort)
	if s.ports[0] == 0 {
		s.fatal(UnrecoverableError, "cannot bind to local control interface port")
		return false
	}

	start := s.opts.SecondaryPort
	if start == 0 {
		start = netio.DerivedPortStart(s.engine.Address())
	}
	s.ports[1] = netio.PickDerivedPort(start)

	if s.opts.PortMappingEnabled && s.ports[1] != 0 {
		start = s.opts.TertiaryPort
		if start == 0 {
			start = s.ports[1]
		}
		s.ports[2] = netio.PickDerivedPort(start)
		if s.ports[2] != 0 {
			if s.opts.PortMapper != nil {
				s.mapper = s.opts.PortMapper(s.ports[2], s.opts.Logger)
			} else {
				s.mapper = netio.NewStubPortMapper(s.ports[2], s.opts.Logger)
			}
		}
	}

	s.logger.Info("ports selected",
		slog.Uint64("primary", uint64(s.ports[0])),
		slog.Uint64("secondary", uint64(s.ports[1])),
		slog.Uint64("mapping", uint64(s.ports[2])),
	)
	return true
}

// startPacketWorkers starts the fixed pool draining the binder's inbound
// queue into the engine. The engine is safe for concurrent
// ProcessWirePacket calls.
func (s *NodeService) startPacketWorkers() {
	n := min(runtime.NumCPU(), 4)
	for range n {
		s.workerWG.Add(1)
		go func() {
			defer s.workerWG.Done()
			for pkt := range s.binder.Packets() {
				s.processInbound(pkt)
			}
		}()
	}
}

// processInbound hands one datagram to the engine and updates the
// background task deadline. A fatal engine result terminates the service.
func (s *NodeService) processInbound(pkt *netio.Packet) {
	rc, dl := s.engine.ProcessWirePacket(pkt.Now, pkt.Sock, pkt.From, pkt.Payload())
	s.binder.Release(pkt)
	s.nextDeadline.Store(dl)
	s.metrics.PacketReceived()

	if rc.IsFatal() {
		s.fatal(UnrecoverableError, fmt.Sprintf("fatal error code from processWirePacket: %d", int(rc)))
		s.Terminate()
	}
}

// loop is the main control loop. It runs on one goroutine which is the
// sole caller of the engine's synchronous APIs other than
// ProcessWirePacket.
func (s *NodeService) loop(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.fatal(UnrecoverableError, fmt.Sprintf("unexpected exception in main thread: %v", r))
		}
	}()

	var (
		lastBindRefresh         int64
		lastMultipathModeUpdate int64
		lastTapMulticastCheck   int64
		lastPeerCacheClean      int64
	)

	clockShouldBe := s.now()
	s.lastRestart.Store(clockShouldBe)
	lastLocalInterfaceCheck := clockShouldBe - localInterfaceCheckInterval.Milliseconds() + localInterfaceCheckDefer.Milliseconds()

	for {
		if !s.running.Load() || ctx.Err() != nil {
			s.setReason(NormalTermination, "")
			return
		}

		now := s.now()

		// A poll-sleep overrun well past the deadline means the host
		// slept; treat it as a restart pulse so bindings and engine
		// state refresh immediately.
		restarted := false
		if now > clockShouldBe && now-clockShouldBe > restartDetectThreshold.Milliseconds() {
			s.lastRestart.Store(now)
			restarted = true
			s.logger.Info("delay overrun detected, assuming sleep/wake cycle",
				slog.Int64("overrun_ms", now-clockShouldBe),
			)
		}

		refreshPeriod := binderRefreshPeriod.Milliseconds()
		if s.opts.MultipathMode != 0 {
			refreshPeriod /= 8
		}
		if now-lastBindRefresh >= refreshPeriod || restarted {
			lastBindRefresh = now
			s.refreshBindings()
		}

		if now-lastMultipathModeUpdate >= multipathModePeriod.Milliseconds() || restarted {
			lastMultipathModeUpdate = now
			s.engine.SetMultipathMode(s.opts.MultipathMode)
		}

		s.generateEventMsgs()

		dl := s.nextDeadline.Load()
		if dl <= now {
			rc, next := s.engine.ProcessBackgroundTasks(now)
			s.nextDeadline.Store(next)
			dl = next
			if rc.IsFatal() {
				s.fatal(UnrecoverableError, fmt.Sprintf("fatal error code from processBackgroundTasks: %d", int(rc)))
				return
			}
		}

		if now-lastTapMulticastCheck >= tapMulticastInterval.Milliseconds() {
			lastTapMulticastCheck = now
			s.syncMulticastGroups()
		}

		ifCheckPeriod := localInterfaceCheckInterval.Milliseconds()
		if s.opts.MultipathMode != 0 {
			ifCheckPeriod /= 8
		}
		if now-lastLocalInterfaceCheck >= ifCheckPeriod {
			lastLocalInterfaceCheck = now
			s.syncLocalInterfaceAddresses()
		}

		if now-lastPeerCacheClean >= peerCacheCleanInterval.Milliseconds() {
			lastPeerCacheClean = now
			if s.opts.AllowPeerCaching {
				removed := s.store.CleanPeerCache(time.Now().Add(-peerCacheMaxAge))
				if removed > 0 {
					s.logger.Info("reaped stale peer cache files", slog.Int("removed", removed))
				}
			}
		}

		delay := loopSleepFloor.Milliseconds()
		if dl > now {
			delay = dl - now
		}
		clockShouldBe = now + delay
		s.poll(time.Duration(delay) * time.Millisecond)
	}
}

// poll sleeps for the given duration or until Terminate wakes the loop.
func (s *NodeService) poll(d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-s.wake:
	}
}

// refreshBindings reconciles the binder against the current nonzero ports
// and interface set.
func (s *NodeService) refreshBindings() {
	ports := make([]uint16, 0, 3)
	for _, p := range s.ports {
		if p != 0 {
			ports = append(ports, p)
		}
	}

	s.localCfgMu.RLock()
	explicit := append([]netip.Addr(nil), s.localCfg.explicitBind...)
	s.localCfgMu.RUnlock()

	s.binder.Refresh(ports, explicit, s.filter.ShouldBindInterface)
	s.metrics.BindRefresh()
}

// syncMulticastGroups pushes each tap's multicast membership changes into
// the engine. Scans run under the table lock; engine calls do not.
func (s *NodeService) syncMulticastGroups() {
	type change struct {
		nwid    uint64
		added   []overlay.MulticastGroup
		removed []overlay.MulticastGroup
	}

	s.netsMu.Lock()
	changes := make([]change, 0, len(s.nets))
	for nwid, n := range s.nets {
		if n.tap == nil {
			continue
		}
		added, removed := n.tap.ScanMulticastGroups()
		if len(added) > 0 || len(removed) > 0 {
			changes = append(changes, change{nwid: nwid, added: added, removed: removed})
		}
	}
	s.netsMu.Unlock()

	for _, c := range changes {
		for _, g := range c.added {
			_ = s.engine.MulticastSubscribe(c.nwid, g.MAC, g.ADI)
		}
		for _, g := range c.removed {
			_ = s.engine.MulticastUnsubscribe(c.nwid, g.MAC, g.ADI)
		}
	}
}

// syncLocalInterfaceAddresses rebuilds the engine's advertised local
// address set from the port mapper's observed externals and the binder's
// bound locals.
func (s *NodeService) syncLocalInterfaceAddresses() {
	s.engine.ClearLocalInterfaceAddresses()

	if s.mapper != nil {
		for _, ext := range s.mapper.Get() {
			s.engine.AddLocalInterfaceAddress(ext)
		}
	}
	for _, bound := range s.binder.BoundLocalAddresses() {
		s.engine.AddLocalInterfaceAddress(bound)
	}
}

// shutdown tears everything down after the loop exits: taps, binder,
// workers, mapper, engine.
func (s *NodeService) shutdown() {
	s.netsMu.Lock()
	for nwid, n := range s.nets {
		if n.tap != nil {
			_ = n.tap.Close()
		}
		delete(s.nets, nwid)
	}
	s.netsMu.Unlock()

	s.binder.Shutdown()
	s.workerWG.Wait()

	if s.mapper != nil {
		_ = s.mapper.Close()
	}
	if s.engine != nil {
		_ = s.engine.Close()
	}

	s.logger.Info("service stopped",
		slog.String("reason", s.ReasonForTermination().String()),
	)
}

// -------------------------------------------------------------------------
// Termination & Accessors
// -------------------------------------------------------------------------

// Terminate requests a graceful stop. It is idempotent and safe from any
// goroutine; the loop observes it within one tick plus wake latency.
func (s *NodeService) Terminate() {
	s.running.Store(false)
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// fatal records a termination reason and message. The first fatal wins.
func (s *NodeService) fatal(reason TermReason, msg string) {
	s.termMu.Lock()
	defer s.termMu.Unlock()
	if s.termReason == StillRunning || s.termReason == NormalTermination {
		s.termReason = reason
		s.fatalMsg = msg
	}
	if msg != "" {
		s.logger.Error("fatal service error", slog.String("error", msg))
	}
}

// setReason records a termination reason without overriding an earlier
// fatal one.
func (s *NodeService) setReason(reason TermReason, msg string) {
	s.termMu.Lock()
	defer s.termMu.Unlock()
	if s.termReason == StillRunning {
		s.termReason = reason
		s.fatalMsg = msg
	}
}

// ReasonForTermination returns the current termination reason;
// StillRunning while the loop is alive.
func (s *NodeService) ReasonForTermination() TermReason {
	s.termMu.Lock()
	defer s.termMu.Unlock()
	return s.termReason
}

// FatalErrorMessage returns the message recorded with a fatal reason.
func (s *NodeService) FatalErrorMessage() string {
	s.termMu.Lock()
	defer s.termMu.Unlock()
	return s.fatalMsg
}

// Ports returns the selected primary, secondary, and mapping ports.
func (s *NodeService) Ports() [3]uint16 {
	return s.ports
}

// HomePath returns the service home directory.
func (s *NodeService) HomePath() string {
	return s.home
}

// AuthToken returns the control auth token loaded or generated at startup.
func (s *NodeService) AuthToken() string {
	return s.authToken
}

// LastDirectReceiveFromGlobal returns the monotonic time a qualifying
// datagram last arrived from a globally routable address, or 0.
func (s *NodeService) LastDirectReceiveFromGlobal() int64 {
	return s.lastGlobalRecv.Load()
}
