package service

import (
	"fmt"
	"log/slog"
	"net/netip"
	"slices"

	"github.com/overmesh/noded/internal/events"
	"github.com/overmesh/noded/internal/netio"
	"github.com/overmesh/noded/internal/overlay"
	"github.com/overmesh/noded/internal/vtap"
)

// configCallbackTapMissing is returned to the engine when a network entry
// exists without a tap, which means tap creation failed on UP.
const configCallbackTapMissing = -999

// statusUnobserved is the lastObservedStatus sentinel before any status
// event has been reported upward.
const statusUnobserved = -1

// routeKey identifies a managed route within a network.
type routeKey struct {
	target netip.Prefix
	via    netip.Addr
}

// netState is one joined network's record: the latest engine config
// snapshot, the owned tap, the managed address and route sets, and the
// user policy. Guarded by NodeService.netsMu.
type netState struct {
	config overlay.NetworkConfig
	tap    vtap.Tap

	// managedIPs mirrors the policy-admitted subset of the config's
	// assigned addresses currently installed on the tap. Sorted and
	// deduplicated.
	managedIPs []netip.Prefix

	// managedRoutes tracks the policy-admitted controller routes.
	managedRoutes map[routeKey]overlay.Route

	settings NetworkSettings

	// lastObservedStatus is the network status last reported upward;
	// status events are emitted only on edges.
	lastObservedStatus int
}

// defaultNetworkSettings is the policy applied to a newly seen network.
func defaultNetworkSettings() NetworkSettings {
	return NetworkSettings{
		AllowManaged: true,
		AllowGlobal:  false,
		AllowDefault: false,
	}
}

// -------------------------------------------------------------------------
// Virtual Network Config Callback — UP / UPDATE / DOWN / DESTROY
// -------------------------------------------------------------------------

// VirtualNetworkConfig handles a network lifecycle change from the
// engine. It implements overlay.Host.
func (s *NodeService) VirtualNetworkConfig(nwid uint64, op overlay.ConfigOperation, cfg *overlay.NetworkConfig) int {
	s.netsMu.Lock()
	defer s.netsMu.Unlock()

	n, ok := s.nets[nwid]
	if !ok {
		n = &netState{
			managedRoutes:      make(map[routeKey]overlay.Route),
			settings:           defaultNetworkSettings(),
			lastObservedStatus: statusUnobserved,
		}
		s.nets[nwid] = n
	}

	switch op {
	case overlay.ConfigOperationUp, overlay.ConfigOperationUpdate:
		if op == overlay.ConfigOperationUp && n.tap == nil {
			tap, err := s.opts.TapFactory(vtap.Config{
				NetworkID:    nwid,
				MAC:          cfg.MAC,
				MTU:          cfg.MTU,
				FriendlyName: fmt.Sprintf("Overlay [%016x]", nwid),
			}, s.tapFrameHandler)
			if err != nil {
				s.logger.Error("tap creation failed",
					slog.String("nwid", fmt.Sprintf("%016x", nwid)),
					slog.String("error", err.Error()),
				)
			} else {
				n.tap = tap
				s.metrics.NetworkUp()
			}
		}

		// UP falls through to the update path: copy the config in,
		// reconcile managed state, push the MTU.
		n.config = *cfg
		if n.tap == nil {
			delete(s.nets, nwid)
			return configCallbackTapMissing
		}
		s.syncManagedStuff(n)
		if err := n.tap.SetMTU(cfg.MTU); err != nil {
			s.logger.Warn("failed to set tap MTU",
				slog.String("nwid", fmt.Sprintf("%016x", nwid)),
				slog.Int("mtu", cfg.MTU),
				slog.String("error", err.Error()),
			)
		}
		if op == overlay.ConfigOperationUpdate {
			s.emit(events.NetworkUpdate, s.networkDetailsLocked(n))
		}

	case overlay.ConfigOperationDown, overlay.ConfigOperationDestroy:
		if n.tap != nil {
			_ = n.tap.Close()
			s.metrics.NetworkDown()
		}
		delete(s.nets, nwid)
		if op == overlay.ConfigOperationDestroy && s.opts.AllowNetworkCaching {
			if err := s.store.Delete(overlay.StateObjectNetworkConfig, [2]uint64{nwid, 0}); err != nil {
				s.logger.Warn("failed to remove cached network config",
					slog.String("nwid", fmt.Sprintf("%016x", nwid)),
					slog.String("error", err.Error()),
				)
			}
		}
	}

	return 0
}

// networkDetailsLocked copies the event payload for a network. Callers
// hold netsMu.
func (s *NodeService) networkDetailsLocked(n *netState) *events.NetworkDetails {
	return &events.NetworkDetails{
		ID:                n.config.ID,
		MAC:               n.config.MAC,
		Name:              n.config.Name,
		Status:            int(n.config.Status),
		MTU:               n.config.MTU,
		Bridge:            n.config.Bridge,
		BroadcastEnabled:  n.config.BroadcastEnabled,
		PortError:         n.config.PortError,
		NetconfRevision:   n.config.NetconfRevision,
		AssignedAddresses: append([]netip.Prefix(nil), n.config.AssignedAddresses...),
	}
}

// -------------------------------------------------------------------------
// Managed Address & Route Reconciliation
// -------------------------------------------------------------------------

// checkIfManagedIsAllowed applies the network's policy to a
// controller-assigned target (address or route destination).
func checkIfManagedIsAllowed(settings NetworkSettings, target netip.Prefix) bool {
	if !settings.AllowManaged {
		return false
	}

	if len(settings.AllowManagedWhitelist) > 0 {
		allowed := false
		for _, w := range settings.AllowManagedWhitelist {
			if w.Contains(target.Addr()) && w.Bits() <= target.Bits() {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if netio.IsDefaultRoute(target) {
		return settings.AllowDefault
	}

	switch netio.AddrScope(target.Addr()) {
	case netio.ScopeNone, netio.ScopeMulticast, netio.ScopeLoopback, netio.ScopeLinkLocal:
		return false
	case netio.ScopeGlobal:
		return settings.AllowGlobal
	default:
		return true
	}
}

// comparePrefix totally orders prefixes by address, then prefix length.
func comparePrefix(a, b netip.Prefix) int {
	if c := a.Addr().Compare(b.Addr()); c != 0 {
		return c
	}
	return a.Bits() - b.Bits()
}

// syncManagedStuff reconciles the tap's installed addresses and the
// tracked route set against the policy-admitted subset of the network's
// assigned config. Callers hold netsMu and guarantee n.tap is non-nil.
//
// Removals run before additions so an address moving between prefixes is
// never doubly installed. Events are emitted only for operations the tap
// accepted; a failed tap operation is logged and retried implicitly on
// the next reconciliation.
func (s *NodeService) syncManagedStuff(n *netState) {
	target := make([]netip.Prefix, 0, len(n.config.AssignedAddresses))
	for _, a := range n.config.AssignedAddresses {
		if checkIfManagedIsAllowed(n.settings, a) {
			target = append(target, a)
		}
	}
	slices.SortFunc(target, comparePrefix)
	target = slices.Compact(target)

	for _, ip := range n.managedIPs {
		if slices.Contains(target, ip) {
			continue
		}
		if err := n.tap.RemoveIP(ip); err != nil {
			s.logger.Error("unable to remove ip address",
				slog.String("addr", ip.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		code := events.RemovedAddrCode(ip.Addr())
		s.emit(code, &events.AddrDetails{NetworkID: n.config.ID, Addr: ip.Addr()})
	}

	for _, ip := range target {
		if slices.Contains(n.managedIPs, ip) {
			continue
		}
		if err := n.tap.AddIP(ip); err != nil {
			s.logger.Error("unable to add ip address",
				slog.String("addr", ip.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		code := events.AddedAddrCode(ip.Addr())
		s.emit(code, &events.AddrDetails{NetworkID: n.config.ID, Addr: ip.Addr()})
	}

	n.managedIPs = target

	s.syncManagedRoutes(n)
}

// syncManagedRoutes reconciles the tracked route set against the
// policy-admitted controller routes. The userspace stack resolves routes
// through the tap directly, so tracking (not kernel installation) is all
// the service owns here.
func (s *NodeService) syncManagedRoutes(n *netState) {
	desired := make(map[routeKey]overlay.Route, len(n.config.Routes))
	for _, r := range n.config.Routes {
		if !checkIfManagedIsAllowed(n.settings, r.Target) {
			continue
		}
		desired[routeKey{target: r.Target, via: r.Via}] = r
	}

	for key := range n.managedRoutes {
		if _, want := desired[key]; !want {
			delete(n.managedRoutes, key)
			s.logger.Debug("managed route removed",
				slog.String("target", key.target.String()),
			)
		}
	}
	for key, r := range desired {
		if _, have := n.managedRoutes[key]; !have {
			n.managedRoutes[key] = r
			s.logger.Debug("managed route added",
				slog.String("target", key.target.String()),
			)
		}
	}
}

// -------------------------------------------------------------------------
// Accessors
// -------------------------------------------------------------------------

// PortDeviceName returns the tap device name for a joined network, or ""
// when the network has no tap.
func (s *NodeService) PortDeviceName(nwid uint64) string {
	s.netsMu.Lock()
	defer s.netsMu.Unlock()

	if n, ok := s.nets[nwid]; ok && n.tap != nil {
		return n.tap.DeviceName()
	}
	return ""
}

// GetNetworkSettings returns the user policy for a joined network.
func (s *NodeService) GetNetworkSettings(nwid uint64) (NetworkSettings, bool) {
	s.netsMu.Lock()
	defer s.netsMu.Unlock()

	n, ok := s.nets[nwid]
	if !ok {
		return NetworkSettings{}, false
	}
	return n.settings, true
}

// SetNetworkSettings replaces the user policy for a joined network and
// reconciles managed state under the new policy.
func (s *NodeService) SetNetworkSettings(nwid uint64, settings NetworkSettings) bool {
	s.netsMu.Lock()
	defer s.netsMu.Unlock()

	n, ok := s.nets[nwid]
	if !ok {
		return false
	}
	n.settings = settings
	if n.tap != nil {
		s.syncManagedStuff(n)
	}
	return true
}

// Routes returns the tracked managed routes for a joined network.
func (s *NodeService) Routes(nwid uint64) []overlay.Route {
	s.netsMu.Lock()
	defer s.netsMu.Unlock()

	n, ok := s.nets[nwid]
	if !ok {
		return nil
	}
	out := make([]overlay.Route, 0, len(n.managedRoutes))
	for _, r := range n.managedRoutes {
		out = append(out, r)
	}
	return out
}

// ManagedIPs returns the currently installed managed addresses for a
// joined network.
func (s *NodeService) ManagedIPs(nwid uint64) []netip.Prefix {
	s.netsMu.Lock()
	defer s.netsMu.Unlock()

	n, ok := s.nets[nwid]
	if !ok {
		return nil
	}
	return append([]netip.Prefix(nil), n.managedIPs...)
}

// Join joins a network through the engine.
func (s *NodeService) Join(nwid uint64) error {
	return s.engine.Join(nwid)
}

// Leave leaves a network through the engine.
func (s *NodeService) Leave(nwid uint64) error {
	return s.engine.Leave(nwid)
}

// tapAddresses lists every address installed on any owned tap. The
// interface filter and path checker use it to suppress
// overlay-over-overlay recursion.
func (s *NodeService) tapAddresses() []netip.Addr {
	s.netsMu.Lock()
	defer s.netsMu.Unlock()

	var out []netip.Addr
	for _, n := range s.nets {
		if n.tap == nil {
			continue
		}
		for _, p := range n.tap.IPs() {
			out = append(out, p.Addr())
		}
	}
	return out
}

// emit enqueues an event and counts it.
func (s *NodeService) emit(code events.Code, payload any) {
	s.sink.Enqueue(code, payload)
	s.metrics.EventEmitted(code.String())
}
