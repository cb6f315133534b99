package service

import (
	"net/netip"

	"github.com/overmesh/noded/internal/events"
	"github.com/overmesh/noded/internal/overlay"
)

// generateEventMsgs runs once per control loop tick: it emits
// edge-triggered network status events, then the peer path delta pass.
// Both are suppressed until the engine is online and the IP stack is up,
// so consumers never see network events they cannot act on yet.
func (s *NodeService) generateEventMsgs() {
	if !s.engine.Online() {
		return
	}
	if s.opts.IPStackUp != nil && !s.opts.IPStackUp() {
		return
	}

	s.generateNetworkStatusEvents()
	s.generatePeerEvents()
}

// generateNetworkStatusEvents emits one event per network whose status
// changed since it was last reported upward.
func (s *NodeService) generateNetworkStatusEvents() {
	s.netsMu.Lock()
	defer s.netsMu.Unlock()

	for nwid, n := range s.nets {
		if n.tap == nil {
			continue
		}
		status := int(n.config.Status)
		if n.lastObservedStatus == status {
			continue
		}

		switch n.config.Status {
		case overlay.NetworkStatusNotFound:
			s.emit(events.NetworkNotFound, s.networkDetailsLocked(n))
		case overlay.NetworkStatusClientTooOld:
			s.emit(events.NetworkClientTooOld, s.networkDetailsLocked(n))
		case overlay.NetworkStatusRequestingConfiguration:
			s.emit(events.NetworkRequestingConfig, s.networkDetailsLocked(n))
		case overlay.NetworkStatusOK:
			if n.tap.HasIPv4Addr() && s.netifUp(nwid, 4) {
				s.emit(events.NetworkReadyIP4, s.networkDetailsLocked(n))
			}
			if n.tap.HasIPv6Addr() && s.netifUp(nwid, 6) {
				s.emit(events.NetworkReadyIP6, s.networkDetailsLocked(n))
			}
			// The READY events say which families are usable; the OK
			// event says the controller accepted us.
			s.emit(events.NetworkOK, s.networkDetailsLocked(n))
		case overlay.NetworkStatusAccessDenied:
			s.emit(events.NetworkAccessDenied, s.networkDetailsLocked(n))
		}

		n.lastObservedStatus = status
	}
}

// netifUp consults the stack readiness predicate, defaulting to ready
// when none is configured.
func (s *NodeService) netifUp(nwid uint64, family int) bool {
	if s.opts.NetifUp == nil {
		return true
	}
	return s.opts.NetifUp(nwid, family)
}

// generatePeerEvents scans the engine's peer snapshot and emits directed/
// relayed/path-discovered/path-dead transitions against the per-peer path
// count cache. The rules are evaluated first-match so exactly one event
// fires per peer per tick; a steady peer emits nothing.
func (s *NodeService) generatePeerEvents() {
	pl := s.engine.Peers()
	if pl == nil {
		return
	}
	defer s.engine.FreeQueryResult(pl)

	for i := range pl.Peers {
		p := &pl.Peers[i]
		count := p.PathCount()
		prev, known := s.peerCache[p.Address]

		var code events.Code
		emit := true
		switch {
		case !known && count > 0:
			code = events.PeerDirect
		case !known:
			code = events.PeerRelay
		case prev < count:
			code = events.PeerPathDiscovered
		case prev > count:
			code = events.PeerPathDead
		case prev == 0 && count > 0:
			code = events.PeerDirect
		case prev > 0 && count == 0:
			code = events.PeerRelay
		default:
			emit = false
		}

		if emit {
			s.emit(code, peerDetails(p))
		}

		s.peerCache[p.Address] = count
	}

	s.metrics.PeersObserved(len(pl.Peers))
}

// peerDetails copies the event payload for a peer snapshot entry.
func peerDetails(p *overlay.Peer) *events.PeerDetails {
	paths := make([]netip.AddrPort, 0, len(p.Paths))
	for _, path := range p.Paths {
		paths = append(paths, path.Address)
	}
	return &events.PeerDetails{
		Address:   p.Address,
		Latency:   p.Latency,
		PathCount: len(p.Paths),
		Paths:     paths,
	}
}
