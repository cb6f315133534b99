package service

import (
	"net/netip"
)

// localConfig holds the operator-supplied path hints, blacklists, and
// bind restrictions. Guarded by NodeService.localCfgMu; the config loader
// writes it, the path checker/lookup and interface filter read it.
type localConfig struct {
	// v4Hints / v6Hints map a peer's overlay address to operator-preferred
	// remote endpoints for that peer.
	v4Hints map[uint64][]netip.AddrPort
	v6Hints map[uint64][]netip.AddrPort

	// v4Blacklists / v6Blacklists map a peer's overlay address to remote
	// ranges that must never be used for that peer.
	v4Blacklists map[uint64][]netip.Prefix
	v6Blacklists map[uint64][]netip.Prefix

	// globalV4Blacklist / globalV6Blacklist apply to every peer and to
	// interface binding.
	globalV4Blacklist []netip.Prefix
	globalV6Blacklist []netip.Prefix

	// allowManagementFrom restricts management sources; kept for API
	// compatibility with consumers that query it.
	allowManagementFrom []netip.Prefix

	// explicitBind, when non-empty, replaces interface enumeration in the
	// binder.
	explicitBind []netip.Addr
}

// LocalConfig is the externally supplied form of the path and bind
// configuration.
type LocalConfig struct {
	V4Hints      map[uint64][]netip.AddrPort
	V6Hints      map[uint64][]netip.AddrPort
	V4Blacklists map[uint64][]netip.Prefix
	V6Blacklists map[uint64][]netip.Prefix

	GlobalV4Blacklist []netip.Prefix
	GlobalV6Blacklist []netip.Prefix

	AllowManagementFrom      []netip.Prefix
	InterfacePrefixBlacklist []string
	ExplicitBind             []netip.Addr
}

// ApplyLocalConfig installs the operator path/bind configuration. Safe to
// call while the service runs; the next path decision and bind refresh
// observe it.
func (s *NodeService) ApplyLocalConfig(lc LocalConfig) {
	s.localCfgMu.Lock()
	s.localCfg = localConfig{
		v4Hints:             lc.V4Hints,
		v6Hints:             lc.V6Hints,
		v4Blacklists:        lc.V4Blacklists,
		v6Blacklists:        lc.V6Blacklists,
		globalV4Blacklist:   lc.GlobalV4Blacklist,
		globalV6Blacklist:   lc.GlobalV6Blacklist,
		allowManagementFrom: lc.AllowManagementFrom,
		explicitBind:        lc.ExplicitBind,
	}
	s.localCfgMu.Unlock()

	s.filter.SetPrefixBlacklist(lc.InterfacePrefixBlacklist)
	s.filter.SetAddressBlacklists(lc.GlobalV4Blacklist, lc.GlobalV6Blacklist)
}

// -------------------------------------------------------------------------
// Path Check — may the engine use this remote path?
// -------------------------------------------------------------------------

// PathCheck implements overlay.Host. It rejects remotes that fall inside
// any owned tap's installed prefixes (overlay-over-overlay recursion) or
// that match the peer's blacklist or the family-wide global blacklist.
func (s *NodeService) PathCheck(peer uint64, _ int64, remote netip.AddrPort) bool {
	addr := remote.Addr().Unmap()

	s.netsMu.Lock()
	for _, n := range s.nets {
		if n.tap == nil {
			continue
		}
		for _, p := range n.tap.IPs() {
			if p.Contains(addr) {
				s.netsMu.Unlock()
				return false
			}
		}
	}
	s.netsMu.Unlock()

	s.localCfgMu.RLock()
	defer s.localCfgMu.RUnlock()

	perPeer := s.localCfg.v4Blacklists
	global := s.localCfg.globalV4Blacklist
	if addr.Is6() {
		perPeer = s.localCfg.v6Blacklists
		global = s.localCfg.globalV6Blacklist
	}

	for _, p := range perPeer[peer] {
		if p.Contains(addr) {
			return false
		}
	}
	for _, p := range global {
		if p.Contains(addr) {
			return false
		}
	}

	return true
}

// -------------------------------------------------------------------------
// Path Lookup — operator hint for a peer
// -------------------------------------------------------------------------

// PathLookup implements overlay.Host. It returns an operator-configured
// hint endpoint for the peer, restricted by family (4, 6, or negative for
// either -- the engine's PRNG breaks the tie). Multiple hints are chosen
// among uniformly with the engine's PRNG.
func (s *NodeService) PathLookup(peer uint64, family int) (netip.AddrPort, bool) {
	s.localCfgMu.RLock()
	defer s.localCfgMu.RUnlock()

	var table map[uint64][]netip.AddrPort
	switch {
	case family < 0:
		if s.engine.PRNG()&1 == 0 {
			table = s.localCfg.v4Hints
		} else {
			table = s.localCfg.v6Hints
		}
	case family == 4:
		table = s.localCfg.v4Hints
	case family == 6:
		table = s.localCfg.v6Hints
	default:
		return netip.AddrPort{}, false
	}

	hints := table[peer]
	if len(hints) == 0 {
		return netip.AddrPort{}, false
	}
	return hints[s.engine.PRNG()%uint64(len(hints))], true
}
