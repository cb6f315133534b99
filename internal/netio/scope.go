package netio

import "net/netip"

// Scope classifies an IP address for binding and policy decisions.
type Scope int

// Address scopes, from least to most reachable.
const (
	ScopeNone Scope = iota
	ScopeMulticast
	ScopeLoopback
	ScopeLinkLocal
	ScopePrivate
	ScopeShared
	ScopeGlobal
)

// sharedV4 is the RFC 6598 carrier-grade NAT range.
var sharedV4 = netip.MustParsePrefix("100.64.0.0/10")

// AddrScope classifies addr. Unmapped forms of 4-in-6 addresses classify
// as their IPv4 equivalent.
func AddrScope(addr netip.Addr) Scope {
	if !addr.IsValid() || addr.IsUnspecified() {
		return ScopeNone
	}
	addr = addr.Unmap()

	switch {
	case addr.IsMulticast() || addr.IsLinkLocalMulticast():
		return ScopeMulticast
	case addr.IsLoopback():
		return ScopeLoopback
	case addr.IsLinkLocalUnicast():
		return ScopeLinkLocal
	case addr.Is4() && sharedV4.Contains(addr):
		return ScopeShared
	case addr.IsPrivate():
		return ScopePrivate
	case addr.IsGlobalUnicast():
		return ScopeGlobal
	default:
		return ScopeNone
	}
}

// IsDefaultRoute reports whether p is 0.0.0.0/0 or ::/0.
func IsDefaultRoute(p netip.Prefix) bool {
	return p.IsValid() && p.Bits() == 0 && p.Addr().IsUnspecified()
}

// String returns the scope name.
func (s Scope) String() string {
	switch s {
	case ScopeMulticast:
		return "multicast"
	case ScopeLoopback:
		return "loopback"
	case ScopeLinkLocal:
		return "link-local"
	case ScopePrivate:
		return "private"
	case ScopeShared:
		return "shared"
	case ScopeGlobal:
		return "global"
	default:
		return "none"
	}
}
