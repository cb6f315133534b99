package netio

import (
	"net/netip"
	"runtime"
	"strings"
	"sync"
)

// builtinPrefixBlacklist lists interface name prefixes that are never
// eligible for outbound binding: loopbacks, our own taps, and other
// tunnel devices that would cause overlay-over-overlay recursion.
var builtinPrefixBlacklist = func() []string {
	prefixes := []string{"lo", "zt", "tun", "tap"}
	if runtime.GOOS == "darwin" {
		prefixes = append(prefixes, "feth", "utun")
	}
	return prefixes
}()

// InterfaceFilter decides which local interface addresses are eligible
// for outbound binding. The binder consults it per candidate.
type InterfaceFilter struct {
	mu sync.RWMutex

	// prefixBlacklist holds user-configured interface name prefixes.
	prefixBlacklist []string

	// v4Blacklist / v6Blacklist hold user-configured address ranges that
	// must never be bound.
	v4Blacklist []netip.Prefix
	v6Blacklist []netip.Prefix

	// tapAddresses returns every address currently installed on any owned
	// tap. Binding to one would route overlay traffic over the overlay.
	tapAddresses func() []netip.Addr
}

// NewInterfaceFilter creates a filter. tapAddresses may be nil when no
// taps exist yet.
func NewInterfaceFilter(tapAddresses func() []netip.Addr) *InterfaceFilter {
	return &InterfaceFilter{tapAddresses: tapAddresses}
}

// SetPrefixBlacklist replaces the user-configured name prefix blacklist.
func (f *InterfaceFilter) SetPrefixBlacklist(prefixes []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prefixBlacklist = append([]string(nil), prefixes...)
}

// SetAddressBlacklists replaces the per-family global address blacklists.
func (f *InterfaceFilter) SetAddressBlacklists(v4, v6 []netip.Prefix) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.v4Blacklist = append([]netip.Prefix(nil), v4...)
	f.v6Blacklist = append([]netip.Prefix(nil), v6...)
}

// ShouldBindInterface reports whether the (interface name, address) pair
// is eligible for outbound binding.
func (f *InterfaceFilter) ShouldBindInterface(ifname string, addr netip.Addr) bool {
	for _, p := range builtinPrefixBlacklist {
		if strings.HasPrefix(ifname, p) {
			return false
		}
	}

	f.mu.RLock()
	for _, p := range f.prefixBlacklist {
		if strings.HasPrefix(ifname, p) {
			f.mu.RUnlock()
			return false
		}
	}
	bl := f.v4Blacklist
	if addr.Unmap().Is6() {
		bl = f.v6Blacklist
	}
	for _, p := range bl {
		if p.Contains(addr.Unmap()) {
			f.mu.RUnlock()
			return false
		}
	}
	f.mu.RUnlock()

	if f.tapAddresses != nil {
		for _, ip := range f.tapAddresses() {
			if ip.Unmap() == addr.Unmap() {
				return false
			}
		}
	}

	return true
}
