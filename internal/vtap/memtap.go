package vtap

import (
	"fmt"
	"sync"

	"net/netip"

	"github.com/overmesh/noded/internal/overlay"
)

// MemTap is an in-memory Tap. It records installed addresses, MTU, and
// injected frames, and lets a test (or loopback harness) feed frames back
// through the handler and stage multicast group changes for the next scan.
type MemTap struct {
	mu sync.Mutex

	nwid    uint64
	name    string
	mtu     int
	ips     []netip.Prefix
	handler FrameHandler
	closed  bool

	pendingAdded   []overlay.MulticastGroup
	pendingRemoved []overlay.MulticastGroup

	// Injected holds frames delivered via Put, most recent last.
	Injected []InjectedFrame

	// FailAddIP / FailRemoveIP force the next address operation to fail,
	// for exercising partial reconciliation.
	FailAddIP    bool
	FailRemoveIP bool
}

// InjectedFrame is one frame delivered toward the IP stack.
type InjectedFrame struct {
	SrcMAC    uint64
	DstMAC    uint64
	EtherType uint16
	Data      []byte
}

// NewMemTap creates a MemTap. It satisfies the Factory signature via
// NewMemTapFactory.
func NewMemTap(cfg Config, handler FrameHandler) *MemTap {
	return &MemTap{
		nwid:    cfg.NetworkID,
		name:    cfg.FriendlyName,
		mtu:     cfg.MTU,
		handler: handler,
	}
}

// NewMemTapFactory returns a Factory producing MemTaps and recording each
// created tap into taps keyed by network ID.
func NewMemTapFactory(taps map[uint64]*MemTap) Factory {
	var mu sync.Mutex
	return func(cfg Config, handler FrameHandler) (Tap, error) {
		t := NewMemTap(cfg, handler)
		mu.Lock()
		taps[cfg.NetworkID] = t
		mu.Unlock()
		return t, nil
	}
}

// AddIP installs an address. Duplicate installs are an error.
func (t *MemTap) AddIP(p netip.Prefix) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.FailAddIP {
		return fmt.Errorf("add ip %s: device rejected address", p)
	}
	for _, have := range t.ips {
		if have == p {
			return fmt.Errorf("add ip %s: already installed", p)
		}
	}
	t.ips = append(t.ips, p)
	return nil
}

// RemoveIP removes an installed address.
func (t *MemTap) RemoveIP(p netip.Prefix) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.FailRemoveIP {
		return fmt.Errorf("remove ip %s: device rejected removal", p)
	}
	for i, have := range t.ips {
		if have == p {
			t.ips = append(t.ips[:i], t.ips[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("remove ip %s: not installed", p)
}

// IPs returns a copy of the installed addresses.
func (t *MemTap) IPs() []netip.Prefix {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]netip.Prefix(nil), t.ips...)
}

// SetMTU records the MTU.
func (t *MemTap) SetMTU(mtu int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mtu = mtu
	return nil
}

// MTU returns the last MTU pushed to the device.
func (t *MemTap) MTU() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mtu
}

// StageMulticastChange queues group changes for the next scan.
func (t *MemTap) StageMulticastChange(added, removed []overlay.MulticastGroup) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pendingAdded = append(t.pendingAdded, added...)
	t.pendingRemoved = append(t.pendingRemoved, removed...)
}

// ScanMulticastGroups returns and clears the staged changes.
func (t *MemTap) ScanMulticastGroups() (added, removed []overlay.MulticastGroup) {
	t.mu.Lock()
	defer t.mu.Unlock()
	added, removed = t.pendingAdded, t.pendingRemoved
	t.pendingAdded, t.pendingRemoved = nil, nil
	return added, removed
}

// Put records an injected frame.
func (t *MemTap) Put(srcMAC, dstMAC uint64, etherType uint16, data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.Injected = append(t.Injected, InjectedFrame{
		SrcMAC:    srcMAC,
		DstMAC:    dstMAC,
		EtherType: etherType,
		Data:      append([]byte(nil), data...),
	})
}

// InjectFromStack feeds a frame through the tap's up-call, as the IP
// stack would when an application transmits.
func (t *MemTap) InjectFromStack(srcMAC, dstMAC uint64, etherType uint16, data []byte) {
	t.mu.Lock()
	h := t.handler
	nwid := t.nwid
	t.mu.Unlock()
	if h != nil {
		h(nwid, srcMAC, dstMAC, etherType, 0, data)
	}
}

// DeviceName returns the friendly name.
func (t *MemTap) DeviceName() string {
	return t.name
}

// HasIPv4Addr reports whether any installed address is IPv4.
func (t *MemTap) HasIPv4Addr() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.ips {
		if p.Addr().Unmap().Is4() {
			return true
		}
	}
	return false
}

// HasIPv6Addr reports whether any installed address is IPv6.
func (t *MemTap) HasIPv6Addr() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.ips {
		if p.Addr().Unmap().Is6() {
			return true
		}
	}
	return false
}

// Closed reports whether Close was called.
func (t *MemTap) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Close marks the tap closed.
func (t *MemTap) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}
