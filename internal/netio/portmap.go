package netio

import (
	"log/slog"
	"net/netip"
)

// -------------------------------------------------------------------------
// Port Mapper — uPnP/NAT-PMP boundary
// -------------------------------------------------------------------------

// PortMapper exposes externally observed addresses obtained from gateway
// port mappings. The mapping protocol itself (uPnP, NAT-PMP) lives behind
// this interface; the service only consumes the observed externals during
// the local-interface address sync.
type PortMapper interface {
	// Get returns the external addresses the gateway currently maps to
	// this node's mapping port.
	Get() []netip.AddrPort

	// Close releases the mapper.
	Close() error
}

// StubPortMapper is a no-op PortMapper used when port mapping is disabled
// or no mapping implementation is available on the platform.
type StubPortMapper struct {
	logger *slog.Logger
}

// NewStubPortMapper creates a no-op mapper for the given mapping port.
func NewStubPortMapper(port uint16, logger *slog.Logger) *StubPortMapper {
	m := &StubPortMapper{
		logger: logger.With(slog.String("component", "portmap.stub")),
	}
	m.logger.Debug("stub port mapper active (no gateway mapping)",
		slog.Uint64("port", uint64(port)),
	)
	return m
}

// Get returns no addresses.
func (m *StubPortMapper) Get() []netip.AddrPort {
	return nil
}

// Close is a no-op.
func (m *StubPortMapper) Close() error {
	return nil
}
