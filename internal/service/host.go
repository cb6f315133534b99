package service

import (
	"log/slog"
	"net/netip"

	"github.com/overmesh/noded/internal/events"
	"github.com/overmesh/noded/internal/overlay"
	"github.com/overmesh/noded/internal/vtap"
)

// NodeService implements overlay.Host; this file holds the state, wire,
// frame, and event callbacks. The network lifecycle callback lives in
// networks.go and the path callbacks in paths.go.
var _ overlay.Host = (*NodeService)(nil)

// StateGet implements overlay.Host.
func (s *NodeService) StateGet(kind overlay.StateObjectType, id [2]uint64, maxLen int) ([]byte, error) {
	return s.store.Get(kind, id, maxLen)
}

// StatePut implements overlay.Host. Write failures are logged; the
// engine does not observe them.
func (s *NodeService) StatePut(kind overlay.StateObjectType, id [2]uint64, data []byte) {
	if err := s.store.Put(kind, id, data); err != nil {
		s.logger.Warn("unable to write state object",
			slog.Int("kind", int(kind)),
			slog.String("error", err.Error()),
		)
	}
}

// StateDelete implements overlay.Host.
func (s *NodeService) StateDelete(kind overlay.StateObjectType, id [2]uint64) {
	if err := s.store.Delete(kind, id); err != nil {
		s.logger.Warn("unable to delete state object",
			slog.Int("kind", int(kind)),
			slog.String("error", err.Error()),
		)
	}
}

// WirePacketSend implements overlay.Host. A valid local socket sends
// through that socket (with per-packet IPv4 TTL when requested); an
// unspecified one broadcasts through every bound socket of the remote's
// family.
func (s *NodeService) WirePacketSend(localSocket int64, remote netip.AddrPort, data []byte, ttl int) int {
	if localSocket > 0 && s.binder.IsValid(localSocket) {
		if err := s.binder.Send(localSocket, remote, data, ttl); err != nil {
			return -1
		}
		s.metrics.PacketSent()
		return 0
	}

	if !s.binder.SendAll(remote, data, ttl) {
		return -1
	}
	s.metrics.PacketSent()
	return 0
}

// VirtualNetworkFrame implements overlay.Host: a decrypted Ethernet frame
// for a joined network is injected into its tap. Frames for networks
// without a tap are dropped.
func (s *NodeService) VirtualNetworkFrame(nwid uint64, srcMAC, dstMAC uint64, etherType uint16, _ uint16, data []byte) {
	s.netsMu.Lock()
	var tap vtap.Tap
	if n, ok := s.nets[nwid]; ok {
		tap = n.tap
	}
	s.netsMu.Unlock()

	if tap != nil {
		tap.Put(srcMAC, dstMAC, etherType, data)
	}
}

// tapFrameHandler is the tap up-call: frames the IP stack writes to a tap
// are fed into the engine for encryption and transmission.
func (s *NodeService) tapFrameHandler(nwid uint64, srcMAC, dstMAC uint64, etherType uint16, vlanID uint16, data []byte) {
	_, dl := s.engine.ProcessVirtualNetworkFrame(s.now(), nwid, srcMAC, dstMAC, etherType, vlanID, data)
	s.nextDeadline.Store(dl)
}

// HandleEvent implements overlay.Host: engine events map to sink events,
// except the identity collision which terminates the service with its
// dedicated reason for the supervisor to act on.
func (s *NodeService) HandleEvent(ev overlay.Event, metaData any) {
	switch ev {
	case overlay.EventUp:
		s.emit(events.NodeUp, nil)

	case overlay.EventOnline:
		s.emit(events.NodeOnline, &events.NodeDetails{
			Address:       s.engine.Address(),
			PrimaryPort:   s.ports[0],
			SecondaryPort: s.ports[1],
			MappingPort:   s.ports[2],
			VersionMajor:  versionMajor,
			VersionMinor:  versionMinor,
			VersionRev:    versionRev,
		})

	case overlay.EventOffline:
		s.emit(events.NodeOffline, &events.NodeDetails{Address: s.engine.Address()})

	case overlay.EventDown:
		s.emit(events.NodeDown, &events.NodeDetails{Address: s.engine.Address()})

	case overlay.EventFatalErrorIdentityCollision:
		s.fatal(IdentityCollision, "identity/address collision")
		s.Terminate()

	case overlay.EventTrace:
		if msg, ok := metaData.(string); ok {
			s.logger.Debug("engine trace", slog.String("trace", msg))
		}
	}
}
