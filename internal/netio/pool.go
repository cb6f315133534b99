package netio

import "net/netip"

// MaxPacketSize is the largest datagram the overlay carries on the wire.
const MaxPacketSize = 10000

// Packet is one received datagram plus the receive metadata the engine
// needs: the bound socket it arrived on and the monotonic receive time.
type Packet struct {
	Sock int64
	From netip.AddrPort
	Now  int64
	Len  int
	Data [MaxPacketSize]byte
}

// Payload returns the valid portion of the packet buffer.
func (p *Packet) Payload() []byte {
	return p.Data[:p.Len]
}

// PacketPool is a fixed-size pool of reusable packet buffers. When the
// pool is empty the receiver drops the datagram rather than allocating;
// the drop is counted by the caller.
type PacketPool struct {
	free chan *Packet
}

// NewPacketPool creates a pool holding size buffers.
func NewPacketPool(size int) *PacketPool {
	p := &PacketPool{free: make(chan *Packet, size)}
	for range size {
		p.free <- &Packet{}
	}
	return p
}

// TryGet returns a buffer, or nil when the pool is exhausted.
func (p *PacketPool) TryGet() *Packet {
	select {
	case pkt := <-p.free:
		return pkt
	default:
		return nil
	}
}

// Put returns a buffer to the pool.
func (p *PacketPool) Put(pkt *Packet) {
	select {
	case p.free <- pkt:
	default:
		// Pool is full; a foreign buffer was handed back. Drop it.
	}
}
