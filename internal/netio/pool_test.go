package netio_test

import (
	"testing"

	"github.com/overmesh/noded/internal/netio"
)

// TestPacketPoolExhaustion verifies the pool never allocates: TryGet
// returns nil once every buffer is in flight, and Put recycles.
func TestPacketPoolExhaustion(t *testing.T) {
	t.Parallel()

	p := netio.NewPacketPool(2)

	a := p.TryGet()
	b := p.TryGet()
	if a == nil || b == nil {
		t.Fatal("TryGet returned nil with buffers available")
	}

	if c := p.TryGet(); c != nil {
		t.Error("TryGet returned a buffer from an exhausted pool")
	}

	p.Put(a)
	if c := p.TryGet(); c == nil {
		t.Error("TryGet returned nil after a buffer was recycled")
	}
}

// TestPacketPayload verifies Payload bounds to the received length.
func TestPacketPayload(t *testing.T) {
	t.Parallel()

	p := netio.NewPacketPool(1)
	pkt := p.TryGet()
	copy(pkt.Data[:], "hello")
	pkt.Len = 5

	if got := string(pkt.Payload()); got != "hello" {
		t.Errorf("Payload() = %q, want %q", got, "hello")
	}
}
