package netio

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"syscall"

	"golang.org/x/sys/unix"
)

// Port hunting ranges. Randomly chosen ports land in [20000, 65500);
// derived ports wrap back to 20000 after 65535.
const (
	portRangeBase = 20000
	portRangeSpan = 45500

	// primaryPortTrials bounds random primary port hunting.
	primaryPortTrials = 256

	// derivedPortTrials bounds secondary/mapping port hunting.
	derivedPortTrials = 1000
)

// TrialBind reports whether port is usable: it attempts a UDP bind and a
// TCP listen on 0.0.0.0:port, then on [::]:port, closing every socket it
// opens. True means both UDP and TCP succeeded on at least one family.
func TrialBind(port uint16) bool {
	if port == 0 {
		return false
	}
	return trialBindFamily("4", port) || trialBindFamily("6", port)
}

// trialBindFamily attempts the UDP+TCP probe on one address family.
func trialBindFamily(family string, port uint16) bool {
	host := "0.0.0.0"
	if family == "6" {
		host = "[::]"
	}
	addr := fmt.Sprintf("%s:%d", host, port)

	lc := net.ListenConfig{
		Control: func(_, _ string, c syscall.RawConn) error {
			return setReuseAddr(c)
		},
	}

	pc, err := lc.ListenPacket(context.Background(), "udp"+family, addr)
	if err != nil {
		return false
	}
	_ = pc.Close()

	ln, err := lc.Listen(context.Background(), "tcp"+family, addr)
	if err != nil {
		return false
	}
	_ = ln.Close()

	return true
}

// setReuseAddr sets SO_REUSEADDR on the probe socket so a trial bind does
// not fail against a lingering TIME_WAIT entry from a previous run.
func setReuseAddr(c syscall.RawConn) error {
	var sockErr error
	err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return fmt.Errorf("raw conn control: %w", err)
	}
	if sockErr != nil {
		return fmt.Errorf("set SO_REUSEADDR: %w", sockErr)
	}
	return nil
}

// PickPrimaryPort returns a bindable primary port. A nonzero configured
// port gets exactly one trial; zero draws random ports from
// [20000, 65500) for up to 256 trials. Returns 0 when no port could be
// bound, which the caller treats as fatal.
func PickPrimaryPort(configured uint16) uint16 {
	if configured != 0 {
		if TrialBind(configured) {
			return configured
		}
		return 0
	}

	for range primaryPortTrials {
		p := randomPort()
		if TrialBind(p) {
			return p
		}
	}
	return 0
}

// PickDerivedPort hunts upward from start, wrapping to 20000 past 65535,
// until a port trial-binds or 1000 attempts are exhausted (then 0).
func PickDerivedPort(start uint16) uint16 {
	port := uint32(start)
	for range derivedPortTrials {
		port++
		if port >= 65536 {
			port = portRangeBase
		}
		if TrialBind(uint16(port)) {
			return uint16(port)
		}
	}
	return 0
}

// DerivedPortStart computes the secondary-port starting point from the
// node's overlay address.
func DerivedPortStart(overlayAddress uint64) uint16 {
	return uint16(portRangeBase + overlayAddress%portRangeSpan)
}

// randomPort draws a uniformly random port in [20000, 65500).
func randomPort() uint16 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		// crypto/rand does not fail on supported platforms; fall back to
		// the range base so the trial loop still terminates.
		return portRangeBase
	}
	return uint16(portRangeBase + binary.BigEndian.Uint32(b[:])%portRangeSpan)
}
